// Package realtime implements the live-delivery layer: a connection registry
// tracking which users are online and which channels they joined, a
// session-aware gateway that authorizes channel access and persists chat, and
// the closed message vocabulary spoken over the wire.
package realtime

import (
	"encoding/json"
	"fmt"
	"time"
)

// MessageType enumerates every frame kind the wire protocol knows. The set
// is closed: frames with any other type are rejected at the boundary.
type MessageType string

const (
	// Client-originated frames.
	TypeAuth        MessageType = "auth"
	TypeSubscribe   MessageType = "subscribe"
	TypeUnsubscribe MessageType = "unsubscribe"
	TypePublish     MessageType = "publish"
	TypePing        MessageType = "ping"

	// Server-originated frames.
	TypePong          MessageType = "pong"
	TypeChat          MessageType = "chat"
	TypeNotification  MessageType = "notification"
	TypeError         MessageType = "error"
	TypeSuccess       MessageType = "success"
	TypeSessionUpdate MessageType = "session_update"
)

// ClientMessage is a parsed, validated inbound frame.
type ClientMessage struct {
	Type    MessageType
	Token   string // auth
	Channel string // subscribe, unsubscribe, publish
	Body    string // publish
}

type clientEnvelope struct {
	Type    MessageType `json:"type"`
	Token   string      `json:"token,omitempty"`
	Channel string      `json:"channel,omitempty"`
	Body    string      `json:"body,omitempty"`
}

// ParseClientMessage decodes and validates one inbound frame. Required
// fields are checked per type so downstream code never re-validates.
func ParseClientMessage(data []byte) (ClientMessage, error) {
	var env clientEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return ClientMessage{}, fmt.Errorf("malformed message: %w", err)
	}

	msg := ClientMessage{
		Type:    env.Type,
		Token:   env.Token,
		Channel: env.Channel,
		Body:    env.Body,
	}

	switch env.Type {
	case TypeAuth:
		if env.Token == "" {
			return ClientMessage{}, fmt.Errorf("auth message requires a token")
		}
	case TypeSubscribe, TypeUnsubscribe:
		if env.Channel == "" {
			return ClientMessage{}, fmt.Errorf("%s message requires a channel", env.Type)
		}
	case TypePublish:
		if env.Channel == "" {
			return ClientMessage{}, fmt.Errorf("publish message requires a channel")
		}
		if env.Body == "" {
			return ClientMessage{}, fmt.Errorf("publish message requires a body")
		}
	case TypePing:
		// No payload.
	default:
		return ClientMessage{}, fmt.Errorf("unknown message type %q", env.Type)
	}

	return msg, nil
}

// ServerMessage is an outbound frame. Encode once, deliver to many.
type ServerMessage struct {
	Type      MessageType `json:"type"`
	Channel   string      `json:"channel,omitempty"`
	Sender    string      `json:"sender,omitempty"`
	Event     string      `json:"event,omitempty"`
	Body      string      `json:"body,omitempty"`
	Message   string      `json:"message,omitempty"`
	Data      any         `json:"data,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

// Encode serializes the message, stamping the timestamp if unset.
func (m ServerMessage) Encode() ([]byte, error) {
	if m.Timestamp.IsZero() {
		m.Timestamp = time.Now().UTC()
	}
	return json.Marshal(m)
}

// Pong is the reply to a ping frame.
func Pong() ServerMessage {
	return ServerMessage{Type: TypePong}
}

// Success acknowledges a client request.
func Success(message string) ServerMessage {
	return ServerMessage{Type: TypeSuccess, Message: message}
}

// Error reports a client-visible failure without closing the connection.
func Error(message string) ServerMessage {
	return ServerMessage{Type: TypeError, Message: message}
}
