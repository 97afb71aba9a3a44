package realtime

import (
	"log/slog"
	"sync"
)

// outboundBuffer is the per-connection send queue depth. A recipient that
// falls this far behind is treated as stale and disconnected.
const outboundBuffer = 64

// connection binds a user to a transport with a buffered outbound queue.
// A dedicated writer goroutine drains the queue, which gives every recipient
// FIFO delivery and keeps slow transports from blocking broadcasts.
type connection struct {
	userID    string
	transport Transport
	out       chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

func (c *connection) close(code int) {
	c.closeOnce.Do(func() {
		close(c.done)
		if err := c.transport.Close(code); err != nil {
			slog.Debug("transport close failed", slog.String("user_id", c.userID), slog.String("error", err.Error()))
		}
	})
}

// Registry tracks live connections and channel memberships. It keeps two
// indices, user->channels and channel->users, which it holds symmetric under
// a single lock: a broadcast never observes a half-removed membership.
//
// The registry is process-local and rebuilt empty on restart; clients are
// responsible for reconnecting.
type Registry struct {
	mu           sync.Mutex
	conns        map[string]*connection
	userChannels map[string]map[string]struct{}
	channelUsers map[string]map[string]struct{}
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		conns:        make(map[string]*connection),
		userChannels: make(map[string]map[string]struct{}),
		channelUsers: make(map[string]map[string]struct{}),
	}
}

// Connect registers a transport for the user. If the user already has a live
// connection it is forcibly closed first, along with its channel
// memberships, so delivery never splits across two endpoints.
func (r *Registry) Connect(userID string, transport Transport) {
	c := &connection{
		userID:    userID,
		transport: transport,
		out:       make(chan []byte, outboundBuffer),
		done:      make(chan struct{}),
	}

	r.mu.Lock()
	prior := r.conns[userID]
	if prior != nil {
		r.removeMembershipsLocked(userID)
	}
	r.conns[userID] = c
	r.mu.Unlock()

	if prior != nil {
		prior.close(CloseReplaced)
		slog.Info("replaced existing connection", slog.String("user_id", userID))
	}

	go c.writeLoop(r)
	slog.Info("user connected", slog.String("user_id", userID))
}

// Disconnect removes the user's connection and atomically releases every
// channel membership.
func (r *Registry) Disconnect(userID string) {
	r.mu.Lock()
	c := r.conns[userID]
	if c != nil {
		delete(r.conns, userID)
		r.removeMembershipsLocked(userID)
	}
	r.mu.Unlock()

	if c != nil {
		c.close(CloseNormal)
		slog.Info("user disconnected", slog.String("user_id", userID))
	}
}

// DisconnectTransport removes the user's connection only if it still rides
// the given transport. A handler whose connection was replaced by a newer
// one must not tear down its successor.
func (r *Registry) DisconnectTransport(userID string, transport Transport) {
	r.mu.Lock()
	c := r.conns[userID]
	if c == nil || c.transport != transport {
		r.mu.Unlock()
		return
	}
	delete(r.conns, userID)
	r.removeMembershipsLocked(userID)
	r.mu.Unlock()

	c.close(CloseNormal)
	slog.Info("user disconnected", slog.String("user_id", userID))
}

// dropConnection disconnects a specific connection. A no-op if the user has
// already been replaced by a newer connection, so a stale writer can never
// tear down its successor.
func (r *Registry) dropConnection(c *connection, code int) {
	r.mu.Lock()
	if r.conns[c.userID] != c {
		r.mu.Unlock()
		c.close(code)
		return
	}
	delete(r.conns, c.userID)
	r.removeMembershipsLocked(c.userID)
	r.mu.Unlock()

	c.close(code)
	slog.Info("dropped stale connection", slog.String("user_id", c.userID))
}

// Subscribe adds the user to a channel. Idempotent; returns false if the
// user has no live connection.
func (r *Registry) Subscribe(userID, channel string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.conns[userID]; !ok {
		return false
	}

	if r.userChannels[userID] == nil {
		r.userChannels[userID] = make(map[string]struct{})
	}
	if r.channelUsers[channel] == nil {
		r.channelUsers[channel] = make(map[string]struct{})
	}
	r.userChannels[userID][channel] = struct{}{}
	r.channelUsers[channel][userID] = struct{}{}
	return true
}

// Unsubscribe removes the user from a channel. Idempotent.
func (r *Registry) Unsubscribe(userID, channel string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.removeMembershipLocked(userID, channel)
}

// Send delivers a message to one user. Returns false if the user is not
// connected; absence is an expected condition, not an error.
func (r *Registry) Send(userID string, msg ServerMessage) bool {
	data, err := msg.Encode()
	if err != nil {
		slog.Error("failed to encode message", slog.Any("error", err))
		return false
	}

	r.mu.Lock()
	c, ok := r.conns[userID]
	if !ok {
		r.mu.Unlock()
		return false
	}
	delivered := c.enqueue(data)
	r.mu.Unlock()

	if !delivered {
		r.dropConnection(c, CloseStale)
	}
	return delivered
}

// Broadcast fans a message out to every member of a channel, skipping
// exclude. A recipient whose queue is full is disconnected, but delivery to
// the remaining members continues. Returns the number of recipients.
func (r *Registry) Broadcast(channel string, msg ServerMessage, exclude string) int {
	data, err := msg.Encode()
	if err != nil {
		slog.Error("failed to encode message", slog.Any("error", err))
		return 0
	}

	var stale []*connection
	delivered := 0

	r.mu.Lock()
	for userID := range r.channelUsers[channel] {
		if userID == exclude {
			continue
		}
		c, ok := r.conns[userID]
		if !ok {
			continue
		}
		if c.enqueue(data) {
			delivered++
		} else {
			stale = append(stale, c)
		}
	}
	r.mu.Unlock()

	for _, c := range stale {
		r.dropConnection(c, CloseStale)
	}
	return delivered
}

// SendNotification delivers a notification frame to one user. Satisfies the
// notify package's Sender interface.
func (r *Registry) SendNotification(userID, event string, payload map[string]any) bool {
	return r.Send(userID, ServerMessage{
		Type:  TypeNotification,
		Event: event,
		Data:  payload,
	})
}

// Connected reports whether a user has a live connection.
func (r *Registry) Connected(userID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.conns[userID]
	return ok
}

// UserChannels returns the channels a user is subscribed to.
func (r *Registry) UserChannels(userID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	channels := make([]string, 0, len(r.userChannels[userID]))
	for ch := range r.userChannels[userID] {
		channels = append(channels, ch)
	}
	return channels
}

// ChannelMembers returns the users subscribed to a channel.
func (r *Registry) ChannelMembers(channel string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	users := make([]string, 0, len(r.channelUsers[channel]))
	for u := range r.channelUsers[channel] {
		users = append(users, u)
	}
	return users
}

// enqueue attempts a non-blocking push onto the outbound queue.
func (c *connection) enqueue(data []byte) bool {
	select {
	case c.out <- data:
		return true
	default:
		return false
	}
}

// writeLoop drains the outbound queue onto the transport. A send failure
// drops this connection only.
func (c *connection) writeLoop(r *Registry) {
	for {
		select {
		case <-c.done:
			return
		case data := <-c.out:
			if err := c.transport.Send(data); err != nil {
				slog.Debug("send failed, dropping connection",
					slog.String("user_id", c.userID), slog.String("error", err.Error()))
				r.dropConnection(c, CloseStale)
				return
			}
		}
	}
}

// removeMembershipsLocked clears every membership for a user. Caller holds r.mu.
func (r *Registry) removeMembershipsLocked(userID string) {
	for channel := range r.userChannels[userID] {
		r.removeMembershipLocked(userID, channel)
	}
}

// removeMembershipLocked deletes one (user, channel) pair from both indices,
// cleaning up empty sets. Caller holds r.mu.
func (r *Registry) removeMembershipLocked(userID, channel string) {
	if chans, ok := r.userChannels[userID]; ok {
		delete(chans, channel)
		if len(chans) == 0 {
			delete(r.userChannels, userID)
		}
	}
	if users, ok := r.channelUsers[channel]; ok {
		delete(users, userID)
		if len(users) == 0 {
			delete(r.channelUsers, channel)
		}
	}
}
