package session

import (
	"errors"
	"testing"
)

var allStatuses = []Status{
	StatusPending, StatusScheduled, StatusConfirmed, StatusInProgress,
	StatusCompleted, StatusCancelled, StatusFailed, StatusDeclined,
}

func TestCanTransitionLegalEdges(t *testing.T) {
	legal := []struct {
		from, to Status
	}{
		{StatusPending, StatusScheduled},
		{StatusPending, StatusConfirmed},
		{StatusPending, StatusCancelled},
		{StatusPending, StatusDeclined},
		{StatusScheduled, StatusConfirmed},
		{StatusScheduled, StatusCancelled},
		{StatusConfirmed, StatusInProgress},
		{StatusConfirmed, StatusCancelled},
		{StatusInProgress, StatusCompleted},
		{StatusInProgress, StatusCancelled},
		{StatusInProgress, StatusFailed},
	}

	for _, tt := range legal {
		if !CanTransition(tt.from, tt.to) {
			t.Errorf("expected %s -> %s to be legal", tt.from, tt.to)
		}
		if err := CheckTransition(tt.from, tt.to); err != nil {
			t.Errorf("CheckTransition(%s, %s) = %v, want nil", tt.from, tt.to, err)
		}
	}
}

// Every (from, to) pair not in the transition table must be rejected.
func TestCheckTransitionRejectsAllOtherEdges(t *testing.T) {
	legal := map[[2]Status]bool{}
	for _, pair := range [][2]Status{
		{StatusPending, StatusScheduled},
		{StatusPending, StatusConfirmed},
		{StatusPending, StatusCancelled},
		{StatusPending, StatusDeclined},
		{StatusScheduled, StatusConfirmed},
		{StatusScheduled, StatusCancelled},
		{StatusConfirmed, StatusInProgress},
		{StatusConfirmed, StatusCancelled},
		{StatusInProgress, StatusCompleted},
		{StatusInProgress, StatusCancelled},
		{StatusInProgress, StatusFailed},
	} {
		legal[pair] = true
	}

	for _, from := range allStatuses {
		for _, to := range allStatuses {
			if legal[[2]Status{from, to}] {
				continue
			}
			if CanTransition(from, to) {
				t.Errorf("expected %s -> %s to be illegal", from, to)
			}
			if err := CheckTransition(from, to); !errors.Is(err, ErrInvalidTransition) {
				t.Errorf("CheckTransition(%s, %s) = %v, want ErrInvalidTransition", from, to, err)
			}
		}
	}
}

func TestTerminalStatusesHaveNoOutboundEdges(t *testing.T) {
	for _, s := range []Status{StatusCompleted, StatusCancelled, StatusFailed, StatusDeclined} {
		if !s.IsTerminal() {
			t.Errorf("expected %s to be terminal", s)
		}
		for _, to := range allStatuses {
			if CanTransition(s, to) {
				t.Errorf("terminal status %s has outbound edge to %s", s, to)
			}
		}
	}

	for _, s := range []Status{StatusPending, StatusScheduled, StatusConfirmed, StatusInProgress} {
		if s.IsTerminal() {
			t.Errorf("expected %s to be non-terminal", s)
		}
	}
}

func TestChannelNameRoundTrip(t *testing.T) {
	id := "7f9c3e12-8a4b-4f6d-9c1e-2b5a8d7e4f01"
	channel := ChannelName(id)

	if got := SessionIDFromChannel(channel); got != id {
		t.Errorf("SessionIDFromChannel(%q) = %q, want %q", channel, got, id)
	}

	if got := SessionIDFromChannel("presence:lobby"); got != "" {
		t.Errorf("expected non-session channel to yield empty ID, got %q", got)
	}
}

func TestParticipant(t *testing.T) {
	s := &Session{ClientID: "client-1", ReaderID: "reader-1"}

	if !s.Participant("client-1") || !s.Participant("reader-1") {
		t.Error("expected both parties to be participants")
	}
	if s.Participant("stranger") {
		t.Error("expected non-party to not be a participant")
	}

	if got := s.OtherParticipant("client-1"); got != "reader-1" {
		t.Errorf("OtherParticipant(client) = %q, want reader-1", got)
	}
	if got := s.OtherParticipant("reader-1"); got != "client-1" {
		t.Errorf("OtherParticipant(reader) = %q, want client-1", got)
	}
	if got := s.OtherParticipant("stranger"); got != "" {
		t.Errorf("OtherParticipant(stranger) = %q, want empty", got)
	}
}
