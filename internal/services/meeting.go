package services

import (
	"crypto/rand"
	"crypto/subtle"
	"fmt"

	"github.com/soulseer/backend/internal/crypto"
)

const slugChars = "abcdefghijklmnopqrstuvwxyz0123456789"

// MeetingService issues meeting references and derives per-participant join
// secrets. The secret is never stored: it is recomputed from the service
// secret, the slug, and the session ID, so any component holding the same
// secret can verify a presented value.
type MeetingService struct {
	baseURL string
	secret  string
}

func NewMeetingService(baseURL, secret string) *MeetingService {
	return &MeetingService{baseURL: baseURL, secret: secret}
}

// NewSlug generates an opaque meeting slug, assigned at booking time.
func (m *MeetingService) NewSlug() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate meeting slug: %w", err)
	}
	for i, b := range buf {
		buf[i] = slugChars[int(b)%len(slugChars)]
	}
	return string(buf), nil
}

// Link builds the meeting URL for a slug.
func (m *MeetingService) Link(slug string) string {
	return m.baseURL + "/" + slug
}

// JoinSecret derives the join secret for a session's meeting. Handed to
// participants when they join; the media layer verifies it with
// VerifySecret.
func (m *MeetingService) JoinSecret(sessionID, slug string) (string, error) {
	return crypto.HashJoinSecret(m.secret+":"+slug, sessionID)
}

// VerifySecret reports whether a presented join secret is the one derived
// for the session.
func (m *MeetingService) VerifySecret(sessionID, slug, presented string) bool {
	want, err := m.JoinSecret(sessionID, slug)
	if err != nil {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(want), []byte(presented)) == 1
}
