// Package services contains the core business logic for Soulseer: session
// lifecycle orchestration, token auth, and meeting link issuance.
package services

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/soulseer/backend/internal/store"
)

// Claims represents the JWT payload for authenticated requests. The subject
// is the user ID; the role authorizes client-only and reader-only actions.
type Claims struct {
	Role store.Role `json:"role"`
	jwt.RegisteredClaims
}

// UserID returns the token subject.
func (c *Claims) UserID() string {
	return c.Subject
}

// MeetingClaims is the short-lived token payload handed out on session
// join, scoped to a single session.
type MeetingClaims struct {
	SessionID string `json:"sid"`
	jwt.RegisteredClaims
}

// AuthService handles JWT token generation and validation.
type AuthService struct {
	secret          []byte
	tokenDuration   time.Duration
	meetingTokenTTL time.Duration
}

// NewAuthService creates an AuthService with the given signing secret and
// token durations.
func NewAuthService(secret string, tokenDuration, meetingTokenTTL time.Duration) *AuthService {
	return &AuthService{
		secret:          []byte(secret),
		tokenDuration:   tokenDuration,
		meetingTokenTTL: meetingTokenTTL,
	}
}

// GenerateToken creates a signed JWT for the given user and role.
func (s *AuthService) GenerateToken(userID string, role store.Role) (string, error) {
	claims := Claims{
		Role: role,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "soulseer",
			Subject:   userID,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(s.tokenDuration)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.secret)
}

// ValidateToken verifies the JWT signature and expiry, returning the claims
// if valid.
func (s *AuthService) ValidateToken(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return s.secret, nil
	})

	if err != nil {
		return nil, err
	}

	if claims, ok := token.Claims.(*Claims); ok && token.Valid {
		return claims, nil
	}

	return nil, errors.New("invalid token")
}

// GenerateMeetingToken creates a short-lived token authorizing the user to
// enter a specific session's meeting.
func (s *AuthService) GenerateMeetingToken(sessionID, userID string) (string, error) {
	claims := MeetingClaims{
		SessionID: sessionID,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "soulseer",
			Subject:   userID,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(s.meetingTokenTTL)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.secret)
}

// ValidateMeetingToken verifies a meeting token and returns its claims.
func (s *AuthService) ValidateMeetingToken(tokenString string) (*MeetingClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &MeetingClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return s.secret, nil
	})

	if err != nil {
		return nil, err
	}

	if claims, ok := token.Claims.(*MeetingClaims); ok && token.Valid {
		return claims, nil
	}

	return nil, errors.New("invalid token")
}
