package auth

import (
	"errors"
	"fmt"
	"time"

	"saas-chatbot-widget/internal/identity"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const issuer = "saas-chatbot-widget"

var ErrInvalidToken = errors.New("invalid session token")

// SessionClaims carry the session resolved at widget load, so later calls
// for the same load see the same classification.
type SessionClaims struct {
	AgentID      string `json:"agent_id"`
	AnonymousID  string `json:"anonymous_id"`
	SessionID    string `json:"session_id"`
	IsReturnUser bool   `json:"is_return_user"`
	jwt.RegisteredClaims
}

// Session converts the claims back into the load-time session.
func (c *SessionClaims) Session() identity.Session {
	s := identity.Session{
		AgentID:      c.AgentID,
		AnonymousID:  c.AnonymousID,
		SessionID:    c.SessionID,
		IsReturnUser: c.IsReturnUser,
	}
	if c.IssuedAt != nil {
		s.ResolvedAt = c.IssuedAt.Time
	}
	return s
}

// SessionTokens issues and validates widget session tokens.
type SessionTokens struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

func NewSessionTokens(secret string, ttl time.Duration) (*SessionTokens, error) {
	if len(secret) < 16 {
		return nil, fmt.Errorf("session token secret must be at least 16 characters")
	}
	if ttl <= 0 {
		ttl = 12 * time.Hour
	}
	return &SessionTokens{secret: []byte(secret), ttl: ttl, now: time.Now}, nil
}

// Issue signs a token for session and returns it with its expiry.
func (t *SessionTokens) Issue(session identity.Session) (string, time.Time, error) {
	now := t.now()
	exp := now.Add(t.ttl)

	claims := SessionClaims{
		AgentID:      session.AgentID,
		AnonymousID:  session.AnonymousID,
		SessionID:    session.SessionID,
		IsReturnUser: session.IsReturnUser,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Subject:   session.AnonymousID,
			ExpiresAt: jwt.NewNumericDate(exp),
			IssuedAt:  jwt.NewNumericDate(now),
			Issuer:    issuer,
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(t.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("failed to sign session token: %w", err)
	}
	return signed, exp, nil
}

// Validate parses tokenString and checks it was issued for agentID.
func (t *SessionTokens) Validate(tokenString, agentID string) (*SessionClaims, error) {
	claims := &SessionClaims{}

	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		// Prevent algorithm confusion attacks
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return t.secret, nil
	},
		jwt.WithIssuer(issuer),
		jwt.WithTimeFunc(t.now),
	)
	if err != nil || !token.Valid {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	if claims.AgentID != agentID || claims.AnonymousID == "" {
		return nil, fmt.Errorf("%w: token issued for another agent", ErrInvalidToken)
	}
	return claims, nil
}
