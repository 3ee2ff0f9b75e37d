// Package session persists conversation state between requests. Two
// backends implement the same Store contract: an in-process map for
// single-node and test deployments, and Redis for anything shared.
package session

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/libraxisai/lbrxserve/types"
)

// Session is one persisted conversation. Data carries caller-supplied
// metadata verbatim. A positive TTLSeconds overrides the store's default
// expiry for this session.
type Session struct {
	ID           string          `json:"id"`
	UserID       string          `json:"user_id,omitempty"`
	Service      string          `json:"service,omitempty"`
	Model        string          `json:"model,omitempty"`
	Data         map[string]any  `json:"data,omitempty"`
	TTLSeconds   int             `json:"ttl_seconds,omitempty"`
	Messages     []types.Message `json:"messages"`
	MessageCount int             `json:"message_count"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

// TTL returns the session's expiry override, or fallback when none is set.
func (s *Session) TTL(fallback time.Duration) time.Duration {
	if s.TTLSeconds > 0 {
		return time.Duration(s.TTLSeconds) * time.Second
	}
	return fallback
}

// New creates an empty session with a fresh id.
func New(userID, service, model string) *Session {
	now := time.Now().UTC()
	return &Session{
		ID:        uuid.NewString(),
		UserID:    userID,
		Service:   service,
		Model:     model,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Append adds messages to the conversation and bumps the counters.
func (s *Session) Append(msgs ...types.Message) {
	s.Messages = append(s.Messages, msgs...)
	s.MessageCount = len(s.Messages)
	s.UpdatedAt = time.Now().UTC()
}

// Store is the session persistence contract. Get refreshes the session's
// expiry; implementations that cannot enumerate sessions return an empty
// list from List.
type Store interface {
	Create(ctx context.Context, s *Session) error
	Get(ctx context.Context, id string) (*Session, error)
	Save(ctx context.Context, s *Session) error
	Delete(ctx context.Context, id string) error
	List(ctx context.Context) ([]*Session, error)
	Close() error
}

// ErrNotFound is returned when a session id does not resolve.
func ErrNotFound(id string) error {
	return types.NewError(types.ErrSessionNotFound, "session not found: "+id)
}
