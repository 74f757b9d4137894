package identity

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"time"

	"saas-chatbot-widget/internal/kvstore"
)

// DefaultReturnWindow is the gap after which a visit counts as returning.
const DefaultReturnWindow = time.Hour

// Session is the identity and visit classification computed once per
// widget load. IsReturnUser is frozen for the lifetime of that load.
type Session struct {
	AgentID      string    `json:"agent_id"`
	AnonymousID  string    `json:"anonymous_id"`
	SessionID    string    `json:"session_id"`
	IsReturnUser bool      `json:"is_return_user"`
	ResolvedAt   time.Time `json:"resolved_at"`
}

// Resolver resolves visitor identity against a shared visitor store.
type Resolver struct {
	store        kvstore.Store
	now          func() time.Time
	returnWindow time.Duration
}

type Option func(*Resolver)

func WithClock(now func() time.Time) Option {
	return func(r *Resolver) { r.now = now }
}

func WithReturnWindow(d time.Duration) Option {
	return func(r *Resolver) {
		if d > 0 {
			r.returnWindow = d
		}
	}
}

func NewResolver(store kvstore.Store, opts ...Option) *Resolver {
	r := &Resolver{
		store:        store,
		now:          time.Now,
		returnWindow: DefaultReturnWindow,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func lastVisitKey(agentID string) string { return "last_visit:" + agentID }

func sessionIDKey(anonymousID string) string { return "session_id:" + anonymousID }

// Resolve derives the anonymous id from fp and classifies this load for
// agentID. The stored last-visit timestamp is only refreshed on a first
// visit or after a gap longer than the return window, so continuous
// browsing keeps measuring from the start of the activity. Storage
// failures degrade to values that live only in the returned Session.
func (r *Resolver) Resolve(ctx context.Context, agentID string, fp Fingerprint) Session {
	now := r.now()
	anonymousID := fp.AnonymousID()
	store := kvstore.ForVisitor(r.store, anonymousID)

	session := Session{
		AgentID:     agentID,
		AnonymousID: anonymousID,
		ResolvedAt:  now,
	}

	last, found := r.readTimestamp(ctx, store, lastVisitKey(agentID))
	switch {
	case !found:
		r.write(ctx, store, lastVisitKey(agentID), strconv.FormatInt(now.UnixMilli(), 10))
	case now.Sub(last) > r.returnWindow:
		session.IsReturnUser = true
		r.write(ctx, store, lastVisitKey(agentID), strconv.FormatInt(now.UnixMilli(), 10))
	default:
		// Same ongoing visit; the anchor timestamp stays put.
	}

	sessionID, err := store.Get(ctx, sessionIDKey(anonymousID))
	if err != nil || sessionID == "" {
		if err != nil && !errors.Is(err, kvstore.ErrNotFound) {
			slog.Warn("Session id lookup failed", "anonymous_id", anonymousID, "error", err)
		}
		sessionID = anonymousID
		r.write(ctx, store, sessionIDKey(anonymousID), sessionID)
	}
	session.SessionID = sessionID

	slog.Debug("Resolved widget identity",
		"agent_id", agentID,
		"anonymous_id", anonymousID,
		"is_return_user", session.IsReturnUser,
	)
	return session
}

func (r *Resolver) readTimestamp(ctx context.Context, store kvstore.Store, key string) (time.Time, bool) {
	raw, err := store.Get(ctx, key)
	if errors.Is(err, kvstore.ErrNotFound) {
		return time.Time{}, false
	}
	if err != nil {
		slog.Warn("Visit record lookup failed", "key", key, "error", err)
		return time.Time{}, false
	}

	ms, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		slog.Debug("Ignoring malformed visit timestamp", "key", key, "value", raw)
		return time.Time{}, false
	}
	return time.UnixMilli(ms), true
}

func (r *Resolver) write(ctx context.Context, store kvstore.Store, key, value string) {
	if err := store.Set(ctx, key, value); err != nil {
		slog.Warn("Visit record write failed", "key", key, "error", err)
	}
}
