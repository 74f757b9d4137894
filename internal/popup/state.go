package popup

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"time"

	"saas-chatbot-widget/internal/kvstore"
)

// Status is the evaluated state of a popup for one visitor.
type Status int

const (
	// StatusArmed: never shown, or a previous countdown ran out.
	StatusArmed Status = iota
	// StatusSuppressed: dismissed by the visitor; never shown again.
	StatusSuppressed
	// StatusActive: shown with a countdown still running; show it again.
	StatusActive
	// StatusExpired: shown but the countdown has passed.
	StatusExpired
)

func (s Status) String() string {
	switch s {
	case StatusArmed:
		return "armed"
	case StatusSuppressed:
		return "suppressed"
	case StatusActive:
		return "active"
	case StatusExpired:
		return "expired"
	default:
		return "unknown"
	}
}

// DisplayState is the persisted shown flag and optional expiry of a popup.
type DisplayState struct {
	Shown     bool
	ExpiresAt *time.Time
}

// Status classifies the state at now.
func (s DisplayState) Status(now time.Time) Status {
	switch {
	case !s.Shown:
		return StatusArmed
	case s.ExpiresAt == nil:
		return StatusSuppressed
	case now.Before(*s.ExpiresAt):
		return StatusActive
	default:
		return StatusExpired
	}
}

func shownKey(popupID string) string  { return "popup_shown:" + popupID }
func expiryKey(popupID string) string { return "popup_expiry:" + popupID }

// stateStore reads and writes DisplayState in a visitor-scoped store.
// Unreadable or malformed values read as never shown.
type stateStore struct {
	store kvstore.Store
}

func (s stateStore) load(ctx context.Context, popupID string) DisplayState {
	shown, err := s.store.Get(ctx, shownKey(popupID))
	if err != nil {
		if !errors.Is(err, kvstore.ErrNotFound) {
			slog.Warn("Popup state read failed", "popup_id", popupID, "error", err)
		}
		return DisplayState{}
	}
	if shown != "true" {
		slog.Debug("Ignoring malformed popup shown flag", "popup_id", popupID, "value", shown)
		return DisplayState{}
	}

	raw, err := s.store.Get(ctx, expiryKey(popupID))
	if errors.Is(err, kvstore.ErrNotFound) {
		return DisplayState{Shown: true}
	}
	if err != nil {
		slog.Warn("Popup expiry read failed", "popup_id", popupID, "error", err)
		return DisplayState{}
	}
	ms, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		slog.Debug("Ignoring malformed popup expiry", "popup_id", popupID, "value", raw)
		return DisplayState{}
	}
	expires := time.UnixMilli(ms)
	return DisplayState{Shown: true, ExpiresAt: &expires}
}

// markShown persists shown, with an expiry when expiresAt is set.
func (s stateStore) markShown(ctx context.Context, popupID string, expiresAt *time.Time) {
	if err := s.store.Set(ctx, shownKey(popupID), "true"); err != nil {
		slog.Warn("Popup state write failed", "popup_id", popupID, "error", err)
		return
	}
	if expiresAt == nil {
		s.delete(ctx, popupID, expiryKey(popupID))
		return
	}
	if err := s.store.Set(ctx, expiryKey(popupID), strconv.FormatInt(expiresAt.UnixMilli(), 10)); err != nil {
		slog.Warn("Popup expiry write failed", "popup_id", popupID, "error", err)
	}
}

func (s stateStore) clear(ctx context.Context, popupID string) {
	s.delete(ctx, popupID, shownKey(popupID), expiryKey(popupID))
}

func (s stateStore) delete(ctx context.Context, popupID string, keys ...string) {
	if err := s.store.Delete(ctx, keys...); err != nil {
		slog.Warn("Popup state delete failed", "popup_id", popupID, "error", err)
	}
}
