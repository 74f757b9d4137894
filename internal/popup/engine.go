package popup

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"saas-chatbot-widget/internal/identity"
	"saas-chatbot-widget/internal/kvstore"
)

const (
	DefaultVisitDelay          = 1500 * time.Millisecond
	DefaultRedisplayDelay      = time.Second
	DefaultCountdown           = time.Hour
	DefaultExitIntentThreshold = 10

	storeTimeout = 2 * time.Second
)

// Display is handed to the display callback when a popup fires.
type Display struct {
	Popup Definition
	// ExpiresAt is set for popups with a running countdown.
	ExpiresAt *time.Time
	// Redisplay is true when an active popup is shown again on a new load
	// rather than fired by its trigger.
	Redisplay bool
}

// DisplayFunc delivers a popup to the visitor. A non-nil error means the
// popup was not shown.
type DisplayFunc func(Display) error

var (
	ErrNoCountdown        = errors.New("popup has no running countdown")
	ErrUnknownCloseReason = errors.New("unknown close reason")
)

// CloseReason says how a visible popup was closed.
type CloseReason string

const (
	CloseDismissed        CloseReason = "dismissed"
	CloseCountdownElapsed CloseReason = "countdown_elapsed"
)

type Options struct {
	// VisitDelay postpones first/return visit popups after load.
	VisitDelay time.Duration
	// RedisplayDelay postpones re-showing a still active popup.
	RedisplayDelay time.Duration
	// Countdown is how long a countdown popup stays active once shown.
	Countdown time.Duration
	// ExitIntentThreshold is the pointer y (px) under which leaving the
	// viewport counts as exit intent.
	ExitIntentThreshold float64
}

func (o Options) withDefaults() Options {
	if o.VisitDelay <= 0 {
		o.VisitDelay = DefaultVisitDelay
	}
	if o.RedisplayDelay <= 0 {
		o.RedisplayDelay = DefaultRedisplayDelay
	}
	if o.Countdown <= 0 {
		o.Countdown = DefaultCountdown
	}
	if o.ExitIntentThreshold <= 0 {
		o.ExitIntentThreshold = DefaultExitIntentThreshold
	}
	return o
}

type scrollListener struct {
	popupID string
	percent float64
}

// Engine runs the popup lifecycle for one widget load of one visitor.
// Timer callbacks and host events may arrive from any goroutine; state
// changes are serialised and the display callback is called outside the
// lock, in firing order.
type Engine struct {
	mu      sync.Mutex
	state   stateStore
	timer   Timer
	opts    Options
	session identity.Session
	display DisplayFunc

	popups        map[string]Definition
	fired         map[string]bool
	timers        map[string]string
	exitListeners []string
	exitTriggered bool
	scrollListens []scrollListener
	closed        bool

	// serialises display callbacks
	displayMu sync.Mutex
}

// NewEngine returns an engine persisting popup state in store, which must
// already be scoped to the visitor.
func NewEngine(store kvstore.Store, timer Timer, opts Options) *Engine {
	return &Engine{
		state:  stateStore{store: store},
		timer:  timer,
		opts:   opts.withDefaults(),
		popups: make(map[string]Definition),
		fired:  make(map[string]bool),
		timers: make(map[string]string),
	}
}

// Evaluate checks each popup's persisted state in list order and arms the
// trigger of those eligible. Popups already evaluated by this engine are
// skipped, so calling Evaluate again is harmless. A popup with an unknown
// trigger is logged and skipped without affecting the others.
func (e *Engine) Evaluate(ctx context.Context, popups []Definition, session identity.Session, display DisplayFunc) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return
	}
	e.session = session
	e.display = display

	now := e.timer.Now()
	for _, def := range popups {
		e.evaluateOne(ctx, def, now)
	}
}

func (e *Engine) evaluateOne(ctx context.Context, def Definition, now time.Time) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("Popup evaluation panicked", "popup_id", def.ID, "panic", r)
		}
	}()

	if def.ID == "" {
		slog.Warn("Skipping popup without id", "trigger", def.Trigger)
		return
	}
	if _, seen := e.popups[def.ID]; seen {
		return
	}

	trigger, err := def.ParsedTrigger()
	if err != nil {
		slog.Warn("Skipping popup with unknown trigger", "popup_id", def.ID, "trigger", def.Trigger, "error", err)
		return
	}
	e.popups[def.ID] = def

	state := e.state.load(ctx, def.ID)
	status := state.Status(now)
	slog.Debug("Evaluated popup", "popup_id", def.ID, "trigger", string(trigger.Kind()), "status", status.String())

	switch status {
	case StatusSuppressed:
		return
	case StatusActive:
		expires := *state.ExpiresAt
		e.schedule(def.ID, e.opts.RedisplayDelay, func() { e.redisplay(def.ID, expires) })
		return
	case StatusExpired:
		e.state.clear(ctx, def.ID)
	}

	e.arm(def, trigger)
}

func (e *Engine) arm(def Definition, trigger Trigger) {
	id := def.ID
	switch t := trigger.(type) {
	case FirstVisit:
		if !e.session.IsReturnUser {
			e.schedule(id, e.opts.VisitDelay, func() { e.fire(id) })
		}
	case ReturnVisit:
		if e.session.IsReturnUser {
			e.schedule(id, e.opts.VisitDelay, func() { e.fire(id) })
		}
	case ExitIntent:
		e.exitListeners = append(e.exitListeners, id)
	case TimeDelay:
		delay := time.Duration(t.Seconds * float64(time.Second))
		e.schedule(id, delay, func() { e.fire(id) })
	case ScrollDepth:
		e.scrollListens = append(e.scrollListens, scrollListener{popupID: id, percent: t.Percent})
	default:
		slog.Warn("Skipping popup with unhandled trigger", "popup_id", id, "trigger", string(trigger.Kind()))
	}
}

func (e *Engine) schedule(popupID string, delay time.Duration, fn func()) {
	e.timers[popupID] = e.timer.ScheduleAfter(delay, fn)
}

// PointerLeave reports the pointer leaving the viewport at vertical
// position y. Exit intent fires at most once per load.
func (e *Engine) PointerLeave(y float64) {
	e.mu.Lock()
	if e.closed || e.exitTriggered || y >= e.opts.ExitIntentThreshold || len(e.exitListeners) == 0 {
		e.mu.Unlock()
		return
	}
	e.exitTriggered = true
	ids := e.exitListeners
	e.exitListeners = nil
	e.mu.Unlock()

	for _, id := range ids {
		e.fire(id)
	}
}

// Scroll reports the page scrolled to percent of its scrollable height.
// Each scroll depth popup fires once and stops listening.
func (e *Engine) Scroll(percent float64) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	var due []string
	remaining := e.scrollListens[:0]
	for _, l := range e.scrollListens {
		if percent >= l.percent {
			due = append(due, l.popupID)
		} else {
			remaining = append(remaining, l)
		}
	}
	e.scrollListens = remaining
	e.mu.Unlock()

	for _, id := range due {
		e.fire(id)
	}
}

// fire shows an armed popup whose trigger condition was met.
func (e *Engine) fire(popupID string) {
	e.mu.Lock()
	if e.closed || e.fired[popupID] {
		e.mu.Unlock()
		return
	}
	def, ok := e.popups[popupID]
	if !ok {
		e.mu.Unlock()
		return
	}
	delete(e.timers, popupID)

	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()

	now := e.timer.Now()
	// Another load for the same visitor may have dismissed it meanwhile.
	if e.state.load(ctx, popupID).Status(now) == StatusSuppressed {
		e.mu.Unlock()
		slog.Debug("Popup dismissed elsewhere, not firing", "popup_id", popupID)
		return
	}

	e.fired[popupID] = true
	var expiresAt *time.Time
	if def.HasCountdown() {
		t := now.Add(e.opts.Countdown)
		expiresAt = &t
	}
	e.state.markShown(ctx, popupID, expiresAt)
	display := e.display
	e.mu.Unlock()

	if err := e.emit(display, Display{Popup: def, ExpiresAt: expiresAt}); err != nil {
		// Never shown, so a later load may try again.
		slog.Warn("Popup not delivered, clearing shown state", "popup_id", popupID, "error", err)
		rollbackCtx, rollbackCancel := context.WithTimeout(context.Background(), storeTimeout)
		defer rollbackCancel()

		e.mu.Lock()
		e.state.clear(rollbackCtx, popupID)
		e.mu.Unlock()
	}
}

// redisplay shows a popup whose countdown is still running.
func (e *Engine) redisplay(popupID string, expiresAt time.Time) {
	e.mu.Lock()
	if e.closed || e.fired[popupID] {
		e.mu.Unlock()
		return
	}
	def := e.popups[popupID]
	e.fired[popupID] = true
	delete(e.timers, popupID)
	display := e.display
	e.mu.Unlock()

	// The persisted expiry is untouched, so a failed redisplay needs no rollback.
	if err := e.emit(display, Display{Popup: def, ExpiresAt: &expiresAt, Redisplay: true}); err != nil {
		slog.Warn("Popup redisplay not delivered", "popup_id", popupID, "error", err)
	}
}

func (e *Engine) emit(display DisplayFunc, d Display) (err error) {
	if display == nil {
		return errors.New("no display callback")
	}
	e.displayMu.Lock()
	defer e.displayMu.Unlock()

	defer func() {
		if r := recover(); r != nil {
			slog.Error("Popup display callback panicked", "popup_id", d.Popup.ID, "panic", r)
			err = fmt.Errorf("display panicked: %v", r)
		}
	}()
	return display(d)
}

// Close records how a visible popup was closed. A dismissal suppresses the
// popup for this visitor for good. An elapsed countdown clears the state of
// a countdown popup that was shown with an expiry, so a later load can
// trigger it again; for any other popup it returns ErrNoCountdown and
// leaves the state alone.
func (e *Engine) Close(ctx context.Context, def Definition, reason CloseReason) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	switch reason {
	case CloseDismissed:
		e.state.markShown(ctx, def.ID, nil)
	case CloseCountdownElapsed:
		if !def.HasCountdown() {
			slog.Warn("Ignoring countdown close for popup without countdown", "popup_id", def.ID)
			return ErrNoCountdown
		}
		state := e.state.load(ctx, def.ID)
		if !state.Shown || state.ExpiresAt == nil {
			slog.Warn("Ignoring countdown close without stored expiry", "popup_id", def.ID, "status", state.Status(e.timer.Now()).String())
			return ErrNoCountdown
		}
		e.state.clear(ctx, def.ID)
	default:
		slog.Warn("Ignoring unknown popup close reason", "popup_id", def.ID, "reason", string(reason))
		return ErrUnknownCloseReason
	}
	return nil
}

// Teardown cancels pending timers and drops listeners. The engine ignores
// all further events.
func (e *Engine) Teardown() {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return
	}
	e.closed = true
	for _, id := range e.timers {
		e.timer.Cancel(id)
	}
	e.timers = make(map[string]string)
	e.exitListeners = nil
	e.scrollListens = nil
}

// Armed reports how many timers and listeners are still waiting.
func (e *Engine) Armed() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.timers) + len(e.exitListeners) + len(e.scrollListens)
}

// Session returns the session the engine was last evaluated with.
func (e *Engine) Session() identity.Session {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.session
}
