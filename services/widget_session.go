package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"saas-chatbot-widget/internal/identity"
	"saas-chatbot-widget/internal/logger"
	"saas-chatbot-widget/internal/popup"
	"saas-chatbot-widget/models"

	"golang.org/x/time/rate"
)

// Inbound message types
const (
	MessagePointerLeave = "pointer_leave"
	MessageScroll       = "scroll"
	MessageClose        = "close"
)

// Outbound message types
const (
	MessageDisplayPopup = "display_popup"
	MessageError        = "error"
)

var (
	ErrRateLimited    = errors.New("too many events")
	ErrUnknownMessage = errors.New("unknown message type")
	ErrInvalidMessage = errors.New("invalid message")
	ErrSessionClosed  = errors.New("session closed")
)

// InboundMessage is an event reported by the widget.
type InboundMessage struct {
	Type string `json:"type"`

	// pointer_leave
	Y *float64 `json:"y,omitempty"`

	// scroll: either Percent or the raw scroll geometry
	Percent        *float64 `json:"percent,omitempty"`
	ScrollTop      float64  `json:"scroll_top,omitempty"`
	ScrollHeight   float64  `json:"scroll_height,omitempty"`
	ViewportHeight float64  `json:"viewport_height,omitempty"`

	// close
	PopupID string `json:"popup_id,omitempty"`
	Reason  string `json:"reason,omitempty"`
}

// OutboundMessage is sent to the widget.
type OutboundMessage struct {
	Type      string            `json:"type"`
	Popup     *popup.Definition `json:"popup,omitempty"`
	ExpiresAt *int64            `json:"expires_at"`
	Redisplay bool              `json:"redisplay,omitempty"`
	Message   string            `json:"message,omitempty"`
}

func ErrorMessage(msg string) OutboundMessage {
	return OutboundMessage{Type: MessageError, Message: msg}
}

type SendFunc func(OutboundMessage) error

// WidgetSession is the popup engine of one page load, fed by widget events.
type WidgetSession struct {
	ID string

	svc     *WidgetService
	agent   *models.Agent
	session identity.Session
	meta    RequestMeta
	timer   popup.Timer
	engine  *popup.Engine
	limiter *rate.Limiter
	send    SendFunc

	closeOnce sync.Once
	mu        sync.Mutex
	closed    bool
}

func (ws *WidgetSession) Session() identity.Session {
	return ws.session
}

// HandleMessage decodes and applies one widget event. Events over the
// per-connection rate are dropped with ErrRateLimited.
func (ws *WidgetSession) HandleMessage(ctx context.Context, raw []byte) error {
	if ws.isClosed() {
		return ErrSessionClosed
	}
	if !ws.limiter.Allow() {
		return ErrRateLimited
	}

	var msg InboundMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}

	switch msg.Type {
	case MessagePointerLeave:
		if msg.Y == nil {
			return fmt.Errorf("%w: pointer_leave without y", ErrInvalidMessage)
		}
		ws.engine.PointerLeave(*msg.Y)

	case MessageScroll:
		var percent float64
		switch {
		case msg.Percent != nil:
			percent = min(max(*msg.Percent, 0), 100)
		case msg.ScrollHeight > 0:
			percent = popup.ScrollPercent(msg.ScrollTop, msg.ScrollHeight, msg.ViewportHeight)
		default:
			return fmt.Errorf("%w: scroll without percent or scroll_height", ErrInvalidMessage)
		}
		ws.engine.Scroll(percent)

	case MessageClose:
		def, err := findPopup(ws.agent, msg.PopupID)
		if err != nil {
			return err
		}
		reason := popup.CloseReason(msg.Reason)
		if err := validateReason(reason); err != nil {
			return err
		}
		if err := ws.engine.Close(ctx, def, reason); err != nil {
			return fmt.Errorf("%w: %w", ErrInvalidCloseReason, err)
		}
		ws.svc.recordClose(ctx, ws.session, ws.meta, def, reason)

	default:
		return fmt.Errorf("%w: %q", ErrUnknownMessage, msg.Type)
	}
	return nil
}

func (ws *WidgetSession) onDisplay(d popup.Display) error {
	def := d.Popup
	out := OutboundMessage{Type: MessageDisplayPopup, Popup: &def, Redisplay: d.Redisplay}
	if d.ExpiresAt != nil {
		ms := d.ExpiresAt.UnixMilli()
		out.ExpiresAt = &ms
	}

	if err := ws.send(out); err != nil {
		logger.Warn("Failed to deliver popup", "session", ws.ID, "popup_id", def.ID, "error", err)
		return err
	}

	ws.svc.metrics.RecordPopupDisplay(ws.session.AgentID, def.Trigger, d.Redisplay)
	ws.svc.publish(context.Background(), ws.session, ws.meta, models.WidgetEvent{
		Type:      models.EventPopupDisplayed,
		PopupID:   def.ID,
		Trigger:   def.Trigger,
		Redisplay: d.Redisplay,
	})
	return nil
}

// Close tears the engine down and cancels its timers. Safe to call more
// than once.
func (ws *WidgetSession) Close() {
	ws.closeOnce.Do(func() {
		ws.mu.Lock()
		ws.closed = true
		ws.mu.Unlock()

		ws.engine.Teardown()
		if stopper, ok := ws.timer.(interface{ Stop() }); ok {
			stopper.Stop()
		}
		ws.svc.metrics.SessionClosed()
	})
}

func (ws *WidgetSession) isClosed() bool {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	return ws.closed
}
