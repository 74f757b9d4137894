package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"saas-chatbot-widget/internal/auth"
	"saas-chatbot-widget/internal/identity"
	"saas-chatbot-widget/internal/kvstore"
	"saas-chatbot-widget/internal/logger"
	"saas-chatbot-widget/internal/popup"
	"saas-chatbot-widget/internal/queue"
	"saas-chatbot-widget/internal/telemetry"
	"saas-chatbot-widget/models"
	"saas-chatbot-widget/utils"

	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

var (
	ErrUnknownPopup       = errors.New("popup not configured for agent")
	ErrInvalidCloseReason = errors.New("invalid close reason")
)

// RequestMeta is request context copied onto analytics events.
type RequestMeta struct {
	Host      string
	UserIP    string
	UserAgent string
}

// WidgetService resolves visitor identity and hosts popup engines for
// widget loads.
type WidgetService struct {
	store     kvstore.Store
	resolver  *identity.Resolver
	tokens    *auth.SessionTokens
	publisher queue.EventPublisher
	metrics   *telemetry.Metrics

	engineOpts   popup.Options
	eventsPerSec float64
	newTimer     func() popup.Timer
}

type WidgetServiceConfig struct {
	ReturnWindow    time.Duration
	EngineOptions   popup.Options
	EventsPerSecond int
}

func NewWidgetService(
	store kvstore.Store,
	tokens *auth.SessionTokens,
	publisher queue.EventPublisher,
	metrics *telemetry.Metrics,
	cfg WidgetServiceConfig,
) *WidgetService {
	if publisher == nil {
		publisher = queue.NoopPublisher{}
	}
	eventsPerSec := float64(cfg.EventsPerSecond)
	if eventsPerSec <= 0 {
		eventsPerSec = 20
	}

	return &WidgetService{
		store:        store,
		resolver:     identity.NewResolver(store, identity.WithReturnWindow(cfg.ReturnWindow)),
		tokens:       tokens,
		publisher:    publisher,
		metrics:      metrics,
		engineOpts:   cfg.EngineOptions,
		eventsPerSec: eventsPerSec,
		newTimer:     func() popup.Timer { return popup.NewSimpleTimer() },
	}
}

// BootstrapResult is what the widget receives on load.
type BootstrapResult struct {
	AnonymousID  string             `json:"anonymous_id"`
	SessionID    string             `json:"session_id"`
	IsReturnUser bool               `json:"is_return_user"`
	SessionToken string             `json:"session_token"`
	ExpiresAt    time.Time          `json:"expires_at"`
	Agent        models.WidgetAgent `json:"agent"`
}

// Bootstrap resolves the visitor's identity for agent and issues the
// session token that freezes this load's classification.
func (s *WidgetService) Bootstrap(ctx context.Context, agent *models.Agent, fp identity.Fingerprint, meta RequestMeta) (*BootstrapResult, error) {
	agentID := agent.ID.Hex()
	session := s.resolver.Resolve(ctx, agentID, fp)
	s.metrics.RecordIdentityResolution(agentID, session.IsReturnUser)

	token, expiresAt, err := s.tokens.Issue(session)
	if err != nil {
		return nil, err
	}

	s.publish(ctx, session, meta, models.WidgetEvent{Type: models.EventVisitRecorded})

	logger.Debug("Widget bootstrapped",
		"agent_id", agentID,
		"anonymous_id", session.AnonymousID,
		"is_return_user", session.IsReturnUser,
	)

	return &BootstrapResult{
		AnonymousID:  session.AnonymousID,
		SessionID:    session.SessionID,
		IsReturnUser: session.IsReturnUser,
		SessionToken: token,
		ExpiresAt:    expiresAt,
		Agent:        agent.Widget(),
	}, nil
}

// Authenticate validates a session token issued for agentID.
func (s *WidgetService) Authenticate(token, agentID string) (identity.Session, error) {
	claims, err := s.tokens.Validate(token, agentID)
	if err != nil {
		return identity.Session{}, err
	}
	return claims.Session(), nil
}

// OpenSession starts a popup engine for one page load. send delivers
// outbound messages to the widget and may be called from timer goroutines.
func (s *WidgetService) OpenSession(ctx context.Context, agent *models.Agent, session identity.Session, meta RequestMeta, send SendFunc) *WidgetSession {
	timer := s.newTimer()
	ws := &WidgetSession{
		ID:      uuid.NewString(),
		svc:     s,
		agent:   agent,
		session: session,
		meta:    meta,
		timer:   timer,
		engine:  popup.NewEngine(kvstore.ForVisitor(s.store, session.AnonymousID), timer, s.engineOpts),
		limiter: rate.NewLimiter(rate.Limit(s.eventsPerSec), int(s.eventsPerSec)),
		send:    send,
	}
	s.metrics.SessionOpened()

	ws.engine.Evaluate(ctx, agent.Popups, session, ws.onDisplay)
	return ws
}

// ClosePopup records a close for hosts that do not keep a socket open.
func (s *WidgetService) ClosePopup(ctx context.Context, agent *models.Agent, session identity.Session, popupID string, reason popup.CloseReason, meta RequestMeta) error {
	def, err := findPopup(agent, popupID)
	if err != nil {
		return err
	}
	if err := validateReason(reason); err != nil {
		return err
	}

	engine := popup.NewEngine(kvstore.ForVisitor(s.store, session.AnonymousID), s.newTimer(), s.engineOpts)
	defer engine.Teardown()
	if err := engine.Close(ctx, def, reason); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidCloseReason, err)
	}

	s.recordClose(ctx, session, meta, def, reason)
	return nil
}

func (s *WidgetService) recordClose(ctx context.Context, session identity.Session, meta RequestMeta, def popup.Definition, reason popup.CloseReason) {
	s.metrics.RecordPopupClose(session.AgentID, string(reason))

	eventType := models.EventPopupDismissed
	if reason == popup.CloseCountdownElapsed {
		eventType = models.EventPopupCountdownElapsed
	}
	s.publish(ctx, session, meta, models.WidgetEvent{
		Type:    eventType,
		PopupID: def.ID,
		Trigger: def.Trigger,
	})
}

// publish fills in the session fields and enqueues the event. Failures
// are logged only.
func (s *WidgetService) publish(ctx context.Context, session identity.Session, meta RequestMeta, event models.WidgetEvent) {
	event.EventID = uuid.NewString()
	event.AgentID = session.AgentID
	event.AnonymousID = session.AnonymousID
	event.SessionID = session.SessionID
	event.IsReturnUser = session.IsReturnUser
	event.Host = meta.Host
	event.UserIP = meta.UserIP
	event.UserAgent = meta.UserAgent
	event.Timestamp = time.Now().UTC()

	ctx, cancel := utils.WithShortTimeout(context.WithoutCancel(ctx))
	defer cancel()

	if err := s.publisher.Publish(ctx, event); err != nil {
		logger.Warn("Failed to publish widget event",
			"type", event.Type,
			"agent_id", event.AgentID,
			"error", err,
		)
	}
}

func findPopup(agent *models.Agent, popupID string) (popup.Definition, error) {
	for _, def := range agent.Popups {
		if def.ID == popupID {
			return def, nil
		}
	}
	return popup.Definition{}, ErrUnknownPopup
}

func validateReason(reason popup.CloseReason) error {
	switch reason {
	case popup.CloseDismissed, popup.CloseCountdownElapsed:
		return nil
	default:
		return ErrInvalidCloseReason
	}
}
