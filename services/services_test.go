package services

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"saas-chatbot-widget/internal/auth"
	"saas-chatbot-widget/internal/identity"
	"saas-chatbot-widget/internal/kvstore"
	"saas-chatbot-widget/internal/popup"
	"saas-chatbot-widget/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

const testSecret = "0123456789abcdef0123456789abcdef"

type recordingPublisher struct {
	mu     sync.Mutex
	events []models.WidgetEvent
	err    error
}

func (p *recordingPublisher) Publish(_ context.Context, event models.WidgetEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.events = append(p.events, event)
	return nil
}

func (p *recordingPublisher) types() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.events))
	for i, e := range p.events {
		out[i] = e.Type
	}
	return out
}

type outbox struct {
	mu   sync.Mutex
	msgs []OutboundMessage
	err  error
}

func (o *outbox) send(m OutboundMessage) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.err != nil {
		return o.err
	}
	o.msgs = append(o.msgs, m)
	return nil
}

func (o *outbox) popupIDs() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	var ids []string
	for _, m := range o.msgs {
		if m.Type == MessageDisplayPopup {
			ids = append(ids, m.Popup.ID)
		}
	}
	return ids
}

type fixture struct {
	svc       *WidgetService
	store     *kvstore.MemoryStore
	timer     *popup.ManualTimer
	publisher *recordingPublisher
	agent     *models.Agent
}

func newFixture(t *testing.T, eventsPerSecond int, popups ...popup.Definition) *fixture {
	t.Helper()
	tokens, err := auth.NewSessionTokens(testSecret, time.Hour)
	require.NoError(t, err)

	f := &fixture{
		store:     kvstore.NewMemoryStore(),
		timer:     popup.NewManualTimer(time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)),
		publisher: &recordingPublisher{},
		agent: &models.Agent{
			ID:       primitive.NewObjectID(),
			Name:     "Shop bot",
			Branding: models.Branding{AllowEmbedding: true, ThemeColor: "#000"},
			Popups:   popups,
		},
	}
	f.svc = NewWidgetService(f.store, tokens, f.publisher, nil, WidgetServiceConfig{
		ReturnWindow:    time.Hour,
		EventsPerSecond: eventsPerSecond,
	})
	f.svc.newTimer = func() popup.Timer { return f.timer }
	return f
}

func (f *fixture) session(returning bool) identity.Session {
	return identity.Session{
		AgentID:      f.agent.ID.Hex(),
		AnonymousID:  "anon_test",
		SessionID:    "anon_test",
		IsReturnUser: returning,
	}
}

var testFingerprint = identity.Fingerprint{
	Host:         "shop.example.com",
	UserAgent:    "Mozilla/5.0",
	Language:     "en-US",
	ScreenWidth:  1920,
	ScreenHeight: 1080,
	Timezone:     "Europe/Berlin",
}

func TestBootstrapIssuesFrozenSession(t *testing.T) {
	f := newFixture(t, 0, popup.Definition{ID: "welcome", Trigger: "first_visit", ContentType: popup.ContentAnnouncement})
	ctx := context.Background()

	res, err := f.svc.Bootstrap(ctx, f.agent, testFingerprint, RequestMeta{Host: "shop.example.com"})
	require.NoError(t, err)
	assert.Equal(t, testFingerprint.AnonymousID(), res.AnonymousID)
	assert.Equal(t, res.AnonymousID, res.SessionID)
	assert.False(t, res.IsReturnUser)
	assert.Equal(t, "Shop bot", res.Agent.Name)
	require.Len(t, res.Agent.Popups, 1)

	session, err := f.svc.Authenticate(res.SessionToken, f.agent.ID.Hex())
	require.NoError(t, err)
	assert.Equal(t, res.AnonymousID, session.AnonymousID)
	assert.False(t, session.IsReturnUser)

	_, err = f.svc.Authenticate(res.SessionToken, primitive.NewObjectID().Hex())
	assert.ErrorIs(t, err, auth.ErrInvalidToken)

	assert.Equal(t, []string{models.EventVisitRecorded}, f.publisher.types())
	assert.Equal(t, "shop.example.com", f.publisher.events[0].Host)
}

func TestBootstrapSurvivesPublishFailure(t *testing.T) {
	f := newFixture(t, 0)
	f.publisher.err = errors.New("queue down")

	_, err := f.svc.Bootstrap(context.Background(), f.agent, testFingerprint, RequestMeta{})
	assert.NoError(t, err)
}

func TestSessionDisplaysFirstVisitPopup(t *testing.T) {
	f := newFixture(t, 0,
		popup.Definition{ID: "welcome", Trigger: "first_visit", ContentType: popup.ContentAnnouncement},
		popup.Definition{ID: "back", Trigger: "return_visit", ContentType: popup.ContentAnnouncement},
	)
	out := &outbox{}

	ws := f.svc.OpenSession(context.Background(), f.agent, f.session(false), RequestMeta{}, out.send)
	defer ws.Close()

	f.timer.Advance(1499 * time.Millisecond)
	assert.Empty(t, out.popupIDs())

	f.timer.Advance(time.Millisecond)
	assert.Equal(t, []string{"welcome"}, out.popupIDs())
	assert.Nil(t, out.msgs[0].ExpiresAt, "announcements have no countdown")
	assert.Equal(t, []string{models.EventPopupDisplayed}, f.publisher.types())
}

func TestSessionDiscountCarriesExpiryMillis(t *testing.T) {
	f := newFixture(t, 0, popup.Definition{ID: "deal", Trigger: "time_delay", TriggerValue: 5, ContentType: popup.ContentDiscount})
	out := &outbox{}

	ws := f.svc.OpenSession(context.Background(), f.agent, f.session(false), RequestMeta{}, out.send)
	defer ws.Close()

	f.timer.Advance(5 * time.Second)
	require.Len(t, out.msgs, 1)
	require.NotNil(t, out.msgs[0].ExpiresAt)

	want := f.timer.Now().Add(popup.DefaultCountdown).UnixMilli()
	assert.Equal(t, want, *out.msgs[0].ExpiresAt)
}

func TestHandleMessageRoutesEvents(t *testing.T) {
	f := newFixture(t, 0,
		popup.Definition{ID: "exit", Trigger: "exit_intent", ContentType: popup.ContentLink},
		popup.Definition{ID: "half", Trigger: "scroll_depth", TriggerValue: 50, ContentType: popup.ContentVideo},
	)
	out := &outbox{}
	ctx := context.Background()

	ws := f.svc.OpenSession(ctx, f.agent, f.session(false), RequestMeta{}, out.send)
	defer ws.Close()

	require.NoError(t, ws.HandleMessage(ctx, []byte(`{"type":"scroll","scroll_top":400,"scroll_height":1800,"viewport_height":800}`)))
	assert.Empty(t, out.popupIDs(), "40% is below the threshold")

	require.NoError(t, ws.HandleMessage(ctx, []byte(`{"type":"scroll","percent":50}`)))
	assert.Equal(t, []string{"half"}, out.popupIDs())

	require.NoError(t, ws.HandleMessage(ctx, []byte(`{"type":"pointer_leave","y":40}`)))
	assert.Equal(t, []string{"half"}, out.popupIDs())

	require.NoError(t, ws.HandleMessage(ctx, []byte(`{"type":"pointer_leave","y":3}`)))
	assert.Equal(t, []string{"half", "exit"}, out.popupIDs())
}

func TestHandleMessageRejectsBadInput(t *testing.T) {
	f := newFixture(t, 0, popup.Definition{ID: "exit", Trigger: "exit_intent", ContentType: popup.ContentLink})
	ctx := context.Background()

	ws := f.svc.OpenSession(ctx, f.agent, f.session(false), RequestMeta{}, (&outbox{}).send)
	defer ws.Close()

	assert.ErrorIs(t, ws.HandleMessage(ctx, []byte(`not json`)), ErrInvalidMessage)
	assert.ErrorIs(t, ws.HandleMessage(ctx, []byte(`{"type":"pointer_leave"}`)), ErrInvalidMessage)
	assert.ErrorIs(t, ws.HandleMessage(ctx, []byte(`{"type":"hover"}`)), ErrUnknownMessage)
	assert.ErrorIs(t, ws.HandleMessage(ctx, []byte(`{"type":"close","popup_id":"nope","reason":"dismissed"}`)), ErrUnknownPopup)
	assert.ErrorIs(t, ws.HandleMessage(ctx, []byte(`{"type":"close","popup_id":"exit","reason":"bored"}`)), ErrInvalidCloseReason)

	ws.Close()
	assert.ErrorIs(t, ws.HandleMessage(ctx, []byte(`{"type":"scroll","percent":1}`)), ErrSessionClosed)
}

func TestHandleMessageRateLimited(t *testing.T) {
	f := newFixture(t, 1)
	ctx := context.Background()

	ws := f.svc.OpenSession(ctx, f.agent, f.session(false), RequestMeta{}, (&outbox{}).send)
	defer ws.Close()

	require.NoError(t, ws.HandleMessage(ctx, []byte(`{"type":"scroll","percent":1}`)))
	assert.ErrorIs(t, ws.HandleMessage(ctx, []byte(`{"type":"scroll","percent":2}`)), ErrRateLimited)
}

func TestCloseDismissedSuppressesNextLoad(t *testing.T) {
	f := newFixture(t, 0, popup.Definition{ID: "exit", Trigger: "exit_intent", ContentType: popup.ContentLink})
	ctx := context.Background()

	out := &outbox{}
	ws := f.svc.OpenSession(ctx, f.agent, f.session(false), RequestMeta{}, out.send)
	require.NoError(t, ws.HandleMessage(ctx, []byte(`{"type":"pointer_leave","y":0}`)))
	require.NoError(t, ws.HandleMessage(ctx, []byte(`{"type":"close","popup_id":"exit","reason":"dismissed"}`)))
	ws.Close()

	assert.Contains(t, f.publisher.types(), models.EventPopupDismissed)

	next := &outbox{}
	ws = f.svc.OpenSession(ctx, f.agent, f.session(false), RequestMeta{}, next.send)
	defer ws.Close()
	require.NoError(t, ws.HandleMessage(ctx, []byte(`{"type":"pointer_leave","y":0}`)))
	assert.Empty(t, next.popupIDs())
}

func TestClosePopupWithoutSocket(t *testing.T) {
	f := newFixture(t, 0, popup.Definition{ID: "deal", Trigger: "first_visit", ContentType: popup.ContentDiscount})
	ctx := context.Background()
	session := f.session(false)
	visitor := kvstore.ForVisitor(f.store, session.AnonymousID)

	ws := f.svc.OpenSession(ctx, f.agent, session, RequestMeta{}, (&outbox{}).send)
	f.timer.Advance(2 * time.Second)
	ws.Close()
	_, err := visitor.Get(ctx, "popup_expiry:deal")
	require.NoError(t, err, "discount shown with a countdown")

	require.NoError(t, f.svc.ClosePopup(ctx, f.agent, session, "deal", popup.CloseCountdownElapsed, RequestMeta{}))
	_, err = visitor.Get(ctx, "popup_shown:deal")
	assert.ErrorIs(t, err, kvstore.ErrNotFound)

	assert.ErrorIs(t, f.svc.ClosePopup(ctx, f.agent, session, "other", popup.CloseDismissed, RequestMeta{}), ErrUnknownPopup)
	assert.ErrorIs(t, f.svc.ClosePopup(ctx, f.agent, session, "deal", "later", RequestMeta{}), ErrInvalidCloseReason)

	require.NoError(t, f.svc.ClosePopup(ctx, f.agent, session, "deal", popup.CloseDismissed, RequestMeta{}))
	shown, err := visitor.Get(ctx, "popup_shown:deal")
	require.NoError(t, err)
	assert.Equal(t, "true", shown)

	// A dismissal cannot be undone by a countdown close.
	err = f.svc.ClosePopup(ctx, f.agent, session, "deal", popup.CloseCountdownElapsed, RequestMeta{})
	assert.ErrorIs(t, err, ErrInvalidCloseReason)
	assert.ErrorIs(t, err, popup.ErrNoCountdown)
	shown, err = visitor.Get(ctx, "popup_shown:deal")
	require.NoError(t, err)
	assert.Equal(t, "true", shown)

	assert.Equal(t, []string{
		models.EventPopupDisplayed,
		models.EventPopupCountdownElapsed,
		models.EventPopupDismissed,
	}, f.publisher.types())
}

func TestCountdownCloseKeepsDismissedAnnouncement(t *testing.T) {
	f := newFixture(t, 0, popup.Definition{ID: "ann", Trigger: "exit_intent", ContentType: popup.ContentAnnouncement})
	ctx := context.Background()

	out := &outbox{}
	ws := f.svc.OpenSession(ctx, f.agent, f.session(false), RequestMeta{}, out.send)
	require.NoError(t, ws.HandleMessage(ctx, []byte(`{"type":"pointer_leave","y":0}`)))
	require.Equal(t, []string{"ann"}, out.popupIDs())
	require.NoError(t, ws.HandleMessage(ctx, []byte(`{"type":"close","popup_id":"ann","reason":"dismissed"}`)))

	err := ws.HandleMessage(ctx, []byte(`{"type":"close","popup_id":"ann","reason":"countdown_elapsed"}`))
	assert.ErrorIs(t, err, ErrInvalidCloseReason)
	assert.ErrorIs(t, f.svc.ClosePopup(ctx, f.agent, f.session(false), "ann", popup.CloseCountdownElapsed, RequestMeta{}), ErrInvalidCloseReason)
	ws.Close()

	assert.NotContains(t, f.publisher.types(), models.EventPopupCountdownElapsed)

	next := &outbox{}
	ws = f.svc.OpenSession(ctx, f.agent, f.session(false), RequestMeta{}, next.send)
	defer ws.Close()
	require.NoError(t, ws.HandleMessage(ctx, []byte(`{"type":"pointer_leave","y":0}`)))
	assert.Empty(t, next.popupIDs())
}

func TestSessionCloseCancelsTimers(t *testing.T) {
	f := newFixture(t, 0, popup.Definition{ID: "later", Trigger: "time_delay", TriggerValue: 30, ContentType: popup.ContentAnnouncement})
	out := &outbox{}

	ws := f.svc.OpenSession(context.Background(), f.agent, f.session(false), RequestMeta{}, out.send)
	ws.Close()
	ws.Close()

	f.timer.Advance(time.Minute)
	assert.Empty(t, out.popupIDs())
	assert.Zero(t, f.timer.Pending())
}

func TestFailedDeliveryIsNotRecorded(t *testing.T) {
	f := newFixture(t, 0, popup.Definition{ID: "welcome", Trigger: "first_visit", ContentType: popup.ContentAnnouncement})
	out := &outbox{err: errors.New("socket gone")}

	ws := f.svc.OpenSession(context.Background(), f.agent, f.session(false), RequestMeta{}, out.send)
	f.timer.Advance(2 * time.Second)
	ws.Close()
	assert.Empty(t, f.publisher.types())

	_, err := kvstore.ForVisitor(f.store, "anon_test").Get(context.Background(), "popup_shown:welcome")
	assert.ErrorIs(t, err, kvstore.ErrNotFound, "undelivered popup is not marked shown")

	next := &outbox{}
	ws = f.svc.OpenSession(context.Background(), f.agent, f.session(false), RequestMeta{}, next.send)
	defer ws.Close()
	f.timer.Advance(2 * time.Second)
	assert.Equal(t, []string{"welcome"}, next.popupIDs())
}

func TestScrollMessageValidation(t *testing.T) {
	f := newFixture(t, 0,
		popup.Definition{ID: "deep", Trigger: "scroll_depth", TriggerValue: 80, ContentType: popup.ContentLink},
		popup.Definition{ID: "all", Trigger: "scroll_depth", TriggerValue: 100, ContentType: popup.ContentLink},
	)
	ctx := context.Background()
	out := &outbox{}

	ws := f.svc.OpenSession(ctx, f.agent, f.session(false), RequestMeta{}, out.send)
	defer ws.Close()

	assert.ErrorIs(t, ws.HandleMessage(ctx, []byte(`{"type":"scroll"}`)), ErrInvalidMessage)
	assert.ErrorIs(t, ws.HandleMessage(ctx, []byte(`{"type":"scroll","scroll_top":500,"scroll_height":0}`)), ErrInvalidMessage)
	require.NoError(t, ws.HandleMessage(ctx, []byte(`{"type":"scroll","percent":-20}`)))
	assert.Empty(t, out.popupIDs(), "bare or negative scrolls fire nothing")

	require.NoError(t, ws.HandleMessage(ctx, []byte(`{"type":"scroll","percent":85}`)))
	assert.Equal(t, []string{"deep"}, out.popupIDs())

	require.NoError(t, ws.HandleMessage(ctx, []byte(`{"type":"scroll","percent":250}`)))
	assert.Equal(t, []string{"deep", "all"}, out.popupIDs(), "percent is clamped to 100")
}
