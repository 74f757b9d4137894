package routes

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"saas-chatbot-widget/internal/auth"
	"saas-chatbot-widget/internal/kvstore"
	"saas-chatbot-widget/internal/popup"
	"saas-chatbot-widget/models"
	"saas-chatbot-widget/services"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type agentMap map[string]*models.Agent

func (m agentMap) Get(_ context.Context, id string) (*models.Agent, error) {
	if a, ok := m[id]; ok {
		return a, nil
	}
	return nil, services.ErrAgentNotFound
}

type testServer struct {
	router *gin.Engine
	agent  *models.Agent
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	tokens, err := auth.NewSessionTokens("0123456789abcdef0123456789abcdef", time.Hour)
	require.NoError(t, err)

	agent := &models.Agent{
		ID:       primitive.NewObjectID(),
		Name:     "Support",
		Branding: models.Branding{AllowEmbedding: true, WelcomeMessage: "Hi!"},
		Popups: []popup.Definition{
			{ID: "welcome", Trigger: "first_visit", ContentType: popup.ContentAnnouncement, Title: "Welcome"},
			{ID: "leaving", Trigger: "exit_intent", ContentType: popup.ContentDiscount, DiscountCode: "STAY10"},
		},
	}

	widgets := services.NewWidgetService(kvstore.NewMemoryStore(), tokens, nil, nil, services.WidgetServiceConfig{
		ReturnWindow:  time.Hour,
		EngineOptions: popup.Options{VisitDelay: 10 * time.Millisecond},
	})

	router := gin.New()
	SetupWidgetRoutes(router, agentMap{agent.ID.Hex(): agent}, widgets)
	return &testServer{router: router, agent: agent}
}

func (s *testServer) do(req *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

func (s *testServer) bootstrap(t *testing.T) services.BootstrapResult {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, "/widget/"+s.agent.ID.Hex()+"/bootstrap?screen=1440x900&tz=UTC", nil)
	req.Header.Set("Origin", "https://shop.example.com")
	req.Header.Set("User-Agent", "test-agent")
	req.Header.Set("Accept-Language", "de-DE,de;q=0.9")

	w := s.do(req)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var res services.BootstrapResult
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res))
	return res
}

func TestBootstrap(t *testing.T) {
	s := newTestServer(t)

	first := s.bootstrap(t)
	assert.True(t, strings.HasPrefix(first.AnonymousID, "anon_"))
	assert.False(t, first.IsReturnUser)
	assert.NotEmpty(t, first.SessionToken)
	assert.Equal(t, "Hi!", first.Agent.WelcomeMessage)
	assert.Len(t, first.Agent.Popups, 2)

	again := s.bootstrap(t)
	assert.Equal(t, first.AnonymousID, again.AnonymousID, "same fingerprint, same visitor")
	assert.Equal(t, first.SessionID, again.SessionID)
	assert.False(t, again.IsReturnUser, "within the return window")

	w := s.do(httptest.NewRequest(http.MethodGet, "/widget/"+primitive.NewObjectID().Hex()+"/bootstrap", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestFingerprintFromRequest(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/?screen=800x600&tz=Asia/Tokyo", nil)
	req.Header.Set("Referer", "https://blog.example.org/post")
	req.Header.Set("User-Agent", "ua")
	req.Header.Set("Accept-Language", "fr-CA;q=1, en")

	c, _ := gin.CreateTestContext(httptest.NewRecorder())
	c.Request = req

	fp := fingerprintFromRequest(c)
	assert.Equal(t, "blog.example.org", fp.Host)
	assert.Equal(t, "ua", fp.UserAgent)
	assert.Equal(t, "fr-CA", fp.Language)
	assert.Equal(t, 800, fp.ScreenWidth)
	assert.Equal(t, 600, fp.ScreenHeight)
	assert.Equal(t, "Asia/Tokyo", fp.Timezone)
}

func TestClosePopupEndpoint(t *testing.T) {
	s := newTestServer(t)
	token := s.bootstrap(t).SessionToken
	base := "/widget/" + s.agent.ID.Hex() + "/popups/"

	post := func(popupID, token, body string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, base+popupID+"/close", strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
		if token != "" {
			req.Header.Set("X-Widget-Token", token)
		}
		return s.do(req)
	}

	assert.Equal(t, http.StatusOK, post("leaving", token, `{"reason":"dismissed"}`).Code)
	assert.Equal(t, http.StatusNotFound, post("ghost", token, `{"reason":"dismissed"}`).Code)
	assert.Equal(t, http.StatusBadRequest, post("leaving", token, `{"reason":"meh"}`).Code)
	assert.Equal(t, http.StatusBadRequest, post("leaving", token, `{"reason":"countdown_elapsed"}`).Code, "dismissed stays dismissed")
	assert.Equal(t, http.StatusBadRequest, post("welcome", token, `{"reason":"countdown_elapsed"}`).Code, "announcements have no countdown")
	assert.Equal(t, http.StatusBadRequest, post("leaving", token, `{}`).Code)
	assert.Equal(t, http.StatusUnauthorized, post("leaving", "", `{"reason":"dismissed"}`).Code)
}

func TestUpperCaseAgentIDInURL(t *testing.T) {
	s := newTestServer(t)
	upper := strings.ToUpper(s.agent.ID.Hex())

	req := httptest.NewRequest(http.MethodGet, "/widget/"+upper+"/bootstrap", nil)
	req.Header.Set("Origin", "https://shop.example.com")
	w := s.do(req)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var res services.BootstrapResult
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res))
	assert.Equal(t, s.agent.ID.Hex(), res.Agent.ID)

	req = httptest.NewRequest(http.MethodPost, "/widget/"+upper+"/popups/leaving/close", strings.NewReader(`{"reason":"dismissed"}`))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Widget-Token", res.SessionToken)
	assert.Equal(t, http.StatusOK, s.do(req).Code, "token issued for the canonical id")
}

func TestEventsWebsocket(t *testing.T) {
	s := newTestServer(t)
	token := s.bootstrap(t).SessionToken

	srv := httptest.NewServer(s.router)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/widget/" + s.agent.ID.Hex() + "/events?token=" + token
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()
	assert.Equal(t, http.StatusSwitchingProtocols, resp.StatusCode)

	read := func() services.OutboundMessage {
		t.Helper()
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
		var msg services.OutboundMessage
		require.NoError(t, conn.ReadJSON(&msg))
		return msg
	}

	msg := read()
	assert.Equal(t, services.MessageDisplayPopup, msg.Type)
	require.NotNil(t, msg.Popup)
	assert.Equal(t, "welcome", msg.Popup.ID)
	assert.Nil(t, msg.ExpiresAt)

	require.NoError(t, conn.WriteJSON(map[string]any{"type": "pointer_leave", "y": 2}))
	msg = read()
	require.NotNil(t, msg.Popup)
	assert.Equal(t, "leaving", msg.Popup.ID)
	require.NotNil(t, msg.ExpiresAt, "discounts carry a countdown")
	assert.Greater(t, *msg.ExpiresAt, time.Now().UnixMilli())

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"wiggle"}`)))
	msg = read()
	assert.Equal(t, services.MessageError, msg.Type)
	assert.Contains(t, msg.Message, "unknown message type")
}

func TestEventsRejectsMissingToken(t *testing.T) {
	s := newTestServer(t)

	srv := httptest.NewServer(s.router)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/widget/" + s.agent.ID.Hex() + "/events"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestHealth(t *testing.T) {
	cases := []struct {
		name   string
		checks map[string]HealthCheck
		code   int
		status string
	}{
		{"all ok", map[string]HealthCheck{"redis": func(context.Context) error { return nil }}, http.StatusOK, "ok"},
		{"one down", map[string]HealthCheck{
			"redis": func(context.Context) error { return errors.New("down") },
			"mongo": func(context.Context) error { return nil },
		}, http.StatusOK, "degraded"},
		{"all down", map[string]HealthCheck{"mongo": func(context.Context) error { return errors.New("down") }}, http.StatusServiceUnavailable, "unhealthy"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			router := gin.New()
			SetupHealthRoutes(router, tc.checks)

			w := httptest.NewRecorder()
			router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
			assert.Equal(t, tc.code, w.Code)

			var body struct {
				Status string `json:"status"`
			}
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
			assert.Equal(t, tc.status, body.Status)
		})
	}
}
