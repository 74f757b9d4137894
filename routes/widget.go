package routes

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"saas-chatbot-widget/internal/identity"
	"saas-chatbot-widget/internal/logger"
	"saas-chatbot-widget/internal/popup"
	"saas-chatbot-widget/middleware"
	"saas-chatbot-widget/services"
	"saas-chatbot-widget/utils"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4096
	sendBuffer     = 16
)

var (
	errClientClosed = errors.New("widget connection closed")
	errSendBlocked  = errors.New("widget send buffer full")
)

// SetupWidgetRoutes registers the endpoints the embedded widget talks to.
func SetupWidgetRoutes(router *gin.Engine, agents middleware.AgentLookup, widgets *services.WidgetService) {
	h := &widgetHandler{
		widgets: widgets,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Origins are checked against the agent's allowed domains by
			// WidgetAgentMiddleware before the upgrade.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}

	widget := router.Group("/widget/:agentId", middleware.WidgetAgentMiddleware(agents))
	{
		widget.GET("/bootstrap", h.bootstrap)
		widget.GET("/events", middleware.RequireWidgetSession(widgets), h.events)
		widget.POST("/popups/:popupId/close",
			middleware.RequestSizeLimit(maxMessageSize),
			middleware.RequireWidgetSession(widgets),
			h.closePopup,
		)
	}
}

type widgetHandler struct {
	widgets  *services.WidgetService
	upgrader websocket.Upgrader
}

func (h *widgetHandler) bootstrap(c *gin.Context) {
	agent := middleware.GetAgent(c)

	ctx, cancel := utils.WithTimeout(c.Request.Context())
	defer cancel()

	res, err := h.widgets.Bootstrap(ctx, agent, fingerprintFromRequest(c), requestMeta(c))
	if err != nil {
		logger.Error("Widget bootstrap failed", "agent_id", c.Param("agentId"), "error", err)
		utils.RespondWithInternalError(c, "Failed to start widget session", nil)
		return
	}

	c.Header("Cache-Control", "no-store")
	c.JSON(http.StatusOK, res)
}

func (h *widgetHandler) closePopup(c *gin.Context) {
	var req struct {
		Reason string `json:"reason" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		utils.RespondWithBadRequest(c, "Invalid request body", gin.H{"error": err.Error()})
		return
	}

	session, _ := middleware.GetWidgetSession(c)
	popupID := c.Param("popupId")

	ctx, cancel := utils.WithShortTimeout(c.Request.Context())
	defer cancel()

	err := h.widgets.ClosePopup(ctx, middleware.GetAgent(c), session, popupID, popup.CloseReason(req.Reason), requestMeta(c))
	switch {
	case errors.Is(err, services.ErrUnknownPopup):
		utils.RespondWithError(c, http.StatusNotFound, "popup_not_found", "Popup not found", gin.H{"popup_id": popupID})
	case errors.Is(err, services.ErrInvalidCloseReason):
		utils.RespondWithError(c, http.StatusBadRequest, "invalid_reason", "Reason must be dismissed, or countdown_elapsed for a running countdown", gin.H{"error": err.Error()})
	case err != nil:
		utils.RespondWithInternalError(c, "Failed to close popup", nil)
	default:
		c.JSON(http.StatusOK, gin.H{"message": "popup closed"})
	}
}

// events upgrades to a websocket and hosts the popup engine for this page
// load until the widget disconnects.
func (h *widgetHandler) events(c *gin.Context) {
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// Upgrade already replied to the client
		logger.Debug("Websocket upgrade failed", "error", err)
		return
	}

	agent := middleware.GetAgent(c)
	session, _ := middleware.GetWidgetSession(c)
	ctx := context.WithoutCancel(c.Request.Context())

	client := newWidgetClient(conn)
	ws := h.widgets.OpenSession(ctx, agent, session, requestMeta(c), client.sendMessage)
	defer ws.Close()
	defer client.close()

	logger.Debug("Widget events connected", "session", ws.ID, "agent_id", session.AgentID, "anonymous_id", session.AnonymousID)

	go client.writePump()
	client.readPump(func(raw []byte) {
		msgCtx, cancel := utils.WithShortTimeout(ctx)
		defer cancel()

		err := ws.HandleMessage(msgCtx, raw)
		switch {
		case err == nil:
		case errors.Is(err, services.ErrRateLimited):
			logger.Debug("Dropping widget event over rate", "session", ws.ID)
		default:
			_ = client.sendMessage(services.ErrorMessage(err.Error()))
		}
	})

	logger.Debug("Widget events disconnected", "session", ws.ID)
}

// widgetClient owns one websocket connection. Only writePump writes to the
// connection; everything else queues on send.
type widgetClient struct {
	conn      *websocket.Conn
	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

func newWidgetClient(conn *websocket.Conn) *widgetClient {
	return &widgetClient{
		conn: conn,
		send: make(chan []byte, sendBuffer),
		done: make(chan struct{}),
	}
}

func (wc *widgetClient) sendMessage(msg services.OutboundMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	select {
	case <-wc.done:
		return errClientClosed
	default:
	}
	select {
	case wc.send <- data:
		return nil
	case <-wc.done:
		return errClientClosed
	default:
		return errSendBlocked
	}
}

func (wc *widgetClient) readPump(handle func([]byte)) {
	wc.conn.SetReadLimit(maxMessageSize)
	_ = wc.conn.SetReadDeadline(time.Now().Add(pongWait))
	wc.conn.SetPongHandler(func(string) error {
		return wc.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		msgType, raw, err := wc.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logger.Debug("Widget connection dropped", "error", err)
			}
			return
		}
		if msgType != websocket.TextMessage {
			continue
		}
		_ = wc.conn.SetReadDeadline(time.Now().Add(pongWait))
		handle(raw)
	}
}

func (wc *widgetClient) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case data := <-wc.send:
			_ = wc.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := wc.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				wc.close()
				return
			}
		case <-ticker.C:
			_ = wc.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := wc.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				wc.close()
				return
			}
		case <-wc.done:
			return
		}
	}
}

func (wc *widgetClient) close() {
	wc.closeOnce.Do(func() {
		close(wc.done)
		wc.conn.Close()
	})
}

// fingerprintFromRequest builds the visitor fingerprint from the widget's
// request: page host, user agent, language, screen and timezone.
func fingerprintFromRequest(c *gin.Context) identity.Fingerprint {
	host := c.Query("host")
	if host == "" {
		host = utils.PageHost(c.Request)
	}

	lang := c.Query("lang")
	if lang == "" {
		lang = primaryLanguage(c.GetHeader("Accept-Language"))
	}

	width, height := identity.ParseScreen(c.Query("screen"))

	return identity.Fingerprint{
		Host:         host,
		UserAgent:    c.Request.UserAgent(),
		Language:     lang,
		ScreenWidth:  width,
		ScreenHeight: height,
		Timezone:     c.Query("tz"),
	}
}

// primaryLanguage returns the first tag of an Accept-Language header.
func primaryLanguage(header string) string {
	tag := strings.Split(header, ",")[0]
	if idx := strings.Index(tag, ";"); idx != -1 {
		tag = tag[:idx]
	}
	return strings.TrimSpace(tag)
}

func requestMeta(c *gin.Context) services.RequestMeta {
	return services.RequestMeta{
		Host:      utils.PageHost(c.Request),
		UserIP:    utils.GetClientIP(c.Request),
		UserAgent: c.Request.UserAgent(),
	}
}
