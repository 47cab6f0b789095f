package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"voiceagent/internal/agent"
	"voiceagent/internal/calllog"
	"voiceagent/internal/calls"
	"voiceagent/pkg/logger"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

// CallController is the intent surface of calls.Controller.
type CallController interface {
	StartCall() (calls.Snapshot, error)
	StartCallWithToken(serverURL, token, room string) (calls.Snapshot, error)
	EndCall() (calls.Snapshot, error)
	ToggleMute() (calls.Snapshot, error)
	ToggleSpeaker() (calls.Snapshot, error)
	ResetError() (calls.Snapshot, error)
	Snapshot() calls.Snapshot
	Subscribe() (<-chan calls.Snapshot, func())
}

type AgentInvoker interface {
	Invoke(ctx context.Context, message, sessionID string) (agent.Reply, error)
}

type CallLog interface {
	Recent(ctx context.Context, limit int) ([]calllog.Entry, error)
}

// Handlers groups HTTP handlers for dependency injection.
// Keep these thin: parse/validate input, call internal services, return JSON.
type Handlers struct {
	Calls CallController
	Agent AgentInvoker
	Log   CallLog
}

const (
	wsWriteTimeout  = 5 * time.Second
	wsPingInterval  = 30 * time.Second
	defaultLogLimit = 50
	maxLogLimit     = 500
)

// --- Call ---

func (h Handlers) GetCall(c *gin.Context) {
	if h.Calls == nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "calls not configured"})
		return
	}
	c.JSON(http.StatusOK, h.Calls.Snapshot())
}

func (h Handlers) StartCall(c *gin.Context) {
	h.intent(c, func(cc CallController) (calls.Snapshot, error) { return cc.StartCall() })
}

type startWithTokenRequest struct {
	URL   string `json:"url"`
	Token string `json:"token"`
	Room  string `json:"room"`
}

func (h Handlers) StartCallWithToken(c *gin.Context) {
	var req startWithTokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	if req.Token == "" {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "token required"})
		return
	}
	h.intent(c, func(cc CallController) (calls.Snapshot, error) {
		return cc.StartCallWithToken(req.URL, req.Token, req.Room)
	})
}

func (h Handlers) EndCall(c *gin.Context) {
	h.intent(c, func(cc CallController) (calls.Snapshot, error) { return cc.EndCall() })
}

func (h Handlers) ToggleMute(c *gin.Context) {
	h.intent(c, func(cc CallController) (calls.Snapshot, error) { return cc.ToggleMute() })
}

func (h Handlers) ToggleSpeaker(c *gin.Context) {
	h.intent(c, func(cc CallController) (calls.Snapshot, error) { return cc.ToggleSpeaker() })
}

func (h Handlers) ResetError(c *gin.Context) {
	h.intent(c, func(cc CallController) (calls.Snapshot, error) { return cc.ResetError() })
}

// intent applies one user intent. Intents are accepted, not completed,
// so the reply is 202 with the snapshot right after acceptance.
func (h Handlers) intent(c *gin.Context, fn func(CallController) (calls.Snapshot, error)) {
	if h.Calls == nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "calls not configured"})
		return
	}
	snap, err := fn(h.Calls)
	if errors.Is(err, calls.ErrClosed) {
		c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": "call controller is shutting down"})
		return
	}
	if err != nil {
		_ = c.Error(err)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "intent failed"})
		return
	}
	c.JSON(http.StatusAccepted, snap)
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(*http.Request) bool { return true },
}

// CallEvents streams snapshots over a websocket until either side closes.
func (h Handlers) CallEvents(c *gin.Context) {
	if h.Calls == nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "calls not configured"})
		return
	}
	log := logger.FromGin(c)

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Debug("websocket upgrade failed", "err", err)
		return
	}
	defer conn.Close()

	updates, cancel := h.Calls.Subscribe()
	defer cancel()

	// Client frames are ignored; reading detects the close.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(wsPingInterval)
	defer ping.Stop()

	for {
		select {
		case snap, ok := <-updates:
			if !ok {
				_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"), time.Now().Add(wsWriteTimeout))
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteJSON(snap); err != nil {
				log.Debug("websocket write failed", "err", err)
				return
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteTimeout)); err != nil {
				return
			}
		case <-gone:
			return
		case <-c.Request.Context().Done():
			return
		}
	}
}

// --- Agent ---

type agentMessageRequest struct {
	Message   string `json:"message"`
	SessionID string `json:"session_id,omitempty"`
}

type agentMessageResponse struct {
	Reply     string `json:"reply"`
	SessionID string `json:"session_id,omitempty"`
}

func (h Handlers) AgentMessage(c *gin.Context) {
	if h.Agent == nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "agent not configured"})
		return
	}
	var req agentMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}

	reply, err := h.Agent.Invoke(c.Request.Context(), req.Message, req.SessionID)
	var apiErr *agent.APIError
	switch {
	case errors.Is(err, agent.ErrEmptyMessage):
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "message required"})
		return
	case errors.As(err, &apiErr):
		_ = c.Error(err)
		c.AbortWithStatusJSON(http.StatusBadGateway, gin.H{"error": apiErr.Error()})
		return
	case err != nil:
		_ = c.Error(err)
		c.AbortWithStatusJSON(http.StatusBadGateway, gin.H{"error": "agent invocation failed"})
		return
	}
	c.JSON(http.StatusOK, agentMessageResponse{Reply: reply.Text, SessionID: reply.SessionID})
}

// --- Call log ---

func (h Handlers) RecentCalls(c *gin.Context) {
	if h.Log == nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "call log not configured"})
		return
	}
	limit := defaultLogLimit
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
			return
		}
		limit = min(n, maxLogLimit)
	}
	entries, err := h.Log.Recent(c.Request.Context(), limit)
	if err != nil {
		_ = c.Error(err)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "call log lookup failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"entries": entries})
}

// Register mounts the call-control API on r.
func (h Handlers) Register(r gin.IRouter) {
	v1 := r.Group("/v1")
	{
		call := v1.Group("/call")
		call.GET("", h.GetCall)
		call.GET("/events", h.CallEvents)
		call.POST("/start", h.StartCall)
		call.POST("/start-with-token", h.StartCallWithToken)
		call.POST("/end", h.EndCall)
		call.POST("/mute", h.ToggleMute)
		call.POST("/speaker", h.ToggleSpeaker)
		call.POST("/reset-error", h.ResetError)

		v1.POST("/agent/messages", h.AgentMessage)
		v1.GET("/calls/log", h.RecentCalls)
	}
}
