package tokens

import (
	"errors"
	"math"
	"net/http"
	"strconv"
	"time"

	"voiceagent/pkg/logger"

	"github.com/gin-gonic/gin"
)

const (
	DefaultRoom     = "zain-voice-room"
	DefaultIdentity = "user"
)

// Handler serves GET /api/token.
// Keep it thin: read query, check the cap, sign, return JSON.
type Handler struct {
	// Issuer is nil when credentials are not configured.
	Issuer *Issuer
	// Limiter is optional.
	Limiter Limiter
	// ServerURL is echoed to clients as the transport endpoint.
	ServerURL string
	Clock     func() time.Time
}

type tokenReply struct {
	Token string `json:"token"`
	URL   string `json:"url"`
}

func (h Handler) IssueToken(c *gin.Context) {
	log := logger.FromGin(c)

	room := c.DefaultQuery("room", DefaultRoom)
	identity := c.DefaultQuery("identity", DefaultIdentity)

	if h.Issuer == nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "LiveKit credentials not configured"})
		return
	}

	if h.Limiter != nil {
		ok, retryAfter, err := h.Limiter.Allow(c.Request.Context(), identity)
		if err != nil {
			// Cap outages fail open.
			log.Warn("token issuance cap unavailable", "err", err)
		} else if !ok {
			if retryAfter > 0 {
				c.Header("Retry-After", strconv.Itoa(int(math.Ceil(retryAfter.Seconds()))))
			}
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "token issuance limit reached"})
			return
		}
	}

	now := time.Now
	if h.Clock != nil {
		now = h.Clock
	}
	tok, err := h.Issuer.Issue(now(), room, identity)
	if errors.Is(err, ErrInvalidGrant) {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "room and identity must not be empty"})
		return
	}
	if err != nil {
		_ = c.Error(err)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "token issuance failed"})
		return
	}

	log.Info("token issued", "room", room, "identity", identity)
	c.JSON(http.StatusOK, tokenReply{Token: tok, URL: h.ServerURL})
}
