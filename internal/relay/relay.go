// Package relay implements the route handlers that tie every other
// component together: reading the inbound request, evaluating triggers,
// mutating the body, and either passing the upstream response straight
// through or delegating to the anti-truncation engine.
package relay

import (
	"net/url"
	"strings"
	"time"

	"antitrunc-relay/internal/antitrunc"
	"antitrunc-relay/internal/config"
	"antitrunc-relay/internal/upstream"

	"github.com/gin-gonic/gin"
)

// Relay holds the process-lifetime dependencies every route handler needs.
type Relay struct {
	cfg    *config.Config
	client *upstream.Client
}

// New builds a Relay from its process-lifetime dependencies.
func New(cfg *config.Config, client *upstream.Client) *Relay {
	return &Relay{cfg: cfg, client: client}
}

// Router builds the gin engine with every middleware and route registered.
func (rl *Relay) Router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()

	router.Use(Recovery())
	router.Use(RequestID())
	router.Use(Logger())
	router.Use(SecurityHeaders())
	router.Use(RequestBodySizeLimit(rl.cfg.MaxBodyBytes))

	router.GET("/health", healthHandler)

	router.POST("/v1/chat/completions", rl.handleOpenAI)
	router.POST("/v1/models/:modelAction", rl.geminiHandler("v1"))
	router.POST("/v1beta/models/:modelAction", rl.geminiHandler("v1beta"))
	router.POST("/v1/messages", rl.handleClaude)

	return router
}

func (rl *Relay) newEngine() *antitrunc.Engine {
	return &antitrunc.Engine{
		MaxAttempts:       rl.cfg.AntiTruncationMaxAttempts,
		DoneMarker:        rl.cfg.AntiTruncationDoneMarker,
		KeepaliveInterval: rl.cfg.KeepaliveInterval,
		IdleTimeout:       rl.cfg.IdleTimeout,
	}
}

// hostOf returns the host[:port] component of a base URL, used to build the
// Host-derived Forwarded header element.
func hostOf(baseURL string) string {
	parsed, err := url.Parse(baseURL)
	if err != nil {
		return ""
	}
	return parsed.Host
}

// upstreamURL joins a base URL, path and the inbound request's raw query
// string.
func upstreamURL(baseURL, path, rawQuery string) string {
	full := strings.TrimRight(baseURL, "/") + path
	if rawQuery != "" {
		full += "?" + rawQuery
	}
	return full
}

func nonZeroDuration(d, fallback time.Duration) time.Duration {
	if d <= 0 {
		return fallback
	}
	return d
}
