package relay

import (
	"context"
	"fmt"
	"net/http"

	"antitrunc-relay/internal/protocol"
	"antitrunc-relay/internal/relayerrors"
	"antitrunc-relay/internal/response"
	"antitrunc-relay/internal/upstream"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// runAntiTruncation issues the first attempt itself and inspects its
// status before committing anything to the client: a non-2xx first
// response is a pass-through failure (§4.6/§7), forwarded verbatim exactly
// like passThrough would, never retried and never masked behind an
// already-sent 200. Only once the first attempt is confirmed 2xx does it
// commit the streaming response headers and hand off to the engine, which
// drives every subsequent attempt.
func (rl *Relay) runAntiTruncation(c *gin.Context, kind protocol.Kind, fullURL string, headers http.Header, initialBody []byte) {
	ctx := c.Request.Context()

	requester := func(ctx context.Context, body []byte) (*http.Response, error) {
		req, err := upstream.NewRequest(ctx, http.MethodPost, fullURL, body, headers)
		if err != nil {
			return nil, err
		}
		return rl.client.Do(req)
	}

	firstResp, err := requester(ctx, initialBody)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		response.Error(c, relayerrors.NewAPIError(relayerrors.ErrBadGateway, fmt.Sprintf("upstream request failed: %v", err)))
		return
	}

	if firstResp.StatusCode < 200 || firstResp.StatusCode >= 300 {
		passThroughResponse(c, firstResp)
		return
	}

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Header("X-Anti-Truncation", "enabled")
	c.Status(http.StatusOK)

	flusher, ok := c.Writer.(http.Flusher)
	flush := func() {
		if ok {
			flusher.Flush()
		}
	}

	engine := rl.newEngine()
	result, err := engine.Run(ctx, kind, initialBody, firstResp, requester, c.Writer, flush)
	if err != nil {
		logrus.WithError(err).WithField("request_id", c.GetString("request_id")).Warn("anti-truncation run ended with an error")
	}

	if result.MaxAttemptsReached {
		c.Writer.Header().Set(http.TrailerPrefix+"X-Anti-Truncation-Max-Attempts-Reached", "1")
	}
}
