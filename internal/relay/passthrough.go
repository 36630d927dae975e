package relay

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"antitrunc-relay/internal/headerpipe"
	"antitrunc-relay/internal/relayerrors"
	"antitrunc-relay/internal/response"
	"antitrunc-relay/internal/upstream"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// passThroughResponse forwards an already-issued upstream response's
// status, headers, and body to the client verbatim, buffered. Used for a
// non-2xx first-attempt response that arrives before the anti-truncation
// engine would otherwise commit the client to a streaming 200.
func passThroughResponse(c *gin.Context, resp *http.Response) {
	defer resp.Body.Close()
	copyResponseHeaders(c, resp)
	buffered, err := io.ReadAll(resp.Body)
	if err != nil {
		logrus.WithError(err).Warn("error reading upstream response body")
	}
	c.Status(resp.StatusCode)
	_, _ = c.Writer.Write(buffered)
}

// passThrough issues a single upstream request and relays the response
// unchanged: buffered for a non-streaming call, byte-for-byte as it arrives
// for a streaming one. No anti-truncation logic runs here.
func (rl *Relay) passThrough(c *gin.Context, fullURL string, headers http.Header, body []byte, isStreaming bool) {
	ctx := c.Request.Context()
	if !isStreaming {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, nonZeroDuration(rl.cfg.UpstreamTimeout, 60*time.Second))
		defer cancel()
	}

	req, err := upstream.NewRequest(ctx, http.MethodPost, fullURL, body, headers)
	if err != nil {
		response.Error(c, relayerrors.NewAPIError(relayerrors.ErrBadGateway, err.Error()))
		return
	}

	resp, err := rl.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		response.Error(c, relayerrors.NewAPIError(relayerrors.ErrBadGateway, fmt.Sprintf("upstream request failed: %v", err)))
		return
	}

	if !isStreaming {
		passThroughResponse(c, resp)
		return
	}

	defer resp.Body.Close()
	copyResponseHeaders(c, resp)
	streamPassThrough(c, resp)
}

// copyResponseHeaders mirrors resp's headers onto the client response,
// minus hop-by-hop headers, without touching anything the relay itself
// already set (X-Request-Id, security headers).
func copyResponseHeaders(c *gin.Context, resp *http.Response) {
	for name, values := range resp.Header {
		if headerpipe.IsHopByHop(name) {
			continue
		}
		for _, v := range values {
			c.Writer.Header().Add(name, v)
		}
	}
}

// streamPassThrough copies resp.Body to the client as it arrives, flushing
// after every chunk so the client sees bytes with the same latency profile
// as the upstream produced them.
func streamPassThrough(c *gin.Context, resp *http.Response) {
	c.Status(resp.StatusCode)

	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		_, _ = io.Copy(c.Writer, resp.Body)
		return
	}

	buf := make([]byte, 4*1024)
	for {
		n, err := resp.Body.Read(buf)
		if n > 0 {
			if _, writeErr := c.Writer.Write(buf[:n]); writeErr != nil {
				return
			}
			flusher.Flush()
		}
		if err == io.EOF {
			return
		}
		if err != nil {
			logrus.WithError(err).Debug("upstream stream ended early during pass-through")
			return
		}
	}
}
