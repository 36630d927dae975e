// Package upstream wraps the HTTP client used to reach the three upstream
// LLM APIs, and decodes a non-2xx upstream response body for a readable
// error message. It never touches a 2xx body — those are forwarded to the
// client exactly as received, compressed or not.
package upstream

import (
	"bytes"
	"compress/flate"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/klauspost/compress/gzip"
)

// maxErrorBodyBytes bounds how much of an error body is read and decoded;
// error messages are small, this only guards against a misbehaving
// upstream streaming an unbounded "error".
const maxErrorBodyBytes = 1 << 20

// Client issues requests to upstream LLM APIs with a connect timeout and no
// overall client timeout or read deadline on the response body, so a
// streaming response is never cut off by the client. Callers bound a whole
// request through its context.
type Client struct {
	http *http.Client
}

// New builds a Client. connectTimeout bounds establishing the TCP/TLS
// connection; requestTimeout bounds non-streaming calls via context and is
// the caller's responsibility to apply (streaming calls instead use
// cancellation, never a wall-clock deadline).
func New(connectTimeout time.Duration) *Client {
	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout: connectTimeout,
		}).DialContext,
		TLSHandshakeTimeout:   connectTimeout,
		ResponseHeaderTimeout: connectTimeout,
		ForceAttemptHTTP2:     true,
	}
	return &Client{http: &http.Client{Transport: transport}}
}

// Do issues req, returning the raw response. Streaming callers are expected
// to drive req's context for cancellation rather than rely on a client
// timeout.
func (c *Client) Do(req *http.Request) (*http.Response, error) {
	return c.http.Do(req)
}

// CloseIdleConnections releases pooled connections, used during graceful
// shutdown.
func (c *Client) CloseIdleConnections() {
	c.http.CloseIdleConnections()
}

// ReadErrorBody reads and, if compressed, decompresses up to
// maxErrorBodyBytes of resp's body so the relay can surface a readable
// upstream error message. Only call this for non-2xx responses.
func ReadErrorBody(resp *http.Response) (string, error) {
	limited := io.LimitReader(resp.Body, maxErrorBodyBytes)
	raw, err := io.ReadAll(limited)
	if err != nil {
		return "", fmt.Errorf("reading upstream error body: %w", err)
	}

	switch resp.Header.Get("Content-Encoding") {
	case "gzip":
		decoded, err := decodeGzip(raw)
		if err != nil {
			return string(raw), nil // fall back to raw bytes rather than failing the error path
		}
		return string(decoded), nil
	case "deflate":
		decoded, err := decodeDeflate(raw)
		if err != nil {
			return string(raw), nil
		}
		return string(decoded), nil
	default:
		return string(raw), nil
	}
}

func decodeGzip(data []byte) ([]byte, error) {
	r, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return io.ReadAll(io.LimitReader(r, maxErrorBodyBytes))
}

func decodeDeflate(data []byte) ([]byte, error) {
	r := flate.NewReader(bytes.NewReader(data))
	defer r.Close()
	return io.ReadAll(io.LimitReader(r, maxErrorBodyBytes))
}

// IsRetryableStatus reports whether statusCode is one the anti-truncation
// engine should transparently retry by starting a fresh attempt, rather
// than surfacing to the client.
func IsRetryableStatus(statusCode int) bool {
	switch statusCode {
	case http.StatusRequestTimeout, http.StatusTooEarly, http.StatusTooManyRequests,
		http.StatusInternalServerError, http.StatusBadGateway,
		http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return true
	default:
		return false
	}
}

// NewRequest builds an upstream request with ctx attached, body as its
// payload, and header as its exact header set (already built by
// headerpipe.BuildUpstreamHeaders).
func NewRequest(ctx context.Context, method, url string, body []byte, header http.Header) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header = header
	req.ContentLength = int64(len(body))
	return req, nil
}
