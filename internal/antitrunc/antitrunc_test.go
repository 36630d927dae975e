package antitrunc

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"antitrunc-relay/internal/protocol"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
)

func fakeResponse(status int, body string) *http.Response {
	return &http.Response{
		StatusCode: status,
		Body:       io.NopCloser(strings.NewReader(body)),
		Header:     http.Header{},
	}
}

func newTestEngine() *Engine {
	return &Engine{
		MaxAttempts:       3,
		DoneMarker:        "[done]",
		KeepaliveInterval: time.Hour,
		IdleTimeout:       5 * time.Second,
	}
}

func TestRun_OpenAI_MarkerInFirstAttempt(t *testing.T) {
	e := newTestEngine()
	upstreamBody := `data: {"choices":[{"delta":{"content":"Hello "}}]}` + "\n\n" +
		`data: {"choices":[{"delta":{"content":"world [done]"}}]}` + "\n\n" +
		`data: [DONE]` + "\n\n"

	calls := 0
	request := func(ctx context.Context, body []byte) (*http.Response, error) {
		calls++
		return fakeResponse(200, upstreamBody), nil
	}

	var out strings.Builder
	result, err := e.Run(context.Background(), protocol.OpenAI, []byte(`{}`), nil, request, &out, func() {})

	require.NoError(t, err)
	assert.True(t, result.MarkerFound)
	assert.Equal(t, 1, result.Attempts)
	assert.Equal(t, 1, calls)

	parser := protocol.NewParser(protocol.OpenAI)
	assert.NotContains(t, out.String(), "[done]")
	assert.Contains(t, out.String(), "Hello")
	assert.Contains(t, out.String(), "world")
	_ = parser
}

func TestRun_OpenAI_TruncationThenContinuation(t *testing.T) {
	e := newTestEngine()

	attempt1 := `data: {"choices":[{"delta":{"content":"Part one."}}]}` + "\n\n"
	attempt2 := `data: {"choices":[{"delta":{"content":" Part two. [done]"}}]}` + "\n\n"

	var bodies [][]byte
	calls := 0
	request := func(ctx context.Context, body []byte) (*http.Response, error) {
		calls++
		bodies = append(bodies, append([]byte(nil), body...))
		if calls == 1 {
			return fakeResponse(200, attempt1), nil
		}
		return fakeResponse(200, attempt2), nil
	}

	var out strings.Builder
	result, err := e.Run(context.Background(), protocol.OpenAI, []byte(`{"messages":[]}`), nil, request, &out, func() {})

	require.NoError(t, err)
	assert.True(t, result.MarkerFound)
	assert.Equal(t, 2, result.Attempts)
	assert.Equal(t, 2, calls)
	assert.Contains(t, out.String(), "Part one.")
	assert.Contains(t, out.String(), "Part two.")
	assert.NotContains(t, out.String(), "[done]")

	// the continuation body must carry the first attempt's text forward as history
	assert.Contains(t, string(bodies[1]), "Part one.")
}

func TestRun_Gemini_MarkerSpanningFrames(t *testing.T) {
	e := newTestEngine()
	upstreamBody := `data: {"candidates":[{"content":{"parts":[{"text":"answer.[do"}]}}]}` + "\n\n" +
		`data: {"candidates":[{"content":{"parts":[{"text":"ne]"}]}}]}` + "\n\n"

	request := func(ctx context.Context, body []byte) (*http.Response, error) {
		return fakeResponse(200, upstreamBody), nil
	}

	var out strings.Builder
	result, err := e.Run(context.Background(), protocol.Gemini, []byte(`{}`), nil, request, &out, func() {})

	require.NoError(t, err)
	assert.True(t, result.MarkerFound)
	assert.NotContains(t, out.String(), "[do")
	assert.NotContains(t, out.String(), "ne]")
	assert.Contains(t, out.String(), "answer.")
}

func TestRun_MaxAttemptsReached(t *testing.T) {
	e := newTestEngine()
	e.MaxAttempts = 2

	noMarkerBody := `data: {"choices":[{"delta":{"content":"still going"}}]}` + "\n\n"

	calls := 0
	request := func(ctx context.Context, body []byte) (*http.Response, error) {
		calls++
		return fakeResponse(200, noMarkerBody), nil
	}

	var out strings.Builder
	result, err := e.Run(context.Background(), protocol.OpenAI, []byte(`{}`), nil, request, &out, func() {})

	require.NoError(t, err)
	assert.False(t, result.MarkerFound)
	assert.True(t, result.MaxAttemptsReached)
	assert.Equal(t, 2, calls)
	assert.Contains(t, out.String(), "X-Anti-Truncation-Max-Attempts-Reached")
}

func TestRun_RetryableUpstreamStatus(t *testing.T) {
	e := newTestEngine()

	calls := 0
	request := func(ctx context.Context, body []byte) (*http.Response, error) {
		calls++
		if calls == 1 {
			return fakeResponse(503, `{"error":"overloaded"}`), nil
		}
		return fakeResponse(200, `data: {"choices":[{"delta":{"content":"ok [done]"}}]}`+"\n\n"), nil
	}

	var out strings.Builder
	result, err := e.Run(context.Background(), protocol.OpenAI, []byte(`{}`), nil, request, &out, func() {})

	require.NoError(t, err)
	assert.True(t, result.MarkerFound)
	assert.Equal(t, 2, calls)
}

func TestRun_NonRetryableUpstreamStatus(t *testing.T) {
	e := newTestEngine()

	calls := 0
	request := func(ctx context.Context, body []byte) (*http.Response, error) {
		calls++
		return fakeResponse(401, `{"error":"unauthorized"}`), nil
	}

	var out strings.Builder
	_, err := e.Run(context.Background(), protocol.OpenAI, []byte(`{}`), nil, request, &out, func() {})

	require.Error(t, err)
	assert.Equal(t, 1, calls)
	assert.Contains(t, out.String(), "401")
}

func TestRun_Claude_SuppressesIntermediateMessageStop(t *testing.T) {
	e := newTestEngine()

	attempt1 := "event: content_block_delta\ndata: " +
		`{"type":"content_block_delta","delta":{"type":"text_delta","text":"Part one."}}` + "\n\n" +
		"event: message_delta\ndata: " +
		`{"type":"message_delta","delta":{"stop_reason":"max_tokens"}}` + "\n\n" +
		"event: message_stop\ndata: " + `{"type":"message_stop"}` + "\n\n"
	attempt2 := "event: content_block_delta\ndata: " +
		`{"type":"content_block_delta","delta":{"type":"text_delta","text":" Part two. [done]"}}` + "\n\n"

	calls := 0
	request := func(ctx context.Context, body []byte) (*http.Response, error) {
		calls++
		if calls == 1 {
			return fakeResponse(200, attempt1), nil
		}
		return fakeResponse(200, attempt2), nil
	}

	var out strings.Builder
	result, err := e.Run(context.Background(), protocol.Claude, []byte(`{"messages":[]}`), nil, request, &out, func() {})

	require.NoError(t, err)
	assert.True(t, result.MarkerFound)
	assert.Equal(t, 2, calls)
	assert.Contains(t, out.String(), "Part one.")
	assert.Contains(t, out.String(), "Part two.")
	// the intermediate attempt's message_delta/message_stop must not reach the client...
	assert.NotContains(t, out.String(), "max_tokens")
	// ...but the engine still closes the spliced stream with exactly one message_stop.
	assert.Equal(t, 1, strings.Count(out.String(), "event: message_stop"))
}

// erroringBody yields data then a fixed non-EOF error, simulating a
// connection that dies mid-stream rather than closing cleanly.
type erroringBody struct {
	data []byte
	pos  int
	err  error
}

func (b *erroringBody) Read(p []byte) (int, error) {
	if b.pos < len(b.data) {
		n := copy(p, b.data[b.pos:])
		b.pos += n
		return n, nil
	}
	return 0, b.err
}

func (b *erroringBody) Close() error { return nil }

func TestRun_MidStreamReadErrorRetries(t *testing.T) {
	e := newTestEngine()

	attempt1Body := &erroringBody{
		data: []byte(`data: {"choices":[{"delta":{"content":"Partial"}}]}` + "\n\n"),
		err:  errors.New("connection reset by peer"),
	}
	attempt2 := `data: {"choices":[{"delta":{"content":" rest [done]"}}]}` + "\n\n"

	calls := 0
	request := func(ctx context.Context, body []byte) (*http.Response, error) {
		calls++
		if calls == 1 {
			return &http.Response{StatusCode: 200, Body: attempt1Body, Header: http.Header{}}, nil
		}
		return fakeResponse(200, attempt2), nil
	}

	var out strings.Builder
	result, err := e.Run(context.Background(), protocol.OpenAI, []byte(`{"messages":[]}`), nil, request, &out, func() {})

	require.NoError(t, err)
	assert.True(t, result.MarkerFound)
	assert.Equal(t, 2, calls)
	assert.Contains(t, out.String(), "Partial")
	assert.Contains(t, out.String(), "rest")
}

func TestRun_IdleTimeoutRetries(t *testing.T) {
	e := newTestEngine()
	e.IdleTimeout = 20 * time.Millisecond
	e.KeepaliveInterval = time.Hour

	pr, pw := io.Pipe()
	go func() {
		_, _ = pw.Write([]byte(`data: {"choices":[{"delta":{"content":"Partial"}}]}` + "\n\n"))
		// deliberately never writes again or closes — the attempt must
		// time out waiting for more, not hang or fail outright.
	}()

	attempt2 := `data: {"choices":[{"delta":{"content":" rest [done]"}}]}` + "\n\n"

	calls := 0
	request := func(ctx context.Context, body []byte) (*http.Response, error) {
		calls++
		if calls == 1 {
			return &http.Response{StatusCode: 200, Body: pr, Header: http.Header{}}, nil
		}
		return fakeResponse(200, attempt2), nil
	}

	var out strings.Builder
	result, err := e.Run(context.Background(), protocol.OpenAI, []byte(`{"messages":[]}`), nil, request, &out, func() {})

	require.NoError(t, err)
	assert.True(t, result.MarkerFound)
	assert.Equal(t, 2, calls)
	assert.Contains(t, out.String(), "Partial")
}

func TestRun_ContinuationAccumulatesAcrossAttemptsAsOneTurn(t *testing.T) {
	e := newTestEngine()
	e.MaxAttempts = 3

	attempt1 := `data: {"choices":[{"delta":{"content":"One."}}]}` + "\n\n"
	attempt2 := `data: {"choices":[{"delta":{"content":" Two."}}]}` + "\n\n"
	attempt3 := `data: {"choices":[{"delta":{"content":" Three. [done]"}}]}` + "\n\n"

	var bodies [][]byte
	calls := 0
	request := func(ctx context.Context, body []byte) (*http.Response, error) {
		calls++
		bodies = append(bodies, append([]byte(nil), body...))
		switch calls {
		case 1:
			return fakeResponse(200, attempt1), nil
		case 2:
			return fakeResponse(200, attempt2), nil
		default:
			return fakeResponse(200, attempt3), nil
		}
	}

	var out strings.Builder
	result, err := e.Run(context.Background(), protocol.OpenAI, []byte(`{"messages":[]}`), nil, request, &out, func() {})

	require.NoError(t, err)
	assert.True(t, result.MarkerFound)
	assert.Equal(t, 3, calls)

	// attempt 3's body must carry both prior attempts' text as ONE
	// assistant turn plus ONE user directive, not a chain of alternating
	// assistant/user pairs built from stale intermediate directives.
	msgs := gjson.GetBytes(bodies[2], "messages").Array()
	require.Len(t, msgs, 2)
	assert.Equal(t, "assistant", msgs[0].Get("role").String())
	content := msgs[0].Get("content").String()
	assert.Contains(t, content, "One.")
	assert.Contains(t, content, "Two.")
	assert.Equal(t, "user", msgs[1].Get("role").String())
}

func TestRun_ContextCancellation(t *testing.T) {
	e := newTestEngine()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	request := func(ctx context.Context, body []byte) (*http.Response, error) {
		return nil, ctx.Err()
	}

	var out strings.Builder
	_, err := e.Run(ctx, protocol.OpenAI, []byte(`{}`), nil, request, &out, func() {})
	require.Error(t, err)
}
