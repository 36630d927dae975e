// Package antitrunc implements the anti-truncation engine: the
// Attempting/Finalizing state machine that issues transparent continuation
// requests when an upstream stream ends without the done marker, and
// splices every attempt's frames into one client-visible stream.
package antitrunc

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"antitrunc-relay/internal/mutate"
	"antitrunc-relay/internal/protocol"
	"antitrunc-relay/internal/trigger"
	"antitrunc-relay/internal/upstream"

	"github.com/sirupsen/logrus"
)

// Requester issues one attempt's upstream request with the given body and
// returns the raw response. The caller (route handler) owns building the
// URL and headers; the engine only needs a response to read frames from.
type Requester func(ctx context.Context, body []byte) (*http.Response, error)

// Result summarizes how a Run concluded, for response-header decisions
// the route handler makes after the stream closes.
type Result struct {
	MarkerFound        bool
	MaxAttemptsReached bool
	Attempts           int
}

// Engine drives the attempt loop for a single client request.
type Engine struct {
	MaxAttempts       int
	DoneMarker        string
	KeepaliveInterval time.Duration
	IdleTimeout       time.Duration
}

// maxAttemptsComment is emitted as an SSE comment when every attempt is
// exhausted without the marker, so clients inspecting the stream body (not
// just response headers) can detect the condition too.
const maxAttemptsComment = ": X-Anti-Truncation-Max-Attempts-Reached\n\n"

// prematureCloseError marks an attempt whose stream ended without a clean
// stream-end frame — an idle timeout, or a read error on the connection
// itself. It is retry-eligible exactly like a retryable upstream status:
// the connection failed, not the model's answer.
type prematureCloseError struct {
	cause error
}

func (e *prematureCloseError) Error() string {
	return fmt.Sprintf("upstream stream ended prematurely: %v", e.cause)
}

func (e *prematureCloseError) Unwrap() error { return e.cause }

// Run drives the attempt loop for kind, starting from initialBody (which
// must already carry the done-marker system instruction). firstResp is the
// response to the caller's own first-attempt request — already issued and
// confirmed 2xx before the caller committed any streaming response headers
// to the client — which Run consumes as attempt 1 instead of issuing its
// own. Run writes spliced client-visible frames to w, flushing after each
// write, and returns once the marker is observed, attempts are exhausted,
// or ctx is canceled.
func (e *Engine) Run(ctx context.Context, kind protocol.Kind, initialBody []byte, firstResp *http.Response, request Requester, w io.Writer, flush func()) (Result, error) {
	parser := protocol.NewParser(kind)
	currentBody := initialBody
	attempt := 0
	accumulatedText := ""
	resp := firstResp

	for attempt < e.MaxAttempts {
		attempt++

		if resp == nil {
			var err error
			resp, err = request(ctx, currentBody)
			if err != nil {
				if ctx.Err() != nil {
					return Result{Attempts: attempt}, ctx.Err()
				}
				writeSSEError(w, flush, fmt.Sprintf("upstream request failed: %v", err))
				return Result{Attempts: attempt}, err
			}
		}

		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			status := resp.StatusCode
			body, _ := upstream.ReadErrorBody(resp)
			resp.Body.Close()
			resp = nil

			if upstream.IsRetryableStatus(status) && attempt < e.MaxAttempts {
				logrus.WithFields(logrus.Fields{
					"attempt": attempt,
					"status":  status,
				}).Warn("upstream returned a retryable status, starting a fresh attempt")
				currentBody = buildContinuationBody(kind, initialBody, accumulatedText, e.DoneMarker, attempt+1)
				continue
			}

			writeSSEError(w, flush, fmt.Sprintf("upstream returned status %d: %s", status, body))
			return Result{Attempts: attempt}, fmt.Errorf("upstream status %d", status)
		}

		outcome, attemptErr := e.streamAttempt(ctx, parser, resp, w, flush, attempt >= e.MaxAttempts)
		resp = nil
		accumulatedText += outcome.attemptText

		if attemptErr != nil {
			if ctx.Err() != nil {
				return Result{Attempts: attempt}, ctx.Err()
			}

			var premature *prematureCloseError
			if errors.As(attemptErr, &premature) {
				if attempt < e.MaxAttempts {
					logrus.WithFields(logrus.Fields{
						"attempt": attempt,
						"cause":   premature.cause,
					}).Warn("upstream stream ended prematurely, starting a fresh attempt")
					currentBody = buildContinuationBody(kind, initialBody, accumulatedText, e.DoneMarker, attempt+1)
					continue
				}
				_, _ = io.WriteString(w, maxAttemptsComment)
				flush()
				return Result{MaxAttemptsReached: true, Attempts: attempt}, nil
			}

			writeSSEError(w, flush, fmt.Sprintf("stream read failed: %v", attemptErr))
			return Result{Attempts: attempt}, attemptErr
		}

		if outcome.markerFound {
			return Result{MarkerFound: true, Attempts: attempt}, nil
		}

		if attempt >= e.MaxAttempts {
			_, _ = io.WriteString(w, maxAttemptsComment)
			flush()
			return Result{MaxAttemptsReached: true, Attempts: attempt}, nil
		}

		currentBody = buildContinuationBody(kind, initialBody, accumulatedText, e.DoneMarker, attempt+1)
	}

	return Result{MaxAttemptsReached: true, Attempts: attempt}, nil
}

// buildContinuationBody rebuilds the next attempt's body from baseBody —
// always the original, already-marker-instructed body, never a prior
// attempt's continuation body — appending the full text collected across
// every attempt so far as a single assistant turn, followed by a single
// user turn carrying the continuation directive. Rebuilding from baseBody
// every time keeps the conversation history at exactly one assistant/user
// pair no matter how many attempts have run.
func buildContinuationBody(kind protocol.Kind, baseBody []byte, collectedText, doneMarker string, nextAttempt int) []byte {
	prompt := trigger.ContinuationPrompt(collectedText, doneMarker, nextAttempt)
	next, err := mutate.InjectContinuation(kind, baseBody, collectedText, prompt)
	if err != nil {
		logrus.WithError(err).Warn("failed to build continuation body, retrying with the unmodified original body")
		return baseBody
	}
	return next
}

type attemptOutcome struct {
	markerFound bool
	attemptText string
}

type frameOrErr struct {
	frame []byte
	err   error
}

// heldFrame is an original upstream frame not yet forwarded to the client,
// because its trailing text might still turn out to be the start of a
// marker occurrence completed by a later frame.
type heldFrame struct {
	frame      []byte
	text       string
	suppressed bool
}

// streamAttempt reads frames from resp.Body until the marker is found, the
// upstream closes cleanly, or ctx is canceled. Frames are forwarded to w
// unchanged (property 5, pass-through fidelity) as soon as enough
// subsequent text has arrived to prove they can't be the start of a marker
// occurrence that completes later; only the frame where the marker is
// actually found may need its text rewritten (via the parser's own
// StripMarker, preserving its envelope), and only a genuine cross-frame
// split needs a synthesized delta frame at all.
func (e *Engine) streamAttempt(ctx context.Context, parser protocol.Parser, resp *http.Response, w io.Writer, flush func(), isFinalAttempt bool) (attemptOutcome, error) {
	defer resp.Body.Close()

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)
	scanner.Split(protocol.SplitFrames)

	frames := make(chan frameOrErr, 1)
	// done lets the reader goroutine abandon a blocked send the instant
	// this attempt returns early (marker found, ctx canceled) instead of
	// leaking until the upstream body happens to produce another frame.
	done := make(chan struct{})
	defer close(done)

	go func() {
		for scanner.Scan() {
			buf := append([]byte(nil), scanner.Bytes()...)
			select {
			case frames <- frameOrErr{frame: buf}:
			case <-done:
				return
			}
		}
		if err := scanner.Err(); err != nil {
			select {
			case frames <- frameOrErr{err: err}:
			case <-done:
			}
		}
		close(frames)
	}()

	markerLen := len(e.DoneMarker)
	lookback := markerLen - 1
	if lookback < 0 {
		lookback = 0
	}

	var held []heldFrame
	var collected strings.Builder

	keepalive := time.NewTicker(nonZero(e.KeepaliveInterval, 15*time.Second))
	defer keepalive.Stop()
	idle := time.NewTimer(nonZero(e.IdleTimeout, 30*time.Second))
	defer idle.Stop()

	for {
		select {
		case <-ctx.Done():
			return attemptOutcome{}, ctx.Err()

		case <-keepalive.C:
			_, _ = io.WriteString(w, ": keepalive\n\n")
			flush()

		case <-idle.C:
			forwardHeld(held, &collected, w, flush)
			return attemptOutcome{attemptText: collected.String()},
				&prematureCloseError{cause: fmt.Errorf("upstream idle for longer than the configured timeout")}

		case item, ok := <-frames:
			if !ok {
				forwardHeld(held, &collected, w, flush)
				return attemptOutcome{attemptText: collected.String()}, nil
			}
			if item.err != nil {
				forwardHeld(held, &collected, w, flush)
				return attemptOutcome{attemptText: collected.String()}, &prematureCloseError{cause: item.err}
			}
			idle.Reset(nonZero(e.IdleTimeout, 30*time.Second))

			frame := item.frame
			if parser.IsStreamEnd(frame) {
				forwardHeld(held, &collected, w, flush)
				if isFinalAttempt || !parser.SuppressOnContinuation(frame) {
					_, _ = w.Write(frame)
					_, _ = io.WriteString(w, "\n\n")
					flush()
				}
				return attemptOutcome{attemptText: collected.String()}, nil
			}

			text, _ := parser.ExtractText(frame)
			suppressed := !isFinalAttempt && parser.SuppressOnContinuation(frame)
			held = append(held, heldFrame{frame: frame, text: text, suppressed: suppressed})

			combined := heldText(held)
			if idx := strings.Index(combined, e.DoneMarker); idx != -1 {
				before, owner, partial := splitAtIndex(held, idx)
				forwardHeld(before, &collected, w, flush)
				switch {
				case owner != nil && strings.Contains(owner.text, e.DoneMarker):
					_, _ = w.Write(parser.StripMarker(owner.frame, e.DoneMarker))
					collected.WriteString(partial)
					flush()
				case partial != "":
					_, _ = w.Write(parser.BuildDeltaFrame(partial))
					collected.WriteString(partial)
					flush()
				}
				if end := parser.EndFrame(); end != nil {
					_, _ = w.Write(end)
					flush()
				}
				held = nil
				return attemptOutcome{markerFound: true, attemptText: collected.String()}, nil
			}

			safeLen := len(combined) - lookback
			if safeLen > 0 {
				toForward, remainder := splitCovered(held, safeLen)
				forwardHeld(toForward, &collected, w, flush)
				held = remainder
			}
		}
	}
}

// heldText concatenates every held frame's extracted text, in order.
func heldText(held []heldFrame) string {
	var b strings.Builder
	for _, hf := range held {
		b.WriteString(hf.text)
	}
	return b.String()
}

// splitCovered splits held into a leading run whose cumulative text length
// is entirely within safeLen (provably marker-free, safe to forward as-is)
// and the remaining frames still awaiting confirmation.
func splitCovered(held []heldFrame, safeLen int) (covered, remainder []heldFrame) {
	cum := 0
	i := 0
	for ; i < len(held); i++ {
		next := cum + len(held[i].text)
		if next > safeLen {
			break
		}
		cum = next
	}
	return held[:i], held[i:]
}

// splitAtIndex splits held at text offset idx (the marker's start position
// within the concatenation of every held frame's text). before holds every
// frame entirely preceding idx, unmodified. owner is the single frame idx
// falls inside (when idx lands exactly on a frame boundary, the frame whose
// text starts there), with partial holding the portion of its text before
// idx. owner is nil only if idx is at or past the end of the held text.
func splitAtIndex(held []heldFrame, idx int) (before []heldFrame, owner *heldFrame, partial string) {
	cum := 0
	for i := range held {
		next := cum + len(held[i].text)
		if next <= idx {
			before = append(before, held[i])
			cum = next
			continue
		}
		partial = held[i].text[:idx-cum]
		return before, &held[i], partial
	}
	return before, nil, ""
}

// forwardHeld writes every frame's original bytes to w unchanged, in
// order, and records their text as collected output.
func forwardHeld(held []heldFrame, collected *strings.Builder, w io.Writer, flush func()) {
	if len(held) == 0 {
		return
	}
	for _, hf := range held {
		if !hf.suppressed {
			_, _ = w.Write(hf.frame)
			_, _ = io.WriteString(w, "\n\n")
		}
		collected.WriteString(hf.text)
	}
	flush()
}

func nonZero(d, fallback time.Duration) time.Duration {
	if d <= 0 {
		return fallback
	}
	return d
}

func writeSSEError(w io.Writer, flush func(), message string) {
	payload := fmt.Sprintf(`{"error":{"message":%q}}`, message)
	_, _ = io.WriteString(w, "event: error\ndata: "+payload+"\n\n")
	flush()
}
