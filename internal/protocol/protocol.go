// Package protocol implements the per-upstream SSE frame parsers: pulling
// delta text out of an OpenAI, Gemini, or Claude stream frame, and
// stripping an injected done-marker out of a frame before it reaches the
// client.
package protocol

// Kind identifies which upstream wire format a parser or mutator speaks.
type Kind string

const (
	OpenAI Kind = "openai"
	Gemini Kind = "gemini"
	Claude Kind = "claude"
)

// Parser extracts delta text from one SSE frame and can rewrite a frame to
// remove an injected done marker. Implementations tolerate malformed or
// unrecognized frames by returning ok=false / the frame unchanged rather
// than erroring — a parser must never abort the stream it's relaying.
type Parser interface {
	// ExtractText returns the incremental text carried by frame, and
	// whether any text was found.
	ExtractText(frame []byte) (text string, ok bool)

	// StripMarker returns frame with the first occurrence of marker
	// removed from its text payload, re-encoding the frame. If marker
	// does not appear, or the frame can't be parsed, frame is returned
	// unchanged.
	StripMarker(frame []byte, marker string) []byte

	// IsStreamEnd reports whether frame signals normal upstream
	// completion (e.g. "data: [DONE]", or a Claude message_stop event).
	IsStreamEnd(frame []byte) bool

	// BuildDeltaFrame synthesizes a minimal, protocol-valid delta frame
	// carrying exactly text. The anti-truncation engine uses this to
	// re-emit text that was held back across an upstream frame boundary
	// while checking for a marker spanning the two frames.
	BuildDeltaFrame(text string) []byte

	// EndFrame returns the protocol's normal stream-termination frame
	// (e.g. "data: [DONE]\n\n"), used to close out a spliced response
	// the same way a single upstream stream would.
	EndFrame() []byte

	// SuppressOnContinuation reports whether frame must be dropped from
	// the client-visible stream when this attempt ends and a continuation
	// attempt will follow. Claude's message_stop and the message_delta
	// carrying its stop_reason are the only frames that qualify — forwarding
	// them mid-splice would tell a Claude SDK the message is fully done
	// when more content is still coming.
	SuppressOnContinuation(frame []byte) bool
}

// NewParser returns the Parser for kind.
func NewParser(kind Kind) Parser {
	switch kind {
	case OpenAI:
		return openAIParser{}
	case Gemini:
		return geminiParser{}
	case Claude:
		return claudeParser{}
	default:
		panic("protocol: unknown kind " + string(kind))
	}
}
