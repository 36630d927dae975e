// Package trigger decides whether a given request should run through the
// anti-truncation engine, and builds the continuation prompt fed back to
// the model on retry.
package trigger

import (
	"fmt"
	"strings"
)

// HeaderName is the explicit opt-in header, checked case-insensitively by
// the caller via http.Header.Get.
const HeaderName = "X-Anti-Truncation"

// QueryParam is the explicit opt-in query string parameter.
const QueryParam = "anti_truncation"

// lookbackChars is how much of the collected text is echoed back to the
// model in the continuation prompt, so it can resume mid-sentence without
// repeating itself.
const lookbackChars = 100

// TriggerPresent reports whether at least one opt-in trigger is present,
// independent of whether the request is streaming: a model-name prefix
// match, the opt-in header set to "true", or the opt-in query param set to
// one of "1"/"true"/"yes"/"on".
func TriggerPresent(model, headerValue, queryValue, modelPrefix string) bool {
	if modelPrefix != "" && strings.HasPrefix(model, modelPrefix) {
		return true
	}
	if strings.EqualFold(strings.TrimSpace(headerValue), "true") {
		return true
	}
	switch strings.ToLower(strings.TrimSpace(queryValue)) {
	case "1", "true", "yes", "on":
		return true
	}
	return false
}

// ShouldEnable reports whether anti-truncation should run for this request:
// TriggerPresent and the request is streaming.
func ShouldEnable(isStreaming bool, model, headerValue, queryValue, modelPrefix string) bool {
	return isStreaming && TriggerPresent(model, headerValue, queryValue, modelPrefix)
}

// StripModelPrefix removes prefix from model if present, returning the
// stripped name and whether it was present. The upstream must never see
// the trigger prefix in the model field.
func StripModelPrefix(model, prefix string) (stripped string, hadPrefix bool) {
	if prefix != "" && strings.HasPrefix(model, prefix) {
		return strings.TrimPrefix(model, prefix), true
	}
	return model, false
}

// ContinuationPrompt builds the instruction sent back to the model to
// resume generation after a truncated attempt, echoing the tail of what
// was already produced so the model can pick up without repeating itself.
func ContinuationPrompt(collectedText, doneMarker string, attempt int) string {
	tail := collectedText
	if len(tail) > lookbackChars {
		tail = tail[len(tail)-lookbackChars:]
	}
	return fmt.Sprintf(
		"Your previous response was cut off before completion (continuation attempt %d). "+
			"Here is the end of what you already produced:\n\n...%s\n\n"+
			"Continue the response exactly where it left off, without repeating any of the text above. "+
			"Once your response is fully complete, output the marker %q on its own at the very end.",
		attempt, tail, doneMarker,
	)
}
