package relay

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"antitrunc-relay/internal/headerpipe"
	"antitrunc-relay/internal/mutate"
	"antitrunc-relay/internal/protocol"
	"antitrunc-relay/internal/relayerrors"
	"antitrunc-relay/internal/response"
	"antitrunc-relay/internal/trigger"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

func (rl *Relay) handleOpenAI(c *gin.Context) {
	body, ok := rl.readJSONBody(c)
	if !ok {
		return
	}

	isStreaming := gjson.GetBytes(body, "stream").Bool()
	model := gjson.GetBytes(body, "model").String()

	present, enabled := rl.evaluateTrigger(c, isStreaming, model)
	if enabled {
		if stripped, had := trigger.StripModelPrefix(model, rl.cfg.AntiTruncationModelPrefix); had {
			if next, err := sjson.SetBytes(body, "model", stripped); err == nil {
				body = next
			}
		}
	}

	rl.dispatch(c, protocol.OpenAI, rl.cfg.OpenAIBaseURL, "/v1/chat/completions", isStreaming, enabled, present, body, model)
}

// geminiHandler returns a handler for the given API version ("v1" or
// "v1beta"). Gemini encodes both the model and the action in one path
// segment as "{model}:{action}", which gin's router can't split on its
// own, so the handler does it after matching the ":modelAction" wildcard.
func (rl *Relay) geminiHandler(version string) gin.HandlerFunc {
	return func(c *gin.Context) {
		modelAction := c.Param("modelAction")
		model, action, found := cutLast(modelAction, ":")
		if !found {
			response.Error(c, relayerrors.NewValidationError("path must be {model}:generateContent or {model}:streamGenerateContent"))
			return
		}

		var isStreaming bool
		switch action {
		case "streamGenerateContent":
			isStreaming = true
		case "generateContent":
			isStreaming = false
		default:
			response.Error(c, relayerrors.NewValidationError(fmt.Sprintf("unknown Gemini action %q", action)))
			return
		}

		body, ok := rl.readJSONBody(c)
		if !ok {
			return
		}

		present, enabled := rl.evaluateTrigger(c, isStreaming, model)

		originalModel := model
		if enabled {
			model, _ = trigger.StripModelPrefix(model, rl.cfg.AntiTruncationModelPrefix)
		}

		if enabled && isStreaming {
			var err error
			body, err = mutate.InjectDoneMarkerInstruction(protocol.Gemini, body, rl.cfg.AntiTruncationDoneMarker)
			if err != nil {
				logrus.WithError(err).Warn("failed to inject done marker instruction, forwarding body unmodified")
			}
		}

		path := "/" + version + "/models/" + model + ":" + action
		rl.dispatchPrepared(c, protocol.Gemini, rl.cfg.GeminiBaseURL, path, isStreaming, enabled, present, body, originalModel)
	}
}

func (rl *Relay) handleClaude(c *gin.Context) {
	body, ok := rl.readJSONBody(c)
	if !ok {
		return
	}

	isStreaming := gjson.GetBytes(body, "stream").Bool()
	model := gjson.GetBytes(body, "model").String()

	present, enabled := rl.evaluateTrigger(c, isStreaming, model)
	if enabled {
		if stripped, had := trigger.StripModelPrefix(model, rl.cfg.AntiTruncationModelPrefix); had {
			if next, err := sjson.SetBytes(body, "model", stripped); err == nil {
				body = next
			}
		}
	}

	rl.dispatch(c, protocol.Claude, rl.cfg.ClaudeBaseURL, "/v1/messages", isStreaming, enabled, present, body, model)
}

// readJSONBody reads and validates the request body, writing an error
// response and returning ok=false on failure.
func (rl *Relay) readJSONBody(c *gin.Context) (body []byte, ok bool) {
	raw, err := io.ReadAll(c.Request.Body)
	if err != nil {
		response.Error(c, relayerrors.ErrBodyTooLarge)
		return nil, false
	}
	if !json.Valid(raw) {
		response.Error(c, relayerrors.ErrInvalidJSON)
		return nil, false
	}
	return raw, true
}

// evaluateTrigger reads the opt-in header/query param and combines them with
// the model-prefix check. present reports whether a trigger fired at all
// (regardless of streaming); enabled additionally requires streaming, since
// anti-truncation only runs on streamed responses.
func (rl *Relay) evaluateTrigger(c *gin.Context, isStreaming bool, model string) (present, enabled bool) {
	header := c.GetHeader(trigger.HeaderName)
	query := c.Query(trigger.QueryParam)
	present = trigger.TriggerPresent(model, header, query, rl.cfg.AntiTruncationModelPrefix)
	return present, isStreaming && present
}

// dispatch handles OpenAI/Claude routes, where the done-marker instruction
// (when triggered) still needs to be injected into body.
func (rl *Relay) dispatch(c *gin.Context, kind protocol.Kind, baseURL, path string, isStreaming, enabled, triggerPresent bool, body []byte, originalModel string) {
	if enabled && isStreaming {
		var err error
		body, err = mutate.InjectDoneMarkerInstruction(kind, body, rl.cfg.AntiTruncationDoneMarker)
		if err != nil {
			logrus.WithError(err).Warn("failed to inject done marker instruction, forwarding body unmodified")
		}
	}
	rl.dispatchPrepared(c, kind, baseURL, path, isStreaming, enabled, triggerPresent, body, originalModel)
}

// dispatchPrepared issues the request once body already carries whatever
// mutation this route's trigger decision calls for.
func (rl *Relay) dispatchPrepared(c *gin.Context, kind protocol.Kind, baseURL, path string, isStreaming, enabled, triggerPresent bool, body []byte, originalModel string) {
	clientIP := headerpipe.ResolveClientIP(c.Request, rl.cfg.TrustProxyHeaders, rl.cfg.TrustedProxyCIDRs)
	headers := headerpipe.BuildUpstreamHeaders(c.Request, hostOf(baseURL), clientIP)
	headers.Set("Content-Type", "application/json")

	fullURL := upstreamURL(baseURL, path, c.Request.URL.RawQuery)

	logrus.WithFields(logrus.Fields{
		"request_id":      c.GetString("request_id"),
		"path":            path,
		"upstream":        baseURL,
		"anti_truncation": enabled,
		"client_ip":       clientIP,
		"streaming":       isStreaming,
		"model":           originalModel,
	}).Info("relaying request")

	if !enabled || !isStreaming {
		if triggerPresent && !isStreaming {
			c.Header("X-Anti-Truncation-Ignored", "non-streaming")
		}
		rl.passThrough(c, fullURL, headers, body, isStreaming)
		return
	}

	rl.runAntiTruncation(c, kind, fullURL, headers, body)
}

// cutLast splits s on the last occurrence of sep, mirroring strings.Cut but
// anchored at the end (Gemini's model names may themselves not contain the
// path separator, but splitting from the right is the tolerant choice).
func cutLast(s, sep string) (before, after string, found bool) {
	i := strings.LastIndex(s, sep)
	if i < 0 {
		return s, "", false
	}
	return s[:i], s[i+len(sep):], true
}
