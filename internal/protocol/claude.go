package protocol

import (
	"bytes"
	"encoding/json"
	"strings"
)

// claudeParser speaks Claude's typed SSE events: an `event: <name>` line
// followed by a `data: {json}` line. Only content_block_delta events
// carry text; message_stop ends the stream.
type claudeParser struct{}

type claudeDeltaEvent struct {
	Type  string `json:"type"`
	Delta struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"delta"`
}

func (claudeParser) ExtractText(frame []byte) (string, bool) {
	if eventName(frame) != "content_block_delta" {
		return "", false
	}
	payload := dataLines(frame)
	if payload == "" {
		return "", false
	}

	var evt claudeDeltaEvent
	if err := json.Unmarshal([]byte(payload), &evt); err != nil {
		return "", false
	}
	if evt.Delta.Type != "text_delta" || evt.Delta.Text == "" {
		return "", false
	}
	return evt.Delta.Text, true
}

func (claudeParser) IsStreamEnd(frame []byte) bool {
	name := eventName(frame)
	return name == "message_stop" || name == "done"
}

func (p claudeParser) StripMarker(frame []byte, marker string) []byte {
	if eventName(frame) != "content_block_delta" {
		return frame
	}
	payload := dataLines(frame)
	if payload == "" || !strings.Contains(payload, marker) {
		return frame
	}

	var raw map[string]any
	if err := json.Unmarshal([]byte(payload), &raw); err != nil {
		return frame
	}
	delta, ok := raw["delta"].(map[string]any)
	if !ok {
		return frame
	}
	text, ok := delta["text"].(string)
	if !ok {
		return frame
	}
	delta["text"] = strings.Replace(text, marker, "", 1)

	stripped, err := json.Marshal(raw)
	if err != nil {
		return frame
	}

	return rewriteDataLine(frame, stripped)
}

func (claudeParser) BuildDeltaFrame(text string) []byte {
	payload, _ := json.Marshal(map[string]any{
		"type":  "content_block_delta",
		"delta": map[string]any{"type": "text_delta", "text": text},
	})
	return []byte("event: content_block_delta\ndata: " + string(payload) + "\n\n")
}

func (claudeParser) EndFrame() []byte {
	payload, _ := json.Marshal(map[string]any{"type": "message_stop"})
	return []byte("event: message_stop\ndata: " + string(payload) + "\n\n")
}

// SuppressOnContinuation matches message_stop and a message_delta carrying a
// non-empty stop_reason — the pair Claude emits to close out one message.
// Forwarding either mid-splice would tell the client's SDK the response is
// complete while a continuation attempt is still coming.
func (claudeParser) SuppressOnContinuation(frame []byte) bool {
	switch eventName(frame) {
	case "message_stop":
		return true
	case "message_delta":
		return messageDeltaStopReason(frame) != ""
	default:
		return false
	}
}

func messageDeltaStopReason(frame []byte) string {
	payload := dataLines(frame)
	if payload == "" {
		return ""
	}
	var evt struct {
		Delta struct {
			StopReason string `json:"stop_reason"`
		} `json:"delta"`
	}
	if err := json.Unmarshal([]byte(payload), &evt); err != nil {
		return ""
	}
	return evt.Delta.StopReason
}

// rewriteDataLine replaces a frame's "data:" line with newData while
// preserving its "event:" line and any other lines verbatim.
func rewriteDataLine(frame []byte, newData []byte) []byte {
	lines := bytes.Split(frame, []byte("\n"))
	var out [][]byte
	replaced := false
	for _, line := range lines {
		trimmed := bytes.TrimRight(line, "\r")
		if bytes.HasPrefix(trimmed, []byte("data:")) {
			out = append(out, []byte("data: "+string(newData)))
			replaced = true
			continue
		}
		out = append(out, line)
	}
	if !replaced {
		return frame
	}
	return append(bytes.Join(out, []byte("\n")), []byte("\n\n")...)
}
