package protocol

import (
	"encoding/json"
	"strings"
)

// openAIParser speaks the `data: {json}` chat-completions chunk format.
type openAIParser struct{}

type openAIChunk struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
	} `json:"choices"`
}

func (openAIParser) ExtractText(frame []byte) (string, bool) {
	payload := dataLines(frame)
	if payload == "" || payload == "[DONE]" {
		return "", false
	}

	var chunk openAIChunk
	if err := json.Unmarshal([]byte(payload), &chunk); err != nil {
		return "", false
	}

	var b strings.Builder
	for _, choice := range chunk.Choices {
		b.WriteString(choice.Delta.Content)
	}
	if b.Len() == 0 {
		return "", false
	}
	return b.String(), true
}

func (openAIParser) IsStreamEnd(frame []byte) bool {
	return dataLines(frame) == "[DONE]"
}

func (p openAIParser) StripMarker(frame []byte, marker string) []byte {
	payload := dataLines(frame)
	if payload == "" || payload == "[DONE]" || !strings.Contains(payload, marker) {
		return frame
	}

	var raw map[string]any
	if err := json.Unmarshal([]byte(payload), &raw); err != nil {
		return frame
	}
	choices, ok := raw["choices"].([]any)
	if !ok {
		return frame
	}
	for _, c := range choices {
		choice, ok := c.(map[string]any)
		if !ok {
			continue
		}
		delta, ok := choice["delta"].(map[string]any)
		if !ok {
			continue
		}
		content, ok := delta["content"].(string)
		if !ok {
			continue
		}
		delta["content"] = strings.Replace(content, marker, "", 1)
	}

	stripped, err := json.Marshal(raw)
	if err != nil {
		return frame
	}
	return []byte("data: " + string(stripped) + "\n\n")
}

func (openAIParser) BuildDeltaFrame(text string) []byte {
	payload, _ := json.Marshal(map[string]any{
		"choices": []map[string]any{{"delta": map[string]any{"content": text}}},
	})
	return []byte("data: " + string(payload) + "\n\n")
}

func (openAIParser) EndFrame() []byte {
	return []byte("data: [DONE]\n\n")
}

func (openAIParser) SuppressOnContinuation([]byte) bool {
	return false
}
