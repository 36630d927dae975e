package protocol

import (
	"encoding/json"
	"strings"
)

// geminiParser speaks Gemini's generateContent/streamGenerateContent SSE
// chunk format, a bare JSON object per `data:` line (no [DONE] sentinel —
// the stream simply closes).
type geminiParser struct{}

type geminiChunk struct {
	Candidates []struct {
		Content struct {
			Parts []struct {
				Text string `json:"text"`
			} `json:"parts"`
		} `json:"content"`
	} `json:"candidates"`
}

func (geminiParser) ExtractText(frame []byte) (string, bool) {
	payload := dataLines(frame)
	if payload == "" {
		return "", false
	}

	var chunk geminiChunk
	if err := json.Unmarshal([]byte(payload), &chunk); err != nil {
		return "", false
	}

	var b strings.Builder
	for _, cand := range chunk.Candidates {
		for _, part := range cand.Content.Parts {
			b.WriteString(part.Text)
		}
	}
	if b.Len() == 0 {
		return "", false
	}
	return b.String(), true
}

func (geminiParser) IsStreamEnd(frame []byte) bool {
	return false
}

func (p geminiParser) StripMarker(frame []byte, marker string) []byte {
	payload := dataLines(frame)
	if payload == "" || !strings.Contains(payload, marker) {
		return frame
	}

	var raw map[string]any
	if err := json.Unmarshal([]byte(payload), &raw); err != nil {
		return frame
	}
	candidates, ok := raw["candidates"].([]any)
	if !ok {
		return frame
	}
	for _, c := range candidates {
		cand, ok := c.(map[string]any)
		if !ok {
			continue
		}
		content, ok := cand["content"].(map[string]any)
		if !ok {
			continue
		}
		parts, ok := content["parts"].([]any)
		if !ok {
			continue
		}
		for _, p := range parts {
			part, ok := p.(map[string]any)
			if !ok {
				continue
			}
			text, ok := part["text"].(string)
			if !ok {
				continue
			}
			part["text"] = strings.Replace(text, marker, "", 1)
		}
	}

	stripped, err := json.Marshal(raw)
	if err != nil {
		return frame
	}
	return []byte("data: " + string(stripped) + "\n\n")
}

func (geminiParser) BuildDeltaFrame(text string) []byte {
	payload, _ := json.Marshal(map[string]any{
		"candidates": []map[string]any{{"content": map[string]any{"parts": []map[string]any{{"text": text}}}}},
	})
	return []byte("data: " + string(payload) + "\n\n")
}

func (geminiParser) EndFrame() []byte {
	return nil
}

func (geminiParser) SuppressOnContinuation([]byte) bool {
	return false
}
