// Package mutate implements the request mutator: injecting the
// done-marker system instruction into a client's request body, and
// building the continuation request body sent on a retry attempt. Every
// edit is applied as a surgical raw-JSON patch via gjson/sjson so that
// every field the caller didn't touch survives byte-for-byte.
package mutate

import (
	"fmt"

	"antitrunc-relay/internal/protocol"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

func doneMarkerInstruction(marker string) string {
	return fmt.Sprintf(
		"When, and only when, your response is fully complete, output the exact marker %q "+
			"on its own, after all other content, with nothing following it.",
		marker,
	)
}

// InjectDoneMarkerInstruction adds the done-marker system instruction to
// body in the place each protocol's system prompt lives, returning the
// rewritten body. The instruction is the only content ever added here;
// every other field of body is preserved verbatim.
func InjectDoneMarkerInstruction(kind protocol.Kind, body []byte, marker string) ([]byte, error) {
	instruction := doneMarkerInstruction(marker)
	switch kind {
	case protocol.OpenAI:
		return injectOpenAISystemInstruction(body, instruction)
	case protocol.Gemini:
		return injectGeminiSystemInstruction(body, instruction)
	case protocol.Claude:
		return injectClaudeSystemInstruction(body, instruction)
	default:
		return nil, fmt.Errorf("mutate: unknown protocol %q", kind)
	}
}

// InjectContinuation appends an assistant turn carrying collectedText and a
// user turn carrying continuationPrompt to body's conversation history,
// returning the rewritten body used for the next attempt.
func InjectContinuation(kind protocol.Kind, body []byte, collectedText, continuationPrompt string) ([]byte, error) {
	switch kind {
	case protocol.OpenAI, protocol.Claude:
		return appendTurns(body, "messages", collectedText, continuationPrompt)
	case protocol.Gemini:
		return appendGeminiTurns(body, collectedText, continuationPrompt)
	default:
		return nil, fmt.Errorf("mutate: unknown protocol %q", kind)
	}
}

// injectOpenAISystemInstruction matches OpenAI chat-completions semantics:
// merge into messages[0] if it is already a system message, otherwise
// insert a new leading system message.
func injectOpenAISystemInstruction(body []byte, instruction string) ([]byte, error) {
	first := gjson.GetBytes(body, "messages.0")
	if first.Get("role").String() != "system" {
		return prependArrayElement(body, "messages", systemMessageJSON(instruction))
	}

	content := first.Get("content")
	if content.IsArray() {
		block := fmt.Sprintf(`{"type":"text","text":%s}`, jsonString(instruction))
		return appendArrayElement(body, "messages.0.content", block)
	}

	existing := content.String()
	merged := existing
	if merged != "" {
		merged += "\n\n"
	}
	merged += instruction
	return sjson.SetBytes(body, "messages.0.content", merged)
}

// injectClaudeSystemInstruction matches Anthropic messages semantics: the
// top-level "system" field may be absent, a string, or (in newer payloads)
// a list of content blocks.
func injectClaudeSystemInstruction(body []byte, instruction string) ([]byte, error) {
	sys := gjson.GetBytes(body, "system")
	switch {
	case !sys.Exists():
		return sjson.SetBytes(body, "system", instruction)
	case sys.IsArray():
		block := fmt.Sprintf(`{"type":"text","text":%s}`, jsonString(instruction))
		return appendArrayElement(body, "system", block)
	default:
		merged := sys.String()
		if merged != "" {
			merged += "\n\n"
		}
		merged += instruction
		return sjson.SetBytes(body, "system", merged)
	}
}

// injectGeminiSystemInstruction matches generateContent semantics: a new
// part is appended to systemInstruction.parts, creating the
// systemInstruction object if it doesn't exist.
func injectGeminiSystemInstruction(body []byte, instruction string) ([]byte, error) {
	part := fmt.Sprintf(`{"text":%s}`, jsonString(instruction))
	if !gjson.GetBytes(body, "systemInstruction").Exists() {
		instr := fmt.Sprintf(`{"parts":[%s]}`, part)
		return sjson.SetRawBytes(body, "systemInstruction", []byte(instr))
	}
	return appendArrayElement(body, "systemInstruction.parts", part)
}

func systemMessageJSON(instruction string) string {
	return fmt.Sprintf(`{"role":"system","content":%s}`, jsonString(instruction))
}

// appendTurns appends an assistant-then-user message pair carrying
// collectedText/continuationPrompt to the array at path (OpenAI/Claude
// share the "messages" shape).
func appendTurns(body []byte, path, collectedText, continuationPrompt string) ([]byte, error) {
	assistantTurn := fmt.Sprintf(`{"role":"assistant","content":%s}`, jsonString(collectedText))
	userTurn := fmt.Sprintf(`{"role":"user","content":%s}`, jsonString(continuationPrompt))
	body, err := appendArrayElement(body, path, assistantTurn)
	if err != nil {
		return nil, err
	}
	return appendArrayElement(body, path, userTurn)
}

// appendGeminiTurns appends a model-then-user content pair to "contents".
func appendGeminiTurns(body []byte, collectedText, continuationPrompt string) ([]byte, error) {
	modelTurn := fmt.Sprintf(`{"role":"model","parts":[{"text":%s}]}`, jsonString(collectedText))
	userTurn := fmt.Sprintf(`{"role":"user","parts":[{"text":%s}]}`, jsonString(continuationPrompt))
	body, err := appendArrayElement(body, "contents", modelTurn)
	if err != nil {
		return nil, err
	}
	return appendArrayElement(body, "contents", userTurn)
}

// prependArrayElement inserts elementJSON as the first element of the
// array at path, preserving every existing element's raw bytes. The array
// is created if path doesn't exist yet.
func prependArrayElement(body []byte, path, elementJSON string) ([]byte, error) {
	existing := gjson.GetBytes(body, path)
	if !existing.Exists() || !existing.IsArray() {
		return sjson.SetRawBytes(body, path, []byte("["+elementJSON+"]"))
	}
	inner := innerArrayText(existing.Raw)
	var newArray string
	if inner == "" {
		newArray = "[" + elementJSON + "]"
	} else {
		newArray = "[" + elementJSON + "," + inner + "]"
	}
	return sjson.SetRawBytes(body, path, []byte(newArray))
}

// appendArrayElement inserts elementJSON as the last element of the array
// at path, preserving every existing element's raw bytes.
func appendArrayElement(body []byte, path, elementJSON string) ([]byte, error) {
	existing := gjson.GetBytes(body, path)
	if !existing.Exists() || !existing.IsArray() {
		return sjson.SetRawBytes(body, path, []byte("["+elementJSON+"]"))
	}
	inner := innerArrayText(existing.Raw)
	var newArray string
	if inner == "" {
		newArray = "[" + elementJSON + "]"
	} else {
		newArray = "[" + inner + "," + elementJSON + "]"
	}
	return sjson.SetRawBytes(body, path, []byte(newArray))
}

// innerArrayText strips the outer brackets from a raw JSON array literal.
func innerArrayText(raw string) string {
	trimmed := trimSpace(raw)
	if len(trimmed) < 2 {
		return ""
	}
	inner := trimSpace(trimmed[1 : len(trimmed)-1])
	return inner
}

func trimSpace(s string) string {
	start, end := 0, len(s)
	for start < end && isJSONSpace(s[start]) {
		start++
	}
	for end > start && isJSONSpace(s[end-1]) {
		end--
	}
	return s[start:end]
}

func isJSONSpace(b byte) bool {
	return b == ' ' || b == '\t' || b == '\n' || b == '\r'
}

// jsonString returns s encoded as a JSON string literal.
func jsonString(s string) string {
	encoded, _ := sjson.SetBytes([]byte("{}"), "v", s)
	return gjson.GetBytes(encoded, "v").Raw
}
