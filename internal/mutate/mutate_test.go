package mutate

import (
	"testing"

	"antitrunc-relay/internal/protocol"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
)

func TestInjectDoneMarkerInstruction_OpenAI_NoSystemMessage(t *testing.T) {
	body := []byte(`{"model":"gpt-4o","messages":[{"role":"user","content":"hi"}],"temperature":0.5}`)

	out, err := InjectDoneMarkerInstruction(protocol.OpenAI, body, "[done]")
	require.NoError(t, err)

	assert.Equal(t, "system", gjson.GetBytes(out, "messages.0.role").String())
	assert.Contains(t, gjson.GetBytes(out, "messages.0.content").String(), "[done]")
	assert.Equal(t, "user", gjson.GetBytes(out, "messages.1.role").String())
	assert.Equal(t, "hi", gjson.GetBytes(out, "messages.1.content").String())
	assert.Equal(t, 0.5, gjson.GetBytes(out, "temperature").Float())
	assert.Equal(t, "gpt-4o", gjson.GetBytes(out, "model").String())
}

func TestInjectDoneMarkerInstruction_OpenAI_ExistingSystemMessage(t *testing.T) {
	body := []byte(`{"messages":[{"role":"system","content":"be terse"},{"role":"user","content":"hi"}]}`)

	out, err := InjectDoneMarkerInstruction(protocol.OpenAI, body, "[done]")
	require.NoError(t, err)

	content := gjson.GetBytes(out, "messages.0.content").String()
	assert.Contains(t, content, "be terse")
	assert.Contains(t, content, "[done]")
	assert.Equal(t, 2, len(gjson.GetBytes(out, "messages").Array()))
}

func TestInjectDoneMarkerInstruction_OpenAI_MultimodalSystemContent(t *testing.T) {
	body := []byte(`{"messages":[{"role":"system","content":[{"type":"text","text":"be terse"}]},{"role":"user","content":"hi"}]}`)

	out, err := InjectDoneMarkerInstruction(protocol.OpenAI, body, "[done]")
	require.NoError(t, err)

	blocks := gjson.GetBytes(out, "messages.0.content").Array()
	require.Len(t, blocks, 2)
	assert.Equal(t, "be terse", blocks[0].Get("text").String())
	assert.Contains(t, blocks[1].Get("text").String(), "[done]")
	assert.Equal(t, 2, len(gjson.GetBytes(out, "messages").Array()))
}

func TestInjectDoneMarkerInstruction_Gemini_NoSystemInstruction(t *testing.T) {
	body := []byte(`{"contents":[{"role":"user","parts":[{"text":"hi"}]}]}`)

	out, err := InjectDoneMarkerInstruction(protocol.Gemini, body, "[done]")
	require.NoError(t, err)

	assert.Contains(t, gjson.GetBytes(out, "systemInstruction.parts.0.text").String(), "[done]")
	assert.Equal(t, "hi", gjson.GetBytes(out, "contents.0.parts.0.text").String())
}

func TestInjectDoneMarkerInstruction_Gemini_ExistingSystemInstruction(t *testing.T) {
	body := []byte(`{"systemInstruction":{"parts":[{"text":"be terse"}]},"contents":[]}`)

	out, err := InjectDoneMarkerInstruction(protocol.Gemini, body, "[done]")
	require.NoError(t, err)

	parts := gjson.GetBytes(out, "systemInstruction.parts").Array()
	require.Len(t, parts, 2)
	assert.Equal(t, "be terse", parts[0].Get("text").String())
	assert.Contains(t, parts[1].Get("text").String(), "[done]")
}

func TestInjectDoneMarkerInstruction_Claude_NoSystem(t *testing.T) {
	body := []byte(`{"model":"claude-3","messages":[{"role":"user","content":"hi"}]}`)

	out, err := InjectDoneMarkerInstruction(protocol.Claude, body, "[done]")
	require.NoError(t, err)

	assert.Contains(t, gjson.GetBytes(out, "system").String(), "[done]")
}

func TestInjectDoneMarkerInstruction_Claude_StringSystem(t *testing.T) {
	body := []byte(`{"system":"be terse","messages":[]}`)

	out, err := InjectDoneMarkerInstruction(protocol.Claude, body, "[done]")
	require.NoError(t, err)

	sys := gjson.GetBytes(out, "system").String()
	assert.Contains(t, sys, "be terse")
	assert.Contains(t, sys, "[done]")
}

func TestInjectDoneMarkerInstruction_Claude_ArraySystem(t *testing.T) {
	body := []byte(`{"system":[{"type":"text","text":"be terse"}],"messages":[]}`)

	out, err := InjectDoneMarkerInstruction(protocol.Claude, body, "[done]")
	require.NoError(t, err)

	blocks := gjson.GetBytes(out, "system").Array()
	require.Len(t, blocks, 2)
	assert.Equal(t, "be terse", blocks[0].Get("text").String())
	assert.Contains(t, blocks[1].Get("text").String(), "[done]")
}

func TestInjectContinuation_OpenAI(t *testing.T) {
	body := []byte(`{"messages":[{"role":"user","content":"hi"}]}`)

	out, err := InjectContinuation(protocol.OpenAI, body, "partial answer", "continue please")
	require.NoError(t, err)

	msgs := gjson.GetBytes(out, "messages").Array()
	require.Len(t, msgs, 3)
	assert.Equal(t, "assistant", msgs[1].Get("role").String())
	assert.Equal(t, "partial answer", msgs[1].Get("content").String())
	assert.Equal(t, "user", msgs[2].Get("role").String())
	assert.Equal(t, "continue please", msgs[2].Get("content").String())
}

func TestInjectContinuation_Gemini(t *testing.T) {
	body := []byte(`{"contents":[{"role":"user","parts":[{"text":"hi"}]}]}`)

	out, err := InjectContinuation(protocol.Gemini, body, "partial", "continue")
	require.NoError(t, err)

	contents := gjson.GetBytes(out, "contents").Array()
	require.Len(t, contents, 3)
	assert.Equal(t, "model", contents[1].Get("role").String())
	assert.Equal(t, "partial", contents[1].Get("parts.0.text").String())
	assert.Equal(t, "user", contents[2].Get("role").String())
	assert.Equal(t, "continue", contents[2].Get("parts.0.text").String())
}

func TestInjectContinuation_Claude(t *testing.T) {
	body := []byte(`{"messages":[]}`)

	out, err := InjectContinuation(protocol.Claude, body, "partial", "continue")
	require.NoError(t, err)

	msgs := gjson.GetBytes(out, "messages").Array()
	require.Len(t, msgs, 2)
	assert.Equal(t, "assistant", msgs[0].Get("role").String())
	assert.Equal(t, "user", msgs[1].Get("role").String())
}

func TestInjectDoneMarkerInstruction_PreservesUnrelatedFields(t *testing.T) {
	body := []byte(`{"model":"gpt-4o","messages":[{"role":"user","content":"hi"}],"tools":[{"type":"function","function":{"name":"f"}}],"stream":true}`)

	out, err := InjectDoneMarkerInstruction(protocol.OpenAI, body, "[done]")
	require.NoError(t, err)

	assert.Equal(t, "f", gjson.GetBytes(out, "tools.0.function.name").String())
	assert.True(t, gjson.GetBytes(out, "stream").Bool())
}
