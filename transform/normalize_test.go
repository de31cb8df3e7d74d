package transform

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BaSui01/gateflow/types"
)

func TestNormalize_OpenAIPassthrough(t *testing.T) {
	raw := []byte(`{
		"id": "chatcmpl-1",
		"object": "chat.completion",
		"choices": [{"index":0,"message":{"role":"assistant","content":"hi"},"finish_reason":"stop"}],
		"usage": {"prompt_tokens":10,"completion_tokens":5,"total_tokens":15}
	}`)

	resp, err := Normalize(types.ProtocolOpenAI, raw, "gpt-4")
	require.NoError(t, err)
	assert.Equal(t, "chatcmpl-1", resp.ID)
	assert.Equal(t, "gpt-4", resp.Model, "missing model filled from fallback")
	assert.Equal(t, "hi", resp.FirstContent())
	assert.Equal(t, 15, resp.Usage.TotalTokens)
}

func TestNormalize_Anthropic(t *testing.T) {
	raw := []byte(`{
		"id": "msg_01",
		"model": "claude-3-5-sonnet",
		"content": [
			{"type": "text", "text": "The answer "},
			{"type": "text", "text": "is 42."},
			{"type": "tool_use", "id": "tu_1", "name": "lookup", "input": {"q": "x"}}
		],
		"stop_reason": "end_turn",
		"usage": {"input_tokens": 20, "output_tokens": 8, "cache_read_input_tokens": 4}
	}`)

	resp, err := Normalize(types.ProtocolAnthropic, raw, "claude")
	require.NoError(t, err)
	require.Len(t, resp.Choices, 1)

	msg := resp.Choices[0].Message
	assert.Equal(t, "The answer is 42.", msg.Content, "text blocks concatenated")
	require.Len(t, msg.ToolCalls, 1)
	assert.Equal(t, "lookup", msg.ToolCalls[0].Function.Name)
	assert.JSONEq(t, `{"q":"x"}`, msg.ToolCalls[0].Function.Arguments)

	assert.Equal(t, "stop", resp.Choices[0].FinishReason, "end_turn maps to stop")
	assert.Equal(t, 20, resp.Usage.PromptTokens)
	assert.Equal(t, 8, resp.Usage.CompletionTokens)
	assert.Equal(t, 28, resp.Usage.TotalTokens)
	assert.Equal(t, 4, resp.Usage.CacheReadTokens)
}

func TestNormalize_Gemini(t *testing.T) {
	raw := []byte(`{
		"candidates": [{
			"content": {"parts": [
				{"text": "It is "},
				{"functionCall": {"name": "get_weather", "args": {"city": "SF"}}},
				{"text": "sunny."}
			]},
			"finishReason": "MAX_TOKENS"
		}],
		"usageMetadata": {"promptTokenCount": 12, "candidatesTokenCount": 7, "totalTokenCount": 19}
	}`)

	resp, err := Normalize(types.ProtocolGemini, raw, "gemini-1.5-pro")
	require.NoError(t, err)
	require.Len(t, resp.Choices, 1)

	msg := resp.Choices[0].Message
	assert.Equal(t, "It is sunny.", msg.Content)
	require.Len(t, msg.ToolCalls, 1)
	assert.Equal(t, "get_weather", msg.ToolCalls[0].Function.Name)
	assert.JSONEq(t, `{"city":"SF"}`, msg.ToolCalls[0].Function.Arguments)

	assert.Equal(t, "length", resp.Choices[0].FinishReason, "MAX_TOKENS maps to length")
	assert.Equal(t, 19, resp.Usage.TotalTokens)
}

func TestMapFinishReason(t *testing.T) {
	assert.Equal(t, "stop", MapFinishReason("end_turn"))
	assert.Equal(t, "stop", MapFinishReason("STOP"))
	assert.Equal(t, "length", MapFinishReason("max_tokens"))
	assert.Equal(t, "tool_calls", MapFinishReason("tool_use"))
	assert.Equal(t, "content_filter", MapFinishReason("SAFETY"))
	assert.Equal(t, "", MapFinishReason(""))
	assert.Equal(t, "weird", MapFinishReason("WEIRD"))
}

func TestNormalizeStreamData_OpenAI(t *testing.T) {
	ev, err := NormalizeStreamData(types.ProtocolOpenAI, []byte(`{"choices":[{"index":0,"delta":{"content":"he"}}]}`))
	require.NoError(t, err)
	assert.Equal(t, "he", ev.ContentDelta)
	assert.False(t, ev.Done)

	ev, err = NormalizeStreamData(types.ProtocolOpenAI, []byte(`{"choices":[{"index":0,"delta":{},"finish_reason":"stop"}],"usage":{"prompt_tokens":3,"completion_tokens":2,"total_tokens":5}}`))
	require.NoError(t, err)
	assert.Equal(t, "stop", ev.FinishReason)
	require.NotNil(t, ev.Usage)
	assert.Equal(t, 5, ev.Usage.TotalTokens)

	ev, err = NormalizeStreamData(types.ProtocolOpenAI, []byte("[DONE]"))
	require.NoError(t, err)
	assert.True(t, ev.Done)
}

func TestNormalizeStreamData_Anthropic(t *testing.T) {
	ev, err := NormalizeStreamData(types.ProtocolAnthropic, []byte(`{"type":"message_start","message":{"usage":{"input_tokens":9}}}`))
	require.NoError(t, err)
	require.NotNil(t, ev.Usage)
	assert.Equal(t, 9, ev.Usage.PromptTokens)

	ev, err = NormalizeStreamData(types.ProtocolAnthropic, []byte(`{"type":"content_block_delta","delta":{"type":"text_delta","text":"hel"}}`))
	require.NoError(t, err)
	assert.Equal(t, "hel", ev.ContentDelta)

	ev, err = NormalizeStreamData(types.ProtocolAnthropic, []byte(`{"type":"message_delta","delta":{"stop_reason":"end_turn"},"usage":{"output_tokens":6}}`))
	require.NoError(t, err)
	assert.Equal(t, "stop", ev.FinishReason)
	require.NotNil(t, ev.Usage)
	assert.Equal(t, 6, ev.Usage.CompletionTokens)

	ev, err = NormalizeStreamData(types.ProtocolAnthropic, []byte(`{"type":"message_stop"}`))
	require.NoError(t, err)
	assert.True(t, ev.Done)

	// ping 等事件不产生增量
	ev, err = NormalizeStreamData(types.ProtocolAnthropic, []byte(`{"type":"ping"}`))
	require.NoError(t, err)
	assert.Equal(t, StreamEvent{}, ev)
}
