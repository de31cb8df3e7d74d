package transform

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/BaSui01/gateflow/types"
)

// =============================================================================
// 📥 响应归一
// =============================================================================
// 把厂商异构响应折叠为 OpenAI 形状的规范响应。OpenAI 协议直通。

// Normalize 归一非流式响应
func Normalize(protocol types.Protocol, raw []byte, fallbackModel string) (*types.ChatResponse, error) {
	switch protocol {
	case types.ProtocolAnthropic:
		return normalizeAnthropic(raw, fallbackModel)
	case types.ProtocolGemini, types.ProtocolGoogle:
		return normalizeGemini(raw, fallbackModel)
	default:
		var resp types.ChatResponse
		if err := json.Unmarshal(raw, &resp); err != nil {
			return nil, fmt.Errorf("decode openai response: %w", err)
		}
		if resp.Model == "" {
			resp.Model = fallbackModel
		}
		return &resp, nil
	}
}

// MapFinishReason 厂商结束原因 → OpenAI finish_reason
func MapFinishReason(reason string) string {
	if reason == "" {
		return ""
	}
	switch strings.ToLower(reason) {
	case "stop", "end_turn", "stop_sequence", "completed":
		return "stop"
	case "max_tokens", "length":
		return "length"
	case "tool_use", "tool_calls", "function_call":
		return "tool_calls"
	case "safety", "recitation", "content_filter":
		return "content_filter"
	default:
		return strings.ToLower(reason)
	}
}

// ---- Anthropic ----

type anthropicResponse struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Content []struct {
		Type  string          `json:"type"`
		Text  string          `json:"text"`
		ID    string          `json:"id"`
		Name  string          `json:"name"`
		Input json.RawMessage `json:"input"`
	} `json:"content"`
	StopReason string `json:"stop_reason"`
	Usage      struct {
		InputTokens          int `json:"input_tokens"`
		OutputTokens         int `json:"output_tokens"`
		CacheReadInputTokens int `json:"cache_read_input_tokens"`
	} `json:"usage"`
}

func normalizeAnthropic(raw []byte, fallbackModel string) (*types.ChatResponse, error) {
	var ar anthropicResponse
	if err := json.Unmarshal(raw, &ar); err != nil {
		return nil, fmt.Errorf("decode anthropic response: %w", err)
	}

	var content strings.Builder
	var toolCalls []types.ToolCall
	for _, block := range ar.Content {
		switch block.Type {
		case "text":
			content.WriteString(block.Text)
		case "tool_use":
			toolCalls = append(toolCalls, types.ToolCall{
				ID:   block.ID,
				Type: "function",
				Function: types.FunctionCall{
					Name:      block.Name,
					Arguments: string(block.Input),
				},
			})
		}
	}

	model := ar.Model
	if model == "" {
		model = fallbackModel
	}
	return &types.ChatResponse{
		ID:      ar.ID,
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   model,
		Choices: []types.Choice{{
			Index: 0,
			Message: types.ChatMessage{
				Role:      types.RoleAssistant,
				Content:   content.String(),
				ToolCalls: toolCalls,
			},
			FinishReason: MapFinishReason(ar.StopReason),
		}},
		Usage: types.Usage{
			PromptTokens:     ar.Usage.InputTokens,
			CompletionTokens: ar.Usage.OutputTokens,
			TotalTokens:      ar.Usage.InputTokens + ar.Usage.OutputTokens,
			CacheReadTokens:  ar.Usage.CacheReadInputTokens,
		},
	}, nil
}

// ---- Gemini ----

type geminiResponse struct {
	Candidates []struct {
		Content struct {
			Parts []struct {
				Text         string `json:"text"`
				FunctionCall *struct {
					Name string          `json:"name"`
					Args json.RawMessage `json:"args"`
				} `json:"functionCall"`
			} `json:"parts"`
		} `json:"content"`
		FinishReason string `json:"finishReason"`
	} `json:"candidates"`
	UsageMetadata struct {
		PromptTokenCount     int `json:"promptTokenCount"`
		CandidatesTokenCount int `json:"candidatesTokenCount"`
		TotalTokenCount      int `json:"totalTokenCount"`
	} `json:"usageMetadata"`
}

func normalizeGemini(raw []byte, fallbackModel string) (*types.ChatResponse, error) {
	var gr geminiResponse
	if err := json.Unmarshal(raw, &gr); err != nil {
		return nil, fmt.Errorf("decode gemini response: %w", err)
	}

	resp := &types.ChatResponse{
		ID:      "gemini-" + fmt.Sprintf("%d", time.Now().UnixNano()),
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   fallbackModel,
		Usage: types.Usage{
			PromptTokens:     gr.UsageMetadata.PromptTokenCount,
			CompletionTokens: gr.UsageMetadata.CandidatesTokenCount,
			TotalTokens:      gr.UsageMetadata.TotalTokenCount,
		},
	}

	if len(gr.Candidates) == 0 {
		return resp, nil
	}
	cand := gr.Candidates[0]

	var content strings.Builder
	var toolCalls []types.ToolCall
	for i, part := range cand.Content.Parts {
		if part.FunctionCall != nil {
			args := string(part.FunctionCall.Args)
			if args == "" {
				args = "{}"
			}
			toolCalls = append(toolCalls, types.ToolCall{
				ID:   fmt.Sprintf("gemini-func-%d", i),
				Type: "function",
				Function: types.FunctionCall{
					Name:      part.FunctionCall.Name,
					Arguments: args,
				},
			})
			continue
		}
		content.WriteString(part.Text)
	}

	resp.Choices = []types.Choice{{
		Index: 0,
		Message: types.ChatMessage{
			Role:      types.RoleAssistant,
			Content:   content.String(),
			ToolCalls: toolCalls,
		},
		FinishReason: MapFinishReason(cand.FinishReason),
	}}
	return resp, nil
}

// =============================================================================
// 🌊 流式帧归一
// =============================================================================

// StreamEvent 一个上游流帧折叠出的增量。
// Usage 非 nil 表示该帧携带了用量统计（可能是分段的）。
type StreamEvent struct {
	ContentDelta string
	ToolCalls    []types.ToolCall
	FinishReason string
	Usage        *types.Usage
	// Done 标记协议级别的流结束（OpenAI [DONE]、Anthropic message_stop）
	Done bool
}

// NormalizeStreamData 解析一条 SSE data 载荷为统一增量。
// 无法识别的事件返回空事件而非错误，保持流继续。
func NormalizeStreamData(protocol types.Protocol, data []byte) (StreamEvent, error) {
	trimmed := strings.TrimSpace(string(data))
	if trimmed == "" {
		return StreamEvent{}, nil
	}
	if trimmed == "[DONE]" {
		return StreamEvent{Done: true}, nil
	}

	switch protocol {
	case types.ProtocolAnthropic:
		return normalizeAnthropicEvent([]byte(trimmed))
	case types.ProtocolGemini, types.ProtocolGoogle:
		return normalizeGeminiEvent([]byte(trimmed))
	default:
		return normalizeOpenAIChunk([]byte(trimmed))
	}
}

func normalizeOpenAIChunk(data []byte) (StreamEvent, error) {
	var chunk types.StreamChunk
	if err := json.Unmarshal(data, &chunk); err != nil {
		return StreamEvent{}, fmt.Errorf("decode openai chunk: %w", err)
	}
	ev := StreamEvent{Usage: chunk.Usage}
	if len(chunk.Choices) > 0 {
		c := chunk.Choices[0]
		ev.ContentDelta = c.Delta.Content
		ev.ToolCalls = c.Delta.ToolCalls
		if c.FinishReason != nil {
			ev.FinishReason = MapFinishReason(*c.FinishReason)
		}
	}
	return ev, nil
}

type anthropicEvent struct {
	Type    string `json:"type"`
	Message struct {
		Usage struct {
			InputTokens int `json:"input_tokens"`
		} `json:"usage"`
	} `json:"message"`
	Delta struct {
		Type       string `json:"type"`
		Text       string `json:"text"`
		StopReason string `json:"stop_reason"`
	} `json:"delta"`
	Usage struct {
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

func normalizeAnthropicEvent(data []byte) (StreamEvent, error) {
	var ae anthropicEvent
	if err := json.Unmarshal(data, &ae); err != nil {
		return StreamEvent{}, fmt.Errorf("decode anthropic event: %w", err)
	}

	switch ae.Type {
	case "message_start":
		return StreamEvent{Usage: &types.Usage{PromptTokens: ae.Message.Usage.InputTokens}}, nil
	case "content_block_delta":
		return StreamEvent{ContentDelta: ae.Delta.Text}, nil
	case "message_delta":
		ev := StreamEvent{Usage: &types.Usage{CompletionTokens: ae.Usage.OutputTokens}}
		if ae.Delta.StopReason != "" {
			ev.FinishReason = MapFinishReason(ae.Delta.StopReason)
		}
		return ev, nil
	case "message_stop":
		return StreamEvent{Done: true}, nil
	default:
		// ping、content_block_start 等事件不产生增量
		return StreamEvent{}, nil
	}
}

func normalizeGeminiEvent(data []byte) (StreamEvent, error) {
	resp, err := normalizeGemini(data, "")
	if err != nil {
		return StreamEvent{}, err
	}
	ev := StreamEvent{}
	if len(resp.Choices) > 0 {
		ev.ContentDelta = resp.Choices[0].Message.Content
		ev.ToolCalls = resp.Choices[0].Message.ToolCalls
		if resp.Choices[0].FinishReason != "" {
			ev.FinishReason = resp.Choices[0].FinishReason
		}
	}
	if resp.Usage.TotalTokens > 0 {
		u := resp.Usage
		ev.Usage = &u
	}
	return ev, nil
}
