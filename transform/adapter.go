package transform

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/BaSui01/gateflow/types"
)

// =============================================================================
// 🚪 入口协议适配
// =============================================================================
// 三个聊天入口都折叠为规范请求（OpenAI Chat 形状），后续步骤只认规范格式。

// AdaptOpenAIChat OpenAI 兼容入口直通解析
func AdaptOpenAIChat(raw []byte) (*types.ChatRequest, error) {
	var req types.ChatRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		return nil, badRequest("malformed chat completions payload", err)
	}
	return &req, nil
}

// anthropicMessagesRequest Anthropic /v1/messages 线格式（入口侧）
type anthropicMessagesRequest struct {
	Model    string `json:"model"`
	System   any    `json:"system"`
	Messages []struct {
		Role    string          `json:"role"`
		Content json.RawMessage `json:"content"`
	} `json:"messages"`
	MaxTokens     int      `json:"max_tokens"`
	Temperature   *float64 `json:"temperature"`
	TopP          *float64 `json:"top_p"`
	Stream        bool     `json:"stream"`
	StopSequences []string `json:"stop_sequences"`
}

// AdaptAnthropicMessages /v1/messages → 规范请求。
// system 折叠为首条 system 消息；内容块列表只拼接 text 块。
func AdaptAnthropicMessages(raw []byte) (*types.ChatRequest, error) {
	var ar anthropicMessagesRequest
	if err := json.Unmarshal(raw, &ar); err != nil {
		return nil, badRequest("malformed anthropic messages payload", err)
	}

	req := &types.ChatRequest{
		Model:       ar.Model,
		MaxTokens:   ar.MaxTokens,
		Temperature: ar.Temperature,
		TopP:        ar.TopP,
		Stream:      ar.Stream,
		Stop:        ar.StopSequences,
	}

	if system := flattenSystem(ar.System); system != "" {
		req.Messages = append(req.Messages, types.ChatMessage{
			Role:    types.RoleSystem,
			Content: system,
		})
	}

	for _, m := range ar.Messages {
		content, err := flattenContent(m.Content)
		if err != nil {
			return nil, badRequest("malformed message content", err)
		}
		req.Messages = append(req.Messages, types.ChatMessage{
			Role:      types.Role(m.Role),
			Content:   content,
			RawBlocks: m.Content,
		})
	}
	return req, nil
}

// responsesRequest OpenAI /v1/responses 线格式（入口侧）
type responsesRequest struct {
	Model           string          `json:"model"`
	Input           json.RawMessage `json:"input"`
	Instructions    string          `json:"instructions"`
	MaxOutputTokens int             `json:"max_output_tokens"`
	Temperature     *float64        `json:"temperature"`
	Stream          bool            `json:"stream"`
}

// AdaptResponses /v1/responses → 规范请求。
// input 字符串或列表折叠为单条 user 消息，instructions 进 system。
func AdaptResponses(raw []byte) (*types.ChatRequest, error) {
	var rr responsesRequest
	if err := json.Unmarshal(raw, &rr); err != nil {
		return nil, badRequest("malformed responses payload", err)
	}

	input, err := flattenInput(rr.Input)
	if err != nil {
		return nil, badRequest("malformed responses input", err)
	}

	req := &types.ChatRequest{
		Model:       rr.Model,
		MaxTokens:   rr.MaxOutputTokens,
		Temperature: rr.Temperature,
		Stream:      rr.Stream,
	}
	if rr.Instructions != "" {
		req.Messages = append(req.Messages, types.ChatMessage{
			Role:    types.RoleSystem,
			Content: rr.Instructions,
		})
	}
	req.Messages = append(req.Messages, types.ChatMessage{
		Role:    types.RoleUser,
		Content: input,
	})
	return req, nil
}

// flattenSystem Anthropic system 可以是字符串或内容块列表
func flattenSystem(system any) string {
	switch v := system.(type) {
	case string:
		return v
	case []any:
		var parts []string
		for _, block := range v {
			if m, ok := block.(map[string]any); ok {
				if text, ok := m["text"].(string); ok {
					parts = append(parts, text)
				}
			}
		}
		return strings.Join(parts, "\n")
	default:
		return ""
	}
}

// flattenContent 消息内容字符串直通，内容块列表拼接 text 块
func flattenContent(raw json.RawMessage) (string, error) {
	if len(raw) == 0 {
		return "", nil
	}

	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s, nil
	}

	var blocks []map[string]any
	if err := json.Unmarshal(raw, &blocks); err != nil {
		return "", fmt.Errorf("content is neither string nor block list")
	}
	var parts []string
	for _, block := range blocks {
		if block["type"] == "text" {
			if text, ok := block["text"].(string); ok {
				parts = append(parts, text)
			}
		}
	}
	return strings.Join(parts, "\n"), nil
}

// flattenInput responses input 字符串直通，列表逐项拼接
func flattenInput(raw json.RawMessage) (string, error) {
	if len(raw) == 0 {
		return "", nil
	}

	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s, nil
	}

	var items []any
	if err := json.Unmarshal(raw, &items); err != nil {
		return "", fmt.Errorf("input is neither string nor list")
	}
	var parts []string
	for _, item := range items {
		switch v := item.(type) {
		case string:
			parts = append(parts, v)
		case map[string]any:
			if text, ok := v["text"].(string); ok {
				parts = append(parts, text)
			} else if content, ok := v["content"].(string); ok {
				parts = append(parts, content)
			}
		}
	}
	return strings.Join(parts, "\n"), nil
}

func badRequest(msg string, cause error) *types.Error {
	return types.NewError(types.SourceClient, types.ErrBadRequest, msg).
		WithCause(cause).WithHTTPStatus(400)
}
