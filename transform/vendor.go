package transform

import (
	"encoding/json"
	"fmt"

	"github.com/BaSui01/gateflow/types"
)

// =============================================================================
// 🏭 vendor 构建器
// =============================================================================
// engine=vendor 时不走合并补丁，而是从规范请求直接物化厂商线格式。

func buildVendorBody(cand *types.UpstreamCandidate, req *types.ChatRequest) (map[string]any, error) {
	switch cand.Protocol {
	case types.ProtocolAnthropic:
		return buildAnthropicBody(req, cand.UpstreamModel), nil
	case types.ProtocolGemini, types.ProtocolGoogle:
		return buildGeminiBody(req), nil
	case types.ProtocolOpenAI, types.ProtocolAzure, types.ProtocolCustom:
		return buildResponsesBody(req, cand.UpstreamModel), nil
	default:
		return nil, types.NewError(types.SourceGateway, types.ErrTemplateRenderFailed,
			fmt.Sprintf("no vendor builder for protocol %s", cand.Protocol)).WithHTTPStatus(502)
	}
}

// buildAnthropicBody 规范请求 → Anthropic /v1/messages 线格式。
// system 消息提出到顶层 system 字段，max_tokens 必填（缺省 4096）。
func buildAnthropicBody(req *types.ChatRequest, upstreamModel string) map[string]any {
	var system string
	messages := make([]map[string]any, 0, len(req.Messages))
	for _, m := range req.Messages {
		if m.Role == types.RoleSystem {
			if system != "" {
				system += "\n"
			}
			system += m.Content
			continue
		}
		messages = append(messages, map[string]any{
			"role":    string(m.Role),
			"content": m.Content,
		})
	}

	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 4096
	}

	body := map[string]any{
		"model":      upstreamModel,
		"messages":   messages,
		"max_tokens": maxTokens,
	}
	if system != "" {
		body["system"] = system
	}
	if req.Temperature != nil {
		body["temperature"] = *req.Temperature
	}
	if req.TopP != nil {
		body["top_p"] = *req.TopP
	}
	if req.Stream {
		body["stream"] = true
	}
	if len(req.Stop) > 0 {
		body["stop_sequences"] = req.Stop
	}
	if len(req.Tools) > 0 {
		tools := make([]map[string]any, 0, len(req.Tools))
		for _, t := range req.Tools {
			tools = append(tools, map[string]any{
				"name":         t.Function.Name,
				"description":  t.Function.Description,
				"input_schema": json.RawMessage(t.Function.Parameters),
			})
		}
		body["tools"] = tools
	}
	return body
}

// buildGeminiBody 规范请求 → Gemini generateContent 线格式。
// system 消息进 systemInstruction，assistant 角色映射为 model。
func buildGeminiBody(req *types.ChatRequest) map[string]any {
	var systemParts []map[string]any
	contents := make([]map[string]any, 0, len(req.Messages))
	for _, m := range req.Messages {
		if m.Role == types.RoleSystem {
			systemParts = append(systemParts, map[string]any{"text": m.Content})
			continue
		}
		role := "user"
		if m.Role == types.RoleAssistant {
			role = "model"
		}
		contents = append(contents, map[string]any{
			"role":  role,
			"parts": []map[string]any{{"text": m.Content}},
		})
	}

	body := map[string]any{"contents": contents}
	if len(systemParts) > 0 {
		body["systemInstruction"] = map[string]any{"parts": systemParts}
	}

	genConfig := map[string]any{}
	if req.MaxTokens > 0 {
		genConfig["maxOutputTokens"] = req.MaxTokens
	}
	if req.Temperature != nil {
		genConfig["temperature"] = *req.Temperature
	}
	if req.TopP != nil {
		genConfig["topP"] = *req.TopP
	}
	if len(req.Stop) > 0 {
		genConfig["stopSequences"] = req.Stop
	}
	if len(genConfig) > 0 {
		body["generationConfig"] = genConfig
	}

	if len(req.Tools) > 0 {
		decls := make([]map[string]any, 0, len(req.Tools))
		for _, t := range req.Tools {
			decls = append(decls, map[string]any{
				"name":        t.Function.Name,
				"description": t.Function.Description,
				"parameters":  json.RawMessage(t.Function.Parameters),
			})
		}
		body["tools"] = []map[string]any{{"functionDeclarations": decls}}
	}
	return body
}

// buildResponsesBody 规范请求 → OpenAI /v1/responses 线格式
func buildResponsesBody(req *types.ChatRequest, upstreamModel string) map[string]any {
	input := make([]map[string]any, 0, len(req.Messages))
	for _, m := range req.Messages {
		input = append(input, map[string]any{
			"role":    string(m.Role),
			"content": m.Content,
		})
	}

	body := map[string]any{
		"model": upstreamModel,
		"input": input,
	}
	if req.MaxTokens > 0 {
		body["max_output_tokens"] = req.MaxTokens
	}
	if req.Temperature != nil {
		body["temperature"] = *req.Temperature
	}
	if req.Stream {
		body["stream"] = true
	}
	return body
}
