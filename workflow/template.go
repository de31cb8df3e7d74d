package workflow

import (
	"fmt"
	"time"

	"github.com/BaSui01/gateflow/types"
)

// =============================================================================
// 🗂️ 编排模板
// =============================================================================

// 标准步骤名。模板与依赖声明只用这些常量。
const (
	StepRequestAdapter     = "request_adapter"
	StepValidation         = "validation"
	StepSignatureVerify    = "signature_verify"
	StepQuotaCheck         = "quota_check"
	StepRateLimit          = "rate_limit"
	StepConversationLoad   = "conversation_load"
	StepRouting            = "routing"
	StepTemplateRender     = "template_render"
	StepUpstreamCall       = "upstream_call"
	StepResponseTransform  = "response_transform"
	StepConversationAppend = "conversation_append"
	StepMemoryWrite        = "memory_write"
	StepSanitize           = "sanitize"
	StepBilling            = "billing"
	StepAuditLog           = "audit_log"
)

// stageMap 步骤到状态帧 stage 的映射，未列入的步骤不发帧
var stageMap = map[string]string{
	StepRequestAdapter:     "listen",
	StepValidation:         "listen",
	StepQuotaCheck:         "listen",
	StepRateLimit:          "listen",
	StepConversationLoad:   "remember",
	StepRouting:            "remember",
	StepTemplateRender:     "evolve",
	StepUpstreamCall:       "evolve",
	StepResponseTransform:  "render",
	StepConversationAppend: "render",
	StepMemoryWrite:        "render",
	StepSanitize:           "render",
	StepBilling:            "render",
	StepAuditLog:           "render",
}

// StageFor 返回步骤所属 stage，无映射时为空串
func StageFor(step string) string {
	return stageMap[step]
}

// Template 一条 (channel, capability) 的编排模板：有序步骤名 + 按步配置
type Template struct {
	Channel     types.Channel
	Capability  Capability
	Steps       []string
	StepConfigs map[string]StepConfig
}

// 默认按步配置（被模板共享）
var defaultStepConfigs = map[string]StepConfig{
	StepQuotaCheck:   {Timeout: 5 * time.Second},
	StepRateLimit:    {Timeout: 2 * time.Second},
	StepRouting:      {Timeout: 10 * time.Second, MaxRetries: 1, RetryDelay: 100 * time.Millisecond},
	StepUpstreamCall: {Timeout: 120 * time.Second},
	StepBilling:      {Timeout: 10 * time.Second, MaxRetries: 2, RetryDelay: 200 * time.Millisecond},
}

var externalChat = Template{
	Channel:    types.ChannelExternal,
	Capability: CapabilityChat,
	Steps: []string{
		StepRequestAdapter,
		StepValidation,
		StepSignatureVerify,
		StepQuotaCheck,
		StepRateLimit,
		StepRouting,
		StepTemplateRender,
		StepUpstreamCall,
		StepResponseTransform,
		StepMemoryWrite,
		StepSanitize,
		StepBilling,
		StepAuditLog,
	},
	StepConfigs: defaultStepConfigs,
}

var internalChat = Template{
	Channel:    types.ChannelInternal,
	Capability: CapabilityChat,
	Steps: []string{
		StepValidation,
		StepConversationLoad,
		StepQuotaCheck,
		StepRateLimit,
		StepRouting,
		StepTemplateRender,
		StepUpstreamCall,
		StepResponseTransform,
		StepConversationAppend,
		StepMemoryWrite,
		StepSanitize,
		StepBilling,
		StepAuditLog,
	},
	StepConfigs: defaultStepConfigs,
}

// externalSimple 非会话类能力（embedding/image/speech/transcription/video）
// 的外部模板骨架
var externalSimpleSteps = []string{
	StepRequestAdapter,
	StepValidation,
	StepSignatureVerify,
	StepQuotaCheck,
	StepRateLimit,
	StepRouting,
	StepTemplateRender,
	StepUpstreamCall,
	StepResponseTransform,
	StepSanitize,
	StepBilling,
	StepAuditLog,
}

var internalSimpleSteps = []string{
	StepValidation,
	StepQuotaCheck,
	StepRateLimit,
	StepRouting,
	StepTemplateRender,
	StepUpstreamCall,
	StepResponseTransform,
	StepBilling,
	StepAuditLog,
}

// templates 全部静态模板
var templates = buildTemplates()

func buildTemplates() map[types.Channel]map[Capability]Template {
	out := map[types.Channel]map[Capability]Template{
		types.ChannelExternal: {CapabilityChat: externalChat},
		types.ChannelInternal: {CapabilityChat: internalChat},
	}
	simple := []Capability{
		CapabilityEmbedding,
		CapabilityImage,
		CapabilitySpeech,
		CapabilityTranscription,
		CapabilityVideo,
	}
	for _, capability := range simple {
		out[types.ChannelExternal][capability] = Template{
			Channel:     types.ChannelExternal,
			Capability:  capability,
			Steps:       externalSimpleSteps,
			StepConfigs: defaultStepConfigs,
		}
		out[types.ChannelInternal][capability] = Template{
			Channel:     types.ChannelInternal,
			Capability:  capability,
			Steps:       internalSimpleSteps,
			StepConfigs: defaultStepConfigs,
		}
	}
	return out
}

// ResolveTemplate 按 (channel, capability) 解析模板
func ResolveTemplate(channel types.Channel, capability Capability) (Template, error) {
	if byCap, ok := templates[channel]; ok {
		if tpl, ok := byCap[capability]; ok {
			return tpl, nil
		}
	}
	return Template{}, fmt.Errorf("no workflow template for channel %q capability %q", channel, capability)
}

// ConfigFor 取模板里某步骤的配置，未覆盖时用默认值
func (t Template) ConfigFor(step string) StepConfig {
	cfg := DefaultStepConfig()
	if override, ok := t.StepConfigs[step]; ok {
		if override.Timeout > 0 {
			cfg.Timeout = override.Timeout
		}
		if override.MaxRetries > 0 {
			cfg.MaxRetries = override.MaxRetries
		}
		if override.RetryDelay > 0 {
			cfg.RetryDelay = override.RetryDelay
		}
		if len(override.SkipOnChannels) > 0 {
			cfg.SkipOnChannels = override.SkipOnChannels
		}
	}
	return cfg
}
