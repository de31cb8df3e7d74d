package types

import (
	"fmt"
	"time"
)

// Protocol tags the wire dialect an upstream speaks.
type Protocol string

const (
	ProtocolOpenAI    Protocol = "openai"
	ProtocolAnthropic Protocol = "anthropic"
	ProtocolAzure     Protocol = "azure"
	ProtocolGemini    Protocol = "gemini"
	ProtocolGoogle    Protocol = "google"
	ProtocolCustom    Protocol = "custom"
)

// AuthType selects how upstream credentials are attached to a request.
type AuthType string

const (
	AuthBearer AuthType = "bearer"
	AuthAPIKey AuthType = "api_key"
	AuthBasic  AuthType = "basic"
	AuthQuery  AuthType = "query"
	AuthNone   AuthType = "none"
)

// AuthConfig carries the credential reference and placement for one upstream.
// The plaintext secret is never stored here; SecretRefID is resolved through
// the secret manager at call time.
type AuthConfig struct {
	SecretRefID string `json:"secret_ref_id" yaml:"secret_ref_id"`
	// HeaderName is used for AuthAPIKey (default "x-api-key") and AuthQuery
	// (the query parameter name, e.g. "key" for Gemini).
	HeaderName string `json:"header_name,omitempty" yaml:"header_name"`
}

// RoutingStrategy names a candidate-selection policy.
type RoutingStrategy string

const (
	StrategyEpsilonGreedy RoutingStrategy = "epsilon_greedy"
	StrategyThompson      RoutingStrategy = "thompson"
	StrategyUCB1          RoutingStrategy = "ucb1"
	StrategyWeighted      RoutingStrategy = "weighted"
)

// RoutingConfig tunes the bandit selection for one candidate pool.
type RoutingConfig struct {
	Strategy        RoutingStrategy `json:"strategy" yaml:"strategy"`
	Epsilon         float64         `json:"epsilon,omitempty" yaml:"epsilon"`
	CooldownSeconds int             `json:"cooldown_seconds,omitempty" yaml:"cooldown_seconds"`
	GrayRatio       *float64        `json:"gray_ratio,omitempty" yaml:"gray_ratio"`
	LatencyTargetMS float64         `json:"latency_target_ms,omitempty" yaml:"latency_target_ms"`
}

// PricingConfig prices one upstream model.
type PricingConfig struct {
	InputPer1K     float64 `json:"input_per_1k" yaml:"input_per_1k"`
	OutputPer1K    float64 `json:"output_per_1k" yaml:"output_per_1k"`
	CacheReadPer1K float64 `json:"cache_read_per_1k,omitempty" yaml:"cache_read_per_1k"`
	ImagePerCall   float64 `json:"image_per_call,omitempty" yaml:"image_per_call"`
	AudioPerSecond float64 `json:"audio_per_second,omitempty" yaml:"audio_per_second"`
	Currency       string  `json:"currency,omitempty" yaml:"currency"`
}

// LimitConfig bounds one upstream model.
type LimitConfig struct {
	RPM           int     `json:"rpm,omitempty" yaml:"rpm"`
	TPM           int     `json:"tpm,omitempty" yaml:"tpm"`
	WindowSeconds int     `json:"window_seconds,omitempty" yaml:"window_seconds"`
	TimeoutSec    float64 `json:"timeout_sec,omitempty" yaml:"timeout_sec"`
}

// TemplateConfig selects and parameterizes the request rewrite for a candidate.
type TemplateConfig struct {
	// Engine: simple_replace | expression | vendor
	Engine string `json:"engine" yaml:"engine"`
	// Body is the simple_replace merge patch (nil value removes a field).
	Body map[string]any `json:"body,omitempty" yaml:"body"`
	// AutoAppendV1 overrides base-URL inspection when set. Explicit wins.
	AutoAppendV1 *bool `json:"auto_append_v1,omitempty" yaml:"auto_append_v1"`
	// APIVersion is injected as the api-version query for Azure upstreams.
	APIVersion string `json:"api_version,omitempty" yaml:"api_version"`
	// RequiredFields lists request fields this upstream cannot serve without
	// (e.g. a voice-clone TTS upstream requires reference_audio_url).
	RequiredFields []string `json:"required_fields,omitempty" yaml:"required_fields"`
}

// TransformConfig shapes the response normalization for a candidate.
type TransformConfig struct {
	RemoveFields []string `json:"remove_fields,omitempty" yaml:"remove_fields"`
	MaskFields   []string `json:"mask_fields,omitempty" yaml:"mask_fields"`
}

// BanditArm is the selection statistics of one upstream candidate.
// Version increases monotonically; writers CAS on it.
type BanditArm struct {
	ID             int64
	CandidateKey   string
	Alpha          float64
	Beta           float64
	TotalTrials    int64
	Successes      int64
	Failures       int64
	TotalLatencyMS float64
	LatencyP95MS   float64
	TotalCost      float64
	LastReward     float64
	CooldownUntil  time.Time
	Version        int64
}

// InCooldown reports whether the arm is cooling down at the given instant.
func (a *BanditArm) InCooldown(now time.Time) bool {
	return a != nil && !a.CooldownUntil.IsZero() && now.Before(a.CooldownUntil)
}

// SuccessRate returns the Laplace-smoothed success rate (successes+1)/(total+2).
// A cold arm therefore scores 0.5.
func (a *BanditArm) SuccessRate() float64 {
	if a == nil {
		return 0.5
	}
	return (float64(a.Successes) + 1) / (float64(a.TotalTrials) + 2)
}

// UpstreamCandidate is a fully-specified route: one model at one provider
// with one credential. Immutable once gathered by the selector.
type UpstreamCandidate struct {
	PresetID        int64             `json:"preset_id"`
	InstanceID      int64             `json:"instance_id"`
	ModelID         int64             `json:"model_id"`
	CredentialAlias string            `json:"credential_alias"`
	Provider        string            `json:"provider"`
	Protocol        Protocol          `json:"protocol"`
	BaseURL         string            `json:"base_url"`
	Path            string            `json:"path"`
	UpstreamModel   string            `json:"upstream_model"`
	AuthType        AuthType          `json:"auth_type"`
	AuthConfig      AuthConfig        `json:"auth_config"`
	DefaultHeaders  map[string]string `json:"default_headers,omitempty"`
	DefaultParams   map[string]any    `json:"default_params,omitempty"`
	Template        TemplateConfig    `json:"template"`
	Transform       TransformConfig   `json:"transform"`
	Pricing         PricingConfig     `json:"pricing"`
	Limits          LimitConfig       `json:"limits"`
	Routing         RoutingConfig     `json:"routing"`
	Weight          int               `json:"weight"`
	Priority        int               `json:"priority"`
	Arm             *BanditArm        `json:"-"`
}

// Key returns the stable identity of the candidate used for bandit state
// and affinity lookups: one arm per (model, credential) pair.
func (c *UpstreamCandidate) Key() string {
	return fmt.Sprintf("%d:%d:%s", c.InstanceID, c.ModelID, c.CredentialAlias)
}
