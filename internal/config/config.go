// Package config loads the worker's static configuration: KV store and task
// queue endpoints, per-provider rate plans and pricing, mate/skill manifests,
// and pipeline thresholds. Parsing and transport concerns live outside the
// core (spec §1); this package only shapes the data the core reads.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// RateLimitPlan is one (free|base|pro) tier's requests-per-second cap.
type RateLimitPlan struct {
	RequestsPerSecond int `yaml:"requests_per_second"`
}

// ProviderRateLimit is either a flat limit or a plan map; ResolvedRPS applies
// the <PROVIDER>_PLAN env var fallback described in spec §4.1.
type ProviderRateLimit struct {
	RequestsPerSecond int                       `yaml:"requests_per_second"`
	Plans             map[string]RateLimitPlan  `yaml:"plans"`
}

// ResolvedRPS resolves the effective requests-per-second for providerID,
// consulting <PROVIDER>_PLAN (default "pro") when plans are configured in
// map form, and falling back to the legacy flat field otherwise. ok=false
// means "no configured limit" (fail-open, per spec §4.1).
func (p *ProviderRateLimit) ResolvedRPS(providerID string) (rps int, ok bool) {
	if p == nil {
		return 0, false
	}
	if len(p.Plans) > 0 {
		envKey := strings.ToUpper(strings.ReplaceAll(providerID, "-", "_")) + "_PLAN"
		plan := strings.ToLower(strings.TrimSpace(os.Getenv(envKey)))
		if plan == "" {
			plan = "pro"
		}
		if pl, found := p.Plans[plan]; found {
			return pl.RequestsPerSecond, true
		}
		// Unknown plan name: fall through to legacy flat field if set.
	}
	if p.RequestsPerSecond > 0 {
		return p.RequestsPerSecond, true
	}
	return 0, false
}

// ModelPricing is the per-model price block consulted at billing preflight.
type ModelPricing struct {
	ModelID            string  `yaml:"model_id"`
	DisplayName        string  `yaml:"display_name"`
	InputPerMillion    float64 `yaml:"input_per_million"`
	OutputPerMillion   float64 `yaml:"output_per_million"`
}

// ProviderConfig bundles one LLM provider's rate limit and priced models.
type ProviderConfig struct {
	ID          string                    `yaml:"id"`
	RateLimit   ProviderRateLimit         `yaml:"rate_limit"`
	Models      map[string]ModelPricing   `yaml:"models"`
	FallbackIDs []string                  `yaml:"fallback_ids"`
}

// MateConfig is one persona preset.
type MateConfig struct {
	ID                 string   `yaml:"id"`
	Category           string   `yaml:"category"`
	DefaultSystemPrompt string  `yaml:"default_system_prompt"`
	AppAccess          []string `yaml:"app_access"`
}

// SkillThresholds are the preprocessor's rejection-gate thresholds.
type SkillThresholds struct {
	HarmThreshold   float64 `yaml:"harm_threshold"`
	MisuseThreshold float64 `yaml:"misuse_threshold"`
}

// PipelineConfig holds the timing/limit constants the concurrency model
// fixes (spec §5).
type PipelineConfig struct {
	SoftTimeLimitSeconds   int `yaml:"soft_time_limit_seconds"`
	HardTimeLimitSeconds   int `yaml:"hard_time_limit_seconds"`
	SkillTimeoutSeconds    int `yaml:"skill_timeout_seconds"`
	SkillMaxRetries        int `yaml:"skill_max_retries"`
	SkillRetryDelaySeconds float64 `yaml:"skill_retry_delay_seconds"`
	MaxParallelSkillRequests int `yaml:"max_parallel_skill_requests"`
	HistoryMaxTokens       int `yaml:"history_max_tokens"`
	DisclaimerReinjectMinutes int `yaml:"disclaimer_reinject_minutes"`
	MainProcessingSimpleModel string `yaml:"main_processing_simple_model"`
	MainProcessingComplexModel string `yaml:"main_processing_complex_model"`
	PreprocessingModel     string `yaml:"preprocessing_model"`
	SanitizerModel         string `yaml:"sanitizer_model"`
	AutoSelectionEnabled   bool `yaml:"auto_selection_enabled"`
	SupportedOutputLanguages []string `yaml:"supported_output_languages"`
	AlwaysIncludeSkills    []string `yaml:"always_include_skills"`
}

// Config is the worker's fully-resolved static configuration.
type Config struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`

	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword string `yaml:"redis_password"`

	KafkaBrokers []string `yaml:"kafka_brokers"`

	AppInternalPort int `yaml:"app_internal_port"`

	Providers map[string]ProviderConfig `yaml:"providers"`
	Mates     []MateConfig              `yaml:"mates"`
	Skill     SkillThresholds           `yaml:"skill_thresholds"`
	Pipeline  PipelineConfig            `yaml:"pipeline"`

	LogLevel string `yaml:"log_level"`
	LogPath  string `yaml:"log_path"`
}

func defaults() Config {
	return Config{
		Host:            "0.0.0.0",
		Port:            8090,
		RedisAddr:       "127.0.0.1:6379",
		AppInternalPort: 8000,
		LogLevel:        "info",
		Pipeline: PipelineConfig{
			SoftTimeLimitSeconds:     300,
			HardTimeLimitSeconds:     360,
			SkillTimeoutSeconds:      20,
			SkillMaxRetries:          1,
			SkillRetryDelaySeconds:   1.0,
			MaxParallelSkillRequests: 5,
			HistoryMaxTokens:         120_000,
			DisclaimerReinjectMinutes: 30,
			SupportedOutputLanguages: []string{"en"},
		},
	}
}

// Load reads a YAML config file, applying defaults for unset fields and one
// env var override (DRAGONFLY_PASSWORD for the KV store, per spec §6).
func Load(filename string) (*Config, error) {
	cfg := defaults()
	if filename != "" {
		b, err := os.ReadFile(filename)
		if err != nil {
			return nil, fmt.Errorf("read config %q: %w", filename, err)
		}
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return nil, fmt.Errorf("parse config %q: %w", filename, err)
		}
	}
	if pw := os.Getenv("DRAGONFLY_PASSWORD"); pw != "" {
		cfg.RedisPassword = pw
	}
	if cfg.Pipeline.MaxParallelSkillRequests <= 0 {
		cfg.Pipeline.MaxParallelSkillRequests = 5
	}
	return &cfg, nil
}

// ResolveProvider splits a "provider/model" id and looks up the provider's
// config, returning ok=false if either half is missing.
func (c *Config) ResolveProvider(providerModelID string) (ProviderConfig, string, bool) {
	parts := strings.SplitN(providerModelID, "/", 2)
	if len(parts) != 2 {
		return ProviderConfig{}, "", false
	}
	p, found := c.Providers[parts[0]]
	if !found {
		return ProviderConfig{}, "", false
	}
	return p, parts[1], true
}

// Pricing looks up the priced model block for a "provider/model" id, used by
// the billing preflight gate (spec §4.9).
func (c *Config) Pricing(providerModelID string) (ModelPricing, bool) {
	p, modelID, ok := c.ResolveProvider(providerModelID)
	if !ok {
		return ModelPricing{}, false
	}
	m, found := p.Models[modelID]
	return m, found
}

// EnvInt reads an integer env var or returns def.
func EnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}
