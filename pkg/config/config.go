package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/caarlos0/env/v11"
)

// FlexibleStringSlice is a []string that also accepts JSON numbers,
// so allow_from can contain both "123" and 123.
type FlexibleStringSlice []string

func (f *FlexibleStringSlice) UnmarshalJSON(data []byte) error {
	var ss []string
	if err := json.Unmarshal(data, &ss); err == nil {
		*f = ss
		return nil
	}

	var raw []interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	result := make([]string, 0, len(raw))
	for _, v := range raw {
		switch val := v.(type) {
		case string:
			result = append(result, val)
		case float64:
			result = append(result, fmt.Sprintf("%.0f", val))
		default:
			result = append(result, fmt.Sprintf("%v", val))
		}
	}
	*f = result
	return nil
}

type Config struct {
	Agent        AgentConfig        `json:"agent"`
	Orchestrator OrchestratorConfig `json:"orchestrator"`
	Queue        QueueConfig        `json:"queue"`
	Memory       MemoryConfig       `json:"memory"`
	Channels     ChannelsConfig     `json:"channels"`
	Providers    ProvidersConfig    `json:"providers"`
	Schedule     ScheduleConfig     `json:"schedule"`
	mu           sync.RWMutex
}

type AgentConfig struct {
	ID        string `json:"id" env:"TURNPIKE_AGENT_ID"`
	Name      string `json:"name" env:"TURNPIKE_AGENT_NAME"`
	Workspace string `json:"workspace" env:"TURNPIKE_AGENT_WORKSPACE"`
}

type OrchestratorConfig struct {
	MultiStep              bool                `json:"multi_step" env:"TURNPIKE_ORCHESTRATOR_MULTI_STEP"`
	MaxStepIterations      int                 `json:"max_step_iterations" env:"TURNPIKE_ORCHESTRATOR_MAX_STEP_ITERATIONS"`
	ResponseTimeoutMinutes int                 `json:"response_timeout_minutes" env:"TURNPIKE_ORCHESTRATOR_RESPONSE_TIMEOUT_MINUTES"`
	DefaultParticipation   string              `json:"default_participation" env:"TURNPIKE_ORCHESTRATOR_DEFAULT_PARTICIPATION"`
	BypassChannelKinds     FlexibleStringSlice `json:"bypass_channel_kinds" env:"TURNPIKE_ORCHESTRATOR_BYPASS_CHANNEL_KINDS"`
	BypassSources          FlexibleStringSlice `json:"bypass_sources" env:"TURNPIKE_ORCHESTRATOR_BYPASS_SOURCES"`
}

type QueueConfig struct {
	Capacity   int `json:"capacity" env:"TURNPIKE_QUEUE_CAPACITY"`
	BatchSize  int `json:"batch_size" env:"TURNPIKE_QUEUE_BATCH_SIZE"`
	TickMS     int `json:"tick_ms" env:"TURNPIKE_QUEUE_TICK_MS"`
	MaxRetries int `json:"max_retries" env:"TURNPIKE_QUEUE_MAX_RETRIES"`
}

type MemoryConfig struct {
	RecentLimit         int `json:"recent_limit" env:"TURNPIKE_MEMORY_RECENT_LIMIT"`
	RetentionDays       int `json:"retention_days" env:"TURNPIKE_MEMORY_RETENTION_DAYS"`
	ComposeCacheSeconds int `json:"compose_cache_seconds" env:"TURNPIKE_MEMORY_COMPOSE_CACHE_SECONDS"`
}

type ChannelsConfig struct {
	Discord DiscordConfig `json:"discord"`
}

type DiscordConfig struct {
	Token     string              `json:"token" env:"TURNPIKE_CHANNELS_DISCORD_TOKEN"`
	AllowFrom FlexibleStringSlice `json:"allow_from" env:"TURNPIKE_CHANNELS_DISCORD_ALLOW_FROM"`
}

type ProvidersConfig struct {
	OpenRouter ProviderConfig `json:"openrouter"`
}

type ProviderConfig struct {
	APIKey         string  `json:"api_key" env:"TURNPIKE_PROVIDERS_OPENROUTER_API_KEY"`
	APIBase        string  `json:"api_base" env:"TURNPIKE_PROVIDERS_OPENROUTER_API_BASE"`
	Proxy          string  `json:"proxy,omitempty" env:"TURNPIKE_PROVIDERS_OPENROUTER_PROXY"`
	SmallModel     string  `json:"small_model" env:"TURNPIKE_PROVIDERS_OPENROUTER_SMALL_MODEL"`
	LargeModel     string  `json:"large_model" env:"TURNPIKE_PROVIDERS_OPENROUTER_LARGE_MODEL"`
	EmbeddingModel string  `json:"embedding_model" env:"TURNPIKE_PROVIDERS_OPENROUTER_EMBEDDING_MODEL"`
	MaxTokens      int     `json:"max_tokens" env:"TURNPIKE_PROVIDERS_OPENROUTER_MAX_TOKENS"`
	Temperature    float64 `json:"temperature" env:"TURNPIKE_PROVIDERS_OPENROUTER_TEMPERATURE"`
}

type ScheduleConfig struct {
	RetentionCron string `json:"retention_cron" env:"TURNPIKE_SCHEDULE_RETENTION_CRON"`
	StatsCron     string `json:"stats_cron" env:"TURNPIKE_SCHEDULE_STATS_CRON"`
}

func DefaultConfig() *Config {
	return &Config{
		Agent: AgentConfig{
			ID:        "turnpike",
			Name:      "Turnpike",
			Workspace: "~/.turnpike/workspace",
		},
		Orchestrator: OrchestratorConfig{
			MultiStep:              false,
			MaxStepIterations:      6,
			ResponseTimeoutMinutes: 60,
			DefaultParticipation:   "off",
			BypassChannelKinds:     FlexibleStringSlice{},
			BypassSources:          FlexibleStringSlice{},
		},
		Queue: QueueConfig{
			Capacity:   500,
			BatchSize:  16,
			TickMS:     100,
			MaxRetries: 3,
		},
		Memory: MemoryConfig{
			RecentLimit:         32,
			RetentionDays:       90,
			ComposeCacheSeconds: 15,
		},
		Channels: ChannelsConfig{
			Discord: DiscordConfig{
				Token:     "",
				AllowFrom: FlexibleStringSlice{},
			},
		},
		Providers: ProvidersConfig{
			OpenRouter: ProviderConfig{
				SmallModel:     "openai/gpt-5.2-mini",
				LargeModel:     "openai/gpt-5.2",
				EmbeddingModel: "openai/text-embedding-3-small",
				MaxTokens:      4096,
				Temperature:    0.7,
			},
		},
		Schedule: ScheduleConfig{
			RetentionCron: "0 4 * * *",
			StatsCron:     "* * * * *",
		},
	}
}

func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			if err := env.Parse(cfg); err != nil {
				return nil, err
			}
			return cfg, nil
		}
		return nil, err
	}

	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, err
	}

	if err := env.Parse(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

func SaveConfig(path string, cfg *Config) error {
	cfg.mu.RLock()
	defer cfg.mu.RUnlock()

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	return os.WriteFile(path, data, 0600)
}

func (c *Config) WorkspacePath() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return expandHome(c.Agent.Workspace)
}

func (c *Config) GetAPIKey() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Providers.OpenRouter.APIKey
}

func expandHome(path string) string {
	if path == "" {
		return path
	}
	if path[0] == '~' {
		home, _ := os.UserHomeDir()
		if len(path) > 1 && path[1] == '/' {
			return home + path[1:]
		}
		return home
	}
	return path
}
