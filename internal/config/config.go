// Package config holds the drover configuration model and its loader.
package config

import (
	"encoding/json"
	"fmt"

	"github.com/droverhq/drover/internal/logger"
	"github.com/droverhq/drover/pkg/chat"
	"github.com/droverhq/drover/pkg/provider"
	"github.com/droverhq/drover/pkg/toolkit"
)

// Config is the full drover configuration.
type Config struct {
	// Profiles are the provider auth profiles, tried in priority order.
	Profiles []ProfileConfig `json:"profiles" mapstructure:"profiles"`

	// Defaults apply to commands that leave generation parameters unset.
	Defaults DefaultsConfig `json:"defaults" mapstructure:"defaults"`

	// Limits bound the round loop and tool execution.
	Limits LimitsConfig `json:"limits" mapstructure:"limits"`

	// Tools is the allow/deny policy applied to the registry.
	Tools ToolPolicyConfig `json:"tools" mapstructure:"tools"`

	// Logging configures the zerolog pipeline.
	Logging logger.Config `json:"logging" mapstructure:"logging"`

	// DataDir is where sessions and logs live.
	DataDir string `json:"data_dir" mapstructure:"data_dir"`

	// SessionsDir overrides the transcript directory. Defaults under DataDir.
	SessionsDir string `json:"sessions_dir" mapstructure:"sessions_dir"`

	// Workspace is the root the filesystem tools may touch.
	Workspace string `json:"workspace" mapstructure:"workspace"`
}

// ProfileConfig is one provider credential.
type ProfileConfig struct {
	ID       string `json:"id" mapstructure:"id"`
	Provider string `json:"provider" mapstructure:"provider"` // anthropic, openai, openrouter
	APIKey   string `json:"api_key" mapstructure:"api_key"`
	Priority int    `json:"priority" mapstructure:"priority"`
}

// DefaultsConfig holds per-command generation defaults.
type DefaultsConfig struct {
	Model       string  `json:"model" mapstructure:"model"`
	System      string  `json:"system" mapstructure:"system"`
	Temperature float64 `json:"temperature" mapstructure:"temperature"`
	MaxTokens   int     `json:"max_tokens" mapstructure:"max_tokens"`
}

// LimitsConfig bounds a run.
type LimitsConfig struct {
	MaxRounds        int `json:"max_rounds" mapstructure:"max_rounds"`
	MaxRetries       int `json:"max_retries" mapstructure:"max_retries"`
	ToolConcurrency  int `json:"tool_concurrency" mapstructure:"tool_concurrency"`
	CompactThreshold int `json:"compact_threshold" mapstructure:"compact_threshold"`
}

// ToolPolicyConfig mirrors the registry policy.
type ToolPolicyConfig struct {
	Allow []string `json:"allow" mapstructure:"allow"`
	Deny  []string `json:"deny" mapstructure:"deny"`
}

// DefaultConfig returns a config with default values.
func DefaultConfig() *Config {
	return &Config{
		Profiles: []ProfileConfig{},
		Defaults: DefaultsConfig{
			Model:       "claude-sonnet-4-5",
			Temperature: 0.7,
			MaxTokens:   4096,
		},
		Limits: LimitsConfig{
			MaxRounds:       chat.DefaultMaxRounds,
			MaxRetries:      chat.DefaultMaxRetries,
			ToolConcurrency: 4,
		},
		Tools: ToolPolicyConfig{
			Allow: []string{"*"},
			Deny:  []string{},
		},
		Logging: logger.DefaultConfig(),
	}
}

// String returns a JSON representation of the config.
func (c *Config) String() string {
	data, _ := json.MarshalIndent(c, "", "  ")
	return string(data)
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if len(c.Profiles) == 0 {
		return fmt.Errorf("no provider credentials configured: at least one profile is required")
	}

	seen := make(map[string]bool, len(c.Profiles))
	for i, profile := range c.Profiles {
		if profile.ID == "" {
			return fmt.Errorf("profile %d: id is required", i)
		}
		if seen[profile.ID] {
			return fmt.Errorf("profile %s: duplicate id", profile.ID)
		}
		seen[profile.ID] = true

		if err := ValidateProvider(profile.Provider); err != nil {
			return fmt.Errorf("profile %s: %w", profile.ID, err)
		}
		if err := ValidateAPIKey(profile.APIKey, profile.Provider); err != nil {
			return fmt.Errorf("profile %s: %w", profile.ID, err)
		}
	}

	if c.Defaults.Model == "" {
		return fmt.Errorf("defaults.model is required")
	}
	if c.Limits.MaxRounds < 0 || c.Limits.MaxRetries < 0 || c.Limits.ToolConcurrency < 0 {
		return fmt.Errorf("limits must be non-negative")
	}

	return nil
}

// ProviderProfiles converts the configured profiles into the selection set
// used by the runtime.
func (c *Config) ProviderProfiles() *provider.Profiles {
	profiles := make([]provider.Profile, 0, len(c.Profiles))
	for _, p := range c.Profiles {
		profiles = append(profiles, provider.Profile{
			ID:       p.ID,
			Provider: p.Provider,
			APIKey:   p.APIKey,
			Priority: p.Priority,
		})
	}
	return provider.NewProfiles(profiles)
}

// ToolPolicy converts the configured policy for the registry. Returns nil
// when the config allows everything, which the registry treats the same way.
func (c *Config) ToolPolicy() *toolkit.Policy {
	if len(c.Tools.Deny) == 0 && (len(c.Tools.Allow) == 0 || hasWildcard(c.Tools.Allow)) {
		return nil
	}
	return &toolkit.Policy{Allow: c.Tools.Allow, Deny: c.Tools.Deny}
}

func hasWildcard(names []string) bool {
	for _, name := range names {
		if name == "*" {
			return true
		}
	}
	return false
}
