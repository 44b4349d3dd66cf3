package config

import (
	"fmt"
	"strings"
)

// ValidateProvider checks that the provider name is one drover can build.
func ValidateProvider(name string) error {
	switch name {
	case "anthropic", "openai", "openrouter":
		return nil
	case "":
		return fmt.Errorf("provider is required")
	default:
		return fmt.Errorf("invalid provider %s (must be: anthropic, openai, openrouter)", name)
	}
}

// ValidateAPIKey validates an API key format for the given provider.
func ValidateAPIKey(key string, provider string) error {
	if key == "" {
		return fmt.Errorf("%s api_key cannot be empty", provider)
	}

	switch provider {
	case "anthropic":
		if !strings.HasPrefix(key, "sk-ant-") {
			return fmt.Errorf("invalid Anthropic API key format (should start with sk-ant-)")
		}
	case "openai":
		if !strings.HasPrefix(key, "sk-") {
			return fmt.Errorf("invalid OpenAI API key format (should start with sk-)")
		}
	case "openrouter":
		if !strings.HasPrefix(key, "sk-or-") {
			return fmt.Errorf("invalid OpenRouter API key format (should start with sk-or-)")
		}
	}

	return nil
}
