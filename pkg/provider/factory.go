package provider

import (
	"fmt"
)

// Factory builds adapters from auth profiles.
type Factory struct{}

// NewFactory creates a factory.
func NewFactory() *Factory {
	return &Factory{}
}

// New returns an adapter for the profile's provider.
func (f *Factory) New(profile *Profile) (Adapter, error) {
	switch profile.Provider {
	case "anthropic":
		return NewAnthropic(profile.APIKey), nil
	case "openai":
		return NewOpenAI(profile.APIKey), nil
	case "openrouter":
		return NewOpenRouter(profile.APIKey), nil
	default:
		return nil, fmt.Errorf("unsupported provider: %s", profile.Provider)
	}
}
