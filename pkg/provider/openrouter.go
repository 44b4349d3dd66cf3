package provider

import (
	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

const openRouterBaseURL = "https://openrouter.ai/api/v1"

// NewOpenRouter creates an adapter for OpenRouter, which speaks the OpenAI
// wire protocol on its own base URL. The X-Title header names the app on
// the OpenRouter dashboard.
func NewOpenRouter(apiKey string) *OpenAIAdapter {
	return &OpenAIAdapter{
		client: openai.NewClient(
			option.WithAPIKey(apiKey),
			option.WithBaseURL(openRouterBaseURL),
			option.WithHeader("X-Title", "drover"),
		),
		name: "openrouter",
	}
}
