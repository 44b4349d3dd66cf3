// Package provider adapts model backends to a single streaming contract.
// Adapters normalize each backend's wire protocol into ordered events
// carrying text deltas, fully assembled tool calls, and token usage, and map
// backend failures onto the shared error taxonomy. Adapters hold no
// conversation state; every round's request carries the full snapshot.
package provider

import (
	"context"
	"errors"

	anthropicsdk "github.com/anthropics/anthropic-sdk-go"
	openaisdk "github.com/openai/openai-go"

	"github.com/droverhq/drover/pkg/chat"
	"github.com/droverhq/drover/pkg/toolkit"
)

// Request is one round's worth of input to a backend.
type Request struct {
	Model       string
	System      string
	Messages    []chat.Message
	Tools       []toolkit.Spec
	ToolChoice  chat.ToolChoice
	Temperature float64
	MaxTokens   int
}

// Event is one normalized item on an adapter's stream. Exactly one of the
// payload fields is set. The channel closes after Done or Err.
type Event struct {
	Text     string
	ToolCall *chat.ToolCallRequest
	Usage    *chat.TokenUsage
	Done     bool
	Err      error
}

// Adapter streams one request against a backend.
type Adapter interface {
	Name() string
	Stream(ctx context.Context, req Request) (<-chan Event, error)
}

// retryableStatus lists the HTTP statuses worth retrying against a backend.
var retryableStatus = map[int]bool{
	429: true,
	500: true,
	502: true,
	503: true,
	504: true,
}

// classifyError maps a backend failure onto the shared taxonomy. Rate limits
// and server-side statuses are transient; auth and request errors are not.
func classifyError(ctx context.Context, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || ctx.Err() != nil {
		return chat.WrapError(chat.Cancelled, err, "provider stream cancelled")
	}

	var anthErr *anthropicsdk.Error
	if errors.As(err, &anthErr) {
		if retryableStatus[anthErr.StatusCode] {
			return chat.TransientError(chat.ProviderUnavailable, err, "anthropic status %d", anthErr.StatusCode)
		}
		return chat.WrapError(chat.ProviderUnavailable, err, "anthropic status %d", anthErr.StatusCode)
	}

	var oaiErr *openaisdk.Error
	if errors.As(err, &oaiErr) {
		if retryableStatus[oaiErr.StatusCode] {
			return chat.TransientError(chat.ProviderUnavailable, err, "openai status %d", oaiErr.StatusCode)
		}
		return chat.WrapError(chat.ProviderUnavailable, err, "openai status %d", oaiErr.StatusCode)
	}

	if chat.KindOf(err) == chat.ProtocolViolation {
		return err
	}

	// Anything else is a transport-level failure: DNS, TLS, resets.
	return chat.TransientError(chat.ProviderUnavailable, err, "provider request failed")
}
