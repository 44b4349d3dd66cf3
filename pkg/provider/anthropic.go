package provider

import (
	"context"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/rs/zerolog/log"

	"github.com/droverhq/drover/pkg/chat"
)

// AnthropicAdapter streams against the Anthropic Messages API.
type AnthropicAdapter struct {
	client anthropic.Client
}

// NewAnthropic creates an Anthropic adapter.
func NewAnthropic(apiKey string) *AnthropicAdapter {
	return &AnthropicAdapter{
		client: anthropic.NewClient(option.WithAPIKey(apiKey)),
	}
}

// Name returns the adapter name
func (a *AnthropicAdapter) Name() string {
	return "anthropic"
}

// Stream opens one streaming request. Events arrive in wire order; tool
// calls are emitted only once fully assembled at their content_block_stop.
func (a *AnthropicAdapter) Stream(ctx context.Context, req Request) (<-chan Event, error) {
	params, err := a.buildParams(req)
	if err != nil {
		return nil, err
	}

	events := make(chan Event)

	go func() {
		defer close(events)

		stream := a.client.Messages.NewStreaming(ctx, params)
		acc := newAccumulator()
		usage := chat.TokenUsage{}

		fail := func(err error) {
			events <- Event{Err: classifyError(ctx, err)}
		}

		for stream.Next() {
			event := stream.Current()

			switch ev := event.AsAny().(type) {
			case anthropic.MessageStartEvent:
				usage.InputTokens = int(ev.Message.Usage.InputTokens)
				usage.OutputTokens = int(ev.Message.Usage.OutputTokens)

			case anthropic.ContentBlockStartEvent:
				if block, ok := ev.ContentBlock.AsAny().(anthropic.ToolUseBlock); ok {
					if err := acc.start(ev.Index, block.ID, block.Name); err != nil {
						fail(err)
						return
					}
				}

			case anthropic.ContentBlockDeltaEvent:
				switch delta := ev.Delta.AsAny().(type) {
				case anthropic.TextDelta:
					events <- Event{Text: delta.Text}
				case anthropic.InputJSONDelta:
					if err := acc.appendArgs(ev.Index, delta.PartialJSON); err != nil {
						fail(err)
						return
					}
				}

			case anthropic.ContentBlockStopEvent:
				if !acc.started(ev.Index) {
					continue // text block
				}
				call, err := acc.finish(ev.Index)
				if err != nil {
					fail(err)
					return
				}
				events <- Event{ToolCall: &call}

			case anthropic.MessageDeltaEvent:
				usage.OutputTokens = int(ev.Usage.OutputTokens)
			}
		}

		if err := stream.Err(); err != nil {
			log.Debug().Err(err).Str("provider", a.Name()).Msg("Stream failed")
			fail(err)
			return
		}

		events <- Event{Usage: &usage, Done: true}
	}()

	return events, nil
}

func (a *AnthropicAdapter) buildParams(req Request) (anthropic.MessageNewParams, error) {
	messages := []anthropic.MessageParam{}

	for _, msg := range req.Messages {
		switch {
		case msg.Role == chat.RoleSystem:
			// System prompt travels in its own request field.

		case msg.Role == chat.RoleTool && msg.Result != nil:
			messages = append(messages, anthropic.NewUserMessage(
				anthropic.NewToolResultBlock(msg.Result.CallID, msg.Result.Content, msg.Result.IsError),
			))

		case msg.Role == chat.RoleAssistant && len(msg.ToolCalls) > 0:
			blocks := []anthropic.ContentBlockParamUnion{}
			if msg.Content != "" {
				blocks = append(blocks, anthropic.NewTextBlock(msg.Content))
			}
			for _, tc := range msg.ToolCalls {
				blocks = append(blocks, anthropic.NewToolUseBlock(tc.ID, tc.Arguments, tc.Name))
			}
			messages = append(messages, anthropic.MessageParam{
				Role:    anthropic.MessageParamRoleAssistant,
				Content: blocks,
			})

		case msg.Role == chat.RoleAssistant:
			messages = append(messages, anthropic.MessageParam{
				Role: anthropic.MessageParamRoleAssistant,
				Content: []anthropic.ContentBlockParamUnion{
					anthropic.NewTextBlock(msg.Content),
				},
			})

		default:
			messages = append(messages, anthropic.NewUserMessage(
				anthropic.NewTextBlock(msg.Content),
			))
		}
	}

	maxTokens := int64(req.MaxTokens)
	if maxTokens == 0 {
		maxTokens = 4096
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(req.Model),
		Messages:  messages,
		MaxTokens: maxTokens,
	}

	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.System}}
	}
	if req.Temperature > 0 {
		params.Temperature = anthropic.Float(req.Temperature)
	}

	if len(req.Tools) > 0 {
		tools := []anthropic.ToolUnionParam{}
		for _, spec := range req.Tools {
			toolParam := anthropic.ToolParam{
				Name:        spec.Name,
				Description: anthropic.String(spec.Description),
				InputSchema: anthropic.ToolInputSchemaParam{
					Properties: spec.InputSchema["properties"],
				},
			}
			if required, ok := spec.InputSchema["required"].([]string); ok {
				toolParam.InputSchema.Required = required
			}
			tools = append(tools, anthropic.ToolUnionParam{OfTool: &toolParam})
		}
		params.Tools = tools

		switch req.ToolChoice.Mode {
		case chat.ToolChoiceNone:
			params.ToolChoice = anthropic.ToolChoiceUnionParam{OfNone: &anthropic.ToolChoiceNoneParam{}}
		case chat.ToolChoiceRequired:
			params.ToolChoice = anthropic.ToolChoiceUnionParam{OfAny: &anthropic.ToolChoiceAnyParam{}}
		case chat.ToolChoiceCall:
			params.ToolChoice = anthropic.ToolChoiceUnionParam{
				OfTool: &anthropic.ToolChoiceToolParam{Name: req.ToolChoice.Name},
			}
		default:
			params.ToolChoice = anthropic.ToolChoiceUnionParam{OfAuto: &anthropic.ToolChoiceAutoParam{}}
		}
	}

	return params, nil
}
