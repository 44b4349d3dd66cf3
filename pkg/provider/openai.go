package provider

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/rs/zerolog/log"

	"github.com/droverhq/drover/pkg/chat"
)

// OpenAIAdapter streams against the OpenAI chat completions API. It also
// backs any OpenAI-compatible endpoint through extra client options.
type OpenAIAdapter struct {
	client openai.Client
	name   string
}

// NewOpenAI creates an OpenAI adapter.
func NewOpenAI(apiKey string) *OpenAIAdapter {
	return &OpenAIAdapter{
		client: openai.NewClient(option.WithAPIKey(apiKey)),
		name:   "openai",
	}
}

// Name returns the adapter name
func (a *OpenAIAdapter) Name() string {
	return a.name
}

// Stream opens one streaming request. Tool-call fragments arrive keyed by
// choice index with the id and name on the first fragment only; calls are
// emitted once the stream closes them.
func (a *OpenAIAdapter) Stream(ctx context.Context, req Request) (<-chan Event, error) {
	params, err := a.buildParams(req)
	if err != nil {
		return nil, err
	}

	events := make(chan Event)

	go func() {
		defer close(events)

		stream := a.client.Chat.Completions.NewStreaming(ctx, params)
		acc := newAccumulator()
		usage := chat.TokenUsage{}

		fail := func(err error) {
			events <- Event{Err: classifyError(ctx, err)}
		}

		flushCalls := func() bool {
			for _, idx := range acc.openIndexes() {
				call, err := acc.finish(idx)
				if err != nil {
					fail(err)
					return false
				}
				events <- Event{ToolCall: &call}
			}
			return true
		}

		for stream.Next() {
			chunk := stream.Current()

			if chunk.Usage.TotalTokens > 0 {
				usage.InputTokens = int(chunk.Usage.PromptTokens)
				usage.OutputTokens = int(chunk.Usage.CompletionTokens)
			}

			if len(chunk.Choices) == 0 {
				continue
			}
			choice := chunk.Choices[0]

			if choice.Delta.Content != "" {
				events <- Event{Text: choice.Delta.Content}
			}

			for _, tc := range choice.Delta.ToolCalls {
				if !acc.started(tc.Index) {
					if err := acc.start(tc.Index, tc.ID, tc.Function.Name); err != nil {
						fail(err)
						return
					}
				}
				if tc.Function.Arguments != "" {
					if err := acc.appendArgs(tc.Index, tc.Function.Arguments); err != nil {
						fail(err)
						return
					}
				}
			}

			// finish_reason closes the choice; assembled calls flush here.
			if choice.FinishReason != "" {
				if !flushCalls() {
					return
				}
			}
		}

		if err := stream.Err(); err != nil {
			log.Debug().Err(err).Str("provider", a.name).Msg("Stream failed")
			fail(err)
			return
		}

		// Some compatible backends never send a finish_reason.
		if !flushCalls() {
			return
		}

		events <- Event{Usage: &usage, Done: true}
	}()

	return events, nil
}

func (a *OpenAIAdapter) buildParams(req Request) (openai.ChatCompletionNewParams, error) {
	messages := []openai.ChatCompletionMessageParamUnion{}

	if req.System != "" {
		messages = append(messages, openai.SystemMessage(req.System))
	}

	for _, msg := range req.Messages {
		switch msg.Role {
		case chat.RoleSystem:
			messages = append(messages, openai.SystemMessage(msg.Content))

		case chat.RoleUser:
			messages = append(messages, openai.UserMessage(msg.Content))

		case chat.RoleAssistant:
			if len(msg.ToolCalls) == 0 {
				messages = append(messages, openai.AssistantMessage(msg.Content))
				continue
			}
			toolCalls := []openai.ChatCompletionMessageToolCall{}
			for _, tc := range msg.ToolCalls {
				argsJSON, err := json.Marshal(tc.Arguments)
				if err != nil {
					return openai.ChatCompletionNewParams{},
						chat.WrapError(chat.Serialization, err, "marshal arguments for %s", tc.Name)
				}
				toolCalls = append(toolCalls, openai.ChatCompletionMessageToolCall{
					ID:   tc.ID,
					Type: "function",
					Function: openai.ChatCompletionMessageToolCallFunction{
						Name:      tc.Name,
						Arguments: string(argsJSON),
					},
				})
			}
			assistantMsg := openai.ChatCompletionMessage{
				Role:      "assistant",
				Content:   msg.Content,
				ToolCalls: toolCalls,
			}
			messages = append(messages, assistantMsg.ToParam())

		case chat.RoleTool:
			if msg.Result == nil {
				return openai.ChatCompletionNewParams{},
					chat.NewError(chat.ProtocolViolation, "tool message without a result")
			}
			content := msg.Result.Content
			if msg.Result.IsError {
				content = fmt.Sprintf("error: %s", content)
			}
			messages = append(messages, openai.ToolMessage(content, msg.Result.CallID))
		}
	}

	params := openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(req.Model),
		Messages: messages,
		StreamOptions: openai.ChatCompletionStreamOptionsParam{
			IncludeUsage: openai.Bool(true),
		},
	}

	if req.MaxTokens > 0 {
		params.MaxTokens = openai.Int(int64(req.MaxTokens))
	}
	if req.Temperature > 0 {
		params.Temperature = openai.Float(req.Temperature)
	}

	if len(req.Tools) > 0 {
		tools := []openai.ChatCompletionToolParam{}
		for _, spec := range req.Tools {
			tools = append(tools, openai.ChatCompletionToolParam{
				Type: "function",
				Function: openai.FunctionDefinitionParam{
					Name:        spec.Name,
					Description: openai.String(spec.Description),
					Parameters:  openai.FunctionParameters(spec.InputSchema),
				},
			})
		}
		params.Tools = tools

		switch req.ToolChoice.Mode {
		case chat.ToolChoiceNone:
			params.ToolChoice = openai.ChatCompletionToolChoiceOptionUnionParam{OfAuto: openai.String("none")}
		case chat.ToolChoiceRequired:
			params.ToolChoice = openai.ChatCompletionToolChoiceOptionUnionParam{OfAuto: openai.String("required")}
		case chat.ToolChoiceCall:
			params.ToolChoice = openai.ChatCompletionToolChoiceOptionUnionParam{
				OfChatCompletionNamedToolChoice: &openai.ChatCompletionNamedToolChoiceParam{
					Function: openai.ChatCompletionNamedToolChoiceFunctionParam{Name: req.ToolChoice.Name},
				},
			}
		default:
			params.ToolChoice = openai.ChatCompletionToolChoiceOptionUnionParam{OfAuto: openai.String("auto")}
		}
	}

	return params, nil
}
