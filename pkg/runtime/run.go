package runtime

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/droverhq/drover/internal/observability"

	"github.com/droverhq/drover/pkg/chat"
	"github.com/droverhq/drover/pkg/provider"
)

// retryBaseDelay is the first backoff step; each retry doubles it.
const retryBaseDelay = 200 * time.Millisecond

// run is the mutable state of one command execution.
type run struct {
	rt      *Runtime
	adapter provider.Adapter
	cmd     chat.Command
	actions chan<- chat.Action
	logger  zerolog.Logger

	convo *chat.Context
	state State
	round int
	usage chat.TokenUsage
}

func newRun(rt *Runtime, adapter provider.Adapter, cmd chat.Command, actions chan<- chat.Action, logger zerolog.Logger) *run {
	return &run{
		rt:      rt,
		adapter: adapter,
		cmd:     cmd,
		actions: actions,
		logger:  logger,
		state:   StateIdle,
	}
}

func (x *run) emit(action chat.Action) {
	x.actions <- action
}

func (x *run) setState(state State) {
	x.state = state
	x.logger.Debug().Str("state", string(state)).Int("round", x.round).Msg("State transition")
}

// fail emits the terminal Failed action.
func (x *run) fail(err error) {
	x.setState(StateFailed)
	x.emit(chat.Failed(err))
}

// loop is the round loop. The transcript only ever grows: a round's
// messages commit together after its tools finish, or not at all.
func (x *run) loop(ctx context.Context) error {
	x.convo = chat.SeededContext(x.cmd.SessionKey, x.cmd.Seed)
	if x.cmd.Prompt != "" {
		prompt := chat.UserMessage(x.cmd.Prompt)
		x.convo.Append(prompt)
		x.persist(ctx, prompt)
	}

	for x.round = 1; x.round <= x.cmd.MaxRounds; x.round++ {
		finished, err := x.runRound(ctx)
		if err != nil {
			x.fail(err)
			return err
		}

		observability.RecordRound(x.adapter.Name())
		x.emit(chat.RoundCompleted(x.round))

		if finished {
			x.setState(StateCompleted)
			x.emit(chat.Finished(x.round, x.usage))
			return nil
		}
	}

	// Round budget spent with tools still firing. That is a normal stop,
	// not an error.
	x.round = x.cmd.MaxRounds
	x.logger.Info().Int("max_rounds", x.cmd.MaxRounds).Msg("Round budget exhausted")
	x.setState(StateCompleted)
	x.emit(chat.Finished(x.cmd.MaxRounds, x.usage))
	return nil
}

// runRound streams one provider request and executes any tool calls.
// Returns finished=true when the model produced a tool-free reply.
func (x *run) runRound(ctx context.Context) (bool, error) {
	toolChoice := x.cmd.ToolChoice
	if x.round > 1 &&
		(toolChoice.Mode == chat.ToolChoiceRequired || toolChoice.Mode == chat.ToolChoiceCall) {
		// Forcing tools past the first round would never let the model stop.
		toolChoice = chat.AutoToolChoice()
	}

	req := provider.Request{
		Model:       x.cmd.Params.Model,
		System:      x.cmd.System,
		Messages:    compactSnapshot(x.convo.Snapshot(), x.rt.compactAt),
		Tools:       x.rt.registry.Specs(x.cmd.Tools),
		ToolChoice:  toolChoice,
		Temperature: x.cmd.Params.Temperature,
		MaxTokens:   x.cmd.Params.MaxTokens,
	}

	var text string
	var calls []chat.ToolCallRequest

	for attempt := 0; ; attempt++ {
		x.setState(StateRequesting)

		events, err := x.adapter.Stream(ctx, req)
		if err == nil {
			x.setState(StateStreaming)
			var emitted bool
			text, calls, emitted, err = x.consume(ctx, events)
			if err == nil {
				break
			}
			// Retrying after the consumer saw output would replay deltas.
			if emitted && chat.KindOf(err) != chat.Cancelled {
				return false, err
			}
		}

		if chat.KindOf(err) == chat.Cancelled {
			return false, err
		}
		if !chat.IsTransient(err) || attempt >= x.cmd.MaxRetries {
			return false, err
		}

		delay := retryBaseDelay << attempt
		x.logger.Warn().
			Err(err).
			Int("attempt", attempt+1).
			Dur("backoff", delay).
			Msg("Provider request failed, retrying")
		observability.RecordRetry(x.adapter.Name())

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return false, chat.WrapError(chat.Cancelled, ctx.Err(), "cancelled during retry backoff")
		}
	}

	if ctx.Err() != nil {
		return false, chat.WrapError(chat.Cancelled, ctx.Err(), "cancelled after stream")
	}

	if len(calls) == 0 {
		reply := chat.AssistantMessage(text, nil)
		x.convo.Append(reply)
		x.persist(ctx, reply)
		return true, nil
	}

	if toolChoice.Mode == chat.ToolChoiceNone {
		return false, chat.NewError(chat.ProtocolViolation,
			"model requested tools with tool choice none")
	}
	if err := checkUniqueCallIDs(calls); err != nil {
		return false, err
	}

	x.setState(StateExecutingTools)
	for _, call := range calls {
		x.emit(chat.ToolCallStarted(call))
	}

	results := x.executeTools(ctx, calls)
	if ctx.Err() != nil {
		// Discard the round; the transcript stays as of the last commit.
		return false, chat.WrapError(chat.Cancelled, ctx.Err(), "cancelled during tool execution")
	}

	staged := make([]chat.Message, 0, len(calls)+1)
	staged = append(staged, chat.AssistantMessage(text, calls))
	for i, call := range calls {
		x.emit(chat.ToolCallCompleted(call, results[i]))
		staged = append(staged, chat.ToolMessage(results[i]))
	}

	x.convo.Append(staged...)
	x.persist(ctx, staged...)
	return false, nil
}

// consume drains one attempt's event stream. emitted reports whether any
// output reached the consumer or the call list.
func (x *run) consume(ctx context.Context, events <-chan provider.Event) (string, []chat.ToolCallRequest, bool, error) {
	var text strings.Builder
	var calls []chat.ToolCallRequest
	var emitted bool

	for ev := range events {
		switch {
		case ev.Err != nil:
			return "", nil, emitted, ev.Err

		case ev.Text != "":
			emitted = true
			text.WriteString(ev.Text)
			x.emit(chat.TextDelta(ev.Text))

		case ev.ToolCall != nil:
			emitted = true
			calls = append(calls, *ev.ToolCall)

		case ev.Done:
			if ev.Usage != nil {
				x.usage.Add(*ev.Usage)
			}
		}
	}

	if ctx.Err() != nil {
		return "", nil, emitted, chat.WrapError(chat.Cancelled, ctx.Err(), "stream cancelled")
	}
	return text.String(), calls, emitted, nil
}

// executeTools runs a round's calls with bounded concurrency. Results land
// at the index of their request, preserving request order for the caller.
func (x *run) executeTools(ctx context.Context, calls []chat.ToolCallRequest) []chat.ToolResult {
	results := make([]chat.ToolResult, len(calls))

	g := &errgroup.Group{}
	g.SetLimit(x.rt.toolConcurrency)

	for i, call := range calls {
		i, call := i, call
		g.Go(func() error {
			// A call still waiting for a concurrency slot must not run
			// once the command is cancelled.
			if ctx.Err() != nil {
				results[i] = chat.ToolResult{
					CallID:  call.ID,
					Content: fmt.Sprintf("%s not executed: run cancelled", call.Name),
					IsError: true,
				}
				return nil
			}
			start := time.Now()
			results[i] = x.rt.registry.Execute(ctx, call)
			observability.RecordToolExecution(call.Name, time.Since(start), !results[i].IsError)
			return nil
		})
	}
	_ = g.Wait()

	return results
}

// persist appends committed messages to the store. Persistence trouble is
// logged, never fatal to the run.
func (x *run) persist(ctx context.Context, msgs ...chat.Message) {
	if x.rt.store == nil {
		return
	}
	if err := x.rt.store.Append(ctx, x.cmd.SessionKey, msgs...); err != nil {
		x.logger.Warn().Err(err).Msg("Failed to persist messages")
	}
}

func checkUniqueCallIDs(calls []chat.ToolCallRequest) error {
	seen := make(map[string]bool, len(calls))
	for _, call := range calls {
		if seen[call.ID] {
			return chat.NewError(chat.ProtocolViolation, "duplicate tool call id %q in round", call.ID)
		}
		seen[call.ID] = true
	}
	return nil
}
