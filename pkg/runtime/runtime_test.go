package runtime

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/droverhq/drover/pkg/chat"
	"github.com/droverhq/drover/pkg/provider"
	"github.com/droverhq/drover/pkg/session"
	"github.com/droverhq/drover/pkg/toolkit"
)

// stubAdapter plays back scripted rounds.
type stubAdapter struct {
	mu       sync.Mutex
	rounds   []stubRound
	requests []provider.Request
}

type stubRound struct {
	events    []provider.Event
	streamErr error
}

func (s *stubAdapter) Name() string { return "stub" }

func (s *stubAdapter) Stream(ctx context.Context, req provider.Request) (<-chan provider.Event, error) {
	s.mu.Lock()
	s.requests = append(s.requests, req)
	if len(s.rounds) == 0 {
		s.mu.Unlock()
		return nil, chat.NewError(chat.ProtocolViolation, "stub exhausted")
	}
	round := s.rounds[0]
	s.rounds = s.rounds[1:]
	s.mu.Unlock()

	if round.streamErr != nil {
		return nil, round.streamErr
	}

	events := make(chan provider.Event)
	go func() {
		defer close(events)
		for _, ev := range round.events {
			select {
			case events <- ev:
			case <-ctx.Done():
				events <- provider.Event{Err: chat.WrapError(chat.Cancelled, ctx.Err(), "stream cancelled")}
				return
			}
		}
	}()
	return events, nil
}

func (s *stubAdapter) requestCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.requests)
}

func textRound(chunks ...string) stubRound {
	var events []provider.Event
	for _, chunk := range chunks {
		events = append(events, provider.Event{Text: chunk})
	}
	events = append(events, provider.Event{
		Usage: &chat.TokenUsage{InputTokens: 10, OutputTokens: 5},
		Done:  true,
	})
	return stubRound{events: events}
}

func toolRound(calls ...chat.ToolCallRequest) stubRound {
	var events []provider.Event
	for i := range calls {
		call := calls[i]
		events = append(events, provider.Event{ToolCall: &call})
	}
	events = append(events, provider.Event{
		Usage: &chat.TokenUsage{InputTokens: 20, OutputTokens: 8},
		Done:  true,
	})
	return stubRound{events: events}
}

func echoRegistry(t *testing.T) *toolkit.Registry {
	t.Helper()
	registry := toolkit.New()
	require.NoError(t, registry.Register(toolkit.Definition{
		Name:        "echo",
		Description: "Echo the input text",
		Parameters: []toolkit.Parameter{
			{Name: "text", Type: "string", Description: "Text to echo", Required: true},
		},
		Handler: func(ctx context.Context, args map[string]interface{}) (string, error) {
			return args["text"].(string), nil
		},
	}))
	return registry
}

func command() chat.Command {
	return chat.Command{
		SessionKey: "main",
		Prompt:     "hello",
		Params:     chat.GenParams{Model: "stub-model"},
	}
}

func collect(t *testing.T, actions <-chan chat.Action) []chat.Action {
	t.Helper()
	var out []chat.Action
	timeout := time.After(5 * time.Second)
	for {
		select {
		case action, ok := <-actions:
			if !ok {
				return out
			}
			out = append(out, action)
		case <-timeout:
			t.Fatalf("run did not terminate, got %d actions", len(out))
		}
	}
}

func kinds(actions []chat.Action) []chat.ActionKind {
	out := make([]chat.ActionKind, len(actions))
	for i, a := range actions {
		out[i] = a.Kind
	}
	return out
}

func TestTextOnlyRun(t *testing.T) {
	adapter := &stubAdapter{rounds: []stubRound{textRound("Hel", "lo!")}}
	rt := New(Options{Registry: echoRegistry(t), Adapter: adapter})

	actions, err := rt.Run(context.Background(), command())
	require.NoError(t, err)
	got := collect(t, actions)

	assert.Equal(t, []chat.ActionKind{
		chat.ActionTextDelta,
		chat.ActionTextDelta,
		chat.ActionRoundCompleted,
		chat.ActionFinished,
	}, kinds(got))

	final := got[len(got)-1]
	assert.Equal(t, 1, final.Round)
	require.NotNil(t, final.Usage)
	assert.Equal(t, 10, final.Usage.InputTokens)
}

func TestToolRoundThenFinish(t *testing.T) {
	adapter := &stubAdapter{rounds: []stubRound{
		toolRound(chat.ToolCallRequest{
			ID: "c1", Name: "echo", Arguments: map[string]interface{}{"text": "pong"},
		}),
		textRound("pong received"),
	}}
	rt := New(Options{Registry: echoRegistry(t), Adapter: adapter})

	actions, err := rt.Run(context.Background(), command())
	require.NoError(t, err)
	got := collect(t, actions)

	assert.Equal(t, []chat.ActionKind{
		chat.ActionToolCallStarted,
		chat.ActionToolCallCompleted,
		chat.ActionRoundCompleted,
		chat.ActionTextDelta,
		chat.ActionRoundCompleted,
		chat.ActionFinished,
	}, kinds(got))

	completed := got[1]
	require.NotNil(t, completed.ToolResult)
	assert.Equal(t, "c1", completed.ToolResult.CallID)
	assert.Equal(t, "pong", completed.ToolResult.Content)
	assert.False(t, completed.ToolResult.IsError)

	// The second request must carry the first round's committed messages.
	require.Equal(t, 2, adapter.requestCount())
	second := adapter.requests[1].Messages
	require.Len(t, second, 3) // prompt, assistant with call, tool result
	assert.Equal(t, chat.RoleAssistant, second[1].Role)
	assert.Equal(t, "c1", second[2].Result.CallID)

	// Aggregate usage across both rounds.
	assert.Equal(t, 30, got[len(got)-1].Usage.InputTokens)
}

func TestUnknownToolFeedsBackAsFailedResult(t *testing.T) {
	adapter := &stubAdapter{rounds: []stubRound{
		toolRound(chat.ToolCallRequest{ID: "c1", Name: "no_such_tool"}),
		textRound("recovered"),
	}}
	rt := New(Options{Registry: echoRegistry(t), Adapter: adapter})

	actions, err := rt.Run(context.Background(), command())
	require.NoError(t, err)
	got := collect(t, actions)

	assert.Equal(t, chat.ActionFinished, got[len(got)-1].Kind)

	completed := got[1]
	require.NotNil(t, completed.ToolResult)
	assert.True(t, completed.ToolResult.IsError)
	assert.Contains(t, completed.ToolResult.Content, "tool not found")
}

func TestCallChoiceUnknownToolRejectedBeforeProviderTraffic(t *testing.T) {
	adapter := &stubAdapter{rounds: []stubRound{textRound("never sent")}}
	rt := New(Options{Registry: echoRegistry(t), Adapter: adapter})

	cmd := command()
	cmd.ToolChoice = chat.CallToolChoice("missing")

	_, err := rt.Run(context.Background(), cmd)
	require.Error(t, err)
	assert.Equal(t, chat.ToolNotFound, chat.KindOf(err))
	assert.Zero(t, adapter.requestCount())
}

func TestTransientErrorRetriedThenSucceeds(t *testing.T) {
	adapter := &stubAdapter{rounds: []stubRound{
		{streamErr: chat.TransientError(chat.ProviderUnavailable, errors.New("503"), "overloaded")},
		textRound("ok after retry"),
	}}
	rt := New(Options{Registry: echoRegistry(t), Adapter: adapter})

	start := time.Now()
	actions, err := rt.Run(context.Background(), command())
	require.NoError(t, err)
	got := collect(t, actions)

	assert.Equal(t, chat.ActionFinished, got[len(got)-1].Kind)
	assert.Equal(t, 2, adapter.requestCount())
	assert.GreaterOrEqual(t, time.Since(start), retryBaseDelay)
}

func TestRetryBudgetExhausted(t *testing.T) {
	transient := func() stubRound {
		return stubRound{streamErr: chat.TransientError(chat.ProviderUnavailable, nil, "overloaded")}
	}
	adapter := &stubAdapter{rounds: []stubRound{transient(), transient(), transient(), transient()}}
	rt := New(Options{Registry: echoRegistry(t), Adapter: adapter})

	cmd := command()
	cmd.MaxRetries = 2

	actions, err := rt.Run(context.Background(), cmd)
	require.NoError(t, err)
	got := collect(t, actions)

	final := got[len(got)-1]
	assert.Equal(t, chat.ActionFailed, final.Kind)
	assert.Equal(t, chat.ProviderUnavailable, final.Err.Kind)
	// initial attempt plus two retries
	assert.Equal(t, 3, adapter.requestCount())
}

func TestNonTransientErrorNotRetried(t *testing.T) {
	adapter := &stubAdapter{rounds: []stubRound{
		{streamErr: chat.NewError(chat.ProviderUnavailable, "invalid api key")},
		textRound("never reached"),
	}}
	rt := New(Options{Registry: echoRegistry(t), Adapter: adapter})

	actions, err := rt.Run(context.Background(), command())
	require.NoError(t, err)
	got := collect(t, actions)

	assert.Equal(t, chat.ActionFailed, got[len(got)-1].Kind)
	assert.Equal(t, 1, adapter.requestCount())
}

func TestRoundBudgetExhaustionIsNormalFinish(t *testing.T) {
	loop := func() stubRound {
		return toolRound(chat.ToolCallRequest{
			ID: "c1", Name: "echo", Arguments: map[string]interface{}{"text": "again"},
		})
	}
	adapter := &stubAdapter{rounds: []stubRound{loop(), loop(), loop()}}
	rt := New(Options{Registry: echoRegistry(t), Adapter: adapter})

	cmd := command()
	cmd.MaxRounds = 3

	actions, err := rt.Run(context.Background(), cmd)
	require.NoError(t, err)
	got := collect(t, actions)

	final := got[len(got)-1]
	assert.Equal(t, chat.ActionFinished, final.Kind)
	assert.Equal(t, 3, final.Round)

	rounds := 0
	for _, a := range got {
		if a.Kind == chat.ActionRoundCompleted {
			rounds++
		}
	}
	assert.Equal(t, 3, rounds)
}

func TestDuplicateCallIDsAreProtocolViolation(t *testing.T) {
	adapter := &stubAdapter{rounds: []stubRound{
		toolRound(
			chat.ToolCallRequest{ID: "c1", Name: "echo", Arguments: map[string]interface{}{"text": "a"}},
			chat.ToolCallRequest{ID: "c1", Name: "echo", Arguments: map[string]interface{}{"text": "b"}},
		),
	}}
	rt := New(Options{Registry: echoRegistry(t), Adapter: adapter})

	actions, err := rt.Run(context.Background(), command())
	require.NoError(t, err)
	got := collect(t, actions)

	final := got[len(got)-1]
	require.Equal(t, chat.ActionFailed, final.Kind)
	assert.Equal(t, chat.ProtocolViolation, final.Err.Kind)
}

func TestToolResultsAppendInRequestOrder(t *testing.T) {
	registry := toolkit.New()
	release := make(chan struct{})
	require.NoError(t, registry.Register(toolkit.Definition{
		Name:        "slow",
		Description: "Waits before answering",
		Handler: func(ctx context.Context, args map[string]interface{}) (string, error) {
			<-release
			return "slow done", nil
		},
	}))
	require.NoError(t, registry.Register(toolkit.Definition{
		Name:        "fast",
		Description: "Answers immediately and unblocks slow",
		Handler: func(ctx context.Context, args map[string]interface{}) (string, error) {
			close(release)
			return "fast done", nil
		},
	}))

	adapter := &stubAdapter{rounds: []stubRound{
		toolRound(
			chat.ToolCallRequest{ID: "c1", Name: "slow"},
			chat.ToolCallRequest{ID: "c2", Name: "fast"},
		),
		textRound("both done"),
	}}
	rt := New(Options{Registry: registry, Adapter: adapter, ToolConcurrency: 2})

	actions, err := rt.Run(context.Background(), command())
	require.NoError(t, err)
	got := collect(t, actions)
	assert.Equal(t, chat.ActionFinished, got[len(got)-1].Kind)

	// Even though fast finishes first, transcript and completion order
	// follow request order.
	second := adapter.requests[1].Messages
	require.Len(t, second, 4)
	assert.Equal(t, "c1", second[2].Result.CallID)
	assert.Equal(t, "c2", second[3].Result.CallID)

	var completions []string
	for _, a := range got {
		if a.Kind == chat.ActionToolCallCompleted {
			completions = append(completions, a.ToolResult.CallID)
		}
	}
	assert.Equal(t, []string{"c1", "c2"}, completions)
}

func TestCancellationDiscardsIncompleteRound(t *testing.T) {
	registry := toolkit.New()
	started := make(chan struct{})
	require.NoError(t, registry.Register(toolkit.Definition{
		Name:        "hang",
		Description: "Blocks until cancelled",
		Handler: func(ctx context.Context, args map[string]interface{}) (string, error) {
			close(started)
			<-ctx.Done()
			return "", ctx.Err()
		},
	}))

	store, err := session.New(t.TempDir())
	require.NoError(t, err)

	adapter := &stubAdapter{rounds: []stubRound{
		toolRound(chat.ToolCallRequest{ID: "c1", Name: "hang"}),
	}}
	rt := New(Options{Registry: registry, Adapter: adapter, Store: store})

	ctx, cancel := context.WithCancel(context.Background())
	actions, err := rt.Run(ctx, command())
	require.NoError(t, err)

	go func() {
		<-started
		cancel()
	}()
	got := collect(t, actions)

	final := got[len(got)-1]
	require.Equal(t, chat.ActionFailed, final.Kind)
	assert.Equal(t, chat.Cancelled, final.Err.Kind)

	// Only the prompt was committed; the torn round never persisted.
	persisted, err := store.Load(context.Background(), "main")
	require.NoError(t, err)
	require.Len(t, persisted, 1)
	assert.Equal(t, chat.RoleUser, persisted[0].Role)
}

func TestCancellationSkipsQueuedTools(t *testing.T) {
	registry := toolkit.New()
	firstStarted := make(chan struct{})
	var secondRan atomic.Bool
	require.NoError(t, registry.Register(toolkit.Definition{
		Name:        "first",
		Description: "Blocks until cancelled",
		Handler: func(ctx context.Context, args map[string]interface{}) (string, error) {
			close(firstStarted)
			<-ctx.Done()
			return "", ctx.Err()
		},
	}))
	require.NoError(t, registry.Register(toolkit.Definition{
		Name:        "second",
		Description: "Records that it ran",
		Handler: func(ctx context.Context, args map[string]interface{}) (string, error) {
			secondRan.Store(true)
			return "ok", nil
		},
	}))

	adapter := &stubAdapter{rounds: []stubRound{
		toolRound(
			chat.ToolCallRequest{ID: "c1", Name: "first"},
			chat.ToolCallRequest{ID: "c2", Name: "second"},
		),
	}}
	rt := New(Options{Registry: registry, Adapter: adapter, ToolConcurrency: 1})

	ctx, cancel := context.WithCancel(context.Background())
	actions, err := rt.Run(ctx, command())
	require.NoError(t, err)

	go func() {
		<-firstStarted
		cancel()
	}()
	got := collect(t, actions)

	final := got[len(got)-1]
	require.Equal(t, chat.ActionFailed, final.Kind)
	assert.Equal(t, chat.Cancelled, final.Err.Kind)

	// The second call was still waiting for the concurrency slot when the
	// run was cancelled; its handler must never fire.
	assert.False(t, secondRan.Load())
}

func TestReplayYieldsSameActionKinds(t *testing.T) {
	script := func() []stubRound {
		return []stubRound{
			toolRound(chat.ToolCallRequest{
				ID: "c1", Name: "echo", Arguments: map[string]interface{}{"text": "ping"},
			}),
			textRound("pong"),
		}
	}

	replay := func() []chat.ActionKind {
		rt := New(Options{Registry: echoRegistry(t), Adapter: &stubAdapter{rounds: script()}})
		actions, err := rt.Run(context.Background(), command())
		require.NoError(t, err)
		return kinds(collect(t, actions))
	}

	assert.Equal(t, replay(), replay())
}

func TestRequiredChoiceDowngradesAfterFirstRound(t *testing.T) {
	adapter := &stubAdapter{rounds: []stubRound{
		toolRound(chat.ToolCallRequest{
			ID: "c1", Name: "echo", Arguments: map[string]interface{}{"text": "x"},
		}),
		textRound("done"),
	}}
	rt := New(Options{Registry: echoRegistry(t), Adapter: adapter})

	cmd := command()
	cmd.ToolChoice = chat.RequiredToolChoice()

	actions, err := rt.Run(context.Background(), cmd)
	require.NoError(t, err)
	collect(t, actions)

	require.Equal(t, 2, adapter.requestCount())
	assert.Equal(t, chat.ToolChoiceRequired, adapter.requests[0].ToolChoice.Mode)
	assert.Equal(t, chat.ToolChoiceAuto, adapter.requests[1].ToolChoice.Mode)
}

func TestToolCallsUnderNoneChoiceAreProtocolViolation(t *testing.T) {
	adapter := &stubAdapter{rounds: []stubRound{
		toolRound(chat.ToolCallRequest{ID: "c1", Name: "echo", Arguments: map[string]interface{}{"text": "x"}}),
	}}
	rt := New(Options{Registry: echoRegistry(t), Adapter: adapter})

	cmd := command()
	cmd.ToolChoice = chat.NoToolChoice()

	actions, err := rt.Run(context.Background(), cmd)
	require.NoError(t, err)
	got := collect(t, actions)

	final := got[len(got)-1]
	require.Equal(t, chat.ActionFailed, final.Kind)
	assert.Equal(t, chat.ProtocolViolation, final.Err.Kind)
}

func TestPersistenceAcrossRounds(t *testing.T) {
	store, err := session.New(t.TempDir())
	require.NoError(t, err)

	adapter := &stubAdapter{rounds: []stubRound{
		toolRound(chat.ToolCallRequest{
			ID: "c1", Name: "echo", Arguments: map[string]interface{}{"text": "ping"},
		}),
		textRound("all done"),
	}}
	rt := New(Options{Registry: echoRegistry(t), Adapter: adapter, Store: store})

	actions, err := rt.Run(context.Background(), command())
	require.NoError(t, err)
	collect(t, actions)

	persisted, err := store.Load(context.Background(), "main")
	require.NoError(t, err)
	require.Len(t, persisted, 4)
	assert.Equal(t, chat.RoleUser, persisted[0].Role)
	assert.Equal(t, chat.RoleAssistant, persisted[1].Role)
	assert.Equal(t, chat.RoleTool, persisted[2].Role)
	assert.Equal(t, "all done", persisted[3].Content)

	// Reloading seeds a resumed command.
	reloaded, err := rt.LoadSession(context.Background(), "main")
	require.NoError(t, err)
	assert.Len(t, reloaded, 4)
}

func TestCompactSnapshot(t *testing.T) {
	long := func(role chat.Role) chat.Message {
		return chat.Message{Role: role, Content: string(make([]byte, 400))}
	}

	msgs := []chat.Message{chat.SystemMessage("be terse")}
	for i := 0; i < 20; i++ {
		msgs = append(msgs, long(chat.RoleUser), long(chat.RoleAssistant))
	}

	t.Run("under threshold untouched", func(t *testing.T) {
		out := compactSnapshot(msgs, 1<<20)
		assert.Len(t, out, len(msgs))
	})

	t.Run("over threshold folds older messages", func(t *testing.T) {
		out := compactSnapshot(msgs, 100)
		require.Less(t, len(out), len(msgs))
		assert.Equal(t, chat.RoleSystem, out[0].Role)
		assert.Contains(t, out[1].Content, "elided")
		assert.Equal(t, msgs[len(msgs)-1], out[len(out)-1])
	})

	t.Run("disabled when threshold is zero", func(t *testing.T) {
		out := compactSnapshot(msgs, 0)
		assert.Len(t, out, len(msgs))
	})
}
