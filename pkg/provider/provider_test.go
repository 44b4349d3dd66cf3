package provider

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/droverhq/drover/pkg/chat"
)

func TestAccumulator(t *testing.T) {
	t.Run("assembles fragments in order", func(t *testing.T) {
		acc := newAccumulator()
		require.NoError(t, acc.start(0, "call_1", "read_file"))
		require.NoError(t, acc.appendArgs(0, `{"pa`))
		require.NoError(t, acc.appendArgs(0, `th":"go`))
		require.NoError(t, acc.appendArgs(0, `.mod"}`))

		call, err := acc.finish(0)
		require.NoError(t, err)
		assert.Equal(t, "call_1", call.ID)
		assert.Equal(t, "read_file", call.Name)
		assert.Equal(t, "go.mod", call.Arguments["path"])
	})

	t.Run("empty accumulation means no arguments", func(t *testing.T) {
		acc := newAccumulator()
		require.NoError(t, acc.start(0, "call_1", "list_files"))

		call, err := acc.finish(0)
		require.NoError(t, err)
		assert.Empty(t, call.Arguments)
	})

	t.Run("missing id is synthesized", func(t *testing.T) {
		acc := newAccumulator()
		require.NoError(t, acc.start(0, "", "list_files"))

		call, err := acc.finish(0)
		require.NoError(t, err)
		assert.NotEmpty(t, call.ID)
	})

	t.Run("duplicate call id is a protocol violation", func(t *testing.T) {
		acc := newAccumulator()
		require.NoError(t, acc.start(0, "call_1", "a"))
		err := acc.start(1, "call_1", "b")
		assert.Equal(t, chat.ProtocolViolation, chat.KindOf(err))
	})

	t.Run("fragment for unknown call is a protocol violation", func(t *testing.T) {
		acc := newAccumulator()
		err := acc.appendArgs(3, `{"x":1}`)
		assert.Equal(t, chat.ProtocolViolation, chat.KindOf(err))
	})

	t.Run("malformed argument json is a protocol violation", func(t *testing.T) {
		acc := newAccumulator()
		require.NoError(t, acc.start(0, "call_1", "read_file"))
		require.NoError(t, acc.appendArgs(0, `{"path": unterminated`))

		_, err := acc.finish(0)
		assert.Equal(t, chat.ProtocolViolation, chat.KindOf(err))
	})

	t.Run("nameless call is a protocol violation", func(t *testing.T) {
		acc := newAccumulator()
		require.NoError(t, acc.start(0, "call_1", ""))
		_, err := acc.finish(0)
		assert.Equal(t, chat.ProtocolViolation, chat.KindOf(err))
	})

	t.Run("open indexes sorted for whole-message flush", func(t *testing.T) {
		acc := newAccumulator()
		require.NoError(t, acc.start(2, "c2", "b"))
		require.NoError(t, acc.start(0, "c0", "a"))
		require.NoError(t, acc.start(1, "c1", "c"))

		assert.Equal(t, []int64{0, 1, 2}, acc.openIndexes())

		_, err := acc.finish(1)
		require.NoError(t, err)
		assert.Equal(t, []int64{0, 2}, acc.openIndexes())
	})
}

func TestProfiles(t *testing.T) {
	now := time.Now()

	t.Run("highest priority wins", func(t *testing.T) {
		set := NewProfiles([]Profile{
			{ID: "backup", Provider: "openai", Priority: 1},
			{ID: "main", Provider: "anthropic", Priority: 10},
		})
		p, ok := set.Select(now)
		require.True(t, ok)
		assert.Equal(t, "main", p.ID)
	})

	t.Run("cooldown skips to next profile", func(t *testing.T) {
		set := NewProfiles([]Profile{
			{ID: "backup", Provider: "openai", Priority: 1},
			{ID: "main", Provider: "anthropic", Priority: 10},
		})
		set.MarkFailure("main", now)

		p, ok := set.Select(now)
		require.True(t, ok)
		assert.Equal(t, "backup", p.ID)
	})

	t.Run("cooldown grows with failures and clears on success", func(t *testing.T) {
		set := NewProfiles([]Profile{{ID: "main", Provider: "anthropic", Priority: 1}})
		set.MarkFailure("main", now)
		set.MarkFailure("main", now)

		p, _ := set.Select(now)
		assert.Equal(t, 2, p.FailureCount)
		assert.Equal(t, now.UnixMilli()+120000, p.CooldownUntil)

		set.MarkSuccess("main")
		p, _ = set.Select(now)
		assert.Zero(t, p.FailureCount)
		assert.False(t, p.InCooldown(now))
	})

	t.Run("all cooling down still yields a profile", func(t *testing.T) {
		set := NewProfiles([]Profile{
			{ID: "a", Provider: "anthropic", Priority: 2},
			{ID: "b", Provider: "openai", Priority: 1},
		})
		set.MarkFailure("a", now)
		set.MarkFailure("a", now)
		set.MarkFailure("b", now)

		p, ok := set.Select(now)
		require.True(t, ok)
		assert.Equal(t, "b", p.ID) // soonest to expire
	})

	t.Run("empty set", func(t *testing.T) {
		_, ok := NewProfiles(nil).Select(now)
		assert.False(t, ok)
	})
}

func TestFactory(t *testing.T) {
	factory := NewFactory()

	cases := []struct {
		provider string
		name     string
	}{
		{"anthropic", "anthropic"},
		{"openai", "openai"},
		{"openrouter", "openrouter"},
	}
	for _, tc := range cases {
		t.Run(tc.provider, func(t *testing.T) {
			adapter, err := factory.New(&Profile{ID: "p", Provider: tc.provider, APIKey: "k"})
			require.NoError(t, err)
			assert.Equal(t, tc.name, adapter.Name())
		})
	}

	t.Run("unknown provider", func(t *testing.T) {
		_, err := factory.New(&Profile{ID: "p", Provider: "mystery"})
		assert.Error(t, err)
	})
}

func TestClassifyError(t *testing.T) {
	ctx := context.Background()

	t.Run("plain transport errors are transient", func(t *testing.T) {
		err := classifyError(ctx, errors.New("connection reset"))
		assert.True(t, chat.IsTransient(err))
		assert.Equal(t, chat.ProviderUnavailable, chat.KindOf(err))
	})

	t.Run("cancellation maps to cancelled", func(t *testing.T) {
		cancelled, cancel := context.WithCancel(ctx)
		cancel()
		err := classifyError(cancelled, context.Canceled)
		assert.Equal(t, chat.Cancelled, chat.KindOf(err))
		assert.False(t, chat.IsTransient(err))
	})

	t.Run("protocol violations pass through", func(t *testing.T) {
		in := chat.NewError(chat.ProtocolViolation, "duplicate id")
		assert.Equal(t, chat.ProtocolViolation, chat.KindOf(classifyError(ctx, in)))
	})

	t.Run("nil stays nil", func(t *testing.T) {
		assert.NoError(t, classifyError(ctx, nil))
	})
}
