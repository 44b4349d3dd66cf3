// Package runtime drives multi-round conversations: request a model round,
// stream its actions, execute requested tools, commit the round to the
// transcript, and repeat until the model stops calling tools or a budget
// runs out.
package runtime

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/droverhq/drover/internal/observability"
	"github.com/droverhq/drover/internal/tracing"

	"github.com/droverhq/drover/pkg/chat"
	"github.com/droverhq/drover/pkg/provider"
	"github.com/droverhq/drover/pkg/queue"
	"github.com/droverhq/drover/pkg/session"
	"github.com/droverhq/drover/pkg/toolkit"
)

// State names the runtime's position in a run.
type State string

const (
	StateIdle           State = "idle"
	StateRequesting     State = "requesting"
	StateStreaming      State = "streaming"
	StateExecutingTools State = "executing_tools"
	StateCompleted      State = "completed"
	StateFailed         State = "failed"
)

const defaultToolConcurrency = 4

// Options wires the runtime's collaborators. Adapter, when set, bypasses
// profile selection; hosts use Profiles+Factory, tests inject a stub.
type Options struct {
	Registry *toolkit.Registry
	Store    *session.Store
	Queue    *queue.Queue
	Profiles *provider.Profiles
	Factory  *provider.Factory
	Adapter  provider.Adapter

	// ToolConcurrency bounds concurrent tool executions within a round.
	ToolConcurrency int
	// CompactThreshold is the estimated token count above which older
	// messages fold into a summary in the per-round snapshot. Zero disables
	// compaction.
	CompactThreshold int
}

// Runtime executes commands against a provider and a tool registry.
type Runtime struct {
	registry        *toolkit.Registry
	store           *session.Store
	queue           *queue.Queue
	profiles        *provider.Profiles
	factory         *provider.Factory
	adapter         provider.Adapter
	toolConcurrency int
	compactAt       int
}

// New creates a runtime.
func New(opts Options) *Runtime {
	observability.EnsureRegistered()

	registry := opts.Registry
	if registry == nil {
		registry = toolkit.New()
	}
	concurrency := opts.ToolConcurrency
	if concurrency <= 0 {
		concurrency = defaultToolConcurrency
	}

	return &Runtime{
		registry:        registry,
		store:           opts.Store,
		queue:           opts.Queue,
		profiles:        opts.Profiles,
		factory:         opts.Factory,
		adapter:         opts.Adapter,
		toolConcurrency: concurrency,
		compactAt:       opts.CompactThreshold,
	}
}

// Run validates a command and starts it. The returned channel carries the
// run's live actions and is closed after exactly one terminal action.
// Validation failures, including an unknown ToolChoice Call target, return
// before any provider traffic.
func (r *Runtime) Run(ctx context.Context, cmd chat.Command) (<-chan chat.Action, error) {
	if err := cmd.Validate(); err != nil {
		return nil, err
	}

	if cmd.ToolChoice.Mode == chat.ToolChoiceCall {
		if _, ok := r.registry.Resolve(cmd.ToolChoice.Name); !ok {
			return nil, chat.NewError(chat.ToolNotFound,
				"tool choice names unknown tool %q", cmd.ToolChoice.Name)
		}
	}

	adapter, profileID, err := r.selectAdapter()
	if err != nil {
		return nil, err
	}

	ctx = tracing.NewRunContext(ctx, cmd.SessionKey)
	actions := make(chan chat.Action, 64)

	go func() {
		defer close(actions)

		run := func(taskCtx context.Context) (interface{}, error) {
			r.execute(taskCtx, adapter, profileID, cmd, actions)
			return nil, nil
		}

		if r.queue != nil {
			if _, err := r.queue.Enqueue(ctx, cmd.SessionKey, run); err != nil {
				actions <- chat.Failed(chat.WrapError(chat.Cancelled, err, "command rejected by queue"))
			}
			return
		}
		_, _ = run(ctx)
	}()

	return actions, nil
}

// LoadSession reads a persisted transcript so a caller can seed a command.
func (r *Runtime) LoadSession(ctx context.Context, sessionKey string) ([]chat.Message, error) {
	if r.store == nil {
		return nil, nil
	}
	return r.store.Load(ctx, sessionKey)
}

// Registry exposes the tool registry for host registration.
func (r *Runtime) Registry() *toolkit.Registry {
	return r.registry
}

func (r *Runtime) selectAdapter() (provider.Adapter, string, error) {
	if r.adapter != nil {
		return r.adapter, "", nil
	}
	if r.profiles == nil || r.factory == nil {
		return nil, "", chat.NewError(chat.ProviderUnavailable, "no provider adapter configured")
	}
	profile, ok := r.profiles.Select(time.Now())
	if !ok {
		return nil, "", chat.NewError(chat.ProviderUnavailable, "no auth profiles configured")
	}
	adapter, err := r.factory.New(profile)
	if err != nil {
		return nil, "", chat.WrapError(chat.ProviderUnavailable, err, "building adapter for profile %s", profile.ID)
	}
	return adapter, profile.ID, nil
}

// execute runs the round loop. It always sends exactly one terminal action.
func (r *Runtime) execute(ctx context.Context, adapter provider.Adapter, profileID string, cmd chat.Command, actions chan<- chat.Action) {
	ctx, span := tracing.StartSpan(
		ctx,
		"drover.runtime",
		"runtime.run",
		attribute.String("session_key", cmd.SessionKey),
		attribute.String("provider", adapter.Name()),
		attribute.String("model", cmd.Params.Model),
	)
	defer span.End()

	logger := tracing.LoggerFromContext(ctx, log.Logger).With().
		Str("provider", adapter.Name()).
		Logger()

	start := time.Now()
	run := newRun(r, adapter, cmd, actions, logger)
	err := run.loop(ctx)

	success := err == nil
	observability.RecordRun(adapter.Name(), time.Since(start), success)

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if profileID != "" && chat.KindOf(err) == chat.ProviderUnavailable {
			r.profiles.MarkFailure(profileID, time.Now())
			observability.SetProfileCooldown(profileID, true)
		}
		logger.Error().Err(err).Int("rounds", run.round).Msg("Run failed")
		return
	}

	if profileID != "" {
		r.profiles.MarkSuccess(profileID)
		observability.SetProfileCooldown(profileID, false)
	}
	logger.Info().
		Int("rounds", run.round).
		Int("input_tokens", run.usage.InputTokens).
		Int("output_tokens", run.usage.OutputTokens).
		Msg("Run completed")
}
