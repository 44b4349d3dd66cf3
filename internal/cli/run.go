package cli

import (
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/droverhq/drover/internal/observability"
	"github.com/droverhq/drover/internal/tracing"
	"github.com/droverhq/drover/pkg/chat"
)

var (
	runSession     string
	runModel       string
	runSystem      string
	runToolNames   []string
	runToolChoice  string
	runMaxRounds   int
	runMetricsAddr string
)

var runCmd = &cobra.Command{
	Use:   "run [prompt]",
	Short: "Run a prompt through the agent loop",
	Long: `Run a prompt through the agent loop. Model text streams to stdout as
it arrives; tool activity and the final summary go to stderr. The session
transcript is persisted and reloaded on the next run with the same --session.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runRun,
}

func init() {
	runCmd.Flags().StringVarP(&runSession, "session", "s", "default", "session key for transcript continuity")
	runCmd.Flags().StringVarP(&runModel, "model", "m", "", "model to use (default from config)")
	runCmd.Flags().StringVar(&runSystem, "system", "", "system prompt (default from config)")
	runCmd.Flags().StringSliceVar(&runToolNames, "tools", nil, "tools to expose (default all registered)")
	runCmd.Flags().StringVar(&runToolChoice, "tool-choice", "auto", "tool choice mode (auto, none, required, or a tool name)")
	runCmd.Flags().IntVar(&runMaxRounds, "max-rounds", 0, "round budget (default from config)")
	runCmd.Flags().StringVar(&runMetricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address while running")
	rootCmd.AddCommand(runCmd)
}

func runRun(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	a, err := newApp(cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	if err := tracing.InitOpenTelemetry("drover"); err != nil {
		log.Warn().Err(err).Msg("Failed to initialize tracing")
	} else {
		defer func() { _ = tracing.ShutdownOpenTelemetry(cmd.Context()) }()
	}

	if runMetricsAddr != "" {
		go serveMetrics(runMetricsAddr)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	seed, err := a.runtime.LoadSession(ctx, runSession)
	if err != nil {
		return fmt.Errorf("failed to load session %s: %w", runSession, err)
	}

	choice := parseToolChoice(runToolChoice)

	command := chat.Command{
		SessionKey: runSession,
		Prompt:     strings.Join(args, " "),
		System:     firstNonEmpty(runSystem, cfg.Defaults.System),
		Seed:       seed,
		ToolChoice: choice,
		Tools:      runToolNames,
		MaxRounds:  firstPositive(runMaxRounds, cfg.Limits.MaxRounds),
		MaxRetries: cfg.Limits.MaxRetries,
		Params: chat.GenParams{
			Model:       firstNonEmpty(runModel, cfg.Defaults.Model),
			Temperature: cfg.Defaults.Temperature,
			MaxTokens:   cfg.Defaults.MaxTokens,
		},
	}

	actions, err := a.runtime.Run(ctx, command)
	if err != nil {
		return err
	}

	return streamActions(actions)
}

// streamActions renders the live action stream. Text goes to stdout so the
// reply can be piped; everything else is stderr commentary.
func streamActions(actions <-chan chat.Action) error {
	for action := range actions {
		switch action.Kind {
		case chat.ActionTextDelta:
			fmt.Print(action.Text)

		case chat.ActionToolCallStarted:
			fmt.Fprintf(os.Stderr, "\n[tool] %s %s\n", action.ToolCall.Name, action.ToolCall.ArgumentsJSON())

		case chat.ActionToolCallCompleted:
			status := "ok"
			if action.ToolResult.IsError {
				status = "error"
			}
			fmt.Fprintf(os.Stderr, "[tool] %s -> %s\n", action.ToolResult.CallID, status)

		case chat.ActionRoundCompleted:
			fmt.Fprintf(os.Stderr, "\n[round %d complete]\n", action.Round)

		case chat.ActionFinished:
			fmt.Println()
			if action.Usage != nil {
				fmt.Fprintf(os.Stderr, "[done] rounds=%d input_tokens=%d output_tokens=%d\n",
					action.Round, action.Usage.InputTokens, action.Usage.OutputTokens)
			}

		case chat.ActionFailed:
			fmt.Println()
			return fmt.Errorf("run failed (%s): %s", action.Err.Kind, action.Err.Message)
		}
	}
	return nil
}

// parseToolChoice maps the flag value; anything that is not a mode keyword
// names a specific tool.
func parseToolChoice(raw string) chat.ToolChoice {
	switch raw {
	case "", "auto":
		return chat.AutoToolChoice()
	case "none":
		return chat.NoToolChoice()
	case "required":
		return chat.RequiredToolChoice()
	default:
		return chat.CallToolChoice(raw)
	}
}

func serveMetrics(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", observability.MetricsHandler())
	if err := http.ListenAndServe(addr, mux); err != nil {
		log.Warn().Err(err).Str("addr", addr).Msg("Metrics server stopped")
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func firstPositive(values ...int) int {
	for _, v := range values {
		if v > 0 {
			return v
		}
	}
	return 0
}
