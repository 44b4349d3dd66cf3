package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/droverhq/drover/pkg/coretools"
	"github.com/droverhq/drover/pkg/toolkit"
)

var toolsCmd = &cobra.Command{
	Use:   "tools",
	Short: "List the registered tools",
	RunE:  runTools,
}

func init() {
	rootCmd.AddCommand(toolsCmd)
}

func runTools(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	registry := toolkit.New()
	policy := cfg.ToolPolicy()
	registry.SetPolicy(policy)
	if err := coretools.Register(registry, coretools.Options{WorkspaceRoot: cfg.Workspace}); err != nil {
		return fmt.Errorf("failed to register core tools: %w", err)
	}

	for _, spec := range registry.Specs(nil) {
		marker := " "
		if !policy.Allowed(spec.Name) {
			marker = "x"
		}
		fmt.Printf("[%s] %-12s %s\n", marker, spec.Name, spec.Description)
	}
	return nil
}
