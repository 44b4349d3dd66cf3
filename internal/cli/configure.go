package cli

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/droverhq/drover/internal/config"
)

var configureCmd = &cobra.Command{
	Use:   "config",
	Short: "Show the resolved configuration",
	Long: `Show the resolved configuration after defaults, the config file, and
environment overrides are applied. API keys are masked.`,
	RunE: runConfigure,
}

var configureValidate bool

func init() {
	configureCmd.Flags().BoolVar(&configureValidate, "validate", false, "exit non-zero if the configuration is invalid")
	rootCmd.AddCommand(configureCmd)
}

func runConfigure(cmd *cobra.Command, args []string) error {
	loader := config.NewLoader(cfgFile)
	cfg, err := loader.Load()
	if err != nil {
		return err
	}

	if configureValidate {
		if err := cfg.Validate(); err != nil {
			return err
		}
		fmt.Println("configuration is valid")
	}

	fmt.Printf("config file: %s\n\n", loader.GetConfigPath())

	masked := *cfg
	masked.Profiles = make([]config.ProfileConfig, len(cfg.Profiles))
	for i, p := range cfg.Profiles {
		p.APIKey = maskKey(p.APIKey)
		masked.Profiles[i] = p
	}

	out, err := json.MarshalIndent(&masked, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}

func maskKey(key string) string {
	if len(key) <= 8 {
		return "****"
	}
	return key[:8] + "****"
}
