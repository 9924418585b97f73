package config

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/cloudfs/cloudfs/pkg/config"
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate configuration file",
	Long: `Validate the CloudFS configuration file.

Checks for syntax errors, missing required fields, and invalid values.

Examples:
  # Validate default config
  cloudfs config validate

  # Validate specific config file
  cloudfs config validate --config /etc/cloudfs/config.yaml`,
	RunE: runConfigValidate,
}

func runConfigValidate(cmd *cobra.Command, args []string) error {
	configPath, _ := cmd.Flags().GetString("config")

	cfg, err := config.MustLoad(configPath)
	if err != nil {
		return err
	}

	displayPath := configPath
	if displayPath == "" {
		displayPath = config.GetDefaultConfigPath()
	}

	var warnings []string
	if cfg.Cloud.AccessKeyID == "" && cfg.Cloud.SecretAccessKey == "" {
		warnings = append(warnings, "no static cloud credentials configured, relying on the default AWS credential chain")
	}
	if cfg.NoCache {
		warnings = append(warnings, "segment cache disabled (no_cache) - every cloud-tier read refetches from the object store")
	}

	fmt.Printf("Configuration file: %s\n", displayPath)
	fmt.Println("Validation: OK")

	if len(warnings) > 0 {
		fmt.Println("\nWarnings:")
		for _, w := range warnings {
			fmt.Printf("  - %s\n", w)
		}
	}

	fmt.Printf("\nConfiguration summary:\n")
	fmt.Printf("  SSD root:        %s\n", cfg.SSDRoot)
	fmt.Printf("  Mount point:     %s\n", cfg.FuseMount)
	fmt.Printf("  Cloud region:    %s\n", cfg.Cloud.Region)
	fmt.Printf("  Log level:       %s\n", cfg.Logging.Level)

	return nil
}
