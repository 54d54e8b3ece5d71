package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/voicemesh/voicemesh/internal/config"
)

func newValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate the configuration file without starting the daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			violations := cfg.Validate()
			if len(violations) == 0 {
				fmt.Println("configuration is valid")
				return nil
			}

			for _, v := range violations {
				fmt.Printf("  - %s\n", v)
			}
			return fmt.Errorf("configuration has %d violation(s)", len(violations))
		},
	}
}

// loadConfig reads the --config file, or returns the defaults when none was
// given.
func loadConfig() (*config.Config, error) {
	if configPath == "" {
		return config.Default(), nil
	}
	return config.Load(configPath)
}
