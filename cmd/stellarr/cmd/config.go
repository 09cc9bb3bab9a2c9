package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/stellarr/stellarr/internal/config"
)

func init() {
	configCmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect the configuration",
	}

	configCmd.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Load and validate the configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := config.NewManager(configFile); err != nil {
				return err
			}
			fmt.Printf("%s is valid\n", configFile)
			return nil
		},
	})

	configCmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration with secrets masked",
		RunE: func(cmd *cobra.Command, args []string) error {
			manager, err := config.NewManager(configFile)
			if err != nil {
				return err
			}
			cfg := *manager.GetConfig()

			masked := make([]config.ProviderConfig, len(cfg.Providers))
			copy(masked, cfg.Providers)
			for i := range masked {
				if masked[i].Password != "" {
					masked[i].Password = "********"
				}
			}
			cfg.Providers = masked

			out, err := yaml.Marshal(&cfg)
			if err != nil {
				return err
			}
			fmt.Print(string(out))
			return nil
		},
	})

	rootCmd.AddCommand(configCmd)
}
