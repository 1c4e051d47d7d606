package cmd

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/lkarlslund/chatgate/pkg/config"
)

var (
	configPath  string
	configForce bool
)

func init() {
	configCmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect or create the server config",
	}

	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default server config",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := os.Stat(configPath); err == nil && !configForce {
				return fmt.Errorf("%s already exists (use --force to overwrite)", configPath)
			} else if err != nil && !errors.Is(err, os.ErrNotExist) {
				return fmt.Errorf("stat config: %w", err)
			}
			cfg := config.NewDefaultServerConfig()
			cfg.Normalize()
			if err := config.Save(configPath, cfg); err != nil {
				return fmt.Errorf("write config: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Wrote %s\n", configPath)
			return nil
		},
	}
	initCmd.Flags().BoolVar(&configForce, "force", false, "Overwrite an existing config")

	showCmd := &cobra.Command{
		Use:   "show",
		Short: "Print the effective config (file, .env and environment) with secrets redacted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, configPath)
			if err != nil {
				return err
			}
			fmt.Fprint(cmd.OutOrStdout(), cfg.String())
			return nil
		},
	}

	configCmd.PersistentFlags().StringVar(&configPath, "config", config.DefaultServerConfigPath(), "Server config path (.toml, .yaml or .yml)")
	configCmd.AddCommand(initCmd, showCmd)
	rootCmd.AddCommand(configCmd)
}
