package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/lkarlslund/chatgate/pkg/config"
	"github.com/lkarlslund/chatgate/pkg/logutil"
)

var (
	rootLogLevel string
	rootEnvFile  string
)

var rootCmd = &cobra.Command{
	Use:   "chatgate",
	Short: "Chat inference gateway",
	Long:  "chatgate accepts chat requests in several calling conventions, resolves model aliases and forwards one canonical request to an OpenAI-compatible upstream.",
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.SetOut(os.Stdout)
	rootCmd.SetErr(os.Stderr)
	rootCmd.SilenceUsage = true
	rootCmd.SilenceErrors = true
	rootCmd.PersistentFlags().StringVar(&rootLogLevel, "loglevel", "", "Log level (trace, debug, info, warn, error, fatal); overrides log_level in config")
	rootCmd.PersistentFlags().StringVar(&rootEnvFile, "env-file", ".env", "Dotenv file loaded before reading the environment")
	rootCmd.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		if err := config.LoadDotEnv(rootEnvFile, cmd.Flags().Changed("env-file")); err != nil {
			return err
		}
		if err := logutil.Configure(rootLogLevel); err != nil {
			return err
		}
		if os.Geteuid() == 0 {
			fmt.Fprintln(cmd.ErrOrStderr(), "warning: running as root")
		}
		return nil
	}
}

// loadConfig reads the config file (defaults when absent), then applies the
// environment and validates the result.
func loadConfig(cmd *cobra.Command, path string) (*config.ServerConfig, error) {
	cfg, found, err := config.LoadServerConfigOrDefault(path)
	if err != nil {
		return nil, fmt.Errorf("load server config: %w", err)
	}
	if !found && cmd.Flags().Changed("config") {
		return nil, fmt.Errorf("load server config: %s does not exist", path)
	}
	cfg.ApplyEnv(os.LookupEnv)
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid server config: %w", err)
	}
	return cfg, nil
}
