package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"

	"github.com/lkarlslund/chatgate/pkg/config"
	"github.com/lkarlslund/chatgate/pkg/logutil"
	"github.com/lkarlslund/chatgate/pkg/metrics"
	"github.com/lkarlslund/chatgate/pkg/proxy"
	"github.com/lkarlslund/chatgate/pkg/version"
)

var (
	serveConfigPath         string
	serveListenAddrOverride string
	serveResponseMode       string
	serveUpstreamURL        string
)

func init() {
	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the gateway",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, serveConfigPath)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("listen-addr") {
				cfg.ListenAddr = serveListenAddrOverride
			}
			if cmd.Flags().Changed("response-mode") {
				cfg.ResponseMode = serveResponseMode
			}
			if cmd.Flags().Changed("upstream-url") {
				cfg.Upstream.BaseURL = serveUpstreamURL
			}
			cfg.Normalize()
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("invalid server config: %w", err)
			}
			if !cmd.Flags().Changed("loglevel") {
				if err := logutil.Configure(cfg.LogLevel); err != nil {
					return err
				}
			}
			if err := logutil.SetFormat(cfg.LogFormat); err != nil {
				return err
			}
			log.Info("starting", "version", version.String(), "config", serveConfigPath)

			srv, err := proxy.NewServer(cfg, metrics.NewCollector(nil))
			if err != nil {
				return fmt.Errorf("create server: %w", err)
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			return srv.Run(ctx)
		},
	}
	serveCmd.Flags().StringVar(&serveConfigPath, "config", config.DefaultServerConfigPath(), "Server config path (.toml, .yaml or .yml)")
	serveCmd.Flags().StringVar(&serveListenAddrOverride, "listen-addr", "", "Override listen address from config (e.g. 127.0.0.1:8080)")
	serveCmd.Flags().StringVar(&serveResponseMode, "response-mode", "", "Override response_mode (completion or message)")
	serveCmd.Flags().StringVar(&serveUpstreamURL, "upstream-url", "", "Override upstream base URL (e.g. https://router.huggingface.co/v1)")
	rootCmd.AddCommand(serveCmd)
}
