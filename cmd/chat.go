package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/lkarlslund/chatgate/pkg/chatclient"
)

const (
	envGatewayURL = "CHATGATE_URL"
	envAPIKey     = "CHATGATE_API_KEY"
)

var (
	chatGatewayURL string
	chatAPIKey     string
	chatModel      string
	chatMaxTokens  int
	chatTimeout    time.Duration
)

func init() {
	chatCmd := &cobra.Command{
		Use:   "chat [flags] <prompt...>",
		Short: "Send one prompt to a running gateway and print the reply",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			prompt := strings.TrimSpace(strings.Join(args, " "))
			if prompt == "" {
				return errors.New("prompt cannot be empty")
			}
			gateway := chatGatewayURL
			if !cmd.Flags().Changed("gateway") {
				if v := strings.TrimSpace(os.Getenv(envGatewayURL)); v != "" {
					gateway = v
				}
			}
			apiKey := chatAPIKey
			if !cmd.Flags().Changed("api-key") {
				apiKey = os.Getenv(envAPIKey)
			}
			client := chatclient.New(gateway,
				chatclient.WithAPIKey(apiKey),
				chatclient.WithMaxTokens(chatMaxTokens),
				chatclient.WithTimeout(chatTimeout),
			)
			ctx, cancel := context.WithTimeout(cmd.Context(), chatTimeout)
			defer cancel()
			answer, err := client.Ask(ctx, chatModel, prompt)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), strings.TrimSpace(answer))
			return nil
		},
	}
	chatCmd.Flags().StringVar(&chatGatewayURL, "gateway", "http://127.0.0.1:8080", "Gateway base URL (or set "+envGatewayURL+")")
	chatCmd.Flags().StringVar(&chatAPIKey, "api-key", "", "Bearer token for a gateway behind an authenticating proxy (or set "+envAPIKey+")")
	chatCmd.Flags().StringVar(&chatModel, "model", "", "Model alias or id (default: the gateway default)")
	chatCmd.Flags().IntVar(&chatMaxTokens, "max-tokens", 0, "Maximum tokens to generate (0 lets the gateway decide)")
	chatCmd.Flags().DurationVar(&chatTimeout, "timeout", 3*time.Minute, "Overall request timeout")
	rootCmd.AddCommand(chatCmd)
}
