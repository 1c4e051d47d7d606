package cmd

import (
	"encoding/json"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/lkarlslund/chatgate/pkg/config"
)

var (
	modelsConfigPath string
	modelsJSON       bool
)

func init() {
	modelsCmd := &cobra.Command{
		Use:   "models",
		Short: "List the model aliases the gateway resolves",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, modelsConfigPath)
			if err != nil {
				return err
			}
			registry, err := cfg.Registry()
			if err != nil {
				return err
			}
			entries := registry.Catalog()
			if modelsJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(entries)
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ALIAS\tID\tNAME\tDEFAULT")
			for _, e := range entries {
				def := ""
				if e.Alias == cfg.DefaultAlias {
					def = "*"
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", e.Alias, e.ID, e.Name, def)
			}
			return tw.Flush()
		},
	}
	modelsCmd.Flags().StringVar(&modelsConfigPath, "config", config.DefaultServerConfigPath(), "Server config path")
	modelsCmd.Flags().BoolVar(&modelsJSON, "json", false, "Print the model table as JSON")
	rootCmd.AddCommand(modelsCmd)
}
