package main

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/angeloszaimis/credential-dispatcher/config"
	"github.com/angeloszaimis/credential-dispatcher/internal/keypool"
)

func validateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Load and validate the configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			path, _ := cmd.Flags().GetString("config")
			cfg, err := config.Load(path)
			if err != nil {
				return fmt.Errorf("invalid configuration: %w", err)
			}

			printConfig(cmd.OutOrStdout(), cfg)
			return nil
		},
	}
}

func printConfig(w io.Writer, cfg *config.Config) {
	fmt.Fprintf(w, "configuration ok: %d provider(s), blacklist ttl %s\n\n",
		len(cfg.Providers), cfg.Dispatcher.TTL())

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "PRIORITY\tPROVIDER\tMODEL\tATTEMPTS\tKEYS")
	for i, pc := range cfg.Providers {
		masked := make([]string, len(pc.Keys))
		for j, k := range pc.Keys {
			masked[j] = keypool.MaskKey(k)
		}

		attempts := "all keys"
		if n := pc.Attempts(cfg.Dispatcher); n > 0 && n < len(pc.Keys) {
			attempts = fmt.Sprint(n)
		}

		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%v\n", i+1, pc.Name, pc.Model, attempts, masked)
	}
	tw.Flush()
}
