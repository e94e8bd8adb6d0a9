package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "dispatcher",
		Short:         "Credential rotation and provider failover for LLM APIs",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringP("config", "c", "", "path to config file (default: ./config/config.yaml or ./config.yaml)")

	root.AddCommand(
		serveCommand(),
		validateCommand(),
		statusCommand(),
	)

	return root
}
