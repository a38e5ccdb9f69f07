// Package main provides the pwacache-cli command-line tool for validating
// configs and inspecting cache partitions.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/ferro-labs/pwacache/internal/version"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "pwacache-cli",
		Short:        "pwacache command line tool",
		SilenceUsage: true,
	}
	root.AddCommand(newValidateCmd(), newPartitionsCmd(), newVersionCmd())
	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version info",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "pwacache-cli %s\n", version.String())
		},
	}
}
