package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/ferro-labs/pwacache"
)

func newValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate <config-file>",
		Short: "Validate a cache configuration file (JSON/YAML)",
		Args:  cobra.ExactArgs(1),
		RunE:  runValidate,
	}
}

func runValidate(cmd *cobra.Command, args []string) error {
	cfg, err := pwacache.LoadConfig(args[0])
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if err := pwacache.ValidateConfig(*cfg); err != nil {
		return fmt.Errorf("validation error: %w", err)
	}

	precache, runtime := cfg.Cache.Names()
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "✓ Config is valid\n")
	fmt.Fprintf(out, "  Origin:    %s\n", cfg.Site.Origin)
	if cfg.Site.Upstream != "" {
		fmt.Fprintf(out, "  Upstream:  %s\n", cfg.Site.Upstream)
	}
	fmt.Fprintf(out, "  Precache:  %s (%s)\n", precache, strings.Join(cfg.Cache.Precache, ", "))
	fmt.Fprintf(out, "  Runtime:   %s\n", runtime)
	fmt.Fprintf(out, "  Storage:   %s\n", cfg.Storage.Driver)
	return nil
}
