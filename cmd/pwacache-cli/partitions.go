package main

import (
	"context"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/ferro-labs/pwacache"
	"github.com/ferro-labs/pwacache/storage"
)

type storageFlags struct {
	config string
	driver string
	dsn    string
}

func (f *storageFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.config, "config", "", "config file supplying storage settings and partition names")
	cmd.Flags().StringVar(&f.driver, "driver", "", "storage driver (sqlite or postgres); overrides --config")
	cmd.Flags().StringVar(&f.dsn, "dsn", "", "storage DSN; overrides --config")
}

// open returns the storage and, when a config was given, its cache settings.
func (f *storageFlags) open() (storage.Storage, *pwacache.CacheConfig, error) {
	driver, dsn := f.driver, f.dsn
	var cache *pwacache.CacheConfig
	if f.config != "" {
		cfg, err := pwacache.LoadConfig(f.config)
		if err != nil {
			return nil, nil, fmt.Errorf("loading config: %w", err)
		}
		cache = &cfg.Cache
		if driver == "" {
			driver = string(cfg.Storage.Driver)
		}
		if dsn == "" {
			dsn = cfg.Storage.DSN
		}
	}
	if driver == "" || driver == storage.DriverMemory {
		return nil, nil, fmt.Errorf("a persistent storage driver is required (--driver sqlite|postgres or --config)")
	}
	s, err := storage.FromDriver(driver, dsn)
	if err != nil {
		return nil, nil, err
	}
	return s, cache, nil
}

func newPartitionsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "partitions",
		Short: "Inspect and delete cache partitions",
	}
	cmd.AddCommand(newPartitionsListCmd(), newPartitionsDeleteCmd())
	return cmd
}

func newPartitionsListCmd() *cobra.Command {
	var flags storageFlags
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List partitions with their entry counts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, cache, err := flags.open()
			if err != nil {
				return err
			}
			defer func() { _ = storage.Close(s) }()
			return listPartitions(cmd, s, cache)
		},
	}
	flags.register(cmd)
	return cmd
}

func listPartitions(cmd *cobra.Command, s storage.Storage, cache *pwacache.CacheConfig) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	names, err := s.Keys(ctx)
	if err != nil {
		return err
	}
	if len(names) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No partitions.")
		return nil
	}

	var precache, runtime string
	if cache != nil {
		precache, runtime = cache.Names()
	}

	tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tENTRIES\tROLE")
	for _, name := range names {
		p, err := s.Open(ctx, name)
		if err != nil {
			return err
		}
		n, err := p.Len(ctx)
		if err != nil {
			return err
		}
		role := "-"
		switch {
		case cache == nil:
		case name == precache:
			role = "precache"
		case name == runtime:
			role = "runtime"
		default:
			role = "stale"
		}
		fmt.Fprintf(tw, "%s\t%d\t%s\n", name, n, role)
	}
	return tw.Flush()
}

func newPartitionsDeleteCmd() *cobra.Command {
	var flags storageFlags
	cmd := &cobra.Command{
		Use:   "delete <name>",
		Short: "Delete a partition and all of its entries",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, _, err := flags.open()
			if err != nil {
				return err
			}
			defer func() { _ = storage.Close(s) }()
			return deletePartition(cmd, s, args[0])
		},
	}
	flags.register(cmd)
	return cmd
}

func deletePartition(cmd *cobra.Command, s storage.Storage, name string) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	deleted, err := s.Delete(ctx, name)
	if err != nil {
		return err
	}
	if !deleted {
		return fmt.Errorf("partition %q not found", name)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Deleted partition %s\n", name)
	return nil
}
