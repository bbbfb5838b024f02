package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"slices"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	httpserver "eventdb/internal/http"
	"eventdb/pkg/config"
	"eventdb/pkg/rpc"
	"eventdb/pkg/scavenge"
	"eventdb/pkg/store"
)

const defaultConfigPath = "./eventdb.yml"

var configPath string

func main() {
	root := &cobra.Command{
		Use:          "eventdb",
		Short:        "Event-sourcing storage engine",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to the YAML configuration file")
	root.AddCommand(serveCmd(), verifyCmd(), scavengeCmd(), checkpointsCmd())

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func loadConfig() (config.Config, error) {
	cfg, err := initConfig(configPath)
	if err != nil {
		return cfg, err
	}
	initLogger(&cfg)
	return cfg, nil
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "serve",
		Short:   "Open the database and serve the admin HTTP API",
		Example: "eventdb serve --config ./eventdb.yml",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			reg := prometheus.NewRegistry()
			reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

			es, err := store.Open(cfg.DB, store.WithRegisterer(reg))
			if err != nil {
				return fmt.Errorf("failed to open store: %w", err)
			}

			server := httpserver.NewServer(es, reg, cfg.Server)
			if err := server.Start(); err != nil {
				return errors.Join(err, es.Close())
			}

			var runErr error
			select {
			case <-ctx.Done():
				slog.Info("shutting down")
			case runErr = <-es.Fatal():
				slog.Error("store failed", "error", runErr)
			}

			return errors.Join(runErr, server.Stop(), es.Close())
		},
	}
}

func verifyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "verify",
		Short: "Check the checksum of every completed chunk",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			cfg.DB.Archive.Enabled = false
			es, err := store.Open(cfg.DB)
			if err != nil {
				return fmt.Errorf("failed to open store: %w", err)
			}
			verr := es.Verify()
			if verr == nil {
				fmt.Fprintln(cmd.OutOrStdout(), "all chunks verified")
			}
			return errors.Join(verr, es.Close())
		},
	}
}

func scavengeCmd() *cobra.Command {
	var remote string
	cmd := &cobra.Command{
		Use:     "scavenge",
		Short:   "Run one scavenge pass and exit",
		Long:    "Scavenges the database in place, or asks a running server to when --remote is set.",
		Example: "eventdb scavenge --remote http://localhost:2113",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if remote != "" {
				res, err := rpc.NewClient(remote).Scavenge(cmd.Context())
				if err != nil {
					return err
				}
				printScavenge(cmd, res)
				return nil
			}

			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			cfg.DB.Archive.Enabled = false
			cfg.DB.Scavenge.Interval = 0
			ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			es, err := store.Open(cfg.DB)
			if err != nil {
				return fmt.Errorf("failed to open store: %w", err)
			}
			res, serr := runScavenge(ctx, es)
			if serr == nil {
				printScavenge(cmd, res)
			}
			return errors.Join(serr, es.Close())
		},
	}
	cmd.Flags().StringVar(&remote, "remote", "", "base URL of a running eventdb to scavenge")
	return cmd
}

func checkpointsCmd() *cobra.Command {
	var remote string
	cmd := &cobra.Command{
		Use:   "checkpoints",
		Short: "Print the checkpoints of a running server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cps, err := rpc.NewClient(remote).Checkpoints(cmd.Context())
			if err != nil {
				return err
			}
			names := make([]string, 0, len(cps))
			for name := range cps {
				names = append(names, name)
			}
			slices.Sort(names)
			for _, name := range names {
				fmt.Fprintf(cmd.OutOrStdout(), "%-8s %d\n", name, cps[name])
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&remote, "remote", "http://localhost:2113", "base URL of a running eventdb")
	return cmd
}

func printScavenge(cmd *cobra.Command, res scavenge.Result) {
	fmt.Fprintf(cmd.OutOrStdout(), "scavenged %d chunks, removed %d records, reclaimed %d bytes\n",
		res.ChunksScavenged, res.RecordsRemoved, res.BytesReclaimed)
}
