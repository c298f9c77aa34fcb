package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/pior/cacheproxy/internal/config"
	"github.com/pior/cacheproxy/internal/logging"
	"github.com/pior/cacheproxy/internal/metrics"
	"github.com/pior/cacheproxy/internal/proxy"
	"github.com/pior/cacheproxy/internal/tracing"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	rootCmd := &cobra.Command{
		Use:   "cacheproxy",
		Short: "Memcache and Redis protocol proxy to a remote cache service",
		Long: `cacheproxy accepts memcache (text and binary) and RESP2 clients and
translates their requests into namespaced get, set and delete calls on a
remote cache service, with an optional local read cache per route.`,
		SilenceUsage: true,
	}

	rootCmd.AddCommand(
		runCmd(),
		validateCmd(),
		statsCmd(),
		versionCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func configPath(cmd *cobra.Command, args []string, flag string) (string, error) {
	if len(args) == 1 {
		return args[0], nil
	}
	if flag != "" {
		return flag, nil
	}
	return "", fmt.Errorf("a configuration file is required (--config or argument)")
}

func runCmd() *cobra.Command {
	var (
		path     string
		logLevel string
	)

	cmd := &cobra.Command{
		Use:   "run [config]",
		Short: "Run the proxy",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			file, err := configPath(cmd, args, path)
			if err != nil {
				return err
			}

			cfg, err := config.Load(file)
			if err != nil {
				return err
			}

			logging.Configure(os.Stderr, cfg.Debug.Format)
			logging.SetLevelFromString(cfg.Debug.LogLevel)
			if logLevel != "" && !logging.SetLevelFromString(logLevel) {
				return fmt.Errorf("unknown log level %q", logLevel)
			}
			logger := logging.Op()

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			if err := tracing.Init(ctx, cfg.Tracing, version); err != nil {
				return fmt.Errorf("init tracing: %w", err)
			}
			defer func() {
				if err := tracing.Shutdown(context.Background()); err != nil {
					logger.Warn("tracing shutdown", "error", err)
				}
			}()

			logger.Info("starting cacheproxy", "version", version, "config", file, "routes", len(cfg.Routes))

			p, err := proxy.New(cfg, proxy.Options{
				Version: version,
				Metrics: metrics.New(),
				Logger:  logger,
			})
			if err != nil {
				return err
			}
			return p.Run(ctx)
		},
	}

	cmd.Flags().StringVarP(&path, "config", "c", "", "Configuration file (.toml, .yaml)")
	cmd.Flags().StringVar(&logLevel, "log-level", "", "Override the configured log level")
	return cmd
}

func validateCmd() *cobra.Command {
	var path string

	cmd := &cobra.Command{
		Use:   "validate [config]",
		Short: "Check a configuration file and exit",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			file, err := configPath(cmd, args, path)
			if err != nil {
				return err
			}

			cfg, err := config.Load(file)
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "NAME\tLISTEN\tPROTOCOL\tCACHE\tTTL\tCONNECTIONS\tLOCAL CACHE")
			for _, r := range cfg.Routes {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%d\t%d\n",
					r.Name, r.Addr(), r.Protocol, r.CacheName, r.TTL(), r.ConnectionCount, r.MemoryCacheBytes)
			}
			if err := w.Flush(); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "backend: %s %v\n", cfg.Backend.Kind, cfg.Backend.Endpoints)
			return nil
		},
	}

	cmd.Flags().StringVarP(&path, "config", "c", "", "Configuration file (.toml, .yaml)")
	return cmd
}

func statsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "List the exported metrics",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "NAME\tTYPE\tDESCRIPTION")
			for _, info := range metrics.New().Catalog() {
				fmt.Fprintf(w, "%s\t%s\t%s\n", info.Name, info.Type, info.Help)
			}
			return w.Flush()
		},
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version)
		},
	}
}
