package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/shardnet/shardnet/internal/config"
	"github.com/shardnet/shardnet/internal/logutil"
	"github.com/shardnet/shardnet/internal/server"
)

// set with -ldflags "-X main.version=..."
var version = "dev"

func main() {
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "shardnetd",
		Short:        "Peer-to-peer chunked file distribution daemon",
		SilenceUsage: true,
	}
	root.AddCommand(serveCmd(), initConfigCmd(), versionCmd())
	addClientCommands(root)
	return root
}

func serveCmd() *cobra.Command {
	var (
		configPath string
		overrides  config.Config
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			applyFlags(cmd, &cfg, overrides)
			if err := cfg.Validate(); err != nil {
				return err
			}
			if err := logutil.Setup(cfg.LogLevel, cfg.LogFormat, os.Stderr); err != nil {
				return err
			}

			node, err := server.New(cfg)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			log := logutil.For("shardnetd", "serve")
			log.WithFields(logrus.Fields{
				"http":    node.HTTPAddr(),
				"version": version,
			}).Info("ShardNet node starting")
			err = node.Run(ctx)
			log.Info("ShardNet node stopped")
			return err
		},
	}

	f := cmd.Flags()
	f.StringVarP(&configPath, "config", "c", "", "YAML config file")
	f.StringVar(&overrides.Listen, "listen", "", "HTTP gateway address")
	f.StringVar(&overrides.P2PListen, "p2p-listen", "", "chunk protocol address")
	f.StringVar(&overrides.DataDir, "data-dir", "", "directory for chunks and metadata")
	f.Int64Var(&overrides.ChunkSize, "chunk-size", 0, "chunk size in bytes for new uploads")
	f.IntVar(&overrides.FetchFanout, "fetch-fanout", 0, "concurrent chunk fetches per download")
	f.IntVar(&overrides.MaxTransfersPerPeer, "max-transfers-per-peer", 0, "concurrent transfers allowed per peer")
	f.Int64Var(&overrides.ServeRateLimit, "serve-rate-limit", 0, "bytes/sec served to peers (0 = unlimited)")
	f.BoolVar(&overrides.SecureTransport, "secure", true, "encrypt the chunk protocol")
	f.StringVar(&overrides.CORSOrigin, "cors-origin", "", "Access-Control-Allow-Origin for the web UI")
	f.StringVar(&overrides.LogLevel, "log-level", "", "log level (debug, info, warn, error)")
	f.StringVar(&overrides.LogFormat, "log-format", "", "log format (text, json)")
	return cmd
}

// applyFlags layers explicitly set flags over the file config.
func applyFlags(cmd *cobra.Command, cfg *config.Config, o config.Config) {
	set := cmd.Flags().Changed
	if set("listen") {
		cfg.Listen = o.Listen
	}
	if set("p2p-listen") {
		cfg.P2PListen = o.P2PListen
	}
	if set("data-dir") {
		cfg.DataDir = o.DataDir
	}
	if set("chunk-size") {
		cfg.ChunkSize = o.ChunkSize
	}
	if set("fetch-fanout") {
		cfg.FetchFanout = o.FetchFanout
	}
	if set("max-transfers-per-peer") {
		cfg.MaxTransfersPerPeer = o.MaxTransfersPerPeer
	}
	if set("serve-rate-limit") {
		cfg.ServeRateLimit = o.ServeRateLimit
	}
	if set("secure") {
		cfg.SecureTransport = o.SecureTransport
	}
	if set("cors-origin") {
		cfg.CORSOrigin = o.CORSOrigin
	}
	if set("log-level") {
		cfg.LogLevel = o.LogLevel
	}
	if set("log-format") {
		cfg.LogFormat = o.LogFormat
	}
}

// initConfigCmd writes the default configuration so it can be edited and
// passed to serve --config.
func initConfigCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init-config <path>",
		Short: "Write a config file with the default settings",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := args[0]
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			}
			if err := config.Save(path, config.Default()); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", path)
			return nil
		},
	}
	cmd.Flags().BoolVarP(&force, "force", "f", false, "overwrite an existing file")
	return cmd
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "shardnetd %s (%s %s/%s)\n", version, runtime.Version(), runtime.GOOS, runtime.GOARCH)
		},
	}
}
