// Command meshd runs a standalone meshfabric net, optionally bridged to a
// peer net over TCP.
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	_ "go.uber.org/automaxprocs"

	"meshfabric/internal/config"
	"meshfabric/internal/logging"
	"meshfabric/internal/metrics"
	"meshfabric/internal/resourceguard"
	"meshfabric/pkg/bridge"
	"meshfabric/pkg/mesh"
)

var rootCmd = &cobra.Command{
	Use:   "meshd",
	Short: "Run a meshfabric net, optionally bridged to a peer over TCP",
	Run: func(cmd *cobra.Command, args []string) {
		runDaemon()
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		log.Println("meshd (meshfabric)")
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runDaemon() {
	bootLog := log.New(os.Stdout, "[meshd] ", log.LstdFlags)

	maxProcs := runtime.GOMAXPROCS(0)
	bootLog.Printf("GOMAXPROCS: %d (via automaxprocs)", maxProcs)

	cfg, err := config.Load()
	if err != nil {
		bootLog.Fatalf("failed to load configuration: %v", err)
	}

	logger := logging.New(logging.Config{
		Level:  logging.Level(cfg.Logging.Level),
		Format: logging.Format(cfg.Logging.Format),
	})

	logger.Info().
		Uint64("sid", cfg.Net.Sid).
		Str("bridge_listen", cfg.Bridge.ListenAddr).
		Str("bridge_connect", cfg.Bridge.ConnectAddr).
		Msg("meshd starting")

	met := metrics.NewRegistry()
	if cfg.Metrics.Enabled {
		if err := met.Serve(cfg.Metrics.ListenAddr, cfg.Metrics.Endpoint); err != nil {
			logger.Warn().Err(err).Msg("metrics server failed to start")
		} else {
			logger.Info().Str("addr", cfg.Metrics.ListenAddr).Str("endpoint", cfg.Metrics.Endpoint).
				Msg("metrics endpoint listening")
		}
	}

	guard := resourceguard.New(resourceguard.Config{
		IngestRateRPS:  cfg.Bridge.IngestRateRPS,
		IngestBurst:    cfg.Bridge.IngestBurst,
		MaxCPUPercent:  cfg.Resource.MaxCPUPercent,
		MaxMemPercent:  cfg.Resource.MaxMemPercent,
		SampleInterval: cfg.Resource.SampleInterval,
	}, logger, met)

	ctx, cancel := context.WithCancel(context.Background())
	guard.StartMonitoring(ctx)

	net := mesh.NewNet(mesh.Id(cfg.Net.Sid))
	defer net.Close()

	metrics.NewNetCollector(net, met, cfg.Resource.SampleInterval).Start(ctx)

	handles := startBridges(net, cfg, logger, met, guard)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	logger.Info().Msg("meshd shutting down")
	cancel()
	for _, h := range handles {
		h.Terminate()
	}
	time.Sleep(100 * time.Millisecond)
}

// startBridges sets up the optional TCP bridge listener and/or connector
// named by config, gating inbound bridge ingestion through guard's rate
// limiter.
func startBridges(n *mesh.Net, cfg config.Config, logger zerolog.Logger, met *metrics.Registry, guard *resourceguard.Guard) []*bridge.Handle {
	var handles []*bridge.Handle

	if cfg.Bridge.ListenAddr != "" {
		h, err := bridge.Listen(n, cfg.Bridge.ListenAddr, logger, met, guard)
		if err != nil {
			logger.Fatal().Err(err).Str("addr", cfg.Bridge.ListenAddr).Msg("bridge listen failed")
		}
		logger.Info().Str("addr", cfg.Bridge.ListenAddr).Msg("bridge listening")
		handles = append(handles, h)
	}

	if cfg.Bridge.ConnectAddr != "" {
		h := bridge.Connect(n, cfg.Bridge.ConnectAddr, logger, met, guard)
		logger.Info().Str("addr", cfg.Bridge.ConnectAddr).Msg("bridge connecting")
		handles = append(handles, h)
	}

	return handles
}
