package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"NetSpectraRx/internal/api"
	"NetSpectraRx/internal/app"
	"NetSpectraRx/internal/config"
	"NetSpectraRx/internal/logging"
	"NetSpectraRx/internal/sink"
)

var log = logging.DefaultLogger.WithField(logging.Subsys, "rx-engine")

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		configPath string
		replayPath string
		iface      uint8
	)
	cmd := &cobra.Command{
		Use:   "rx-engine",
		Short: "Run the receive aggregation engine",
		Long: `Run the receive aggregation engine together with its control API,
Prometheus metrics, stats writers and gRPC health service. With --replay the
engine is fed from a capture file through the device simulator.`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}
			return runEngine(cmd.Context(), cfg, replayPath, iface)
		},
	}
	cmd.PersistentFlags().StringVarP(&configPath, "config", "c", "configs/config.yaml", "path to the config file")
	cmd.Flags().StringVar(&replayPath, "replay", "", "capture file to feed into the engine after start")
	cmd.Flags().Uint8Var(&iface, "iface", 0, "interface id assigned to replayed packets")

	cmd.AddCommand(newTapCmd(&configPath))
	return cmd
}

func loadConfig(path string) (*config.Config, error) {
	cfg, err := config.LoadConfig(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := logging.SetupLogging(cfg.Log.Level, cfg.Log.Format); err != nil {
		return nil, err
	}
	log.Infof("Configuration loaded from %s", path)
	return cfg, nil
}

func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	if parent == nil {
		parent = context.Background()
	}
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}

func runEngine(parent context.Context, cfg *config.Config, replayPath string, iface uint8) error {
	ctx, cancel := signalContext(parent)
	defer cancel()

	a, err := app.New(cfg)
	if err != nil {
		return err
	}

	healthSrv, err := app.NewHealthServer(cfg.GRPC.ListenAddr)
	if err != nil {
		return fmt.Errorf("failed to listen for gRPC health: %w", err)
	}
	healthSrv.Serve()
	go healthSrv.Watch(ctx, a.Engine.Running, time.Second)

	apiSrv := api.NewServer(cfg.API.ListenAddr, a.Engine, a.Registry)
	apiSrv.Start()

	a.Start()
	var replayWg sync.WaitGroup
	if replayPath != "" {
		replayWg.Add(1)
		go func() {
			defer replayWg.Done()
			if _, err := a.Replay(ctx, replayPath, iface, app.DefaultBatchSize); err != nil && ctx.Err() == nil {
				log.WithError(err).Error("Replay failed")
			}
		}()
	}

	<-ctx.Done()
	log.Info("Shutdown signal received, stopping engine...")

	shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
	defer done()
	if err := apiSrv.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("API server forced to shutdown")
	}
	// The replay observes ctx and returns before the inputs close.
	replayWg.Wait()
	err = a.Stop()
	healthSrv.Stop()
	log.Info("Shutdown complete.")
	return err
}

func newTapCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "tap",
		Short: "Print the aggregates published by a NATS sink",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			ctx, cancel := signalContext(cmd.Context())
			defer cancel()

			sub, err := sink.NewSubscriber(cfg.Sink.NATS)
			if err != nil {
				return fmt.Errorf("failed to create subscriber: %w", err)
			}
			defer sub.Close()

			out := cmd.OutOrStdout()
			err = sub.Start(func(a sink.Aggregate) {
				fmt.Fprintf(out, "iface=%d ctx=%d len=%d gso=%s segs=%d size=%d csum=%s\n",
					a.InterfaceID, a.ContextID, len(a.Data), a.GSOType, a.GSOSegs, a.GSOSize, a.Checksum)
			})
			if err != nil {
				return err
			}
			<-ctx.Done()
			return nil
		},
	}
}
