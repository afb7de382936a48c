// Package app assembles a runnable receive engine from a config: the device
// simulator, the sink, the stats writers, the engine and its metrics.
package app

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"NetSpectraRx/internal/config"
	"NetSpectraRx/internal/device/sim"
	"NetSpectraRx/internal/engine/manager"
	"NetSpectraRx/internal/factory"
	"NetSpectraRx/internal/logging"
	"NetSpectraRx/internal/model"
	"NetSpectraRx/internal/stats"

	// Register writer and sink types.
	_ "NetSpectraRx/internal/sink"
	_ "NetSpectraRx/internal/snapshot"
)

var log = logging.DefaultLogger.WithField(logging.Subsys, "app")

// bufferSize covers a full IPv4 datagram.
const bufferSize = 65535

// App is an engine with everything it needs to run.
type App struct {
	Config   *config.Config
	Device   *sim.Device
	Engine   *manager.Engine
	Sink     model.Sink
	Pool     *model.BufferPool
	Registry *prometheus.Registry
}

// New builds an App. Nothing runs until Start.
func New(cfg *config.Config) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	snk, err := factory.CreateSink(cfg)
	if err != nil {
		return nil, err
	}
	writers, err := factory.CreateWriters(cfg)
	if err != nil {
		snk.Close()
		return nil, err
	}

	dev := sim.New(sim.Config{
		NumContexts: cfg.Engine.NumContexts,
		Capacity:    cfg.FlowTable.Capacity,
		MaxSkid:     cfg.FlowTable.MaxSkid,
		MaxBurst:    cfg.Aggregation.MaxSegments,
	})

	opts := manager.Options{
		Deliverer: snk,
		Device:    dev,
		Writers:   writers,
	}
	if cfg.FlowTable.MirrorMode == config.MirrorDeferred {
		opts.Memory = dev
	} else {
		// The device searches the same records the table writes directly.
		opts.Memory = dev.HostMemory()
	}

	eng, err := manager.NewEngine(cfg, opts)
	if err != nil {
		snk.Close()
		return nil, fmt.Errorf("failed to create engine: %w", err)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		stats.NewCollector(eng.Snapshot),
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return &App{
		Config:   cfg,
		Device:   dev,
		Engine:   eng,
		Sink:     snk,
		Pool:     model.NewBufferPool(bufferSize),
		Registry: reg,
	}, nil
}

// Start starts the engine.
func (a *App) Start() {
	a.Engine.Start()
}

// Stop stops the engine, which flushes every aggregate into the sink, and
// then closes the sink.
func (a *App) Stop() error {
	a.Engine.Stop()
	if err := a.Sink.Close(); err != nil {
		return fmt.Errorf("failed to close sink: %w", err)
	}
	if out := a.Pool.Stats().Outstanding(); out != 0 {
		log.Warnf("%d receive buffers still outstanding after shutdown", out)
	}
	return nil
}

// Run starts the app and blocks until ctx is done.
func (a *App) Run(ctx context.Context) error {
	a.Start()
	<-ctx.Done()
	return a.Stop()
}
