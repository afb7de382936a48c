package manager

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"NetSpectraRx/internal/config"
	"NetSpectraRx/internal/engine/flowtable"
	"NetSpectraRx/internal/engine/fst"
	"NetSpectraRx/internal/engine/gro"
	"NetSpectraRx/internal/engine/protocol"
	"NetSpectraRx/internal/logging"
	"NetSpectraRx/internal/model"
	"NetSpectraRx/internal/stats"
)

var log = logging.DefaultLogger.WithField(logging.Subsys, "manager")

// ErrStopped is returned by Submit once the engine is stopping.
var ErrStopped = errors.New("engine stopped")

// Options carry the collaborators of an Engine.
type Options struct {
	// Deliverer receives every flushed aggregate and bypassed packet.
	Deliverer model.Deliverer
	// Device receives cache invalidations and, in deferred mode, the wake
	// requests of the mirror update worker. Optional in direct mode.
	Device fst.Device
	// Memory holds the mirror records. Defaults to host memory in direct
	// mode; deferred mode needs the device's memory.
	Memory  fst.Memory
	Writers []model.Writer
	// RSSKey is used when the device did not supply a flow hash.
	RSSKey []byte
}

// Stats are the counters of the control interface.
type Stats struct {
	FlowsAdded         uint64 `json:"flows_added"`
	FlowsEvicted       uint64 `json:"flows_evicted"`
	HashCollisions     uint64 `json:"hash_collisions"`
	InvalidFlowIndex   uint64 `json:"invalid_flow_index"`
	SteeringMismatches uint64 `json:"steering_mismatches"`
}

// rxContext is one receive lane. Its extractor is only used by whoever
// dispatches for this context.
type rxContext struct {
	id    uint8
	input chan []*model.Buffer
	x     *protocol.Extractor
}

// Engine is the receive aggregation engine. It owns the flow table, the
// mirror update machinery and one worker per receive context.
type Engine struct {
	cfg      *config.Config
	counters *stats.Counters

	table       *flowtable.Table
	agg         *gro.Aggregator
	updater     *fst.Worker
	invalidator *fst.Invalidator
	rssKey      []byte

	contexts []*rxContext
	// disallowed[iface*numContexts+ctx] suppresses aggregation.
	disallowed []atomic.Bool

	writers  []model.Writer
	running  atomic.Bool
	stopOnce sync.Once
	// stopping unblocks pending submitters; inputMu guards the input
	// channels against a send after close.
	stopping      chan struct{}
	inputMu       sync.RWMutex
	inputClosed   bool
	done          chan struct{}
	workerWg      sync.WaitGroup
	snapshotterWg sync.WaitGroup
}

var _ model.Aggregator = (*Engine)(nil)

// NewEngine builds an engine from cfg. It does not start any goroutine.
func NewEngine(cfg *config.Config, opts Options) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if opts.Deliverer == nil {
		return nil, errors.New("a deliverer is required")
	}

	e := &Engine{
		cfg:        cfg,
		counters:   &stats.Counters{},
		rssKey:     opts.RSSKey,
		writers:    opts.Writers,
		done:       make(chan struct{}),
		stopping:   make(chan struct{}),
		disallowed: make([]atomic.Bool, cfg.Engine.MaxInterfaces*cfg.Engine.NumContexts),
	}
	if e.rssKey == nil {
		e.rssKey = protocol.DefaultRSSKey
	}

	e.agg = gro.NewAggregator(gro.Limits{
		MaxPayload:       cfg.Aggregation.MaxPayload,
		MaxSegments:      cfg.Aggregation.MaxSegments,
		MaxAggregateSize: cfg.Aggregation.MaxAggregateSize,
	}, opts.Deliverer, e.counters)

	mode := flowtable.ModeDirect
	if cfg.FlowTable.MirrorMode == config.MirrorDeferred {
		mode = flowtable.ModeDeferred
		if opts.Memory == nil {
			return nil, errors.New("deferred mirror mode needs the device's mirror memory")
		}
	}
	mem := opts.Memory
	if mem == nil {
		mem = fst.NewHostMemory(cfg.FlowTable.Capacity)
	}

	var inv flowtable.Invalidator
	if opts.Device != nil {
		e.invalidator = fst.NewInvalidator(opts.Device, cfg.FlowTable.GetInvalidateInterval(), e.counters)
		inv = e.invalidator
	}

	table, err := flowtable.New(flowtable.Options{
		Capacity:        cfg.FlowTable.Capacity,
		MaxSkid:         cfg.FlowTable.MaxSkid,
		NumContexts:     cfg.Engine.NumContexts,
		Mode:            mode,
		UpdateQueueSize: cfg.FlowTable.UpdateQueueSize,
		Memory:          mem,
		Device:          opts.Device,
		Flusher:         e.agg,
		Invalidator:     inv,
		Counters:        e.counters,
		OnQueued:        e.kickUpdater,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create flow table: %w", err)
	}
	e.table = table

	if mode == flowtable.ModeDeferred {
		e.updater = fst.NewWorker(table, cfg.FlowTable.GetUpdateInterval())
	}

	queueSize := cfg.Engine.InputQueueSize
	if queueSize <= 0 {
		queueSize = 1
	}
	for i := 0; i < cfg.Engine.NumContexts; i++ {
		e.contexts = append(e.contexts, &rxContext{
			id:    uint8(i),
			input: make(chan []*model.Buffer, queueSize),
			x:     protocol.NewExtractor(),
		})
	}
	return e, nil
}

func (e *Engine) kickUpdater() {
	if e.updater != nil {
		e.updater.Kick()
	}
}

// Start launches the receive context workers, the mirror update worker and
// one snapshotter per stats writer.
func (e *Engine) Start() {
	for _, w := range e.writers {
		e.snapshotterWg.Add(1)
		go e.runSnapshotter(w)
		log.Infof("Started snapshotter for a writer with interval %s", w.GetInterval())
	}

	if e.updater != nil {
		e.updater.Start()
	}

	e.workerWg.Add(len(e.contexts))
	for _, c := range e.contexts {
		go e.worker(c)
	}
	e.running.Store(true)
	log.Infof("Engine started with %d receive contexts, flow table capacity %d (max skid %d, %s mirror).",
		len(e.contexts), e.table.Capacity(), e.table.MaxSkid(), e.table.Mode())
}

// Stop drains the input queues, flushes every aggregate, applies pending
// mirror updates and stops all goroutines.
func (e *Engine) Stop() {
	e.stopOnce.Do(e.stop)
}

func (e *Engine) stop() {
	log.Info("Engine stopping...")
	e.running.Store(false)

	// 1. Stop accepting new batches and let the workers finish theirs.
	close(e.stopping)
	e.inputMu.Lock()
	e.inputClosed = true
	for _, c := range e.contexts {
		close(c.input)
	}
	e.inputMu.Unlock()
	e.workerWg.Wait()

	// 2. Nothing may stay parked in the table.
	n := e.table.Flush(flowtable.Filter{})
	log.Infof("Flushed %d pending aggregates.", n)

	// 3. Last drain, then the pending invalidation.
	if e.updater != nil {
		e.updater.Stop()
	}
	if e.invalidator != nil {
		e.invalidator.Stop()
	}

	// 4. Final snapshots.
	close(e.done)
	e.snapshotterWg.Wait()
	log.Info("Engine stopped.")
}

// Running reports whether the engine has been started and not stopped.
func (e *Engine) Running() bool {
	return e.running.Load()
}

// Submit queues a batch for one receive context, blocking while its queue
// is full. The engine owns the buffers only when Submit returns nil; on
// error they stay with the caller.
func (e *Engine) Submit(ctx context.Context, contextID uint8, batch []*model.Buffer) error {
	if int(contextID) >= len(e.contexts) {
		return fmt.Errorf("receive context %d out of range", contextID)
	}
	e.inputMu.RLock()
	defer e.inputMu.RUnlock()
	if e.inputClosed {
		return ErrStopped
	}
	select {
	case e.contexts[contextID].input <- batch:
		return nil
	case <-e.stopping:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// worker processes batches for one receive context. Each batch is one
// receive poll; the context's aggregates are flushed at its end.
func (e *Engine) worker(c *rxContext) {
	defer e.workerWg.Done()
	for batch := range c.input {
		e.dispatchBatch(c, batch)
		e.table.Flush(flowtable.ForContext(c.id))
	}
}

// runSnapshotter runs a dedicated snapshot loop for a single writer.
func (e *Engine) runSnapshotter(writer model.Writer) {
	defer e.snapshotterWg.Done()
	interval := writer.GetInterval()
	if interval <= 0 {
		log.Warnf("Invalid interval %s for writer, snapshotter will not run.", interval)
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			e.takeSnapshot(writer)
		case <-e.done:
			e.takeSnapshot(writer)
			return
		}
	}
}

func (e *Engine) takeSnapshot(writer model.Writer) {
	timestamp := time.Now().Format("2006-01-02_15-04-05")
	if err := writer.Write(e.Report(), timestamp); err != nil {
		log.WithError(err).Error("Error writing stats snapshot")
	}
}

// Report builds the payload handed to stats writers.
func (e *Engine) Report() *stats.Report {
	return &stats.Report{
		Timestamp:      time.Now().UTC(),
		Counters:       e.counters.Snapshot(),
		ActiveFlows:    e.table.Len(),
		PendingUpdates: e.table.PendingUpdates(),
	}
}

// Counters exposes the engine counters, e.g. for a Prometheus collector.
func (e *Engine) Counters() *stats.Counters {
	return e.counters
}

// Table exposes the flow table for inspection.
func (e *Engine) Table() *flowtable.Table {
	return e.table
}
