package manager

import (
	"context"
	"encoding/binary"
	"errors"
	"math/rand"
	"sync"
	"testing"
	"time"

	"NetSpectraRx/internal/config"
	"NetSpectraRx/internal/device/sim"
	"NetSpectraRx/internal/model"
	"NetSpectraRx/internal/stats"
	"NetSpectraRx/internal/testutil"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sink struct {
	mu   sync.Mutex
	bufs []*model.Buffer
	seen map[*model.Buffer]int
	fail func(buf *model.Buffer) bool
}

func newSink() *sink {
	return &sink{seen: make(map[*model.Buffer]int)}
}

func (s *sink) Deliver(buf *model.Buffer) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seen[buf]++
	if s.fail != nil && s.fail(buf) {
		return errors.New("rejected")
	}
	s.bufs = append(s.bufs, buf)
	return nil
}

func (s *sink) take() []*model.Buffer {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.bufs
	s.bufs = nil
	return out
}

func (s *sink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.bufs)
}

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Engine.NumContexts = 2
	cfg.Engine.MaxInterfaces = 4
	cfg.FlowTable.Capacity = 64
	cfg.FlowTable.MaxSkid = 4
	return cfg
}

func newEngine(t *testing.T, cfg *config.Config) (*Engine, *sink) {
	out := newSink()
	e, err := NewEngine(cfg, Options{Deliverer: out})
	require.NoError(t, err)
	return e, out
}

func TestNewEngineValidates(t *testing.T) {
	cfg := testConfig()
	cfg.FlowTable.Capacity = 100
	_, err := NewEngine(cfg, Options{Deliverer: newSink()})
	assert.True(t, errors.Is(err, config.ErrInvalid))

	_, err = NewEngine(testConfig(), Options{})
	assert.Error(t, err)

	cfg = testConfig()
	cfg.FlowTable.MirrorMode = config.MirrorDeferred
	_, err = NewEngine(cfg, Options{Deliverer: newSink()})
	assert.Error(t, err, "deferred mode needs device memory")
}

func TestDispatchAggregatesUDP(t *testing.T) {
	e, out := newEngine(t, testConfig())
	b := &testutil.Burst{Tuple: testutil.UDPTuple("10.0.0.1", "10.0.0.2", 7000, 8000)}

	for i := 0; i < 4; i++ {
		e.Dispatch(0, b.Next(512))
	}
	assert.Zero(t, out.count())
	assert.Equal(t, 1, e.FlushContext(0))

	bufs := out.take()
	require.Len(t, bufs, 1)
	agg := bufs[0]
	assert.Equal(t, 28+2048, agg.Len())
	assert.Equal(t, uint16(4), agg.GSOSegs)
	assert.Equal(t, uint16(2076), binary.BigEndian.Uint16(agg.Data[2:4]))
	assert.Equal(t, uint16(2056), binary.BigEndian.Uint16(agg.Data[24:26]))

	s := e.GetStats()
	assert.Equal(t, uint64(1), s.FlowsAdded)
	assert.Zero(t, s.FlowsEvicted)
}

func TestBypass(t *testing.T) {
	e, out := newEngine(t, testConfig())
	ft := testutil.UDPTuple("10.0.0.1", "10.0.0.2", 7000, 8000)

	exc := model.NewBuffer(testutil.Build(testutil.Packet{Tuple: ft, Payload: 64}))
	exc.Meta = testutil.Meta(ft, 0)
	exc.Meta.Flags |= model.FlagException
	e.Dispatch(0, exc)

	v6 := model.NewBuffer(make([]byte, 60))
	v6.Meta.Flags = model.FlagIPv6 | model.FlagUDP
	e.Dispatch(0, v6)

	frag := model.NewBuffer(testutil.Build(testutil.Packet{Tuple: ft, Payload: 64, MoreFrag: true}))
	frag.Meta = testutil.Meta(ft, 0)
	e.Dispatch(0, frag)

	garbage := model.NewBuffer([]byte{0x45, 0, 0})
	garbage.Meta = testutil.Meta(ft, 0)
	e.Dispatch(0, garbage)

	assert.Equal(t, 4, out.count())
	assert.Equal(t, uint64(4), e.Snapshot().Bypassed)
	assert.Zero(t, e.Table().Len())
}

func TestFlushAllContextScenario(t *testing.T) {
	e, out := newEngine(t, testConfig())

	var indexes []uint32
	for i := 0; i < 5; i++ {
		b := &testutil.Burst{Tuple: testutil.UDPTuple("10.0.0.1", "10.0.1.1", uint16(100+i), 53)}
		e.Dispatch(0, b.Next(256))
	}
	flows := e.Flows()
	require.Len(t, flows, 5)
	for _, f := range flows {
		require.True(t, f.Aggregating)
		indexes = append(indexes, f.Index)
	}
	// Leave two flows with an aggregate in progress.
	for _, idx := range indexes[:3] {
		ok, err := e.FlushFlow(idx)
		require.NoError(t, err)
		require.True(t, ok)
	}
	out.take()
	before := e.Snapshot()

	assert.Equal(t, 2, e.FlushContext(0))
	assert.Equal(t, 2, out.count())
	for _, f := range e.Flows() {
		assert.False(t, f.Aggregating, "flow %s", f.Flow)
	}
	after := e.Snapshot()
	assert.Equal(t, before.Flushes+2, after.Flushes)

	// Flushing idle flows changes nothing.
	assert.Zero(t, e.FlushContext(0))
	assert.Equal(t, after, e.Snapshot())
}

func TestEvictionDeliversPendingOnce(t *testing.T) {
	cfg := testConfig()
	cfg.FlowTable.MaxSkid = 1
	e, out := newEngine(t, cfg)

	var bursts []*testutil.Burst
	for i := 0; i < 3; i++ {
		b := &testutil.Burst{Tuple: testutil.UDPTuple("10.0.0.1", "10.0.2.1", uint16(200+i), 53), Hash: 9}
		bursts = append(bursts, b)
	}
	e.Dispatch(0, bursts[0].Next(300))
	e.Dispatch(0, bursts[0].Next(300))
	e.Dispatch(0, bursts[1].Next(300))
	assert.Zero(t, out.count())

	e.Dispatch(0, bursts[2].Next(300))
	bufs := out.take()
	require.Len(t, bufs, 1, "the oldest flow's aggregate is delivered once")
	assert.Equal(t, uint16(2), bufs[0].GSOSegs)
	assert.Equal(t, 28+600, bufs[0].Len())

	s := e.GetStats()
	assert.Equal(t, uint64(3), s.FlowsAdded)
	assert.Equal(t, uint64(1), s.FlowsEvicted)
	assert.Equal(t, 2, e.Table().Len())
	require.NoError(t, e.Table().Verify())

	e.FlushContext(0)
	assert.Len(t, out.take(), 2)
}

func TestSteeringMismatchBypasses(t *testing.T) {
	e, out := newEngine(t, testConfig())
	b := &testutil.Burst{Tuple: testutil.UDPTuple("10.0.0.1", "10.0.0.2", 1, 2)}
	e.Dispatch(0, b.Next(400))

	stray := b.Next(400)
	e.Dispatch(1, stray)
	bufs := out.take()
	require.Len(t, bufs, 1)
	assert.Same(t, stray, bufs[0])
	assert.Equal(t, uint64(1), e.GetStats().SteeringMismatches)

	// The owner's aggregate is untouched.
	assert.Equal(t, 1, e.FlushContext(0))
}

func TestSetAggregationDisallowed(t *testing.T) {
	e, out := newEngine(t, testConfig())
	b := &testutil.Burst{Tuple: testutil.UDPTuple("10.0.0.1", "10.0.0.2", 1, 2), Iface: 2}
	e.Dispatch(0, b.Next(400))
	e.Dispatch(0, b.Next(400))

	require.NoError(t, e.SetAggregationDisallowed(2, 0, true))
	assert.Equal(t, 1, out.count(), "pending aggregate flushed")

	e.Dispatch(0, b.Next(400))
	assert.Equal(t, 2, out.count())
	assert.Equal(t, uint64(1), e.Snapshot().Bypassed)

	require.NoError(t, e.SetAggregationDisallowed(2, 0, false))
	b.Restart()
	e.Dispatch(0, b.Next(400))
	assert.Equal(t, 2, out.count())

	assert.Error(t, e.SetAggregationDisallowed(9, 0, true))
	assert.Error(t, e.SetAggregationDisallowed(0, 9, true))
}

func TestRemoveAndFlushInterface(t *testing.T) {
	e, out := newEngine(t, testConfig())
	for i := 0; i < 4; i++ {
		b := &testutil.Burst{Tuple: testutil.UDPTuple("10.0.0.1", "10.0.3.1", uint16(300+i), 53), Iface: uint8(i % 2), Context: uint8(i / 2)}
		e.Dispatch(b.Context, b.Next(128))
	}
	assert.Equal(t, 2, e.FlushInterface(1))
	assert.Equal(t, 2, out.count())

	n, err := e.RemoveInterface(0)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, 4, out.count())
	assert.Equal(t, 2, e.Table().Len())

	_, err = e.RemoveInterface(200)
	assert.Error(t, err)
}

// Every buffer is delivered or released exactly once, whatever the mix of
// flows, metadata corruption, consumer failures and flushes.
func TestNoLeakRandomInterleaving(t *testing.T) {
	for seed := int64(1); seed <= 5; seed++ {
		r := rand.New(rand.NewSource(seed))
		cfg := testConfig()
		cfg.FlowTable.Capacity = 16
		cfg.FlowTable.MaxSkid = 2
		cfg.Aggregation.MaxSegments = 8

		out := newSink()
		out.fail = func(*model.Buffer) bool { return r.Intn(10) == 0 }
		e, err := NewEngine(cfg, Options{Deliverer: out})
		require.NoError(t, err)

		pool := model.NewBufferPool(2048)
		var bursts []*testutil.Burst
		for i := 0; i < 24; i++ {
			proto := testutil.UDPTuple
			if i%3 == 0 {
				proto = testutil.TCPTuple
			}
			bursts = append(bursts, &testutil.Burst{
				Pool:    pool,
				Tuple:   proto("10.1.0.1", "10.1.0.2", uint16(1000+i), 80),
				Hash:    uint32(r.Intn(8)),
				Context: uint8(i % 2),
			})
		}

		for n := 0; n < 3000; n++ {
			b := bursts[r.Intn(len(bursts))]
			if r.Intn(6) == 0 {
				b.Restart()
			}
			size := 200
			if r.Intn(8) == 0 {
				size = 50 + r.Intn(300)
			}
			buf := b.Next(size)
			if r.Intn(40) == 0 {
				buf.Meta.CumulativeIPLength += uint32(r.Intn(5))
			}
			ctxID := b.Context
			if r.Intn(50) == 0 {
				ctxID ^= 1
			}
			e.Dispatch(ctxID, buf)

			switch r.Intn(100) {
			case 0:
				e.FlushContext(uint8(r.Intn(2)))
			case 1:
				e.FlushInterface(0)
			}
		}
		e.FlushContext(0)
		e.FlushContext(1)
		require.NoError(t, e.Table().Verify())

		for _, n := range out.seen {
			require.Equal(t, 1, n, "buffer delivered more than once")
		}
		for _, buf := range out.take() {
			buf.Release()
		}
		st := pool.Stats()
		assert.Equal(t, uint64(3000), st.Allocated, "seed %d", seed)
		assert.Zero(t, st.Outstanding(), "seed %d", seed)
		assert.Zero(t, st.DoubleReleases, "seed %d", seed)
	}
}

type memWriter struct {
	mu      sync.Mutex
	reports []*stats.Report
}

func (w *memWriter) Write(payload interface{}, timestamp string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.reports = append(w.reports, payload.(*stats.Report))
	return nil
}

func (w *memWriter) GetInterval() time.Duration { return time.Hour }

func TestStartStopWorkers(t *testing.T) {
	cfg := testConfig()
	out := newSink()
	w := &memWriter{}
	e, err := NewEngine(cfg, Options{Deliverer: out, Writers: []model.Writer{w}})
	require.NoError(t, err)
	e.Start()
	assert.True(t, e.Running())

	pool := model.NewBufferPool(2048)
	for c := 0; c < 2; c++ {
		b := &testutil.Burst{Pool: pool, Tuple: testutil.UDPTuple("10.0.0.1", "10.0.0.2", uint16(10+c), 2), Context: uint8(c)}
		var batch []*model.Buffer
		for i := 0; i < 8; i++ {
			batch = append(batch, b.Next(1000))
		}
		require.NoError(t, e.Submit(context.Background(), uint8(c), batch))
	}
	e.Stop()
	e.Stop()
	assert.False(t, e.Running())

	// Each batch ends its receive poll with a flush.
	bufs := out.take()
	require.Len(t, bufs, 2)
	for _, b := range bufs {
		assert.Equal(t, uint16(8), b.GSOSegs)
		b.Release()
	}
	assert.Zero(t, pool.Stats().Outstanding())

	require.Len(t, w.reports, 1)
	assert.Equal(t, uint64(16), w.reports[0].Counters.Packets)
	assert.Equal(t, 2, w.reports[0].ActiveFlows)
}

func TestSubmitAfterStop(t *testing.T) {
	cfg := testConfig()
	e, err := NewEngine(cfg, Options{Deliverer: newSink()})
	require.NoError(t, err)
	e.Start()
	e.Stop()

	pool := model.NewBufferPool(2048)
	b := &testutil.Burst{Pool: pool, Tuple: testutil.UDPTuple("10.0.0.1", "10.0.0.2", 1, 2)}
	batch := []*model.Buffer{b.Next(100)}
	assert.ErrorIs(t, e.Submit(context.Background(), 0, batch), ErrStopped)
	batch[0].Release()
	assert.Zero(t, pool.Stats().Outstanding())

	assert.Error(t, e.Submit(context.Background(), 9, nil))
}

func TestSubmitUnblocksOnStop(t *testing.T) {
	cfg := testConfig()
	cfg.Engine.InputQueueSize = 1
	e, err := NewEngine(cfg, Options{Deliverer: newSink()})
	require.NoError(t, err)

	// Without workers the queue fills after one batch.
	require.NoError(t, e.Submit(context.Background(), 0, nil))

	errc := make(chan error, 1)
	go func() {
		errc <- e.Submit(context.Background(), 0, nil)
	}()
	select {
	case err := <-errc:
		t.Fatalf("submit returned early: %v", err)
	case <-time.After(20 * time.Millisecond):
	}

	e.Start()
	e.Stop()
	select {
	case err := <-errc:
		if err != nil {
			assert.ErrorIs(t, err, ErrStopped)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("submit still blocked after stop")
	}
}

func TestSubmitHonoursContext(t *testing.T) {
	cfg := testConfig()
	cfg.Engine.InputQueueSize = 1
	e, err := NewEngine(cfg, Options{Deliverer: newSink()})
	require.NoError(t, err)
	require.NoError(t, e.Submit(context.Background(), 0, nil))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, e.Submit(ctx, 0, nil), context.DeadlineExceeded)
}

func TestDeferredMirrorWithDevice(t *testing.T) {
	cfg := testConfig()
	cfg.Engine.NumContexts = 1
	cfg.FlowTable.MirrorMode = config.MirrorDeferred
	cfg.FlowTable.UpdateInterval = "5ms"
	cfg.FlowTable.InvalidateInterval = "1ms"

	dev := sim.New(sim.Config{NumContexts: 1, Capacity: cfg.FlowTable.Capacity, MaxSkid: cfg.FlowTable.MaxSkid})
	out := newSink()
	e, err := NewEngine(cfg, Options{Deliverer: out, Device: dev, Memory: dev})
	require.NoError(t, err)

	dev.SetWakeFailure(true)
	e.Start()

	ft := testutil.UDPTuple("10.0.0.1", "10.0.0.2", 1, 2)
	send := func() model.RxMeta {
		buf, ctxID := dev.Receive(nil, testutil.Build(testutil.Packet{Tuple: ft, Payload: 100}), 0)
		meta := buf.Meta
		e.DispatchBatch(ctxID, []*model.Buffer{buf})
		return meta
	}

	meta := send()
	assert.False(t, meta.FlowIndexValid)
	assert.Eventually(t, func() bool { return e.Snapshot().DrainFailures > 0 }, time.Second, time.Millisecond)
	assert.Equal(t, 1, e.Table().PendingUpdates())

	dev.SetWakeFailure(false)
	assert.Eventually(t, func() bool { return e.Table().PendingUpdates() == 0 }, time.Second, time.Millisecond)
	assert.Eventually(t, func() bool { return dev.Invalidations() > 0 }, time.Second, time.Millisecond)

	before := e.GetStats()
	meta = send()
	assert.True(t, meta.FlowIndexValid)
	assert.Equal(t, before.InvalidFlowIndex, e.GetStats().InvalidFlowIndex)

	e.Stop()
	assert.Equal(t, 2, out.count())
}
