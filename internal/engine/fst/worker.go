package fst

import (
	"context"
	"sync"
	"time"
)

// Drainer applies every queued mirror update. The flow table implements it.
type Drainer interface {
	Drain(ctx context.Context) error
}

// Worker runs drains on a single goroutine, so drains never overlap. A drain
// happens every interval and whenever Kick is called.
type Worker struct {
	drainer  Drainer
	interval time.Duration

	kick chan struct{}
	done chan struct{}
	wg   sync.WaitGroup
	once sync.Once
}

// NewWorker creates a stopped worker.
func NewWorker(d Drainer, interval time.Duration) *Worker {
	return &Worker{
		drainer:  d,
		interval: interval,
		kick:     make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
}

// Start launches the worker goroutine.
func (w *Worker) Start() {
	w.wg.Add(1)
	go w.run()
	log.Infof("Started mirror update worker with interval %s", w.interval)
}

// Kick requests a drain without waiting for it. Kicks that arrive while one
// is already pending are merged.
func (w *Worker) Kick() {
	select {
	case w.kick <- struct{}{}:
	default:
	}
}

// Stop runs a last drain and waits for the worker to exit.
func (w *Worker) Stop() {
	w.once.Do(func() {
		close(w.done)
	})
	w.wg.Wait()
}

func (w *Worker) run() {
	defer w.wg.Done()
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			w.drain()
		case <-w.kick:
			w.drain()
		case <-w.done:
			w.drain()
			log.Info("Mirror update worker shutting down.")
			return
		}
	}
}

func (w *Worker) drain() {
	ctx, cancel := context.WithTimeout(context.Background(), w.interval+time.Second)
	defer cancel()
	if err := w.drainer.Drain(ctx); err != nil {
		log.WithError(err).Error("Mirror update drain aborted")
	}
}
