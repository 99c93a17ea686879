package outbox

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
)

// BatchFunc runs one bounded batch, e.g. Dispatcher.DispatchOutbox.
type BatchFunc func(ctx context.Context, limit int) error

type WorkerConfig struct {
	PollInterval time.Duration
	BatchSize    int
}

func DefaultWorkerConfig() WorkerConfig {
	return WorkerConfig{
		PollInterval: 5 * time.Second,
		BatchSize:    25,
	}
}

type workerTask struct {
	name string
	fn   BatchFunc
}

// Worker runs its batches on a poll interval and whenever Wake is called.
// Batches run one after another, never concurrently within a worker.
type Worker struct {
	clock  clockwork.Clock
	config WorkerConfig
	tasks  []workerTask
	wake   chan struct{}

	mu       sync.Mutex
	running  bool
	stopChan chan struct{}
	wg       sync.WaitGroup
	cycles   uint64
	lastRun  time.Time
}

func NewWorker(clock clockwork.Clock, cfg WorkerConfig) *Worker {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultWorkerConfig().PollInterval
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultWorkerConfig().BatchSize
	}
	return &Worker{
		clock:    clock,
		config:   cfg,
		wake:     make(chan struct{}, 1),
		stopChan: make(chan struct{}),
	}
}

// Add registers a batch. It must be called before Start.
func (w *Worker) Add(name string, fn BatchFunc) {
	w.tasks = append(w.tasks, workerTask{name: name, fn: fn})
}

func (w *Worker) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return errors.New("outbox worker already running")
	}
	w.running = true
	w.mu.Unlock()

	w.wg.Add(1)
	go w.run(ctx)

	log.Info().
		Dur("poll_interval", w.config.PollInterval).
		Int("batch_size", w.config.BatchSize).
		Int("tasks", len(w.tasks)).
		Msg("outbox worker started")

	return nil
}

func (w *Worker) Stop() error {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return errors.New("outbox worker not running")
	}
	w.running = false
	w.mu.Unlock()

	close(w.stopChan)
	w.wg.Wait()

	log.Info().Msg("outbox worker stopped")
	return nil
}

// Wake requests a cycle as soon as the current one finishes. Calls while a
// wake is already pending are coalesced.
func (w *Worker) Wake() {
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

// Running reports whether Start was called without a matching Stop.
func (w *Worker) Running() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.running
}

// Stats returns the number of completed cycles and when the last one ended.
func (w *Worker) Stats() (uint64, time.Time) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.cycles, w.lastRun
}

func (w *Worker) run(ctx context.Context) {
	defer w.wg.Done()

	ticker := w.clock.NewTicker(w.config.PollInterval)
	defer ticker.Stop()

	// Process immediately on start
	w.cycle(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopChan:
			return
		case <-ticker.Chan():
			w.cycle(ctx)
		case <-w.wake:
			w.cycle(ctx)
		}
	}
}

func (w *Worker) cycle(ctx context.Context) {
	for _, t := range w.tasks {
		if ctx.Err() != nil {
			return
		}
		if err := w.runTask(ctx, t); err != nil {
			log.Error().Err(err).Str("task", t.name).Msg("worker batch failed")
		}
	}

	w.mu.Lock()
	w.cycles++
	w.lastRun = w.clock.Now()
	w.mu.Unlock()
}

// runTask isolates a panicking batch so one bad task cannot stop the loop.
func (w *Worker) runTask(ctx context.Context, t workerTask) (err error) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Str("task", t.name).Msg("worker batch panicked")
			err = errors.New("batch panicked")
		}
	}()
	return t.fn(ctx, w.config.BatchSize)
}
