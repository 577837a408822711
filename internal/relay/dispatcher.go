package relay

import (
	"context"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"
)

const defaultSubmitTimeout = 10 * time.Second

// Job is one unit of event handling.
type Job func(ctx context.Context)

// Dispatcher runs jobs on a fixed set of workers. Jobs with the same key
// always land on the same worker, so events from one conversation are
// handled in arrival order while different conversations run in parallel.
type Dispatcher struct {
	shards        []chan Job
	submitTimeout time.Duration
	logger        *slog.Logger

	wg      sync.WaitGroup
	mu      sync.RWMutex
	started bool
	closed  bool
}

type DispatcherConfig struct {
	Workers   int
	QueueSize int
	Logger    *slog.Logger
}

func NewDispatcher(cfg DispatcherConfig) *Dispatcher {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 100
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	shards := make([]chan Job, cfg.Workers)
	for i := range shards {
		shards[i] = make(chan Job, cfg.QueueSize)
	}
	return &Dispatcher{
		shards:        shards,
		submitTimeout: defaultSubmitTimeout,
		logger:        cfg.Logger,
	}
}

// Start launches the workers. Jobs receive ctx.
func (d *Dispatcher) Start(ctx context.Context) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.started {
		return
	}
	d.started = true
	for i, shard := range d.shards {
		d.wg.Add(1)
		go d.work(ctx, i, shard)
	}
}

// Submit queues a job for key. It waits up to the submit timeout when the
// worker queue is full and then drops the job. Returns false if dropped.
func (d *Dispatcher) Submit(key int64, job Job) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.closed {
		d.logger.Warn("job submitted after dispatcher stopped", "key", key)
		return false
	}

	shard := d.shards[shardIndex(key, len(d.shards))]
	select {
	case shard <- job:
		return true
	default:
	}

	d.logger.Warn("worker queue full, waiting...", "key", key)
	timer := time.NewTimer(d.submitTimeout)
	defer timer.Stop()
	select {
	case shard <- job:
		return true
	case <-timer.C:
		d.logger.Error("job dropped: worker queue full", "key", key, "waited", d.submitTimeout)
		return false
	}
}

// Stop closes the queues and waits for queued jobs to finish.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	for _, shard := range d.shards {
		close(shard)
	}
	d.mu.Unlock()
	d.wg.Wait()
}

func (d *Dispatcher) work(ctx context.Context, id int, jobs <-chan Job) {
	defer d.wg.Done()
	for job := range jobs {
		d.run(ctx, id, job)
	}
}

func (d *Dispatcher) run(ctx context.Context, id int, job Job) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("job panicked",
				"worker", id,
				"panic", r,
				"stack", string(debug.Stack()),
			)
		}
	}()
	job(ctx)
}

func shardIndex(key int64, n int) int {
	return int(uint64(key) % uint64(n))
}
