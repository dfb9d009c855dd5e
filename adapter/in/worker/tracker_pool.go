package worker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"tracker_server/core/domain"
	"tracker_server/core/port/out"
	"tracker_server/pkg/metrics"

	"github.com/go-pkgz/pool"
	"github.com/rs/zerolog"
)

// ErrPoolStopped is returned when submitting to a pool that is not running.
var ErrPoolStopped = errors.New("worker pool is not running")

// DeadLetterSink keeps notifications that failed so an operator can replay
// them. The webhook already answered 202 for them, so Graph will not
// redeliver.
type DeadLetterSink interface {
	DeadLetter(ctx context.Context, batch *domain.NotificationBatch) error
}

// =============================================================================
// go-pkgz/pool based Worker Pool
// =============================================================================

// PoolConfig holds worker pool configuration.
type PoolConfig struct {
	Workers        int
	BatchSize      int
	WorkerChanSize int
	JobTimeout     time.Duration
}

// DefaultPoolConfig returns default pool configuration.
func DefaultPoolConfig() *PoolConfig {
	return &PoolConfig{
		Workers:        8,
		BatchSize:      1,
		WorkerChanSize: 100,
		JobTimeout:     2 * time.Minute,
	}
}

// Pool processes notification batches on a fixed set of workers. Failed
// notifications are dead-lettered, never retried.
type Pool struct {
	handler *Handler
	config  *PoolConfig
	sink    DeadLetterSink

	pool *pool.WorkerGroup[*Message]

	ctx    context.Context
	cancel context.CancelFunc

	metrics *PoolMetrics
	log     zerolog.Logger

	dlq   chan *Message
	dlqWg sync.WaitGroup

	started bool
	mu      sync.Mutex
}

// PoolMetrics holds pool metrics.
type PoolMetrics struct {
	JobsProcessed    int64
	JobsFailed       int64
	JobsDeadLettered int64
	AvgProcessTime   int64 // milliseconds
	QueueSize        int32
}

// messageWorker implements pool.Worker for Message processing.
type messageWorker struct {
	pool *Pool
}

// Do implements pool.Worker.
func (w *messageWorker) Do(ctx context.Context, msg *Message) error {
	return w.pool.processJob(ctx, msg)
}

// NewPool creates a new worker pool. A nil sink only logs dead letters.
func NewPool(handler *Handler, config *PoolConfig, sink DeadLetterSink, log zerolog.Logger) *Pool {
	if config == nil {
		config = DefaultPoolConfig()
	}
	if config.Workers <= 0 {
		config.Workers = 1
	}
	if config.BatchSize <= 0 {
		config.BatchSize = 1
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Pool{
		handler: handler,
		config:  config,
		sink:    sink,
		ctx:     ctx,
		cancel:  cancel,
		metrics: &PoolMetrics{},
		log:     log.With().Str("component", "worker_pool").Logger(),
		dlq:     make(chan *Message, 100),
	}
}

// Start starts the worker pool.
func (p *Pool) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.started {
		return nil
	}

	p.pool = pool.New[*Message](p.config.Workers, &messageWorker{pool: p}).
		WithBatchSize(p.config.BatchSize).
		WithWorkerChanSize(p.config.WorkerChanSize).
		WithContinueOnError()

	if err := p.pool.Go(p.ctx); err != nil {
		p.log.Error().Err(err).Msg("failed to start pool")
		return err
	}
	p.started = true

	p.dlqWg.Add(1)
	go p.dlqProcessor()
	go p.metricsReporter()

	p.log.Info().
		Int("workers", p.config.Workers).
		Int("batch_size", p.config.BatchSize).
		Msg("worker pool started")
	return nil
}

// Stop drains submitted jobs and stops the worker pool.
func (p *Pool) Stop() {
	p.log.Info().Msg("stopping worker pool...")

	p.mu.Lock()
	if !p.started {
		p.mu.Unlock()
		return
	}
	p.started = false
	p.mu.Unlock()

	closeCtx, closeCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer closeCancel()

	if err := p.pool.Close(closeCtx); err != nil {
		p.log.Warn().Err(err).Msg("error closing pool")
	}

	p.cancel()
	close(p.dlq)
	p.dlqWg.Wait()

	p.log.Info().
		Int64("processed", atomic.LoadInt64(&p.metrics.JobsProcessed)).
		Int64("failed", atomic.LoadInt64(&p.metrics.JobsFailed)).
		Msg("worker pool stopped")
}

// Submit submits a job to the pool.
func (p *Pool) Submit(msg *Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.started || p.pool == nil {
		return ErrPoolStopped
	}
	atomic.AddInt32(&p.metrics.QueueSize, 1)
	p.pool.Submit(msg)
	return nil
}

// processJob processes a single job with timeout.
func (p *Pool) processJob(ctx context.Context, msg *Message) error {
	start := time.Now()
	defer atomic.AddInt32(&p.metrics.QueueSize, -1)

	jobCtx, cancel := context.WithTimeout(ctx, p.config.JobTimeout)
	defer cancel()

	stats, err := p.handler.Process(jobCtx, msg)
	p.updateAvgProcessTime(time.Since(start).Milliseconds())
	metrics.Since(metrics.StageWorkerJob, start)

	if err != nil {
		p.log.Error().
			Err(err).
			Str("job_id", msg.ID).
			Str("job_type", msg.Type).
			Msg("job processing failed")
	}
	if stats.Failed > 0 && msg.Batch != nil {
		p.deadLetter(&Message{
			ID:        msg.ID,
			Type:      msg.Type,
			Batch:     failedOnly(msg.Batch, stats),
			CreatedAt: msg.CreatedAt,
		})
	}

	msg.complete(Result{Stats: stats, Err: err})
	p.record(err)
	return err
}

func (p *Pool) deadLetter(msg *Message) {
	select {
	case p.dlq <- msg:
	default:
		p.log.Error().Str("job_id", msg.ID).Int("notifications", len(msg.Batch.Value)).Msg("DLQ full, failed notifications lost")
	}
}

func (p *Pool) record(err error) {
	if err != nil {
		atomic.AddInt64(&p.metrics.JobsFailed, 1)
		return
	}
	atomic.AddInt64(&p.metrics.JobsProcessed, 1)
}

// updateAvgProcessTime keeps a moving average of processing time.
func (p *Pool) updateAvgProcessTime(elapsed int64) {
	current := atomic.LoadInt64(&p.metrics.AvgProcessTime)
	if current == 0 {
		atomic.StoreInt64(&p.metrics.AvgProcessTime, elapsed)
		return
	}
	atomic.StoreInt64(&p.metrics.AvgProcessTime, (current*9+elapsed)/10)
}

// dlqProcessor logs failed notifications and hands them to the sink.
func (p *Pool) dlqProcessor() {
	defer p.dlqWg.Done()

	for msg := range p.dlq {
		if msg.Batch == nil {
			continue
		}
		atomic.AddInt64(&p.metrics.JobsDeadLettered, 1)

		var ids []string
		for _, n := range msg.Batch.Value {
			if n.ResourceData != nil {
				ids = append(ids, n.ResourceData.ID)
			}
		}
		p.log.Error().
			Str("job_id", msg.ID).
			Strs("message_ids", ids).
			Int("notifications", len(msg.Batch.Value)).
			Msg("DLQ: notifications failed")

		if p.sink == nil {
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := p.sink.DeadLetter(ctx, msg.Batch); err != nil {
			p.log.Error().Err(err).Str("job_id", msg.ID).Msg("failed to write dead letter")
		}
		cancel()
	}
}

// metricsReporter periodically logs metrics.
func (p *Pool) metricsReporter() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-p.ctx.Done():
			return
		case <-ticker.C:
			m := p.GetMetrics()
			p.log.Info().
				Int64("processed", m.JobsProcessed).
				Int64("failed", m.JobsFailed).
				Int64("dead_lettered", m.JobsDeadLettered).
				Int64("avg_process_ms", m.AvgProcessTime).
				Int32("queue_size", m.QueueSize).
				Msg("worker pool metrics")
		}
	}
}

// GetMetrics returns current pool metrics.
func (p *Pool) GetMetrics() PoolMetrics {
	return PoolMetrics{
		JobsProcessed:    atomic.LoadInt64(&p.metrics.JobsProcessed),
		JobsFailed:       atomic.LoadInt64(&p.metrics.JobsFailed),
		JobsDeadLettered: atomic.LoadInt64(&p.metrics.JobsDeadLettered),
		AvgProcessTime:   atomic.LoadInt64(&p.metrics.AvgProcessTime),
		QueueSize:        atomic.LoadInt32(&p.metrics.QueueSize),
	}
}

// =============================================================================
// Queue adapters
// =============================================================================

// PoolQueue implements out.NotificationQueue on top of the pool for the
// single-process deployment.
type PoolQueue struct {
	pool *Pool
}

var _ out.NotificationQueue = (*PoolQueue)(nil)

func NewPoolQueue(p *Pool) *PoolQueue {
	return &PoolQueue{pool: p}
}

func (q *PoolQueue) Enqueue(_ context.Context, batch *domain.NotificationBatch) error {
	return q.pool.Submit(NewBatchMessage(batch))
}
