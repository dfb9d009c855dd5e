package bootstrap

import (
	"context"
	"errors"
	"sync"
	"time"

	"tracker_server/adapter/in/worker"
	"tracker_server/adapter/out/messaging"
	"tracker_server/core/port/out"
	"tracker_server/pkg/logger"

	"github.com/rs/zerolog"
)

const consumerGroup = "tracker-workers"

// Worker owns the processing pool and, when consuming from Redis, the
// stream consumer feeding it.
type Worker struct {
	pool     *worker.Pool
	consumer *messaging.Consumer
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	zlog     zerolog.Logger
}

// NewWorker creates the pool. With consume set the worker reads the
// notification stream, which requires Redis.
func NewWorker(deps *Dependencies, consume bool) (*Worker, error) {
	cfg := deps.Config
	zlog := logger.Default().Zerolog().With().Str("component", "worker").Logger()

	poolConfig := worker.DefaultPoolConfig()
	if cfg.WorkerMax > 0 {
		poolConfig.Workers = cfg.WorkerMax
	}
	if cfg.WorkerQueueSize > 0 {
		poolConfig.WorkerChanSize = cfg.WorkerQueueSize
	}

	var sink worker.DeadLetterSink
	if deps.Redis != nil {
		sink = messaging.NewRedisProducer(deps.Redis)
	}
	pool := worker.NewPool(worker.NewHandler(deps.Processor), poolConfig, sink, zlog)

	ctx, cancel := context.WithCancel(context.Background())
	w := &Worker{
		pool:   pool,
		ctx:    ctx,
		cancel: cancel,
		zlog:   zlog,
	}

	if consume {
		if deps.Redis == nil {
			cancel()
			return nil, errors.New("worker mode requires REDIS_URL")
		}
		stream := messaging.StreamNotificationBatch
		w.consumer = messaging.NewConsumer(deps.Redis, &messaging.ConsumerConfig{
			Group:                consumerGroup,
			Consumer:             cfg.WorkerID,
			Streams:              []string{stream},
			Handler:              worker.NewStreamHandler(pool),
			Logger:               zlog,
			PendingCheckInterval: time.Duration(cfg.ConsumerPendingCheckSec) * time.Second,
			MaxRetries:           cfg.ConsumerMaxRetries,
			ReadCount:            int64(cfg.ConsumerBatchSize),
			Block:                time.Duration(cfg.ConsumerBlockMS) * time.Millisecond,
		})
		logger.Info("Redis Stream Consumer configured for %s (DLQ %s)", stream, messaging.DeadLetterStream(stream))
	}

	return w, nil
}

// Queue returns the in-process queue feeding the pool directly.
func (w *Worker) Queue() out.NotificationQueue {
	return worker.NewPoolQueue(w.pool)
}

// Start starts the pool and the consumer, if any, without blocking.
func (w *Worker) Start() error {
	if err := w.pool.Start(); err != nil {
		return err
	}

	if w.consumer != nil {
		w.wg.Add(1)
		go func() {
			defer w.wg.Done()
			w.zlog.Info().Msg("Starting Redis Stream Consumer...")
			if err := w.consumer.Run(w.ctx); err != nil && !errors.Is(err, context.Canceled) {
				w.zlog.Error().Err(err).Msg("Redis Stream Consumer error")
			}
		}()
	}
	return nil
}

// Stop stops consuming first so that in-flight entries settle in the pool
// before it drains.
func (w *Worker) Stop() {
	w.cancel()
	w.wg.Wait()
	w.pool.Stop()
}

func (w *Worker) GetMetrics() worker.PoolMetrics {
	return w.pool.GetMetrics()
}
