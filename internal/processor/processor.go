package processor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nimasrn/campaign-pipeline/internal/config"
	"github.com/nimasrn/campaign-pipeline/internal/pipeline"
	"github.com/nimasrn/campaign-pipeline/internal/queue"
	"github.com/nimasrn/campaign-pipeline/pkg/logger"
	"github.com/nimasrn/campaign-pipeline/pkg/prom"
	"github.com/nimasrn/campaign-pipeline/pkg/redis"
	"github.com/nimasrn/campaign-pipeline/pkg/worker"
)

const (
	DefaultJobTimeout      = 30 * time.Second
	DefaultReportInterval  = 30 * time.Second
	DefaultHealthInterval  = 30 * time.Second
	DefaultShutdownTimeout = time.Minute

	highLagThreshold = 10000
)

var ErrStopped = errors.New("processor service is stopped")

type ServiceConfig struct {
	Queue           queue.QueueConfig
	Consumers       int
	Workers         int
	BufferSize      int
	JobTimeout      time.Duration
	ReportInterval  time.Duration
	HealthInterval  time.Duration
	ShutdownTimeout time.Duration
}

func ServiceConfigFrom(c *config.Config) ServiceConfig {
	name := c.QueueConsumerName
	if name == "" {
		name = "worker-" + uuid.NewString()[:8]
	}
	return ServiceConfig{
		Queue: queue.QueueConfig{
			Name:              c.QueueName,
			ConsumerGroup:     c.QueueConsumerGroup,
			ConsumerName:      name,
			MaxRetries:        c.QueueMaxRetries,
			VisibilityTimeout: c.QueueVisibilityTimeout,
			PollInterval:      c.QueuePollInterval,
			BatchSize:         c.QueueBatchSize,
			MaxLen:            c.QueueMaxLen,
			EnableDLQ:         c.QueueEnableDLQ,
		},
		Consumers:  c.QueueConsumers,
		Workers:    c.WorkerCount,
		BufferSize: c.WorkerBufferSize,
		JobTimeout: c.JobTimeout,
	}
}

func (c *ServiceConfig) setDefaults() {
	if c.Consumers <= 0 {
		c.Consumers = 1
	}
	if c.Workers <= 0 {
		c.Workers = 1
	}
	if c.BufferSize <= 0 {
		c.BufferSize = c.Workers
	}
	if c.JobTimeout <= 0 {
		c.JobTimeout = DefaultJobTimeout
	}
	if c.ReportInterval <= 0 {
		c.ReportInterval = DefaultReportInterval
	}
	if c.HealthInterval <= 0 {
		c.HealthInterval = DefaultHealthInterval
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = DefaultShutdownTimeout
	}
}

// ProcessorService consumes delivery job refs from the stream and runs them
// through the pipeline on a bounded worker pool.
type ProcessorService struct {
	adapter   redis.RedisAdapter
	config    ServiceConfig
	publisher *queue.Queue
	queues    []*queue.Queue
	jobs      *DeliveryJobProcessor
	metrics   *ServiceMetrics
	wg        sync.WaitGroup
	ctx       context.Context
	cancel    context.CancelFunc
	worker    *worker.WorkerManager
	stopOnce  sync.Once
}

func NewProcessorService(adapter redis.RedisAdapter, cfg ServiceConfig, p JobPipeline, locks *JobLockService) (*ProcessorService, error) {
	cfg.setDefaults()

	publisher, err := queue.NewQueue(adapter, cfg.Queue)
	if err != nil {
		return nil, fmt.Errorf("failed to create publisher queue: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &ProcessorService{
		adapter:   adapter,
		config:    cfg,
		publisher: publisher,
		jobs:      NewDeliveryJobProcessor(p, locks, publisher),
		metrics:   NewServiceMetrics(),
		ctx:       ctx,
		cancel:    cancel,
		worker:    worker.NewWorkerManager(cfg.BufferSize, cfg.Workers, nil),
	}, nil
}

func (s *ProcessorService) Metrics() *ServiceMetrics {
	return s.metrics
}

// Start starts the worker pool and the stream consumers. It returns once
// everything is running.
func (s *ProcessorService) Start() error {
	logger.Info("Starting Processor Service...", "queue", s.config.Queue.Name)

	s.worker.SetWorker(s.workerHandler)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.worker.Start(); err != nil {
			logger.Info("Worker manager stopped", "reason", err)
		}
	}()

	for i := 0; i < s.config.Consumers; i++ {
		queueConfig := s.config.Queue
		queueConfig.ConsumerName = fmt.Sprintf("%s-instance-%d", queueConfig.ConsumerName, i)

		q, err := queue.NewQueue(s.adapter, queueConfig)
		if err != nil {
			return fmt.Errorf("failed to create queue %d: %w", i, err)
		}

		q.OnDeadLetter(s.jobs.DeadLetter)
		if err := q.Consume(s.messageHandler); err != nil {
			return fmt.Errorf("failed to start consumer %d: %w", i, err)
		}

		s.queues = append(s.queues, q)
		logger.Debug("Started consumer instance", "instance", i, "consumer", queueConfig.ConsumerName)
	}

	s.wg.Add(2)
	go s.metricsReporter()
	go s.healthChecker()

	logger.Info("Processor Service started", "consumers", len(s.queues), "workers", s.config.Workers)
	return nil
}

func (s *ProcessorService) metricsReporter() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.config.ReportInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.reportMetrics(s.ctx)
		case <-s.ctx.Done():
			return
		}
	}
}

func (s *ProcessorService) reportMetrics(ctx context.Context) {
	stats := s.metrics.GetStats()
	logger.Info("Metrics",
		"total_processed", stats["total_processed"],
		"total_failed", stats["total_failed"],
		"sent", stats["sent"],
		"retried", stats["retried"],
		"dead", stats["dead"],
		"rate_per_second", stats["rate_per_second"],
		"avg_duration_ms", stats["avg_duration_ms"],
	)

	// consumers share one stream; its stats are reported once
	if qStats, err := s.publisher.GetStats(ctx); err == nil {
		prom.SetQueuePending(s.publisher.Name(), float64(qStats.PendingMessages))
		logger.Info("Queue stats",
			"queue", s.publisher.Name(),
			"total", qStats.TotalMessages,
			"pending", qStats.PendingMessages,
			"delayed", qStats.DelayedMessages,
			"dead_letters", qStats.DeadLetters,
		)
	}
}

func (s *ProcessorService) healthChecker() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.config.HealthInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := s.HealthCheck(s.ctx); err != nil {
				logger.Error("HEALTH CHECK FAILED", "error", err)
			}
		case <-s.ctx.Done():
			return
		}
	}
}

// HealthCheck pings redis and warns when the stream lags.
func (s *ProcessorService) HealthCheck(ctx context.Context) error {
	if err := s.adapter.Ping(ctx); err != nil {
		return fmt.Errorf("redis connection error: %w", err)
	}

	stats, err := s.publisher.GetStats(ctx)
	if err != nil {
		return fmt.Errorf("queue stats unavailable: %w", err)
	}
	if stats.PendingMessages > highLagThreshold {
		logger.Warn("HEALTH CHECK WARNING: Queue has high lag", "queue", s.publisher.Name(), "pending_messages", stats.PendingMessages)
	}
	return nil
}

// Stop stops the consumers first so no new refs are read, then drains the
// worker pool. Safe to call more than once.
func (s *ProcessorService) Stop() {
	s.stopOnce.Do(s.stop)
}

func (s *ProcessorService) stop() {
	logger.Info("Shutting down Processor Service...")

	timeout := s.config.ShutdownTimeout
	var stopWg sync.WaitGroup
	for i, q := range s.queues {
		stopWg.Add(1)
		go func() {
			defer stopWg.Done()
			if err := q.Stop(timeout); err != nil {
				logger.Error("Error stopping queue", "queue", i, "error", err)
			}
		}()
	}
	stopWg.Wait()
	_ = s.publisher.Stop(timeout)

	s.cancel()
	s.worker.Exit()
	s.wg.Wait()

	s.reportMetrics(context.Background())
	logger.Info("Processor Service stopped")
}

type jobResult struct {
	msg        *queue.Message
	resultChan chan error
	ctx        context.Context
}

// messageHandler hands a message to the worker pool and waits for its result,
// so the consumer acks only after the job is handled.
func (s *ProcessorService) messageHandler(ctx context.Context, msg *queue.Message) error {
	if s.ctx.Err() != nil {
		return ErrStopped
	}

	msgCtx, cancel := context.WithTimeout(ctx, s.config.JobTimeout)
	defer cancel()

	job := &jobResult{
		msg:        msg,
		resultChan: make(chan error, 1),
		ctx:        msgCtx,
	}

	if !s.worker.Enqueue(job) {
		return ErrStopped
	}

	select {
	case err := <-job.resultChan:
		return err
	case <-msgCtx.Done():
		return fmt.Errorf("timeout waiting for worker to process message: %w", msgCtx.Err())
	}
}

func (s *ProcessorService) workerHandler(workerIndex int, job interface{}) {
	jobRes, ok := job.(*jobResult)
	if !ok {
		logger.Error("Invalid job type in worker", "worker", workerIndex)
		return
	}

	select {
	case <-jobRes.ctx.Done():
		logger.Warn("Job context cancelled before processing started", "worker", workerIndex)
		return
	default:
	}

	start := time.Now()
	out, err := s.jobs.Process(jobRes.ctx, jobRes.msg)
	if err != nil && out.Kind != pipeline.OutcomeBusy {
		s.metrics.RecordFailure()
	} else {
		s.metrics.RecordOutcome(out.Kind, time.Since(start))
	}

	// resultChan is buffered; a timed out handler just never reads it
	jobRes.resultChan <- err
}
