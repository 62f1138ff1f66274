package notifications

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// WorkerConfig contains worker configuration.
type WorkerConfig struct {
	BatchSize    int
	PollInterval time.Duration
	NumWorkers   int
	// StuckAfter returns entries left in sending (or pending) longer than
	// this to the queue.
	StuckAfter time.Duration
}

// DefaultWorkerConfig returns default worker configuration.
func DefaultWorkerConfig() WorkerConfig {
	return WorkerConfig{
		BatchSize:    50,
		PollInterval: 10 * time.Second,
		NumWorkers:   2,
		StuckAfter:   5 * time.Minute,
	}
}

// SweepResult summarizes one pass over both queues.
type SweepResult struct {
	Recovered   int64
	Messages    int
	EmailAlerts int
	Failed      int
}

// Worker sweeps due notification messages and email alerts.
type Worker struct {
	config     WorkerConfig
	repo       Repository
	dispatcher *Dispatcher
	now        func() time.Time

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewWorker creates a new notification worker.
func NewWorker(config WorkerConfig, repo Repository, dispatcher *Dispatcher) *Worker {
	defaults := DefaultWorkerConfig()
	if config.BatchSize <= 0 {
		config.BatchSize = defaults.BatchSize
	}
	if config.PollInterval <= 0 {
		config.PollInterval = defaults.PollInterval
	}
	if config.NumWorkers <= 0 {
		config.NumWorkers = defaults.NumWorkers
	}
	if config.StuckAfter <= 0 {
		config.StuckAfter = defaults.StuckAfter
	}
	return &Worker{
		config:     config,
		repo:       repo,
		dispatcher: dispatcher,
		now:        time.Now,
		stopCh:     make(chan struct{}),
	}
}

// Start launches worker goroutines.
func (w *Worker) Start(ctx context.Context) {
	slog.Info("starting notification worker",
		"workers", w.config.NumWorkers,
		"batch_size", w.config.BatchSize,
		"poll_interval", w.config.PollInterval,
	)

	for i := 0; i < w.config.NumWorkers; i++ {
		w.wg.Add(1)
		go w.run(ctx, i)
	}
}

// Stop gracefully stops all workers.
func (w *Worker) Stop() {
	w.stopOnce.Do(func() { close(w.stopCh) })
	w.wg.Wait()
	slog.Info("notification worker stopped")
}

func (w *Worker) run(ctx context.Context, workerID int) {
	defer w.wg.Done()

	ticker := time.NewTicker(w.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		case <-ticker.C:
			// Maintenance queries run on one goroutine only.
			if workerID == 0 {
				w.recoverStuck(ctx)
				w.recordStats(ctx)
			}
			w.processBatch(ctx, workerID)
		}
	}
}

// RunOnce performs one synchronous sweep: stalled entries are returned to
// the queue, then due messages and email alerts are delivered.
func (w *Worker) RunOnce(ctx context.Context) (SweepResult, error) {
	var result SweepResult
	result.Recovered = w.recoverStuck(ctx)

	n, failed, err := w.ProcessScheduledNotifications(ctx)
	if err != nil {
		return result, err
	}
	result.Messages, result.Failed = n, failed

	n, failed, err = w.ProcessEmailAlerts(ctx)
	if err != nil {
		return result, err
	}
	result.EmailAlerts = n
	result.Failed += failed

	w.recordStats(ctx)
	return result, nil
}

func (w *Worker) processBatch(ctx context.Context, workerID int) {
	if _, _, err := w.ProcessScheduledNotifications(ctx); err != nil {
		slog.Error("failed to process scheduled notifications", "worker", workerID, "error", err)
	}
	if _, _, err := w.ProcessEmailAlerts(ctx); err != nil {
		slog.Error("failed to process email alerts", "worker", workerID, "error", err)
	}
}

// ProcessScheduledNotifications claims due queued messages and delivers
// each of them. A failing message never stops the batch.
func (w *Worker) ProcessScheduledNotifications(ctx context.Context) (processed, failed int, err error) {
	messages, err := w.repo.ClaimDueMessages(ctx, w.now(), w.config.BatchSize)
	if err != nil {
		return 0, 0, fmt.Errorf("claim due messages: %w", err)
	}
	if len(messages) == 0 {
		return 0, 0, nil
	}

	slog.Debug("processing scheduled notifications", "count", len(messages))
	recordQueueFetched("messages", len(messages))

	for i := range messages {
		msg := &messages[i]
		if err := w.dispatcher.Deliver(ctx, msg); err != nil {
			failed++
			slog.Warn("scheduled notification not delivered",
				"message_id", msg.ID,
				"incident_id", msg.IncidentID,
				"attempt", msg.RetryCount,
				"error", err,
			)
		}
		processed++
	}
	return processed, failed, nil
}

// ProcessEmailAlerts claims due email alerts, highest priority and oldest
// first, and sends each of them. A failing alert never stops the batch.
func (w *Worker) ProcessEmailAlerts(ctx context.Context) (processed, failed int, err error) {
	alerts, err := w.repo.ClaimDueEmailAlerts(ctx, w.now(), w.config.BatchSize)
	if err != nil {
		return 0, 0, fmt.Errorf("claim due email alerts: %w", err)
	}
	if len(alerts) == 0 {
		return 0, 0, nil
	}

	slog.Debug("processing email alerts", "count", len(alerts))
	recordQueueFetched("email_alerts", len(alerts))

	for i := range alerts {
		alert := &alerts[i]
		if err := w.dispatcher.SendEmailAlert(ctx, alert); err != nil {
			failed++
			slog.Warn("email alert not delivered",
				"alert_id", alert.ID,
				"priority", alert.Priority,
				"attempt", alert.RetryCount,
				"error", err,
			)
		}
		processed++
	}
	return processed, failed, nil
}

func (w *Worker) recoverStuck(ctx context.Context) int64 {
	n, err := w.repo.RecoverStuck(ctx, w.now().Add(-w.config.StuckAfter))
	if err != nil {
		slog.Error("failed to recover stalled notifications", "error", err)
		return 0
	}
	if n > 0 {
		notificationsRecovered.Add(float64(n))
		slog.Warn("stalled notifications returned to queue", "count", n)
	}
	return n
}

func (w *Worker) recordStats(ctx context.Context) {
	stats, err := w.repo.QueueStats(ctx)
	if err != nil {
		slog.Error("failed to read queue stats", "error", err)
		return
	}
	RecordQueueStats(stats)
}
