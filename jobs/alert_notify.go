package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"

	"github.com/stockroom/stockroom/internal/inventory"
	jobmetrics "github.com/stockroom/stockroom/internal/jobs"
)

const defaultNotifyBatch = 100

// AlertChannel is the Redis channel stock alerts are published on.
const AlertChannel = "stockroom.alerts"

// AlertSource yields alerts still waiting for delivery.
type AlertSource interface {
	PendingNotifications(ctx context.Context, limit int) ([]inventory.StockAlert, error)
	MarkNotified(ctx context.Context, alertIDs []int64) error
}

// Notifier delivers one alert.
type Notifier interface {
	Notify(ctx context.Context, alert inventory.StockAlert) error
}

// LogNotifier writes alerts to the log.
type LogNotifier struct {
	Logger *slog.Logger
}

// Notify implements Notifier.
func (n LogNotifier) Notify(_ context.Context, alert inventory.StockAlert) error {
	logger := n.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Warn("stock alert",
		slog.Int64("tenant_id", alert.TenantID),
		slog.Int64("product_id", alert.ProductID),
		slog.String("kind", string(alert.Kind)),
		slog.Int64("stock", alert.CurrentStock),
		slog.String("message", alert.Message))
	return nil
}

// RedisNotifier publishes alerts as JSON for downstream consumers.
type RedisNotifier struct {
	client  *redis.Client
	channel string
}

// NewRedisNotifier constructs a RedisNotifier. An empty channel uses AlertChannel.
func NewRedisNotifier(client *redis.Client, channel string) *RedisNotifier {
	if channel == "" {
		channel = AlertChannel
	}
	return &RedisNotifier{client: client, channel: channel}
}

// Notify implements Notifier.
func (n *RedisNotifier) Notify(ctx context.Context, alert inventory.StockAlert) error {
	body, err := json.Marshal(alert)
	if err != nil {
		return err
	}
	return n.client.Publish(ctx, n.channel, body).Err()
}

// AlertNotifyJob hands ACTIVE, unnotified alerts to the notifier and flags them.
type AlertNotifyJob struct {
	Source   AlertSource
	Notifier Notifier
	Logger   *slog.Logger
	Metrics  *jobmetrics.Metrics
}

// NewAlertNotifyJob wires dependencies for the sweep handler.
func NewAlertNotifyJob(source AlertSource, notifier Notifier, logger *slog.Logger, metrics *jobmetrics.Metrics) *AlertNotifyJob {
	return &AlertNotifyJob{Source: source, Notifier: notifier, Logger: logger, Metrics: metrics}
}

// Handle processes TaskAlertNotify tasks.
func (j *AlertNotifyJob) Handle(ctx context.Context, t *asynq.Task) error {
	if j == nil || j.Source == nil {
		return errors.New("alert notify: handler not configured")
	}
	var payload AlertNotifyPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}
	tracker := j.Metrics.Track(TaskAlertNotify)
	_, err := j.Sweep(ctx, payload.Batch)
	return tracker.End(err)
}

// Sweep delivers one batch and returns how many alerts were flagged notified.
// Alerts whose delivery failed stay pending for the next run.
func (j *AlertNotifyJob) Sweep(ctx context.Context, batch int) (int, error) {
	if batch <= 0 {
		batch = defaultNotifyBatch
	}
	logger := jobLogger(j.Logger, TaskAlertNotify)
	pending, err := j.Source.PendingNotifications(ctx, batch)
	if err != nil {
		logger.Error("load pending alerts", slog.Any("error", err))
		return 0, err
	}
	if len(pending) == 0 {
		return 0, nil
	}
	notifier := j.Notifier
	if notifier == nil {
		notifier = LogNotifier{Logger: j.Logger}
	}
	delivered := make([]int64, 0, len(pending))
	var failures []error
	for _, alert := range pending {
		if err := notifier.Notify(ctx, alert); err != nil {
			failures = append(failures, fmt.Errorf("alert %d: %w", alert.ID, err))
			continue
		}
		delivered = append(delivered, alert.ID)
	}
	if len(delivered) > 0 {
		if err := j.Source.MarkNotified(ctx, delivered); err != nil {
			logger.Error("mark alerts notified", slog.Any("error", err))
			return 0, err
		}
	}
	j.Metrics.AddNotifications(len(delivered))
	logger.Info("alert sweep finished", slog.Int("delivered", len(delivered)), slog.Int("failed", len(failures)))
	return len(delivered), errors.Join(failures...)
}

func jobLogger(logger *slog.Logger, job string) *slog.Logger {
	if logger == nil {
		logger = slog.Default()
	}
	return logger.With(slog.String("job", job))
}
