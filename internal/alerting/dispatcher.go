package alerting

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/sirupsen/logrus"

	"luxelink/server/internal/metrics"
	"luxelink/server/internal/models"
)

const defaultBatchSize = 50

// AlertStore is the outbox side of the store.
type AlertStore interface {
	PendingAlerts(ctx context.Context, limit int) ([]models.PendingAlert, error)
	MarkAlertDelivered(ctx context.Context, id int64, at time.Time) error
}

// Dispatcher drains the alert outbox. An alert is marked delivered only when
// every notifier accepted it; otherwise it is retried on the next flush, so
// notifiers may see the same alert more than once.
type Dispatcher struct {
	store     AlertStore
	notifiers []Notifier
	batchSize int
	metrics   *metrics.Metrics
	logger    *logrus.Logger
}

func NewDispatcher(s AlertStore, notifiers []Notifier, batchSize int, m *metrics.Metrics, logger *logrus.Logger) *Dispatcher {
	if logger == nil {
		logger = logrus.New()
		logger.SetFormatter(&logrus.JSONFormatter{})
		logger.SetOutput(os.Stdout)
	}
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}
	return &Dispatcher{
		store:     s,
		notifiers: notifiers,
		batchSize: batchSize,
		metrics:   m,
		logger:    logger,
	}
}

// Flush delivers one batch of pending alerts and returns how many were
// marked delivered.
func (d *Dispatcher) Flush(ctx context.Context) (int, error) {
	pending, err := d.store.PendingAlerts(ctx, d.batchSize)
	if err != nil {
		return 0, fmt.Errorf("failed to load pending alerts: %w", err)
	}

	delivered := 0
	for _, alert := range pending {
		if ctx.Err() != nil {
			return delivered, ctx.Err()
		}

		ok := true
		for _, n := range d.notifiers {
			if err := n.Notify(ctx, alert); err != nil {
				ok = false
				d.metrics.AlertDelivery(n.Name(), false)
				d.logger.WithError(err).WithFields(logrus.Fields{
					"alert_id": alert.Alert.ID,
					"notifier": n.Name(),
				}).Error("Failed to deliver alert")
				continue
			}
			d.metrics.AlertDelivery(n.Name(), true)
		}
		if !ok {
			continue
		}

		if err := d.store.MarkAlertDelivered(ctx, alert.Alert.ID, time.Now().UTC()); err != nil {
			return delivered, err
		}
		delivered++
	}

	if len(pending) > 0 {
		d.logger.WithFields(logrus.Fields{
			"pending":   len(pending),
			"delivered": delivered,
		}).Info("Flushed alert outbox")
	}
	return delivered, nil
}
