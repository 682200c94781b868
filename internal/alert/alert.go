// Package alert evaluates accepted readings against the configured alert ranges
// and pushes an event for every violated bound.
package alert

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"sensornet/ingest-server/internal/metrics"
	"sensornet/ingest-server/internal/model"
)

// Bound names stored on alerts.
const (
	BoundMin = "min"
	BoundMax = "max"
)

// Store is the persistence the notifier needs.
type Store interface {
	AlertRangesFor(ctx context.Context, typeCode, nodeID int64) ([]model.AlertRange, error)
	InsertAlert(ctx context.Context, a model.Alert) (int64, error)
}

// Publisher delivers alert events to subscribers of the alert topic.
type Publisher interface {
	Publish(topic string, payload []byte) error
}

// Notifier records and publishes alerts. Failures are logged and never reach the caller.
type Notifier struct {
	store  Store
	pub    Publisher
	topic  string
	logger *slog.Logger
	now    func() time.Time
}

// New builds a Notifier publishing under topic. pub may be nil, in which case alerts
// are only recorded.
func New(store Store, pub Publisher, topic string, logger *slog.Logger) *Notifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Notifier{store: store, pub: pub, topic: topic, logger: logger, now: time.Now}
}

// EvaluateAndNotify fires one alert per violated bound of every range matching the reading.
func (n *Notifier) EvaluateAndNotify(ctx context.Context, r model.AcceptedReading) {
	ranges, err := n.store.AlertRangesFor(ctx, r.TypeID, r.NodeID)
	if err != nil {
		n.logger.Error("load alert ranges", "node", r.NodeID, "type", r.TypeID, "error", err)
		return
	}

	for _, rng := range ranges {
		for _, a := range violations(rng, r) {
			a.CreatedAt = n.now().UTC()
			n.fire(ctx, a)
		}
	}
}

func (n *Notifier) fire(ctx context.Context, a model.Alert) {
	id, err := n.store.InsertAlert(ctx, a)
	if err != nil {
		n.logger.Error("record alert", "node", a.NodeID, "bound", a.Bound, "error", err)
		return
	}
	a.ID = id
	metrics.AlertsFired.Inc()

	n.logger.Warn("alert range violated",
		"node", a.NodeID,
		"type", a.TypeCode,
		"value", a.Value,
		"bound", a.Bound,
		"limit", a.Limit,
	)

	if n.pub == nil || n.topic == "" {
		return
	}

	payload, err := json.Marshal(a)
	if err != nil {
		n.logger.Error("encode alert", "alert", a.ID, "error", err)
		return
	}
	topic := Topic(n.topic, a.NodeID)
	if err := n.pub.Publish(topic, payload); err != nil {
		n.logger.Error("publish alert", "topic", topic, "error", err)
	}
}

// Topic returns the per-node alert topic under base.
func Topic(base string, nodeID int64) string {
	return fmt.Sprintf("%s/%d", base, nodeID)
}

func violations(rng model.AlertRange, r model.AcceptedReading) []model.Alert {
	var out []model.Alert
	base := model.Alert{
		ReadingID:  r.ID,
		NodeID:     r.NodeID,
		TypeCode:   r.TypeID,
		Value:      r.Value,
		ObservedAt: r.ObservedAt,
	}
	if rng.Min != nil && r.Value < *rng.Min {
		a := base
		a.Bound, a.Limit = BoundMin, *rng.Min
		out = append(out, a)
	}
	if rng.Max != nil && r.Value > *rng.Max {
		a := base
		a.Bound, a.Limit = BoundMax, *rng.Max
		out = append(out, a)
	}
	return out
}
