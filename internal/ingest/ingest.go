// Package ingest routes each inbound envelope to exactly one outcome: dropped
// when it cannot be decoded, stored as accepted, or stored as rejected with a reason.
package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"sensornet/ingest-server/internal/decode"
	"sensornet/ingest-server/internal/metrics"
	"sensornet/ingest-server/internal/model"
	"sensornet/ingest-server/internal/validate"
)

// Outcome is the route a message took through the pipeline.
type Outcome int

const (
	// Dropped messages could not be decoded and left no record.
	Dropped Outcome = iota
	Accepted
	Rejected
)

func (o Outcome) String() string {
	switch o {
	case Accepted:
		return "accepted"
	case Rejected:
		return "rejected"
	default:
		return "dropped"
	}
}

// Store persists routed readings.
type Store interface {
	InsertAccepted(ctx context.Context, r model.Reading) (int64, error)
	InsertRejected(ctx context.Context, r model.Reading, reason string) error
}

// Checker evaluates the validity predicates for a reading.
type Checker interface {
	Check(ctx context.Context, r model.Reading) (validate.Result, error)
}

// Notifier is invoked once for every accepted reading.
type Notifier interface {
	EvaluateAndNotify(ctx context.Context, r model.AcceptedReading)
}

// Pipeline runs decode, validate and route for one message at a time.
type Pipeline struct {
	store    Store
	checker  Checker
	notifier Notifier
	timeout  time.Duration
	logger   *slog.Logger
}

// New builds a Pipeline. A positive timeout bounds the storage work done for one
// message; zero leaves it unbounded. notifier may be nil.
func New(store Store, checker Checker, notifier Notifier, timeout time.Duration, logger *slog.Logger) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{store: store, checker: checker, notifier: notifier, timeout: timeout, logger: logger}
}

// Handle processes one payload received on topic. Decode failures are logged and
// reported as Dropped with a nil error; a non-nil error is a storage fault and the
// message left no record.
func (p *Pipeline) Handle(ctx context.Context, topic string, payload []byte) (Outcome, error) {
	start := time.Now()
	defer func() { metrics.ProcessingDuration.Observe(time.Since(start).Seconds()) }()
	metrics.MessagesReceived.Inc()

	logger := p.logger.With("msg_id", uuid.NewString(), "topic", topic)

	reading, err := decode.Decode(payload)
	if err != nil {
		metrics.ReadingsProcessed.WithLabelValues(metrics.OutcomeMalformed).Inc()
		logger.Warn("dropping malformed message", "payload", truncate(string(payload), 256), "error", err)
		return Dropped, nil
	}

	if p.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}

	outcome, err := p.route(ctx, logger, reading)
	if err != nil {
		metrics.ReadingsProcessed.WithLabelValues(metrics.OutcomeFailed).Inc()
		return outcome, err
	}

	switch outcome {
	case Accepted:
		metrics.ReadingsProcessed.WithLabelValues(metrics.OutcomeAccepted).Inc()
	case Rejected:
		metrics.ReadingsProcessed.WithLabelValues(metrics.OutcomeRejected).Inc()
	}
	return outcome, nil
}

func (p *Pipeline) route(ctx context.Context, logger *slog.Logger, r model.Reading) (Outcome, error) {
	res, err := p.checker.Check(ctx, r)
	if err != nil {
		return Dropped, fmt.Errorf("validate reading: %w", err)
	}

	if !res.Accepted() {
		reason := res.Reason()
		if err := p.store.InsertRejected(ctx, r, reason); err != nil {
			return Dropped, err
		}
		logger.Info("reading rejected", "node", r.NodeID, "type", r.TypeID, "reason", reason)
		return Rejected, nil
	}

	id, err := p.store.InsertAccepted(ctx, r)
	if err != nil {
		return Dropped, err
	}
	logger.Debug("reading accepted", "id", id, "node", r.NodeID, "type", r.TypeID, "value", r.Value)

	if p.notifier != nil {
		p.notifier.EvaluateAndNotify(ctx, model.AcceptedReading{ID: id, Reading: r, ReceivedAt: time.Now().UTC()})
	}
	return Accepted, nil
}

// truncate shortens s to at most max runes.
func truncate(s string, max int) string {
	if max <= 0 || len(s) <= max {
		return s
	}
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max])
}
