package subscriber

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff"

	"sensornet/ingest-server/internal/metrics"
)

// ErrAlreadyStarted is returned when Start is called more than once.
var ErrAlreadyStarted = errors.New("subscriber already started")

// Supervisor keeps one Subscriber connected, reconnecting with exponential backoff
// whenever the session drops.
type Supervisor struct {
	sub    *Subscriber
	logger *slog.Logger

	// InitialInterval and MaxInterval bound the delay between reconnect attempts.
	InitialInterval time.Duration
	MaxInterval     time.Duration

	started atomic.Bool
	cancel  context.CancelFunc
	done    chan struct{}
	stop    sync.Once
}

// NewSupervisor wraps sub. maxInterval caps the reconnect delay.
func NewSupervisor(sub *Subscriber, maxInterval time.Duration, logger *slog.Logger) *Supervisor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Supervisor{
		sub:             sub,
		logger:          logger,
		InitialInterval: 500 * time.Millisecond,
		MaxInterval:     maxInterval,
		done:            make(chan struct{}),
	}
}

// Start launches the connection loop in the background. Only the first call has any effect.
func (s *Supervisor) Start(ctx context.Context) error {
	if !s.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}

	ctx, s.cancel = context.WithCancel(ctx)
	go s.run(ctx)
	return nil
}

// Stop requests the loop to end, disconnects and waits for the loop to exit.
// Messages being handled at that moment are not waited for beyond the broker quiesce period.
func (s *Supervisor) Stop() {
	if !s.started.Load() {
		return
	}
	s.stop.Do(func() {
		s.cancel()
		<-s.done
	})
}

// State reports the supervised subscriber's state.
func (s *Supervisor) State() State {
	return s.sub.State()
}

func (s *Supervisor) run(ctx context.Context) {
	defer close(s.done)
	defer s.sub.Disconnect()

	for {
		if err := s.connect(ctx); err != nil {
			return
		}

		select {
		case <-ctx.Done():
			return
		case err := <-s.sub.Lost():
			s.logger.Warn("reconnecting", "cause", err)
		}
	}
}

// connect retries until the subscriber is up or ctx ends.
func (s *Supervisor) connect(ctx context.Context) error {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = s.InitialInterval
	if s.MaxInterval > 0 {
		policy.MaxInterval = s.MaxInterval
	}
	policy.MaxElapsedTime = 0

	attempt := 0
	op := func() error {
		if err := ctx.Err(); err != nil {
			return err
		}
		attempt++
		if attempt > 1 {
			metrics.SubscriberReconnects.Inc()
		}
		return s.sub.Connect(ctx)
	}
	notify := func(err error, next time.Duration) {
		s.logger.Warn("broker connect failed", "attempt", attempt, "retry_in", next, "error", err)
	}

	return backoff.RetryNotify(op, backoff.WithContext(policy, ctx), notify)
}
