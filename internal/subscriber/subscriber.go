// Package subscriber owns the broker connection that feeds the ingestion pipeline.
package subscriber

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"

	"sensornet/ingest-server/internal/metrics"
)

// ErrNotConnected is returned by Publish while no broker session is up.
var ErrNotConnected = errors.New("mqtt client not connected")

// State is the connection state of a Subscriber.
type State int32

const (
	Disconnected State = iota
	Connecting
	Subscribed
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Subscribed:
		return "subscribed"
	default:
		return "disconnected"
	}
}

// Handler processes one inbound message. A returned error is logged; it never stops
// the subscription.
type Handler func(ctx context.Context, topic string, payload []byte) error

// ClientFactory builds the MQTT client for one connection attempt.
type ClientFactory func(*mqtt.ClientOptions) mqtt.Client

// Options configures the broker session.
type Options struct {
	Broker         string
	Topic          string
	ClientID       string
	QoS            byte
	KeepAlive      time.Duration
	ConnectTimeout time.Duration
	// NewClient defaults to mqtt.NewClient.
	NewClient ClientFactory
}

// Subscriber holds at most one broker session and delivers its messages to the
// handler one at a time, in arrival order.
type Subscriber struct {
	opts    Options
	handler Handler
	logger  *slog.Logger

	state atomic.Int32
	lost  chan error

	mu     sync.Mutex
	client mqtt.Client
}

// New builds a disconnected Subscriber.
func New(opts Options, handler Handler, logger *slog.Logger) *Subscriber {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.NewClient == nil {
		opts.NewClient = mqtt.NewClient
	}
	if opts.ClientID == "" {
		opts.ClientID = "ingest-" + uuid.NewString()
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = 10 * time.Second
	}
	return &Subscriber{
		opts:    opts,
		handler: handler,
		logger:  logger,
		lost:    make(chan error, 1),
	}
}

// State returns the current connection state.
func (s *Subscriber) State() State {
	return State(s.state.Load())
}

func (s *Subscriber) setState(st State) {
	if prev := State(s.state.Swap(int32(st))); prev != st {
		s.logger.Info("subscriber state", "from", prev.String(), "to", st.String())
	}
	metrics.SubscriberState.Set(float64(st))
}

// Lost delivers the cause each time an established session drops.
func (s *Subscriber) Lost() <-chan error {
	return s.lost
}

// Connect opens a session and subscribes to the configured topic. Messages are
// handled with ctx until the session ends.
func (s *Subscriber) Connect(ctx context.Context) error {
	s.setState(Connecting)

	opts := mqtt.NewClientOptions().
		AddBroker(s.opts.Broker).
		SetClientID(s.opts.ClientID).
		SetCleanSession(true).
		SetAutoReconnect(false).
		SetOrderMatters(true).
		SetConnectTimeout(s.opts.ConnectTimeout)
	if s.opts.KeepAlive > 0 {
		opts.SetKeepAlive(s.opts.KeepAlive)
	}
	opts.SetConnectionLostHandler(s.connectionLost)

	client := s.opts.NewClient(opts)
	if err := wait(ctx, client.Connect()); err != nil {
		// stop a connect still running in the background
		client.Disconnect(0)
		s.setState(Disconnected)
		return fmt.Errorf("connect %s: %w", s.opts.Broker, err)
	}

	// drain a loss reported by a previous session
	select {
	case <-s.lost:
	default:
	}

	s.mu.Lock()
	s.client = client
	s.mu.Unlock()

	token := client.Subscribe(s.opts.Topic, s.opts.QoS, func(_ mqtt.Client, msg mqtt.Message) {
		s.deliver(ctx, msg)
	})
	if err := wait(ctx, token); err != nil {
		s.close(client)
		return fmt.Errorf("subscribe %s: %w", s.opts.Topic, err)
	}

	s.setState(Subscribed)
	s.logger.Info("subscribed", "broker", s.opts.Broker, "topic", s.opts.Topic, "client_id", s.opts.ClientID)
	return nil
}

// Disconnect ends the current session, if any.
func (s *Subscriber) Disconnect() {
	s.mu.Lock()
	client := s.client
	s.mu.Unlock()
	if client != nil {
		s.close(client)
	}
}

// Publish hands payload to the current session and returns without waiting for
// the broker. Handlers call it from the ordered delivery path, where waiting on
// the token would hold up acknowledgements. Delivery failures are logged.
func (s *Subscriber) Publish(topic string, payload []byte) error {
	s.mu.Lock()
	client := s.client
	s.mu.Unlock()

	if client == nil || !client.IsConnected() {
		return ErrNotConnected
	}

	token := client.Publish(topic, s.opts.QoS, false, payload)
	go s.awaitPublish(topic, token)
	return nil
}

func (s *Subscriber) awaitPublish(topic string, token mqtt.Token) {
	timer := time.NewTimer(s.opts.ConnectTimeout)
	defer timer.Stop()

	select {
	case <-token.Done():
		if err := token.Error(); err != nil {
			s.logger.Error("publish failed", "topic", topic, "error", err)
		}
	case <-timer.C:
		s.logger.Warn("publish not acknowledged", "topic", topic, "timeout", s.opts.ConnectTimeout)
	}
}

func (s *Subscriber) close(client mqtt.Client) {
	client.Disconnect(250)

	s.mu.Lock()
	if s.client == client {
		s.client = nil
	}
	s.mu.Unlock()
	s.setState(Disconnected)
}

func (s *Subscriber) connectionLost(client mqtt.Client, err error) {
	s.mu.Lock()
	if s.client != client {
		// a session that was already replaced or closed
		s.mu.Unlock()
		return
	}
	s.client = nil
	s.mu.Unlock()
	s.setState(Disconnected)
	s.logger.Warn("broker connection lost", "error", err)

	select {
	case s.lost <- err:
	default:
	}
}

func (s *Subscriber) deliver(ctx context.Context, msg mqtt.Message) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("message handler panic", "topic", msg.Topic(), "panic", r)
		}
	}()

	if err := s.handler(ctx, msg.Topic(), msg.Payload()); err != nil {
		s.logger.Error("message processing failed", "topic", msg.Topic(), "error", err)
	}
}

func wait(ctx context.Context, token mqtt.Token) error {
	select {
	case <-token.Done():
		return token.Error()
	case <-ctx.Done():
		return ctx.Err()
	}
}
