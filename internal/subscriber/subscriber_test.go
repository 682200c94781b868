package subscriber

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeToken struct {
	err error
}

func (t fakeToken) Wait() bool                     { return true }
func (t fakeToken) WaitTimeout(time.Duration) bool { return true }
func (t fakeToken) Error() error                   { return t.err }

func (t fakeToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}

// pendingToken completes only when complete is called.
type pendingToken struct {
	done chan struct{}
	err  error
}

func newPendingToken() *pendingToken {
	return &pendingToken{done: make(chan struct{})}
}

func (t *pendingToken) Wait() bool {
	<-t.done
	return true
}

func (t *pendingToken) WaitTimeout(d time.Duration) bool {
	select {
	case <-t.done:
		return true
	case <-time.After(d):
		return false
	}
}

func (t *pendingToken) Done() <-chan struct{} { return t.done }
func (t *pendingToken) Error() error          { return t.err }
func (t *pendingToken) complete()             { close(t.done) }

type fakeMessage struct {
	mqtt.Message
	topic   string
	payload []byte
}

func (m fakeMessage) Topic() string   { return m.topic }
func (m fakeMessage) Payload() []byte { return m.payload }

type publishCall struct {
	topic   string
	payload []byte
}

// fakeClient stands in for a paho client; unused methods panic through the nil embedded interface.
type fakeClient struct {
	mqtt.Client
	opts         *mqtt.ClientOptions
	connectErr   error
	connectToken mqtt.Token
	publishToken mqtt.Token

	mu           sync.Mutex
	connected    bool
	disconnected bool
	topic        string
	qos          byte
	handler      mqtt.MessageHandler
	published    []publishCall
}

func (c *fakeClient) Connect() mqtt.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.connectToken != nil {
		return c.connectToken
	}
	c.connected = c.connectErr == nil
	return fakeToken{err: c.connectErr}
}

func (c *fakeClient) Subscribe(topic string, qos byte, cb mqtt.MessageHandler) mqtt.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.topic, c.qos, c.handler = topic, qos, cb
	return fakeToken{}
}

func (c *fakeClient) Disconnect(uint) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connected = false
	c.disconnected = true
}

func (c *fakeClient) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

func (c *fakeClient) Publish(topic string, _ byte, _ bool, payload interface{}) mqtt.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.published = append(c.published, publishCall{topic: topic, payload: payload.([]byte)})
	if c.publishToken != nil {
		return c.publishToken
	}
	return fakeToken{}
}

func (c *fakeClient) deliver(topic, payload string) {
	c.mu.Lock()
	h := c.handler
	c.mu.Unlock()
	h(c, fakeMessage{topic: topic, payload: []byte(payload)})
}

func (c *fakeClient) drop(err error) {
	c.mu.Lock()
	c.connected = false
	c.mu.Unlock()
	c.opts.OnConnectionLost(c, err)
}

func (c *fakeClient) wasDisconnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.disconnected
}

// fakeBroker hands out a new fakeClient per connection attempt; the first
// failures attempts are refused.
type fakeBroker struct {
	mu       sync.Mutex
	failures int
	clients  []*fakeClient
}

func (b *fakeBroker) newClient(opts *mqtt.ClientOptions) mqtt.Client {
	b.mu.Lock()
	defer b.mu.Unlock()
	c := &fakeClient{opts: opts}
	if b.failures > 0 {
		b.failures--
		c.connectErr = errors.New("connection refused")
	}
	b.clients = append(b.clients, c)
	return c
}

func (b *fakeBroker) count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.clients)
}

func (b *fakeBroker) last() *fakeClient {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.clients[len(b.clients)-1]
}

type received struct {
	topic   string
	payload string
}

type recorder struct {
	mu   sync.Mutex
	msgs []received
}

func (r *recorder) handle(_ context.Context, topic string, payload []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, received{topic: topic, payload: string(payload)})
	return nil
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newSubscriber(b *fakeBroker, h Handler) *Subscriber {
	return New(Options{
		Broker:    "tcp://broker:1883",
		Topic:     "sensores/paquetes",
		QoS:       1,
		NewClient: b.newClient,
	}, h, quietLogger())
}

func TestConnect_SubscribesAndDelivers(t *testing.T) {
	b := &fakeBroker{}
	rec := &recorder{}
	s := newSubscriber(b, rec.handle)
	assert.Equal(t, Disconnected, s.State())

	require.NoError(t, s.Connect(context.Background()))
	assert.Equal(t, Subscribed, s.State())

	c := b.last()
	assert.Equal(t, "sensores/paquetes", c.topic)
	assert.Equal(t, byte(1), c.qos)
	assert.False(t, c.opts.AutoReconnect)
	assert.True(t, c.opts.Order)
	assert.NotEmpty(t, c.opts.ClientID)

	c.deliver("sensores/paquetes", `{"id": 7}`)
	c.deliver("sensores/paquetes", `{"id": 8}`)
	require.Len(t, rec.msgs, 2)
	assert.Equal(t, `{"id": 7}`, rec.msgs[0].payload)
	assert.Equal(t, `{"id": 8}`, rec.msgs[1].payload)

	s.Disconnect()
	assert.Equal(t, Disconnected, s.State())
	assert.True(t, c.wasDisconnected())
}

func TestConnect_Refused(t *testing.T) {
	b := &fakeBroker{failures: 1}
	s := newSubscriber(b, (&recorder{}).handle)

	err := s.Connect(context.Background())
	assert.ErrorContains(t, err, "connection refused")
	assert.Equal(t, Disconnected, s.State())
}

func TestDeliver_SurvivesHandlerFailures(t *testing.T) {
	b := &fakeBroker{}
	calls := 0
	s := newSubscriber(b, func(_ context.Context, _ string, payload []byte) error {
		calls++
		switch string(payload) {
		case "panic":
			panic("boom")
		case "fail":
			return errors.New("database is locked")
		}
		return nil
	})
	require.NoError(t, s.Connect(context.Background()))

	c := b.last()
	c.deliver("t", "panic")
	c.deliver("t", "fail")
	c.deliver("t", "ok")
	assert.Equal(t, 3, calls)
	assert.Equal(t, Subscribed, s.State())
}

func TestPublish(t *testing.T) {
	b := &fakeBroker{}
	s := newSubscriber(b, (&recorder{}).handle)

	assert.ErrorIs(t, s.Publish("sensores/alertas/7", []byte("{}")), ErrNotConnected)

	require.NoError(t, s.Connect(context.Background()))
	require.NoError(t, s.Publish("sensores/alertas/7", []byte(`{"bound":"max"}`)))

	c := b.last()
	require.Len(t, c.published, 1)
	assert.Equal(t, "sensores/alertas/7", c.published[0].topic)
}

func TestPublish_FromHandlerDoesNotWaitForBroker(t *testing.T) {
	b := &fakeBroker{}
	var s *Subscriber
	s = newSubscriber(b, func(_ context.Context, _ string, _ []byte) error {
		return s.Publish("sensores/alertas/7", []byte(`{"bound":"max"}`))
	})
	require.NoError(t, s.Connect(context.Background()))

	c := b.last()
	ack := newPendingToken()
	c.mu.Lock()
	c.publishToken = ack
	c.mu.Unlock()

	returned := make(chan struct{})
	go func() {
		c.deliver("sensores/paquetes", `{"id": 7}`)
		close(returned)
	}()

	select {
	case <-returned:
	case <-time.After(2 * time.Second):
		t.Fatal("handler blocked until the broker acknowledged the publish")
	}
	ack.complete()

	c.mu.Lock()
	defer c.mu.Unlock()
	require.Len(t, c.published, 1)
	assert.Equal(t, "sensores/alertas/7", c.published[0].topic)
}

func TestConnect_CancelledWhileConnecting(t *testing.T) {
	var client *fakeClient
	s := New(Options{
		Broker: "tcp://broker:1883",
		Topic:  "sensores/paquetes",
		NewClient: func(opts *mqtt.ClientOptions) mqtt.Client {
			client = &fakeClient{opts: opts, connectToken: newPendingToken()}
			return client
		},
	}, (&recorder{}).handle, quietLogger())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := s.Connect(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, Disconnected, s.State())
	require.NotNil(t, client)
	assert.True(t, client.wasDisconnected())
}

func TestConnectionLost_IgnoresStaleSession(t *testing.T) {
	b := &fakeBroker{}
	s := newSubscriber(b, (&recorder{}).handle)

	require.NoError(t, s.Connect(context.Background()))
	first := b.last()
	first.drop(errors.New("EOF"))
	assert.Equal(t, Disconnected, s.State())
	<-s.Lost()

	require.NoError(t, s.Connect(context.Background()))
	first.drop(errors.New("late EOF"))
	assert.Equal(t, Subscribed, s.State())

	select {
	case err := <-s.Lost():
		t.Fatalf("unexpected loss signal: %v", err)
	default:
	}
}

func TestSupervisor_ReconnectsAfterFailures(t *testing.T) {
	b := &fakeBroker{failures: 2}
	rec := &recorder{}
	sup := NewSupervisor(newSubscriber(b, rec.handle), 10*time.Millisecond, quietLogger())
	sup.InitialInterval = time.Millisecond

	require.NoError(t, sup.Start(context.Background()))
	t.Cleanup(sup.Stop)

	require.Eventually(t, func() bool { return sup.State() == Subscribed }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 3, b.count())

	b.last().drop(errors.New("keepalive timeout"))
	require.Eventually(t, func() bool { return b.count() == 4 && sup.State() == Subscribed }, 2*time.Second, 5*time.Millisecond)

	b.last().deliver("sensores/paquetes", "after reconnect")
	require.Len(t, rec.msgs, 1)
}

func TestSupervisor_StartOnceAndStop(t *testing.T) {
	b := &fakeBroker{}
	sup := NewSupervisor(newSubscriber(b, (&recorder{}).handle), time.Second, quietLogger())

	require.NoError(t, sup.Start(context.Background()))
	assert.ErrorIs(t, sup.Start(context.Background()), ErrAlreadyStarted)

	require.Eventually(t, func() bool { return sup.State() == Subscribed }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, b.count())

	sup.Stop()
	sup.Stop()
	assert.Equal(t, Disconnected, sup.State())
	assert.True(t, b.last().wasDisconnected())
	assert.ErrorIs(t, sup.Start(context.Background()), ErrAlreadyStarted)
}

func TestSupervisor_StopWhileRetrying(t *testing.T) {
	b := &fakeBroker{failures: 1 << 30}
	sup := NewSupervisor(newSubscriber(b, (&recorder{}).handle), 5*time.Millisecond, quietLogger())
	sup.InitialInterval = time.Millisecond

	require.NoError(t, sup.Start(context.Background()))
	require.Eventually(t, func() bool { return b.count() >= 2 }, 2*time.Second, time.Millisecond)

	stopped := make(chan struct{})
	go func() {
		sup.Stop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("supervisor did not stop")
	}
	assert.Equal(t, Disconnected, sup.State())
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "disconnected", Disconnected.String())
	assert.Equal(t, "connecting", Connecting.String())
	assert.Equal(t, "subscribed", Subscribed.String())
}
