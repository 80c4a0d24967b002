package multiplexertest

import (
	"sync"

	"github.com/nerrad567/esg-core/internal/multiplexer"
)

// Wire request kinds recorded by FakeClient.
const (
	OpSubscribe   = "subscribe"
	OpUnsubscribe = "unsubscribe"
)

// Call is one wire request received by a FakeClient.
type Call struct {
	Op    string
	Topic string
}

// FakeClient is an in-memory multiplexer.Client.
//
// It records every wire request. With auto-ack on (the default) requests are
// acknowledged successfully before Subscribe/Unsubscribe return; with it off
// they stay pending until AckSubscribe/AckUnsubscribe.
type FakeClient struct {
	mu sync.Mutex

	autoAck     bool
	connectErr  error
	connectGate <-chan struct{}

	connected    bool
	disconnected bool
	factoryCalls int
	connectCalls int
	calls        []Call

	pendingSubs   map[string][]func(error)
	pendingUnsubs map[string][]func(error)

	onConnect func()
	onLost    func(error)
	onMessage func(topic string, payload []byte)
}

var _ multiplexer.Client = (*FakeClient)(nil)

// NewFakeClient returns a disconnected client with auto-ack on.
func NewFakeClient() *FakeClient {
	return &FakeClient{
		autoAck:       true,
		pendingSubs:   make(map[string][]func(error)),
		pendingUnsubs: make(map[string][]func(error)),
	}
}

// Factory returns a ClientFactory that hands out this client and counts calls.
func (f *FakeClient) Factory() multiplexer.ClientFactory {
	return func() (multiplexer.Client, error) {
		f.mu.Lock()
		f.factoryCalls++
		f.mu.Unlock()
		return f, nil
	}
}

// FactoryCalls returns how many times the factory was invoked.
func (f *FakeClient) FactoryCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.factoryCalls
}

// SetAutoAck turns synchronous successful acknowledgements on or off.
func (f *FakeClient) SetAutoAck(on bool) {
	f.mu.Lock()
	f.autoAck = on
	f.mu.Unlock()
}

// SetConnectError makes Connect fail with err.
func (f *FakeClient) SetConnectError(err error) {
	f.mu.Lock()
	f.connectErr = err
	f.mu.Unlock()
}

// SetConnectGate makes Connect block until gate is closed.
func (f *FakeClient) SetConnectGate(gate <-chan struct{}) {
	f.mu.Lock()
	f.connectGate = gate
	f.mu.Unlock()
}

// Connect records the call. It does not fire OnConnect; use FireConnect.
func (f *FakeClient) Connect() error {
	f.mu.Lock()
	f.connectCalls++
	gate := f.connectGate
	f.mu.Unlock()

	if gate != nil {
		<-gate
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connectErr
}

// ConnectCalls returns how many times Connect was called.
func (f *FakeClient) ConnectCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connectCalls
}

// IsConnected reports whether FireConnect has run since the last loss.
func (f *FakeClient) IsConnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

// Subscribe records a wire subscribe.
func (f *FakeClient) Subscribe(topic string, done func(error)) {
	f.request(OpSubscribe, topic, done, f.pendingSubs)
}

// Unsubscribe records a wire unsubscribe.
func (f *FakeClient) Unsubscribe(topic string, done func(error)) {
	f.request(OpUnsubscribe, topic, done, f.pendingUnsubs)
}

func (f *FakeClient) request(op, topic string, done func(error), pending map[string][]func(error)) {
	f.mu.Lock()
	f.calls = append(f.calls, Call{Op: op, Topic: topic})
	if f.autoAck {
		f.mu.Unlock()
		done(nil)
		return
	}
	pending[topic] = append(pending[topic], done)
	f.mu.Unlock()
}

// AckSubscribe completes the oldest pending subscribe for topic with err.
// It reports false if none was pending.
func (f *FakeClient) AckSubscribe(topic string, err error) bool {
	return f.ack(f.pendingSubs, topic, err)
}

// AckUnsubscribe completes the oldest pending unsubscribe for topic with err.
// It reports false if none was pending.
func (f *FakeClient) AckUnsubscribe(topic string, err error) bool {
	return f.ack(f.pendingUnsubs, topic, err)
}

func (f *FakeClient) ack(pending map[string][]func(error), topic string, err error) bool {
	f.mu.Lock()
	queue := pending[topic]
	if len(queue) == 0 {
		f.mu.Unlock()
		return false
	}
	done := queue[0]
	if len(queue) == 1 {
		delete(pending, topic)
	} else {
		pending[topic] = queue[1:]
	}
	f.mu.Unlock()

	done(err)
	return true
}

// OnConnect implements multiplexer.Client.
func (f *FakeClient) OnConnect(fn func()) {
	f.mu.Lock()
	f.onConnect = fn
	f.mu.Unlock()
}

// OnConnectionLost implements multiplexer.Client.
func (f *FakeClient) OnConnectionLost(fn func(error)) {
	f.mu.Lock()
	f.onLost = fn
	f.mu.Unlock()
}

// OnMessage implements multiplexer.Client.
func (f *FakeClient) OnMessage(fn func(topic string, payload []byte)) {
	f.mu.Lock()
	f.onMessage = fn
	f.mu.Unlock()
}

// Disconnect marks the client closed.
func (f *FakeClient) Disconnect() {
	f.mu.Lock()
	f.connected = false
	f.disconnected = true
	f.mu.Unlock()
}

// Disconnected reports whether Disconnect was called.
func (f *FakeClient) Disconnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.disconnected
}

// FireConnect simulates a successful (re)connect.
func (f *FakeClient) FireConnect() {
	f.mu.Lock()
	f.connected = true
	fn := f.onConnect
	f.mu.Unlock()

	if fn != nil {
		fn()
	}
}

// FireConnectionLost simulates the broker connection dropping. Pending
// acknowledgements are kept so tests can deliver them late.
func (f *FakeClient) FireConnectionLost(err error) {
	f.mu.Lock()
	f.connected = false
	fn := f.onLost
	f.mu.Unlock()

	if fn != nil {
		fn(err)
	}
}

// FireMessage simulates an inbound message.
func (f *FakeClient) FireMessage(topic string, payload []byte) {
	f.mu.Lock()
	fn := f.onMessage
	f.mu.Unlock()

	if fn != nil {
		fn(topic, payload)
	}
}

// Calls returns every wire request so far, in order.
func (f *FakeClient) Calls() []Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Call, len(f.calls))
	copy(out, f.calls)
	return out
}

// Count returns how many op requests were made for topic.
func (f *FakeClient) Count(op, topic string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if c.Op == op && c.Topic == topic {
			n++
		}
	}
	return n
}
