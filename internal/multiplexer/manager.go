package multiplexer

import (
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
)

// MessageHandler receives messages for a subscribed topic.
//
// Handlers for one topic are called one after another in subscription order.
// They run on the transport's delivery goroutine and should not block.
type MessageHandler func(topic string, payload []byte)

// Client is the transport the Manager multiplexes.
//
// Subscribe and Unsubscribe must not block on the broker: they report the
// broker's acknowledgement through done, either later from another goroutine
// or synchronously before returning. done is called exactly once.
type Client interface {
	// Connect starts connecting. Reconnects after a lost connection are the
	// client's own business; each successful (re)connect fires OnConnect.
	Connect() error

	// IsConnected reports the last known connection state.
	IsConnected() bool

	Subscribe(topic string, done func(error))
	Unsubscribe(topic string, done func(error))

	OnConnect(func())
	OnConnectionLost(func(error))
	OnMessage(func(topic string, payload []byte))

	// Disconnect closes the connection. The client is not reused afterwards.
	Disconnect()
}

// ClientFactory creates the transport client. The Manager calls it at most once.
type ClientFactory func() (Client, error)

// Logger is the optional logging interface used by the Manager.
// Compatible with logging.Logger and slog.Logger.
type Logger interface {
	Debug(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Subscription is one caller's interest in a topic.
//
// It is owned by the caller that created it; call Unsubscribe when done or
// the manager keeps the broker subscription alive.
type Subscription struct {
	mgr     *Manager
	topic   string
	handler MessageHandler
	active  atomic.Bool
}

// Topic returns the topic the subscription is attached to.
func (s *Subscription) Topic() string {
	return s.topic
}

// Unsubscribe stops delivery to this subscription immediately. The wire
// unsubscribe, if this was the topic's last subscription, follows on the next
// reconciliation pass. Calling Unsubscribe more than once has no further effect.
func (s *Subscription) Unsubscribe() {
	if !s.active.CompareAndSwap(true, false) {
		return
	}
	s.mgr.unsubscribe(s)
}

// wireOp is a wire request computed under the lock and sent after releasing it.
type wireOp struct {
	topic  string
	action wireAction
	epoch  uint64
}

// Manager shares one transport Client between any number of subscriptions.
//
// Thread Safety:
//   - All methods are safe for concurrent use from multiple goroutines.
//   - Wire calls and handler invocations happen without the lock held.
type Manager struct {
	factory ClientFactory
	runner  Runner

	mu        sync.Mutex
	client    Client
	clientErr error
	// connecting is closed when the first Connect attempt resolves.
	connecting chan struct{}
	connected  bool
	closed     bool

	// epoch counts connects; acks carry the epoch they were sent in.
	epoch  uint64
	subs   *registry
	states map[string]topicState

	// dirty lists topics awaiting reconciliation, in first-marked order.
	dirty    []string
	dirtySet map[string]struct{}
	pending  bool

	logger Logger
}

// New creates a Manager. No client is created until the first Subscribe.
// A nil runner runs reconciliation inline.
func New(factory ClientFactory, runner Runner) *Manager {
	if runner == nil {
		runner = RunnerFunc(func(task func()) { task() })
	}
	return &Manager{
		factory:  factory,
		runner:   runner,
		subs:     newRegistry(),
		states:   make(map[string]topicState),
		dirtySet: make(map[string]struct{}),
		logger:   noopLogger{},
	}
}

// SetLogger sets the logger for transitions, ack failures and handler panics.
func (m *Manager) SetLogger(logger Logger) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if logger == nil {
		logger = noopLogger{}
	}
	m.logger = logger
}

// Subscribe registers handler for topic and returns its Subscription.
//
// The first call on a Manager creates and connects the transport client.
// Concurrent calls wait for that attempt. If it fails the error wraps
// ErrClientFactory and every later call returns the same error.
//
// If the client is connected, the topic is reconciled on the next runner
// pass; otherwise it is subscribed when the client next connects.
func (m *Manager) Subscribe(topic string, handler MessageHandler) (*Subscription, error) {
	if topic == "" {
		return nil, ErrInvalidTopic
	}
	if handler == nil {
		return nil, ErrNilHandler
	}

	m.mu.Lock()
	for m.connecting != nil {
		wait := m.connecting
		m.mu.Unlock()
		<-wait
		m.mu.Lock()
	}
	if m.closed {
		m.mu.Unlock()
		return nil, ErrClosed
	}
	if m.clientErr != nil {
		err := m.clientErr
		m.mu.Unlock()
		return nil, err
	}

	var created Client
	if m.client == nil {
		client, err := m.newClientLocked()
		if err != nil {
			m.clientErr = err
			m.mu.Unlock()
			return nil, err
		}
		m.client = client
		m.connecting = make(chan struct{})
		created = client
	}

	sub := &Subscription{mgr: m, topic: topic, handler: handler}
	sub.active.Store(true)
	m.subs.add(topic, sub)
	schedule := m.markDirtyLocked(topic)
	m.mu.Unlock()

	if created != nil {
		err := created.Connect()
		m.mu.Lock()
		if err != nil {
			err = fmt.Errorf("%w: connecting: %w", ErrClientFactory, err)
			sub.active.Store(false)
			m.clientErr = err
			m.subs.remove(topic, sub)
		}
		close(m.connecting)
		m.connecting = nil
		m.mu.Unlock()
		if err != nil {
			return nil, err
		}
	}

	if schedule {
		m.runner.Schedule(m.reconcile)
	}
	return sub, nil
}

// Close disconnects the client and rejects further subscriptions.
// Existing subscriptions receive no more messages. Safe to call more than once.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.connected = false
	client := m.client
	m.mu.Unlock()

	if client != nil {
		client.Disconnect()
	}
	return nil
}

// newClientLocked calls the factory and wires the client's events.
func (m *Manager) newClientLocked() (Client, error) {
	if m.factory == nil {
		return nil, fmt.Errorf("%w: no client factory", ErrClientFactory)
	}
	client, err := m.factory()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrClientFactory, err)
	}
	if client == nil {
		return nil, fmt.Errorf("%w: factory returned nil client", ErrClientFactory)
	}

	client.OnConnect(m.handleConnect)
	client.OnConnectionLost(m.handleConnectionLost)
	client.OnMessage(m.dispatch)
	return client, nil
}

func (m *Manager) unsubscribe(sub *Subscription) {
	m.mu.Lock()
	if !m.subs.remove(sub.topic, sub) {
		m.mu.Unlock()
		return
	}
	schedule := false
	if m.subs.isEmpty(sub.topic) {
		schedule = m.markDirtyLocked(sub.topic)
	}
	m.mu.Unlock()

	if schedule {
		m.runner.Schedule(m.reconcile)
	}
}

// markDirtyLocked queues topic for reconciliation. It reports whether the
// caller must schedule a pass; only one pass is pending at a time.
func (m *Manager) markDirtyLocked(topic string) bool {
	if !m.connected || m.closed {
		return false
	}
	if _, ok := m.dirtySet[topic]; !ok {
		m.dirtySet[topic] = struct{}{}
		m.dirty = append(m.dirty, topic)
	}
	if m.pending {
		return false
	}
	m.pending = true
	return true
}

func (m *Manager) clearDirtyLocked() {
	m.dirty = m.dirty[:0]
	clear(m.dirtySet)
}

// reconcile is the runner task: it brings every dirty topic's wire state in
// line with the registry.
func (m *Manager) reconcile() {
	m.mu.Lock()
	m.pending = false
	if !m.connected || m.closed {
		// The next connect re-subscribes from the registry.
		m.clearDirtyLocked()
		m.mu.Unlock()
		return
	}

	ops := make([]wireOp, 0, len(m.dirty))
	for _, topic := range m.dirty {
		if op, ok := m.evaluateLocked(topic); ok {
			ops = append(ops, op)
		}
	}
	m.clearDirtyLocked()
	client := m.client
	m.mu.Unlock()

	m.send(client, ops)
}

// evaluateLocked feeds the topic's desired state into its state machine.
func (m *Manager) evaluateLocked(topic string) (wireOp, bool) {
	event := eventRequestUnsubscribe
	if !m.subs.isEmpty(topic) {
		event = eventRequestSubscribe
	}
	return m.applyLocked(topic, event)
}

// applyLocked performs one transition and returns the wire request it calls for.
func (m *Manager) applyLocked(topic string, event topicEvent) (wireOp, bool) {
	prev := m.states[topic]
	next, action := prev.on(event)
	if next == stateAbsent {
		delete(m.states, topic)
	} else {
		m.states[topic] = next
	}

	if prev != next || action != actionNone {
		m.logger.Debug("topic transition",
			"topic", topic,
			"event", event.String(),
			"from", prev.String(),
			"to", next.String(),
			"action", action.String(),
		)
	}

	switch action {
	case actionSubscribe, actionUnsubscribe:
		return wireOp{topic: topic, action: action, epoch: m.epoch}, true
	case actionNone, actionDefer:
	}
	return wireOp{}, false
}

// send issues wire requests. Must be called without the lock held: clients
// may acknowledge synchronously.
func (m *Manager) send(client Client, ops []wireOp) {
	for _, op := range ops {
		switch op.action {
		case actionSubscribe:
			client.Subscribe(op.topic, func(err error) { m.handleAck(op, err) })
		case actionUnsubscribe:
			client.Unsubscribe(op.topic, func(err error) { m.handleAck(op, err) })
		case actionNone, actionDefer:
		}
	}
}

// handleAck applies a broker acknowledgement and acts on anything deferred
// while the request was in flight. Failures are logged and not retried.
func (m *Manager) handleAck(op wireOp, err error) {
	m.mu.Lock()
	if op.epoch != m.epoch || m.closed {
		m.logger.Debug("ignoring stale acknowledgement", "topic", op.topic, "request", op.action.String())
		m.mu.Unlock()
		return
	}

	var event topicEvent
	switch {
	case op.action == actionSubscribe && err == nil:
		event = eventSubscribeAcked
	case op.action == actionSubscribe:
		event = eventSubscribeFailed
	case err == nil:
		event = eventUnsubscribeAcked
	default:
		event = eventUnsubscribeFailed
	}
	m.applyLocked(op.topic, event)

	var ops []wireOp
	if err != nil {
		m.logger.Warn("MQTT wire request failed",
			"topic", op.topic,
			"request", op.action.String(),
			"error", err,
		)
	} else if m.connected {
		if next, ok := m.evaluateLocked(op.topic); ok {
			ops = append(ops, next)
		}
	}
	client := m.client
	m.mu.Unlock()

	m.send(client, ops)
}

// handleConnect re-subscribes every topic that has subscriptions. A fresh
// connection means the broker has forgotten everything, so all topic state
// from the previous connection is discarded.
func (m *Manager) handleConnect() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.connected = true
	m.epoch++
	clear(m.states)
	m.clearDirtyLocked()

	topics := m.subs.activeTopics()
	slices.Sort(topics)
	ops := make([]wireOp, 0, len(topics))
	for _, topic := range topics {
		if op, ok := m.applyLocked(topic, eventRequestSubscribe); ok {
			ops = append(ops, op)
		}
	}
	m.logger.Debug("MQTT connected, subscribing topics", "topics", len(ops), "epoch", m.epoch)
	client := m.client
	m.mu.Unlock()

	m.send(client, ops)
}

func (m *Manager) handleConnectionLost(err error) {
	m.mu.Lock()
	m.connected = false
	logger := m.logger
	m.mu.Unlock()

	logger.Warn("MQTT connection lost", "error", err)
}

// dispatch fans a message out to the topic's subscriptions in order.
// Subscriptions added during delivery do not see the current message.
func (m *Manager) dispatch(topic string, payload []byte) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	subs := m.subs.callbacksFor(topic)
	logger := m.logger
	m.mu.Unlock()

	for _, sub := range subs {
		if !sub.active.Load() {
			continue
		}
		deliver(sub, topic, payload, logger)
	}
}

func deliver(sub *Subscription, topic string, payload []byte, logger Logger) {
	defer func() {
		if rec := recover(); rec != nil {
			logger.Error("MQTT handler panic recovered",
				"topic", topic,
				"panic", rec,
			)
		}
	}()
	sub.handler(topic, payload)
}
