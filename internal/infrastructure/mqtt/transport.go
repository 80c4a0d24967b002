package mqtt

import (
	"context"
	"fmt"
	"sync"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/nerrad567/esg-core/internal/infrastructure/config"
	"github.com/nerrad567/esg-core/internal/multiplexer"
)

// subackFailure is the SUBACK return code for a rejected subscription.
const subackFailure = 0x80

// Logger interface for optional logging support.
// Compatible with logging.Logger and slog.Logger.
type Logger interface {
	Error(msg string, args ...any)
	Warn(msg string, args ...any)
}

// Transport adapts a paho client to multiplexer.Client.
//
// It owns the broker connection and paho's reconnect loop; which topics are
// subscribed is decided by the multiplexer. Acknowledgements are awaited on
// their own goroutine and reported through the done callbacks.
//
// Thread Safety:
//   - All methods are safe for concurrent use from multiple goroutines.
type Transport struct {
	client     pahomqtt.Client
	qos        byte
	ackTimeout time.Duration

	callbackMu sync.RWMutex
	onConnect  func()
	onLost     func(error)
	onMessage  func(topic string, payload []byte)

	loggerMu sync.RWMutex
	logger   Logger
}

var _ multiplexer.Client = (*Transport)(nil)

// NewTransport builds a paho client from cfg. It does not connect.
func NewTransport(cfg config.MQTTConfig) (*Transport, error) {
	if cfg.QoS < 0 || cfg.QoS > maxQoS {
		return nil, ErrInvalidQoS
	}

	t := &Transport{
		qos:        byte(cfg.QoS),
		ackTimeout: ackTimeout(cfg),
	}

	opts := buildClientOptions(cfg)
	opts.SetOnConnectHandler(func(_ pahomqtt.Client) {
		t.handleConnect()
	})
	opts.SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
		t.handleConnectionLost(err)
	})
	opts.SetDefaultPublishHandler(func(_ pahomqtt.Client, msg pahomqtt.Message) {
		t.handleMessage(msg)
	})

	t.client = pahomqtt.NewClient(opts)
	return t, nil
}

// Factory returns a ClientFactory that builds a Transport from cfg.
// logger may be nil.
func Factory(cfg config.MQTTConfig, logger Logger) multiplexer.ClientFactory {
	return func() (multiplexer.Client, error) {
		t, err := NewTransport(cfg)
		if err != nil {
			return nil, err
		}
		if logger != nil {
			t.SetLogger(logger)
		}
		return t, nil
	}
}

// Connect starts connecting to the broker and returns without waiting.
//
// paho keeps retrying in the background until it succeeds or Disconnect is
// called; every successful (re)connect fires the OnConnect callback. An
// error is returned only if the attempt fails immediately.
func (t *Transport) Connect() error {
	token := t.client.Connect()
	select {
	case <-token.Done():
		if err := token.Error(); err != nil {
			return fmt.Errorf("%w: %w", ErrConnectionFailed, err)
		}
		return nil
	default:
	}

	go func() {
		<-token.Done()
		if err := token.Error(); err != nil {
			if logger := t.getLogger(); logger != nil {
				logger.Error("MQTT connect failed", "error", err)
			}
		}
	}()
	return nil
}

// IsConnected reports whether the connection is currently open.
func (t *Transport) IsConnected() bool {
	return t.client.IsConnectionOpen()
}

// Subscribe sends a wire subscribe for topic at the configured QoS.
// Messages arrive through the OnMessage callback.
func (t *Transport) Subscribe(topic string, done func(error)) {
	if err := t.precheck(topic); err != nil {
		done(err)
		return
	}
	token := t.client.Subscribe(topic, t.qos, nil)
	go func() {
		err := t.await(token, ErrSubscribeFailed)
		if err == nil {
			err = subackError(token, topic)
		}
		done(err)
	}()
}

// Unsubscribe sends a wire unsubscribe for topic.
func (t *Transport) Unsubscribe(topic string, done func(error)) {
	if err := t.precheck(topic); err != nil {
		done(err)
		return
	}
	token := t.client.Unsubscribe(topic)
	go func() {
		done(t.await(token, ErrUnsubscribeFailed))
	}()
}

func (t *Transport) precheck(topic string) error {
	if topic == "" {
		return ErrInvalidTopic
	}
	if !t.IsConnected() {
		return ErrNotConnected
	}
	return nil
}

// await waits for token up to the ack timeout.
func (t *Transport) await(token pahomqtt.Token, kind error) error {
	if !token.WaitTimeout(t.ackTimeout) {
		return fmt.Errorf("%w: %w after %v", kind, ErrTimeout, t.ackTimeout)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("%w: %w", kind, err)
	}
	return nil
}

// subackError reports a broker-rejected subscription. paho completes such
// tokens without an error, so the return code has to be checked.
func subackError(token pahomqtt.Token, topic string) error {
	st, ok := token.(*pahomqtt.SubscribeToken)
	if !ok {
		return nil
	}
	if code, ok := st.Result()[topic]; ok && code == subackFailure {
		return fmt.Errorf("%w: broker rejected %q", ErrSubscribeFailed, topic)
	}
	return nil
}

// OnConnect sets the callback fired on every successful (re)connect.
func (t *Transport) OnConnect(fn func()) {
	t.callbackMu.Lock()
	t.onConnect = fn
	t.callbackMu.Unlock()
}

// OnConnectionLost sets the callback fired when the connection drops.
func (t *Transport) OnConnectionLost(fn func(error)) {
	t.callbackMu.Lock()
	t.onLost = fn
	t.callbackMu.Unlock()
}

// OnMessage sets the callback for every inbound message.
func (t *Transport) OnMessage(fn func(topic string, payload []byte)) {
	t.callbackMu.Lock()
	t.onMessage = fn
	t.callbackMu.Unlock()
}

// Disconnect closes the connection and stops reconnecting.
func (t *Transport) Disconnect() {
	t.client.Disconnect(defaultDisconnectQuiesce)
}

// HealthCheck verifies the MQTT connection is alive.
func (t *Transport) HealthCheck(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return fmt.Errorf("mqtt health check: %w", ctx.Err())
	default:
	}

	if !t.IsConnected() {
		return ErrNotConnected
	}
	return nil
}

// SetLogger sets a logger for connection and panic logging.
func (t *Transport) SetLogger(logger Logger) {
	t.loggerMu.Lock()
	t.logger = logger
	t.loggerMu.Unlock()
}

func (t *Transport) getLogger() Logger {
	t.loggerMu.RLock()
	defer t.loggerMu.RUnlock()
	return t.logger
}

func (t *Transport) handleConnect() {
	t.callbackMu.RLock()
	fn := t.onConnect
	t.callbackMu.RUnlock()
	if fn != nil {
		fn()
	}
}

func (t *Transport) handleConnectionLost(err error) {
	t.callbackMu.RLock()
	fn := t.onLost
	t.callbackMu.RUnlock()
	if fn != nil {
		fn(err)
	}
}

// handleMessage forwards msg with panic recovery so a bad consumer cannot
// kill paho's router goroutine.
func (t *Transport) handleMessage(msg pahomqtt.Message) {
	defer func() {
		if r := recover(); r != nil {
			if logger := t.getLogger(); logger != nil {
				logger.Error("MQTT handler panic recovered",
					"topic", msg.Topic(),
					"panic", r,
				)
			}
		}
	}()

	t.callbackMu.RLock()
	fn := t.onMessage
	t.callbackMu.RUnlock()
	if fn == nil {
		if logger := t.getLogger(); logger != nil {
			logger.Warn("MQTT message dropped, no handler", "topic", msg.Topic())
		}
		return
	}
	fn(msg.Topic(), msg.Payload())
}
