package telemetry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nerrad567/esg-core/internal/infrastructure/logging"
	"github.com/nerrad567/esg-core/internal/multiplexer"
	"github.com/nerrad567/esg-core/internal/node"
)

// Subscriber is the part of multiplexer.Manager the recorder needs.
type Subscriber interface {
	Subscribe(topic string, handler multiplexer.MessageHandler) (*multiplexer.Subscription, error)
}

// NodeLister lists the nodes to watch at startup.
type NodeLister interface {
	List(ctx context.Context) ([]node.Node, error)
}

type watch struct {
	node node.Node
	sub  *multiplexer.Subscription
}

// Recorder records readings for watched nodes.
//
// All methods are safe for concurrent use.
type Recorder struct {
	subscriber Subscriber
	sink       Sink
	logger     *logging.Logger
	now        func() time.Time

	mu      sync.RWMutex
	watched map[string]*watch
	latest  map[string]Reading
	closed  bool
}

// NewRecorder creates a recorder. A nil sink keeps readings in memory only.
func NewRecorder(subscriber Subscriber, sink Sink, logger *logging.Logger) *Recorder {
	if logger == nil {
		logger = logging.Default()
	}
	return &Recorder{
		subscriber: subscriber,
		sink:       sink,
		logger:     logger,
		now:        func() time.Time { return time.Now().UTC() },
		watched:    make(map[string]*watch),
		latest:     make(map[string]Reading),
	}
}

// Start watches every node the lister returns. A node that cannot be
// watched is logged and skipped; the joined errors are returned.
func (r *Recorder) Start(ctx context.Context, lister NodeLister) error {
	nodes, err := lister.List(ctx)
	if err != nil {
		return fmt.Errorf("listing nodes: %w", err)
	}

	var errs []error
	for _, n := range nodes {
		if err := r.Watch(n); err != nil {
			r.logger.Warn("node not watched", "node_id", n.ID, "error", err)
			errs = append(errs, fmt.Errorf("node %s: %w", n.ID, err))
		}
	}
	r.logger.Info("recorder started", "nodes", r.Watching())
	return errors.Join(errs...)
}

// Watch subscribes to the node's output topic. Watching a node that is
// already watched is a no-op.
func (r *Recorder) Watch(n node.Node) error {
	r.mu.RLock()
	_, exists := r.watched[n.ID]
	closed := r.closed
	r.mu.RUnlock()
	if closed {
		return ErrRecorderClosed
	}
	if exists {
		return nil
	}

	sub, err := r.subscriber.Subscribe(n.Topic(), r.handler(n))
	if err != nil {
		return fmt.Errorf("subscribing to %s: %w", n.Topic(), err)
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		sub.Unsubscribe()
		return ErrRecorderClosed
	}
	if _, raced := r.watched[n.ID]; raced {
		r.mu.Unlock()
		sub.Unsubscribe()
		return nil
	}
	r.watched[n.ID] = &watch{node: n, sub: sub}
	r.mu.Unlock()

	r.logger.Debug("watching node", "node_id", n.ID, "topic", n.Topic())
	return nil
}

// Unwatch stops recording a node and forgets its latest reading.
// Unwatching a node that is not watched is a no-op.
func (r *Recorder) Unwatch(nodeID string) {
	r.mu.Lock()
	w, ok := r.watched[nodeID]
	delete(r.watched, nodeID)
	delete(r.latest, nodeID)
	r.mu.Unlock()

	if ok {
		w.sub.Unsubscribe()
		r.logger.Debug("unwatched node", "node_id", nodeID)
	}
}

// Latest returns the most recent reading for a node.
func (r *Recorder) Latest(nodeID string) (Reading, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reading, ok := r.latest[nodeID]
	return reading, ok
}

// Watching returns the number of watched nodes.
func (r *Recorder) Watching() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.watched)
}

// Close unsubscribes from every watched node. Later Watch calls fail with
// ErrRecorderClosed.
func (r *Recorder) Close() {
	r.mu.Lock()
	r.closed = true
	subs := make([]*multiplexer.Subscription, 0, len(r.watched))
	for id, w := range r.watched {
		subs = append(subs, w.sub)
		delete(r.watched, id)
	}
	r.mu.Unlock()

	for _, sub := range subs {
		sub.Unsubscribe()
	}
}

func (r *Recorder) handler(n node.Node) multiplexer.MessageHandler {
	return func(topic string, payload []byte) {
		fields, err := ParsePayload(payload)
		if err != nil {
			r.logger.Debug("node output skipped", "node_id", n.ID, "topic", topic, "error", err)
			return
		}

		reading := Reading{
			NodeID:      n.ID,
			SetID:       n.SetID,
			YggioNodeID: n.NodeID,
			Measurement: n.Measurement,
			Fields:      fields,
			ReceivedAt:  r.now(),
		}

		r.mu.Lock()
		if _, ok := r.watched[n.ID]; !ok {
			r.mu.Unlock()
			return
		}
		r.latest[n.ID] = reading
		r.mu.Unlock()

		if r.sink != nil {
			r.sink.WriteNodeReading(reading)
		}
	}
}
