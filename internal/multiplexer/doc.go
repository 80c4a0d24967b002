// Package multiplexer lets many independent subscribers share one MQTT
// broker connection.
//
// A Manager owns a single transport Client, created lazily on the first
// Subscribe call and never re-created. Subscribers register a handler per
// topic and receive a Subscription handle; they never see the connection,
// its reconnects, or each other.
//
// # Architecture
//
//	caller ──Subscribe──▶ Manager ──▶ registry (topic → ordered handles)
//	                         │
//	                         ├──▶ Runner (coalesces reconciliation passes)
//	                         │
//	                         └──▶ Client (one wire subscribe/unsubscribe per topic)
//
// Each topic carries a small state machine (absent, subscribing, subscribed,
// unsubscribing) that keeps at most one wire request in flight per topic.
// An unsubscribe that arrives while a subscribe is still unacknowledged is
// deferred until the ack, and vice versa.
//
// Subscribe and Unsubscribe only mark topics dirty and schedule one
// reconciliation pass on the Runner; the pass issues the net set of wire
// calls. Subscribing and unsubscribing a topic within one batch produces no
// wire traffic at all.
//
// On every connect the broker's memory is assumed lost: all topics with live
// handlers are re-subscribed and stale acknowledgements are ignored.
//
// # Usage
//
//	runner := multiplexer.NewSerialRunner()
//	defer runner.Stop()
//
//	mgr := multiplexer.New(mqtt.Factory(cfg.MQTT, log), runner)
//	defer mgr.Close()
//
//	sub, err := mgr.Subscribe(topic, func(topic string, payload []byte) {
//	    log.Info("reading", "topic", topic, "bytes", len(payload))
//	})
//	if err != nil {
//	    return err
//	}
//	defer sub.Unsubscribe()
//
// Thread Safety: Manager and Subscription methods are safe for concurrent use.
// Handlers are invoked without the manager lock held, so they may subscribe
// or unsubscribe from inside a delivery.
package multiplexer
