// Package mqtt provides the broker transport for the ESG core service.
//
// This package manages:
//   - Connection to the Yggio MQTT broker with auto-reconnect
//   - Wire subscribe/unsubscribe with acknowledgement timeouts
//   - Yggio node output topic naming
//   - Connection health monitoring
//
// # Architecture
//
// Transport implements multiplexer.Client. The multiplexer decides which
// topics are subscribed and restores them after every reconnect; this
// package only moves requests and messages between it and paho.
//
//	consumers → multiplexer.Manager → mqtt.Transport → broker
//
// # Security Considerations
//
//   - TLS (ssl://, TLS 1.2+) should be enabled for any non-local broker
//   - Credentials come from config or ESGCORE_MQTT_USERNAME/PASSWORD
//
// # Usage
//
//	runner := multiplexer.NewSerialRunner()
//	mgr := multiplexer.New(mqtt.Factory(cfg.MQTT, logger), runner)
//
//	topic := mqtt.Topics{}.NodeOutput(setID, nodeID)
//	sub, err := mgr.Subscribe(topic, func(topic string, payload []byte) {
//	    log.Printf("Received: %s = %s", topic, payload)
//	})
package mqtt
