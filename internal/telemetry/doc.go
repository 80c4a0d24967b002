// Package telemetry turns Yggio node output into readings.
//
// The Recorder subscribes to each watched node's output topic through the
// shared multiplexer, parses every message into a Reading, keeps the latest
// reading per node in memory and forwards it to a Sink (InfluxDB in
// production). Any number of other consumers, such as WebSocket clients,
// may subscribe to the same topics; the multiplexer keeps a single broker
// subscription per topic.
package telemetry
