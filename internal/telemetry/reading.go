package telemetry

import "time"

// Reading is one parsed message from a node's output topic.
type Reading struct {
	// NodeID is the local node identifier.
	NodeID string `json:"node_id"`

	SetID       string             `json:"set_id"`
	YggioNodeID string             `json:"yggio_node_id"`
	Measurement string             `json:"measurement,omitempty"`
	Fields      map[string]float64 `json:"fields"`
	ReceivedAt  time.Time          `json:"received_at"`
}

// Sink stores readings. Implementations must not block.
type Sink interface {
	WriteNodeReading(r Reading)
}

// HistoryQuery selects stored readings of one node.
type HistoryQuery struct {
	NodeID      string
	Measurement string // empty means the default measurement
	Start       time.Time
	End         time.Time
	// Every, when positive, averages each field over windows of this size.
	Every time.Duration
}

// Sample is one stored field value.
type Sample struct {
	Time  time.Time `json:"time"`
	Field string    `json:"field"`
	Value float64   `json:"value"`
}
