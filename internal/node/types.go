package node

import (
	"time"

	"github.com/nerrad567/esg-core/internal/infrastructure/mqtt"
)

// Node is a Yggio IoT node the service records output from.
type Node struct {
	ID          string    `json:"id"`
	SetID       string    `json:"set_id"`
	NodeID      string    `json:"node_id"`
	Name        string    `json:"name"`
	Measurement string    `json:"measurement,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// Topic returns the Yggio output topic the node publishes on.
func (n Node) Topic() string {
	return mqtt.Topics{}.NodeOutput(n.SetID, n.NodeID)
}
