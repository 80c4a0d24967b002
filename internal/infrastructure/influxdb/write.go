package influxdb

import (
	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/nerrad567/esg-core/internal/telemetry"
)

// DefaultMeasurement is used for readings whose node names no measurement.
const DefaultMeasurement = "node_readings"

var _ telemetry.Sink = (*Client)(nil)

// WriteNodeReading queues one node reading as a point. Each numeric field of
// the payload becomes a field of the point; the node's identity goes in tags.
// Non-blocking.
func (c *Client) WriteNodeReading(r telemetry.Reading) {
	if !c.IsConnected() || len(r.Fields) == 0 {
		return
	}
	c.writeAPI.WritePoint(readingPoint(r))
}

func readingPoint(r telemetry.Reading) *write.Point {
	measurement := r.Measurement
	if measurement == "" {
		measurement = DefaultMeasurement
	}

	fields := make(map[string]interface{}, len(r.Fields))
	for k, v := range r.Fields {
		fields[k] = v
	}

	return write.NewPoint(
		measurement,
		map[string]string{
			"node_id":       r.NodeID,
			"set_id":        r.SetID,
			"yggio_node_id": r.YggioNodeID,
		},
		fields,
		r.ReceivedAt,
	)
}
