package influxdb

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/nerrad567/esg-core/internal/telemetry"
)

// maxHistorySamples caps one history response.
const maxHistorySamples = 10000

// QueryHistory returns the stored samples of one node in [Start, End),
// ordered by time within each field.
func (c *Client) QueryHistory(ctx context.Context, q telemetry.HistoryQuery) ([]telemetry.Sample, error) {
	if c == nil || !c.IsConnected() {
		return nil, ErrNotConnected
	}
	flux, err := c.historyFlux(q)
	if err != nil {
		return nil, err
	}

	result, err := c.queryAPI.Query(ctx, flux)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrQueryFailed, err)
	}
	defer result.Close()

	samples := make([]telemetry.Sample, 0)
	for result.Next() {
		record := result.Record()
		value, ok := toFloat(record.Value())
		if !ok {
			continue
		}
		samples = append(samples, telemetry.Sample{
			Time:  record.Time(),
			Field: record.Field(),
			Value: value,
		})
		if len(samples) >= maxHistorySamples {
			break
		}
	}
	if err := result.Err(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrQueryFailed, err)
	}
	return samples, nil
}

// historyFlux builds the Flux query for q.
func (c *Client) historyFlux(q telemetry.HistoryQuery) (string, error) {
	if strings.TrimSpace(q.NodeID) == "" {
		return "", fmt.Errorf("%w: node id is required", ErrInvalidQuery)
	}
	if !q.Start.Before(q.End) {
		return "", fmt.Errorf("%w: end must be after start", ErrInvalidQuery)
	}
	if q.Every < 0 || (q.Every > 0 && q.Every < time.Second) {
		return "", fmt.Errorf("%w: window must be at least one second", ErrInvalidQuery)
	}

	measurement := q.Measurement
	if measurement == "" {
		measurement = DefaultMeasurement
	}

	var b strings.Builder
	fmt.Fprintf(&b, "from(bucket: %s)\n", strconv.Quote(c.bucket))
	fmt.Fprintf(&b, "  |> range(start: %s, stop: %s)\n",
		q.Start.UTC().Format(time.RFC3339Nano), q.End.UTC().Format(time.RFC3339Nano))
	fmt.Fprintf(&b, "  |> filter(fn: (r) => r._measurement == %s and r.node_id == %s)\n",
		strconv.Quote(measurement), strconv.Quote(q.NodeID))
	if q.Every > 0 {
		fmt.Fprintf(&b, "  |> aggregateWindow(every: %ds, fn: mean, createEmpty: false)\n",
			int64(q.Every/time.Second))
	}
	return b.String(), nil
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int64:
		return float64(n), true
	case uint64:
		return float64(n), true
	}
	return 0, false
}
