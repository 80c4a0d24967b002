package api

import (
	"fmt"
	"net/http"
	"time"

	"github.com/nerrad567/esg-core/internal/telemetry"
)

const (
	defaultHistoryRange = 24 * time.Hour
	maxHistoryRange     = 31 * 24 * time.Hour
)

// handleNodeHistory returns stored readings of a node.
//
// Query parameters (all optional):
//   - start, end: RFC3339 timestamps, default the last 24 hours
//   - every: aggregation window such as "15m"; raw samples when absent
func (s *Server) handleNodeHistory(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		writeUnavailable(w, "reading history requires InfluxDB")
		return
	}

	n, ok := s.lookupNode(w, r)
	if !ok {
		return
	}

	q, err := parseHistoryQuery(r, time.Now())
	if err != nil {
		writeBadRequest(w, err.Error())
		return
	}
	q.NodeID = n.ID
	q.Measurement = n.Measurement

	samples, err := s.history.QueryHistory(r.Context(), q)
	if err != nil {
		s.logger.Error("history query failed", "node_id", n.ID, "error", err)
		writeInternalError(w, "failed to query history")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"node_id": n.ID,
		"start":   q.Start,
		"end":     q.End,
		"samples": samples,
		"count":   len(samples),
	})
}

func parseHistoryQuery(r *http.Request, now time.Time) (telemetry.HistoryQuery, error) {
	params := r.URL.Query()
	q := telemetry.HistoryQuery{End: now.UTC()}

	if v := params.Get("end"); v != "" {
		end, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return q, fmt.Errorf("invalid end: %w", err)
		}
		q.End = end
	}

	q.Start = q.End.Add(-defaultHistoryRange)
	if v := params.Get("start"); v != "" {
		start, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return q, fmt.Errorf("invalid start: %w", err)
		}
		q.Start = start
	}

	if !q.Start.Before(q.End) {
		return q, fmt.Errorf("start must be before end")
	}
	if q.End.Sub(q.Start) > maxHistoryRange {
		return q, fmt.Errorf("range must not exceed %s", maxHistoryRange)
	}

	if v := params.Get("every"); v != "" {
		every, err := time.ParseDuration(v)
		if err != nil {
			return q, fmt.Errorf("invalid every: %w", err)
		}
		if every < time.Second {
			return q, fmt.Errorf("every must be at least 1s")
		}
		q.Every = every
	}
	return q, nil
}
