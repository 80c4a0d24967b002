package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/nerrad567/esg-core/internal/node"
)

// Node lifecycle events broadcast to every WebSocket client.
const (
	EventNodeCreated = "node.created"
	EventNodeDeleted = "node.deleted"
)

// createNodeRequest is the body of POST /nodes. An empty set_id means the
// configured default set.
type createNodeRequest struct {
	SetID       string `json:"set_id"`
	NodeID      string `json:"node_id"`
	Name        string `json:"name"`
	Measurement string `json:"measurement"`
}

func (s *Server) handleListNodes(w http.ResponseWriter, r *http.Request) {
	nodes, err := s.nodes.List(r.Context())
	if err != nil {
		s.logger.Error("listing nodes failed", "error", err)
		writeInternalError(w, "failed to list nodes")
		return
	}
	if nodes == nil {
		nodes = []node.Node{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"nodes": nodes, "count": len(nodes)})
}

func (s *Server) handleCreateNode(w http.ResponseWriter, r *http.Request) {
	var req createNodeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}

	n := &node.Node{
		SetID:       req.SetID,
		NodeID:      req.NodeID,
		Name:        req.Name,
		Measurement: req.Measurement,
	}
	if n.SetID == "" {
		n.SetID = s.yggioCfg.SetID
	}

	if err := s.nodes.Create(r.Context(), n); err != nil {
		switch {
		case errors.Is(err, node.ErrNodeExists):
			writeConflict(w, "node already registered")
		case isValidationError(err):
			writeValidationError(w, err.Error())
		default:
			s.logger.Error("creating node failed", "error", err)
			writeInternalError(w, "failed to create node")
		}
		return
	}

	// The node is stored either way; the recorder retries on restart.
	if err := s.recorder.Watch(*n); err != nil {
		s.logger.Warn("node stored but not watched", "node_id", n.ID, "error", err)
	}

	s.hub.BroadcastAll(EventNodeCreated, n)
	writeJSON(w, http.StatusCreated, n)
}

func (s *Server) handleGetNode(w http.ResponseWriter, r *http.Request) {
	n, ok := s.lookupNode(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, n)
}

func (s *Server) handleDeleteNode(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if err := s.nodes.Delete(r.Context(), id); err != nil {
		if errors.Is(err, node.ErrNodeNotFound) {
			writeNotFound(w, "node not found")
			return
		}
		s.logger.Error("deleting node failed", "node_id", id, "error", err)
		writeInternalError(w, "failed to delete node")
		return
	}

	s.recorder.Unwatch(id)
	s.hub.BroadcastAll(EventNodeDeleted, map[string]string{"id": id})
	w.WriteHeader(http.StatusNoContent)
}

// handleLatestReading returns the most recent reading recorded for a node.
func (s *Server) handleLatestReading(w http.ResponseWriter, r *http.Request) {
	n, ok := s.lookupNode(w, r)
	if !ok {
		return
	}

	reading, ok := s.recorder.Latest(n.ID)
	if !ok {
		writeNotFound(w, "no reading recorded yet")
		return
	}
	writeJSON(w, http.StatusOK, reading)
}

// lookupNode loads the {id} node, writing the error response on failure.
func (s *Server) lookupNode(w http.ResponseWriter, r *http.Request) (*node.Node, bool) {
	id := chi.URLParam(r, "id")
	n, err := s.nodes.GetByID(r.Context(), id)
	if err != nil {
		if errors.Is(err, node.ErrNodeNotFound) {
			writeNotFound(w, "node not found")
			return nil, false
		}
		s.logger.Error("getting node failed", "node_id", id, "error", err)
		writeInternalError(w, "failed to get node")
		return nil, false
	}
	return n, true
}

func isValidationError(err error) bool {
	return errors.Is(err, node.ErrInvalidNode) ||
		errors.Is(err, node.ErrInvalidObjectID) ||
		errors.Is(err, node.ErrInvalidName) ||
		errors.Is(err, node.ErrInvalidMeasurement)
}
