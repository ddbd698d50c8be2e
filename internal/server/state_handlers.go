// Package server provides HTTP handlers for inspecting collaboration state.
//
// This file implements GET /state, which lists every project's active
// users, typing indicators and document locks, and GET /state/{projectId}
// for a single project.
package server

import (
	"net/http"

	"github.com/fablecraft/collab-relay/internal/collab"
)

// StateListResponse is the body of GET /state.
type StateListResponse struct {
	Projects []collab.ProjectSnapshot `json:"projects"`
}

func (s *Server) handleStateList(w http.ResponseWriter, r *http.Request) {
	WriteJSONSafe(w, http.StatusOK, StateListResponse{Projects: s.handlers.Store.Snapshots()}, s.logger)
}

func (s *Server) handleProjectState(w http.ResponseWriter, r *http.Request) {
	projectID := r.PathValue("projectId")
	snap, ok := s.handlers.Store.Snapshot(projectID)
	if !ok {
		s.WriteError(w, http.StatusNotFound, "no collaboration state for project "+projectID)
		return
	}
	WriteJSONSafe(w, http.StatusOK, snap, s.logger)
}
