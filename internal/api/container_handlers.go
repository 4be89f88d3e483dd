package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/JakeFAU/linkcheck/internal/linkcheck"
)

// resync handles POST /v1/resync?force=. It recomputes every synch record
// against the content store.
func (s *Server) resync(w http.ResponseWriter, r *http.Request) {
	force, _ := strconv.ParseBool(r.URL.Query().Get("force"))
	stats, err := s.tracker.Resync(r.Context(), force)
	if err != nil {
		s.writeServiceError(w, "resync", err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// markUnsynced handles POST /v1/containers/{type}/{id}/unsynced, sent after
// a container was created or edited.
func (s *Server) markUnsynced(w http.ResponseWriter, r *http.Request) {
	ref, err := parseContainerRef(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.tracker.MarkUnsynced(r.Context(), ref); err != nil {
		s.writeServiceError(w, "mark container unsynced", err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"container": ref, "synched": false})
}

// deleteContainer handles DELETE /v1/containers/{type}/{id}.
func (s *Server) deleteContainer(w http.ResponseWriter, r *http.Request) {
	ref, err := parseContainerRef(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	removed, err := s.tracker.RemoveContainer(r.Context(), ref)
	if err != nil {
		s.writeServiceError(w, "delete container", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"container": ref, "orphans_removed": removed})
}

func parseContainerRef(r *http.Request) (linkcheck.ContainerRef, error) {
	typ := chi.URLParam(r, "container_type")
	if typ == "" {
		return linkcheck.ContainerRef{}, errors.New("container type is required")
	}
	id, err := strconv.ParseInt(chi.URLParam(r, "container_id"), 10, 64)
	if err != nil || id <= 0 {
		return linkcheck.ContainerRef{}, errors.New("invalid container id")
	}
	return linkcheck.ContainerRef{Type: typ, ID: id}, nil
}
