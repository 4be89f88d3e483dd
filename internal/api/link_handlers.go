package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/JakeFAU/linkcheck/internal/linkcheck"
	"github.com/JakeFAU/linkcheck/internal/links"
)

const maxEditBody = 16 * 1024

// listLinks handles GET /v1/links?filter=&search=&page=&per_page=.
func (s *Server) listLinks(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	page, err := parsePositive(q.Get("page"), "page")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	perPage, err := parsePositive(q.Get("per_page"), "per_page")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	result, err := s.links.Query(r.Context(), linkcheck.LinkFilter{
		Filter:  strings.ToLower(strings.TrimSpace(q.Get("filter"))),
		Search:  q.Get("search"),
		Page:    page,
		PerPage: perPage,
	})
	if err != nil {
		s.writeServiceError(w, "list links", err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) getLink(w http.ResponseWriter, r *http.Request) {
	id, err := parseLinkID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	detail, err := s.links.Get(r.Context(), id)
	if err != nil {
		s.writeServiceError(w, "get link", err)
		return
	}
	writeJSON(w, http.StatusOK, detail)
}

// linkAction adapts a status-changing service call into a handler that
// responds with the updated link.
func (s *Server) linkAction(fn func(context.Context, int64) (linkcheck.Link, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := parseLinkID(r)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		link, err := fn(r.Context(), id)
		if err != nil {
			s.writeServiceError(w, "update link", err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"link": link, "status": link.Status()})
	}
}

// editAction adapts a content-rewriting service call. Partial failures are
// reported with 207 so callers can surface the failed count.
func (s *Server) editAction(fn func(context.Context, int64) (links.EditResult, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := parseLinkID(r)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		res, err := fn(r.Context(), id)
		s.writeEditResult(w, res, err)
	}
}

type editRequest struct {
	URL string `json:"url"`
}

func (s *Server) editLink(w http.ResponseWriter, r *http.Request) {
	id, err := parseLinkID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	var req editRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxEditBody)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if strings.TrimSpace(req.URL) == "" {
		writeError(w, http.StatusBadRequest, "url is required")
		return
	}
	res, err := s.links.EditURL(r.Context(), id, req.URL)
	s.writeEditResult(w, res, err)
}

func (s *Server) writeEditResult(w http.ResponseWriter, res links.EditResult, err error) {
	if err != nil {
		s.writeServiceError(w, "rewrite link", err)
		return
	}
	status := http.StatusOK
	if res.Failed > 0 {
		status = http.StatusMultiStatus
	}
	writeJSON(w, status, res)
}

func parseLinkID(r *http.Request) (int64, error) {
	raw := chi.URLParam(r, "link_id")
	if raw == "" {
		return 0, errors.New("link id is required")
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, errors.New("invalid link id")
	}
	return id, nil
}

// parsePositive reads an optional positive integer; empty means 0.
func parsePositive(raw, name string) (int, error) {
	if raw == "" {
		return 0, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v <= 0 {
		return 0, errors.New("invalid " + name)
	}
	return v, nil
}
