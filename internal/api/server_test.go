package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/linkcheck/internal/config"
	"github.com/JakeFAU/linkcheck/internal/linkcheck"
	"github.com/JakeFAU/linkcheck/internal/links"
	"github.com/JakeFAU/linkcheck/internal/synch"
	"github.com/JakeFAU/linkcheck/internal/worker"
)

type fakeLinks struct {
	mu      sync.Mutex
	links   map[int64]linkcheck.Link
	calls   []string
	lastF   linkcheck.LinkFilter
	editURL string
	edit    links.EditResult
	err     error
}

func newFakeLinks() *fakeLinks {
	return &fakeLinks{links: map[int64]linkcheck.Link{
		1: {ID: 1, URL: "https://gone.test/", Broken: true, CheckCount: 1, HTTPCode: 404},
	}}
}

func (f *fakeLinks) record(call string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call)
}

func (f *fakeLinks) lookup(id int64) (linkcheck.Link, error) {
	if f.err != nil {
		return linkcheck.Link{}, f.err
	}
	l, ok := f.links[id]
	if !ok {
		return linkcheck.Link{}, fmt.Errorf("link %d: %w", id, linkcheck.ErrNotFound)
	}
	return l, nil
}

func (f *fakeLinks) Query(_ context.Context, filter linkcheck.LinkFilter) (links.Page, error) {
	f.lastF = filter
	if filter.Filter == "bogus" {
		return links.Page{}, links.ErrInvalidFilter
	}
	return links.Page{Links: []linkcheck.Link{f.links[1]}, Total: 1, Page: 1, PerPage: 30}, nil
}

func (f *fakeLinks) Get(_ context.Context, id int64) (links.Detail, error) {
	l, err := f.lookup(id)
	if err != nil {
		return links.Detail{}, err
	}
	return links.Detail{Link: l, Status: l.Status(), Instances: []linkcheck.Instance{}}, nil
}

func (f *fakeLinks) Summary(context.Context) (linkcheck.Summary, error) {
	if f.err != nil {
		return linkcheck.Summary{}, f.err
	}
	return linkcheck.Summary{Broken: 1, TotalLinks: 1}, nil
}

func (f *fakeLinks) action(name string, id int64, fn func(*linkcheck.Link)) (linkcheck.Link, error) {
	f.record(name)
	l, err := f.lookup(id)
	if err != nil {
		return linkcheck.Link{}, err
	}
	fn(&l)
	return l, nil
}

func (f *fakeLinks) Recheck(_ context.Context, id int64) (linkcheck.Link, error) {
	return f.action("recheck", id, func(l *linkcheck.Link) { l.CheckCount++ })
}

func (f *fakeLinks) MarkNotBroken(_ context.Context, id int64) (linkcheck.Link, error) {
	return f.action("not-broken", id, func(l *linkcheck.Link) { l.MarkNotBroken() })
}

func (f *fakeLinks) Dismiss(_ context.Context, id int64) (linkcheck.Link, error) {
	return f.action("dismiss", id, func(l *linkcheck.Link) { l.Dismissed = true })
}

func (f *fakeLinks) Undismiss(_ context.Context, id int64) (linkcheck.Link, error) {
	return f.action("undismiss", id, func(l *linkcheck.Link) { l.Dismissed = false })
}

func (f *fakeLinks) EditURL(_ context.Context, id int64, newURL string) (links.EditResult, error) {
	f.record("edit")
	f.editURL = newURL
	if _, err := f.lookup(id); err != nil {
		return links.EditResult{}, err
	}
	if strings.HasPrefix(newURL, "::") {
		return links.EditResult{}, linkcheck.ErrInvalidURL
	}
	return f.edit, nil
}

func (f *fakeLinks) Unlink(_ context.Context, id int64) (links.EditResult, error) {
	f.record("unlink")
	if _, err := f.lookup(id); err != nil {
		return links.EditResult{}, err
	}
	return f.edit, nil
}

func (f *fakeLinks) Deredirect(_ context.Context, id int64) (links.EditResult, error) {
	f.record("deredirect")
	if _, err := f.lookup(id); err != nil {
		return links.EditResult{}, err
	}
	return links.EditResult{}, links.ErrNotRedirect
}

type fakeTracker struct {
	unsynced []linkcheck.ContainerRef
	removed  []linkcheck.ContainerRef
	forced   bool
}

func (f *fakeTracker) MarkUnsynced(_ context.Context, ref linkcheck.ContainerRef) error {
	if ref.Type != "post" {
		return linkcheck.ErrUnknownContainerType
	}
	f.unsynced = append(f.unsynced, ref)
	return nil
}

func (f *fakeTracker) RemoveContainer(_ context.Context, ref linkcheck.ContainerRef) (int64, error) {
	f.removed = append(f.removed, ref)
	return 2, nil
}

func (f *fakeTracker) Resync(_ context.Context, force bool) (synch.Stats, error) {
	f.forced = force
	return synch.Stats{Added: 3}, nil
}

type fakeRuns struct{ res worker.Result }

func (f fakeRuns) LastRun() (worker.Result, bool) { return f.res, f.res.RunID != "" }

func newTestServer(t *testing.T, auth config.AuthConfig) (*Server, *fakeLinks, *fakeTracker) {
	t.Helper()
	svc := newFakeLinks()
	tracker := &fakeTracker{}
	runs := fakeRuns{res: worker.Result{RunID: "run-1", Outcome: worker.OutcomeCompleted, StartedAt: time.Unix(0, 0).UTC()}}
	return NewServer(svc, tracker, runs, auth, zap.NewNop()), svc, tracker
}

func do(t *testing.T, s *Server, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, target, nil)
	} else {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
	}
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func TestHealthzAndRequestID(t *testing.T) {
	t.Parallel()
	s, _, _ := newTestServer(t, config.AuthConfig{})

	rec := do(t, s, http.MethodGet, "/healthz", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.NotEmpty(t, rec.Header().Get("X-Request-ID"))
	require.Equal(t, "ok", decode(t, rec)["status"])
}

func TestListLinks(t *testing.T) {
	t.Parallel()
	s, svc, _ := newTestServer(t, config.AuthConfig{})

	rec := do(t, s, http.MethodGet, "/v1/links?filter=Broken&search=gone&page=2&per_page=10", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, linkcheck.LinkFilter{Filter: "broken", Search: "gone", Page: 2, PerPage: 10}, svc.lastF)
	body := decode(t, rec)
	require.EqualValues(t, 1, body["total"])

	rec = do(t, s, http.MethodGet, "/v1/links?page=zero", "")
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, s, http.MethodGet, "/v1/links?filter=bogus", "")
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetLink(t *testing.T) {
	t.Parallel()
	s, _, _ := newTestServer(t, config.AuthConfig{})

	rec := do(t, s, http.MethodGet, "/v1/links/1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "broken", decode(t, rec)["status"])

	require.Equal(t, http.StatusNotFound, do(t, s, http.MethodGet, "/v1/links/42", "").Code)
	require.Equal(t, http.StatusBadRequest, do(t, s, http.MethodGet, "/v1/links/abc", "").Code)
}

func TestLinkActions(t *testing.T) {
	t.Parallel()
	s, svc, _ := newTestServer(t, config.AuthConfig{})

	for _, action := range []string{"recheck", "not-broken", "dismiss", "undismiss"} {
		rec := do(t, s, http.MethodPost, "/v1/links/1/"+action, "")
		require.Equal(t, http.StatusOK, rec.Code, action)
	}
	require.Equal(t, []string{"recheck", "not-broken", "dismiss", "undismiss"}, svc.calls)

	rec := do(t, s, http.MethodPost, "/v1/links/1/dismiss", "")
	link := decode(t, rec)["link"].(map[string]any)
	require.Equal(t, true, link["dismissed"])

	require.Equal(t, http.StatusNotFound, do(t, s, http.MethodPost, "/v1/links/9/recheck", "").Code)
	require.Equal(t, http.StatusMethodNotAllowed, do(t, s, http.MethodGet, "/v1/links/1/recheck", "").Code)
}

func TestEditLink(t *testing.T) {
	t.Parallel()
	s, svc, _ := newTestServer(t, config.AuthConfig{})

	svc.edit = links.EditResult{LinkID: 2, URL: "https://new.test/", Succeeded: 3}
	rec := do(t, s, http.MethodPost, "/v1/links/1/edit", `{"url":"https://new.test/"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "https://new.test/", svc.editURL)
	require.EqualValues(t, 3, decode(t, rec)["succeeded"])

	svc.edit = links.EditResult{Succeeded: 1, Failed: 1, Errors: []string{"no match"}}
	rec = do(t, s, http.MethodPost, "/v1/links/1/edit", `{"url":"https://new.test/"}`)
	require.Equal(t, http.StatusMultiStatus, rec.Code)

	require.Equal(t, http.StatusBadRequest, do(t, s, http.MethodPost, "/v1/links/1/edit", `{`).Code)
	require.Equal(t, http.StatusBadRequest, do(t, s, http.MethodPost, "/v1/links/1/edit", `{"url":" "}`).Code)
	require.Equal(t, http.StatusBadRequest, do(t, s, http.MethodPost, "/v1/links/1/edit", `{"url":"::bad"}`).Code)

	svc.edit = links.EditResult{Succeeded: 1}
	require.Equal(t, http.StatusOK, do(t, s, http.MethodPost, "/v1/links/1/unlink", "").Code)
	require.Equal(t, http.StatusBadRequest, do(t, s, http.MethodPost, "/v1/links/1/deredirect", "").Code)
}

func TestStatusIncludesLastRun(t *testing.T) {
	t.Parallel()
	s, svc, _ := newTestServer(t, config.AuthConfig{})

	rec := do(t, s, http.MethodGet, "/v1/status", "")
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	require.EqualValues(t, 1, body["summary"].(map[string]any)["broken"])
	require.Equal(t, "completed", body["last_run"].(map[string]any)["outcome"])

	svc.err = errors.New("db down")
	rec = do(t, s, http.MethodGet, "/v1/status", "")
	require.Equal(t, http.StatusInternalServerError, rec.Code)
	require.NotContains(t, rec.Body.String(), "db down")
}

func TestContainerHooks(t *testing.T) {
	t.Parallel()
	s, _, tracker := newTestServer(t, config.AuthConfig{})

	rec := do(t, s, http.MethodPost, "/v1/containers/post/7/unsynced", "")
	require.Equal(t, http.StatusAccepted, rec.Code)
	require.Equal(t, []linkcheck.ContainerRef{{Type: "post", ID: 7}}, tracker.unsynced)

	rec = do(t, s, http.MethodPost, "/v1/containers/page/7/unsynced", "")
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	rec = do(t, s, http.MethodDelete, "/v1/containers/post/7", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.EqualValues(t, 2, decode(t, rec)["orphans_removed"])
	require.Equal(t, []linkcheck.ContainerRef{{Type: "post", ID: 7}}, tracker.removed)

	require.Equal(t, http.StatusBadRequest, do(t, s, http.MethodDelete, "/v1/containers/post/x", "").Code)

	rec = do(t, s, http.MethodPost, "/v1/resync?force=true", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.True(t, tracker.forced)
	require.EqualValues(t, 3, decode(t, rec)["added"])
}

func TestAPIKeyMiddleware(t *testing.T) {
	t.Parallel()
	s, _, _ := newTestServer(t, config.AuthConfig{Enabled: true, APIKey: "secret"})

	require.Equal(t, http.StatusForbidden, do(t, s, http.MethodGet, "/v1/status", "").Code)
	require.Equal(t, http.StatusOK, do(t, s, http.MethodGet, "/v1/status?api_key=secret", "").Code)

	req := httptest.NewRequest(http.MethodGet, "/v1/status", nil)
	req.Header.Set("X-API-Key", "secret")
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	// Probes stay open.
	require.Equal(t, http.StatusOK, do(t, s, http.MethodGet, "/healthz", "").Code)
}

func TestRecoverMiddleware(t *testing.T) {
	t.Parallel()
	h := recoverMiddleware(zap.NewNop())(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	require.Equal(t, http.StatusInternalServerError, rec.Code)
}
