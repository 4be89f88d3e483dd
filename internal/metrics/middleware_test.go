package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

// routeObserved reports whether the latency histogram holds a series for
// method and route.
func routeObserved(t *testing.T, method, route string) bool {
	t.Helper()
	families, err := prometheus.DefaultGatherer.Gather()
	require.NoError(t, err)
	for _, mf := range families {
		if mf.GetName() != "http_request_duration_seconds" {
			continue
		}
		for _, m := range mf.GetMetric() {
			labels := map[string]string{}
			for _, lp := range m.GetLabel() {
				labels[lp.GetName()] = lp.GetValue()
			}
			if labels["method"] == method && labels["route"] == route && m.GetHistogram().GetSampleCount() > 0 {
				return true
			}
		}
	}
	return false
}

func TestMiddlewareLabelsByRoutePattern(t *testing.T) {
	Init()
	r := chi.NewRouter()
	r.Use(Middleware)
	r.Route("/v1/links/{link_id}", func(r chi.Router) {
		r.Post("/recheck", func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusAccepted)
		})
	})

	before := testutil.ToFloat64(httpRequestsTotal.WithLabelValues(http.MethodPost, "202"))
	for _, id := range []string{"1", "2", "3"} {
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/links/"+id+"/recheck", nil))
		require.Equal(t, http.StatusAccepted, rec.Code)
	}

	require.InDelta(t, 3, testutil.ToFloat64(httpRequestsTotal.WithLabelValues(http.MethodPost, "202"))-before, 1e-9)
	require.True(t, routeObserved(t, http.MethodPost, "/v1/links/{link_id}/recheck"),
		"link ids must not leak into the route label")
}

func TestMiddlewareUnknownRoute(t *testing.T) {
	Init()
	r := chi.NewRouter()
	r.Use(Middleware)

	before := testutil.ToFloat64(httpRequestsTotal.WithLabelValues(http.MethodGet, "404"))
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/nope", nil))
	require.Equal(t, http.StatusNotFound, rec.Code)
	require.InDelta(t, 1, testutil.ToFloat64(httpRequestsTotal.WithLabelValues(http.MethodGet, "404"))-before, 1e-9)
}
