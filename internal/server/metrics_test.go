package server

import (
	"net/http"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
)

// TestInstrument_CountsRequests verifies that instrumented handlers record
// a counter sample partitioned by method, handler name, and status code.
func TestInstrument_CountsRequests(t *testing.T) {
	t.Parallel()

	s, _ := newTestServer(t, nil)

	rec := doJSON(t, s, http.MethodGet, "/api/records", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("list: got %d", rec.Code)
	}

	families, err := s.cfg.Registry.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}

	found := false
	for _, mf := range families {
		if mf.GetName() != "kbsearch_http_requests_total" {
			continue
		}
		for _, m := range mf.GetMetric() {
			labels := map[string]string{}
			for _, lp := range m.GetLabel() {
				labels[lp.GetName()] = lp.GetValue()
			}
			if labels["handler"] == "records_list" && labels["code"] == "200" {
				found = true
			}
		}
	}
	if !found {
		t.Error("kbsearch_http_requests_total{handler=\"records_list\",code=\"200\"} not found")
	}
}

// TestMetricsEndpoint_Exposition verifies that GET /metrics serves the
// Prometheus text format from the injected registry.
func TestMetricsEndpoint_Exposition(t *testing.T) {
	t.Parallel()

	s, _ := newTestServer(t, nil)

	// Generate one sample so the counter family is present.
	doJSON(t, s, http.MethodGet, "/api/records", "")

	rec := doJSON(t, s, http.MethodGet, "/metrics", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("GET /metrics: got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "kbsearch_http_requests_total") {
		t.Error("exposition missing kbsearch_http_requests_total")
	}
}

// TestNewServerMetrics_FreshRegistry verifies hermetic registration.
func TestNewServerMetrics_FreshRegistry(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	m := newServerMetrics(reg)
	m.httpRequestsTotal.WithLabelValues("GET", "search", "200").Inc()

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	if len(families) == 0 {
		t.Error("expected at least one metric family in fresh registry")
	}
}
