package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRecordTransfer(t *testing.T) {
	p := NewPrometheus("test", prometheus.NewRegistry())

	p.RecordTransfer("executed")
	p.RecordTransfer("executed")
	p.RecordTransfer("confirmation_required")
	p.RecordRetry()

	if got := testutil.ToFloat64(p.transfers.WithLabelValues("executed")); got != 2 {
		t.Errorf("expected 2 executed transfers, got %v", got)
	}
	if got := testutil.ToFloat64(p.transfers.WithLabelValues("confirmation_required")); got != 1 {
		t.Errorf("expected 1 confirmation, got %v", got)
	}
	if got := testutil.ToFloat64(p.retries); got != 1 {
		t.Errorf("expected 1 retry, got %v", got)
	}
}

func TestMiddleware_UsesRouteTemplate(t *testing.T) {
	p := NewPrometheus("test", prometheus.NewRegistry())

	r := mux.NewRouter()
	r.Use(p.Middleware())
	r.HandleFunc("/accounts/{id}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}).Methods(http.MethodGet)

	for _, id := range []string{"a", "b", "c"} {
		req := httptest.NewRequest(http.MethodGet, "/accounts/"+id, nil)
		r.ServeHTTP(httptest.NewRecorder(), req)
	}

	got := testutil.ToFloat64(p.requestsTotal.WithLabelValues(http.MethodGet, "/accounts/{id}", "404"))
	if got != 3 {
		t.Errorf("expected 3 requests under one route label, got %v", got)
	}
}
