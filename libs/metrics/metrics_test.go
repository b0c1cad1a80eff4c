package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMiddlewareCountsByPattern(t *testing.T) {
	c := NewCollector("test")
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/appointments/{id}", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})
	h := c.Middleware(mux)

	for _, id := range []string{"a", "b"} {
		h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/api/appointments/"+id, nil))
	}

	got := testutil.ToFloat64(c.RequestsTotal.WithLabelValues(http.MethodGet, "GET /api/appointments/{id}", "404"))
	if got != 2 {
		t.Fatalf("expected 2 requests on one series, got %v", got)
	}
}

func TestHandlerExposesDomainMetrics(t *testing.T) {
	c := NewCollector("test")
	c.BookingsTotal.WithLabelValues("booked").Inc()

	rw := httptest.NewRecorder()
	c.Handler().ServeHTTP(rw, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if !strings.Contains(rw.Body.String(), `test_booking_attempts_total{outcome="booked"} 1`) {
		t.Fatalf("booking metric missing from exposition")
	}
}
