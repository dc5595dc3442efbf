package observe

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

// installTracer swaps the global tracer provider for one recording into an
// in-memory exporter. Tests using it must not run in parallel.
func installTracer(t *testing.T) *tracetest.InMemoryExporter {
	t.Helper()
	exp := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exp))
	orig := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() {
		otel.SetTracerProvider(orig)
		_ = tp.Shutdown(context.Background())
	})
	return exp
}

func TestMiddleware(t *testing.T) {
	tests := []struct {
		name       string
		path       string
		status     int
		wantFailed bool
	}{
		{name: "healthz ok", path: "/healthz", status: http.StatusOK},
		{name: "readyz unavailable", path: "/readyz", status: http.StatusServiceUnavailable, wantFailed: true},
		{name: "unknown route", path: "/nope", status: http.StatusNotFound},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			exp := installTracer(t)
			m, reader := newTestMetrics(t)

			var seenCID string
			h := Middleware(m)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				seenCID = CorrelationID(r.Context())
				w.WriteHeader(tc.status)
			}))
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, tc.path, nil))

			if rec.Code != tc.status {
				t.Errorf("status = %d, want %d", rec.Code, tc.status)
			}
			if len(seenCID) != 32 {
				t.Errorf("correlation ID %q, want 32 hex chars", seenCID)
			}
			if got := rec.Header().Get("X-Correlation-ID"); got != seenCID {
				t.Errorf("X-Correlation-ID = %q, want %q", got, seenCID)
			}

			spans := exp.GetSpans()
			if len(spans) != 1 {
				t.Fatalf("got %d spans, want 1", len(spans))
			}
			if want := "GET " + tc.path; spans[0].Name != want {
				t.Errorf("span name = %q, want %q", spans[0].Name, want)
			}
			if failed := spans[0].Status.Code == codes.Error; failed != tc.wantFailed {
				t.Errorf("span failed = %v, want %v", failed, tc.wantFailed)
			}

			got := findMetric(collect(t, reader), "chatrelay.http.request.duration")
			if got == nil {
				t.Fatal("http duration metric not recorded")
			}
			hist, ok := got.Data.(metricdata.Histogram[float64])
			if !ok || len(hist.DataPoints) != 1 {
				t.Fatalf("unexpected histogram data: %+v", got.Data)
			}
			status, _ := hist.DataPoints[0].Attributes.Value("status")
			if status.AsString() != strconv.Itoa(tc.status) {
				t.Errorf("status attribute = %q, want %d", status.AsString(), tc.status)
			}
		})
	}
}

func TestMiddleware_ContinuesIncomingTrace(t *testing.T) {
	installTracer(t)
	m, _ := newTestMetrics(t)

	const traceID = "4bf92f3577b34da6a3ce929d0e0e4736"
	var seen string
	h := Middleware(m)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = CorrelationID(r.Context())
	}))
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	req.Header.Set("traceparent", "00-"+traceID+"-00f067aa0ba902b7-01")
	h.ServeHTTP(httptest.NewRecorder(), req)

	if seen != traceID {
		t.Errorf("trace ID = %q, want %q", seen, traceID)
	}
}
