// Package httpmetrics counts and logs the requests served by a handler.
package httpmetrics

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"go.opencensus.io/stats"
	"go.opencensus.io/stats/view"
	"go.opencensus.io/tag"
)

var (
	keyRoute  = tag.MustNewKey("route")
	keyMethod = tag.MustNewKey("method")
	keyStatus = tag.MustNewKey("status")
)

type Wrapper struct {
	requestCount     *stats.Int64Measure
	requestCountView *view.View

	latency     *stats.Float64Measure
	latencyView *view.View

	inner http.Handler
}

func New(inner http.Handler) *Wrapper {
	r := &Wrapper{}

	r.requestCount = stats.Int64("api_requests", "", stats.UnitDimensionless)
	r.requestCountView = &view.View{
		Name:        "api_requests",
		Description: "Counter of requests that have been handled",

		TagKeys: []tag.Key{keyRoute, keyMethod, keyStatus},

		Measure:     r.requestCount,
		Aggregation: view.Count(),
	}

	r.latency = stats.Float64("api_request_latency", "", stats.UnitMilliseconds)
	r.latencyView = &view.View{
		Name:        "api_request_latency",
		Description: "Distribution of request handling time",

		TagKeys: []tag.Key{keyRoute, keyMethod},

		Measure:     r.latency,
		Aggregation: view.Distribution(1, 5, 10, 25, 50, 100, 250, 500, 1000, 5000),
	}

	r.inner = inner

	return r
}

func (h *Wrapper) RegisterMetrics() error {
	return view.Register(h.requestCountView, h.latencyView)
}

// statusRecorder remembers the status code written by the inner handler.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

func (h *Wrapper) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
	start := time.Now()

	h.inner.ServeHTTP(rec, r)

	elapsed := time.Since(start)

	// The matched pattern keeps user IDs out of the tag values.
	route := r.Pattern
	if route == "" {
		route = "unmatched"
	}

	slog.InfoContext(r.Context(), "Served request",
		slog.String("method", r.Method),
		slog.String("path", r.URL.Path),
		slog.String("route", route),
		slog.Int("status", rec.status),
		slog.Duration("elapsed", elapsed))

	stats.RecordWithOptions(
		r.Context(),
		stats.WithTags(
			tag.Insert(keyRoute, route),
			tag.Insert(keyMethod, r.Method),
			tag.Insert(keyStatus, strconv.Itoa(rec.status)),
		),
		stats.WithMeasurements(
			h.requestCount.M(1),
			h.latency.M(float64(elapsed)/float64(time.Millisecond)),
		))
}
