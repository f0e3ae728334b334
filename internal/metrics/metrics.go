package metrics

import (
	"context"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/ignatij/campaignflow/pkg/models"
	"github.com/ignatij/campaignflow/pkg/service"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Recorder owns the engine's Prometheus collectors. It is an event sink for
// committed transitions and a sweep observer for the dispatcher.
type Recorder struct {
	Transitions  *prometheus.CounterVec
	Rejections   *prometheus.CounterVec
	Dispatched   prometheus.Counter
	SweepSeconds prometheus.Histogram
	Requests     *prometheus.CounterVec

	gatherer prometheus.Gatherer
}

// NewRecorder registers the collectors on reg. A nil reg uses a fresh
// registry.
func NewRecorder(reg *prometheus.Registry) *Recorder {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	r := &Recorder{
		Transitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "campaignflow_transitions_total",
				Help: "Committed status transitions by entity and target status.",
			},
			[]string{"entity", "to"},
		),
		Rejections: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "campaignflow_rejections_total",
				Help: "Rejected mutations by error kind.",
			},
			[]string{"kind"},
		),
		Dispatched: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "campaignflow_jobs_dispatched_total",
			Help: "Jobs promoted from PENDING to QUEUED by the dispatcher.",
		}),
		SweepSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "campaignflow_dispatch_sweep_seconds",
			Help:    "Duration of dispatcher sweeps.",
			Buckets: prometheus.DefBuckets,
		}),
		Requests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "campaignflow_http_requests_total",
				Help: "Total requests by route, method and status code.",
			},
			[]string{"route", "method", "code"},
		),
		gatherer: reg,
	}
	reg.MustRegister(r.Transitions, r.Rejections, r.Dispatched, r.SweepSeconds, r.Requests)
	return r
}

// Publish implements service.EventSink.
func (r *Recorder) Publish(_ context.Context, evt models.Event) {
	entity := models.RunEntity
	if evt.Type == models.JobTransitionEvent {
		entity = models.JobEntity
	}
	r.Transitions.WithLabelValues(entity, evt.To).Inc()
}

// ObserveSweep records one dispatcher pass.
func (r *Recorder) ObserveSweep(res service.SweepResult) {
	r.Dispatched.Add(float64(res.Promoted))
	r.SweepSeconds.Observe(res.Duration.Seconds())
}

// Reject counts a rejected mutation.
func (r *Recorder) Reject(kind string) {
	r.Rejections.WithLabelValues(kind).Inc()
}

// Handler serves the registry in the Prometheus exposition format.
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.gatherer, promhttp.HandlerOpts{})
}

// Middleware counts requests by chi route pattern, so ids do not blow up
// label cardinality. The wrapped writer keeps http.Hijacker, so websocket
// upgrades pass through.
func (r *Recorder) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		ww := chimw.NewWrapResponseWriter(w, req.ProtoMajor)
		next.ServeHTTP(ww, req)
		route := req.URL.Path
		if rctx := chi.RouteContext(req.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			// Hijacked connections and handlers that never wrote.
			status = http.StatusOK
		}
		r.Requests.WithLabelValues(route, req.Method, strconv.Itoa(status)).Inc()
	})
}
