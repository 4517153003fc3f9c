package httpx

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var histogramBuckets = []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10}

func (r *Router) initMetrics() {
	r.metricsOnce.Do(func() {
		r.requestTotal = registerOrExisting(prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "devpush",
			Subsystem: "engine",
			Name:      "http_requests_total",
			Help:      "Count of processed HTTP requests",
		}, []string{"method", "route", "status"}))

		r.requestDuration = registerOrExisting(prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "devpush",
			Subsystem: "engine",
			Name:      "http_request_duration_seconds",
			Help:      "Latency distribution of HTTP handlers",
			Buckets:   histogramBuckets,
		}, []string{"method", "route", "status"}))

		r.deploymentsStarted = registerOrExisting(prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "devpush",
			Subsystem: "engine",
			Name:      "deployments_started_total",
			Help:      "Number of deployments created",
		}))

		r.deploymentsConcluded = registerOrExisting(prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "devpush",
			Subsystem: "engine",
			Name:      "deployments_concluded_total",
			Help:      "Number of deployments reaching a terminal conclusion",
		}, []string{"conclusion"}))

		r.reconcileTicks = registerOrExisting(prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "devpush",
			Subsystem: "engine",
			Name:      "reconcile_ticks_total",
			Help:      "Number of completed reconciliation sweeps",
		}))

		r.metricsInitialized = true
	})
}

// registerOrExisting registers c with the default registerer and, when a
// collector with the same descriptor is already registered, adopts that one
// instead. Each collector recovers independently so registration order
// never matters.
func registerOrExisting[T prometheus.Collector](c T) T {
	if err := prometheus.Register(c); err != nil {
		var already prometheus.AlreadyRegisteredError
		if errors.As(err, &already) {
			if existing, ok := already.ExistingCollector.(T); ok {
				return existing
			}
		}
	}
	return c
}

func (r *Router) instrument(route string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		if !r.metricsInitialized {
			next(w, req)
			return
		}
		recorder := &responseRecorder{ResponseWriter: w}
		start := time.Now()
		next(recorder, req)
		status := recorder.status
		if status == 0 {
			status = http.StatusOK
		}
		r.recordRequest(req.Method, route, status, time.Since(start))
	}
}

func (r *Router) recordRequest(method, route string, status int, duration time.Duration) {
	if !r.metricsInitialized {
		return
	}
	labels := prometheus.Labels{
		"method": method,
		"route":  route,
		"status": strconv.Itoa(status),
	}
	r.requestTotal.With(labels).Inc()
	r.requestDuration.With(labels).Observe(duration.Seconds())
}

// RecordDeploymentStarted counts a created deployment.
func (r *Router) RecordDeploymentStarted() {
	if !r.metricsInitialized {
		return
	}
	r.deploymentsStarted.Inc()
}

// RecordConclusion counts a terminal deployment outcome.
func (r *Router) RecordConclusion(conclusion string) {
	if !r.metricsInitialized {
		return
	}
	r.deploymentsConcluded.With(prometheus.Labels{"conclusion": conclusion}).Inc()
}

// RecordReconcileTick counts one completed reconciliation sweep.
func (r *Router) RecordReconcileTick() {
	if !r.metricsInitialized {
		return
	}
	r.reconcileTicks.Inc()
}

type responseRecorder struct {
	http.ResponseWriter
	status int
}

func (rr *responseRecorder) WriteHeader(code int) {
	rr.status = code
	rr.ResponseWriter.WriteHeader(code)
}

func (rr *responseRecorder) Write(b []byte) (int, error) {
	if rr.status == 0 {
		rr.status = http.StatusOK
	}
	return rr.ResponseWriter.Write(b)
}
