package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry bundles the engine's Prometheus collectors behind a dedicated
// (non-global) registry.
type Registry struct {
	reg *prometheus.Registry

	OrdersCreated        prometheus.Counter
	TestsAppended        prometheus.Counter
	TestTransitions      prometheus.Counter
	TransitionConflicts  prometheus.Counter
	QueueRequests        prometheus.Counter
	QueueDegradedEntries prometheus.Counter
	ResolverMissing      *prometheus.CounterVec
	QueueBuildSeconds    prometheus.Histogram
}

func NewRegistry() *Registry {
	r := prometheus.NewRegistry()

	ordersCreated := prometheus.NewCounter(prometheus.CounterOpts{Name: "labflow_orders_created_total"})
	testsAppended := prometheus.NewCounter(prometheus.CounterOpts{Name: "labflow_tests_appended_total"})
	transitions := prometheus.NewCounter(prometheus.CounterOpts{Name: "labflow_test_transitions_total"})
	conflicts := prometheus.NewCounter(prometheus.CounterOpts{Name: "labflow_transition_conflicts_total"})
	queueRequests := prometheus.NewCounter(prometheus.CounterOpts{Name: "labflow_queue_requests_total"})
	degraded := prometheus.NewCounter(prometheus.CounterOpts{Name: "labflow_queue_degraded_entries_total"})
	missing := prometheus.NewCounterVec(prometheus.CounterOpts{Name: "labflow_resolver_missing_total"}, []string{"kind"})
	buildSeconds := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "labflow_queue_build_seconds",
		Buckets: prometheus.DefBuckets,
	})

	r.MustRegister(ordersCreated, testsAppended, transitions, conflicts, queueRequests, degraded, missing, buildSeconds)
	return &Registry{
		reg:                  r,
		OrdersCreated:        ordersCreated,
		TestsAppended:        testsAppended,
		TestTransitions:      transitions,
		TransitionConflicts:  conflicts,
		QueueRequests:        queueRequests,
		QueueDegradedEntries: degraded,
		ResolverMissing:      missing,
		QueueBuildSeconds:    buildSeconds,
	}
}

func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{})
}
