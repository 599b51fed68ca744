package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	sessionsStarted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "orchestrator_sessions_started_total",
		Help: "Sessions that acquired a worker and began executing.",
	})

	sessionsTerminal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "orchestrator_sessions_terminal_total",
		Help: "Sessions reaching a terminal state, labeled by outcome.",
	}, []string{"outcome"}) // completed, stopped, error

	poolLeased = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "orchestrator_pool_leased_workers",
		Help: "Browser workers currently leased from the pool.",
	})

	workersDiscarded = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "orchestrator_workers_discarded_total",
		Help: "Workers discarded after a crash instead of returning to the free set.",
	})

	eventsPublished = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "orchestrator_events_published_total",
		Help: "Telemetry events published per kind.",
	}, []string{"kind"})

	eventsDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "orchestrator_events_dropped_total",
		Help: "Screenshot events dropped for slow subscribers.",
	})

	actionRetries = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "orchestrator_action_retries_total",
		Help: "Retryable action failures that were retried.",
	})

	batchesSubmitted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "orchestrator_batches_submitted_total",
		Help: "Batches accepted by the parallel task coordinator.",
	})

	monitorFires = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "orchestrator_monitor_fires_total",
		Help: "Portal monitor firings, labeled fired or skipped.",
	}, []string{"result"})
)

// MustRegister registers all collectors with the default registry. Idempotent.
func MustRegister() {
	once.Do(func() {
		prometheus.MustRegister(
			sessionsStarted,
			sessionsTerminal,
			poolLeased,
			workersDiscarded,
			eventsPublished,
			eventsDropped,
			actionRetries,
			batchesSubmitted,
			monitorFires,
		)
	})
}

// Handler returns the /metrics HTTP handler.
func Handler() http.Handler { return promhttp.Handler() }

func IncSessionStarted()            { sessionsStarted.Inc() }
func IncSessionTerminal(out string) { sessionsTerminal.WithLabelValues(out).Inc() }
func SetPoolLeased(n int)           { poolLeased.Set(float64(n)) }
func IncWorkerDiscarded()           { workersDiscarded.Inc() }
func IncEventPublished(kind string) { eventsPublished.WithLabelValues(kind).Inc() }
func IncEventDropped()              { eventsDropped.Inc() }
func IncActionRetry()               { actionRetries.Inc() }
func IncBatchSubmitted()            { batchesSubmitted.Inc() }
func IncMonitorFire(result string)  { monitorFires.WithLabelValues(result).Inc() }
