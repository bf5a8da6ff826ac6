// Package metrics registers the engine's Prometheus collectors and the
// helper functions components call on the hot paths. Everything is
// registered once in init and served by the gateway's /metrics endpoint.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Aggregator run metrics
	runsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "screener_runs_total",
		Help: "Aggregator cycles by final status",
	}, []string{"status"})

	runDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "screener_run_duration_seconds",
		Help:    "Wall time of one aggregator cycle",
		Buckets: []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120, 300},
	})

	ticksCoalesced = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "screener_ticks_coalesced_total",
		Help: "Scheduler ticks dropped because a run was still active",
	})

	tokensDiscovered = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "screener_tokens_discovered_total",
		Help: "Candidates returned by the trending feed before dedup",
	})

	tokensProcessed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "screener_tokens_processed_total",
		Help: "Pipeline results by outcome",
	}, []string{"outcome"})

	// Pipeline stage metrics
	stageOutcomes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "screener_stage_outcomes_total",
		Help: "Per-stage verdicts",
	}, []string{"stage", "outcome"})

	stageLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "screener_stage_latency_seconds",
		Help:    "Latency of one stage analysis including retries",
		Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
	}, []string{"stage"})

	// Source client metrics
	sourceRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "screener_source_requests_total",
		Help: "Upstream HTTP calls by source and result",
	}, []string{"source", "result"})

	sourceRetries = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "screener_source_retries_total",
		Help: "Retry attempts by source",
	}, []string{"source"})

	sourceBackoffFloor = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "screener_source_backoff_floor_seconds",
		Help: "Current backoff floor applied to a source's acquires",
	}, []string{"source"})

	sourceHealthy = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "screener_source_healthy",
		Help: "Source probe result (1=healthy, 0=down)",
	}, []string{"source"})

	// Cache metrics
	cacheHits = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "screener_cache_hits_total",
		Help: "Cache hits by cache name",
	}, []string{"cache"})

	cacheMisses = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "screener_cache_misses_total",
		Help: "Cache misses by cache name",
	}, []string{"cache"})

	// Persistence metrics
	analysesPersisted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "screener_analyses_persisted_total",
		Help: "Analyses fully persisted",
	})

	persistFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "screener_persist_failures_total",
		Help: "Analyses whose persistence transaction failed",
	})

	// Event bus metrics
	eventsPublished = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "screener_events_published_total",
		Help: "Events handed to a bus by transport",
	}, []string{"bus"})

	eventPublishErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "screener_event_publish_errors_total",
		Help: "Bus publish failures by transport",
	}, []string{"bus"})

	// WebSocket gateway metrics
	wsConnectionsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "screener_ws_connections_total",
		Help: "WebSocket connections established",
	})

	wsConnectionsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "screener_ws_connections_active",
		Help: "Currently open WebSocket connections",
	})

	wsConnectionsFailed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "screener_ws_connections_failed_total",
		Help: "Rejected or failed connection attempts",
	})

	wsDisconnects = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "screener_ws_disconnects_total",
		Help: "Disconnections by reason and initiator",
	}, []string{"reason", "initiated_by"})

	wsMessagesSent = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "screener_ws_messages_sent_total",
		Help: "Frames written to clients",
	})

	wsMessagesDropped = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "screener_ws_messages_dropped_total",
		Help: "Frames dropped by channel and reason",
	}, []string{"channel", "reason"})

	wsSlowClients = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "screener_ws_slow_clients_evicted_total",
		Help: "Clients evicted for a full send buffer",
	})

	hubSubscriptions = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "screener_hub_subscriptions_active",
		Help: "Live channel subscriptions across all clients",
	})

	// Process metrics sampled by the system monitor
	processMemoryBytes = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "screener_process_memory_bytes",
		Help: "Resident set size of the screener process",
	})

	processCPUPercent = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "screener_process_cpu_percent",
		Help: "Process CPU usage percentage",
	})

	workerQueueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "screener_worker_queue_depth",
		Help: "Tasks waiting in the worker pool queue",
	})

	workerTasksDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "screener_worker_tasks_dropped_total",
		Help: "Tasks rejected because the worker queue was full",
	})
)

func init() {
	prometheus.MustRegister(
		runsTotal, runDuration, ticksCoalesced,
		tokensDiscovered, tokensProcessed,
		stageOutcomes, stageLatency,
		sourceRequests, sourceRetries, sourceBackoffFloor, sourceHealthy,
		cacheHits, cacheMisses,
		analysesPersisted, persistFailures,
		eventsPublished, eventPublishErrors,
		wsConnectionsTotal, wsConnectionsActive, wsConnectionsFailed,
		wsDisconnects, wsMessagesSent, wsMessagesDropped, wsSlowClients,
		hubSubscriptions,
		processMemoryBytes, processCPUPercent,
		workerQueueDepth, workerTasksDropped,
	)
}

// Handler serves the Prometheus exposition endpoint.
func Handler() http.Handler { return promhttp.Handler() }

// Outcome labels for tokensProcessed and stageOutcomes.
const (
	OutcomePassed   = "passed"
	OutcomeFiltered = "filtered"
	OutcomeDegraded = "degraded"
	OutcomeFailed   = "failed"
)

func RecordRun(status string, d time.Duration) {
	runsTotal.WithLabelValues(status).Inc()
	runDuration.Observe(d.Seconds())
}

func RecordTickCoalesced() { ticksCoalesced.Inc() }

func RecordDiscovered(n int) { tokensDiscovered.Add(float64(n)) }

func RecordTokenOutcome(outcome string) { tokensProcessed.WithLabelValues(outcome).Inc() }

func RecordStage(stage, outcome string, d time.Duration) {
	stageOutcomes.WithLabelValues(stage, outcome).Inc()
	stageLatency.WithLabelValues(stage).Observe(d.Seconds())
}

func RecordSourceRequest(source, result string) {
	sourceRequests.WithLabelValues(source, result).Inc()
}

func RecordSourceRetry(source string) { sourceRetries.WithLabelValues(source).Inc() }

func SetBackoffFloor(source string, seconds float64) {
	sourceBackoffFloor.WithLabelValues(source).Set(seconds)
}

func SetSourceHealthy(source string, healthy bool) {
	v := 0.0
	if healthy {
		v = 1.0
	}
	sourceHealthy.WithLabelValues(source).Set(v)
}

func RecordCacheHit(name string)  { cacheHits.WithLabelValues(name).Inc() }
func RecordCacheMiss(name string) { cacheMisses.WithLabelValues(name).Inc() }

func RecordPersisted()      { analysesPersisted.Inc() }
func RecordPersistFailure() { persistFailures.Inc() }

func RecordEventPublished(bus string)    { eventsPublished.WithLabelValues(bus).Inc() }
func RecordEventPublishError(bus string) { eventPublishErrors.WithLabelValues(bus).Inc() }

func RecordConnection()        { wsConnectionsTotal.Inc(); wsConnectionsActive.Inc() }
func RecordConnectionClosed()  { wsConnectionsActive.Dec() }
func RecordConnectionFailed()  { wsConnectionsFailed.Inc() }
func RecordMessageSent()       { wsMessagesSent.Inc() }
func RecordSlowClientEvicted() { wsSlowClients.Inc() }

func RecordDisconnect(reason, initiatedBy string) {
	wsDisconnects.WithLabelValues(reason, initiatedBy).Inc()
}

func RecordMessageDropped(channel, reason string) {
	wsMessagesDropped.WithLabelValues(channel, reason).Inc()
}

func SetHubSubscriptions(n int) { hubSubscriptions.Set(float64(n)) }

func SetProcessMemory(bytes float64) { processMemoryBytes.Set(bytes) }
func SetProcessCPU(percent float64)  { processCPUPercent.Set(percent) }

func SetWorkerQueueDepth(n int)  { workerQueueDepth.Set(float64(n)) }
func RecordWorkerTaskDropped()   { workerTasksDropped.Inc() }
