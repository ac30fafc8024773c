package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Metrics struct {
	QueueAdmissions       *prometheus.CounterVec
	QueueEvictions        *prometheus.CounterVec
	QueueAbandoned        prometheus.Counter
	QueueDepth            *prometheus.GaugeVec
	Assignments           prometheus.Counter
	ClaimConflicts        prometheus.Counter
	DispatchCycleDuration prometheus.Histogram
	TriggerDrops          prometheus.Counter
	Transfers             *prometheus.CounterVec
	ConferencesActive     prometheus.Gauge
	IVRInputs             *prometheus.CounterVec
	IVRFallbacks          prometheus.Counter
	ScriptTerminations    *prometheus.CounterVec
	AnalyticsDropped      prometheus.Counter
	DesksConnected        prometheus.Gauge

	gatherer prometheus.Gatherer
}

// New registers collectors on reg. A nil reg gets a private registry, which
// keeps tests from colliding on the default one.
func New(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	f := promauto.With(reg)
	return &Metrics{
		QueueAdmissions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "callcenter_queue_admissions_total",
			Help: "Calls offered to a queue, by outcome",
		}, []string{"outcome"}),
		QueueEvictions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "callcenter_queue_evictions_total",
			Help: "Calls sent to overflow, by reason",
		}, []string{"reason"}),
		QueueAbandoned: f.NewCounter(prometheus.CounterOpts{
			Name: "callcenter_queue_abandoned_total",
			Help: "Callers who hung up while queued",
		}),
		QueueDepth: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "callcenter_queue_depth",
			Help: "Calls waiting per queue at the last dispatch cycle",
		}, []string{"queue_id"}),
		Assignments: f.NewCounter(prometheus.CounterOpts{
			Name: "callcenter_assignments_total",
			Help: "Queued calls handed to an agent",
		}),
		ClaimConflicts: f.NewCounter(prometheus.CounterOpts{
			Name: "callcenter_claim_conflicts_total",
			Help: "Agent claims lost to a concurrent dispatcher",
		}),
		DispatchCycleDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "callcenter_dispatch_cycle_duration_seconds",
			Help:    "Time taken by one queue dispatch cycle",
			Buckets: prometheus.DefBuckets,
		}),
		TriggerDrops: f.NewCounter(prometheus.CounterOpts{
			Name: "callcenter_dispatch_trigger_drops_total",
			Help: "Dispatch triggers coalesced because one was already pending",
		}),
		Transfers: f.NewCounterVec(prometheus.CounterOpts{
			Name: "callcenter_transfers_total",
			Help: "Finished transfers by type and status",
		}, []string{"type", "status"}),
		ConferencesActive: f.NewGauge(prometheus.GaugeOpts{
			Name: "callcenter_conferences_active",
			Help: "Conferences currently active",
		}),
		IVRInputs: f.NewCounterVec(prometheus.CounterOpts{
			Name: "callcenter_ivr_inputs_total",
			Help: "IVR inputs by result",
		}, []string{"result"}),
		IVRFallbacks: f.NewCounter(prometheus.CounterOpts{
			Name: "callcenter_ivr_fallbacks_total",
			Help: "IVR sessions that exhausted retries",
		}),
		ScriptTerminations: f.NewCounterVec(prometheus.CounterOpts{
			Name: "callcenter_script_terminations_total",
			Help: "Script runs that ended, by reason",
		}, []string{"reason"}),
		AnalyticsDropped: f.NewCounter(prometheus.CounterOpts{
			Name: "callcenter_analytics_dropped_total",
			Help: "Analytics events dropped because the buffer was full or the sink failed",
		}),
		DesksConnected: f.NewGauge(prometheus.GaugeOpts{
			Name: "callcenter_agent_desks_connected",
			Help: "Agent desktops holding a websocket",
		}),
		gatherer: reg,
	}
}

// Handler serves this instance's registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}
