package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Run metrics
	RunsStarted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "techscaniq_runs_started_total",
			Help: "Total number of research runs started",
		},
		[]string{"thesis_type"},
	)

	RunsCompleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "techscaniq_runs_completed_total",
			Help: "Total number of research runs completed",
		},
		[]string{"thesis_type", "status"},
	)

	RunDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "techscaniq_run_duration_seconds",
			Help:    "Research run duration in seconds",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200},
		},
		[]string{"thesis_type"},
	)

	RunHealth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "techscaniq_pipeline_health",
			Help: "Pipeline health of the most recent snapshot (0=healthy, 1=degraded, 2=critical)",
		},
	)

	// Phase metrics
	PhaseDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "techscaniq_phase_duration_seconds",
			Help:    "Pipeline phase duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"phase", "status"},
	)

	PhaseRetries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "techscaniq_phase_retries_total",
			Help: "Retries scheduled, by phase and dependency",
		},
		[]string{"phase", "dependency"},
	)

	Fallbacks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "techscaniq_fallbacks_total",
			Help: "Heuristic fallbacks triggered",
		},
		[]string{"phase"},
	)

	// Queue metrics
	JobsSubmitted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "techscaniq_jobs_submitted_total",
			Help: "Jobs submitted per queue",
		},
		[]string{"queue"},
	)

	JobsFinished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "techscaniq_jobs_finished_total",
			Help: "Jobs finished per queue and status",
		},
		[]string{"queue", "status"},
	)

	JobsPending = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "techscaniq_jobs_pending",
			Help: "Jobs waiting for a worker",
		},
		[]string{"queue"},
	)

	JobDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "techscaniq_job_duration_seconds",
			Help:    "Job execution duration including retries",
			Buckets: []float64{0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60},
		},
		[]string{"queue"},
	)

	// Agent metrics
	AgentIterations = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "techscaniq_agent_iterations",
			Help:    "Iterations used by a section agent before terminating",
			Buckets: []float64{1, 2, 3, 4, 5, 8},
		},
		[]string{"outcome"},
	)

	AgentConfidence = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "techscaniq_agent_confidence",
			Help:    "Final confidence reported by a section agent",
			Buckets: []float64{0.1, 0.25, 0.5, 0.7, 0.8, 0.88, 0.95, 1},
		},
		[]string{"outcome"},
	)

	// Evidence metrics
	EvidenceIngested = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "techscaniq_evidence_ingested_total",
			Help: "Evidence items accepted into a run",
		},
		[]string{"method"},
	)

	EvidenceDuplicates = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "techscaniq_evidence_duplicates_total",
			Help: "Evidence items dropped by content-hash dedupe",
		},
	)

	EvidenceSignalMerges = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "techscaniq_evidence_signal_merges_total",
			Help: "Duplicate evidence whose signals were merged into a stored item",
		},
	)

	// Gap metrics
	GapsDetected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "techscaniq_gaps_detected_total",
			Help: "Gaps detected by type and criticality",
		},
		[]string{"type", "criticality"},
	)

	MicroAgentsSpawned = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "techscaniq_micro_agents_spawned_total",
			Help: "Micro-agents emitted by gap analysis",
		},
	)
)
