package monitor

import (
	"context"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	oteltrace "go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/joseph-karim/techscaniq-orchestrator/internal/metrics"
	"github.com/joseph-karim/techscaniq-orchestrator/internal/tracing"
)

// Status is the overall pipeline health
type Status string

const (
	StatusHealthy  Status = "healthy"
	StatusDegraded Status = "degraded"
	StatusCritical Status = "critical"
)

const (
	criticalErrorCount    = 10
	criticalFallbackRatio = 0.5
)

// Event types published to subscribers
const (
	EventPhaseStarted      = "PHASE_STARTED"
	EventPhaseCompleted    = "PHASE_COMPLETED"
	EventPhaseFailed       = "PHASE_FAILED"
	EventRetry             = "RETRY"
	EventFallback          = "FALLBACK"
	EventError             = "ERROR"
	EventBreakerTransition = "BREAKER_TRANSITION"
	EventHealth            = "HEALTH"
)

// Event is a monitor record streamed to subscribers
type Event struct {
	RunID     string                 `json:"run_id"`
	Type      string                 `json:"type"`
	Phase     string                 `json:"phase,omitempty"`
	Message   string                 `json:"message,omitempty"`
	Data      map[string]interface{} `json:"data,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
	Seq       uint64                 `json:"seq"`
}

// BreakerSource reports which circuit breakers are currently open
type BreakerSource interface {
	OpenBreakers() []string
}

// Reporter is the single observability interface handed to pipeline components.
// Implementations never alter control flow.
type Reporter interface {
	StartPhase(ctx context.Context, name string) (context.Context, *Phase)
	Retry(phase, dependency string, attempt int, delay time.Duration, err error)
	Fallback(phase, reason string)
	Error(phase string, err error)
	BreakerTransition(name, from, to string)
}

// PhaseStats aggregates finished phases of one name
type PhaseStats struct {
	Count         int           `json:"count"`
	Failures      int           `json:"failures"`
	TotalDuration time.Duration `json:"total_duration"`
	EvidenceDelta int           `json:"evidence_delta"`
}

// Health is a point-in-time view of the run
type Health struct {
	RunID         string                `json:"run_id"`
	Status        Status                `json:"status"`
	Errors        int                   `json:"errors"`
	Retries       int                   `json:"retries"`
	Fallbacks     int                   `json:"fallbacks"`
	AgentPhases   int                   `json:"agent_phases"`
	FallbackRatio float64               `json:"fallback_ratio"`
	OpenBreakers  []string              `json:"open_breakers,omitempty"`
	Transitions   int                   `json:"breaker_transitions"`
	Phases        map[string]PhaseStats `json:"phases"`
	ActivePhases  int                   `json:"active_phases"`
	CheckedAt     time.Time             `json:"checked_at"`
}

// Monitor records phases and failures of one research run
type Monitor struct {
	runID    string
	logger   *zap.Logger
	hub      *Hub
	breakers BreakerSource
	now      func() time.Time

	mu          sync.Mutex
	errors      int
	retries     int
	fallbacks   int
	agentPhases int
	transitions int
	active      int
	phases      map[string]*PhaseStats
}

// Option configures a Monitor
type Option func(*Monitor)

// WithHub publishes events to hub
func WithHub(h *Hub) Option { return func(m *Monitor) { m.hub = h } }

// WithBreakers consults src for open breakers at snapshot time
func WithBreakers(src BreakerSource) Option { return func(m *Monitor) { m.breakers = src } }

// WithClock overrides time.Now
func WithClock(now func() time.Time) Option { return func(m *Monitor) { m.now = now } }

// New creates a monitor for runID
func New(runID string, logger *zap.Logger, opts ...Option) *Monitor {
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &Monitor{
		runID:  runID,
		logger: logger.With(zap.String("run_id", runID)),
		now:    time.Now,
		phases: make(map[string]*PhaseStats),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// RunID returns the run being monitored
func (m *Monitor) RunID() string { return m.runID }

// Phase is an in-flight pipeline phase
type Phase struct {
	m       *Monitor
	name    string
	started time.Time
	span    oteltrace.Span
	once    sync.Once
}

// StartPhase opens a span and records the phase start
func (m *Monitor) StartPhase(ctx context.Context, name string) (context.Context, *Phase) {
	ctx, span := tracing.StartSpan(ctx, "phase."+phaseKind(name))
	span.SetAttributes(
		attribute.String("run.id", m.runID),
		attribute.String("phase.name", name),
	)

	m.mu.Lock()
	m.active++
	if isAgentPhase(name) {
		m.agentPhases++
	}
	m.mu.Unlock()

	m.logger.Debug("Phase started", zap.String("phase", name))
	m.publish(EventPhaseStarted, name, "", nil)
	return ctx, &Phase{m: m, name: name, started: m.now(), span: span}
}

// End closes the phase. Calling End more than once has no effect.
func (p *Phase) End(evidenceDelta int, err error) {
	p.once.Do(func() {
		m := p.m
		d := m.now().Sub(p.started)
		status := "completed"
		if err != nil {
			status = "failed"
		}

		m.mu.Lock()
		m.active--
		st := m.phases[p.name]
		if st == nil {
			st = &PhaseStats{}
			m.phases[p.name] = st
		}
		st.Count++
		st.TotalDuration += d
		st.EvidenceDelta += evidenceDelta
		if err != nil {
			st.Failures++
			m.errors++
		}
		m.mu.Unlock()

		metrics.PhaseDuration.WithLabelValues(phaseKind(p.name), status).Observe(d.Seconds())
		p.span.SetAttributes(attribute.Int("phase.evidence_delta", evidenceDelta))
		data := map[string]interface{}{
			"duration_ms":    d.Milliseconds(),
			"evidence_delta": evidenceDelta,
		}
		if err != nil {
			p.span.RecordError(err)
			p.span.SetStatus(codes.Error, err.Error())
			m.logger.Warn("Phase failed",
				zap.String("phase", p.name),
				zap.Duration("duration", d),
				zap.Error(err),
			)
			m.publish(EventPhaseFailed, p.name, err.Error(), data)
		} else {
			m.logger.Info("Phase completed",
				zap.String("phase", p.name),
				zap.Duration("duration", d),
				zap.Int("evidence_delta", evidenceDelta),
			)
			m.publish(EventPhaseCompleted, p.name, "", data)
		}
		p.span.End()
	})
}

// Retry records a scheduled retry
func (m *Monitor) Retry(phase, dependency string, attempt int, delay time.Duration, err error) {
	m.mu.Lock()
	m.retries++
	m.mu.Unlock()
	metrics.PhaseRetries.WithLabelValues(phaseKind(phase), dependency).Inc()
	m.logger.Info("Retry scheduled",
		zap.String("phase", phase),
		zap.String("dependency", dependency),
		zap.Int("attempt", attempt),
		zap.Duration("delay", delay),
		zap.Error(err),
	)
	m.publish(EventRetry, phase, errString(err), map[string]interface{}{
		"dependency": dependency,
		"attempt":    attempt,
		"delay_ms":   delay.Milliseconds(),
	})
}

// Fallback records a heuristic fallback
func (m *Monitor) Fallback(phase, reason string) {
	m.mu.Lock()
	m.fallbacks++
	m.mu.Unlock()
	metrics.Fallbacks.WithLabelValues(phaseKind(phase)).Inc()
	m.logger.Warn("Heuristic fallback", zap.String("phase", phase), zap.String("reason", reason))
	m.publish(EventFallback, phase, reason, nil)
}

// Error records a failure that did not end a phase
func (m *Monitor) Error(phase string, err error) {
	if err == nil {
		return
	}
	m.mu.Lock()
	m.errors++
	m.mu.Unlock()
	m.logger.Error("Pipeline error", zap.String("phase", phase), zap.Error(err))
	m.publish(EventError, phase, err.Error(), nil)
}

// BreakerTransition records a circuit breaker state change
func (m *Monitor) BreakerTransition(name, from, to string) {
	m.mu.Lock()
	m.transitions++
	m.mu.Unlock()
	m.logger.Info("Circuit breaker transition",
		zap.String("breaker", name),
		zap.String("from", from),
		zap.String("to", to),
	)
	m.publish(EventBreakerTransition, "", name, map[string]interface{}{"from": from, "to": to})
}

// Snapshot evaluates pipeline health
func (m *Monitor) Snapshot() Health {
	var open []string
	if m.breakers != nil {
		open = m.breakers.OpenBreakers()
	}

	m.mu.Lock()
	h := Health{
		RunID:        m.runID,
		Errors:       m.errors,
		Retries:      m.retries,
		Fallbacks:    m.fallbacks,
		AgentPhases:  m.agentPhases,
		OpenBreakers: open,
		Transitions:  m.transitions,
		ActivePhases: m.active,
		Phases:       make(map[string]PhaseStats, len(m.phases)),
		CheckedAt:    m.now(),
	}
	for name, st := range m.phases {
		h.Phases[name] = *st
	}
	m.mu.Unlock()

	h.FallbackRatio = fallbackRatio(h.Fallbacks, h.AgentPhases)
	h.Status = Evaluate(h.Errors, h.FallbackRatio, len(open) > 0)

	metrics.RunHealth.Set(statusValue(h.Status))
	return h
}

// Evaluate maps raw counters to a status
func Evaluate(errors int, fallbackRatio float64, breakerOpen bool) Status {
	switch {
	case errors >= criticalErrorCount:
		return StatusCritical
	case fallbackRatio >= criticalFallbackRatio && breakerOpen:
		return StatusCritical
	case breakerOpen || fallbackRatio > 0 || errors >= 1:
		return StatusDegraded
	default:
		return StatusHealthy
	}
}

// PublishHealth streams the current snapshot to subscribers
func (m *Monitor) PublishHealth(h Health) {
	m.publish(EventHealth, "", string(h.Status), map[string]interface{}{
		"errors":         h.Errors,
		"fallback_ratio": h.FallbackRatio,
		"open_breakers":  h.OpenBreakers,
	})
}

func (m *Monitor) publish(typ, phase, msg string, data map[string]interface{}) {
	if m.hub == nil {
		return
	}
	m.hub.Publish(Event{
		RunID:     m.runID,
		Type:      typ,
		Phase:     phase,
		Message:   msg,
		Data:      data,
		Timestamp: m.now(),
	})
}

func fallbackRatio(fallbacks, agentPhases int) float64 {
	if fallbacks == 0 {
		return 0
	}
	if agentPhases == 0 {
		return 1
	}
	r := float64(fallbacks) / float64(agentPhases)
	if r > 1 {
		r = 1
	}
	return r
}

func statusValue(s Status) float64 {
	switch s {
	case StatusDegraded:
		return 1
	case StatusCritical:
		return 2
	}
	return 0
}

// phaseKind strips per-instance suffixes ("agent:arg-3" -> "agent") to keep label cardinality bounded
func phaseKind(name string) string {
	if i := strings.IndexByte(name, ':'); i > 0 {
		return name[:i]
	}
	return name
}

func isAgentPhase(name string) bool { return phaseKind(name) == "agent" }

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

var _ Reporter = (*Monitor)(nil)
