package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/joseph-karim/techscaniq-orchestrator/internal/agent"
	"github.com/joseph-karim/techscaniq-orchestrator/internal/archive"
	"github.com/joseph-karim/techscaniq-orchestrator/internal/circuitbreaker"
	"github.com/joseph-karim/techscaniq-orchestrator/internal/evidence"
	"github.com/joseph-karim/techscaniq-orchestrator/internal/gaps"
	"github.com/joseph-karim/techscaniq-orchestrator/internal/metrics"
	"github.com/joseph-karim/techscaniq-orchestrator/internal/mission"
	"github.com/joseph-karim/techscaniq-orchestrator/internal/monitor"
	"github.com/joseph-karim/techscaniq-orchestrator/internal/planner"
	"github.com/joseph-karim/techscaniq-orchestrator/internal/queue"
	"github.com/joseph-karim/techscaniq-orchestrator/internal/retry"
	"github.com/joseph-karim/techscaniq-orchestrator/internal/taxonomy"
	"github.com/joseph-karim/techscaniq-orchestrator/internal/tracing"
)

// ErrRunNotActive is returned when evidence is posted for a run that is not in progress
var ErrRunNotActive = errors.New("run is not active")

// Run statuses recorded in the archive
const (
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusDegraded  = "degraded"
	StatusFailed    = "failed"
)

// Archiver persists run summaries, gaps and evidence
type Archiver interface {
	evidence.Sink
	ArchiveRun(ctx context.Context, rec archive.RunRecord) error
	ArchiveGaps(ctx context.Context, runID string, cycle int, gs []gaps.Gap) error
}

// Options are the run defaults. They may be swapped between runs.
type Options struct {
	MaxCycles       int
	MaxMicroAgents  int
	MicroCallBudget int
	SignalFloor     float64
	Deadline        time.Duration
	Ceiling         planner.Budget
	HealthInterval  time.Duration
	EventRetention  time.Duration
}

// DefaultOptions mirrors the configuration defaults
func DefaultOptions() Options {
	return Options{
		MaxCycles:       2,
		MaxMicroAgents:  gaps.DefaultMaxMicroAgents,
		MicroCallBudget: gaps.DefaultMicroCallBudget,
		SignalFloor:     gaps.DefaultConfidenceFloor,
		Deadline:        30 * time.Minute,
		Ceiling:         planner.Budget{Calls: 200, Tokens: 300000},
		HealthInterval:  15 * time.Second,
		EventRetention:  10 * time.Minute,
	}
}

// Request is one research run
type Request struct {
	Thesis   mission.Thesis
	Template *mission.Template // looked up by thesis type when nil
	Ceiling  planner.Budget    // zero uses the default ceiling
	Deadline time.Duration     // zero uses the default deadline
}

// ResearchResult is the bundle handed to report synthesis
type ResearchResult struct {
	RunID           string                 `json:"run_id"`
	Thesis          mission.Thesis         `json:"thesis"`
	Plan            *planner.Plan          `json:"plan"`
	Evidence        []evidence.Evidence    `json:"evidence"`
	GapAnalysis     *gaps.Analysis         `json:"gap_analysis"`
	SectionResults  []*agent.SectionResult `json:"section_results"`
	Health          monitor.Health         `json:"health"`
	Degraded        bool                   `json:"degraded"`
	DegradedReasons []string               `json:"degraded_reasons,omitempty"`
	Cycles          int                    `json:"cycles"`
	CallsUsed       int                    `json:"calls_used"`
	StartedAt       time.Time              `json:"started_at"`
	FinishedAt      time.Time              `json:"finished_at"`
}

// Deps are the collaborators of an Orchestrator
type Deps struct {
	Library  *mission.Library
	Planner  *planner.Planner
	Runner   *agent.Runner
	Analyzer *gaps.Analyzer
	Queues   *queue.Set
	Breakers *circuitbreaker.Registry
	Hub      *monitor.Hub
	Deduper  evidence.Deduper        // per-store memory dedupe when nil
	Quality  *evidence.QualityScorer // default scorer when nil
	Archive  Archiver                // optional
}

type activeRun struct {
	store    *evidence.Store
	monitor  *monitor.Monitor
	keywords map[string][]string
}

// Orchestrator runs research end to end
type Orchestrator struct {
	deps   Deps
	logger *zap.Logger
	now    func() time.Time

	mu   sync.RWMutex
	opts Options
	runs map[string]*activeRun
}

type agentJob struct {
	task agent.Task
}

// New wires an orchestrator and registers its handlers on the orchestration and
// quality evaluation queues. Start the queue set afterwards.
func New(deps Deps, opts Options, logger *zap.Logger) (*Orchestrator, error) {
	if deps.Library == nil || deps.Runner == nil || deps.Queues == nil {
		return nil, taxonomy.Configuration("orchestrator.new", "library, runner and queues are required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if deps.Planner == nil {
		deps.Planner = planner.New(logger)
	}
	if deps.Analyzer == nil {
		deps.Analyzer = gaps.New(logger)
	}
	if deps.Hub == nil {
		deps.Hub = monitor.NewHub(0)
	}
	o := &Orchestrator{
		deps:   deps,
		logger: logger,
		now:    time.Now,
		opts:   opts,
		runs:   make(map[string]*activeRun),
	}
	if err := deps.Queues.Handle(mission.QueueOrchestration, o.handleAgent); err != nil {
		return nil, taxonomy.Wrap(err, taxonomy.KindConfiguration, "orchestrator.new")
	}
	if err := deps.Queues.Handle(mission.QueueQualityEvaluation, agent.QualityHandler(deps.Quality)); err != nil {
		return nil, taxonomy.Wrap(err, taxonomy.KindConfiguration, "orchestrator.new")
	}
	if deps.Breakers != nil {
		deps.Breakers.Observe(o.onBreakerTransition)
	}
	return o, nil
}

// Hub is the event hub runs publish to
func (o *Orchestrator) Hub() *monitor.Hub { return o.deps.Hub }

// Options returns the active run defaults
func (o *Orchestrator) Options() Options {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.opts
}

// SetOptions swaps run defaults. Runs in progress keep theirs.
func (o *Orchestrator) SetOptions(opts Options) {
	o.mu.Lock()
	o.opts = opts
	o.mu.Unlock()
}

// Health returns the live health of an active run
func (o *Orchestrator) Health(runID string) (monitor.Health, bool) {
	run, ok := o.active(runID)
	if !ok {
		return monitor.Health{}, false
	}
	return run.monitor.Snapshot(), true
}

// ActiveRuns lists runs in progress
func (o *Orchestrator) ActiveRuns() []string {
	o.mu.RLock()
	defer o.mu.RUnlock()
	out := make([]string, 0, len(o.runs))
	for id := range o.runs {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func (o *Orchestrator) active(runID string) (*activeRun, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	r, ok := o.runs[runID]
	return r, ok
}

// onBreakerTransition runs under the breaker's lock; it must not call back into breakers
func (o *Orchestrator) onBreakerTransition(name string, from, to circuitbreaker.State) {
	o.mu.RLock()
	monitors := make([]*monitor.Monitor, 0, len(o.runs))
	for _, r := range o.runs {
		monitors = append(monitors, r.monitor)
	}
	o.mu.RUnlock()
	for _, m := range monitors {
		m.BreakerTransition(name, from.String(), to.String())
	}
}

func (o *Orchestrator) handleAgent(ctx context.Context, job *queue.Job) (interface{}, error) {
	p, ok := job.Payload.(agentJob)
	if !ok {
		return nil, taxonomy.Validation("orchestrator.agent", fmt.Errorf("unexpected payload %T", job.Payload))
	}
	return o.deps.Runner.Run(ctx, p.task)
}

// IngestEvidence adds externally captured evidence to an active run through
// the quality evaluation queue, the same path agent evidence takes
func (o *Orchestrator) IngestEvidence(ctx context.Context, runID string, items []evidence.Evidence) (evidence.IngestResult, error) {
	run, ok := o.active(runID)
	if !ok {
		return evidence.IngestResult{}, fmt.Errorf("%w: %s", ErrRunNotActive, runID)
	}
	phaseCtx, phase := run.monitor.StartPhase(ctx, "ingest")
	out, err := o.deps.Queues.Run(phaseCtx, queue.Request{
		Queue:   mission.QueueQualityEvaluation,
		RunID:   runID,
		Op:      "ingest:capture",
		Payload: agent.QualityJob{Store: run.store, Items: items, Keywords: run.keywords},
	})
	if err != nil {
		phase.End(0, err)
		return evidence.IngestResult{}, err
	}
	res := out.(evidence.IngestResult)
	phase.End(res.Covered(), nil)
	return res, nil
}

// RunResearch plans the thesis, runs section agents and gap cycles until the
// matrix threshold is met, the cycle limit or the deadline is reached, and
// returns the evidence bundle. Only configuration errors abort a run.
func (o *Orchestrator) RunResearch(ctx context.Context, req Request) (*ResearchResult, error) {
	opts := o.Options()
	thesis := req.Thesis.Clone()
	tpl := req.Template
	if tpl == nil {
		var err error
		if tpl, err = o.deps.Library.Lookup(thesis.Type); err != nil {
			return nil, err
		}
	}
	if err := tpl.Validate(); err != nil {
		return nil, err
	}
	if len(thesis.Pillars) == 0 {
		thesis.Pillars = tpl.ThesisFor(thesis.Company, thesis.Statement).Pillars
	}
	if err := thesis.Validate(); err != nil {
		return nil, err
	}
	ceiling := req.Ceiling
	if ceiling.Calls <= 0 && ceiling.Tokens <= 0 {
		ceiling = opts.Ceiling
	}
	deadline := req.Deadline
	if deadline <= 0 {
		deadline = opts.Deadline
	}

	runID := uuid.NewString()
	started := o.now()
	logger := o.logger.With(zap.String("run_id", runID), zap.String("company", thesis.Company))
	mon := monitor.New(runID, o.logger, monitor.WithHub(o.deps.Hub), monitor.WithBreakers(o.breakerSource()))
	storeOpts := []evidence.StoreOption{}
	if o.deps.Deduper != nil {
		storeOpts = append(storeOpts, evidence.WithDeduper(o.deps.Deduper))
	}
	if o.deps.Archive != nil {
		storeOpts = append(storeOpts, evidence.WithSink(o.deps.Archive))
	}
	store := evidence.NewStore(runID, o.logger, storeOpts...)

	o.mu.Lock()
	keywords := make(map[string][]string, len(tpl.Signals))
	for _, sig := range tpl.Signals {
		keywords[sig.ID] = sig.Keywords
	}
	o.runs[runID] = &activeRun{store: store, monitor: mon, keywords: keywords}
	o.mu.Unlock()
	defer func() {
		o.mu.Lock()
		delete(o.runs, runID)
		o.mu.Unlock()
		if opts.EventRetention > 0 {
			time.AfterFunc(opts.EventRetention, func() { o.deps.Hub.Forget(runID) })
		}
	}()

	ctx, span := tracing.StartSpan(ctx, "research.run")
	defer span.End()
	span.SetAttributes(
		attribute.String("run.id", runID),
		attribute.String("thesis.type", string(thesis.Type)),
		attribute.String("company", thesis.Company),
	)
	metrics.RunsStarted.WithLabelValues(string(thesis.Type)).Inc()
	o.archiveRun(ctx, archive.RunRecord{
		RunID:      runID,
		Company:    thesis.Company,
		ThesisType: string(thesis.Type),
		Status:     StatusRunning,
		StartedAt:  started,
	})
	logger.Info("Research run started",
		zap.String("thesis_type", string(thesis.Type)),
		zap.Int("call_ceiling", ceiling.Calls),
		zap.Duration("deadline", deadline),
	)

	runCtx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()
	stopHealth := o.watchHealth(runCtx, mon, opts.HealthInterval)
	defer stopHealth()

	_, planPhase := mon.StartPhase(runCtx, "plan")
	plan, err := o.deps.Planner.Plan(thesis, tpl, ceiling)
	planPhase.End(0, err)
	if err != nil {
		o.fail(ctx, runID, thesis, started, err)
		return nil, err
	}

	r := &run{
		o:       o,
		id:      runID,
		thesis:  thesis,
		tpl:     tpl,
		store:   store,
		monitor: mon,
		opts:    opts,
		ceiling: ceiling,
		spawned: make(map[string]bool),
		logger:  logger,
	}
	if err := r.runAgents(runCtx, plan.ARGs); err != nil {
		o.fail(ctx, runID, thesis, started, err)
		return nil, err
	}

	analysis, cycles, reasons, err := r.gapCycles(runCtx)
	if err != nil {
		o.fail(ctx, runID, thesis, started, err)
		return nil, err
	}

	health := mon.Snapshot()
	mon.PublishHealth(health)
	if health.Status != monitor.StatusHealthy {
		reasons = append(reasons, "pipeline health "+string(health.Status))
	}
	if runCtx.Err() != nil {
		reasons = appendOnce(reasons, "deadline reached")
	}

	res := &ResearchResult{
		RunID:           runID,
		Thesis:          thesis,
		Plan:            plan,
		Evidence:        store.All(),
		GapAnalysis:     analysis,
		SectionResults:  r.results,
		Health:          health,
		Degraded:        len(reasons) > 0,
		DegradedReasons: reasons,
		Cycles:          cycles,
		CallsUsed:       r.calls,
		StartedAt:       started,
		FinishedAt:      o.now(),
	}
	o.finish(ctx, res)
	logger.Info("Research run finished",
		zap.Bool("degraded", res.Degraded),
		zap.Bool("meets_threshold", analysis.MeetsThreshold),
		zap.Float64("weighted_coverage", analysis.WeightedCoverage),
		zap.Int("evidence", len(res.Evidence)),
		zap.Int("sections", len(res.SectionResults)),
		zap.Int("cycles", cycles),
		zap.Duration("duration", res.FinishedAt.Sub(started)),
	)
	return res, nil
}

func (o *Orchestrator) breakerSource() monitor.BreakerSource {
	if o.deps.Breakers == nil {
		return nil
	}
	return o.deps.Breakers
}

// watchHealth publishes a health snapshot every interval until the run ends
func (o *Orchestrator) watchHealth(ctx context.Context, mon *monitor.Monitor, interval time.Duration) func() {
	if interval <= 0 {
		return func() {}
	}
	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				mon.PublishHealth(mon.Snapshot())
			}
		}
	}()
	return func() {
		close(done)
		wg.Wait()
	}
}

func (o *Orchestrator) archiveRun(ctx context.Context, rec archive.RunRecord) {
	if o.deps.Archive == nil {
		return
	}
	if err := o.deps.Archive.ArchiveRun(ctx, rec); err != nil {
		o.logger.Warn("Failed to archive run", zap.String("run_id", rec.RunID), zap.Error(err))
	}
}

func (o *Orchestrator) fail(ctx context.Context, runID string, thesis mission.Thesis, started time.Time, err error) {
	finished := o.now()
	metrics.RunsCompleted.WithLabelValues(string(thesis.Type), StatusFailed).Inc()
	metrics.RunDuration.WithLabelValues(string(thesis.Type)).Observe(finished.Sub(started).Seconds())
	o.archiveRun(ctx, archive.RunRecord{
		RunID:      runID,
		Company:    thesis.Company,
		ThesisType: string(thesis.Type),
		Status:     StatusFailed,
		StartedAt:  started,
		FinishedAt: &finished,
		Summary:    archive.JSONB{"error": err.Error()},
	})
	o.logger.Error("Research run aborted", zap.String("run_id", runID), zap.Error(err))
}

func (o *Orchestrator) finish(ctx context.Context, res *ResearchResult) {
	status := StatusCompleted
	if res.Degraded {
		status = StatusDegraded
	}
	metrics.RunsCompleted.WithLabelValues(string(res.Thesis.Type), status).Inc()
	metrics.RunDuration.WithLabelValues(string(res.Thesis.Type)).Observe(res.FinishedAt.Sub(res.StartedAt).Seconds())

	finished := res.FinishedAt
	o.archiveRun(ctx, archive.RunRecord{
		RunID:            res.RunID,
		Company:          res.Thesis.Company,
		ThesisType:       string(res.Thesis.Type),
		Status:           status,
		Degraded:         res.Degraded,
		WeightedCoverage: res.GapAnalysis.WeightedCoverage,
		EvidenceCount:    len(res.Evidence),
		StartedAt:        res.StartedAt,
		FinishedAt:       &finished,
		Summary: archive.JSONB{
			"meets_threshold":  res.GapAnalysis.MeetsThreshold,
			"cycles":           res.Cycles,
			"sections":         len(res.SectionResults),
			"calls_used":       res.CallsUsed,
			"health":           string(res.Health.Status),
			"degraded_reasons": res.DegradedReasons,
		},
	})
}

// run is the working state of one RunResearch call
type run struct {
	o       *Orchestrator
	id      string
	thesis  mission.Thesis
	tpl     *mission.Template
	store   *evidence.Store
	monitor *monitor.Monitor
	opts    Options
	ceiling planner.Budget
	logger  *zap.Logger

	spawned map[string]bool
	results []*agent.SectionResult
	calls   int
}

// runAgents submits one orchestration job per ARG and waits for all of them.
// Jobs that never started because the deadline passed come back EXHAUSTED.
func (r *run) runAgents(ctx context.Context, args []planner.ARG) error {
	noRetry := retry.Policy{}
	jobs := make([]*queue.Job, len(args))
	for i, arg := range args {
		job, err := r.o.deps.Queues.Submit(ctx, queue.Request{
			Queue:    mission.QueueOrchestration,
			RunID:    r.id,
			Op:       agent.PhaseName(arg.ID),
			Priority: arg.Priority,
			Retry:    &noRetry,
			Payload: agentJob{task: agent.Task{
				RunID:        r.id,
				Thesis:       r.thesis,
				QueryContext: r.tpl.QueryContext,
				ARG:          arg,
				Store:        r.store,
				Reporter:     r.monitor,
			}},
		})
		if err != nil {
			return err
		}
		jobs[i] = job
	}

	out := make([]*agent.SectionResult, len(args))
	wait := context.WithoutCancel(ctx)
	for i, job := range jobs {
		v, err := job.Wait(wait)
		switch {
		case err == nil:
			out[i] = v.(*agent.SectionResult)
		case taxonomy.IsFatal(err):
			return err
		case errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled):
			out[i] = notRun(args[i], agent.ReasonDeadline)
		default:
			r.monitor.Error(agent.PhaseName(args[i].ID), err)
			out[i] = notRun(args[i], "error")
		}
		r.calls += out[i].CallsUsed
	}
	r.results = append(r.results, out...)
	return nil
}

// gapCycles analyzes coverage and chases critical gaps with micro-agents.
// A signal is chased at most once per run.
func (r *run) gapCycles(ctx context.Context) (*gaps.Analysis, int, []string, error) {
	var reasons []string
	matrix := r.tpl.Matrix()
	for cycle := 1; ; cycle++ {
		phaseName := fmt.Sprintf("gaps:c%d", cycle)
		_, phase := r.monitor.StartPhase(ctx, phaseName)
		analysis, err := r.o.deps.Analyzer.Analyze(matrix, r.results, gaps.Options{
			ConfidenceFloor: r.opts.SignalFloor,
			MaxMicroAgents:  r.opts.MaxMicroAgents,
			MicroCallBudget: r.opts.MicroCallBudget,
			Cycle:           cycle,
			Tools:           r.tpl.ToolsFor,
			Now:             r.o.now(),
		})
		phase.End(0, err)
		if err != nil {
			return nil, cycle, reasons, err
		}
		r.archiveGaps(ctx, cycle, analysis.Gaps)

		if analysis.MeetsThreshold || cycle > r.opts.MaxCycles {
			return analysis, cycle, reasons, nil
		}
		if ctx.Err() != nil {
			return analysis, cycle, appendOnce(reasons, "deadline reached"), nil
		}
		if h := r.monitor.Snapshot(); h.Status == monitor.StatusCritical {
			r.logger.Warn("Pipeline critical, skipping further gap cycles",
				zap.Int("errors", h.Errors),
				zap.Float64("fallback_ratio", h.FallbackRatio),
				zap.Strings("open_breakers", h.OpenBreakers),
			)
			return analysis, cycle, reasons, nil
		}

		specs := r.unspawned(analysis.MicroAgents)
		if len(specs) == 0 {
			return analysis, cycle, reasons, nil
		}
		args := make([]planner.ARG, len(specs))
		for i, s := range specs {
			r.spawned[s.Signal.ID] = true
			args[i] = s.ARG()
		}
		r.logger.Info("Spawning micro-agents",
			zap.Int("cycle", cycle),
			zap.Int("count", len(args)),
			zap.Int("suppressed", analysis.Suppressed),
		)
		if err := r.runAgents(ctx, args); err != nil {
			return nil, cycle, reasons, err
		}
	}
}

// unspawned drops specs for signals already chased and trims the rest to the
// remaining call ceiling
func (r *run) unspawned(specs []gaps.MicroAgentSpec) []gaps.MicroAgentSpec {
	remaining := -1
	if r.ceiling.Calls > 0 {
		remaining = r.ceiling.Calls - r.calls
	}
	var out []gaps.MicroAgentSpec
	for _, s := range specs {
		if r.spawned[s.Signal.ID] {
			continue
		}
		if remaining >= 0 {
			if remaining < s.CallBudget {
				break
			}
			remaining -= s.CallBudget
		}
		out = append(out, s)
	}
	return out
}

func (r *run) archiveGaps(ctx context.Context, cycle int, gs []gaps.Gap) {
	if r.o.deps.Archive == nil || len(gs) == 0 {
		return
	}
	if err := r.o.deps.Archive.ArchiveGaps(ctx, r.id, cycle, gs); err != nil {
		r.logger.Warn("Failed to archive gaps", zap.Int("cycle", cycle), zap.Error(err))
	}
}

// notRun is the result of an agent that never reached its first REFLECT
func notRun(arg planner.ARG, reason string) *agent.SectionResult {
	return &agent.SectionResult{
		ARGID:          arg.ID,
		PillarID:       arg.PillarID,
		Category:       arg.Category,
		MicroAgent:     arg.MicroAgent,
		Outcome:        agent.OutcomeExhausted,
		ExitReason:     reason,
		MissingSignals: arg.SignalIDs(),
		Signals:        map[string]agent.SignalStat{},
		LowConfidence:  true,
	}
}

func appendOnce(list []string, s string) []string {
	for _, v := range list {
		if v == s {
			return list
		}
	}
	return append(list, s)
}
