package agent

import (
	"context"
	"errors"
	"net/url"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/joseph-karim/techscaniq-orchestrator/internal/circuitbreaker"
	"github.com/joseph-karim/techscaniq-orchestrator/internal/evidence"
	"github.com/joseph-karim/techscaniq-orchestrator/internal/fallback"
	"github.com/joseph-karim/techscaniq-orchestrator/internal/metrics"
	"github.com/joseph-karim/techscaniq-orchestrator/internal/mission"
	"github.com/joseph-karim/techscaniq-orchestrator/internal/monitor"
	"github.com/joseph-karim/techscaniq-orchestrator/internal/planner"
	"github.com/joseph-karim/techscaniq-orchestrator/internal/providers"
	"github.com/joseph-karim/techscaniq-orchestrator/internal/queue"
	"github.com/joseph-karim/techscaniq-orchestrator/internal/router"
	"github.com/joseph-karim/techscaniq-orchestrator/internal/taxonomy"
	"github.com/joseph-karim/techscaniq-orchestrator/internal/tracing"
)

// Outcome is the terminal state of a section agent
type Outcome string

const (
	OutcomeConverged Outcome = "CONVERGED"
	OutcomeExhausted Outcome = "EXHAUSTED"
)

// State is the loop position of a section agent
type State string

const (
	StateSearching  State = "SEARCHING"
	StateReflecting State = "REFLECTING"
	StateConverged  State = "CONVERGED"
	StateExhausted  State = "EXHAUSTED"
)

// Exit reasons, in the order they are checked
const (
	ReasonThreshold    = "confidence_threshold"
	ReasonMaxDepth     = "max_depth"
	ReasonMarginalGain = "marginal_gain"
	ReasonBudget       = "call_budget"
	ReasonDeadline     = "deadline"
	ReasonFallback     = "fallback"
)

var errBudgetSpent = errors.New("call budget spent")

// Task is one ARG to research within a run
type Task struct {
	RunID        string
	Thesis       mission.Thesis
	QueryContext string
	ARG          planner.ARG
	Store        *evidence.Store
	Reporter     monitor.Reporter
}

// SectionResult is the best-effort outcome of one section agent
type SectionResult struct {
	ARGID             string                `json:"arg_id"`
	PillarID          string                `json:"pillar_id"`
	Category          string                `json:"category"`
	MicroAgent        bool                  `json:"micro_agent,omitempty"`
	Outcome           Outcome               `json:"outcome"`
	ExitReason        string                `json:"exit_reason"`
	Confidence        float64               `json:"confidence"`
	Coverage          float64               `json:"coverage"`
	Iterations        int                   `json:"iterations"`
	FoundSignals      []string              `json:"found_signals"`
	MissingSignals    []string              `json:"missing_signals"`
	Contradictions    []string              `json:"contradictions,omitempty"`
	Signals           map[string]SignalStat `json:"signals"`
	LowConfidence     bool                  `json:"low_confidence"`
	FallbackUsed      bool                  `json:"fallback_used"`
	Findings          []fallback.Finding    `json:"findings,omitempty"`
	ConfidenceHistory []float64             `json:"confidence_history"`
	CallsUsed         int                   `json:"calls_used"`
	EvidenceAdded     int                   `json:"evidence_added"`
	Duration          time.Duration         `json:"duration"`
}

// Found reports whether the agent found evidence for signal
func (r *SectionResult) Found(signal string) bool {
	for _, s := range r.FoundSignals {
		if s == signal {
			return true
		}
	}
	return false
}

// Runner executes section agents. At most one agent runs per ARG at a time.
type Runner struct {
	router    *router.Router
	queues    *queue.Set
	providers *providers.Registry
	fallback  *fallback.Engine
	quality   *evidence.QualityScorer
	logger    *zap.Logger
	locks     *keyedLock
	now       func() time.Time

	mu  sync.RWMutex
	cfg Config
}

// NewRunner wires a runner to its collaborators
func NewRunner(cfg Config, rt *router.Router, queues *queue.Set, reg *providers.Registry, fb *fallback.Engine, logger *zap.Logger) (*Runner, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if rt == nil || queues == nil || reg == nil {
		return nil, taxonomy.Configuration("agent.runner", "router, queues and providers are required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if fb == nil {
		fb = fallback.New(logger)
	}
	return &Runner{
		router:    rt,
		queues:    queues,
		providers: reg,
		fallback:  fb,
		logger:    logger,
		quality:   evidence.NewQualityScorer(),
		locks:     newKeyedLock(),
		now:       time.Now,
		cfg:       cfg,
	}, nil
}

// Config returns the active loop configuration
func (r *Runner) Config() Config {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.cfg
}

// SetConfig swaps the loop configuration. Agents already running keep the
// configuration they started with.
func (r *Runner) SetConfig(cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	r.mu.Lock()
	r.cfg = cfg
	r.mu.Unlock()
	r.logger.Info("Section agent configuration updated",
		zap.Float64("tau", cfg.Tau),
		zap.Float64("epsilon", cfg.Epsilon),
		zap.Int("max_depth", cfg.MaxDepth),
	)
	return nil
}

// PhaseName is the monitor phase of the agent for argID
func PhaseName(argID string) string { return "agent:" + argID }

// sectionState is the per-ARG working state. It is a cache: every REFLECT
// recomputes it from the evidence store.
type sectionState struct {
	state      State
	iteration  int
	coverage   float64
	confidence float64
	marginGain float64
	best       float64
	assessed   bool
	signals    map[string]SignalStat
	attempts   map[string]int
	budget     int64
	calls      int64
	added      int64
	history    []float64
}

func newState(arg planner.ARG) *sectionState {
	return &sectionState{
		state:      StateSearching,
		marginGain: 1.0,
		signals:    make(map[string]SignalStat),
		attempts:   make(map[string]int),
		budget:     int64(arg.CallBudget),
	}
}

func (s *sectionState) remaining() int64 {
	if s.budget <= 0 {
		return 0
	}
	return s.budget - atomic.LoadInt64(&s.calls)
}

// reserve takes one call from the budget
func (s *sectionState) reserve() bool {
	for {
		used := atomic.LoadInt64(&s.calls)
		if used >= s.budget {
			return false
		}
		if atomic.CompareAndSwapInt64(&s.calls, used, used+1) {
			return true
		}
	}
}

func (s *sectionState) refund() {
	atomic.AddInt64(&s.calls, -1)
}

// Run drives the THINK, ACT, REFLECT loop for one ARG until it converges or
// exhausts. Errors are returned only for unusable tasks; dependency failures
// end in a degraded result instead.
func (r *Runner) Run(ctx context.Context, task Task) (*SectionResult, error) {
	if task.Store == nil {
		return nil, taxonomy.Configuration("agent.run", "evidence store is required")
	}
	if len(task.ARG.Signals) == 0 {
		return nil, taxonomy.Configuration("agent.run", "ARG %q has no signals", task.ARG.ID)
	}
	reporter := task.Reporter
	if reporter == nil {
		reporter = monitor.New(task.RunID, r.logger)
	}

	release, err := r.locks.acquire(ctx, task.ARG.ID)
	if err != nil {
		return nil, err
	}
	defer release()

	cfg := r.Config()
	start := r.now()
	phaseName := PhaseName(task.ARG.ID)
	phaseCtx, phase := reporter.StartPhase(ctx, phaseName)
	logger := r.logger.With(
		zap.String("run_id", task.RunID),
		zap.String("arg_id", task.ARG.ID),
	)

	st := newState(task.ARG)
	res := &SectionResult{
		ARGID:      task.ARG.ID,
		PillarID:   task.ARG.PillarID,
		Category:   task.ARG.Category,
		MicroAgent: task.ARG.MicroAgent,
	}
	signalIDs := task.ARG.SignalIDs()

	for {
		queries := r.think(task, st, cfg)
		if len(queries) == 0 {
			res.ExitReason = ReasonBudget
			break
		}
		st.iteration++
		st.state = StateSearching

		iterCtx, span := tracing.StartSpan(phaseCtx, "agent.iteration")
		span.SetAttributes(
			attribute.String("arg_id", task.ARG.ID),
			attribute.Int("iteration", st.iteration),
			attribute.Int("queries", len(queries)),
		)
		batch := r.act(iterCtx, task, st, queries, cfg, reporter)

		if batch.allFailed() {
			fb := r.applyFallback(iterCtx, task, st, batch)
			res.FallbackUsed = true
			res.Findings = fb.Findings
			reporter.Fallback(phaseName, batch.lastError())
		}

		st.state = StateReflecting
		a := Assess(task.ARG.Signals, task.Store.ForSignals(signalIDs...), batch.novelty())
		reason := st.reflect(a, cfg, ctx.Err() != nil, res.FallbackUsed)
		span.SetAttributes(
			attribute.Float64("confidence", a.Confidence),
			attribute.Float64("coverage", a.Coverage),
		)
		span.End()

		logger.Debug("Section agent reflected",
			zap.Int("iteration", st.iteration),
			zap.Float64("coverage", a.Coverage),
			zap.Float64("quality", a.Quality),
			zap.Float64("contradiction_ratio", a.ContradictionRatio),
			zap.Float64("novelty", a.Novelty),
			zap.Float64("confidence", a.Confidence),
			zap.Float64("margin_gain", st.marginGain),
		)
		if reason != "" {
			res.ExitReason = reason
			break
		}
	}

	if !st.assessed {
		a := Assess(task.ARG.Signals, task.Store.ForSignals(signalIDs...), 0)
		st.signals = a.Signals
		st.coverage = a.Coverage
	}
	r.finish(res, st, task.ARG)
	res.Duration = r.now().Sub(start)
	phase.End(res.EvidenceAdded, nil)

	metrics.AgentIterations.WithLabelValues(string(res.Outcome)).Observe(float64(res.Iterations))
	metrics.AgentConfidence.WithLabelValues(string(res.Outcome)).Observe(res.Confidence)
	logger.Info("Section agent finished",
		zap.String("outcome", string(res.Outcome)),
		zap.String("exit_reason", res.ExitReason),
		zap.Float64("confidence", res.Confidence),
		zap.Float64("coverage", res.Coverage),
		zap.Int("iterations", res.Iterations),
		zap.Int("calls", res.CallsUsed),
		zap.Bool("fallback", res.FallbackUsed),
	)
	return res, nil
}

// reflect accepts or rejects the assessment and returns the exit reason, if any
func (s *sectionState) reflect(a Assessment, cfg Config, deadline, fellBack bool) string {
	s.assessed = true
	s.signals = a.Signals
	s.coverage = a.Coverage
	s.marginGain = a.Confidence - s.best
	if a.Confidence >= s.best {
		s.best = a.Confidence
		s.confidence = a.Confidence
		s.history = append(s.history, a.Confidence)
	}

	switch {
	case s.best >= cfg.Tau:
		return ReasonThreshold
	case s.iteration >= cfg.MaxDepth:
		return ReasonMaxDepth
	case s.marginGain < cfg.Epsilon:
		return ReasonMarginalGain
	case s.remaining() <= 0:
		return ReasonBudget
	case deadline:
		return ReasonDeadline
	case fellBack:
		return ReasonFallback
	}
	return ""
}

func (r *Runner) finish(res *SectionResult, st *sectionState, arg planner.ARG) {
	res.Outcome = OutcomeExhausted
	st.state = StateExhausted
	if res.ExitReason == ReasonThreshold {
		res.Outcome = OutcomeConverged
		st.state = StateConverged
	}
	res.LowConfidence = res.Outcome == OutcomeExhausted
	res.Confidence = st.best
	res.Coverage = st.coverage
	res.Iterations = st.iteration
	res.Signals = st.signals
	res.ConfidenceHistory = st.history
	res.CallsUsed = int(atomic.LoadInt64(&st.calls))
	res.EvidenceAdded = int(atomic.LoadInt64(&st.added))
	for _, sig := range arg.Signals {
		stat := st.signals[sig.ID]
		if stat.Items > 0 {
			res.FoundSignals = append(res.FoundSignals, sig.ID)
		} else {
			res.MissingSignals = append(res.MissingSignals, sig.ID)
		}
		if stat.Contradictory {
			res.Contradictions = append(res.Contradictions, sig.ID)
		}
	}
}

type query struct {
	signal mission.SignalExpectation
	text   string
}

// think picks the next batch: never-attempted signals first, then signals with
// no evidence, then the weakest, breaking ties by criticality.
func (r *Runner) think(task Task, st *sectionState, cfg Config) []query {
	n := int64(cfg.QueriesPerIteration)
	if rem := st.remaining(); rem < n {
		n = rem
	}
	if n <= 0 {
		return nil
	}

	open := make([]mission.SignalExpectation, 0, len(task.ARG.Signals))
	for _, sig := range task.ARG.Signals {
		stat := st.signals[sig.ID]
		if stat.Items == 0 || stat.Contradictory || stat.Confidence < cfg.Tau {
			open = append(open, sig)
		}
	}
	if len(open) == 0 {
		open = append(open, task.ARG.Signals...)
	}
	sort.SliceStable(open, func(i, j int) bool {
		ai, aj := st.attempts[open[i].ID], st.attempts[open[j].ID]
		if (ai == 0) != (aj == 0) {
			return ai == 0
		}
		si, sj := st.signals[open[i].ID], st.signals[open[j].ID]
		if (si.Items == 0) != (sj.Items == 0) {
			return si.Items == 0
		}
		if si.Confidence != sj.Confidence {
			return si.Confidence < sj.Confidence
		}
		return open[i].Criticality.Weight() > open[j].Criticality.Weight()
	})

	out := make([]query, 0, n)
	for _, sig := range open {
		if int64(len(out)) >= n {
			break
		}
		out = append(out, query{signal: sig, text: formulate(task.Thesis, sig, st.attempts[sig.ID])})
		st.attempts[sig.ID]++
	}
	return out
}

// formulate renders the query for a signal, varying it on each re-attempt
func formulate(thesis mission.Thesis, sig mission.SignalExpectation, attempt int) string {
	q := sig.QueryFor(thesis.Company)
	if attempt > 0 && len(sig.Keywords) > 0 {
		q += " " + sig.Keywords[(attempt-1)%len(sig.Keywords)]
	}
	switch thesis.Segment() {
	case "enterprise":
		q += " enterprise"
	case "smb":
		q += " small business"
	}
	return q
}

type queryOutcome struct {
	signal     string
	items      int
	accepted   int
	duplicates int
	err        error
}

type actResult struct {
	outcomes []queryOutcome
}

func (b actResult) allFailed() bool {
	failed := 0
	for _, o := range b.outcomes {
		switch {
		case o.err == nil:
			return false
		case errors.Is(o.err, errBudgetSpent):
			// running out of budget is not a provider failure
		default:
			failed++
		}
	}
	return failed > 0
}

// novelty is the share of extracted items that were not duplicates
func (b actResult) novelty() float64 {
	var accepted, total int
	for _, o := range b.outcomes {
		accepted += o.accepted
		total += o.accepted + o.duplicates
	}
	if total == 0 {
		return 0
	}
	return float64(accepted) / float64(total)
}

func (b actResult) lastError() string {
	for i := len(b.outcomes) - 1; i >= 0; i-- {
		if b.outcomes[i].err != nil {
			return b.outcomes[i].err.Error()
		}
	}
	return "all queries failed"
}

// act runs the batch in parallel and waits for all of it. The batch is detached
// from the run deadline so in-flight calls finish and their evidence is kept.
func (r *Runner) act(ctx context.Context, task Task, st *sectionState, queries []query, cfg Config, reporter monitor.Reporter) actResult {
	actCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.ActTimeout)
	defer cancel()

	outcomes := make([]queryOutcome, len(queries))
	var g errgroup.Group
	for i, q := range queries {
		i, q := i, q
		g.Go(func() error {
			outcomes[i] = r.runQuery(actCtx, task, st, q, reporter)
			return nil
		})
	}
	_ = g.Wait()
	return actResult{outcomes: outcomes}
}

type attempt struct {
	tool        mission.Tool
	collection  string
	query       string
	credibility float64
	maxResults  int
	recencyDays int
}

// attempts orders the tools for one query: routed decisions first, then the
// ARG tool bundle against the best decision's query.
func attempts(decisions []router.Decision, bundle mission.ToolBundle) []attempt {
	var out []attempt
	seen := make(map[mission.Tool]bool)
	for _, d := range decisions {
		if seen[d.Tool] {
			continue
		}
		seen[d.Tool] = true
		out = append(out, attempt{
			tool:        d.Tool,
			collection:  d.Collection,
			query:       d.Query,
			credibility: d.Credibility,
			maxResults:  d.MaxResults,
			recencyDays: d.RecencyDays,
		})
	}
	if len(out) == 0 {
		return nil
	}
	best := out[0]
	for _, t := range bundle.All() {
		if seen[t] {
			continue
		}
		seen[t] = true
		a := best
		a.tool = t
		out = append(out, a)
	}
	return out
}

// runQuery routes one query and tries its tools in order until one succeeds
func (r *Runner) runQuery(ctx context.Context, task Task, st *sectionState, q query, reporter monitor.Reporter) queryOutcome {
	out := queryOutcome{signal: q.signal.ID}
	decisions := r.router.Route(q.text, router.Context{
		Company:      task.Thesis.Company,
		Signal:       q.signal.ID,
		Category:     q.signal.Category,
		Keywords:     q.signal.Keywords,
		SourceHints:  q.signal.SourceHints,
		QueryContext: task.QueryContext,
	})
	phaseName := PhaseName(task.ARG.ID)

	var lastErr error
	for _, at := range attempts(decisions, task.ARG.Tools) {
		p, ok := r.providers.For(at.tool)
		if !ok {
			continue
		}
		if !st.reserve() {
			lastErr = errBudgetSpent
			break
		}
		var reached atomic.Bool
		result, err := r.queues.Run(ctx, queue.Request{
			Queue:    at.tool.Queue(),
			RunID:    task.RunID,
			Op:       "search:" + string(at.tool),
			Priority: task.ARG.Priority,
			Payload: ProviderCall{
				Provider: p.Name(),
				Request: providers.Request{
					Tool:        at.tool,
					Collection:  at.collection,
					Query:       at.query,
					Signal:      q.signal.ID,
					MaxResults:  at.maxResults,
					RecencyDays: at.recencyDays,
				},
			},
			Dependency: p.Name(),
			OnRetry: func(job *queue.Job, n int, delay time.Duration, err error) {
				reached.Store(true)
				reporter.Retry(phaseName, job.Dependency, n, delay, err)
			},
		})
		if err != nil {
			lastErr = err
			// a rejection on the first attempt never reached the provider
			if circuitbreaker.IsOpen(err) && !reached.Load() {
				st.refund()
			}
			r.logger.Debug("Research call failed",
				zap.String("arg_id", task.ARG.ID),
				zap.String("tool", string(at.tool)),
				zap.String("provider", p.Name()),
				zap.String("kind", string(taxonomy.Classify(err))),
				zap.Error(err),
			)
			continue
		}

		hits, _ := result.([]providers.Hit)
		items := r.extract(task, q.signal, at, hits)
		ing := r.evaluate(ctx, task, q.signal, items)
		atomic.AddInt64(&st.added, int64(ing.Covered()))
		out.items = len(items)
		out.accepted = ing.Covered()
		out.duplicates = ing.Duplicates
		return out
	}

	if lastErr == nil {
		lastErr = taxonomy.Configuration("agent.act", "no provider registered for the tools of signal %q", q.signal.ID)
	}
	out.err = lastErr
	reporter.Error(phaseName, lastErr)
	return out
}

// evaluate scores items on the quality evaluation queue, which ingests them.
// Items are scored and ingested inline when the queue cannot take the job.
func (r *Runner) evaluate(ctx context.Context, task Task, sig mission.SignalExpectation, items []evidence.Evidence) evidence.IngestResult {
	if len(items) == 0 {
		return evidence.IngestResult{}
	}
	keywords := map[string][]string{sig.ID: sig.Keywords}
	result, err := r.queues.Run(ctx, queue.Request{
		Queue:    mission.QueueQualityEvaluation,
		RunID:    task.RunID,
		Op:       "quality:" + sig.ID,
		Priority: task.ARG.Priority,
		Payload:  QualityJob{Store: task.Store, Items: items, Keywords: keywords},
	})
	if ing, ok := result.(evidence.IngestResult); ok && err == nil {
		return ing
	}
	r.logger.Warn("Quality evaluation unavailable, scoring inline",
		zap.String("arg_id", task.ARG.ID),
		zap.String("signal", sig.ID),
		zap.Error(err),
	)
	return task.Store.Ingest(context.WithoutCancel(ctx), r.quality.Score(items, keywords))
}

// extract turns provider hits into evidence for signal
func (r *Runner) extract(task Task, sig mission.SignalExpectation, at attempt, hits []providers.Hit) []evidence.Evidence {
	now := r.now()
	items := make([]evidence.Evidence, 0, len(hits))
	for _, h := range hits {
		text := strings.TrimSpace(h.Text())
		if text == "" {
			continue
		}
		origin := h.Origin
		if origin == "" {
			origin = hostOf(h.URL)
		}
		if origin == "" {
			origin = at.collection
		}
		cred := at.credibility
		if cred <= 0 {
			cred = 0.5
		}
		if h.Score > 0 {
			cred *= 0.5 + 0.5*clamp01(h.Score)
		}
		e := evidence.Evidence{
			ARGID:    task.ARG.ID,
			PillarID: task.ARG.PillarID,
			Signals:  []string{sig.ID},
			Source: evidence.Source{
				Type:        sourceType(at.tool),
				Origin:      origin,
				Credibility: clamp01(cred),
				PublishedAt: h.PublishedAt,
			},
			Content:    text,
			Claim:      evidence.Claim{Polarity: polarity(h.Polarity), Value: h.Value},
			Extraction: evidence.Extraction{Timestamp: now, Method: method(at.tool)},
		}
		if h.URL != "" {
			e.Citation = &evidence.Citation{URL: h.URL, Title: h.Title}
		}
		items = append(items, e)
	}
	return items
}

func (r *Runner) applyFallback(ctx context.Context, task Task, st *sectionState, batch actResult) fallback.Result {
	fb := r.fallback.Apply(fallback.Request{
		RunID:    task.RunID,
		ARGID:    task.ARG.ID,
		PillarID: task.ARG.PillarID,
		Signals:  task.ARG.Signals,
		Corpus:   task.Store.All(),
	})
	ing := task.Store.Ingest(context.WithoutCancel(ctx), fb.Evidence)
	atomic.AddInt64(&st.added, int64(len(ing.Accepted)))
	r.logger.Warn("All research calls failed, using heuristic fallback",
		zap.String("run_id", task.RunID),
		zap.String("arg_id", task.ARG.ID),
		zap.String("last_error", batch.lastError()),
		zap.Int("heuristic_evidence", len(ing.Accepted)),
	)
	return fb
}

func hostOf(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	return strings.TrimPrefix(strings.ToLower(u.Hostname()), "www.")
}

func polarity(p string) evidence.Polarity {
	switch evidence.Polarity(strings.ToLower(strings.TrimSpace(p))) {
	case evidence.PolarityPositive:
		return evidence.PolarityPositive
	case evidence.PolarityNegative:
		return evidence.PolarityNegative
	}
	return evidence.PolarityNone
}

func sourceType(t mission.Tool) string {
	switch t {
	case mission.ToolFinancialCollector:
		return evidence.SourceFinancial
	case mission.ToolReviewAggregator:
		return evidence.SourceReview
	case mission.ToolGithubAnalyzer, mission.ToolTechStackAnalyzer:
		return evidence.SourceCode
	case mission.ToolSecurityScanner:
		return evidence.SourceSecurity
	case mission.ToolHARCapture, mission.ToolNetworkAnalyzer:
		return evidence.SourceCapture
	case mission.ToolHTMLCollector:
		return evidence.SourceDocument
	}
	return evidence.SourceWeb
}

func method(t mission.Tool) string {
	switch t {
	case mission.ToolHTMLCollector:
		return evidence.MethodDocument
	case mission.ToolHARCapture, mission.ToolNetworkAnalyzer:
		return evidence.MethodCapture
	}
	return evidence.MethodSearch
}
