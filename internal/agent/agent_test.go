package agent

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/joseph-karim/techscaniq-orchestrator/internal/circuitbreaker"
	"github.com/joseph-karim/techscaniq-orchestrator/internal/evidence"
	"github.com/joseph-karim/techscaniq-orchestrator/internal/fallback"
	"github.com/joseph-karim/techscaniq-orchestrator/internal/mission"
	"github.com/joseph-karim/techscaniq-orchestrator/internal/monitor"
	"github.com/joseph-karim/techscaniq-orchestrator/internal/planner"
	"github.com/joseph-karim/techscaniq-orchestrator/internal/providers"
	"github.com/joseph-karim/techscaniq-orchestrator/internal/queue"
	"github.com/joseph-karim/techscaniq-orchestrator/internal/ratecontrol"
	"github.com/joseph-karim/techscaniq-orchestrator/internal/retry"
	"github.com/joseph-karim/techscaniq-orchestrator/internal/router"
	"github.com/joseph-karim/techscaniq-orchestrator/internal/taxonomy"
)

func noSleep(context.Context, time.Duration) error { return nil }

type harness struct {
	runner   *Runner
	queues   *queue.Set
	breakers *circuitbreaker.Registry
	monitor  *monitor.Monitor
	store    *evidence.Store
}

func newHarness(t *testing.T, rt *router.Router, reg *providers.Registry, policy retry.Policy) *harness {
	t.Helper()
	logger := zaptest.NewLogger(t)
	breakers := circuitbreaker.NewRegistry(circuitbreaker.Settings{
		FailureThreshold: 5,
		Window:           time.Minute,
		Cooldown:         time.Minute,
	}, logger)

	cfgs := map[string]queue.Config{mission.QueueQualityEvaluation: {Concurrency: 2}}
	for _, name := range []string{mission.QueueSearch, mission.QueueDocumentAnalysis, mission.QueueDeepTechnicalAnalysis} {
		cfgs[name] = queue.Config{Concurrency: 1, Retry: policy}
	}
	set := queue.NewSet(cfgs, breakers, ratecontrol.NewRegistry(nil), logger, queue.WithSleeper(noSleep))
	for name := range cfgs {
		handler := ProviderHandler(reg)
		if name == mission.QueueQualityEvaluation {
			handler = QualityHandler(nil)
		}
		require.NoError(t, set.Handle(name, handler))
	}
	set.Start()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = set.Close(ctx)
	})

	runner, err := NewRunner(DefaultConfig(), rt, set, reg, fallback.New(logger), logger)
	require.NoError(t, err)
	return &harness{
		runner:   runner,
		queues:   set,
		breakers: breakers,
		monitor:  monitor.New("run-1", logger, monitor.WithBreakers(breakers)),
		store:    evidence.NewStore("run-1", logger),
	}
}

func (h *harness) task(arg planner.ARG) Task {
	return Task{
		RunID:    "run-1",
		Thesis:   mission.Thesis{Company: "Acme", Pillars: []mission.Pillar{{ID: arg.PillarID, Weight: 1}}},
		ARG:      arg,
		Store:    h.store,
		Reporter: h.monitor,
	}
}

func singleCollection(cred float64) *router.Router {
	return router.NewWithRegistry(router.Registry{
		Default:     "general",
		Collections: []router.Collection{{Name: "general", Tool: mission.ToolWebSearch, Credibility: cred, MaxResults: 5}},
	})
}

// echoProvider answers every query with unique, signal-tagged hits
func echoProvider(name string, perQuery int) (*providers.Registry, *int64) {
	var calls int64
	reg := providers.NewRegistry()
	reg.Register(providers.Func{ID: name, Fn: func(ctx context.Context, req providers.Request) ([]providers.Hit, error) {
		n := atomic.AddInt64(&calls, 1)
		hits := make([]providers.Hit, perQuery)
		for i := range hits {
			hits[i] = providers.Hit{
				Title:   req.Query,
				URL:     fmt.Sprintf("https://source%d.example/%d", i, n),
				Content: fmt.Sprintf("%s finding %d of call %d", req.Query, i, n),
			}
		}
		return hits, nil
	}}, mission.Tools()...)
	return reg, &calls
}

func arg(id string, signals ...string) planner.ARG {
	a := planner.ARG{
		ID:         id,
		PillarID:   "market",
		Category:   "market",
		Tools:      mission.ToolBundle{Primary: mission.ToolWebSearch},
		CallBudget: 20,
	}
	for _, s := range signals {
		a.Signals = append(a.Signals, mission.SignalExpectation{
			ID:          s,
			Pillar:      "market",
			Category:    "market",
			Criticality: mission.High,
			Keywords:    []string{"market", "size"},
		})
	}
	return a
}

func TestRunConvergesWithCredibleEvidence(t *testing.T) {
	reg, _ := echoProvider("search-a", 2)
	h := newHarness(t, singleCollection(0.9), reg, retry.Policy{})

	res, err := h.runner.Run(context.Background(), h.task(arg("arg-market", "market_size", "market_trends", "competitive_position")))
	require.NoError(t, err)

	assert.Equal(t, OutcomeConverged, res.Outcome)
	assert.Equal(t, ReasonThreshold, res.ExitReason)
	assert.False(t, res.LowConfidence)
	assert.GreaterOrEqual(t, res.Confidence, DefaultConfig().Tau)
	assert.Equal(t, 1.0, res.Coverage)
	assert.ElementsMatch(t, []string{"market_size", "market_trends", "competitive_position"}, res.FoundSignals)
	assert.Empty(t, res.MissingSignals)
	assert.Equal(t, 1, res.Iterations)
	assert.Equal(t, 3, res.CallsUsed)
	assert.Equal(t, 6, res.EvidenceAdded)
	assert.Equal(t, 6, h.store.Len())
	for _, e := range h.store.All() {
		assert.Equal(t, "arg-market", e.ARGID)
		assert.Equal(t, evidence.MethodSearch, e.Extraction.Method)
		assert.NotNil(t, e.Citation)
	}
}

func TestRunExhaustsWithoutEvidence(t *testing.T) {
	reg := providers.NewRegistry()
	reg.Register(providers.Func{ID: "empty", Fn: func(ctx context.Context, req providers.Request) ([]providers.Hit, error) {
		return nil, nil
	}}, mission.ToolWebSearch)
	h := newHarness(t, singleCollection(0.9), reg, retry.Policy{})

	res, err := h.runner.Run(context.Background(), h.task(arg("arg-empty", "market_size", "market_trends")))
	require.NoError(t, err)

	assert.Equal(t, OutcomeExhausted, res.Outcome)
	assert.Equal(t, ReasonMarginalGain, res.ExitReason)
	assert.True(t, res.LowConfidence)
	assert.Less(t, res.Confidence, DefaultConfig().Tau)
	assert.Zero(t, res.Coverage)
	assert.ElementsMatch(t, []string{"market_size", "market_trends"}, res.MissingSignals)
	assert.False(t, res.FallbackUsed, "empty results are not a dependency failure")
}

func TestAcceptedConfidenceNeverDecreases(t *testing.T) {
	var calls int64
	reg := providers.NewRegistry()
	reg.Register(providers.Func{ID: "trickle", Fn: func(ctx context.Context, req providers.Request) ([]providers.Hit, error) {
		n := atomic.AddInt64(&calls, 1)
		if n%2 == 0 {
			return nil, nil
		}
		return []providers.Hit{{URL: fmt.Sprintf("https://a.example/%d", n), Content: fmt.Sprintf("%s item %d", req.Query, n)}}, nil
	}}, mission.ToolWebSearch)
	h := newHarness(t, singleCollection(0.6), reg, retry.Policy{})
	h.runner.cfg.QueriesPerIteration = 1

	res, err := h.runner.Run(context.Background(), h.task(arg("arg-trickle", "a", "b", "c", "d", "e", "f")))
	require.NoError(t, err)

	require.NotEmpty(t, res.ConfidenceHistory)
	for i := 1; i < len(res.ConfidenceHistory); i++ {
		assert.GreaterOrEqual(t, res.ConfidenceHistory[i], res.ConfidenceHistory[i-1])
	}
	for _, c := range res.ConfidenceHistory {
		assert.True(t, c >= 0 && c <= 1)
	}
	assert.LessOrEqual(t, res.Iterations, DefaultConfig().MaxDepth)
	if res.Outcome == OutcomeExhausted {
		assert.Less(t, res.Confidence, DefaultConfig().Tau)
	}
}

func TestThreePillarTwelveSignalMission(t *testing.T) {
	lib, err := mission.NewLibrary()
	require.NoError(t, err)
	tpl, err := lib.Lookup(mission.ThesisAccelerateGrowth)
	require.NoError(t, err)
	thesis := tpl.ThesisFor("Acme", "")
	require.Len(t, thesis.Pillars, 3)
	require.Len(t, tpl.Signals, 12)

	plan, err := planner.New(zaptest.NewLogger(t)).Plan(thesis, tpl, planner.Budget{})
	require.NoError(t, err)

	rt, err := router.New()
	require.NoError(t, err)
	reg, _ := echoProvider("all-tools", 1)
	h := newHarness(t, rt, reg, retry.Policy{})

	var wg sync.WaitGroup
	results := make([]*SectionResult, len(plan.ARGs))
	for i, a := range plan.ARGs {
		i, a := i, a
		wg.Add(1)
		go func() {
			defer wg.Done()
			task := h.task(a)
			task.Thesis = thesis
			task.QueryContext = tpl.QueryContext
			res, err := h.runner.Run(context.Background(), task)
			assert.NoError(t, err)
			results[i] = res
		}()
	}
	wg.Wait()

	found := map[string]bool{}
	for _, res := range results {
		require.NotNil(t, res)
		assert.Contains(t, []Outcome{OutcomeConverged, OutcomeExhausted}, res.Outcome)
		assert.LessOrEqual(t, res.Iterations, 5)
		for _, s := range res.FoundSignals {
			found[s] = true
		}
	}
	assert.GreaterOrEqual(t, h.store.Len(), len(found))
	assert.Equal(t, len(plan.ARGs), h.monitor.Snapshot().AgentPhases)
}

func TestOpenBreakerFallsBackToHeuristics(t *testing.T) {
	var network int64
	reg := providers.NewRegistry()
	reg.Register(providers.Func{ID: "primary", Fn: func(ctx context.Context, req providers.Request) ([]providers.Hit, error) {
		atomic.AddInt64(&network, 1)
		return nil, taxonomy.New(taxonomy.KindNetwork, "primary.search", "503 service unavailable")
	}}, mission.ToolWebSearch)
	h := newHarness(t, singleCollection(0.8), reg, retry.Policy{MaxRetries: 1})

	prior := evidence.Evidence{
		ARGID:   "arg-other",
		Signals: []string{"company_overview"},
		Content: "Acme reports a large market size in logistics software. The market is growing fast.",
		Source:  evidence.Source{Type: evidence.SourceWeb, Origin: "news.example", Credibility: 0.7},
	}
	require.Len(t, h.store.Ingest(context.Background(), []evidence.Evidence{prior}).Accepted, 1)

	task := h.task(arg("arg-market", "market_size", "market_trends", "competitive_position", "differentiation"))
	res, err := h.runner.Run(context.Background(), task)
	require.NoError(t, err)

	assert.Equal(t, int64(5), atomic.LoadInt64(&network), "the breaker opens on the fifth failure")
	assert.Equal(t, []string{"primary"}, h.breakers.OpenBreakers())
	assert.True(t, res.FallbackUsed)
	assert.Equal(t, OutcomeExhausted, res.Outcome)
	assert.True(t, res.LowConfidence)
	require.Len(t, res.Findings, 4)

	heuristic := 0
	for _, e := range h.store.ForARG("arg-market") {
		assert.True(t, e.IsHeuristic())
		assert.Contains(t, e.Tags, evidence.TagHeuristic)
		assert.LessOrEqual(t, e.Source.Credibility, fallback.MaxCredibility)
		heuristic++
	}
	assert.NotZero(t, heuristic)
	assert.Contains(t, res.FoundSignals, "market_size")

	snap := h.monitor.Snapshot()
	assert.Equal(t, 1, snap.Fallbacks)
	assert.Contains(t, snap.OpenBreakers, "primary")

	// Later queries for the same provider fail fast.
	again, err := h.runner.Run(context.Background(), h.task(arg("arg-again", "market_size")))
	require.NoError(t, err)
	assert.True(t, again.FallbackUsed)
	assert.Equal(t, int64(5), atomic.LoadInt64(&network), "no network attempt while open")
}

func TestSharedHitCoversEverySignal(t *testing.T) {
	reg := providers.NewRegistry()
	reg.Register(providers.Func{ID: "analyst", Fn: func(ctx context.Context, req providers.Request) ([]providers.Hit, error) {
		return []providers.Hit{{
			URL:     "https://analyst.example/logistics-report",
			Content: "Acme market size is $4B and market trends point to 20% yearly growth",
		}}, nil
	}}, mission.ToolWebSearch)
	h := newHarness(t, singleCollection(0.9), reg, retry.Policy{})

	res, err := h.runner.Run(context.Background(), h.task(arg("arg-shared", "market_size", "market_trends")))
	require.NoError(t, err)

	assert.ElementsMatch(t, []string{"market_size", "market_trends"}, res.FoundSignals)
	assert.Empty(t, res.MissingSignals)
	assert.Equal(t, 1.0, res.Coverage)
	require.Equal(t, 1, h.store.Len())
	assert.ElementsMatch(t, []string{"market_size", "market_trends"}, h.store.All()[0].Signals)
}

func TestResearchEvidenceIsQualityScored(t *testing.T) {
	reg, _ := echoProvider("search-a", 2)
	h := newHarness(t, singleCollection(0.9), reg, retry.Policy{})

	_, err := h.runner.Run(context.Background(), h.task(arg("arg-quality", "market_size", "market_trends")))
	require.NoError(t, err)

	stats := h.queues.Stats()[mission.QueueQualityEvaluation]
	assert.NotZero(t, stats.Completed)
	assert.Zero(t, stats.Failed)
	require.NotZero(t, h.store.Len())
	for _, e := range h.store.All() {
		tagged := false
		for _, tag := range e.Tags {
			if strings.HasPrefix(tag, evidence.TagQualityPrefix) {
				tagged = true
			}
		}
		assert.True(t, tagged, "item %s has no quality tag", e.ID)
		assert.Less(t, e.Source.Credibility, 0.9, "short snippets are discounted")
	}
}

func TestOpenBreakerRejectionsKeepCallBudget(t *testing.T) {
	var network int64
	reg := providers.NewRegistry()
	reg.Register(providers.Func{ID: "primary", Fn: func(ctx context.Context, req providers.Request) ([]providers.Hit, error) {
		atomic.AddInt64(&network, 1)
		return nil, nil
	}}, mission.ToolWebSearch)
	h := newHarness(t, singleCollection(0.8), reg, retry.Policy{})

	ctx := context.Background()
	for i := 0; i < 5; i++ {
		_ = h.breakers.Execute(ctx, "primary", func(context.Context) error {
			return taxonomy.New(taxonomy.KindNetwork, "primary.search", "503 service unavailable")
		})
	}
	require.Equal(t, []string{"primary"}, h.breakers.OpenBreakers())

	a := arg("arg-open", "market_size", "market_trends")
	a.CallBudget = 3
	res, err := h.runner.Run(ctx, h.task(a))
	require.NoError(t, err)

	assert.Zero(t, atomic.LoadInt64(&network))
	assert.Zero(t, res.CallsUsed, "rejected calls are not charged")
	assert.True(t, res.FallbackUsed)
}

func TestDeadlineStopsAtReflect(t *testing.T) {
	reg, calls := echoProvider("search-a", 1)
	h := newHarness(t, singleCollection(0.5), reg, retry.Policy{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res, err := h.runner.Run(ctx, h.task(arg("arg-late", "market_size", "market_trends", "differentiation", "market_share", "pricing")))
	require.NoError(t, err)

	assert.Equal(t, ReasonDeadline, res.ExitReason)
	assert.Equal(t, OutcomeExhausted, res.Outcome)
	assert.Equal(t, 1, res.Iterations)
	assert.Equal(t, int64(4), atomic.LoadInt64(calls), "the in-flight batch completes")
	assert.Equal(t, 4, h.store.Len())
}

func TestCallBudgetBoundsQueries(t *testing.T) {
	reg, calls := echoProvider("search-a", 1)
	h := newHarness(t, singleCollection(0.3), reg, retry.Policy{})

	a := arg("arg-small", "a", "b", "c", "d", "e", "f")
	a.CallBudget = 2
	res, err := h.runner.Run(context.Background(), h.task(a))
	require.NoError(t, err)

	assert.Equal(t, int64(2), atomic.LoadInt64(calls))
	assert.Equal(t, 2, res.CallsUsed)
	assert.Equal(t, OutcomeExhausted, res.Outcome)
	assert.Len(t, res.MissingSignals, 4)
}

func TestRunRejectsUnusableTask(t *testing.T) {
	reg, _ := echoProvider("search-a", 1)
	h := newHarness(t, singleCollection(0.8), reg, retry.Policy{})

	_, err := h.runner.Run(context.Background(), Task{ARG: arg("x", "a")})
	assert.True(t, taxonomy.IsFatal(err))

	_, err = h.runner.Run(context.Background(), h.task(planner.ARG{ID: "empty"}))
	assert.True(t, taxonomy.IsFatal(err))
}

func TestSetConfigValidates(t *testing.T) {
	reg, _ := echoProvider("search-a", 1)
	h := newHarness(t, singleCollection(0.8), reg, retry.Policy{})

	bad := DefaultConfig()
	bad.MaxDepth = 0
	assert.Error(t, h.runner.SetConfig(bad))
	assert.Equal(t, 5, h.runner.Config().MaxDepth)

	good := DefaultConfig()
	good.Tau = 0.8
	require.NoError(t, h.runner.SetConfig(good))
	assert.Equal(t, 0.8, h.runner.Config().Tau)
}

func TestKeyedLockSerializesPerKey(t *testing.T) {
	k := newKeyedLock()
	release, err := k.acquire(context.Background(), "arg-1")
	require.NoError(t, err)
	assert.True(t, k.held("arg-1"))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = k.acquire(ctx, "arg-1")
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	other, err := k.acquire(context.Background(), "arg-2")
	require.NoError(t, err)
	other()

	release()
	release()
	assert.False(t, k.held("arg-1"))
	again, err := k.acquire(context.Background(), "arg-1")
	require.NoError(t, err)
	again()

	k.mu.Lock()
	assert.Empty(t, k.slots)
	k.mu.Unlock()
}
