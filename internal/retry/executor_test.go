package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/joseph-karim/techscaniq-orchestrator/internal/taxonomy"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type recordingSleeper struct {
	delays []time.Duration
}

func (r *recordingSleeper) sleep(_ context.Context, d time.Duration) error {
	r.delays = append(r.delays, d)
	return nil
}

func TestExecutorAttemptsAndBackoff(t *testing.T) {
	rec := &recordingSleeper{}
	policy := Policy{MaxRetries: 3, InitialDelay: 2000 * time.Millisecond, MaxDelay: time.Minute, Jitter: 0.1}
	ex := NewExecutor(policy, WithSleeper(rec.sleep), WithSeed(7), WithLogger(zaptest.NewLogger(t)))

	cause := taxonomy.New(taxonomy.KindNetwork, "search", "connection reset")
	calls := 0
	err := ex.Do(context.Background(), "search", "exa", func(context.Context) error {
		calls++
		return cause
	})

	require.Error(t, err)
	assert.Equal(t, 4, calls, "1 attempt + 3 retries")
	require.Len(t, rec.delays, 3)
	for i, want := range []time.Duration{2000 * time.Millisecond, 4000 * time.Millisecond, 8000 * time.Millisecond} {
		assert.InDelta(t, float64(want), float64(rec.delays[i]), float64(want)*0.1+1, "delay %d", i)
	}

	var te *taxonomy.Error
	require.True(t, errors.As(err, &te))
	assert.Equal(t, 4, te.Attempts)
	assert.Equal(t, "exa", te.Dependency)
	assert.ErrorIs(t, err, cause, "original error must be preserved")
}

func TestExecutorStopsOnConfigurationError(t *testing.T) {
	rec := &recordingSleeper{}
	ex := NewExecutor(DefaultPolicy(), WithSleeper(rec.sleep))

	calls := 0
	err := ex.Do(context.Background(), "search", "exa", func(context.Context) error {
		calls++
		return taxonomy.New(taxonomy.KindConfiguration, "search", "missing api key")
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
	assert.Empty(t, rec.delays)
	assert.True(t, taxonomy.IsFatal(err))
}

func TestExecutorUnknownRetriedOnceThenNetwork(t *testing.T) {
	rec := &recordingSleeper{}
	ex := NewExecutor(DefaultPolicy(), WithSleeper(rec.sleep))

	calls := 0
	err := ex.Do(context.Background(), "analyze", "", func(context.Context) error {
		calls++
		return errors.New("weird failure")
	})
	require.Error(t, err)
	assert.Equal(t, 2, calls)
	assert.Equal(t, taxonomy.KindNetwork, taxonomy.Classify(err))
}

func TestExecutorRateLimitBacksOffLonger(t *testing.T) {
	rec := &recordingSleeper{}
	policy := Policy{MaxRetries: 1, InitialDelay: time.Second, MaxDelay: time.Minute}
	ex := NewExecutor(policy, WithSleeper(rec.sleep))

	_ = ex.Do(context.Background(), "search", "exa", func(context.Context) error {
		return taxonomy.New(taxonomy.KindRateLimit, "search", "slow down")
	})
	require.Len(t, rec.delays, 1)
	assert.Equal(t, 2*time.Second, rec.delays[0])
}

func TestRunReturnsValueAfterRecovery(t *testing.T) {
	rec := &recordingSleeper{}
	ex := NewExecutor(Policy{MaxRetries: 2, InitialDelay: time.Millisecond, MaxDelay: time.Second}, WithSleeper(rec.sleep))

	calls := 0
	v, err := Run(context.Background(), ex, "search", "exa", func(context.Context) (string, error) {
		calls++
		if calls < 2 {
			return "", taxonomy.New(taxonomy.KindNetwork, "search", "reset")
		}
		return "ok", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "ok", v)
	assert.Len(t, rec.delays, 1)
}

func TestPolicyScaleAndCap(t *testing.T) {
	p := Policy{MaxRetries: 4, InitialDelay: time.Second, MaxDelay: 5 * time.Second}
	assert.Equal(t, 5*time.Second, p.Delay(10))
	strict := p.Scale(0.5)
	assert.Equal(t, 2, strict.MaxRetries)
	assert.Equal(t, 500*time.Millisecond, strict.InitialDelay)
	lenient := p.Scale(2)
	assert.Equal(t, 8, lenient.MaxRetries)
	assert.Equal(t, 10*time.Second, lenient.MaxDelay)
}
