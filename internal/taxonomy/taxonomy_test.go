package taxonomy

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassify(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want Kind
	}{
		{"typed", New(KindValidation, "parse", "bad json"), KindValidation},
		{"wrapped typed", fmt.Errorf("outer: %w", New(KindRateLimit, "search", "")), KindRateLimit},
		{"deadline", context.DeadlineExceeded, KindNetwork},
		{"rate limit text", errors.New("HTTP 429 Too Many Requests"), KindRateLimit},
		{"auth text", errors.New("unauthorized: invalid api key"), KindConfiguration},
		{"refused", errors.New("dial tcp: connection refused"), KindNetwork},
		{"other", errors.New("something odd"), KindUnknown},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, Classify(tc.err))
		})
	}
	assert.Equal(t, Kind(""), Classify(nil))
}

func TestRetryBudget(t *testing.T) {
	assert.Equal(t, 0, RetryBudget(KindConfiguration, 3))
	assert.Equal(t, 0, RetryBudget(KindValidation, 3))
	assert.Equal(t, 1, RetryBudget(KindUnknown, 3))
	assert.Equal(t, 3, RetryBudget(KindNetwork, 3))
	assert.Equal(t, 3, RetryBudget(KindRateLimit, 3))
}

func TestErrorMessageAndUnwrap(t *testing.T) {
	cause := errors.New("boom")
	err := &Error{Kind: KindNetwork, Op: "search", Dependency: "exa", Attempts: 4, Err: cause}
	assert.Contains(t, err.Error(), "[network] search (dependency=exa) after 4 attempts: boom")
	assert.ErrorIs(t, err, cause)
	assert.True(t, IsFatal(Configuration("plan", "empty thesis")))
	assert.Nil(t, Wrap(nil, KindNetwork, "noop"))
}
