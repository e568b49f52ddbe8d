package providers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/joseph-karim/techscaniq-orchestrator/internal/mission"
	"github.com/joseph-karim/techscaniq-orchestrator/internal/taxonomy"
)

func TestHTTPProviderDecodesResults(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		var req Request
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "Acme revenue", req.Query)
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"results": []map[string]interface{}{
				{"title": "Acme hits $10M ARR", "url": "https://news.example/acme", "snippet": "Acme revenue grew"},
			},
		})
	}))
	defer srv.Close()

	p := NewHTTPProvider("search", srv.URL, "secret", time.Second, zaptest.NewLogger(t))
	hits, err := p.Search(context.Background(), Request{Tool: mission.ToolWebSearch, Query: "Acme revenue"})
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "Acme revenue grew", hits[0].Text())
}

func TestHTTPProviderClassifiesStatus(t *testing.T) {
	cases := []struct {
		status int
		kind   taxonomy.Kind
	}{
		{http.StatusUnauthorized, taxonomy.KindConfiguration},
		{http.StatusForbidden, taxonomy.KindConfiguration},
		{http.StatusTooManyRequests, taxonomy.KindRateLimit},
		{http.StatusBadGateway, taxonomy.KindNetwork},
		{http.StatusBadRequest, taxonomy.KindValidation},
	}
	for _, tc := range cases {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if tc.status == http.StatusTooManyRequests {
				w.Header().Set("Retry-After", "7")
			}
			w.WriteHeader(tc.status)
		}))
		p := NewHTTPProvider("search", srv.URL, "", time.Second, zaptest.NewLogger(t))
		_, err := p.Search(context.Background(), Request{Query: "q"})
		srv.Close()

		require.Error(t, err)
		assert.Equal(t, tc.kind, taxonomy.Classify(err), "status %d", tc.status)
		if tc.status == http.StatusTooManyRequests {
			var te *taxonomy.Error
			require.ErrorAs(t, err, &te)
			assert.Equal(t, 7*time.Second, te.RetryAfter)
		}
	}
}

func TestHTTPProviderInvalidBodyIsValidation(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("not json"))
	}))
	defer srv.Close()

	p := NewHTTPProvider("search", srv.URL, "", time.Second, zaptest.NewLogger(t))
	_, err := p.Search(context.Background(), Request{Query: "q"})
	assert.True(t, taxonomy.Is(err, taxonomy.KindValidation))
}

func TestHTTPProviderUnreachableIsNetwork(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	p := NewHTTPProvider("search", url, "", time.Second, zaptest.NewLogger(t))
	_, err := p.Search(context.Background(), Request{Query: "q"})
	assert.True(t, taxonomy.Is(err, taxonomy.KindNetwork))
}

func TestAsyncProviderPollsUntilComplete(t *testing.T) {
	var polls int32
	mux := http.NewServeMux()
	mux.HandleFunc("/jobs", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]string{"job_id": "job-1"})
	})
	mux.HandleFunc("/jobs/job-1", func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&polls, 1) < 3 {
			_ = json.NewEncoder(w).Encode(map[string]string{"status": JobRunning})
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"status":  JobCompleted,
			"results": []map[string]string{{"title": "report", "content": "deep research"}},
		})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	p := NewAsyncProvider("deep", srv.URL, "", 5*time.Millisecond, time.Second, zaptest.NewLogger(t))
	hits, err := p.Search(context.Background(), Request{Query: "q"})
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "deep research", hits[0].Text())
	assert.Equal(t, int32(3), atomic.LoadInt32(&polls))
}

func TestAsyncProviderTimesOutAsNetwork(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/jobs", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]string{"job_id": "slow"})
	})
	mux.HandleFunc("/jobs/slow", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]string{"status": JobPending})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	p := NewAsyncProvider("deep", srv.URL, "", 5*time.Millisecond, 40*time.Millisecond, zaptest.NewLogger(t))
	_, err := p.Search(context.Background(), Request{Query: "q"})
	require.Error(t, err)
	assert.True(t, taxonomy.Is(err, taxonomy.KindNetwork))
	assert.Contains(t, err.Error(), "timeout")
}

func TestAsyncProviderFailedJob(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/jobs", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]string{"job_id": "bad"})
	})
	mux.HandleFunc("/jobs/bad", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]string{"status": JobFailed, "error": "invalid api key"})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	p := NewAsyncProvider("deep", srv.URL, "", 5*time.Millisecond, time.Second, zaptest.NewLogger(t))
	_, err := p.Search(context.Background(), Request{Query: "q"})
	assert.True(t, taxonomy.IsFatal(err))
}

func TestBuildRegistersByTool(t *testing.T) {
	t.Setenv("TEST_SEARCH_KEY", "k")
	reg, err := Build([]Config{
		{Name: "search", Endpoint: "http://localhost:1", APIKeyEnv: "TEST_SEARCH_KEY", Tools: []string{"web_search", "review_aggregator"}},
		{Name: "deep", Kind: "async", Endpoint: "http://localhost:2", Tools: []string{"github_analyzer"}},
	}, zaptest.NewLogger(t))
	require.NoError(t, err)
	assert.Equal(t, []mission.Tool{mission.ToolGithubAnalyzer, mission.ToolReviewAggregator, mission.ToolWebSearch}, reg.Tools())
	p, ok := reg.For(mission.ToolGithubAnalyzer)
	require.True(t, ok)
	assert.Equal(t, "deep", p.Name())

	_, err = Build([]Config{{Name: "x", Endpoint: "http://x", Tools: []string{"crystal_ball"}}}, zaptest.NewLogger(t))
	assert.True(t, taxonomy.IsFatal(err))
	_, err = Build([]Config{{Name: "x", Endpoint: "http://x", Kind: "grpc"}}, zaptest.NewLogger(t))
	assert.True(t, taxonomy.IsFatal(err))
}

func TestFuncAdapter(t *testing.T) {
	f := Func{ID: "stub", Fn: func(ctx context.Context, req Request) ([]Hit, error) {
		return []Hit{{Snippet: req.Query}}, nil
	}}
	hits, err := f.Search(context.Background(), Request{Query: "hello"})
	require.NoError(t, err)
	assert.Equal(t, "stub", f.Name())
	assert.Equal(t, "hello", hits[0].Snippet)
}
