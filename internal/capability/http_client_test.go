package capability

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spec-kit/support-pipeline/internal/config"
	"github.com/spec-kit/support-pipeline/internal/domain"
	"github.com/spec-kit/support-pipeline/pkg/util"
)

func newTestClient(baseURL string) *HTTPClient {
	return NewHTTPClient(config.CapabilityConfig{
		BaseURL:        baseURL,
		TimeoutSeconds: 2,
		MaxRetries:     2,
		RatePerSecond:  1000,
	}, nil)
}

func TestClassifyParsesResult(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/classify", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"criticality":"low","category_id":"cat-1","confidence":0.91}`))
	}))
	defer server.Close()

	result, err := newTestClient(server.URL).Classify(context.Background(), "title", "desc")
	require.NoError(t, err)
	assert.Equal(t, domain.CriticalityLow, result.Criticality)
	require.NotNil(t, result.CategoryID)
	assert.Equal(t, "cat-1", *result.CategoryID)
	assert.InDelta(t, 0.91, result.Confidence, 1e-9)
}

func TestClassifyRejectsInvalidCriticality(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"criticality":"urgent","confidence":0.5}`))
	}))
	defer server.Close()

	_, err := newTestClient(server.URL).Classify(context.Background(), "title", "desc")
	require.Error(t, err)
	assert.False(t, util.IsRetryable(err))
}

func TestClassifyRejectsConfidenceOutOfRange(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"criticality":"low","confidence":1.7}`))
	}))
	defer server.Close()

	_, err := newTestClient(server.URL).Classify(context.Background(), "title", "desc")
	require.Error(t, err)
	assert.False(t, util.IsRetryable(err))
}

func TestCallRetriesTransientFailures(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte(`{"criticality":"medium","confidence":0.7}`))
	}))
	defer server.Close()

	result, err := newTestClient(server.URL).Classify(context.Background(), "title", "desc")
	require.NoError(t, err)
	assert.Equal(t, domain.CriticalityMedium, result.Criticality)
	assert.Equal(t, int32(3), calls.Load())
}

func TestCallGivesUpAfterMaxRetries(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	_, err := newTestClient(server.URL).Classify(context.Background(), "title", "desc")
	require.Error(t, err)
	assert.True(t, util.IsRetryable(err))
	// initial call plus two retries
	assert.Equal(t, int32(3), calls.Load())
}

func TestClientErrorIsNotRetried(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer server.Close()

	_, err := newTestClient(server.URL).Classify(context.Background(), "title", "desc")
	require.Error(t, err)
	assert.False(t, util.IsRetryable(err))
	assert.Equal(t, int32(1), calls.Load())
}

func TestGenerateRejectsEmptyOutput(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"text":"  "}`))
	}))
	defer server.Close()

	_, err := newTestClient(server.URL).Generate(context.Background(), GenerationInput{TicketTitle: "t"})
	require.Error(t, err)
	assert.False(t, util.IsRetryable(err))
}

func TestRetrieveMapsSnippets(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/retrieve", r.URL.Path)
		_, _ = w.Write([]byte(`{"snippets":[{"document_id":"kb-1","content":"steps","score":0.8}]}`))
	}))
	defer server.Close()

	snippets, err := newTestClient(server.URL).Retrieve(context.Background(), "query", "org-1", 3)
	require.NoError(t, err)
	require.Len(t, snippets, 1)
	assert.Equal(t, "kb-1", snippets[0].DocumentID)
}

func TestUnconfiguredEndpointFailsFast(t *testing.T) {
	_, err := newTestClient("").Classify(context.Background(), "title", "desc")
	require.Error(t, err)
	assert.False(t, util.IsRetryable(err))
}
