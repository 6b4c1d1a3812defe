package metrics

import (
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

var collectorNamespaceSeq uint64

func nextTestNamespace() string {
	seq := atomic.AddUint64(&collectorNamespaceSeq, 1)
	return fmt.Sprintf("test_%d", seq)
}

func TestNewCollector(t *testing.T) {
	logger := zap.NewNop()
	collector := NewCollector(nextTestNamespace(), logger)

	assert.NotNil(t, collector)
	assert.NotNil(t, collector.httpRequestsTotal)
	assert.NotNil(t, collector.httpRequestDuration)
	assert.NotNil(t, collector.providerRequestsTotal)
	assert.NotNil(t, collector.providerRequestDuration)
	assert.NotNil(t, collector.providerTokensUsed)
	assert.NotNil(t, collector.accountPoolSize)
	assert.NotNil(t, collector.accountHealthy)
	assert.NotNil(t, collector.refreshTriggeredTotal)
}

func TestCollector_RecordHTTPRequest(t *testing.T) {
	logger := zap.NewNop()
	collector := NewCollector(nextTestNamespace(), logger)

	collector.RecordHTTPRequest("GET", "/v1/chat/completions", 200, 100*time.Millisecond, 1024, 2048)

	count := testutil.CollectAndCount(collector.httpRequestsTotal)
	assert.Greater(t, count, 0)

	collector.RecordHTTPRequest("GET", "/v1/chat/completions", 200, 50*time.Millisecond, 512, 1024)

	newCount := testutil.CollectAndCount(collector.httpRequestsTotal)
	assert.GreaterOrEqual(t, newCount, count)
}

func TestCollector_RecordProviderRequest(t *testing.T) {
	logger := zap.NewNop()
	collector := NewCollector(nextTestNamespace(), logger)

	collector.RecordProviderRequest("openai-custom", "gpt-4", "success", 500*time.Millisecond, 100, 50)

	count := testutil.CollectAndCount(collector.providerRequestsTotal)
	assert.Greater(t, count, 0)

	tokensCount := testutil.CollectAndCount(collector.providerTokensUsed)
	assert.Greater(t, tokensCount, 0)
}

func TestCollector_RecordAccountPool(t *testing.T) {
	logger := zap.NewNop()
	collector := NewCollector(nextTestNamespace(), logger)

	collector.RecordAccountPool("openai-custom", 2, 3)

	assert.Equal(t, float64(3), testutil.ToFloat64(collector.accountPoolSize.WithLabelValues("openai-custom")))
	assert.Equal(t, float64(2), testutil.ToFloat64(collector.accountHealthy.WithLabelValues("openai-custom")))
}

func TestCollector_RecordAccountError(t *testing.T) {
	logger := zap.NewNop()
	collector := NewCollector(nextTestNamespace(), logger)

	collector.RecordAccountError("openai-custom")
	collector.RecordAccountError("openai-custom")

	assert.Equal(t, float64(2), testutil.ToFloat64(collector.accountErrorsTotal.WithLabelValues("openai-custom")))
}

func TestCollector_RecordRefreshTriggered(t *testing.T) {
	logger := zap.NewNop()
	collector := NewCollector(nextTestNamespace(), logger)

	collector.RecordRefreshTriggered("gemini-cli-oauth", "near_expiry")

	count := testutil.CollectAndCount(collector.refreshTriggeredTotal)
	assert.Greater(t, count, 0)
}

func TestCollector_ConcurrentRecording(t *testing.T) {
	logger := zap.NewNop()
	collector := NewCollector(nextTestNamespace(), logger)

	done := make(chan bool)
	for i := 0; i < 10; i++ {
		go func() {
			collector.RecordHTTPRequest("GET", "/v1/chat/completions", 200, 100*time.Millisecond, 1024, 2048)
			collector.RecordProviderRequest("openai-custom", "gpt-4", "success", 500*time.Millisecond, 100, 50)
			collector.RecordAccountPool("openai-custom", 2, 3)
			done <- true
		}()
	}

	for i := 0; i < 10; i++ {
		<-done
	}

	httpCount := testutil.CollectAndCount(collector.httpRequestsTotal)
	assert.Greater(t, httpCount, 0)

	providerCount := testutil.CollectAndCount(collector.providerRequestsTotal)
	assert.Greater(t, providerCount, 0)
}

func TestCollector_MetricsRegistration(t *testing.T) {
	logger := zap.NewNop()

	registry := prometheus.NewRegistry()
	collector := NewCollector(nextTestNamespace(), logger)

	registry.MustRegister(collector.httpRequestsTotal)
	registry.MustRegister(collector.httpRequestDuration)

	collector.RecordHTTPRequest("GET", "/health", 200, 100*time.Millisecond, 0, 0)

	count := testutil.CollectAndCount(collector.httpRequestsTotal)
	assert.Greater(t, count, 0)
}
