package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCollectorInstruments(t *testing.T) {
	c := NewCollector()

	c.RequestStarted()
	c.RequestStarted()
	c.RequestFinished()
	c.ObserveRequest("POST", "/api/v1/chat/completions", 200, 150*time.Millisecond)
	c.ObserveRequest("POST", "/api/v1/chat/completions", 200, 50*time.Millisecond)
	c.ObserveRequest("GET", "/health", 200, time.Millisecond)
	c.SetModelMemory("qwen3-14b", 10)

	assert.Equal(t, float64(1), testutil.ToFloat64(c.activeRequests))
	assert.Equal(t, float64(2), testutil.ToFloat64(
		c.requestsTotal.WithLabelValues("POST", "/api/v1/chat/completions", "200")))
	assert.Equal(t, float64(10), testutil.ToFloat64(
		c.modelMemoryGB.WithLabelValues("qwen3-14b")))

	c.SetModelMemory("qwen3-14b", 0)
	assert.Equal(t, float64(0), testutil.ToFloat64(
		c.modelMemoryGB.WithLabelValues("qwen3-14b")))
}

func TestCollectorsDoNotCollide(t *testing.T) {
	a := NewCollector()
	b := NewCollector()
	a.ObserveRequest("GET", "/health", 200, time.Millisecond)

	families, err := b.Registry().Gather()
	require.NoError(t, err)
	for _, f := range families {
		assert.NotEqual(t, "llm_requests_total", f.GetName(),
			"fresh collector must not see the other registry's series")
	}
}
