package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics_Outbox(t *testing.T) {
	t.Parallel()

	m := New()
	m.SetDepth(3)
	m.RetryScheduled(1, 5*time.Second)
	m.RetryScheduled(2, 10*time.Second)
	m.Delivered()

	assert.InDelta(t, 3, testutil.ToFloat64(m.outboxDepth), 0)
	assert.InDelta(t, 2, testutil.ToFloat64(m.outboxRetries), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.outboxDelivered), 0)
}

func TestMetrics_CacheAndOnline(t *testing.T) {
	t.Parallel()

	m := New()
	m.CacheResult("cache-first", "hit")
	m.CacheResult("cache-first", "hit")
	m.CacheResult("network-first", "fallback")
	m.SetOnline(true)

	assert.InDelta(t, 2, testutil.ToFloat64(m.cacheResults.WithLabelValues("cache-first", "hit")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.cacheResults.WithLabelValues("network-first", "fallback")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.online), 0)
}

func TestMetrics_Handler(t *testing.T) {
	t.Parallel()

	m := New()
	m.PushReceived("dispatched")

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", http.NoBody))

	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.True(t, strings.Contains(body, `livreur_push_messages_total{outcome="dispatched"} 1`), body)
}
