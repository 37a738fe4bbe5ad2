package metrics

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCollector_Counters(t *testing.T) {
	c := New(nil)

	c.IncGenerated(100)
	c.IncGenerated(50)
	c.IncFailed()
	c.IncSkipped()
	c.IncRetry("put")
	c.ObserveTransfer("socket", "ok")
	c.ObserveTransfer("socket", "failed")
	c.SetQueueDepth("durable", 7)
	c.ObserveCache(true)
	c.ObserveCache(false)
	c.ObserveCache(false)

	assert.Equal(t, 2.0, testutil.ToFloat64(c.proofsTotal.WithLabelValues("generated")))
	assert.Equal(t, 150.0, testutil.ToFloat64(c.proofBytes))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.retriesTotal.WithLabelValues("put")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.transfersTotal.WithLabelValues("socket", "failed")))
	assert.Equal(t, 7.0, testutil.ToFloat64(c.queueDepth.WithLabelValues("durable")))
	assert.Equal(t, 2.0, testutil.ToFloat64(c.cacheTotal.WithLabelValues("miss")))

	status := c.GetProgressTracker().GetStatus()
	assert.Equal(t, int64(4), status.ProcessedJobs)
	assert.Equal(t, int64(150), status.ProofBytes)
}

func TestCollector_SeparateRegistries(t *testing.T) {
	// two collectors must not collide on registration
	a := New(nil)
	b := New(nil)
	assert.NotSame(t, a.Registry(), b.Registry())
}

func TestHandler_Endpoints(t *testing.T) {
	c := New(nil)
	c.IncGenerated(10)

	h := c.Handler(func(context.Context) (any, error) {
		return map[string]int{"queued": 3}, nil
	})

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "proofpipe_proofs_total"))

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/stats", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Queue    map[string]int `json:"queue"`
		Progress struct {
			GeneratedJobs int64 `json:"generated_jobs"`
		} `json:"progress"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, 3, body.Queue["queued"])
	assert.Equal(t, int64(1), body.Progress.GeneratedJobs)
}

func TestHandler_StatsError(t *testing.T) {
	c := New(nil)
	h := c.Handler(func(context.Context) (any, error) { return nil, errors.New("db locked") })

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/stats", nil))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}
