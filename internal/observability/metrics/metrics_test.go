package metrics

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"secposter/internal/audit"
	"secposter/internal/delivery"
	"secposter/internal/detect"
	"secposter/internal/eventbus"
	logx "secposter/pkg/logx"
)

func TestObserve(t *testing.T) {
	m := New(eventbus.New())

	m.Observe(eventbus.Event{Type: delivery.EventRetry, Data: delivery.Event{Source: "wiki", Depth: 3}})
	m.Observe(eventbus.Event{Type: delivery.EventRetry, Data: delivery.Event{Source: "wiki", Depth: 2}})
	m.Observe(eventbus.Event{Type: delivery.EventSent, Data: delivery.Event{Source: "wiki", Depth: 1}})
	m.Observe(eventbus.Event{Type: delivery.EventExhausted, Data: delivery.Event{Source: "wiki"}})
	m.Observe(eventbus.Event{Type: eventbus.TypeCycleDone, Data: detect.Plan{
		Source: "wiki", Mode: detect.ModeIncremental, Candidates: make([]detect.Candidate, 4),
	}})
	m.Observe(eventbus.Event{Type: eventbus.TypeAuditDone, Data: audit.Result{PerSource: map[string]int{"wiki": 7}}})

	assert.Equal(t, 2.0, testutil.ToFloat64(m.retries.WithLabelValues("wiki")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.deliveries.WithLabelValues("wiki", "delivered")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.deliveries.WithLabelValues("wiki", "exhausted")))
	assert.Equal(t, 4.0, testutil.ToFloat64(m.candidates.WithLabelValues("wiki", "incremental")))
	assert.Equal(t, 7.0, testutil.ToFloat64(m.orphans.WithLabelValues("wiki")))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.queueDepth))
}

func TestHandler_ExposesMetrics(t *testing.T) {
	m := New(nil)
	m.Observe(eventbus.Event{Type: delivery.EventSent, Data: delivery.Event{Source: "wiki"}})

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `secposter_deliveries_total{outcome="delivered",source="wiki"} 1`)
}

func TestWithAuth(t *testing.T) {
	h := withAuth("s3cret", http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusNoContent) }))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	req.Header.Set("Authorization", "Bearer s3cret")
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics?token=s3cret", nil))
	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestServer_ServesOnLoopback(t *testing.T) {
	srv := NewServer(ServerConfig{Enabled: true, Addr: "127.0.0.1:0"}, New(nil), logx.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	srv.Start(ctx)

	require.Eventually(t, func() bool { return srv.Addr() != "" }, 2*time.Second, 10*time.Millisecond)
	resp, err := http.Get("http://" + srv.Addr() + "/healthz")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	assert.Equal(t, "ok", string(body))

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer stopCancel()
	srv.Stop(stopCtx)
}

func TestIsLoopbackAddr(t *testing.T) {
	assert.True(t, isLoopbackAddr("127.0.0.1:9464"))
	assert.True(t, isLoopbackAddr("localhost:1"))
	assert.False(t, isLoopbackAddr(":9464"))
	assert.False(t, isLoopbackAddr("0.0.0.0:9464"))
}
