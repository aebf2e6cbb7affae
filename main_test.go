package main

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/EfeObus/TekVwarho-ProAudit-sub002/internal/app"
	"github.com/EfeObus/TekVwarho-ProAudit-sub002/internal/domain/ledger"
	"github.com/EfeObus/TekVwarho-ProAudit-sub002/internal/infrastructure/config"
)

func newTestEngine(t *testing.T, cfg *config.Config) *app.App {
	t.Helper()
	engine, err := app.New(context.Background(), cfg, zaptest.NewLogger(t), nil)
	require.NoError(t, err)
	t.Cleanup(engine.Close)
	return engine
}

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func TestOpsEndpoints(t *testing.T) {
	engine := newTestEngine(t, config.Defaults())
	mux := newOpsMux(engine, newOpsMetrics(engine))

	assert.Equal(t, http.StatusOK, get(t, mux, "/healthz").Code)

	ready := get(t, mux, "/readyz")
	assert.Equal(t, http.StatusOK, ready.Code)
	assert.JSONEq(t, `{"status":"ready"}`, ready.Body.String())
}

func TestMetricsReflectSweep(t *testing.T) {
	engine := newTestEngine(t, config.Defaults())
	mux := newOpsMux(engine, newOpsMetrics(engine))

	ctx := context.Background()
	_, err := engine.Services.Ledger.Append(ctx, uuid.New(), ledger.Draft{
		EntryType:    ledger.EntryTypeFinancialRecord,
		ResourceType: "invoice",
		ResourceID:   "INV-1",
		Action:       ledger.ActionCreate,
		DataSnapshot: map[string]interface{}{"amount": "10.00"},
		ActorID:      "user-1",
	})
	require.NoError(t, err)
	_, err = engine.Sweeper.SweepOnce(ctx)
	require.NoError(t, err)

	get(t, mux, "/healthz")
	body := get(t, mux, "/metrics").Body.String()
	assert.Contains(t, body, "proaudit_chain_sweep_entries_verified 1")
	assert.Contains(t, body, "proaudit_chain_sweep_invalid_chains 0")
	assert.Contains(t, body, `proaudit_ops_http_requests_total{handler="healthz",method="GET",status="2xx"} 1`)
}

func TestReadinessReportsRedisOutage(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := config.Defaults()
	cfg.Redis.URL = mr.Addr()
	engine := newTestEngine(t, cfg)
	mux := newOpsMux(engine, newOpsMetrics(engine))

	rec := get(t, mux, "/readyz")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"redis":"ok"`)
	assert.Contains(t, get(t, mux, "/metrics").Body.String(), "proaudit_streams_dead_letter_depth 0")

	mr.Close()
	rec = get(t, mux, "/readyz")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"unavailable"`)
}

func TestStatusCodeClass(t *testing.T) {
	assert.Equal(t, "2xx", statusCodeClass(204))
	assert.Equal(t, "4xx", statusCodeClass(404))
	assert.Equal(t, "5xx", statusCodeClass(503))
	assert.Equal(t, "unknown", statusCodeClass(99))
}
