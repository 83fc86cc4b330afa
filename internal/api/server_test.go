package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mad-Labs42/ZED42/internal/circuit"
	"github.com/Mad-Labs42/ZED42/internal/ledger"
	"github.com/Mad-Labs42/ZED42/internal/profile"
	"github.com/Mad-Labs42/ZED42/internal/rates"
	"github.com/Mad-Labs42/ZED42/internal/router"
)

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

// okInvoker serves every dispatch with fixed usage.
type okInvoker struct{}

func (okInvoker) Invoke(_ context.Context, backendID, _ string, _ time.Duration) (*router.Response, ledger.Usage, error) {
	return &router.Response{Content: "ok", BackendID: backendID},
		ledger.Usage{InputTokens: 1000, OutputTokens: 500, BackendID: backendID}, nil
}

func newTestServer(t *testing.T, hardLimit string) (*httptest.Server, *ledger.Service) {
	t.Helper()

	table := rates.NewTable([]rates.Entry{
		{BackendID: "model-a", InputCostPer1K: dec("0.03"), OutputCostPer1K: dec("0.06")},
	})
	svc := ledger.NewService(ledger.NewMemoryStore(), table, 5*time.Minute)
	require.NoError(t, svc.SetBudget(context.Background(), ledger.Budget{
		EntityID:  "caller-1",
		HardLimit: dec(hardLimit),
		SoftLimit: dec(hardLimit),
	}))

	resolver := profile.NewResolver([]profile.Profile{{
		CallerID: "caller-1",
		Tiers:    []profile.Tier{{BackendID: "model-a", Priority: 1}},
	}})

	logs := router.NewMemoryLogStore()
	core := router.New(svc, table, circuit.NewRegistry(circuit.DefaultConfig()), resolver, okInvoker{}, logs, router.Config{})

	srv := httptest.NewServer(NewRouter(svc, core, logs))
	t.Cleanup(srv.Close)
	return srv, svc
}

func postFrame(t *testing.T, url, frame string) *http.Response {
	t.Helper()
	resp, err := http.Post(url, "application/json", bytes.NewBufferString(frame))
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestLeaseSettleOverHTTP(t *testing.T) {
	srv, svc := newTestServer(t, "100.00")

	resp := postFrame(t, srv.URL+"/api/lease",
		`{"kind":"lease_request","payload":{"entity_id":"caller-1","estimated_cost":"10.00"}}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var grant ledger.LeaseGrant
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&grant))
	assert.NotEmpty(t, grant.LeaseID)

	settle := `{"kind":"settlement_report","payload":{"lease_id":"` + grant.LeaseID +
		`","backend_id":"model-a","input_tokens":1000,"output_tokens":1000}}`
	resp = postFrame(t, srv.URL+"/api/settle", settle)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var receipt ledger.Receipt
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&receipt))
	assert.True(t, receipt.Cost.Equal(dec("0.09")))

	// Settling the same lease again conflicts.
	resp = postFrame(t, srv.URL+"/api/settle", settle)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	snap, err := svc.Snapshot(context.Background(), "caller-1")
	require.NoError(t, err)
	assert.True(t, snap.Spent.Equal(dec("0.09")))
}

func TestLeaseHardCapReturns402(t *testing.T) {
	srv, _ := newTestServer(t, "5.00")

	resp := postFrame(t, srv.URL+"/api/lease",
		`{"kind":"lease_request","payload":{"entity_id":"caller-1","estimated_cost":"10.00"}}`)
	assert.Equal(t, http.StatusPaymentRequired, resp.StatusCode)
}

func TestBoundaryRejectsUnknownKind(t *testing.T) {
	srv, _ := newTestServer(t, "100.00")

	resp := postFrame(t, srv.URL+"/api/lease", `{"kind":"heartbeat","payload":{}}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = postFrame(t, srv.URL+"/api/lease",
		`{"kind":"lease_request","payload":{"estimated_cost":"1.00"}}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestRouteOverHTTP(t *testing.T) {
	srv, svc := newTestServer(t, "100.00")

	resp := postFrame(t, srv.URL+"/api/route",
		`{"caller_id":"caller-1","payload":"summarize","input_tokens":1000,"max_output_tokens":1000}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out router.Response
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	assert.Equal(t, "model-a", out.BackendID)

	snap, err := svc.Snapshot(context.Background(), "caller-1")
	require.NoError(t, err)
	assert.True(t, snap.Spent.Equal(dec("0.06")), "settled at measured usage")
}

func TestRouteBudgetExceededOverHTTP(t *testing.T) {
	srv, _ := newTestServer(t, "0.01")

	resp := postFrame(t, srv.URL+"/api/route",
		`{"caller_id":"caller-1","payload":"summarize","input_tokens":1000,"max_output_tokens":1000}`)
	assert.Equal(t, http.StatusPaymentRequired, resp.StatusCode)
}

func TestBudgetEndpoints(t *testing.T) {
	srv, _ := newTestServer(t, "100.00")

	resp, err := http.Get(srv.URL + "/api/budgets/caller-1")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var snap ledger.Snapshot
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&snap))
	assert.Equal(t, "caller-1", snap.EntityID)

	resp2, err := http.Get(srv.URL + "/api/budgets/ghost")
	require.NoError(t, err)
	resp2.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp2.StatusCode)

	resp3 := postFrame(t, srv.URL+"/api/budgets/caller-1/freeze", "")
	assert.Equal(t, http.StatusOK, resp3.StatusCode)

	// A frozen budget refuses leases.
	resp4 := postFrame(t, srv.URL+"/api/lease",
		`{"kind":"lease_request","payload":{"entity_id":"caller-1","estimated_cost":"1.00"}}`)
	assert.Equal(t, http.StatusPaymentRequired, resp4.StatusCode)

	resp5 := postFrame(t, srv.URL+"/api/budgets/caller-1/unfreeze", "")
	assert.Equal(t, http.StatusOK, resp5.StatusCode)
}

func TestLogTailEndpoint(t *testing.T) {
	srv, _ := newTestServer(t, "100.00")

	postFrame(t, srv.URL+"/api/route", `{"caller_id":"caller-1","payload":"hi","input_tokens":10}`)

	resp, err := http.Get(srv.URL + "/api/log?limit=5")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var entries []router.LogEntry
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&entries))
	require.NotEmpty(t, entries)
	assert.Equal(t, router.OutcomeSuccess, entries[0].Outcome)
}
