package vitalsguard

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testAdminToken = "admin-secret"

type ingestResponse struct {
	Success bool   `json:"success"`
	ID      string `json:"id"`
	Error   string `json:"error"`
	Reason  string `json:"reason"`
}

type anomaliesResponse struct {
	Anomalies []AnomalyRecord `json:"anomalies"`
	Summary   AnomalySummary  `json:"summary"`
	Error     string          `json:"error"`
}

func newTestApp(t *testing.T, h *gatewayHarness, opts HandlerOptions) *fiber.App {
	t.Helper()
	opts.Gateway = h.gw
	if opts.Now == nil {
		opts.Now = h.clock.Now
	}
	if opts.Ledger == nil {
		opts.Ledger = h.ledger
	}
	return newApp(DefaultConfig().Server, NewHandler(opts), NewPrometheusCollector())
}

func doJSON(t *testing.T, app *fiber.App, req *http.Request, out any) *http.Response {
	t.Helper()
	resp, err := app.Test(req, fiber.TestConfig{})
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp
}

func ingestRequest(body []byte, signature string) *http.Request {
	req := httptest.NewRequest(http.MethodPost, "/api/v1/vitals", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderAPIKey, testAPIKey)
	req.Header.Set(HeaderSignature, signature)
	return req
}

func TestHandlerIngestAcceptsAndRejectsReplay(t *testing.T) {
	h := newGatewayHarness(t, gatewayTestConfig{})
	app := newTestApp(t, h, HandlerOptions{ExposeReasons: true})
	body := h.body("P-1", h.clock.Now(), 75)
	sig := Sign(body, testHMACSecret)

	var ok ingestResponse
	resp := doJSON(t, app, ingestRequest(body, sig), &ok)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, ok.Success)
	assert.NotEmpty(t, ok.ID)
	assert.Equal(t, "100", resp.Header.Get("X-RateLimit-Limit"))
	assert.Equal(t, "99", resp.Header.Get("X-RateLimit-Remaining"))
	assert.NotEmpty(t, resp.Header.Get("X-RateLimit-Reset"))

	h.clock.Advance(time.Second)
	var replay ingestResponse
	resp = doJSON(t, app, ingestRequest(body, sig), &replay)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Equal(t, "forbidden", replay.Error)
	assert.Equal(t, string(ReasonReplayed), replay.Reason)
}

func TestHandlerIngestForgedSignature(t *testing.T) {
	h := newGatewayHarness(t, gatewayTestConfig{})
	app := newTestApp(t, h, HandlerOptions{ExposeReasons: true})
	body := h.body("P-1", h.clock.Now(), 80)
	sig := Sign(body, testHMACSecret)
	tampered := bytes.Replace(body, []byte(`"heartRate":80`), []byte(`"heartRate":90`), 1)

	var out ingestResponse
	resp := doJSON(t, app, ingestRequest(tampered, sig), &out)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Equal(t, string(ReasonForgedSignature), out.Reason)
}

func TestHandlerHidesReasons(t *testing.T) {
	h := newGatewayHarness(t, gatewayTestConfig{limit: 1})
	app := newTestApp(t, h, HandlerOptions{ExposeReasons: false})
	body := h.body("P-1", h.clock.Now(), 75)

	var forged ingestResponse
	resp := doJSON(t, app, ingestRequest(body, Sign(body, []byte("attacker"))), &forged)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Equal(t, "rejected", forged.Reason)

	// the audit trail keeps the precise reason
	snap := h.ledger.Snapshot(0)
	require.Len(t, snap, 1)
	assert.Equal(t, ReasonForgedSignature, snap[0].Reason)

	// throttling is transient and always says so
	var limited ingestResponse
	resp = doJSON(t, app, ingestRequest(body, Sign(body, testHMACSecret)), &limited)
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.Equal(t, string(ReasonRateExceeded), limited.Reason)
}

func TestHandlerRateLimitedResponse(t *testing.T) {
	h := newGatewayHarness(t, gatewayTestConfig{limit: 1})
	app := newTestApp(t, h, HandlerOptions{ExposeReasons: true})

	first := h.body("P-1", h.clock.Now(), 75)
	resp := doJSON(t, app, ingestRequest(first, Sign(first, testHMACSecret)), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	second := h.body("P-2", h.clock.Now(), 75)
	var out ingestResponse
	resp = doJSON(t, app, ingestRequest(second, Sign(second, testHMACSecret)), &out)
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.Equal(t, "too many requests", out.Error)
	assert.Equal(t, "1", resp.Header.Get(fiber.HeaderRetryAfter))
	assert.Equal(t, "0", resp.Header.Get("X-RateLimit-Remaining"))
}

func TestHandlerBearerAPIKey(t *testing.T) {
	h := newGatewayHarness(t, gatewayTestConfig{})
	app := newTestApp(t, h, HandlerOptions{})
	body := h.body("P-1", h.clock.Now(), 75)

	req := ingestRequest(body, Sign(body, testHMACSecret))
	req.Header.Del(HeaderAPIKey)
	req.Header.Set(fiber.HeaderAuthorization, "Bearer "+testAPIKey)
	resp := doJSON(t, app, req, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestHandlerMalformedBody(t *testing.T) {
	h := newGatewayHarness(t, gatewayTestConfig{})
	app := newTestApp(t, h, HandlerOptions{ExposeReasons: true})
	body := []byte(`not json`)

	var out ingestResponse
	resp := doJSON(t, app, ingestRequest(body, Sign(body, testHMACSecret)), &out)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Equal(t, string(ReasonMalformedPayload), out.Reason)
}

func TestHandlerClientAddress(t *testing.T) {
	forged := func(h *gatewayHarness) *http.Request {
		body := h.body("P-1", h.clock.Now(), 75)
		req := ingestRequest(body, "00")
		req.Header.Set("X-Forwarded-For", "203.0.113.5, 10.0.0.1")
		return req
	}

	t.Run("untrusted peer", func(t *testing.T) {
		h := newGatewayHarness(t, gatewayTestConfig{})
		app := newTestApp(t, h, HandlerOptions{ClientIPs: NewClientIPResolver(nil)})
		doJSON(t, app, forged(h), nil)
		snap := h.ledger.Snapshot(0)
		require.Len(t, snap, 1)
		assert.Equal(t, "0.0.0.0", snap[0].Source)
	})

	t.Run("trusted proxy", func(t *testing.T) {
		h := newGatewayHarness(t, gatewayTestConfig{})
		app := newTestApp(t, h, HandlerOptions{ClientIPs: NewClientIPResolver([]string{"0.0.0.0", "10.0.0.0/8"})})
		doJSON(t, app, forged(h), nil)
		snap := h.ledger.Snapshot(0)
		require.Len(t, snap, 1)
		assert.Equal(t, "203.0.113.5", snap[0].Source)
	})
}

func TestHandlerHealth(t *testing.T) {
	h := newGatewayHarness(t, gatewayTestConfig{})

	healthy := newTestApp(t, h, HandlerOptions{Checks: []HealthChecker{
		{Name: "replay", Check: func(context.Context) error { return nil }},
	}})
	var body struct {
		Status string            `json:"status"`
		Mode   string            `json:"mode"`
		Checks map[string]string `json:"checks"`
	}
	resp := doJSON(t, healthy, httptest.NewRequest(http.MethodGet, "/healthz", nil), &body)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", body.Status)
	assert.Equal(t, string(ModeHMAC), body.Mode)
	assert.Equal(t, map[string]string{"replay": "ok"}, body.Checks)

	degraded := newTestApp(t, h, HandlerOptions{Checks: []HealthChecker{
		{Name: "replay", Check: func(context.Context) error { return nil }},
		{Name: "storage", Check: func(context.Context) error { return errors.New("database is locked") }},
	}})
	resp = doJSON(t, degraded, httptest.NewRequest(http.MethodGet, "/healthz", nil), &body)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Equal(t, "degraded", body.Status)
	assert.Equal(t, "database is locked", body.Checks["storage"])
}

func anomaliesRequest(query, token string) *http.Request {
	req := httptest.NewRequest(http.MethodGet, "/api/v1/anomalies"+query, nil)
	if token != "" {
		req.Header.Set(HeaderAdmin, token)
	}
	return req
}

func TestHandlerAnomaliesAuthorization(t *testing.T) {
	h := newGatewayHarness(t, gatewayTestConfig{})

	closed := newTestApp(t, h, HandlerOptions{})
	resp := doJSON(t, closed, anomaliesRequest("", testAdminToken), nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode, "no admin token configured")

	app := newTestApp(t, h, HandlerOptions{AdminToken: testAdminToken})
	resp = doJSON(t, app, anomaliesRequest("", ""), nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	resp = doJSON(t, app, anomaliesRequest("", "guess"), nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	req := anomaliesRequest("", "")
	req.Header.Set(fiber.HeaderAuthorization, "Bearer "+testAdminToken)
	resp = doJSON(t, app, req, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestHandlerAnomaliesFromLedger(t *testing.T) {
	h := newGatewayHarness(t, gatewayTestConfig{})
	app := newTestApp(t, h, HandlerOptions{AdminToken: testAdminToken})
	ts := h.clock.Now()

	good := h.signed(h.body("P-1", ts, 75))
	require.True(t, h.evaluate(good).Accepted())
	h.evaluate(h.signed(h.body("P-1", ts, 75)))
	stale := h.signed(h.body("P-2", ts.Add(-time.Hour), 75))
	h.evaluate(stale)

	var all anomaliesResponse
	resp := doJSON(t, app, anomaliesRequest("", testAdminToken), &all)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Len(t, all.Anomalies, 2)
	assert.Equal(t, ReasonStale, all.Anomalies[0].Reason, "newest first")
	assert.Equal(t, 2, all.Summary.Total)
	assert.Equal(t, 1, all.Summary.ByReason[ReasonReplayed])

	var replayed anomaliesResponse
	doJSON(t, app, anomaliesRequest("?reason=Replayed", testAdminToken), &replayed)
	require.Len(t, replayed.Anomalies, 1)
	assert.Equal(t, "P-1", replayed.Anomalies[0].PatientID)

	var limited anomaliesResponse
	doJSON(t, app, anomaliesRequest("?limit=1", testAdminToken), &limited)
	assert.Len(t, limited.Anomalies, 1)
}

func TestHandlerAnomaliesBadQuery(t *testing.T) {
	h := newGatewayHarness(t, gatewayTestConfig{})
	app := newTestApp(t, h, HandlerOptions{AdminToken: testAdminToken})

	for _, q := range []string{"?limit=0", "?limit=ten", "?reason=Bogus", "?source=store&since=yesterday"} {
		var out anomaliesResponse
		resp := doJSON(t, app, anomaliesRequest(q, testAdminToken), &out)
		if q == "?source=store&since=yesterday" {
			assert.Equal(t, http.StatusNotFound, resp.StatusCode, "no store configured")
			continue
		}
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode, q)
		assert.NotEmpty(t, out.Error, q)
	}
}

func TestHandlerAnomaliesFromStore(t *testing.T) {
	h := newGatewayHarness(t, gatewayTestConfig{})
	store := newTestSQLStore(t)
	app := newTestApp(t, h, HandlerOptions{AdminToken: testAdminToken, Store: store})

	rec := sampleAnomaly()
	require.NoError(t, store.WriteAnomaly(context.Background(), rec))
	old := sampleAnomaly()
	old.ID = "an-0"
	old.Reason = ReasonReplayed
	old.Time = testEpoch.Add(-48 * time.Hour)
	require.NoError(t, store.WriteAnomaly(context.Background(), old))

	var out anomaliesResponse
	resp := doJSON(t, app, anomaliesRequest("?source=store&since="+testEpoch.Add(-time.Hour).Format(time.RFC3339), testAdminToken), &out)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Len(t, out.Anomalies, 1)
	assert.Equal(t, "an-1", out.Anomalies[0].ID)

	resp = doJSON(t, app, anomaliesRequest("?source=store&since=yesterday", testAdminToken), &out)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}
