package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yudhap/blastgate/internal/config"
)

func testConfig() *config.Config {
	return &config.Config{
		Port:                 "0",
		Env:                  "development",
		LogLevel:             "error",
		LogFormat:            "text",
		RateMarketing:        "100.00",
		RateUtility:          "50.00",
		RateAuthentication:   "50.00",
		DecayRatePerDay:      config.DefaultDecayRatePerDay,
		DecayMinDaysQuiet:    config.DefaultDecayMinDaysQuiet,
		CooldownDays:         config.DefaultCooldownDays,
		AutoUnlockScore:      config.DefaultAutoUnlockScore,
		ThrottleFraction:     config.DefaultThrottleFraction,
		APIRequestsPerMinute: 10000,
		APIBurstSize:         1000,
		AdminSecret:          "test-admin",
		TopupSecret:          "test-topup",
	}
}

func newTestServer(t *testing.T) *Server {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	s, err := New(context.Background(), testConfig(), logger)
	require.NoError(t, err)
	return s
}

func doJSON(t *testing.T, s *Server, method, path string, body any, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, req)
	return w
}

func adminHeaders() map[string]string {
	return map[string]string{"X-Admin-Secret": "test-admin"}
}

func TestHealthAndMetrics(t *testing.T) {
	s := newTestServer(t)

	w := doJSON(t, s, http.MethodGet, "/health", nil, nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = doJSON(t, s, http.MethodGet, "/metrics", nil, nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "blastgate")
}

func TestAdminRoutesRequireSecret(t *testing.T) {
	s := newTestServer(t)

	body := map[string]any{"ownerId": "o1", "amount": "1000.00", "txRef": "tx-1"}
	w := doJSON(t, s, http.MethodPost, "/v1/admin/topups", body, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = doJSON(t, s, http.MethodPost, "/v1/admin/topups", body, adminHeaders())
	assert.Equal(t, http.StatusCreated, w.Code)
}

func TestTopupWebhookSecret(t *testing.T) {
	s := newTestServer(t)

	body := map[string]any{"ownerId": "o1", "amount": "5000.00", "txRef": "gw-1"}
	w := doJSON(t, s, http.MethodPost, "/webhooks/topup", body, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = doJSON(t, s, http.MethodPost, "/webhooks/topup", body,
		map[string]string{"X-Topup-Secret": "test-topup"})
	assert.Equal(t, http.StatusCreated, w.Code)

	w = doJSON(t, s, http.MethodGet, "/v1/owners/o1/balance", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "5000.00")
}

func TestAdmissionFlowEndToEnd(t *testing.T) {
	s := newTestServer(t)

	topup := map[string]any{"ownerId": "o1", "amount": "100000.00", "txRef": "tx-e2e"}
	w := doJSON(t, s, http.MethodPost, "/v1/admin/topups", topup, adminHeaders())
	require.Equal(t, http.StatusCreated, w.Code)

	check := map[string]any{
		"ownerId":      "o1",
		"entityType":   "user",
		"entityId":     "o1",
		"messageCount": 500,
		"category":     "marketing",
	}
	w = doJSON(t, s, http.MethodPost, "/v1/admission/check", check, nil)
	require.Equal(t, http.StatusOK, w.Code)

	var decision struct {
		Allowed       bool   `json:"allowed"`
		EstimatedCost string `json:"estimatedCost"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &decision))
	assert.True(t, decision.Allowed)
	assert.Equal(t, "50000.00", decision.EstimatedCost)

	deduct := map[string]any{
		"ownerId":       "o1",
		"messageCount":  500,
		"category":      "marketing",
		"referenceType": "blast",
		"referenceId":   "bl-e2e",
	}
	w = doJSON(t, s, http.MethodPost, "/v1/revenue/deductions", deduct, nil)
	require.Equal(t, http.StatusCreated, w.Code)

	// Same reference again: replayed, not re-charged.
	w = doJSON(t, s, http.MethodPost, "/v1/revenue/deductions", deduct, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"replayed":true`)

	w = doJSON(t, s, http.MethodGet, "/v1/owners/o1/balance", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "50000.00")
}

func TestSuspendedOwnerDeniedAdmission(t *testing.T) {
	s := newTestServer(t)

	topup := map[string]any{"ownerId": "o2", "amount": "100000.00", "txRef": "tx-susp"}
	w := doJSON(t, s, http.MethodPost, "/v1/admin/topups", topup, adminHeaders())
	require.Equal(t, http.StatusCreated, w.Code)

	suspend := map[string]any{"ownerId": "o2", "type": "permanent", "reason": "fraud"}
	w = doJSON(t, s, http.MethodPost, "/v1/admin/risk/user/o2/suspend", suspend, adminHeaders())
	require.Equal(t, http.StatusOK, w.Code)

	check := map[string]any{
		"ownerId":      "o2",
		"entityType":   "user",
		"entityId":     "o2",
		"messageCount": 10,
		"category":     "marketing",
	}
	w = doJSON(t, s, http.MethodPost, "/v1/admission/check", check, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"reason":"suspended"`)
}

func TestRulesAdminReload(t *testing.T) {
	s := newTestServer(t)

	rule := map[string]any{
		"id":            "test-rule",
		"contextType":   "user",
		"algorithm":     "token_bucket",
		"maxRequests":   5,
		"windowSeconds": 60,
		"action":        "block",
		"priority":      5,
		"isActive":      true,
	}
	w := doJSON(t, s, http.MethodPut, "/v1/admin/rules/limits", rule, adminHeaders())
	require.Equal(t, http.StatusOK, w.Code)

	w = doJSON(t, s, http.MethodGet, "/v1/admin/rules", nil, adminHeaders())
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "test-rule")
}
