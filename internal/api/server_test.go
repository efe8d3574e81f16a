package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lorawan-server/lorawan-node/internal/auth"
	"github.com/lorawan-server/lorawan-node/internal/config"
	"github.com/lorawan-server/lorawan-node/internal/models"
	"github.com/lorawan-server/lorawan-node/internal/storage"
	"github.com/lorawan-server/lorawan-node/internal/uplink"
	"github.com/lorawan-server/lorawan-node/pkg/crypto"
	"github.com/lorawan-server/lorawan-node/pkg/lorawan"
)

type fakeNode struct {
	err        error
	result     uplink.Result
	calls      []models.UplinkRequest
	linkChecks int
}

func (n *fakeNode) Transmit(ctx context.Context, payload []byte, fPort uint8, confirmed bool) (uplink.Result, error) {
	n.calls = append(n.calls, models.UplinkRequest{FPort: int(fPort), Confirmed: confirmed, Data: payload})
	return n.result, n.err
}

func (n *fakeNode) Status(ctx context.Context) (uplink.Status, error) {
	return uplink.Status{NextFCnt: 42, Region: lorawan.EU868, RadioState: "Standby"}, nil
}

func (n *fakeNode) RequestLinkCheck() { n.linkChecks++ }

func sentResult() uplink.Result {
	return uplink.Result{
		FCnt:      7,
		FPort:     10,
		Channel:   1,
		Frequency: 868300000,
		DataRate:  lorawan.DataRate{SpreadFactor: 7, Bandwidth: 125},
		SentAt:    time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC),
	}
}

func testConfig() *config.Config {
	return &config.Config{
		Device:  config.DeviceConfig{DevAddr: "26011bda"},
		API:     config.APIConfig{Enabled: true, DownlinkHistory: 3},
		JWT:     config.JWTConfig{Issuer: "lorawan-node", AccessTokenTTL: time.Hour},
		Metrics: config.MetricsConfig{Enabled: true, Path: "/metrics"},
	}
}

func do(t *testing.T, h http.Handler, method, path string, body interface{}, token string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), v))
}

func TestHealthAndStatus(t *testing.T) {
	s := NewRESTServer(testConfig(), &fakeNode{})

	rec := do(t, s.Handler(), "GET", "/api/v1/health", nil, "")
	assert.Equal(t, http.StatusOK, rec.Code)
	var health map[string]interface{}
	decode(t, rec, &health)
	assert.Equal(t, "healthy", health["status"])

	rec = do(t, s.Handler(), "GET", "/api/v1/status", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	var status uplink.Status
	decode(t, rec, &status)
	assert.Equal(t, uint32(42), status.NextFCnt)
	assert.Equal(t, "Standby", status.RadioState)
}

func TestSendUplink(t *testing.T) {
	node := &fakeNode{result: sentResult()}
	s := NewRESTServer(testConfig(), node)

	// data is base64 on the wire.
	rec := do(t, s.Handler(), "POST", "/api/v1/uplink", map[string]interface{}{
		"fPort":     10,
		"confirmed": true,
		"data":      "AQID",
	}, "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp models.UplinkResponse
	decode(t, rec, &resp)
	assert.Equal(t, uint32(7), resp.FCnt)
	assert.Equal(t, "SF7BW125", resp.DataRate)
	assert.True(t, resp.Persisted)

	require.Len(t, node.calls, 1)
	assert.Equal(t, []byte{1, 2, 3}, node.calls[0].Data)
	assert.True(t, node.calls[0].Confirmed)
}

func TestSendUplinkErrors(t *testing.T) {
	tests := []struct {
		name      string
		body      interface{}
		result    uplink.Result
		err       error
		code      int
		persisted *bool
	}{
		{
			name: "bad port",
			body: map[string]interface{}{"fPort": 0, "data": "AQ=="},
			code: http.StatusBadRequest,
		},
		{
			name: "port too high",
			body: map[string]interface{}{"fPort": 224, "data": "AQ=="},
			code: http.StatusBadRequest,
		},
		{
			name: "bad base64",
			body: map[string]interface{}{"fPort": 1, "data": "!!"},
			code: http.StatusBadRequest,
		},
		{
			name: "too large",
			body: map[string]interface{}{"fPort": 1, "data": "AQ=="},
			err:  fmt.Errorf("%w: 300 bytes", lorawan.ErrPayloadTooLarge),
			code: http.StatusRequestEntityTooLarge,
		},
		{
			name: "timeout",
			body: map[string]interface{}{"fPort": 1, "data": "AQ=="},
			err:  uplink.ErrTransmitTimeout,
			code: http.StatusGatewayTimeout,
		},
		{
			name:      "not persisted",
			body:      map[string]interface{}{"fPort": 1, "data": "AQ=="},
			result:    sentResult(),
			err:       &uplink.PersistenceError{Next: 8, Err: storage.ErrPersistenceFailure},
			code:      http.StatusInternalServerError,
			persisted: new(bool),
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			node := &fakeNode{result: tt.result, err: tt.err}
			s := NewRESTServer(testConfig(), node)

			rec := do(t, s.Handler(), "POST", "/api/v1/uplink", tt.body, "")
			assert.Equal(t, tt.code, rec.Code, rec.Body.String())

			if tt.persisted != nil {
				var resp models.UplinkResponse
				decode(t, rec, &resp)
				assert.Equal(t, *tt.persisted, resp.Persisted)
				assert.Equal(t, uint32(7), resp.FCnt)
				assert.NotEmpty(t, resp.Error)
			}
		})
	}
}

func TestDownlinks(t *testing.T) {
	s := NewRESTServer(testConfig(), &fakeNode{})
	for i := uint32(1); i <= 5; i++ {
		s.Downlinks().Add(models.DownlinkMessage{FCnt: i})
	}

	rec := do(t, s.Handler(), "GET", "/api/v1/downlinks?limit=2", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		TotalCount int                      `json:"totalCount"`
		Result     []models.DownlinkMessage `json:"result"`
	}
	decode(t, rec, &body)
	assert.Equal(t, 5, body.TotalCount)
	require.Len(t, body.Result, 2)
	assert.Equal(t, uint32(5), body.Result[0].FCnt)
	assert.Equal(t, uint32(4), body.Result[1].FCnt)

	rec = do(t, s.Handler(), "GET", "/api/v1/downlinks?limit=x", nil, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestLinkCheck(t *testing.T) {
	node := &fakeNode{}
	s := NewRESTServer(testConfig(), node)

	rec := do(t, s.Handler(), "POST", "/api/v1/link-check", nil, "")
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, 1, node.linkChecks)
}

func TestAuth(t *testing.T) {
	cfg := testConfig()
	cfg.JWT.Secret = "test-secret"
	hash, err := crypto.HashPassword("operator-pass")
	require.NoError(t, err)
	cfg.API.OperatorPasswordHash = hash

	node := &fakeNode{result: sentResult()}
	s := NewRESTServer(cfg, node)
	h := s.Handler()

	assert.Equal(t, http.StatusOK, do(t, h, "GET", "/api/v1/health", nil, "").Code)
	assert.Equal(t, http.StatusUnauthorized, do(t, h, "GET", "/api/v1/status", nil, "").Code)
	assert.Equal(t, http.StatusUnauthorized, do(t, h, "GET", "/api/v1/status", nil, "garbage").Code)

	rec := do(t, h, "POST", "/api/v1/auth/login", map[string]string{"password": "wrong"}, "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = do(t, h, "POST", "/api/v1/auth/login", map[string]string{"password": "operator-pass"}, "")
	require.Equal(t, http.StatusOK, rec.Code)
	var login struct {
		AccessToken string `json:"accessToken"`
	}
	decode(t, rec, &login)
	require.NotEmpty(t, login.AccessToken)

	assert.Equal(t, http.StatusOK, do(t, h, "GET", "/api/v1/status", nil, login.AccessToken).Code)
	rec = do(t, h, "POST", "/api/v1/uplink", map[string]interface{}{"fPort": 1, "data": "AQ=="}, login.AccessToken)
	assert.Equal(t, http.StatusOK, rec.Code)

	readOnly, err := auth.NewJWTManager(&cfg.JWT).GenerateToken("dashboard", auth.ScopeRead)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, do(t, h, "GET", "/api/v1/downlinks", nil, readOnly).Code)
	rec = do(t, h, "POST", "/api/v1/uplink", map[string]interface{}{"fPort": 1, "data": "AQ=="}, readOnly)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Len(t, node.calls, 1)
}

func TestLoginDisabled(t *testing.T) {
	s := NewRESTServer(testConfig(), &fakeNode{})
	rec := do(t, s.Handler(), "POST", "/api/v1/auth/login", map[string]string{"password": "x"}, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestMetricsRoute(t *testing.T) {
	metrics := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("uplink_sent_count 1\n"))
	})
	s := NewRESTServer(testConfig(), &fakeNode{}, WithMetricsHandler(metrics))

	rec := do(t, s.Handler(), "GET", "/metrics", nil, "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "uplink_sent_count")
}
