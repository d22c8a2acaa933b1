package http_test

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"golang.org/x/crypto/ssh"

	"github.com/turtacn/keyagent/internal/config"
	"github.com/turtacn/keyagent/internal/domain/models"
	"github.com/turtacn/keyagent/internal/infrastructure/crypto"
	"github.com/turtacn/keyagent/internal/infrastructure/monitoring"
	"github.com/turtacn/keyagent/internal/infrastructure/persistence/sqlite"
	api "github.com/turtacn/keyagent/internal/interfaces/http"
	"github.com/turtacn/keyagent/internal/interfaces/http/handlers"
	"github.com/turtacn/keyagent/pkg/constants"
	"github.com/turtacn/keyagent/pkg/errors"
	"github.com/turtacn/keyagent/pkg/logger"
)

type staticDevice struct{ status models.DeviceStatus }

func (d staticDevice) Status() models.DeviceStatus { return d.status }

type MockKeyStore struct {
	mock.Mock
	records []*models.KeyRecord
}

func (m *MockKeyStore) ListKeys(ctx context.Context) []*models.KeyRecord { return m.records }

func (m *MockKeyStore) Online() bool { return true }

func (m *MockKeyStore) Ping(ctx context.Context) bool { return true }

func (m *MockKeyStore) DeleteKey(ctx context.Context, pub ssh.PublicKey) error {
	return m.Called(ssh.FingerprintSHA256(pub)).Error(0)
}

func (m *MockKeyStore) ImportToDevice(ctx context.Context, pub ssh.PublicKey, name string) error {
	return m.Called(ssh.FingerprintSHA256(pub), name).Error(0)
}

type checkerFunc func(ctx context.Context) (bool, error)

func (f checkerFunc) Check(ctx context.Context) (bool, error) { return f(ctx) }

type apiFixture struct {
	router  *api.Router
	keys    *MockKeyStore
	local   *models.KeyRecord
	checkFn func(ctx context.Context) (bool, error)
	ready   error
	conn    *sqlite.DBConnection
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()
	log := logger.NewNoopLogger()
	material, err := crypto.GenerateKey(models.KeySpec{Algorithm: ssh.KeyAlgoED25519})
	require.NoError(t, err)
	remote, err := crypto.GenerateKey(models.KeySpec{Algorithm: ssh.KeyAlgoECDSA256})
	require.NoError(t, err)

	f := &apiFixture{
		local:   models.NewLocalKeyRecord(material.Signer, "laptop", ""),
		checkFn: func(ctx context.Context) (bool, error) { return true, nil },
	}
	f.keys = &MockKeyStore{records: []*models.KeyRecord{
		f.local,
		models.NewRemoteKeyRecord(remote.PublicKey(), "phone"),
	}}

	f.conn, err = sqlite.NewDBConnection(context.Background(), sqlite.MemoryDSN, log)
	require.NoError(t, err)
	t.Cleanup(func() { _ = f.conn.Close() })

	reg := prometheus.NewRegistry()
	health := handlers.NewHealthHandler(map[string]handlers.HealthCheck{
		"database": f.conn.Ping,
		"gateway":  func(ctx context.Context) error { return f.ready },
	}, log)
	agentHandler := handlers.NewAgentHandler(
		staticDevice{models.DeviceStatus{Authorized: true, Username: "alice", DeviceName: "laptop"}},
		f.keys,
		checkerFunc(func(ctx context.Context) (bool, error) { return f.checkFn(ctx) }),
		sqlite.NewKeyLifecycleRepository(f.conn.DB()),
		log,
	)
	f.router = api.NewRouter(&config.APIConfig{ListenAddr: "127.0.0.1:0"}, log, health, agentHandler,
		otel.Tracer("test"), monitoring.NewMetrics(reg), reg)
	return f
}

func (f *apiFixture) do(t *testing.T, method, target string) (*httptest.ResponseRecorder, map[string]interface{}) {
	t.Helper()
	w := httptest.NewRecorder()
	req := httptest.NewRequest(method, target, nil)
	f.router.Handler().ServeHTTP(w, req)
	var body map[string]interface{}
	if w.Body.Len() > 0 && w.Header().Get("Content-Type") != "" && w.Code != http.StatusNoContent {
		_ = json.Unmarshal(w.Body.Bytes(), &body)
	}
	return w, body
}

func TestAPI_Status(t *testing.T) {
	f := newAPIFixture(t)

	w, body := f.do(t, http.MethodGet, "/api/v1/status")

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, true, body["success"])
	data := body["data"].(map[string]interface{})
	assert.Equal(t, float64(1), data["local_keys"])
	assert.Equal(t, "alice", data["device"].(map[string]interface{})["username"])
	assert.NotContains(t, w.Body.String(), "token")
}

func TestAPI_ListKeys(t *testing.T) {
	f := newAPIFixture(t)

	w, body := f.do(t, http.MethodGet, "/api/v1/keys")

	require.Equal(t, http.StatusOK, w.Code)
	keys := body["data"].(map[string]interface{})["keys"].([]interface{})
	require.Len(t, keys, 2)
	assert.Equal(t, string(constants.KeySourceLocal), keys[0].(map[string]interface{})["source"])
	assert.Equal(t, string(constants.KeySourceRemote), keys[1].(map[string]interface{})["source"])
}

func TestAPI_DeleteKey(t *testing.T) {
	f := newAPIFixture(t)
	fp := f.local.Fingerprint()
	f.keys.On("DeleteKey", fp).Return(nil).Once()

	w, _ := f.do(t, http.MethodDelete, "/api/v1/keys?fingerprint="+url.QueryEscape(fp))
	assert.Equal(t, http.StatusNoContent, w.Code)
	f.keys.AssertExpectations(t)

	w, body := f.do(t, http.MethodDelete, "/api/v1/keys?fingerprint=SHA256:unknown")
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, string(constants.ErrCodeKeyNotFound), body["error"].(map[string]interface{})["code"])
}

func TestAPI_ImportKeyRequiresPairing(t *testing.T) {
	f := newAPIFixture(t)
	fp := f.local.Fingerprint()
	f.keys.On("ImportToDevice", fp, "work").Return(errors.ErrDeviceNotAuthorized("device is not paired")).Once()

	w, body := f.do(t, http.MethodPost, "/api/v1/keys/import?name=work&fingerprint="+url.QueryEscape(fp))

	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, false, body["success"])
	f.keys.AssertExpectations(t)
}

func TestAPI_Check(t *testing.T) {
	f := newAPIFixture(t)

	w, body := f.do(t, http.MethodPost, "/api/v1/check")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, true, body["data"].(map[string]interface{})["valid"])

	f.checkFn = func(ctx context.Context) (bool, error) {
		return false, errors.ErrTransport("/app/api/agent/check", stderrors.New("connection refused"))
	}
	w, body = f.do(t, http.MethodPost, "/api/v1/check")
	require.Equal(t, http.StatusOK, w.Code)
	data := body["data"].(map[string]interface{})
	assert.Equal(t, false, data["valid"])
	assert.NotEmpty(t, data["message"])

	f.checkFn = func(ctx context.Context) (bool, error) {
		return false, errors.ErrInvalidSignature("forged")
	}
	w, body = f.do(t, http.MethodPost, "/api/v1/check")
	assert.Equal(t, http.StatusBadGateway, w.Code)
	assert.Equal(t, string(constants.CategoryProtocol), body["error"].(map[string]interface{})["category"])
}

func TestAPI_Health(t *testing.T) {
	f := newAPIFixture(t)

	w, _ := f.do(t, http.MethodGet, "/health/live")
	assert.Equal(t, http.StatusOK, w.Code)
	w, body := f.do(t, http.MethodGet, "/health/ready")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "healthy", body["status"])

	f.ready = stderrors.New("gateway offline")
	w, body = f.do(t, http.MethodGet, "/health/ready")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, "ok", body["checks"].(map[string]interface{})["database"])
}

func TestAPI_LifecycleAndMetrics(t *testing.T) {
	f := newAPIFixture(t)
	ctx := context.Background()
	event := models.NewKeyEvent(constants.KeyEventAdded, "alice").ForKey(f.local)
	require.NoError(t, sqlite.NewKeyLifecycleRepository(f.conn.DB()).Record(ctx, models.NewKeyLifecycleEntry(event, "success")))

	w, body := f.do(t, http.MethodGet, "/api/v1/lifecycle?account=alice")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, body["data"].([]interface{}), 1)

	w, _ = f.do(t, http.MethodGet, "/api/v1/lifecycle?limit=zero")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w, _ = f.do(t, http.MethodGet, "/metrics")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "keyagent_api_requests_total")
}

func TestAPI_NotFound(t *testing.T) {
	f := newAPIFixture(t)
	w, body := f.do(t, http.MethodGet, "/api/v2/unknown")
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, false, body["success"])
}

func TestRouter_StartRejectsNonLoopback(t *testing.T) {
	log := logger.NewNoopLogger()
	reg := prometheus.NewRegistry()
	router := api.NewRouter(&config.APIConfig{ListenAddr: "0.0.0.0:8080"}, log,
		handlers.NewHealthHandler(nil, log),
		handlers.NewAgentHandler(staticDevice{}, &MockKeyStore{}, checkerFunc(func(ctx context.Context) (bool, error) { return false, nil }), nil, log),
		otel.Tracer("test"), monitoring.NewMetrics(reg), reg)

	err := router.Start(context.Background())
	assert.True(t, errors.HasCode(err, constants.ErrCodeInvalidRequest))
}
