package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/langchou/carbridge/internal/metrics"
	"github.com/langchou/carbridge/internal/models"
	"github.com/langchou/carbridge/internal/repository"
	"github.com/langchou/carbridge/internal/session"
)

type fakeVehicles []models.Vehicle

func (f fakeVehicles) List() []models.Vehicle { return f }

type fakeSession struct {
	name    string
	state   string
	device  *session.DeviceCode
	logins  atomic.Int32
	release chan struct{}
}

func (f *fakeSession) Name() string                       { return f.name }
func (f *fakeSession) State() string                      { return f.state }
func (f *fakeSession) PendingDevice() *session.DeviceCode { return f.device }

func (f *fakeSession) Login(ctx context.Context) error {
	f.logins.Add(1)
	if f.release != nil {
		<-f.release
	}
	return nil
}

type testServer struct {
	router *gin.Engine
	store  *repository.MemoryStore
	main   *fakeSession
	blob   string
	writes []models.Change
	mu     sync.Mutex
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	ctx := context.Background()
	store := repository.NewMemoryStore()
	_, err := store.EnsureNode(ctx, "WBA1", models.KindContainer, models.Metadata{Name: "i4", Read: true})
	require.NoError(t, err)
	_, err = store.EnsureNode(ctx, "WBA1.state", models.KindContainer, models.Metadata{Name: "state", Read: true})
	require.NoError(t, err)
	_, err = store.EnsureNode(ctx, "WBA1.state.mileage", models.KindLeaf, models.Metadata{Name: "mileage", Role: models.RoleValue, Type: models.TypeNumber, Read: true})
	require.NoError(t, err)
	require.NoError(t, store.SetValue(ctx, "WBA1.state.mileage", 12345.0, true))
	_, err = store.EnsureNode(ctx, "WBA1.remotev2.door-lock", models.KindLeaf, models.Metadata{Name: "door-lock", Role: models.RoleButton, Type: models.TypeBoolean, Read: true, Write: true})
	require.NoError(t, err)

	// 已持久化的凭证
	blob, err := session.Encode(session.Credential{AccessToken: "SECRET-ACCESS", RefreshToken: "SECRET-REFRESH", ExpiresIn: time.Hour})
	require.NoError(t, err)
	_, err = store.EnsureNode(ctx, session.SessionPath, models.KindContainer, models.Metadata{Name: "Session", Read: true})
	require.NoError(t, err)
	_, err = store.EnsureNode(ctx, "session.main", models.KindLeaf, models.Metadata{Name: "main credential", Role: models.RoleText, Type: models.TypeString, Read: true})
	require.NoError(t, err)
	require.NoError(t, store.SetValue(ctx, "session.main", blob, true))

	reg := prometheus.NewRegistry()
	m := metrics.New()
	require.NoError(t, m.Register(reg))
	m.ObserveCall("state", http.StatusOK)

	ts := &testServer{
		store: store,
		blob:  blob,
		main: &fakeSession{
			name:  "main",
			state: session.StateAwaitingUser,
			device: &session.DeviceCode{
				UserCode:        "ABCD-EFGH",
				VerificationURI: "https://example.com/device",
				ExpiresAt:       time.Date(2024, 5, 3, 10, 10, 0, 0, time.UTC),
			},
		},
	}
	store.Subscribe(func(c models.Change) {
		ts.mu.Lock()
		ts.writes = append(ts.writes, c)
		ts.mu.Unlock()
	})

	codriver := &fakeSession{name: "codriver", state: session.StateActive}
	h := NewHandler(zap.NewNop(), store,
		fakeVehicles{{VIN: "WBA1", DisplayName: "i4", Brand: "bmw", Identity: "main"}},
		[]AuthSession{ts.main, codriver}, reg, nil)

	ts.router = gin.New()
	h.RegisterRoutes(ts.router)
	return ts
}

func (ts *testServer) do(method, target, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, target, nil)
	}
	w := httptest.NewRecorder()
	ts.router.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return body
}

func TestListStates(t *testing.T) {
	ts := newTestServer(t)

	w := ts.do(http.MethodGet, "/api/states?prefix=WBA1.state", "")
	require.Equal(t, http.StatusOK, w.Code)
	body := decode(t, w)
	assert.Equal(t, float64(2), body["total"])

	w = ts.do(http.MethodGet, "/api/states", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(4), decode(t, w)["total"])
}

func TestGetState(t *testing.T) {
	ts := newTestServer(t)

	w := ts.do(http.MethodGet, "/api/states/WBA1.state.mileage", "")
	require.Equal(t, http.StatusOK, w.Code)
	data := decode(t, w)["data"].(map[string]any)
	assert.Equal(t, 12345.0, data["value"])
	assert.Equal(t, "leaf", data["kind"])

	// 斜杠与点等价
	w = ts.do(http.MethodGet, "/api/states/WBA1/state/mileage", "")
	assert.Equal(t, http.StatusOK, w.Code)

	w = ts.do(http.MethodGet, "/api/states/WBA1.nope", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestSetState(t *testing.T) {
	ts := newTestServer(t)

	w := ts.do(http.MethodPut, "/api/states/WBA1.remotev2.door-lock", `{"value": true}`)
	require.Equal(t, http.StatusAccepted, w.Code)

	ts.mu.Lock()
	require.NotEmpty(t, ts.writes)
	last := ts.writes[len(ts.writes)-1]
	ts.mu.Unlock()
	assert.Equal(t, "WBA1.remotev2.door-lock", last.Path)
	assert.Equal(t, true, last.Value)
	assert.False(t, last.Ack, "API writes are unacknowledged")

	tests := []struct {
		name   string
		target string
		body   string
		code   int
	}{
		{"container", "/api/states/WBA1.state", `{"value": 1}`, http.StatusConflict},
		{"missing", "/api/states/WBA1.nope", `{"value": 1}`, http.StatusNotFound},
		{"bad body", "/api/states/WBA1.remotev2.door-lock", `{`, http.StatusBadRequest},
		{"empty path", "/api/states/", `{"value": 1}`, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.code, ts.do(http.MethodPut, tt.target, tt.body).Code)
		})
	}
}

func TestStates_SessionNamespaceHidden(t *testing.T) {
	ts := newTestServer(t)

	for _, target := range []string{
		"/api/states",
		"/api/states?prefix=session",
		"/api/states/session",
		"/api/states/session.main",
		"/api/states/session/main",
	} {
		w := ts.do(http.MethodGet, target, "")
		assert.NotContains(t, w.Body.String(), "SECRET", target)
		assert.NotContains(t, w.Body.String(), ts.blob, target)
	}

	assert.Equal(t, http.StatusNotFound, ts.do(http.MethodGet, "/api/states/session.main", "").Code)
	w := ts.do(http.MethodGet, "/api/states?prefix=session", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(0), decode(t, w)["total"])

	// 凭证不可经 API 覆盖
	w = ts.do(http.MethodPut, "/api/states/session.main", `{"value": "garbage"}`)
	assert.Equal(t, http.StatusForbidden, w.Code)
	node, err := ts.store.GetValue(context.Background(), "session.main")
	require.NoError(t, err)
	assert.Equal(t, ts.blob, node.Value)
}

func TestListVehicles(t *testing.T) {
	ts := newTestServer(t)

	w := ts.do(http.MethodGet, "/api/vehicles", "")
	require.Equal(t, http.StatusOK, w.Code)
	data := decode(t, w)["data"].([]any)
	require.Len(t, data, 1)
	assert.Equal(t, "WBA1", data[0].(map[string]any)["vin"])
}

func TestAuthStatus(t *testing.T) {
	ts := newTestServer(t)

	w := ts.do(http.MethodGet, "/api/auth", "")
	require.Equal(t, http.StatusOK, w.Code)
	data := decode(t, w)["data"].([]any)
	require.Len(t, data, 2)

	main := data[0].(map[string]any)
	assert.Equal(t, "main", main["identity"])
	assert.Equal(t, session.StateAwaitingUser, main["state"])
	assert.Equal(t, "ABCD-EFGH", main["device"].(map[string]any)["user_code"])

	codriver := data[1].(map[string]any)
	assert.NotContains(t, codriver, "device")
}

func TestStartLogin(t *testing.T) {
	ts := newTestServer(t)
	ts.main.release = make(chan struct{})

	w := ts.do(http.MethodPost, "/api/auth/login", "")
	require.Equal(t, http.StatusAccepted, w.Code)
	assert.Equal(t, "main", decode(t, w)["identity"])
	require.Eventually(t, func() bool { return ts.main.logins.Load() == 1 }, time.Second, 10*time.Millisecond)

	// 同一身份重复登录被拒绝
	w = ts.do(http.MethodPost, "/api/auth/login", `{"identity": "main"}`)
	assert.Equal(t, http.StatusConflict, w.Code)

	close(ts.main.release)
	assert.Eventually(t, func() bool {
		return ts.do(http.MethodPost, "/api/auth/login", `{"identity": "main"}`).Code == http.StatusAccepted
	}, time.Second, 10*time.Millisecond)

	w = ts.do(http.MethodPost, "/api/auth/login", `{"identity": "ghost"}`)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestMetricsAndHealth(t *testing.T) {
	ts := newTestServer(t)

	w := ts.do(http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `carbridge_api_calls_total{endpoint="state",status="200"} 1`)

	w = ts.do(http.MethodGet, "/health", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ok", decode(t, w)["status"])

	w = ts.do(http.MethodGet, "/ws", "")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}
