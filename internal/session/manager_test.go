package session

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/langchou/carbridge/internal/models"
	"github.com/langchou/carbridge/internal/repository"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
	"golang.org/x/oauth2"
)

// fakeIdP 模拟身份提供方
type fakeIdP struct {
	t      *testing.T
	server *httptest.Server

	mu                 sync.Mutex
	challenge          string
	authenticateStatus int
	refreshStatus      int
	deviceTTL          int
	deviceResponses    []string

	logins      atomic.Int32
	refreshes   atomic.Int32
	devicePolls atomic.Int32
}

func newFakeIdP(t *testing.T) *fakeIdP {
	idp := &fakeIdP{t: t, deviceTTL: 600}
	mux := http.NewServeMux()
	mux.HandleFunc("/oauth/authenticate", idp.authenticate)
	mux.HandleFunc("/oauth/token", idp.token)
	mux.HandleFunc("/oauth/device", idp.device)
	idp.server = httptest.NewServer(mux)
	t.Cleanup(idp.server.Close)
	return idp
}

func (p *fakeIdP) config(mode string) Config {
	return Config{
		Name:            "main",
		Mode:            mode,
		Username:        "user@example.com",
		Password:        "secret",
		ClientID:        "client-1",
		AuthURL:         p.server.URL + "/oauth/authenticate",
		TokenURL:        p.server.URL + "/oauth/token",
		DeviceURL:       p.server.URL + "/oauth/device",
		RedirectURI:     "com.example.app://oauth",
		Scopes:          []string{"openid", "offline_access"},
		TrackConnection: true,
	}
}

func (p *fakeIdP) authenticate(w http.ResponseWriter, r *http.Request) {
	require.NoError(p.t, r.ParseForm())
	p.mu.Lock()
	defer p.mu.Unlock()

	if r.Form.Get("username") != "" {
		p.logins.Add(1)
		if p.authenticateStatus != 0 {
			w.WriteHeader(p.authenticateStatus)
			return
		}
		p.challenge = r.Form.Get("code_challenge")
		writeJSON(w, http.StatusOK, map[string]string{
			"redirect_to": "com.example.app://oauth?state=abc&authorization=AUTH123",
		})
		return
	}

	if r.Form.Get("authorization") == "AUTH123" {
		w.Header().Set("Location", "com.example.app://oauth?code=CODE123&state=abc")
		w.WriteHeader(http.StatusFound)
		return
	}
	w.WriteHeader(http.StatusBadRequest)
}

func (p *fakeIdP) token(w http.ResponseWriter, r *http.Request) {
	require.NoError(p.t, r.ParseForm())
	p.mu.Lock()
	defer p.mu.Unlock()

	switch r.Form.Get("grant_type") {
	case "authorization_code":
		if r.Form.Get("code") != "CODE123" || oauth2.S256ChallengeFromVerifier(r.Form.Get("code_verifier")) != p.challenge {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_grant"})
			return
		}
		writeJSON(w, http.StatusOK, tokenBody("access-1", "id-1"))
	case "refresh_token":
		p.refreshes.Add(1)
		if p.refreshStatus != 0 {
			writeJSON(w, p.refreshStatus, map[string]string{"error": "invalid_grant"})
			return
		}
		writeJSON(w, http.StatusOK, tokenBody("access-2", ""))
	case deviceGrantType:
		p.devicePolls.Add(1)
		status := "authorization_pending"
		if len(p.deviceResponses) > 0 {
			status, p.deviceResponses = p.deviceResponses[0], p.deviceResponses[1:]
		}
		if status != "" {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": status})
			return
		}
		writeJSON(w, http.StatusOK, tokenBody("access-device", "id-device"))
	default:
		w.WriteHeader(http.StatusBadRequest)
	}
}

func (p *fakeIdP) device(w http.ResponseWriter, r *http.Request) {
	require.NoError(p.t, r.ParseForm())
	assert.Equal(p.t, "S256", r.Form.Get("code_challenge_method"))
	p.mu.Lock()
	ttl := p.deviceTTL
	p.mu.Unlock()

	writeJSON(w, http.StatusOK, map[string]any{
		"device_code":      "dev-1",
		"user_code":        "ABCD-EFGH",
		"verification_uri": "https://verify.example.com",
		"expires_in":       ttl,
		"interval":         5,
	})
}

func tokenBody(access, id string) map[string]any {
	body := map[string]any{
		"access_token":  access,
		"refresh_token": "refresh-1",
		"token_type":    "Bearer",
		"expires_in":    3600,
		"scope":         "openid offline_access",
	}
	if id != "" {
		body["id_token"] = id
		body["gcid"] = "gcid-1"
	}
	return body
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func newTestManager(t *testing.T, cfg Config, opts ...Option) (*Manager, *repository.MemoryStore, *clock.Mock) {
	t.Helper()
	clk := clock.NewMock()
	store := repository.NewMemoryStore()
	m := NewManager(cfg, zap.NewNop(), store, append([]Option{WithClock(clk)}, opts...)...)
	t.Cleanup(m.Stop)
	return m, store, clk
}

func connected(t *testing.T, store repository.StateStore) bool {
	t.Helper()
	n, err := store.GetValue(context.Background(), ConnectionPath)
	require.NoError(t, err)
	return n.Value.(bool)
}

func TestLogin_Password(t *testing.T) {
	idp := newFakeIdP(t)
	m, store, clk := newTestManager(t, idp.config(ModePassword))
	ctx := context.Background()

	var rotated []Credential
	m.OnRotate(func(c Credential) { rotated = append(rotated, c) })

	require.NoError(t, m.Start(ctx))
	assert.Equal(t, StateActive, m.State())

	cred, ok := m.Credential()
	require.True(t, ok)
	assert.Equal(t, "access-1", cred.AccessToken)
	assert.Equal(t, "refresh-1", cred.RefreshToken)
	assert.Equal(t, "id-1", cred.StreamToken())
	assert.Equal(t, "gcid-1", cred.GCID)
	assert.InDelta(t, 3600, cred.ExpiresIn.Seconds(), 2)
	assert.Equal(t, clk.Now(), cred.IssuedAt)
	require.Len(t, rotated, 1)
	assert.True(t, connected(t, store))

	n, err := store.GetValue(ctx, "session.main")
	require.NoError(t, err)
	stored, err := Decode(n.Value.(string))
	require.NoError(t, err)
	assert.Equal(t, "access-1", stored.AccessToken)
}

func TestLogin_ProactiveRefresh(t *testing.T) {
	idp := newFakeIdP(t)
	m, _, clk := newTestManager(t, idp.config(ModePassword))

	require.NoError(t, m.Start(context.Background()))
	clk.Add(time.Hour - refreshMargin)

	assert.Eventually(t, func() bool {
		token, _ := m.AccessToken()
		return token == "access-2"
	}, 2*time.Second, 10*time.Millisecond)

	cred, _ := m.Credential()
	assert.Equal(t, "id-1", cred.IDToken)
	assert.Equal(t, int32(1), idp.refreshes.Load())
}

func TestLogin_RejectedSchedulesRetry(t *testing.T) {
	idp := newFakeIdP(t)
	idp.authenticateStatus = http.StatusUnauthorized
	m, store, clk := newTestManager(t, idp.config(ModePassword))

	err := m.Start(context.Background())
	assert.ErrorIs(t, err, ErrLoginRejected)
	assert.Equal(t, StateFailed, m.State())
	assert.True(t, m.ReloginPending())
	assert.False(t, connected(t, store))

	idp.mu.Lock()
	idp.authenticateStatus = 0
	idp.mu.Unlock()
	clk.Add(5 * time.Minute)

	assert.Eventually(t, func() bool { return m.State() == StateActive }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, int32(2), idp.logins.Load())
}

func TestLogin_InvalidCredentialsNotRetried(t *testing.T) {
	idp := newFakeIdP(t)
	idp.authenticateStatus = http.StatusBadRequest
	m, _, _ := newTestManager(t, idp.config(ModePassword))

	assert.ErrorIs(t, m.Start(context.Background()), ErrInvalidCredentials)
	assert.False(t, m.ReloginPending())
}

func TestRefresh_FailureSchedulesRelogin(t *testing.T) {
	idp := newFakeIdP(t)
	m, store, clk := newTestManager(t, idp.config(ModePassword))
	ctx := context.Background()
	require.NoError(t, m.Start(ctx))

	idp.mu.Lock()
	idp.refreshStatus = http.StatusBadRequest
	idp.mu.Unlock()

	err := m.Refresh(ctx)
	assert.ErrorIs(t, err, ErrLoginRejected)
	assert.Equal(t, StateFailed, m.State())
	assert.True(t, m.ReloginPending())
	assert.False(t, connected(t, store))

	clk.Add(time.Minute)
	assert.Eventually(t, func() bool { return idp.logins.Load() == 2 }, 2*time.Second, 10*time.Millisecond)
	assert.Eventually(t, func() bool { return m.State() == StateActive }, 2*time.Second, 10*time.Millisecond)
}

func TestReportAuthFailure_SingleRelogin(t *testing.T) {
	idp := newFakeIdP(t)
	m, _, clk := newTestManager(t, idp.config(ModePassword))
	require.NoError(t, m.Start(context.Background()))

	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.ReportAuthFailure("401 from api")
		}()
	}
	wg.Wait()
	assert.True(t, m.ReloginPending())

	clk.Add(time.Minute)
	assert.Eventually(t, func() bool { return idp.logins.Load() == 2 && !m.ReloginPending() }, 2*time.Second, 10*time.Millisecond)

	clk.Add(time.Minute)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(2), idp.logins.Load())
}

func TestDeviceLogin_PendingThenSuccess(t *testing.T) {
	idp := newFakeIdP(t)
	idp.deviceResponses = []string{"authorization_pending", "authorization_pending", "authorization_pending", ""}

	var (
		waits     []time.Duration
		userCodes []string
		m         *Manager
	)
	m, _, _ = newTestManager(t, idp.config(ModeDevice), WithSleep(func(ctx context.Context, d time.Duration) error {
		waits = append(waits, d)
		if p := m.PendingDevice(); p != nil {
			userCodes = append(userCodes, p.UserCode)
		}
		return nil
	}))

	require.NoError(t, m.Start(context.Background()))
	assert.Equal(t, []time.Duration{5 * time.Second, 5 * time.Second, 5 * time.Second}, waits)
	assert.Equal(t, int32(4), idp.devicePolls.Load())
	assert.Equal(t, []string{"ABCD-EFGH", "ABCD-EFGH", "ABCD-EFGH"}, userCodes)
	assert.Equal(t, StateActive, m.State())
	assert.Nil(t, m.PendingDevice())

	token, err := m.AccessToken()
	require.NoError(t, err)
	assert.Equal(t, "access-device", token)
}

func TestDeviceLogin_SlowDown(t *testing.T) {
	idp := newFakeIdP(t)
	idp.deviceResponses = []string{"slow_down", "authorization_pending", ""}

	var waits []time.Duration
	m, _, _ := newTestManager(t, idp.config(ModeDevice), WithSleep(func(ctx context.Context, d time.Duration) error {
		waits = append(waits, d)
		return nil
	}))

	require.NoError(t, m.Start(context.Background()))
	assert.Equal(t, []time.Duration{10 * time.Second, 10 * time.Second}, waits)
}

func TestDeviceLogin_Expired(t *testing.T) {
	idp := newFakeIdP(t)
	idp.deviceTTL = 12

	var clk *clock.Mock
	m, _, clk := newTestManager(t, idp.config(ModeDevice), WithSleep(func(ctx context.Context, d time.Duration) error {
		clk.Add(d)
		return nil
	}))

	err := m.Start(context.Background())
	assert.ErrorIs(t, err, ErrDeviceCodeExpired)
	assert.Equal(t, int32(3), idp.devicePolls.Load())
	assert.Equal(t, StateFailed, m.State())
}

func TestDeviceLogin_Denied(t *testing.T) {
	idp := newFakeIdP(t)
	idp.deviceResponses = []string{"access_denied"}
	m, _, _ := newTestManager(t, idp.config(ModeDevice), WithSleep(func(context.Context, time.Duration) error { return nil }))

	assert.ErrorIs(t, m.Start(context.Background()), ErrAuthorizationDenied)
	assert.False(t, m.ReloginPending())
}

func seedCredential(t *testing.T, store repository.StateStore, cred Credential) {
	t.Helper()
	ctx := context.Background()
	blob, err := Encode(cred)
	require.NoError(t, err)
	_, err = store.EnsureNode(ctx, SessionPath, models.KindContainer, models.Metadata{})
	require.NoError(t, err)
	_, err = store.EnsureNode(ctx, "session.main", models.KindLeaf, models.Metadata{})
	require.NoError(t, err)
	require.NoError(t, store.SetValue(ctx, "session.main", blob, true))
}

func TestStart_RestoresPersistedSession(t *testing.T) {
	idp := newFakeIdP(t)
	m, store, clk := newTestManager(t, idp.config(ModePassword))
	seedCredential(t, store, Credential{AccessToken: "stored", RefreshToken: "r", ExpiresIn: time.Hour, IssuedAt: clk.Now()})

	require.NoError(t, m.Start(context.Background()))
	token, _ := m.AccessToken()
	assert.Equal(t, "stored", token)
	assert.Equal(t, int32(0), idp.logins.Load())
	assert.Equal(t, StateActive, m.State())
}

func TestStart_RefreshesExpiredSession(t *testing.T) {
	idp := newFakeIdP(t)
	m, store, clk := newTestManager(t, idp.config(ModePassword))
	clk.Add(3 * time.Hour)
	seedCredential(t, store, Credential{AccessToken: "stored", RefreshToken: "r", ExpiresIn: time.Hour, IssuedAt: clk.Now().Add(-2 * time.Hour)})

	require.NoError(t, m.Start(context.Background()))
	token, _ := m.AccessToken()
	assert.Equal(t, "access-2", token)
	assert.Equal(t, int32(1), idp.refreshes.Load())
	assert.Equal(t, int32(0), idp.logins.Load())
}

func TestStart_ExpiredWithoutRefreshTokenLogsIn(t *testing.T) {
	idp := newFakeIdP(t)
	core, logs := observer.New(zapcore.InfoLevel)
	clk := clock.NewMock()
	store := repository.NewMemoryStore()
	m := NewManager(idp.config(ModePassword), zap.New(core), store, WithClock(clk))
	t.Cleanup(m.Stop)

	clk.Add(3 * time.Hour)
	seedCredential(t, store, Credential{AccessToken: "stored", ExpiresIn: time.Hour, IssuedAt: clk.Now().Add(-2 * time.Hour)})

	require.NoError(t, m.Start(context.Background()))

	expired := logs.FilterMessage("Session state changed").
		FilterField(zap.String("from", StateActive)).
		FilterField(zap.String("to", StateUnauthenticated))
	assert.Equal(t, 1, expired.Len())
	assert.Equal(t, 1, logs.FilterMessage("Persisted session expired").Len())

	token, err := m.AccessToken()
	require.NoError(t, err)
	assert.Equal(t, "access-1", token)
	assert.Equal(t, int32(1), idp.logins.Load())
	assert.Equal(t, int32(0), idp.refreshes.Load())
	assert.Equal(t, StateActive, m.State())
}

func TestConfig_Validate(t *testing.T) {
	base := Config{Name: "main", ClientID: "c", Username: "u", Password: "p", AuthURL: "a", TokenURL: "t", DeviceURL: "d"}

	tests := []struct {
		name   string
		mutate func(*Config)
		valid  bool
	}{
		{"password ok", func(*Config) {}, true},
		{"missing client id", func(c *Config) { c.ClientID = "" }, false},
		{"missing password", func(c *Config) { c.Password = "" }, false},
		{"device without username", func(c *Config) { c.Mode = ModeDevice; c.Username = ""; c.Password = "" }, true},
		{"device without url", func(c *Config) { c.Mode = ModeDevice; c.DeviceURL = "" }, false},
		{"unknown mode", func(c *Config) { c.Mode = "magic" }, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.valid {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, ErrNotConfigured)
			}
		})
	}
}
