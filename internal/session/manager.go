package session

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/cookiejar"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/langchou/carbridge/internal/repository"
	"github.com/langchou/carbridge/internal/state"
	"github.com/looplab/fsm"
	"go.uber.org/zap"
	"golang.org/x/oauth2"
)

// 登录方式
const (
	ModePassword = "password"
	ModeDevice   = "device"
)

// 会话状态
const (
	StateUnauthenticated = "UNAUTHENTICATED"
	StateAwaitingUser    = "AWAITING_USER_AUTHORIZATION"
	StateActive          = "ACTIVE"
	StateRefreshing      = "REFRESHING"
	StateFailed          = "FAILED"
)

// 会话事件
const (
	EventAwaitUser     = "await_user"
	EventAuthenticated = "authenticated"
	EventRefresh       = "refresh"
	EventFail          = "fail"
	EventExpire        = "expire"
)

// 错误定义
var (
	ErrNotConfigured       = errors.New("session not configured")
	ErrNotAuthenticated    = errors.New("not authenticated")
	ErrNoRefreshToken      = errors.New("no refresh token available")
	ErrLoginRejected       = errors.New("login rejected by identity provider")
	ErrInvalidCredentials  = errors.New("invalid credentials")
	ErrAuthorizationDenied = errors.New("authorization denied by user")
	ErrDeviceCodeExpired   = errors.New("device code expired")
)

// Events 会话状态机定义
var Events = fsm.Events{
	{Name: EventAwaitUser, Src: []string{StateUnauthenticated, StateFailed, StateActive, StateRefreshing}, Dst: StateAwaitingUser},
	{Name: EventAuthenticated, Src: []string{StateUnauthenticated, StateAwaitingUser, StateFailed, StateRefreshing, StateActive}, Dst: StateActive},
	{Name: EventRefresh, Src: []string{StateActive, StateFailed}, Dst: StateRefreshing},
	{Name: EventFail, Src: []string{StateUnauthenticated, StateAwaitingUser, StateRefreshing, StateActive}, Dst: StateFailed},
	{Name: EventExpire, Src: []string{StateActive, StateRefreshing, StateFailed, StateAwaitingUser}, Dst: StateUnauthenticated},
}

const (
	refreshMargin     = 5 * time.Minute
	minRefreshDelay   = 30 * time.Second
	defaultCooldown   = time.Minute
	defaultRetryDelay = 5 * time.Minute
)

// Config 会话配置
type Config struct {
	Name            string // 身份名称，main 或 codriver
	Mode            string
	Username        string
	Password        string
	ClientID        string
	ClientSecret    string
	AuthURL         string
	TokenURL        string
	DeviceURL       string
	RedirectURI     string
	Scopes          []string
	ReloginCooldown time.Duration // 刷新失败或鉴权失败后重新登录的延迟
	LoginRetryDelay time.Duration // 登录被拒绝后重试的延迟
	TrackConnection bool          // 是否维护 info.connection
}

// Validate 检查必需配置
func (c Config) Validate() error {
	if c.ClientID == "" {
		return fmt.Errorf("%s: missing client id: %w", c.Name, ErrNotConfigured)
	}
	switch c.Mode {
	case ModePassword, "":
		if c.Username == "" || c.Password == "" {
			return fmt.Errorf("%s: missing username or password: %w", c.Name, ErrNotConfigured)
		}
		if c.AuthURL == "" || c.TokenURL == "" {
			return fmt.Errorf("%s: missing auth or token url: %w", c.Name, ErrNotConfigured)
		}
	case ModeDevice:
		if c.DeviceURL == "" || c.TokenURL == "" {
			return fmt.Errorf("%s: missing device or token url: %w", c.Name, ErrNotConfigured)
		}
	default:
		return fmt.Errorf("%s: unknown auth mode %q: %w", c.Name, c.Mode, ErrNotConfigured)
	}
	return nil
}

// Option 管理器选项
type Option func(*Manager)

// WithClock 注入时钟
func WithClock(clk clock.Clock) Option {
	return func(m *Manager) { m.clock = clk }
}

// WithHTTPClient 注入 HTTP 客户端，调用方负责禁止跟随跳转
func WithHTTPClient(c *http.Client) Option {
	return func(m *Manager) { m.httpClient = c }
}

// WithSleep 注入等待函数，用于设备码轮询
func WithSleep(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(m *Manager) { m.sleep = fn }
}

// Manager 管理一个身份的 OAuth2 凭证生命周期
type Manager struct {
	cfg        Config
	logger     *zap.Logger
	store      repository.StateStore
	clock      clock.Clock
	httpClient *http.Client
	oauth      *oauth2.Config
	machine    *state.Machine
	sleep      func(ctx context.Context, d time.Duration) error

	cred    atomic.Pointer[Credential]
	pending atomic.Pointer[DeviceCode]

	loginMu sync.Mutex

	mu           sync.Mutex
	refreshTimer *clock.Timer
	reloginTimer *clock.Timer
	listeners    []func(Credential)
	stopped      bool

	ctx    context.Context
	cancel context.CancelFunc
}

// NewManager 创建会话管理器
func NewManager(cfg Config, logger *zap.Logger, store repository.StateStore, opts ...Option) *Manager {
	if cfg.Name == "" {
		cfg.Name = "main"
	}
	if cfg.Mode == "" {
		cfg.Mode = ModePassword
	}
	if cfg.ReloginCooldown <= 0 {
		cfg.ReloginCooldown = defaultCooldown
	}
	if cfg.LoginRetryDelay <= 0 {
		cfg.LoginRetryDelay = defaultRetryDelay
	}

	m := &Manager{
		cfg:    cfg,
		logger: logger.With(zap.String("identity", cfg.Name)),
		store:  store,
		clock:  clock.New(),
	}
	m.ctx, m.cancel = context.WithCancel(context.Background())
	for _, opt := range opts {
		opt(m)
	}

	if m.httpClient == nil {
		jar, _ := cookiejar.New(nil)
		m.httpClient = &http.Client{
			Timeout: 30 * time.Second,
			Jar:     jar,
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		}
	}
	if m.sleep == nil {
		m.sleep = m.clockSleep
	}

	authStyle := oauth2.AuthStyleInParams
	if cfg.ClientSecret != "" {
		authStyle = oauth2.AuthStyleInHeader
	}
	m.oauth = &oauth2.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		RedirectURL:  cfg.RedirectURI,
		Scopes:       cfg.Scopes,
		Endpoint: oauth2.Endpoint{
			AuthURL:       cfg.AuthURL,
			TokenURL:      cfg.TokenURL,
			DeviceAuthURL: cfg.DeviceURL,
			AuthStyle:     authStyle,
		},
	}

	m.machine = state.NewMachine(cfg.Name, StateUnauthenticated, Events, func(name, from, to string) {
		m.logger.Info("Session state changed", zap.String("from", from), zap.String("to", to))
	})
	return m
}

// Name 身份名称
func (m *Manager) Name() string {
	return m.cfg.Name
}

// State 当前会话状态
func (m *Manager) State() string {
	return m.machine.Current()
}

// PendingDevice 正在等待用户授权的设备码，没有时返回 nil
func (m *Manager) PendingDevice() *DeviceCode {
	return m.pending.Load()
}

// Credential 当前凭证的快照
func (m *Manager) Credential() (Credential, bool) {
	c := m.cred.Load()
	if c == nil {
		return Credential{}, false
	}
	return *c, true
}

// AccessToken 当前访问令牌
func (m *Manager) AccessToken() (string, error) {
	c := m.cred.Load()
	if c == nil {
		return "", ErrNotAuthenticated
	}
	return c.Bearer(), nil
}

// OnRotate 注册凭证更新回调，登录和刷新成功后调用
func (m *Manager) OnRotate(fn func(Credential)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, fn)
}

// Start 恢复持久化的会话，无效时登录
func (m *Manager) Start(ctx context.Context) error {
	m.setConnection(ctx, false)

	if cred, ok := m.loadPersisted(ctx); ok {
		now := m.clock.Now()
		switch {
		case !cred.Expired(now):
			m.logger.Info("Restored persisted session", zap.Time("expires_at", cred.ExpiresAt()))
			m.adopt(ctx, cred)
			return nil
		case cred.RefreshToken != "":
			m.cred.Store(&cred)
			if err := m.machine.Fire(EventAuthenticated); err != nil {
				m.logger.Warn("Session state transition failed", zap.Error(err))
			}
			return m.Refresh(ctx)
		default:
			// 已过期且没有刷新令牌，丢弃后重新登录
			m.cred.Store(&cred)
			if err := m.machine.Fire(EventAuthenticated); err != nil {
				m.logger.Warn("Session state transition failed", zap.Error(err))
			}
			m.logger.Info("Persisted session expired", zap.Time("expires_at", cred.ExpiresAt()))
			m.expire(ctx)
		}
	}
	return m.Login(ctx)
}

// Login 执行完整登录，同一时刻只有一个登录在进行
func (m *Manager) Login(ctx context.Context) error {
	if err := m.cfg.Validate(); err != nil {
		m.logger.Error("Session is not configured", zap.Error(err))
		return err
	}

	m.loginMu.Lock()
	defer m.loginMu.Unlock()

	m.logger.Info("Starting login", zap.String("mode", m.cfg.Mode))

	var (
		cred Credential
		err  error
	)
	if m.cfg.Mode == ModeDevice {
		cred, err = m.deviceLogin(ctx)
	} else {
		cred, err = m.passwordLogin(ctx)
	}
	if err != nil {
		m.fail(ctx)
		switch {
		case errors.Is(err, ErrInvalidCredentials), errors.Is(err, ErrAuthorizationDenied), errors.Is(err, context.Canceled):
			m.logger.Error("Login failed, check credentials", zap.Error(err))
		default:
			m.logger.Error("Login failed, scheduling retry", zap.Error(err), zap.Duration("retry_in", m.cfg.LoginRetryDelay))
			m.scheduleRelogin(m.cfg.LoginRetryDelay)
		}
		return err
	}

	m.logger.Info("Login successful", zap.Duration("expires_in", cred.ExpiresIn))
	m.adopt(ctx, cred)
	return nil
}

// Refresh 用刷新令牌换取新令牌，失败后安排重新登录
func (m *Manager) Refresh(ctx context.Context) error {
	current := m.cred.Load()
	if current == nil || current.RefreshToken == "" {
		m.scheduleRelogin(m.cfg.ReloginCooldown)
		return ErrNoRefreshToken
	}

	if err := m.machine.Fire(EventRefresh); err != nil {
		m.logger.Warn("Session state transition failed", zap.Error(err))
	}

	expired := current.OAuth2Token()
	expired.Expiry = time.Unix(1, 0)
	tok, err := m.oauth.TokenSource(m.oauthContext(ctx), expired).Token()
	if err != nil {
		err = classifyTokenError(err)
		m.fail(ctx)
		m.logger.Error("Refresh token failed, scheduling relogin",
			zap.Error(err), zap.Duration("relogin_in", m.cfg.ReloginCooldown))
		m.scheduleRelogin(m.cfg.ReloginCooldown)
		return fmt.Errorf("refresh token: %w", err)
	}

	cred := credentialFromToken(tok, m.clock.Now())
	// 部分身份提供方刷新时不返回 id_token
	if cred.IDToken == "" {
		cred.IDToken = current.IDToken
	}
	if cred.GCID == "" {
		cred.GCID = current.GCID
	}

	m.logger.Info("Token refreshed", zap.Duration("expires_in", cred.ExpiresIn))
	m.adopt(ctx, cred)
	return nil
}

// ReportAuthFailure API 调用返回鉴权失败时调用，冷却期内只安排一次重新登录
func (m *Manager) ReportAuthFailure(reason string) {
	if m.scheduleRelogin(m.cfg.ReloginCooldown) {
		m.logger.Warn("Authentication failure reported, relogin scheduled",
			zap.String("reason", reason),
			zap.Duration("relogin_in", m.cfg.ReloginCooldown))
		m.setConnection(m.ctx, false)
		return
	}
	m.logger.Debug("Relogin already pending", zap.String("reason", reason))
}

// Stop 停止所有计时器
func (m *Manager) Stop() {
	m.mu.Lock()
	m.stopped = true
	if m.refreshTimer != nil {
		m.refreshTimer.Stop()
		m.refreshTimer = nil
	}
	if m.reloginTimer != nil {
		m.reloginTimer.Stop()
		m.reloginTimer = nil
	}
	m.mu.Unlock()
	m.cancel()
}

// ReloginPending 是否有待执行的重新登录
func (m *Manager) ReloginPending() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.reloginTimer != nil
}

// adopt 原子替换凭证，持久化并通知订阅者
func (m *Manager) adopt(ctx context.Context, cred Credential) {
	m.cred.Store(&cred)

	if err := m.machine.Fire(EventAuthenticated); err != nil {
		m.logger.Warn("Session state transition failed", zap.Error(err))
	}
	m.logger.Debug("Credential updated", zap.String("access_token", redact(cred.AccessToken)))

	m.persist(ctx, cred)
	m.setConnection(ctx, true)
	m.scheduleRefresh(cred)

	m.mu.Lock()
	listeners := append([]func(Credential){}, m.listeners...)
	m.mu.Unlock()
	for _, fn := range listeners {
		fn(cred)
	}
}

// expire 清除无法续期的凭证，回到未认证状态
func (m *Manager) expire(ctx context.Context) {
	m.cred.Store(nil)
	if err := m.machine.Fire(EventExpire); err != nil {
		m.logger.Warn("Session state transition failed", zap.Error(err))
	}
	m.setConnection(ctx, false)
}

func (m *Manager) fail(ctx context.Context) {
	if fireErr := m.machine.Fire(EventFail); fireErr != nil {
		m.logger.Warn("Session state transition failed", zap.Error(fireErr))
	}
	m.setConnection(ctx, false)
}

// scheduleRefresh 在过期前主动刷新
func (m *Manager) scheduleRefresh(cred Credential) {
	if cred.ExpiresIn <= 0 {
		return
	}
	delay := cred.ExpiresIn - refreshMargin
	if delay < minRefreshDelay {
		delay = minRefreshDelay
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopped {
		return
	}
	if m.refreshTimer != nil {
		m.refreshTimer.Stop()
	}
	m.refreshTimer = m.clock.AfterFunc(delay, func() {
		if err := m.Refresh(m.ctx); err != nil {
			m.logger.Warn("Scheduled refresh failed", zap.Error(err))
		}
	})
}

// scheduleRelogin 安排一次重新登录，已有待执行的重新登录时返回 false
func (m *Manager) scheduleRelogin(delay time.Duration) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopped || m.reloginTimer != nil {
		return false
	}

	m.reloginTimer = m.clock.AfterFunc(delay, func() {
		m.mu.Lock()
		m.reloginTimer = nil
		m.mu.Unlock()

		if err := m.Login(m.ctx); err != nil {
			m.logger.Warn("Relogin failed", zap.Error(err))
		}
	})
	return true
}

func (m *Manager) clockSleep(ctx context.Context, d time.Duration) error {
	t := m.clock.Timer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (m *Manager) oauthContext(ctx context.Context) context.Context {
	return context.WithValue(ctx, oauth2.HTTPClient, m.httpClient)
}

// classifyTokenError 将令牌端点的 OAuth 错误码映射为哨兵错误
func classifyTokenError(err error) error {
	var re *oauth2.RetrieveError
	if !errors.As(err, &re) {
		return err
	}
	switch {
	case re.ErrorCode == "invalid_grant", re.Response != nil && re.Response.StatusCode == http.StatusUnauthorized:
		return fmt.Errorf("%s: %w", re.ErrorCode, ErrLoginRejected)
	case re.ErrorCode == "access_denied":
		return fmt.Errorf("%s: %w", re.ErrorCode, ErrAuthorizationDenied)
	default:
		return err
	}
}
