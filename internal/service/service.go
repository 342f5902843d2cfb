package service

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/langchou/carbridge/internal/api/cardata"
	"github.com/langchou/carbridge/internal/flatten"
	"github.com/langchou/carbridge/internal/metrics"
	"github.com/langchou/carbridge/internal/quota"
	"github.com/langchou/carbridge/internal/repository"
)

// 默认参数
const (
	MinPollInterval         = 30 * time.Second
	defaultPollInterval     = 5 * time.Minute
	defaultDailyInterval    = 24 * time.Hour
	defaultRateLimitBackoff = 30 * time.Second
	defaultLowBackoff       = 2 * time.Minute
	defaultStatusPolls      = 2
	defaultCommandDelay     = 10 * time.Second
	defaultRefreshAfter     = 10 * time.Second
)

// Authenticator 轮询和命令需要的会话能力
type Authenticator interface {
	Name() string
	AccessToken() (string, error)
	ReportAuthFailure(reason string)
}

// Account 一个身份及其 API 客户端
type Account struct {
	Session Authenticator
	Client  *cardata.Client
}

// Config 服务配置
type Config struct {
	Brands              []string
	PollInterval        time.Duration
	CallDelay           time.Duration // 两次调用之间的间隔，0 表示不限速
	DailyInterval       time.Duration
	QuotaLimit          int
	RateLimitBackoff    time.Duration // 主要端点 429 后的等待
	RateLimitBackoffLow time.Duration // 低优先级端点 429 后的等待
	CommandStatusPolls  int // 提交后查询执行状态的次数，负数表示不查询
	CommandStatusDelay  time.Duration
	RefreshAfterCommand time.Duration
	Endpoints           []Endpoint
}

func (c *Config) applyDefaults() {
	if len(c.Brands) == 0 {
		c.Brands = []string{"bmw", "mini"}
	}
	if c.PollInterval <= 0 {
		c.PollInterval = defaultPollInterval
	}
	if c.PollInterval < MinPollInterval {
		c.PollInterval = MinPollInterval
	}
	if c.DailyInterval <= 0 {
		c.DailyInterval = defaultDailyInterval
	}
	if c.QuotaLimit <= 0 {
		c.QuotaLimit = 50
	}
	if c.RateLimitBackoff <= 0 {
		c.RateLimitBackoff = defaultRateLimitBackoff
	}
	if c.RateLimitBackoffLow <= 0 {
		c.RateLimitBackoffLow = defaultLowBackoff
	}
	switch {
	case c.CommandStatusPolls == 0:
		c.CommandStatusPolls = defaultStatusPolls
	case c.CommandStatusPolls < 0:
		c.CommandStatusPolls = 0
	}
	if c.CommandStatusDelay <= 0 {
		c.CommandStatusDelay = defaultCommandDelay
	}
	if c.RefreshAfterCommand <= 0 {
		c.RefreshAfterCommand = defaultRefreshAfter
	}
	if c.Endpoints == nil {
		c.Endpoints = DefaultEndpoints()
	}
}

// Option 服务选项
type Option func(*BridgeService)

// WithClock 替换时钟
func WithClock(clk clock.Clock) Option {
	return func(s *BridgeService) { s.clock = clk }
}

// WithMetrics 启用指标
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *BridgeService) { s.metrics = m }
}

// WithSleep 替换退避和命令状态轮询的等待函数
func WithSleep(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(s *BridgeService) { s.sleep = fn }
}

// BridgeService 轮询调度、车辆注册、命令分发和推送数据落库
type BridgeService struct {
	cfg       Config
	logger    *zap.Logger
	store     repository.StateStore
	flattener *flatten.Flattener
	accounts  []Account
	vehicles  *VehicleRegistry
	ledger    *quota.Ledger
	limiter   *rate.Limiter
	clock     clock.Clock
	metrics   *metrics.Metrics
	sleep     func(ctx context.Context, d time.Duration) error

	// 同一时刻只有一个轮询周期在执行
	cycleMu sync.Mutex

	historyMu sync.Mutex
	noHistory map[string]bool // vin/endpoint

	mu           sync.Mutex
	running      bool
	stopCh       chan struct{}
	refreshCh    chan struct{}
	refreshTimer *clock.Timer
	unsubscribe  func()
	streams      []*streamLink
	runCtx       context.Context
	cancel       context.CancelFunc
	wg           sync.WaitGroup
}

// NewBridgeService 创建服务
func NewBridgeService(cfg Config, logger *zap.Logger, store repository.StateStore, flattener *flatten.Flattener, accounts []Account, opts ...Option) *BridgeService {
	cfg.applyDefaults()

	s := &BridgeService{
		cfg:       cfg,
		logger:    logger,
		store:     store,
		flattener: flattener,
		accounts:  accounts,
		vehicles:  NewVehicleRegistry(),
		clock:     clock.New(),
		noHistory: make(map[string]bool),
		stopCh:    make(chan struct{}),
		refreshCh: make(chan struct{}, 1),
		runCtx:    context.Background(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.sleep == nil {
		s.sleep = s.clockSleep
	}

	s.ledger = quota.NewLedger(s.clock, cfg.QuotaLimit)
	limit := rate.Inf
	if cfg.CallDelay > 0 {
		limit = rate.Every(cfg.CallDelay)
	}
	s.limiter = rate.NewLimiter(limit, 1)
	return s
}

// Vehicles 已发现的车辆
func (s *BridgeService) Vehicles() *VehicleRegistry {
	return s.vehicles
}

// Ledger 调用配额账本
func (s *BridgeService) Ledger() *quota.Ledger {
	return s.ledger
}

// Start 启动轮询、每日任务、命令监听和推送连接
func (s *BridgeService) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		s.logger.Info("Bridge service already running, skipping start")
		return nil
	}
	s.stopCh = make(chan struct{})
	s.running = true
	// Stop 取消该 context，进行中的限速等待和调用随之中止
	ctx, s.cancel = context.WithCancel(ctx)
	s.runCtx = ctx
	s.unsubscribe = s.store.Subscribe(s.onChange)
	streams := s.streams
	s.mu.Unlock()

	s.logger.Info("Starting bridge service",
		zap.Duration("poll_interval", s.cfg.PollInterval),
		zap.Duration("call_delay", s.cfg.CallDelay),
		zap.Strings("brands", s.cfg.Brands),
		zap.Int("quota_limit", s.cfg.QuotaLimit))

	s.updateQuota(ctx, s.ledger.Remaining())

	s.wg.Add(2)
	go s.pollLoop(ctx)
	go s.dailyLoop(ctx)

	for _, l := range streams {
		l.client.Start(ctx)
	}

	s.logger.Info("Bridge service started, polling loop running")
	return nil
}

// Stop 停止所有计时器、推送连接并等待后台任务结束
func (s *BridgeService) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	if s.refreshTimer != nil {
		s.refreshTimer.Stop()
		s.refreshTimer = nil
	}
	if s.unsubscribe != nil {
		s.unsubscribe()
		s.unsubscribe = nil
	}
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	streams := s.streams
	s.mu.Unlock()

	s.logger.Info("Stopping bridge service")

	for _, l := range streams {
		l.client.Close()
	}

	close(s.stopCh)
	s.wg.Wait()
	s.logger.Info("Bridge service stopped")
}

// TriggerRefresh 请求尽快执行一次轮询，已有请求排队时忽略
func (s *BridgeService) TriggerRefresh() {
	select {
	case s.refreshCh <- struct{}{}:
	default:
	}
}

// RefreshAfter 延迟触发一次轮询，新的请求替换旧的
func (s *BridgeService) RefreshAfter(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return
	}
	if s.refreshTimer != nil {
		s.refreshTimer.Stop()
	}
	s.refreshTimer = s.clock.AfterFunc(d, func() {
		s.logger.Info("Refresh values")
		s.TriggerRefresh()
	})
}

// pollLoop 启动时立即轮询一次（包含每日端点），之后按固定间隔轮询
func (s *BridgeService) pollLoop(ctx context.Context) {
	defer s.wg.Done()

	s.logger.Info("Performing initial poll...")
	_ = s.PollOnce(ctx, true)

	ticker := s.clock.Ticker(s.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			_ = s.PollOnce(ctx, false)
		case <-s.refreshCh:
			_ = s.PollOnce(ctx, false)
		}
	}
}

// dailyLoop 独立计时器驱动的每日端点
func (s *BridgeService) dailyLoop(ctx context.Context) {
	defer s.wg.Done()

	ticker := s.clock.Ticker(s.cfg.DailyInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.PollDaily(ctx)
		}
	}
}

// clockSleep 可被 Stop 打断的等待
func (s *BridgeService) clockSleep(ctx context.Context, d time.Duration) error {
	s.mu.Lock()
	stopCh := s.stopCh
	s.mu.Unlock()

	t := s.clock.Timer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-stopCh:
		return context.Canceled
	case <-t.C:
		return nil
	}
}

// goTracked 在服务的 WaitGroup 中运行后台任务，服务未运行时丢弃
func (s *BridgeService) goTracked(fn func(ctx context.Context)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return
	}
	ctx := s.runCtx

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		fn(ctx)
	}()
}
