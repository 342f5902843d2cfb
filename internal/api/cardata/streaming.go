package cardata

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"github.com/langchou/carbridge/internal/state"
	"github.com/looplab/fsm"
	"go.uber.org/zap"
)

// 推送连接状态
const (
	StreamDisconnected = "DISCONNECTED"
	StreamConnecting   = "CONNECTING"
	StreamConnected    = "CONNECTED"
	StreamError        = "ERROR"
)

// 推送连接事件
const (
	streamEventConnect   = "connect"
	streamEventConnected = "connected"
	streamEventFail      = "fail"
	streamEventClose     = "close"
)

// StreamEvents 推送连接状态机定义
var StreamEvents = fsm.Events{
	{Name: streamEventConnect, Src: []string{StreamDisconnected, StreamError, StreamConnected}, Dst: StreamConnecting},
	{Name: streamEventConnected, Src: []string{StreamConnecting, StreamError}, Dst: StreamConnected},
	{Name: streamEventFail, Src: []string{StreamConnecting, StreamConnected}, Dst: StreamError},
	{Name: streamEventClose, Src: []string{StreamConnecting, StreamConnected, StreamError}, Dst: StreamDisconnected},
}

// ErrStreamAuth 推送服务拒绝凭证
var ErrStreamAuth = errors.New("stream credential rejected")

// StreamConfig 推送连接配置
type StreamConfig struct {
	Broker            string // 例如 tls://customer.streaming-cardata.bmwgroup.com:9000
	TopicPrefix       string // 为空时使用用户名
	ClientID          string
	ConnectTimeout    time.Duration
	KeepAlive         time.Duration
	ReconnectDelay    time.Duration
	MaxReconnectDelay time.Duration
}

// StreamCredentials 返回推送连接的用户名和密码
type StreamCredentials func() (username, password string, err error)

// StreamingCallbacks 推送回调
type StreamingCallbacks struct {
	OnMessage    func(msg *StreamMessage) // 收到消息
	OnConnect    func()                   // 连接并订阅成功
	OnDisconnect func(err error)          // 连接断开
	OnAuthError  func(err error)          // 凭证被拒绝，需要刷新会话
}

// StreamingClient 基于 MQTT 的推送客户端
// 网络错误交给 paho 自动重连，凭证错误通过 OnAuthError 通知会话刷新
type StreamingClient struct {
	logger    *zap.Logger
	cfg       StreamConfig
	creds     StreamCredentials
	callbacks StreamingCallbacks
	machine   *state.Machine
	factory   func(*mqtt.ClientOptions) mqtt.Client

	mu        sync.Mutex
	client    mqtt.Client
	rebuildCh chan struct{}
}

// NewStreamingClient 创建推送客户端
func NewStreamingClient(logger *zap.Logger, cfg StreamConfig, creds StreamCredentials) *StreamingClient {
	if cfg.ClientID == "" {
		cfg.ClientID = "carbridge-" + uuid.NewString()
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 30 * time.Second
	}
	if cfg.KeepAlive <= 0 {
		cfg.KeepAlive = 30 * time.Second
	}
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = time.Second
	}
	if cfg.MaxReconnectDelay <= 0 {
		cfg.MaxReconnectDelay = 5 * time.Minute
	}

	c := &StreamingClient{
		logger:    logger,
		cfg:       cfg,
		creds:     creds,
		factory:   mqtt.NewClient,
		rebuildCh: make(chan struct{}, 1),
	}
	c.machine = state.NewMachine("stream", StreamDisconnected, StreamEvents, func(_, from, to string) {
		c.logger.Info("Stream state changed", zap.String("from", from), zap.String("to", to))
	})
	return c
}

// SetCallbacks 设置回调函数
func (c *StreamingClient) SetCallbacks(callbacks StreamingCallbacks) {
	c.callbacks = callbacks
}

// SetClientFactory 替换 MQTT 客户端构造函数
func (c *StreamingClient) SetClientFactory(factory func(*mqtt.ClientOptions) mqtt.Client) {
	c.factory = factory
}

// State 当前连接状态
func (c *StreamingClient) State() string {
	return c.machine.Current()
}

// IsConnected 检查连接状态
func (c *StreamingClient) IsConnected() bool {
	return c.machine.Is(StreamConnected)
}

// Connect 建立一次连接
func (c *StreamingClient) Connect(ctx context.Context) error {
	username, _, err := c.creds()
	if err != nil {
		return fmt.Errorf("stream credentials: %w", err)
	}

	c.fire(streamEventConnect)

	opts := mqtt.NewClientOptions().
		AddBroker(c.cfg.Broker).
		SetClientID(c.cfg.ClientID).
		SetUsername(username).
		SetCredentialsProvider(func() (string, string) {
			u, p, err := c.creds()
			if err != nil {
				c.logger.Warn("Stream credentials unavailable", zap.Error(err))
			}
			return u, p
		}).
		SetCleanSession(true).
		SetKeepAlive(c.cfg.KeepAlive).
		SetConnectTimeout(c.cfg.ConnectTimeout).
		SetAutoReconnect(true).
		SetConnectRetry(false).
		SetMaxReconnectInterval(c.cfg.MaxReconnectDelay).
		SetTLSConfig(&tls.Config{MinVersion: tls.VersionTLS12}).
		SetOnConnectHandler(c.onConnect).
		SetConnectionLostHandler(c.onConnectionLost).
		SetReconnectingHandler(func(mqtt.Client, *mqtt.ClientOptions) {
			c.fire(streamEventConnect)
		})

	client := c.factory(opts)
	token := client.Connect()
	select {
	case <-ctx.Done():
		client.Disconnect(0)
		return ctx.Err()
	case <-token.Done():
	}

	if err := token.Error(); err != nil {
		c.fire(streamEventFail)
		if IsAuthError(err) {
			return fmt.Errorf("%v: %w", err, ErrStreamAuth)
		}
		return fmt.Errorf("stream connect: %w", err)
	}

	c.mu.Lock()
	c.client = client
	c.mu.Unlock()
	return nil
}

// Start 启动连接循环，首次连接失败按指数退避重试
// 凭证错误时等待 Rebuild 而不是用旧凭证重试
func (c *StreamingClient) Start(ctx context.Context) {
	go c.run(ctx)
}

func (c *StreamingClient) run(ctx context.Context) {
	delay := c.cfg.ReconnectDelay
	for {
		if ctx.Err() != nil {
			c.Close()
			return
		}

		err := c.Connect(ctx)
		wait := time.Duration(0)
		switch {
		case err == nil:
			delay = c.cfg.ReconnectDelay
		case errors.Is(err, context.Canceled):
			c.Close()
			return
		case errors.Is(err, ErrStreamAuth):
			c.logger.Warn("Stream credential rejected, waiting for session refresh", zap.Error(err))
			if c.callbacks.OnAuthError != nil {
				c.callbacks.OnAuthError(err)
			}
			wait = c.cfg.MaxReconnectDelay
		default:
			c.logger.Warn("Stream connect failed, will retry", zap.Duration("delay", delay), zap.Error(err))
			wait = delay
			delay *= 2
			if delay > c.cfg.MaxReconnectDelay {
				delay = c.cfg.MaxReconnectDelay
			}
		}

		var timeout <-chan time.Time
		if wait > 0 {
			timeout = time.After(wait)
		}

		select {
		case <-ctx.Done():
			c.Close()
			return
		case <-c.rebuildCh:
			c.logger.Info("Rebuilding stream connection")
			c.disconnect()
		case <-timeout:
		}
	}
}

// Rebuild 凭证更新后重建连接
func (c *StreamingClient) Rebuild() {
	select {
	case c.rebuildCh <- struct{}{}:
	default:
		// 已有重建请求排队
	}
}

// Close 断开连接
func (c *StreamingClient) Close() {
	c.disconnect()
	c.fire(streamEventClose)
}

func (c *StreamingClient) disconnect() {
	c.mu.Lock()
	client := c.client
	c.client = nil
	c.mu.Unlock()

	if client != nil {
		client.Disconnect(250)
	}
}

func (c *StreamingClient) onConnect(client mqtt.Client) {
	username, _, err := c.creds()
	if err != nil {
		c.logger.Warn("Stream credentials unavailable", zap.Error(err))
	}
	topic := c.topic(username)

	token := client.Subscribe(topic, 1, c.onMessage)
	token.Wait()
	if err := token.Error(); err != nil {
		c.logger.Error("Stream subscribe failed", zap.String("topic", topic), zap.Error(err))
		c.fire(streamEventFail)
		return
	}

	c.fire(streamEventConnected)
	c.logger.Info("Stream connected", zap.String("topic", topic))
	if c.callbacks.OnConnect != nil {
		c.callbacks.OnConnect()
	}
}

func (c *StreamingClient) onConnectionLost(_ mqtt.Client, err error) {
	c.fire(streamEventFail)
	c.logger.Warn("Stream connection lost", zap.Error(err))

	if c.callbacks.OnDisconnect != nil {
		c.callbacks.OnDisconnect(err)
	}
	if IsAuthError(err) && c.callbacks.OnAuthError != nil {
		c.callbacks.OnAuthError(err)
	}
}

func (c *StreamingClient) onMessage(_ mqtt.Client, m mqtt.Message) {
	msg, err := ParseStreamMessage(m.Topic(), m.Payload())
	if err != nil {
		c.logger.Warn("Failed to parse stream message",
			zap.String("topic", m.Topic()),
			zap.String("payload", string(m.Payload())),
			zap.Error(err))
		return
	}
	msg.Received = time.Now()

	if c.callbacks.OnMessage != nil {
		c.callbacks.OnMessage(msg)
	}
}

func (c *StreamingClient) topic(username string) string {
	prefix := c.cfg.TopicPrefix
	if prefix == "" {
		prefix = username
	}
	return strings.TrimRight(prefix, "/") + "/+"
}

func (c *StreamingClient) fire(event string) {
	if err := c.machine.Fire(event); err != nil {
		c.logger.Debug("Stream state transition skipped", zap.String("event", event), zap.Error(err))
	}
}

// ParseStreamMessage 解析推送消息，VIN 缺失时取主题最后一段
func ParseStreamMessage(topic string, payload []byte) (*StreamMessage, error) {
	var msg StreamMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		return nil, fmt.Errorf("decode stream message: %w", err)
	}
	msg.Topic = topic

	if msg.VIN == "" {
		if i := strings.LastIndexByte(topic, '/'); i >= 0 && i < len(topic)-1 {
			msg.VIN = topic[i+1:]
		}
	}
	if msg.VIN == "" {
		return nil, fmt.Errorf("stream message without vin on topic %s", topic)
	}
	return &msg, nil
}

// IsAuthError 根据错误文本判断是否为凭证错误，传输层本身无法区分
func IsAuthError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrStreamAuth) {
		return true
	}
	text := strings.ToLower(err.Error())
	for _, marker := range []string{"not authorized", "not authorised", "bad user name or password", "bad username or password", "token expired", "unauthorized"} {
		if strings.Contains(text, marker) {
			return true
		}
	}
	return false
}
