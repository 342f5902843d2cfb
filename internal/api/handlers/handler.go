package handlers

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/langchou/carbridge/internal/models"
	"github.com/langchou/carbridge/internal/repository"
	"github.com/langchou/carbridge/internal/session"
	"github.com/langchou/carbridge/pkg/ws"
)

// 错误定义
var (
	ErrUnknownIdentity = errors.New("unknown identity")
	ErrLoginInProgress = errors.New("login already in progress")
)

// VehicleLister 已发现车辆列表
type VehicleLister interface {
	List() []models.Vehicle
}

// AuthSession 可由接口查看和触发登录的会话
type AuthSession interface {
	Name() string
	State() string
	PendingDevice() *session.DeviceCode
	Login(ctx context.Context) error
}

// Handler HTTP 处理器
type Handler struct {
	logger   *zap.Logger
	store    repository.StateStore
	vehicles VehicleLister
	sessions []AuthSession
	gatherer prometheus.Gatherer
	wsHub    *ws.Hub
	upgrader websocket.Upgrader

	// 正在进行的登录，按身份名
	loginMu   sync.Mutex
	loggingIn map[string]bool
}

// NewHandler 创建处理器
func NewHandler(
	logger *zap.Logger,
	store repository.StateStore,
	vehicles VehicleLister,
	sessions []AuthSession,
	gatherer prometheus.Gatherer,
	wsHub *ws.Hub,
) *Handler {
	return &Handler{
		logger:    logger,
		store:     store,
		vehicles:  vehicles,
		sessions:  sessions,
		gatherer:  gatherer,
		wsHub:     wsHub,
		loggingIn: make(map[string]bool),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true // 本地运维界面，允许所有来源
			},
		},
	}
}

// statePath 把 URL 通配段转为状态树路径，"/" 与 "." 等价
func statePath(c *gin.Context) string {
	p := strings.Trim(c.Param("path"), "/")
	return strings.ReplaceAll(p, "/", ".")
}

// errorStatus 存储错误对应的 HTTP 状态码
func errorStatus(err error) int {
	switch {
	case errors.Is(err, repository.ErrNodeNotFound):
		return http.StatusNotFound
	case errors.Is(err, repository.ErrKindConflict):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}
