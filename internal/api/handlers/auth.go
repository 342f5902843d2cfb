package handlers

import (
	"context"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/samber/lo"
	"go.uber.org/zap"

	"github.com/langchou/carbridge/internal/session"
)

// authStatus 单个身份的会话状态
type authStatus struct {
	Identity string              `json:"identity"`
	State    string              `json:"state"`
	Device   *session.DeviceCode `json:"device,omitempty"`
}

// loginRequest 登录请求体，身份为空时使用第一个会话
type loginRequest struct {
	Identity string `json:"identity"`
}

// AuthStatus 会话状态和待授权的设备码
// GET /api/auth
func (h *Handler) AuthStatus(c *gin.Context) {
	statuses := lo.Map(h.sessions, func(s AuthSession, _ int) authStatus {
		return authStatus{
			Identity: s.Name(),
			State:    s.State(),
			Device:   s.PendingDevice(),
		}
	})
	c.JSON(http.StatusOK, gin.H{"data": statuses})
}

// StartLogin 后台触发登录
// POST /api/auth/login
// 设备码模式下，登录开始后通过 GET /api/auth 获取用户码和验证地址
func (h *Handler) StartLogin(c *gin.Context) {
	var req loginRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
			return
		}
	}

	sess, err := h.findSession(req.Identity)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}

	if err := h.beginLogin(sess.Name()); err != nil {
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}

	// 登录可能等待用户授权，不随请求取消
	ctx := context.WithoutCancel(c.Request.Context())
	go func() {
		defer h.endLogin(sess.Name())
		if err := sess.Login(ctx); err != nil {
			h.logger.Warn("Login via API failed", zap.String("identity", sess.Name()), zap.Error(err))
		}
	}()

	h.logger.Info("Login started via API", zap.String("identity", sess.Name()))
	c.JSON(http.StatusAccepted, gin.H{
		"message":  "Login started",
		"identity": sess.Name(),
	})
}

func (h *Handler) findSession(identity string) (AuthSession, error) {
	if len(h.sessions) == 0 {
		return nil, session.ErrNotConfigured
	}
	if identity == "" {
		return h.sessions[0], nil
	}
	sess, ok := lo.Find(h.sessions, func(s AuthSession) bool { return s.Name() == identity })
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownIdentity, identity)
	}
	return sess, nil
}

func (h *Handler) beginLogin(identity string) error {
	h.loginMu.Lock()
	defer h.loginMu.Unlock()

	if h.loggingIn[identity] {
		return ErrLoginInProgress
	}
	h.loggingIn[identity] = true
	return nil
}

func (h *Handler) endLogin(identity string) {
	h.loginMu.Lock()
	delete(h.loggingIn, identity)
	h.loginMu.Unlock()
}
