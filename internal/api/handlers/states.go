package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/samber/lo"
	"go.uber.org/zap"

	"github.com/langchou/carbridge/internal/models"
	"github.com/langchou/carbridge/internal/repository"
)

// setStateRequest 写入请求体
type setStateRequest struct {
	Value any `json:"value"`
}

// ListStates 列出状态树节点
// GET /api/states?prefix=WBA123.state
func (h *Handler) ListStates(c *gin.Context) {
	prefix := c.Query("prefix")

	nodes, err := h.store.List(c.Request.Context(), prefix)
	if err != nil {
		h.logger.Error("Failed to list states", zap.Error(err), zap.String("prefix", prefix))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to list states"})
		return
	}

	// 会话凭证不对外列出
	nodes = lo.Reject(nodes, func(n *models.Node, _ int) bool {
		return repository.IsPrivate(n.Path)
	})

	c.JSON(http.StatusOK, gin.H{"data": nodes, "total": len(nodes)})
}

// GetState 获取单个节点
// GET /api/states/WBA123.state.mileage
func (h *Handler) GetState(c *gin.Context) {
	path := statePath(c)
	if path == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid state path"})
		return
	}
	if repository.IsPrivate(path) {
		c.JSON(http.StatusNotFound, gin.H{"error": repository.ErrNodeNotFound.Error()})
		return
	}

	node, err := h.store.GetValue(c.Request.Context(), path)
	if err != nil {
		c.JSON(errorStatus(err), gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": node})
}

// SetState 以未确认方式写入叶子节点
// PUT /api/states/WBA123.remotev2.door-lock  {"value": true}
// 写入 remotev2 下的节点会触发远程命令
func (h *Handler) SetState(c *gin.Context) {
	path := statePath(c)
	if path == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid state path"})
		return
	}
	if repository.IsPrivate(path) {
		c.JSON(http.StatusForbidden, gin.H{"error": "State path is read-only"})
		return
	}

	var req setStateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
		return
	}

	ctx := c.Request.Context()
	node, err := h.store.GetValue(ctx, path)
	if err != nil {
		c.JSON(errorStatus(err), gin.H{"error": err.Error()})
		return
	}
	if node.Kind != models.KindLeaf {
		c.JSON(http.StatusConflict, gin.H{"error": "Container has no value"})
		return
	}

	if err := h.store.SetValue(ctx, path, req.Value, false); err != nil {
		h.logger.Error("Failed to set state", zap.Error(err), zap.String("path", path))
		c.JSON(errorStatus(err), gin.H{"error": err.Error()})
		return
	}

	h.logger.Info("State written via API", zap.String("path", path), zap.Any("value", req.Value))
	c.JSON(http.StatusAccepted, gin.H{
		"message": "State written",
		"path":    path,
	})
}

// ListVehicles 获取已发现车辆列表
func (h *Handler) ListVehicles(c *gin.Context) {
	if h.vehicles == nil {
		c.JSON(http.StatusOK, gin.H{"data": []models.Vehicle{}})
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": h.vehicles.List()})
}
