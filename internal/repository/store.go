package repository

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/langchou/carbridge/internal/models"
)

// 错误定义
var (
	ErrNodeNotFound = errors.New("node not found")
	ErrKindConflict = errors.New("node kind conflict")
)

// StateStore 层级状态存储
// 路径以 "." 分隔，节点类型一旦创建不可变
type StateStore interface {
	// EnsureNode 节点不存在时创建，返回是否新建
	EnsureNode(ctx context.Context, path string, kind models.NodeKind, meta models.Metadata) (bool, error)
	// ExtendNode 合并更新已有节点的元数据
	ExtendNode(ctx context.Context, path string, meta models.Metadata) error
	SetValue(ctx context.Context, path string, value any, ack bool) error
	GetValue(ctx context.Context, path string) (*models.Node, error)
	DeleteSubtree(ctx context.Context, path string) error
	List(ctx context.Context, prefix string) ([]*models.Node, error)
	Subscribe(fn func(models.Change)) (unsubscribe func())
	Close() error
}

// PrivateRoot 内部数据子树（会话凭证），不经 HTTP 或 WebSocket 暴露
const PrivateRoot = "session"

// IsPrivate 判断路径是否属于内部子树
func IsPrivate(path string) bool {
	return inSubtree(path, PrivateRoot)
}

// inSubtree 判断 path 是否位于 root 子树内（包含 root 本身）
func inSubtree(path, root string) bool {
	if root == "" {
		return true
	}
	return path == root || strings.HasPrefix(path, root+".")
}

// subscribers 变更订阅者列表
type subscribers struct {
	mu   sync.RWMutex
	next int
	fns  map[int]func(models.Change)
}

func (s *subscribers) add(fn func(models.Change)) func() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.fns == nil {
		s.fns = make(map[int]func(models.Change))
	}
	id := s.next
	s.next++
	s.fns[id] = fn

	return func() {
		s.mu.Lock()
		delete(s.fns, id)
		s.mu.Unlock()
	}
}

func (s *subscribers) notify(c models.Change) {
	s.mu.RLock()
	fns := make([]func(models.Change), 0, len(s.fns))
	for _, fn := range s.fns {
		fns = append(fns, fn)
	}
	s.mu.RUnlock()

	for _, fn := range fns {
		fn(c)
	}
}
