package repository

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/langchou/carbridge/internal/models"
)

// MemoryStore 进程内状态存储
type MemoryStore struct {
	mu      sync.RWMutex
	nodes   map[string]*models.Node
	version uint64
	subs    subscribers
}

// NewMemoryStore 创建内存存储
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		nodes: make(map[string]*models.Node),
	}
}

// EnsureNode 节点不存在时创建
func (s *MemoryStore) EnsureNode(ctx context.Context, path string, kind models.NodeKind, meta models.Metadata) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if n, ok := s.nodes[path]; ok {
		if n.Kind != kind {
			return false, fmt.Errorf("%s is %s, not %s: %w", path, n.Kind, kind, ErrKindConflict)
		}
		return false, nil
	}

	s.nodes[path] = &models.Node{
		Path:      path,
		Kind:      kind,
		Meta:      meta,
		UpdatedAt: time.Now(),
	}
	return true, nil
}

// ExtendNode 更新元数据
func (s *MemoryStore) ExtendNode(ctx context.Context, path string, meta models.Metadata) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	n, ok := s.nodes[path]
	if !ok {
		return fmt.Errorf("extend %s: %w", path, ErrNodeNotFound)
	}
	n.Meta = mergeMetadata(n.Meta, meta)
	return nil
}

// SetValue 设置叶子节点的值
func (s *MemoryStore) SetValue(ctx context.Context, path string, value any, ack bool) error {
	s.mu.Lock()
	n, ok := s.nodes[path]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("set %s: %w", path, ErrNodeNotFound)
	}
	if n.Kind != models.KindLeaf {
		s.mu.Unlock()
		return fmt.Errorf("set %s: container has no value: %w", path, ErrKindConflict)
	}

	s.version++
	n.Value = value
	n.Ack = ack
	n.LastSeenVersion = s.version
	n.UpdatedAt = time.Now()
	change := models.Change{Path: path, Value: value, Ack: ack, Version: s.version}
	s.mu.Unlock()

	s.subs.notify(change)
	return nil
}

// GetValue 获取节点副本
func (s *MemoryStore) GetValue(ctx context.Context, path string) (*models.Node, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n, ok := s.nodes[path]
	if !ok {
		return nil, fmt.Errorf("get %s: %w", path, ErrNodeNotFound)
	}
	nodeCopy := *n
	return &nodeCopy, nil
}

// DeleteSubtree 删除节点及其所有子节点
func (s *MemoryStore) DeleteSubtree(ctx context.Context, path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for p := range s.nodes {
		if inSubtree(p, path) {
			delete(s.nodes, p)
		}
	}
	return nil
}

// List 按路径排序列出前缀下的节点
func (s *MemoryStore) List(ctx context.Context, prefix string) ([]*models.Node, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	nodes := make([]*models.Node, 0)
	for p, n := range s.nodes {
		if inSubtree(p, prefix) {
			nodeCopy := *n
			nodes = append(nodes, &nodeCopy)
		}
	}
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].Path < nodes[j].Path })
	return nodes, nil
}

// Subscribe 订阅值变更
func (s *MemoryStore) Subscribe(fn func(models.Change)) func() {
	return s.subs.add(fn)
}

// Close 无需释放资源
func (s *MemoryStore) Close() error {
	return nil
}

// mergeMetadata 非空字段覆盖原值
func mergeMetadata(base, ext models.Metadata) models.Metadata {
	if ext.Name != "" {
		base.Name = ext.Name
	}
	if ext.Role != "" {
		base.Role = ext.Role
	}
	if ext.Type != "" {
		base.Type = ext.Type
	}
	if len(ext.States) > 0 {
		base.States = ext.States
	}
	base.Read = base.Read || ext.Read
	base.Write = base.Write || ext.Write
	return base
}
