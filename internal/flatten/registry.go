package flatten

import (
	"strings"
	"sync"

	"github.com/langchou/carbridge/internal/models"
)

// Registry 记录本实例已创建的节点路径及其类型，只增不减
type Registry struct {
	mu    sync.RWMutex
	kinds map[string]models.NodeKind
}

// NewRegistry 创建注册表
func NewRegistry() *Registry {
	return &Registry{kinds: make(map[string]models.NodeKind)}
}

// Lookup 查询路径是否已创建
func (r *Registry) Lookup(path string) (models.NodeKind, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	kind, ok := r.kinds[path]
	return kind, ok
}

// Mark 标记路径已创建
func (r *Registry) Mark(path string, kind models.NodeKind) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.kinds[path] = kind
}

// Len 已创建的路径数量
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.kinds)
}

// Clear 清空注册表
func (r *Registry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.kinds = make(map[string]models.NodeKind)
}

// Forget 移除 root 及其子路径
func (r *Registry) Forget(root string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for path := range r.kinds {
		if path == root || strings.HasPrefix(path, root+".") {
			delete(r.kinds, path)
		}
	}
}
