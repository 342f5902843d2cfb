package flatten

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/langchou/carbridge/internal/models"
	"github.com/langchou/carbridge/internal/repository"
	"github.com/tidwall/gjson"
	"go.uber.org/zap"
)

// ErrInvalidDocument 输入不是合法 JSON
var ErrInvalidDocument = errors.New("invalid json document")

// maxSafeInteger 超过该绝对值的整数以字符串保存
const maxSafeInteger = 1 << 53

// Options 展开选项
type Options struct {
	PreferredArrayName string // 数组元素优先使用的路径段字段
	ForceIndex         bool   // 数组元素一律使用序号
	Write              bool   // 新建叶子是否可写
	ChannelName        string // 根容器名称
}

// Flattener 将任意 JSON 文档展开为层级状态节点
type Flattener struct {
	logger  *zap.Logger
	store   repository.StateStore
	catalog *Catalog
	created *Registry
}

// New 创建展开器
func New(logger *zap.Logger, store repository.StateStore, catalog *Catalog) *Flattener {
	if catalog == nil {
		catalog = NewCatalog()
	}
	return &Flattener{
		logger:  logger,
		store:   store,
		catalog: catalog,
		created: NewRegistry(),
	}
}

// Created 返回已创建节点的注册表
func (f *Flattener) Created() *Registry {
	return f.created
}

// Forget 从注册表中移除子树，子树被删除后需调用
func (f *Flattener) Forget(root string) {
	f.created.Forget(root)
}

// Flatten 展开原始 JSON 到 basePath 之下
// 单个属性失败只记录日志，不影响其它属性
func (f *Flattener) Flatten(ctx context.Context, basePath string, raw []byte, opts Options) error {
	if !gjson.ValidBytes(raw) {
		return fmt.Errorf("flatten %s: %w", basePath, ErrInvalidDocument)
	}
	return f.FlattenResult(ctx, basePath, gjson.ParseBytes(raw), opts)
}

// FlattenResult 展开已解析的文档
func (f *Flattener) FlattenResult(ctx context.Context, basePath string, doc gjson.Result, opts Options) error {
	switch {
	case !doc.Exists() || doc.Type == gjson.Null:
		f.logger.Debug("Cannot extract empty document", zap.String("path", basePath))
		return nil
	case doc.IsObject():
		return f.object(ctx, basePath, doc, opts, opts.ChannelName)
	case doc.IsArray():
		return f.array(ctx, basePath, doc, opts, opts.ChannelName)
	default:
		return f.leaf(ctx, basePath, "", doc.String(), doc, opts)
	}
}

// EnsureContainer 创建容器节点，已创建时跳过
func (f *Flattener) EnsureContainer(ctx context.Context, path, name string) error {
	return f.ensure(ctx, path, models.KindContainer, models.Metadata{Name: name, Read: true}, false)
}

// EnsureParents 逐级创建 path 的所有祖先容器
func (f *Flattener) EnsureParents(ctx context.Context, path string) error {
	segs := strings.Split(path, ".")
	for i := 1; i < len(segs); i++ {
		if err := f.EnsureContainer(ctx, strings.Join(segs[:i], "."), f.describe(segs[i-1])); err != nil {
			return err
		}
	}
	return nil
}

// Describe 目录中的描述，没有时返回键本身
func (f *Flattener) Describe(key string) string {
	return f.describe(key)
}

func (f *Flattener) object(ctx context.Context, path string, doc gjson.Result, opts Options, name string) error {
	if err := f.ensure(ctx, path, models.KindContainer, models.Metadata{Name: name, Read: true}, false); err != nil {
		return err
	}

	doc.ForEach(func(k, v gjson.Result) bool {
		if ctx.Err() != nil {
			return false
		}
		if err := f.property(ctx, path, k.String(), v, opts); err != nil {
			f.logger.Warn("Failed to flatten property",
				zap.String("path", path),
				zap.String("key", k.String()),
				zap.Error(err))
		}
		return true
	})
	return ctx.Err()
}

func (f *Flattener) property(ctx context.Context, parent, key string, v gjson.Result, opts Options) error {
	seg := sanitize(key)
	if seg == "" {
		return fmt.Errorf("empty key under %s", parent)
	}
	path := join(parent, seg)

	if v.Type == gjson.String && embeddedJSON(v.Str) {
		v = gjson.Parse(v.Str)
	}

	switch {
	case v.IsArray():
		return f.array(ctx, path, v, opts, f.describe(key))
	case v.IsObject():
		return f.object(ctx, path, v, opts, f.describe(key))
	default:
		return f.leaf(ctx, path, key, key, v, opts)
	}
}

func (f *Flattener) array(ctx context.Context, path string, arr gjson.Result, opts Options, name string) error {
	if err := f.ensure(ctx, path, models.KindContainer, models.Metadata{Name: name, Read: true}, false); err != nil {
		return err
	}

	index := 0
	arr.ForEach(func(_, el gjson.Result) bool {
		if ctx.Err() != nil {
			return false
		}
		if err := f.element(ctx, path, index, el, opts); err != nil {
			f.logger.Warn("Failed to flatten array element",
				zap.String("path", path),
				zap.Int("index", index),
				zap.Error(err))
		}
		index++
		return true
	})
	return ctx.Err()
}

// element 展开一个数组元素
// 恰好两个字符串字段的对象按键值对编码，先于路径段规则和 ForceIndex
func (f *Flattener) element(ctx context.Context, path string, index int, el gjson.Result, opts Options) error {
	if key, value, name, ok := pairEntry(el); ok {
		return f.setLeaf(ctx, join(path, key), "", name, value, opts)
	}

	seg, _ := Segment(el, index, opts)
	child := join(path, seg)

	switch {
	case el.IsObject():
		return f.object(ctx, child, el, opts, seg)
	case el.IsArray():
		return f.array(ctx, child, el, opts, seg)
	case el.Type == gjson.String || el.Type == gjson.Number:
		return f.leaf(ctx, child, "", el.String(), el, opts)
	default:
		return f.leaf(ctx, child, "", seg, el, opts)
	}
}

func (f *Flattener) leaf(ctx context.Context, path, key, name string, v gjson.Result, opts Options) error {
	return f.setLeaf(ctx, path, key, name, leafValue(v), opts)
}

func (f *Flattener) setLeaf(ctx context.Context, path, key, name string, value any, opts Options) error {
	meta := models.Metadata{
		Name:  name,
		Role:  RoleFor(value, opts.Write),
		Type:  TypeOf(value),
		Read:  true,
		Write: opts.Write,
	}

	described := false
	if key != "" {
		if desc, ok := f.catalog.Describe(key); ok {
			meta.Name = desc
			described = true
		}
		if states := f.catalog.States(key); len(states) > 0 {
			meta.States = states
			described = true
		}
	}

	if err := f.ensure(ctx, path, models.KindLeaf, meta, described); err != nil {
		return err
	}
	return f.store.SetValue(ctx, path, value, true)
}

// ensure 每个路径在本实例生命周期内只创建一次
// 已存在的节点在首次遇到时用目录描述更新名称
func (f *Flattener) ensure(ctx context.Context, path string, kind models.NodeKind, meta models.Metadata, described bool) error {
	if existing, ok := f.created.Lookup(path); ok {
		if existing != kind {
			return fmt.Errorf("%s already created as %s: %w", path, existing, repository.ErrKindConflict)
		}
		return nil
	}

	created, err := f.store.EnsureNode(ctx, path, kind, meta)
	if err != nil {
		return err
	}
	if !created && described {
		if err := f.store.ExtendNode(ctx, path, models.Metadata{Name: meta.Name, States: meta.States}); err != nil {
			return err
		}
	}

	f.created.Mark(path, kind)
	return nil
}

func (f *Flattener) describe(key string) string {
	if desc, ok := f.catalog.Describe(key); ok {
		return desc
	}
	return key
}

// leafValue gjson 标量转换为存储值，超出安全范围的整数保留原文
func leafValue(v gjson.Result) any {
	switch v.Type {
	case gjson.True:
		return true
	case gjson.False:
		return false
	case gjson.String:
		return v.Str
	case gjson.Number:
		if isBigInteger(v.Raw) {
			return v.Raw
		}
		return v.Num
	default:
		return nil
	}
}

func isBigInteger(raw string) bool {
	if strings.ContainsAny(raw, ".eE") {
		return false
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return true
	}
	return n > maxSafeInteger || n < -maxSafeInteger
}

// embeddedJSON 字符串内嵌的对象或数组
func embeddedJSON(s string) bool {
	s = strings.TrimSpace(s)
	if s == "" || (s[0] != '{' && s[0] != '[') {
		return false
	}
	return gjson.Valid(s)
}

func join(parent, seg string) string {
	if parent == "" {
		return seg
	}
	return parent + "." + seg
}
