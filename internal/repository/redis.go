package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/langchou/carbridge/internal/models"
)

// RedisStore 基于 Redis 的状态存储
// 变更通过 Redis Pub/Sub 分发，外部进程写入同样会触发订阅者
type RedisStore struct {
	logger *zap.Logger
	client *redis.Client
	prefix string
	pubsub *redis.PubSub
	subs   subscribers
	done   chan struct{}
}

// NewRedisStore 创建 Redis 存储并启动变更监听
// 返回前等待订阅确认，之后的写入都能被收到
func NewRedisStore(ctx context.Context, logger *zap.Logger, client *redis.Client, prefix string) (*RedisStore, error) {
	s := &RedisStore{
		logger: logger,
		client: client,
		prefix: prefix,
		done:   make(chan struct{}),
	}
	s.pubsub = client.Subscribe(ctx, s.channel())
	if _, err := s.pubsub.Receive(ctx); err != nil {
		_ = s.pubsub.Close()
		return nil, fmt.Errorf("subscribe %s: %w", s.channel(), err)
	}
	go s.listen()
	return s, nil
}

func (s *RedisStore) nodeKey(path string) string { return s.prefix + "node:" + path }
func (s *RedisStore) pathsKey() string          { return s.prefix + "paths" }
func (s *RedisStore) versionKey() string        { return s.prefix + "version" }
func (s *RedisStore) channel() string           { return s.prefix + "changes" }

// listen 转发 Pub/Sub 变更到本地订阅者
func (s *RedisStore) listen() {
	defer close(s.done)

	for msg := range s.pubsub.Channel() {
		var change models.Change
		if err := json.Unmarshal([]byte(msg.Payload), &change); err != nil {
			s.logger.Warn("Failed to decode state change",
				zap.String("payload", msg.Payload),
				zap.Error(err))
			continue
		}
		s.subs.notify(change)
	}
}

// EnsureNode 节点不存在时创建
func (s *RedisStore) EnsureNode(ctx context.Context, path string, kind models.NodeKind, meta models.Metadata) (bool, error) {
	key := s.nodeKey(path)

	created, err := s.client.HSetNX(ctx, key, "kind", string(kind)).Result()
	if err != nil {
		return false, fmt.Errorf("create node %s: %w", path, err)
	}

	if !created {
		existing, err := s.client.HGet(ctx, key, "kind").Result()
		if err != nil {
			return false, fmt.Errorf("get node kind %s: %w", path, err)
		}
		if models.NodeKind(existing) != kind {
			return false, fmt.Errorf("%s is %s, not %s: %w", path, existing, kind, ErrKindConflict)
		}
		return false, nil
	}

	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return false, fmt.Errorf("encode meta: %w", err)
	}

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key, "meta", metaJSON, "updated_at", time.Now().UnixMilli())
		pipe.ZAdd(ctx, s.pathsKey(), redis.Z{Score: 0, Member: path})
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("store node %s: %w", path, err)
	}
	return true, nil
}

// ExtendNode 合并更新元数据
func (s *RedisStore) ExtendNode(ctx context.Context, path string, meta models.Metadata) error {
	node, err := s.GetValue(ctx, path)
	if err != nil {
		return err
	}

	metaJSON, err := json.Marshal(mergeMetadata(node.Meta, meta))
	if err != nil {
		return fmt.Errorf("encode meta: %w", err)
	}
	return s.client.HSet(ctx, s.nodeKey(path), "meta", metaJSON).Err()
}

// SetValue 设置叶子节点的值并发布变更
func (s *RedisStore) SetValue(ctx context.Context, path string, value any, ack bool) error {
	key := s.nodeKey(path)

	kind, err := s.client.HGet(ctx, key, "kind").Result()
	if errors.Is(err, redis.Nil) {
		return fmt.Errorf("set %s: %w", path, ErrNodeNotFound)
	}
	if err != nil {
		return fmt.Errorf("get node kind %s: %w", path, err)
	}
	if models.NodeKind(kind) != models.KindLeaf {
		return fmt.Errorf("set %s: container has no value: %w", path, ErrKindConflict)
	}

	valueJSON, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode value: %w", err)
	}

	version, err := s.client.Incr(ctx, s.versionKey()).Result()
	if err != nil {
		return fmt.Errorf("next version: %w", err)
	}

	err = s.client.HSet(ctx, key,
		"value", valueJSON,
		"ack", strconv.FormatBool(ack),
		"version", version,
		"updated_at", time.Now().UnixMilli(),
	).Err()
	if err != nil {
		return fmt.Errorf("store value %s: %w", path, err)
	}

	change, _ := json.Marshal(models.Change{Path: path, Value: value, Ack: ack, Version: uint64(version)})
	if err := s.client.Publish(ctx, s.channel(), change).Err(); err != nil {
		return fmt.Errorf("publish change %s: %w", path, err)
	}
	return nil
}

// GetValue 获取节点
func (s *RedisStore) GetValue(ctx context.Context, path string) (*models.Node, error) {
	fields, err := s.client.HGetAll(ctx, s.nodeKey(path)).Result()
	if err != nil {
		return nil, fmt.Errorf("get node %s: %w", path, err)
	}
	if len(fields) == 0 {
		return nil, fmt.Errorf("get %s: %w", path, ErrNodeNotFound)
	}
	return decodeRedisNode(path, fields)
}

// subtreePaths 列出子树内所有路径
func (s *RedisStore) subtreePaths(ctx context.Context, root string) ([]string, error) {
	by := &redis.ZRangeBy{Min: "-", Max: "+"}
	if root != "" {
		// "/" 紧跟在 "." 之后，区间覆盖 root 与 root.*
		by = &redis.ZRangeBy{Min: "[" + root, Max: "(" + root + "/"}
	}

	members, err := s.client.ZRangeByLex(ctx, s.pathsKey(), by).Result()
	if err != nil {
		return nil, fmt.Errorf("range paths: %w", err)
	}

	paths := members[:0]
	for _, p := range members {
		if inSubtree(p, root) {
			paths = append(paths, p)
		}
	}
	return paths, nil
}

// DeleteSubtree 删除节点及其所有子节点
func (s *RedisStore) DeleteSubtree(ctx context.Context, path string) error {
	paths, err := s.subtreePaths(ctx, path)
	if err != nil {
		return err
	}
	if len(paths) == 0 {
		return nil
	}

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, p := range paths {
			pipe.Del(ctx, s.nodeKey(p))
			pipe.ZRem(ctx, s.pathsKey(), p)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("delete subtree %s: %w", path, err)
	}
	return nil
}

// List 列出前缀下的节点
func (s *RedisStore) List(ctx context.Context, prefix string) ([]*models.Node, error) {
	paths, err := s.subtreePaths(ctx, prefix)
	if err != nil {
		return nil, err
	}

	pipe := s.client.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(paths))
	for i, p := range paths {
		cmds[i] = pipe.HGetAll(ctx, s.nodeKey(p))
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("list nodes: %w", err)
	}

	nodes := make([]*models.Node, 0, len(paths))
	for i, p := range paths {
		fields := cmds[i].Val()
		if len(fields) == 0 {
			continue
		}
		node, err := decodeRedisNode(p, fields)
		if err != nil {
			return nil, err
		}
		nodes = append(nodes, node)
	}
	return nodes, nil
}

// Subscribe 订阅值变更
func (s *RedisStore) Subscribe(fn func(models.Change)) func() {
	return s.subs.add(fn)
}

// Close 关闭订阅与连接
func (s *RedisStore) Close() error {
	if err := s.pubsub.Close(); err != nil {
		s.logger.Warn("Failed to close redis pubsub", zap.Error(err))
	}
	<-s.done
	return s.client.Close()
}

func decodeRedisNode(path string, fields map[string]string) (*models.Node, error) {
	node := &models.Node{
		Path: path,
		Kind: models.NodeKind(fields["kind"]),
		Ack:  fields["ack"] == "true",
	}

	if raw := fields["meta"]; raw != "" {
		if err := json.Unmarshal([]byte(raw), &node.Meta); err != nil {
			return nil, fmt.Errorf("decode meta %s: %w", path, err)
		}
	}
	if raw := fields["value"]; raw != "" {
		if err := json.Unmarshal([]byte(raw), &node.Value); err != nil {
			return nil, fmt.Errorf("decode value %s: %w", path, err)
		}
	}
	if raw := fields["version"]; raw != "" {
		node.LastSeenVersion, _ = strconv.ParseUint(raw, 10, 64)
	}
	if raw := fields["updated_at"]; raw != "" {
		if ms, err := strconv.ParseInt(raw, 10, 64); err == nil {
			node.UpdatedAt = time.UnixMilli(ms)
		}
	}
	return node, nil
}
