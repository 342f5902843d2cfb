package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/langchou/carbridge/internal/models"
)

// PostgresStore 基于 PostgreSQL 的状态存储
type PostgresStore struct {
	db   *DB
	subs subscribers
}

// NewPostgresStore 创建 PostgreSQL 存储
func NewPostgresStore(db *DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// EnsureNode 节点不存在时创建
func (s *PostgresStore) EnsureNode(ctx context.Context, path string, kind models.NodeKind, meta models.Metadata) (bool, error) {
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return false, fmt.Errorf("encode meta: %w", err)
	}

	tag, err := s.db.Pool.Exec(ctx, `
		INSERT INTO state_nodes (path, kind, meta, updated_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (path) DO NOTHING
	`, path, string(kind), metaJSON)
	if err != nil {
		return false, fmt.Errorf("insert node %s: %w", path, err)
	}
	if tag.RowsAffected() == 1 {
		return true, nil
	}

	var existing string
	if err := s.db.Pool.QueryRow(ctx, `SELECT kind FROM state_nodes WHERE path = $1`, path).Scan(&existing); err != nil {
		return false, fmt.Errorf("get node kind %s: %w", path, err)
	}
	if models.NodeKind(existing) != kind {
		return false, fmt.Errorf("%s is %s, not %s: %w", path, existing, kind, ErrKindConflict)
	}
	return false, nil
}

// ExtendNode 合并更新元数据
func (s *PostgresStore) ExtendNode(ctx context.Context, path string, meta models.Metadata) error {
	node, err := s.GetValue(ctx, path)
	if err != nil {
		return err
	}

	metaJSON, err := json.Marshal(mergeMetadata(node.Meta, meta))
	if err != nil {
		return fmt.Errorf("encode meta: %w", err)
	}

	if _, err := s.db.Pool.Exec(ctx, `UPDATE state_nodes SET meta = $2 WHERE path = $1`, path, metaJSON); err != nil {
		return fmt.Errorf("update meta %s: %w", path, err)
	}
	return nil
}

// SetValue 设置叶子节点的值
func (s *PostgresStore) SetValue(ctx context.Context, path string, value any, ack bool) error {
	valueJSON, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode value: %w", err)
	}

	var version int64
	err = s.db.Pool.QueryRow(ctx, `
		UPDATE state_nodes
		SET value = $2, ack = $3, version = nextval('state_node_version_seq'), updated_at = NOW()
		WHERE path = $1 AND kind = $4
		RETURNING version
	`, path, valueJSON, ack, string(models.KindLeaf)).Scan(&version)
	if errors.Is(err, pgx.ErrNoRows) {
		if _, getErr := s.GetValue(ctx, path); getErr != nil {
			return fmt.Errorf("set %s: %w", path, ErrNodeNotFound)
		}
		return fmt.Errorf("set %s: container has no value: %w", path, ErrKindConflict)
	}
	if err != nil {
		return fmt.Errorf("update value %s: %w", path, err)
	}

	s.subs.notify(models.Change{Path: path, Value: value, Ack: ack, Version: uint64(version)})
	return nil
}

// GetValue 获取节点
func (s *PostgresStore) GetValue(ctx context.Context, path string) (*models.Node, error) {
	row := s.db.Pool.QueryRow(ctx, `
		SELECT path, kind, meta, value, ack, version, updated_at
		FROM state_nodes WHERE path = $1
	`, path)

	node, err := scanNode(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("get %s: %w", path, ErrNodeNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get node %s: %w", path, err)
	}
	return node, nil
}

// DeleteSubtree 删除节点及其所有子节点
func (s *PostgresStore) DeleteSubtree(ctx context.Context, path string) error {
	_, err := s.db.Pool.Exec(ctx, `
		DELETE FROM state_nodes
		WHERE path = $1 OR left(path, length($1) + 1) = $1 || '.'
	`, path)
	if err != nil {
		return fmt.Errorf("delete subtree %s: %w", path, err)
	}
	return nil
}

// List 列出前缀下的节点
func (s *PostgresStore) List(ctx context.Context, prefix string) ([]*models.Node, error) {
	rows, err := s.db.Pool.Query(ctx, `
		SELECT path, kind, meta, value, ack, version, updated_at
		FROM state_nodes
		WHERE $1 = '' OR path = $1 OR left(path, length($1) + 1) = $1 || '.'
		ORDER BY path
	`, prefix)
	if err != nil {
		return nil, fmt.Errorf("list nodes: %w", err)
	}
	defer rows.Close()

	var nodes []*models.Node
	for rows.Next() {
		node, err := scanNode(rows)
		if err != nil {
			return nil, fmt.Errorf("scan node: %w", err)
		}
		nodes = append(nodes, node)
	}
	return nodes, rows.Err()
}

// Subscribe 订阅本进程内的值变更
func (s *PostgresStore) Subscribe(fn func(models.Change)) func() {
	return s.subs.add(fn)
}

// Close 关闭连接池
func (s *PostgresStore) Close() error {
	s.db.Close()
	return nil
}

func scanNode(row pgx.Row) (*models.Node, error) {
	var (
		node      models.Node
		kind      string
		metaJSON  []byte
		valueJSON []byte
		version   int64
	)
	if err := row.Scan(&node.Path, &kind, &metaJSON, &valueJSON, &node.Ack, &version, &node.UpdatedAt); err != nil {
		return nil, err
	}

	node.Kind = models.NodeKind(kind)
	node.LastSeenVersion = uint64(version)
	if err := json.Unmarshal(metaJSON, &node.Meta); err != nil {
		return nil, fmt.Errorf("decode meta: %w", err)
	}
	if len(valueJSON) > 0 {
		if err := json.Unmarshal(valueJSON, &node.Value); err != nil {
			return nil, fmt.Errorf("decode value: %w", err)
		}
	}
	return &node, nil
}
