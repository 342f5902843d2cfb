package models

import "time"

// NodeKind 节点类型，创建后不可变
type NodeKind string

const (
	KindContainer NodeKind = "container"
	KindLeaf      NodeKind = "leaf"
)

// Role 叶子节点的语义角色
type Role string

const (
	RoleIndicator Role = "indicator"
	RoleSwitch    Role = "switch"
	RoleValue     Role = "value"
	RoleLevel     Role = "level"
	RoleText      Role = "text"
	RoleState     Role = "state"
	RoleButton    Role = "button"
)

// ValueType 叶子节点值类型
type ValueType string

const (
	TypeBoolean ValueType = "boolean"
	TypeNumber  ValueType = "number"
	TypeString  ValueType = "string"
	TypeMixed   ValueType = "mixed"
)

// Metadata 节点元数据
type Metadata struct {
	Name   string    `json:"name"`
	Role   Role      `json:"role,omitempty"`
	Type   ValueType `json:"type,omitempty"`
	Read   bool      `json:"read"`
	Write  bool      `json:"write"`
	States []string  `json:"states,omitempty"` // 可选值范围
}

// Node 状态树中的节点
type Node struct {
	Path            string    `json:"path" db:"path"`
	Kind            NodeKind  `json:"kind" db:"kind"`
	Meta            Metadata  `json:"meta" db:"meta"`
	Value           any       `json:"value,omitempty" db:"value"`
	Ack             bool      `json:"ack" db:"ack"`
	LastSeenVersion uint64    `json:"last_seen_version" db:"version"`
	UpdatedAt       time.Time `json:"updated_at" db:"updated_at"`
}

// Change 值变更通知
// Ack=false 表示由用户写入，需要转换为远程命令
type Change struct {
	Path    string `json:"path"`
	Value   any    `json:"value"`
	Ack     bool   `json:"ack"`
	Version uint64 `json:"version"`
}
