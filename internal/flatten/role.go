package flatten

import (
	"encoding/json"

	"github.com/langchou/carbridge/internal/models"
)

// RoleFor 根据值的运行时类型和可写性推断语义角色，未知类型返回 state
func RoleFor(value any, write bool) models.Role {
	switch TypeOf(value) {
	case models.TypeBoolean:
		if write {
			return models.RoleSwitch
		}
		return models.RoleIndicator
	case models.TypeNumber:
		if write {
			return models.RoleLevel
		}
		return models.RoleValue
	case models.TypeString:
		return models.RoleText
	default:
		return models.RoleState
	}
}

// TypeOf 返回值对应的节点类型
func TypeOf(value any) models.ValueType {
	switch value.(type) {
	case bool:
		return models.TypeBoolean
	case float64, float32, int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64, json.Number:
		return models.TypeNumber
	case string:
		return models.TypeString
	default:
		return models.TypeMixed
	}
}
