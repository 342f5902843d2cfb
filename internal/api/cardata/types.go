package cardata

import (
	"encoding/json"
	"time"
)

// Vehicle 车辆列表中的一项
type Vehicle struct {
	VIN          string          `json:"vin"`
	Model        string          `json:"model"`
	Brand        string          `json:"brand"`
	Capabilities map[string]bool `json:"-"`
	Raw          json.RawMessage `json:"-"` // 原始条目，用于展开到状态树
}

// CommandResponse 远程命令提交响应
type CommandResponse struct {
	EventID      string `json:"eventId"`
	CreationTime string `json:"creationTime,omitempty"`
}

// EventStatus 远程命令执行状态
type EventStatus struct {
	EventStatus string `json:"eventStatus"`
}

// StreamMessage 推送消息，data 中的键为点分隔的数据点路径
type StreamMessage struct {
	Topic     string          `json:"-"`
	VIN       string          `json:"vin"`
	Timestamp string          `json:"timestamp"`
	Data      json.RawMessage `json:"data"`
	Received  time.Time       `json:"-"`
}
