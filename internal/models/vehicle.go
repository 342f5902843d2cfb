package models

import "time"

// Vehicle 已发现的车辆
type Vehicle struct {
	VIN          string          `json:"vin" db:"vin"`
	DisplayName  string          `json:"display_name" db:"display_name"`
	Brand        string          `json:"brand" db:"brand"`
	Identity     string          `json:"identity" db:"identity"` // 发现该车辆的会话身份
	Capabilities map[string]bool `json:"capabilities,omitempty" db:"capabilities"`
	DiscoveredAt time.Time       `json:"discovered_at" db:"discovered_at"`
}
