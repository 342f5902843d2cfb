package service

import (
	"net/url"
	"strings"
	"time"

	"github.com/langchou/carbridge/internal/flatten"
)

// Endpoint 按车辆轮询的 REST 端点
type Endpoint struct {
	Name        string
	Path        string // {vin} 会被替换
	Query       func(vin string, now time.Time) url.Values
	Subtree     string // 结果放在 <vin>.<Subtree>，为空时直接放在 <vin> 下
	MonthScoped bool   // 结果再按 YYYY-MM 分组
	Channel     string // 容器名称
	Unwrap      string // 存在该字段时只展开其内容
	Daily       bool   // 只在每日任务中调用
	LowPriority bool   // 429 时使用较长的退避
	History     bool   // 出错后本次进程内不再调用
	Options     flatten.Options
}

// URLPath 替换路径中的 VIN
func (e Endpoint) URLPath(vin string) string {
	return strings.ReplaceAll(e.Path, "{vin}", url.PathEscape(vin))
}

// BasePath 结果在状态树中的路径
func (e Endpoint) BasePath(vin string, now time.Time) string {
	base := vin
	if e.Subtree != "" {
		base += "." + e.Subtree
	}
	if e.MonthScoped {
		base += "." + now.Format("2006-01")
	}
	return base
}

// DefaultEndpoints 默认端点：车辆状态和充电历史
func DefaultEndpoints() []Endpoint {
	return []Endpoint{
		{
			Name: "state",
			Path: "/eadrax-vcs/v4/vehicles/{vin}/state",
			Query: func(_ string, _ time.Time) url.Values {
				return url.Values{"apptimezone": {"120"}}
			},
		},
		{
			Name: "chargingSessions",
			Path: "/eadrax-chs/v1/charging-sessions",
			Query: func(vin string, now time.Time) url.Values {
				return url.Values{
					"vin":                 {vin},
					"next_token":          {""},
					"date":                {now.Format("2006-01") + "-01T00:00:00.000Z"},
					"maxResults":          {"40"},
					"include_date_picker": {"true"},
				}
			},
			Subtree:     "chargingSessions",
			MonthScoped: true,
			Channel:     "chargingSessions of the car v2",
			Unwrap:      "chargingSessions",
			LowPriority: true,
			History:     true,
		},
		{
			Name: "chargingStatistics",
			Path: "/eadrax-chs/v1/charging-statistics",
			Query: func(vin string, now time.Time) url.Values {
				return url.Values{
					"vin":         {vin},
					"currentDate": {now.Format("2006-01-02T15:04:05.000") + "000"},
				}
			},
			Subtree:     "charging-statistics",
			MonthScoped: true,
			Channel:     "Charging statistics of the car v2",
			Daily:       true,
			LowPriority: true,
			History:     true,
		},
	}
}
