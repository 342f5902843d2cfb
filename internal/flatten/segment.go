package flatten

import (
	"fmt"
	"strings"

	"github.com/tidwall/gjson"
)

// segmentRule 数组元素路径段的提取规则
type segmentRule struct {
	name    string
	extract func(el gjson.Result, opts Options) (string, bool)
}

// segmentRules 按优先级排列，第一个命中的规则生效
var segmentRules = []segmentRule{
	{name: "scalar-string", extract: scalarString},
	{name: "preferred-name", extract: preferredName},
	{name: "start_date_time", extract: field("start_date_time")},
	{name: "name", extract: field("name")},
	{name: "id", extract: field("id")},
	{name: "name-suffix", extract: lastKeyWithSuffix("Name")},
	{name: "id-suffix", extract: lastKeyWithSuffix("Id")},
	{name: "first-string", extract: firstString},
}

// Segment 计算数组元素的路径段，返回段和命中规则名
func Segment(el gjson.Result, index int, opts Options) (string, string) {
	if !opts.ForceIndex {
		for _, rule := range segmentRules {
			if seg, ok := rule.extract(el, opts); ok {
				return seg, rule.name
			}
		}
	}
	return indexSegment(index), "index"
}

// indexSegment 从 1 开始、至少两位的序号
func indexSegment(index int) string {
	return fmt.Sprintf("%02d", index+1)
}

// sanitize 去掉路径中不安全的字符
func sanitize(s string) string {
	return strings.ReplaceAll(s, ".", "")
}

// scalarSegment 标量值转换为路径段，空值不可用
func scalarSegment(v gjson.Result) (string, bool) {
	switch v.Type {
	case gjson.String, gjson.Number:
		seg := sanitize(strings.TrimSpace(v.String()))
		return seg, seg != ""
	default:
		return "", false
	}
}

func scalarString(el gjson.Result, _ Options) (string, bool) {
	if el.Type != gjson.String {
		return "", false
	}
	seg := sanitize(el.Str)
	return seg, seg != ""
}

func preferredName(el gjson.Result, opts Options) (string, bool) {
	if opts.PreferredArrayName == "" || !el.IsObject() {
		return "", false
	}
	return scalarSegment(el.Get(gjson.Escape(opts.PreferredArrayName)))
}

func field(key string) func(gjson.Result, Options) (string, bool) {
	return func(el gjson.Result, _ Options) (string, bool) {
		if !el.IsObject() {
			return "", false
		}
		return scalarSegment(el.Get(gjson.Escape(key)))
	}
}

func lastKeyWithSuffix(suffix string) func(gjson.Result, Options) (string, bool) {
	return func(el gjson.Result, _ Options) (string, bool) {
		if !el.IsObject() {
			return "", false
		}

		var (
			seg   string
			found bool
		)
		el.ForEach(func(k, v gjson.Result) bool {
			if strings.HasSuffix(k.Str, suffix) {
				if s, ok := scalarSegment(v); ok {
					seg, found = s, true
				}
			}
			return true
		})
		return seg, found
	}
}

func firstString(el gjson.Result, _ Options) (string, bool) {
	if !el.IsObject() {
		return "", false
	}

	var (
		seg   string
		found bool
	)
	el.ForEach(func(_, v gjson.Result) bool {
		if v.Type == gjson.String {
			seg = sanitize(v.Str)
			found = seg != ""
		}
		return false
	})
	return seg, found
}

// pairEntry 判断元素是否为 {"k1":"v1","k2":"v2"} 形式的键值对编码
func pairEntry(el gjson.Result) (key, value, name string, ok bool) {
	if !el.IsObject() {
		return "", "", "", false
	}

	var keys, values []gjson.Result
	el.ForEach(func(k, v gjson.Result) bool {
		keys = append(keys, k)
		values = append(values, v)
		return len(keys) <= 2
	})
	if len(keys) != 2 {
		return "", "", "", false
	}

	for _, v := range values {
		if v.Type != gjson.String || v.Str == "null" {
			return "", "", "", false
		}
	}

	key = sanitize(values[0].Str)
	if key == "" {
		return "", "", "", false
	}
	return key, values[1].Str, keys[0].Str + " " + keys[1].Str, true
}
