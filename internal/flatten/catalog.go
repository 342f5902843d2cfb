package flatten

import (
	_ "embed"
	"fmt"
	"os"
	"sync"

	"gopkg.in/yaml.v3"
)

//go:embed descriptions.yaml
var builtinCatalog []byte

// Catalog 数据点的人类可读描述和枚举取值范围，按键名索引
type Catalog struct {
	mu           sync.RWMutex
	descriptions map[string]string
	states       map[string][]string
}

// catalogFile 映射格式的目录文件
type catalogFile struct {
	Descriptions map[string]string   `yaml:"descriptions"`
	States       map[string][]string `yaml:"states"`
}

// telematicEntry 列表格式的目录条目
type telematicEntry struct {
	TechnicalIdentifier string    `yaml:"technical_identifier"`
	CardataElement      string    `yaml:"cardata_element"`
	TypicalValueRange   yaml.Node `yaml:"typical_value_range"`
}

// NewCatalog 创建空目录
func NewCatalog() *Catalog {
	return &Catalog{
		descriptions: make(map[string]string),
		states:       make(map[string][]string),
	}
}

// DefaultCatalog 返回内置目录
func DefaultCatalog() *Catalog {
	c := NewCatalog()
	if err := c.Parse(builtinCatalog); err != nil {
		panic(fmt.Sprintf("flatten: invalid builtin catalog: %v", err))
	}
	return c
}

// LoadCatalog 从文件加载目录并合并到内置目录之上
func LoadCatalog(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read catalog: %w", err)
	}

	c := DefaultCatalog()
	if err := c.Parse(data); err != nil {
		return nil, fmt.Errorf("failed to parse catalog %s: %w", path, err)
	}
	return c, nil
}

// Parse 解析 YAML 或 JSON 目录，支持映射格式和 telematic 条目列表
func (c *Catalog) Parse(data []byte) error {
	var root yaml.Node
	if err := yaml.Unmarshal(data, &root); err != nil {
		return err
	}
	if len(root.Content) == 0 {
		return nil
	}

	doc := root.Content[0]
	switch doc.Kind {
	case yaml.SequenceNode:
		var entries []telematicEntry
		if err := doc.Decode(&entries); err != nil {
			return err
		}
		for _, e := range entries {
			if e.TechnicalIdentifier == "" || e.CardataElement == "" {
				continue
			}
			var values []string
			if e.TypicalValueRange.Kind == yaml.SequenceNode {
				if err := e.TypicalValueRange.Decode(&values); err != nil {
					return fmt.Errorf("value range of %s: %w", e.TechnicalIdentifier, err)
				}
			}
			c.Add(e.TechnicalIdentifier, e.CardataElement, values)
		}
	case yaml.MappingNode:
		var f catalogFile
		if err := doc.Decode(&f); err != nil {
			return err
		}
		for key, desc := range f.Descriptions {
			c.Add(key, desc, nil)
		}
		for key, values := range f.States {
			c.Add(key, "", values)
		}
	default:
		return fmt.Errorf("unsupported catalog layout")
	}
	return nil
}

// Add 添加或覆盖一个条目，空字段不覆盖已有值
func (c *Catalog) Add(key, description string, states []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if description != "" {
		c.descriptions[key] = description
	}
	if len(states) > 0 {
		c.states[key] = append([]string(nil), states...)
	}
}

// Describe 查询键的描述
func (c *Catalog) Describe(key string) (string, bool) {
	if c == nil {
		return "", false
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	desc, ok := c.descriptions[key]
	return desc, ok
}

// States 查询键的取值范围
func (c *Catalog) States(key string) []string {
	if c == nil {
		return nil
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.states[key]
}

// Len 描述条目数量
func (c *Catalog) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.descriptions)
}
