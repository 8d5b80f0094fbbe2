package block

import (
	"reflect"

	"github.com/google/uuid"
)

// Block 是文档中最小的可寻址单元
// - ID 在创建时分配，跨编辑保持稳定，永不复用
// - Type 指明由哪个块插件负责（paragraph / header / list ...）
// - Data 由插件决定结构，核心层只做深比较，不解释其语义
type Block struct {
	ID   string         `json:"id"`
	Type string         `json:"type"`
	Data map[string]any `json:"data"`
}

// Document 与 editor.js 的 OutputData 对齐：time/version 原样透传，相等性只看 blocks
type Document struct {
	Time    int64   `json:"time,omitempty"`
	Version string  `json:"version,omitempty"`
	Blocks  []Block `json:"blocks"`
}

// NewID 为本地新建的块分配 id（远端块的 id 由创建它的客户端分配）
func NewID() string {
	return uuid.NewString()
}

// Equal 按顺序逐块比较（长度 + id/type/data 深比较）
func Equal(a, b []Block) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i].ID != b[i].ID || a[i].Type != b[i].Type {
			return false
		}
		if !DataEqual(a[i].Data, b[i].Data) {
			return false
		}
	}
	return true
}

// DataEqual 对插件 payload 做完整的深值比较；nil 与空 map 视为相等
func DataEqual(a, b map[string]any) bool {
	if len(a) == 0 && len(b) == 0 {
		return true
	}
	return reflect.DeepEqual(a, b)
}

// Clone 深拷贝块序列，历史快照不能和活动文档共享 map
func Clone(blocks []Block) []Block {
	if blocks == nil {
		return nil
	}
	out := make([]Block, len(blocks))
	for i, b := range blocks {
		out[i] = b.Clone()
	}
	return out
}

func (b Block) Clone() Block {
	return Block{ID: b.ID, Type: b.Type, Data: CloneData(b.Data)}
}

func CloneData(data map[string]any) map[string]any {
	if data == nil {
		return nil
	}
	out := make(map[string]any, len(data))
	for k, v := range data {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch x := v.(type) {
	case map[string]any:
		return CloneData(x)
	case []any:
		out := make([]any, len(x))
		for i := range x {
			out[i] = cloneValue(x[i])
		}
		return out
	case []string:
		return append([]string(nil), x...)
	default:
		// string / float64 / bool / nil 等 JSON 标量是值类型
		return x
	}
}

// Clone 复制整个文档（含 time/version）
func (d Document) Clone() Document {
	return Document{Time: d.Time, Version: d.Version, Blocks: Clone(d.Blocks)}
}

// IDs 返回按顺序排列的块 id
func (d Document) IDs() []string {
	ids := make([]string, len(d.Blocks))
	for i, b := range d.Blocks {
		ids[i] = b.ID
	}
	return ids
}
