package reconcile

import (
	"fmt"

	"notesServer/backend/internal/block"
)

type Kind string

const (
	KindDelete Kind = "delete"
	KindInsert Kind = "insert"
	KindMove   Kind = "move"
	KindUpdate Kind = "update"
)

// Operation 四种操作共用一个结构，方便直接 JSON 推给前端
//   - delete: Index
//   - insert: Index + Block
//   - move:   From -> To（执行后块位于 To）
//   - update: ID + Data；Index/Type 仅用于“块不存在时按插入恢复”
type Operation struct {
	Kind  Kind           `json:"kind"`
	Index int            `json:"index"`
	From  int            `json:"from"`
	To    int            `json:"to"`
	ID    string         `json:"id,omitempty"`
	Type  string         `json:"type,omitempty"`
	Block *block.Block   `json:"block,omitempty"`
	Data  map[string]any `json:"data,omitempty"`
}

func Delete(index int) Operation {
	return Operation{Kind: KindDelete, Index: index}
}

func Insert(index int, b block.Block) Operation {
	cp := b.Clone()
	return Operation{Kind: KindInsert, Index: index, ID: b.ID, Block: &cp}
}

func Move(from, to int) Operation {
	return Operation{Kind: KindMove, From: from, To: to}
}

func Update(id string, data map[string]any) Operation {
	return Operation{Kind: KindUpdate, ID: id, Data: block.CloneData(data)}
}

func (op Operation) String() string {
	switch op.Kind {
	case KindDelete:
		return fmt.Sprintf("Delete(%d)", op.Index)
	case KindInsert:
		return fmt.Sprintf("Insert(%d, %s)", op.Index, op.ID)
	case KindMove:
		return fmt.Sprintf("Move(%d, %d)", op.From, op.To)
	case KindUpdate:
		return fmt.Sprintf("Update(%s)", op.ID)
	default:
		return fmt.Sprintf("Unknown(%s)", op.Kind)
	}
}

// Count 按类型统计，用于日志和指标
func Count(ops []Operation) map[Kind]int {
	out := make(map[Kind]int, 4)
	for _, op := range ops {
		out[op.Kind]++
	}
	return out
}
