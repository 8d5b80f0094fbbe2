package reconcile

import (
	"errors"
	"fmt"

	"notesServer/backend/internal/block"
)

var ErrUnknownOperation = errors.New("UNKNOWN_OPERATION")

// Apply 按顺序把操作作用到模型上
// 单个操作失败只跳过并记录，返回成功条数与合并后的错误；一份坏快照不能拖垮本地会话
func Apply(m *block.Model, ops []Operation) (int, error) {
	var errs []error
	applied := 0
	for _, op := range ops {
		if err := applyOne(m, op); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", op, err))
			continue
		}
		applied++
	}
	return applied, errors.Join(errs...)
}

func applyOne(m *block.Model, op Operation) error {
	switch op.Kind {
	case KindDelete:
		return m.DeleteAt(op.Index)
	case KindInsert:
		if op.Block == nil {
			return fmt.Errorf("insert without block: %w", ErrUnknownOperation)
		}
		return m.InsertAt(op.Index, *op.Block)
	case KindMove:
		return m.MoveTo(op.From, op.To)
	case KindUpdate:
		err := m.UpdateData(op.ID, op.Data)
		if errors.Is(err, block.ErrBlockNotFound) {
			// 本应存在的块不见了：按插入处理，保证幂等恢复
			return m.InsertAt(op.Index, block.Block{ID: op.ID, Type: op.Type, Data: op.Data})
		}
		if err != nil {
			return err
		}
		if op.Type != "" {
			return m.SetType(op.ID, op.Type)
		}
		return nil
	default:
		return fmt.Errorf("%q: %w", op.Kind, ErrUnknownOperation)
	}
}
