package reconcile

import (
	"notesServer/backend/internal/block"
)

// Normalize 处理远端快照中的异常块：
//   - 没有 id 的块无法与本地对应，跳过
//   - 重复 id 只保留第一次出现
//
// 返回被丢弃的 id（空 id 记为 ""），由调用方记录日志
func Normalize(blocks []block.Block) ([]block.Block, []string) {
	seen := make(map[string]struct{}, len(blocks))
	var dropped []string
	out := blocks[:0:0]
	for _, b := range blocks {
		if b.ID == "" {
			dropped = append(dropped, "")
			continue
		}
		if _, dup := seen[b.ID]; dup {
			dropped = append(dropped, b.ID)
			continue
		}
		seen[b.ID] = struct{}{}
		out = append(out, b)
	}
	return out, dropped
}

// Reconcile 计算把 current 变成 incoming 所需的操作，纯函数
//
// 输出顺序保证可以在同一份文档上原地依次执行：
//  1. 删除（下标从大到小）
//  2. 按 incoming 目标顺序的 更新 / 移动 / 插入
//
// lockedIndex 是本地正在编辑的块在 current 中的下标（lock.NoLock 表示无锁）
// 锁只保护内容更新，不保护结构：远端快照里消失的块即使被锁也会删除
func Reconcile(current, incoming []block.Block, lockedIndex int) []Operation {
	if block.Equal(current, incoming) {
		return nil
	}
	incoming, _ = Normalize(incoming)

	lockedID := ""
	if lockedIndex >= 0 && lockedIndex < len(current) {
		lockedID = current[lockedIndex].ID
	}

	target := make(map[string]struct{}, len(incoming))
	for _, b := range incoming {
		target[b.ID] = struct{}{}
	}

	var ops []Operation

	// 删除：不在 incoming 里的块，以及 current 自身的重复 id
	seen := make(map[string]struct{}, len(current))
	keep := make([]bool, len(current))
	for i, b := range current {
		if _, ok := target[b.ID]; !ok {
			continue
		}
		if _, dup := seen[b.ID]; dup {
			continue
		}
		seen[b.ID] = struct{}{}
		keep[i] = true
	}
	for i := len(current) - 1; i >= 0; i-- {
		if !keep[i] {
			ops = append(ops, Delete(i))
		}
	}

	working := make([]string, 0, len(current))
	local := make(map[string]block.Block, len(current))
	for i, b := range current {
		if keep[i] {
			working = append(working, b.ID)
			local[b.ID] = b
		}
	}

	stable := stableSet(working, incoming, local)

	prev := ""
	for _, b := range incoming {
		cur, exists := local[b.ID]
		if !exists {
			at := indexOf(working, prev) + 1
			ops = append(ops, Insert(at, b))
			working = insertAt(working, at, b.ID)
			prev = b.ID
			continue
		}

		if b.ID != lockedID && (cur.Type != b.Type || !block.DataEqual(cur.Data, b.Data)) {
			op := Update(b.ID, b.Data)
			if cur.Type != b.Type {
				op.Type = b.Type
			}
			ops = append(ops, op)
		}

		if _, ok := stable[b.ID]; !ok {
			from := indexOf(working, b.ID)
			to := moveTarget(working, prev, from)
			if from != to {
				ops = append(ops, Move(from, to))
				working = move(working, from, to)
			}
		}
		prev = b.ID
	}

	// 补齐 update 的恢复信息：目标下标与类型
	final := make(map[string]int, len(working))
	for i, id := range working {
		final[id] = i
	}
	for i := range ops {
		if ops[i].Kind != KindUpdate {
			continue
		}
		ops[i].Index = final[ops[i].ID]
		if ops[i].Type == "" {
			ops[i].Type = local[ops[i].ID].Type
		}
	}
	return ops
}

// stableSet 选出不需要移动的块：它们在 working 中的位置按 incoming 顺序构成最长递增子序列
// 长度相同时优先保留 incoming 中靠前的块，这样 [a b] -> [b a] 只移动 a
func stableSet(working []string, incoming []block.Block, local map[string]block.Block) map[string]struct{} {
	pos := make(map[string]int, len(working))
	for i, id := range working {
		pos[id] = i
	}
	var seqIDs []string
	var seq []int
	for _, b := range incoming {
		if _, ok := local[b.ID]; ok {
			seqIDs = append(seqIDs, b.ID)
			seq = append(seq, pos[b.ID])
		}
	}

	// best[k]：以 k 开头的最长递增子序列长度
	n := len(seq)
	best := make([]int, n)
	longest := 0
	for k := n - 1; k >= 0; k-- {
		best[k] = 1
		for j := k + 1; j < n; j++ {
			if seq[j] > seq[k] && best[j]+1 > best[k] {
				best[k] = best[j] + 1
			}
		}
		if best[k] > longest {
			longest = best[k]
		}
	}

	stable := make(map[string]struct{}, longest)
	need, last := longest, -1
	for k := 0; k < n && need > 0; k++ {
		if best[k] == need && seq[k] > last {
			stable[seqIDs[k]] = struct{}{}
			last = seq[k]
			need--
		}
	}
	return stable
}

// moveTarget 把 from 处的块放到 prev 之后；prev 为空表示放到最前
func moveTarget(working []string, prev string, from int) int {
	p := indexOf(working, prev)
	if from > p {
		return p + 1
	}
	// 先移除 from，prev 前移一位
	return p
}

func indexOf(ids []string, id string) int {
	if id == "" {
		return -1
	}
	for i := range ids {
		if ids[i] == id {
			return i
		}
	}
	return -1
}

func insertAt(ids []string, at int, id string) []string {
	ids = append(ids, "")
	copy(ids[at+1:], ids[at:])
	ids[at] = id
	return ids
}

func move(ids []string, from, to int) []string {
	id := ids[from]
	if from < to {
		copy(ids[from:to], ids[from+1:to+1])
	} else {
		copy(ids[to+1:from+1], ids[to:from])
	}
	ids[to] = id
	return ids
}
