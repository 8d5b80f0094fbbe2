package debounce

import "slices"

type MutationKind string

const (
	KindChildList     MutationKind = "childList"
	KindCharacterData MutationKind = "characterData"
	KindAttributes    MutationKind = "attributes"
)

// Target 描述变更发生的节点
//   - Classes: 节点的 class 列表
//   - Holder: 是否是编辑器根节点本身（根节点的子节点变化意味着编辑器被销毁）
type Target struct {
	Classes []string `json:"classes,omitempty"`
	Holder  bool     `json:"holder,omitempty"`
}

// Mutation 对应一条 MutationRecord
type Mutation struct {
	Kind   MutationKind `json:"kind"`
	Target Target       `json:"target"`
}

func (t Target) HasClass(class string) bool {
	return slices.Contains(t.Classes, class)
}

// Predicate 判断一条变更是否属于“内容变更”
type Predicate func(Mutation) bool

// DefaultIgnoredClasses 块容器与表格工具箱的属性抖动（hover/选中态切换）不算内容变更
var DefaultIgnoredClasses = []string{"ce-block", "tc-toolbox"}

// ContentPredicate 按变更类型和目标节点分类，而不是按事件数量
func ContentPredicate(ignored ...string) Predicate {
	if len(ignored) == 0 {
		ignored = DefaultIgnoredClasses
	}
	return func(m Mutation) bool {
		switch m.Kind {
		case KindCharacterData:
			return true
		case KindChildList:
			return !m.Target.Holder
		case KindAttributes:
			for _, c := range ignored {
				if m.Target.HasClass(c) {
					return false
				}
			}
			return true
		default:
			return false
		}
	}
}

// IsTeardown 根节点子树整体变化：编辑器正在被销毁
func IsTeardown(m Mutation) bool {
	return m.Kind == KindChildList && m.Target.Holder
}
