package collab

import (
	"regexp"
	"sort"
	"strings"

	"notesServer/backend/internal/block"
)

// NoteMention 提及补全的候选项
type NoteMention struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// BlockRef 引用了某个实体的块
type BlockRef struct {
	NoteID  string `json:"noteId"`
	BlockID string `json:"blockId"`
	Text    string `json:"text"`
}

// 提及锚点：编辑器写入 <a href="#<id>" rel="tag">title</a>，也兼容 href 为 id 或以 /<id> 结尾的链接
var anchorHref = regexp.MustCompile(`<a\s[^>]*href="([^"]*)"[^>]*>`)

func findMentions(noteID string, blocks []block.Block, targetID string) []BlockRef {
	var out []BlockRef
	for _, b := range blocks {
		for _, text := range textFields(b.Data) {
			if mentions(text, targetID) {
				out = append(out, BlockRef{NoteID: noteID, BlockID: b.ID, Text: text})
				break
			}
		}
	}
	return out
}

func mentions(text, targetID string) bool {
	if !strings.Contains(text, targetID) {
		return false
	}
	for _, m := range anchorHref.FindAllStringSubmatch(text, -1) {
		if hrefTargets(m[1], targetID) {
			return true
		}
	}
	return false
}

func hrefTargets(href, targetID string) bool {
	href = strings.TrimSpace(href)
	if i := strings.IndexByte(href, '#'); i >= 0 {
		if href[i+1:] == targetID {
			return true
		}
		href = href[:i]
	}
	href = strings.TrimRight(href, "/")
	return href == targetID || strings.HasSuffix(href, "/"+targetID)
}

// textFields 收集块数据里所有字符串（段落 text、列表 items 等嵌套结构）
func textFields(data map[string]any) []string {
	var out []string
	keys := make([]string, 0, len(data))
	for k := range data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		out = collectStrings(data[k], out)
	}
	return out
}

func collectStrings(v any, out []string) []string {
	switch x := v.(type) {
	case string:
		return append(out, x)
	case []any:
		for _, e := range x {
			out = collectStrings(e, out)
		}
	case map[string]any:
		out = append(out, textFields(x)...)
	}
	return out
}
