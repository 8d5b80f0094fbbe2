package history

import (
	"strings"
)

// KeyEvent 与浏览器 KeyboardEvent 的字段对应
//   - Key: 逻辑键值（受键盘布局影响，如 "z" / "Z" / "я"）
//   - Code: 物理键位（如 "KeyZ"），用于兼容不同布局
type KeyEvent struct {
	Key   string `json:"key"`
	Code  string `json:"code"`
	Ctrl  bool   `json:"ctrlKey"`
	Meta  bool   `json:"metaKey"`
	Alt   bool   `json:"altKey"`
	Shift bool   `json:"shiftKey"`
}

// Shortcuts 形如 "CMD+Z"、"CMD+SHIFT+Z"；CMD 同时匹配 Ctrl 与 Meta
type Shortcuts struct {
	Undo []string `mapstructure:"undo"`
	Redo []string `mapstructure:"redo"`
}

func DefaultShortcuts() Shortcuts {
	return Shortcuts{
		Undo: []string{"CMD+Z"},
		Redo: []string{"CMD+Y", "CMD+SHIFT+Z"},
	}
}

type Chord struct {
	Cmd   bool
	Alt   bool
	Shift bool
	Key   string
}

// ParseChord 最后一段是按键，其余是修饰键；空格忽略，大小写不敏感
func ParseChord(s string) Chord {
	parts := strings.Split(strings.ReplaceAll(s, " ", ""), "+")
	c := Chord{Key: strings.ToLower(parts[len(parts)-1])}
	for _, mod := range parts[:len(parts)-1] {
		switch strings.ToUpper(mod) {
		case "CMD", "CTRL", "META":
			c.Cmd = true
		case "ALT", "OPTION":
			c.Alt = true
		case "SHIFT":
			c.Shift = true
		}
	}
	return c
}

func parseChords(list []string) []Chord {
	out := make([]Chord, 0, len(list))
	for _, s := range list {
		if strings.TrimSpace(s) == "" {
			continue
		}
		out = append(out, ParseChord(s))
	}
	return out
}

func (c Chord) Matches(e KeyEvent) bool {
	if c.Cmd != (e.Ctrl || e.Meta) {
		return false
	}
	if c.Alt != e.Alt || c.Shift != e.Shift {
		return false
	}
	if c.Key == "" {
		return false
	}
	return strings.ToLower(e.Key) == c.Key || rawKey(e.Code) == c.Key
}

// rawKey "KeyZ" -> "z"，"Digit1" -> "1"
func rawKey(code string) string {
	code = strings.TrimPrefix(code, "Key")
	code = strings.TrimPrefix(code, "Digit")
	return strings.ToLower(code)
}

func matchesAny(chords []Chord, e KeyEvent) bool {
	for _, c := range chords {
		if c.Matches(e) {
			return true
		}
	}
	return false
}
