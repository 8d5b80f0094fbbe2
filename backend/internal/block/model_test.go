package block

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func para(id, text string) Block {
	return Block{ID: id, Type: "paragraph", Data: map[string]any{"text": text}}
}

func ids(m *Model) []string {
	return m.Document().IDs()
}

func TestModel_InsertDeleteMove(t *testing.T) {
	m := NewModel(Document{Blocks: []Block{para("a", "1"), para("b", "2"), para("c", "3")}})

	require.NoError(t, m.InsertAt(1, para("x", "new")))
	assert.Equal(t, []string{"a", "x", "b", "c"}, ids(m))

	require.NoError(t, m.MoveTo(0, 3))
	assert.Equal(t, []string{"x", "b", "c", "a"}, ids(m))

	require.NoError(t, m.MoveTo(3, 1))
	assert.Equal(t, []string{"x", "a", "b", "c"}, ids(m))

	require.NoError(t, m.DeleteAt(0))
	assert.Equal(t, []string{"a", "b", "c"}, ids(m))
	assert.Equal(t, 2, m.IndexOf("c"))
	assert.Equal(t, -1, m.IndexOf("x"))
}

func TestModel_InsertPastEndAppends(t *testing.T) {
	m := NewModel(Document{Blocks: []Block{para("a", "1")}})
	require.NoError(t, m.InsertAt(10, para("b", "2")))
	assert.Equal(t, []string{"a", "b"}, ids(m))
}

func TestModel_Errors(t *testing.T) {
	m := NewModel(Document{Blocks: []Block{para("a", "1")}})

	assert.ErrorIs(t, m.InsertAt(0, para("a", "dup")), ErrDuplicateID)
	assert.ErrorIs(t, m.InsertAt(-1, para("z", "")), ErrIndexOutOfRange)
	assert.ErrorIs(t, m.DeleteAt(1), ErrIndexOutOfRange)
	assert.ErrorIs(t, m.MoveTo(0, 1), ErrIndexOutOfRange)
	assert.ErrorIs(t, m.UpdateData("missing", nil), ErrBlockNotFound)
	assert.Equal(t, 1, m.Len())
}

func TestModel_GetAllIsCopy(t *testing.T) {
	m := NewModel(Document{Blocks: []Block{para("a", "1")}})

	all := m.GetAll()
	all[0].Data["text"] = "mutated"

	got, ok := m.GetByID("a")
	require.True(t, ok)
	assert.Equal(t, "1", got.Data["text"])
}

func TestModel_UpdateData(t *testing.T) {
	m := NewModel(Document{Blocks: []Block{para("a", "1")}})
	data := map[string]any{"text": "2", "nested": map[string]any{"level": 2.0}}
	require.NoError(t, m.UpdateData("a", data))

	data["text"] = "changed after update"
	got, _ := m.GetByID("a")
	assert.Equal(t, "2", got.Data["text"])
}

func TestModel_ReplaceDropsDuplicateIDs(t *testing.T) {
	m := NewModel(Document{Blocks: []Block{para("a", "1"), para("a", "2"), para("b", "3")}})
	assert.Equal(t, []string{"a", "b"}, ids(m))
	got, _ := m.GetByID("a")
	assert.Equal(t, "1", got.Data["text"])
}

func TestEqual(t *testing.T) {
	a := []Block{para("a", "1"), {ID: "b", Type: "list", Data: map[string]any{"items": []any{"x", "y"}}}}
	b := Clone(a)
	assert.True(t, Equal(a, b))

	b[1].Data["items"] = []any{"x", "z"}
	assert.False(t, Equal(a, b))
	assert.False(t, Equal(a, a[:1]))
	assert.True(t, Equal(nil, []Block{}))
	assert.True(t, DataEqual(nil, map[string]any{}))
}

func TestCloneIsDeep(t *testing.T) {
	orig := []Block{{ID: "a", Type: "list", Data: map[string]any{"items": []any{map[string]any{"content": "x"}}}}}
	cp := Clone(orig)
	cp[0].Data["items"].([]any)[0].(map[string]any)["content"] = "changed"
	assert.Equal(t, "x", orig[0].Data["items"].([]any)[0].(map[string]any)["content"])
}
