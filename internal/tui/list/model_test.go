package listview

import (
	"strconv"
	"strings"
	"testing"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func numbers(n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = "item-" + strconv.Itoa(i)
	}
	return out
}

func render(item string, selected bool) string {
	if selected {
		return "> " + item
	}
	return "  " + item
}

func TestVirtualList_Navigation(t *testing.T) {
	tests := []struct {
		name     string
		keys     []tea.KeyMsg
		expected int
	}{
		{"down", []tea.KeyMsg{{Type: tea.KeyDown}}, 1},
		{"vim down", []tea.KeyMsg{{Type: tea.KeyRunes, Runes: []rune{'j'}}}, 1},
		{"up at top stays", []tea.KeyMsg{{Type: tea.KeyUp}}, 0},
		{"page down", []tea.KeyMsg{{Type: tea.KeyPgDown}}, 5},
		{"end", []tea.KeyMsg{{Type: tea.KeyEnd}}, 19},
		{"end then home", []tea.KeyMsg{{Type: tea.KeyEnd}, {Type: tea.KeyHome}}, 0},
		{"page down past end clamps", []tea.KeyMsg{
			{Type: tea.KeyPgDown}, {Type: tea.KeyPgDown}, {Type: tea.KeyPgDown},
			{Type: tea.KeyPgDown}, {Type: tea.KeyPgDown},
		}, 19},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := NewVirtualListModel(numbers(20), 5, 40, render)
			for _, k := range tt.keys {
				m.Update(k)
			}
			assert.Equal(t, tt.expected, m.Selected())
			assert.LessOrEqual(t, m.VisibleFrom(), m.Selected())
			assert.Greater(t, m.VisibleTo(), m.Selected())
		})
	}
}

func TestVirtualList_UpdateReportsMovement(t *testing.T) {
	m := NewVirtualListModel(numbers(3), 5, 40, render)

	assert.True(t, m.Update(tea.KeyMsg{Type: tea.KeyDown}))
	assert.False(t, m.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune{'x'}}))
	assert.False(t, m.Update(tea.WindowSizeMsg{Width: 10, Height: 10}))
}

func TestVirtualList_SetItemsKeepsSelectedItem(t *testing.T) {
	m := NewVirtualListModel([]string{"b", "c"}, 5, 40, render).
		WithIdentity(func(s string) string { return s })
	m.SetSelected(1)

	// A new item arrives at the top; the selection follows "c".
	m.SetItems([]string{"a", "b", "c"})
	item, ok := m.SelectedItem()
	require.True(t, ok)
	assert.Equal(t, "c", item)
	assert.Equal(t, 2, m.Selected())

	// The selected item disappears; the index is clamped.
	m.SetItems([]string{"a"})
	assert.Equal(t, 0, m.Selected())
}

func TestVirtualList_NearEnd(t *testing.T) {
	m := NewVirtualListModel(numbers(20), 5, 40, render)
	assert.False(t, m.NearEnd(5))

	m.SetSelected(14)
	assert.True(t, m.NearEnd(5))

	empty := NewVirtualListModel([]string{}, 5, 40, render)
	assert.False(t, empty.NearEnd(5))
}

func TestVirtualList_ViewRendersBufferedWindow(t *testing.T) {
	m := NewVirtualListModel(numbers(100), 5, 40, render)
	m.SetSelected(50)

	lines := strings.Split(m.View(), "\n")
	assert.Len(t, lines, 5+2*defaultBufferSize)
	assert.Contains(t, m.View(), "> item-50")
	assert.NotContains(t, m.View(), "item-0\n")

	_, ok := NewVirtualListModel([]string{}, 5, 40, render).SelectedItem()
	assert.False(t, ok)
}
