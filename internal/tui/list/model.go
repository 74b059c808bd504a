package listview

import (
	"strings"

	"github.com/charmbracelet/bubbles/key"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/rshade/finfeed/internal/pagination"
)

// defaultBufferSize is the number of extra rows to render above/below viewport for smooth scrolling.
const defaultBufferSize = 5

// halfViewportDivisor is used to calculate half the viewport height for centering.
const halfViewportDivisor = 2

// RenderFunc renders one item. selected is true for the highlighted row.
type RenderFunc[T any] func(item T, selected bool) string

// IdentityFunc returns a stable identity for an item, used to keep the selection on
// the same item when the list is replaced.
type IdentityFunc[T any] func(item T) string

// VirtualListModel is a scrollable list that renders only its visible rows.
type VirtualListModel[T any] struct {
	items      []T
	renderFunc RenderFunc[T]
	identity   IdentityFunc[T]
	keys       KeyMap

	// selected is the highlighted index; visibleFrom/visibleTo bound the viewport
	// (visibleTo exclusive).
	selected    int
	visibleFrom int
	visibleTo   int

	height     int
	width      int
	bufferSize int
}

// NewVirtualListModel creates a list with a viewport of height rows.
func NewVirtualListModel[T any](items []T, height, width int, renderFunc RenderFunc[T]) *VirtualListModel[T] {
	m := &VirtualListModel[T]{
		items:      items,
		renderFunc: renderFunc,
		keys:       DefaultKeyMap(),
		height:     height,
		width:      width,
		bufferSize: defaultBufferSize,
	}
	m.updateVisibleRange()
	return m
}

// WithIdentity sets how items are matched across SetItems calls.
func (m *VirtualListModel[T]) WithIdentity(fn IdentityFunc[T]) *VirtualListModel[T] {
	m.identity = fn
	return m
}

// Keys returns the navigation bindings, for help rendering.
func (m *VirtualListModel[T]) Keys() KeyMap {
	return m.keys
}

// SetItems replaces the items. With an identity function the selection follows the
// previously selected item; otherwise the index is kept and clamped.
func (m *VirtualListModel[T]) SetItems(items []T) {
	var selectedID string
	if m.identity != nil && m.selected < len(m.items) {
		selectedID = m.identity(m.items[m.selected])
	}

	m.items = items
	if selectedID != "" {
		for i, item := range items {
			if m.identity(item) == selectedID {
				m.selected = i
				m.updateVisibleRange()
				return
			}
		}
	}
	m.SetSelected(m.selected)
}

// SetSize changes the viewport.
func (m *VirtualListModel[T]) SetSize(width, height int) {
	m.width = width
	m.height = height
	m.updateVisibleRange()
}

// Update handles navigation keys. It reports whether the message moved the selection.
func (m *VirtualListModel[T]) Update(msg tea.Msg) bool {
	keyMsg, ok := msg.(tea.KeyMsg)
	if !ok || len(m.items) == 0 {
		return false
	}

	before := m.selected
	switch {
	case key.Matches(keyMsg, m.keys.Up):
		m.selected--
	case key.Matches(keyMsg, m.keys.Down):
		m.selected++
	case key.Matches(keyMsg, m.keys.PageUp):
		m.selected -= m.height
	case key.Matches(keyMsg, m.keys.PageDown):
		m.selected += m.height
	case key.Matches(keyMsg, m.keys.Home):
		m.selected = 0
	case key.Matches(keyMsg, m.keys.End):
		m.selected = len(m.items) - 1
	default:
		return false
	}
	m.SetSelected(m.selected)
	return m.selected != before
}

// NearEnd reports whether the viewport is within threshold rows of the last item.
func (m *VirtualListModel[T]) NearEnd(threshold int) bool {
	return pagination.NearEnd(m.visibleTo, len(m.items), threshold)
}

// updateVisibleRange keeps the selected item inside the viewport, centered where possible.
func (m *VirtualListModel[T]) updateVisibleRange() {
	if len(m.items) == 0 {
		m.visibleFrom = 0
		m.visibleTo = 0
		return
	}

	halfViewport := m.height / halfViewportDivisor
	idealFrom := m.selected - halfViewport
	idealTo := idealFrom + m.height

	if idealFrom < 0 {
		idealFrom = 0
		idealTo = m.height
	}
	if idealTo > len(m.items) {
		idealTo = len(m.items)
		idealFrom = max(idealTo-m.height, 0)
	}

	m.visibleFrom = idealFrom
	m.visibleTo = idealTo
}

// View renders the visible rows plus the scroll buffer.
func (m *VirtualListModel[T]) View() string {
	if len(m.items) == 0 {
		return ""
	}

	renderFrom := max(m.visibleFrom-m.bufferSize, 0)
	renderTo := min(m.visibleTo+m.bufferSize, len(m.items))

	lines := make([]string, 0, renderTo-renderFrom)
	for i := renderFrom; i < renderTo; i++ {
		lines = append(lines, m.renderFunc(m.items[i], i == m.selected))
	}
	return strings.Join(lines, "\n")
}

// ItemCount returns the total number of items in the list.
func (m *VirtualListModel[T]) ItemCount() int {
	return len(m.items)
}

// Selected returns the currently selected item index.
func (m *VirtualListModel[T]) Selected() int {
	return m.selected
}

// SetSelected sets the selected item index, capping to valid bounds.
func (m *VirtualListModel[T]) SetSelected(index int) {
	switch {
	case len(m.items) == 0 || index < 0:
		m.selected = 0
	case index >= len(m.items):
		m.selected = len(m.items) - 1
	default:
		m.selected = index
	}
	m.updateVisibleRange()
}

// VisibleFrom returns the first visible item index (inclusive).
func (m *VirtualListModel[T]) VisibleFrom() int {
	return m.visibleFrom
}

// VisibleTo returns the last visible item index (exclusive).
func (m *VirtualListModel[T]) VisibleTo() int {
	return m.visibleTo
}

// Height returns the viewport height.
func (m *VirtualListModel[T]) Height() int {
	return m.height
}

// Width returns the viewport width.
func (m *VirtualListModel[T]) Width() int {
	return m.width
}

// SelectedItem returns the selected item, or false for an empty list.
func (m *VirtualListModel[T]) SelectedItem() (T, bool) {
	var zero T
	if len(m.items) == 0 || m.selected < 0 || m.selected >= len(m.items) {
		return zero, false
	}
	return m.items[m.selected], true
}
