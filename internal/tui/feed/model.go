// Package feed is the interactive feed viewer. It renders a collection from the
// session's store, loads further pages as the cursor nears the end, and redraws on
// every store change, including optimistic likes and their rollbacks.
package feed

import (
	"context"
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/rshade/finfeed/internal/entity"
	"github.com/rshade/finfeed/internal/logging"
	"github.com/rshade/finfeed/internal/pagination"
	"github.com/rshade/finfeed/internal/scheduler"
	"github.com/rshade/finfeed/internal/store"
	listview "github.com/rshade/finfeed/internal/tui/list"
)

const (
	defaultWidth  = 80
	defaultHeight = 24

	// chromeLines is the header plus status and help lines around the list.
	chromeLines = 4
)

// Source is the data layer the viewer drives. *session.Session implements it.
type Source interface {
	SubscribeView(key string, cb func(store.ViewSnapshot)) *store.Subscription
	LoadInitial(ctx context.Context, key string) (pagination.Result, error)
	TriggerVisible(ctx context.Context, key string, visibleTo, total int) (pagination.Result, error)
	Refresh(ctx context.Context, key string, force bool) (scheduler.Result, error)
	LikePost(ctx context.Context, postID string) (entity.Entity, error)
}

// KeyMap holds the viewer's own bindings; navigation comes from the list.
type KeyMap struct {
	Quit    key.Binding
	Refresh key.Binding
	Like    key.Binding
}

// DefaultKeyMap returns the default bindings.
func DefaultKeyMap() KeyMap {
	return KeyMap{
		Quit:    key.NewBinding(key.WithKeys("q", "ctrl+c", "esc"), key.WithHelp("q", "quit")),
		Refresh: key.NewBinding(key.WithKeys("r"), key.WithHelp("r", "refresh")),
		Like:    key.NewBinding(key.WithKeys("l"), key.WithHelp("l", "like")),
	}
}

// snapshotMsg carries the latest view of the collection.
type snapshotMsg struct {
	snap store.ViewSnapshot
}

// loadedMsg reports a finished page load.
type loadedMsg struct {
	result pagination.Result
	err    error
}

// refreshedMsg reports a finished refresh.
type refreshedMsg struct {
	result scheduler.Result
	err    error
}

// likedMsg reports a finished like.
type likedMsg struct {
	postID string
	err    error
}

// watch forwards store snapshots to the program, keeping only the newest.
type watch struct {
	updates chan store.ViewSnapshot
	done    chan struct{}
	sub     *store.Subscription
}

func (w *watch) push(snap store.ViewSnapshot) {
	select {
	case <-w.updates:
	default:
	}
	select {
	case w.updates <- snap:
	default:
	}
}

func (w *watch) next() tea.Msg {
	select {
	case snap := <-w.updates:
		return snapshotMsg{snap: snap}
	case <-w.done:
		return nil
	}
}

// Model is the Bubble Tea model of the feed viewer.
//
//nolint:recvcheck // Bubble Tea requires value receivers for Init/Update/View interface methods.
type Model struct {
	ctx       context.Context
	source    Source
	key       string
	title     string
	threshold int

	list    *listview.VirtualListModel[entity.Entity]
	keys    KeyMap
	spinner spinner.Model
	watch   *watch

	snap     store.ViewSnapshot
	width    int
	height   int
	status   string
	err      error
	quitting bool
}

// Options configures a Model.
type Options struct {
	Key   string
	Title string

	// PrefetchThreshold is how close to the end of the loaded rows the cursor may get
	// before the next page is requested.
	PrefetchThreshold int
}

// New subscribes to the collection and returns the model. Close releases the
// subscription; the program's quit key does so too.
func New(ctx context.Context, source Source, opts Options) Model {
	if opts.Title == "" {
		opts.Title = opts.Key
	}
	if opts.PrefetchThreshold <= 0 {
		opts.PrefetchThreshold = pagination.DefaultPrefetchThreshold
	}

	w := &watch{
		updates: make(chan store.ViewSnapshot, 1),
		done:    make(chan struct{}),
	}
	w.sub = source.SubscribeView(opts.Key, w.push)

	sp := spinner.New(spinner.WithSpinner(spinner.Dot))
	sp.Style = SubtleStyle

	l := listview.NewVirtualListModel([]entity.Entity{}, defaultHeight-chromeLines, defaultWidth, renderPost).
		WithIdentity(func(e entity.Entity) string { return e.Ref.String() })

	return Model{
		ctx:       ctx,
		source:    source,
		key:       opts.Key,
		title:     opts.Title,
		threshold: opts.PrefetchThreshold,
		list:      l,
		keys:      DefaultKeyMap(),
		spinner:   sp,
		watch:     w,
		width:     defaultWidth,
		height:    defaultHeight,
		snap:      store.ViewSnapshot{Key: opts.Key, Loading: true},
	}
}

// Close stops watching the collection. It is safe to call more than once.
func (m Model) Close() {
	m.watch.sub.Close()
	select {
	case <-m.watch.done:
	default:
		close(m.watch.done)
	}
}

// Init starts the first page load and the snapshot watch.
func (m Model) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, m.watch.next, m.loadInitial())
}

// Update handles messages (Bubble Tea interface).
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.list.SetSize(msg.Width, max(msg.Height-chromeLines, 1))
		return m, nil

	case tea.KeyMsg:
		return m.handleKey(msg)

	case snapshotMsg:
		m.snap = msg.snap
		m.list.SetItems(msg.snap.Items)
		return m, m.watch.next

	case loadedMsg:
		return m.handleLoaded(msg)

	case refreshedMsg:
		if msg.err != nil {
			m.err = msg.err
			return m, nil
		}
		m.err = nil
		m.status = "refresh: " + msg.result.Source.String()
		return m, nil

	case likedMsg:
		if msg.err != nil {
			m.err = msg.err
			return m, nil
		}
		m.status = "liked " + msg.postID
		return m, nil

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}
	return m, nil
}

func (m Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch {
	case key.Matches(msg, m.keys.Quit):
		m.quitting = true
		m.Close()
		return m, tea.Quit

	case key.Matches(msg, m.keys.Refresh):
		m.status = "refreshing"
		return m, m.refresh()

	case key.Matches(msg, m.keys.Like):
		item, ok := m.list.SelectedItem()
		if !ok {
			return m, nil
		}
		return m, m.like(item.Ref.ID)
	}

	if m.list.Update(msg) && m.list.NearEnd(m.threshold) && m.snap.HasMore {
		return m, m.loadVisible()
	}
	return m, nil
}

func (m Model) handleLoaded(msg loadedMsg) (tea.Model, tea.Cmd) {
	if msg.err != nil {
		m.err = msg.err
		return m, nil
	}
	m.err = nil
	if msg.result.Outcome == pagination.OutcomeReset || msg.result.Outcome == pagination.OutcomeAppended {
		m.status = fmt.Sprintf("loaded %d", msg.result.Added)
	}
	return m, nil
}

func (m Model) loadInitial() tea.Cmd {
	ctx, source, collection := m.ctx, m.source, m.key
	return func() tea.Msg {
		res, err := source.LoadInitial(ctx, collection)
		return loadedMsg{result: res, err: err}
	}
}

func (m Model) loadVisible() tea.Cmd {
	ctx, source, collection := m.ctx, m.source, m.key
	visibleTo, total := m.list.VisibleTo(), m.list.ItemCount()
	return func() tea.Msg {
		res, err := source.TriggerVisible(ctx, collection, visibleTo, total)
		return loadedMsg{result: res, err: err}
	}
}

func (m Model) refresh() tea.Cmd {
	ctx, source, collection := m.ctx, m.source, m.key
	return func() tea.Msg {
		res, err := source.Refresh(ctx, collection, true)
		return refreshedMsg{result: res, err: err}
	}
}

func (m Model) like(postID string) tea.Cmd {
	ctx, source := m.ctx, m.source
	return func() tea.Msg {
		_, err := source.LikePost(ctx, postID)
		if err != nil {
			logging.FromContext(ctx).Debug().
				Str("component", "tui").
				Str("operation", "like").
				Str("post_id", postID).
				Err(err).
				Msg("like failed")
		}
		return likedMsg{postID: postID, err: err}
	}
}

// View renders the viewer (Bubble Tea interface).
func (m Model) View() string {
	if m.quitting {
		return ""
	}

	sections := []string{HeaderStyle.Render(m.title)}

	switch {
	case m.list.ItemCount() == 0 && m.snap.Loading:
		sections = append(sections, m.spinner.View()+" Loading...")
	case m.list.ItemCount() == 0:
		sections = append(sections, SubtleStyle.Render("Nothing here yet."))
	default:
		sections = append(sections, m.list.View())
	}

	sections = append(sections, m.renderStatus(), m.renderHelp())
	return lipgloss.JoinVertical(lipgloss.Left, sections...)
}

func (m Model) renderStatus() string {
	var parts []string
	parts = append(parts, fmt.Sprintf("%d/%d", min(m.list.Selected()+1, m.list.ItemCount()), m.list.ItemCount()))
	switch {
	case m.snap.Loading:
		parts = append(parts, m.spinner.View()+"loading")
	case !m.snap.HasMore && m.list.ItemCount() > 0:
		parts = append(parts, "end")
	}
	if m.status != "" {
		parts = append(parts, m.status)
	}
	line := LabelStyle.Render(strings.Join(parts, "  "))

	err := m.err
	if err == nil {
		err = m.snap.Err
	}
	if err != nil {
		line += "  " + ErrorStyle.Render(err.Error())
	}
	return line
}

func (m Model) renderHelp() string {
	bindings := []key.Binding{
		m.list.Keys().Up, m.list.Keys().Down, m.list.Keys().End,
		m.keys.Like, m.keys.Refresh, m.keys.Quit,
	}
	parts := make([]string, 0, len(bindings))
	for _, b := range bindings {
		h := b.Help()
		parts = append(parts, h.Key+" "+h.Desc)
	}
	return SubtleStyle.Render(strings.Join(parts, " • "))
}

// renderPost renders one feed row.
func renderPost(e entity.Entity, selected bool) string {
	title := e.Fields.String("title")
	if title == "" {
		title = e.Ref.String()
	}
	likes, _ := e.Fields.Int("likeCount")
	comments, _ := e.Fields.Int("commentCount")

	meta := fmt.Sprintf("♥ %d  ✎ %d", likes, comments)
	if author := e.Fields.String("author"); author != "" {
		meta = author + "  " + meta
	}

	if selected {
		return SelectedStyle.Render("> "+title) + "  " + LabelStyle.Render(meta)
	}
	return "  " + ValueStyle.Render(title) + "  " + SubtleStyle.Render(meta)
}
