package cli

import (
	"errors"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"
	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/rshade/finfeed/internal/config"
	"github.com/rshade/finfeed/internal/entity"
	"github.com/rshade/finfeed/internal/session"
	"github.com/rshade/finfeed/internal/store"
	"github.com/rshade/finfeed/internal/tui/feed"
)

// errNotTerminal is returned when --tui is used without a terminal.
var errNotTerminal = errors.New("--tui requires an interactive terminal")

// printer formats counts and prices for output.
//
//nolint:gochecknoglobals // Shared read-only formatter.
var printer = message.NewPrinter(language.English)

// NewFeedCmd creates the feed command.
func NewFeedCmd() *cobra.Command {
	var (
		useTUI bool
		limit  int
	)

	cmd := &cobra.Command{
		Use:   "feed [NAME]",
		Short: "Show a feed, loading pages until the end or --limit",
		Args:  cobra.MaximumNArgs(1),
		Example: `  finfeed feed
  finfeed feed home --limit 3
  finfeed feed --tui`,
		RunE: func(cmd *cobra.Command, args []string) error {
			name := "home"
			if len(args) == 1 {
				name = args[0]
			}
			if useTUI {
				return runFeedTUI(cmd, name)
			}
			return runFeed(cmd, name, limit)
		},
	}

	cmd.Flags().BoolVar(&useTUI, "tui", false, "browse interactively with infinite scroll")
	cmd.Flags().IntVar(&limit, "limit", 0, "stop after this many posts (0 loads every page)")
	return cmd
}

func runFeed(cmd *cobra.Command, name string, limit int) error {
	if limit < 0 {
		return fmt.Errorf("limit must be >= 0, got %d", limit)
	}

	ctx := cmd.Context()
	rt, err := openRuntime(ctx, cmd)
	if err != nil {
		return err
	}
	defer func() { _ = rt.Close() }()

	key := session.FeedKey(name)
	sub := rt.session.SubscribeView(key, func(store.ViewSnapshot) {})
	defer sub.Close()

	pages := 0
	res, err := rt.session.LoadInitial(ctx, key)
	for err == nil {
		pages++
		view := rt.session.View(key)
		if !res.HasMore || (limit > 0 && len(view.Items) >= limit) {
			break
		}
		res, err = rt.session.LoadMore(ctx, key)
	}
	if err != nil {
		return err
	}

	items := rt.session.View(key).Items
	if limit > 0 && len(items) > limit {
		items = items[:limit]
	}
	logger.Debug().Ctx(ctx).Str("feed", name).Int("pages", pages).Int("posts", len(items)).Msg("feed loaded")

	return renderPosts(cmd.OutOrStdout(), items)
}

func runFeedTUI(cmd *cobra.Command, name string) error {
	if !isTerminal(os.Stdout) {
		return errNotTerminal
	}

	ctx := cmd.Context()
	rt, err := openRuntime(ctx, cmd)
	if err != nil {
		return err
	}
	defer func() { _ = rt.Close() }()

	model := feed.New(ctx, rt.session, feed.Options{
		Key:               session.FeedKey(name),
		Title:             "Feed: " + name,
		PrefetchThreshold: config.GetGlobalConfig().Pagination.PrefetchThreshold,
	})
	defer model.Close()

	_, err = tea.NewProgram(model, tea.WithAltScreen(), tea.WithContext(ctx)).Run()
	return err
}

// renderPosts prints posts as an aligned table.
func renderPosts(w io.Writer, posts []entity.Entity) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "ID\tTITLE\tAUTHOR\tLIKES\tCOMMENTS")
	for _, p := range posts {
		likes, _ := p.Fields.Int("likeCount")
		comments, _ := p.Fields.Int("commentCount")
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
			p.Ref.ID,
			p.Fields.String("title"),
			p.Fields.String("author"),
			printer.Sprintf("%d", likes),
			printer.Sprintf("%d", comments),
		)
	}
	return tw.Flush()
}
