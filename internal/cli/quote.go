package cli

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/rshade/finfeed/internal/entity"
	"github.com/rshade/finfeed/internal/scheduler"
)

// NewQuoteCmd creates the quote command.
func NewQuoteCmd() *cobra.Command {
	var (
		force  bool
		repeat int
	)

	cmd := &cobra.Command{
		Use:   "quote SYMBOL...",
		Short: "Refresh quotes, sharing in-flight fetches and honoring the refresh window",
		Args:  cobra.MinimumNArgs(1),
		Example: `  finfeed quote ACME
  finfeed quote ACME GLOBX --repeat 3
  finfeed quote ACME --force`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if repeat < 1 {
				return fmt.Errorf("repeat must be >= 1, got %d", repeat)
			}
			return runQuote(cmd, args, force, repeat)
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "fetch even when refreshed within the window")
	cmd.Flags().IntVar(&repeat, "repeat", 1, "issue this many simultaneous refreshes per symbol")
	return cmd
}

type quoteRow struct {
	quote  entity.Entity
	source scheduler.Source
}

func runQuote(cmd *cobra.Command, symbols []string, force bool, repeat int) error {
	ctx := cmd.Context()
	rt, err := openRuntime(ctx, cmd)
	if err != nil {
		return err
	}
	defer func() { _ = rt.Close() }()

	// Every symbol is requested repeat times at once; the scheduler collapses each
	// symbol's requests into one fetch.
	rows := make([]quoteRow, len(symbols)*repeat)
	g, gctx := errgroup.WithContext(ctx)
	for i, symbol := range symbols {
		for r := range repeat {
			idx := i*repeat + r
			g.Go(func() error {
				q, src, qErr := rt.session.RefreshQuote(gctx, symbol, force)
				if qErr != nil {
					return fmt.Errorf("quote %s: %w", symbol, qErr)
				}
				rows[idx] = quoteRow{quote: q, source: src}
				return nil
			})
		}
	}
	if err := g.Wait(); err != nil {
		return err
	}

	tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "SYMBOL\tPRICE\tCHANGE\tSOURCE")
	for _, row := range rows {
		price, _ := row.quote.Fields.Float("price")
		change, _ := row.quote.Fields.Float("change")
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n",
			row.quote.Ref.ID,
			printer.Sprintf("%.2f", price),
			printer.Sprintf("%+.2f", change),
			row.source,
		)
	}
	return tw.Flush()
}
