package cli

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/rshade/finfeed/internal/session"
	"github.com/rshade/finfeed/internal/store"
)

// NewHoldingsCmd creates the holdings command.
func NewHoldingsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "holdings [PORTFOLIO]",
		Short: "Show a portfolio's positions valued at the latest quotes",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			portfolio := "main"
			if len(args) == 1 {
				portfolio = args[0]
			}
			return runHoldings(cmd, portfolio)
		},
	}
}

func runHoldings(cmd *cobra.Command, portfolio string) error {
	ctx := cmd.Context()
	rt, err := openRuntime(ctx, cmd)
	if err != nil {
		return err
	}
	defer func() { _ = rt.Close() }()

	key := session.HoldingsKey(portfolio)
	sub := rt.session.SubscribeView(key, func(store.ViewSnapshot) {})
	defer sub.Close()

	res, err := rt.session.LoadInitial(ctx, key)
	for err == nil && res.HasMore {
		res, err = rt.session.LoadMore(ctx, key)
	}
	if err != nil {
		return err
	}

	tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "SYMBOL\tQUANTITY\tPRICE\tVALUE")
	var total float64
	for _, h := range rt.session.View(key).Items {
		symbol := h.Fields.String("symbol")
		qty, _ := h.Fields.Float("quantity")

		quote, _, qErr := rt.session.RefreshQuote(ctx, symbol, false)
		if qErr != nil {
			_, _ = fmt.Fprintf(tw, "%s\t%s\t-\t-\n", symbol, printer.Sprintf("%.2f", qty))
			continue
		}
		price, _ := quote.Fields.Float("price")
		total += qty * price
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", symbol,
			printer.Sprintf("%.2f", qty), printer.Sprintf("%.2f", price), printer.Sprintf("%.2f", qty*price))
	}
	_, _ = fmt.Fprintf(tw, "TOTAL\t\t\t%s\n", printer.Sprintf("%.2f", total))
	return tw.Flush()
}
