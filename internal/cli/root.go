package cli

import (
	"io"
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/rshade/finfeed/internal/config"
)

// isTerminal checks if the given file is a terminal.
func isTerminal(f *os.File) bool {
	return term.IsTerminal(int(f.Fd()))
}

// logger is the package-level logger for CLI operations.
var logger zerolog.Logger //nolint:gochecknoglobals // Required for zerolog context integration

// NewRootCmd creates the root Cobra command for the finfeed CLI.
func NewRootCmd(ver string) *cobra.Command {
	var logCloser io.Closer

	cmd := &cobra.Command{
		Use:          "finfeed",
		Short:        "Feed, comment and quote client with optimistic updates",
		Long:         "finfeed: browse a paginated feed, post comments optimistically and refresh quotes without redundant fetches",
		Version:      ver,
		Example:      rootCmdExample,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			path, _ := cmd.Flags().GetString("config")
			cfg, err := config.LoadWithOverlay(path, overlayFileName)
			if err != nil {
				return err
			}
			config.SetGlobalConfig(cfg)

			logCloser = setupLogging(cmd, cfg)
			return nil
		},
		PersistentPostRunE: func(cmd *cobra.Command, _ []string) error {
			return cleanupLogging(cmd, logCloser)
		},
	}

	cmd.PersistentFlags().String("config", "", "config file (default: ./finfeed.yaml or $FINFEED_HOME/finfeed.yaml)")
	cmd.PersistentFlags().Bool("debug", false, "enable debug logging")
	cmd.PersistentFlags().String("fixtures", "", "seed the demo service from this YAML file")
	cmd.PersistentFlags().String("as", "", "act as this user id instead of the configured identity")

	cmd.AddCommand(NewFeedCmd(), NewHoldingsCmd(), NewQuoteCmd(), NewCommentCmd())
	return cmd
}

// overlayFileName is a project-local file merged over the loaded config.
const overlayFileName = ".finfeed.local.yaml"

const rootCmdExample = `  # Print the home feed, loading every page
  finfeed feed

  # Browse the feed interactively with infinite scroll
  finfeed feed --tui

  # Refresh two quotes; repeated refreshes within the window are served from cache
  finfeed quote ACME GLOBX

  # Comment on a post
  finfeed comment p1 "Great call on rates"

  # Show a portfolio's positions
  finfeed holdings main`
