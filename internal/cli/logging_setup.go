package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/rshade/finfeed/internal/config"
	"github.com/rshade/finfeed/internal/logging"
)

// setupLogging builds the logger from config and the --debug flag, installs it as the
// default and attaches it, with a fresh trace id, to the command context.
func setupLogging(cmd *cobra.Command, cfg *config.Config) io.Closer {
	debug, _ := cmd.Flags().GetBool("debug")
	loggingCfg := cfg.Logging.ToLoggingConfig(debug)

	l, closer, err := logging.NewLogger(loggingCfg)
	if err != nil {
		_, _ = fmt.Fprintf(cmd.ErrOrStderr(), "Warning: %v; logging to stderr\n", err)
	}
	logging.SetDefault(l)
	logger = logging.ComponentLogger(l, "cli")

	ctx := cmd.Context()
	ctx = logging.ContextWithTraceID(ctx, logging.GetOrGenerateTraceID(ctx))
	ctx = logger.WithContext(ctx)
	cmd.SetContext(ctx)

	logger.Debug().Ctx(ctx).Str("command", cmd.Name()).Msg("command started")
	return closer
}

// cleanupLogging releases the log file, if any.
func cleanupLogging(cmd *cobra.Command, closer io.Closer) error {
	if closer == nil {
		return nil
	}
	logger.Debug().Ctx(cmd.Context()).Str("command", cmd.Name()).Msg("command finished")
	return closer.Close()
}
