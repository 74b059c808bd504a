package config

import (
	"github.com/rshade/finfeed/internal/logging"
)

// ToLoggingConfig converts the logging section for the internal/logging package.
// A configured File switches the output from stderr to that file.
func (lc LoggingConfig) ToLoggingConfig(debug bool) logging.Config {
	out := logging.Config{
		Level:  lc.Level,
		Format: lc.Format,
		Output: logging.OutputStderr,
		File:   lc.File,
	}
	if lc.File != "" {
		out.Output = logging.OutputFile
	}
	if debug {
		out.Level = "debug"
		out.Caller = true
	}
	return out
}
