package scheduler

import (
	"fmt"
	"strconv"
	"time"
)

// Minimum interval defaults and bounds.
const (
	// DefaultMinInterval is the default staleness window (5 minutes).
	DefaultMinInterval = 5 * time.Minute

	// MinInterval is the smallest accepted staleness window.
	MinInterval = time.Second

	// MaxInterval is the largest accepted staleness window.
	MaxInterval = 24 * time.Hour

	// minutesPerHour is used for duration formatting calculations.
	minutesPerHour = 60
)

// ErrInvalidInterval is returned for staleness windows outside MinInterval..MaxInterval.
var ErrInvalidInterval = fmt.Errorf("interval must be between %s and %s",
	FormatDuration(MinInterval), FormatDuration(MaxInterval))

// ParseInterval parses a staleness window in either form:
//   - integer seconds: "300"
//   - duration string: "5m", "1h30m"
func ParseInterval(s string) (time.Duration, error) {
	var d time.Duration
	if seconds, err := strconv.Atoi(s); err == nil {
		d = time.Duration(seconds) * time.Second
	} else {
		parsed, parseErr := time.ParseDuration(s)
		if parseErr != nil {
			return 0, fmt.Errorf("invalid interval format: %w", parseErr)
		}
		d = parsed
	}

	if err := ValidateInterval(d); err != nil {
		return 0, err
	}
	return d, nil
}

// ValidateInterval checks d against MinInterval..MaxInterval.
func ValidateInterval(d time.Duration) error {
	if d < MinInterval || d > MaxInterval {
		return fmt.Errorf("%w: got %s", ErrInvalidInterval, d)
	}
	return nil
}

// FormatDuration formats a duration in a human-readable way.
// Examples: "45s", "5m", "1h30m".
func FormatDuration(d time.Duration) string {
	if d < time.Minute {
		return fmt.Sprintf("%.0fs", d.Seconds())
	}
	if d < time.Hour {
		if d%time.Minute == 0 {
			return fmt.Sprintf("%.0fm", d.Minutes())
		}
		return fmt.Sprintf("%dm%ds", int(d.Minutes()), int(d.Seconds())%60)
	}
	hours := int(d.Hours())
	minutes := int(d.Minutes()) % minutesPerHour
	if minutes == 0 {
		return fmt.Sprintf("%dh", hours)
	}
	return fmt.Sprintf("%dh%dm", hours, minutes)
}
