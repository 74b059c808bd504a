// Package scheduler deduplicates expensive refresh operations per resource key.
//
// A Scheduler enforces two rules for every key:
//   - at most one fetch is in flight; concurrent requests join it and share its result
//   - a successful fetch is reused until its minimum interval elapses, unless forced
//
// Failures never advance the staleness window, so the next request fetches again.
//
// Example:
//
//	s := scheduler.New()
//	res, err := s.Request(ctx, "quote:IBM", 5*time.Minute, fetchQuote, false)
//	if err == nil && res.Source == scheduler.SourceCached {
//		// served without a network call
//	}
package scheduler
