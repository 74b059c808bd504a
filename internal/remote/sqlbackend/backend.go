// Package sqlbackend is an in-process remote service backed by an in-memory SQLite
// database. It answers each collection in a different response shape, the way
// independently built endpoints do, and can inject failures and expire cursors.
package sqlbackend

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/rshade/finfeed/internal/entity"
	"github.com/rshade/finfeed/internal/logging"
	"github.com/rshade/finfeed/internal/remote"
)

//go:embed schema.sql
var schemaSQL string

// Collection key prefixes served by the backend.
const (
	FeedPrefix     = "feed"
	CommentsPrefix = "comments"
	HoldingsPrefix = "holdings"
)

// Shapes returns the response shape of each collection the backend serves.
func Shapes() map[string]remote.Shape {
	return map[string]remote.Shape{
		FeedPrefix:     {Kind: "post", Style: remote.StyleEdges, Root: "data.feed"},
		CommentsPrefix: {Kind: "comment", Style: remote.StyleArray},
		HoldingsPrefix: {
			Kind:        "holding",
			Style:       remote.StyleNested,
			Root:        "data.portfolio.holdings",
			ItemsPath:   "rows",
			CursorPath:  "next",
			HasMorePath: "hasMore",
			IDField:     "holdingId",
		},
	}
}

// Option configures a Backend.
type Option func(*Backend)

// WithLatency delays every call by d.
func WithLatency(d time.Duration) Option {
	return func(b *Backend) {
		b.latency = d
	}
}

// WithClock sets the time source for created_at and updated_at columns.
func WithClock(now func() time.Time) Option {
	return func(b *Backend) {
		b.now = now
	}
}

// Backend implements remote.Transport.
type Backend struct {
	db *sql.DB

	mu       sync.Mutex
	epoch    int
	failures []error
	calls    map[string]int
	version  string
	latency  time.Duration
	now      func() time.Time
}

var _ remote.Transport = (*Backend)(nil)

// Open creates the database and seeds it from a YAML fixture. An empty fixture
// seeds the built-in one.
func Open(fixture []byte, opts ...Option) (*Backend, error) {
	if len(fixture) == 0 {
		fixture = defaultFixture
	}
	fx, err := ParseFixture(fixture)
	if err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", "file::memory:?_pragma=foreign_keys(1)")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	// Each connection to :memory: is a separate database.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	b := &Backend{
		db:      db,
		calls:   make(map[string]int),
		version: fx.Version,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}

	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	if err := b.seed(fx); err != nil {
		db.Close()
		return nil, fmt.Errorf("seed: %w", err)
	}
	return b, nil
}

// Close closes the database.
func (b *Backend) Close() error { return b.db.Close() }

// FailNext makes the next n calls fail with err.
func (b *Backend) FailNext(n int, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i := 0; i < n; i++ {
		b.failures = append(b.failures, err)
	}
}

// ExpireCursors invalidates every cursor handed out so far.
func (b *Backend) ExpireCursors() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.epoch++
}

// Calls returns how many requests reached op ("collection", "entity", "mutation").
func (b *Backend) Calls(op string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.calls[op]
}

// Do serves one request.
func (b *Backend) Do(ctx context.Context, req remote.Request) ([]byte, error) {
	log := logging.FromContext(ctx).With().
		Str("component", "sqlbackend").
		Str("operation", req.Op).
		Logger()

	b.mu.Lock()
	b.calls[req.Op]++
	var injected error
	if len(b.failures) > 0 {
		injected, b.failures = b.failures[0], b.failures[1:]
	}
	epoch, latency := b.epoch, b.latency
	b.mu.Unlock()

	if latency > 0 {
		timer := time.NewTimer(latency)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, fmt.Errorf("%w: %w", remote.ErrTransientFetch, ctx.Err())
		case <-timer.C:
		}
	}
	if injected != nil {
		log.Debug().Err(injected).Msg("injected failure")
		return nil, injected
	}

	switch req.Op {
	case remote.OpVersion:
		return newDoc(`{}`).set("version", b.version).bytes()
	case remote.OpCollection:
		return b.collection(ctx, req, epoch)
	case remote.OpEntity:
		return b.entity(ctx, req.Ref)
	case remote.OpMutation:
		return b.mutate(ctx, req.Name, req.Input)
	default:
		return nil, fmt.Errorf("sqlbackend: unsupported operation %q", req.Op)
	}
}

func (b *Backend) collection(ctx context.Context, req remote.Request, epoch int) ([]byte, error) {
	prefix, id, ok := strings.Cut(req.Key, ":")
	if !ok || id == "" {
		return nil, fmt.Errorf("%w: collection %q", remote.ErrNotFound, req.Key)
	}
	limit := req.PageSize
	if limit <= 0 {
		limit = 20
	}

	switch prefix {
	case FeedPrefix:
		return b.feedPage(ctx, id, req.Cursor, limit, epoch)
	case CommentsPrefix:
		return b.commentsPage(ctx, id, req.Cursor, limit)
	case HoldingsPrefix:
		return b.holdingsPage(ctx, id, req.Cursor, limit, epoch)
	default:
		return nil, fmt.Errorf("%w: collection %q", remote.ErrNotFound, req.Key)
	}
}

func (b *Backend) entity(ctx context.Context, ref entity.Ref) ([]byte, error) {
	switch ref.Kind {
	case "post":
		p, err := b.post(ctx, b.db, ref.ID)
		if err != nil {
			return nil, err
		}
		return p.json().bytes()
	case "comment":
		c, err := b.comment(ctx, b.db, ref.ID)
		if err != nil {
			return nil, err
		}
		return c.json().bytes()
	case "quote":
		q, err := b.quote(ctx, ref.ID)
		if err != nil {
			return nil, err
		}
		return q.json().bytes()
	default:
		return nil, fmt.Errorf("%w: %s", remote.ErrNotFound, ref)
	}
}

// cursor is an epoch-stamped keyset position.
type cursor struct {
	epoch int
	seq   int64
}

func (c cursor) String() string {
	return fmt.Sprintf("%d.%d", c.epoch, c.seq)
}

func parseCursor(s string, epoch int) (cursor, error) {
	var c cursor
	if _, err := fmt.Sscanf(s, "%d.%d", &c.epoch, &c.seq); err != nil {
		return cursor{}, fmt.Errorf("%w: malformed cursor %q", remote.ErrStaleCursor, s)
	}
	if c.epoch != epoch {
		return cursor{}, fmt.Errorf("%w: cursor %q expired", remote.ErrStaleCursor, s)
	}
	return c, nil
}

// queryer is satisfied by *sql.DB and *sql.Tx.
type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func notFound(err error, what string) error {
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %s", remote.ErrNotFound, what)
	}
	return fmt.Errorf("query %s: %w", what, err)
}

func (b *Backend) timestamp() string {
	return b.now().UTC().Format(time.RFC3339)
}
