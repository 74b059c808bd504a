package remote

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/cenkalti/backoff/v4"
	"github.com/tidwall/gjson"

	"github.com/rshade/finfeed/internal/entity"
	"github.com/rshade/finfeed/internal/logging"
	"github.com/rshade/finfeed/internal/metrics"
	"github.com/rshade/finfeed/internal/notify"
)

// Request operations understood by a Transport.
const (
	OpCollection = "collection"
	OpEntity     = "entity"
	OpMutation   = "mutation"
	OpVersion    = "version"
)

// ErrNoShape is returned when a collection key has no registered Shape.
var ErrNoShape = errors.New("remote: no shape registered for collection")

// Request is one raw call to the service.
type Request struct {
	Op       string
	Key      string
	Cursor   string
	PageSize int
	Ref      entity.Ref
	Name     string
	Input    map[string]any
}

// Transport carries raw requests to the service and returns its JSON answer.
type Transport interface {
	Do(ctx context.Context, req Request) ([]byte, error)
}

// RetryPolicy bounds retries of transient fetch failures. Mutations are never retried.
type RetryPolicy struct {
	MaxAttempts     int
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

// DefaultRetryPolicy returns three attempts starting at 200ms.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:     3,
		InitialInterval: 200 * time.Millisecond,
		MaxInterval:     2 * time.Second,
	}
}

// Option configures a Client.
type Option func(*Client)

// WithRetry replaces the retry policy.
func WithRetry(p RetryPolicy) Option {
	return func(c *Client) {
		c.retry = p
	}
}

// WithPresenter sets where exhausted fetch failures are reported.
func WithPresenter(p notify.Presenter) Option {
	return func(c *Client) {
		c.presenter = p
	}
}

// WithShape registers the response shape for collections whose key starts with prefix
// (the part before the first colon).
func WithShape(prefix string, s Shape) Option {
	return func(c *Client) {
		c.shapes[prefix] = s
	}
}

// Client implements Service over a Transport. It decodes each endpoint's shape into
// canonical pages and entities and retries transient fetch failures.
type Client struct {
	transport Transport
	retry     RetryPolicy
	presenter notify.Presenter
	shapes    map[string]Shape
}

var _ Service = (*Client)(nil)

// NewClient builds a Client.
func NewClient(t Transport, opts ...Option) *Client {
	c := &Client{
		transport: t,
		retry:     DefaultRetryPolicy(),
		presenter: notify.LogPresenter{},
		shapes:    make(map[string]Shape),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.retry.MaxAttempts < 1 {
		c.retry.MaxAttempts = 1
	}
	return c
}

// FetchCollection fetches and normalizes one page.
func (c *Client) FetchCollection(ctx context.Context, key, cursor string, pageSize int) (entity.Page, error) {
	shape, ok := c.shapes[collectionPrefix(key)]
	if !ok {
		return entity.Page{}, fmt.Errorf("%w: %s", ErrNoShape, key)
	}

	var page entity.Page
	err := c.withRetry(ctx, "FetchCollection", key, func() error {
		raw, err := c.transport.Do(ctx, Request{Op: OpCollection, Key: key, Cursor: cursor, PageSize: pageSize})
		if err != nil {
			return err
		}
		page, err = DecodePage(raw, shape)
		return err
	})
	return page, err
}

// FetchEntity fetches and normalizes one entity.
func (c *Client) FetchEntity(ctx context.Context, ref entity.Ref) (entity.Entity, error) {
	var e entity.Entity
	err := c.withRetry(ctx, "FetchEntity", ref.String(), func() error {
		raw, err := c.transport.Do(ctx, Request{Op: OpEntity, Ref: ref})
		if err != nil {
			return err
		}
		e, err = DecodeEntity(raw, ref.Kind)
		return err
	})
	return e, err
}

// RunMutation executes a mutation once.
func (c *Client) RunMutation(ctx context.Context, name string, input map[string]any) (MutationResult, error) {
	raw, err := c.transport.Do(ctx, Request{Op: OpMutation, Name: name, Input: input})
	if err != nil {
		return MutationResult{}, err
	}
	return DecodeMutation(raw)
}

// CheckCompatibility asks the service for its API version and tests it against
// constraint (e.g. "^1.2"). An empty constraint accepts any version.
func (c *Client) CheckCompatibility(ctx context.Context, constraint string) (*semver.Version, error) {
	raw, err := c.transport.Do(ctx, Request{Op: OpVersion})
	if err != nil {
		return nil, fmt.Errorf("reading API version: %w", err)
	}
	v, err := semver.NewVersion(gjson.GetBytes(raw, "version").String())
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrIncompatibleAPI, err)
	}
	if constraint == "" {
		return v, nil
	}
	cons, err := semver.NewConstraint(constraint)
	if err != nil {
		return nil, fmt.Errorf("parsing API constraint %q: %w", constraint, err)
	}
	if !cons.Check(v) {
		return v, fmt.Errorf("%w: service %s does not satisfy %s", ErrIncompatibleAPI, v, constraint)
	}
	return v, nil
}

// withRetry runs call until it succeeds, fails permanently, or the policy is spent.
// Only transient failures are retried; once spent they are wrapped in a FetchError.
func (c *Client) withRetry(ctx context.Context, op, key string, call func() error) error {
	log := logging.FromContext(ctx).With().
		Str("component", "remote").
		Str("operation", op).
		Str("key", key).
		Logger()

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.retry.InitialInterval
	b.MaxInterval = c.retry.MaxInterval
	b.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(c.retry.MaxAttempts-1)), ctx)

	attempts := 0
	err := backoff.RetryNotify(func() error {
		attempts++
		err := call()
		if err == nil || IsTransient(err) {
			return err
		}
		return backoff.Permanent(err)
	}, policy, func(err error, wait time.Duration) {
		metrics.FetchRetries.WithLabelValues(op).Inc()
		log.Debug().Err(err).Int("attempt", attempts).Dur("wait", wait).Msg("retrying transient failure")
	})
	if err == nil || !IsTransient(err) {
		return err
	}

	fetchErr := &FetchError{Op: op, Key: key, Attempts: attempts, Err: err}
	log.Warn().Err(err).Int("attempts", attempts).Msg("fetch failed")
	c.presenter.Present(ctx, notify.Notice{
		Kind:    notify.KindFetchFailed,
		Key:     key,
		Message: fmt.Sprintf("could not load %s", key),
		Err:     fetchErr,
	})
	return fetchErr
}
