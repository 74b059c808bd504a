package cli

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/rshade/finfeed/internal/config"
	"github.com/rshade/finfeed/internal/identity"
	"github.com/rshade/finfeed/internal/notify"
	"github.com/rshade/finfeed/internal/remote"
	"github.com/rshade/finfeed/internal/remote/sqlbackend"
	"github.com/rshade/finfeed/internal/session"
)

// runtime is what a command works against: the demo service and a session on it.
type runtime struct {
	backend *sqlbackend.Backend
	session *session.Session
}

func (r *runtime) Close() error {
	r.session.Close()
	return r.backend.Close()
}

// openRuntime builds a session from the global config and the command's flags.
// Failure notices are printed to the command's stderr.
func openRuntime(ctx context.Context, cmd *cobra.Command) (*runtime, error) {
	cfg := config.GetGlobalConfig()

	fixturePath := cfg.Backend.Fixtures
	if cmd.Flags().Changed("fixtures") {
		fixturePath, _ = cmd.Flags().GetString("fixtures")
	}
	var fixture []byte
	if fixturePath != "" {
		data, err := sqlbackend.LoadFixtureFile(fixturePath)
		if err != nil {
			return nil, err
		}
		fixture = data
	}

	backend, err := sqlbackend.Open(fixture, sqlbackend.WithLatency(cfg.Backend.Latency))
	if err != nil {
		return nil, fmt.Errorf("open demo service: %w", err)
	}

	presenter := stderrPresenter(cmd)

	clientOpts := []remote.Option{
		remote.WithPresenter(presenter),
		remote.WithRetry(remote.RetryPolicy{
			MaxAttempts:     cfg.Remote.Retry.MaxAttempts,
			InitialInterval: cfg.Remote.Retry.InitialInterval,
			MaxInterval:     cfg.Remote.Retry.MaxInterval,
		}),
	}
	for prefix, shape := range sqlbackend.Shapes() {
		clientOpts = append(clientOpts, remote.WithShape(prefix, shape))
	}
	client := remote.NewClient(backend, clientOpts...)

	if cfg.Remote.APIVersion != "" {
		v, verErr := client.CheckCompatibility(ctx, cfg.Remote.APIVersion)
		if verErr != nil {
			_ = backend.Close()
			return nil, verErr
		}
		logger.Debug().Ctx(ctx).Str("api_version", v.String()).Msg("service compatible")
	}

	ids, err := identityFrom(cmd, cfg.Identity)
	if err != nil {
		_ = backend.Close()
		return nil, err
	}

	minInterval, err := cfg.MinInterval()
	if err != nil {
		_ = backend.Close()
		return nil, err
	}

	sess, err := session.New(session.Options{
		Service:           client,
		Identity:          ids,
		Presenter:         presenter,
		PageSize:          cfg.Pagination.PageSize,
		PrefetchThreshold: cfg.Pagination.PrefetchThreshold,
		MinInterval:       minInterval,
	})
	if err != nil {
		_ = backend.Close()
		return nil, err
	}
	return &runtime{backend: backend, session: sess}, nil
}

// identityFrom prefers a session token, then --as, then the configured static actor.
func identityFrom(cmd *cobra.Command, ic config.IdentityConfig) (identity.Provider, error) {
	if ic.Token != "" {
		p := identity.NewTokenProvider(ic.Token, []byte(ic.Secret))
		if _, err := p.Actor(cmd.Context()); err != nil {
			return nil, err
		}
		return p, nil
	}

	actor := identity.Static{ID: ic.UserID, Name: ic.Name, Handle: ic.Handle}
	if as, _ := cmd.Flags().GetString("as"); as != "" {
		actor = identity.Static{ID: as, Handle: as}
	}
	if actor.ID == "" {
		return nil, errors.New("no identity configured: set identity.user_id or identity.token")
	}
	return actor, nil
}

// stderrPresenter prints notices for the user.
func stderrPresenter(cmd *cobra.Command) notify.Presenter {
	return notify.PresenterFunc(func(_ context.Context, n notify.Notice) {
		cmd.PrintErrf("%s: %s\n", n.Kind, n.Message)
	})
}
