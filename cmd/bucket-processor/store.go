package main

import (
	"context"
	"fmt"

	"gocloud.dev/blob"

	"github.com/withObsrvr/obsrvr-bucket-processor/internal/config"
	"github.com/withObsrvr/obsrvr-bucket-processor/internal/policy"
	"github.com/withObsrvr/obsrvr-bucket-processor/internal/policy/inventory"
	"github.com/withObsrvr/obsrvr-bucket-processor/internal/ranges"
	"github.com/withObsrvr/obsrvr-bucket-processor/internal/ranges/postgres"
	"github.com/withObsrvr/obsrvr-bucket-processor/internal/ranges/sqlite"
	"github.com/withObsrvr/obsrvr-bucket-processor/internal/source"
)

// openStore opens the configured range table.
func (a *app) openStore(ctx context.Context) (ranges.Store, error) {
	if err := a.cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	sc := a.cfg.Store
	switch sc.Driver {
	case config.DriverPostgres:
		s, err := postgres.Open(ctx, postgres.Config{
			DSN:            sc.DSN,
			Table:          sc.Table,
			MaxConns:       sc.MaxConns,
			ConnectRetries: 5,
		})
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		s, err := sqlite.Open(sc.DSN, sc.Table)
		if err != nil {
			return nil, err
		}
		return s, nil
	}
}

// openManager opens the store and wraps it in a range manager. The caller
// closes the returned store.
func (a *app) openManager(ctx context.Context) (ranges.Store, *ranges.Manager, error) {
	store, err := a.openStore(ctx)
	if err != nil {
		return nil, nil, err
	}
	m := ranges.NewManager(store, ranges.ManagerConfig{
		MaxRequeues: a.cfg.Run.MaxRequeues,
		DryRun:      a.cfg.Run.DryRun,
	})
	return store, m, nil
}

func (a *app) sourceConfig() source.Config {
	s := a.cfg.Source
	return source.Config{
		URL:      s.URL,
		Backend:  s.Backend,
		Bucket:   s.Bucket,
		LocalDir: s.LocalDir,
		Endpoint: s.Endpoint,
		Region:   s.Region,
		Prefix:   s.Prefix,
	}
}

// openPolicy builds the configured policy. The returned close func releases
// any output bucket the policy writes to.
func (a *app) openPolicy(ctx context.Context) (policy.Policy, func() error, error) {
	pc := a.cfg.Policy
	opts := policy.Options{DryRun: a.cfg.Run.DryRun}

	switch pc.Name {
	case inventory.Name:
		bucket, err := blob.OpenBucket(ctx, pc.OutputURL)
		if err != nil {
			return nil, nil, fmt.Errorf("open inventory output %s: %w", pc.OutputURL, err)
		}
		p, err := inventory.New(bucket, inventory.Config{
			Prefix:       pc.OutputPrefix,
			Format:       pc.Format,
			StopOnErrors: a.cfg.Run.StopOnErrors,
		}, opts)
		if err != nil {
			bucket.Close()
			return nil, nil, err
		}
		return p, bucket.Close, nil
	case policy.CountName:
		return policy.NewCount(pc.SaveProgress), func() error { return nil }, nil
	default:
		return nil, nil, fmt.Errorf("unknown policy %q", pc.Name)
	}
}
