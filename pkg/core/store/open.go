package store

import (
	"context"
	"fmt"
	"log"
)

// Open returns the repository a command writes to. In dry-run mode nothing touches the
// database: state lives in memory, restored from and saved back to the snapshot when it
// is set. Otherwise a pool is opened with the options and the schema migrated.
// The returned function releases the repository and writes the snapshot.
func Open(ctx context.Context, o Options) (Repository, func() error, error) {
	if o.DryRun {
		repo := NewMemoryRepository()
		if o.Snapshot != "" {
			var err error
			if repo, err = LoadMemoryRepository(o.Snapshot); err != nil {
				return nil, nil, err
			}
			log.Printf("[Store] dry run, state in %s", o.Snapshot)
		}
		closeFn := func() error {
			if o.Snapshot == "" {
				return nil
			}
			return repo.WriteSnapshot(o.Snapshot)
		}
		return repo, closeFn, nil
	}

	pool, err := Connect(ctx, o)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	repo := NewPostgresRepository(pool)
	return repo, func() error {
		repo.Close()
		return nil
	}, nil
}
