package store

import (
	"context"
	"time"

	"github.com/fadedpez/tradevault/internal/types"
	"github.com/fadedpez/tradevault/pkg/repositories/escrow"
	"github.com/fadedpez/tradevault/pkg/repositories/wallet"
)

// Repos are the repositories bound to one atomic unit
type Repos struct {
	Wallets wallet.Repository
	Escrows escrow.Repository
}

// Store runs atomic units of work against the ledger and escrow tables
type Store interface {
	// Atomic runs fn in a single storage transaction. Every write made through the
	// repos is committed if fn returns nil and discarded otherwise.
	Atomic(ctx context.Context, fn func(ctx context.Context, repos Repos) error) error

	// Close releases the underlying resources
	Close() error
}

// conflictError is returned by repositories when an optimistic version check fails
// or the backend reports a lock or serialization conflict
func conflictError(what string, err error) error {
	return types.WrapError(types.ErrConcurrencyConflict, what, err)
}

// RunAtomic runs fn through s.Atomic, retrying up to attempts times while the unit
// fails with a concurrency conflict
func RunAtomic(ctx context.Context, s Store, attempts int, fn func(ctx context.Context, repos Repos) error) error {
	if attempts < 1 {
		attempts = 1
	}

	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		err = s.Atomic(ctx, fn)
		if err == nil || !types.Is(err, types.ErrConcurrencyConflict) {
			return err
		}
		if attempt == attempts {
			break
		}

		// Linear backoff, the conflicting unit is usually short
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(attempt) * 5 * time.Millisecond):
		}
	}
	return err
}
