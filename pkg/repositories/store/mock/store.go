package mock

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/fadedpez/tradevault/pkg/repositories/store"
)

// Store is a mock implementation of store.Store. Atomic records the call and
// returns the configured error without running the unit unless RunWith is set.
type Store struct {
	mock.Mock

	// RunWith, when set, receives every unit whose configured error is nil
	RunWith store.Store
}

func New() *Store {
	return &Store{}
}

func (s *Store) Atomic(ctx context.Context, fn func(ctx context.Context, repos store.Repos) error) error {
	args := s.Called(ctx, fn)
	if err := args.Error(0); err != nil {
		return err
	}
	if s.RunWith != nil {
		return s.RunWith.Atomic(ctx, fn)
	}
	return nil
}

func (s *Store) Close() error {
	args := s.Called()
	return args.Error(0)
}
