package room

import (
	"context"
	"fmt"
	"time"
)

// Querier is the platform call that lists current occupants.
type Querier interface {
	QueryOccupants(ctx context.Context) ([]Occupant, error)
}

// Snapshot performs point-in-time occupancy reads. A failed query is
// returned as an error; callers skip or report, never crash.
type Snapshot struct {
	q       Querier
	timeout time.Duration
}

func NewSnapshot(q Querier, timeout time.Duration) *Snapshot {
	return &Snapshot{q: q, timeout: timeout}
}

func (s *Snapshot) Current(ctx context.Context) ([]Occupant, error) {
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}
	occupants, err := s.q.QueryOccupants(ctx)
	if err != nil {
		return nil, fmt.Errorf("query occupants: %w", err)
	}
	return occupants, nil
}
