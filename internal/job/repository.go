package job

import (
	"context"
	"errors"
)

// Filter narrows List. Zero values match everything.
type Filter struct {
	Statuses  []Status
	Symbol    string
	Timeframe string
	Limit     int
}

type Repository interface {
	Create(ctx context.Context, j *Job) error
	Get(ctx context.Context, id string) (*Job, error)
	List(ctx context.Context, f Filter) ([]Job, error)
	FindActive(ctx context.Context, symbol, timeframe, requestedStart, endDate string) (*Job, error)
	// Update applies fn to a fresh copy of the job and persists the result
	// only if nobody wrote the job in between (ErrConcurrentModification).
	Update(ctx context.Context, id string, fn func(*Job) error) (*Job, error)
	ClaimPending(ctx context.Context) (*Job, error)
	RecoverStale(ctx context.Context) (int64, error)
	Purge(ctx context.Context, id string) error
	Ping(ctx context.Context) error
}

// SnapshotCache keeps recent job snapshots for status polling. Entries may
// lag the store.
type SnapshotCache interface {
	Put(ctx context.Context, j *Job) error
	Get(ctx context.Context, id string) (*Job, bool, error)
	Delete(ctx context.Context, id string) error
}

type nopCache struct{}

func (nopCache) Put(context.Context, *Job) error                { return nil }
func (nopCache) Get(context.Context, string) (*Job, bool, error) { return nil, false, nil }
func (nopCache) Delete(context.Context, string) error           { return nil }

// NopCache is a SnapshotCache that stores nothing.
var NopCache SnapshotCache = nopCache{}

// Mutate runs repo.Update, retrying once when it loses an optimistic
// concurrency race.
func Mutate(ctx context.Context, repo Repository, id string, fn func(*Job) error) (*Job, error) {
	j, err := repo.Update(ctx, id, fn)
	if err == nil || !errors.Is(err, ErrConcurrentModification) {
		return j, err
	}
	return repo.Update(ctx, id, fn)
}
