package domain

import "context"

// Tx is the view of the counter tables inside one atomic unit of work.
// Reads return nil, nil for absent keys. Upserts replace the whole row.
type Tx interface {
	ReadUser(ctx context.Context, userID string) (*UserCounter, error)
	ReadCountry(ctx context.Context, code string) (*CountryCounter, error)
	UpsertUser(ctx context.Context, user UserCounter) error
	UpsertCountry(ctx context.Context, country CountryCounter) error
	DeleteAllUsers(ctx context.Context) error
	DeleteAllCountries(ctx context.Context) error
}

// Store persists user and country counters. Methods called directly on the
// Store run as their own single-operation unit.
type Store interface {
	Tx

	// Transaction runs fn atomically. Any error returned by fn, or raised
	// while committing, discards every write fn made.
	Transaction(ctx context.Context, fn func(tx Tx) error) error

	// QueryTopCountries returns at most limit countries ordered by
	// TotalClicks descending.
	QueryTopCountries(ctx context.Context, limit int) ([]CountryCounter, error)
	SumAllCountryClicks(ctx context.Context) (int64, error)
	CountUsers(ctx context.Context) (int64, error)
	CountCountries(ctx context.Context) (int64, error)
}

// CacheInvalidator drops derived leaderboard state after a write.
type CacheInvalidator interface {
	Invalidate()
}
