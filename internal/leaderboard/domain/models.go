package domain

import (
	"context"
	"time"
)

type Entry struct {
	CountryCode string `json:"country_code"`
	CountryName string `json:"country_name"`
	TotalClicks int64  `json:"total_clicks"`
}

// Snapshot is an immutable capture of the ranking. Holders must not
// modify Entries.
type Snapshot struct {
	Entries    []Entry   `json:"entries"`
	GrandTotal int64     `json:"grand_total"`
	CapturedAt time.Time `json:"captured_at"`
}

type UserTotal struct {
	UserID      string     `json:"user_id"`
	TotalClicks int64      `json:"total_clicks"`
	Country     string     `json:"country,omitempty"`
	LastClick   *time.Time `json:"last_click,omitempty"`
}

type Stats struct {
	TotalUsers     int64 `json:"total_users"`
	TotalCountries int64 `json:"total_countries"`
	TotalClicks    int64 `json:"total_clicks"`
}

type Service interface {
	GetLeaderboard(ctx context.Context) (*Snapshot, error)
	GetUserTotal(ctx context.Context, userID string) (*UserTotal, error)
	GetStats(ctx context.Context) (*Stats, error)
}
