package domain

import (
	"context"
	"time"
)

type Service interface {
	ApplyBatch(ctx context.Context, req ApplyBatchRequest) (*ApplyBatchResult, error)
	ApplyClick(ctx context.Context, req ApplyClickRequest) (*ApplyBatchResult, error)
	ResetAll(ctx context.Context) error
}

type ApplyBatchRequest struct {
	UserID      string `json:"user_id"`
	CountryCode string `json:"country_code"`
	CountryName string `json:"country_name"`
	ClickCount  int64  `json:"clicks"`
	// ClientReportedTotal is the total the client believes the user has.
	// It can raise the stored total but never lower it.
	ClientReportedTotal *int64 `json:"client_total,omitempty"`
}

type ApplyClickRequest struct {
	UserID      string `json:"user_id"`
	CountryCode string `json:"country_code"`
	CountryName string `json:"country_name"`
}

type ApplyBatchResult struct {
	UserTotal            int64 `json:"user_total"`
	PreviousUserTotal    int64 `json:"previous_user_total"`
	PreviousCountryTotal int64 `json:"previous_country_total"`
}

// ClickEvent is published for every committed batch.
type ClickEvent struct {
	UserID       string    `json:"user_id"`
	CountryCode  string    `json:"country_code"`
	CountryName  string    `json:"country_name"`
	Clicks       int64     `json:"clicks"`
	UserTotal    int64     `json:"user_total"`
	CountryTotal int64     `json:"country_total"`
	RecordedAt   time.Time `json:"recorded_at"`
}

// EventPublisher fans committed batches out to live subscribers.
type EventPublisher interface {
	Publish(ctx context.Context, event ClickEvent)
}
