package domain

import (
	"errors"
	"fmt"
)

// ErrInvalidArgument is matched by every validation failure of a batch.
var ErrInvalidArgument = errors.New("invalid_argument")

var (
	ErrInvalidUserID      = &ValidationError{Field: "user_id", Code: "invalid_user_id"}
	ErrInvalidCountryCode = &ValidationError{Field: "country_code", Code: "invalid_country_code"}
	ErrInvalidCountryName = &ValidationError{Field: "country_name", Code: "invalid_country_name"}
	ErrInvalidClickCount  = &ValidationError{Field: "clicks", Code: "invalid_click_count"}
	ErrInvalidClientTotal = &ValidationError{Field: "client_total", Code: "invalid_client_total"}
)

// ErrStore is matched by every failure of the backing counter store.
var ErrStore = errors.New("store_error")

// ErrCacheInconsistency marks a leaderboard snapshot that breaks its ordering
// or totals, or one served past its TTL.
var ErrCacheInconsistency = errors.New("cache_inconsistency")

// ValidationError rejects a request before any store access.
type ValidationError struct {
	Field string
	Code  string
}

func (e *ValidationError) Error() string { return e.Code }

func (e *ValidationError) Is(target error) bool {
	return target == ErrInvalidArgument
}

func (e *ValidationError) ErrorType() string { return "validation_error" }

// StoreError wraps a failed store operation. Callers may retry.
type StoreError struct {
	Op  string
	Err error
}

func NewStoreError(op string, err error) error {
	if err == nil {
		return nil
	}
	var existing *StoreError
	if errors.As(err, &existing) {
		return err
	}
	return &StoreError{Op: op, Err: err}
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("store %s: %v", e.Op, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }

func (e *StoreError) Is(target error) bool {
	return target == ErrStore
}

func (e *StoreError) ErrorType() string { return "store_error" }

// Retryable reports whether the failed batch may be resubmitted unchanged.
func (e *StoreError) Retryable() bool { return true }
