package domain

import (
	"fmt"
	"strings"
	"time"
)

// ValidationError rejects a CSV (or manual record) wholesale. Missing lists
// absent required columns, Malformed lists cells that could not be parsed.
// Nothing is written to the store when one of these is returned.
type ValidationError struct {
	Missing   []string
	Malformed []string
}

func (e ValidationError) Error() string {
	var parts []string
	if len(e.Missing) > 0 {
		parts = append(parts, fmt.Sprintf("missing columns: %s", strings.Join(e.Missing, ", ")))
	}
	if len(e.Malformed) > 0 {
		parts = append(parts, fmt.Sprintf("malformed values: %s", strings.Join(e.Malformed, ", ")))
	}
	if len(parts) == 0 {
		return "validation failed"
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

// InitTimeoutError is returned when an instance exhausted its wait budget
// for another instance's initialization to complete.
type InitTimeoutError struct {
	Attempts int
	Waited   time.Duration
}

func (e InitTimeoutError) Error() string {
	return fmt.Sprintf("initialization timed out after %d attempts (%s): store not populated, retry later", e.Attempts, e.Waited)
}

// StoreUnavailableError wraps a backing-store transport failure. Lock
// acquisition fails closed when this occurs.
type StoreUnavailableError struct {
	Op  string
	Err error
}

func (e StoreUnavailableError) Error() string {
	return fmt.Sprintf("store unavailable during %s: %v", e.Op, e.Err)
}

func (e StoreUnavailableError) Unwrap() error { return e.Err }

// ErrNotFound is returned when an operation references a sample or
// checkpoint that does not exist.
type ErrNotFound struct {
	Entity string
	ID     string
}

func (e ErrNotFound) Error() string {
	return fmt.Sprintf("%s %s not found", e.Entity, e.ID)
}

// ErrDuplicateSample is returned when adding a sample whose id already
// exists in the store.
type ErrDuplicateSample struct {
	SampleID string
}

func (e ErrDuplicateSample) Error() string {
	return fmt.Sprintf("sample %s already exists", e.SampleID)
}
