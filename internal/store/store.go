// Package store persists entries and the global sequence counter. It is
// the source of truth for content and business metadata; the external
// feed owns timing and existence of the scheduled posts themselves.
package store

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotFound = errors.New("entry not found")

	// ErrDuplicateNumber means a write would leave two entries holding
	// the same sequence number. This is an invariant violation: the
	// operation is aborted, nothing is guessed or repaired.
	ErrDuplicateNumber = errors.New("duplicate sequence number")

	// ErrInvalidRelease means Release was called with a number that is
	// not the current maximum outstanding one. Callers must compact
	// higher numbers down first.
	ErrInvalidRelease = errors.New("released number is not the current maximum")
)

// Store is the persistent entry record plus the sequence allocator.
// Implementations serialize access internally; interleaved
// read-modify-write on the counter or on sequence numbers is never safe
// across callers.
type Store interface {
	CreateEntry(ctx context.Context, e *Entry) error
	GetEntry(ctx context.Context, id string) (*Entry, error)
	UpdateEntry(ctx context.Context, e *Entry) error
	DeleteEntry(ctx context.Context, id string) error

	ListByStatus(ctx context.Context, status Status) ([]*Entry, error)

	// SwapScheduled exchanges sequence number and scheduled time between
	// two scheduled entries in a single atomic step, so the uniqueness
	// invariant holds at every observable instant.
	SwapScheduled(ctx context.Context, idA, idB string) error

	// AddSubmission records a pending entry keyed by its submission
	// timestamp; returns false without writing when the key was already
	// ingested. This is the intake dedupe barrier.
	AddSubmission(ctx context.Context, submittedKey, text string) (bool, error)

	// CleanupDenied deletes denied entries decided before the cutoff and
	// returns how many were removed.
	CleanupDenied(ctx context.Context, cutoff time.Time) (int, error)

	Stats(ctx context.Context) (map[Status]int, error)

	// Sequence allocator. AllocateNext returns the current counter value
	// and advances it. Release retires the current maximum outstanding
	// number (see ErrInvalidRelease). ResetCounter is the admin override.
	AllocateNext(ctx context.Context) (int, error)
	Release(ctx context.Context, n int) error
	ResetCounter(ctx context.Context, n int) error
	CurrentNumber(ctx context.Context) (int, error)

	Ping(ctx context.Context) error
	Close() error
}
