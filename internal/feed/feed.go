// Package feed talks to the external scheduling service that owns the
// actual publish queue. The service is the source of truth for timing and
// existence of scheduled posts; refs it hands out are NOT stable across
// updates, so callers must re-list rather than trust a stored ref.
package feed

import (
	"context"
	"errors"
	"time"
)

// ScheduledPost is an external post as observed on the service. Text
// carries the rendered sequence-number prefix; see prefix.go.
type ScheduledPost struct {
	Ref         string
	Text        string
	ScheduledAt time.Time
}

// Client is the full interface to the external scheduler.
type Client interface {
	// ListScheduled returns every currently scheduled post, unordered.
	ListScheduled(ctx context.Context) ([]ScheduledPost, error)

	// Create schedules a new post and returns its ref.
	Create(ctx context.Context, text string, at time.Time) (string, error)

	// Update rewrites text and/or time of an existing post. The service
	// may issue a new ref; the returned ref supersedes the argument.
	// A zero time leaves the scheduled time unchanged; an empty text
	// leaves the text unchanged.
	Update(ctx context.Context, ref string, text string, at time.Time) (string, error)

	// Delete removes a scheduled post.
	Delete(ctx context.Context, ref string) error

	// Name identifies the implementation for logs.
	Name() string
}

// Health mirrors the availability of the external service as seen by the
// client's most recent calls.
type Health struct {
	Healthy     bool
	LastSuccess time.Time
	LastError   string
}

var (
	// ErrUnavailable wraps transport-level failures: the service could
	// not be reached or answered with an error. Safe to retry; local
	// state is untouched.
	ErrUnavailable = errors.New("feed unavailable")

	// ErrNotFound is returned for operations on a ref the service no
	// longer knows.
	ErrNotFound = errors.New("feed post not found")
)
