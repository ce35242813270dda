package store

import (
	"time"
)

// Status is the lifecycle state of a submitted entry.
type Status string

const (
	StatusPending   Status = "pending"
	StatusApproved  Status = "approved"
	StatusScheduled Status = "scheduled"
	StatusPublished Status = "published"
	StatusDenied    Status = "denied"
)

// Statuses enumerates every lifecycle state, in pipeline order.
var Statuses = []Status{StatusPending, StatusApproved, StatusScheduled, StatusPublished, StatusDenied}

// Entry is one submitted item. SequenceNumber is set exactly while the
// entry is approved or scheduled and is unique among all entries holding
// one; ExternalRef and ScheduledTime are present only while scheduled.
type Entry struct {
	ID             string
	Text           string
	Status         Status
	SequenceNumber *int
	ExternalRef    string
	ScheduledTime  *time.Time
	SubmittedAt    time.Time
	DecidedAt      *time.Time
}

// HasNumber reports whether the entry currently holds a sequence number.
func (e *Entry) HasNumber() bool {
	return e.SequenceNumber != nil
}

// Number returns the sequence number, or 0 when none is assigned.
func (e *Entry) Number() int {
	if e.SequenceNumber == nil {
		return 0
	}
	return *e.SequenceNumber
}

// Clone returns a deep copy so callers can mutate freely.
func (e *Entry) Clone() *Entry {
	c := *e
	if e.SequenceNumber != nil {
		n := *e.SequenceNumber
		c.SequenceNumber = &n
	}
	if e.ScheduledTime != nil {
		t := *e.ScheduledTime
		c.ScheduledTime = &t
	}
	if e.DecidedAt != nil {
		t := *e.DecidedAt
		c.DecidedAt = &t
	}
	return &c
}

// IntPtr is a small helper for building entries with literal numbers.
func IntPtr(n int) *int { return &n }

// TimePtr is the time counterpart of IntPtr.
func TimePtr(t time.Time) *time.Time { return &t }
