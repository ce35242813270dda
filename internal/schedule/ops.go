package schedule

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/feedline/feedline-backend/internal/feed"
	"github.com/feedline/feedline-backend/internal/store"
)

var (
	// ErrWrongStatus is returned when an operation is applied to an
	// entry outside the lifecycle state it expects.
	ErrWrongStatus = errors.New("entry is not in the required status")

	// ErrNoNeighbor is returned by Swap when the entry has no scheduled
	// neighbor in the requested direction.
	ErrNoNeighbor = errors.New("no adjacent scheduled entry")
)

// Direction selects the swap neighbor.
type Direction string

const (
	DirectionEarlier Direction = "earlier"
	DirectionLater   Direction = "later"
)

func (e *Engine) getWithStatus(ctx context.Context, id string, want store.Status) (*store.Entry, error) {
	ent, err := e.store.GetEntry(ctx, id)
	if err != nil {
		return nil, err
	}
	if ent.Status != want {
		return nil, fmt.Errorf("entry %s is %s: %w", id, ent.Status, ErrWrongStatus)
	}
	return ent, nil
}

// nextFreeSlot returns the earliest canonical slot no scheduled entry
// occupies yet.
func (e *Engine) nextFreeSlot(ctx context.Context) (time.Time, error) {
	scheduled, err := e.store.ListByStatus(ctx, store.StatusScheduled)
	if err != nil {
		return time.Time{}, err
	}

	occupied := make(map[string]bool, len(scheduled))
	for _, ent := range scheduled {
		if ent.ScheduledTime != nil {
			occupied[ent.ScheduledTime.UTC().Format("2006-01-02 15:04")] = true
		}
	}

	for _, slot := range e.gen.NextSlots(len(scheduled)+1, e.now()) {
		if !occupied[slot.UTC().Format("2006-01-02 15:04")] {
			return slot, nil
		}
	}
	return time.Time{}, errors.New("no free slot available")
}

// Approve numbers a pending entry and schedules it externally at the
// next free slot. A non-empty editedText replaces the submitted text
// before rendering. The number allocation is rolled back if the
// external write fails, so a refused approval leaves no trace.
func (e *Engine) Approve(ctx context.Context, id, editedText string) (*store.Entry, error) {
	ent, err := e.getWithStatus(ctx, id, store.StatusPending)
	if err != nil {
		return nil, err
	}
	if trimmed := strings.TrimSpace(editedText); trimmed != "" {
		ent.Text = trimmed
	}

	slot, err := e.nextFreeSlot(ctx)
	if err != nil {
		return nil, err
	}

	num, err := e.store.AllocateNext(ctx)
	if err != nil {
		return nil, err
	}

	ref, err := e.feed.Create(ctx, feed.Render(num, ent.Text), slot)
	if e.m != nil {
		e.m.RecordFeedRequest(ctx, "create", err)
	}
	if err != nil {
		if relErr := e.store.Release(ctx, num); relErr != nil {
			e.logger.Errorw("rollback of allocated number failed",
				"number", num, "error", relErr)
		}
		return nil, fmt.Errorf("scheduling entry %s: %w", id, err)
	}

	now := e.now()
	ent.Status = store.StatusScheduled
	ent.SequenceNumber = store.IntPtr(num)
	ent.ExternalRef = ref
	ent.ScheduledTime = store.TimePtr(slot)
	ent.DecidedAt = store.TimePtr(now)
	if err := e.store.UpdateEntry(ctx, ent); err != nil {
		return nil, err
	}

	e.logger.Infow("approved entry", "id", id, "number", num, "slot", slot)
	e.publish(ctx, "entry_scheduled", id)
	return ent, nil
}

// Deny moves a pending entry to denied. Denied entries are retained for
// a window (see Store.CleanupDenied) so the decision can be reversed.
func (e *Engine) Deny(ctx context.Context, id string) (*store.Entry, error) {
	ent, err := e.getWithStatus(ctx, id, store.StatusPending)
	if err != nil {
		return nil, err
	}

	ent.Status = store.StatusDenied
	ent.DecidedAt = store.TimePtr(e.now())
	if err := e.store.UpdateEntry(ctx, ent); err != nil {
		return nil, err
	}

	e.logger.Infow("denied entry", "id", id)
	e.publish(ctx, "entry_denied", id)
	return ent, nil
}

// RestoreDenied puts a denied entry back into the pending queue.
func (e *Engine) RestoreDenied(ctx context.Context, id string) (*store.Entry, error) {
	ent, err := e.getWithStatus(ctx, id, store.StatusDenied)
	if err != nil {
		return nil, err
	}

	ent.Status = store.StatusPending
	ent.DecidedAt = nil
	if err := e.store.UpdateEntry(ctx, ent); err != nil {
		return nil, err
	}

	e.logger.Infow("restored denied entry", "id", id)
	e.publish(ctx, "entry_restored", id)
	return ent, nil
}

// Unschedule removes a scheduled entry and cascades its followers left:
// the first follower takes the freed time, every later one takes its
// predecessor's pre-cascade time, and all follower numbers shift down by
// one. The freed top number returns to the allocator. The entry itself
// goes back to pending.
func (e *Engine) Unschedule(ctx context.Context, id string) (*store.Entry, error) {
	ent, err := e.getWithStatus(ctx, id, store.StatusScheduled)
	if err != nil {
		return nil, err
	}
	if !ent.HasNumber() || ent.ScheduledTime == nil {
		return nil, fmt.Errorf("entry %s has no number or time: %w", id, ErrWrongStatus)
	}

	scheduled, err := e.store.ListByStatus(ctx, store.StatusScheduled)
	if err != nil {
		return nil, err
	}
	var followers []*store.Entry
	topNumber := ent.Number()
	for _, other := range scheduled {
		if other.Number() > topNumber {
			topNumber = other.Number()
		}
		if other.ID != ent.ID && other.Number() > ent.Number() {
			followers = append(followers, other)
		}
	}
	sort.Slice(followers, func(i, j int) bool {
		return followers[i].Number() < followers[j].Number()
	})

	// Delete the external post first. If that fails nothing has moved.
	err = e.feed.Delete(ctx, ent.ExternalRef)
	if e.m != nil {
		e.m.RecordFeedRequest(ctx, "delete", err)
	}
	if err != nil && !errors.Is(err, feed.ErrNotFound) {
		return nil, fmt.Errorf("removing external post for %s: %w", id, err)
	}

	// Rotate left: follower i inherits the pre-cascade time of follower
	// i-1, the first follower inherits the freed time.
	freedTime := *ent.ScheduledTime
	cascadeComplete := true
	for _, f := range followers {
		inherited := freedTime
		freedTime = *f.ScheduledTime

		newNum := f.Number() - 1
		newRef, err := e.feed.Update(ctx, f.ExternalRef, feed.Render(newNum, f.Text), inherited)
		if e.m != nil {
			e.m.RecordFeedRequest(ctx, "update", err)
		}
		if err != nil {
			// The cascade stops here; the next reconcile pass repairs
			// the remaining followers from the external state.
			e.logger.Errorw("cascade write failed",
				"id", f.ID, "number", f.Number(), "error", err)
			cascadeComplete = false
			break
		}
		f.SequenceNumber = store.IntPtr(newNum)
		f.ScheduledTime = store.TimePtr(inherited)
		f.ExternalRef = newRef
		if err := e.store.UpdateEntry(ctx, f); err != nil {
			return nil, err
		}
	}

	ent.Status = store.StatusPending
	ent.SequenceNumber = nil
	ent.ExternalRef = ""
	ent.ScheduledTime = nil
	ent.DecidedAt = nil
	if err := e.store.UpdateEntry(ctx, ent); err != nil {
		return nil, err
	}

	// Only release when the full cascade landed; after a partial cascade
	// the last follower still holds the top number and the next
	// reconcile pass settles the counter instead.
	if cascadeComplete {
		if err := e.store.Release(ctx, topNumber); err != nil {
			e.logger.Errorw("releasing freed number failed", "number", topNumber, "error", err)
		}
	}

	e.logger.Infow("unscheduled entry", "id", id, "followers_moved", len(followers))
	e.publish(ctx, "entry_unscheduled", id)
	return ent, nil
}

// Swap exchanges number and time with the adjacent scheduled entry in
// the given direction. The store exchange is atomic; both external
// rewrites are attempted regardless of each other so a partial failure
// is visible externally and gets repaired by the next reconcile pass.
func (e *Engine) Swap(ctx context.Context, id string, dir Direction) error {
	ent, err := e.getWithStatus(ctx, id, store.StatusScheduled)
	if err != nil {
		return err
	}
	if !ent.HasNumber() {
		return fmt.Errorf("entry %s has no number: %w", id, ErrWrongStatus)
	}

	scheduled, err := e.store.ListByStatus(ctx, store.StatusScheduled)
	if err != nil {
		return err
	}

	var neighbor *store.Entry
	for _, other := range scheduled {
		if other.ID == ent.ID || !other.HasNumber() {
			continue
		}
		switch dir {
		case DirectionEarlier:
			if other.Number() < ent.Number() &&
				(neighbor == nil || other.Number() > neighbor.Number()) {
				neighbor = other
			}
		case DirectionLater:
			if other.Number() > ent.Number() &&
				(neighbor == nil || other.Number() < neighbor.Number()) {
				neighbor = other
			}
		default:
			return fmt.Errorf("unknown direction %q", dir)
		}
	}
	if neighbor == nil {
		return ErrNoNeighbor
	}

	if err := e.store.SwapScheduled(ctx, ent.ID, neighbor.ID); err != nil {
		return err
	}

	// Push both entries' new state out. Attempt both writes even when
	// the first fails.
	var firstErr error
	for _, pair := range []struct {
		entry *store.Entry
		num   *int
		at    *time.Time
	}{
		{ent, neighbor.SequenceNumber, neighbor.ScheduledTime},
		{neighbor, ent.SequenceNumber, ent.ScheduledTime},
	} {
		newRef, err := e.feed.Update(ctx, pair.entry.ExternalRef,
			feed.Render(*pair.num, pair.entry.Text), *pair.at)
		if e.m != nil {
			e.m.RecordFeedRequest(ctx, "update", err)
		}
		if err != nil {
			e.logger.Errorw("swap write failed", "id", pair.entry.ID, "error", err)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if newRef != pair.entry.ExternalRef {
			fresh, err := e.store.GetEntry(ctx, pair.entry.ID)
			if err != nil {
				return err
			}
			fresh.ExternalRef = newRef
			if err := e.store.UpdateEntry(ctx, fresh); err != nil {
				return err
			}
		}
	}
	if firstErr != nil {
		return fmt.Errorf("swap partially applied externally: %w", firstErr)
	}

	e.logger.Infow("swapped entries", "id", ent.ID, "with", neighbor.ID)
	e.publish(ctx, "entries_swapped", id)
	return nil
}

// EditText replaces the text of a pending or scheduled entry. For a
// scheduled one the external post is rewritten with the same number
// prefix and its reissued ref stored.
func (e *Engine) EditText(ctx context.Context, id, text string) (*store.Entry, error) {
	ent, err := e.store.GetEntry(ctx, id)
	if err != nil {
		return nil, err
	}

	switch ent.Status {
	case store.StatusPending:
		ent.Text = text
	case store.StatusScheduled:
		newRef, err := e.feed.Update(ctx, ent.ExternalRef, feed.Render(ent.Number(), text), time.Time{})
		if e.m != nil {
			e.m.RecordFeedRequest(ctx, "update", err)
		}
		if err != nil {
			return nil, fmt.Errorf("rewriting external post for %s: %w", id, err)
		}
		ent.Text = text
		ent.ExternalRef = newRef
	default:
		return nil, fmt.Errorf("entry %s is %s: %w", id, ent.Status, ErrWrongStatus)
	}

	if err := e.store.UpdateEntry(ctx, ent); err != nil {
		return nil, err
	}

	e.logger.Infow("edited entry text", "id", id)
	e.publish(ctx, "entry_edited", id)
	return ent, nil
}

// SetCounter is the admin override for the sequence allocator.
func (e *Engine) SetCounter(ctx context.Context, next int) error {
	if next < 1 {
		return fmt.Errorf("counter must be at least 1, got %d", next)
	}
	if err := e.store.ResetCounter(ctx, next); err != nil {
		return err
	}
	e.logger.Warnw("sequence counter reset", "next", next)
	return nil
}

// NextNumber exposes the value the allocator would hand out next.
func (e *Engine) NextNumber(ctx context.Context) (int, error) {
	return e.store.CurrentNumber(ctx)
}
