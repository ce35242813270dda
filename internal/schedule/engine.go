// Package schedule keeps the local entry record and the external feed
// consistent. Neither side is transactional with the other, so nothing
// here relies on state carried between passes: every reconcile pass
// re-derives the full picture from the external list and repairs the
// local record toward it.
package schedule

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/feedline/feedline-backend/internal/cache"
	"github.com/feedline/feedline-backend/internal/calendar"
	"github.com/feedline/feedline-backend/internal/feed"
	"github.com/feedline/feedline-backend/internal/metrics"
	"github.com/feedline/feedline-backend/internal/store"
)

// Engine owns every operation that touches both the store and the feed.
type Engine struct {
	store  store.Store
	feed   feed.Client
	gen    *calendar.Generator
	cache  *cache.Cache
	logger *zap.SugaredLogger
	m      *metrics.Metrics

	holeTolerance time.Duration
	now           func() time.Time
}

func New(st store.Store, fc feed.Client, gen *calendar.Generator, c *cache.Cache,
	logger *zap.SugaredLogger, m *metrics.Metrics, holeTolerance time.Duration) *Engine {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Engine{
		store:         st,
		feed:          fc,
		gen:           gen,
		cache:         c,
		logger:        logger,
		m:             m,
		holeTolerance: holeTolerance,
		now:           time.Now,
	}
}

// Result summarizes one reconcile pass.
type Result struct {
	ExternalPosts     int       `json:"external_posts"`
	ManagedPosts      int       `json:"managed_posts"`
	OrphansRemoved    int       `json:"orphans_removed"`
	PublishedDetected int       `json:"published_detected"`
	Adopted           int       `json:"adopted"`
	Renumbered        int       `json:"renumbered"`
	HolesFilled       int       `json:"holes_filled"`
	StartedAt         time.Time `json:"started_at"`
	FinishedAt        time.Time `json:"finished_at"`
}

// managedPost is an external post carrying a parseable number prefix.
type managedPost struct {
	post feed.ScheduledPost
	num  int
	body string
}

// listManaged fetches the external posts and indexes the managed ones by
// their sequence number. Posts without a valid prefix are someone else's
// and are left alone. Two posts claiming the same number is an invariant
// violation and aborts the caller.
func (e *Engine) listManaged(ctx context.Context) (map[int]managedPost, int, error) {
	posts, err := e.feed.ListScheduled(ctx)
	if e.m != nil {
		e.m.RecordFeedRequest(ctx, "list", err)
	}
	if err != nil {
		return nil, 0, fmt.Errorf("listing external posts: %w", err)
	}

	managed := make(map[int]managedPost)
	for _, p := range posts {
		num, body, ok := feed.Parse(p.Text)
		if !ok {
			continue
		}
		if prev, dup := managed[num]; dup {
			e.logger.Errorw("two external posts claim one number",
				"number", num, "ref_a", prev.post.Ref, "ref_b", p.Ref)
			return nil, 0, fmt.Errorf("number %d held by refs %s and %s: %w",
				num, prev.post.Ref, p.Ref, store.ErrDuplicateNumber)
		}
		managed[num] = managedPost{post: p, num: num, body: body}
	}
	return managed, len(posts), nil
}

// Reconcile runs one full pass. It is idempotent: running it again
// immediately afterwards performs no external writes.
func (e *Engine) Reconcile(ctx context.Context) (*Result, error) {
	res := &Result{StartedAt: e.now()}

	managed, total, err := e.listManaged(ctx)
	if err != nil {
		return nil, err
	}
	res.ExternalPosts = total
	res.ManagedPosts = len(managed)

	locals, err := e.store.ListByStatus(ctx, store.StatusScheduled)
	if err != nil {
		return nil, err
	}

	// Entries whose number no longer appears externally either got
	// published (their slot is in the past) or were deleted out-of-band.
	now := e.now()
	for _, ent := range locals {
		if !ent.HasNumber() {
			// A scheduled entry without a number cannot be matched to
			// anything external; drop it rather than guess.
			e.logger.Warnw("scheduled entry has no number, removing", "id", ent.ID)
			if err := e.store.DeleteEntry(ctx, ent.ID); err != nil {
				return nil, err
			}
			continue
		}
		if _, ok := managed[ent.Number()]; ok {
			continue
		}
		if ent.ScheduledTime != nil && ent.ScheduledTime.Before(now) {
			ent.Status = store.StatusPublished
			ent.ExternalRef = ""
			if err := e.store.UpdateEntry(ctx, ent); err != nil {
				return nil, err
			}
			res.PublishedDetected++
			continue
		}
		e.logger.Infow("removing orphaned entry",
			"id", ent.ID, "number", ent.Number())
		if err := e.store.DeleteEntry(ctx, ent.ID); err != nil {
			return nil, err
		}
		res.OrphansRemoved++
	}

	// Adopt externals we do not know and absorb timing/ref/text for the
	// ones we do. The external side wins every field it owns.
	adopted, err := e.absorb(ctx, managed)
	if err != nil {
		return nil, err
	}
	res.Adopted = adopted

	renumbered, err := e.compact(ctx)
	if err != nil {
		return nil, err
	}
	res.Renumbered = renumbered

	if err := e.settleCounter(ctx); err != nil {
		return nil, err
	}

	holes, err := e.fillHoles(ctx)
	if err != nil {
		return nil, err
	}
	res.HolesFilled = holes

	// Final absorb to capture refs reissued by the rewrites above.
	if renumbered > 0 || holes > 0 {
		managed, _, err = e.listManaged(ctx)
		if err != nil {
			return nil, err
		}
		if _, err := e.absorb(ctx, managed); err != nil {
			return nil, err
		}
	}

	res.FinishedAt = e.now()
	if e.m != nil {
		e.m.RecordReconcile(ctx, res.OrphansRemoved, res.HolesFilled)
	}
	if e.cache != nil {
		e.cache.Set(ctx, cache.KeyLastReconcile, res, 0)
	}
	e.publish(ctx, "reconcile_completed", "")

	e.logger.Infow("reconcile pass finished",
		"external", res.ExternalPosts,
		"managed", res.ManagedPosts,
		"orphans_removed", res.OrphansRemoved,
		"published", res.PublishedDetected,
		"adopted", res.Adopted,
		"renumbered", res.Renumbered,
		"holes_filled", res.HolesFilled,
	)
	return res, nil
}

// absorb overwrites local entries with the externally-owned fields and
// creates scheduled entries for managed posts nobody local claims.
func (e *Engine) absorb(ctx context.Context, managed map[int]managedPost) (int, error) {
	locals, err := e.store.ListByStatus(ctx, store.StatusScheduled)
	if err != nil {
		return 0, err
	}
	byNum := make(map[int]*store.Entry, len(locals))
	for _, ent := range locals {
		if ent.HasNumber() {
			byNum[ent.Number()] = ent
		}
	}

	adopted := 0
	for num, mp := range managed {
		if ent, ok := byNum[num]; ok {
			changed := ent.ExternalRef != mp.post.Ref ||
				ent.Text != mp.body ||
				ent.ScheduledTime == nil ||
				!ent.ScheduledTime.Equal(mp.post.ScheduledAt)
			if !changed {
				continue
			}
			ent.ExternalRef = mp.post.Ref
			ent.Text = mp.body
			ent.ScheduledTime = store.TimePtr(mp.post.ScheduledAt)
			if err := e.store.UpdateEntry(ctx, ent); err != nil {
				return adopted, err
			}
			continue
		}

		ent := &store.Entry{
			Text:           mp.body,
			Status:         store.StatusScheduled,
			SequenceNumber: store.IntPtr(num),
			ExternalRef:    mp.post.Ref,
			ScheduledTime:  store.TimePtr(mp.post.ScheduledAt),
			SubmittedAt:    e.now(),
		}
		if err := e.store.CreateEntry(ctx, ent); err != nil {
			return adopted, err
		}
		adopted++
		e.logger.Infow("adopted external post", "number", num, "ref", mp.post.Ref)
	}

	// Adoption may have surfaced numbers the allocator never issued.
	if adopted > 0 {
		if err := e.raiseCounterAbove(ctx, maxNumber(managed)); err != nil {
			return adopted, err
		}
	}
	return adopted, nil
}

func maxNumber(managed map[int]managedPost) int {
	max := 0
	for num := range managed {
		if num > max {
			max = num
		}
	}
	return max
}

func (e *Engine) raiseCounterAbove(ctx context.Context, num int) error {
	cur, err := e.store.CurrentNumber(ctx)
	if err != nil {
		return err
	}
	if num >= cur {
		return e.store.ResetCounter(ctx, num+1)
	}
	return nil
}

// compact renumbers the scheduled entries into a dense run starting at
// the lowest surviving number, ordered by scheduled time. Each change is
// written externally first, then locally with the reissued ref.
func (e *Engine) compact(ctx context.Context) (int, error) {
	locals, err := e.store.ListByStatus(ctx, store.StatusScheduled)
	if err != nil {
		return 0, err
	}
	if len(locals) == 0 {
		return 0, nil
	}

	// Order by scheduled time; entries without a time cannot be placed.
	sort.SliceStable(locals, func(i, j int) bool {
		ti, tj := locals[i].ScheduledTime, locals[j].ScheduledTime
		if ti == nil || tj == nil {
			return tj == nil
		}
		return ti.Before(*tj)
	})

	start := 0
	for _, ent := range locals {
		if ent.HasNumber() && (start == 0 || ent.Number() < start) {
			start = ent.Number()
		}
	}
	if start == 0 {
		start = 1
	}

	renumbered := 0
	for i, ent := range locals {
		target := start + i
		if ent.Number() == target {
			continue
		}
		newRef, err := e.feed.Update(ctx, ent.ExternalRef, feed.Render(target, ent.Text), time.Time{})
		if e.m != nil {
			e.m.RecordFeedRequest(ctx, "update", err)
		}
		if err != nil {
			// Leave this entry for the next pass; the numbering stays
			// consistent because lower targets were written first.
			e.logger.Errorw("renumber write failed",
				"id", ent.ID, "from", ent.Number(), "to", target, "error", err)
			return renumbered, nil
		}
		e.logger.Infow("renumbered entry",
			"id", ent.ID, "from", ent.Number(), "to", target)
		ent.SequenceNumber = store.IntPtr(target)
		ent.ExternalRef = newRef
		if err := e.store.UpdateEntry(ctx, ent); err != nil {
			return renumbered, err
		}
		renumbered++
	}
	return renumbered, nil
}

// settleCounter walks the counter down to one past the highest number
// still held. Orphan removal and compaction free the top of the range,
// and this is the one place those numbers are returned to the allocator.
func (e *Engine) settleCounter(ctx context.Context) error {
	highest := 0
	for _, st := range []store.Status{store.StatusScheduled, store.StatusApproved, store.StatusPublished} {
		entries, err := e.store.ListByStatus(ctx, st)
		if err != nil {
			return err
		}
		for _, ent := range entries {
			if ent.Number() > highest {
				highest = ent.Number()
			}
		}
	}

	cur, err := e.store.CurrentNumber(ctx)
	if err != nil {
		return err
	}
	if highest >= cur {
		return e.store.ResetCounter(ctx, highest+1)
	}
	for cur-1 > highest {
		if err := e.store.Release(ctx, cur-1); err != nil {
			return err
		}
		cur--
	}
	return nil
}

// fillHoles pairs the scheduled entries, in number order, with the
// canonical upcoming slots and moves every post that drifted more than
// the tolerance from its slot.
func (e *Engine) fillHoles(ctx context.Context) (int, error) {
	locals, err := e.store.ListByStatus(ctx, store.StatusScheduled)
	if err != nil {
		return 0, err
	}
	if len(locals) == 0 {
		return 0, nil
	}
	sort.Slice(locals, func(i, j int) bool { return locals[i].Number() < locals[j].Number() })

	slots := e.gen.NextSlots(len(locals), e.now())
	if len(slots) < len(locals) {
		return 0, fmt.Errorf("slot generator produced %d slots for %d entries", len(slots), len(locals))
	}

	filled := 0
	for i, ent := range locals {
		slot := slots[i]
		if ent.ScheduledTime != nil && absDuration(ent.ScheduledTime.Sub(slot)) <= e.holeTolerance {
			continue
		}
		newRef, err := e.feed.Update(ctx, ent.ExternalRef, "", slot)
		if e.m != nil {
			e.m.RecordFeedRequest(ctx, "update", err)
		}
		if err != nil {
			// Slot targets are independent, so one refused move must
			// not starve the posts behind it.
			e.logger.Errorw("slot move failed",
				"id", ent.ID, "number", ent.Number(), "slot", slot, "error", err)
			continue
		}
		e.logger.Infow("moved entry into slot",
			"id", ent.ID, "number", ent.Number(), "slot", slot)
		ent.ScheduledTime = store.TimePtr(slot)
		ent.ExternalRef = newRef
		if err := e.store.UpdateEntry(ctx, ent); err != nil {
			return filled, err
		}
		filled++
	}
	return filled, nil
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}

// Event is what goes out on the schedule channel for every mutation.
type Event struct {
	Type    string    `json:"type"`
	EntryID string    `json:"entry_id,omitempty"`
	At      time.Time `json:"at"`
}

func (e *Engine) publish(ctx context.Context, eventType, entryID string) {
	if e.cache == nil {
		return
	}
	err := e.cache.Publish(ctx, cache.ChannelScheduleEvents, Event{
		Type:    eventType,
		EntryID: entryID,
		At:      e.now(),
	})
	if err != nil {
		e.logger.Debugw("event publish failed", "type", eventType, "error", err)
	}
}

// IsRetryable reports whether the error came from the external service
// being unreachable, as opposed to an invariant violation.
func IsRetryable(err error) bool {
	return errors.Is(err, feed.ErrUnavailable)
}
