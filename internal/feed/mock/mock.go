// Package mock is an in-memory stand-in for the external scheduling
// service. It backs tests and also runs in place of the real service
// when no feed credentials are configured, the same way the price stack
// falls back to a generated provider when the real one is absent.
package mock

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/feedline/feedline-backend/internal/feed"
	"go.uber.org/zap"
)

type Feed struct {
	logger *zap.SugaredLogger

	mu      sync.Mutex
	posts   map[string]feed.ScheduledPost
	nextRef int

	// Refs are deliberately unstable: every update reissues the post
	// under a fresh ref, which is what the real service is observed to
	// do and what reconciliation must survive.
	rotateRefs bool

	listErr     error
	createErr   error
	deleteErr   error
	failUpdates map[string]error

	ListCalls   int
	CreateCalls int
	UpdateCalls int
	DeleteCalls int
}

func NewFeed(logger *zap.SugaredLogger) *Feed {
	return &Feed{
		logger:      logger,
		posts:       make(map[string]feed.ScheduledPost),
		nextRef:     1,
		rotateRefs:  true,
		failUpdates: make(map[string]error),
	}
}

func (f *Feed) Name() string {
	return "mock"
}

func (f *Feed) newRef() string {
	ref := fmt.Sprintf("mock-%d", f.nextRef)
	f.nextRef++
	return ref
}

func (f *Feed) ListScheduled(ctx context.Context) ([]feed.ScheduledPost, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.ListCalls++
	if f.listErr != nil {
		return nil, f.listErr
	}

	posts := make([]feed.ScheduledPost, 0, len(f.posts))
	for _, p := range f.posts {
		posts = append(posts, p)
	}
	sort.Slice(posts, func(i, j int) bool {
		return posts[i].ScheduledAt.Before(posts[j].ScheduledAt)
	})
	return posts, nil
}

func (f *Feed) Create(ctx context.Context, text string, at time.Time) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.CreateCalls++
	if f.createErr != nil {
		return "", f.createErr
	}

	ref := f.newRef()
	f.posts[ref] = feed.ScheduledPost{Ref: ref, Text: text, ScheduledAt: at}
	if f.logger != nil {
		f.logger.Debugw("Mock feed created post", "ref", ref, "at", at)
	}
	return ref, nil
}

func (f *Feed) Update(ctx context.Context, ref string, text string, at time.Time) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.UpdateCalls++
	if err, ok := f.failUpdates[ref]; ok {
		return "", err
	}

	post, ok := f.posts[ref]
	if !ok {
		return "", feed.ErrNotFound
	}

	if text != "" {
		post.Text = text
	}
	if !at.IsZero() {
		post.ScheduledAt = at
	}

	newRef := ref
	if f.rotateRefs {
		delete(f.posts, ref)
		newRef = f.newRef()
		post.Ref = newRef
	}
	f.posts[newRef] = post
	return newRef, nil
}

func (f *Feed) Delete(ctx context.Context, ref string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.DeleteCalls++
	if f.deleteErr != nil {
		return f.deleteErr
	}
	if _, ok := f.posts[ref]; !ok {
		return feed.ErrNotFound
	}
	delete(f.posts, ref)
	return nil
}

// Posts snapshots the current queue sorted by scheduled time.
func (f *Feed) Posts() []feed.ScheduledPost {
	f.mu.Lock()
	defer f.mu.Unlock()

	posts := make([]feed.ScheduledPost, 0, len(f.posts))
	for _, p := range f.posts {
		posts = append(posts, p)
	}
	sort.Slice(posts, func(i, j int) bool {
		return posts[i].ScheduledAt.Before(posts[j].ScheduledAt)
	})
	return posts
}

// DropExternally removes a post without touching the call counters,
// simulating a deletion made outside this system's control.
func (f *Feed) DropExternally(ref string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.posts, ref)
}

// SeedPost installs a post directly, bypassing counters. Returns the ref.
func (f *Feed) SeedPost(text string, at time.Time) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	ref := f.newRef()
	f.posts[ref] = feed.ScheduledPost{Ref: ref, Text: text, ScheduledAt: at}
	return ref
}

// WriteCalls totals every mutating call issued so far.
func (f *Feed) WriteCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.CreateCalls + f.UpdateCalls + f.DeleteCalls
}

// StableRefs disables ref rotation on update.
func (f *Feed) StableRefs() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rotateRefs = false
}

func (f *Feed) FailList(err error)   { f.mu.Lock(); f.listErr = err; f.mu.Unlock() }
func (f *Feed) FailCreate(err error) { f.mu.Lock(); f.createErr = err; f.mu.Unlock() }
func (f *Feed) FailDelete(err error) { f.mu.Lock(); f.deleteErr = err; f.mu.Unlock() }

// FailUpdate makes updates against ref fail with err until cleared.
func (f *Feed) FailUpdate(ref string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err == nil {
		delete(f.failUpdates, ref)
		return
	}
	f.failUpdates[ref] = err
}
