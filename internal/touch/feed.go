package touch

import (
	"sort"
	"sync"
	"time"

	"github.com/chaz8081/longing-touch/internal/model"
)

// Feed is the local newest-first cache of touches, keyed by touch ID.
// Realtime delivery is at-least-once, so inserts are idempotent.
type Feed struct {
	mu    sync.RWMutex
	items []model.Touch
}

// NewFeed returns an empty feed.
func NewFeed() *Feed {
	return &Feed{}
}

func (f *Feed) indexOf(id string) int {
	for i := range f.items {
		if f.items[i].ID == id {
			return i
		}
	}
	return -1
}

// Add inserts t at the head. It reports false when a touch with the same
// ID is already cached; the cached copy is kept.
func (f *Feed) Add(t model.Touch) bool {
	if t.ID == "" {
		return false
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.indexOf(t.ID) >= 0 {
		return false
	}
	f.items = append([]model.Touch{t}, f.items...)
	return true
}

// Merge folds a fetched page into the feed. Touches added since the page
// was requested are kept, and a touch read locally stays read.
func (f *Feed) Merge(page []model.Touch) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, t := range page {
		if t.ID == "" {
			continue
		}
		if i := f.indexOf(t.ID); i >= 0 {
			local := f.items[i]
			if local.IsRead && !t.IsRead {
				t.IsRead = true
				t.ReceivedAt = local.ReceivedAt
			}
			f.items[i] = t
			continue
		}
		f.items = append(f.items, t)
	}
	sort.SliceStable(f.items, func(i, j int) bool {
		return f.items[i].SentAt.After(f.items[j].SentAt)
	})
}

// MarkRead flips the read flag of id. It reports false when id is not
// cached.
func (f *Feed) MarkRead(id string, at time.Time) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	i := f.indexOf(id)
	if i < 0 {
		return false
	}
	f.items[i].IsRead = true
	if f.items[i].ReceivedAt == nil {
		received := at
		f.items[i].ReceivedAt = &received
	}
	return true
}

// Get returns the cached touch with id.
func (f *Feed) Get(id string) (model.Touch, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if i := f.indexOf(id); i >= 0 {
		return f.items[i], true
	}
	return model.Touch{}, false
}

// All returns every cached touch, newest first.
func (f *Feed) All() []model.Touch {
	return f.filter(func(model.Touch) bool { return true })
}

// Received returns the touches addressed to userID.
func (f *Feed) Received(userID string) []model.Touch {
	return f.filter(func(t model.Touch) bool { return t.ReceiverID == userID })
}

// Sent returns the touches sent by userID.
func (f *Feed) Sent(userID string) []model.Touch {
	return f.filter(func(t model.Touch) bool { return t.SenderID == userID })
}

// Unread returns the unread touches addressed to userID.
func (f *Feed) Unread(userID string) []model.Touch {
	return f.filter(func(t model.Touch) bool { return t.ReceiverID == userID && !t.IsRead })
}

// Len returns the number of cached touches.
func (f *Feed) Len() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.items)
}

// Reset empties the feed.
func (f *Feed) Reset() {
	f.mu.Lock()
	f.items = nil
	f.mu.Unlock()
}

func (f *Feed) filter(keep func(model.Touch) bool) []model.Touch {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make([]model.Touch, 0, len(f.items))
	for _, t := range f.items {
		if keep(t) {
			out = append(out, t)
		}
	}
	return out
}
