package vynqtalk

import (
	"log/slog"
	"sort"
	"sync"
)

// Presence tracks the set of online user ids. Every push replaces the whole set.
type Presence struct {
	mu     sync.RWMutex
	online map[int64]struct{}

	changes *Topic[[]int64]
	sub     *Subscription
}

// NewPresence creates a tracker fed by source, typically Session.OnlineUsers.
func NewPresence(source *Topic[[]int64], logger *slog.Logger) *Presence {
	p := &Presence{
		online:  make(map[int64]struct{}),
		changes: NewTopic[[]int64]("presence", logger),
	}
	if source != nil {
		p.sub = source.Subscribe(p.Replace)
	}
	return p
}

// Replace stores ids verbatim as the current online set and notifies listeners with
// exactly the set it stored. The lock is not held while listeners run, since they
// may replace the set again.
func (p *Presence) Replace(ids []int64) {
	next := make(map[int64]struct{}, len(ids))
	for _, id := range ids {
		next[id] = struct{}{}
	}
	snapshot := sortedIDs(next)
	p.mu.Lock()
	p.online = next
	p.mu.Unlock()

	p.changes.Publish(snapshot)
}

// Online returns the current set in ascending order.
func (p *Presence) Online() []int64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return sortedIDs(p.online)
}

func sortedIDs(set map[int64]struct{}) []int64 {
	ids := make([]int64, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// IsOnline reports whether userID is in the current set.
func (p *Presence) IsOnline(userID int64) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	_, ok := p.online[userID]
	return ok
}

// Count returns the size of the current set.
func (p *Presence) Count() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.online)
}

// Subscribe registers fn for every replacement, including the empty set on disconnect.
func (p *Presence) Subscribe(fn func([]int64)) *Subscription {
	return p.changes.Subscribe(fn)
}

// Close stops following the source topic.
func (p *Presence) Close() {
	p.sub.Unsubscribe()
}
