package conversation

import (
	"container/list"
	"sync"
	"time"

	"github.com/BTreeMap/LeadPipe/internal/models"
)

type activeEntry struct {
	id      string
	state   *models.ConversationState
	touched time.Time
}

// activeSet is the bounded in-memory table of active conversations. Entries
// expire after ttl without access and the least recently used entry is
// evicted once maxSize is reached. It only ever holds copies.
type activeSet struct {
	mu      sync.Mutex
	entries map[string]*list.Element
	order   *list.List // least recently used at front
	ttl     time.Duration
	maxSize int
	now     func() time.Time
}

func newActiveSet(ttl time.Duration, maxSize int, now func() time.Time) *activeSet {
	return &activeSet{
		entries: make(map[string]*list.Element),
		order:   list.New(),
		ttl:     ttl,
		maxSize: maxSize,
		now:     now,
	}
}

func (a *activeSet) get(id string) (*models.ConversationState, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	elem, ok := a.entries[id]
	if !ok {
		return nil, false
	}
	entry := elem.Value.(*activeEntry)
	now := a.now()
	if a.expired(entry, now) {
		a.removeElement(elem)
		return nil, false
	}
	entry.touched = now
	a.order.MoveToBack(elem)
	return entry.state.Clone(), true
}

func (a *activeSet) put(id string, state *models.ConversationState) {
	a.mu.Lock()
	defer a.mu.Unlock()

	now := a.now()
	if elem, ok := a.entries[id]; ok {
		entry := elem.Value.(*activeEntry)
		entry.state = state.Clone()
		entry.touched = now
		a.order.MoveToBack(elem)
		return
	}

	a.evictExpired(now)
	for a.maxSize > 0 && len(a.entries) >= a.maxSize {
		a.removeElement(a.order.Front())
	}
	a.entries[id] = a.order.PushBack(&activeEntry{id: id, state: state.Clone(), touched: now})
}

func (a *activeSet) remove(id string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if elem, ok := a.entries[id]; ok {
		a.removeElement(elem)
	}
}

func (a *activeSet) contains(id string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	elem, ok := a.entries[id]
	return ok && !a.expired(elem.Value.(*activeEntry), a.now())
}

func (a *activeSet) size() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.evictExpired(a.now())
	return len(a.entries)
}

// evictExpired drops expired entries from the front. Must be called with mu held.
func (a *activeSet) evictExpired(now time.Time) {
	for front := a.order.Front(); front != nil; front = a.order.Front() {
		if !a.expired(front.Value.(*activeEntry), now) {
			return
		}
		a.removeElement(front)
	}
}

func (a *activeSet) expired(entry *activeEntry, now time.Time) bool {
	return a.ttl > 0 && now.Sub(entry.touched) >= a.ttl
}

func (a *activeSet) removeElement(elem *list.Element) {
	entry := elem.Value.(*activeEntry)
	a.order.Remove(elem)
	delete(a.entries, entry.id)
}
