package task

import (
	"fmt"
	"sort"
	"sync"
	"time"
)

// Registry is the process-wide id -> Record mapping.
type Registry struct {
	mu      sync.RWMutex
	records map[string]*Record
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{records: make(map[string]*Record)}
}

// Insert adds r under its id. A duplicate id is a bug and panics.
func (g *Registry) Insert(r *Record) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, exists := g.records[r.id]; exists {
		panic(fmt.Sprintf("task: duplicate id %s", r.id))
	}
	g.records[r.id] = r
}

// Get returns the record stored under id.
func (g *Registry) Get(id string) (*Record, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	r, ok := g.records[id]
	return r, ok
}

// Remove deletes id and reports whether it was present.
func (g *Registry) Remove(id string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.records[id]; !ok {
		return false
	}
	delete(g.records, id)
	return true
}

// Len returns the number of stored records.
func (g *Registry) Len() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.records)
}

// all returns the current records; the slice is owned by the caller.
func (g *Registry) all() []*Record {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]*Record, 0, len(g.records))
	for _, r := range g.records {
		out = append(out, r)
	}
	return out
}

// Snapshot returns a view of every record, oldest first. Each view is a
// single atomic read of that record's published state.
func (g *Registry) Snapshot() []View {
	recs := g.all()
	views := make([]View, 0, len(recs))
	for _, r := range recs {
		views = append(views, r.View())
	}
	sort.Slice(views, func(i, j int) bool {
		if views[i].CreatedAt != views[j].CreatedAt {
			return views[i].CreatedAt < views[j].CreatedAt
		}
		return views[i].ID < views[j].ID
	})
	return views
}

// Stats counts records by status.
func (g *Registry) Stats() Stats {
	var s Stats
	for _, r := range g.all() {
		s.Total++
		switch r.Status() {
		case StatusPending:
			s.Pending++
		case StatusRunning:
			s.Running++
		case StatusCompleted:
			s.Completed++
		case StatusFailed:
			s.Failed++
		case StatusCancelled:
			s.Cancelled++
		}
	}
	return s
}

// SweepTerminal removes every terminal record whose completion is at least
// olderThan before now, returning the removed views.
func (g *Registry) SweepTerminal(olderThan time.Duration, now time.Time) []View {
	var expired []*Record
	for _, r := range g.all() {
		done, ok := r.CompletedAt()
		if ok && now.Sub(done) >= olderThan {
			expired = append(expired, r)
		}
	}
	if len(expired) == 0 {
		return nil
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	removed := make([]View, 0, len(expired))
	for _, r := range expired {
		// Terminal records never change, but an explicit Remove may have
		// raced us.
		if cur, ok := g.records[r.id]; ok && cur == r {
			delete(g.records, r.id)
			removed = append(removed, r.View())
		}
	}
	return removed
}
