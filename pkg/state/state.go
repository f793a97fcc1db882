// Package state tracks recent queue departures so a student who left
// by mistake can rejoin within a grace window without losing their
// position. Grace records are in-memory only; queue order itself is
// always durable in the store.
package state

import (
	"sync"
	"time"
)

// Departure records when a student left a section queue and the
// join time their entry held at that moment
type Departure struct {
	StudentKey string
	SectionID  string
	JoinedAt   time.Time
	LeftAt     time.Time
}

// GraceTracker remembers departures for a limited grace window
type GraceTracker struct {
	window     time.Duration
	departures map[string]Departure
	mu         sync.RWMutex
}

// NewGraceTracker creates a tracker with the given grace window
func NewGraceTracker(window time.Duration) *GraceTracker {
	return &GraceTracker{
		window:     window,
		departures: make(map[string]Departure),
	}
}

// key scopes departures to one student in one section
func key(sectionID, studentKey string) string {
	return sectionID + "/" + studentKey
}

// RecordDeparture remembers that the student left the section queue
func (g *GraceTracker) RecordDeparture(sectionID, studentKey string, joinedAt, leftAt time.Time) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.departures[key(sectionID, studentKey)] = Departure{
		StudentKey: studentKey,
		SectionID:  sectionID,
		JoinedAt:   joinedAt,
		LeftAt:     leftAt,
	}
}

// RecentDeparture returns the student's departure record if they left
// within the grace window, consuming it so the grace applies once
func (g *GraceTracker) RecentDeparture(sectionID, studentKey string, now time.Time) (Departure, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	k := key(sectionID, studentKey)
	dep, ok := g.departures[k]
	if !ok {
		return Departure{}, false
	}
	if now.Sub(dep.LeftAt) > g.window {
		delete(g.departures, k)
		return Departure{}, false
	}
	delete(g.departures, k)
	return dep, true
}

// Prune drops departure records older than the grace window
func (g *GraceTracker) Prune(now time.Time) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for k, dep := range g.departures {
		if now.Sub(dep.LeftAt) > g.window {
			delete(g.departures, k)
		}
	}
}
