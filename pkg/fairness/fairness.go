// Package fairness holds the pure queue-ordering policy: who is served
// next, and who may join. It never mutates a snapshot.
package fairness

import (
	"errors"
	"sort"

	"github.com/korjavin/officehours/pkg/models"
)

var (
	// ErrAlreadyQueued is returned when a student already holds an
	// active entry in the section
	ErrAlreadyQueued = errors.New("student is already in the queue")
	// ErrSectionClosed is returned when no staff member is holding
	// office hours for the section
	ErrSectionClosed = errors.New("no staff member is holding office hours")
)

// SelectNext returns the waiting entry that a newly-free staff member
// should serve: earliest JoinedAt, ties broken by entry ID ascending.
// Returns nil if nothing is waiting.
func SelectNext(snap *models.SectionSnapshot) *models.QueueEntry {
	var next *models.QueueEntry
	for i := range snap.Entries {
		e := &snap.Entries[i]
		if e.State != models.EntryWaiting {
			continue
		}
		if next == nil || before(e, next) {
			next = e
		}
	}
	if next == nil {
		return nil
	}
	picked := *next
	return &picked
}

// Waiting returns the waiting entries of a section in fairness order
func Waiting(snap *models.SectionSnapshot) []models.QueueEntry {
	waiting := make([]models.QueueEntry, 0, len(snap.Entries))
	for _, e := range snap.Entries {
		if e.State == models.EntryWaiting {
			waiting = append(waiting, e)
		}
	}
	sort.SliceStable(waiting, func(i, j int) bool {
		return before(&waiting[i], &waiting[j])
	})
	return waiting
}

// Position returns the 1-based position of an entry in the waiting
// order, or 0 if the entry is not waiting
func Position(snap *models.SectionSnapshot, entryID string) int {
	for i, e := range Waiting(snap) {
		if e.ID == entryID {
			return i + 1
		}
	}
	return 0
}

// CanJoin reports whether the student may join the section queue
func CanJoin(snap *models.SectionSnapshot, studentKey string) error {
	if snap.ActiveEntryFor(studentKey) >= 0 {
		return ErrAlreadyQueued
	}
	if !anyStaffPresent(snap) {
		return ErrSectionClosed
	}
	return nil
}

// before reports whether entry a is served before entry b
func before(a, b *models.QueueEntry) bool {
	if !a.JoinedAt.Equal(b.JoinedAt) {
		return a.JoinedAt.Before(b.JoinedAt)
	}
	return a.ID < b.ID
}

// anyStaffPresent reports whether at least one staff session is open,
// serving, or on break. Students may queue behind a break, but not
// into a fully closed section.
func anyStaffPresent(snap *models.SectionSnapshot) bool {
	for _, session := range snap.Staff {
		switch session.State {
		case models.StaffOpen, models.StaffServing, models.StaffOnBreak:
			return true
		}
	}
	return false
}
