// Package engine is the orchestrating state machine for office-hours
// queues. Every operation against one section runs under that
// section's lock: validate, mutate a clone of the snapshot, commit
// snapshot plus action record in one store transaction, then swap the
// clone in. A failed operation leaves the snapshot untouched.
package engine

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/korjavin/officehours/pkg/fairness"
	"github.com/korjavin/officehours/pkg/logger"
	"github.com/korjavin/officehours/pkg/models"
	"github.com/korjavin/officehours/pkg/staffing"
	"github.com/korjavin/officehours/pkg/state"
	"github.com/korjavin/officehours/pkg/storage"
)

var (
	// ErrNotWaiting is returned when a leave targets an entry that is
	// not waiting (served, abandoned, or absent)
	ErrNotWaiting = errors.New("entry is not waiting in the queue")
	// ErrEntryAlreadyClaimed is returned when a leave loses the race
	// against a staff claim on the same entry
	ErrEntryAlreadyClaimed = errors.New("entry has already been claimed by a staff member")
	// ErrSectionCorrupted is returned for all operations on a section
	// whose persisted state failed invariant checks on load
	ErrSectionCorrupted = errors.New("section state is corrupted and needs administrative review")
)

// Engine coordinates all queue operations for all sections
type Engine struct {
	store  *storage.Store
	grace  *state.GraceTracker
	logger *logger.Logger

	mu       sync.Mutex
	sections map[string]*section
}

// section is one serialized execution context: all operations on a
// section id run under its mutex
type section struct {
	mu          sync.Mutex
	snap        *models.SectionSnapshot
	quarantined bool
}

// New creates a new queue engine backed by the given store
func New(store *storage.Store, grace *state.GraceTracker) *Engine {
	return &Engine{
		store:    store,
		grace:    grace,
		logger:   logger.New(""),
		sections: make(map[string]*section),
	}
}

// section returns the registry slot for a section id, creating it on
// first access. Slots are never removed.
func (e *Engine) section(sectionID string) *section {
	e.mu.Lock()
	defer e.mu.Unlock()
	sec, ok := e.sections[sectionID]
	if !ok {
		sec = &section{}
		e.sections[sectionID] = sec
	}
	return sec
}

// lockSection locks a section and makes sure its snapshot is loaded
// and verified. The caller must unlock sec.mu.
func (e *Engine) lockSection(sectionID string) (*section, error) {
	sec := e.section(sectionID)
	sec.mu.Lock()
	if sec.quarantined {
		sec.mu.Unlock()
		return nil, ErrSectionCorrupted
	}
	if sec.snap == nil {
		snap, err := e.store.LoadSnapshot(sectionID)
		if errors.Is(err, storage.ErrNotFound) {
			snap = models.NewSectionSnapshot(sectionID)
		} else if err != nil {
			sec.mu.Unlock()
			return nil, fmt.Errorf("failed to load section %s: %w", sectionID, err)
		}
		if verr := Verify(snap); verr != nil {
			sec.quarantined = true
			e.logger.Error("Section %s quarantined: %v", sectionID, verr)
			sec.mu.Unlock()
			return nil, fmt.Errorf("%w: %v", ErrSectionCorrupted, verr)
		}
		sec.snap = snap
	}
	return sec, nil
}

// transition computes the effect of one action on a working copy of
// the snapshot. Returning a nil record means no state change: nothing
// is committed and the events are informational only.
type transition func(snap *models.SectionSnapshot, now time.Time) (*models.ActionRecord, []models.Event, error)

// apply runs one transition against a section with full atomicity
func (e *Engine) apply(sectionID string, fn transition) ([]models.Event, error) {
	sec, err := e.lockSection(sectionID)
	if err != nil {
		return nil, err
	}
	defer sec.mu.Unlock()

	now := time.Now().UTC()
	work := sec.snap.Clone()
	record, events, err := fn(work, now)
	if err != nil {
		return nil, err
	}

	if record != nil {
		work.Seq++
		work.UpdatedAt = now
		record.Seq = work.Seq
		record.SectionID = sectionID
		record.At = now
		if err := e.store.CommitTransition(work, record); err != nil {
			return nil, fmt.Errorf("failed to commit transition: %w", err)
		}
		sec.snap = work
	}

	seq := sec.snap.Seq
	for i := range events {
		events[i].SectionID = sectionID
		events[i].Seq = seq
	}
	return events, nil
}

// Join adds a student to the section queue. A student who left within
// the rejoin grace window gets their original join time back, which
// restores their position under the fairness ordering.
func (e *Engine) Join(sectionID, studentKey string) ([]models.Event, error) {
	return e.apply(sectionID, func(snap *models.SectionSnapshot, now time.Time) (*models.ActionRecord, []models.Event, error) {
		if err := fairness.CanJoin(snap, studentKey); err != nil {
			return nil, nil, err
		}

		joinedAt := now
		if dep, ok := e.grace.RecentDeparture(sectionID, studentKey, now); ok {
			joinedAt = dep.JoinedAt
			e.logger.Info("Student %s rejoined section %s within grace, position restored", studentKey, sectionID)
		}

		entry := models.QueueEntry{
			ID:         uuid.NewString(),
			StudentKey: studentKey,
			SectionID:  sectionID,
			JoinedAt:   joinedAt,
			State:      models.EntryWaiting,
		}
		snap.Entries = append(snap.Entries, entry)

		record := &models.ActionRecord{
			Type:       models.ActionJoin,
			EntryID:    entry.ID,
			StudentKey: studentKey,
			JoinedAt:   joinedAt,
		}
		events := []models.Event{{
			Type:       models.EventJoined,
			EntryID:    entry.ID,
			StudentKey: studentKey,
			Position:   fairness.Position(snap, entry.ID),
		}}
		events = append(events, positionUpdates(snap, entry.ID)...)
		return record, events, nil
	})
}

// Leave removes a waiting entry from the queue by entry id
func (e *Engine) Leave(sectionID, entryID string) ([]models.Event, error) {
	return e.leave(sectionID, entryID, "")
}

// LeaveByStudent removes the student's waiting entry, resolving it
// under the section lock so it cannot race with a concurrent claim
func (e *Engine) LeaveByStudent(sectionID, studentKey string) ([]models.Event, error) {
	return e.leave(sectionID, "", studentKey)
}

func (e *Engine) leave(sectionID, entryID, studentKey string) ([]models.Event, error) {
	var departed models.QueueEntry
	events, err := e.apply(sectionID, func(snap *models.SectionSnapshot, now time.Time) (*models.ActionRecord, []models.Event, error) {
		var idx int
		if entryID != "" {
			idx = snap.EntryByID(entryID)
		} else {
			idx = snap.ActiveEntryFor(studentKey)
		}
		if idx < 0 {
			return nil, nil, ErrNotWaiting
		}
		entry := snap.Entries[idx]
		if entry.State == models.EntryClaimed {
			return nil, nil, ErrEntryAlreadyClaimed
		}
		if entry.State != models.EntryWaiting {
			return nil, nil, ErrNotWaiting
		}

		departed = entry
		snap.Entries = append(snap.Entries[:idx], snap.Entries[idx+1:]...)

		record := &models.ActionRecord{
			Type:       models.ActionLeave,
			EntryID:    entry.ID,
			StudentKey: entry.StudentKey,
		}
		events := []models.Event{{
			Type:       models.EventLeft,
			EntryID:    entry.ID,
			StudentKey: entry.StudentKey,
		}}
		events = append(events, positionUpdates(snap, "")...)
		return record, events, nil
	})
	if err == nil && departed.ID != "" {
		e.grace.RecordDeparture(sectionID, departed.StudentKey, departed.JoinedAt, time.Now().UTC())
	}
	return events, err
}

// StaffOpen starts a staff member's office hours in a section
func (e *Engine) StaffOpen(sectionID, staffKey string) ([]models.Event, error) {
	return e.apply(sectionID, func(snap *models.SectionSnapshot, now time.Time) (*models.ActionRecord, []models.Event, error) {
		session := staffSession(snap, sectionID, staffKey)
		updated, err := staffing.Apply(session, staffing.ActionOpen, now, "", nil)
		if err != nil {
			return nil, nil, err
		}
		snap.Staff[staffKey] = updated
		return &models.ActionRecord{Type: models.ActionStaffOpen, StaffKey: staffKey}, nil, nil
	})
}

// StaffClose ends a staff member's office hours. If the staff member
// is mid-session, the served entry is released back to the front of
// the line with its original join time: a staff disconnect must not
// cost the student their position.
func (e *Engine) StaffClose(sectionID, staffKey string) ([]models.Event, error) {
	return e.apply(sectionID, func(snap *models.SectionSnapshot, now time.Time) (*models.ActionRecord, []models.Event, error) {
		session := staffSession(snap, sectionID, staffKey)
		releasedID := session.CurrentEntryID
		serving := session.State == models.StaffServing

		updated, err := staffing.Apply(session, staffing.ActionClose, now, "", nil)
		if err != nil {
			return nil, nil, err
		}

		var events []models.Event
		if serving && releasedID != "" {
			idx := snap.EntryByID(releasedID)
			if idx < 0 {
				return nil, nil, fmt.Errorf("%w: serving entry %s missing from snapshot", ErrSectionCorrupted, releasedID)
			}
			snap.Entries[idx].State = models.EntryWaiting
			snap.Entries[idx].ClaimedAt = time.Time{}
			events = append(events, models.Event{
				Type:       models.EventReturnedToQueue,
				EntryID:    releasedID,
				StudentKey: snap.Entries[idx].StudentKey,
				Position:   fairness.Position(snap, releasedID),
			})
			events = append(events, positionUpdates(snap, releasedID)...)
		}
		snap.Staff[staffKey] = updated

		record := &models.ActionRecord{
			Type:     models.ActionStaffClose,
			StaffKey: staffKey,
			EntryID:  releasedID,
		}
		return record, events, nil
	})
}

// Claim assigns the next waiting entry to an open staff member. An
// empty queue is not an error: the staff member stays open and the
// EmptyQueue event is returned without committing anything.
func (e *Engine) Claim(sectionID, staffKey string) ([]models.Event, error) {
	return e.apply(sectionID, func(snap *models.SectionSnapshot, now time.Time) (*models.ActionRecord, []models.Event, error) {
		session := staffSession(snap, sectionID, staffKey)
		if err := staffing.Check(session, staffing.ActionClaim); err != nil {
			return nil, nil, err
		}

		next := fairness.SelectNext(snap)
		if next == nil {
			return nil, []models.Event{{Type: models.EventEmptyQueue, StaffKey: staffKey}}, nil
		}

		idx := snap.EntryByID(next.ID)
		snap.Entries[idx].State = models.EntryClaimed
		snap.Entries[idx].ClaimedAt = now

		updated, err := staffing.Apply(session, staffing.ActionClaim, now, next.ID, nil)
		if err != nil {
			return nil, nil, err
		}
		snap.Staff[staffKey] = updated

		record := &models.ActionRecord{
			Type:       models.ActionClaim,
			StaffKey:   staffKey,
			EntryID:    next.ID,
			StudentKey: next.StudentKey,
		}
		events := []models.Event{
			{Type: models.EventClaimed, EntryID: next.ID, StudentKey: next.StudentKey, StaffKey: staffKey},
			{Type: models.EventNowServing, EntryID: next.ID, StudentKey: next.StudentKey, StaffKey: staffKey},
		}
		events = append(events, positionUpdates(snap, "")...)
		return record, events, nil
	})
}

// Complete finishes the staff member's current session; the served
// entry leaves the active snapshot
func (e *Engine) Complete(sectionID, staffKey string) ([]models.Event, error) {
	return e.apply(sectionID, func(snap *models.SectionSnapshot, now time.Time) (*models.ActionRecord, []models.Event, error) {
		session := staffSession(snap, sectionID, staffKey)
		if err := staffing.Check(session, staffing.ActionComplete); err != nil {
			return nil, nil, err
		}

		idx := snap.EntryByID(session.CurrentEntryID)
		if idx < 0 {
			return nil, nil, fmt.Errorf("%w: serving entry %s missing from snapshot", ErrSectionCorrupted, session.CurrentEntryID)
		}
		entry := snap.Entries[idx]
		servedFor := now.Sub(entry.ClaimedAt)
		snap.Entries = append(snap.Entries[:idx], snap.Entries[idx+1:]...)

		updated, err := staffing.Apply(session, staffing.ActionComplete, now, "", nil)
		if err != nil {
			return nil, nil, err
		}
		snap.Staff[staffKey] = updated

		record := &models.ActionRecord{
			Type:       models.ActionComplete,
			StaffKey:   staffKey,
			EntryID:    entry.ID,
			StudentKey: entry.StudentKey,
		}
		events := []models.Event{{
			Type:       models.EventSessionComplete,
			EntryID:    entry.ID,
			StudentKey: entry.StudentKey,
			StaffKey:   staffKey,
			ServedFor:  servedFor,
		}}
		return record, events, nil
	})
}

// StartBreak puts an open staff member on break until the given time.
// A zero until means an open-ended break.
func (e *Engine) StartBreak(sectionID, staffKey string, until time.Time) ([]models.Event, error) {
	return e.apply(sectionID, func(snap *models.SectionSnapshot, now time.Time) (*models.ActionRecord, []models.Event, error) {
		session := staffSession(snap, sectionID, staffKey)
		var deadline *time.Time
		if !until.IsZero() {
			u := until.UTC()
			deadline = &u
		}
		updated, err := staffing.Apply(session, staffing.ActionStartBreak, now, "", deadline)
		if err != nil {
			return nil, nil, err
		}
		snap.Staff[staffKey] = updated

		record := &models.ActionRecord{
			Type:       models.ActionBreakStart,
			StaffKey:   staffKey,
			BreakUntil: deadline,
		}
		return record, nil, nil
	})
}

// EndBreak returns a staff member from break to open
func (e *Engine) EndBreak(sectionID, staffKey string) ([]models.Event, error) {
	return e.apply(sectionID, func(snap *models.SectionSnapshot, now time.Time) (*models.ActionRecord, []models.Event, error) {
		session := staffSession(snap, sectionID, staffKey)
		updated, err := staffing.Apply(session, staffing.ActionEndBreak, now, "", nil)
		if err != nil {
			return nil, nil, err
		}
		snap.Staff[staffKey] = updated

		record := &models.ActionRecord{Type: models.ActionBreakEnd, StaffKey: staffKey}
		events := []models.Event{{Type: models.EventBreakEnded, StaffKey: staffKey}}
		return record, events, nil
	})
}

// Snapshot returns a copy of the section's current state
func (e *Engine) Snapshot(sectionID string) (*models.SectionSnapshot, error) {
	sec, err := e.lockSection(sectionID)
	if err != nil {
		return nil, err
	}
	defer sec.mu.Unlock()
	return sec.snap.Clone(), nil
}

// ExpireBreaks ends every break whose deadline has passed and returns
// the resulting events. Lost races with a manual /back are ignored.
func (e *Engine) ExpireBreaks(now time.Time) []models.Event {
	var all []models.Event
	for _, sectionID := range e.knownSections() {
		for _, staffKey := range e.expiredBreaks(sectionID, now) {
			events, err := e.EndBreak(sectionID, staffKey)
			if err != nil {
				var invalid *staffing.InvalidTransitionError
				if !errors.As(err, &invalid) {
					e.logger.Error("Failed to end expired break for %s in %s: %v", staffKey, sectionID, err)
				}
				continue
			}
			e.logger.Info("Break expired for staff %s in section %s", staffKey, sectionID)
			all = append(all, events...)
		}
	}
	return all
}

// expiredBreaks lists staff members of a section whose break deadline
// has passed
func (e *Engine) expiredBreaks(sectionID string, now time.Time) []string {
	sec, err := e.lockSection(sectionID)
	if err != nil {
		return nil
	}
	defer sec.mu.Unlock()

	var expired []string
	for staffKey, session := range sec.snap.Staff {
		if session.State == models.StaffOnBreak && session.BreakUntil != nil && !session.BreakUntil.After(now) {
			expired = append(expired, staffKey)
		}
	}
	return expired
}

// knownSections merges sections seen in this process with sections
// persisted by earlier runs
func (e *Engine) knownSections() []string {
	seen := make(map[string]bool)

	e.mu.Lock()
	for sectionID := range e.sections {
		seen[sectionID] = true
	}
	e.mu.Unlock()

	persisted, err := e.store.ListSections()
	if err != nil {
		e.logger.Error("Failed to list persisted sections: %v", err)
	}
	for _, sectionID := range persisted {
		seen[sectionID] = true
	}

	sections := make([]string, 0, len(seen))
	for sectionID := range seen {
		sections = append(sections, sectionID)
	}
	return sections
}

// staffSession returns the staff member's session or a fresh closed one
func staffSession(snap *models.SectionSnapshot, sectionID, staffKey string) models.StaffSession {
	if session, ok := snap.Staff[staffKey]; ok {
		return session
	}
	return models.StaffSession{StaffKey: staffKey, SectionID: sectionID, State: models.StaffClosed}
}

// positionUpdates emits a PositionUpdate for every waiting entry
// except skipID (the entry that just got its own event)
func positionUpdates(snap *models.SectionSnapshot, skipID string) []models.Event {
	var events []models.Event
	for i, entry := range fairness.Waiting(snap) {
		if entry.ID == skipID {
			continue
		}
		events = append(events, models.Event{
			Type:       models.EventPositionUpdate,
			EntryID:    entry.ID,
			StudentKey: entry.StudentKey,
			Position:   i + 1,
		})
	}
	return events
}
