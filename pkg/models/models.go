package models

import (
	"time"
)

// EntryState represents the lifecycle state of a queue entry
type EntryState string

const (
	// EntryWaiting means the student is in line
	EntryWaiting EntryState = "waiting"
	// EntryClaimed means a staff member is serving the student
	EntryClaimed EntryState = "claimed"
	// EntryServed means the session finished normally
	EntryServed EntryState = "served"
	// EntryAbandoned means the student left the line voluntarily
	EntryAbandoned EntryState = "abandoned"
)

// StaffState represents a staff member's availability within a section
type StaffState string

const (
	// StaffClosed means the staff member is not holding office hours
	StaffClosed StaffState = "closed"
	// StaffOpen means the staff member is available to claim students
	StaffOpen StaffState = "open"
	// StaffServing means the staff member is serving a claimed entry
	StaffServing StaffState = "serving"
	// StaffOnBreak means the staff member is temporarily away
	StaffOnBreak StaffState = "on_break"
)

// QueueEntry represents one student's position in a section queue
type QueueEntry struct {
	ID         string     `json:"id"`
	StudentKey string     `json:"student_key"`
	SectionID  string     `json:"section_id"`
	JoinedAt   time.Time  `json:"joined_at"`
	ClaimedAt  time.Time  `json:"claimed_at,omitempty"`
	State      EntryState `json:"state"`
}

// StaffSession represents a staff member's availability state in a section
type StaffSession struct {
	StaffKey       string     `json:"staff_key"`
	SectionID      string     `json:"section_id"`
	State          StaffState `json:"state"`
	CurrentEntryID string     `json:"current_entry_id,omitempty"`
	BreakStartedAt *time.Time `json:"break_started_at,omitempty"`
	BreakUntil     *time.Time `json:"break_until,omitempty"`
}

// SectionSnapshot is the full persisted state of one section queue.
// Entries holds only active (waiting or claimed) entries in join order;
// Seq is the last committed per-section sequence number.
type SectionSnapshot struct {
	SectionID string                  `json:"section_id"`
	Seq       uint64                  `json:"seq"`
	Entries   []QueueEntry            `json:"entries"`
	Staff     map[string]StaffSession `json:"staff"`
	UpdatedAt time.Time               `json:"updated_at"`
}

// NewSectionSnapshot creates an empty snapshot for a section
func NewSectionSnapshot(sectionID string) *SectionSnapshot {
	return &SectionSnapshot{
		SectionID: sectionID,
		Entries:   []QueueEntry{},
		Staff:     make(map[string]StaffSession),
	}
}

// Clone returns a deep copy of the snapshot
func (s *SectionSnapshot) Clone() *SectionSnapshot {
	c := &SectionSnapshot{
		SectionID: s.SectionID,
		Seq:       s.Seq,
		Entries:   make([]QueueEntry, len(s.Entries)),
		Staff:     make(map[string]StaffSession, len(s.Staff)),
		UpdatedAt: s.UpdatedAt,
	}
	copy(c.Entries, s.Entries)
	for k, v := range s.Staff {
		if v.BreakStartedAt != nil {
			t := *v.BreakStartedAt
			v.BreakStartedAt = &t
		}
		if v.BreakUntil != nil {
			t := *v.BreakUntil
			v.BreakUntil = &t
		}
		c.Staff[k] = v
	}
	return c
}

// EntryByID returns the index of the entry with the given ID, or -1
func (s *SectionSnapshot) EntryByID(entryID string) int {
	for i := range s.Entries {
		if s.Entries[i].ID == entryID {
			return i
		}
	}
	return -1
}

// ActiveEntryFor returns the index of the student's waiting or claimed
// entry, or -1 if the student is not in the queue
func (s *SectionSnapshot) ActiveEntryFor(studentKey string) int {
	for i := range s.Entries {
		if s.Entries[i].StudentKey == studentKey {
			return i
		}
	}
	return -1
}

// ActionType identifies one kind of committed queue transition
type ActionType string

const (
	ActionJoin       ActionType = "join"
	ActionLeave      ActionType = "leave"
	ActionClaim      ActionType = "claim"
	ActionComplete   ActionType = "complete"
	ActionStaffOpen  ActionType = "staff_open"
	ActionStaffClose ActionType = "staff_close"
	ActionBreakStart ActionType = "break_start"
	ActionBreakEnd   ActionType = "break_end"
)

// ActionRecord is one append-only log record per committed transition.
// Replaying the records of a section from sequence 1 rebuilds its
// snapshot exactly.
type ActionRecord struct {
	Seq        uint64     `json:"seq"`
	Type       ActionType `json:"type"`
	At         time.Time  `json:"at"`
	SectionID  string     `json:"section_id"`
	EntryID    string     `json:"entry_id,omitempty"`
	StudentKey string     `json:"student_key,omitempty"`
	StaffKey   string     `json:"staff_key,omitempty"`
	JoinedAt   time.Time  `json:"joined_at,omitempty"`
	BreakUntil *time.Time `json:"break_until,omitempty"`
}

// EventType identifies one kind of outbound notification event
type EventType string

const (
	EventJoined          EventType = "joined"
	EventPositionUpdate  EventType = "position_update"
	EventClaimed         EventType = "claimed"
	EventNowServing      EventType = "now_serving"
	EventSessionComplete EventType = "session_complete"
	EventEmptyQueue      EventType = "empty_queue"
	EventLeft            EventType = "left"
	EventReturnedToQueue EventType = "returned_to_queue"
	EventBreakEnded      EventType = "break_ended"
)

// Event is an outbound state-change event produced by the queue engine.
// Seq is the sequence number of the transition that produced it, usable
// as a deduplication key by the delivery layer.
type Event struct {
	Type       EventType     `json:"type"`
	SectionID  string        `json:"section_id"`
	Seq        uint64        `json:"seq"`
	EntryID    string        `json:"entry_id,omitempty"`
	StudentKey string        `json:"student_key,omitempty"`
	StaffKey   string        `json:"staff_key,omitempty"`
	Position   int           `json:"position,omitempty"`
	ServedFor  time.Duration `json:"served_for,omitempty"`
}

// SessionFeedback is a student's star rating for one served session
type SessionFeedback struct {
	SectionID  string    `json:"section_id"`
	Seq        uint64    `json:"seq"`
	EntryID    string    `json:"entry_id"`
	StudentKey string    `json:"student_key"`
	StaffKey   string    `json:"staff_key"`
	Stars      int       `json:"stars,omitempty"`
	PromptedAt time.Time `json:"prompted_at"`
	RatedAt    time.Time `json:"rated_at,omitempty"`
}

// ServingStats holds the serving statistics for one section
type ServingStats struct {
	SectionID string               `json:"section_id"`
	Staff     map[string]ServeStat `json:"staff"`
}

// ServeStat represents the serving statistics for one staff member
type ServeStat struct {
	StaffKey     string        `json:"staff_key"`
	Sessions     int           `json:"sessions"`
	TotalServing time.Duration `json:"total_serving"`
	AvgServing   time.Duration `json:"avg_serving"`
}
