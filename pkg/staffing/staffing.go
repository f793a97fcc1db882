// Package staffing enforces the staff availability state machine:
//
//	closed -open-> open -claim-> serving -complete-> open
//	open -close-> closed
//	open -break-> on_break -back-> open
//	on_break -close-> closed
//
// A serving staff member may not start a break; the session must be
// completed (or released by closing) first.
package staffing

import (
	"fmt"
	"time"

	"github.com/korjavin/officehours/pkg/models"
)

// Action is one requested staff transition
type Action string

const (
	ActionOpen       Action = "open"
	ActionClose      Action = "close"
	ActionClaim      Action = "claim"
	ActionComplete   Action = "complete"
	ActionStartBreak Action = "start_break"
	ActionEndBreak   Action = "end_break"
)

// InvalidTransitionError reports a staff action that is not allowed
// from the session's current state
type InvalidTransitionError struct {
	From      models.StaffState
	Attempted Action
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid staff transition: cannot %s while %s", e.Attempted, e.From)
}

// allowed maps each action to the states it may be taken from
var allowed = map[Action][]models.StaffState{
	ActionOpen:       {models.StaffClosed},
	ActionClose:      {models.StaffOpen, models.StaffOnBreak, models.StaffServing},
	ActionClaim:      {models.StaffOpen},
	ActionComplete:   {models.StaffServing},
	ActionStartBreak: {models.StaffOpen},
	ActionEndBreak:   {models.StaffOnBreak},
}

// Check validates an action against the session's current state
// without mutating it. A session that has never opened is treated as
// closed.
func Check(session models.StaffSession, action Action) error {
	from := session.State
	if from == "" {
		from = models.StaffClosed
	}
	for _, state := range allowed[action] {
		if from == state {
			return nil
		}
	}
	return &InvalidTransitionError{From: from, Attempted: action}
}

// Apply validates and applies an action to a session, returning the
// updated session. The caller supplies the action time; for
// ActionStartBreak, breakUntil carries the break deadline. Closing
// while serving is allowed here only because the engine releases the
// served entry before committing; Apply itself just clears the claim.
func Apply(session models.StaffSession, action Action, at time.Time, entryID string, breakUntil *time.Time) (models.StaffSession, error) {
	if err := Check(session, action); err != nil {
		return session, err
	}

	switch action {
	case ActionOpen:
		session.State = models.StaffOpen
	case ActionClose:
		session.State = models.StaffClosed
		session.CurrentEntryID = ""
		session.BreakStartedAt = nil
		session.BreakUntil = nil
	case ActionClaim:
		session.State = models.StaffServing
		session.CurrentEntryID = entryID
	case ActionComplete:
		session.State = models.StaffOpen
		session.CurrentEntryID = ""
	case ActionStartBreak:
		session.State = models.StaffOnBreak
		started := at
		session.BreakStartedAt = &started
		session.BreakUntil = breakUntil
	case ActionEndBreak:
		session.State = models.StaffOpen
		session.BreakStartedAt = nil
		session.BreakUntil = nil
	}
	return session, nil
}
