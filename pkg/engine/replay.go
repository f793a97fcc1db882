package engine

import (
	"fmt"
	"time"

	"github.com/korjavin/officehours/pkg/models"
	"github.com/korjavin/officehours/pkg/staffing"
)

// Replay rebuilds a section snapshot from its action log alone. The
// result must equal the directly-committed snapshot; it is used for
// audit and for recovery checks, and emits no notifications.
func (e *Engine) Replay(sectionID string) (*models.SectionSnapshot, error) {
	records, err := e.store.LoadActions(sectionID)
	if err != nil {
		return nil, fmt.Errorf("failed to load action log: %w", err)
	}

	snap := models.NewSectionSnapshot(sectionID)
	for i := range records {
		record := &records[i]
		if record.Seq != snap.Seq+1 {
			return nil, fmt.Errorf("action log gap in section %s: have seq %d, next record is %d", sectionID, snap.Seq, record.Seq)
		}
		if err := applyRecord(snap, record); err != nil {
			return nil, fmt.Errorf("failed to replay seq %d: %w", record.Seq, err)
		}
		snap.Seq = record.Seq
		snap.UpdatedAt = record.At
	}
	return snap, nil
}

// applyRecord applies one committed action record to a snapshot.
// Records are facts: no policy is re-run, identifiers and timestamps
// come from the record itself.
func applyRecord(snap *models.SectionSnapshot, r *models.ActionRecord) error {
	switch r.Type {
	case models.ActionJoin:
		snap.Entries = append(snap.Entries, models.QueueEntry{
			ID:         r.EntryID,
			StudentKey: r.StudentKey,
			SectionID:  r.SectionID,
			JoinedAt:   r.JoinedAt,
			State:      models.EntryWaiting,
		})

	case models.ActionLeave:
		idx := snap.EntryByID(r.EntryID)
		if idx < 0 {
			return fmt.Errorf("leave of unknown entry %s", r.EntryID)
		}
		snap.Entries = append(snap.Entries[:idx], snap.Entries[idx+1:]...)

	case models.ActionClaim:
		idx := snap.EntryByID(r.EntryID)
		if idx < 0 {
			return fmt.Errorf("claim of unknown entry %s", r.EntryID)
		}
		snap.Entries[idx].State = models.EntryClaimed
		snap.Entries[idx].ClaimedAt = r.At
		return applyStaff(snap, r, staffing.ActionClaim)

	case models.ActionComplete:
		idx := snap.EntryByID(r.EntryID)
		if idx < 0 {
			return fmt.Errorf("complete of unknown entry %s", r.EntryID)
		}
		snap.Entries = append(snap.Entries[:idx], snap.Entries[idx+1:]...)
		return applyStaff(snap, r, staffing.ActionComplete)

	case models.ActionStaffOpen:
		return applyStaff(snap, r, staffing.ActionOpen)

	case models.ActionStaffClose:
		if r.EntryID != "" {
			idx := snap.EntryByID(r.EntryID)
			if idx < 0 {
				return fmt.Errorf("release of unknown entry %s", r.EntryID)
			}
			snap.Entries[idx].State = models.EntryWaiting
			snap.Entries[idx].ClaimedAt = time.Time{}
		}
		return applyStaff(snap, r, staffing.ActionClose)

	case models.ActionBreakStart:
		return applyStaff(snap, r, staffing.ActionStartBreak)

	case models.ActionBreakEnd:
		return applyStaff(snap, r, staffing.ActionEndBreak)

	default:
		return fmt.Errorf("unknown action type %q", r.Type)
	}
	return nil
}

// applyStaff routes a recorded staff transition through the same
// state machine the live engine uses
func applyStaff(snap *models.SectionSnapshot, r *models.ActionRecord, action staffing.Action) error {
	session := staffSession(snap, r.SectionID, r.StaffKey)
	updated, err := staffing.Apply(session, action, r.At, r.EntryID, r.BreakUntil)
	if err != nil {
		return err
	}
	snap.Staff[r.StaffKey] = updated
	return nil
}

// Verify checks the structural invariants of a snapshot: claims are
// exclusive, break and serving markers match states, no student holds
// two active entries. A failing snapshot quarantines its section.
func Verify(snap *models.SectionSnapshot) error {
	claimedBy := make(map[string]string)
	for staffKey, session := range snap.Staff {
		if (session.State == models.StaffServing) != (session.CurrentEntryID != "") {
			return fmt.Errorf("staff %s: serving state and current entry disagree", staffKey)
		}
		if (session.State == models.StaffOnBreak) != (session.BreakStartedAt != nil) {
			return fmt.Errorf("staff %s: break state and break start disagree", staffKey)
		}
		if session.CurrentEntryID == "" {
			continue
		}
		if other, dup := claimedBy[session.CurrentEntryID]; dup {
			return fmt.Errorf("entry %s claimed by both %s and %s", session.CurrentEntryID, other, staffKey)
		}
		claimedBy[session.CurrentEntryID] = staffKey

		idx := snap.EntryByID(session.CurrentEntryID)
		if idx < 0 {
			return fmt.Errorf("staff %s serving entry %s which is not in the snapshot", staffKey, session.CurrentEntryID)
		}
		if snap.Entries[idx].State != models.EntryClaimed {
			return fmt.Errorf("staff %s serving entry %s which is %s, not claimed", staffKey, session.CurrentEntryID, snap.Entries[idx].State)
		}
	}

	students := make(map[string]bool)
	for _, entry := range snap.Entries {
		switch entry.State {
		case models.EntryWaiting, models.EntryClaimed:
		default:
			return fmt.Errorf("inactive entry %s (%s) in active snapshot", entry.ID, entry.State)
		}
		if entry.State == models.EntryClaimed && claimedBy[entry.ID] == "" {
			return fmt.Errorf("claimed entry %s has no serving staff session", entry.ID)
		}
		if students[entry.StudentKey] {
			return fmt.Errorf("student %s holds two active entries", entry.StudentKey)
		}
		students[entry.StudentKey] = true
	}
	return nil
}
