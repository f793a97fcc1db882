package storage

import (
	"fmt"
	"strings"

	"github.com/korjavin/officehours/pkg/models"
)

// Key layout:
//   section:<id>          -> models.SectionSnapshot (latest committed state)
//   log:<id>:<seq, 12dd>  -> models.ActionRecord (append-only, replayable)
// The zero-padded sequence keeps Badger's key order equal to commit order.

// SectionKey returns the snapshot key for a section
func SectionKey(sectionID string) string {
	return fmt.Sprintf("section:%s", sectionID)
}

// ActionKey returns the event-log key for one committed transition
func ActionKey(sectionID string, seq uint64) string {
	return fmt.Sprintf("log:%s:%012d", sectionID, seq)
}

// SaveSnapshot persists a section snapshot
func (s *Store) SaveSnapshot(snap *models.SectionSnapshot) error {
	return s.Set(SectionKey(snap.SectionID), snap)
}

// LoadSnapshot retrieves the snapshot for a section.
// Returns ErrNotFound if the section has never committed a transition.
func (s *Store) LoadSnapshot(sectionID string) (*models.SectionSnapshot, error) {
	var snap models.SectionSnapshot
	if err := s.Get(SectionKey(sectionID), &snap); err != nil {
		return nil, err
	}
	if snap.Staff == nil {
		snap.Staff = make(map[string]models.StaffSession)
	}
	return &snap, nil
}

// CommitTransition writes the new snapshot and its action record in a
// single transaction, so a committed sequence number always has both.
func (s *Store) CommitTransition(snap *models.SectionSnapshot, record *models.ActionRecord) error {
	if snap.Seq != record.Seq {
		return fmt.Errorf("snapshot seq %d does not match record seq %d", snap.Seq, record.Seq)
	}
	return s.SetMulti(map[string]interface{}{
		SectionKey(snap.SectionID):            snap,
		ActionKey(snap.SectionID, record.Seq): record,
	})
}

// LoadActions returns a section's action log in commit order
func (s *Store) LoadActions(sectionID string) ([]models.ActionRecord, error) {
	prefix := fmt.Sprintf("log:%s:", sectionID)
	keys, err := s.List(prefix)
	if err != nil {
		return nil, err
	}

	records := make([]models.ActionRecord, 0, len(keys))
	for _, key := range keys {
		var record models.ActionRecord
		if err := s.Get(key, &record); err != nil {
			return nil, fmt.Errorf("failed to load action %s: %w", key, err)
		}
		records = append(records, record)
	}
	return records, nil
}

// ListSections returns the IDs of all sections with a persisted snapshot
func (s *Store) ListSections() ([]string, error) {
	keys, err := s.List("section:")
	if err != nil {
		return nil, err
	}

	sections := make([]string, 0, len(keys))
	for _, key := range keys {
		sections = append(sections, strings.TrimPrefix(key, "section:"))
	}
	return sections, nil
}
