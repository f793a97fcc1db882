// Package feedback runs the post-session star-rating flow: when a
// session completes, the student gets a 1-5 star prompt; ratings are
// persisted per served session.
package feedback

import (
	"fmt"
	"time"

	"github.com/korjavin/officehours/pkg/logger"
	"github.com/korjavin/officehours/pkg/models"
	"github.com/korjavin/officehours/pkg/storage"
)

// Service provides feedback management functionality
type Service struct {
	store  *storage.Store
	logger *logger.Logger
}

// New creates a new feedback service
func New(store *storage.Store) *Service {
	return &Service{
		store:  store,
		logger: logger.New(""),
	}
}

// feedbackKey identifies one served session's feedback record
func feedbackKey(sectionID string, seq uint64) string {
	return fmt.Sprintf("feedback:%s:%012d", sectionID, seq)
}

// OpenRequest records that a rating prompt was sent for a completed
// session. The session-complete event's sequence number identifies
// the session.
func (s *Service) OpenRequest(ev models.Event) (*models.SessionFeedback, error) {
	fb := &models.SessionFeedback{
		SectionID:  ev.SectionID,
		Seq:        ev.Seq,
		EntryID:    ev.EntryID,
		StudentKey: ev.StudentKey,
		StaffKey:   ev.StaffKey,
		PromptedAt: time.Now().UTC(),
	}

	if err := s.store.Set(feedbackKey(ev.SectionID, ev.Seq), fb); err != nil {
		return nil, fmt.Errorf("failed to store feedback request: %w", err)
	}
	return fb, nil
}

// RecordRating stores a student's star rating for a session. A second
// rating for the same session is rejected.
func (s *Service) RecordRating(sectionID string, seq uint64, studentKey string, stars int) (*models.SessionFeedback, error) {
	if stars < 1 || stars > 5 {
		return nil, fmt.Errorf("rating must be between 1 and 5 stars, got %d", stars)
	}

	key := feedbackKey(sectionID, seq)
	var fb models.SessionFeedback
	if err := s.store.Get(key, &fb); err != nil {
		return nil, fmt.Errorf("no feedback request for this session: %w", err)
	}
	if fb.StudentKey != studentKey {
		return nil, fmt.Errorf("rating does not belong to this student")
	}
	if fb.Stars != 0 {
		return nil, fmt.Errorf("this session has already been rated")
	}

	fb.Stars = stars
	fb.RatedAt = time.Now().UTC()
	if err := s.store.Set(key, &fb); err != nil {
		return nil, fmt.Errorf("failed to store rating: %w", err)
	}

	s.logger.Info("Recorded %d-star rating for session %d in section %s", stars, seq, sectionID)
	return &fb, nil
}

// SectionSummary returns the number of ratings and the average star
// count for a section
func (s *Service) SectionSummary(sectionID string) (int, float64, error) {
	keys, err := s.store.List(fmt.Sprintf("feedback:%s:", sectionID))
	if err != nil {
		return 0, 0, err
	}

	count := 0
	total := 0
	for _, key := range keys {
		var fb models.SessionFeedback
		if err := s.store.Get(key, &fb); err != nil {
			s.logger.Error("Failed to load feedback %s: %v", key, err)
			continue
		}
		if fb.Stars == 0 {
			continue
		}
		count++
		total += fb.Stars
	}

	if count == 0 {
		return 0, 0, nil
	}
	return count, float64(total) / float64(count), nil
}
