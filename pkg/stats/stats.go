// Package stats tracks how much serving each staff member does, per
// section: session counts and total/average serving time.
package stats

import (
	"fmt"
	"sort"
	"time"

	"github.com/korjavin/officehours/pkg/logger"
	"github.com/korjavin/officehours/pkg/models"
	"github.com/korjavin/officehours/pkg/storage"
)

// Service provides serving-statistics functionality
type Service struct {
	store  *storage.Store
	logger *logger.Logger
}

// New creates a new statistics service
func New(store *storage.Store) *Service {
	return &Service{
		store:  store,
		logger: logger.New(""),
	}
}

// GetStats retrieves the serving statistics for a section
func (s *Service) GetStats(sectionID string) (*models.ServingStats, error) {
	statsKey := fmt.Sprintf("stats:%s", sectionID)

	var stats models.ServingStats
	err := s.store.Get(statsKey, &stats)
	if err != nil {
		// If the statistics don't exist yet, start fresh
		stats = models.ServingStats{
			SectionID: sectionID,
			Staff:     make(map[string]models.ServeStat),
		}
	}
	if stats.Staff == nil {
		stats.Staff = make(map[string]models.ServeStat)
	}

	return &stats, nil
}

// RecordSession updates a staff member's statistics after a completed
// session of the given duration
func (s *Service) RecordSession(sectionID, staffKey string, served time.Duration) error {
	stats, err := s.GetStats(sectionID)
	if err != nil {
		return err
	}

	stat, exists := stats.Staff[staffKey]
	if !exists {
		stat = models.ServeStat{StaffKey: staffKey}
	}

	stat.Sessions++
	stat.TotalServing += served
	stat.AvgServing = stat.TotalServing / time.Duration(stat.Sessions)
	stats.Staff[staffKey] = stat

	return s.store.Set(fmt.Sprintf("stats:%s", sectionID), stats)
}

// TopStaff returns up to n staff members of a section ordered by
// sessions served (ties by total serving time)
func (s *Service) TopStaff(sectionID string, n int) ([]models.ServeStat, error) {
	stats, err := s.GetStats(sectionID)
	if err != nil {
		return nil, err
	}

	top := make([]models.ServeStat, 0, len(stats.Staff))
	for _, stat := range stats.Staff {
		top = append(top, stat)
	}
	sort.Slice(top, func(i, j int) bool {
		if top[i].Sessions != top[j].Sessions {
			return top[i].Sessions > top[j].Sessions
		}
		return top[i].TotalServing > top[j].TotalServing
	})

	if n > 0 && len(top) > n {
		top = top[:n]
	}
	return top, nil
}
