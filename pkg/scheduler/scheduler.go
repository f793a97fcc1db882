package scheduler

import (
	"time"

	"github.com/korjavin/officehours/pkg/engine"
	"github.com/korjavin/officehours/pkg/logger"
	"github.com/korjavin/officehours/pkg/notify"
	"github.com/korjavin/officehours/pkg/state"
)

// Service drives the periodic maintenance of the queue engine
type Service struct {
	engine     *engine.Engine
	grace      *state.GraceTracker
	dispatcher *notify.Dispatcher
	logger     *logger.Logger
	interval   time.Duration
	stopChan   chan struct{}
}

// New creates a new scheduler service
func New(eng *engine.Engine, grace *state.GraceTracker, dispatcher *notify.Dispatcher) *Service {
	return &Service{
		engine:     eng,
		grace:      grace,
		dispatcher: dispatcher,
		logger:     logger.New("scheduler"),
		interval:   30 * time.Second,
		stopChan:   make(chan struct{}),
	}
}

// Start starts the scheduler
func (s *Service) Start() {
	s.logger.Info("Starting queue maintenance scheduler")

	go s.runBreakSweeper()
	go s.runGracePruner()
}

// Stop stops the scheduler
func (s *Service) Stop() {
	s.logger.Info("Stopping queue maintenance scheduler")
	close(s.stopChan)
}

// runBreakSweeper ends breaks whose deadline has passed and notifies
// the staff members involved
func (s *Service) runBreakSweeper() {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			events := s.engine.ExpireBreaks(time.Now().UTC())
			if len(events) > 0 {
				s.dispatcher.Dispatch(events)
			}
		case <-s.stopChan:
			return
		}
	}
}

// runGracePruner drops rejoin-grace records past their window
func (s *Service) runGracePruner() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.grace.Prune(time.Now().UTC())
		case <-s.stopChan:
			return
		}
	}
}
