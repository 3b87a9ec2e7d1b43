package keys

import (
	"context"
	"sync"
	"time"

	"github.com/quillchat/e2ee/internal/observability"
)

// Scheduler fires the key upload cycle on a fixed interval. The first fire is
// always one full interval after Start, so a restart never produces an
// immediate redundant upload and startup traffic is not contended with.
type Scheduler struct {
	manager  *Manager
	interval time.Duration
	maxKeys  int
	log      *observability.Logger

	mu   sync.Mutex
	stop chan struct{}
	done chan struct{}
}

// NewScheduler creates a stopped scheduler.
func NewScheduler(manager *Manager, interval time.Duration, maxKeys int, log *observability.Logger) *Scheduler {
	return &Scheduler{
		manager:  manager,
		interval: interval,
		maxKeys:  maxKeys,
		log:      log,
	}
}

// Start launches the periodic upload loop. Starting a running scheduler is a
// no-op.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stop != nil {
		return
	}
	s.stop = make(chan struct{})
	s.done = make(chan struct{})
	go s.run(s.stop, s.done)
}

// Stop halts the loop. An upload already in flight runs to completion; Stop
// returns once the loop goroutine has exited.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	stop, done := s.stop, s.done
	s.stop, s.done = nil, nil
	s.mu.Unlock()

	if stop == nil {
		return
	}
	close(stop)
	<-done
}

func (s *Scheduler) run(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if err := s.manager.UploadKeys(context.Background(), s.maxKeys); err != nil {
				s.log.Error(err, "periodic key upload failed")
			}
		}
	}
}
