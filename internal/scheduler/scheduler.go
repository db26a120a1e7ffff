package scheduler

import (
	"context"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/profilewarden/warden/internal/infra"
)

// Scheduler owns the bot's timers. One-shot jobs are named so that a
// later event (a verification press, a leave) can cancel the pending
// timeout, and scheduling under an existing name replaces the old
// timer.
type Scheduler struct {
	mutex    sync.Mutex
	timers   map[string]*time.Timer
	stopped  bool
	workerWG sync.WaitGroup
	cancel   context.CancelFunc
	ctx      context.Context
}

func New() *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		timers: make(map[string]*time.Timer),
		ctx:    ctx,
		cancel: cancel,
	}
}

// RunOnce schedules fn after the given delay under name. A pending
// timer with the same name is replaced. fn runs on its own goroutine
// with panic recovery; the name is released before fn starts, so fn
// may reschedule itself.
func (s *Scheduler) RunOnce(after time.Duration, name string, fn func(ctx context.Context)) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if s.stopped {
		log.WithField("job", name).Warn("scheduler stopped, dropping job")
		return
	}
	if old, ok := s.timers[name]; ok {
		if old.Stop() {
			// The replaced AfterFunc never ran, release its slot.
			s.workerWG.Done()
		}
	}

	s.workerWG.Add(1)
	var timer *time.Timer
	timer = time.AfterFunc(after, func() {
		defer s.workerWG.Done()

		s.mutex.Lock()
		if s.stopped {
			s.mutex.Unlock()
			return
		}
		// The name may already point at a replacement armed while this
		// firing waited on the mutex. Release only our own entry.
		if current, ok := s.timers[name]; ok && current == timer {
			delete(s.timers, name)
		}
		s.mutex.Unlock()

		infra.GoRecoverable(0, name, func() {
			fn(s.ctx)
		})
	})
	s.timers[name] = timer
}

// Cancel stops the named timer. Returns false when nothing was
// pending, which is normal after the timer already fired.
func (s *Scheduler) Cancel(name string) bool {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	timer, ok := s.timers[name]
	if !ok {
		return false
	}
	delete(s.timers, name)
	if !timer.Stop() {
		return false
	}
	// The AfterFunc body never ran, release its WaitGroup slot.
	s.workerWG.Done()
	return true
}

// RunRepeating runs fn every interval until the scheduler stops. The
// first run happens after one interval, not immediately.
func (s *Scheduler) RunRepeating(interval time.Duration, name string, fn func(ctx context.Context)) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if s.stopped {
		log.WithField("job", name).Warn("scheduler stopped, dropping job")
		return
	}

	s.workerWG.Add(1)
	go func() {
		defer s.workerWG.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-s.ctx.Done():
				return
			case <-ticker.C:
				infra.GoRecoverable(-1, name, func() {
					fn(s.ctx)
				})
			}
		}
	}()
}

// Stop cancels all pending timers and waits for running jobs.
func (s *Scheduler) Stop() {
	s.mutex.Lock()
	if s.stopped {
		s.mutex.Unlock()
		return
	}
	s.stopped = true
	for name, timer := range s.timers {
		if timer.Stop() {
			s.workerWG.Done()
		}
		delete(s.timers, name)
	}
	s.mutex.Unlock()

	s.cancel()
	s.workerWG.Wait()
}
