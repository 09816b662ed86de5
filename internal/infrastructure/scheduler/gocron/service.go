package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ArkLabsHQ/swapd/internal/core/ports"
	"github.com/go-co-op/gocron"
	log "github.com/sirupsen/logrus"
)

type heightSource interface {
	GetBlockHeight(ctx context.Context) (uint32, error)
}

type heightTask struct {
	target uint32
	fn     func()
}

type service struct {
	scheduler    *gocron.Scheduler
	explorer     heightSource
	pollInterval time.Duration

	mu          sync.Mutex
	blockCancel context.CancelFunc
	tasks       []*heightTask
	jobs        map[*gocron.Job]struct{}
	callbacks   ports.SchedulerCallbacks
}

// NewScheduler polls explorer every pollInterval and fires the refunds whose
// target height has been reached.
func NewScheduler(explorer heightSource, pollInterval time.Duration) ports.SchedulerService {
	if pollInterval <= 0 {
		pollInterval = 30 * time.Second
	}
	return &service{
		scheduler:    gocron.NewScheduler(time.UTC),
		explorer:     explorer,
		pollInterval: pollInterval,
		jobs:         make(map[*gocron.Job]struct{}),
	}
}

func (s *service) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Nothing to do if already started
	if s.blockCancel != nil {
		return
	}

	s.scheduler.StartAsync()

	ctx, cancel := context.WithCancel(context.Background())
	s.blockCancel = cancel

	go func() {
		t := time.NewTicker(s.pollInterval)
		defer t.Stop()
		for {
			s.poll(ctx)

			select {
			case <-ctx.Done():
				return
			case <-t.C:
			}
		}
	}()
}

func (s *service) poll(ctx context.Context) {
	height, err := s.explorer.GetBlockHeight(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		log.WithError(err).Warn("scheduler: failed to get block height")
		s.mu.Lock()
		cb := s.callbacks.OnError
		s.mu.Unlock()
		if cb != nil {
			cb(err)
		}
		return
	}

	s.mu.Lock()
	keep := s.tasks[:0]
	for _, tsk := range s.tasks {
		if height >= tsk.target {
			log.Debugf("scheduler: height %d reached target %d", height, tsk.target)
			go tsk.fn()
			continue
		}
		keep = append(keep, tsk)
	}
	s.tasks = keep
	cb := s.callbacks.OnHeartbeat
	s.mu.Unlock()

	if cb != nil {
		cb()
	}
}

func (s *service) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.scheduler.Stop()
	s.scheduler.Clear()
	s.jobs = make(map[*gocron.Job]struct{})
	s.tasks = nil

	if s.blockCancel != nil {
		s.blockCancel()
		s.blockCancel = nil
	}
}

func (s *service) SetCallbacks(cb ports.SchedulerCallbacks) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.callbacks = cb
}

func (s *service) ScheduleRefundAtHeight(target uint32, refund func()) error {
	if target == 0 {
		return fmt.Errorf("invalid height: %d", target)
	}

	currentHeight, err := s.explorer.GetBlockHeight(context.Background())
	if err != nil {
		return fmt.Errorf("failed to get current block height: %w", err)
	}
	if currentHeight >= target {
		go refund()
		return nil
	}

	s.mu.Lock()
	s.tasks = append(s.tasks, &heightTask{target: target, fn: refund})
	s.mu.Unlock()
	return nil
}

func (s *service) ScheduleRefundAtTime(at time.Time, refund func()) error {
	if at.IsZero() {
		return fmt.Errorf("invalid schedule time")
	}

	delay := time.Until(at)
	if delay <= 0 {
		go refund()
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var job *gocron.Job
	job, err := s.scheduler.Every(delay).WaitForSchedule().LimitRunsTo(1).Do(func() {
		refund()
		s.mu.Lock()
		defer s.mu.Unlock()
		s.scheduler.RemoveByReference(job)
		delete(s.jobs, job)
	})
	if err != nil {
		return err
	}
	s.jobs[job] = struct{}{}
	return nil
}

// PendingTasks counts the refunds that have not fired yet.
func (s *service) PendingTasks() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tasks) + len(s.jobs)
}
