package core

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// Sweepable is anything holding expiring entries.
type Sweepable interface {
	Sweep(now time.Time) int
}

// Sweeper purges expired OAuth states and pending tokens on a cron schedule.
type Sweeper struct {
	mu       sync.Mutex
	cron     *cron.Cron
	targets  map[string]Sweepable
	interval time.Duration
	logger   Logger
	nowFn    func() time.Time
	running  bool
}

func NewSweeper(interval time.Duration, logger Logger) *Sweeper {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	return &Sweeper{
		targets:  map[string]Sweepable{},
		interval: interval,
		logger:   logger,
		nowFn:    func() time.Time { return time.Now().UTC() },
	}
}

func (s *Sweeper) Add(name string, target Sweepable) {
	if s == nil || target == nil {
		return
	}
	s.mu.Lock()
	s.targets[name] = target
	s.mu.Unlock()
}

// RunOnce sweeps every target and returns the removed count per target.
func (s *Sweeper) RunOnce(ctx context.Context) map[string]int {
	if s == nil {
		return nil
	}
	s.mu.Lock()
	targets := make(map[string]Sweepable, len(s.targets))
	for name, target := range s.targets {
		targets[name] = target
	}
	s.mu.Unlock()

	now := s.nowFn()
	removed := make(map[string]int, len(targets))
	total := 0
	for name, target := range targets {
		count := target.Sweep(now)
		removed[name] = count
		total += count
	}
	if total > 0 {
		fields := map[string]any{"removed": total}
		for name, count := range removed {
			fields["removed_"+name] = count
		}
		logWithLevel(ctx, s.logger, "debug", "expired entries swept", fields)
	}
	return removed
}

func (s *Sweeper) Start() error {
	if s == nil {
		return fmt.Errorf("core: sweeper is nil")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return nil
	}
	scheduler := cron.New()
	if _, err := scheduler.AddFunc(fmt.Sprintf("@every %s", s.interval), func() {
		s.RunOnce(context.Background())
	}); err != nil {
		return fmt.Errorf("core: schedule sweeper: %w", err)
	}
	scheduler.Start()
	s.cron = scheduler
	s.running = true
	return nil
}

// Stop halts the schedule and waits for a running sweep to finish.
func (s *Sweeper) Stop(ctx context.Context) error {
	if s == nil {
		return nil
	}
	s.mu.Lock()
	scheduler := s.cron
	s.cron = nil
	s.running = false
	s.mu.Unlock()
	if scheduler == nil {
		return nil
	}
	done := scheduler.Stop()
	select {
	case <-done.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
