package artifact

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// DefaultSweepSchedule prunes expired entries every ten minutes.
const DefaultSweepSchedule = "*/10 * * * *"

var standardCronParser = cron.NewParser(
	cron.Minute |
		cron.Hour |
		cron.Dom |
		cron.Month |
		cron.Dow,
)

// ParseSchedule parses a five-field UTC cron expression.
func ParseSchedule(expr string) (cron.Schedule, error) {
	clean := strings.TrimSpace(expr)
	if clean == "" {
		return nil, fmt.Errorf("cron expression is required")
	}

	upper := strings.ToUpper(clean)
	if strings.Contains(upper, "CRON_TZ=") || strings.Contains(upper, "TZ=") {
		return nil, fmt.Errorf("cron expression must be UTC-only (timezone prefixes are not allowed)")
	}

	schedule, err := standardCronParser.Parse(clean)
	if err != nil {
		return nil, fmt.Errorf("invalid cron expression: %w", err)
	}
	return schedule, nil
}

// SweeperConfig controls background cache pruning.
type SweeperConfig struct {
	Cache    *Cache
	Schedule string
	Now      func() time.Time
	Logger   *slog.Logger
	// OnSweep is called after every pass with the number of pruned keys.
	OnSweep func(removed int)
}

// Sweeper prunes expired cache entries on a cron schedule.
type Sweeper struct {
	cache    *Cache
	schedule cron.Schedule
	now      func() time.Time
	logger   *slog.Logger
	onSweep  func(int)

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewSweeper creates a sweeper.
func NewSweeper(cfg SweeperConfig) (*Sweeper, error) {
	if cfg.Cache == nil {
		return nil, errors.New("artifact: sweeper cache is nil")
	}
	if strings.TrimSpace(cfg.Schedule) == "" {
		cfg.Schedule = DefaultSweepSchedule
	}
	schedule, err := ParseSchedule(cfg.Schedule)
	if err != nil {
		return nil, err
	}
	if cfg.Now == nil {
		cfg.Now = func() time.Time { return time.Now().UTC() }
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.OnSweep == nil {
		cfg.OnSweep = func(int) {}
	}
	return &Sweeper{
		cache:    cfg.Cache,
		schedule: schedule,
		now:      cfg.Now,
		logger:   cfg.Logger,
		onSweep:  cfg.OnSweep,
	}, nil
}

// Next returns the next sweep time after now.
func (s *Sweeper) Next(now time.Time) time.Time {
	return s.schedule.Next(now.UTC())
}

// Start begins sweeping in the background.
func (s *Sweeper) Start(ctx context.Context) error {
	if s == nil {
		return errors.New("artifact: sweeper is nil")
	}

	s.mu.Lock()
	if s.cancel != nil {
		s.mu.Unlock()
		return nil
	}
	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	done := make(chan struct{})
	s.cancel = cancel
	s.done = done
	s.mu.Unlock()

	go func() {
		defer close(done)
		for {
			wait := s.Next(s.now()).Sub(s.now())
			if wait < 0 {
				wait = 0
			}
			timer := time.NewTimer(wait)
			select {
			case <-loopCtx.Done():
				timer.Stop()
				return
			case <-timer.C:
				s.RunOnce()
			}
		}
	}()
	return nil
}

// Stop terminates the background loop.
func (s *Sweeper) Stop(ctx context.Context) error {
	if s == nil {
		return nil
	}

	s.mu.Lock()
	cancel := s.cancel
	done := s.done
	s.cancel = nil
	s.done = nil
	s.mu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()

	if done == nil {
		return nil
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RunOnce performs one pruning pass.
func (s *Sweeper) RunOnce() int {
	removed := s.cache.Prune()
	if removed > 0 {
		s.logger.Info("artifact cache pruned", "removed", removed)
	}
	s.onSweep(removed)
	return removed
}
