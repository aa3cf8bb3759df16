package scheduler

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	logx "groupman/pkg/logx"
)

// JobFunc is one scheduled unit of work. A non-nil error is logged, never
// fatal; the next tick fires regardless.
type JobFunc func(ctx context.Context) error

// Service triggers the monthly refresh on its configured schedule. It only
// triggers; the work itself lives in the job runner, which carries its own
// lease so overlapping ticks (or a second process) collapse to one run.
type Service struct {
	cfg    Config
	log    logx.Logger
	job    JobFunc
	parser cron.Parser

	mu   sync.Mutex
	c    *cron.Cron
	loc  *time.Location
	base context.Context
}

func New(cfg Config, job JobFunc, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	if strings.TrimSpace(cfg.Spec) == "" {
		cfg.Spec = DefaultSpec
	}
	return &Service{
		cfg: cfg,
		log: log,
		job: job,
		// SecondOptional allows both 5-field and 6-field (with seconds) cron specs.
		parser: cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
	}
}

// Start begins triggering. Runs derive their context from ctx, so canceling
// it aborts an in-flight run at its next delay boundary. Calling Start on a
// running or disabled service is a no-op.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return nil
	}
	s.base = ctx
	if !s.cfg.Enabled {
		s.log.Debug("scheduler disabled")
		return nil
	}

	loc := s.loadLocation()
	s.loc = loc
	c := cron.New(cron.WithParser(s.parser), cron.WithLocation(loc))

	spec, err := ParseSchedule(s.cfg.Spec)
	if err != nil {
		return err
	}
	switch spec.Kind {
	case SpecCron:
		if _, err := c.AddFunc(spec.Cron, s.run); err != nil {
			return fmt.Errorf("schedule %q: %w", s.cfg.Spec, err)
		}
	case SpecInterval:
		c.Schedule(cron.Every(spec.Every), cron.FuncJob(s.run))
	}

	s.c = c
	c.Start()
	s.log.Info("service started",
		logx.String("spec", s.cfg.Spec),
		logx.String("tz", loc.String()),
	)
	return nil
}

// Stop halts triggering and waits for an in-flight run, up to ctx.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	c := s.c
	s.c = nil
	s.mu.Unlock()
	if c == nil {
		return
	}

	start := time.Now()
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
		// best-effort
	}
	s.log.Info("service stopped", logx.Duration("took", time.Since(start)))
}

func (s *Service) run() {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("scheduled run panicked",
				logx.Any("panic", r),
				logx.String("stack", string(debug.Stack())),
			)
		}
	}()

	s.mu.Lock()
	ctx := s.base
	s.mu.Unlock()
	if ctx == nil {
		ctx = context.Background()
	}
	if s.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.Timeout)
		defer cancel()
	}

	switch err := s.job(ctx); {
	case err == nil:
	case errors.Is(err, context.Canceled):
		s.log.Info("scheduled run canceled")
	default:
		s.log.Warn("scheduled run failed", logx.Err(err))
	}
}

func (s *Service) loadLocation() *time.Location {
	tz := strings.TrimSpace(s.cfg.Timezone)
	if tz == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		s.log.Warn("invalid timezone, using UTC", logx.String("tz", tz), logx.Err(err))
		return time.UTC
	}
	return loc
}
