package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"groupman/internal/config"
	"groupman/internal/group"
	"groupman/internal/job"
	"groupman/internal/membership"
	"groupman/internal/provider"
	"groupman/internal/services/scheduler"
	"groupman/internal/storage"
	logx "groupman/pkg/logx"
)

// App owns every long-lived component: config manager, logging service,
// store, gateway client, group manager, batch processor, job runner and the
// refresh scheduler. It wires them at construction so the one-shot action
// path and the daemon path share the exact same stack.
type App struct {
	cfgPath string

	cfgm *config.Manager
	sup  *Supervisor

	log  logx.Logger
	logs *logx.Service

	store  storage.Store
	prov   *provider.Client
	groups *group.Manager
	runner *job.Runner
	sched  *scheduler.Service
}

func New(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logSvc, log := logx.New(logConfig(cfg.Logging))
	log = log.With(logx.String("comp", "app"))

	// Every exit past this point releases whatever was built so far; the
	// logging service may hold an open file writer.
	var store storage.Store
	fail := func(err error) (*App, error) {
		if store != nil {
			_ = store.Close()
		}
		_ = logSvc.Close()
		return nil, err
	}

	busyTimeout, err := config.ParseDurationField("storage.busy_timeout", cfg.Storage.BusyTimeout)
	if err != nil {
		return fail(err)
	}
	store, err = storage.Open(storage.Config{
		Path:        cfg.Storage.Path,
		BusyTimeout: busyTimeout,
	}, log.With(logx.String("comp", "storage")))
	if err != nil {
		return fail(err)
	}

	provTimeout, err := config.ParseDurationOrDefault("provider.timeout", cfg.Provider.Timeout, 30*time.Second)
	if err != nil {
		return fail(err)
	}
	prov, err := provider.New(provider.Config{
		BaseURL:     cfg.Provider.BaseURL,
		Token:       cfg.Provider.Token,
		OwnerNumber: cfg.Provider.OwnerNumber,
		Timeout:     provTimeout,
		RatePerSec:  cfg.Provider.RatePerSec,
	}, log.With(logx.String("comp", "provider")))
	if err != nil {
		return fail(err)
	}

	groups := group.NewManager(group.Config{
		Ceiling:    cfg.Groups.Ceiling,
		NamePrefix: cfg.Groups.NamePrefix,
	}, store, prov, log.With(logx.String("comp", "groups")))

	pacerCfg, err := pacerConfig(cfg.Groups)
	if err != nil {
		return fail(err)
	}
	proc := membership.NewProcessor(
		membership.Config{BatchSize: cfg.Groups.BatchSize},
		store, prov, groups,
		membership.NewPacer(pacerCfg),
		log.With(logx.String("comp", "membership")),
	)

	leaseTTL, err := config.ParseDurationField("refresh.lease_ttl", cfg.Refresh.LeaseTTL)
	if err != nil {
		return fail(err)
	}
	runner := job.NewRunner(store, groups, proc, leaseTTL, log.With(logx.String("comp", "job")))

	refreshTimeout, err := config.ParseDurationField("refresh.timeout", cfg.Refresh.Timeout)
	if err != nil {
		return fail(err)
	}
	sched := scheduler.New(scheduler.Config{
		Enabled:  cfg.Refresh.Enabled,
		Spec:     cfg.Refresh.Schedule,
		Timezone: cfg.Refresh.Timezone,
		Timeout:  refreshTimeout,
	}, func(ctx context.Context) error {
		_, err := runner.Refresh(ctx)
		if errors.Is(err, job.ErrLeaseHeld) {
			// Another invocation is already running it; this tick is done.
			return nil
		}
		return err
	}, log.With(logx.String("comp", "scheduler")))

	return &App{
		cfgPath: cfgPath,
		cfgm:    cfgm,
		log:     log,
		logs:    logSvc,
		store:   store,
		prov:    prov,
		groups:  groups,
		runner:  runner,
		sched:   sched,
	}, nil
}

// Runner exposes the job runner for one-shot action invocations.
func (a *App) Runner() *job.Runner { return a.runner }

func (a *App) Log() logx.Logger { return a.log }

// Done is closed when the app run context is canceled (fatal error or Stop).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

// Start brings up the daemon surfaces: scheduler, config watch/reload and
// systemd readiness. One-shot action invocations never call Start.
func (a *App) Start(ctx context.Context) error {
	a.sup = NewSupervisor(ctx, WithLogger(a.log), WithCancelOnError(true))

	// Transactional config reload: validate before commit/publish.
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		if err := cfg.Validate(); err != nil {
			return err
		}
		for _, f := range [][2]string{
			{"provider.timeout", cfg.Provider.Timeout},
			{"storage.busy_timeout", cfg.Storage.BusyTimeout},
			{"refresh.lease_ttl", cfg.Refresh.LeaseTTL},
			{"refresh.timeout", cfg.Refresh.Timeout},
			{"groups.member_delay_min", cfg.Groups.MemberDelayMin},
			{"groups.member_delay_max", cfg.Groups.MemberDelayMax},
			{"groups.batch_delay_min", cfg.Groups.BatchDelayMin},
			{"groups.batch_delay_max", cfg.Groups.BatchDelayMax},
		} {
			if _, err := config.ParseDurationField(f[0], f[1]); err != nil {
				return err
			}
		}
		if tz := strings.TrimSpace(cfg.Refresh.Timezone); tz != "" {
			if _, err := time.LoadLocation(tz); err != nil {
				return fmt.Errorf("refresh.timezone: invalid %q: %w", tz, err)
			}
		}
		if s := strings.TrimSpace(cfg.Refresh.Schedule); s != "" {
			if _, err := scheduler.ParseSchedule(s); err != nil {
				return fmt.Errorf("refresh.schedule: %w", err)
			}
		}
		return nil
	})

	if err := a.sched.Start(a.sup.Context()); err != nil {
		return err
	}

	// Hot reload fan-out. Only logging is applied live; everything else is
	// wired at construction time and needs a restart.
	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		last := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				// Coalesce bursts: keep only the latest config.
				for {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						goto APPLY
					}
				}
			APPLY:
				if newCfg.Logging != last.Logging {
					a.logs.Apply(logConfig(newCfg.Logging))
				}
				if onlyLoggingChanged(last, newCfg) {
					a.log.Info("config reloaded")
				} else {
					a.log.Info("config reloaded; non-logging changes take effect on restart")
				}
				last = newCfg
			}
		}
	})

	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.notifyReady()
	a.log.Info("app started")
	return nil
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return a.closeShared()
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)

	a.sup.Cancel()

	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		stepCtx, cancel := context.WithTimeout(ctx, max)
		defer cancel()
		if err := fn(stepCtx); err != nil {
			a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
		}
		a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
	}

	step("scheduler", 2*time.Second, func(c context.Context) error { a.sched.Stop(c); return nil })
	step("supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })

	err := a.closeShared()
	a.log.Info("stopped")
	return err
}

// Close releases resources for one-shot invocations that never Start.
func (a *App) Close() error { return a.closeShared() }

func (a *App) closeShared() error {
	var err error
	if a.store != nil {
		err = a.store.Close()
		a.store = nil
	}
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return err
}

// notifyReady signals systemd readiness and keeps the watchdog fed when one
// is configured. Outside systemd both calls are cheap no-ops.
func (a *App) notifyReady() {
	if ok, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		a.log.Warn("sd_notify failed", logx.Err(err))
	} else if ok {
		a.log.Debug("sd_notify ready sent")
	}

	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil || interval <= 0 {
		return
	}
	a.sup.Go0("watchdog", func(c context.Context) {
		t := time.NewTicker(interval / 2)
		defer t.Stop()
		for {
			select {
			case <-c.Done():
				return
			case <-t.C:
				_, _ = daemon.SdNotify(false, daemon.SdNotifyWatchdog)
			}
		}
	})
}

func logConfig(lc config.LoggingConfig) logx.Config {
	return logx.Config{
		Level:   lc.Level,
		Console: lc.Console,
		File: logx.FileConfig{
			Enabled: lc.File.Enabled,
			Path:    lc.File.Path,
		},
	}
}

func pacerConfig(gc config.GroupsConfig) (membership.PacerConfig, error) {
	var out membership.PacerConfig
	for _, f := range []struct {
		path string
		raw  string
		dst  *time.Duration
	}{
		{"groups.member_delay_min", gc.MemberDelayMin, &out.MemberDelayMin},
		{"groups.member_delay_max", gc.MemberDelayMax, &out.MemberDelayMax},
		{"groups.batch_delay_min", gc.BatchDelayMin, &out.BatchDelayMin},
		{"groups.batch_delay_max", gc.BatchDelayMax, &out.BatchDelayMax},
	} {
		d, err := config.ParseDurationField(f.path, f.raw)
		if err != nil {
			return out, err
		}
		*f.dst = d
	}
	return out, nil
}

func onlyLoggingChanged(prev, next *config.Config) bool {
	if prev == nil || next == nil {
		return false
	}
	a, b := *prev, *next
	a.Logging = config.LoggingConfig{}
	b.Logging = config.LoggingConfig{}
	return a == b
}
