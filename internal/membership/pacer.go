package membership

import (
	"context"
	"math/rand"
	"time"
)

// Pacing defaults. The draws are jittered-uniform on purpose: a constant
// interval between gateway writes is exactly what abuse detection keys on.
const (
	defaultMemberDelayMin = 2 * time.Second
	defaultMemberDelayMax = 5 * time.Second
	defaultBatchDelayMin  = 10 * time.Second
	defaultBatchDelayMax  = 20 * time.Second
)

type PacerConfig struct {
	MemberDelayMin time.Duration
	MemberDelayMax time.Duration
	BatchDelayMin  time.Duration
	BatchDelayMax  time.Duration
}

// Pacer spaces out gateway calls. The sleep function honors context
// cancellation so a run can be aborted cleanly at any delay boundary.
type Pacer struct {
	cfg   PacerConfig
	rng   *rand.Rand
	sleep func(ctx context.Context, d time.Duration) error
}

func NewPacer(cfg PacerConfig) *Pacer {
	if cfg.MemberDelayMin <= 0 {
		cfg.MemberDelayMin = defaultMemberDelayMin
	}
	if cfg.MemberDelayMax < cfg.MemberDelayMin {
		cfg.MemberDelayMax = defaultMemberDelayMax
	}
	if cfg.BatchDelayMin <= 0 {
		cfg.BatchDelayMin = defaultBatchDelayMin
	}
	if cfg.BatchDelayMax < cfg.BatchDelayMin {
		cfg.BatchDelayMax = defaultBatchDelayMax
	}
	return &Pacer{
		cfg:   cfg,
		rng:   rand.New(rand.NewSource(time.Now().UnixNano())),
		sleep: sleepCtx,
	}
}

// MemberDelay waits between consecutive candidates within a batch.
func (p *Pacer) MemberDelay(ctx context.Context) error {
	return p.sleep(ctx, p.draw(p.cfg.MemberDelayMin, p.cfg.MemberDelayMax))
}

// BatchDelay waits between batches.
func (p *Pacer) BatchDelay(ctx context.Context) error {
	return p.sleep(ctx, p.draw(p.cfg.BatchDelayMin, p.cfg.BatchDelayMax))
}

func (p *Pacer) draw(min, max time.Duration) time.Duration {
	if max <= min {
		return min
	}
	return min + time.Duration(p.rng.Int63n(int64(max-min)+1))
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	tmr := time.NewTimer(d)
	defer tmr.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-tmr.C:
		return nil
	}
}
