package group

import (
	"context"
	"errors"
	"fmt"

	"groupman/internal/phone"
	"groupman/internal/provider"
	"groupman/internal/storage"
	logx "groupman/pkg/logx"
)

// DefaultCeiling is the hard per-group capacity. The gateway's underlying
// platform tops out at 1024 participants per group chat.
const DefaultCeiling = 1024

const defaultNamePrefix = "Signals"

// ErrAllFormatsRejected wraps the last gateway error after every owner
// identifier format failed during group creation.
var ErrAllFormatsRejected = errors.New("group create rejected under every owner format")

// ProviderAPI is the slice of the gateway client the manager uses.
type ProviderAPI interface {
	CreateGroup(ctx context.Context, name string, participants []string) (*provider.CallResult, error)
	OwnerNumber() string
}

type Config struct {
	Ceiling    int    // default DefaultCeiling
	NamePrefix string // default "Signals"
}

// Manager owns group lifecycle: which group accepts the next member, when to
// spawn an overflow group, and when to retire a period's groups. Both the
// on-demand create action and the scheduled refresh go through it.
type Manager struct {
	cfg   Config
	store storage.Store
	prov  ProviderAPI
	log   logx.Logger
}

func NewManager(cfg Config, store storage.Store, prov ProviderAPI, log logx.Logger) *Manager {
	if cfg.Ceiling <= 0 {
		cfg.Ceiling = DefaultCeiling
	}
	if cfg.NamePrefix == "" {
		cfg.NamePrefix = defaultNamePrefix
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Manager{cfg: cfg, store: store, prov: prov, log: log}
}

// Ceiling returns the configured per-group capacity.
func (m *Manager) Ceiling() int { return m.cfg.Ceiling }

// GetOrCreateActiveGroup returns the lowest-numbered active group in the
// period with spare capacity, creating the next-numbered group when every
// existing one is full (or none exists yet).
func (m *Manager) GetOrCreateActiveGroup(ctx context.Context, p Period) (*storage.Group, error) {
	g, err := m.store.ActiveGroupWithCapacity(ctx, p.String(), m.cfg.Ceiling)
	if err == nil {
		return g, nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return nil, err
	}

	num, err := m.store.NextGroupNumber(ctx, p.String())
	if err != nil {
		return nil, err
	}
	return m.CreateGroup(ctx, p, num, "")
}

// CreateGroup creates group #number for the period via the gateway and
// persists it. An empty name gets the default "<prefix> <month> #<n>" form.
// Exactly one create ledger entry is written for the final outcome; the
// intermediate format-negotiation attempts are not subscriber-facing and are
// not ledgered individually.
func (m *Manager) CreateGroup(ctx context.Context, p Period, number int, name string) (*storage.Group, error) {
	if name == "" {
		name = fmt.Sprintf("%s %s #%d", m.cfg.NamePrefix, p.Label(), number)
	}

	jid, raw, err := m.negotiateCreate(ctx, name)
	if err != nil {
		appendErr := m.store.AppendOp(ctx, storage.OpEntry{
			Type:     storage.OpCreate,
			Success:  false,
			Error:    err.Error(),
			Response: raw,
		})
		if appendErr != nil {
			m.log.Error("ledger append failed", logx.Err(appendErr))
		}
		return nil, err
	}

	g := &storage.Group{
		GroupJID:    jid,
		GroupName:   name,
		GroupNumber: number,
		MonthYear:   p.String(),
		MemberCount: 0,
		IsActive:    true,
	}
	if err := m.store.InsertGroup(ctx, g); err != nil {
		return nil, fmt.Errorf("persist group %s: %w", jid, err)
	}
	if err := m.store.AppendOp(ctx, storage.OpEntry{
		Type:     storage.OpCreate,
		GroupID:  g.ID,
		GroupJID: jid,
		Success:  true,
		Response: raw,
	}); err != nil {
		m.log.Error("ledger append failed", logx.Err(err))
	}

	m.log.Info("group created",
		logx.String("jid", jid),
		logx.String("name", name),
		logx.Int("number", number),
		logx.String("period", p.String()),
	)
	return g, nil
}

// negotiateCreate tries each owner identifier format in order until the
// gateway hands back a group id. The gateway rejects an empty participants
// list in practice, and its docs don't say which identifier shape the owning
// account needs, so we probe: bare digits, then @c.us, then @s.whatsapp.net.
// On exhaustion the LAST gateway error is propagated.
func (m *Manager) negotiateCreate(ctx context.Context, name string) (jid, raw string, err error) {
	formats := ownerIdentifierFormats(m.prov.OwnerNumber())

	var last error
	var lastRaw string
	for _, f := range formats {
		res, err := m.prov.CreateGroup(ctx, name, []string{f})
		if err == nil {
			m.log.Debug("owner format accepted", logx.String("format", f))
			return res.GroupJID, res.Raw, nil
		}
		last = err
		if res != nil {
			lastRaw = res.Raw
		}
		m.log.Debug("owner format rejected", logx.String("format", f), logx.Err(err))
		if ctx.Err() != nil {
			return "", lastRaw, ctx.Err()
		}
	}
	return "", lastRaw, fmt.Errorf("%w: %w", ErrAllFormatsRejected, last)
}

func ownerIdentifierFormats(owner string) []string {
	digits := phone.Digits(owner)
	return []string{
		digits,
		digits + "@c.us",
		digits + "@s.whatsapp.net",
	}
}

// AdvanceRotation retires every active group of the previous period. This is
// one-way: a prior period's group is never reactivated even with capacity
// left, so each billing month starts with a fresh group and empty history.
func (m *Manager) AdvanceRotation(ctx context.Context, current, previous Period) (int64, error) {
	n, err := m.store.DeactivatePeriod(ctx, previous.String())
	if err != nil {
		return 0, fmt.Errorf("deactivate %s: %w", previous, err)
	}
	if n > 0 {
		m.log.Info("rotation advanced",
			logx.String("from", previous.String()),
			logx.String("to", current.String()),
			logx.Int64("deactivated", n),
		)
	}
	return n, nil
}
