package job

import (
	"time"

	"github.com/google/uuid"

	"groupman/internal/group"
	"groupman/internal/membership"
	"groupman/internal/storage"
	logx "groupman/pkg/logx"
)

const defaultLeaseTTL = 2 * time.Hour

// Runner composes the group manager and batch processor into the two entry
// shapes: single administrative actions and the scheduled monthly refresh.
type Runner struct {
	store  storage.Store
	groups *group.Manager
	proc   *membership.Processor
	log    logx.Logger

	leaseTTL time.Duration
	// owner identifies this process in the refresh lease record.
	owner string

	now func() time.Time
}

func NewRunner(store storage.Store, groups *group.Manager, proc *membership.Processor, leaseTTL time.Duration, log logx.Logger) *Runner {
	if leaseTTL <= 0 {
		leaseTTL = defaultLeaseTTL
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Runner{
		store:    store,
		groups:   groups,
		proc:     proc,
		log:      log,
		leaseTTL: leaseTTL,
		owner:    uuid.NewString(),
		now:      time.Now,
	}
}
