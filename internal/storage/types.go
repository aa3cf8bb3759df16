package storage

import (
	"errors"
	"time"
)

var (
	// ErrNotFound is returned by point lookups when no row matches.
	ErrNotFound = errors.New("not found")
)

// Config configures the SQLite store.
type Config struct {
	Path        string
	BusyTimeout time.Duration // 0 means default
}

// Group is one provider-hosted group chat this system created.
//
// MemberCount is a local allocation counter, not provider truth: it counts
// members this system added (the owning account is excluded) and is bounded
// by the capacity ceiling. It is mutated only after a confirmed provider
// success.
type Group struct {
	ID          int64
	GroupJID    string
	GroupName   string
	GroupNumber int
	MonthYear   string
	MemberCount int
	IsActive    bool
	CreatedAt   time.Time
}

// OpType enumerates ledger operation kinds.
type OpType string

const (
	OpCreate       OpType = "create"
	OpAddMember    OpType = "add_member"
	OpRemoveMember OpType = "remove_member"
	OpRefresh      OpType = "refresh"
)

// OpEntry is one row of the append-only operation ledger.
//
// The ledger is the sole source of truth for "did this attempt happen and
// what did the provider say". Entries are never mutated or deleted.
type OpEntry struct {
	ID          int64
	At          time.Time
	Type        OpType
	GroupID     int64 // 0 when the attempt isn't tied to a stored group
	GroupJID    string
	UserID      string
	PhoneNumber string
	Success     bool
	Error       string
	// Response holds the raw provider payload for postmortems.
	Response string
}

// Candidate is the subscriber projection this subsystem reads.
// Eligibility: verified && opt_in && phone_number != "".
type Candidate struct {
	UserID      string
	PhoneNumber string
	Verified    bool
	OptIn       bool
}
