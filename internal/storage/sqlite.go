package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	logx "groupman/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

// Open initializes the SQLite store, creating the database file and schema
// if needed.
func Open(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log}

	// Basic pragmas.
	if cfg.BusyTimeout > 0 {
		ms := cfg.BusyTimeout.Milliseconds()
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", ms))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// ---- Groups ----

func (s *sqliteStore) InsertGroup(ctx context.Context, g *Group) error {
	if g.CreatedAt.IsZero() {
		g.CreatedAt = time.Now()
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO groups(group_jid, group_name, group_number, month_year, member_count, is_active, created_at)
		 VALUES(?,?,?,?,?,?,?)`,
		g.GroupJID, g.GroupName, g.GroupNumber, g.MonthYear, g.MemberCount, g.IsActive, g.CreatedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		return err
	}
	g.ID, err = res.LastInsertId()
	return err
}

const groupCols = `id, group_jid, group_name, group_number, month_year, member_count, is_active, created_at`

func scanGroup(row interface{ Scan(...any) error }) (*Group, error) {
	var g Group
	var createdAt string
	if err := row.Scan(&g.ID, &g.GroupJID, &g.GroupName, &g.GroupNumber, &g.MonthYear, &g.MemberCount, &g.IsActive, &createdAt); err != nil {
		return nil, err
	}
	if t, err := time.Parse(time.RFC3339Nano, createdAt); err == nil {
		g.CreatedAt = t
	}
	return &g, nil
}

func (s *sqliteStore) GroupByJID(ctx context.Context, jid string) (*Group, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+groupCols+` FROM groups WHERE group_jid = ?`, jid)
	g, err := scanGroup(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return g, err
}

func (s *sqliteStore) ActiveGroups(ctx context.Context, period string) ([]Group, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+groupCols+` FROM groups
		 WHERE month_year = ? AND is_active = 1
		 ORDER BY group_number ASC`, period)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Group
	for rows.Next() {
		g, err := scanGroup(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *g)
	}
	return out, rows.Err()
}

func (s *sqliteStore) ActiveGroupWithCapacity(ctx context.Context, period string, ceiling int) (*Group, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+groupCols+` FROM groups
		 WHERE month_year = ? AND is_active = 1 AND member_count < ?
		 ORDER BY group_number ASC LIMIT 1`, period, ceiling)
	g, err := scanGroup(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return g, err
}

func (s *sqliteStore) NextGroupNumber(ctx context.Context, period string) (int, error) {
	var n sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		`SELECT MAX(group_number) FROM groups WHERE month_year = ?`, period).Scan(&n)
	if err != nil {
		return 0, err
	}
	if !n.Valid {
		return 1, nil
	}
	return int(n.Int64) + 1, nil
}

func (s *sqliteStore) IncrementMemberCount(ctx context.Context, groupID int64, ceiling int) (bool, error) {
	// Atomic bounded increment; loses no updates if invocations ever overlap.
	res, err := s.db.ExecContext(ctx,
		`UPDATE groups SET member_count = member_count + 1
		 WHERE id = ? AND member_count < ?`, groupID, ceiling)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (s *sqliteStore) DecrementMemberCount(ctx context.Context, groupID int64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE groups SET member_count = member_count - 1
		 WHERE id = ? AND member_count > 0`, groupID)
	return err
}

func (s *sqliteStore) DeactivatePeriod(ctx context.Context, period string) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE groups SET is_active = 0 WHERE month_year = ? AND is_active = 1`, period)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// ---- Ledger ----

func (s *sqliteStore) AppendOp(ctx context.Context, e OpEntry) error {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO operation_log(at, op_type, group_id, group_jid, user_id, phone_number, success, error, response)
		 VALUES(?,?,?,?,?,?,?,?,?)`,
		e.At.Format(time.RFC3339Nano), string(e.Type), nullInt64(e.GroupID), nullStr(e.GroupJID),
		nullStr(e.UserID), nullStr(e.PhoneNumber), e.Success, nullStr(e.Error), nullStr(e.Response),
	)
	return err
}

func (s *sqliteStore) WasAdded(ctx context.Context, userID, period string) (bool, error) {
	// The ledger carries no period column; the owning group's month_year
	// scopes the entry to its rotation period.
	var one int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM operation_log o
		 JOIN groups g ON g.group_jid = o.group_jid
		 WHERE o.user_id = ? AND o.op_type = ? AND o.success = 1 AND g.month_year = ?
		 LIMIT 1`, userID, string(OpAddMember), period).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (s *sqliteStore) RecentOps(ctx context.Context, limit int) ([]OpEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, at, op_type, group_id, group_jid, user_id, phone_number, success, error, response
		 FROM operation_log ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []OpEntry
	for rows.Next() {
		var e OpEntry
		var at string
		var opType string
		var groupID sql.NullInt64
		var jid, userID, phone, errMsg, resp sql.NullString
		if err := rows.Scan(&e.ID, &at, &opType, &groupID, &jid, &userID, &phone, &e.Success, &errMsg, &resp); err != nil {
			return nil, err
		}
		if t, err := time.Parse(time.RFC3339Nano, at); err == nil {
			e.At = t
		}
		e.Type = OpType(opType)
		e.GroupID = groupID.Int64
		e.GroupJID = jid.String
		e.UserID = userID.String
		e.PhoneNumber = phone.String
		e.Error = errMsg.String
		e.Response = resp.String
		out = append(out, e)
	}
	return out, rows.Err()
}

// ---- Subscribers ----

func (s *sqliteStore) EligibleCandidates(ctx context.Context) ([]Candidate, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT user_id, phone_number, verified, opt_in FROM subscribers
		 WHERE verified = 1 AND opt_in = 1 AND phone_number IS NOT NULL AND phone_number != ''
		 ORDER BY user_id ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Candidate
	for rows.Next() {
		var c Candidate
		var phone sql.NullString
		if err := rows.Scan(&c.UserID, &phone, &c.Verified, &c.OptIn); err != nil {
			return nil, err
		}
		c.PhoneNumber = phone.String
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *sqliteStore) UpsertCandidate(ctx context.Context, c Candidate) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO subscribers(user_id, phone_number, verified, opt_in) VALUES(?,?,?,?)
		 ON CONFLICT(user_id) DO UPDATE SET
		   phone_number=excluded.phone_number, verified=excluded.verified, opt_in=excluded.opt_in`,
		c.UserID, nullStr(c.PhoneNumber), c.Verified, c.OptIn,
	)
	return err
}

// ---- Refresh lease ----

func (s *sqliteStore) AcquireLease(ctx context.Context, key, owner string, ttl time.Duration) (bool, error) {
	now := time.Now().UnixMilli()
	until := time.Now().Add(ttl).UnixMilli()
	// Take the lease if the slot is free, expired, or already ours.
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO refresh_leases(key, owner, expires_at) VALUES(?,?,?)
		 ON CONFLICT(key) DO UPDATE SET owner=excluded.owner, expires_at=excluded.expires_at
		 WHERE refresh_leases.expires_at < ? OR refresh_leases.owner = excluded.owner`,
		key, owner, until, now,
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (s *sqliteStore) ReleaseLease(ctx context.Context, key, owner string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM refresh_leases WHERE key = ? AND owner = ?`, key, owner)
	return err
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}

func nullInt64(v int64) any {
	if v == 0 {
		return nil
	}
	return v
}
