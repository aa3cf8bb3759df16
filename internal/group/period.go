package group

import "time"

const periodLayout = "2006-01"

// Period is a calendar-month rotation key, e.g. "2026-08".
type Period string

// PeriodOf returns the rotation period containing t.
func PeriodOf(t time.Time) Period {
	return Period(t.Format(periodLayout))
}

func (p Period) String() string { return string(p) }

// Previous returns the preceding calendar month. An unparseable period
// returns itself (callers always build periods via PeriodOf).
func (p Period) Previous() Period {
	t, err := time.Parse(periodLayout, string(p))
	if err != nil {
		return p
	}
	return PeriodOf(t.AddDate(0, -1, 0))
}

// Label renders the period for human-facing group names, e.g. "August 2026".
func (p Period) Label() string {
	t, err := time.Parse(periodLayout, string(p))
	if err != nil {
		return string(p)
	}
	return t.Format("January 2006")
}
