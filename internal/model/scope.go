package model

import (
	"time"

	"github.com/rotisserie/eris"
)

// Scope identifies one fan-in unit for a stage transition, encoded as a
// calendar date (YYYY-MM-DD).
type Scope string

const scopeLayout = "2006-01-02"

// ScopeFromTime truncates t to its calendar date in UTC.
func ScopeFromTime(t time.Time) Scope {
	return Scope(t.UTC().Format(scopeLayout))
}

// ParseScope validates and normalizes a scope string.
func ParseScope(s string) (Scope, error) {
	t, err := time.Parse(scopeLayout, s)
	if err != nil {
		return "", eris.Wrapf(err, "model: invalid scope %q", s)
	}
	return ScopeFromTime(t), nil
}

// Time returns the scope's date at midnight UTC.
func (s Scope) Time() time.Time {
	t, _ := time.Parse(scopeLayout, string(s))
	return t
}

// AddDays returns the scope shifted by n calendar days.
func (s Scope) AddDays(n int) Scope {
	return ScopeFromTime(s.Time().AddDate(0, 0, n))
}

// Prev returns the immediately preceding scope.
func (s Scope) Prev() Scope {
	return s.AddDays(-1)
}

// ScopeRange enumerates scopes from start to end inclusive, oldest first.
// Returns nil when end precedes start.
func ScopeRange(start, end Scope) []Scope {
	if end.Time().Before(start.Time()) {
		return nil
	}
	var out []Scope
	for s := start; !s.Time().After(end.Time()); s = s.AddDays(1) {
		out = append(out, s)
	}
	return out
}

func (s Scope) String() string {
	return string(s)
}
