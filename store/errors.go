package store

import (
	"errors"
	"strings"
)

// ErrNotFound is returned by Get-style accessors when no row matches.
var ErrNotFound = errors.New("store: not found")

// ErrConflict signals a constraint violation (e.g. duplicate caldavUrl) as
// a typed error rather than a raw SQLite message, so callers can branch on
// constraint violations without string matching.
type ErrConflict struct {
	Constraint string
}

func (e *ErrConflict) Error() string {
	return "store: constraint violation: " + e.Constraint
}

// asConflict classifies a raw sqlite driver error into ErrConflict when it
// names a UNIQUE/CHECK constraint failure.
func asConflict(err error) error {
	if err == nil {
		return nil
	}
	msg := err.Error()
	if strings.Contains(msg, "UNIQUE constraint failed") || strings.Contains(msg, "CHECK constraint failed") {
		return &ErrConflict{Constraint: msg}
	}
	return err
}
