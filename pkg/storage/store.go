// Package storage loads the provider database and the bundled static rules.
// The database is opaque bytes until ParseDatabase turns it into an ordered
// domain.ProviderDatabase.
package storage

import (
	"context"
	"errors"
)

// Storage errors.
var (
	// ErrNotFound is returned when no database has been stored yet.
	ErrNotFound = errors.New("provider database not found")
	// ErrInvalidDatabase wraps every parse failure. A pass that sees it must
	// leave the engine untouched.
	ErrInvalidDatabase = errors.New("invalid provider database")
	// ErrInvalidStaticRules wraps failures loading the bundled static rules.
	ErrInvalidStaticRules = errors.New("invalid static rule file")
)

// DatabaseStore returns the raw provider database.
type DatabaseStore interface {
	Load(ctx context.Context) ([]byte, error)
}
