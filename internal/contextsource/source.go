// Package contextsource loads project contexts, the read-only input of a job,
// from files on disk or from PostgreSQL.
package contextsource

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrContextNotFound means no project exists for the key.
	ErrContextNotFound = errors.New("context not found")
	// ErrContextUnavailable means the backing store could not be read.
	ErrContextUnavailable = errors.New("context source unavailable")
	// ErrInvalidKey rejects keys that are empty or could escape the source.
	ErrInvalidKey = errors.New("invalid context key")
)

// Sections every assembled context carries, even when empty.
var Sections = []string{"providers", "providerProducts", "inventory", "sales", "salesMonthly"}

func validateKey(key string) error {
	if key == "" || strings.ContainsAny(key, `/\`) || strings.Contains(key, "..") {
		return fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	return nil
}
