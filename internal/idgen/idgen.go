// Package idgen generates run/session identifiers. Grounded on the
// teacher's engine.NewRunID (internal/attractor/engine/engine.go), which
// uses ULID for the same purpose: a globally unique, lexically sortable,
// filesystem-safe id.
package idgen

import (
	"crypto/rand"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(rand.Reader, 0)
)

// NewSessionID returns a new ULID string, monotonically increasing within a
// process for identical timestamps.
func NewSessionID() (string, error) {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	id, err := ulid.New(ulid.Timestamp(time.Now()), entropy)
	if err != nil {
		return "", err
	}
	return strings.ToLower(id.String()), nil
}
