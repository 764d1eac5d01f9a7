package stores

import (
	"time"
)

// Config holds SQLite store configuration.
type Config struct {
	// Path is the SQLite database file path.
	Path string

	// MaxOpenConns limits open connections (default 25).
	MaxOpenConns int

	// MaxIdleConns limits idle connections (default 5).
	MaxIdleConns int

	// ConnMaxLifetime bounds connection reuse (default 5m).
	ConnMaxLifetime time.Duration

	// StaleLockThreshold is how old a lock's heartbeat may be before the
	// lock is reported as stale (default 60s). A stale lock still blocks
	// acquisition; only ForceUnlock releases it.
	StaleLockThreshold time.Duration
}

// DefaultStaleLockThreshold is the heartbeat age past which a deployment
// lock is reported as abandoned by a crashed run.
const DefaultStaleLockThreshold = 60 * time.Second

// AuditEntry records an operator-visible action against the state store,
// such as a force-unlock.
type AuditEntry struct {
	// ID is the auto-generated entry ID.
	ID int64 `json:"id"`

	// Action is what happened (e.g. "force_unlock").
	Action string `json:"action"`

	// Actor identifies who did it.
	Actor string `json:"actor"`

	// Details carries free-form context.
	Details string `json:"details,omitempty"`

	// Timestamp is when the action occurred.
	Timestamp time.Time `json:"timestamp"`
}
