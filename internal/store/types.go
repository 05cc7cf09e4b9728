package store

import (
	"errors"
	"time"
)

// ErrCorrupt marks state that loaded but cannot be trusted. Runs must not
// proceed past it: treating corrupt state as empty would re-notify every
// source at once.
var ErrCorrupt = errors.New("state corrupt")

// ChangeRecord is the durable per-source record.
//
// At most one exists per source name. It is written only after a fetch
// completes (changed or unchanged); a failed fetch leaves it untouched.
type ChangeRecord struct {
	Source      string
	Fingerprint string
	CheckedAt   time.Time
}
