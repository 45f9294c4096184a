package postgres

import (
	"context"
	"fmt"
	"math/rand/v2"
	"time"

	pgmigrate "github.com/marcduez/pg-migrate"
)

// Advisory lock identity shared by every installation of this engine.
// Processes using different keys against the same database would not
// serialize against each other.
const (
	lockClassID = int32(0x7067_6d67) // "pgmg"
	lockObjID   = int32(0x6c6f_636b) // "lock"
)

// lockRetryDelays is the base backoff before each retry after a failed
// acquisition attempt. Exhausting the schedule is fatal rather than queueing
// indefinitely: a failed deploy beats an indefinitely blocked one.
var lockRetryDelays = []time.Duration{
	200 * time.Millisecond,
	500 * time.Millisecond,
	1000 * time.Millisecond,
}

// lockRetryJitter bounds the random offset added to each delay so competing
// processes don't retry in lockstep.
const lockRetryJitter = 50 * time.Millisecond

// AcquireLock takes the engine's session-scoped advisory lock without
// blocking, retrying on contention per lockRetryDelays. Not reentrant.
func (db *DB) AcquireLock(ctx context.Context) error {
	for attempt := 0; ; attempt++ {
		var locked bool
		err := db.conn.QueryRow(ctx,
			"SELECT pg_try_advisory_lock($1, $2)", lockClassID, lockObjID).Scan(&locked)
		if err != nil {
			return fmt.Errorf("failed to acquire migration lock: %w", err)
		}
		if locked {
			db.lockHeld = true
			return nil
		}

		if attempt >= len(lockRetryDelays) {
			return pgmigrate.ErrLockNotAcquired
		}

		delay := lockRetryDelays[attempt] + rand.N(2*lockRetryJitter) - lockRetryJitter
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// ReleaseLock releases the advisory lock. Releasing a lock this session
// does not hold is an error.
func (db *DB) ReleaseLock(ctx context.Context) error {
	var released bool
	err := db.conn.QueryRow(ctx,
		"SELECT pg_advisory_unlock($1, $2)", lockClassID, lockObjID).Scan(&released)
	if err != nil {
		return fmt.Errorf("failed to release migration lock: %w", err)
	}
	if !released {
		return fmt.Errorf("migration lock was not held by this session")
	}

	db.lockHeld = false
	return nil
}

// LockHeld reports whether this session currently holds the advisory lock.
func (db *DB) LockHeld() bool {
	return db.lockHeld
}
