package repack

import (
	"fmt"
	"github.com/lesovsky/pgrepack/internal/log"
	"github.com/lesovsky/pgrepack/internal/store"
	"github.com/pkg/errors"
	"time"
)

const (
	// minTerminateVersionNum is the oldest server able to pg_terminate_backend.
	minTerminateVersionNum = 80400

	queryCancelLockers = "SELECT pg_cancel_backend(pid) FROM pg_locks" +
		" WHERE locktype = 'relation' AND relation = $1 AND pid <> pg_backend_pid()"
	queryTerminateLockers = "SELECT pg_terminate_backend(pid) FROM pg_locks" +
		" WHERE locktype = 'relation' AND relation = $1 AND pid <> pg_backend_pid()"
)

// escalateAction is what to do about backends still holding conflicting locks.
type escalateAction int

const (
	escalateNone escalateAction = iota
	escalateCancel
	escalateTerminate
)

// escalationAction decides how to treat conflicting backends after waiting
// for elapsed time. Past the timeout their current statements are canceled;
// past twice the timeout, when the server is able to, they are terminated.
func escalationAction(elapsed, waitTimeout time.Duration, serverVersionNum int) escalateAction {
	if elapsed <= waitTimeout {
		return escalateNone
	}
	if serverVersionNum >= minTerminateVersionNum && elapsed > 2*waitTimeout {
		return escalateTerminate
	}
	return escalateCancel
}

// lockTimeoutMillis grows the per-attempt statement_timeout so the lock
// request queues briefly, then releases and lets other waiters through.
func lockTimeoutMillis(attempt int) int {
	t := attempt * 100
	if t > 1000 {
		return 1000
	}
	return t
}

// lockExclusive takes the exclusive lock encoded in lock_table. On success the
// transaction that holds the lock is left open for the caller to finish its
// phase in. A failed BEGIN leaves no transaction; any later failure returns
// with the lock transaction still open, typically in an aborted state.
func (r *runner) lockExclusive(t *Target) error {
	start := time.Now()

	for attempt := 1; ; attempt++ {
		if err := r.db.Exec("BEGIN ISOLATION LEVEL READ COMMITTED"); err != nil {
			return errors.Wrap(err, "begin lock transaction")
		}

		switch escalationAction(time.Since(start), r.config.WaitTimeout, r.serverVersionNum) {
		case escalateCancel:
			log.Warnf("%s: canceling conflicting backends", t.Name)
			if err := r.db.Exec(queryCancelLockers, t.OID); err != nil {
				log.Warnf("%s: cancel of conflicting backends failed: %s", t.Name, err)
			}
		case escalateTerminate:
			log.Warnf("%s: terminating conflicting backends", t.Name)
			if err := r.db.Exec(queryTerminateLockers, t.OID); err != nil {
				log.Warnf("%s: termination of conflicting backends failed: %s", t.Name, err)
			}
		}

		err := r.db.Exec(fmt.Sprintf("SET LOCAL statement_timeout = %d", lockTimeoutMillis(attempt)))
		if err != nil {
			return errors.Wrap(err, "set lock statement timeout")
		}

		err = r.db.Exec(t.LockTable)
		if err == nil {
			if err := r.db.Exec("RESET statement_timeout"); err != nil {
				return errors.Wrap(err, "reset statement timeout")
			}
			return nil
		}

		if store.IsSQLState(err, store.ErrCodeQueryCanceled) {
			log.Debugf("%s: lock attempt %d timed out, retrying", t.Name, attempt)
			if err := r.db.Exec("ROLLBACK"); err != nil {
				return errors.Wrap(err, "rollback failed lock attempt")
			}
			continue
		}

		// The session state after an unexpected lock failure is unknown.
		return errors.Wrapf(err, "acquire exclusive lock on %s", t.Name)
	}
}
