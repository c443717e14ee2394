package repack

import (
	"github.com/lesovsky/pgrepack/internal/log"
	"github.com/pkg/errors"
	"time"
)

const (
	// applyCount bounds how many log rows one repack_apply transaction moves,
	// so a crash leaves limited redo work.
	applyCount = 1000

	queryApplyLog = "SELECT repack.repack_apply($1, $2, $3, $4, $5, $6)"

	// queryAliveTransactions reports which of the captured virtual transaction
	// ids are still running, excluding this session.
	queryAliveTransactions = "SELECT pid, virtualtransaction FROM pg_locks" +
		" WHERE locktype = 'virtualxid' AND pid <> pg_backend_pid()" +
		" AND virtualtransaction = ANY($1)"
)

// aliveSet accumulates the backends still running captured transactions and
// remembers the first blocking pid for reporting.
type aliveSet struct {
	count    int
	firstPid int
}

func (s *aliveSet) add(pid int) {
	if s.count == 0 {
		s.firstPid = pid
	}
	s.count++
}

// waitProgress tracks the alive count between drain iterations. The set only
// shrinks, and waiting on an unchanged set is reported once.
type waitProgress struct {
	lastAlive int
}

func newWaitProgress() *waitProgress {
	return &waitProgress{lastAlive: -1}
}

// report tells whether the current alive count is news worth logging.
func (p *waitProgress) report(alive int) bool {
	if alive == p.lastAlive {
		return false
	}
	p.lastAlive = alive
	return true
}

// applyLog moves at most limit captured log rows into the shadow table within
// one server-side transaction; limit 0 means every remaining row.
func (r *runner) applyLog(t *Target, limit int) (int, error) {
	var num int

	err := r.db.QueryRow(queryApplyLog,
		t.SQLPeek, t.SQLInsert, t.SQLDelete, t.SQLUpdate, t.SQLPop, limit).Scan(&num)
	if err != nil {
		return 0, errors.Wrapf(err, "apply log of %s", t.Name)
	}
	return num, nil
}

// drainLog applies captured changes until the log is empty and every
// transaction that was running when the copy started has finished. The alive
// set only ever shrinks, so the loop terminates.
func (r *runner) drainLog(t *Target, vxids []string) error {
	progress := newWaitProgress()

	for {
		num, err := r.applyLog(t, applyCount)
		if err != nil {
			return err
		}
		if num > 0 {
			// the log may hold more than one batch
			continue
		}

		if len(vxids) == 0 {
			return nil
		}

		alive, err := r.aliveTransactions(vxids)
		if err != nil {
			return errors.Wrapf(err, "check transactions concurrent to %s", t.Name)
		}
		if alive.count == 0 {
			return nil
		}

		if progress.report(alive.count) {
			log.Infof("%s: waiting for %d transactions to finish, first pid %d", t.Name, alive.count, alive.firstPid)
		}
		time.Sleep(time.Second)
	}
}

// aliveTransactions reports the captured transactions still alive.
func (r *runner) aliveTransactions(vxids []string) (aliveSet, error) {
	var alive aliveSet

	rows, err := r.db.Query(queryAliveTransactions, vxids)
	if err != nil {
		return alive, err
	}
	defer rows.Close()

	for rows.Next() {
		var pid int
		var vxid string
		if err := rows.Scan(&pid, &vxid); err != nil {
			return alive, err
		}
		alive.add(pid)
	}
	return alive, rows.Err()
}
