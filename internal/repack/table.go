package repack

import (
	"database/sql"
	"fmt"
	"github.com/lesovsky/pgrepack/internal/log"
	"github.com/lesovsky/pgrepack/internal/store"
	"github.com/pkg/errors"
	"os"
)

const (
	queryConflictedTriggers = "SELECT repack.conflicted_triggers($1)"
	queryDisableAutovacuum  = "SELECT repack.disable_autovacuum('%s')"
	querySwap               = "SELECT repack.repack_swap($1)"
	queryDrop               = "SELECT repack.repack_drop($1)"

	// querySnapshotVXIDs captures the virtual transactions alive when the
	// copy starts. Newly promoted standbys expose a spurious bgwriter entry
	// ('1/1', '-1/0') which must not gate the drain.
	querySnapshotVXIDs = "SELECT coalesce(repack.array_accum(l.virtualtransaction), '{}')" +
		" FROM pg_locks AS l" +
		" WHERE l.locktype = 'virtualxid' AND l.pid <> pg_backend_pid()" +
		" AND (l.virtualxid, l.virtualtransaction) <> ('1/1', '-1/0')"

	// queryTargetIndexes lists indexes of the target with their shadow-table
	// build statements.
	queryTargetIndexes = "SELECT indexrelid, repack.repack_indexdef(indexrelid, indrelid)," +
		" indisvalid, pg_get_indexdef(indexrelid) FROM pg_index WHERE indrelid = $1"
)

// tableRun is the state of one table's reorganization.
type tableRun struct {
	r     *runner
	t     *Target
	vxids []string // virtual transactions alive at copy start
	h     *Handle  // registered cleanup, nil until the first object exists
}

// repackTable runs the full rebuild of one table: capture changes, copy rows
// into the shadow table, build its indexes, drain the captured changes, swap
// storage under a brief exclusive lock and drop the temporary objects.
func (r *runner) repackTable(t *Target) error {
	log.Infof("repacking table %s", t.Name)

	tr := &tableRun{r: r, t: t}

	if err := tr.setup(); err != nil {
		return err
	}
	if err := tr.copyData(); err != nil {
		return err
	}
	if err := tr.buildIndexes(); err != nil {
		return err
	}
	if err := r.drainLog(t, tr.vxids); err != nil {
		return err
	}
	if err := tr.swap(); err != nil {
		return err
	}
	if err := tr.drop(); err != nil {
		return err
	}
	tr.analyze()

	log.Infof("%s: done", t.Name)
	return nil
}

// setup installs the change-capture machinery: the primary key type, the log
// table and the z_repack_trigger, all under a brief exclusive lock.
func (tr *tableRun) setup() error {
	r, t := tr.r, tr.t

	if err := r.lockExclusive(t); err != nil {
		return err
	}

	// A BEFORE trigger sorting after z_repack_trigger could mutate tuples
	// after ours captured them.
	conflicted, err := tr.conflictedTriggers()
	if err != nil {
		return err
	}
	if len(conflicted) > 0 {
		return fmt.Errorf("%s: trigger %s conflicts with z_repack_trigger", t.Name, conflicted[0])
	}

	if err := r.db.Exec(t.CreatePKType); err != nil {
		return errors.Wrapf(err, "create primary key type for %s", t.Name)
	}

	// From here on temporary objects exist; arrange for them to be dropped
	// whenever the process exits without reaching the drop phase.
	tr.h = r.cleanup.Push(tr.dropTemporaries)

	if err := r.db.Exec(t.CreateLog); err != nil {
		return errors.Wrapf(err, "create log table for %s", t.Name)
	}
	if err := r.db.Exec(t.CreateTrigger); err != nil {
		return errors.Wrapf(err, "create trigger on %s", t.Name)
	}
	if err := r.db.Exec(t.EnableTrigger); err != nil {
		return errors.Wrapf(err, "enable trigger on %s", t.Name)
	}
	if err := r.db.Exec(fmt.Sprintf(queryDisableAutovacuum, t.logTableName())); err != nil {
		return errors.Wrapf(err, "disable autovacuum on %s", t.logTableName())
	}
	if err := r.db.Exec("COMMIT"); err != nil {
		return errors.Wrapf(err, "commit setup of %s", t.Name)
	}
	return nil
}

// conflictedTriggers returns BEFORE triggers that would fire after ours.
func (tr *tableRun) conflictedTriggers() ([]string, error) {
	rows, err := tr.r.db.Query(queryConflictedTriggers, tr.t.OID)
	if err != nil {
		return nil, errors.Wrapf(err, "check triggers of %s", tr.t.Name)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

// copyData builds the shadow table under a serializable snapshot. Rows logged
// before the snapshot are discarded: the copy sees them directly, and seeing
// them again through the log would duplicate them.
func (tr *tableRun) copyData() error {
	r, t := tr.r, tr.t

	if err := r.db.Exec("BEGIN ISOLATION LEVEL SERIALIZABLE"); err != nil {
		return errors.Wrapf(err, "begin copy of %s", t.Name)
	}

	var workMem string
	if err := r.db.QueryRow("SELECT current_setting('maintenance_work_mem')").Scan(&workMem); err != nil {
		return errors.Wrap(err, "read maintenance_work_mem")
	}
	if err := r.db.Exec(fmt.Sprintf("SET LOCAL work_mem = '%s'", workMem)); err != nil {
		return errors.Wrap(err, "set work_mem")
	}

	if r.config.orderMode() == orderNone && r.serverVersionNum >= 80300 {
		// shared seqscan cursors would make the physical row order
		// non-deterministic
		if err := r.db.Exec("SET LOCAL synchronize_seqscans = off"); err != nil {
			return errors.Wrap(err, "disable synchronize_seqscans")
		}
	}

	if err := r.db.QueryRow(querySnapshotVXIDs).Scan(&tr.vxids); err != nil {
		return errors.Wrap(err, "capture transaction snapshot")
	}

	if err := r.db.Exec(t.DeleteLog); err != nil {
		return errors.Wrapf(err, "clear pre-copy log of %s", t.Name)
	}
	if err := r.db.Exec(t.CreateTable); err != nil {
		return errors.Wrapf(err, "copy %s", t.Name)
	}
	if t.DropColumns.Valid {
		if err := r.db.Exec(t.DropColumns.String); err != nil {
			return errors.Wrapf(err, "drop columns of %s", t.Name)
		}
	}
	if err := r.db.Exec(fmt.Sprintf(queryDisableAutovacuum, t.shadowTableName())); err != nil {
		return errors.Wrapf(err, "disable autovacuum on %s", t.shadowTableName())
	}
	if err := r.db.Exec("COMMIT"); err != nil {
		return errors.Wrapf(err, "commit copy of %s", t.Name)
	}
	return nil
}

// targetIndex is one row of pg_index for the target.
type targetIndex struct {
	oid         string
	createIndex string
	valid       bool
	indexDef    string
}

// buildIndexes rebuilds every valid index of the target on the shadow table,
// sequentially on this session.
func (tr *tableRun) buildIndexes() error {
	r, t := tr.r, tr.t

	rows, err := r.db.Query(queryTargetIndexes, t.OID)
	if err != nil {
		return errors.Wrapf(err, "list indexes of %s", t.Name)
	}

	// Collect everything first: the session allows one statement in flight.
	var indexes []targetIndex
	for rows.Next() {
		var idx targetIndex
		var oid, createIndex, indexDef sql.NullString
		if err := rows.Scan(&oid, &createIndex, &idx.valid, &indexDef); err != nil {
			rows.Close()
			return err
		}
		idx.oid, idx.createIndex, idx.indexDef = oid.String, createIndex.String, indexDef.String
		indexes = append(indexes, idx)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return errors.Wrapf(err, "list indexes of %s", t.Name)
	}

	for _, idx := range indexes {
		if !idx.valid {
			log.Warnf("%s: skipping invalid index: %s", t.Name, idx.indexDef)
			continue
		}
		log.Debugf("%s: building index: %s", t.Name, idx.indexDef)
		if err := r.db.Exec(idx.createIndex); err != nil {
			return errors.Wrapf(err, "build index of %s", t.Name)
		}
	}
	return nil
}

// swap re-takes the exclusive lock, applies whatever the drain left behind
// and atomically redirects the table name to the shadow storage.
func (tr *tableRun) swap() error {
	r, t := tr.r, tr.t

	if err := r.lockExclusive(t); err != nil {
		return err
	}
	if _, err := r.applyLog(t, 0); err != nil {
		return err
	}
	if err := r.db.Exec(querySwap, t.OID); err != nil {
		return errors.Wrapf(err, "swap %s", t.Name)
	}
	if err := r.db.Exec("COMMIT"); err != nil {
		return errors.Wrapf(err, "commit swap of %s", t.Name)
	}
	return nil
}

// drop removes the temporary objects and retires the cleanup action.
func (tr *tableRun) drop() error {
	r, t := tr.r, tr.t

	if err := r.db.Exec("BEGIN ISOLATION LEVEL READ COMMITTED"); err != nil {
		return errors.Wrapf(err, "begin drop of %s", t.Name)
	}
	if err := r.db.Exec(queryDrop, t.OID); err != nil {
		return errors.Wrapf(err, "drop temporary objects of %s", t.Name)
	}
	if err := r.db.Exec("COMMIT"); err != nil {
		return errors.Wrapf(err, "commit drop of %s", t.Name)
	}

	tr.h.Release()
	return nil
}

// analyze refreshes planner statistics of the reorganized table. Failures do
// not undo the completed rebuild.
func (tr *tableRun) analyze() {
	r, t := tr.r, tr.t

	if r.config.NoAnalyze {
		return
	}

	err := r.db.Exec("BEGIN ISOLATION LEVEL READ COMMITTED")
	if err == nil {
		err = r.db.Exec("ANALYZE " + t.Name)
	}
	if err == nil {
		err = r.db.Exec("COMMIT")
	}
	if err != nil {
		log.Warnf("%s: analyze failed: %s; skip", t.Name, err)
		_ = r.db.Exec("ROLLBACK")
	}
}

// dropTemporaries is the registered cleanup action. On a fatal signal the
// connection state is unknown, so it only prints where the leftovers are; the
// next run's repack_drop removes them. Otherwise it rolls back whatever
// transaction was open, reconnects if the session died and drops the
// temporary objects. The server side serializes concurrent drops with an
// advisory lock, so running this after a completed drop phase is harmless.
func (tr *tableRun) dropTemporaries(fatal bool) {
	r, t := tr.r, tr.t

	if fatal {
		fmt.Fprintf(os.Stderr,
			"!!! %s: interrupted, temporary objects of relation %d may remain;"+
				" run %s against this database to remove them\n",
			t.Name, t.OID, ProgramName)
		return
	}

	// the session may sit in an aborted transaction
	_ = r.db.Exec("ROLLBACK")

	if r.db.Conn.IsClosed() {
		db, err := store.New(r.connString)
		if err != nil {
			log.Warnf("%s: reconnect for cleanup failed: %s", t.Name, err)
			return
		}
		r.db = db
	}

	if err := r.db.Exec(queryDrop, t.OID); err != nil {
		log.Warnf("%s: cleanup of temporary objects failed: %s", t.Name, err)
	}
}
