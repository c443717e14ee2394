package repack

import (
	"database/sql"
	"fmt"
	"github.com/lesovsky/pgrepack/internal/log"
	"github.com/lesovsky/pgrepack/internal/store"
)

// Session priming: the orchestration controls its own timeouts, resolves the
// extension schema explicitly and is not interested in server chatter.
var primingCommands = []string{
	"SET statement_timeout = 0",
	"SET search_path = pg_catalog, pg_temp, public",
	"SET client_min_messages = warning",
}

// runner drives the reorganization of one database over one session.
type runner struct {
	config           *Config
	cleanup          *Registry
	db               *store.DB
	connString       string
	serverVersionNum int
}

// Start runs the reorganization described by config. Cleanup actions for
// interrupted tables stay in the registry; the caller runs them on exit.
func Start(config *Config, cleanup *Registry) error {
	if config.AllDatabases {
		return repackAllDatabases(config, cleanup)
	}
	return repackDatabase(config.Dbname, config, cleanup)
}

// repackAllDatabases reorganizes every connectable database sequentially. A
// skipped database never aborts the sweep.
func repackAllDatabases(config *Config, cleanup *Registry) error {
	db, err := store.New(config.connString(defaultBootstrapDbname))
	if err != nil {
		return err
	}

	databases, err := db.Databases()
	db.Close()
	if err != nil {
		return err
	}

	for _, dbname := range databases {
		// Any per-database failure skips just that database; the sweep
		// always reaches the remaining ones.
		if err := repackDatabase(dbname, config, cleanup); err != nil {
			log.Warnf("%s: skipped: %s", dbname, err)
		}
	}
	return nil
}

// repackDatabase reorganizes the targets of one database.
func repackDatabase(dbname string, config *Config, cleanup *Registry) error {
	log.Infof("reorganizing database %s", dbname)

	connString := config.connString(dbname)
	db, err := store.New(connString)
	if err != nil {
		return skipf("connection failed: %s", err)
	}

	r := &runner{config: config, cleanup: cleanup, db: db, connString: connString}
	defer func() { r.db.Close() }()

	if err := r.checkVersions(); err != nil {
		return err
	}

	for _, cmd := range primingCommands {
		if err := r.db.Exec(cmd); err != nil {
			return skipf("session setup failed: %s", err)
		}
	}

	if err := r.db.QueryRow("SELECT current_setting('server_version_num')::int").Scan(&r.serverVersionNum); err != nil {
		return skipf("failed to read server version: %s", err)
	}

	targets, err := r.enumerateTargets()
	if err != nil {
		return err
	}

	if len(targets) == 0 && config.Table != "" {
		return fmt.Errorf("relation %s is not reorganizable", config.Table)
	}

	for _, t := range targets {
		if err := t.deriveCreateTable(config.orderMode(), config.OrderBy); err != nil {
			return err
		}
		if err := r.repackTable(t); err != nil {
			return err
		}
	}
	return nil
}

// enumerateTargets reads repack.tables and freezes the returned rows. With an
// explicit table the row is fetched regardless of its keys so that missing
// preconditions surface as errors; otherwise only tables with the keys the
// ordering mode needs are picked up, which lets the unordered mode handle
// tables without a clustering key.
func (r *runner) enumerateTargets() ([]*Target, error) {
	var (
		query = queryTargetTables
		args  []interface{}
	)

	if r.config.Table != "" {
		query += " WHERE relid = $1::regclass"
		args = append(args, r.config.Table)
	} else {
		query += " WHERE pkid IS NOT NULL"
		if r.config.orderMode() == orderByCluster {
			query += " AND ckid IS NOT NULL"
		}
		query += " ORDER BY relname"
	}

	rows, err := r.db.Query(query, args...)
	if err != nil {
		return nil, skipf("failed to enumerate tables: %s", err)
	}
	defer rows.Close()

	var targets []*Target
	for rows.Next() {
		pointers := make([]interface{}, targetColumns)
		values := make([]sql.NullString, targetColumns)
		for i := range pointers {
			pointers[i] = &values[i]
		}

		if err := rows.Scan(pointers...); err != nil {
			return nil, skipf("failed to read repack.tables: %s", err)
		}

		t, err := newTarget(values)
		if err != nil {
			return nil, err
		}
		targets = append(targets, t)
	}
	if err := rows.Err(); err != nil {
		return nil, skipf("failed to enumerate tables: %s", err)
	}
	return targets, nil
}
