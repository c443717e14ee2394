package store

import (
	"context"
	"github.com/jackc/pgconn"
	"github.com/jackc/pgx/v4"
	"github.com/lesovsky/pgrepack/internal/log"
	"github.com/pkg/errors"
)

const (
	queryDatabasesList = "SELECT datname FROM pg_database WHERE NOT datistemplate AND datallowconn ORDER BY datname"

	// ErrCodeInvalidSchemaName is the SQLSTATE reported when a referenced schema does not exist.
	ErrCodeInvalidSchemaName = "3F000"
	// ErrCodeQueryCanceled is the SQLSTATE reported when a statement is canceled, e.g. by statement_timeout.
	ErrCodeQueryCanceled = "57014"
)

// DB is the database session. At most one statement is in flight per session.
type DB struct {
	Config *pgx.ConnConfig // config used for connecting this database
	Conn   *pgx.Conn       // database connection object
}

// New creates new connection to Postgres using passed DSN
func New(connString string) (*DB, error) {
	config, err := pgx.ParseConfig(connString)
	if err != nil {
		return nil, err
	}

	return NewWithConfig(config)
}

// NewWithConfig creates new connection to Postgres using passed Config
func NewWithConfig(config *pgx.ConnConfig) (*DB, error) {
	// enable compatibility with pgbouncer
	config.PreferSimpleProtocol = true

	conn, err := pgx.ConnectConfig(context.Background(), config)
	if err != nil {
		return nil, err
	}

	return &DB{Config: config, Conn: conn}, nil
}

// Exec runs the command and discards its result. The caller decides whether a
// returned error aborts the run or is inspected with SQLState.
func (db *DB) Exec(sql string, args ...interface{}) error {
	log.Debugf("exec: %s", sql)

	_, err := db.Conn.Exec(context.Background(), sql, args...)
	return err
}

// Query runs the query and returns its rows. The caller must close the rows
// before issuing the next statement on this session.
func (db *DB) Query(sql string, args ...interface{}) (pgx.Rows, error) {
	log.Debugf("query: %s", sql)

	return db.Conn.Query(context.Background(), sql, args...)
}

// QueryRow runs the query expected to return a single row.
func (db *DB) QueryRow(sql string, args ...interface{}) pgx.Row {
	log.Debugf("query: %s", sql)

	return db.Conn.QueryRow(context.Background(), sql, args...)
}

// Databases returns the list of databases that allowed for connection, ordered by name.
func (db *DB) Databases() ([]string, error) {
	rows, err := db.Conn.Query(context.Background(), queryDatabasesList)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var list = make([]string, 0, 10)
	for rows.Next() {
		var dbname string
		if err := rows.Scan(&dbname); err != nil {
			return nil, err
		}
		list = append(list, dbname)
	}
	return list, rows.Err()
}

// Close database connection gracefully
func (db *DB) Close() {
	err := db.Conn.Close(context.Background())
	if err != nil {
		log.Warnf("failed to close database connection: %s; ignore", err)
	}
}

// SQLState returns the SQLSTATE carried by the error, or an empty string when
// the error did not come from the server.
func SQLState(err error) string {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code
	}
	return ""
}

// IsSQLState tells whether the error carries the specified SQLSTATE.
func IsSQLState(err error, code string) bool {
	return err != nil && SQLState(err) == code
}
