package repack

import (
	"database/sql"
	"fmt"
	"strconv"
)

// orderMode selects how rows are ordered while rewriting the table.
type orderMode int

const (
	// orderByCluster orders rows by the clustering key of the table.
	orderByCluster orderMode = iota
	// orderByUser orders rows by a user-supplied expression.
	orderByUser
	// orderNone rewrites rows in whatever order the sequential scan yields.
	orderNone
)

const (
	// queryTargetTables selects reorganizable relations with their
	// server-generated DDL/DML. The SQL strings are opaque to the client and
	// are executed verbatim; the only client-side edit ever made is appending
	// ORDER BY to create_table.
	queryTargetTables = `SELECT relname, relid, toast, toast_idx, pkid, ckid,` +
		` create_pktype, create_log, create_trigger, enable_trigger, create_table,` +
		` drop_columns, delete_log, lock_table, ckey,` +
		` sql_peek, sql_insert, sql_delete, sql_update, sql_pop FROM repack.tables`

	targetColumns = 20
)

// Target is one reorganizable relation, frozen at enumeration time.
type Target struct {
	Name          string // qualified relation name
	OID           uint32
	ToastOID      uint32
	ToastIndexOID uint32
	PrimaryKeyOID uint32 // required non-zero
	ClusterKeyOID uint32 // optional clustering-key index

	// Server-generated SQL, executed verbatim.
	CreatePKType    string
	CreateLog       string
	CreateTrigger   string
	EnableTrigger   string
	BaseCreateTable string // CREATE TABLE ... AS SELECT ... without ORDER BY
	DropColumns     sql.NullString
	DeleteLog       string
	LockTable       string
	ClusterKey      sql.NullString // clustering key expression

	// Row-application templates passed through to repack.repack_apply.
	SQLPeek   string
	SQLInsert string
	SQLDelete string
	SQLUpdate string
	SQLPop    string

	// CreateTable is derived per run from BaseCreateTable and the ordering mode.
	CreateTable string
}

// newTarget builds a Target from one row of repack.tables, in column order of
// queryTargetTables. Refuses tables without a usable primary key.
func newTarget(row []sql.NullString) (*Target, error) {
	if len(row) != targetColumns {
		return nil, fmt.Errorf("unexpected number of columns in repack.tables: %d", len(row))
	}

	name := row[0].String

	pkid, err := parseOID(row[4])
	if err != nil {
		return nil, fmt.Errorf("relation %s: bad primary key oid: %s", name, err)
	}
	if pkid == 0 {
		return nil, fmt.Errorf("relation %s has no primary key or unique not-null index", name)
	}

	relid, err := parseOID(row[1])
	if err != nil {
		return nil, fmt.Errorf("relation %s: bad relation oid: %s", name, err)
	}
	toast, err := parseOID(row[2])
	if err != nil {
		return nil, fmt.Errorf("relation %s: bad toast oid: %s", name, err)
	}
	toastIdx, err := parseOID(row[3])
	if err != nil {
		return nil, fmt.Errorf("relation %s: bad toast index oid: %s", name, err)
	}
	ckid, err := parseOID(row[5])
	if err != nil {
		return nil, fmt.Errorf("relation %s: bad clustering key oid: %s", name, err)
	}

	return &Target{
		Name:            name,
		OID:             relid,
		ToastOID:        toast,
		ToastIndexOID:   toastIdx,
		PrimaryKeyOID:   pkid,
		ClusterKeyOID:   ckid,
		CreatePKType:    row[6].String,
		CreateLog:       row[7].String,
		CreateTrigger:   row[8].String,
		EnableTrigger:   row[9].String,
		BaseCreateTable: row[10].String,
		DropColumns:     row[11],
		DeleteLog:       row[12].String,
		LockTable:       row[13].String,
		ClusterKey:      row[14],
		SQLPeek:         row[15].String,
		SQLInsert:       row[16].String,
		SQLDelete:       row[17].String,
		SQLUpdate:       row[18].String,
		SQLPop:          row[19].String,
	}, nil
}

// parseOID converts a text-form oid; NULL reads as zero.
func parseOID(v sql.NullString) (uint32, error) {
	if !v.Valid || v.String == "" {
		return 0, nil
	}
	n, err := strconv.ParseUint(v.String, 10, 32)
	if err != nil {
		return 0, err
	}
	return uint32(n), nil
}

// deriveCreateTable finalizes the shadow-table statement for the requested
// ordering. In cluster mode the table must carry a clustering key.
func (t *Target) deriveCreateTable(mode orderMode, userExpr string) error {
	switch mode {
	case orderByCluster:
		if !t.ClusterKey.Valid {
			return fmt.Errorf("relation %s has no clustering key", t.Name)
		}
		t.CreateTable = t.BaseCreateTable + " ORDER BY " + t.ClusterKey.String
	case orderByUser:
		t.CreateTable = t.BaseCreateTable + " ORDER BY " + userExpr
	case orderNone:
		t.CreateTable = t.BaseCreateTable
	}
	return nil
}

// logTableName and shadowTableName are the server-side naming convention for
// the per-target temporary relations.
func (t *Target) logTableName() string {
	return fmt.Sprintf("repack.log_%d", t.OID)
}

func (t *Target) shadowTableName() string {
	return fmt.Sprintf("repack.table_%d", t.OID)
}
