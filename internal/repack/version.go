package repack

import (
	"fmt"
	"github.com/lesovsky/pgrepack/internal/store"
	"github.com/pkg/errors"
)

const (
	// ProgramName and ProgramVersion identify the client to the server-side
	// extension. Both version() and version_sql() must report exactly this
	// identity: the five row-application templates are only guaranteed
	// compatible between a client and an extension built from the same release.
	ProgramName    = "pg_repack"
	ProgramVersion = "1.1.0"
)

const queryExtensionVersions = "SELECT repack.version(), repack.version_sql()"

// programIdent is the exact string the extension must report.
func programIdent() string {
	return ProgramName + " " + ProgramVersion
}

// skipError marks a database as skippable: the run continues with the next
// database instead of aborting.
type skipError struct {
	reason string
}

func (e skipError) Error() string {
	return e.reason
}

func skipf(format string, v ...interface{}) error {
	return skipError{reason: fmt.Sprintf(format, v...)}
}

func isSkip(err error) bool {
	var se skipError
	return errors.As(err, &se)
}

// checkVersions performs the version handshake against the extension.
func (r *runner) checkVersions() error {
	var libVersion, sqlVersion string

	err := r.db.QueryRow(queryExtensionVersions).Scan(&libVersion, &sqlVersion)
	if err != nil {
		if store.IsSQLState(err, store.ErrCodeInvalidSchemaName) {
			return skipf("%s is not installed in the database", ProgramName)
		}
		return skipf("failed to read extension version: %s", err)
	}

	if err := checkVersionString("library", libVersion); err != nil {
		return err
	}
	return checkVersionString("SQL", sqlVersion)
}

// checkVersionString compares a reported extension version against the
// program identity; a mismatch skips the database.
func checkVersionString(kind, got string) error {
	if got != programIdent() {
		return skipf("program %q does not match extension %s version %q", programIdent(), kind, got)
	}
	return nil
}
