package revdoc

import (
	"errors"
	"fmt"

	"github.com/gofrs/uuid/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Typed errors used across layers for stable error mapping. Callers match
// them with errors.As; messages are stable and part of the contract.

// DocumentNotFoundError indicates no row exists for the given id.
type DocumentNotFoundError struct {
	Table string
	ID    uuid.UUID
}

func (e *DocumentNotFoundError) Error() string {
	return fmt.Sprintf("revdoc: document %s not found in %s", e.ID, e.Table)
}

// RevisionStaleError indicates the id resolves only to a historical row.
// The caller should redirect to the current revision.
type RevisionStaleError struct {
	Table string
	ID    uuid.UUID
}

func (e *RevisionStaleError) Error() string { return "Outdated revision." }

// RevisionDeletedError indicates the document has been tombstoned.
// Distinct from DocumentNotFoundError so callers can message differently.
type RevisionDeletedError struct {
	Table string
	ID    uuid.UUID
}

func (e *RevisionDeletedError) Error() string { return "Revision has been deleted." }

// DuplicateKeyError indicates a unique constraint violation on insert/update.
// Constraint carries the offending constraint name so callers can re-prompt.
type DuplicateKeyError struct {
	Table      string
	Constraint string
	Err        error
}

func (e *DuplicateKeyError) Error() string {
	return fmt.Sprintf("revdoc: duplicate key in %s (constraint %s)", e.Table, e.Constraint)
}

func (e *DuplicateKeyError) Unwrap() error { return e.Err }

// ValidationError indicates a value failed schema coercion or a domain-level
// check, with field-level detail when available.
type ValidationError struct {
	Table string
	Field string
	Err   error
}

func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("revdoc: validation failed on %s.%s: %v", e.Table, e.Field, e.Err)
	}
	return fmt.Sprintf("revdoc: validation failed on %s: %v", e.Table, e.Err)
}

func (e *ValidationError) Unwrap() error { return e.Err }

// ConnectionError indicates the database is unreachable. It is fatal to the
// current operation and never retried here; callers decide whether to retry.
type ConnectionError struct {
	Err error
}

func (e *ConnectionError) Error() string { return "revdoc: database unreachable: " + e.Err.Error() }

func (e *ConnectionError) Unwrap() error { return e.Err }

// wrapInsertError converts unique violations into *DuplicateKeyError;
// everything else passes through unchanged.
func wrapInsertError(table string, err error) error {
	if err == nil {
		return nil
	}
	var pg *pgconn.PgError
	if errors.As(err, &pg) && pg.Code == "23505" {
		return &DuplicateKeyError{Table: table, Constraint: pg.ConstraintName, Err: err}
	}
	return err
}
