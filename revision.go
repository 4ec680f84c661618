package revdoc

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/jackc/pgx/v5"
)

// TagCreate and TagDelete are the lifecycle tags the revision layer writes
// itself. Callers add their own ("edit-via-form", "cleanup", ...).
const (
	TagCreate = "create"
	TagDelete = "delete"
)

func (m *Model) requireRevisioned(op string) error {
	if !m.revisioned {
		return fmt.Errorf("revdoc: %s: model %s does not track revisions", op, m.name)
	}
	return nil
}

// CreateFirstRevision allocates a new document identity and returns an
// unsaved instance stamped with the actor and tags. The caller sets domain
// fields and calls Save.
func (m *Model) CreateFirstRevision(actor Actor, tags []string) (any, error) {
	if err := m.requireRevisioned("CreateFirstRevision"); err != nil {
		return nil, err
	}
	doc := m.New()
	rev := doc.(revisionRecord).revision()
	rev.ID = uuid.Must(uuid.NewV4())
	rev.RevID = uuid.Must(uuid.NewV4())
	rev.RevUser = actor.ID
	rev.RevDate = time.Now().UTC()
	rev.RevTags = append([]string{TagCreate}, tags...)
	rev.OldRevOf = nil
	rev.RevDeleted = false
	return doc, nil
}

// NewRevision supersedes the current revision of doc's document. In one
// transaction it re-reads the current row under lock, re-stamps it with a
// fresh revision id, actor, date and tags, and archives the pre-edit state
// as a historical row under the superseded revision id. It returns a fresh instance carrying
// the previous field values as a starting point; the caller mutates fields
// and calls Save. If doc's revision is no longer current the document was
// edited concurrently and *RevisionStaleError is returned; a tombstoned
// document yields *RevisionDeletedError.
func (m *Model) NewRevision(ctx context.Context, doc any, actor Actor, tags []string) (any, error) {
	if err := m.requireRevisioned("NewRevision"); err != nil {
		return nil, err
	}
	if _, err := m.structValue(doc); err != nil {
		return nil, err
	}
	id := doc.(revisionRecord).revision().ID
	baseRevID := doc.(revisionRecord).revision().RevID

	cur := m.New()
	err := m.db.Transaction(ctx, func(ctx context.Context) error {
		curRv, err := m.lockCurrent(ctx, id, cur)
		if err != nil {
			return err
		}
		curRev := cur.(revisionRecord).revision()
		if curRev.RevID != baseRevID {
			// Someone else created a revision after doc was loaded.
			return &RevisionStaleError{Table: m.name, ID: id}
		}
		// Re-stamp before archiving: _rev_id is the primary key, so the
		// current row must move off the old value before the historical
		// copy can be inserted carrying it.
		newRevID := uuid.Must(uuid.NewV4())
		newDate := time.Now().UTC()
		newTags := append([]string(nil), tags...)
		sql := "UPDATE " + m.quotedTable() + " SET " +
			quoteIdent("_rev_id") + " = $1, " +
			quoteIdent("_rev_user") + " = $2, " +
			quoteIdent("_rev_date") + " = $3, " +
			quoteIdent("_rev_tags") + " = $4 WHERE " + quoteIdent("_rev_id") + " = $5"
		if _, err := m.db.Exec(ctx, sql, newRevID, actor.ID, newDate, newTags, baseRevID); err != nil {
			return err
		}
		if err := m.archiveRow(ctx, curRv, id); err != nil {
			return err
		}

		curRev.RevID = newRevID
		curRev.RevUser = actor.ID
		curRev.RevDate = newDate
		curRev.RevTags = newTags
		m.markLoaded(cur, curRv)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return cur, nil
}

// DeleteAllRevisions tombstones the document: a terminal revision tagged
// ['delete', ...] is written and every physical row for the id is marked
// deleted. The history itself remains; a deleted document is never revived.
func (m *Model) DeleteAllRevisions(ctx context.Context, doc any, actor Actor, tags []string) error {
	if err := m.requireRevisioned("DeleteAllRevisions"); err != nil {
		return err
	}
	if _, err := m.structValue(doc); err != nil {
		return err
	}
	rev := doc.(revisionRecord).revision()
	id := rev.ID

	return m.db.Transaction(ctx, func(ctx context.Context) error {
		cur := m.New()
		curRv, err := m.lockCurrent(ctx, id, cur)
		if err != nil {
			return err
		}
		curRev := cur.(revisionRecord).revision()

		// Same order as NewRevision: the tombstone stamp frees the old
		// _rev_id for the archived copy.
		newRevID := uuid.Must(uuid.NewV4())
		newDate := time.Now().UTC()
		newTags := append([]string{TagDelete}, tags...)
		stamp := "UPDATE " + m.quotedTable() + " SET " +
			quoteIdent("_rev_id") + " = $1, " +
			quoteIdent("_rev_user") + " = $2, " +
			quoteIdent("_rev_date") + " = $3, " +
			quoteIdent("_rev_tags") + " = $4, " +
			quoteIdent("_rev_deleted") + " = true WHERE " + quoteIdent("_rev_id") + " = $5"
		if _, err := m.db.Exec(ctx, stamp, newRevID, actor.ID, newDate, newTags, curRev.RevID); err != nil {
			return err
		}
		if err := m.archiveRow(ctx, curRv, id); err != nil {
			return err
		}
		sweep := "UPDATE " + m.quotedTable() + " SET " + quoteIdent("_rev_deleted") +
			" = true WHERE " + quoteIdent("id") + " = $1 AND " + quoteIdent("_rev_id") + " <> $2"
		if _, err := m.db.Exec(ctx, sweep, id, newRevID); err != nil {
			return err
		}

		rev.RevID = newRevID
		rev.RevUser = actor.ID
		rev.RevDate = newDate
		rev.RevTags = newTags
		rev.RevDeleted = true
		return nil
	})
}

// lockCurrent reads the current row for id under FOR UPDATE into dest. A
// missing current row is classified into not-found, stale or deleted.
func (m *Model) lockCurrent(ctx context.Context, id uuid.UUID, dest any) (reflect.Value, error) {
	rv, err := m.structValue(dest)
	if err != nil {
		return reflect.Value{}, err
	}
	sql := "SELECT " + m.columnList() + " FROM " + m.quotedTable() +
		" WHERE " + m.qualify("id") + " = $1 AND " + m.qualify("_old_rev_of") + " IS NULL FOR UPDATE"
	row := m.db.QueryRow(ctx, sql, id)
	if err := row.Scan(m.scanDests(rv)...); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return reflect.Value{}, m.classifyMissing(ctx, id)
		}
		return reflect.Value{}, err
	}
	if dest.(revisionRecord).revision().RevDeleted {
		return reflect.Value{}, &RevisionDeletedError{Table: m.name, ID: id}
	}
	return rv, nil
}

// classifyMissing tells apart "never existed" from "only history remains"
// from "tombstoned", for an id that has no live current row.
func (m *Model) classifyMissing(ctx context.Context, id uuid.UUID) error {
	sql := "SELECT " + m.qualify("_old_rev_of") + ", " + m.qualify("_rev_deleted") +
		" FROM " + m.quotedTable() +
		" WHERE " + m.qualify("id") + " = $1 OR " + m.qualify("_rev_id") + " = $1 LIMIT 1"
	var oldRevOf *uuid.UUID
	var deleted bool
	if err := m.db.QueryRow(ctx, sql, id).Scan(&oldRevOf, &deleted); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return &DocumentNotFoundError{Table: m.name, ID: id}
		}
		return err
	}
	if deleted {
		return &RevisionDeletedError{Table: m.name, ID: id}
	}
	return &RevisionStaleError{Table: m.name, ID: id}
}

// archiveRow inserts a historical copy of the row held in rv, preserving its
// revision id and marking it superseded.
func (m *Model) archiveRow(ctx context.Context, rv reflect.Value, id uuid.UUID) error {
	cp := reflect.New(m.typ)
	cp.Elem().Set(rv)
	old := id
	cp.Interface().(revisionRecord).revision().OldRevOf = &old
	return m.insert(ctx, cp.Interface(), cp.Elem())
}

// GetNotStaleOrDeleted fetches the current row for id into dest. The id may
// be a document id or a specific revision id: a revision id that resolves
// to a superseded row fails with *RevisionStaleError so the caller can
// redirect to the current state, and a tombstoned document fails with
// *RevisionDeletedError.
func (m *Model) GetNotStaleOrDeleted(ctx context.Context, id uuid.UUID, dest any) error {
	if err := m.requireRevisioned("GetNotStaleOrDeleted"); err != nil {
		return err
	}
	rv, err := m.structValue(dest)
	if err != nil {
		return err
	}
	cur := "SELECT " + m.columnList() + " FROM " + m.quotedTable() +
		" WHERE " + m.qualify("id") + " = $1 AND " + m.qualify("_old_rev_of") + " IS NULL"
	scanErr := m.db.QueryRow(ctx, cur, id).Scan(m.scanDests(rv)...)
	switch {
	case scanErr == nil:
		if dest.(revisionRecord).revision().RevDeleted {
			return &RevisionDeletedError{Table: m.name, ID: id}
		}
		m.markLoaded(dest, rv)
		return nil
	case errors.Is(scanErr, pgx.ErrNoRows):
		// Fall through to the revision-id lookup.
	default:
		return scanErr
	}

	byRev := "SELECT " + m.columnList() + " FROM " + m.quotedTable() +
		" WHERE " + m.qualify("_rev_id") + " = $1"
	if err := m.db.QueryRow(ctx, byRev, id).Scan(m.scanDests(rv)...); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return &DocumentNotFoundError{Table: m.name, ID: id}
		}
		return err
	}
	rev := dest.(revisionRecord).revision()
	if rev.RevDeleted {
		return &RevisionDeletedError{Table: m.name, ID: id}
	}
	if rev.OldRevOf != nil {
		return &RevisionStaleError{Table: m.name, ID: rev.ID}
	}
	m.markLoaded(dest, rv)
	return nil
}

// GetMultipleNotStaleOrDeleted fetches the current rows for ids into dest, a
// pointer to a slice. Ids without a live current row are simply absent from
// the result.
func (m *Model) GetMultipleNotStaleOrDeleted(ctx context.Context, ids []uuid.UUID, dest any) error {
	if err := m.requireRevisioned("GetMultipleNotStaleOrDeleted"); err != nil {
		return err
	}
	sql := "SELECT " + m.columnList() + " FROM " + m.quotedTable() +
		" WHERE " + m.qualify("id") + " = ANY($1::uuid[])" +
		" AND " + m.qualify("_old_rev_of") + " IS NULL" +
		" AND " + m.qualify("_rev_deleted") + " IS NOT TRUE"
	rows, err := m.db.Query(ctx, sql, uuidStrings(ids))
	if err != nil {
		return err
	}
	return m.collectRows(rows, dest)
}

func uuidStrings(ids []uuid.UUID) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = id.String()
	}
	return out
}
