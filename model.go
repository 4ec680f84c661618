package revdoc

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/jackc/pgx/v5"
)

// Model binds a table name and a parsed schema to CRUD primitives. A model
// is safe for concurrent use; the document instances it produces are not.
type Model struct {
	db         *DB
	name       string // unprefixed table name
	typ        reflect.Type
	fields     []Field
	byName     map[string]Field
	relations  map[string]Relation
	revisioned bool
	dateColumn string
	policy     AccessPolicy
}

// ModelOption configures a model at construction.
type ModelOption func(*Model) error

// WithRelation declares join metadata for the query builder.
func WithRelation(r Relation) ModelOption {
	return func(m *Model) error { return m.addRelation(r) }
}

// WithDateColumn sets the column Between filters on. Default created_on.
func WithDateColumn(column string) ModelOption {
	return func(m *Model) error {
		m.dateColumn = column
		return nil
	}
}

// WithAccessPolicy overrides the capability derivation for PopulateUserInfo.
func WithAccessPolicy(p AccessPolicy) ModelOption {
	return func(m *Model) error {
		m.policy = p
		return nil
	}
}

// NewModel builds a model from a prototype struct. The prototype must embed
// Record, or Revision for history-tracked tables. Table name comes from a
// TableName method or the pluralized snake_case type name.
func NewModel(db *DB, prototype any, opts ...ModelOption) (*Model, error) {
	rt := reflect.TypeOf(prototype)
	if rt.Kind() == reflect.Ptr {
		rt = rt.Elem()
	}
	fields, err := parseFields(rt)
	if err != nil {
		return nil, err
	}
	inst := reflect.New(rt).Interface()
	if _, ok := inst.(record); !ok {
		return nil, fmt.Errorf("revdoc: %s must embed revdoc.Record or revdoc.Revision", rt.Name())
	}
	_, revisioned := inst.(revisionRecord)

	m := &Model{
		db:         db,
		name:       toTableName(prototype, rt.Name()),
		typ:        rt,
		fields:     fields,
		byName:     make(map[string]Field, len(fields)),
		relations:  map[string]Relation{},
		revisioned: revisioned,
		dateColumn: "created_on",
		policy:     defaultAccessPolicy,
	}
	hasID := false
	for _, f := range fields {
		if _, dup := m.byName[f.Name]; dup {
			return nil, fmt.Errorf("revdoc: %s declares field %s twice", rt.Name(), f.Name)
		}
		m.byName[f.Name] = f
		if f.Column == "id" {
			hasID = true
		}
	}
	if !hasID {
		return nil, fmt.Errorf("revdoc: %s has no id column", rt.Name())
	}
	for _, opt := range opts {
		if err := opt(m); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// MustNewModel is like NewModel but panics on error. For package-level
// model variables wired at startup.
func MustNewModel(db *DB, prototype any, opts ...ModelOption) *Model {
	m, err := NewModel(db, prototype, opts...)
	if err != nil {
		panic(err)
	}
	return m
}

// Name returns the unprefixed table name.
func (m *Model) Name() string { return m.name }

// Table returns the physical, prefix-qualified table name.
func (m *Model) Table() string { return m.db.prefix + m.name }

// Revisioned reports whether the model participates in the revision scheme.
func (m *Model) Revisioned() bool { return m.revisioned }

// Field returns the mapping for an application-facing field name.
func (m *Model) Field(name string) (Field, bool) {
	f, ok := m.byName[name]
	return f, ok
}

// New returns a fresh, unsaved instance of the model's document type.
func (m *Model) New() any { return reflect.New(m.typ).Interface() }

// quotedTable returns the quoted physical table name.
func (m *Model) quotedTable() string { return quoteIdent(m.Table()) }

// qualify table-qualifies a column, `"things"."id"`. All projected columns
// are qualified so joins never produce ambiguous references.
func (m *Model) qualify(column string) string {
	return quoteIdent(m.Table()) + "." + quoteIdent(column)
}

// columnList returns all projected columns, table-qualified.
func (m *Model) columnList() string {
	cols := make([]string, len(m.fields))
	for i, f := range m.fields {
		cols[i] = m.qualify(f.Column)
	}
	return strings.Join(cols, ", ")
}

// structValue checks that doc is a pointer to this model's type and returns
// the addressable struct value.
func (m *Model) structValue(doc any) (reflect.Value, error) {
	rv := reflect.ValueOf(doc)
	if rv.Kind() != reflect.Ptr || rv.IsNil() || rv.Elem().Type() != m.typ {
		return reflect.Value{}, fmt.Errorf("revdoc: expected *%s, got %T", m.typ.Name(), doc)
	}
	return rv.Elem(), nil
}

// validate runs the document's Validate hook if it has one.
func (m *Model) validate(doc any) error {
	v, ok := doc.(interface{ Validate() error })
	if !ok {
		return nil
	}
	if err := v.Validate(); err != nil {
		var ve *ValidationError
		if errors.As(err, &ve) {
			return err
		}
		return &ValidationError{Table: m.name, Err: err}
	}
	return nil
}

// documentID reads the id column from an instance.
func (m *Model) documentID(rv reflect.Value) uuid.UUID {
	f := m.byName[m.idFieldName()]
	id, _ := fieldValue(rv, f).(uuid.UUID)
	return id
}

func (m *Model) idFieldName() string {
	for _, f := range m.fields {
		if f.Column == "id" {
			return f.Name
		}
	}
	return "ID"
}

// markLoaded flags the instance as database-backed and snapshots it so the
// next Save can compute the dirty column set.
func (m *Model) markLoaded(doc any, rv reflect.Value) {
	st := doc.(record).state()
	st.persisted = true
	st.snapshot = takeSnapshot(rv, m.fields)
}

// Create inserts a new row, applying schema defaults first. A unique
// constraint violation surfaces as *DuplicateKeyError.
func (m *Model) Create(ctx context.Context, doc any) error {
	rv, err := m.structValue(doc)
	if err != nil {
		return err
	}
	if err := m.validate(doc); err != nil {
		return err
	}
	if err := applyDefaults(rv, m.fields, time.Now().UTC()); err != nil {
		return err
	}
	return m.insert(ctx, doc, rv)
}

func (m *Model) insert(ctx context.Context, doc any, rv reflect.Value) error {
	cols := make([]string, len(m.fields))
	params := make([]string, len(m.fields))
	args := make([]any, len(m.fields))
	for i, f := range m.fields {
		cols[i] = quoteIdent(f.Column)
		params[i] = fmt.Sprintf("$%d", i+1)
		args[i] = f.storageValue(fieldValue(rv, f))
	}
	sql := "INSERT INTO " + m.quotedTable() +
		" (" + strings.Join(cols, ", ") + ") VALUES (" + strings.Join(params, ", ") + ")"
	if _, err := m.db.Exec(ctx, sql, args...); err != nil {
		return wrapInsertError(m.name, err)
	}
	m.markLoaded(doc, rv)
	return nil
}

// Get fetches a document by its identity into dest. For revisioned models
// the identity resolves to the current row; use GetNotStaleOrDeleted when
// stale and deleted states must be told apart.
func (m *Model) Get(ctx context.Context, id uuid.UUID, dest any) error {
	rv, err := m.structValue(dest)
	if err != nil {
		return err
	}
	sql := "SELECT " + m.columnList() + " FROM " + m.quotedTable() +
		" WHERE " + m.qualify("id") + " = $1"
	if m.revisioned {
		sql += " AND " + m.qualify("_old_rev_of") + " IS NULL"
	}
	row := m.db.QueryRow(ctx, sql, id)
	if err := row.Scan(m.scanDests(rv)...); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return &DocumentNotFoundError{Table: m.name, ID: id}
		}
		return err
	}
	m.markLoaded(dest, rv)
	return nil
}

func (m *Model) scanDests(rv reflect.Value) []any {
	dests := make([]any, len(m.fields))
	for i, f := range m.fields {
		dests[i] = f.scanDest(rv)
	}
	return dests
}

// Save inserts the instance if it is new, otherwise updates exactly the
// columns changed since the last load or save. Reserved revision columns are
// never part of an update; the revision layer writes those itself.
func (m *Model) Save(ctx context.Context, doc any) error {
	rv, err := m.structValue(doc)
	if err != nil {
		return err
	}
	st := doc.(record).state()
	if !st.persisted {
		return m.Create(ctx, doc)
	}
	if err := m.validate(doc); err != nil {
		return err
	}

	var sets []string
	var args []any
	for _, f := range m.fields {
		if f.Reserved {
			continue
		}
		cur := fieldValue(rv, f)
		if reflect.DeepEqual(cur, st.snapshot[f.Column]) {
			continue
		}
		args = append(args, f.storageValue(cur))
		sets = append(sets, fmt.Sprintf("%s = $%d", quoteIdent(f.Column), len(args)))
	}
	if len(sets) == 0 {
		return nil
	}

	var where string
	if m.revisioned {
		rev := doc.(revisionRecord).revision()
		args = append(args, rev.RevID)
		where = fmt.Sprintf("%s = $%d", quoteIdent("_rev_id"), len(args))
	} else {
		args = append(args, m.documentID(rv))
		where = fmt.Sprintf("%s = $%d", quoteIdent("id"), len(args))
	}
	sql := "UPDATE " + m.quotedTable() + " SET " + strings.Join(sets, ", ") + " WHERE " + where

	tag, err := m.db.Exec(ctx, sql, args...)
	if err != nil {
		return wrapInsertError(m.name, err)
	}
	if tag.RowsAffected() == 0 {
		if m.revisioned {
			rev := doc.(revisionRecord).revision()
			return &RevisionStaleError{Table: m.name, ID: rev.ID}
		}
		return &DocumentNotFoundError{Table: m.name, ID: m.documentID(rv)}
	}
	st.snapshot = takeSnapshot(rv, m.fields)
	return nil
}

// SaveAll saves every instance inside one transaction, so a failure leaves
// none of them applied.
func (m *Model) SaveAll(ctx context.Context, docs ...any) error {
	return m.db.Transaction(ctx, func(ctx context.Context) error {
		for _, doc := range docs {
			if err := m.Save(ctx, doc); err != nil {
				return err
			}
		}
		return nil
	})
}

// Capabilities are the boolean flags PopulateUserInfo derives for a viewer.
type Capabilities struct {
	IsAuthor  bool
	CanEdit   bool
	CanDelete bool
}

// AccessPolicy derives capability flags from a document and an actor. It
// must be pure: no I/O, no mutation of doc.
type AccessPolicy func(doc any, actor Actor) Capabilities

// defaultAccessPolicy: the revision author edits their own work, superusers
// edit anything, moderators may additionally delete.
func defaultAccessPolicy(doc any, actor Actor) Capabilities {
	rr, ok := doc.(revisionRecord)
	if !ok {
		return Capabilities{}
	}
	author := rr.revision().RevUser == actor.ID
	return Capabilities{
		IsAuthor:  author,
		CanEdit:   author || actor.IsSuperuser,
		CanDelete: author || actor.IsSuperuser || actor.IsModerator,
	}
}

// PopulateUserInfo attaches the actor's capability flags to the instance.
// Pure and synchronous; it never touches the database.
func (m *Model) PopulateUserInfo(doc any, actor Actor) {
	rr, ok := doc.(revisionRecord)
	if !ok {
		return
	}
	caps := m.policy(doc, actor)
	rev := rr.revision()
	rev.UserIsAuthor = caps.IsAuthor
	rev.UserCanEdit = caps.CanEdit
	rev.UserCanDelete = caps.CanDelete
}
