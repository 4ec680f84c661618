package revdoc

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/jackc/pgx/v5"
)

// Direction restricts ordering to the two valid keywords, so the direction
// argument can never smuggle SQL.
type Direction string

const (
	Ascending  Direction = "ASC"
	Descending Direction = "DESC"
)

// JoinSpec selects a declared relation for inclusion in a query. Exactly two
// variants exist: SimpleJoin and TransformedJoin.
type JoinSpec interface {
	relationName() string
	transform() func(joined any)
}

// SimpleJoin includes the relation's documents as-is.
type SimpleJoin struct {
	Relation string
}

func (j SimpleJoin) relationName() string        { return j.Relation }
func (j SimpleJoin) transform() func(joined any) { return nil }

// TransformedJoin includes the relation's documents and applies a post-fetch
// transform to each joined instance, e.g. to blank a column the caller must
// not see.
type TransformedJoin struct {
	Relation  string
	Transform func(joined any)
}

func (j TransformedJoin) relationName() string        { return j.Relation }
func (j TransformedJoin) transform() func(joined any) { return j.Transform }

// Query accumulates filter, order, pagination and join state against one
// model and compiles it to parameterized SQL. Every method returns the same
// instance, so a query must never be shared across concurrent callers. A
// query that has run is spent; build a fresh one to run again.
type Query struct {
	model   *Model
	conds   []string
	args    []any
	orderBy []string
	limit   int
	offset  int
	joins   []JoinSpec
	err     error
}

// Query starts a new builder against the model.
func (m *Model) Query() *Query {
	return &Query{model: m, limit: -1, offset: -1}
}

// FilterNotStaleOrDeleted narrows a revisioned model's query to current,
// non-deleted rows — the predicate the partial index serves.
func (m *Model) FilterNotStaleOrDeleted() *Query {
	return m.Query().FilterNotStaleOrDeleted()
}

func (q *Query) fail(err error) *Query {
	if q.err == nil {
		q.err = err
	}
	return q
}

// param appends an argument and returns its placeholder.
func (q *Query) param(v any) string {
	q.args = append(q.args, v)
	return "$" + strconv.Itoa(len(q.args))
}

// Filter adds equality predicates for the given field map. Multiple Filter
// calls AND together. Field names are application-facing names, not columns.
func (q *Query) Filter(fields map[string]any) *Query {
	names := make([]string, 0, len(fields))
	for name := range fields {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		f, ok := q.model.byName[name]
		if !ok {
			return q.fail(fmt.Errorf("revdoc: %s has no field %s", q.model.typ.Name(), name))
		}
		v := fields[name]
		if v == nil {
			q.conds = append(q.conds, q.model.qualify(f.Column)+" IS NULL")
			continue
		}
		q.conds = append(q.conds, q.model.qualify(f.Column)+" = "+q.param(f.storageValue(v)))
	}
	return q
}

// FilterNotStaleOrDeleted restricts results to current, non-deleted rows.
func (q *Query) FilterNotStaleOrDeleted() *Query {
	if err := q.model.requireRevisioned("FilterNotStaleOrDeleted"); err != nil {
		return q.fail(err)
	}
	q.conds = append(q.conds,
		q.model.qualify("_old_rev_of")+" IS NULL",
		q.model.qualify("_rev_deleted")+" IS NOT TRUE",
	)
	return q
}

// FilterByRevisionTags keeps rows whose revision tags intersect the given
// set. Audit and history queries, not the hot path.
func (q *Query) FilterByRevisionTags(tags ...string) *Query {
	if err := q.model.requireRevisioned("FilterByRevisionTags"); err != nil {
		return q.fail(err)
	}
	q.conds = append(q.conds, q.model.qualify("_rev_tags")+" && "+q.param(tags)+"::text[]")
	return q
}

// Contains adds a membership predicate: element of an array column, or
// containment for a JSONB column.
func (q *Query) Contains(field string, value any) *Query {
	f, ok := q.model.byName[field]
	if !ok {
		return q.fail(fmt.Errorf("revdoc: %s has no field %s", q.model.typ.Name(), field))
	}
	switch f.Kind {
	case KindStringArray:
		q.conds = append(q.conds, q.param(value)+" = ANY("+q.model.qualify(f.Column)+")")
	case KindJSONB:
		q.conds = append(q.conds, q.model.qualify(f.Column)+" @> "+q.param(jsonbValue{value})+"::jsonb")
	default:
		return q.fail(fmt.Errorf("revdoc: Contains needs an array or jsonb field, %s is neither", field))
	}
	return q
}

// Between adds an inclusive range on the model's configured date column.
func (q *Query) Between(start, end time.Time) *Query {
	col := q.model.qualify(q.model.dateColumn)
	q.conds = append(q.conds, col+" >= "+q.param(start))
	q.conds = append(q.conds, col+" <= "+q.param(end))
	return q
}

// OrderBy appends an ordering term. Repeated calls compose left to right.
func (q *Query) OrderBy(field string, dir Direction) *Query {
	if dir != Ascending && dir != Descending {
		return q.fail(fmt.Errorf("revdoc: invalid order direction %q", dir))
	}
	f, ok := q.model.byName[field]
	if !ok {
		return q.fail(fmt.Errorf("revdoc: %s has no field %s", q.model.typ.Name(), field))
	}
	q.orderBy = append(q.orderBy, q.model.qualify(f.Column)+" "+string(dir))
	return q
}

// Limit caps the number of returned rows.
func (q *Query) Limit(n int) *Query {
	if n < 0 {
		return q.fail(fmt.Errorf("revdoc: negative limit %d", n))
	}
	q.limit = n
	return q
}

// Offset skips the first n rows.
func (q *Query) Offset(n int) *Query {
	if n < 0 {
		return q.fail(fmt.Errorf("revdoc: negative offset %d", n))
	}
	q.offset = n
	return q
}

// GetJoin includes a declared relation in the result. One-joins compile into
// a LEFT JOIN on the SELECT; many-joins run as one batched secondary query.
// Each call appends one spec; multiple joins compose.
func (q *Query) GetJoin(spec JoinSpec) *Query {
	if _, ok := q.model.relations[spec.relationName()]; !ok {
		return q.fail(fmt.Errorf("revdoc: %s has no relation %s", q.model.name, spec.relationName()))
	}
	q.joins = append(q.joins, spec)
	return q
}

func (q *Query) oneJoins() []Relation {
	var out []Relation
	for _, spec := range q.joins {
		rel := q.model.relations[spec.relationName()]
		if rel.Cardinality == One {
			out = append(out, rel)
		}
	}
	return out
}

// joinClause compiles one LEFT JOIN. When the target is revisioned, the
// current/non-deleted predicate lives on the ON clause, not the WHERE, so a
// missing or deleted related row degrades to NULL instead of dropping the
// outer row.
func (q *Query) joinClause(rel Relation) string {
	t := rel.Target
	on := q.model.qualify(rel.SourceKey) + " = " + t.qualify("id")
	if t.revisioned {
		on += " AND " + t.qualify("_old_rev_of") + " IS NULL"
		on += " AND " + t.qualify("_rev_deleted") + " IS NOT TRUE"
	}
	return " LEFT JOIN " + t.quotedTable() + " ON " + on
}

func (q *Query) where() string {
	if len(q.conds) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(q.conds, " AND ")
}

// buildSelect compiles the SELECT. Pure: no I/O, so SQL correctness is
// testable without a database.
func (q *Query) buildSelect() (string, []any, error) {
	if q.err != nil {
		return "", nil, q.err
	}
	cols := q.model.columnList()
	joins := ""
	for _, rel := range q.oneJoins() {
		cols += ", " + rel.Target.columnList()
		joins += q.joinClause(rel)
	}
	sql := "SELECT " + cols + " FROM " + q.model.quotedTable() + joins + q.where()
	if len(q.orderBy) > 0 {
		sql += " ORDER BY " + strings.Join(q.orderBy, ", ")
	}
	if q.limit >= 0 {
		sql += " LIMIT " + strconv.Itoa(q.limit)
	}
	if q.offset >= 0 {
		sql += " OFFSET " + strconv.Itoa(q.offset)
	}
	return sql, q.args, nil
}

// buildCount compiles a COUNT over the accumulated predicates, excluding
// order, limit and offset.
func (q *Query) buildCount() (string, []any, error) {
	if q.err != nil {
		return "", nil, q.err
	}
	return "SELECT COUNT(*) FROM " + q.model.quotedTable() + q.where(), q.args, nil
}

// buildDelete compiles a DELETE over the accumulated predicates.
func (q *Query) buildDelete() (string, []any, error) {
	if q.err != nil {
		return "", nil, q.err
	}
	return "DELETE FROM " + q.model.quotedTable() + q.where(), q.args, nil
}

// Run executes the SELECT and appends every resulting document to dest,
// which must be a pointer to a slice of the model's type (values or
// pointers).
func (q *Query) Run(ctx context.Context, dest any) error {
	docs, err := q.fetch(ctx)
	if err != nil {
		return err
	}
	return appendDocs(q.model, dest, docs)
}

// Each streams the result set one document at a time without materializing
// it: the sequence is finite and not restartable. Joins are not supported
// here; use Run.
func (q *Query) Each(ctx context.Context, fn func(doc any) error) error {
	if len(q.joins) > 0 {
		return errors.New("revdoc: Each does not support joins")
	}
	sql, args, err := q.buildSelect()
	if err != nil {
		return err
	}
	rows, err := q.model.db.Query(ctx, sql, args...)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		doc := q.model.New()
		rv := reflect.ValueOf(doc).Elem()
		if err := rows.Scan(q.model.scanDests(rv)...); err != nil {
			return err
		}
		q.model.markLoaded(doc, rv)
		if err := fn(doc); err != nil {
			return err
		}
	}
	return rows.Err()
}

// First returns the first row, or ok=false when there is none. Absence is
// not an error.
func (q *Query) First(ctx context.Context, dest any) (bool, error) {
	rv, err := q.model.structValue(dest)
	if err != nil {
		return false, err
	}
	docs, err := q.Limit(1).fetch(ctx)
	if err != nil {
		return false, err
	}
	if len(docs) == 0 {
		return false, nil
	}
	rv.Set(reflect.ValueOf(docs[0]).Elem())
	q.model.markLoaded(dest, rv)
	return true, nil
}

// Count executes the compiled COUNT.
func (q *Query) Count(ctx context.Context) (int, error) {
	sql, args, err := q.buildCount()
	if err != nil {
		return 0, err
	}
	var n int
	if err := q.model.db.QueryRow(ctx, sql, args...).Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}

// Exists reports whether at least one row matches the predicates.
func (q *Query) Exists(ctx context.Context) (bool, error) {
	if q.err != nil {
		return false, q.err
	}
	sql := "SELECT 1 FROM " + q.model.quotedTable() + q.where() + " LIMIT 1"
	var one int
	err := q.model.db.QueryRow(ctx, sql, q.args...).Scan(&one)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Delete executes the compiled DELETE and returns the number of rows
// removed. This is a physical delete; revisioned documents are normally
// retired through DeleteAllRevisions instead.
func (q *Query) Delete(ctx context.Context) (int64, error) {
	sql, args, err := q.buildDelete()
	if err != nil {
		return 0, err
	}
	tag, err := q.model.db.Exec(ctx, sql, args...)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// oneJoinScan holds per-row scratch space for a one-join: one doubly
// indirect destination per target column, so a NULL row from the LEFT JOIN
// scans cleanly.
type oneJoinScan struct {
	rel       Relation
	transform func(joined any)
	temps     []reflect.Value
}

func (q *Query) fetch(ctx context.Context) ([]any, error) {
	sql, args, err := q.buildSelect()
	if err != nil {
		return nil, err
	}
	var ones []*oneJoinScan
	for _, spec := range q.joins {
		rel := q.model.relations[spec.relationName()]
		if rel.Cardinality != One {
			continue
		}
		ones = append(ones, &oneJoinScan{rel: rel, transform: spec.transform()})
	}

	rows, err := q.model.db.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var docs []any
	for rows.Next() {
		doc := q.model.New()
		rv := reflect.ValueOf(doc).Elem()
		dests := q.model.scanDests(rv)
		for _, oj := range ones {
			oj.temps = oj.temps[:0]
			for _, f := range oj.rel.Target.fields {
				ft := oj.rel.Target.typ.FieldByIndex(f.Index).Type
				tmp := reflect.New(reflect.PointerTo(ft))
				oj.temps = append(oj.temps, tmp)
				dests = append(dests, tmp.Interface())
			}
		}
		if err := rows.Scan(dests...); err != nil {
			return nil, err
		}
		for _, oj := range ones {
			if err := oj.attach(rv); err != nil {
				return nil, err
			}
		}
		q.model.markLoaded(doc, rv)
		docs = append(docs, doc)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, spec := range q.joins {
		rel := q.model.relations[spec.relationName()]
		if rel.Cardinality != Many {
			continue
		}
		if err := q.attachMany(ctx, rel, spec.transform(), docs); err != nil {
			return nil, err
		}
	}
	return docs, nil
}

// attach materializes the joined document from the scanned temporaries and
// sets it on the outer instance. A NULL join key means no related row; the
// field stays nil.
func (oj *oneJoinScan) attach(outer reflect.Value) error {
	t := oj.rel.Target
	present := false
	for i, f := range t.fields {
		if f.Column == "id" && !oj.temps[i].Elem().IsNil() {
			present = true
		}
	}
	if !present {
		return nil
	}
	inst := reflect.New(t.typ)
	for i, f := range t.fields {
		p := oj.temps[i].Elem()
		if p.IsNil() {
			continue
		}
		inst.Elem().FieldByIndex(f.Index).Set(p.Elem())
	}
	doc := inst.Interface()
	t.markLoaded(doc, inst.Elem())
	if oj.transform != nil {
		oj.transform(doc)
	}
	field := outer.FieldByName(oj.rel.Field)
	if field.Type() != inst.Type() {
		return fmt.Errorf("revdoc: relation %s: field %s must be *%s", oj.rel.Name, oj.rel.Field, t.typ.Name())
	}
	field.Set(inst)
	return nil
}

// attachMany runs one batched query for a many-relation and distributes the
// joined documents onto the outer instances by foreign key.
func (q *Query) attachMany(ctx context.Context, rel Relation, transform func(joined any), docs []any) error {
	if len(docs) == 0 {
		return nil
	}
	t := rel.Target
	fk, ok := t.fieldByColumn(rel.SourceKey)
	if !ok {
		return fmt.Errorf("revdoc: relation %s: %s has no column %s", rel.Name, t.name, rel.SourceKey)
	}

	ids := make([]uuid.UUID, 0, len(docs))
	for _, doc := range docs {
		rv := reflect.ValueOf(doc).Elem()
		ids = append(ids, q.model.documentID(rv))
	}
	sql := "SELECT " + t.columnList() + " FROM " + t.quotedTable() +
		" WHERE " + t.qualify(rel.SourceKey) + " = ANY($1::uuid[])"
	if t.revisioned {
		sql += " AND " + t.qualify("_old_rev_of") + " IS NULL AND " + t.qualify("_rev_deleted") + " IS NOT TRUE"
	}
	rows, err := t.db.Query(ctx, sql, uuidStrings(ids))
	if err != nil {
		return err
	}
	defer rows.Close()

	grouped := map[uuid.UUID][]any{}
	for rows.Next() {
		inst := t.New()
		rv := reflect.ValueOf(inst).Elem()
		if err := rows.Scan(t.scanDests(rv)...); err != nil {
			return err
		}
		t.markLoaded(inst, rv)
		if transform != nil {
			transform(inst)
		}
		key, ok := fkValue(rv, fk)
		if !ok {
			continue
		}
		grouped[key] = append(grouped[key], inst)
	}
	if err := rows.Err(); err != nil {
		return err
	}

	for _, doc := range docs {
		rv := reflect.ValueOf(doc).Elem()
		field := rv.FieldByName(rel.Field)
		if field.Kind() != reflect.Slice {
			return fmt.Errorf("revdoc: relation %s: field %s must be a slice", rel.Name, rel.Field)
		}
		matches := grouped[q.model.documentID(rv)]
		out := reflect.MakeSlice(field.Type(), 0, len(matches))
		for _, m := range matches {
			mv := reflect.ValueOf(m)
			if field.Type().Elem().Kind() == reflect.Ptr {
				out = reflect.Append(out, mv)
			} else {
				out = reflect.Append(out, mv.Elem())
			}
		}
		field.Set(out)
	}
	return nil
}

func fkValue(rv reflect.Value, fk Field) (uuid.UUID, bool) {
	v := rv.FieldByIndex(fk.Index)
	if v.Kind() == reflect.Ptr {
		if v.IsNil() {
			return uuid.UUID{}, false
		}
		v = v.Elem()
	}
	id, ok := v.Interface().(uuid.UUID)
	return id, ok
}

// fieldByColumn looks a field up by its column name.
func (m *Model) fieldByColumn(column string) (Field, bool) {
	for _, f := range m.fields {
		if f.Column == column {
			return f, true
		}
	}
	return Field{}, false
}

// appendDocs appends fetched documents onto the caller's slice.
func appendDocs(m *Model, dest any, docs []any) error {
	rv := reflect.ValueOf(dest)
	if rv.Kind() != reflect.Ptr || rv.Elem().Kind() != reflect.Slice {
		return fmt.Errorf("revdoc: dest must be a pointer to a slice, got %T", dest)
	}
	sl := rv.Elem()
	elem := sl.Type().Elem()
	switch {
	case elem == reflect.PointerTo(m.typ):
		for _, doc := range docs {
			sl = reflect.Append(sl, reflect.ValueOf(doc))
		}
	case elem == m.typ:
		for _, doc := range docs {
			sl = reflect.Append(sl, reflect.ValueOf(doc).Elem())
		}
	default:
		return fmt.Errorf("revdoc: dest element must be %s or *%s", m.typ.Name(), m.typ.Name())
	}
	rv.Elem().Set(sl)
	return nil
}

// collectRows scans a plain (join-free) result set into dest.
func (m *Model) collectRows(rows pgx.Rows, dest any) error {
	defer rows.Close()
	var docs []any
	for rows.Next() {
		doc := m.New()
		rv := reflect.ValueOf(doc).Elem()
		if err := rows.Scan(m.scanDests(rv)...); err != nil {
			return err
		}
		m.markLoaded(doc, rv)
		docs = append(docs, doc)
	}
	if err := rows.Err(); err != nil {
		return err
	}
	return appendDocs(m, dest, docs)
}
