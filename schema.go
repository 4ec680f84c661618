package revdoc

import (
	"database/sql"
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"reflect"
	"strconv"
	"time"

	"github.com/gofrs/uuid/v5"
)

// FieldKind classifies how a field is stored and coerced.
type FieldKind int

const (
	KindString FieldKind = iota
	KindBool
	KindInt
	KindFloat
	KindTimestamp
	KindUUID
	KindStringArray
	KindJSONB
)

// Field describes one mapping between a struct field and a table column.
// The mapping is fixed at model construction; application code only ever
// sees field names, never column names.
type Field struct {
	Name     string    // exported struct field name
	Column   string    // snake_case column name
	Kind     FieldKind
	Index    []int  // reflect index path, handles embedded structs
	Default  string // raw default from the tag, "" if none
	Nullable bool   // pointer-typed field
	Reserved bool   // one of the revision columns
}

var (
	timeType = reflect.TypeOf(time.Time{})
	uuidType = reflect.TypeOf(uuid.UUID{})
)

// parseFields collects column mappings from a struct type. Embedded structs
// are flattened; unexported fields and fields tagged column:"-" are skipped.
func parseFields(rt reflect.Type) ([]Field, error) {
	if rt.Kind() != reflect.Struct {
		return nil, fmt.Errorf("revdoc: prototype must be a struct, got %s", rt.Kind())
	}
	var fields []Field
	for i := 0; i < rt.NumField(); i++ {
		f := rt.Field(i)
		if f.Anonymous {
			sub, err := parseFields(f.Type)
			if err != nil {
				return nil, err
			}
			for _, s := range sub {
				s.Index = append([]int{i}, s.Index...)
				fields = append(fields, s)
			}
			continue
		}
		if f.PkgPath != "" {
			continue // unexported
		}
		column := f.Tag.Get("column")
		if column == "-" {
			continue
		}
		if column == "" {
			column = toSnake(f.Name)
		}
		kind, nullable, err := fieldKind(f.Type)
		if err != nil {
			return nil, fmt.Errorf("revdoc: field %s: %w", f.Name, err)
		}
		fields = append(fields, Field{
			Name:     f.Name,
			Column:   column,
			Kind:     kind,
			Index:    []int{i},
			Default:  f.Tag.Get("default"),
			Nullable: nullable,
			Reserved: isRevisionColumn(column),
		})
	}
	return fields, nil
}

func fieldKind(t reflect.Type) (FieldKind, bool, error) {
	nullable := false
	if t.Kind() == reflect.Ptr {
		nullable = true
		t = t.Elem()
	}
	switch {
	case t == uuidType:
		return KindUUID, nullable, nil
	case t == timeType:
		return KindTimestamp, nullable, nil
	}
	switch t.Kind() {
	case reflect.String:
		return KindString, nullable, nil
	case reflect.Bool:
		return KindBool, nullable, nil
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return KindInt, nullable, nil
	case reflect.Float32, reflect.Float64:
		return KindFloat, nullable, nil
	case reflect.Slice:
		if t.Elem().Kind() == reflect.String {
			return KindStringArray, nullable, nil
		}
		return KindJSONB, nullable, nil
	case reflect.Map, reflect.Struct:
		return KindJSONB, nullable, nil
	default:
		return 0, false, fmt.Errorf("unsupported type %s", t)
	}
}

// fieldValue reads the field's current value from a struct value.
func fieldValue(rv reflect.Value, f Field) any {
	return rv.FieldByIndex(f.Index).Interface()
}

// fieldAddr returns a pointer to the field, used as a scan destination.
func fieldAddr(rv reflect.Value, f Field) any {
	return rv.FieldByIndex(f.Index).Addr().Interface()
}

// storageValue coerces a field value into a driver-acceptable form. JSONB
// fields without their own Valuer are JSON-encoded here.
func (f Field) storageValue(v any) any {
	if f.Kind != KindJSONB {
		return v
	}
	if _, ok := v.(driver.Valuer); ok {
		return v
	}
	return jsonbValue{v}
}

// scanDest returns a scan destination for the field. JSONB fields without
// their own Scanner are decoded through a JSON shim.
func (f Field) scanDest(rv reflect.Value) any {
	addr := fieldAddr(rv, f)
	if f.Kind != KindJSONB {
		return addr
	}
	if _, ok := addr.(sql.Scanner); ok {
		return addr
	}
	return &jsonbScan{target: addr}
}

type jsonbValue struct{ v any }

func (j jsonbValue) Value() (driver.Value, error) {
	if j.v == nil {
		return nil, nil
	}
	return json.Marshal(j.v)
}

type jsonbScan struct{ target any }

func (j *jsonbScan) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		return nil
	case []byte:
		return json.Unmarshal(v, j.target)
	case string:
		return json.Unmarshal([]byte(v), j.target)
	default:
		return fmt.Errorf("revdoc: cannot scan %T into jsonb field", src)
	}
}

// applyDefaults fills zero-valued fields that declare a default. "now" on a
// timestamp field resolves to the current UTC time; other defaults are
// parsed as literals of the field's kind.
func applyDefaults(rv reflect.Value, fields []Field, now time.Time) error {
	for _, f := range fields {
		if f.Default == "" {
			continue
		}
		fv := rv.FieldByIndex(f.Index)
		if !fv.IsZero() {
			continue
		}
		switch f.Kind {
		case KindTimestamp:
			if f.Default == "now" {
				fv.Set(reflect.ValueOf(now))
				continue
			}
			t, err := time.Parse(time.RFC3339, f.Default)
			if err != nil {
				return fmt.Errorf("revdoc: bad default for %s: %w", f.Name, err)
			}
			fv.Set(reflect.ValueOf(t))
		case KindString:
			fv.SetString(f.Default)
		case KindBool:
			b, err := strconv.ParseBool(f.Default)
			if err != nil {
				return fmt.Errorf("revdoc: bad default for %s: %w", f.Name, err)
			}
			fv.SetBool(b)
		case KindInt:
			n, err := strconv.ParseInt(f.Default, 10, 64)
			if err != nil {
				return fmt.Errorf("revdoc: bad default for %s: %w", f.Name, err)
			}
			fv.SetInt(n)
		case KindFloat:
			n, err := strconv.ParseFloat(f.Default, 64)
			if err != nil {
				return fmt.Errorf("revdoc: bad default for %s: %w", f.Name, err)
			}
			fv.SetFloat(n)
		default:
			return fmt.Errorf("revdoc: default not supported for field %s", f.Name)
		}
	}
	return nil
}

// takeSnapshot records the current column values of an instance. Slices and
// maps are copied so later in-place edits still diff against the old state.
func takeSnapshot(rv reflect.Value, fields []Field) map[string]any {
	snap := make(map[string]any, len(fields))
	for _, f := range fields {
		snap[f.Column] = copyValue(fieldValue(rv, f))
	}
	return snap
}

func copyValue(v any) any {
	switch t := v.(type) {
	case []string:
		if t == nil {
			return nil
		}
		return append([]string(nil), t...)
	case MultilingualString:
		if t == nil {
			return nil
		}
		out := make(MultilingualString, len(t))
		for k, val := range t {
			out[k] = val
		}
		return out
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Slice:
		if rv.IsNil() {
			return v
		}
		out := reflect.MakeSlice(rv.Type(), rv.Len(), rv.Len())
		reflect.Copy(out, rv)
		return out.Interface()
	case reflect.Map:
		if rv.IsNil() {
			return v
		}
		out := reflect.MakeMapWithSize(rv.Type(), rv.Len())
		iter := rv.MapRange()
		for iter.Next() {
			out.SetMapIndex(iter.Key(), iter.Value())
		}
		return out.Interface()
	}
	return v
}
