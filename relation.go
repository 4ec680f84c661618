package revdoc

import "fmt"

// Cardinality says how many target rows a relation yields per source row.
type Cardinality int

const (
	// One joins a single target row through a local foreign key column.
	One Cardinality = iota
	// Many collects target rows whose foreign key points back at the source.
	Many
)

// Relation declares a join between two models. It is pure metadata: the
// query builder consults it at compile time, nothing is stored for it.
type Relation struct {
	// Name identifies the relation in join specs.
	Name string
	// Target is the joined model. If the target is revisioned, every join
	// additionally constrains it to its current, non-deleted row.
	Target *Model
	// SourceKey is the foreign key column: on the source table for One
	// ("team_id"), on the target table for Many ("thing_id").
	SourceKey string
	// Cardinality selects the join shape.
	Cardinality Cardinality
	// Field names the struct field the joined documents are attached to.
	// Defaults to the relation name's CamelCase form.
	Field string
}

// Relate declares join metadata after construction. Needed when two models
// reference each other and neither exists first.
func (m *Model) Relate(r Relation) error { return m.addRelation(r) }

// Relation returns the declared join metadata for name.
func (m *Model) Relation(name string) (Relation, bool) {
	r, ok := m.relations[name]
	return r, ok
}

func (m *Model) addRelation(r Relation) error {
	if r.Name == "" || r.Target == nil || r.SourceKey == "" {
		return fmt.Errorf("revdoc: relation on %s needs Name, Target and SourceKey", m.name)
	}
	if r.Field == "" {
		r.Field = toCamel(r.Name)
	}
	if _, ok := m.typ.FieldByName(r.Field); !ok {
		return fmt.Errorf("revdoc: relation %s: %s has no field %s", r.Name, m.typ.Name(), r.Field)
	}
	if _, dup := m.relations[r.Name]; dup {
		return fmt.Errorf("revdoc: relation %s declared twice on %s", r.Name, m.name)
	}
	m.relations[r.Name] = r
	return nil
}

// toCamel converts snake_case to CamelCase, "blog_posts" to "BlogPosts".
func toCamel(in string) string {
	var out []rune
	upper := true
	for _, r := range in {
		if r == '_' {
			upper = true
			continue
		}
		if upper {
			out = append(out, toUpperRune(r))
			upper = false
			continue
		}
		out = append(out, r)
	}
	return string(out)
}

func toUpperRune(r rune) rune {
	if r >= 'a' && r <= 'z' {
		return r - ('a' - 'A')
	}
	return r
}
