package revdoc

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"github.com/gofrs/uuid/v5"
)

// MultilingualString maps language codes to text and is stored as JSONB.
type MultilingualString map[string]string

// Value implements driver.Valuer.
func (m MultilingualString) Value() (driver.Value, error) {
	if m == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(m)
}

// Scan implements sql.Scanner.
func (m *MultilingualString) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		*m = nil
		return nil
	case []byte:
		return json.Unmarshal(v, m)
	case string:
		return json.Unmarshal([]byte(v), m)
	default:
		return fmt.Errorf("revdoc: cannot scan %T into MultilingualString", src)
	}
}

// Actor identifies who performs an operation, plus the role bits the access
// policy derives capabilities from.
type Actor struct {
	ID          uuid.UUID
	IsSuperuser bool
	IsModerator bool
}

// recordState is per-instance persistence bookkeeping: whether the row
// exists in the database and the column snapshot taken at load/save time.
// Save compares current values against the snapshot and touches only the
// columns that differ.
type recordState struct {
	persisted bool
	snapshot  map[string]any
}

// Record is the base every document struct embeds, directly or via Revision.
// It carries no columns of its own.
type Record struct {
	rs recordState
}

func (r *Record) state() *recordState { return &r.rs }

// Persisted reports whether the instance is backed by a database row.
func (r *Record) Persisted() bool { return r.rs.persisted }

// record is implemented by any struct embedding Record.
type record interface {
	state() *recordState
}

// Revision carries the reserved revision columns shared by every
// history-tracked table. The revision layer owns these columns exclusively;
// domain code must never write them directly.
type Revision struct {
	Record

	ID         uuid.UUID  `column:"id"`
	RevID      uuid.UUID  `column:"_rev_id"`
	RevUser    uuid.UUID  `column:"_rev_user"`
	RevDate    time.Time  `column:"_rev_date"`
	RevTags    []string   `column:"_rev_tags"`
	OldRevOf   *uuid.UUID `column:"_old_rev_of"`
	RevDeleted bool       `column:"_rev_deleted"`

	// Capability flags derived by PopulateUserInfo. Never stored.
	UserIsAuthor  bool `column:"-"`
	UserCanEdit   bool `column:"-"`
	UserCanDelete bool `column:"-"`
}

func (r *Revision) revision() *Revision { return r }

// revisionRecord is implemented by any struct embedding Revision.
type revisionRecord interface {
	record
	revision() *Revision
}

// Stale reports whether this instance is a superseded historical copy.
func (r *Revision) Stale() bool { return r.OldRevOf != nil }

// Deleted reports whether the document has been tombstoned.
func (r *Revision) Deleted() bool { return r.RevDeleted }

// Reserved revision column names, in declaration order.
var revisionColumns = []string{
	"id", "_rev_id", "_rev_user", "_rev_date", "_rev_tags", "_old_rev_of", "_rev_deleted",
}

func isRevisionColumn(name string) bool {
	for _, c := range revisionColumns {
		if c == name {
			return true
		}
	}
	return false
}
