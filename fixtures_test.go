package revdoc

import (
	"fmt"
	"testing"
	"time"

	"github.com/gofrs/uuid/v5"
	pgxmock "github.com/pashagolub/pgxmock/v3"
	"github.com/stretchr/testify/require"
)

// Test fixtures mirror the sample schema in migrations/.

type Thing struct {
	Revision

	Label     MultilingualString
	URLs      []string  `column:"urls"`
	CreatedOn time.Time `default:"now"`
	CreatedBy uuid.UUID

	Reviews []*Review `column:"-"`
}

type Review struct {
	Revision

	ThingID    uuid.UUID `column:"thing_id"`
	Title      MultilingualString
	StarRating int
	CreatedOn  time.Time `default:"now"`
	CreatedBy  uuid.UUID

	Thing *Thing `column:"-"`
}

func (r *Review) Validate() error {
	if r.StarRating < 1 || r.StarRating > 5 {
		return &ValidationError{Table: "reviews", Field: "StarRating",
			Err: fmt.Errorf("rating %d out of range", r.StarRating)}
	}
	return nil
}

// Tag is a plain table without revision tracking.
type Tag struct {
	Record

	ID   uuid.UUID
	Name string
}

var (
	thingColumns = []string{
		"id", "_rev_id", "_rev_user", "_rev_date", "_rev_tags", "_old_rev_of", "_rev_deleted",
		"label", "urls", "created_on", "created_by",
	}
	reviewColumns = []string{
		"id", "_rev_id", "_rev_user", "_rev_date", "_rev_tags", "_old_rev_of", "_rev_deleted",
		"thing_id", "title", "star_rating", "created_on", "created_by",
	}
)

func newMockDB(t *testing.T) (*DB, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	return NewDB(mock, Config{}), mock
}

func thingModel(t *testing.T, db *DB) *Model {
	t.Helper()
	m, err := NewModel(db, Thing{})
	require.NoError(t, err)
	return m
}

func reviewModel(t *testing.T, db *DB) *Model {
	t.Helper()
	m, err := NewModel(db, Review{})
	require.NoError(t, err)
	return m
}

// thingAndReviewModels wires the mutual relations used by join tests.
func thingAndReviewModels(t *testing.T, db *DB) (*Model, *Model) {
	t.Helper()
	things := thingModel(t, db)
	reviews := reviewModel(t, db)
	require.NoError(t, things.Relate(Relation{
		Name: "reviews", Target: reviews, SourceKey: "thing_id", Cardinality: Many,
	}))
	require.NoError(t, reviews.Relate(Relation{
		Name: "thing", Target: things, SourceKey: "thing_id", Cardinality: One,
	}))
	return things, reviews
}

func tagModel(t *testing.T, db *DB) *Model {
	t.Helper()
	m, err := NewModel(db, Tag{})
	require.NoError(t, err)
	return m
}

// thingRow builds a row in thingColumns order for pgxmock.
func thingRow(th *Thing) []any {
	var oldRevOf any
	if th.OldRevOf != nil {
		oldRevOf = th.OldRevOf
	}
	label := []byte(`{}`)
	if th.Label != nil {
		v, _ := th.Label.Value()
		label = v.([]byte)
	}
	return []any{
		th.ID, th.RevID, th.RevUser, th.RevDate, th.RevTags, oldRevOf, th.RevDeleted,
		label, th.URLs, th.CreatedOn, th.CreatedBy,
	}
}

func newTestThing(actor Actor) *Thing {
	th := &Thing{}
	th.ID = uuid.Must(uuid.NewV4())
	th.RevID = uuid.Must(uuid.NewV4())
	th.RevUser = actor.ID
	th.RevDate = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	th.RevTags = []string{"create"}
	th.Label = MultilingualString{"en": "Example"}
	th.URLs = []string{"https://example.com"}
	th.CreatedOn = th.RevDate
	th.CreatedBy = actor.ID
	return th
}
