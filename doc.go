// Package revdoc is a data access layer for collaboratively edited
// documents stored in PostgreSQL. A document keeps a stable identity across
// edits while its content forms an append-only chain of revisions: every
// edit archives the previous state as a historical row and re-stamps the
// current row with a fresh revision id. Deletion writes a terminal
// tombstone revision; history is never destroyed.
//
// Document types are plain structs embedding Revision (or Record for tables
// without history), with columns mapped from struct tags:
//
//	type Thing struct {
//		revdoc.Revision
//
//		Label     revdoc.MultilingualString
//		URLs      []string `column:"urls"`
//		CreatedOn time.Time `default:"now"`
//		CreatedBy uuid.UUID
//	}
//
//	things := revdoc.MustNewModel(db, Thing{})
//	doc, _ := things.CreateFirstRevision(actor, nil)
//	thing := doc.(*Thing)
//	thing.Label = revdoc.MultilingualString{"en": "An example"}
//	err := things.Save(ctx, thing)
//
// Reads that must distinguish "superseded" from "deleted" go through
// GetNotStaleOrDeleted; list queries chain through the query builder:
//
//	var recent []*Thing
//	err := things.FilterNotStaleOrDeleted().
//		OrderBy("CreatedOn", revdoc.Descending).
//		Limit(20).
//		Run(ctx, &recent)
//
// All SQL is parameterized; identifiers come from schema and relation
// metadata only. Multi-statement operations (NewRevision,
// DeleteAllRevisions, SaveAll) run inside one transaction whose connection
// is carried by the context, so nested calls join it automatically.
package revdoc
