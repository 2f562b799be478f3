package discobase

import (
	"context"
	"reflect"
)

// Save writes a new record and fixes its location for life.
//
//	err := discobase.Save(ctx, db, &User{Name: "Peter", Password: "foobar"})
//
// A row that already has a location must go through Update instead.
func Save[Row any](ctx context.Context, db *DB, row *Row) error {
	tbl, cur, err := db.tableFor(reflect.TypeFor[Row]())
	if err != nil {
		return err
	}
	rowPtrVal := reflect.ValueOf(row)
	meta := rowMeta(rowPtrVal)
	if meta.loc != 0 {
		return storagef("record was already written (location %d); did you mean Update?", meta.loc)
	}
	loc, err := cur.addRecord(ctx, tbl, rowPtrVal.Elem())
	if err != nil {
		return err
	}
	meta.loc = loc
	return nil
}

// Update rewrites a saved record in place, reindexing exactly the
// fields whose value changed.
func Update[Row any](ctx context.Context, db *DB, row *Row) error {
	tbl, cur, err := db.tableFor(reflect.TypeFor[Row]())
	if err != nil {
		return err
	}
	rowPtrVal := reflect.ValueOf(row)
	meta := rowMeta(rowPtrVal)
	if meta.loc == 0 {
		return storagef("record has not been written; did you mean Save?")
	}
	return cur.updateRecord(ctx, tbl, rowPtrVal, meta.loc)
}

// Delete removes a saved record and every index reference to it, and
// resets the row to the unsaved state.
func Delete[Row any](ctx context.Context, db *DB, row *Row) error {
	tbl, cur, err := db.tableFor(reflect.TypeFor[Row]())
	if err != nil {
		return err
	}
	rowPtrVal := reflect.ValueOf(row)
	meta := rowMeta(rowPtrVal)
	if meta.loc == 0 {
		return storagef("record has not been written, nothing to delete")
	}
	if err := cur.deleteRecord(ctx, tbl, meta.loc); err != nil {
		return err
	}
	meta.loc = 0
	return nil
}

// Find returns every record matching the query, with locations
// populated. All pairs must match; an empty query returns the whole
// table.
func Find[Row any](ctx context.Context, db *DB, query Q) ([]*Row, error) {
	tbl, cur, err := db.tableFor(reflect.TypeFor[Row]())
	if err != nil {
		return nil, err
	}
	msgs, err := cur.findRecords(ctx, tbl, query)
	if err != nil {
		return nil, err
	}
	rows := make([]*Row, 0, len(msgs))
	for _, msg := range msgs {
		row := new(Row)
		if err := decodeRecord(tbl.name, msg.Content, row); err != nil {
			return nil, err
		}
		rowMeta(reflect.ValueOf(row)).loc = msg.ID
		rows = append(rows, row)
	}
	return rows, nil
}

// FindUnique returns the single record matching the query, or a
// LookupError when zero or more than one match.
func FindUnique[Row any](ctx context.Context, db *DB, query Q) (*Row, error) {
	if len(query) == 0 {
		return nil, lookupErrf("", "a query must be passed to FindUnique")
	}
	rows, err := Find[Row](ctx, db, query)
	if err != nil {
		return nil, err
	}
	switch len(rows) {
	case 0:
		return nil, lookupErrf("", "no record found for query %v", query)
	case 1:
		return rows[0], nil
	default:
		return nil, lookupErrf("", "%d records found for query %v, expected one", len(rows), query)
	}
}

// FindFirst is FindUnique without the strictness: zero matches return
// nil, several return any one of them.
func FindFirst[Row any](ctx context.Context, db *DB, query Q) (*Row, error) {
	rows, err := Find[Row](ctx, db, query)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return rows[0], nil
}
