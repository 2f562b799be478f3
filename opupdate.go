package discobase

import (
	"context"
	"reflect"

	"github.com/ZeroIntensity/discobase/store"
)

// updateRecord rewrites an existing record in place and reconciles
// exactly the fields whose value changed: the new value gets an index
// entry as in insert, the old value's bucket either loses this
// location or is tombstoned when this record was its only occupant.
// Unchanged fields cost nothing.
func (cur *tableCursor) updateRecord(ctx context.Context, tbl *Table, rowPtrVal reflect.Value, loc store.MessageID) error {
	msg, err := cur.table.Fetch(ctx, loc)
	if err != nil {
		return err
	}
	oldPtr := reflect.New(tbl.rowType)
	if err := decodeRecord(tbl.name, msg.Content, oldPtr.Interface()); err != nil {
		return err
	}

	content, err := encodeRecord(rowPtrVal.Elem())
	if err != nil {
		return err
	}
	if err := cur.table.Edit(ctx, loc, content); err != nil {
		return err
	}

	for _, f := range tbl.fields {
		newValue := f.value(rowPtrVal.Elem())
		oldValue := f.value(oldPtr.Elem())
		if reflect.DeepEqual(newValue, oldValue) {
			continue
		}
		ch, err := cur.indexChannel(f.name)
		if err != nil {
			return err
		}

		newHash, err := hashValue(newValue)
		if err != nil {
			return err
		}
		if err := cur.writeIndexRecord(ctx, ch, bucketIndex(newHash, cur.meta.MaxRecords), newHash, loc); err != nil {
			return err
		}

		// The old-value position is computed after the write: a
		// resize in the middle would have moved it.
		oldHash, err := hashValue(oldValue)
		if err != nil {
			return err
		}
		if err := cur.dropIndexRecord(ctx, ch, bucketIndex(oldHash, cur.meta.MaxRecords), oldHash, loc); err != nil {
			return err
		}
	}

	return cur.saveMeta(ctx)
}
