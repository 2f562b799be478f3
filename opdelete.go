package discobase

import (
	"context"
	"reflect"

	"github.com/ZeroIntensity/discobase/store"
)

// deleteRecord removes every index reference to the record's location,
// tombstoning buckets it occupied alone, then removes the primary
// message. The stored content, not the caller's struct, decides which
// buckets to touch: the caller may hold a stale copy.
func (cur *tableCursor) deleteRecord(ctx context.Context, tbl *Table, loc store.MessageID) error {
	msg, err := cur.table.Fetch(ctx, loc)
	if err != nil {
		return err
	}
	currentPtr := reflect.New(tbl.rowType)
	if err := decodeRecord(tbl.name, msg.Content, currentPtr.Interface()); err != nil {
		return err
	}

	for _, f := range tbl.fields {
		ch, err := cur.indexChannel(f.name)
		if err != nil {
			return err
		}
		hashed, err := hashValue(f.value(currentPtr.Elem()))
		if err != nil {
			return err
		}
		index := bucketIndex(hashed, cur.meta.MaxRecords)
		if err := cur.dropIndexRecord(ctx, ch, index, hashed, loc); err != nil {
			return err
		}
	}

	if err := cur.saveMeta(ctx); err != nil {
		return err
	}
	return cur.table.Delete(ctx, loc)
}
