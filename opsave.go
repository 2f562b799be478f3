package discobase

import (
	"context"
	"reflect"

	"github.com/ZeroIntensity/discobase/store"
)

// addRecord writes a new record: the payload goes to the primary
// channel first (the medium assigns its permanent location there),
// then one index entry per field, in field order.
//
// Index writes are sequential, not fanned out: later fields must
// observe counter changes made by earlier ones, and the medium's rate
// limit punishes concurrency anyway.
func (cur *tableCursor) addRecord(ctx context.Context, tbl *Table, rowVal reflect.Value) (store.MessageID, error) {
	content, err := encodeRecord(rowVal)
	if err != nil {
		return 0, err
	}
	msg, err := cur.table.Send(ctx, content)
	if err != nil {
		return 0, err
	}
	cur.logger.Debug("record sent", "table", cur.meta.Name, "location", msg.ID)

	for _, f := range tbl.fields {
		ch, err := cur.indexChannel(f.name)
		if err != nil {
			return 0, err
		}
		hashed, err := hashValue(f.value(rowVal))
		if err != nil {
			return 0, err
		}
		index := bucketIndex(hashed, cur.meta.MaxRecords)
		if err := cur.writeIndexRecord(ctx, ch, index, hashed, msg.ID); err != nil {
			return 0, err
		}
	}

	if err := cur.saveMeta(ctx); err != nil {
		return 0, err
	}
	return msg.ID, nil
}
