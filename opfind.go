package discobase

import (
	"context"
	"slices"

	"github.com/ZeroIntensity/discobase/store"
)

// Q is a field-value query. All pairs must match (conjunction);
// disjunction is not supported.
type Q map[string]any

// findRecords returns the primary messages matching a query. An empty
// query scans the whole table. For each pair the field's bucket chain
// is resolved (probing by key on collision, past tombstones); an
// exhausted probe means the value is absent, which empties the whole
// conjunction. The per-field location sets are intersected and the
// survivors fetched.
func (cur *tableCursor) findRecords(ctx context.Context, tbl *Table, query Q) ([]store.Message, error) {
	if len(query) == 0 {
		var msgs []store.Message
		err := cur.table.History(ctx, store.HistoryOptions{OldestFirst: true}, func(msg store.Message) error {
			msgs = append(msgs, msg)
			return nil
		})
		if err != nil {
			return nil, err
		}
		return msgs, nil
	}

	var result map[store.MessageID]struct{}
	for field, value := range query {
		if _, ok := tbl.fieldByName(field); !ok {
			return nil, lookupErrf(tbl.name, "no field %s", field)
		}
		ch, err := cur.indexChannel(field)
		if err != nil {
			return nil, err
		}
		hashed, err := hashValue(value)
		if err != nil {
			return nil, err
		}
		index := bucketIndex(hashed, cur.meta.MaxRecords)
		_, entry, err := cur.resolveBucket(ctx, ch, hashed, index)
		if err != nil {
			return nil, err
		}
		if entry == nil {
			return nil, nil
		}

		ids := make(map[store.MessageID]struct{}, len(entry.RecordIDs))
		for _, id := range entry.RecordIDs {
			ids[id] = struct{}{}
		}
		if result == nil {
			result = ids
			continue
		}
		for id := range result {
			if _, ok := ids[id]; !ok {
				delete(result, id)
			}
		}
		if len(result) == 0 {
			return nil, nil
		}
	}

	locs := make([]store.MessageID, 0, len(result))
	for id := range result {
		locs = append(locs, id)
	}
	slices.Sort(locs)

	msgs := make([]store.Message, 0, len(locs))
	for _, loc := range locs {
		msg, err := cur.table.Fetch(ctx, loc)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, msg)
	}
	return msgs, nil
}
