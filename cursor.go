package discobase

import (
	"context"
	"log/slog"
	"sync"

	"github.com/ZeroIntensity/discobase/store"
)

// tableCursor owns one table's metadata and performs every
// bucket-level operation against the underlying channels. A table has
// exactly one cursor per database, and a single logical writer.
type tableCursor struct {
	meta        *tableMeta
	metaChannel store.Channel
	table       store.Channel            // primary record channel
	indexes     map[string]store.Channel // index channel key -> channel
	logger      *slog.Logger

	// posCache maps (channel, logical index) to the physical message.
	// Positions never move once their range is registered, so entries
	// stay valid for the cursor's lifetime; content is always
	// re-fetched.
	posMu    sync.Mutex
	posCache map[posKey]store.MessageID
}

type posKey struct {
	ch    store.ChannelID
	index int
}

func newTableCursor(meta *tableMeta, metaChannel, table store.Channel, indexes map[string]store.Channel, logger *slog.Logger) *tableCursor {
	return &tableCursor{
		meta:        meta,
		metaChannel: metaChannel,
		table:       table,
		indexes:     indexes,
		logger:      logger,
		posCache:    make(map[posKey]store.MessageID),
	}
}

// indexChannel returns the index channel serving a field.
func (cur *tableCursor) indexChannel(field string) (store.Channel, error) {
	ch, ok := cur.indexes[indexChannelKey(cur.meta.Name, field)]
	if !ok {
		return nil, corruptf(cur.meta.Name, "no index channel for field %s", field)
	}
	return ch, nil
}

// saveMeta persists the metadata message in place.
func (cur *tableCursor) saveMeta(ctx context.Context) error {
	return cur.metaChannel.Edit(ctx, cur.meta.MessageID, cur.meta.encode())
}

// lookupMessage resolves a logical bucket position to its physical
// message, with the latest content. The channel has no random access:
// the covering time-table range tells us which history window to scan
// and how many messages to skip.
func (cur *tableCursor) lookupMessage(ctx context.Context, ch store.Channel, index int) (store.Message, error) {
	cur.posMu.Lock()
	id, cached := cur.posCache[posKey{ch.ID(), index}]
	cur.posMu.Unlock()
	if cached {
		return ch.Fetch(ctx, id)
	}

	boundary, rng, ok := cur.meta.rangeFor(index)
	if !ok {
		return store.Message{}, corruptAt(cur.meta.Name, index, "", nil,
			"no time-table range covers position %d (capacity %d)", index, cur.meta.MaxRecords)
	}

	offset := index - rng.start()
	var found *store.Message
	skip := 0
	err := ch.History(ctx, store.HistoryOptions{
		Limit:  rng.width(),
		Before: boundary,
	}, func(msg store.Message) error {
		if skip == offset {
			found = &msg
			return store.SkipAll
		}
		skip++
		return nil
	})
	if err != nil {
		return store.Message{}, err
	}
	if found == nil {
		return store.Message{}, corruptAt(cur.meta.Name, index, "", nil,
			"range [%d, %d) before %d does not contain position %d",
			rng.start(), rng.end(), boundary, index)
	}

	cur.posMu.Lock()
	cur.posCache[posKey{ch.ID(), index}] = found.ID
	cur.posMu.Unlock()
	return *found, nil
}

// isTombstone is the free-slot probe predicate.
func isTombstone(content string) bool {
	return content == tombstone
}

// findCollisionMessage probes linearly forward from index (wrapping at
// the table capacity) until a bucket satisfies pred. Exhausting a full
// wrap means the table was not resized when it should have been.
func (cur *tableCursor) findCollisionMessage(ctx context.Context, ch store.Channel, index int, pred func(content string) bool) (store.Message, error) {
	offset := index
	for {
		if offset+1 >= cur.meta.MaxRecords {
			offset = 0
		} else {
			offset++
		}
		if offset == index {
			return store.Message{}, corruptAt(cur.meta.Name, index, "", nil,
				"collision probe wrapped around channel %s without a match; table was likely not resized", ch.Name())
		}

		msg, err := cur.lookupMessage(ctx, ch, offset)
		if err != nil {
			return store.Message{}, err
		}
		if pred(msg.Content) {
			return msg, nil
		}
	}
}

// resolveBucket finds the bucket holding a given hash key: the direct
// position first, then a linear probe wrapping at the capacity.
// Tombstones never terminate the probe; a freed slot in the middle of
// a collision chain must not hide entries placed beyond it. A full
// wrap without a key match means the key is absent (nil entry).
func (cur *tableCursor) resolveBucket(ctx context.Context, ch store.Channel, hashed uint64, index int) (store.Message, *indexEntry, error) {
	offset := index
	for {
		msg, err := cur.lookupMessage(ctx, ch, offset)
		if err != nil {
			return store.Message{}, nil, err
		}
		if !isTombstone(msg.Content) {
			entry, err := parseFinalIndexEntry(cur.meta.Name, offset, msg.Content)
			if err != nil {
				return store.Message{}, nil, err
			}
			if entry.Key == hashed {
				return msg, entry, nil
			}
		}
		if offset+1 >= cur.meta.MaxRecords {
			offset = 0
		} else {
			offset++
		}
		if offset == index {
			return store.Message{}, nil, nil
		}
	}
}

// incRecords bumps the live bucket count and synchronously resizes the
// moment it exceeds capacity (strictly greater; filling the last free
// bucket does not trigger). The metadata message is persisted either
// way. Reports whether a resize happened, because every bucket
// position computed before it is stale afterwards.
func (cur *tableCursor) incRecords(ctx context.Context) (bool, error) {
	cur.meta.CurrentRecords++
	resized := false
	if cur.meta.CurrentRecords > cur.meta.MaxRecords {
		cur.logger.Info("table is full, resizing",
			"table", cur.meta.Name, "records", cur.meta.CurrentRecords)
		if err := cur.resizeTable(ctx); err != nil {
			return false, err
		}
		resized = true
	}
	return resized, cur.saveMeta(ctx)
}

// writeIndexRecord writes one record location into the bucket chain
// serving hashed, handling the three insert cases: same-key append
// anywhere along the chain, tombstone fill, and collision probe. The
// whole chain is resolved before claiming a free slot: the key's
// entry may sit beyond a tombstone, and filling the tombstone would
// split the key across two buckets.
func (cur *tableCursor) writeIndexRecord(ctx context.Context, ch store.Channel, index int, hashed uint64, recordID store.MessageID) error {
	msg, entry, err := cur.resolveBucket(ctx, ch, hashed, index)
	if err != nil {
		return err
	}
	if entry != nil {
		// The value is already indexed; no new slot is used.
		entry.RecordIDs = append(entry.RecordIDs, recordID)
		return ch.Edit(ctx, msg.ID, entry.encode())
	}

	// A free slot is about to be claimed. Count it first: this may
	// double the capacity, in which case the chain start has to be
	// recomputed and re-resolved under the new layout.
	resized, err := cur.incRecords(ctx)
	if err != nil {
		return err
	}
	if resized {
		index = bucketIndex(hashed, cur.meta.MaxRecords)
		msg, entry, err = cur.resolveBucket(ctx, ch, hashed, index)
		if err != nil {
			return err
		}
		if entry != nil {
			// The rehash merged this key into the new layout after
			// all; give the slot back.
			cur.meta.CurrentRecords--
			entry.RecordIDs = append(entry.RecordIDs, recordID)
			return ch.Edit(ctx, msg.ID, entry.encode())
		}
	}

	msg, err = cur.lookupMessage(ctx, ch, index)
	if err != nil {
		return err
	}
	if !isTombstone(msg.Content) {
		msg, err = cur.findCollisionMessage(ctx, ch, index, isTombstone)
		if err != nil {
			return err
		}
	}
	fresh := indexEntry{Key: hashed, RecordIDs: []store.MessageID{recordID}}
	return ch.Edit(ctx, msg.ID, fresh.encode())
}

// dropIndexRecord removes a record location from the bucket serving
// hashed: the bucket is tombstoned when this was its only occupant
// (freeing the slot), otherwise just the location is removed.
func (cur *tableCursor) dropIndexRecord(ctx context.Context, ch store.Channel, index int, hashed uint64, recordID store.MessageID) error {
	msg, entry, err := cur.resolveBucket(ctx, ch, hashed, index)
	if err != nil {
		return err
	}
	if entry == nil {
		return corruptAt(cur.meta.Name, index, "", nil,
			"record %d should be indexed under key %d but no bucket in the chain holds that key", recordID, hashed)
	}
	if len(entry.RecordIDs) == 1 && entry.RecordIDs[0] == recordID {
		if err := ch.Edit(ctx, msg.ID, tombstone); err != nil {
			return err
		}
		cur.meta.CurrentRecords--
		return nil
	}
	if !entry.removeRecordID(recordID) {
		return corruptAt(cur.meta.Name, index, msg.Content, nil,
			"record %d missing from its index bucket", recordID)
	}
	return ch.Edit(ctx, msg.ID, entry.encode())
}

// appendTombstones extends a channel with n free buckets and returns
// the ID of the last one. Sends are sequential: the medium's rate
// limit makes fanning out per message counterproductive.
func appendTombstones(ctx context.Context, ch store.Channel, n int) (store.MessageID, error) {
	var last store.MessageID
	for range n {
		msg, err := ch.Send(ctx, tombstone)
		if err != nil {
			return 0, err
		}
		last = msg.ID
	}
	return last, nil
}
