package discobase

import (
	"context"
	"slices"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/ZeroIntensity/discobase/store"
)

// resizeTable doubles the table capacity and rehashes every index
// channel online. Channels are independent, so they extend and rehash
// in parallel; within a channel everything streams one bucket at a
// time, so memory stays O(1) no matter the table size, at the cost of
// two full channel scans.
func (cur *tableCursor) resizeTable(ctx context.Context) error {
	meta := cur.meta
	oldSize := meta.MaxRecords
	meta.MaxRecords *= 2
	cur.logger.Info("resizing table", "table", meta.Name, "to", meta.MaxRecords)

	// Extend every index channel with a fresh block of tombstones.
	var mu sync.Mutex
	var latest store.MessageID
	g, gctx := errgroup.WithContext(ctx)
	for _, ch := range cur.indexes {
		g.Go(func() error {
			last, err := appendTombstones(gctx, ch, oldSize)
			if err != nil {
				return err
			}
			mu.Lock()
			if last > latest {
				latest = last
			}
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	// Register the new range under a boundary strictly above every
	// tombstone just appended; IDs are strictly increasing, so
	// latest+1 is exact and windows every channel's new block.
	meta.TimeTable[latest+1] = indexRange{oldSize, meta.MaxRecords}

	g, gctx = errgroup.WithContext(ctx)
	for _, ch := range cur.indexes {
		g.Go(func() error {
			return cur.rehashChannel(gctx, ch, oldSize)
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	if err := cur.saveMeta(ctx); err != nil {
		return err
	}
	cur.logger.Info("table resized", "table", meta.Name, "max_records", meta.MaxRecords)
	return nil
}

// rehashChannel moves every occupied bucket of one index channel to
// its position under the doubled capacity, in two streaming passes.
//
// Pass 1 stages: each occupied old bucket's entry is recomputed and
// written as the staged value of its destination, either in place
// (destination free), chained onto the destination's current entry
// (destination occupied but not yet finalized this round), or at a
// probed free slot (destination already finalized). Sources are
// cleared back to tombstones once nothing depends on them.
//
// Pass 2 commits: every surviving bucket must carry exactly one staged
// value, which becomes its content.
func (cur *tableCursor) rehashChannel(ctx context.Context, ch store.Channel, oldSize int) error {
	meta := cur.meta

	err := ch.History(ctx, store.HistoryOptions{Limit: oldSize, OldestFirst: true}, func(m store.Message) error {
		// Staging edits buckets inside the very block being scanned,
		// and scans are not guaranteed to observe in-flight edits, so
		// always re-read the latest content.
		msg, err := ch.Fetch(ctx, m.ID)
		if err != nil {
			return err
		}
		entry, err := parseIndexEntry(meta.Name, -1, msg.Content)
		if err != nil {
			return err
		}
		if entry == nil {
			return nil
		}
		if entry.Staged != nil && stagedMatchesCurrent(entry) {
			// An earlier iteration already staged this entry here (it
			// was probed into a then-free slot); nothing left to move.
			return nil
		}

		newIndex := bucketIndex(entry.Key, meta.MaxRecords)
		target, err := cur.lookupMessage(ctx, ch, newIndex)
		if err != nil {
			return err
		}
		targetEntry, err := parseIndexEntry(meta.Name, newIndex, target.Content)
		if err != nil {
			return err
		}

		inplace, clearSource := true, true
		if targetEntry != nil {
			if targetEntry.Staged != nil {
				// Destination already holds a staged value for this
				// round; fall through to an in-place write at the
				// nearest free slot instead.
				target, err = cur.findCollisionMessage(ctx, ch, newIndex, isTombstone)
				if err != nil {
					return err
				}
			} else {
				inplace = false
				if entry.Staged != nil {
					// Something was staged into this source slot; it
					// must survive, so only the current value moves.
					entry.Staged = nil
					clearSource = false
				}
				targetEntry.Staged = &stagedEntry{Key: entry.Key, RecordIDs: entry.RecordIDs}
				if err := ch.Edit(ctx, target.ID, targetEntry.encode()); err != nil {
					return err
				}
			}
		}
		if inplace {
			if entry.Staged != nil {
				entry.Staged = nil
				clearSource = false
			}
			staged := indexEntry{
				Key:       entry.Key,
				RecordIDs: entry.RecordIDs,
				Staged:    &stagedEntry{Key: entry.Key, RecordIDs: entry.RecordIDs},
			}
			if err := ch.Edit(ctx, target.ID, staged.encode()); err != nil {
				return err
			}
		}
		if clearSource && target.ID != msg.ID {
			return ch.Edit(ctx, msg.ID, tombstone)
		}
		return nil
	})
	if err != nil {
		return err
	}

	return ch.History(ctx, store.HistoryOptions{Limit: meta.MaxRecords, OldestFirst: true}, func(m store.Message) error {
		msg, err := ch.Fetch(ctx, m.ID)
		if err != nil {
			return err
		}
		entry, err := parseIndexEntry(meta.Name, -1, msg.Content)
		if err != nil {
			return err
		}
		if entry == nil {
			return nil
		}
		if entry.Staged == nil {
			return corruptAt(meta.Name, -1, msg.Content, nil,
				"bucket in channel %s has no staged value after the staging pass", ch.Name())
		}
		final := indexEntry{Key: entry.Staged.Key, RecordIDs: entry.Staged.RecordIDs}
		return ch.Edit(ctx, msg.ID, final.encode())
	})
}

func stagedMatchesCurrent(e *indexEntry) bool {
	return e.Staged.Key == e.Key && slices.Equal(e.Staged.RecordIDs, e.RecordIDs)
}
