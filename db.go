package discobase

import (
	"context"
	"errors"
	"log/slog"
	"reflect"
	"slices"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/ZeroIntensity/discobase/store"
)

const defaultMetadataChannel = "discobase_metadata"

// Options configures Open.
type Options struct {
	// Logger receives engine diagnostics; defaults to slog.Default().
	Logger *slog.Logger
	// MetadataChannel overrides the name of the channel holding table
	// metadata.
	MetadataChannel string
}

// DB is an open database: a message store plus the schema bound to it.
// Binding of row types to cursors is held here, not on the row types,
// so several databases can share one Schema.
type DB struct {
	store  store.Store
	schema *Schema
	logger *slog.Logger

	metaChannel store.Channel

	mu     sync.Mutex
	states map[string]*tableState
	open   bool
}

type tableState struct {
	table  *Table
	cursor *tableCursor
	ready  bool
}

// Open connects a schema to a store: it finds or creates the metadata
// channel, replays every stored table descriptor, and creates or
// discovers each registered table's channels. Initialization errors
// surface here; a table that never reaches the ready state rejects all
// record operations.
//
// Open is idempotent: reopening with an unchanged schema leaves the
// channel topology and metadata untouched.
func Open(ctx context.Context, st store.Store, scm *Schema, opt Options) (*DB, error) {
	logger := opt.Logger
	if logger == nil {
		logger = slog.Default()
	}
	metaName := opt.MetadataChannel
	if metaName == "" {
		metaName = defaultMetadataChannel
	}

	db := &DB{
		store:  st,
		schema: scm,
		logger: logger,
		states: make(map[string]*tableState),
	}

	metaChannel, err := st.ChannelByName(ctx, metaName)
	if errors.Is(err, store.ErrChannelNotFound) {
		metaChannel, err = st.CreateChannel(ctx, metaName)
	}
	if err != nil {
		return nil, err
	}
	db.metaChannel = metaChannel

	known := make(map[string]*tableMeta)
	err = metaChannel.History(ctx, store.HistoryOptions{OldestFirst: true}, func(msg store.Message) error {
		meta, err := parseTableMeta(msg.Content)
		if err != nil {
			return err
		}
		known[meta.Name] = meta
		return nil
	})
	if err != nil {
		return nil, err
	}

	for _, tbl := range scm.tables {
		cursor, err := db.prepareTable(ctx, tbl, known[tbl.name])
		if err != nil {
			return nil, err
		}
		db.states[tbl.name] = &tableState{table: tbl, cursor: cursor, ready: true}
	}

	db.open = true
	return db, nil
}

// prepareTable binds an existing table or creates a fresh one.
func (db *DB) prepareTable(ctx context.Context, tbl *Table, existing *tableMeta) (*tableCursor, error) {
	keys := tbl.Keys()

	if existing != nil {
		if !sameKeySet(existing.Keys, keys) {
			return nil, corruptf(tbl.name, "schema changed: stored keys %v, declared keys %v (migrations are not supported)",
				existing.Keys, keys)
		}

		indexes := make(map[string]store.Channel, len(keys))
		for _, key := range keys {
			chKey := indexChannelKey(tbl.name, key)
			cid, ok := existing.IndexChannels[chKey]
			if !ok {
				return nil, corruptf(tbl.name, "metadata records no index channel for field %s", key)
			}
			ch, err := db.store.ChannelByID(ctx, cid)
			if errors.Is(err, store.ErrChannelNotFound) {
				return nil, corruptf(tbl.name, "index channel %s (%d) is missing; table setup is partial", chKey, cid)
			}
			if err != nil {
				return nil, err
			}
			indexes[chKey] = ch
		}
		primary, err := db.store.ChannelByID(ctx, existing.TableChannel)
		if errors.Is(err, store.ErrChannelNotFound) {
			return nil, corruptf(tbl.name, "primary channel %d is missing; table setup is partial", existing.TableChannel)
		}
		if err != nil {
			return nil, err
		}

		db.logger.Info("table already set up", "table", tbl.name)
		return newTableCursor(existing, db.metaChannel, primary, indexes, db.logger), nil
	}

	// No metadata. Any surviving channel means a previous setup died
	// between creating channels and writing metadata.
	for _, name := range append([]string{tbl.name}, indexChannelNames(tbl.name, keys)...) {
		if _, err := db.store.ChannelByName(ctx, name); err == nil {
			return nil, corruptf(tbl.name, "channel %s exists but no metadata was stored; table setup is partial", name)
		} else if !errors.Is(err, store.ErrChannelNotFound) {
			return nil, err
		}
	}

	db.logger.Info("building table", "table", tbl.name, "initial_size", tbl.initialSize)
	primary, err := db.store.CreateChannel(ctx, tbl.name)
	if err != nil {
		return nil, err
	}

	meta := &tableMeta{
		Name:          tbl.name,
		Keys:          keys,
		TableChannel:  primary.ID(),
		IndexChannels: make(map[string]store.ChannelID, len(keys)),
		MaxRecords:    tbl.initialSize,
		TimeTable:     make(map[store.MessageID]indexRange, 1),
	}

	// Index channels for different fields have no ordering dependency,
	// so they are created and pre-filled in parallel.
	type keyChannel struct {
		key  string
		ch   store.Channel
		last store.MessageID
	}
	results := make([]keyChannel, len(keys))
	g, gctx := errgroup.WithContext(ctx)
	for i, key := range keys {
		g.Go(func() error {
			ch, err := db.store.CreateChannel(gctx, indexChannelKey(tbl.name, key))
			if err != nil {
				return err
			}
			last, err := appendTombstones(gctx, ch, tbl.initialSize)
			if err != nil {
				return err
			}
			results[i] = keyChannel{key: key, ch: ch, last: last}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	indexes := make(map[string]store.Channel, len(keys))
	var latest store.MessageID
	for _, r := range results {
		chKey := indexChannelKey(tbl.name, r.key)
		meta.IndexChannels[chKey] = r.ch.ID()
		indexes[chKey] = r.ch
		if r.last > latest {
			latest = r.last
		}
	}
	meta.TimeTable[latest+1] = indexRange{0, tbl.initialSize}

	// The medium assigns the metadata message its location only after
	// the send, and the location is part of the content, so the write
	// is two-phase: send a provisional copy, then edit the final one
	// in place.
	msg, err := db.metaChannel.Send(ctx, meta.encode())
	if err != nil {
		return nil, err
	}
	meta.MessageID = msg.ID
	if err := db.metaChannel.Edit(ctx, msg.ID, meta.encode()); err != nil {
		return nil, err
	}

	db.logger.Info("table ready", "table", tbl.name)
	return newTableCursor(meta, db.metaChannel, primary, indexes, db.logger), nil
}

// tableFor resolves the table and cursor serving a row type, enforcing
// the connection and readiness gates.
func (db *DB) tableFor(rowType reflect.Type) (*Table, *tableCursor, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	if !db.open {
		return nil, nil, notConnectedf("database is not open; did you forget to call Open?")
	}
	tbl := db.schema.tableByRowType(rowType)
	if tbl == nil {
		return nil, nil, tableErrf("", "no table registered for row type %v; did you forget AddTable?", rowType)
	}
	st := db.states[tbl.name]
	if st == nil || !st.ready {
		return nil, nil, tableErrf(tbl.name, "table is not ready")
	}
	return tbl, st.cursor, nil
}

// Clean irreversibly deletes every table channel and the metadata
// channel. All tables become not-ready.
func (db *DB) Clean(ctx context.Context) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	if !db.open {
		return notConnectedf("database is not open")
	}
	for _, st := range db.states {
		meta := st.cursor.meta
		for _, cid := range meta.IndexChannels {
			if err := db.store.DeleteChannel(ctx, cid); err != nil {
				return err
			}
		}
		if err := db.store.DeleteChannel(ctx, meta.TableChannel); err != nil {
			return err
		}
		st.ready = false
	}
	db.logger.Info("database cleaned")
	return db.store.DeleteChannel(ctx, db.metaChannel.ID())
}

// Close releases the store. Record operations fail afterwards.
func (db *DB) Close() error {
	db.mu.Lock()
	db.open = false
	db.mu.Unlock()
	return db.store.Close()
}

func sameKeySet(a, b []string) bool {
	as := slices.Clone(a)
	bs := slices.Clone(b)
	slices.Sort(as)
	slices.Sort(bs)
	return slices.Equal(as, bs)
}

func indexChannelNames(table string, keys []string) []string {
	names := make([]string, len(keys))
	for i, key := range keys {
		names[i] = indexChannelKey(table, key)
	}
	return names
}
