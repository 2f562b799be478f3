package discobase

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"reflect"
	"testing"

	"github.com/ZeroIntensity/discobase/store"
)

type (
	User struct {
		Meta
		Name     string `msgpack:"name"`
		Password string `msgpack:"password"`
	}

	// Counter uses integer keys, which hash to themselves; that makes
	// bucket collisions reproducible (0 and 4 share bucket 0 at
	// capacity 4).
	Counter struct {
		Meta
		Slot int    `msgpack:"slot"`
		Tag  string `msgpack:"tag"`
	}

	// Chain has a single indexed field so bucket counts are exactly
	// insert counts, keeping collision chains under control.
	Chain struct {
		Meta
		Slot int `msgpack:"slot"`
	}
)

var (
	testSchema    = &Schema{}
	usersTable    = AddTable[User](testSchema, "users").InitialSize(4)
	countersTable = AddTable[Counter](testSchema, "counters").InitialSize(4)
	chainsTable   = AddTable[Chain](testSchema, "chains").InitialSize(8)
)

func TestSaveFindEachField(t *testing.T) {
	ctx := context.Background()
	db, _ := setup(t, testSchema)

	u := &User{Name: "Peter", Password: "foobar"}
	ensure(Save(ctx, db, u))
	if u.Location() == 0 {
		t.Fatal("save did not assign a location")
	}

	for _, q := range []Q{
		{"name": "Peter"},
		{"password": "foobar"},
		{"name": "Peter", "password": "foobar"},
	} {
		rows := must(Find[User](ctx, db, q))
		if len(rows) != 1 {
			t.Fatalf("query %v: got %d rows, wanted 1", q, len(rows))
		}
		deepEqual(t, rows[0].Name, "Peter")
		deepEqual(t, rows[0].Location(), u.Location())
	}
}

func TestFindConjunction(t *testing.T) {
	ctx := context.Background()
	db, _ := setup(t, testSchema)

	a := &User{Name: "a", Password: "shared"}
	b := &User{Name: "b", Password: "shared"}
	ensure(Save(ctx, db, a))
	ensure(Save(ctx, db, b))

	rows := must(Find[User](ctx, db, Q{"password": "shared"}))
	deepEqual(t, len(rows), 2)

	rows = must(Find[User](ctx, db, Q{"name": "a", "password": "shared"}))
	deepEqual(t, len(rows), 1)
	deepEqual(t, rows[0].Location(), a.Location())

	rows = must(Find[User](ctx, db, Q{"name": "a", "password": "wrong"}))
	deepEqual(t, len(rows), 0)
}

func TestFindEmptyQueryScansTable(t *testing.T) {
	ctx := context.Background()
	db, _ := setup(t, testSchema)

	for i := range 3 {
		ensure(Save(ctx, db, &User{Name: fmt.Sprintf("u%d", i), Password: "x"}))
	}
	rows := must(Find[User](ctx, db, nil))
	deepEqual(t, len(rows), 3)
}

func TestFindUnknownField(t *testing.T) {
	ctx := context.Background()
	db, _ := setup(t, testSchema)

	_, err := Find[User](ctx, db, Q{"nope": 1})
	var lerr *LookupError
	if !errors.As(err, &lerr) {
		t.Fatalf("got %v, wanted a LookupError", err)
	}
}

func TestResizeScenario(t *testing.T) {
	// Five distinct names sharing one password overflow the initial
	// capacity of 4 and trigger exactly one capacity doubling.
	ctx := context.Background()
	db, _ := setup(t, testSchema)

	names := []string{"alpha", "beta", "gamma", "delta", "epsilon"}
	for _, name := range names {
		ensure(Save(ctx, db, &User{Name: name, Password: "test"}))
	}

	meta := db.states["users"].cursor.meta
	deepEqual(t, meta.MaxRecords, 8)
	if meta.CurrentRecords > meta.MaxRecords {
		t.Fatalf("current_records %d exceeds max_records %d", meta.CurrentRecords, meta.MaxRecords)
	}

	rows := must(Find[User](ctx, db, Q{"password": "test"}))
	deepEqual(t, len(rows), 5)

	for _, name := range names {
		rows := must(Find[User](ctx, db, Q{"name": name}))
		if len(rows) != 1 {
			t.Fatalf("name %q: got %d rows after resize, wanted 1", name, len(rows))
		}
	}
}

func TestResizePreservesMembership(t *testing.T) {
	ctx := context.Background()
	db, _ := setup(t, testSchema)

	total := 12 // forces two doublings: 4 -> 8 -> 16
	for i := range total {
		ensure(Save(ctx, db, &User{Name: fmt.Sprintf("user-%d", i), Password: "pw"}))
	}

	meta := db.states["users"].cursor.meta
	deepEqual(t, meta.MaxRecords, 16)

	rows := must(Find[User](ctx, db, Q{"password": "pw"}))
	deepEqual(t, len(rows), total)
	for i := range total {
		rows := must(Find[User](ctx, db, Q{"name": fmt.Sprintf("user-%d", i)}))
		if len(rows) != 1 {
			t.Fatalf("user-%d: got %d rows, wanted 1", i, len(rows))
		}
	}

	// The time table must tile the full capacity.
	width := 0
	for _, rng := range meta.TimeTable {
		width += rng.width()
	}
	deepEqual(t, width, meta.MaxRecords)
}

func TestCollisionProbe(t *testing.T) {
	ctx := context.Background()
	db, _ := setup(t, testSchema)

	// Slots 0 and 4 both map to bucket 0 at capacity 4.
	c0 := &Counter{Slot: 0, Tag: "a"}
	c4 := &Counter{Slot: 4, Tag: "b"}
	ensure(Save(ctx, db, c0))
	ensure(Save(ctx, db, c4))

	rows := must(Find[Counter](ctx, db, Q{"slot": 4}))
	deepEqual(t, len(rows), 1)
	deepEqual(t, rows[0].Tag, "b")

	rows = must(Find[Counter](ctx, db, Q{"slot": 0}))
	deepEqual(t, len(rows), 1)
	deepEqual(t, rows[0].Tag, "a")

	// A missing slot whose bucket collides resolves to empty, not an
	// error.
	rows = must(Find[Counter](ctx, db, Q{"slot": 8}))
	deepEqual(t, len(rows), 0)

	ensure(Delete(ctx, db, c4))
	rows = must(Find[Counter](ctx, db, Q{"slot": 4}))
	deepEqual(t, len(rows), 0)
	rows = must(Find[Counter](ctx, db, Q{"slot": 0}))
	deepEqual(t, len(rows), 1)
}

func TestChainedCollisionDelete(t *testing.T) {
	ctx := context.Background()
	db, _ := setup(t, testSchema)

	// Slots 0, 8 and 16 chain into buckets 0, 1 and 2 at capacity 8.
	head := &Chain{Slot: 0}
	mid := &Chain{Slot: 8}
	tail := &Chain{Slot: 16}
	for _, c := range []*Chain{head, mid, tail} {
		ensure(Save(ctx, db, c))
	}

	// Tombstoning the middle of the chain must not hide the entry
	// probed beyond it.
	ensure(Delete(ctx, db, mid))

	rows := must(Find[Chain](ctx, db, Q{"slot": 16}))
	deepEqual(t, len(rows), 1)
	deepEqual(t, rows[0].Location(), tail.Location())
	rows = must(Find[Chain](ctx, db, Q{"slot": 0}))
	deepEqual(t, len(rows), 1)

	// A new record for the surviving probed key appends to its chain
	// entry instead of splitting the key across the freed slot.
	tail2 := &Chain{Slot: 16}
	ensure(Save(ctx, db, tail2))
	rows = must(Find[Chain](ctx, db, Q{"slot": 16}))
	deepEqual(t, len(rows), 2)

	// Entries past a tombstone stay deletable too.
	ensure(Delete(ctx, db, tail))
	ensure(Delete(ctx, db, tail2))
	rows = must(Find[Chain](ctx, db, Q{"slot": 16}))
	deepEqual(t, len(rows), 0)

	ensure(Delete(ctx, db, head))
	deepEqual(t, db.states["chains"].cursor.meta.CurrentRecords, 0)
}

func TestUpdateSharedBucketChain(t *testing.T) {
	// Moving a value between two keys of the same bucket chain: the
	// new value's entry lands past the old one, then the old slot is
	// tombstoned. The new value must stay findable.
	ctx := context.Background()
	db, _ := setup(t, testSchema)

	c := &Chain{Slot: 8}
	ensure(Save(ctx, db, c))

	c.Slot = 16 // same bucket 0 at capacity 8
	ensure(Update(ctx, db, c))

	rows := must(Find[Chain](ctx, db, Q{"slot": 8}))
	deepEqual(t, len(rows), 0)
	rows = must(Find[Chain](ctx, db, Q{"slot": 16}))
	deepEqual(t, len(rows), 1)
	deepEqual(t, rows[0].Location(), c.Location())
	deepEqual(t, db.states["chains"].cursor.meta.CurrentRecords, 1)
}

func TestUpdateReconciliation(t *testing.T) {
	ctx := context.Background()
	db, _ := setup(t, testSchema)

	u := &User{Name: "a", Password: "p"}
	ensure(Save(ctx, db, u))

	u.Password = "q"
	ensure(Update(ctx, db, u))

	rows := must(Find[User](ctx, db, Q{"password": "p"}))
	deepEqual(t, len(rows), 0)
	rows = must(Find[User](ctx, db, Q{"password": "q"}))
	deepEqual(t, len(rows), 1)
	deepEqual(t, rows[0].Password, "q")

	// The unchanged field stays findable at its original value.
	rows = must(Find[User](ctx, db, Q{"name": "a"}))
	deepEqual(t, len(rows), 1)
}

func TestUpdateSharedBucket(t *testing.T) {
	// Two records share a password bucket; updating one must only
	// remove that record's location from it.
	ctx := context.Background()
	db, _ := setup(t, testSchema)

	a := &User{Name: "a", Password: "shared"}
	b := &User{Name: "b", Password: "shared"}
	ensure(Save(ctx, db, a))
	ensure(Save(ctx, db, b))

	a.Password = "solo"
	ensure(Update(ctx, db, a))

	rows := must(Find[User](ctx, db, Q{"password": "shared"}))
	deepEqual(t, len(rows), 1)
	deepEqual(t, rows[0].Location(), b.Location())
	rows = must(Find[User](ctx, db, Q{"password": "solo"}))
	deepEqual(t, len(rows), 1)
	deepEqual(t, rows[0].Location(), a.Location())
}

func TestDeleteIsTotal(t *testing.T) {
	ctx := context.Background()
	db, _ := setup(t, testSchema)

	u := &User{Name: "gone", Password: "soon"}
	ensure(Save(ctx, db, u))
	loc := u.Location()

	ensure(Delete(ctx, db, u))
	deepEqual(t, u.Location(), 0)

	for _, q := range []Q{{"name": "gone"}, {"password": "soon"}} {
		rows := must(Find[User](ctx, db, q))
		deepEqual(t, len(rows), 0)
	}

	// The primary message is physically gone.
	cur := db.states["users"].cursor
	if _, err := cur.table.Fetch(ctx, loc); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("got %v, wanted ErrNotFound", err)
	}
}

func TestSaveTwiceFails(t *testing.T) {
	ctx := context.Background()
	db, _ := setup(t, testSchema)

	u := &User{Name: "x", Password: "y"}
	ensure(Save(ctx, db, u))

	var serr *StorageError
	if err := Save(ctx, db, u); !errors.As(err, &serr) {
		t.Fatalf("got %v, wanted a StorageError", err)
	}
}

func TestUpdateUnsavedFails(t *testing.T) {
	ctx := context.Background()
	db, _ := setup(t, testSchema)

	var serr *StorageError
	if err := Update(ctx, db, &User{Name: "x"}); !errors.As(err, &serr) {
		t.Fatalf("got %v, wanted a StorageError", err)
	}
	if err := Delete(ctx, db, &User{Name: "x"}); !errors.As(err, &serr) {
		t.Fatalf("got %v, wanted a StorageError", err)
	}
}

func TestFindUnique(t *testing.T) {
	ctx := context.Background()
	db, _ := setup(t, testSchema)

	ensure(Save(ctx, db, &User{Name: "only", Password: "pw"}))
	ensure(Save(ctx, db, &User{Name: "other", Password: "pw"}))

	u := must(FindUnique[User](ctx, db, Q{"name": "only"}))
	deepEqual(t, u.Name, "only")

	var lerr *LookupError
	if _, err := FindUnique[User](ctx, db, Q{"name": "nobody"}); !errors.As(err, &lerr) {
		t.Fatalf("got %v, wanted a LookupError", err)
	}
	if _, err := FindUnique[User](ctx, db, Q{"password": "pw"}); !errors.As(err, &lerr) {
		t.Fatalf("got %v, wanted a LookupError", err)
	}
	if _, err := FindUnique[User](ctx, db, nil); !errors.As(err, &lerr) {
		t.Fatalf("got %v, wanted a LookupError", err)
	}

	first := must(FindFirst[User](ctx, db, Q{"name": "nobody"}))
	isnil(t, first)
}

func TestOpenIdempotent(t *testing.T) {
	ctx := context.Background()
	db, st := setup(t, testSchema)

	ensure(Save(ctx, db, &User{Name: "persist", Password: "pw"}))
	before := len(must(st.Channels(ctx)))

	// Reopen against the same store: topology unchanged, data visible.
	db2 := must(Open(ctx, st, testSchema, Options{Logger: testLogger()}))
	deepEqual(t, len(must(st.Channels(ctx))), before)

	rows := must(Find[User](ctx, db2, Q{"name": "persist"}))
	deepEqual(t, len(rows), 1)
}

func TestSchemaDrift(t *testing.T) {
	ctx := context.Background()
	_, st := setup(t, testSchema)

	type User struct {
		Meta
		Name  string `msgpack:"name"`
		Email string `msgpack:"email"`
	}
	drifted := &Schema{}
	AddTable[User](drifted, "users")

	_, err := Open(ctx, st, drifted, Options{Logger: testLogger()})
	var cerr *CorruptionError
	if !errors.As(err, &cerr) {
		t.Fatalf("got %v, wanted a CorruptionError", err)
	}
}

func TestPartialSetupIsCorruption(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory(store.MemoryOptions{})

	// An index channel exists but no metadata was ever written.
	_, err := st.CreateChannel(ctx, "users_name")
	ensure(err)

	_, err = Open(ctx, st, testSchema, Options{Logger: testLogger()})
	var cerr *CorruptionError
	if !errors.As(err, &cerr) {
		t.Fatalf("got %v, wanted a CorruptionError", err)
	}
}

func TestCleanMakesTablesNotReady(t *testing.T) {
	ctx := context.Background()
	db, st := setup(t, testSchema)

	ensure(Save(ctx, db, &User{Name: "z", Password: "z"}))
	ensure(db.Clean(ctx))

	chans := must(st.Channels(ctx))
	deepEqual(t, len(chans), 0)

	var terr *TableError
	if err := Save(ctx, db, &User{Name: "again", Password: "x"}); !errors.As(err, &terr) {
		t.Fatalf("got %v, wanted a TableError", err)
	}
}

func TestClosedDB(t *testing.T) {
	ctx := context.Background()
	db, _ := setup(t, testSchema)
	ensure(db.Close())

	var nerr *NotConnectedError
	if err := Save(ctx, db, &User{Name: "x", Password: "y"}); !errors.As(err, &nerr) {
		t.Fatalf("got %v, wanted a NotConnectedError", err)
	}
	if _, err := Find[User](ctx, db, nil); !errors.As(err, &nerr) {
		t.Fatalf("got %v, wanted a NotConnectedError", err)
	}
}

func TestUnregisteredRowType(t *testing.T) {
	ctx := context.Background()
	db, _ := setup(t, testSchema)

	type Stranger struct {
		Meta
		X int `msgpack:"x"`
	}
	var terr *TableError
	if err := Save(ctx, db, &Stranger{X: 1}); !errors.As(err, &terr) {
		t.Fatalf("got %v, wanted a TableError", err)
	}
}

func setup(t testing.TB, scm *Schema) (*DB, *store.Memory) {
	t.Helper()
	st := store.NewMemory(store.MemoryOptions{})
	db, err := Open(context.Background(), st, scm, Options{Logger: testLogger()})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db, st
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func must[T any](v T, err error) T {
	if err != nil {
		panic(err)
	}
	return v
}

func ensure(err error) {
	if err != nil {
		panic(err)
	}
}

func deepEqual[T any](t testing.TB, a, e T) {
	if !reflect.DeepEqual(a, e) {
		t.Helper()
		t.Errorf("** got %v, wanted %v", a, e)
	}
}

func isnil[T any, P ~*T](t testing.TB, a P) {
	if a != nil {
		t.Helper()
		t.Errorf("** got &%v, wanted nil", *a)
	}
}
