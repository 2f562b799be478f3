package store

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// backends enumerates the Store implementations under test.
func backends(t *testing.T) map[string]Store {
	boltStore, err := OpenBolt(filepath.Join(t.TempDir(), "store.db"))
	require.NoError(t, err)
	t.Cleanup(func() { boltStore.Close() })

	memStore := NewMemory(MemoryOptions{})
	t.Cleanup(func() { memStore.Close() })

	return map[string]Store{"memory": memStore, "bolt": boltStore}
}

func TestChannelLifecycle(t *testing.T) {
	ctx := context.Background()
	for name, st := range backends(t) {
		t.Run(name, func(t *testing.T) {
			_, err := st.ChannelByName(ctx, "missing")
			require.ErrorIs(t, err, ErrChannelNotFound)

			ch, err := st.CreateChannel(ctx, "alpha")
			require.NoError(t, err)
			assert.Equal(t, "alpha", ch.Name())
			assert.NotZero(t, ch.ID())

			// Creating a channel that exists returns the existing one.
			again, err := st.CreateChannel(ctx, "alpha")
			require.NoError(t, err)
			assert.Equal(t, ch.ID(), again.ID())

			byName, err := st.ChannelByName(ctx, "alpha")
			require.NoError(t, err)
			assert.Equal(t, ch.ID(), byName.ID())

			byID, err := st.ChannelByID(ctx, ch.ID())
			require.NoError(t, err)
			assert.Equal(t, "alpha", byID.Name())

			_, err = st.CreateChannel(ctx, "beta")
			require.NoError(t, err)
			chans, err := st.Channels(ctx)
			require.NoError(t, err)
			assert.Len(t, chans, 2)

			require.NoError(t, st.DeleteChannel(ctx, ch.ID()))
			_, err = st.ChannelByName(ctx, "alpha")
			require.ErrorIs(t, err, ErrChannelNotFound)
			require.ErrorIs(t, st.DeleteChannel(ctx, ch.ID()), ErrChannelNotFound)
		})
	}
}

func TestMessageLifecycle(t *testing.T) {
	ctx := context.Background()
	for name, st := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ch, err := st.CreateChannel(ctx, "msgs")
			require.NoError(t, err)

			msg, err := ch.Send(ctx, "hello")
			require.NoError(t, err)
			require.NotZero(t, msg.ID)
			assert.Equal(t, "hello", msg.Content)

			got, err := ch.Fetch(ctx, msg.ID)
			require.NoError(t, err)
			assert.Equal(t, msg, got)

			require.NoError(t, ch.Edit(ctx, msg.ID, "edited"))
			got, err = ch.Fetch(ctx, msg.ID)
			require.NoError(t, err)
			assert.Equal(t, "edited", got.Content)

			require.NoError(t, ch.Delete(ctx, msg.ID))
			_, err = ch.Fetch(ctx, msg.ID)
			require.ErrorIs(t, err, ErrNotFound)
			require.ErrorIs(t, ch.Edit(ctx, msg.ID, "x"), ErrNotFound)
			require.ErrorIs(t, ch.Delete(ctx, msg.ID), ErrNotFound)
		})
	}
}

func TestMessageOrdering(t *testing.T) {
	ctx := context.Background()
	for name, st := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ch, err := st.CreateChannel(ctx, "ordered")
			require.NoError(t, err)

			var last MessageID
			for i := range 20 {
				msg, err := ch.Send(ctx, fmt.Sprintf("m%d", i))
				require.NoError(t, err)
				require.Greater(t, msg.ID, last, "IDs must be strictly increasing")
				last = msg.ID
			}
		})
	}
}

func TestHistory(t *testing.T) {
	ctx := context.Background()
	for name, st := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ch, err := st.CreateChannel(ctx, "hist")
			require.NoError(t, err)

			ids := make([]MessageID, 5)
			for i := range ids {
				msg, err := ch.Send(ctx, fmt.Sprintf("m%d", i))
				require.NoError(t, err)
				ids[i] = msg.ID
			}

			collect := func(opt HistoryOptions) []string {
				var out []string
				require.NoError(t, ch.History(ctx, opt, func(msg Message) error {
					out = append(out, msg.Content)
					return nil
				}))
				return out
			}

			// Newest-first is the default.
			assert.Equal(t, []string{"m4", "m3", "m2", "m1", "m0"}, collect(HistoryOptions{}))
			assert.Equal(t, []string{"m0", "m1", "m2", "m3", "m4"}, collect(HistoryOptions{OldestFirst: true}))
			assert.Equal(t, []string{"m4", "m3"}, collect(HistoryOptions{Limit: 2}))
			assert.Equal(t, []string{"m0", "m1"}, collect(HistoryOptions{Limit: 2, OldestFirst: true}))

			// Before is exclusive.
			assert.Equal(t, []string{"m1", "m0"}, collect(HistoryOptions{Before: ids[2]}))
			assert.Equal(t, []string{"m2", "m1"}, collect(HistoryOptions{Before: ids[3], Limit: 2}))
			assert.Equal(t, []string{"m0"}, collect(HistoryOptions{Before: ids[1], OldestFirst: true}))
			assert.Empty(t, collect(HistoryOptions{Before: ids[0]}))

			// A boundary between two IDs behaves like the next ID.
			assert.Equal(t, []string{"m1", "m0"}, collect(HistoryOptions{Before: ids[1] + 1}))

			// SkipAll ends the scan without error.
			var seen int
			require.NoError(t, ch.History(ctx, HistoryOptions{}, func(Message) error {
				seen++
				return SkipAll
			}))
			assert.Equal(t, 1, seen)

			// History callbacks may issue channel operations.
			require.NoError(t, ch.History(ctx, HistoryOptions{Limit: 1}, func(msg Message) error {
				_, err := ch.Fetch(ctx, msg.ID)
				return err
			}))
		})
	}
}

func TestSnowflakeTime(t *testing.T) {
	now := time.Now().UTC().Truncate(time.Millisecond)
	id := IDAt(now)
	assert.Equal(t, now, id.Time())
	assert.Less(t, IDAt(now.Add(-time.Second)), id)

	// Times before the epoch clamp to zero.
	assert.Equal(t, MessageID(0), IDAt(time.Date(2014, 1, 1, 0, 0, 0, 0, time.UTC)))
}

func TestIDGenMonotonic(t *testing.T) {
	var g idGen
	now := time.Now()
	a := g.next(now)
	b := g.next(now)
	c := g.next(now.Add(-time.Hour)) // clock going backwards
	assert.Greater(t, b, a)
	assert.Greater(t, c, b)
}

func TestMemoryRateLimit(t *testing.T) {
	ctx := context.Background()
	st := NewMemory(MemoryOptions{OpsPerSecond: 50})
	defer st.Close()

	ch, err := st.CreateChannel(ctx, "slow")
	require.NoError(t, err)

	start := time.Now()
	for range 10 {
		_, err := ch.Send(ctx, "x")
		require.NoError(t, err)
	}
	// 11 operations through a 50/s bucket with burst 1 need at least
	// 200ms of waiting.
	assert.GreaterOrEqual(t, time.Since(start), 180*time.Millisecond)

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	_, err = ch.Send(cancelled, "x")
	assert.Error(t, err)
}

func TestBoltPersistence(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "persist.db")

	st, err := OpenBolt(path)
	require.NoError(t, err)
	ch, err := st.CreateChannel(ctx, "durable")
	require.NoError(t, err)
	msg, err := ch.Send(ctx, "survives")
	require.NoError(t, err)
	require.NoError(t, st.Close())

	st, err = OpenBolt(path)
	require.NoError(t, err)
	defer st.Close()

	ch, err = st.ChannelByName(ctx, "durable")
	require.NoError(t, err)
	got, err := ch.Fetch(ctx, msg.ID)
	require.NoError(t, err)
	assert.Equal(t, "survives", got.Content)

	// IDs assigned after reopening stay ahead of persisted ones.
	next, err := ch.Send(ctx, "later")
	require.NoError(t, err)
	assert.Greater(t, next.ID, msg.ID)
}
