package store

import (
	"context"
	"encoding/binary"
	"fmt"
	"time"

	"go.etcd.io/bbolt"
)

var (
	namesBucket    = []byte("names")
	channelsBucket = []byte("channels")
)

// Bolt is a durable Store on a local Bolt file: one nested bucket per
// channel, messages keyed by big-endian snowflake so that key order is
// creation order. It is meant for embedded use and for offline
// inspection of a captured database; there is no rate limit to absorb.
type Bolt struct {
	bdb *bbolt.DB
	gen idGen
}

// OpenBolt opens or creates a Bolt-backed store at path.
func OpenBolt(path string) (*Bolt, error) {
	bdb, err := bbolt.Open(path, 0o666, &bbolt.Options{Timeout: 10 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("store: %w", err)
	}
	s := &Bolt{bdb: bdb}
	err = bdb.Update(func(btx *bbolt.Tx) error {
		if _, err := btx.CreateBucketIfNotExists(namesBucket); err != nil {
			return err
		}
		chans, err := btx.CreateBucketIfNotExists(channelsBucket)
		if err != nil {
			return err
		}
		// Seed the snowflake generator past every ID already on disk.
		c := chans.Cursor()
		for k, _ := c.First(); k != nil; k, _ = c.Next() {
			s.bumpGen(k)
			mc := chans.Bucket(k).Cursor()
			if last, _ := mc.Last(); last != nil {
				s.bumpGen(last)
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("store: %w", err)
	}
	return s, nil
}

func (s *Bolt) bumpGen(key []byte) {
	if len(key) != 8 {
		return
	}
	if id := binary.BigEndian.Uint64(key); id > s.gen.last {
		s.gen.last = id
	}
}

// Bolt returns the underlying Bolt handle.
func (s *Bolt) Bolt() *bbolt.DB { return s.bdb }

func (s *Bolt) Close() error { return s.bdb.Close() }

func idKey(id uint64) []byte {
	var key [8]byte
	binary.BigEndian.PutUint64(key[:], id)
	return key[:]
}

func (s *Bolt) Channels(ctx context.Context) ([]Channel, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var chans []Channel
	err := s.bdb.View(func(btx *bbolt.Tx) error {
		return btx.Bucket(namesBucket).ForEach(func(name, id []byte) error {
			chans = append(chans, &boltChannel{
				store: s,
				id:    ChannelID(binary.BigEndian.Uint64(id)),
				name:  string(name),
			})
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return chans, nil
}

func (s *Bolt) ChannelByName(ctx context.Context, name string) (Channel, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var ch Channel
	err := s.bdb.View(func(btx *bbolt.Tx) error {
		id := btx.Bucket(namesBucket).Get([]byte(name))
		if id == nil {
			return fmt.Errorf("%q: %w", name, ErrChannelNotFound)
		}
		ch = &boltChannel{store: s, id: ChannelID(binary.BigEndian.Uint64(id)), name: name}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return ch, nil
}

func (s *Bolt) ChannelByID(ctx context.Context, id ChannelID) (Channel, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var ch Channel
	err := s.bdb.View(func(btx *bbolt.Tx) error {
		var found bool
		err := btx.Bucket(namesBucket).ForEach(func(name, v []byte) error {
			if binary.BigEndian.Uint64(v) == uint64(id) {
				ch = &boltChannel{store: s, id: id, name: string(name)}
				found = true
			}
			return nil
		})
		if err != nil {
			return err
		}
		if !found {
			return fmt.Errorf("%d: %w", id, ErrChannelNotFound)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return ch, nil
}

func (s *Bolt) CreateChannel(ctx context.Context, name string) (Channel, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var ch Channel
	err := s.bdb.Update(func(btx *bbolt.Tx) error {
		names := btx.Bucket(namesBucket)
		if id := names.Get([]byte(name)); id != nil {
			ch = &boltChannel{store: s, id: ChannelID(binary.BigEndian.Uint64(id)), name: name}
			return nil
		}
		id := uint64(s.gen.next(time.Now()))
		if err := names.Put([]byte(name), idKey(id)); err != nil {
			return err
		}
		if _, err := btx.Bucket(channelsBucket).CreateBucket(idKey(id)); err != nil {
			return err
		}
		ch = &boltChannel{store: s, id: ChannelID(id), name: name}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return ch, nil
}

func (s *Bolt) DeleteChannel(ctx context.Context, id ChannelID) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.bdb.Update(func(btx *bbolt.Tx) error {
		names := btx.Bucket(namesBucket)
		var name []byte
		err := names.ForEach(func(k, v []byte) error {
			if binary.BigEndian.Uint64(v) == uint64(id) {
				name = append([]byte(nil), k...)
			}
			return nil
		})
		if err != nil {
			return err
		}
		if name == nil {
			return fmt.Errorf("%d: %w", id, ErrChannelNotFound)
		}
		if err := names.Delete(name); err != nil {
			return err
		}
		return btx.Bucket(channelsBucket).DeleteBucket(idKey(uint64(id)))
	})
}

type boltChannel struct {
	store *Bolt
	id    ChannelID
	name  string
}

func (ch *boltChannel) ID() ChannelID { return ch.id }
func (ch *boltChannel) Name() string  { return ch.name }

func (ch *boltChannel) bucket(btx *bbolt.Tx) (*bbolt.Bucket, error) {
	b := btx.Bucket(channelsBucket).Bucket(idKey(uint64(ch.id)))
	if b == nil {
		return nil, fmt.Errorf("%d: %w", ch.id, ErrChannelNotFound)
	}
	return b, nil
}

func (ch *boltChannel) Send(ctx context.Context, content string) (Message, error) {
	if err := ctx.Err(); err != nil {
		return Message{}, err
	}
	msg := Message{Content: content}
	err := ch.store.bdb.Update(func(btx *bbolt.Tx) error {
		b, err := ch.bucket(btx)
		if err != nil {
			return err
		}
		msg.ID = ch.store.gen.next(time.Now())
		return b.Put(idKey(uint64(msg.ID)), []byte(content))
	})
	if err != nil {
		return Message{}, err
	}
	return msg, nil
}

func (ch *boltChannel) Edit(ctx context.Context, id MessageID, content string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return ch.store.bdb.Update(func(btx *bbolt.Tx) error {
		b, err := ch.bucket(btx)
		if err != nil {
			return err
		}
		if b.Get(idKey(uint64(id))) == nil {
			return fmt.Errorf("%d: %w", id, ErrNotFound)
		}
		return b.Put(idKey(uint64(id)), []byte(content))
	})
}

func (ch *boltChannel) Delete(ctx context.Context, id MessageID) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return ch.store.bdb.Update(func(btx *bbolt.Tx) error {
		b, err := ch.bucket(btx)
		if err != nil {
			return err
		}
		if b.Get(idKey(uint64(id))) == nil {
			return fmt.Errorf("%d: %w", id, ErrNotFound)
		}
		return b.Delete(idKey(uint64(id)))
	})
}

func (ch *boltChannel) Fetch(ctx context.Context, id MessageID) (Message, error) {
	if err := ctx.Err(); err != nil {
		return Message{}, err
	}
	var msg Message
	err := ch.store.bdb.View(func(btx *bbolt.Tx) error {
		b, err := ch.bucket(btx)
		if err != nil {
			return err
		}
		v := b.Get(idKey(uint64(id)))
		if v == nil {
			return fmt.Errorf("%d: %w", id, ErrNotFound)
		}
		msg = Message{ID: id, Content: string(v)}
		return nil
	})
	if err != nil {
		return Message{}, err
	}
	return msg, nil
}

func (ch *boltChannel) History(ctx context.Context, opt HistoryOptions, fn func(Message) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	// Callbacks are allowed to issue channel operations, so the cursor
	// walk is materialized before fn runs rather than holding the read
	// transaction open across callbacks.
	var msgs []Message
	err := ch.store.bdb.View(func(btx *bbolt.Tx) error {
		b, err := ch.bucket(btx)
		if err != nil {
			return err
		}
		c := b.Cursor()
		var k, v []byte
		advance := func() ([]byte, []byte) {
			if opt.OldestFirst {
				return c.Next()
			}
			return c.Prev()
		}
		if opt.OldestFirst {
			k, v = c.First()
		} else if opt.Before != 0 {
			k, v = c.Seek(idKey(uint64(opt.Before)))
			if k == nil {
				k, v = c.Last()
			} else {
				k, v = c.Prev()
			}
		} else {
			k, v = c.Last()
		}
		n := 0
		for ; k != nil; k, v = advance() {
			id := MessageID(binary.BigEndian.Uint64(k))
			if opt.Before != 0 && id >= opt.Before {
				if opt.OldestFirst {
					break
				}
				continue
			}
			if opt.Limit > 0 && n >= opt.Limit {
				break
			}
			n++
			msgs = append(msgs, Message{ID: id, Content: string(v)})
		}
		return nil
	})
	if err != nil {
		return err
	}
	for _, msg := range msgs {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := fn(msg); err != nil {
			if err == SkipAll {
				return nil
			}
			return err
		}
	}
	return nil
}
