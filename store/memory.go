package store

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// MemoryOptions configures a Memory store.
type MemoryOptions struct {
	// OpsPerSecond throttles every store operation through a token
	// bucket, simulating the medium's rate limit. 0 disables
	// throttling.
	OpsPerSecond float64
	// Burst is the token bucket burst size; defaults to 1 when
	// OpsPerSecond is set.
	Burst int
}

// Memory is a transient in-memory Store intended for tests and
// examples. All channel content lives in process memory; an optional
// token-bucket limiter makes it behave like the rate-limited medium
// the engine is designed against.
type Memory struct {
	mu       sync.Mutex
	gen      idGen
	limiter  *rate.Limiter
	channels map[ChannelID]*memChannel
	byName   map[string]ChannelID
	closed   bool
}

// NewMemory returns an empty in-memory store.
func NewMemory(opt MemoryOptions) *Memory {
	m := &Memory{
		channels: make(map[ChannelID]*memChannel),
		byName:   make(map[string]ChannelID),
	}
	if opt.OpsPerSecond > 0 {
		burst := opt.Burst
		if burst <= 0 {
			burst = 1
		}
		m.limiter = rate.NewLimiter(rate.Limit(opt.OpsPerSecond), burst)
	}
	return m
}

// wait blocks until the rate limiter admits one operation.
func (m *Memory) wait(ctx context.Context) error {
	if m.limiter == nil {
		return ctx.Err()
	}
	return m.limiter.Wait(ctx)
}

func (m *Memory) Channels(ctx context.Context) ([]Channel, error) {
	if err := m.wait(ctx); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, fmt.Errorf("store closed")
	}
	chans := make([]Channel, 0, len(m.channels))
	for _, ch := range m.channels {
		chans = append(chans, ch)
	}
	slices.SortFunc(chans, func(a, b Channel) int {
		return cmp.Compare(a.ID(), b.ID())
	})
	return chans, nil
}

func (m *Memory) ChannelByName(ctx context.Context, name string) (Channel, error) {
	if err := m.wait(ctx); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if id, ok := m.byName[name]; ok {
		return m.channels[id], nil
	}
	return nil, fmt.Errorf("%q: %w", name, ErrChannelNotFound)
}

func (m *Memory) ChannelByID(ctx context.Context, id ChannelID) (Channel, error) {
	if err := m.wait(ctx); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if ch, ok := m.channels[id]; ok {
		return ch, nil
	}
	return nil, fmt.Errorf("%d: %w", id, ErrChannelNotFound)
}

func (m *Memory) CreateChannel(ctx context.Context, name string) (Channel, error) {
	if err := m.wait(ctx); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, fmt.Errorf("store closed")
	}
	if id, ok := m.byName[name]; ok {
		return m.channels[id], nil
	}
	ch := &memChannel{
		store: m,
		id:    ChannelID(m.gen.next(time.Now())),
		name:  name,
	}
	m.channels[ch.id] = ch
	m.byName[name] = ch.id
	return ch, nil
}

func (m *Memory) DeleteChannel(ctx context.Context, id ChannelID) error {
	if err := m.wait(ctx); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	ch, ok := m.channels[id]
	if !ok {
		return fmt.Errorf("%d: %w", id, ErrChannelNotFound)
	}
	delete(m.channels, id)
	delete(m.byName, ch.name)
	return nil
}

func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	m.channels = nil
	m.byName = nil
	return nil
}

type memChannel struct {
	store *Memory
	id    ChannelID
	name  string

	// msgs is kept in creation (ID) order.
	msgs []Message
}

func (ch *memChannel) ID() ChannelID { return ch.id }
func (ch *memChannel) Name() string  { return ch.name }

func (ch *memChannel) Send(ctx context.Context, content string) (Message, error) {
	if err := ch.store.wait(ctx); err != nil {
		return Message{}, err
	}
	ch.store.mu.Lock()
	defer ch.store.mu.Unlock()
	msg := Message{ID: ch.store.gen.next(time.Now()), Content: content}
	ch.msgs = append(ch.msgs, msg)
	return msg, nil
}

func (ch *memChannel) Edit(ctx context.Context, id MessageID, content string) error {
	if err := ch.store.wait(ctx); err != nil {
		return err
	}
	ch.store.mu.Lock()
	defer ch.store.mu.Unlock()
	i, ok := ch.find(id)
	if !ok {
		return fmt.Errorf("%d: %w", id, ErrNotFound)
	}
	ch.msgs[i].Content = content
	return nil
}

func (ch *memChannel) Delete(ctx context.Context, id MessageID) error {
	if err := ch.store.wait(ctx); err != nil {
		return err
	}
	ch.store.mu.Lock()
	defer ch.store.mu.Unlock()
	i, ok := ch.find(id)
	if !ok {
		return fmt.Errorf("%d: %w", id, ErrNotFound)
	}
	ch.msgs = slices.Delete(ch.msgs, i, i+1)
	return nil
}

func (ch *memChannel) Fetch(ctx context.Context, id MessageID) (Message, error) {
	if err := ch.store.wait(ctx); err != nil {
		return Message{}, err
	}
	ch.store.mu.Lock()
	defer ch.store.mu.Unlock()
	i, ok := ch.find(id)
	if !ok {
		return Message{}, fmt.Errorf("%d: %w", id, ErrNotFound)
	}
	return ch.msgs[i], nil
}

func (ch *memChannel) History(ctx context.Context, opt HistoryOptions, fn func(Message) error) error {
	if err := ch.store.wait(ctx); err != nil {
		return err
	}
	ch.store.mu.Lock()
	snapshot := slices.Clone(ch.msgs)
	ch.store.mu.Unlock()

	if opt.Before != 0 {
		cut, _ := slices.BinarySearchFunc(snapshot, opt.Before, func(m Message, id MessageID) int {
			if m.ID < id {
				return -1
			} else if m.ID > id {
				return 1
			}
			return 0
		})
		snapshot = snapshot[:cut]
	}
	if !opt.OldestFirst {
		slices.Reverse(snapshot)
	}
	if opt.Limit > 0 && len(snapshot) > opt.Limit {
		snapshot = snapshot[:opt.Limit]
	}
	for _, msg := range snapshot {
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

// find locates id in the ordered message slice.
func (ch *memChannel) find(id MessageID) (int, bool) {
	return slices.BinarySearchFunc(ch.msgs, id, func(m Message, id MessageID) int {
		if m.ID < id {
			return -1
		} else if m.ID > id {
			return 1
		}
		return 0
	})
}
