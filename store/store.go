// Package store defines the message-store abstraction that the
// discobase engine persists into: named channels of ordered,
// individually editable messages.
//
// The engine only ever appends a message, edits a message, deletes a
// message, or scans a channel's history. There is no random access and
// no transaction support; whatever medium a Store implementation talks
// to (a chat platform, a local Bolt file, memory) must be assumed to
// enforce a per-operation rate limit. Implementations absorb that
// limit internally by waiting, not by returning errors.
package store

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrNotFound is returned when a message ID does not exist in a channel.
var ErrNotFound = errors.New("message not found")

// ErrChannelNotFound is returned by channel lookups that miss.
var ErrChannelNotFound = errors.New("channel not found")

// SkipAll stops a History scan early; History returns nil in that case.
var SkipAll = errors.New("skip everything and stop the iteration")

// MessageID identifies a message within a channel. IDs are snowflakes:
// the assignment time is recoverable from the ID, and IDs assigned
// later always compare greater.
type MessageID uint64

// ChannelID identifies a channel within a store.
type ChannelID uint64

// epoch is the zero point of snowflake timestamps.
var epoch = time.Date(2015, time.January, 1, 0, 0, 0, 0, time.UTC)

const idTimeShift = 22

// IDAt returns the smallest MessageID that a message created at t could
// carry. Use it as an exclusive History boundary for "older than t".
func IDAt(t time.Time) MessageID {
	ms := t.Sub(epoch).Milliseconds()
	if ms < 0 {
		ms = 0
	}
	return MessageID(uint64(ms) << idTimeShift)
}

// Time returns the creation time embedded in the ID.
func (id MessageID) Time() time.Time {
	ms := int64(id >> idTimeShift)
	return epoch.Add(time.Duration(ms) * time.Millisecond)
}

// Time returns the creation time embedded in the ID.
func (id ChannelID) Time() time.Time {
	return MessageID(id).Time()
}

// Message is one stored message.
type Message struct {
	ID      MessageID
	Content string
}

// HistoryOptions bounds a History scan. The zero value scans the whole
// channel newest-first.
type HistoryOptions struct {
	// Limit caps the number of messages visited; 0 means no cap.
	Limit int
	// Before restricts the scan to messages with ID < Before; 0 means
	// no bound.
	Before MessageID
	// OldestFirst flips the scan to creation order.
	OldestFirst bool
}

// Channel is one message channel.
//
// Fetch must return the latest server-side content; callers rely on
// re-fetching to observe edits and no client-side cache may be trusted
// for content.
type Channel interface {
	ID() ChannelID
	Name() string

	// Send appends a message and returns it with its assigned ID.
	Send(ctx context.Context, content string) (Message, error)
	// Edit replaces the content of an existing message.
	Edit(ctx context.Context, id MessageID, content string) error
	// Delete removes a message.
	Delete(ctx context.Context, id MessageID) error
	// Fetch returns a single message by ID.
	Fetch(ctx context.Context, id MessageID) (Message, error)
	// History visits messages per opt, newest-first unless
	// opt.OldestFirst. fn returning SkipAll ends the scan without
	// error; any other error aborts and is returned.
	History(ctx context.Context, opt HistoryOptions, fn func(Message) error) error
}

// Store is a scope (a server, a file, a process) holding channels.
type Store interface {
	Channels(ctx context.Context) ([]Channel, error)
	ChannelByName(ctx context.Context, name string) (Channel, error)
	ChannelByID(ctx context.Context, id ChannelID) (Channel, error)
	CreateChannel(ctx context.Context, name string) (Channel, error)
	DeleteChannel(ctx context.Context, id ChannelID) error
	Close() error
}

// idGen hands out strictly increasing snowflakes.
type idGen struct {
	mu   sync.Mutex
	last uint64
}

func (g *idGen) next(now time.Time) MessageID {
	g.mu.Lock()
	defer g.mu.Unlock()
	id := uint64(IDAt(now))
	if id <= g.last {
		id = g.last + 1
	}
	g.last = id
	return MessageID(id)
}
