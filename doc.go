/*
Package discobase implements a record database whose only persistence
substrate is an append/edit-only messaging medium: named channels of
ordered messages, each independently addressable and editable, with no
random access, no transactions, and an external per-operation rate
limit (see the store subpackage for the medium contract).

We implement:

1. Tables, collections of records marshaled from a given struct; a
record's identity is the message location assigned at insert time.

2. Field indexes, one channel per field, each a fixed-capacity
open-addressed hash table realized as a sequence of editable messages.

3. Point lookup by field value, conjunction queries, in-place update
with index reconciliation, and deletion.

4. Online resize: capacity doubling with a streaming two-pass rehash
that never holds more than one bucket in memory.

# Technical Details

**Buckets.**
A bucket is one message in an index channel. Its content is either the
literal tombstone "null" or a JSON index entry {key, record_ids}, where
key is the 63-bit field hash and record_ids are the locations of every
record whose field currently hashes there. During a resize an entry may
temporarily carry a staged value; a finalized entry never does.

**Logical positions.**
The medium only supports time-windowed history scans, so each table
keeps a time table mapping a snowflake boundary to a [start, end)
logical index range. A bucket index is resolved by scanning at most
end-start messages older than the boundary and skipping index-start of
them. Every resize appends one range; the sum of range widths always
equals the table capacity.

**Records.**
Record payloads are msgpack-encoded rows wrapped in URL-safe base64 and
stored verbatim as message text. Table metadata is a single editable
JSON message that references its own location (written via a
send-then-edit two-phase step, since the medium assigns locations only
after send).

**Single writer.**
Metadata counters are mutated only by the cursor owning the table and
persisted immediately after every mutation. Two processes sharing one
table concurrently is unsupported.
*/
package discobase
