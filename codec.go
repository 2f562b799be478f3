package discobase

import (
	"encoding/base64"
	"encoding/json"
	"reflect"
	"strings"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/ZeroIntensity/discobase/store"
)

// tombstone is the literal content of an empty bucket.
const tombstone = "null"

// encodeRecord serializes a row into message text: msgpack, wrapped in
// URL-safe base64 so the payload survives any text-only medium intact.
func encodeRecord(rowVal reflect.Value) (string, error) {
	raw, err := msgpack.Marshal(rowVal.Interface())
	if err != nil {
		return "", storagef("failed to encode %s record: %v", rowVal.Type(), err)
	}
	return base64.URLEncoding.EncodeToString(raw), nil
}

// decodeRecord decodes message text produced by encodeRecord into
// rowPtr, which must be a pointer to the row struct.
func decodeRecord(table, content string, rowPtr any) error {
	raw, err := base64.URLEncoding.DecodeString(content)
	if err != nil {
		return corruptAt(table, -1, content, err, "record is not valid base64")
	}
	if err := msgpack.Unmarshal(raw, rowPtr); err != nil {
		return corruptAt(table, -1, content, err, "record does not decode as %T", rowPtr)
	}
	return nil
}

// stagedEntry is the destination value staged on a bucket during a
// resize. It deliberately has no staged field of its own, so a
// doubly-nested staged value is unrepresentable.
type stagedEntry struct {
	Key       uint64            `json:"key"`
	RecordIDs []store.MessageID `json:"record_ids"`
}

// indexEntry is the content of one occupied index bucket: the 63-bit
// hash key and the locations of every record owning it. Staged is only
// ever non-nil in the window between the two resize passes.
type indexEntry struct {
	Key       uint64            `json:"key"`
	RecordIDs []store.MessageID `json:"record_ids"`
	Staged    *stagedEntry      `json:"staged,omitempty"`
}

func (e *indexEntry) encode() string {
	raw, err := json.Marshal(e)
	if err != nil {
		panic(err) // plain data, cannot fail
	}
	return string(raw)
}

// parseIndexEntry parses bucket content, returning nil for a
// tombstone. Staged entries are accepted; resize is the only caller
// that should see them. Decoding is strict: unknown fields fail, which
// also rejects a doubly-nested staged value (stagedEntry has no staged
// field of its own).
func parseIndexEntry(table string, index int, content string) (*indexEntry, error) {
	if content == tombstone {
		return nil, nil
	}
	dec := json.NewDecoder(strings.NewReader(content))
	dec.DisallowUnknownFields()
	var e indexEntry
	if err := dec.Decode(&e); err != nil {
		return nil, corruptAt(table, index, content, err, "bad index entry")
	}
	return &e, nil
}

// parseFinalIndexEntry parses bucket content outside of a resize,
// where a staged value must never be present.
func parseFinalIndexEntry(table string, index int, content string) (*indexEntry, error) {
	e, err := parseIndexEntry(table, index, content)
	if err != nil {
		return nil, err
	}
	if e != nil && e.Staged != nil {
		return nil, corruptAt(table, index, content, nil, "finalized index entry carries a staged value")
	}
	return e, nil
}

// removeRecordID removes one occurrence of id, reporting whether it
// was present.
func (e *indexEntry) removeRecordID(id store.MessageID) bool {
	for i, rid := range e.RecordIDs {
		if rid == id {
			e.RecordIDs = append(e.RecordIDs[:i], e.RecordIDs[i+1:]...)
			return true
		}
	}
	return false
}
