package discobase

import (
	"encoding/json"

	"github.com/ZeroIntensity/discobase/store"
)

// indexRange is a [start, end) range of logical bucket positions.
type indexRange [2]int

func (r indexRange) start() int { return r[0] }
func (r indexRange) end() int   { return r[1] }

func (r indexRange) contains(index int) bool {
	return index >= r[0] && index < r[1]
}

func (r indexRange) width() int { return r[1] - r[0] }

// tableMeta is the descriptor of one logical table, persisted as a
// single editable JSON message in the metadata channel.
//
// TimeTable exists because channels have no random access: it maps a
// snowflake boundary to the range of logical positions whose messages
// are the newest ones older than that boundary. Every resize appends
// one range; the widths always sum to MaxRecords.
type tableMeta struct {
	Name           string                         `json:"name"`
	Keys           []string                       `json:"keys"`
	TableChannel   store.ChannelID                `json:"table_channel"`
	IndexChannels  map[string]store.ChannelID     `json:"index_channels"`
	CurrentRecords int                            `json:"current_records"`
	MaxRecords     int                            `json:"max_records"`
	TimeTable      map[store.MessageID]indexRange `json:"time_table"`
	// MessageID is the location of this metadata's own message,
	// assigned by the medium after the first send and written back in
	// a second phase.
	MessageID store.MessageID `json:"message_id"`
}

func parseTableMeta(content string) (*tableMeta, error) {
	var m tableMeta
	if err := json.Unmarshal([]byte(content), &m); err != nil {
		return nil, corruptAt("", -1, content, err, "bad table metadata")
	}
	return &m, nil
}

func (m *tableMeta) encode() string {
	raw, err := json.Marshal(m)
	if err != nil {
		panic(err) // plain data, cannot fail
	}
	return string(raw)
}

// rangeFor returns the time-table entry covering a logical position.
func (m *tableMeta) rangeFor(index int) (boundary store.MessageID, rng indexRange, ok bool) {
	for ts, r := range m.TimeTable {
		if r.contains(index) {
			return ts, r, true
		}
	}
	return 0, indexRange{}, false
}

// indexChannelKey names the index channel for one field.
func indexChannelKey(table, field string) string {
	return table + "_" + field
}
