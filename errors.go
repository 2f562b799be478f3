package discobase

import (
	"fmt"
	"strings"
)

// NotConnectedError means an operation was attempted before the
// database was opened, or after it was closed or cleaned.
type NotConnectedError struct {
	Msg string
}

func (e *NotConnectedError) Error() string {
	return "discobase: " + e.Msg
}

func notConnectedf(format string, args ...any) error {
	return &NotConnectedError{Msg: fmt.Sprintf(format, args...)}
}

// CorruptionError means an invariant of the index structure does not
// hold: a missing time range, an exhausted collision probe, a staged
// value outside a resize, a partially created table, schema drift, or
// unparseable persisted content. There is no automatic repair; the
// error carries the raw stored content to support manual inspection.
type CorruptionError struct {
	Table   string
	Index   int // offending bucket index, -1 when not applicable
	Content string
	Msg     string
	Err     error
}

func (e *CorruptionError) Unwrap() error {
	return e.Err
}

func (e *CorruptionError) Error() string {
	var buf strings.Builder
	buf.WriteString("corrupted table")
	if e.Table != "" {
		buf.WriteByte(' ')
		buf.WriteString(e.Table)
	}
	if e.Index >= 0 {
		fmt.Fprintf(&buf, " [bucket %d]", e.Index)
	}
	buf.WriteString(": ")
	buf.WriteString(e.Msg)
	if e.Err != nil {
		buf.WriteString(": ")
		buf.WriteString(e.Err.Error())
	}
	if e.Content != "" {
		fmt.Fprintf(&buf, " (stored content: %q)", e.Content)
	}
	return buf.String()
}

func corruptf(table string, format string, args ...any) error {
	return &CorruptionError{Table: table, Index: -1, Msg: fmt.Sprintf(format, args...)}
}

func corruptAt(table string, index int, content string, err error, format string, args ...any) error {
	return &CorruptionError{
		Table:   table,
		Index:   index,
		Content: content,
		Msg:     fmt.Sprintf(format, args...),
		Err:     err,
	}
}

// StorageError means a value could not be stored, most commonly
// because it has no defined hash rule.
type StorageError struct {
	Msg string
}

func (e *StorageError) Error() string {
	return "discobase: " + e.Msg
}

func storagef(format string, args ...any) error {
	return &StorageError{Msg: fmt.Sprintf(format, args...)}
}

// TableError means a row type is misused: not a proper record type,
// registered twice, or used against a table that never reached the
// ready state.
type TableError struct {
	Table string
	Msg   string
}

func (e *TableError) Error() string {
	if e.Table == "" {
		return "discobase: " + e.Msg
	}
	return "discobase: table " + e.Table + ": " + e.Msg
}

func tableErrf(table string, format string, args ...any) error {
	return &TableError{Table: table, Msg: fmt.Sprintf(format, args...)}
}

// LookupError means a query referenced a field that is not part of the
// schema, or a unique lookup did not match exactly one record.
type LookupError struct {
	Table string
	Msg   string
}

func (e *LookupError) Error() string {
	if e.Table == "" {
		return "discobase: " + e.Msg
	}
	return "discobase: table " + e.Table + ": " + e.Msg
}

func lookupErrf(table string, format string, args ...any) error {
	return &LookupError{Table: table, Msg: fmt.Sprintf(format, args...)}
}
