package discobase

import (
	"fmt"
	"reflect"
	"strings"

	"github.com/ZeroIntensity/discobase/store"
)

// Meta carries the record's location. Every row struct embeds it; the
// location is the message ID assigned at save time and doubles as the
// record's permanent identity. The zero value means "unsaved".
type Meta struct {
	loc store.MessageID
}

// Location returns the record's location, 0 if the row was never
// saved.
func (m *Meta) Location() store.MessageID {
	return m.loc
}

var metaType = reflect.TypeOf(Meta{})

// Schema is the set of tables a database serves. Define it once with
// AddTable calls at package init and pass it to Open; the binding of
// row types to cursors is owned by each DB, not by the row types.
type Schema struct {
	tables    []*Table
	byName    map[string]*Table
	byRowType map[reflect.Type]*Table
}

func (scm *Schema) init() {
	if scm.byName == nil {
		scm.byName = make(map[string]*Table)
		scm.byRowType = make(map[reflect.Type]*Table)
	}
}

// Tables returns the registered tables in registration order.
func (scm *Schema) Tables() []*Table {
	return append([]*Table(nil), scm.tables...)
}

func (scm *Schema) tableByRowType(rt reflect.Type) *Table {
	if scm.byRowType == nil {
		return nil
	}
	return scm.byRowType[rt]
}

// Table describes one registered row type: its name, its ordered field
// list and the initial bucket capacity of its indexes. The field list
// is immutable once the table has been created in a store.
type Table struct {
	schema      *Schema
	name        string
	rowType     reflect.Type
	fields      []fieldInfo
	initialSize int
}

type fieldInfo struct {
	name  string
	index []int
}

const defaultInitialSize = 4

// AddTable registers a row type under the given name. The row must be
// a struct embedding Meta; its indexed fields are derived from the
// exported fields, named by their msgpack tag when present.
//
// Misuse (duplicate name, non-struct row, missing Meta) is a
// programmer error and panics.
func AddTable[Row any](scm *Schema, name string) *Table {
	scm.init()
	rt := reflect.TypeOf((*Row)(nil)).Elem()
	if rt.Kind() != reflect.Struct {
		panic(tableErrf(name, "row type %v is not a struct", rt))
	}
	if _, ok := scm.byName[name]; ok {
		panic(tableErrf(name, "table registered twice"))
	}

	tbl := &Table{
		schema:      scm,
		name:        name,
		rowType:     rt,
		initialSize: defaultInitialSize,
	}
	hasMeta := false
	for i := range rt.NumField() {
		f := rt.Field(i)
		if f.Anonymous && f.Type == metaType {
			hasMeta = true
			continue
		}
		if !f.IsExported() {
			continue
		}
		fname := f.Name
		if tag, ok := f.Tag.Lookup("msgpack"); ok {
			tag, _, _ = strings.Cut(tag, ",")
			if tag == "-" {
				continue
			}
			if tag != "" {
				fname = tag
			}
		} else {
			fname = strings.ToLower(fname)
		}
		tbl.fields = append(tbl.fields, fieldInfo{name: fname, index: f.Index})
	}
	if !hasMeta {
		panic(tableErrf(name, "row type %v does not embed discobase.Meta", rt))
	}
	if len(tbl.fields) == 0 {
		panic(tableErrf(name, "row type %v has no indexable fields", rt))
	}

	scm.tables = append(scm.tables, tbl)
	scm.byName[name] = tbl
	scm.byRowType[rt] = tbl
	return tbl
}

// InitialSize overrides the initial bucket capacity of the table's
// indexes (default 4). Only meaningful before the table is first
// created in a store.
func (tbl *Table) InitialSize(n int) *Table {
	if n <= 0 {
		panic(fmt.Errorf("invalid initial size %d for table %s", n, tbl.name))
	}
	tbl.initialSize = n
	return tbl
}

// Name returns the table name.
func (tbl *Table) Name() string {
	return tbl.name
}

// Keys returns the ordered field names.
func (tbl *Table) Keys() []string {
	keys := make([]string, len(tbl.fields))
	for i, f := range tbl.fields {
		keys[i] = f.name
	}
	return keys
}

func (tbl *Table) fieldByName(name string) (fieldInfo, bool) {
	for _, f := range tbl.fields {
		if f.name == name {
			return f, true
		}
	}
	return fieldInfo{}, false
}

// fieldValue extracts one field's value from a row.
func (f fieldInfo) value(rowVal reflect.Value) any {
	return rowVal.FieldByIndex(f.index).Interface()
}

// rowMeta returns the embedded Meta of a row pointer.
func rowMeta(rowPtrVal reflect.Value) *Meta {
	return rowPtrVal.Elem().FieldByName("Meta").Addr().Interface().(*Meta)
}
