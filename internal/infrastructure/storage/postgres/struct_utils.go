package postgres

import (
	"reflect"
	"sync"
)

// ExtractDBColumns returns the column names from the "db" tags of T in field
// order, descending into embedded structs.
//
// Usage:
//
//	var sequenceColumns = ExtractDBColumns[counterRow]()
func ExtractDBColumns[T any]() []string {
	var zero T
	meta := getOrCreateTypeMetadata(reflect.TypeOf(zero))
	return meta.columns()
}

// fieldInfo is the pre-computed metadata of one tagged or embedded field.
type fieldInfo struct {
	index    int
	dbTag    string
	embedded bool
}

type typeMetadata struct {
	typ    reflect.Type
	fields []fieldInfo
}

func (m *typeMetadata) columns() []string {
	var cols []string
	for _, fi := range m.fields {
		if fi.embedded {
			cols = append(cols, getOrCreateTypeMetadata(m.typ.Field(fi.index).Type).columns()...)
			continue
		}
		cols = append(cols, fi.dbTag)
	}
	return cols
}

// typeCache maps reflect.Type to *typeMetadata.
var typeCache sync.Map

func getOrCreateTypeMetadata(t reflect.Type) *typeMetadata {
	if t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	if cached, ok := typeCache.Load(t); ok {
		return cached.(*typeMetadata)
	}

	meta := &typeMetadata{typ: t}
	if t.Kind() == reflect.Struct {
		for i := 0; i < t.NumField(); i++ {
			field := t.Field(i)
			if field.Anonymous {
				meta.fields = append(meta.fields, fieldInfo{index: i, embedded: true})
				continue
			}
			tag := field.Tag.Get("db")
			if tag == "" || tag == "-" {
				continue
			}
			meta.fields = append(meta.fields, fieldInfo{index: i, dbTag: tag})
		}
	}

	actual, _ := typeCache.LoadOrStore(t, meta)
	return actual.(*typeMetadata)
}

// StructToMap converts a struct to a column map using its "db" tags, leaving
// out the listed columns.
func StructToMap(v any, omit ...string) map[string]any {
	rv := reflect.ValueOf(v)
	if rv.Kind() == reflect.Ptr {
		rv = rv.Elem()
	}
	if rv.Kind() != reflect.Struct {
		return nil
	}

	res := make(map[string]any)
	collect(rv, res)
	for _, col := range omit {
		delete(res, col)
	}
	return res
}

func collect(rv reflect.Value, into map[string]any) {
	meta := getOrCreateTypeMetadata(rv.Type())
	for _, fi := range meta.fields {
		if fi.embedded {
			ev := rv.Field(fi.index)
			if ev.Kind() == reflect.Ptr {
				if ev.IsNil() {
					continue
				}
				ev = ev.Elem()
			}
			collect(ev, into)
			continue
		}
		into[fi.dbTag] = rv.Field(fi.index).Interface()
	}
}
