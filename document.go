// Ordered documents for structured state files.
//
// A Document is a string-keyed table that remembers insertion order. Values
// are scalars (string, int64, float64, bool, time values), nested
// *Document tables, or []any arrays of either. Set normalises the common
// Go spellings of those (int, float32, map[string]any, typed slices) so
// that documents built by hand compare equal to documents parsed from disk.
package pkgstate

import (
	"bytes"
	"fmt"
	"iter"
	"reflect"
	"slices"
	"time"

	json "github.com/goccy/go-json"
)

// Document is an ordered table. The zero value is not usable; call
// NewDocument.
type Document struct {
	keys   []string
	values map[string]any
}

// NewDocument returns an empty document.
func NewDocument() *Document {
	return &Document{values: make(map[string]any)}
}

// Len returns the number of keys.
func (d *Document) Len() int {
	return len(d.keys)
}

// Keys returns the keys in order.
func (d *Document) Keys() []string {
	return slices.Clone(d.keys)
}

// Get returns the value stored under key.
func (d *Document) Get(key string) (any, bool) {
	v, ok := d.values[key]
	return v, ok
}

// Table returns the nested table stored under key.
func (d *Document) Table(key string) (*Document, bool) {
	t, ok := d.values[key].(*Document)
	return t, ok
}

// Set stores value under key. An existing key keeps its position.
func (d *Document) Set(key string, value any) {
	if _, ok := d.values[key]; !ok {
		d.keys = append(d.keys, key)
	}
	d.values[key] = normalize(value)
}

// Delete removes key and reports whether it was present.
func (d *Document) Delete(key string) bool {
	if _, ok := d.values[key]; !ok {
		return false
	}
	delete(d.values, key)
	d.keys = slices.DeleteFunc(d.keys, func(k string) bool { return k == key })
	return true
}

// All iterates key/value pairs in order.
func (d *Document) All() iter.Seq2[string, any] {
	return func(yield func(string, any) bool) {
		for _, k := range d.keys {
			if !yield(k, d.values[k]) {
				return
			}
		}
	}
}

// Map converts the document into plain maps and slices. Order is lost.
func (d *Document) Map() map[string]any {
	out := make(map[string]any, len(d.keys))
	for k, v := range d.All() {
		out[k] = plain(v)
	}
	return out
}

// Equal reports whether both documents hold the same keys in the same
// order with equal values.
func (d *Document) Equal(o *Document) bool {
	if d == nil || o == nil {
		return d == o
	}
	if !slices.Equal(d.keys, o.keys) {
		return false
	}
	for _, k := range d.keys {
		if !equalValue(d.values[k], o.values[k]) {
			return false
		}
	}
	return true
}

// MarshalJSON encodes the document as a JSON object in key order.
func (d *Document) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, k := range d.keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		kb, err := json.Marshal(k)
		if err != nil {
			return nil, err
		}
		vb, err := json.Marshal(d.values[k])
		if err != nil {
			return nil, err
		}
		buf.Write(kb)
		buf.WriteByte(':')
		buf.Write(vb)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// UnmarshalJSON decodes a JSON object, keeping the order keys appear in.
// Whole numbers become int64, other numbers float64.
func (d *Document) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	tok, err := dec.Token()
	if err != nil {
		return fmt.Errorf("%w: %w", ErrMalformedDocument, err)
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return fmt.Errorf("%w: want object, got %v", ErrMalformedDocument, tok)
	}
	doc, err := jsonObject(dec)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrMalformedDocument, err)
	}
	*d = *doc
	return nil
}

func jsonObject(dec *json.Decoder) (*Document, error) {
	doc := NewDocument()
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return nil, err
		}
		key, ok := tok.(string)
		if !ok {
			return nil, fmt.Errorf("object key %v", tok)
		}
		v, err := jsonValue(dec)
		if err != nil {
			return nil, err
		}
		doc.Set(key, v)
	}
	// closing brace
	if _, err := dec.Token(); err != nil {
		return nil, err
	}
	return doc, nil
}

func jsonValue(dec *json.Decoder) (any, error) {
	tok, err := dec.Token()
	if err != nil {
		return nil, err
	}
	switch t := tok.(type) {
	case json.Delim:
		switch t {
		case '{':
			return jsonObject(dec)
		case '[':
			arr := []any{}
			for dec.More() {
				v, err := jsonValue(dec)
				if err != nil {
					return nil, err
				}
				arr = append(arr, v)
			}
			if _, err := dec.Token(); err != nil {
				return nil, err
			}
			return arr, nil
		}
		return nil, fmt.Errorf("unexpected %v", t)
	case json.Number:
		if n, err := t.Int64(); err == nil {
			return n, nil
		}
		return t.Float64()
	default:
		return t, nil
	}
}

// normalize maps Go values onto the document value set.
func normalize(v any) any {
	switch x := v.(type) {
	case nil, string, bool, int64, float64, *Document, time.Time:
		return v
	case int:
		return int64(x)
	case int8:
		return int64(x)
	case int16:
		return int64(x)
	case int32:
		return int64(x)
	case uint8:
		return int64(x)
	case uint16:
		return int64(x)
	case uint32:
		return int64(x)
	case float32:
		return float64(x)
	case map[string]any:
		doc := NewDocument()
		keys := make([]string, 0, len(x))
		for k := range x {
			keys = append(keys, k)
		}
		slices.Sort(keys)
		for _, k := range keys {
			doc.Set(k, x[k])
		}
		return doc
	case []any:
		out := make([]any, len(x))
		for i, e := range x {
			out[i] = normalize(e)
		}
		return out
	}

	rv := reflect.ValueOf(v)
	if rv.Kind() == reflect.Slice && rv.Type().Elem().Kind() != reflect.Uint8 {
		out := make([]any, rv.Len())
		for i := range out {
			out[i] = normalize(rv.Index(i).Interface())
		}
		return out
	}
	return v
}

func plain(v any) any {
	switch x := v.(type) {
	case *Document:
		return x.Map()
	case []any:
		out := make([]any, len(x))
		for i, e := range x {
			out[i] = plain(e)
		}
		return out
	}
	return v
}

func equalValue(a, b any) bool {
	switch x := a.(type) {
	case *Document:
		y, ok := b.(*Document)
		return ok && x.Equal(y)
	case []any:
		y, ok := b.([]any)
		if !ok || len(x) != len(y) {
			return false
		}
		for i := range x {
			if !equalValue(x[i], y[i]) {
				return false
			}
		}
		return true
	case time.Time:
		y, ok := b.(time.Time)
		return ok && x.Equal(y)
	}
	return reflect.DeepEqual(a, b)
}
