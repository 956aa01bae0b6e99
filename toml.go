// TOML encoding for Documents.
//
// Decoding runs two passes over the input. toml.Unmarshal produces the
// values with their proper types, and a walk over the unstable parser's AST
// records the order in which every table's keys first appear. The two are
// joined by path, where array elements are addressed by index.
//
// Encoding writes tables in key order. Scalars are formatted by go-toml
// itself. A table or array of tables that is followed by a scalar key in
// the same parent is written inline, since a [section] header would
// otherwise capture the scalars after it and reorder the document.
package pkgstate

import (
	"bytes"
	"fmt"
	"os"
	"slices"
	"strconv"
	"strings"

	"github.com/pelletier/go-toml/v2"
	"github.com/pelletier/go-toml/v2/unstable"
)

// ParseDocument decodes TOML text into a Document, preserving key order.
func ParseDocument(data []byte) (*Document, error) {
	var raw map[string]any
	if err := toml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedDocument, err)
	}
	order, err := scanOrder(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedDocument, err)
	}
	return order.table(raw, nil), nil
}

// EncodeDocument renders d as TOML.
func EncodeDocument(d *Document) ([]byte, error) {
	var e encoder
	if err := e.table(d, nil, false); err != nil {
		return nil, err
	}
	return e.buf.Bytes(), nil
}

// ReadDocumentFile parses the TOML file at path without taking any lock.
func ReadDocumentFile(path string) (*Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParseDocument(data)
}

// WriteDocumentFile overwrites path with d without taking any lock.
func WriteDocumentFile(path string, d *Document) error {
	data, err := EncodeDocument(d)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

// keyOrder maps a table path to its keys in first-seen order.
type keyOrder struct {
	keys   map[string][]string
	arrays map[string]int // array-of-tables path -> elements seen
}

func pathKey(path []string) string {
	return strings.Join(path, "\x1f")
}

func elem(i int) string {
	return "\x1e" + strconv.Itoa(i)
}

func scanOrder(data []byte) (*keyOrder, error) {
	o := &keyOrder{
		keys:   make(map[string][]string),
		arrays: make(map[string]int),
	}

	var p unstable.Parser
	p.Reset(data)
	var current []string
	for p.NextExpression() {
		e := p.Expression()
		switch e.Kind {
		case unstable.Table:
			current = o.add(nil, keyParts(e))
		case unstable.ArrayTable:
			full := o.add(nil, keyParts(e))
			n := o.arrays[pathKey(full)]
			o.arrays[pathKey(full)] = n + 1
			current = append(full, elem(n))
		case unstable.KeyValue:
			o.value(o.add(current, keyParts(e)), e.Value())
		}
	}
	if err := p.Error(); err != nil {
		return nil, err
	}
	return o, nil
}

func keyParts(n *unstable.Node) []string {
	var parts []string
	it := n.Key()
	for it.Next() {
		parts = append(parts, string(it.Node().Data))
	}
	return parts
}

// add records each part of a dotted key under its parent and returns the
// full path. Intermediate parts that name an array of tables resolve to
// its latest element, as TOML does for [[a]] followed by [a.b].
func (o *keyOrder) add(base, parts []string) []string {
	path := slices.Clone(base)
	for i, part := range parts {
		parent := pathKey(path)
		if !slices.Contains(o.keys[parent], part) {
			o.keys[parent] = append(o.keys[parent], part)
		}
		path = append(path, part)
		if n := o.arrays[pathKey(path)]; n > 0 && i < len(parts)-1 {
			path = append(path, elem(n-1))
		}
	}
	return path
}

func (o *keyOrder) value(path []string, n *unstable.Node) {
	switch n.Kind {
	case unstable.InlineTable:
		it := n.Children()
		for it.Next() {
			kv := it.Node()
			o.value(o.add(path, keyParts(kv)), kv.Value())
		}
	case unstable.Array:
		it := n.Children()
		for i := 0; it.Next(); i++ {
			o.value(append(slices.Clone(path), elem(i)), it.Node())
		}
	}
}

func (o *keyOrder) table(raw map[string]any, path []string) *Document {
	doc := NewDocument()
	known := o.keys[pathKey(path)]
	for _, k := range known {
		if v, ok := raw[k]; ok {
			doc.Set(k, o.convert(v, append(slices.Clone(path), k)))
		}
	}
	// Anything the scan missed goes last in a stable order.
	var rest []string
	for k := range raw {
		if !slices.Contains(known, k) {
			rest = append(rest, k)
		}
	}
	slices.Sort(rest)
	for _, k := range rest {
		doc.Set(k, o.convert(raw[k], append(slices.Clone(path), k)))
	}
	return doc
}

func (o *keyOrder) convert(v any, path []string) any {
	switch x := v.(type) {
	case map[string]any:
		return o.table(x, path)
	case []any:
		out := make([]any, len(x))
		for i, e := range x {
			out[i] = o.convert(e, append(slices.Clone(path), elem(i)))
		}
		return out
	}
	return v
}

type encoder struct {
	buf bytes.Buffer
}

func (e *encoder) table(d *Document, path []string, array bool) error {
	if len(path) > 0 {
		if e.buf.Len() > 0 {
			e.buf.WriteByte('\n')
		}
		header := headerPath(path)
		if array {
			fmt.Fprintf(&e.buf, "[[%s]]\n", header)
		} else {
			fmt.Fprintf(&e.buf, "[%s]\n", header)
		}
	}

	// Sections may only start after the last scalar.
	lastInline := -1
	for i, k := range d.keys {
		if !isSection(d.values[k]) {
			lastInline = i
		}
	}

	for i, k := range d.keys {
		v := d.values[k]
		if isSection(v) && i > lastInline {
			continue
		}
		s, err := inline(v)
		if err != nil {
			return fmt.Errorf("%s: %w", strings.Join(append(slices.Clone(path), k), "."), err)
		}
		fmt.Fprintf(&e.buf, "%s = %s\n", quoteKey(k), s)
	}

	for _, k := range d.keys[lastInline+1:] {
		sub := append(slices.Clone(path), k)
		switch x := d.values[k].(type) {
		case *Document:
			if err := e.table(x, sub, false); err != nil {
				return err
			}
		case []any:
			for _, el := range x {
				if err := e.table(el.(*Document), sub, true); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

// isSection reports whether v is written under its own header.
func isSection(v any) bool {
	switch x := v.(type) {
	case *Document:
		return true
	case []any:
		if len(x) == 0 {
			return false
		}
		for _, el := range x {
			if _, ok := el.(*Document); !ok {
				return false
			}
		}
		return true
	}
	return false
}

// inline formats v as a single-line TOML value.
func inline(v any) (string, error) {
	switch x := v.(type) {
	case *Document:
		parts := make([]string, 0, x.Len())
		for k, el := range x.All() {
			s, err := inline(el)
			if err != nil {
				return "", err
			}
			parts = append(parts, quoteKey(k)+" = "+s)
		}
		return "{" + strings.Join(parts, ", ") + "}", nil
	case []any:
		parts := make([]string, 0, len(x))
		for _, el := range x {
			s, err := inline(el)
			if err != nil {
				return "", err
			}
			parts = append(parts, s)
		}
		return "[" + strings.Join(parts, ", ") + "]", nil
	}
	return scalar(v)
}

// scalar lets go-toml format a single value by marshalling a one-key
// table and cutting the key back off.
func scalar(v any) (string, error) {
	if v == nil {
		return "", fmt.Errorf("%w: nil", ErrUnsupportedValue)
	}
	b, err := toml.Marshal(map[string]any{"v": v})
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrUnsupportedValue, err)
	}
	s, ok := strings.CutPrefix(strings.TrimSuffix(string(b), "\n"), "v = ")
	if !ok || strings.Contains(s, "\n") {
		return "", fmt.Errorf("%w: %T", ErrUnsupportedValue, v)
	}
	return s, nil
}

func quoteKey(k string) string {
	if k != "" && strings.IndexFunc(k, func(r rune) bool {
		return !(r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' || r == '_' || r == '-')
	}) < 0 {
		return k
	}
	s, _ := scalar(k)
	return s
}

func headerPath(path []string) string {
	parts := make([]string, len(path))
	for i, p := range path {
		parts[i] = quoteKey(p)
	}
	return strings.Join(parts, ".")
}
