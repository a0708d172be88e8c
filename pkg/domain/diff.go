package domain

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Diff is an insertion-ordered mapping of field name to new value. Keys are
// unique; setting an existing key overwrites its value in place.
//
// Copies of a Diff are independent: Set and Delete never write to storage
// another copy can observe.
type Diff struct {
	keys   []string
	values map[string]any
}

// NewDiff builds a diff from alternating key/value pairs.
func NewDiff(pairs ...any) Diff {
	var d Diff
	for i := 0; i+1 < len(pairs); i += 2 {
		key, ok := pairs[i].(string)
		if !ok {
			key = fmt.Sprint(pairs[i])
		}
		d.Set(key, pairs[i+1])
	}
	return d
}

// Set stores value under key, keeping the original position of existing keys.
func (d *Diff) Set(key string, value any) {
	_, exists := d.values[key]
	d.detach(1)
	if !exists {
		d.keys = append(d.keys, key)
	}
	d.values[key] = value
}

// Delete removes key if present.
func (d *Diff) Delete(key string) {
	if _, ok := d.values[key]; !ok {
		return
	}
	d.detach(0)
	delete(d.values, key)
	for i, k := range d.keys {
		if k == key {
			d.keys = append(d.keys[:i], d.keys[i+1:]...)
			break
		}
	}
}

// detach gives d private storage with room for extra more keys.
func (d *Diff) detach(extra int) {
	keys := make([]string, len(d.keys), len(d.keys)+extra)
	copy(keys, d.keys)
	values := make(map[string]any, len(d.values)+extra)
	for k, v := range d.values {
		values[k] = v
	}
	d.keys, d.values = keys, values
}

// Get returns the value stored under key.
func (d Diff) Get(key string) (any, bool) {
	v, ok := d.values[key]
	return v, ok
}

// Len returns the number of keys.
func (d Diff) Len() int {
	return len(d.keys)
}

// Keys returns the keys in insertion order.
func (d Diff) Keys() []string {
	if len(d.keys) == 0 {
		return nil
	}
	out := make([]string, len(d.keys))
	copy(out, d.keys)
	return out
}

// Range calls fn for each entry in insertion order until fn returns false.
func (d Diff) Range(fn func(key string, value any) bool) {
	for _, k := range d.keys {
		if !fn(k, d.values[k]) {
			return
		}
	}
}

// Clone returns an independent copy. Values are copied shallowly.
func (d Diff) Clone() Diff {
	if len(d.keys) == 0 {
		return Diff{}
	}
	out := Diff{
		keys:   make([]string, len(d.keys)),
		values: make(map[string]any, len(d.values)),
	}
	copy(out.keys, d.keys)
	for k, v := range d.values {
		out.values[k] = v
	}
	return out
}

// Map returns the entries as a plain map, losing order.
func (d Diff) Map() map[string]any {
	out := make(map[string]any, len(d.values))
	for k, v := range d.values {
		out[k] = v
	}
	return out
}

// MarshalJSON encodes the diff as a JSON object preserving key order.
func (d Diff) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, k := range d.keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, err := json.Marshal(k)
		if err != nil {
			return nil, err
		}
		val, err := json.Marshal(d.values[k])
		if err != nil {
			return nil, fmt.Errorf("marshal diff field %q: %w", k, err)
		}
		buf.Write(key)
		buf.WriteByte(':')
		buf.Write(val)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// UnmarshalJSON decodes a JSON object keeping the document's key order.
// Integral numbers decode as int64, other numbers as float64.
func (d *Diff) UnmarshalJSON(data []byte) error {
	*d = Diff{}
	if bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		return nil
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return fmt.Errorf("diff: expected object, got %v", tok)
	}
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return err
		}
		key, ok := tok.(string)
		if !ok {
			return fmt.Errorf("diff: expected key, got %v", tok)
		}
		var raw json.RawMessage
		if err := dec.Decode(&raw); err != nil {
			return fmt.Errorf("diff field %q: %w", key, err)
		}
		value, err := decodeValue(raw)
		if err != nil {
			return fmt.Errorf("diff field %q: %w", key, err)
		}
		d.Set(key, value)
	}
	_, err = dec.Token()
	return err
}

func decodeValue(raw json.RawMessage) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	return normalizeNumbers(v), nil
}

func normalizeNumbers(v any) any {
	switch t := v.(type) {
	case json.Number:
		if i, err := t.Int64(); err == nil {
			return i
		}
		f, _ := t.Float64()
		return f
	case map[string]any:
		for k, item := range t {
			t[k] = normalizeNumbers(item)
		}
		return t
	case []any:
		for i, item := range t {
			t[i] = normalizeNumbers(item)
		}
		return t
	default:
		return v
	}
}
