package domain

import (
	"encoding/json"
	"fmt"
)

// ChangePayload wraps the JSON encoding of an audit diff as stored by SQL
// ledgers. The zero value is undefined; DELETE records carry a defined empty
// object.
type ChangePayload struct {
	defined bool
	raw     json.RawMessage
}

// NewChangePayload builds a payload wrapper from raw JSON. The bytes are cloned
// to prevent callers from mutating shared state.
func NewChangePayload(raw json.RawMessage) ChangePayload {
	payload := ChangePayload{defined: true}
	if raw != nil {
		payload.raw = cloneRawMessage(raw)
	}
	return payload
}

// EncodeDiff marshals d preserving key order.
func EncodeDiff(d Diff) (ChangePayload, error) {
	raw, err := d.MarshalJSON()
	if err != nil {
		return ChangePayload{}, fmt.Errorf("encode payload: %w", err)
	}
	return NewChangePayload(raw), nil
}

// Defined reports whether the payload has been initialized.
func (p ChangePayload) Defined() bool {
	return p.defined
}

// IsEmpty reports whether the payload has no entries.
func (p ChangePayload) IsEmpty() bool {
	if !p.defined || len(p.raw) == 0 {
		return true
	}
	return string(p.raw) == "{}" || string(p.raw) == "null"
}

// Raw returns a cloned copy of the underlying JSON bytes.
func (p ChangePayload) Raw() json.RawMessage {
	if !p.defined || len(p.raw) == 0 {
		return nil
	}
	return cloneRawMessage(p.raw)
}

// Diff decodes the payload. Undefined and empty payloads yield an empty diff.
func (p ChangePayload) Diff() (Diff, error) {
	var d Diff
	if len(p.raw) == 0 {
		return d, nil
	}
	if err := d.UnmarshalJSON(p.raw); err != nil {
		return Diff{}, fmt.Errorf("decode payload: %w", err)
	}
	return d, nil
}

func cloneRawMessage(raw json.RawMessage) json.RawMessage {
	if raw == nil {
		return nil
	}
	cloned := make(json.RawMessage, len(raw))
	copy(cloned, raw)
	return cloned
}
