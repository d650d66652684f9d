package domain

import "encoding/json"

// ChangePayload holds a JSON snapshot of a record before or after a change.
// Snapshots are immutable once recorded so rules and audit sinks can read
// them without coordinating with the transaction that produced them.
type ChangePayload struct {
	defined bool
	raw     json.RawMessage
}

// NewChangePayload wraps raw JSON, cloning the bytes.
func NewChangePayload(raw json.RawMessage) ChangePayload {
	payload := ChangePayload{defined: true}
	if raw != nil {
		payload.raw = append(json.RawMessage(nil), raw...)
	}
	return payload
}

// PayloadOf marshals a record into a payload. Domain records always marshal,
// so a failure here is a programming error.
func PayloadOf[T any](value T) ChangePayload {
	raw, err := json.Marshal(value)
	if err != nil {
		panic("domain: marshal change payload: " + err.Error())
	}
	return ChangePayload{defined: true, raw: raw}
}

// Defined reports whether the payload has been initialized.
func (p ChangePayload) Defined() bool {
	return p.defined
}

// IsEmpty reports whether the payload contains no bytes.
func (p ChangePayload) IsEmpty() bool {
	return !p.defined || len(p.raw) == 0
}

// Raw returns a copy of the underlying JSON bytes, or nil when empty.
func (p ChangePayload) Raw() json.RawMessage {
	if p.IsEmpty() {
		return nil
	}
	return append(json.RawMessage(nil), p.raw...)
}

// MarshalJSON emits the wrapped snapshot, or null when undefined.
func (p ChangePayload) MarshalJSON() ([]byte, error) {
	if p.IsEmpty() {
		return []byte("null"), nil
	}
	return p.Raw(), nil
}

// DecodePayload unmarshals a payload into T. ok is false when the payload is
// undefined, empty, or does not decode.
func DecodePayload[T any](payload ChangePayload) (out T, ok bool) {
	if payload.IsEmpty() {
		return out, false
	}
	if err := json.Unmarshal(payload.raw, &out); err != nil {
		return out, false
	}
	return out, true
}
