package wire

import (
	"encoding/json"
	"fmt"
	"math"
)

// Payload is an opaque JSON value. It keeps the raw encoding and offers
// structural access plus typed scalar extraction; extraction returns an
// error when the underlying kind does not match instead of coercing.
type Payload []byte

// NewPayload marshals v into a Payload.
func NewPayload(v any) (Payload, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to build payload: %w", err)
	}
	return Payload(data), nil
}

// MustPayload is NewPayload for values that cannot fail to marshal.
func MustPayload(v any) Payload {
	p, err := NewPayload(v)
	if err != nil {
		panic(err)
	}
	return p
}

func (p Payload) MarshalJSON() ([]byte, error) {
	if len(p) == 0 {
		return []byte("null"), nil
	}
	return p, nil
}

func (p *Payload) UnmarshalJSON(data []byte) error {
	if p == nil {
		return fmt.Errorf("wire.Payload: UnmarshalJSON on nil pointer")
	}
	*p = append((*p)[0:0], data...)
	return nil
}

// IsEmpty reports whether the payload is absent or JSON null.
func (p Payload) IsEmpty() bool {
	return len(p) == 0 || string(p) == "null"
}

// IsObject reports whether the payload is a JSON object.
func (p Payload) IsObject() bool {
	return len(p) > 0 && p[0] == '{'
}

// IsArray reports whether the payload is a JSON array.
func (p Payload) IsArray() bool {
	return len(p) > 0 && p[0] == '['
}

// Field returns the value of an object key.
func (p Payload) Field(name string) (Payload, bool) {
	obj, err := p.object()
	if err != nil {
		return nil, false
	}
	raw, ok := obj[name]
	if !ok {
		return nil, false
	}
	return Payload(raw), true
}

// At returns the i-th element of an array payload.
func (p Payload) At(i int) (Payload, bool) {
	arr, err := p.array()
	if err != nil || i < 0 || i >= len(arr) {
		return nil, false
	}
	return Payload(arr[i]), true
}

// Len returns the element count of an array payload, or 0.
func (p Payload) Len() int {
	arr, err := p.array()
	if err != nil {
		return 0
	}
	return len(arr)
}

// Keys returns the key set of an object payload, or nil.
func (p Payload) Keys() []string {
	obj, err := p.object()
	if err != nil {
		return nil
	}
	keys := make([]string, 0, len(obj))
	for k := range obj {
		keys = append(keys, k)
	}
	return keys
}

// AsString extracts a JSON string value.
func (p Payload) AsString() (string, error) {
	var s string
	if err := json.Unmarshal(p, &s); err != nil {
		return "", fmt.Errorf("payload is not a string: %w", err)
	}
	return s, nil
}

// AsInt64 extracts an integral JSON number.
func (p Payload) AsInt64() (int64, error) {
	var n json.Number
	if err := json.Unmarshal(p, &n); err != nil {
		return 0, fmt.Errorf("payload is not a number: %w", err)
	}
	v, err := n.Int64()
	if err != nil {
		return 0, fmt.Errorf("payload is not an integer: %w", err)
	}
	return v, nil
}

// AsInt32 extracts an integral JSON number that fits in 32 bits.
func (p Payload) AsInt32() (int32, error) {
	v, err := p.AsInt64()
	if err != nil {
		return 0, err
	}
	if v < math.MinInt32 || v > math.MaxInt32 {
		return 0, fmt.Errorf("payload value %d overflows int32", v)
	}
	return int32(v), nil
}

// AsFloat64 extracts a JSON number as a decimal.
func (p Payload) AsFloat64() (float64, error) {
	var n json.Number
	if err := json.Unmarshal(p, &n); err != nil {
		return 0, fmt.Errorf("payload is not a number: %w", err)
	}
	v, err := n.Float64()
	if err != nil {
		return 0, fmt.Errorf("payload is not a decimal: %w", err)
	}
	return v, nil
}

// AsBool extracts a JSON boolean.
func (p Payload) AsBool() (bool, error) {
	var b bool
	if err := json.Unmarshal(p, &b); err != nil {
		return false, fmt.Errorf("payload is not a boolean: %w", err)
	}
	return b, nil
}

// Decode unmarshals the payload into out.
func (p Payload) Decode(out any) error {
	if p.IsEmpty() {
		return nil
	}
	if err := json.Unmarshal(p, out); err != nil {
		return fmt.Errorf("invalid payload: %w", err)
	}
	return nil
}

// WithField returns a copy of an object payload with one key replaced (or
// added). Every other member keeps its original encoding.
func (p Payload) WithField(name string, value any) (Payload, error) {
	obj, err := p.object()
	if err != nil {
		return nil, err
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("failed to encode field %q: %w", name, err)
	}
	obj[name] = raw
	data, err := json.Marshal(obj)
	if err != nil {
		return nil, fmt.Errorf("failed to rebuild payload: %w", err)
	}
	return Payload(data), nil
}

// WithoutField returns a copy of an object payload with one key removed.
func (p Payload) WithoutField(name string) (Payload, error) {
	obj, err := p.object()
	if err != nil {
		return nil, err
	}
	delete(obj, name)
	data, err := json.Marshal(obj)
	if err != nil {
		return nil, fmt.Errorf("failed to rebuild payload: %w", err)
	}
	return Payload(data), nil
}

func (p Payload) object() (map[string]json.RawMessage, error) {
	if !p.IsObject() {
		return nil, fmt.Errorf("payload is not an object")
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(p, &obj); err != nil {
		return nil, fmt.Errorf("payload is not an object: %w", err)
	}
	return obj, nil
}

func (p Payload) array() ([]json.RawMessage, error) {
	if !p.IsArray() {
		return nil, fmt.Errorf("payload is not an array")
	}
	var arr []json.RawMessage
	if err := json.Unmarshal(p, &arr); err != nil {
		return nil, fmt.Errorf("payload is not an array: %w", err)
	}
	return arr, nil
}
