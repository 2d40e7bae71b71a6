package wire

import (
	"encoding/json"
	"fmt"
)

// ID is a JSON-RPC message identifier. The protocol allows string and
// numeric identifiers; numeric identifiers keep the literal text from the
// wire so values beyond float64 precision round-trip exactly.
type ID struct {
	value   string
	numeric bool
}

// StringID creates a string identifier.
func StringID(s string) *ID {
	return &ID{value: s}
}

// NumberID creates a numeric identifier from its literal text.
func NumberID(literal string) *ID {
	return &ID{value: literal, numeric: true}
}

// IsNumeric reports whether the identifier was a JSON number on the wire.
func (id *ID) IsNumeric() bool {
	return id.numeric
}

// Key returns the literal text of the identifier. Correlation tables key on
// this value.
func (id *ID) Key() string {
	return id.value
}

// Equal compares two identifiers by literal text and kind.
func (id *ID) Equal(other *ID) bool {
	if id == nil || other == nil {
		return id == other
	}
	return id.value == other.value && id.numeric == other.numeric
}

func (id *ID) String() string {
	return id.value
}

// UnmarshalJSON accepts a JSON string or number token. Any other token kind
// is rejected; the caller maps that to an InvalidRequest failure.
func (id *ID) UnmarshalJSON(data []byte) error {
	if len(data) == 0 {
		return fmt.Errorf("empty identifier")
	}
	switch data[0] {
	case '"':
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return fmt.Errorf("invalid string identifier: %w", err)
		}
		id.value = s
		id.numeric = false
		return nil
	case '{', '[', 't', 'f', 'n':
		return fmt.Errorf("identifier must be a string or number, got %q", string(data))
	default:
		// Number token. Keep the literal verbatim instead of parsing it into
		// a float, so large integers survive the round trip.
		if !json.Valid(data) {
			return fmt.Errorf("invalid numeric identifier %q", string(data))
		}
		id.value = string(data)
		id.numeric = true
		return nil
	}
}

// MarshalJSON re-emits a numeric identifier's literal verbatim. If the stored
// literal is not valid JSON (only possible for hand-built identifiers), it is
// emitted as a string instead of being dropped. That fallback is deliberate
// and covered by tests.
func (id *ID) MarshalJSON() ([]byte, error) {
	if id.numeric {
		if json.Valid([]byte(id.value)) {
			return []byte(id.value), nil
		}
		return json.Marshal(id.value)
	}
	return json.Marshal(id.value)
}
