package protocol

import (
	"bytes"
	"encoding/json"

	"github.com/shopspring/decimal"
)

// Number is a decimal that accepts JSON strings or numbers. Anything else
// leaves Valid false instead of failing the enclosing message, so one bad
// field only drops the unit that carries it.
type Number struct {
	Value decimal.Decimal
	Valid bool
}

func either(a, b Number) Number {
	if a.Valid {
		return a
	}
	return b
}

// NumberOf wraps an already parsed decimal
func NumberOf(d decimal.Decimal) Number {
	return Number{Value: d, Valid: true}
}

// ParseNumber parses a decimal string, returning an invalid Number on failure
func ParseNumber(s string) Number {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return Number{}
	}
	return Number{Value: d, Valid: true}
}

func (n *Number) UnmarshalJSON(b []byte) error {
	*n = Number{}
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return nil
		}
		*n = ParseNumber(s)
		return nil
	}
	*n = ParseNumber(string(b))
	return nil
}

func (n Number) MarshalJSON() ([]byte, error) {
	if !n.Valid {
		return []byte("null"), nil
	}
	return json.Marshal(n.Value.String())
}

// looseString decodes a JSON string or number into its text form
type looseString string

func (s *looseString) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) > 0 && b[0] == '"' {
		var v string
		if err := json.Unmarshal(b, &v); err != nil {
			return nil
		}
		*s = looseString(v)
		return nil
	}
	if bytes.Equal(b, []byte("null")) {
		*s = ""
		return nil
	}
	*s = looseString(b)
	return nil
}
