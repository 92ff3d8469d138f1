// Package canonical serializes match records into a single deterministic
// byte form for hashing and signing. Object keys are sorted by Unicode
// codepoint at every nesting level, numbers are normalized to shortest
// plain-decimal form, and only control characters are escaped, so two
// semantically identical records always produce identical bytes.
package canonical

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
	"strconv"
)

var (
	// ErrInvalidNumber rejects NaN, Infinity, and number text that has no
	// canonical decimal expansion.
	ErrInvalidNumber = errors.New("canonical: invalid number")

	// ErrInvalidValue rejects inputs that cannot be expressed as JSON.
	ErrInvalidValue = errors.New("canonical: value not representable")
)

// Marshal returns the canonical byte form of v.
//
// v is first marshaled through encoding/json so struct tags are respected,
// then decoded with json.Number and re-encoded with canonical key order,
// number formatting, and escaping. Numeric text survives the round trip
// undamaged.
func Marshal(v any) ([]byte, error) {
	intermediate, err := json.Marshal(v)
	if err != nil {
		var unsupported *json.UnsupportedValueError
		if errors.As(err, &unsupported) {
			return nil, fmt.Errorf("%w: %v", ErrInvalidNumber, err)
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalidValue, err)
	}
	return Normalize(intermediate)
}

// Normalize re-encodes raw JSON into canonical form. The input must be a
// single well-formed JSON document.
func Normalize(raw []byte) ([]byte, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var generic any
	if err := dec.Decode(&generic); err != nil {
		return nil, fmt.Errorf("canonical: decode: %w", err)
	}
	if dec.More() {
		return nil, fmt.Errorf("%w: trailing data after document", ErrInvalidValue)
	}
	return MarshalValue(generic)
}

// String returns the canonical form of v as a string.
func String(v any) (string, error) {
	b, err := Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// MarshalValue canonicalizes an already-decoded JSON value tree
// (map[string]any, []any, json.Number, string, bool, float64, nil).
func MarshalValue(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := appendValue(&buf, v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func appendValue(buf *bytes.Buffer, v any) error {
	switch t := v.(type) {
	case nil:
		buf.WriteString("null")
	case bool:
		if t {
			buf.WriteString("true")
		} else {
			buf.WriteString("false")
		}
	case json.Number:
		s, err := normalizeNumber(t.String())
		if err != nil {
			return err
		}
		buf.WriteString(s)
	case string:
		appendString(buf, t)
	case float64:
		if math.IsNaN(t) || math.IsInf(t, 0) {
			return fmt.Errorf("%w: %v", ErrInvalidNumber, t)
		}
		s, err := normalizeNumber(strconv.FormatFloat(t, 'g', -1, 64))
		if err != nil {
			return err
		}
		buf.WriteString(s)
	case []any:
		buf.WriteByte('[')
		for i, elem := range t {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := appendValue(buf, elem); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		// Byte order equals codepoint order for valid UTF-8.
		sort.Strings(keys)

		buf.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			appendString(buf, k)
			buf.WriteByte(':')
			if err := appendValue(buf, t[k]); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
	default:
		// Scalar from a hand-built tree (int, uint64, ...): route through
		// encoding/json and re-normalize.
		b, err := json.Marshal(t)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidValue, err)
		}
		nb, err := Normalize(b)
		if err != nil {
			return err
		}
		buf.Write(nb)
	}
	return nil
}

// appendString writes s as a JSON string. Only control characters are
// \uXXXX-escaped (uppercase hex); quote and backslash take their
// two-character forms; everything else, non-ASCII included, passes through
// unescaped.
func appendString(buf *bytes.Buffer, s string) {
	buf.WriteByte('"')
	for _, r := range s {
		switch {
		case r == '"':
			buf.WriteString(`\"`)
		case r == '\\':
			buf.WriteString(`\\`)
		case isControl(r):
			fmt.Fprintf(buf, `\u%04X`, r)
		default:
			buf.WriteRune(r)
		}
	}
	buf.WriteByte('"')
}

func isControl(r rune) bool {
	return r <= 0x1F || (r >= 0x7F && r <= 0x9F)
}
