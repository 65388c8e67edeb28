package models

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"unicode/utf16"
)

// Canonicalize serializes a payload using the RFC 8785 canonical JSON scheme:
// object keys sorted by UTF-16 code units, no insignificant whitespace, UTF-8
// output, and numbers in ECMAScript shortest round-tripping decimal form.
// This is the producer contract for non-raw payloads: the byte string returned
// here is what the event ID hashes.
//
// Canonicalization fails only on non-serializable inputs (NaN, infinities,
// unsupported types), which ingest treats as a producer contract violation.
func Canonicalize(v any) ([]byte, error) {
	var decoded any
	switch in := v.(type) {
	case json.RawMessage:
		decoded = nil
		if err := decodeNumberPreserving(in, &decoded); err != nil {
			return nil, fmt.Errorf("canonicalize: %w", err)
		}
	case []byte:
		if err := decodeNumberPreserving(in, &decoded); err != nil {
			return nil, fmt.Errorf("canonicalize: %w", err)
		}
	default:
		// Round-trip through encoding/json so structs, maps, and slices all
		// reduce to the same generic tree before canonical emission.
		raw, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("canonicalize: %w", err)
		}
		if err := decodeNumberPreserving(raw, &decoded); err != nil {
			return nil, fmt.Errorf("canonicalize: %w", err)
		}
	}

	var buf bytes.Buffer
	if err := appendCanonical(&buf, decoded); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// decodeNumberPreserving parses JSON keeping numbers as json.Number so the
// canonical emitter controls their final textual form.
func decodeNumberPreserving(raw []byte, out *any) error {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(out); err != nil {
		return err
	}
	// Trailing garbage after the value is a malformed payload.
	if dec.More() {
		return fmt.Errorf("trailing data after JSON value")
	}
	return nil
}

func appendCanonical(buf *bytes.Buffer, v any) error {
	switch val := v.(type) {
	case nil:
		buf.WriteString("null")
	case bool:
		if val {
			buf.WriteString("true")
		} else {
			buf.WriteString("false")
		}
	case string:
		appendCanonicalString(buf, val)
	case json.Number:
		s, err := canonicalNumber(val)
		if err != nil {
			return err
		}
		buf.WriteString(s)
	case float64:
		s, err := formatESNumber(val)
		if err != nil {
			return err
		}
		buf.WriteString(s)
	case []any:
		buf.WriteByte('[')
		for i, item := range val {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := appendCanonical(buf, item); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Slice(keys, func(i, j int) bool { return utf16Less(keys[i], keys[j]) })
		buf.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			appendCanonicalString(buf, k)
			buf.WriteByte(':')
			if err := appendCanonical(buf, val[k]); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
	default:
		return fmt.Errorf("canonicalize: unsupported value type %T", v)
	}
	return nil
}

// utf16Less orders strings by UTF-16 code units, the RFC 8785 key order.
// This differs from Go's byte order only for strings containing characters
// beyond the basic multilingual plane.
func utf16Less(a, b string) bool {
	ua := utf16.Encode([]rune(a))
	ub := utf16.Encode([]rune(b))
	for i := 0; i < len(ua) && i < len(ub); i++ {
		if ua[i] != ub[i] {
			return ua[i] < ub[i]
		}
	}
	return len(ua) < len(ub)
}

// appendCanonicalString writes a JSON string with the minimal escape set:
// the two-character forms for the common controls, \u00xx for the rest,
// everything else literal UTF-8.
func appendCanonicalString(buf *bytes.Buffer, s string) {
	buf.WriteByte('"')
	for _, r := range s {
		switch r {
		case '"':
			buf.WriteString(`\"`)
		case '\\':
			buf.WriteString(`\\`)
		case '\b':
			buf.WriteString(`\b`)
		case '\f':
			buf.WriteString(`\f`)
		case '\n':
			buf.WriteString(`\n`)
		case '\r':
			buf.WriteString(`\r`)
		case '\t':
			buf.WriteString(`\t`)
		default:
			if r < 0x20 {
				fmt.Fprintf(buf, `\u%04x`, r)
			} else {
				buf.WriteRune(r)
			}
		}
	}
	buf.WriteByte('"')
}

// canonicalNumber renders a json.Number in canonical form. Integers within
// the double-precision exact range pass through as plain decimals; everything
// else goes through IEEE-754 double semantics like an ECMAScript engine would.
func canonicalNumber(n json.Number) (string, error) {
	s := n.String()
	if !strings.ContainsAny(s, ".eE") {
		if i, err := n.Int64(); err == nil && i >= -(1<<53) && i <= 1<<53 {
			return strconv.FormatInt(i, 10), nil
		}
	}
	f, err := n.Float64()
	if err != nil {
		return "", fmt.Errorf("canonicalize: number %q: %w", s, err)
	}
	return formatESNumber(f)
}

// formatESNumber implements the ECMAScript Number::toString(10) algorithm that
// RFC 8785 mandates: shortest round-tripping digits, plain notation for
// decimal exponents in (-7, 21], exponential notation outside that range.
func formatESNumber(f float64) (string, error) {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return "", fmt.Errorf("canonicalize: non-finite number")
	}
	if f == 0 {
		return "0", nil // negative zero collapses to "0"
	}

	neg := f < 0
	if neg {
		f = -f
	}

	// Shortest round-trip digits and decimal exponent from strconv.
	mant := strconv.FormatFloat(f, 'e', -1, 64)
	ePos := strings.IndexByte(mant, 'e')
	exp, _ := strconv.Atoi(mant[ePos+1:])
	digits := strings.Replace(mant[:ePos], ".", "", 1)
	k := len(digits)
	n := exp + 1 // position of the decimal point relative to digits

	var sb strings.Builder
	if neg {
		sb.WriteByte('-')
	}
	switch {
	case k <= n && n <= 21:
		sb.WriteString(digits)
		sb.WriteString(strings.Repeat("0", n-k))
	case 0 < n && n <= 21:
		sb.WriteString(digits[:n])
		sb.WriteByte('.')
		sb.WriteString(digits[n:])
	case -6 < n && n <= 0:
		sb.WriteString("0.")
		sb.WriteString(strings.Repeat("0", -n))
		sb.WriteString(digits)
	default:
		sb.WriteString(digits[:1])
		if k > 1 {
			sb.WriteByte('.')
			sb.WriteString(digits[1:])
		}
		sb.WriteByte('e')
		if n-1 >= 0 {
			sb.WriteByte('+')
		}
		sb.WriteString(strconv.Itoa(n - 1))
	}
	return sb.String(), nil
}
