package series

import (
	"strings"

	json "github.com/goccy/go-json"
)

// DecodeResult is the outcome of decoding a stored series: either a usable
// point list or an instruction to fall through to the next precedence level.
// Malformed input never surfaces as an error.
type DecodeResult struct {
	OK     bool
	Points []Point
}

func decoded(points []Point) DecodeResult { return DecodeResult{OK: true, Points: points} }

func fallback() DecodeResult { return DecodeResult{} }

// Decode accepts a stored series in whatever shape it arrives: an
// already-structured list, or a string in one of three dialects - strict JSON,
// a doubly-escaped variant, or a permissive form with single quotes and
// Python-style boolean/null spellings.
func Decode(raw any) DecodeResult {
	switch v := raw.(type) {
	case nil:
		return fallback()
	case []Point:
		points := append([]Point(nil), v...)
		return decoded(sanitize(points))
	case []byte:
		return decodeString(string(v))
	case string:
		return decodeString(v)
	default:
		// Structured but untyped (e.g. []any out of a JSON field map):
		// round-trip through the codec.
		encoded, err := json.Marshal(v)
		if err != nil {
			return fallback()
		}
		return decodeString(string(encoded))
	}
}

func decodeString(text string) DecodeResult {
	text = strings.TrimSpace(text)
	if text == "" {
		return fallback()
	}

	if points, ok := tryStrict(text); ok {
		return decoded(points)
	}
	if points, ok := tryStrict(unescape(text)); ok {
		return decoded(points)
	}
	if points, ok := tryStrict(depermissify(text)); ok {
		return decoded(points)
	}
	return fallback()
}

func tryStrict(text string) ([]Point, bool) {
	var points []Point
	if err := json.Unmarshal([]byte(text), &points); err != nil {
		return nil, false
	}
	return sanitize(points), true
}

// unescape undoes one extra level of string escaping, the shape produced when
// an already-serialized series is serialized again.
func unescape(text string) string {
	text = strings.ReplaceAll(text, `\\`, `\`)
	text = strings.ReplaceAll(text, `\"`, `"`)
	return text
}

// depermissify rewrites the permissive dialect (single quotes, True/False/None)
// into strict JSON. The payloads are machine-generated, so quote characters do
// not occur inside values.
func depermissify(text string) string {
	text = strings.ReplaceAll(text, "'", `"`)
	text = strings.ReplaceAll(text, "True", "true")
	text = strings.ReplaceAll(text, "False", "false")
	text = strings.ReplaceAll(text, "None", "null")
	return text
}

// sanitize drops rows outside the supported age range and orders by age.
func sanitize(points []Point) []Point {
	kept := make([]Point, 0, len(points))
	for _, p := range points {
		if p.Age < MinAge || p.Age > MaxAge {
			continue
		}
		kept = append(kept, p)
	}
	Sort(kept)
	return kept
}
