package xpc

import (
	"encoding/json"
	"errors"
	"io"
	"math"
	"strconv"
	"strings"
	"unicode/utf8"
)

// EnvelopeKey is the single dictionary field that carries an encoded message.
const EnvelopeKey = "R_DATA"

// maxDepth bounds nesting for both directions, which also stops cyclic arrays
// and maps from recursing forever.
const maxDepth = 512

// Encode serializes v to its textual wire form.
//
// The form is JSON: maps keep their insertion order and numbers use the
// shortest representation that parses back to the same float64, so
// Decode(Encode(v)) is equal to v. NaN, infinities and strings that are not
// valid UTF-8 cannot be represented and fail with ErrEncodingFailed.
func Encode(v Value) (string, error) {
	var sb strings.Builder
	if err := encodeValue(&sb, v, 0); err != nil {
		return "", err
	}
	return sb.String(), nil
}

func encodeValue(sb *strings.Builder, v Value, depth int) error {
	if depth > maxDepth {
		return encodingError("value nested too deeply")
	}
	switch tv := v.(type) {
	case nil, Null:
		sb.WriteString("null")
	case Bool:
		sb.WriteString(strconv.FormatBool(bool(tv)))
	case Number:
		f := float64(tv)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return encodingError("unsupported number %v", f)
		}
		sb.WriteString(formatNumber(f))
	case String:
		return encodeString(sb, string(tv))
	case Array:
		sb.WriteByte('[')
		for i, e := range tv {
			if i > 0 {
				sb.WriteByte(',')
			}
			if err := encodeValue(sb, e, depth+1); err != nil {
				return err
			}
		}
		sb.WriteByte(']')
	case *Map:
		sb.WriteByte('{')
		var err error
		first := true
		tv.Range(func(k string, e Value) bool {
			if !first {
				sb.WriteByte(',')
			}
			first = false
			if err = encodeString(sb, k); err != nil {
				return false
			}
			sb.WriteByte(':')
			err = encodeValue(sb, e, depth+1)
			return err == nil
		})
		if err != nil {
			return err
		}
		sb.WriteByte('}')
	default:
		return encodingError("unsupported value type %T", v)
	}
	return nil
}

func encodeString(sb *strings.Builder, s string) error {
	if !utf8.ValidString(s) {
		return encodingError("string is not valid UTF-8")
	}
	b, err := json.Marshal(s)
	if err != nil {
		return encodingError("%v", err)
	}
	sb.Write(b)
	return nil
}

// Decode parses the textual wire form produced by Encode. Malformed input,
// trailing data, duplicate map keys and out-of-range numbers fail with
// ErrDecodingFailed.
func Decode(s string) (Value, error) {
	dec := json.NewDecoder(strings.NewReader(s))
	dec.UseNumber()

	v, err := decodeValue(dec, 0)
	if err != nil {
		return nil, err
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return nil, decodingError("trailing data after value")
	}
	return v, nil
}

func decodeValue(dec *json.Decoder, depth int) (Value, error) {
	if depth > maxDepth {
		return nil, decodingError("value nested too deeply")
	}
	tok, err := dec.Token()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, decodingError("unexpected end of input")
		}
		return nil, decodingError("%v", err)
	}

	switch t := tok.(type) {
	case nil:
		return Null{}, nil
	case bool:
		return Bool(t), nil
	case string:
		return String(t), nil
	case json.Number:
		f, err := strconv.ParseFloat(string(t), 64)
		if err != nil {
			return nil, decodingError("invalid number %s", t)
		}
		return Number(f), nil
	case json.Delim:
		switch t {
		case '[':
			arr := Array{}
			for dec.More() {
				e, err := decodeValue(dec, depth+1)
				if err != nil {
					return nil, err
				}
				arr = append(arr, e)
			}
			if _, err := dec.Token(); err != nil {
				return nil, decodingError("%v", err)
			}
			return arr, nil
		case '{':
			m := NewMap()
			for dec.More() {
				kt, err := dec.Token()
				if err != nil {
					return nil, decodingError("%v", err)
				}
				key, ok := kt.(string)
				if !ok {
					return nil, decodingError("map key is %T", kt)
				}
				if _, dup := m.Get(key); dup {
					return nil, decodingError("duplicate key %q", key)
				}
				e, err := decodeValue(dec, depth+1)
				if err != nil {
					return nil, err
				}
				m.Set(key, e)
			}
			if _, err := dec.Token(); err != nil {
				return nil, decodingError("%v", err)
			}
			return m, nil
		}
	}
	return nil, decodingError("unexpected token %v", tok)
}

// newEnvelope allocates a native dictionary holding text under EnvelopeKey.
func newEnvelope(rt Runtime, text string) (Object, error) {
	dict := rt.DictionaryCreate()
	if dict == 0 {
		return 0, &ConnectionError{Kind: ErrAllocationFailed, Op: "dictionary_create"}
	}
	rt.DictionarySetString(dict, EnvelopeKey, text)
	return dict, nil
}

// openEnvelope decodes the value carried by a native dictionary.
func openEnvelope(rt Runtime, dict Object) (Value, error) {
	text, ok := rt.DictionaryGetString(dict, EnvelopeKey)
	if !ok {
		return nil, decodingError("envelope has no %s field", EnvelopeKey)
	}
	return Decode(text)
}
