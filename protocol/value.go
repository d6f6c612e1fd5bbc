package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
)

// Kind identifies the variant held by a Value.
type Kind int

// Value variants. The set is closed: every decoded payload value maps to
// exactly one of these, and anything the wrapper could not serialize arrives
// as KindOpaque rather than failing the decode.
const (
	KindNull Kind = iota
	KindBool
	KindNumber
	KindString
	KindSequence
	KindMapping
	KindOpaque
)

// opaqueKey marks payload objects standing in for values that could not be
// JSON-serialized by the wrapper. The single field carries the type name.
const opaqueKey = "__unserializable__"

// Value is the dynamically typed result of an execution, represented as a
// tagged union so it round-trips through JSON regardless of which backend
// produced it. Mapping values preserve their key order.
type Value struct {
	kind    Kind
	boolVal bool
	numVal  float64
	strVal  string
	seq     []Value
	keys    []string
	fields  map[string]Value
	opaque  string
}

// Null returns the null value.
func Null() Value { return Value{kind: KindNull} }

// Bool returns a boolean value.
func Bool(b bool) Value { return Value{kind: KindBool, boolVal: b} }

// Number returns a numeric value.
func Number(f float64) Value { return Value{kind: KindNumber, numVal: f} }

// String returns a string value.
func String(s string) Value { return Value{kind: KindString, strVal: s} }

// Sequence returns an ordered sequence value.
func Sequence(items ...Value) Value {
	return Value{kind: KindSequence, seq: items}
}

// Opaque returns the marker for a value that could not be serialized,
// carrying the reported type name.
func Opaque(typeName string) Value { return Value{kind: KindOpaque, opaque: typeName} }

// MapEntry is one key/value pair of a mapping value.
type MapEntry struct {
	Key   string
	Value Value
}

// Mapping returns an ordered string-keyed mapping value. A repeated key keeps
// the last value but the first position.
func Mapping(entries ...MapEntry) Value {
	v := Value{kind: KindMapping, fields: make(map[string]Value, len(entries))}
	for _, e := range entries {
		if _, seen := v.fields[e.Key]; !seen {
			v.keys = append(v.keys, e.Key)
		}
		v.fields[e.Key] = e.Value
	}
	return v
}

// Kind reports which variant the value holds.
func (v Value) Kind() Kind { return v.kind }

// IsNull reports whether the value is null.
func (v Value) IsNull() bool { return v.kind == KindNull }

// Bool returns the boolean payload. Valid only for KindBool.
func (v Value) Bool() bool { return v.boolVal }

// Number returns the numeric payload. Valid only for KindNumber.
func (v Value) Number() float64 { return v.numVal }

// Str returns the string payload. Valid only for KindString.
func (v Value) Str() string { return v.strVal }

// Len returns the element count of a sequence or mapping, zero otherwise.
func (v Value) Len() int {
	switch v.kind {
	case KindSequence:
		return len(v.seq)
	case KindMapping:
		return len(v.keys)
	default:
		return 0
	}
}

// Index returns the i-th element of a sequence value.
func (v Value) Index(i int) Value { return v.seq[i] }

// Keys returns the mapping keys in their original order.
func (v Value) Keys() []string { return append([]string(nil), v.keys...) }

// Get returns the mapping value for key.
func (v Value) Get(key string) (Value, bool) {
	val, ok := v.fields[key]
	return val, ok
}

// OpaqueType returns the reported type name of an opaque value.
func (v Value) OpaqueType() string { return v.opaque }

// Equal reports structural equality between two values.
func (v Value) Equal(other Value) bool {
	if v.kind != other.kind {
		return false
	}
	switch v.kind {
	case KindNull:
		return true
	case KindBool:
		return v.boolVal == other.boolVal
	case KindNumber:
		return v.numVal == other.numVal
	case KindString:
		return v.strVal == other.strVal
	case KindOpaque:
		return v.opaque == other.opaque
	case KindSequence:
		if len(v.seq) != len(other.seq) {
			return false
		}
		for i := range v.seq {
			if !v.seq[i].Equal(other.seq[i]) {
				return false
			}
		}
		return true
	case KindMapping:
		if len(v.keys) != len(other.keys) {
			return false
		}
		for i, k := range v.keys {
			if other.keys[i] != k {
				return false
			}
			if !v.fields[k].Equal(other.fields[k]) {
				return false
			}
		}
		return true
	}
	return false
}

// String renders the value the way the executed program would print it,
// used for the trailing "Result: ..." line of streamed executions.
func (v Value) String() string {
	switch v.kind {
	case KindNull:
		return "None"
	case KindBool:
		if v.boolVal {
			return "True"
		}
		return "False"
	case KindNumber:
		return formatNumber(v.numVal)
	case KindString:
		return v.strVal
	case KindOpaque:
		return "<" + v.opaque + ">"
	default:
		data, err := v.MarshalJSON()
		if err != nil {
			return fmt.Sprintf("<%v>", err)
		}
		return string(data)
	}
}

func formatNumber(f float64) string {
	if f == math.Trunc(f) && math.Abs(f) < 1e15 {
		return strconv.FormatInt(int64(f), 10)
	}
	return strconv.FormatFloat(f, 'g', -1, 64)
}

// MarshalJSON encodes the value, preserving mapping key order.
func (v Value) MarshalJSON() ([]byte, error) {
	switch v.kind {
	case KindNull:
		return []byte("null"), nil
	case KindBool:
		return json.Marshal(v.boolVal)
	case KindNumber:
		return json.Marshal(v.numVal)
	case KindString:
		return json.Marshal(v.strVal)
	case KindOpaque:
		return json.Marshal(map[string]string{opaqueKey: v.opaque})
	case KindSequence:
		var buf bytes.Buffer
		buf.WriteByte('[')
		for i, item := range v.seq {
			if i > 0 {
				buf.WriteByte(',')
			}
			data, err := item.MarshalJSON()
			if err != nil {
				return nil, err
			}
			buf.Write(data)
		}
		buf.WriteByte(']')
		return buf.Bytes(), nil
	case KindMapping:
		var buf bytes.Buffer
		buf.WriteByte('{')
		for i, key := range v.keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			keyData, err := json.Marshal(key)
			if err != nil {
				return nil, err
			}
			buf.Write(keyData)
			buf.WriteByte(':')
			valData, err := v.fields[key].MarshalJSON()
			if err != nil {
				return nil, err
			}
			buf.Write(valData)
		}
		buf.WriteByte('}')
		return buf.Bytes(), nil
	}
	return nil, fmt.Errorf("unknown value kind %d", v.kind)
}

// UnmarshalJSON decodes a value from JSON, preserving mapping key order by
// walking the token stream instead of round-tripping through map[string]any.
func (v *Value) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	parsed, err := decodeValue(dec)
	if err != nil {
		return err
	}
	*v = parsed
	return nil
}

func decodeValue(dec *json.Decoder) (Value, error) {
	tok, err := dec.Token()
	if err != nil {
		return Null(), err
	}
	switch t := tok.(type) {
	case nil:
		return Null(), nil
	case bool:
		return Bool(t), nil
	case json.Number:
		f, err := t.Float64()
		if err != nil {
			return Null(), err
		}
		return Number(f), nil
	case string:
		return String(t), nil
	case json.Delim:
		switch t {
		case '[':
			var items []Value
			for dec.More() {
				item, err := decodeValue(dec)
				if err != nil {
					return Null(), err
				}
				items = append(items, item)
			}
			if _, err := dec.Token(); err != nil { // consume ']'
				return Null(), err
			}
			return Sequence(items...), nil
		case '{':
			var entries []MapEntry
			for dec.More() {
				keyTok, err := dec.Token()
				if err != nil {
					return Null(), err
				}
				key, ok := keyTok.(string)
				if !ok {
					return Null(), fmt.Errorf("unexpected object key token %v", keyTok)
				}
				val, err := decodeValue(dec)
				if err != nil {
					return Null(), err
				}
				entries = append(entries, MapEntry{Key: key, Value: val})
			}
			if _, err := dec.Token(); err != nil { // consume '}'
				return Null(), err
			}
			if len(entries) == 1 && entries[0].Key == opaqueKey && entries[0].Value.Kind() == KindString {
				return Opaque(entries[0].Value.Str()), nil
			}
			return Mapping(entries...), nil
		}
	}
	return Null(), fmt.Errorf("unexpected JSON token %v", tok)
}

var _ json.Marshaler = Value{}
var _ json.Unmarshaler = (*Value)(nil)
