package canonical

import (
	"encoding/binary"
	"math"
	"strconv"
	"time"
)

// EncodingError reports a value the encoder cannot represent
// unambiguously: an unsupported type, a non-finite number, or a
// structure nested beyond the depth limit.
type EncodingError struct {
	Reason string
}

func (e *EncodingError) Error() string {
	return "canonical: " + e.Reason
}

// Single-byte type tags. Every element is tagged and, where variable
// sized, length-prefixed with a uvarint, so field boundaries can never
// be confused across concatenation.
const (
	tagNull      = 'z'
	tagTrue      = 't'
	tagFalse     = 'f'
	tagNumber    = 'n'
	tagString    = 's'
	tagList      = 'l'
	tagMap       = 'm'
	tagIndex     = 'i'
	tagTimestamp = 'u'
)

// Encode returns the canonical byte encoding of v. Map fields are
// emitted in sorted key order, so logically identical values produce
// byte-identical output regardless of construction order.
func Encode(v Value) ([]byte, error) {
	return appendValue(nil, v)
}

func appendValue(buf []byte, v Value) ([]byte, error) {
	switch v.kind {
	case KindNull:
		return append(buf, tagNull), nil
	case KindBool:
		if v.b {
			return append(buf, tagTrue), nil
		}
		return append(buf, tagFalse), nil
	case KindNumber:
		if math.IsNaN(v.n) || math.IsInf(v.n, 0) {
			return nil, &EncodingError{Reason: "non-finite number " + strconv.FormatFloat(v.n, 'g', -1, 64)}
		}
		// Shortest decimal string that round-trips the float64.
		s := strconv.FormatFloat(v.n, 'g', -1, 64)
		buf = append(buf, tagNumber)
		buf = binary.AppendUvarint(buf, uint64(len(s)))
		return append(buf, s...), nil
	case KindString:
		return appendString(buf, v.s), nil
	case KindList:
		buf = append(buf, tagList)
		buf = binary.AppendUvarint(buf, uint64(len(v.list)))
		var err error
		for _, item := range v.list {
			if buf, err = appendValue(buf, item); err != nil {
				return nil, err
			}
		}
		return buf, nil
	case KindMap:
		buf = append(buf, tagMap)
		buf = binary.AppendUvarint(buf, uint64(len(v.m)))
		var err error
		for _, k := range v.Keys() {
			buf = appendString(buf, k)
			if buf, err = appendValue(buf, v.m[k]); err != nil {
				return nil, err
			}
		}
		return buf, nil
	}
	return nil, &EncodingError{Reason: "unknown value kind " + v.kind.String()}
}

func appendString(buf []byte, s string) []byte {
	buf = append(buf, tagString)
	buf = binary.AppendUvarint(buf, uint64(len(s)))
	return append(buf, s...)
}

// EncodeRecord produces the canonical encoding of one transition
// record: index, action, X state, Y state, timestamp, and predecessor
// proof, concatenated in that fixed order. This byte sequence is the
// normative hash input for an entry proof; conformant implementations
// must reproduce it bit for bit.
//
// The timestamp is encoded as its UTC Unix-epoch nanosecond count,
// zig-zag varint encoded so pre-epoch instants remain representable.
func EncodeRecord(index int, action string, xState, yState Value, timestamp time.Time, prevProof string) ([]byte, error) {
	if index < 0 {
		return nil, &EncodingError{Reason: "negative index"}
	}
	if xState.kind != KindMap {
		return nil, &EncodingError{Reason: "x_state must be a map, got " + xState.kind.String()}
	}
	if yState.kind != KindMap {
		return nil, &EncodingError{Reason: "y_state must be a map, got " + yState.kind.String()}
	}

	buf := []byte{tagIndex}
	buf = binary.AppendUvarint(buf, uint64(index))
	buf = appendString(buf, action)

	var err error
	if buf, err = appendValue(buf, xState); err != nil {
		return nil, err
	}
	if buf, err = appendValue(buf, yState); err != nil {
		return nil, err
	}

	buf = append(buf, tagTimestamp)
	buf = binary.AppendVarint(buf, timestamp.UTC().UnixNano())
	return appendString(buf, prevProof), nil
}
