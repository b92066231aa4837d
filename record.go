package cruncher

import (
	"encoding/binary"
	"fmt"
	"strconv"
)

// XXX: if we ever need to support bigEndian machines, this won't be true!
var nativeEndian = binary.LittleEndian

// nullSentinel is what the kernel stores for a string fetch through an
// unresolvable pointer. Array decoding relies on this exact text to detect
// the end of a partially filled probe array; a brittle convention, but it is
// the protocol.
const nullSentinel = "(nil)"

// defaultArraySize bounds array reconstruction when the caller does not
// know the declared element count.
const defaultArraySize = 10

// DecodeRecord decodes a raw trace record against the event's schema and
// returns one decoded value per field, keyed by field name. Integer fields
// decode to int64, character fields to string, other fixed arrays to a byte
// slice copy. The record's embedded type id must match the event; decoding
// a record against the wrong schema is refused.
func (e *TraceEvent) DecodeRecord(raw []byte) (map[string]any, error) {
	if err := e.checkRecordID(raw); err != nil {
		return nil, err
	}

	out := make(map[string]any, len(e.format.fields))
	for i := range e.format.fields {
		f := &e.format.fields[i]
		v, err := decodeField(raw, f)
		if err != nil {
			return nil, fmt.Errorf("event %s/%s field %s: %w", e.System, e.Name, f.Name, err)
		}
		out[f.Name] = v
	}
	return out, nil
}

// DecodeField decodes a single named field from a raw record.
func (e *TraceEvent) DecodeField(raw []byte, name string) (any, error) {
	if err := e.checkRecordID(raw); err != nil {
		return nil, err
	}
	f := e.Field(name)
	if f == nil {
		return nil, fmt.Errorf("event %s/%s has no field %q: %w", e.System, e.Name, name, ErrNotFound)
	}
	v, err := decodeField(raw, f)
	if err != nil {
		return nil, fmt.Errorf("event %s/%s field %s: %w", e.System, e.Name, name, err)
	}
	return v, nil
}

// DecodeStringArray reconstructs an array probe field captured as numbered
// sub-fields name0, name1, ... Decoding stops at the declared size (10 when
// size is not positive) or at the first null-sentinel element, whichever
// comes first, so a capacity-10 probe that captured 3 live elements yields
// exactly 3 entries.
func (e *TraceEvent) DecodeStringArray(raw []byte, name string, size int) ([]string, error) {
	if size <= 0 {
		size = defaultArraySize
	}
	if err := e.checkRecordID(raw); err != nil {
		return nil, err
	}

	var out []string
	for i := 0; i < size; i++ {
		f := e.Field(name + strconv.Itoa(i))
		if f == nil {
			break
		}
		v, err := decodeField(raw, f)
		if err != nil {
			return nil, fmt.Errorf("event %s/%s field %s%d: %w", e.System, e.Name, name, i, err)
		}
		s, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("event %s/%s field %s%d is not a string field", e.System, e.Name, name, i)
		}
		if s == nullSentinel {
			break
		}
		out = append(out, s)
	}
	return out, nil
}

func (e *TraceEvent) checkRecordID(raw []byte) error {
	f := e.Field("common_type")
	if f == nil {
		return fmt.Errorf("event %s/%s has no common_type field: %w",
			e.System, e.Name, ErrMalformedMetadata)
	}
	id, err := decodeInt(raw, f)
	if err != nil {
		return err
	}
	if int(id) != e.ID() {
		return fmt.Errorf("record has type %d, schema is %s/%s (%d): %w",
			id, e.System, e.Name, e.ID(), ErrEventMismatch)
	}
	return nil
}

func decodeField(raw []byte, f *Field) (any, error) {
	if f.IsString() {
		return decodeString(raw, f)
	}
	if f.IsArray() {
		if err := checkBounds(raw, f.Offset, f.Size); err != nil {
			return nil, err
		}
		out := make([]byte, f.Size)
		copy(out, raw[f.Offset:f.Offset+f.Size])
		return out, nil
	}
	return decodeInt(raw, f)
}

func decodeInt(raw []byte, f *Field) (int64, error) {
	if err := checkBounds(raw, f.Offset, f.Size); err != nil {
		return 0, err
	}
	data := raw[f.Offset:]
	switch f.Size {
	case 1:
		if f.Signed {
			return int64(int8(data[0])), nil
		}
		return int64(data[0]), nil
	case 2:
		v := nativeEndian.Uint16(data)
		if f.Signed {
			return int64(int16(v)), nil
		}
		return int64(v), nil
	case 4:
		v := nativeEndian.Uint32(data)
		if f.Signed {
			return int64(int32(v)), nil
		}
		return int64(v), nil
	case 8:
		return int64(nativeEndian.Uint64(data)), nil
	default:
		return 0, fmt.Errorf("unexpected field size: %d", f.Size)
	}
}

func decodeString(raw []byte, f *Field) (string, error) {
	off, size := f.Offset, f.Size
	if f.IsDynamic() {
		// A __data_loc word points into the variable-length tail of the
		// record: length in the high half, offset in the low half.
		if err := checkBounds(raw, f.Offset, 4); err != nil {
			return "", err
		}
		loc := nativeEndian.Uint32(raw[f.Offset:])
		off, size = int(loc&0xffff), int(loc>>16)
	}
	if err := checkBounds(raw, off, size); err != nil {
		return "", err
	}
	data := raw[off : off+size]
	// Strings are NUL terminated inside their slot.
	for i, c := range data {
		if c == 0 {
			data = data[:i]
			break
		}
	}
	return string(data), nil
}

func checkBounds(raw []byte, off, size int) error {
	if off < 0 || size < 0 || off+size > len(raw) {
		return fmt.Errorf("field range [%d:%d] outside record of %d bytes",
			off, off+size, len(raw))
	}
	return nil
}
