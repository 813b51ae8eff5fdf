package schema

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"strconv"

	"github.com/google/uuid"
)

// EncodeValues builds a row from a column-name keyed map. Missing columns take
// their zero value. Numbers may be any Go integer or float type, json.Number,
// or a decimal string; byte columns accept string or []byte; uuid columns
// accept uuid.UUID or its string form.
func (s *Schema) EncodeValues(values map[string]any) ([]byte, error) {
	cols := make(Columns, len(s.columns))
	for i, c := range s.columns {
		v, err := encodeValue(c, values[c.Name])
		if err != nil {
			return nil, fmt.Errorf("%w: column %q: %w", ErrMalformedRow, c.Name, err)
		}
		cols[i] = v
	}
	return s.CombineRow(cols)
}

// DecodeValues turns a row back into a column-name keyed map.
func (s *Schema) DecodeValues(row []byte) (map[string]any, error) {
	cols, err := s.ParseRow(row)
	if err != nil {
		return nil, err
	}
	out := make(map[string]any, len(cols))
	for i, c := range s.columns {
		out[c.Name] = decodeValue(c, cols[i])
	}
	return out, nil
}

// ToJSON renders a row for diagnostics. Unparseable rows render as a quoted
// hex string.
func (s *Schema) ToJSON(row []byte) string {
	m, err := s.DecodeValues(row)
	if err != nil {
		return strconv.Quote(fmt.Sprintf("%x", row))
	}
	b, err := json.Marshal(m)
	if err != nil {
		return strconv.Quote(fmt.Sprintf("%x", row))
	}
	return string(b)
}

func encodeValue(c Column, v any) ([]byte, error) {
	le := binary.LittleEndian
	switch c.Type {
	case Uint08, Uint16, Uint32, Uint64, VarUint:
		u, err := toUint(v)
		if err != nil {
			return nil, err
		}
		switch c.Type {
		case Uint08:
			return []byte{byte(u)}, nil
		case Uint16:
			return le.AppendUint16(nil, uint16(u)), nil
		case Uint32:
			return le.AppendUint32(nil, uint32(u)), nil
		case Uint64:
			return le.AppendUint64(nil, u), nil
		default:
			return binary.AppendUvarint(nil, u), nil
		}
	case Sint08, Sint16, Sint32, Sint64, VarSint:
		n, err := toInt(v)
		if err != nil {
			return nil, err
		}
		switch c.Type {
		case Sint08:
			return []byte{byte(int8(n))}, nil
		case Sint16:
			return le.AppendUint16(nil, uint16(int16(n))), nil
		case Sint32:
			return le.AppendUint32(nil, uint32(int32(n))), nil
		case Sint64:
			return le.AppendUint64(nil, uint64(n)), nil
		default:
			return binary.AppendVarint(nil, n), nil
		}
	case Float32, Float64:
		f, err := toFloat(v)
		if err != nil {
			return nil, err
		}
		if c.Type == Float32 {
			return le.AppendUint32(nil, math.Float32bits(float32(f))), nil
		}
		return le.AppendUint64(nil, math.Float64bits(f)), nil
	case UUID:
		switch x := v.(type) {
		case nil:
			return make([]byte, 16), nil
		case uuid.UUID:
			return x[:], nil
		case string:
			id, err := uuid.Parse(x)
			if err != nil {
				return nil, err
			}
			return id[:], nil
		case []byte:
			if len(x) != 16 {
				return nil, fmt.Errorf("uuid needs 16 bytes, got %d", len(x))
			}
			return x, nil
		}
		return nil, fmt.Errorf("cannot use %T as uuid", v)
	case Fixed:
		b, err := toBytes(v)
		if err != nil {
			return nil, err
		}
		if v == nil {
			b = make([]byte, c.Length)
		}
		return b, nil
	default:
		return toBytes(v)
	}
}

func decodeValue(c Column, b []byte) any {
	le := binary.LittleEndian
	switch c.Type {
	case Uint08:
		return uint64(b[0])
	case Sint08:
		return int64(int8(b[0]))
	case Uint16:
		return uint64(le.Uint16(b))
	case Sint16:
		return int64(int16(le.Uint16(b)))
	case Uint32:
		return uint64(le.Uint32(b))
	case Sint32:
		return int64(int32(le.Uint32(b)))
	case Uint64:
		return le.Uint64(b)
	case Sint64:
		return int64(le.Uint64(b))
	case Float32:
		return float64(math.Float32frombits(le.Uint32(b)))
	case Float64:
		return math.Float64frombits(le.Uint64(b))
	case VarUint:
		u, _ := binary.Uvarint(b)
		return u
	case VarSint:
		n, _ := binary.Varint(b)
		return n
	case UUID:
		var id uuid.UUID
		copy(id[:], b)
		return id.String()
	default:
		return string(b)
	}
}

func toUint(v any) (uint64, error) {
	switch x := v.(type) {
	case nil:
		return 0, nil
	case uint:
		return uint64(x), nil
	case uint8:
		return uint64(x), nil
	case uint16:
		return uint64(x), nil
	case uint32:
		return uint64(x), nil
	case uint64:
		return x, nil
	case int, int8, int16, int32, int64:
		n, _ := toInt(x)
		if n < 0 {
			return 0, fmt.Errorf("negative value %d for unsigned column", n)
		}
		return uint64(n), nil
	case float64:
		if x < 0 || x != math.Trunc(x) {
			return 0, fmt.Errorf("value %v is not an unsigned integer", x)
		}
		return uint64(x), nil
	case json.Number:
		return strconv.ParseUint(x.String(), 10, 64)
	case string:
		return strconv.ParseUint(x, 10, 64)
	}
	return 0, fmt.Errorf("cannot use %T as unsigned integer", v)
}

func toInt(v any) (int64, error) {
	switch x := v.(type) {
	case nil:
		return 0, nil
	case int:
		return int64(x), nil
	case int8:
		return int64(x), nil
	case int16:
		return int64(x), nil
	case int32:
		return int64(x), nil
	case int64:
		return x, nil
	case uint, uint8, uint16, uint32, uint64:
		u, _ := toUint(x)
		if u > math.MaxInt64 {
			return 0, fmt.Errorf("value %d overflows signed column", u)
		}
		return int64(u), nil
	case float64:
		if x != math.Trunc(x) {
			return 0, fmt.Errorf("value %v is not an integer", x)
		}
		return int64(x), nil
	case json.Number:
		return x.Int64()
	case string:
		return strconv.ParseInt(x, 10, 64)
	}
	return 0, fmt.Errorf("cannot use %T as integer", v)
}

func toFloat(v any) (float64, error) {
	switch x := v.(type) {
	case nil:
		return 0, nil
	case float32:
		return float64(x), nil
	case float64:
		return x, nil
	case json.Number:
		return x.Float64()
	case string:
		return strconv.ParseFloat(x, 64)
	}
	if n, err := toInt(v); err == nil {
		return float64(n), nil
	}
	return 0, fmt.Errorf("cannot use %T as float", v)
}

func toBytes(v any) ([]byte, error) {
	switch x := v.(type) {
	case nil:
		return []byte{}, nil
	case string:
		return []byte(x), nil
	case []byte:
		return x, nil
	}
	return nil, fmt.Errorf("cannot use %T as bytes", v)
}
