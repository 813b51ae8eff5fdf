package schema

import (
	"fmt"
	"strings"
)

// ColumnType identifies the binary encoding of a column.
type ColumnType uint8

const (
	Uint08 ColumnType = iota + 1
	Sint08
	Uint16
	Sint16
	Uint32
	Sint32
	Uint64
	Sint64
	Float32
	Float64
	// UUID is a 16 byte fixed column.
	UUID
	// Fixed is a fixed length byte column; the length comes from Column.Length.
	Fixed
	// VarUint is an unsigned LEB128 varint.
	VarUint
	// VarSint is a zig-zag encoded signed varint.
	VarSint
	// StrZero is a NUL terminated string.
	StrZero
	// Binary is a length prefixed byte string. As the last column of a row it
	// carries no prefix and extends to the end of the row.
	Binary
)

var typeNames = map[ColumnType]string{
	Uint08:  "uint08",
	Sint08:  "sint08",
	Uint16:  "uint16",
	Sint16:  "sint16",
	Uint32:  "uint32",
	Sint32:  "sint32",
	Uint64:  "uint64",
	Sint64:  "sint64",
	Float32: "float32",
	Float64: "float64",
	UUID:    "uuid",
	Fixed:   "fixed",
	VarUint: "varuint",
	VarSint: "varsint",
	StrZero: "strzero",
	Binary:  "binary",
}

var typeAliases = map[string]ColumnType{
	"float":  Float32,
	"double": Float64,
	"str":    StrZero,
}

// String returns the dbmeta.json name of the type.
func (t ColumnType) String() string {
	if s, ok := typeNames[t]; ok {
		return s
	}
	return fmt.Sprintf("ColumnType(%d)", uint8(t))
}

// ParseColumnType resolves a type name as written in dbmeta.json.
func ParseColumnType(name string) (ColumnType, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	for t, s := range typeNames {
		if s == name {
			return t, nil
		}
	}
	if t, ok := typeAliases[name]; ok {
		return t, nil
	}
	return 0, fmt.Errorf("%w: unknown column type %q", ErrInvalidSchema, name)
}

// fixedSize returns the encoded width of fixed types and 0 for variable ones.
func (t ColumnType) fixedSize(length int) int {
	switch t {
	case Uint08, Sint08:
		return 1
	case Uint16, Sint16:
		return 2
	case Uint32, Sint32, Float32:
		return 4
	case Uint64, Sint64, Float64:
		return 8
	case UUID:
		return 16
	case Fixed:
		return length
	default:
		return 0
	}
}

// IsNumeric reports whether values of the type decode to numbers.
func (t ColumnType) IsNumeric() bool {
	switch t {
	case Uint08, Sint08, Uint16, Sint16, Uint32, Sint32, Uint64, Sint64,
		Float32, Float64, VarUint, VarSint:
		return true
	}
	return false
}
