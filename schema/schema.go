package schema

import (
	"bytes"
	"cmp"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

var (
	// ErrInvalidSchema is returned for malformed schema definitions.
	ErrInvalidSchema = errors.New("invalid schema")
	// ErrMalformedRow is returned when a row does not match its schema.
	ErrMalformedRow = errors.New("malformed row")
)

// Column describes one column of a schema.
type Column struct {
	Name string
	Type ColumnType
	// Length is the width of Fixed columns and ignored otherwise.
	Length int
}

// Columns holds the content of each column of a parsed row. The slices alias
// the row they were parsed from.
type Columns [][]byte

// Schema is an ordered list of typed columns. A Schema may be a projection of
// a parent schema; see Project.
type Schema struct {
	columns     []Column
	byName      map[string]int
	fixedRowLen int
	parentIdx   []int
}

// New validates columns and returns the schema.
func New(columns []Column) (*Schema, error) {
	if len(columns) == 0 {
		return nil, fmt.Errorf("%w: no columns", ErrInvalidSchema)
	}
	s := &Schema{
		columns: make([]Column, len(columns)),
		byName:  make(map[string]int, len(columns)),
	}
	fixed := 0
	for i, c := range columns {
		if c.Name == "" {
			return nil, fmt.Errorf("%w: column %d has no name", ErrInvalidSchema, i)
		}
		if _, dup := s.byName[c.Name]; dup {
			return nil, fmt.Errorf("%w: duplicate column %q", ErrInvalidSchema, c.Name)
		}
		if _, ok := typeNames[c.Type]; !ok {
			return nil, fmt.Errorf("%w: column %q has unknown type", ErrInvalidSchema, c.Name)
		}
		if c.Type == Fixed && c.Length <= 0 {
			return nil, fmt.Errorf("%w: fixed column %q needs a positive length", ErrInvalidSchema, c.Name)
		}
		if c.Type != Fixed {
			c.Length = 0
		}
		s.columns[i] = c
		s.byName[c.Name] = i
		if n := c.Type.fixedSize(c.Length); n > 0 && fixed >= 0 {
			fixed += n
		} else {
			fixed = -1
		}
	}
	if fixed > 0 {
		s.fixedRowLen = fixed
	}
	return s, nil
}

// MustNew is like New but panics on error. Intended for tests and static schemas.
func MustNew(columns []Column) *Schema {
	s, err := New(columns)
	if err != nil {
		panic(err)
	}
	return s
}

// NumColumns returns the column count.
func (s *Schema) NumColumns() int { return len(s.columns) }

// Column returns the i-th column.
func (s *Schema) Column(i int) Column { return s.columns[i] }

// Columns returns a copy of the column definitions.
func (s *Schema) Columns() []Column {
	out := make([]Column, len(s.columns))
	copy(out, s.columns)
	return out
}

// ColumnIndex returns the position of the named column.
func (s *Schema) ColumnIndex(name string) (int, bool) {
	i, ok := s.byName[name]
	return i, ok
}

// ColumnNames returns the names in schema order.
func (s *Schema) ColumnNames() []string {
	names := make([]string, len(s.columns))
	for i, c := range s.columns {
		names[i] = c.Name
	}
	return names
}

// FixedRowLen is the encoded row size when every column is fixed width, 0 otherwise.
func (s *Schema) FixedRowLen() int { return s.fixedRowLen }

// ParentIndex maps each column of a projected schema to its parent column.
// It returns nil for schemas that are not a projection.
func (s *Schema) ParentIndex() []int { return s.parentIdx }

// Project builds a schema from the named columns of parent.
func Project(parent *Schema, names []string) (*Schema, error) {
	cols := make([]Column, 0, len(names))
	idx := make([]int, 0, len(names))
	for _, name := range names {
		i, ok := parent.byName[name]
		if !ok {
			return nil, fmt.Errorf("%w: unknown column %q", ErrInvalidSchema, name)
		}
		cols = append(cols, parent.columns[i])
		idx = append(idx, i)
	}
	s, err := New(cols)
	if err != nil {
		return nil, err
	}
	s.parentIdx = idx
	return s, nil
}

// ParseRow splits an encoded row into column contents.
func (s *Schema) ParseRow(row []byte) (Columns, error) {
	return s.parseInto(row, make(Columns, len(s.columns)))
}

func (s *Schema) parseInto(row []byte, cols Columns) (Columns, error) {
	pos := 0
	last := len(s.columns) - 1
	for i, c := range s.columns {
		n, adv, err := s.columnExtent(c, row[pos:], i == last)
		if err != nil {
			return nil, fmt.Errorf("%w: column %q: %w", ErrMalformedRow, c.Name, err)
		}
		start := pos + adv - n
		if c.Type == StrZero && adv > n {
			start = pos
		}
		cols[i] = row[start : start+n]
		pos += adv
	}
	if pos != len(row) {
		return nil, fmt.Errorf("%w: %d trailing bytes", ErrMalformedRow, len(row)-pos)
	}
	return cols, nil
}

// columnExtent returns the content length and the number of bytes consumed.
func (s *Schema) columnExtent(c Column, b []byte, last bool) (n, adv int, err error) {
	if size := c.Type.fixedSize(c.Length); size > 0 {
		if len(b) < size {
			return 0, 0, errors.New("short fixed column")
		}
		return size, size, nil
	}
	switch c.Type {
	case VarUint, VarSint:
		_, k := binary.Uvarint(b)
		if k <= 0 {
			return 0, 0, errors.New("bad varint")
		}
		return k, k, nil
	case StrZero:
		i := bytes.IndexByte(b, 0)
		if i < 0 {
			if !last {
				return 0, 0, errors.New("missing terminator")
			}
			return len(b), len(b), nil
		}
		return i, i + 1, nil
	case Binary:
		if last {
			return len(b), len(b), nil
		}
		l, k := binary.Uvarint(b)
		if k <= 0 || uint64(len(b)-k) < l {
			return 0, 0, errors.New("bad length prefix")
		}
		return int(l), k + int(l), nil
	}
	return 0, 0, errors.New("unsupported type")
}

// AppendRow encodes cols and appends the row to dst.
func (s *Schema) AppendRow(dst []byte, cols Columns) ([]byte, error) {
	if len(cols) != len(s.columns) {
		return dst, fmt.Errorf("%w: got %d columns, want %d", ErrMalformedRow, len(cols), len(s.columns))
	}
	last := len(s.columns) - 1
	for i, c := range s.columns {
		var err error
		dst, err = appendColumn(dst, c, cols[i], i == last)
		if err != nil {
			return dst, err
		}
	}
	return dst, nil
}

// CombineRow is AppendRow into a fresh buffer.
func (s *Schema) CombineRow(cols Columns) ([]byte, error) {
	return s.AppendRow(nil, cols)
}

func appendColumn(dst []byte, c Column, v []byte, last bool) ([]byte, error) {
	if size := c.Type.fixedSize(c.Length); size > 0 {
		if len(v) != size {
			return dst, fmt.Errorf("%w: column %q wants %d bytes, got %d", ErrMalformedRow, c.Name, size, len(v))
		}
		return append(dst, v...), nil
	}
	switch c.Type {
	case VarUint, VarSint:
		if _, k := binary.Uvarint(v); k <= 0 || k != len(v) {
			return dst, fmt.Errorf("%w: column %q is not a varint", ErrMalformedRow, c.Name)
		}
		return append(dst, v...), nil
	case StrZero:
		if bytes.IndexByte(v, 0) >= 0 {
			return dst, fmt.Errorf("%w: column %q contains NUL", ErrMalformedRow, c.Name)
		}
		dst = append(dst, v...)
		return append(dst, 0), nil
	case Binary:
		if !last {
			dst = binary.AppendUvarint(dst, uint64(len(v)))
		}
		return append(dst, v...), nil
	}
	return dst, fmt.Errorf("%w: column %q has unsupported type", ErrMalformedRow, c.Name)
}

// SelectParent projects the parsed parent row parentCols onto s and appends
// the encoded projection to dst. s must come from Project.
func (s *Schema) SelectParent(parentCols Columns, dst []byte) ([]byte, error) {
	if s.parentIdx == nil {
		return dst, fmt.Errorf("%w: schema is not a projection", ErrInvalidSchema)
	}
	last := len(s.columns) - 1
	for i, c := range s.columns {
		p := s.parentIdx[i]
		if p >= len(parentCols) {
			return dst, fmt.Errorf("%w: parent has %d columns", ErrMalformedRow, len(parentCols))
		}
		var err error
		dst, err = appendColumn(dst, c, parentCols[p], i == last)
		if err != nil {
			return dst, err
		}
	}
	return dst, nil
}

// CompareData compares two encoded rows column by column using typed
// comparison. An empty row sorts before everything else. Rows that fail to
// parse fall back to byte order.
func (s *Schema) CompareData(a, b []byte) int {
	if len(a) == 0 || len(b) == 0 {
		return cmp.Compare(len(a), len(b))
	}
	var bufA, bufB [4][]byte
	colsA, colsB := Columns(bufA[:0]), Columns(bufB[:0])
	if n := len(s.columns); n > len(bufA) {
		colsA, colsB = make(Columns, n), make(Columns, n)
	} else {
		colsA, colsB = colsA[:n], colsB[:n]
	}
	pa, errA := s.parseInto(a, colsA)
	pb, errB := s.parseInto(b, colsB)
	if errA != nil || errB != nil {
		return bytes.Compare(a, b)
	}
	for i, c := range s.columns {
		if r := compareColumn(c.Type, pa[i], pb[i]); r != 0 {
			return r
		}
	}
	return 0
}

func compareColumn(t ColumnType, a, b []byte) int {
	le := binary.LittleEndian
	switch t {
	case Uint08:
		return cmp.Compare(a[0], b[0])
	case Sint08:
		return cmp.Compare(int8(a[0]), int8(b[0]))
	case Uint16:
		return cmp.Compare(le.Uint16(a), le.Uint16(b))
	case Sint16:
		return cmp.Compare(int16(le.Uint16(a)), int16(le.Uint16(b)))
	case Uint32:
		return cmp.Compare(le.Uint32(a), le.Uint32(b))
	case Sint32:
		return cmp.Compare(int32(le.Uint32(a)), int32(le.Uint32(b)))
	case Uint64:
		return cmp.Compare(le.Uint64(a), le.Uint64(b))
	case Sint64:
		return cmp.Compare(int64(le.Uint64(a)), int64(le.Uint64(b)))
	case Float32:
		return cmp.Compare(math.Float32frombits(le.Uint32(a)), math.Float32frombits(le.Uint32(b)))
	case Float64:
		return cmp.Compare(math.Float64frombits(le.Uint64(a)), math.Float64frombits(le.Uint64(b)))
	case VarUint:
		x, _ := binary.Uvarint(a)
		y, _ := binary.Uvarint(b)
		return cmp.Compare(x, y)
	case VarSint:
		x, _ := binary.Varint(a)
		y, _ := binary.Varint(b)
		return cmp.Compare(x, y)
	default:
		return bytes.Compare(a, b)
	}
}
