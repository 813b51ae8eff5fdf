package schema

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/google/uuid"
)

// MetaFileName is the table metadata file inside a table directory.
const MetaFileName = "dbmeta.json"

// MaxIndexColumns bounds the number of columns one index may project.
const MaxIndexColumns = 64

// IndexSpec declares a secondary index.
type IndexSpec struct {
	Fields  []string
	Ordered bool
	Unique  bool
}

// Index is a validated index definition with its key schema.
type Index struct {
	// Name is the comma joined field list, also used for the on-disk path.
	Name    string
	Ordered bool
	Unique  bool
	// Key is the projection of the row schema that forms the index key.
	Key *Schema
}

// ColumnOwner tells where a row column is stored inside a readonly segment.
// Group is an index position, or -1 for the remaining column group.
type ColumnOwner struct {
	Group int
	Pos   int
}

// Config is the complete, immutable description of a table.
type Config struct {
	TableID uuid.UUID
	Row     *Schema
	Indexes []*Index
	// Remain is the projection of every column not covered by an index, nil
	// when all columns are indexed.
	Remain *Schema
	Owners []ColumnOwner

	ReadonlyDataMemSize int64
	MaxWrSegSize        int64
	MaxSegments         int
	Compression         string
}

// NewConfig validates and assembles a table description.
func NewConfig(columns []Column, indexes []IndexSpec) (*Config, error) {
	row, err := New(columns)
	if err != nil {
		return nil, err
	}
	cfg := &Config{TableID: uuid.New(), Row: row}
	seen := make(map[string]bool, len(indexes))
	for _, spec := range indexes {
		if len(spec.Fields) == 0 {
			return nil, fmt.Errorf("%w: index without fields", ErrInvalidSchema)
		}
		if len(spec.Fields) > MaxIndexColumns {
			return nil, fmt.Errorf("%w: index has %d columns, max is %d", ErrInvalidSchema, len(spec.Fields), MaxIndexColumns)
		}
		name := strings.Join(spec.Fields, ",")
		if seen[name] {
			return nil, fmt.Errorf("%w: duplicate index %q", ErrInvalidSchema, name)
		}
		seen[name] = true
		key, err := Project(row, spec.Fields)
		if err != nil {
			return nil, err
		}
		cfg.Indexes = append(cfg.Indexes, &Index{Name: name, Ordered: spec.Ordered, Unique: spec.Unique, Key: key})
	}
	if err := cfg.layoutGroups(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) layoutGroups() error {
	c.Owners = make([]ColumnOwner, c.Row.NumColumns())
	for i := range c.Owners {
		c.Owners[i].Group = -2
	}
	for g, idx := range c.Indexes {
		for pos, p := range idx.Key.ParentIndex() {
			if c.Owners[p].Group == -2 {
				c.Owners[p] = ColumnOwner{Group: g, Pos: pos}
			}
		}
	}
	var remain []string
	for i := range c.Owners {
		if c.Owners[i].Group == -2 {
			c.Owners[i] = ColumnOwner{Group: -1, Pos: len(remain)}
			remain = append(remain, c.Row.Column(i).Name)
		}
	}
	c.Remain = nil
	if len(remain) > 0 {
		r, err := Project(c.Row, remain)
		if err != nil {
			return err
		}
		c.Remain = r
	}
	return nil
}

// IndexByName finds an index by its comma joined field list.
func (c *Config) IndexByName(name string) (int, bool) {
	for i, idx := range c.Indexes {
		if idx.Name == name {
			return i, true
		}
	}
	return -1, false
}

// HasUnique reports whether any index enforces uniqueness.
func (c *Config) HasUnique() bool {
	for _, idx := range c.Indexes {
		if idx.Unique {
			return true
		}
	}
	return false
}

type columnMeta struct {
	Name   string `json:"name"`
	Type   string `json:"type"`
	Length int    `json:"length,omitempty"`
}

type indexMeta struct {
	Fields  string `json:"fields"`
	Ordered *bool  `json:"ordered,omitempty"`
	Unique  bool   `json:"unique,omitempty"`
}

type tableMeta struct {
	TableID   string `json:"TableID,omitempty"`
	RowSchema struct {
		Columns []columnMeta `json:"columns"`
	} `json:"RowSchema"`
	TableIndex          []indexMeta `json:"TableIndex"`
	ReadonlyDataMemSize int64       `json:"ReadonlyDataMemSize,omitempty"`
	MaxWrSegSize        int64       `json:"MaxWrSegSize,omitempty"`
	MaxSegments         int         `json:"MaxSegments,omitempty"`
	Compression         string      `json:"Compression,omitempty"`
}

// MarshalJSON writes the dbmeta.json representation.
func (c *Config) MarshalJSON() ([]byte, error) {
	var m tableMeta
	m.TableID = c.TableID.String()
	for _, col := range c.Row.columns {
		m.RowSchema.Columns = append(m.RowSchema.Columns, columnMeta{Name: col.Name, Type: col.Type.String(), Length: col.Length})
	}
	m.TableIndex = []indexMeta{}
	for _, idx := range c.Indexes {
		ordered := idx.Ordered
		m.TableIndex = append(m.TableIndex, indexMeta{Fields: idx.Name, Ordered: &ordered, Unique: idx.Unique})
	}
	m.ReadonlyDataMemSize = c.ReadonlyDataMemSize
	m.MaxWrSegSize = c.MaxWrSegSize
	m.MaxSegments = c.MaxSegments
	m.Compression = c.Compression
	return json.MarshalIndent(&m, "", "  ")
}

// UnmarshalJSON parses dbmeta.json. Indexes are ordered unless stated otherwise.
func (c *Config) UnmarshalJSON(data []byte) error {
	var m tableMeta
	if err := json.Unmarshal(data, &m); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidSchema, err)
	}
	cols := make([]Column, 0, len(m.RowSchema.Columns))
	for _, cm := range m.RowSchema.Columns {
		t, err := ParseColumnType(cm.Type)
		if err != nil {
			return err
		}
		cols = append(cols, Column{Name: cm.Name, Type: t, Length: cm.Length})
	}
	specs := make([]IndexSpec, 0, len(m.TableIndex))
	for _, im := range m.TableIndex {
		fields := strings.Split(im.Fields, ",")
		for i := range fields {
			fields[i] = strings.TrimSpace(fields[i])
		}
		ordered := true
		if im.Ordered != nil {
			ordered = *im.Ordered
		}
		specs = append(specs, IndexSpec{Fields: fields, Ordered: ordered, Unique: im.Unique})
	}
	parsed, err := NewConfig(cols, specs)
	if err != nil {
		return err
	}
	if m.TableID != "" {
		id, err := uuid.Parse(m.TableID)
		if err != nil {
			return fmt.Errorf("%w: bad TableID: %w", ErrInvalidSchema, err)
		}
		parsed.TableID = id
	}
	parsed.ReadonlyDataMemSize = m.ReadonlyDataMemSize
	parsed.MaxWrSegSize = m.MaxWrSegSize
	parsed.MaxSegments = m.MaxSegments
	parsed.Compression = m.Compression
	*c = *parsed
	return nil
}

// ReadConfig decodes dbmeta.json content.
func ReadConfig(r io.Reader) (*Config, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	cfg := &Config{}
	if err := cfg.UnmarshalJSON(data); err != nil {
		return nil, err
	}
	return cfg, nil
}
