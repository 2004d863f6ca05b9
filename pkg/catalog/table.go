// Package catalog reads and writes the cluster, member and galaxy tables.
//
// A table file is a header followed by row-major little-endian data:
//
//	magic "RMTBL001"
//	int64  row count
//	uint32 column count, then per column: name, type, width
//	uint32 metadata count, then per entry: key, value
//	rows
//
// Vector columns have a fixed width per row. Shorter rows are padded with
// NaN, and trailing NaNs are dropped on read.
package catalog

import (
	"bufio"
	"encoding/binary"
	"io"
	"math"
	"os"
	"sort"

	errorsmod "cosmossdk.io/errors"

	"github.com/jacobic/redmapper/internal/binio"
	"github.com/jacobic/redmapper/internal/types"
)

const (
	tableMagic = "RMTBL001"

	// maxVectorWidth bounds the per-row length of a vector column.
	maxVectorWidth = 4096
)

// ColumnType is the storage type of a column.
type ColumnType uint32

const (
	TypeInt64 ColumnType = iota + 1
	TypeFloat64
	TypeFloat64Vec
	TypeFloat32Vec
)

func (ct ColumnType) size() int {
	switch ct {
	case TypeInt64, TypeFloat64, TypeFloat64Vec:
		return 8
	case TypeFloat32Vec:
		return 4
	default:
		return 0
	}
}

// Column is one named column. Scalar columns use Width 1.
type Column struct {
	Name  string
	Type  ColumnType
	Width int

	Ints   []int64
	Floats []float64
	Vecs   [][]float64
}

func (c *Column) rowBytes() int {
	return c.Type.size() * c.Width
}

func (c *Column) checkWidth() error {
	switch c.Type {
	case TypeInt64, TypeFloat64:
		if c.Width != 1 {
			return errorsmod.Wrapf(types.ErrTableFormat, "column %q: scalar width %d", c.Name, c.Width)
		}
	default:
		if c.Width < 0 || c.Width > maxVectorWidth {
			return errorsmod.Wrapf(types.ErrTableFormat, "column %q: width %d outside [0, %d]", c.Name, c.Width, maxVectorWidth)
		}
	}
	return nil
}

// Table is an in-memory set of equal-length columns with string metadata.
type Table struct {
	Columns []*Column
	Meta    map[string]string
	rows    int
}

// NewTable returns an empty table of n rows.
func NewTable(n int) *Table {
	return &Table{Meta: map[string]string{}, rows: n}
}

// Len returns the number of rows.
func (t *Table) Len() int {
	return t.rows
}

// AddInt64 appends an int64 column.
func (t *Table) AddInt64(name string, v []int64) {
	t.Columns = append(t.Columns, &Column{Name: name, Type: TypeInt64, Width: 1, Ints: v})
}

// AddFloat64 appends a float64 column.
func (t *Table) AddFloat64(name string, v []float64) {
	t.Columns = append(t.Columns, &Column{Name: name, Type: TypeFloat64, Width: 1, Floats: v})
}

// AddVector appends a vector column of type TypeFloat64Vec or
// TypeFloat32Vec. The width is the longest row.
func (t *Table) AddVector(name string, ct ColumnType, v [][]float64) {
	width := 0
	for _, row := range v {
		if len(row) > width {
			width = len(row)
		}
	}
	t.Columns = append(t.Columns, &Column{Name: name, Type: ct, Width: width, Vecs: v})
}

// Column returns the named column or ErrMissingColumn.
func (t *Table) Column(name string) (*Column, error) {
	for _, c := range t.Columns {
		if c.Name == name {
			return c, nil
		}
	}
	return nil, errorsmod.Wrapf(types.ErrMissingColumn, "%q", name)
}

// Has reports whether the table has the named column.
func (t *Table) Has(name string) bool {
	_, err := t.Column(name)
	return err == nil
}

func (t *Table) validate() error {
	for _, c := range t.Columns {
		n := 0
		switch c.Type {
		case TypeInt64:
			n = len(c.Ints)
		case TypeFloat64:
			n = len(c.Floats)
		case TypeFloat64Vec, TypeFloat32Vec:
			n = len(c.Vecs)
		default:
			return errorsmod.Wrapf(types.ErrTableFormat, "column %q: unknown type %d", c.Name, c.Type)
		}
		if n != t.rows {
			return errorsmod.Wrapf(types.ErrTableFormat, "column %q has %d rows, want %d", c.Name, n, t.rows)
		}
		if err := c.checkWidth(); err != nil {
			return err
		}
	}
	return nil
}

// WriteTable writes t to w.
func WriteTable(w io.Writer, t *Table) error {
	if err := t.validate(); err != nil {
		return err
	}
	bw := bufio.NewWriter(w)
	hw := binio.NewWriter(bw)
	hw.Magic(tableMagic)
	hw.Int64(int64(t.rows))
	hw.Uint32(uint32(len(t.Columns)))
	for _, c := range t.Columns {
		hw.Text(c.Name)
		hw.Uint32(uint32(c.Type))
		hw.Uint32(uint32(c.Width))
	}
	keys := make([]string, 0, len(t.Meta))
	for k := range t.Meta {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	hw.Uint32(uint32(len(keys)))
	for _, k := range keys {
		hw.Text(k)
		hw.Text(t.Meta[k])
	}
	if err := hw.Err(); err != nil {
		return errorsmod.Wrap(types.ErrTableFormat, err.Error())
	}

	rowLen := 0
	for _, c := range t.Columns {
		rowLen += c.rowBytes()
	}
	row := make([]byte, rowLen)
	for i := 0; i < t.rows; i++ {
		off := 0
		for _, c := range t.Columns {
			encodeCell(row[off:off+c.rowBytes()], c, i)
			off += c.rowBytes()
		}
		if _, err := bw.Write(row); err != nil {
			return err
		}
	}
	return bw.Flush()
}

func encodeCell(b []byte, c *Column, i int) {
	le := binary.LittleEndian
	switch c.Type {
	case TypeInt64:
		le.PutUint64(b, uint64(c.Ints[i]))
	case TypeFloat64:
		le.PutUint64(b, math.Float64bits(c.Floats[i]))
	case TypeFloat64Vec:
		for k := 0; k < c.Width; k++ {
			v := math.NaN()
			if k < len(c.Vecs[i]) {
				v = c.Vecs[i][k]
			}
			le.PutUint64(b[8*k:], math.Float64bits(v))
		}
	case TypeFloat32Vec:
		for k := 0; k < c.Width; k++ {
			v := float32(math.NaN())
			if k < len(c.Vecs[i]) {
				v = float32(c.Vecs[i][k])
			}
			le.PutUint32(b[4*k:], math.Float32bits(v))
		}
	}
}

func decodeCell(b []byte, c *Column) {
	le := binary.LittleEndian
	switch c.Type {
	case TypeInt64:
		c.Ints = append(c.Ints, int64(le.Uint64(b)))
	case TypeFloat64:
		c.Floats = append(c.Floats, math.Float64frombits(le.Uint64(b)))
	case TypeFloat64Vec, TypeFloat32Vec:
		v := make([]float64, c.Width)
		for k := range v {
			if c.Type == TypeFloat64Vec {
				v[k] = math.Float64frombits(le.Uint64(b[8*k:]))
			} else {
				v[k] = float64(math.Float32frombits(le.Uint32(b[4*k:])))
			}
		}
		n := len(v)
		for n > 0 && math.IsNaN(v[n-1]) {
			n--
		}
		if n == 0 {
			v = nil
		} else {
			v = v[:n]
		}
		c.Vecs = append(c.Vecs, v)
	}
}

// ReadTable reads a table from r. With column names given only those are
// kept, and a name missing from the file is an ErrMissingColumn.
func ReadTable(r io.Reader, columns ...string) (*Table, error) {
	br := bufio.NewReader(r)
	hr := binio.NewReader(br)
	hr.Magic(tableMagic)
	nrows := hr.Int64()
	ncols := int(hr.Uint32())
	if err := hr.Err(); err != nil {
		return nil, errorsmod.Wrap(types.ErrTableFormat, err.Error())
	}
	if nrows < 0 || ncols > 4096 {
		return nil, errorsmod.Wrapf(types.ErrTableFormat, "rows=%d columns=%d", nrows, ncols)
	}

	all := make([]*Column, ncols)
	for i := range all {
		all[i] = &Column{Name: hr.Text(), Type: ColumnType(hr.Uint32()), Width: int(hr.Uint32())}
		if hr.Err() != nil {
			break
		}
		if all[i].Type.size() == 0 {
			return nil, errorsmod.Wrapf(types.ErrTableFormat, "column %q: unknown type %d", all[i].Name, all[i].Type)
		}
		if err := all[i].checkWidth(); err != nil {
			return nil, err
		}
	}
	t := NewTable(int(nrows))
	nmeta := int(hr.Uint32())
	for i := 0; i < nmeta && hr.Err() == nil; i++ {
		k := hr.Text()
		t.Meta[k] = hr.Text()
	}
	if err := hr.Err(); err != nil {
		return nil, errorsmod.Wrap(types.ErrTableFormat, err.Error())
	}

	keep := make([]bool, ncols)
	if len(columns) == 0 {
		for i := range keep {
			keep[i] = true
		}
	}
	for _, name := range columns {
		found := false
		for i, c := range all {
			if c.Name == name {
				keep[i], found = true, true
			}
		}
		if !found {
			return nil, errorsmod.Wrapf(types.ErrMissingColumn, "%q", name)
		}
	}

	rowLen := 0
	for i, c := range all {
		rowLen += c.rowBytes()
		if keep[i] {
			t.Columns = append(t.Columns, c)
		}
	}
	row := make([]byte, rowLen)
	for n := 0; n < t.rows; n++ {
		if _, err := io.ReadFull(br, row); err != nil {
			return nil, errorsmod.Wrapf(types.ErrTableFormat, "row %d: %v", n, err)
		}
		off := 0
		for i, c := range all {
			if keep[i] {
				decodeCell(row[off:off+c.rowBytes()], c)
			}
			off += c.rowBytes()
		}
	}
	return t, nil
}

// WriteFile writes t to path.
func WriteFile(path string, t *Table) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := WriteTable(f, t); err != nil {
		f.Close()
		return errorsmod.Wrapf(err, "write %s", path)
	}
	return f.Close()
}

// ReadFile reads the table at path.
func ReadFile(path string, columns ...string) (*Table, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	t, err := ReadTable(f, columns...)
	if err != nil {
		return nil, errorsmod.Wrapf(err, "read %s", path)
	}
	return t, nil
}
