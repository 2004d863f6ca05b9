// Package binio reads and writes the little-endian primitives shared by the
// model and catalog file formats. Both Reader and Writer keep the first error
// and turn later calls into no-ops, so callers check Err once at the end.
package binio

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"
)

// maxSliceLen guards allocations driven by corrupt length prefixes.
const maxSliceLen = 1 << 28

// Writer writes primitives to an io.Writer.
type Writer struct {
	w   io.Writer
	err error
	buf [8]byte
}

// NewWriter wraps w.
func NewWriter(w io.Writer) *Writer {
	return &Writer{w: w}
}

// Err returns the first write error.
func (w *Writer) Err() error {
	return w.err
}

func (w *Writer) write(p []byte) {
	if w.err != nil {
		return
	}
	_, w.err = w.w.Write(p)
}

// Magic writes a fixed 8-byte file signature.
func (w *Writer) Magic(m string) {
	var b [8]byte
	copy(b[:], m)
	w.write(b[:])
}

func (w *Writer) Uint32(v uint32) {
	binary.LittleEndian.PutUint32(w.buf[:4], v)
	w.write(w.buf[:4])
}

func (w *Writer) Int64(v int64) {
	binary.LittleEndian.PutUint64(w.buf[:], uint64(v))
	w.write(w.buf[:])
}

func (w *Writer) Float64(v float64) {
	binary.LittleEndian.PutUint64(w.buf[:], math.Float64bits(v))
	w.write(w.buf[:])
}

func (w *Writer) Text(s string) {
	w.Uint32(uint32(len(s)))
	w.write([]byte(s))
}

// Float64s writes a length-prefixed slice.
func (w *Writer) Float64s(v []float64) {
	w.Uint32(uint32(len(v)))
	for _, x := range v {
		w.Float64(x)
	}
}

// Float64Grid writes a length-prefixed slice of slices.
func (w *Writer) Float64Grid(v [][]float64) {
	w.Uint32(uint32(len(v)))
	for _, row := range v {
		w.Float64s(row)
	}
}

// Reader reads primitives from an io.Reader.
type Reader struct {
	r   io.Reader
	err error
	buf [8]byte
}

// NewReader wraps r.
func NewReader(r io.Reader) *Reader {
	return &Reader{r: r}
}

// Err returns the first read error.
func (r *Reader) Err() error {
	return r.err
}

func (r *Reader) read(n int) []byte {
	if r.err != nil {
		return nil
	}
	if _, err := io.ReadFull(r.r, r.buf[:n]); err != nil {
		r.err = err
		return nil
	}
	return r.buf[:n]
}

// Magic reads the 8-byte signature and checks it against want.
func (r *Reader) Magic(want string) {
	b := r.read(8)
	if b == nil {
		return
	}
	var w [8]byte
	copy(w[:], want)
	if string(b) != string(w[:]) {
		r.err = fmt.Errorf("bad signature %q, want %q", string(b), want)
	}
}

func (r *Reader) Uint32() uint32 {
	b := r.read(4)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint32(b)
}

func (r *Reader) Int64() int64 {
	b := r.read(8)
	if b == nil {
		return 0
	}
	return int64(binary.LittleEndian.Uint64(b))
}

func (r *Reader) Float64() float64 {
	b := r.read(8)
	if b == nil {
		return 0
	}
	return math.Float64frombits(binary.LittleEndian.Uint64(b))
}

func (r *Reader) length() int {
	n := r.Uint32()
	if r.err == nil && n > maxSliceLen {
		r.err = fmt.Errorf("length prefix %d too large", n)
	}
	if r.err != nil {
		return 0
	}
	return int(n)
}

func (r *Reader) Text() string {
	n := r.length()
	if n == 0 || r.err != nil {
		return ""
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(r.r, b); err != nil {
		r.err = err
		return ""
	}
	return string(b)
}

// Float64s reads a length-prefixed slice. Empty slices read back as nil.
func (r *Reader) Float64s() []float64 {
	n := r.length()
	if r.err != nil || n == 0 {
		return nil
	}
	v := make([]float64, n)
	for i := range v {
		v[i] = r.Float64()
	}
	if r.err != nil {
		return nil
	}
	return v
}

func (r *Reader) Float64Grid() [][]float64 {
	n := r.length()
	if r.err != nil || n == 0 {
		return nil
	}
	v := make([][]float64, n)
	for i := range v {
		v[i] = r.Float64s()
	}
	if r.err != nil {
		return nil
	}
	return v
}
