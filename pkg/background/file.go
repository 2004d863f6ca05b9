package background

import (
	"bufio"
	"io"
	"os"

	errorsmod "cosmossdk.io/errors"

	"github.com/jacobic/redmapper/internal/binio"
	"github.com/jacobic/redmapper/internal/types"
)

const (
	bkgMagic      = "RMBKG001"
	colorBkgMagic = "RMCBKG01"
)

// Write stores the background in its binary file format.
func (b *Background) Write(w io.Writer) error {
	bw := bufio.NewWriter(w)
	out := binio.NewWriter(bw)
	out.Magic(bkgMagic)
	out.Float64s(b.Z)
	out.Float64s(b.Chisq)
	out.Float64s(b.RefMag)
	out.Uint32(uint32(len(b.SigmaG)))
	for _, slice := range b.SigmaG {
		out.Float64Grid(slice)
	}
	if err := out.Err(); err != nil {
		return err
	}
	return bw.Flush()
}

// Read loads and validates a background file.
func Read(r io.Reader) (*Background, error) {
	in := binio.NewReader(bufio.NewReader(r))
	in.Magic(bkgMagic)
	z := in.Float64s()
	chisq := in.Float64s()
	refmag := in.Float64s()
	n := int(in.Uint32())
	if in.Err() == nil && n != len(z) {
		return nil, errorsmod.Wrapf(types.ErrModelFile, "background has %d slices for %d redshift bins", n, len(z))
	}
	sigma := make([][][]float64, 0, len(z))
	for i := 0; i < n && in.Err() == nil; i++ {
		sigma = append(sigma, in.Float64Grid())
	}
	if err := in.Err(); err != nil {
		return nil, errorsmod.Wrap(types.ErrModelFile, err.Error())
	}
	return New(z, chisq, refmag, sigma)
}

// Write stores the colour background in its binary file format.
func (cb *ColorBackground) Write(w io.Writer) error {
	bw := bufio.NewWriter(w)
	out := binio.NewWriter(bw)
	out.Magic(colorBkgMagic)
	out.Uint32(uint32(cb.NCol))
	out.Float64s(cb.Color)
	out.Float64s(cb.RefMag)
	for _, t := range cb.Diag {
		out.Float64Grid(t)
	}
	if err := out.Err(); err != nil {
		return err
	}
	return bw.Flush()
}

// ReadColor loads and validates a colour background file.
func ReadColor(r io.Reader) (*ColorBackground, error) {
	in := binio.NewReader(bufio.NewReader(r))
	in.Magic(colorBkgMagic)
	ncol := int(in.Uint32())
	color := in.Float64s()
	refmag := in.Float64s()
	if err := in.Err(); err != nil {
		return nil, errorsmod.Wrap(types.ErrModelFile, err.Error())
	}
	if ncol < 1 || ncol > 16 {
		return nil, errorsmod.Wrapf(types.ErrModelFile, "implausible colour count %d", ncol)
	}
	diag := make([][][]float64, ncol)
	for j := range diag {
		diag[j] = in.Float64Grid()
	}
	if err := in.Err(); err != nil {
		return nil, errorsmod.Wrap(types.ErrModelFile, err.Error())
	}
	return NewColor(ncol, color, refmag, diag)
}

// Load reads a chi-square background file from path.
func Load(path string) (*Background, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	b, err := Read(f)
	if err != nil {
		return nil, errorsmod.Wrapf(err, "reading %s", path)
	}
	return b, nil
}

// LoadColor reads a colour background file from path.
func LoadColor(path string) (*ColorBackground, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	cb, err := ReadColor(f)
	if err != nil {
		return nil, errorsmod.Wrapf(err, "reading %s", path)
	}
	return cb, nil
}

// Save writes the background to path.
func (b *Background) Save(path string) error {
	return saveTo(path, b.Write)
}

// Save writes the colour background to path.
func (cb *ColorBackground) Save(path string) error {
	return saveTo(path, cb.Write)
}

func saveTo(path string, write func(io.Writer) error) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := write(f); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
