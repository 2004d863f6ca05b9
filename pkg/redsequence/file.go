package redsequence

import (
	"bufio"
	"io"
	"os"

	errorsmod "cosmossdk.io/errors"

	"github.com/jacobic/redmapper/internal/binio"
	"github.com/jacobic/redmapper/internal/types"
	"github.com/jacobic/redmapper/pkg/astronomy/cosmology"
)

const (
	parMagic   = "RMRSPAR1"
	parVersion = 1
)

// WriteParams writes node parameters in the binary par-file format.
func WriteParams(w io.Writer, p NodeParams) error {
	bw := bufio.NewWriter(w)
	out := binio.NewWriter(bw)
	out.Magic(parMagic)
	out.Uint32(parVersion)
	out.Uint32(uint32(p.NMag))
	out.Uint32(uint32(p.RefIndex))
	out.Float64(p.ZRange[0])
	out.Float64(p.ZRange[1])
	out.Float64(p.Step)

	out.Float64s(p.PivotZ)
	out.Float64s(p.PivotMag)
	out.Float64Grid(p.ColorZ)
	out.Float64Grid(p.Color)
	out.Float64Grid(p.SlopeZ)
	out.Float64Grid(p.Slope)
	out.Float64s(p.CovZ)
	out.Float64Grid(p.Sigma)
	out.Float64Grid(p.Rho)
	out.Float64s(p.CorrZ)
	out.Float64s(p.Corr)
	out.Float64s(p.CorrSlope)
	out.Float64s(p.MStarZ)
	out.Float64s(p.MStar)
	if err := out.Err(); err != nil {
		return err
	}
	return bw.Flush()
}

// ReadParams reads and validates node parameters.
func ReadParams(r io.Reader) (NodeParams, error) {
	in := binio.NewReader(bufio.NewReader(r))
	in.Magic(parMagic)
	version := in.Uint32()
	if in.Err() == nil && version != parVersion {
		return NodeParams{}, errorsmod.Wrapf(types.ErrModelFile, "unsupported par version %d", version)
	}

	var p NodeParams
	p.NMag = int(in.Uint32())
	p.RefIndex = int(in.Uint32())
	p.ZRange[0] = in.Float64()
	p.ZRange[1] = in.Float64()
	p.Step = in.Float64()

	p.PivotZ = in.Float64s()
	p.PivotMag = in.Float64s()
	p.ColorZ = in.Float64Grid()
	p.Color = in.Float64Grid()
	p.SlopeZ = in.Float64Grid()
	p.Slope = in.Float64Grid()
	p.CovZ = in.Float64s()
	p.Sigma = in.Float64Grid()
	p.Rho = in.Float64Grid()
	p.CorrZ = in.Float64s()
	p.Corr = in.Float64s()
	p.CorrSlope = in.Float64s()
	p.MStarZ = in.Float64s()
	p.MStar = in.Float64s()
	if err := in.Err(); err != nil {
		return NodeParams{}, errorsmod.Wrap(types.ErrModelFile, err.Error())
	}
	if len(p.Rho) == 0 {
		p.Rho = nil
	}
	if err := p.Validate(); err != nil {
		return NodeParams{}, errorsmod.Wrap(types.ErrModelFile, err.Error())
	}
	return p, nil
}

// Save writes the model's calibration nodes to path.
func (m *Model) Save(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := WriteParams(f, m.nodes); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// Load reads a par file and builds the model.
func Load(path string, cosmo *cosmology.Cosmology) (*Model, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	p, err := ReadParams(f)
	if err != nil {
		return nil, errorsmod.Wrapf(err, "reading %s", path)
	}
	return New(p, cosmo)
}
