// Package background holds the empirical field-galaxy density tables used to
// weight cluster membership against the background.
package background

import (
	"fmt"

	errorsmod "cosmossdk.io/errors"

	"github.com/jacobic/redmapper/internal/types"
)

// Background is the chi-square background: the surface density of field
// galaxies per deg^2, per unit red-sequence chi-square, per magnitude, as a
// function of redshift.
type Background struct {
	Z      axis
	Chisq  axis
	RefMag axis

	// SigmaG is indexed [z][chisq][refmag]. Negative cells are empty.
	SigmaG [][][]float64
}

// New validates the table shape and returns a Background.
func New(zbins, chisqbins, refmagbins []float64, sigmaG [][][]float64) (*Background, error) {
	b := &Background{Z: zbins, Chisq: chisqbins, RefMag: refmagbins, SigmaG: sigmaG}
	if err := b.validate(); err != nil {
		return nil, errorsmod.Wrap(types.ErrModelFile, err.Error())
	}
	return b, nil
}

func (b *Background) validate() error {
	if err := b.Z.validate("z"); err != nil {
		return err
	}
	if err := b.Chisq.validate("chisq"); err != nil {
		return err
	}
	if err := b.RefMag.validate("refmag"); err != nil {
		return err
	}
	if len(b.SigmaG) != len(b.Z) {
		return fmt.Errorf("sigma_g has %d z slices, want %d", len(b.SigmaG), len(b.Z))
	}
	for i, slice := range b.SigmaG {
		if len(slice) != len(b.Chisq) {
			return fmt.Errorf("sigma_g z slice %d has %d chisq rows, want %d", i, len(slice), len(b.Chisq))
		}
		for j, row := range slice {
			if len(row) != len(b.RefMag) {
				return fmt.Errorf("sigma_g[%d][%d] has %d refmag bins, want %d", i, j, len(row), len(b.RefMag))
			}
		}
	}
	return nil
}

// Density returns the background density at (chisq, refmag) in the redshift
// bin nearest to z. Coordinates outside the table are clamped to the edge.
// ok is false for clamped or empty lookups; with doRaise set such lookups
// return ErrBackgroundGap instead. The returned density is never negative.
func (b *Background) Density(z, chisq, refmag float64, doRaise bool) (float64, bool, error) {
	iz, _ := b.Z.nearest(z)
	v, inside, empty := bilinear(b.Chisq, b.RefMag, b.SigmaG[iz], chisq, refmag)
	ok := inside && !empty
	if !ok && doRaise {
		return 0, false, errorsmod.Wrapf(types.ErrBackgroundGap,
			"z=%.4f chisq=%.3f refmag=%.3f", z, chisq, refmag)
	}
	return v, ok, nil
}

// Integral returns the expected field counts per deg^2 in the redshift bin
// nearest to z, summed over every non-empty cell.
func (b *Background) Integral(z float64) float64 {
	iz, _ := b.Z.nearest(z)
	total := 0.0
	for i, row := range b.SigmaG[iz] {
		for j, v := range row {
			if v > 0 {
				total += v * b.Chisq.width(i) * b.RefMag.width(j)
			}
		}
	}
	return total
}

// Uniform returns a background with the same density everywhere. A zero
// density describes an empty field.
func Uniform(zbins, chisqbins, refmagbins []float64, density float64) (*Background, error) {
	sigma := make([][][]float64, len(zbins))
	for i := range sigma {
		sigma[i] = make([][]float64, len(chisqbins))
		for j := range sigma[i] {
			row := make([]float64, len(refmagbins))
			for k := range row {
				row[k] = density
			}
			sigma[i][j] = row
		}
	}
	return New(zbins, chisqbins, refmagbins, sigma)
}
