package background

import (
	"fmt"

	errorsmod "cosmossdk.io/errors"

	"github.com/jacobic/redmapper/internal/types"
)

// ColorBackground holds field-galaxy densities in colour space, used by the
// red-sequence calibration. Each table gives the density in one colour and
// reference magnitude.
type ColorBackground struct {
	NCol   int
	Color  axis
	RefMag axis

	// Diag is indexed [colour][colour bin][refmag].
	Diag [][][]float64
}

// NewColor validates the table shapes and returns a ColorBackground.
func NewColor(ncol int, colorbins, refmagbins []float64, diag [][][]float64) (*ColorBackground, error) {
	cb := &ColorBackground{NCol: ncol, Color: colorbins, RefMag: refmagbins, Diag: diag}
	if err := cb.validate(); err != nil {
		return nil, errorsmod.Wrap(types.ErrModelFile, err.Error())
	}
	return cb, nil
}

func (cb *ColorBackground) validate() error {
	if cb.NCol < 1 {
		return fmt.Errorf("need at least one colour, got %d", cb.NCol)
	}
	if err := cb.Color.validate("color"); err != nil {
		return err
	}
	if err := cb.RefMag.validate("refmag"); err != nil {
		return err
	}
	if len(cb.Diag) != cb.NCol {
		return fmt.Errorf("diagonal tables: got %d, want %d", len(cb.Diag), cb.NCol)
	}
	for j, t := range cb.Diag {
		if len(t) != len(cb.Color) {
			return fmt.Errorf("diagonal table %d has %d colour bins, want %d", j, len(t), len(cb.Color))
		}
		for _, row := range t {
			if len(row) != len(cb.RefMag) {
				return fmt.Errorf("diagonal table %d has a row of %d refmag bins, want %d", j, len(row), len(cb.RefMag))
			}
		}
	}
	return nil
}

func (cb *ColorBackground) gap(doRaise bool, format string, args ...interface{}) error {
	if !doRaise {
		return nil
	}
	return errorsmod.Wrapf(types.ErrBackgroundGap, format, args...)
}

// LookupDiagonal returns the field density in colour j at refmag. Lookups
// outside the table or in empty cells are clamped and reported with
// ok = false, or fail with ErrBackgroundGap when doRaise is set.
func (cb *ColorBackground) LookupDiagonal(j int, color, refmag float64, doRaise bool) (float64, bool, error) {
	if j < 0 || j >= cb.NCol {
		return 0, false, fmt.Errorf("colour index %d out of range", j)
	}
	v, inside, empty := bilinear(cb.Color, cb.RefMag, cb.Diag[j], color, refmag)
	if inside && !empty {
		return v, true, nil
	}
	if err := cb.gap(doRaise, "colour %d=%.3f refmag=%.3f", j, color, refmag); err != nil {
		return 0, false, err
	}
	return v, false, nil
}
