package redsequence

import "github.com/jacobic/redmapper/internal/types"

// LinearNodes returns node parameters for a red sequence whose colours all
// follow c(z) = c0 + c1 z with zero slope, constant intrinsic width sigma
// and m*(z) = mstar0 + mstar1 z. Nodes are placed every 0.1 in redshift.
// It is used for synthetic runs and by tests.
func LinearNodes(nmag int, zmin, zmax, c0, c1, sigma, mstar0, mstar1 float64) NodeParams {
	var zs []float64
	for z := zmin; z <= zmax+1e-9; z += 0.1 {
		zs = append(zs, z)
	}
	if zs[len(zs)-1] < zmax-1e-9 {
		zs = append(zs, zmax)
	}
	n := len(zs)
	ncol := nmag - 1

	fill := func(f func(z float64) float64) []float64 {
		out := make([]float64, n)
		for i, z := range zs {
			out[i] = f(z)
		}
		return out
	}

	p := NodeParams{
		NMag:     nmag,
		RefIndex: nmag - 1,
		ZRange:   [2]float64{zmin, zmax},
		Step:     DefaultStep,
		PivotZ:   zs,
		PivotMag: fill(func(z float64) float64 { return mstar0 + mstar1*z }),
		CovZ:     zs,
		MStarZ:   zs,
		MStar:    fill(func(z float64) float64 { return mstar0 + mstar1*z }),
	}
	for j := 0; j < ncol; j++ {
		p.ColorZ = append(p.ColorZ, zs)
		p.Color = append(p.Color, fill(func(z float64) float64 { return c0 + c1*z }))
		p.SlopeZ = append(p.SlopeZ, zs)
		p.Slope = append(p.Slope, make([]float64, n))
		p.Sigma = append(p.Sigma, fill(func(float64) float64 { return sigma }))
	}
	for i := 0; i < ncol*(ncol-1)/2; i++ {
		p.Rho = append(p.Rho, make([]float64, n))
	}
	return p
}

// RedGalaxy returns a galaxy lying exactly on the red sequence of m at z,
// with reference magnitude refmag and the same error in every band.
func RedGalaxy(m *Model, z, refmag, magErr float64) types.Galaxy {
	p := m.ParamsAt(z)
	g := types.Galaxy{
		Mag:       make([]float64, m.NMag),
		MagErr:    make([]float64, m.NMag),
		RefMag:    refmag,
		RefMagErr: magErr,
		Zred:      types.Sentinel,
		ZredErr:   types.Sentinel,
		ZredChisq: types.Sentinel,
	}
	dm := refmag - p.PivotMag
	g.Mag[m.RefIndex] = refmag
	for j := m.RefIndex - 1; j >= 0; j-- {
		g.Mag[j] = g.Mag[j+1] + p.C[j] + p.Slope[j]*dm
	}
	for j := m.RefIndex; j < m.NCol; j++ {
		g.Mag[j+1] = g.Mag[j] - p.C[j] - p.Slope[j]*dm
	}
	for j := range g.MagErr {
		g.MagErr[j] = magErr
	}
	return g
}
