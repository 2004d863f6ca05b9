package types

// Sentinel marks a quantity that could not be computed for a cluster.
const Sentinel = -1.0

// Galaxy is one row of the input galaxy catalog. Galaxies are read-only for
// the duration of a pass.
type Galaxy struct {
	ID        int64     `json:"id"`
	RA        float64   `json:"ra"`  // degrees
	Dec       float64   `json:"dec"` // degrees
	Mag       []float64 `json:"mag"`
	MagErr    []float64 `json:"mag_err"`
	RefMag    float64   `json:"refmag"`
	RefMagErr float64   `json:"refmag_err"`
	Zred      float64   `json:"zred"`
	ZredErr   float64   `json:"zred_e"`
	ZredChisq float64   `json:"zred_chisq"`
	EBV       float64   `json:"ebv"`
}

// NColor is the number of adjacent-band colours of the galaxy.
func (g *Galaxy) NColor() int {
	if len(g.Mag) < 2 {
		return 0
	}
	return len(g.Mag) - 1
}

// Colors returns the adjacent-band colours mag[j] - mag[j+1].
func (g *Galaxy) Colors() []float64 {
	n := g.NColor()
	c := make([]float64, n)
	for j := 0; j < n; j++ {
		c[j] = g.Mag[j] - g.Mag[j+1]
	}
	return c
}

// HasZred reports whether a precomputed red-sequence redshift is available.
func (g *Galaxy) HasZred() bool {
	return g.Zred > 0
}

// Neighbor is a galaxy near a cluster center together with the quantities
// derived for that cluster. Neighbors are owned by their cluster and are
// mutated in place across richness and redshift iterations.
type Neighbor struct {
	Index  int     `json:"index"` // position in the tile galaxy catalog
	Galaxy *Galaxy `json:"-"`

	Dist   float64 `json:"dist"` // degrees
	R      float64 `json:"r"`    // Mpc
	Chisq  float64 `json:"chisq"`
	LnLike float64 `json:"lnlike"`
	P      float64 `json:"p"`
	PFree  float64 `json:"pfree"`
	PCol   float64 `json:"pcol"`
	ThetaI float64 `json:"theta_i"`
	ThetaR float64 `json:"theta_r"`
}

// Cluster is a candidate cluster center and everything computed for it.
type Cluster struct {
	MemMatchID int64     `json:"mem_match_id"`
	RA         float64   `json:"ra"`
	Dec        float64   `json:"dec"`
	RefMag     float64   `json:"refmag"`
	RefMagErr  float64   `json:"refmag_err"`
	Mag        []float64 `json:"mag"`
	MagErr     []float64 `json:"mag_err"`
	Zred       float64   `json:"zred"`
	ZredErr    float64   `json:"zred_e"`

	Redshift   float64 `json:"z"` // trial / working redshift
	Lambda     float64 `json:"lambda"`
	LambdaErr  float64 `json:"lambda_e"`
	ZLambda    float64 `json:"z_lambda"`
	ZLambdaErr float64 `json:"z_lambda_e"`
	ScaleVal   float64 `json:"scaleval"`
	RLambda    float64 `json:"r_lambda"`
	RMask      float64 `json:"r_mask"`
	MaskFrac   float64 `json:"maskfrac"`
	LimMag     float64 `json:"lim_limmag"`
	MStar      float64 `json:"mstar"`
	MPCScale   float64 `json:"mpc_scale"` // Mpc per degree at Redshift

	DLambdaDz     float64 `json:"dlambda_dz"`
	DLambdaDz2    float64 `json:"dlambda_dz2"`
	DLambdaVarDz  float64 `json:"dlambdavar_dz"`
	DLambdaVarDz2 float64 `json:"dlambdavar_dz2"`

	PzBins []float64 `json:"pzbins,omitempty"`
	Pz     []float64 `json:"pz,omitempty"`

	ScanZ      []float64 `json:"z_scan,omitempty"`
	ScanLambda []float64 `json:"lambda_scan,omitempty"`

	Neighbors []Neighbor `json:"-"`
}

// ResetBad sets every derived quantity to the failure sentinel.
func (c *Cluster) ResetBad() {
	c.Lambda = Sentinel
	c.LambdaErr = Sentinel
	c.ScaleVal = Sentinel
	c.ZLambda = Sentinel
	c.ZLambdaErr = Sentinel
}

// Failed reports whether the cluster carries the failure sentinel.
func (c *Cluster) Failed() bool {
	return c.Lambda < 0
}

// Copy returns a deep copy of the cluster including its neighbors.
func (c *Cluster) Copy() *Cluster {
	out := *c
	out.Neighbors = make([]Neighbor, len(c.Neighbors))
	copy(out.Neighbors, c.Neighbors)
	out.Mag = append([]float64(nil), c.Mag...)
	out.MagErr = append([]float64(nil), c.MagErr...)
	out.PzBins = append([]float64(nil), c.PzBins...)
	out.Pz = append([]float64(nil), c.Pz...)
	out.ScanZ = append([]float64(nil), c.ScanZ...)
	out.ScanLambda = append([]float64(nil), c.ScanLambda...)
	return &out
}

// Member is one row of the output member catalog.
type Member struct {
	MemMatchID int64     `json:"mem_match_id"`
	ID         int64     `json:"id"`
	Z          float64   `json:"z"`
	RA         float64   `json:"ra"`
	Dec        float64   `json:"dec"`
	R          float64   `json:"r"`
	P          float64   `json:"p"`
	PFree      float64   `json:"pfree"`
	PCol       float64   `json:"pcol"`
	ThetaI     float64   `json:"theta_i"`
	ThetaR     float64   `json:"theta_r"`
	RefMag     float64   `json:"refmag"`
	RefMagErr  float64   `json:"refmag_err"`
	Zred       float64   `json:"zred"`
	ZredErr    float64   `json:"zred_e"`
	Chisq      float64   `json:"chisq"`
	EBV        float64   `json:"ebv"`
	Mag        []float64 `json:"mag"`
	MagErr     []float64 `json:"mag_err"`
}
