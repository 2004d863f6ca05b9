package catalog

import (
	errorsmod "cosmossdk.io/errors"

	"github.com/jacobic/redmapper/internal/types"
)

// field binds a column to a struct field of T.
type field[T any] struct {
	name     string
	required bool
	float    func(*T) *float64
	vec      func(*T) *[]float64
	vecType  ColumnType
}

type idField[T any] struct {
	name     string
	required bool
	ptr      func(*T) *int64
}

// codec maps rows of a table onto values of T.
type codec[T any] struct {
	ids    []idField[T]
	fields []field[T]
}

func scalar[T any](name string, required bool, f func(*T) *float64) field[T] {
	return field[T]{name: name, required: required, float: f}
}

func vector[T any](name string, required bool, ct ColumnType, f func(*T) *[]float64) field[T] {
	return field[T]{name: name, required: required, vec: f, vecType: ct}
}

func (cd codec[T]) encode(rows []*T, meta map[string]string) *Table {
	t := NewTable(len(rows))
	for k, v := range meta {
		t.Meta[k] = v
	}
	for _, f := range cd.ids {
		col := make([]int64, len(rows))
		for i, r := range rows {
			col[i] = *f.ptr(r)
		}
		t.AddInt64(f.name, col)
	}
	for _, f := range cd.fields {
		if f.vec != nil {
			col := make([][]float64, len(rows))
			for i, r := range rows {
				col[i] = *f.vec(r)
			}
			t.AddVector(f.name, f.vecType, col)
			continue
		}
		col := make([]float64, len(rows))
		for i, r := range rows {
			col[i] = *f.float(r)
		}
		t.AddFloat64(f.name, col)
	}
	return t
}

// decode fills fresh values of T from t. Optional columns absent from the
// table leave the field at init's value.
func (cd codec[T]) decode(t *Table, init func(*T)) ([]*T, error) {
	rows := make([]*T, t.Len())
	for i := range rows {
		rows[i] = new(T)
		if init != nil {
			init(rows[i])
		}
	}
	for _, f := range cd.ids {
		col, err := t.Column(f.name)
		if err != nil {
			if f.required {
				return nil, err
			}
			continue
		}
		if col.Type != TypeInt64 {
			return nil, errorsmod.Wrapf(types.ErrTableFormat, "column %q is not int64", f.name)
		}
		for i, r := range rows {
			*f.ptr(r) = col.Ints[i]
		}
	}
	for _, f := range cd.fields {
		col, err := t.Column(f.name)
		if err != nil {
			if f.required {
				return nil, err
			}
			continue
		}
		switch {
		case f.vec != nil && (col.Type == TypeFloat64Vec || col.Type == TypeFloat32Vec):
			for i, r := range rows {
				*f.vec(r) = col.Vecs[i]
			}
		case f.float != nil && col.Type == TypeFloat64:
			for i, r := range rows {
				*f.float(r) = col.Floats[i]
			}
		default:
			return nil, errorsmod.Wrapf(types.ErrTableFormat, "column %q has type %d", f.name, col.Type)
		}
	}
	return rows, nil
}

var clusterCodec = codec[types.Cluster]{
	ids: []idField[types.Cluster]{
		{name: "mem_match_id", ptr: func(c *types.Cluster) *int64 { return &c.MemMatchID }},
	},
	fields: []field[types.Cluster]{
		scalar("ra", true, func(c *types.Cluster) *float64 { return &c.RA }),
		scalar("dec", true, func(c *types.Cluster) *float64 { return &c.Dec }),
		scalar("z", false, func(c *types.Cluster) *float64 { return &c.Redshift }),
		scalar("refmag", false, func(c *types.Cluster) *float64 { return &c.RefMag }),
		scalar("refmag_err", false, func(c *types.Cluster) *float64 { return &c.RefMagErr }),
		scalar("zred", false, func(c *types.Cluster) *float64 { return &c.Zred }),
		scalar("zred_e", false, func(c *types.Cluster) *float64 { return &c.ZredErr }),
		scalar("lambda", false, func(c *types.Cluster) *float64 { return &c.Lambda }),
		scalar("lambda_e", false, func(c *types.Cluster) *float64 { return &c.LambdaErr }),
		scalar("z_lambda", false, func(c *types.Cluster) *float64 { return &c.ZLambda }),
		scalar("z_lambda_e", false, func(c *types.Cluster) *float64 { return &c.ZLambdaErr }),
		scalar("scaleval", false, func(c *types.Cluster) *float64 { return &c.ScaleVal }),
		scalar("r_lambda", false, func(c *types.Cluster) *float64 { return &c.RLambda }),
		scalar("r_mask", false, func(c *types.Cluster) *float64 { return &c.RMask }),
		scalar("maskfrac", false, func(c *types.Cluster) *float64 { return &c.MaskFrac }),
		scalar("lim_limmag", false, func(c *types.Cluster) *float64 { return &c.LimMag }),
		scalar("mstar", false, func(c *types.Cluster) *float64 { return &c.MStar }),
		scalar("mpc_scale", false, func(c *types.Cluster) *float64 { return &c.MPCScale }),
		scalar("dlambda_dz", false, func(c *types.Cluster) *float64 { return &c.DLambdaDz }),
		scalar("dlambda_dz2", false, func(c *types.Cluster) *float64 { return &c.DLambdaDz2 }),
		scalar("dlambdavar_dz", false, func(c *types.Cluster) *float64 { return &c.DLambdaVarDz }),
		scalar("dlambdavar_dz2", false, func(c *types.Cluster) *float64 { return &c.DLambdaVarDz2 }),
		vector("mag", false, TypeFloat32Vec, func(c *types.Cluster) *[]float64 { return &c.Mag }),
		vector("mag_err", false, TypeFloat32Vec, func(c *types.Cluster) *[]float64 { return &c.MagErr }),
		vector("pzbins", false, TypeFloat64Vec, func(c *types.Cluster) *[]float64 { return &c.PzBins }),
		vector("pz", false, TypeFloat64Vec, func(c *types.Cluster) *[]float64 { return &c.Pz }),
		vector("z_scan", false, TypeFloat64Vec, func(c *types.Cluster) *[]float64 { return &c.ScanZ }),
		vector("lambda_scan", false, TypeFloat64Vec, func(c *types.Cluster) *[]float64 { return &c.ScanLambda }),
	},
}

var memberCodec = codec[types.Member]{
	ids: []idField[types.Member]{
		{name: "mem_match_id", required: true, ptr: func(m *types.Member) *int64 { return &m.MemMatchID }},
		{name: "id", required: true, ptr: func(m *types.Member) *int64 { return &m.ID }},
	},
	fields: []field[types.Member]{
		scalar("z", true, func(m *types.Member) *float64 { return &m.Z }),
		scalar("ra", true, func(m *types.Member) *float64 { return &m.RA }),
		scalar("dec", true, func(m *types.Member) *float64 { return &m.Dec }),
		scalar("r", false, func(m *types.Member) *float64 { return &m.R }),
		scalar("p", true, func(m *types.Member) *float64 { return &m.P }),
		scalar("pfree", false, func(m *types.Member) *float64 { return &m.PFree }),
		scalar("pcol", false, func(m *types.Member) *float64 { return &m.PCol }),
		scalar("theta_i", false, func(m *types.Member) *float64 { return &m.ThetaI }),
		scalar("theta_r", false, func(m *types.Member) *float64 { return &m.ThetaR }),
		scalar("refmag", false, func(m *types.Member) *float64 { return &m.RefMag }),
		scalar("refmag_err", false, func(m *types.Member) *float64 { return &m.RefMagErr }),
		scalar("zred", false, func(m *types.Member) *float64 { return &m.Zred }),
		scalar("zred_e", false, func(m *types.Member) *float64 { return &m.ZredErr }),
		scalar("chisq", false, func(m *types.Member) *float64 { return &m.Chisq }),
		scalar("ebv", false, func(m *types.Member) *float64 { return &m.EBV }),
		vector("mag", false, TypeFloat32Vec, func(m *types.Member) *[]float64 { return &m.Mag }),
		vector("mag_err", false, TypeFloat32Vec, func(m *types.Member) *[]float64 { return &m.MagErr }),
	},
}

var galaxyCodec = codec[types.Galaxy]{
	ids: []idField[types.Galaxy]{
		{name: "id", required: true, ptr: func(g *types.Galaxy) *int64 { return &g.ID }},
	},
	fields: []field[types.Galaxy]{
		scalar("ra", true, func(g *types.Galaxy) *float64 { return &g.RA }),
		scalar("dec", true, func(g *types.Galaxy) *float64 { return &g.Dec }),
		vector("mag", true, TypeFloat32Vec, func(g *types.Galaxy) *[]float64 { return &g.Mag }),
		vector("mag_err", true, TypeFloat32Vec, func(g *types.Galaxy) *[]float64 { return &g.MagErr }),
		scalar("refmag", true, func(g *types.Galaxy) *float64 { return &g.RefMag }),
		scalar("refmag_err", true, func(g *types.Galaxy) *float64 { return &g.RefMagErr }),
		scalar("zred", false, func(g *types.Galaxy) *float64 { return &g.Zred }),
		scalar("zred_e", false, func(g *types.Galaxy) *float64 { return &g.ZredErr }),
		scalar("zred_chisq", false, func(g *types.Galaxy) *float64 { return &g.ZredChisq }),
		scalar("ebv", false, func(g *types.Galaxy) *float64 { return &g.EBV }),
	},
}

// ClusterTable encodes clusters as a table.
func ClusterTable(clusters []*types.Cluster, meta map[string]string) *Table {
	return clusterCodec.encode(clusters, meta)
}

// ClustersFromTable decodes clusters. ra and dec are required; absent
// derived quantities are set to the failure sentinel.
func ClustersFromTable(t *Table) ([]*types.Cluster, error) {
	return clusterCodec.decode(t, func(c *types.Cluster) { c.ResetBad() })
}

// MemberTable encodes members as a table.
func MemberTable(members []types.Member, meta map[string]string) *Table {
	rows := make([]*types.Member, len(members))
	for i := range members {
		rows[i] = &members[i]
	}
	return memberCodec.encode(rows, meta)
}

// MembersFromTable decodes members.
func MembersFromTable(t *Table) ([]types.Member, error) {
	rows, err := memberCodec.decode(t, nil)
	if err != nil {
		return nil, err
	}
	out := make([]types.Member, len(rows))
	for i, r := range rows {
		out[i] = *r
	}
	return out, nil
}

// GalaxyTable encodes galaxies as a table.
func GalaxyTable(gals []types.Galaxy, meta map[string]string) *Table {
	rows := make([]*types.Galaxy, len(gals))
	for i := range gals {
		rows[i] = &gals[i]
	}
	return galaxyCodec.encode(rows, meta)
}

// GalaxiesFromTable decodes galaxies. Galaxies without a zred column get
// the sentinel zred.
func GalaxiesFromTable(t *Table) ([]types.Galaxy, error) {
	rows, err := galaxyCodec.decode(t, func(g *types.Galaxy) {
		g.Zred, g.ZredErr, g.ZredChisq = types.Sentinel, types.Sentinel, types.Sentinel
	})
	if err != nil {
		return nil, err
	}
	out := make([]types.Galaxy, len(rows))
	for i, r := range rows {
		out[i] = *r
	}
	return out, nil
}

// WriteClusters writes clusters to path with the given metadata.
func WriteClusters(path string, clusters []*types.Cluster, meta map[string]string) error {
	return WriteFile(path, ClusterTable(clusters, meta))
}

// ReadClusters reads a cluster catalog and returns it with its metadata.
func ReadClusters(path string) ([]*types.Cluster, map[string]string, error) {
	t, err := ReadFile(path)
	if err != nil {
		return nil, nil, err
	}
	clusters, err := ClustersFromTable(t)
	if err != nil {
		return nil, nil, errorsmod.Wrapf(err, "read %s", path)
	}
	return clusters, t.Meta, nil
}

// WriteMembers writes a member catalog to path.
func WriteMembers(path string, members []types.Member, meta map[string]string) error {
	return WriteFile(path, MemberTable(members, meta))
}

// ReadMembers reads a member catalog.
func ReadMembers(path string) ([]types.Member, error) {
	t, err := ReadFile(path)
	if err != nil {
		return nil, err
	}
	members, err := MembersFromTable(t)
	if err != nil {
		return nil, errorsmod.Wrapf(err, "read %s", path)
	}
	return members, nil
}

// WriteGalaxies writes a galaxy catalog to path.
func WriteGalaxies(path string, gals []types.Galaxy, meta map[string]string) error {
	return WriteFile(path, GalaxyTable(gals, meta))
}

// ReadGalaxies reads a galaxy catalog. An empty catalog is ErrNoGalaxies.
func ReadGalaxies(path string) ([]types.Galaxy, error) {
	t, err := ReadFile(path)
	if err != nil {
		return nil, err
	}
	gals, err := GalaxiesFromTable(t)
	if err != nil {
		return nil, errorsmod.Wrapf(err, "read %s", path)
	}
	if len(gals) == 0 {
		return nil, errorsmod.Wrapf(types.ErrNoGalaxies, "%s", path)
	}
	return gals, nil
}
