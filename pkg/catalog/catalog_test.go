package catalog

import (
	"bytes"
	"math"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jacobic/redmapper/internal/binio"
	"github.com/jacobic/redmapper/internal/types"
)

func sampleClusters() []*types.Cluster {
	return []*types.Cluster{
		{
			MemMatchID: 1,
			RA:         150.123456789012,
			Dec:        -2.000000000001,
			RefMag:     19.25,
			RefMagErr:  0.015625,
			Mag:        []float64{21.5, 20.25, 19.25},
			MagErr:     []float64{0.0625, 0.03125, 0.015625},
			Zred:       0.301,
			ZredErr:    0.011,
			Redshift:   0.3 + 1e-15,
			Lambda:     63.123456789,
			LambdaErr:  4.2,
			ZLambda:    0.29987654321,
			ZLambdaErr: 0.0031,
			ScaleVal:   1.07,
			RLambda:    0.9112,
			RMask:      1.41,
			MaskFrac:   0.05,
			LimMag:     22.1,
			MStar:      20,
			MPCScale:   11.2248,
			DLambdaDz:  math.Pi,
			PzBins:     []float64{0.29, 0.295, 0.3, 0.305, 0.31},
			Pz:         []float64{1, 20, 60, 20, 1},
		},
		{
			MemMatchID: 2,
			RA:         359.999,
			Dec:        89.9,
			Lambda:     types.Sentinel,
			LambdaErr:  types.Sentinel,
			ZLambda:    types.Sentinel,
			ZLambdaErr: types.Sentinel,
			ScaleVal:   types.Sentinel,
		},
	}
}

func TestClusterRoundTripBitExact(t *testing.T) {
	path := filepath.Join(t.TempDir(), "clusters.rmt")
	in := sampleClusters()
	meta := map[string]string{"run_id": "abc", "mode": "fullrun"}
	require.NoError(t, WriteClusters(path, in, meta))

	out, gotMeta, err := ReadClusters(path)
	require.NoError(t, err)
	assert.Equal(t, meta, gotMeta)
	require.Len(t, out, len(in))
	for i := range in {
		assert.Equal(t, *in[i], *out[i])
		assert.Equal(t, math.Float64bits(in[i].RA), math.Float64bits(out[i].RA))
		assert.Equal(t, math.Float64bits(in[i].Redshift), math.Float64bits(out[i].Redshift))
	}
	assert.Nil(t, out[1].Pz)
}

func TestReadTableColumnSubset(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteTable(&buf, ClusterTable(sampleClusters(), nil)))
	data := buf.Bytes()

	sub, err := ReadTable(bytes.NewReader(data), "lambda", "pz")
	require.NoError(t, err)
	require.Len(t, sub.Columns, 2)
	lam, err := sub.Column("lambda")
	require.NoError(t, err)
	assert.Equal(t, []float64{63.123456789, types.Sentinel}, lam.Floats)
	assert.False(t, sub.Has("ra"))

	_, err = ReadTable(bytes.NewReader(data), "ra", "bogus")
	assert.ErrorIs(t, err, types.ErrMissingColumn)

	_, err = ClustersFromTable(sub)
	assert.ErrorIs(t, err, types.ErrMissingColumn)
}

func TestReadTableRejectsGarbage(t *testing.T) {
	_, err := ReadTable(bytes.NewReader([]byte("not a table at all")))
	assert.ErrorIs(t, err, types.ErrTableFormat)

	var buf bytes.Buffer
	require.NoError(t, WriteTable(&buf, ClusterTable(sampleClusters(), nil)))
	truncated := buf.Bytes()[:buf.Len()-3]
	_, err = ReadTable(bytes.NewReader(truncated))
	assert.ErrorIs(t, err, types.ErrTableFormat)
}

func corruptHeader(t *testing.T, ct ColumnType, width uint32) []byte {
	t.Helper()
	var buf bytes.Buffer
	w := binio.NewWriter(&buf)
	w.Magic(tableMagic)
	w.Int64(1)
	w.Uint32(1)
	w.Text("mag")
	w.Uint32(uint32(ct))
	w.Uint32(width)
	w.Uint32(0)
	require.NoError(t, w.Err())
	return buf.Bytes()
}

func TestReadTableRejectsBadWidth(t *testing.T) {
	_, err := ReadTable(bytes.NewReader(corruptHeader(t, TypeFloat64Vec, 1<<31)))
	assert.ErrorIs(t, err, types.ErrTableFormat)

	_, err = ReadTable(bytes.NewReader(corruptHeader(t, TypeFloat32Vec, maxVectorWidth+1)))
	assert.ErrorIs(t, err, types.ErrTableFormat)

	_, err = ReadTable(bytes.NewReader(corruptHeader(t, TypeFloat64, 2)))
	assert.ErrorIs(t, err, types.ErrTableFormat)

	// a sane header fails only on the missing row
	_, err = ReadTable(bytes.NewReader(corruptHeader(t, TypeFloat64Vec, 3)))
	assert.ErrorIs(t, err, types.ErrTableFormat)

	tbl := NewTable(1)
	tbl.AddVector("mag", TypeFloat64Vec, [][]float64{make([]float64, maxVectorWidth+1)})
	assert.ErrorIs(t, WriteTable(&bytes.Buffer{}, tbl), types.ErrTableFormat)
}

func TestWriteTableRejectsRaggedColumns(t *testing.T) {
	tbl := NewTable(2)
	tbl.AddFloat64("ra", []float64{1})
	assert.ErrorIs(t, WriteTable(&bytes.Buffer{}, tbl), types.ErrTableFormat)
}

func TestMemberRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "members.rmt")
	in := []types.Member{
		{MemMatchID: 1, ID: 10, Z: 0.3, RA: 150.01, Dec: 2.001, R: 0.12, P: 0.97, PFree: 1, PCol: 0.95,
			ThetaI: 1, ThetaR: 1, RefMag: 19.5, RefMagErr: 0.02, Zred: 0.31, ZredErr: 0.01, Chisq: 1.3,
			Mag: []float64{21.75, 20.5, 19.5}, MagErr: []float64{0.0625, 0.03125, 0.015625}},
		{MemMatchID: 1, ID: 11, Z: 0.3, RA: 150.02, Dec: 2.002, P: 0.5, Mag: []float64{22, 21, 20}, MagErr: []float64{0.5, 0.25, 0.125}},
	}
	require.NoError(t, WriteMembers(path, in, nil))
	out, err := ReadMembers(path)
	require.NoError(t, err)
	assert.Equal(t, in, out)
}

func TestGalaxies(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gals.rmt")
	in := []types.Galaxy{
		{ID: 1, RA: 10, Dec: 20, Mag: []float64{21, 20, 19}, MagErr: []float64{0.5, 0.25, 0.125}, RefMag: 19, RefMagErr: 0.125,
			Zred: types.Sentinel, ZredErr: types.Sentinel, ZredChisq: types.Sentinel},
	}
	require.NoError(t, WriteGalaxies(path, in, nil))
	out, err := ReadGalaxies(path)
	require.NoError(t, err)
	assert.Equal(t, in, out)

	// a table without photometry cannot be used
	tbl := NewTable(1)
	tbl.AddInt64("id", []int64{1})
	tbl.AddFloat64("ra", []float64{1})
	tbl.AddFloat64("dec", []float64{1})
	_, err = GalaxiesFromTable(tbl)
	assert.ErrorIs(t, err, types.ErrMissingColumn)

	require.NoError(t, WriteGalaxies(path, nil, nil))
	_, err = ReadGalaxies(path)
	assert.ErrorIs(t, err, types.ErrNoGalaxies)
}
