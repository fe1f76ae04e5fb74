package insitu

import (
	"context"
	"io/fs"
	"path/filepath"
	"reflect"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/robert-malhotra/lazyh5/hdf5"
)

// sample mirrors the compound dataset written into the fixture file.
type sample struct {
	Real float64
	Imag float64
}

var (
	tempsData     = []float64{1.5, 2.5, 3.5, 4.5}
	thetaData     = []float64{0, 30, 60, 90}
	frequencyData = []int32{100, 200, 300}
	sampleData    = []sample{{1, -1}, {2, -2}, {3, -3}}
)

// writeTestFile creates an HDF5 file holding the datasets the tests bind to:
//
//	/temps                float64[4]
//	/images               float64[10][10], value = row*10+col
//	/series               int32[100], chunked by 10
//	/radiation/theta      float64[4]
//	/radiation/frequency  int32[3]
//	/radiation/data       compound{Real, Imag float64}[3]
//	/radiation/nested     (empty child group)
func writeTestFile(t *testing.T) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "test.h5")
	f, err := hdf5.Create(path)
	require.NoError(t, err)

	_, err = f.Root().CreateDataset("temps", tempsData)
	require.NoError(t, err)

	images := make([][]float64, 10)
	for i := range images {
		images[i] = make([]float64, 10)
		for j := range images[i] {
			images[i][j] = float64(i*10 + j)
		}
	}
	_, err = f.Root().CreateDataset("images", images)
	require.NoError(t, err)

	series := make([]int32, 100)
	for i := range series {
		series[i] = int32(i)
	}
	_, err = f.Root().CreateDataset("series", series, hdf5.WithChunks(10))
	require.NoError(t, err)

	g, err := f.Root().CreateGroup("radiation")
	require.NoError(t, err)
	_, err = g.CreateDataset("theta", thetaData)
	require.NoError(t, err)
	_, err = g.CreateDataset("frequency", frequencyData)
	require.NoError(t, err)
	_, err = g.CreateDataset("data", sampleData)
	require.NoError(t, err)
	_, err = g.CreateGroup("nested")
	require.NoError(t, err)

	require.NoError(t, f.Close())
	return path
}

func TestFromDataset(t *testing.T) {
	path := writeTestFile(t)
	reg := NewRegistry()

	array, err := FromDataset(path, "/temps", WithRegistry(reg))
	require.NoError(t, err)

	assert.Equal(t, []uint64{4}, array.Shape())
	assert.Equal(t, 1, array.Rank())
	assert.Equal(t, uint64(4), array.NumElements())
	assert.Equal(t, reflect.TypeOf(float64(0)), array.GoType())

	// Binding must not leave a file open.
	assert.Equal(t, 0, reg.Len())
}

func TestComputeMatchesDirectRead(t *testing.T) {
	path := writeTestFile(t)
	reg := NewRegistry()

	array, err := FromDataset(path, "/temps", WithRegistry(reg))
	require.NoError(t, err)

	got, err := array.ComputeFloat64(context.Background())
	require.NoError(t, err)

	f, err := hdf5.Open(path)
	require.NoError(t, err)
	defer f.Close()
	ds, err := f.OpenDataset("/temps")
	require.NoError(t, err)
	want, err := ds.ReadFloat64()
	require.NoError(t, err)

	assert.Equal(t, want, got)

	// The materialization left its own handle open.
	assert.Equal(t, 1, reg.Len())
	closed, err := reg.CloseOpenFiles()
	require.NoError(t, err)
	assert.Equal(t, 1, closed)

	closed, err = reg.CloseOpenFiles()
	require.NoError(t, err)
	assert.Equal(t, 0, closed)
}

func TestComputeMatrixMatchesDirectRead(t *testing.T) {
	path := writeTestFile(t)
	reg := NewRegistry()

	array, err := FromDataset(path, "/images", WithRegistry(reg))
	require.NoError(t, err)
	assert.Equal(t, []uint64{10, 10}, array.Shape())

	got, err := array.ComputeFloat64(context.Background())
	require.NoError(t, err)
	require.Len(t, got, 100)

	f, err := hdf5.Open(path)
	require.NoError(t, err)
	defer f.Close()
	ds, err := f.OpenDataset("/images")
	require.NoError(t, err)
	want, err := ds.ReadFloat64()
	require.NoError(t, err)
	assert.Equal(t, want, got)

	closed, err := reg.CloseOpenFiles()
	require.NoError(t, err)
	assert.Equal(t, 1, closed)
}

func TestFromDatasetNotFound(t *testing.T) {
	path := writeTestFile(t)

	_, err := FromDataset(path, "/does-not-exist")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestFromDatasetOnGroup(t *testing.T) {
	path := writeTestFile(t)

	_, err := FromDataset(path, "/radiation")
	assert.ErrorIs(t, err, ErrNotDataset)
}

func TestFromDatasetMissingFile(t *testing.T) {
	_, err := FromDataset(filepath.Join(t.TempDir(), "none.h5"), "/temps")
	assert.ErrorIs(t, err, fs.ErrNotExist)
}

func TestFromDatasetDeferredMetadata(t *testing.T) {
	// With explicit shape and type the bind never touches the file, so
	// binding against a missing file succeeds and the error surfaces at
	// materialization time.
	missing := filepath.Join(t.TempDir(), "none.h5")
	reg := NewRegistry()

	array, err := FromDataset(missing, "/temps",
		WithShape(4),
		WithGoType(reflect.TypeOf(float64(0))),
		WithRegistry(reg))
	require.NoError(t, err)
	assert.Equal(t, []uint64{4}, array.Shape())

	_, err = array.ComputeFloat64(context.Background())
	assert.ErrorIs(t, err, fs.ErrNotExist)
	assert.Equal(t, 0, reg.Len())
}

func TestFromDatasetWithField(t *testing.T) {
	path := writeTestFile(t)
	reg := NewRegistry()

	array, err := FromDataset(path, "/radiation/data", WithField("Imag"), WithRegistry(reg))
	require.NoError(t, err)
	assert.Equal(t, "Imag", array.Field())
	assert.Equal(t, reflect.TypeOf(float64(0)), array.GoType())
	assert.Equal(t, 0, reg.Len())

	got, err := array.ComputeFloat64(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []float64{-1, -2, -3}, got)
}

func TestFromDatasetWithUnknownField(t *testing.T) {
	path := writeTestFile(t)

	_, err := FromDataset(path, "/radiation/data", WithField("Phase"))
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestFromGroup(t *testing.T) {
	path := writeTestFile(t)
	reg := NewRegistry()

	group, err := FromGroup(path, "/radiation", WithRegistry(reg))
	require.NoError(t, err)

	// theta, frequency, and the compound dataset expanded into Real and
	// Imag. The nested child group is skipped.
	assert.Len(t, group, 4)
	require.Contains(t, group, "theta")
	require.Contains(t, group, "frequency")
	require.Contains(t, group, "Real")
	require.Contains(t, group, "Imag")

	// Binding a whole group leaves nothing open either.
	assert.Equal(t, 0, reg.Len())

	ctx := context.Background()

	theta, err := group["theta"].ComputeFloat64(ctx)
	require.NoError(t, err)
	assert.Equal(t, thetaData, theta)

	freq, err := group["frequency"].ComputeInt32(ctx)
	require.NoError(t, err)
	assert.Equal(t, frequencyData, freq)

	realVals, err := group["Real"].ComputeFloat64(ctx)
	require.NoError(t, err)
	assert.Equal(t, []float64{1, 2, 3}, realVals)

	imagVals, err := group["Imag"].ComputeFloat64(ctx)
	require.NoError(t, err)
	assert.Equal(t, []float64{-1, -2, -3}, imagVals)
}

func TestFromGroupNotFound(t *testing.T) {
	path := writeTestFile(t)

	_, err := FromGroup(path, "/does-not-exist")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestFromGroupOnDataset(t *testing.T) {
	path := writeTestFile(t)

	_, err := FromGroup(path, "/temps")
	assert.ErrorIs(t, err, ErrNotGroup)
}

func TestFromGroupMissingFile(t *testing.T) {
	_, err := FromGroup(filepath.Join(t.TempDir(), "none.h5"), "/radiation")
	assert.ErrorIs(t, err, fs.ErrNotExist)
}

func TestComputeClosesOpenFiles(t *testing.T) {
	path := writeTestFile(t)
	reg := NewRegistry()

	temps, err := FromDataset(path, "/temps", WithRegistry(reg))
	require.NoError(t, err)
	theta, err := FromDataset(path, "/radiation/theta", WithRegistry(reg))
	require.NoError(t, err)
	imag, err := FromDataset(path, "/radiation/data", WithField("Imag"), WithRegistry(reg))
	require.NoError(t, err)

	results, err := Compute(context.Background(), temps, theta, imag)
	require.NoError(t, err)
	require.Len(t, results, 3)

	assert.Equal(t, tempsData, results[0])
	assert.Equal(t, thetaData, results[1])
	assert.Equal(t, []float64{-1, -2, -3}, results[2])

	// Compute closes everything it opened.
	assert.Equal(t, 0, reg.Len())
}

func TestComputeError(t *testing.T) {
	missing := filepath.Join(t.TempDir(), "none.h5")
	reg := NewRegistry()

	array, err := FromDataset(missing, "/temps",
		WithShape(4),
		WithGoType(reflect.TypeOf(float64(0))),
		WithRegistry(reg))
	require.NoError(t, err)

	_, err = Compute(context.Background(), array)
	assert.ErrorIs(t, err, fs.ErrNotExist)
	assert.Equal(t, 0, reg.Len())
}

func TestComputeCanceledContext(t *testing.T) {
	path := writeTestFile(t)
	reg := NewRegistry()

	array, err := FromDataset(path, "/temps", WithRegistry(reg))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err = Compute(ctx, array)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, reg.Len())
}
