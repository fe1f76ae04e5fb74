package insitu

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go.uber.org/zap/zaptest"
)

func TestRegistryCloseCounts(t *testing.T) {
	path := writeTestFile(t)
	reg := NewRegistry(WithLogger(zaptest.NewLogger(t)))
	ctx := context.Background()

	paths := []string{"/temps", "/series", "/radiation/theta"}
	for _, p := range paths {
		array, err := FromDataset(path, p, WithRegistry(reg))
		require.NoError(t, err)
		_, err = array.Materialize(ctx)
		require.NoError(t, err)
	}

	// Every materialization opened its own handle.
	assert.Equal(t, len(paths), reg.Len())

	closed, err := reg.CloseOpenFiles()
	require.NoError(t, err)
	assert.Equal(t, len(paths), closed)

	closed, err = reg.CloseOpenFiles()
	require.NoError(t, err)
	assert.Equal(t, 0, closed)
	assert.Equal(t, 0, reg.Len())
}

func TestRegistryConcurrentMaterializations(t *testing.T) {
	path := writeTestFile(t)
	reg := NewRegistry()
	ctx := context.Background()

	array, err := FromDataset(path, "/temps", WithRegistry(reg))
	require.NoError(t, err)

	const workers = 8
	var wg sync.WaitGroup
	errs := make([]error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = array.ComputeFloat64(ctx)
		}(i)
	}
	wg.Wait()

	for _, err := range errs {
		require.NoError(t, err)
	}

	// No handle sharing between concurrent reads: one open per call.
	assert.Equal(t, workers, reg.Len())

	closed, err := reg.CloseOpenFiles()
	require.NoError(t, err)
	assert.Equal(t, workers, closed)
}

func TestDefaultRegistry(t *testing.T) {
	path := writeTestFile(t)

	// Drain anything a previous test may have left behind.
	_, err := CloseOpenFiles()
	require.NoError(t, err)

	array, err := FromDataset(path, "/temps")
	require.NoError(t, err)
	assert.Same(t, DefaultRegistry(), array.reg)

	_, err = array.ComputeFloat64(context.Background())
	require.NoError(t, err)

	closed, err := CloseOpenFiles()
	require.NoError(t, err)
	assert.Equal(t, 1, closed)

	closed, err = CloseOpenFiles()
	require.NoError(t, err)
	assert.Equal(t, 0, closed)
}
