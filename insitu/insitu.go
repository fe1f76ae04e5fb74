// Package insitu exposes HDF5 datasets as lazily evaluated array handles
// that do not keep files open.
//
// Binding a dataset with FromDataset or FromGroup opens the file only long
// enough to read shape, type and chunking metadata. The file is opened again
// when the resulting Array is materialized; every handle opened this way is
// tracked in a Registry and released by CloseOpenFiles. Compute materializes
// several arrays in parallel and closes the opened files afterwards.
//
//	array, err := insitu.FromDataset("path/to/file.h5", "/dataset/path")
//	...
//	data, err := array.ComputeFloat64(ctx)
//	...
//	closed, err := insitu.CloseOpenFiles()
package insitu

import (
	"context"
	"errors"
	"fmt"
	"path"
	"reflect"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/robert-malhotra/lazyh5/hdf5"
)

// Errors surfaced by binding. Open errors from the filesystem are propagated
// unmodified, so errors.Is(err, fs.ErrNotExist) also works.
var (
	ErrNotFound   = hdf5.ErrNotFound
	ErrNotDataset = hdf5.ErrNotDataset
	ErrNotGroup   = hdf5.ErrNotGroup
)

// FromDataset binds the dataset at datasetPath inside the HDF5 file at
// filePath as a lazy Array. The file is opened transiently to read shape,
// element type and chunk layout, and closed again before FromDataset
// returns; no file handle stays open.
//
// Supplying both WithShape and WithGoType skips the metadata read entirely,
// so the bind succeeds even when the file does not exist yet and any error
// surfaces at materialization time instead.
func FromDataset(filePath, datasetPath string, opts ...Option) (*Array, error) {
	options := defaultBindOptions()
	for _, opt := range opts {
		opt(options)
	}

	ref := Ref{
		FilePath:    filePath,
		DatasetPath: datasetPath,
		Field:       options.field,
	}

	if options.shape != nil && options.goType != nil {
		ref.Shape = append([]uint64(nil), options.shape...)
		ref.GoType = options.goType
	} else {
		meta, err := readMetadata(filePath, datasetPath, options.field)
		if err != nil {
			return nil, err
		}
		ref.Shape = meta.shape
		ref.Chunks = meta.chunks
		ref.GoType = meta.goType
	}

	options.registry.log.Debug("bound dataset",
		zap.String("file", filePath),
		zap.String("dataset", datasetPath))

	return &Array{ref: ref, reg: options.registry}, nil
}

// FromGroup binds every immediate child dataset of groupPath via
// FromDataset and returns the handles keyed by dataset name. Child groups
// are skipped. Compound (structured) child datasets are expanded into one
// entry per member, keyed by the member name.
//
// Unlike FromDataset there is no way to defer errors: a missing file,
// a missing group or a groupPath that names a dataset fail immediately.
func FromGroup(filePath, groupPath string, opts ...Option) (map[string]*Array, error) {
	options := defaultBindOptions()
	for _, opt := range opts {
		opt(options)
	}

	f, err := hdf5.Open(filePath)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	g, err := f.OpenGroup(groupPath)
	if err != nil {
		return nil, err
	}

	members, err := g.Members()
	if err != nil {
		return nil, fmt.Errorf("listing group %s: %w", groupPath, err)
	}

	out := make(map[string]*Array, len(members))
	for _, name := range members {
		ds, err := g.OpenDataset(name)
		if errors.Is(err, hdf5.ErrNotDataset) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("opening member %q: %w", name, err)
		}

		ref := Ref{
			FilePath:    filePath,
			DatasetPath: path.Join(groupPath, name),
			Shape:       append([]uint64(nil), ds.Shape()...),
			Chunks:      ds.Chunks(),
		}

		if fields := ds.Fields(); len(fields) > 0 {
			structType, err := ds.GoType()
			if err != nil {
				return nil, fmt.Errorf("member %q: %w", name, err)
			}
			for i, field := range fields {
				fieldRef := ref.clone()
				fieldRef.Field = field
				fieldRef.GoType = structType.Field(i).Type
				out[field] = &Array{ref: fieldRef, reg: options.registry}
			}
			continue
		}

		ref.GoType, err = ds.GoType()
		if err != nil {
			return nil, fmt.Errorf("member %q: %w", name, err)
		}
		out[name] = &Array{ref: ref, reg: options.registry}
	}

	options.registry.log.Debug("bound group",
		zap.String("file", filePath),
		zap.String("group", groupPath),
		zap.Int("datasets", len(out)))

	return out, nil
}

// Compute materializes all given arrays concurrently and closes every file
// that is tracked by their registries before returning, so no handle stays
// open across the call. Results are returned in argument order. Each
// materialization opens its own file handle; no handle is shared between
// the concurrent reads.
func Compute(ctx context.Context, arrays ...*Array) ([]interface{}, error) {
	results := make([]interface{}, len(arrays))

	g, ctx := errgroup.WithContext(ctx)
	for i, a := range arrays {
		i, a := i, a
		g.Go(func() error {
			v, err := a.Materialize(ctx)
			if err != nil {
				return err
			}
			results[i] = v
			return nil
		})
	}
	err := g.Wait()

	seen := make(map[*Registry]bool, len(arrays))
	for _, a := range arrays {
		if seen[a.reg] {
			continue
		}
		seen[a.reg] = true
		_, closeErr := a.reg.CloseOpenFiles()
		err = multierr.Append(err, closeErr)
	}

	if err != nil {
		return nil, err
	}
	return results, nil
}

// dsMeta holds the metadata captured during the transient bind-time open.
type dsMeta struct {
	shape  []uint64
	chunks []uint64
	goType reflect.Type
}

// readMetadata opens the file, reads the dataset's metadata and closes the
// file again before returning.
func readMetadata(filePath, datasetPath, field string) (*dsMeta, error) {
	f, err := hdf5.Open(filePath)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	ds, err := f.OpenDataset(datasetPath)
	if err != nil {
		return nil, err
	}

	meta := &dsMeta{
		shape:  append([]uint64(nil), ds.Shape()...),
		chunks: ds.Chunks(),
	}

	if field != "" {
		idx := -1
		for i, name := range ds.Fields() {
			if name == field {
				idx = i
				break
			}
		}
		if idx < 0 {
			return nil, fmt.Errorf("field %q in dataset %s: %w", field, datasetPath, hdf5.ErrNotFound)
		}
		structType, err := ds.GoType()
		if err != nil {
			return nil, err
		}
		meta.goType = structType.Field(idx).Type
		return meta, nil
	}

	meta.goType, err = ds.GoType()
	if err != nil {
		return nil, err
	}
	return meta, nil
}
