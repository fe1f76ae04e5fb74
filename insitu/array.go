package insitu

import (
	"context"
	"fmt"
	"reflect"

	"github.com/robert-malhotra/lazyh5/hdf5"
)

// Array is a lazily evaluated handle on an HDF5 dataset. Binding an Array
// reads only metadata; the file is opened again when the array is
// materialized with Compute, Materialize or one of the typed helpers.
//
// Each materialization opens its own file handle, registers it with the
// array's Registry and leaves it open, so concurrent materializations never
// share a handle. Call Registry.CloseOpenFiles (or the package-level
// CloseOpenFiles) to release them. Because every materialization reopens the
// file, an Array remains usable after its registry has been closed.
type Array struct {
	ref   Ref
	reg   *Registry
	start []uint64 // hyperslab selection, nil = whole dataset
	count []uint64
}

// Ref returns the dataset reference this array was bound to.
func (a *Array) Ref() Ref {
	return a.ref.clone()
}

// Shape returns the dimensions of the array. For a selection created with
// Sel this is the selection's shape, not the full dataset's.
func (a *Array) Shape() []uint64 {
	if a.count != nil {
		return append([]uint64(nil), a.count...)
	}
	return append([]uint64(nil), a.ref.Shape...)
}

// Chunks returns the chunk dimensions of the underlying dataset, or nil if
// it is not chunked.
func (a *Array) Chunks() []uint64 {
	return append([]uint64(nil), a.ref.Chunks...)
}

// Rank returns the number of dimensions.
func (a *Array) Rank() int {
	return len(a.Shape())
}

// NumElements returns the number of elements a materialization will produce.
func (a *Array) NumElements() uint64 {
	n := uint64(1)
	for _, d := range a.Shape() {
		n *= d
	}
	return n
}

// GoType returns the element type of the materialized slice.
func (a *Array) GoType() reflect.Type {
	return a.ref.GoType
}

// Field returns the compound member name the array is bound to, or "".
func (a *Array) Field() string {
	return a.ref.Field
}

// Sel returns a lazy view on a rectangular selection of the array. Only the
// selected region is read from the file when the view is materialized.
// start and count must have one entry per dimension of the array's shape.
// Selections compose: calling Sel on a view selects within the view.
func (a *Array) Sel(start, count []uint64) (*Array, error) {
	shape := a.Shape()
	if len(shape) == 0 {
		return nil, fmt.Errorf("cannot select from scalar dataset %s", a.ref.DatasetPath)
	}
	if len(start) != len(shape) || len(count) != len(shape) {
		return nil, fmt.Errorf("selection rank %d/%d does not match array rank %d",
			len(start), len(count), len(shape))
	}

	absStart := make([]uint64, len(start))
	for i := range start {
		if start[i]+count[i] > shape[i] {
			return nil, fmt.Errorf("selection [%d:%d] exceeds dimension %d of size %d",
				start[i], start[i]+count[i], i, shape[i])
		}
		absStart[i] = start[i]
		if a.start != nil {
			absStart[i] += a.start[i]
		}
	}

	return &Array{
		ref:   a.ref,
		reg:   a.reg,
		start: absStart,
		count: append([]uint64(nil), count...),
	}, nil
}

// Compute materializes the array into dest, which should be a pointer to a
// slice of the appropriate type. The file is opened, registered with the
// array's registry and left open; errors from the open or the read are
// propagated unmodified.
func (a *Array) Compute(ctx context.Context, dest interface{}) error {
	ds, err := a.open(ctx)
	if err != nil {
		return err
	}

	if a.ref.Field != "" {
		v, err := a.readField(ds)
		if err != nil {
			return err
		}
		return assignSlice(dest, v)
	}

	if a.start != nil {
		return ds.ReadSlice(a.start, a.count, dest)
	}
	return ds.Read(dest)
}

// Materialize materializes the array into a freshly allocated slice of the
// bound element type and returns it as an interface value.
func (a *Array) Materialize(ctx context.Context) (interface{}, error) {
	ds, err := a.open(ctx)
	if err != nil {
		return nil, err
	}

	if a.ref.Field != "" {
		v, err := a.readField(ds)
		if err != nil {
			return nil, err
		}
		return v.Interface(), nil
	}

	if a.ref.GoType == nil {
		return nil, fmt.Errorf("element type of %s is unknown", a.ref.DatasetPath)
	}

	slicePtr := reflect.New(reflect.SliceOf(a.ref.GoType))
	if a.start != nil {
		err = ds.ReadSlice(a.start, a.count, slicePtr.Interface())
	} else {
		err = ds.Read(slicePtr.Interface())
	}
	if err != nil {
		return nil, err
	}
	return slicePtr.Elem().Interface(), nil
}

// open performs the deferred open: it opens the file, hands the handle to
// the registry without closing it, and opens the dataset. The handle is
// tracked even if the dataset lookup fails, so CloseOpenFiles still releases
// it.
func (a *Array) open(ctx context.Context) (*hdf5.Dataset, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	f, err := hdf5.Open(a.ref.FilePath)
	if err != nil {
		return nil, err
	}
	a.reg.track(f)

	ds, err := f.OpenDataset(a.ref.DatasetPath)
	if err != nil {
		return nil, err
	}
	return ds, nil
}

// readField reads the compound dataset and extracts the bound member as a
// slice of the member's type.
func (a *Array) readField(ds *hdf5.Dataset) (reflect.Value, error) {
	fields := ds.Fields()
	idx := -1
	for i, name := range fields {
		if name == a.ref.Field {
			idx = i
			break
		}
	}
	if idx < 0 {
		return reflect.Value{}, fmt.Errorf("field %q in dataset %s: %w",
			a.ref.Field, a.ref.DatasetPath, hdf5.ErrNotFound)
	}

	structType, err := ds.GoType()
	if err != nil {
		return reflect.Value{}, err
	}

	slicePtr := reflect.New(reflect.SliceOf(structType))
	if a.start != nil {
		err = ds.ReadSlice(a.start, a.count, slicePtr.Interface())
	} else {
		err = ds.Read(slicePtr.Interface())
	}
	if err != nil {
		return reflect.Value{}, err
	}

	src := slicePtr.Elem()
	fieldType := structType.Field(idx).Type
	out := reflect.MakeSlice(reflect.SliceOf(fieldType), src.Len(), src.Len())
	for i := 0; i < src.Len(); i++ {
		out.Index(i).Set(src.Index(i).Field(idx))
	}
	return out, nil
}

// assignSlice stores the slice value v into dest, which must be a pointer to
// a slice. Elements are converted when the types differ but are convertible.
func assignSlice(dest interface{}, v reflect.Value) error {
	dv := reflect.ValueOf(dest)
	if dv.Kind() != reflect.Ptr || dv.Elem().Kind() != reflect.Slice {
		return fmt.Errorf("dest must be a pointer to a slice, got %T", dest)
	}

	target := dv.Elem()
	if v.Type() == target.Type() {
		target.Set(v)
		return nil
	}

	elemType := target.Type().Elem()
	if !v.Type().Elem().ConvertibleTo(elemType) {
		return fmt.Errorf("cannot convert %s to %s", v.Type(), target.Type())
	}

	out := reflect.MakeSlice(target.Type(), v.Len(), v.Len())
	for i := 0; i < v.Len(); i++ {
		out.Index(i).Set(v.Index(i).Convert(elemType))
	}
	target.Set(out)
	return nil
}

// ComputeFloat64 materializes the array as float64 values.
func (a *Array) ComputeFloat64(ctx context.Context) ([]float64, error) {
	var result []float64
	err := a.Compute(ctx, &result)
	return result, err
}

// ComputeFloat32 materializes the array as float32 values.
func (a *Array) ComputeFloat32(ctx context.Context) ([]float32, error) {
	var result []float32
	err := a.Compute(ctx, &result)
	return result, err
}

// ComputeInt64 materializes the array as int64 values.
func (a *Array) ComputeInt64(ctx context.Context) ([]int64, error) {
	var result []int64
	err := a.Compute(ctx, &result)
	return result, err
}

// ComputeInt32 materializes the array as int32 values.
func (a *Array) ComputeInt32(ctx context.Context) ([]int32, error) {
	var result []int32
	err := a.Compute(ctx, &result)
	return result, err
}

// ComputeString materializes the array as string values.
func (a *Array) ComputeString(ctx context.Context) ([]string, error) {
	var result []string
	err := a.Compute(ctx, &result)
	return result, err
}
