package insitu

import "reflect"

// Ref identifies a dataset, or one field of a compound dataset, inside an
// HDF5 file together with the metadata needed to describe it without keeping
// the file open. It is built once at bind time and never modified.
type Ref struct {
	// FilePath is the filesystem path of the HDF5 file.
	FilePath string

	// DatasetPath is the path of the dataset within the file.
	DatasetPath string

	// Field is the compound member name for structured datasets, empty for
	// plain datasets.
	Field string

	// Shape holds the dataset dimensions. Empty for scalar datasets.
	Shape []uint64

	// Chunks holds the chunk dimensions for chunked datasets, nil otherwise.
	Chunks []uint64

	// GoType is the element type of the materialized slice.
	GoType reflect.Type
}

// clone returns a copy of the Ref with its slices detached, so callers
// holding the copy cannot alias the bound metadata.
func (r Ref) clone() Ref {
	out := r
	out.Shape = append([]uint64(nil), r.Shape...)
	out.Chunks = append([]uint64(nil), r.Chunks...)
	return out
}

// NumElements returns the total number of elements described by the shape.
// Scalar refs report one element.
func (r Ref) NumElements() uint64 {
	n := uint64(1)
	for _, d := range r.Shape {
		n *= d
	}
	return n
}
