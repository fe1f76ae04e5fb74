package insitu

import (
	"sync"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/robert-malhotra/lazyh5/hdf5"
)

// Registry tracks the files opened by deferred reads so they can be released
// in one call. Every materialization of an Array registers the file handle it
// opened here and leaves it open; CloseOpenFiles releases them all.
//
// A Registry is safe for concurrent use. Materializations running on
// different goroutines may register handles simultaneously.
type Registry struct {
	mu   sync.Mutex
	open []*hdf5.File
	log  *zap.Logger
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithLogger sets the logger used for open/close events. The default is a
// no-op logger.
func WithLogger(log *zap.Logger) RegistryOption {
	return func(r *Registry) {
		if log != nil {
			r.log = log
		}
	}
}

// NewRegistry creates an empty registry.
func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{log: zap.NewNop()}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// defaultRegistry backs the package-level functions, preserving the
// ergonomics of a single process-wide open-file set.
var defaultRegistry = NewRegistry()

// DefaultRegistry returns the registry used by FromDataset and FromGroup
// when no WithRegistry option is given.
func DefaultRegistry() *Registry {
	return defaultRegistry
}

// track registers an open file. The registry takes over responsibility for
// closing it.
func (r *Registry) track(f *hdf5.File) {
	r.mu.Lock()
	r.open = append(r.open, f)
	n := len(r.open)
	r.mu.Unlock()

	r.log.Debug("tracking open file",
		zap.String("path", f.Path()),
		zap.Int("open", n))
}

// Len returns the number of tracked open files.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.open)
}

// CloseOpenFiles closes every tracked file and clears the registry. It
// returns the number of files closed; a second immediate call returns zero.
// Close errors are aggregated and returned after all files have been
// attempted.
func (r *Registry) CloseOpenFiles() (int, error) {
	r.mu.Lock()
	open := r.open
	r.open = nil
	r.mu.Unlock()

	var err error
	for _, f := range open {
		err = multierr.Append(err, f.Close())
	}

	if len(open) > 0 {
		r.log.Debug("closed open files", zap.Int("count", len(open)))
	}
	return len(open), err
}

// CloseOpenFiles closes every file tracked by the default registry.
func CloseOpenFiles() (int, error) {
	return defaultRegistry.CloseOpenFiles()
}
