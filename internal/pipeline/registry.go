package pipeline

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/couchcryptid/flood-mesh-etl/internal/domain"
)

var (
	// ErrDuplicateDataset is returned when a name is registered twice.
	ErrDuplicateDataset = errors.New("dataset already registered")
	// ErrUnknownDataset is returned for a name nobody registered.
	ErrUnknownDataset = errors.New("unknown dataset")
)

// Loader builds a dataset bundle and reports whether it has done so.
type Loader interface {
	Load(ctx context.Context) (*domain.Bundle, error)
	CheckReadiness(ctx context.Context) error
}

// Constructor creates a Loader from build options.
type Constructor func(Options) (Loader, error)

// Registry maps dataset names to constructors. It is populated explicitly at
// startup and owned by whoever creates it.
type Registry struct {
	mu    sync.RWMutex
	ctors map[string]Constructor
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{ctors: make(map[string]Constructor)}
}

// Register adds a constructor under name.
func (r *Registry) Register(name string, ctor Constructor) error {
	if name == "" || ctor == nil {
		return errors.New("register dataset: name and constructor are required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.ctors[name]; ok {
		return fmt.Errorf("%w: %q", ErrDuplicateDataset, name)
	}
	r.ctors[name] = ctor
	return nil
}

// New constructs the dataset registered under name.
func (r *Registry) New(name string, opts Options) (Loader, error) {
	r.mu.RLock()
	ctor, ok := r.ctors[name]
	r.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%w: %q (registered: %v)", ErrUnknownDataset, name, r.Names())
	}
	return ctor(opts)
}

// Names returns the registered dataset names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.ctors))
	for name := range r.ctors {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// RegisterDefaults registers the datasets this module ships.
func RegisterDefaults(r *Registry) error {
	return r.Register(DatasetName, func(opts Options) (Loader, error) {
		h, err := NewHydroGraph(opts)
		if err != nil {
			return nil, err
		}
		return h, nil
	})
}
