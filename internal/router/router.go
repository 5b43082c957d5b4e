// Package router maps keys onto the fixed (core, slice) grid chosen at
// startup.
package router

import (
	"errors"
	"fmt"

	"github.com/cespare/xxhash/v2"
)

var ErrInvalidGrid = errors.New("cores and slices per core must be positive")

// Location identifies the slice that owns a key.
type Location struct {
	Core  int
	Slice int
}

type Router struct {
	cores         int
	slicesPerCore int
	total         uint64
}

func New(cores, slicesPerCore int) (*Router, error) {
	if cores <= 0 || slicesPerCore <= 0 {
		return nil, fmt.Errorf("%w: cores=%d slices=%d", ErrInvalidGrid, cores, slicesPerCore)
	}
	return &Router{
		cores:         cores,
		slicesPerCore: slicesPerCore,
		total:         uint64(cores) * uint64(slicesPerCore),
	}, nil
}

func (r *Router) Cores() int         { return r.cores }
func (r *Router) SlicesPerCore() int { return r.slicesPerCore }

// Route is a pure function of key and the grid.
func (r *Router) Route(key string) Location {
	slot := int(xxhash.Sum64String(key) % r.total)
	return Location{
		Core:  slot / r.slicesPerCore,
		Slice: slot % r.slicesPerCore,
	}
}
