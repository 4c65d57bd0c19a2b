package stub

import (
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"
)

// MaxDTypes is the number of dtypes a DTypeDispatcher can hold.
const MaxDTypes = 32

// DTypeDispatcher holds one function of type F per dtype.
type DTypeDispatcher[F any] struct {
	Name  string
	fnMap [MaxDTypes]F
	set   [MaxDTypes]bool
}

// NewDTypeDispatcher creates a new dispatcher for a class of functions.
func NewDTypeDispatcher[F any](name string) *DTypeDispatcher[F] {
	return &DTypeDispatcher[F]{
		Name: name,
	}
}

// Get returns the function that matches the dtype. It panics if there is none.
func (d *DTypeDispatcher[F]) Get(dtype dtypes.DType) F {
	if dtype >= MaxDTypes || !d.set[dtype] {
		exceptions.Panicf("dtype %s not supported by %s", dtype, d.Name)
	}
	return d.fnMap[dtype]
}

// Supports returns whether a function was registered for the dtype.
func (d *DTypeDispatcher[F]) Supports(dtype dtypes.DType) bool {
	return dtype < MaxDTypes && d.set[dtype]
}

// Register a function to handle a specific dtype.
// This overwrites any previous setting for the same dtype.
func (d *DTypeDispatcher[F]) Register(dtype dtypes.DType, fn F) {
	if dtype >= MaxDTypes {
		exceptions.Panicf("dtype %s not supported by %s", dtype, d.Name)
	}
	d.fnMap[dtype] = fn
	d.set[dtype] = true
}

// RegisterIfNotSet a function to handle a specific dtype.
func (d *DTypeDispatcher[F]) RegisterIfNotSet(dtype dtypes.DType, fn F) {
	if dtype >= MaxDTypes {
		exceptions.Panicf("dtype %s not supported by %s", dtype, d.Name)
	}
	if d.set[dtype] {
		return
	}
	d.fnMap[dtype] = fn
	d.set[dtype] = true
}
