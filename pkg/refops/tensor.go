// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package refops is a small reference library of tensor operators ("ref::abs", "ref::add", ...)
// registered to a dispatch.Dispatcher. It exercises the dispatcher the way a real tensor library
// would: CPU kernels selected per device and dtype, shape-only Meta kernels, composite operators,
// an autograd layer that records calls on a Tape, and an in-place operator with an ADInplaceOrView
// kernel.
package refops

import (
	"fmt"
	"slices"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/opdispatch/pkg/dispatch/keys"
	"github.com/pkg/errors"
	"github.com/x448/float16"
)

// Element is the set of Go types a Tensor can hold.
type Element interface {
	int32 | int64 | float32 | float64 | float16.Float16
}

// Tensor is a dense tensor in row-major order. Data holds a []T for the Go type T of DType, and is nil
// for Meta tensors.
type Tensor struct {
	DType dtypes.DType
	Shape []int
	Data  any

	// Keys are the dispatch keys of the tensor, see KeysFor.
	Keys keys.Set

	// Version is incremented by in-place operators.
	Version int
}

// DispatchKeySet implements keys.Carrier.
func (t *Tensor) DispatchKeySet() keys.Set {
	return t.Keys
}

// KeysFor returns the dispatch keys of a tensor on the backend. Tensors that require gradients also
// carry the autograd key of the backend and ADInplaceOrView.
func KeysFor(backend keys.Backend, requiresGrad bool) keys.Set {
	ks := keys.NewSet(keys.PerBackendKey(keys.Dense, backend))
	if requiresGrad {
		ks = ks.Add(keys.ADInplaceOrView).Add(keys.AutogradKeyFromBackend(backend))
	}
	return ks
}

// FromValues creates a CPU tensor with the given values and shape. If no shape is given, it's a
// vector. It panics if the shape doesn't match the number of values.
func FromValues[T Element](values []T, shape ...int) *Tensor {
	if len(shape) == 0 {
		shape = []int{len(values)}
	}
	if size := shapeSize(shape); size != len(values) {
		panic(errors.Errorf("refops.FromValues: shape %v has size %d, but %d values given", shape, size, len(values)))
	}
	return &Tensor{
		DType: dtypes.FromGenericsType[T](),
		Shape: slices.Clone(shape),
		Data:  slices.Clone(values),
		Keys:  KeysFor(keys.BackendCPU, false),
	}
}

// NewMeta creates a tensor without data, on the Meta backend.
func NewMeta(dtype dtypes.DType, shape ...int) *Tensor {
	return &Tensor{
		DType: dtype,
		Shape: slices.Clone(shape),
		Keys:  KeysFor(keys.BackendMeta, false),
	}
}

// Values returns the data of the tensor as a []T. It returns an error if T doesn't match the dtype.
func Values[T Element](t *Tensor) ([]T, error) {
	values, ok := t.Data.([]T)
	if !ok {
		return nil, errors.Errorf("tensor data is %T, not %T", t.Data, values)
	}
	return values, nil
}

// WithKeys returns a shallow copy of the tensor with the given dispatch keys.
func (t *Tensor) WithKeys(ks keys.Set) *Tensor {
	t2 := *t
	t2.Keys = ks
	return &t2
}

// RequiringGrad returns a shallow copy of the tensor with the autograd keys of its backend.
func (t *Tensor) RequiringGrad() *Tensor {
	return t.WithKeys(KeysFor(t.Keys.HighestBackend(), true))
}

// Size returns the number of elements of the tensor.
func (t *Tensor) Size() int {
	return shapeSize(t.Shape)
}

// IsMeta returns whether the tensor has no data.
func (t *Tensor) IsMeta() bool {
	return t.Data == nil
}

// String implements fmt.Stringer.
func (t *Tensor) String() string {
	if t == nil {
		return "Tensor(nil)"
	}
	if t.IsMeta() {
		return fmt.Sprintf("Tensor(%s%v, meta, %s)", t.DType, t.Shape, t.Keys)
	}
	return fmt.Sprintf("Tensor(%s%v, %v, %s)", t.DType, t.Shape, t.Data, t.Keys)
}

func shapeSize(shape []int) int {
	size := 1
	for _, dim := range shape {
		size *= dim
	}
	return size
}

// newLike returns an uninitialized tensor with the dtype, shape and keys of t.
func newLike(t *Tensor) *Tensor {
	out := &Tensor{
		DType: t.DType,
		Shape: slices.Clone(t.Shape),
		Keys:  t.Keys,
	}
	if !t.IsMeta() {
		out.Data = makeData(t.DType, t.Size())
	}
	return out
}

func makeData(dtype dtypes.DType, size int) any {
	switch dtype {
	case dtypes.Int32:
		return make([]int32, size)
	case dtypes.Int64:
		return make([]int64, size)
	case dtypes.Float32:
		return make([]float32, size)
	case dtypes.Float64:
		return make([]float64, size)
	case dtypes.Float16:
		return make([]float16.Float16, size)
	}
	return nil
}

// ErrIncompatible is returned by binary operators given tensors of different dtypes or shapes.
var ErrIncompatible = errors.New("incompatible tensors")

func checkCompatible(opName string, a, b *Tensor) error {
	if a == nil || b == nil {
		return errors.Errorf("%s: nil tensor", opName)
	}
	if a.DType != b.DType {
		return errors.Wrapf(ErrIncompatible, "%s: dtypes %s and %s", opName, a.DType, b.DType)
	}
	if !slices.Equal(a.Shape, b.Shape) {
		return errors.Wrapf(ErrIncompatible, "%s: shapes %v and %v", opName, a.Shape, b.Shape)
	}
	return nil
}
