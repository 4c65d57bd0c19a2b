// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package kernel defines Kernel, the implementation of an operator for some dispatch key, and its
// two calling conventions:
//
//   - Boxed: arguments and results are passed in a Stack of `any` values. Every kernel can be
//     called this way, it's what generic code (fallbacks, the CLI, tests) uses.
//   - Unboxed: a typed Go function, e.g. `func(a, b *Tensor) (*Tensor, error)`. Kernels created with
//     FromUnboxed keep the typed function, and it's called directly by typed accessors.
//
// Kernels created from one convention synthesize the other: a boxed call on an unboxed kernel pops
// the arguments and converts them with reflect, and AsUnboxed builds a typed function for a
// boxed-only kernel.
//
// The zero Kernel is the "missing" kernel: it's not valid and calling it returns ErrMissingKernel.
package kernel

import (
	"fmt"
	"reflect"

	"github.com/gomlx/opdispatch/pkg/dispatch/keys"
	"github.com/gomlx/opdispatch/pkg/dispatch/schema"
	"github.com/pkg/errors"
)

// Operator is the view a kernel has of the operator being called. It allows kernels to redispatch
// to lower priority keys without depending on the dispatcher.
type Operator interface {
	// OperatorName of the operator being called.
	OperatorName() schema.OperatorName

	// Redispatch calls the operator again, with the kernel selected for the highest key in ks.
	// Usually ks is the set of the current call intersected with keys.FullAfter(currentKey).
	Redispatch(ks keys.Set, stack *Stack) error
}

// BoxedFunc is the signature of boxed kernels: they pop their arguments from the stack and push
// their results on it.
//
// ks holds the dispatch keys of the call, with the keys of higher priority than the one the kernel
// was selected for removed.
type BoxedFunc func(op Operator, ks keys.Set, stack *Stack) error

// Functor is implemented by kernels that carry state, see FromFunctor.
type Functor interface {
	Call(op Operator, ks keys.Set, stack *Stack) error
}

type kind uint8

const (
	kindMissing kind = iota
	kindBoxed
	kindUnboxed
	kindFallthrough
	kindAmbiguousAutogradOther
	kindNamedNotSupported
)

// functor is the shared payload of a Kernel. Copies of a Kernel (in registration records and in
// dispatch tables) point to the same functor, and Kernel identity is the identity of the functor.
type functor struct {
	kind  kind
	boxed BoxedFunc

	// Unboxed entry point, if any.
	unboxed      any
	unboxedValue reflect.Value
	signature    reflect.Type
	takesKeys    bool
	returnsError bool

	payload any
}

// Kernel is an implementation of an operator. It's a small value type, safe to copy: copies share
// the same underlying implementation.
type Kernel struct {
	f *functor
}

var (
	fallthroughFunctor       = &functor{kind: kindFallthrough}
	ambiguousAutogradFunctor = &functor{kind: kindAmbiguousAutogradOther}
	namedNotSupportedFunctor = &functor{kind: kindNamedNotSupported}
	keySetType               = reflect.TypeFor[keys.Set]()
	errorType                = reflect.TypeFor[error]()
)

// FromBoxed creates a kernel from a boxed function.
func FromBoxed(fn BoxedFunc) Kernel {
	if fn == nil {
		return Kernel{}
	}
	return Kernel{&functor{kind: kindBoxed, boxed: fn}}
}

// FromFunctor creates a boxed kernel from a stateful functor. The functor is returned by Functor.
func FromFunctor(fn Functor) Kernel {
	if fn == nil {
		return Kernel{}
	}
	return Kernel{&functor{kind: kindBoxed, boxed: fn.Call, payload: fn}}
}

// FromUnboxed creates a kernel from a typed Go function.
//
// The function may take a leading keys.Set parameter, which receives the dispatch keys of the call
// (see BoxedFunc), and may return a trailing error. Variadic functions are not supported.
func FromUnboxed(fn any) (Kernel, error) {
	if fn == nil {
		return Kernel{}, errors.New("kernel.FromUnboxed given a nil function")
	}
	fnValue := reflect.ValueOf(fn)
	fnType := fnValue.Type()
	if fnType.Kind() != reflect.Func {
		return Kernel{}, errors.Errorf("kernel.FromUnboxed requires a function, got %s", fnType)
	}
	if fnValue.IsNil() {
		return Kernel{}, errors.Errorf("kernel.FromUnboxed given a nil %s", fnType)
	}
	if fnType.IsVariadic() {
		return Kernel{}, errors.Errorf("kernel.FromUnboxed doesn't support variadic functions, got %s", fnType)
	}
	f := &functor{
		kind:         kindUnboxed,
		unboxed:      fn,
		unboxedValue: fnValue,
		signature:    fnType,
		takesKeys:    fnType.NumIn() > 0 && fnType.In(0) == keySetType,
		returnsError: fnType.NumOut() > 0 && fnType.Out(fnType.NumOut()-1) == errorType,
	}
	f.boxed = f.callBoxedFromUnboxed
	return Kernel{f}, nil
}

// MustFromUnboxed is like FromUnboxed, but panics on error.
func MustFromUnboxed(fn any) Kernel {
	k, err := FromUnboxed(fn)
	if err != nil {
		panic(err)
	}
	return k
}

// Fallthrough returns the fallthrough kernel: when selected the dispatcher skips it and goes to the
// next key of the call. All fallthrough kernels are equal.
func Fallthrough() Kernel {
	return Kernel{fallthroughFunctor}
}

// AmbiguousAutogradOther returns the kernel that fails with ErrAmbiguousAutogradOther.
func AmbiguousAutogradOther() Kernel {
	return Kernel{ambiguousAutogradFunctor}
}

// NamedNotSupported returns the kernel that fails with ErrNamedNotSupported.
func NamedNotSupported() Kernel {
	return Kernel{namedNotSupportedFunctor}
}

// IsValid returns whether the kernel has an implementation: everything but the missing kernel.
func (k Kernel) IsValid() bool {
	return k.f != nil
}

// IsValidUnboxed returns whether the kernel has a typed entry point.
func (k Kernel) IsValidUnboxed() bool {
	return k.f != nil && k.f.unboxed != nil
}

// IsFallthrough returns whether this is the fallthrough kernel.
func (k Kernel) IsFallthrough() bool {
	return k.f == fallthroughFunctor
}

// Signature returns the Go function type of unboxed kernels, or nil.
func (k Kernel) Signature() reflect.Type {
	if k.f == nil {
		return nil
	}
	return k.f.signature
}

// Functor returns the value given to FromFunctor, or nil.
func (k Kernel) Functor() any {
	if k.f == nil {
		return nil
	}
	return k.f.payload
}

// Equal returns whether both kernels share the same implementation.
func (k Kernel) Equal(other Kernel) bool {
	return k.f == other.f
}

// String returns a short description of the kernel state.
func (k Kernel) String() string {
	if k.f == nil {
		return "missing"
	}
	switch k.f.kind {
	case kindFallthrough:
		return "fallthrough"
	case kindAmbiguousAutogradOther:
		return "ambiguous autogradother"
	case kindNamedNotSupported:
		return "named not supported"
	case kindUnboxed:
		return fmt.Sprintf("boxed unboxed %s", k.f.signature)
	}
	return "boxed"
}

// CallBoxed calls the kernel with the arguments in the stack, and leaves the results on it.
//
// Calling the fallthrough kernel redispatches to the keys of ks below its highest functionality.
func (k Kernel) CallBoxed(op Operator, ks keys.Set, stack *Stack) error {
	if k.f == nil {
		return errors.Wrapf(ErrMissingKernel, "calling operator %s", nameOf(op))
	}
	switch k.f.kind {
	case kindFallthrough:
		if op == nil {
			return errors.Errorf("fallthrough kernel called without an operator to redispatch to")
		}
		return op.Redispatch(ks.Intersect(keys.FullAfter(ks.HighestFunctionality())), stack)
	case kindAmbiguousAutogradOther:
		return errors.Wrapf(ErrAmbiguousAutogradOther,
			"%s has kernels registered to both CompositeImplicitAutograd and a backend mapped to "+
				"AutogradOther, which makes the backend kernel unreachable: register a kernel to AutogradOther "+
				"for the operator, or use a backend with a dedicated autograd key", nameOf(op))
	case kindNamedNotSupported:
		return errors.Wrapf(ErrNamedNotSupported, "operator %s", nameOf(op))
	}
	return k.f.boxed(op, ks, stack)
}

func nameOf(op Operator) string {
	if op == nil {
		return "<unknown>"
	}
	return op.OperatorName().String()
}

// Annotated is a kernel as registered to an operator, with the schema inferred from its Go function
// type (if any) and a debug string describing where it was registered.
type Annotated struct {
	Kernel         Kernel
	InferredSchema *schema.FunctionSchema
	Debug          string
}
