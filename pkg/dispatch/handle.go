package dispatch

import (
	"reflect"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/opdispatch/pkg/dispatch/kernel"
	"github.com/gomlx/opdispatch/pkg/dispatch/keys"
	"github.com/gomlx/opdispatch/pkg/dispatch/schema"
	"github.com/pkg/errors"
)

// OperatorHandle refers to an operator of a Dispatcher. It's a small value, safe to copy, and
// implements kernel.Operator.
type OperatorHandle struct {
	entry *OperatorEntry
}

var _ kernel.Operator = OperatorHandle{}

// IsValid returns whether the handle refers to an operator.
func (op OperatorHandle) IsValid() bool {
	return op.entry != nil
}

// Entry returns the operator entry, for introspection.
func (op OperatorHandle) Entry() *OperatorEntry {
	return op.entry
}

// OperatorName implements kernel.Operator.
func (op OperatorHandle) OperatorName() schema.OperatorName {
	return op.entry.name
}

// Schema of the operator, or nil if it's not defined.
func (op OperatorHandle) Schema() *schema.FunctionSchema {
	return op.entry.Schema()
}

// HasSchema returns whether the operator is defined.
func (op OperatorHandle) HasSchema() bool {
	return op.entry.HasSchema()
}

// HasKernelForDispatchKey returns whether a kernel was registered directly to key.
func (op OperatorHandle) HasKernelForDispatchKey(key keys.Key) bool {
	return op.entry.HasKernelForDispatchKey(key)
}

// DumpState returns the registrations of the operator, see OperatorEntry.DumpState.
func (op OperatorHandle) DumpState() string {
	return op.entry.DumpState()
}

// DumpComputedTable returns the resolved dispatch table, see OperatorEntry.DumpComputedTable.
func (op OperatorHandle) DumpComputedTable() string {
	return op.entry.DumpComputedTable()
}

// CheckInvariants panics if the operator entry is inconsistent.
func (op OperatorHandle) CheckInvariants() {
	op.entry.CheckInvariants()
}

// Lookup returns the key and the kernel a call with the keys ks would use. It returns an error wrapping
// ErrNotImplemented if there is no kernel for the selected key.
func (op OperatorHandle) Lookup(ks keys.Set) (keys.Key, kernel.Kernel, error) {
	k, ak := op.entry.selectKernel(ks)
	if !ak.Kernel.IsValid() || ak.Kernel.IsFallthrough() {
		return k, kernel.Kernel{}, op.entry.reportError(k)
	}
	return k, ak.Kernel, nil
}

// callKeys returns the keys given to a kernel selected for key: the keys of ks at or below key.
func callKeys(ks keys.Set, key keys.Key) keys.Set {
	return ks.Intersect(keys.FullAfter(key).Add(key.Functionality()))
}

// CallBoxed calls the operator with the arguments on the stack, leaving the results on it.
// The dispatch keys are extracted from the arguments.
func (op OperatorHandle) CallBoxed(stack *kernel.Stack) error {
	return op.Redispatch(op.entry.extractor.keysOfBoxed(stack), stack)
}

// Redispatch implements kernel.Operator: it calls the kernel selected for ks.
func (op OperatorHandle) Redispatch(ks keys.Set, stack *kernel.Stack) error {
	k, kern, err := op.Lookup(ks)
	if err != nil {
		return err
	}
	return kern.CallBoxed(op, callKeys(ks, k), stack)
}

// Call calls the operator with the given arguments and returns its results.
// The dispatch keys are extracted from the arguments.
func (op OperatorHandle) Call(args ...any) ([]any, error) {
	return op.CallWithKeys(op.entry.extractor.keysOfArgs(args), args...)
}

// CallWithKeys calls the kernel selected for ks with the given arguments and returns its results.
func (op OperatorHandle) CallWithKeys(ks keys.Set, args ...any) ([]any, error) {
	k, kern, err := op.Lookup(ks)
	if err != nil {
		return nil, err
	}
	return kern.CallUnboxed(op, callKeys(ks, k), args...)
}

// TypedOperatorHandle is an OperatorHandle whose kernels are called as functions of type F.
// Create it with Typed.
type TypedOperatorHandle[F any] struct {
	OperatorHandle
	fnType reflect.Type
}

// Typed returns a typed handle for the operator.
//
// F must be the Go function type the unboxed kernels of the operator were registered with (without
// their optional leading keys.Set parameter), otherwise it returns kernel.ErrSignatureMismatch.
// Operators without unboxed kernels accept any F.
func Typed[F any](op OperatorHandle) (TypedOperatorHandle[F], error) {
	fnType := reflect.TypeFor[F]()
	if fnType.Kind() != reflect.Func || fnType.IsVariadic() {
		return TypedOperatorHandle[F]{}, errors.Errorf("dispatch.Typed requires a non-variadic function type, got %s", fnType)
	}
	if cached := op.entry.dispatcher.signatureOf(op.entry); cached != nil && cached != fnType {
		return TypedOperatorHandle[F]{}, op.entry.reportSignatureError(fnType)
	}
	return TypedOperatorHandle[F]{OperatorHandle: op, fnType: fnType}, nil
}

// MustTyped is like Typed, but panics on error.
func MustTyped[F any](op OperatorHandle) TypedOperatorHandle[F] {
	typed, err := Typed[F](op)
	if err != nil {
		panic(err)
	}
	return typed
}

// Lookup returns the kernel selected for ks as a function of type F. Kernels registered with a
// function of type F are returned directly, others are wrapped, see kernel.AsUnboxed.
func (op TypedOperatorHandle[F]) Lookup(ks keys.Set) (F, error) {
	var zero F
	k, kern, err := op.OperatorHandle.Lookup(ks)
	if err != nil {
		return zero, err
	}
	return kernel.AsUnboxed[F](kern, op.OperatorHandle, callKeys(ks, k))
}

// Func returns a function of type F that calls the operator: each call extracts the dispatch keys of
// its arguments and calls the selected kernel.
//
// If F returns a trailing error, dispatch errors are returned there, otherwise they panic.
func (op TypedOperatorHandle[F]) Func() F {
	fnType := op.fnType
	returnsError := fnType.NumOut() > 0 && fnType.Out(fnType.NumOut()-1) == reflect.TypeFor[error]()
	fn := reflect.MakeFunc(fnType, func(in []reflect.Value) []reflect.Value {
		args := make([]any, len(in))
		for ii, v := range in {
			args[ii] = v.Interface()
		}
		out := make([]reflect.Value, fnType.NumOut())
		for ii := range out {
			out[ii] = reflect.Zero(fnType.Out(ii))
		}
		results, err := op.Call(args...)
		numResults := len(out)
		if returnsError {
			numResults--
		}
		if err == nil && len(results) != numResults {
			err = errors.Wrapf(kernel.ErrBoxing, "operator %s returned %d results, %s expects %d",
				op.OperatorName(), len(results), fnType, numResults)
		}
		for ii := 0; err == nil && ii < numResults; ii++ {
			if results[ii] == nil {
				continue
			}
			v := reflect.ValueOf(results[ii])
			if !v.Type().AssignableTo(fnType.Out(ii)) {
				err = errors.Wrapf(kernel.ErrBoxing, "operator %s result #%d is %s, %s expects %s",
					op.OperatorName(), ii, v.Type(), fnType, fnType.Out(ii))
				break
			}
			out[ii] = v
		}
		if err != nil {
			if !returnsError {
				exceptions.Panicf("calling %s: %+v", op.OperatorName(), err)
			}
			out[len(out)-1] = reflect.ValueOf(&err).Elem()
		}
		return out
	})
	return fn.Interface().(F)
}
