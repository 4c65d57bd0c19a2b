package kernel

import (
	"reflect"
	"slices"

	"github.com/gomlx/opdispatch/pkg/dispatch/keys"
	"github.com/pkg/errors"
)

// numArgs returns the number of boxed arguments the unboxed function takes.
func (f *functor) numArgs() int {
	if f.takesKeys {
		return f.signature.NumIn() - 1
	}
	return f.signature.NumIn()
}

// callBoxedFromUnboxed is the boxed entry point synthesized for unboxed kernels.
func (f *functor) callBoxedFromUnboxed(_ Operator, ks keys.Set, stack *Stack) error {
	args, err := stack.PopN(f.numArgs())
	if err != nil {
		return errors.WithMessagef(err, "calling %s", f.signature)
	}
	results, err := f.callUnboxed(ks, args)
	if err != nil {
		return err
	}
	stack.Push(results...)
	return nil
}

// callUnboxed converts args and calls the typed function. The trailing error, if any, is not part of
// the returned results.
func (f *functor) callUnboxed(ks keys.Set, args []any) ([]any, error) {
	if len(args) != f.numArgs() {
		return nil, errors.Wrapf(ErrBoxing, "%s takes %d arguments, %d given", f.signature, f.numArgs(), len(args))
	}
	in := make([]reflect.Value, 0, f.signature.NumIn())
	offset := 0
	if f.takesKeys {
		in = append(in, reflect.ValueOf(ks))
		offset = 1
	}
	for ii, arg := range args {
		v, err := toValue(arg, f.signature.In(ii+offset))
		if err != nil {
			return nil, errors.WithMessagef(err, "argument #%d of %s", ii, f.signature)
		}
		in = append(in, v)
	}
	out := f.unboxedValue.Call(in)
	if f.returnsError {
		last := out[len(out)-1]
		out = out[:len(out)-1]
		if !last.IsNil() {
			return nil, last.Interface().(error)
		}
	}
	results := make([]any, len(out))
	for ii, v := range out {
		results[ii] = v.Interface()
	}
	return results, nil
}

// toValue converts a boxed value to the reflect.Value of type t.
// Numeric values are converted between numeric types, e.g. an int literal given to a float64 argument.
func toValue(arg any, t reflect.Type) (reflect.Value, error) {
	if arg == nil {
		switch t.Kind() {
		case reflect.Pointer, reflect.Interface, reflect.Slice, reflect.Map, reflect.Func, reflect.Chan:
			return reflect.Zero(t), nil
		}
		return reflect.Value{}, errors.Wrapf(ErrBoxing, "nil given for argument of type %s", t)
	}
	v := reflect.ValueOf(arg)
	if v.Type().AssignableTo(t) {
		return v, nil
	}
	if isNumeric(v.Kind()) && isNumeric(t.Kind()) {
		return v.Convert(t), nil
	}
	return reflect.Value{}, errors.Wrapf(ErrBoxing, "value of type %s given for argument of type %s", v.Type(), t)
}

func isNumeric(k reflect.Kind) bool {
	switch k {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64,
		reflect.Float32, reflect.Float64:
		return true
	}
	return false
}

// CallUnboxed calls the kernel with the given arguments and returns its results.
//
// Unboxed kernels are called directly (with reflect). Other kernels are called with a stack holding
// args, and the results are whatever they leave on it.
func (k Kernel) CallUnboxed(op Operator, ks keys.Set, args ...any) ([]any, error) {
	if k.f != nil && k.f.kind == kindUnboxed {
		return k.f.callUnboxed(ks, args)
	}
	stack := NewStack(args...)
	if err := k.CallBoxed(op, ks, stack); err != nil {
		return nil, err
	}
	return []any(*stack), nil
}

// Call is a typed version of CallUnboxed, for kernels with exactly one result of type R.
func Call[R any](k Kernel, op Operator, ks keys.Set, args ...any) (R, error) {
	var zero R
	results, err := k.CallUnboxed(op, ks, args...)
	if err != nil {
		return zero, err
	}
	if len(results) != 1 {
		return zero, errors.Wrapf(ErrBoxing, "expected 1 result, got %d", len(results))
	}
	if results[0] == nil {
		return zero, nil
	}
	r, ok := results[0].(R)
	if !ok {
		return zero, errors.Wrapf(ErrBoxing, "result of type %T can't be returned as %s",
			results[0], reflect.TypeFor[R]())
	}
	return r, nil
}

// Unboxed returns the typed function of the kernel, if it was created with FromUnboxed with a
// function of type F.
func Unboxed[F any](k Kernel) (F, bool) {
	var zero F
	if k.f == nil || k.f.unboxed == nil {
		return zero, false
	}
	fn, ok := k.f.unboxed.(F)
	return fn, ok
}

// AsUnboxed returns a function of type F that calls the kernel.
//
// If the kernel was created from a function of type F, it is returned as is. Otherwise, a function
// that boxes its arguments and calls the kernel is synthesized. If F takes a leading keys.Set, the
// value given in each call is used, otherwise ks is used. If F returns a trailing error, call errors
// are returned there, otherwise they panic.
//
// It returns ErrSignatureMismatch if the kernel is unboxed with a function type other than F, not
// counting the leading keys.Set of either.
func AsUnboxed[F any](k Kernel, op Operator, ks keys.Set) (F, error) {
	var zero F
	fnType := reflect.TypeFor[F]()
	if fnType.Kind() != reflect.Func || fnType.IsVariadic() {
		return zero, errors.Errorf("kernel.AsUnboxed requires a non-variadic function type, got %s", fnType)
	}
	if fn, ok := Unboxed[F](k); ok {
		return fn, nil
	}
	if k.f != nil && k.f.kind == kindUnboxed && !sameCallSignature(k.f.signature, fnType) {
		return zero, errors.Wrapf(ErrSignatureMismatch, "kernel registered as %s, accessed as %s",
			k.f.signature, fnType)
	}
	takesKeys := fnType.NumIn() > 0 && fnType.In(0) == keySetType
	returnsError := fnType.NumOut() > 0 && fnType.Out(fnType.NumOut()-1) == errorType
	numResults := fnType.NumOut()
	if returnsError {
		numResults--
	}
	synthesized := reflect.MakeFunc(fnType, func(in []reflect.Value) []reflect.Value {
		callKeys := ks
		if takesKeys {
			callKeys = in[0].Interface().(keys.Set)
			in = in[1:]
		}
		stack := make(Stack, 0, len(in))
		for _, v := range in {
			stack = append(stack, v.Interface())
		}
		out := make([]reflect.Value, fnType.NumOut())
		for ii := range out {
			out[ii] = reflect.Zero(fnType.Out(ii))
		}
		err := k.CallBoxed(op, callKeys, &stack)
		if err == nil {
			var results []any
			results, err = stack.PopN(numResults)
			for ii := 0; err == nil && ii < numResults; ii++ {
				var v reflect.Value
				v, err = toValue(results[ii], fnType.Out(ii))
				if err == nil {
					out[ii] = v
				}
			}
		}
		if err != nil {
			if !returnsError {
				panic(err)
			}
			out[len(out)-1] = reflect.ValueOf(&err).Elem()
		}
		return out
	})
	return synthesized.Interface().(F), nil
}

// sameCallSignature compares two function types, ignoring a leading keys.Set parameter.
func sameCallSignature(a, b reflect.Type) bool {
	in := func(t reflect.Type) []reflect.Type {
		var types []reflect.Type
		for ii := range t.NumIn() {
			if ii == 0 && t.In(0) == keySetType {
				continue
			}
			types = append(types, t.In(ii))
		}
		return types
	}
	if !slices.Equal(in(a), in(b)) || a.NumOut() != b.NumOut() {
		return false
	}
	for ii := range a.NumOut() {
		if a.Out(ii) != b.Out(ii) {
			return false
		}
	}
	return true
}
