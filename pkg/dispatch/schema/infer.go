// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package schema

import (
	"fmt"
	"reflect"
	"sync"

	"github.com/gomlx/opdispatch/pkg/dispatch/keys"
	"github.com/pkg/errors"
)

var (
	goTypesMu sync.RWMutex
	goTypes   = map[reflect.Type]Type{
		reflect.TypeFor[bool]():      TypeBool,
		reflect.TypeFor[int]():       TypeInt,
		reflect.TypeFor[int8]():      TypeInt,
		reflect.TypeFor[int16]():     TypeInt,
		reflect.TypeFor[int32]():     TypeInt,
		reflect.TypeFor[int64]():     TypeInt,
		reflect.TypeFor[uint8]():     TypeInt,
		reflect.TypeFor[uint16]():    TypeInt,
		reflect.TypeFor[uint32]():    TypeInt,
		reflect.TypeFor[uint64]():    TypeInt,
		reflect.TypeFor[float32]():   TypeFloat,
		reflect.TypeFor[float64]():   TypeFloat,
		reflect.TypeFor[string]():    TypeString,
		reflect.TypeFor[any]():       TypeAny,
		reflect.TypeFor[[]int]():     TypeIntList,
		reflect.TypeFor[[]int64]():   TypeIntList,
		reflect.TypeFor[[]float64](): TypeFloatList,
		reflect.TypeFor[[]bool]():    TypeBoolList,
	}

	keySetType  = reflect.TypeFor[keys.Set]()
	carrierType = reflect.TypeFor[keys.Carrier]()
	errorType   = reflect.TypeFor[error]()
)

// RegisterGoType associates a Go type with a schema type, used by Infer.
//
// Collaborators register their tensor type (if it doesn't implement keys.Carrier) or any
// other argument type here, usually in an init function.
func RegisterGoType(t reflect.Type, schemaType Type) {
	goTypesMu.Lock()
	defer goTypesMu.Unlock()
	goTypes[t] = schemaType
}

// GoTypeToSchemaType returns the schema type for a Go type.
//
// Registered types come first. Otherwise, types implementing keys.Carrier are Tensor, pointers to a
// known type T are "T?" and slices of T are "T[]".
func GoTypeToSchemaType(t reflect.Type) (Type, error) {
	goTypesMu.RLock()
	st, found := goTypes[t]
	goTypesMu.RUnlock()
	if found {
		return st, nil
	}
	if t.Implements(carrierType) {
		return TypeTensor, nil
	}
	switch t.Kind() {
	case reflect.Pointer:
		elem, err := GoTypeToSchemaType(t.Elem())
		if err != nil {
			return "", err
		}
		if elem.IsOptional() {
			return elem, nil
		}
		return elem + "?", nil
	case reflect.Slice:
		elem, err := GoTypeToSchemaType(t.Elem())
		if err != nil {
			return "", err
		}
		return elem + "[]", nil
	}
	return "", errors.Errorf("no schema type known for Go type %s, see schema.RegisterGoType", t)
}

// Infer returns the schema of a Go function type, as used by unboxed kernels.
//
// A leading keys.Set parameter (the dispatch keys of the call) and a trailing error result are not
// part of the schema. Arguments and returns are named "_0", "_1", ... and the schema name is "_".
func Infer(fnType reflect.Type) (*FunctionSchema, error) {
	if fnType.Kind() != reflect.Func {
		return nil, errors.Errorf("schema.Infer requires a function type, got %s", fnType)
	}
	if fnType.IsVariadic() {
		return nil, errors.Errorf("schema.Infer doesn't support variadic functions, got %s", fnType)
	}
	s := &FunctionSchema{Name: OperatorName{Name: "_"}}
	start := 0
	if fnType.NumIn() > 0 && fnType.In(0) == keySetType {
		start = 1
	}
	for ii := start; ii < fnType.NumIn(); ii++ {
		st, err := GoTypeToSchemaType(fnType.In(ii))
		if err != nil {
			return nil, errors.WithMessagef(err, "argument #%d of %s", ii, fnType)
		}
		s.Arguments = append(s.Arguments, Argument{Name: fmt.Sprintf("_%d", ii-start), Type: st})
	}
	numOut := fnType.NumOut()
	if numOut > 0 && fnType.Out(numOut-1) == errorType {
		numOut--
	}
	for ii := 0; ii < numOut; ii++ {
		st, err := GoTypeToSchemaType(fnType.Out(ii))
		if err != nil {
			return nil, errors.WithMessagef(err, "result #%d of %s", ii, fnType)
		}
		s.Returns = append(s.Returns, Argument{Type: st})
	}
	return s, nil
}

// InferFunc is like Infer, but takes the function value.
func InferFunc(fn any) (*FunctionSchema, error) {
	if fn == nil {
		return nil, errors.New("schema.InferFunc given a nil function")
	}
	return Infer(reflect.TypeOf(fn))
}
