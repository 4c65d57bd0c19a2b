package dispatch

import (
	"reflect"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/opdispatch/pkg/dispatch/kernel"
	"github.com/gomlx/opdispatch/pkg/dispatch/keys"
	"github.com/gomlx/opdispatch/pkg/dispatch/schema"
)

// extractor computes the dispatch keys of a call from its arguments, and keeps track of which table
// slots hold fallthrough kernels, so they are skipped when selecting the kernel.
type extractor struct {
	// hasSchema is false until the operator is defined. Without a schema every argument is scanned.
	hasSchema bool
	numArgs   int

	// tensorArgs are the indices of the tensor-like arguments in the schema.
	tensorArgs []int

	fallthroughs [keys.NumRuntimeEntries]bool
}

func (e *extractor) registerSchema(s *schema.FunctionSchema) {
	e.hasSchema = true
	e.numArgs = len(s.Arguments)
	e.tensorArgs = s.TensorArgumentIndices()
}

func (e *extractor) deregisterSchema() {
	e.hasSchema = false
	e.numArgs = 0
	e.tensorArgs = nil
}

func (e *extractor) setFallthrough(k keys.Key, isFallthrough bool) {
	if idx := k.TableIndex(); idx >= 0 {
		e.fallthroughs[idx] = isFallthrough
	}
}

func (e *extractor) isFallthrough(k keys.Key) bool {
	idx := k.TableIndex()
	return idx >= 0 && e.fallthroughs[idx]
}

// keysOfBoxed returns the keys of the arguments on the top of the stack.
func (e *extractor) keysOfBoxed(stack *kernel.Stack) keys.Set {
	if !e.hasSchema {
		return keysOfArgs([]any(*stack))
	}
	return e.keysOfArgs(stack.Last(e.numArgs))
}

// keysOfArgs returns the keys of the arguments of an unboxed call.
func (e *extractor) keysOfArgs(args []any) keys.Set {
	if !e.hasSchema || len(args) != e.numArgs {
		return keysOfArgs(args)
	}
	var ks keys.Set
	for _, idx := range e.tensorArgs {
		ks = ks.Union(keysOf(args[idx]))
	}
	return ks
}

// checkInvariants panics if the extractor doesn't match the schema.
func (e *extractor) checkInvariants(s *schema.FunctionSchema) {
	if !e.hasSchema || e.numArgs != len(s.Arguments) || len(e.tensorArgs) != len(s.TensorArgumentIndices()) {
		exceptions.Panicf("dispatch: key extractor out of sync with schema %s", s)
	}
}

func keysOfArgs(args []any) keys.Set {
	var ks keys.Set
	for _, arg := range args {
		ks = ks.Union(keysOf(arg))
	}
	return ks
}

// keysOf returns the keys carried by a value: a keys.Carrier, or a list of them.
func keysOf(value any) keys.Set {
	switch v := value.(type) {
	case nil:
		return keys.Set{}
	case keys.Carrier:
		if rv := reflect.ValueOf(v); rv.Kind() == reflect.Pointer && rv.IsNil() {
			return keys.Set{}
		}
		return v.DispatchKeySet()
	case []keys.Carrier:
		var ks keys.Set
		for _, c := range v {
			ks = ks.Union(keysOf(c))
		}
		return ks
	}
	rv := reflect.ValueOf(value)
	if rv.Kind() != reflect.Slice || !rv.Type().Elem().Implements(carrierType) {
		return keys.Set{}
	}
	var ks keys.Set
	for ii := range rv.Len() {
		ks = ks.Union(keysOf(rv.Index(ii).Interface()))
	}
	return ks
}

var carrierType = reflect.TypeFor[keys.Carrier]()
