package dispatch

import (
	"fmt"
	"path/filepath"
	"runtime"
	"slices"
	"strings"

	"github.com/gomlx/opdispatch/pkg/dispatch/kernel"
	"github.com/gomlx/opdispatch/pkg/dispatch/keys"
	"github.com/gomlx/opdispatch/pkg/dispatch/schema"
	"github.com/pkg/errors"
)

// Library groups the definitions and implementations of operators of a namespace, and releases them
// together.
//
// Example:
//
//	lib := dispatch.NewLibrary(d, "ref")
//	defer lib.Release()
//	err := lib.Def("add(Tensor self, Tensor other) -> Tensor")
//	...
//	err = lib.ImplUnboxed("add", keys.CPU, cpuAdd)
type Library struct {
	d         *Dispatcher
	namespace string
	handles   []*RegistrationHandle
}

// NewLibrary creates a library for the namespace of d. An empty namespace accepts fully qualified
// names of any namespace.
func NewLibrary(d *Dispatcher, namespace string) *Library {
	return &Library{d: d, namespace: namespace}
}

// Dispatcher of the library.
func (l *Library) Dispatcher() *Dispatcher {
	return l.d
}

// Namespace of the library.
func (l *Library) Namespace() string {
	return l.namespace
}

// qualify prefixes name with the namespace of the library, if it has none. Names with a different
// namespace are rejected.
func (l *Library) qualify(name schema.OperatorName) (schema.OperatorName, error) {
	ns := name.Namespace()
	if ns == "" {
		if l.namespace != "" {
			name.Name = l.namespace + "::" + name.Name
		}
		return name, nil
	}
	if l.namespace != "" && ns != l.namespace {
		return name, errors.Errorf("operator %s doesn't belong to the namespace %q of the library", name, l.namespace)
	}
	return name, nil
}

// debugInfo describes the caller of the library method, skip frames above it.
func debugInfo(what string, skip int) string {
	_, file, line, ok := runtime.Caller(skip + 1)
	if !ok {
		return what
	}
	return fmt.Sprintf("%s registered at %s:%d", what, filepath.Base(file), line)
}

// Def defines an operator from the textual form of its schema. The operator name may omit the
// namespace of the library.
func (l *Library) Def(schemaText string, tags ...string) error {
	s, err := schema.Parse(schemaText)
	if err != nil {
		return err
	}
	return l.def(s, debugInfo("def", 1), tags)
}

// DefSchema defines an operator with the given schema.
func (l *Library) DefSchema(s *schema.FunctionSchema, tags ...string) error {
	return l.def(s, debugInfo("def", 1), tags)
}

func (l *Library) def(s *schema.FunctionSchema, debug string, tags []string) error {
	name, err := l.qualify(s.Name)
	if err != nil {
		return err
	}
	if name != s.Name {
		s = s.WithName(name)
	}
	h, err := l.d.RegisterDef(s, debug, tags...)
	if err != nil {
		return err
	}
	l.handles = append(l.handles, h)
	return nil
}

// Impl registers k as the implementation of the operator for key (keys.CatchAll registers it to
// CompositeImplicitAutograd).
func (l *Library) Impl(name string, key keys.Key, k kernel.Kernel) error {
	return l.impl(name, key, k, debugInfo(fmt.Sprintf("impl %s for %s", name, key), 1))
}

// ImplUnboxed registers the typed function fn as the implementation of the operator for key.
// See kernel.FromUnboxed for the accepted functions.
func (l *Library) ImplUnboxed(name string, key keys.Key, fn any) error {
	k, err := kernel.FromUnboxed(fn)
	if err != nil {
		return errors.WithMessagef(err, "implementing %s for %s", name, key)
	}
	return l.impl(name, key, k, debugInfo(fmt.Sprintf("impl %s for %s", name, key), 1))
}

func (l *Library) impl(name string, key keys.Key, k kernel.Kernel, debug string) error {
	opName, err := l.qualify(schema.ParseOperatorName(name))
	if err != nil {
		return err
	}
	h, err := l.d.RegisterImpl(opName, key, k, debug)
	if err != nil {
		return err
	}
	l.handles = append(l.handles, h)
	return nil
}

// Fallback registers k as the backend fallback for key, for every operator (not only the ones of the
// library namespace).
func (l *Library) Fallback(key keys.Key, k kernel.Kernel) error {
	h, err := l.d.RegisterFallback(key, k, debugInfo(fmt.Sprintf("fallback for %s", key), 1))
	if err != nil {
		return err
	}
	l.handles = append(l.handles, h)
	return nil
}

// Release undoes all registrations of the library, most recent first.
func (l *Library) Release() {
	for _, h := range slices.Backward(l.handles) {
		h.Release()
	}
	l.handles = nil
}

// String implements fmt.Stringer.
func (l *Library) String() string {
	return fmt.Sprintf("Library(%s, %d registrations)", strings.TrimSpace(l.namespace), len(l.handles))
}
