package dispatch

import (
	"testing"

	"github.com/gomlx/opdispatch/pkg/dispatch/kernel"
	"github.com/gomlx/opdispatch/pkg/dispatch/keys"
	"github.com/gomlx/opdispatch/pkg/dispatch/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLibrary(t *testing.T) {
	d := newTestDispatcher(t)
	lib := NewLibrary(d, "test")
	assert.Equal(t, "test", lib.Namespace())
	assert.Same(t, d, lib.Dispatcher())

	require.NoError(t, lib.Def("fn(Tensor x) -> str", "tag"))
	require.NoError(t, lib.ImplUnboxed("fn", keys.CPU, func(x *tensor) (string, error) { return "cpu", nil }))
	require.NoError(t, lib.Impl("test::fn", keys.CUDA, returning("cuda")))
	require.NoError(t, lib.Fallback(keys.Tracer, kernel.Fallthrough()))
	assert.Equal(t, "Library(test, 4 registrations)", lib.String())

	op := d.MustFindSchema("test::fn")
	assert.Equal(t, []string{"tag"}, op.Entry().Tags())
	requireCall(t, op, "cpu", keys.Tracer, keys.CPU)
	requireCall(t, op, "cuda", keys.CUDA)
	assert.Contains(t, op.Entry().schema.Debug, "def registered at library_test.go:")
	assert.Contains(t, op.Entry().KernelForDispatchKey(keys.CPU).Debug, "impl fn for CPU registered at library_test.go:")
	fallback, found := d.Fallback(keys.Tracer)
	require.True(t, found)
	assert.Contains(t, fallback.Debug, "fallback for Tracer registered at library_test.go:")

	// Foreign namespaces are rejected.
	assert.Error(t, lib.Def("other::g(Tensor x) -> Tensor"))
	assert.Error(t, lib.Impl("other::fn", keys.CPU, returning("x")))
	assert.Error(t, lib.ImplUnboxed("fn", keys.CPU, 3))
	assert.Error(t, lib.Def("fn(Tensor x"))
	require.ErrorIs(t, lib.DefSchema(schema.MustParse("fn(Tensor x) -> str")), ErrSchemaAlreadyRegistered)
	assert.ErrorIs(t, lib.Fallback(keys.Dense, kernel.Fallthrough()), ErrInvalidKey)

	lib.Release()
	assert.Equal(t, "Library(test, 0 registrations)", lib.String())
	_, found = d.FindSchema(fnName)
	assert.False(t, found)
	_, found = d.Fallback(keys.Tracer)
	assert.False(t, found)
	op, found = d.FindOp(fnName)
	require.True(t, found)
	assert.Empty(t, op.DumpComputedTable())
	lib.Release() // No-op.
}

func TestLibraryWithoutNamespace(t *testing.T) {
	d := newTestDispatcher(t)
	lib := NewLibrary(d, "")
	defer lib.Release()
	require.NoError(t, lib.Def("a::f(Tensor x) -> Tensor"))
	require.NoError(t, lib.Def("b::f(Tensor x) -> Tensor"))
	require.NoError(t, lib.Def("plain(Tensor x) -> Tensor"))
	names := make([]string, 0, 3)
	for _, name := range d.ListAllOperators() {
		names = append(names, name.String())
	}
	assert.Equal(t, []string{"a::f", "b::f", "plain"}, names)
}

func TestLibraryQualify(t *testing.T) {
	lib := NewLibrary(New(), "ns")
	for _, tc := range []struct {
		name, want string
		fails      bool
	}{
		{"f", "ns::f", false},
		{"ns::f", "ns::f", false},
		{"f.out", "ns::f.out", false},
		{"other::f", "", true},
	} {
		got, err := lib.qualify(schema.ParseOperatorName(tc.name))
		if tc.fails {
			assert.Errorf(t, err, "qualify(%q)", tc.name)
			continue
		}
		require.NoErrorf(t, err, "qualify(%q)", tc.name)
		assert.Equal(t, tc.want, got.String())
	}
}
