package refops

import (
	"testing"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/opdispatch/pkg/dispatch"
	"github.com/gomlx/opdispatch/pkg/dispatch/keys"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/x448/float16"
)

func newOps(t *testing.T) (*dispatch.Dispatcher, *Ops) {
	d := dispatch.New(dispatch.WithName(t.Name()), dispatch.WithInvariantChecks(true))
	ops, err := Register(d)
	require.NoError(t, err)
	t.Cleanup(ops.Release)
	return d, ops
}

func requireValues[T Element](t *testing.T, want []T, tensor *Tensor) {
	t.Helper()
	got, err := Values[T](tensor)
	require.NoError(t, err)
	require.Equal(t, want, got)
}

func TestRegister(t *testing.T) {
	d, ops := newOps(t)
	for _, name := range []string{"ref::abs", "ref::abs.out", "ref::abs_", "ref::neg", "ref::add", "ref::mul", "ref::sub"} {
		op := d.MustFindSchema(name)
		assert.Contains(t, op.Entry().Tags(), "pointwise")
	}
	assert.Empty(t, d.FindDanglingImpls())
	assert.Same(t, d, ops.Library().Dispatcher())

	// Registering twice fails, and leaves the first registration intact.
	_, err := Register(d)
	require.ErrorIs(t, err, dispatch.ErrSchemaAlreadyRegistered)
	abs, err := ops.Abs(FromValues([]int32{-1, 2}))
	require.NoError(t, err)
	requireValues(t, []int32{1, 2}, abs)

	ops.Release()
	_, found := d.FindSchema(opName("abs"))
	assert.False(t, found)
	_, found = d.Fallback(keys.ADInplaceOrView)
	assert.False(t, found)
}

func TestCPUDTypes(t *testing.T) {
	_, ops := newOps(t)

	x32, err := ops.Neg(FromValues([]int32{1, -2, 3}))
	require.NoError(t, err)
	requireValues(t, []int32{-1, 2, -3}, x32)

	x64, err := ops.Abs(FromValues([]int64{-5, 5}))
	require.NoError(t, err)
	requireValues(t, []int64{5, 5}, x64)

	f32, err := ops.Mul(FromValues([]float32{1.5, -2}, 2, 1), FromValues([]float32{2, 3}, 2, 1))
	require.NoError(t, err)
	requireValues(t, []float32{3, -6}, f32)
	assert.Equal(t, []int{2, 1}, f32.Shape)

	f64, err := ops.Add(FromValues([]float64{0.25, 1}), FromValues([]float64{0.5, -3}))
	require.NoError(t, err)
	requireValues(t, []float64{0.75, -2}, f64)
	assert.Equal(t, dtypes.Float64, f64.DType)

	half := []float16.Float16{float16.Fromfloat32(-1.5), float16.Fromfloat32(2)}
	f16, err := ops.Abs(FromValues(half))
	require.NoError(t, err)
	requireValues(t, []float16.Float16{float16.Fromfloat32(1.5), float16.Fromfloat32(2)}, f16)
	f16, err = ops.Add(FromValues(half), FromValues(half))
	require.NoError(t, err)
	requireValues(t, []float16.Float16{float16.Fromfloat32(-3), float16.Fromfloat32(4)}, f16)

	// Unsupported dtype.
	int8Tensor := &Tensor{DType: dtypes.Int8, Shape: []int{1}, Data: []int8{-1}, Keys: KeysFor(keys.BackendCPU, false)}
	_, err = ops.Abs(int8Tensor)
	require.ErrorIs(t, err, ErrDTypeNotSupported)
}

func TestPrivateUse1(t *testing.T) {
	_, ops := newOps(t)
	x := FromValues([]float32{-1, 1}).WithKeys(KeysFor(keys.BackendPrivateUse1, false))
	y, err := ops.Neg(x)
	require.NoError(t, err)
	requireValues(t, []float32{1, -1}, y)
	assert.True(t, y.Keys.Has(keys.PrivateUse1))
}

func TestIncompatible(t *testing.T) {
	_, ops := newOps(t)
	_, err := ops.Add(FromValues([]float32{1}), FromValues([]float64{1}))
	require.ErrorIs(t, err, ErrIncompatible)
	_, err = ops.Mul(FromValues([]float32{1, 2}), FromValues([]float32{1, 2}, 2, 1))
	require.ErrorIs(t, err, ErrIncompatible)
	_, err = ops.Add(NewMeta(dtypes.Float32, 2), NewMeta(dtypes.Float32, 3))
	require.ErrorIs(t, err, ErrIncompatible)
	assert.Panics(t, func() { FromValues([]float32{1, 2, 3}, 2, 2) })
}

func TestMeta(t *testing.T) {
	_, ops := newOps(t)
	a, b := NewMeta(dtypes.Float32, 2, 3), NewMeta(dtypes.Float32, 2, 3)
	for name, fn := range map[string]func() (*Tensor, error){
		"abs": func() (*Tensor, error) { return ops.Abs(a) },
		"neg": func() (*Tensor, error) { return ops.Neg(a) },
		"add": func() (*Tensor, error) { return ops.Add(a, b) },
		"mul": func() (*Tensor, error) { return ops.Mul(a, b) },
		"sub": func() (*Tensor, error) { return ops.Sub(a, b) },
	} {
		out, err := fn()
		require.NoErrorf(t, err, "meta %s", name)
		assert.Truef(t, out.IsMeta(), "meta %s", name)
		assert.Equal(t, []int{2, 3}, out.Shape)
		assert.Equal(t, dtypes.Float32, out.DType)
	}
}

func TestCompositeSub(t *testing.T) {
	_, ops := newOps(t)
	diff, err := ops.Sub(FromValues([]int64{5, 1}), FromValues([]int64{2, 4}))
	require.NoError(t, err)
	requireValues(t, []int64{3, -3}, diff)
	assert.Empty(t, ops.Tape.Records())
}

func TestNotImplementedBackend(t *testing.T) {
	_, ops := newOps(t)
	cuda := FromValues([]float32{1}).WithKeys(KeysFor(keys.BackendCUDA, false))
	_, err := ops.Abs(cuda)
	require.ErrorIs(t, err, dispatch.ErrNotImplemented)
	assert.Contains(t, err.Error(), "'CUDA' backend")
	_, err = ops.Sub(cuda, cuda)
	require.ErrorIs(t, err, dispatch.ErrNotImplemented)
}

func TestAutograd(t *testing.T) {
	_, ops := newOps(t)
	a := FromValues([]float32{1, -2}).RequiringGrad()
	b := FromValues([]float32{3, 4}).RequiringGrad()
	assert.True(t, a.Keys.Has(keys.AutogradCPU))

	c, err := ops.Mul(a, b)
	require.NoError(t, err)
	requireValues(t, []float32{3, -8}, c)
	d, err := ops.Sub(c, a)
	require.NoError(t, err)
	requireValues(t, []float32{2, -6}, d)

	// Plain tensors are not recorded.
	_, err = ops.Abs(FromValues([]float32{-1}))
	require.NoError(t, err)

	assert.Equal(t, []string{"ref::mul", "ref::neg", "ref::add"}, ops.Tape.Ops())
	records := ops.Tape.Records()
	require.Len(t, records, 3)
	assert.Equal(t, []any{a, b}, records[0].Inputs)
	assert.Equal(t, []any{c}, records[0].Outputs)
	ops.Tape.Reset()
	assert.Empty(t, ops.Tape.Ops())
}

func TestAbsOutAndInplace(t *testing.T) {
	_, ops := newOps(t)
	x := FromValues([]float64{-1, 2, -3})
	out := FromValues([]float64{0, 0, 0})
	got, err := ops.AbsOut(x, out)
	require.NoError(t, err)
	assert.Same(t, out, got)
	requireValues(t, []float64{1, 2, 3}, out)
	requireValues(t, []float64{-1, 2, -3}, x)
	_, err = ops.AbsOut(x, FromValues([]float64{0}))
	require.ErrorIs(t, err, ErrIncompatible)

	// Without grad the version is not tracked.
	got, err = ops.AbsInplace(x)
	require.NoError(t, err)
	assert.Same(t, x, got)
	requireValues(t, []float64{1, 2, 3}, x)
	assert.Equal(t, 0, x.Version)

	g := FromValues([]float64{-4}).RequiringGrad()
	got, err = ops.AbsInplace(g)
	require.NoError(t, err)
	assert.Same(t, g, got)
	requireValues(t, []float64{4}, g)
	assert.Equal(t, 1, g.Version)
	assert.Equal(t, []string{"ref::abs_"}, ops.Tape.Ops())

	meta := NewMeta(dtypes.Float32, 2)
	got, err = ops.AbsInplace(meta)
	require.NoError(t, err)
	assert.Same(t, meta, got)
}
