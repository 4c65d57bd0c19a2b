package kernel

import (
	"fmt"
	"reflect"
	"testing"

	"github.com/gomlx/opdispatch/pkg/dispatch/keys"
	"github.com/gomlx/opdispatch/pkg/dispatch/schema"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeOperator records the redispatches, and runs next (if set) for them.
type fakeOperator struct {
	redispatched []keys.Set
	next         Kernel
}

func (op *fakeOperator) OperatorName() schema.OperatorName {
	return schema.ParseOperatorName("test::op")
}

func (op *fakeOperator) Redispatch(ks keys.Set, stack *Stack) error {
	op.redispatched = append(op.redispatched, ks)
	if !op.next.IsValid() {
		return errors.New("nowhere to redispatch")
	}
	return op.next.CallBoxed(op, ks, stack)
}

func add(a, b int) int { return a + b }

func divide(ks keys.Set, a, b float64) (float64, error) {
	if b == 0 {
		return 0, errors.Errorf("division by zero with keys %s", ks)
	}
	return a / b, nil
}

func TestStack(t *testing.T) {
	s := NewStack(1, "two")
	s.Push(3.0)
	assert.Equal(t, 3, s.Len())

	v, ok := s.Peek(0)
	require.True(t, ok)
	assert.Equal(t, 3.0, v)
	v, ok = s.Peek(2)
	require.True(t, ok)
	assert.Equal(t, 1, v)
	_, ok = s.Peek(3)
	assert.False(t, ok)
	_, ok = s.Peek(-1)
	assert.False(t, ok)
	assert.Equal(t, []any{"two", 3.0}, s.Last(2))
	assert.Equal(t, []any{1, "two", 3.0}, s.Last(10))

	values, err := s.PopN(2)
	require.NoError(t, err)
	assert.Equal(t, []any{"two", 3.0}, values)
	v, err = s.Pop()
	require.NoError(t, err)
	assert.Equal(t, 1, v)

	_, err = s.Pop()
	assert.ErrorIs(t, err, ErrBoxing)
	_, err = s.PopN(1)
	assert.ErrorIs(t, err, ErrBoxing)
	values, err = s.PopN(0)
	require.NoError(t, err)
	assert.Empty(t, values)
}

func TestKernelStates(t *testing.T) {
	var missing Kernel
	assert.False(t, missing.IsValid())
	assert.False(t, missing.IsFallthrough())
	assert.Equal(t, "missing", missing.String())
	assert.Nil(t, missing.Signature())
	assert.Nil(t, missing.Functor())

	assert.True(t, Fallthrough().IsValid())
	assert.True(t, Fallthrough().IsFallthrough())
	assert.True(t, Fallthrough().Equal(Fallthrough()))
	assert.Equal(t, "fallthrough", Fallthrough().String())
	assert.Equal(t, "ambiguous autogradother", AmbiguousAutogradOther().String())
	assert.Equal(t, "named not supported", NamedNotSupported().String())

	k := MustFromUnboxed(add)
	assert.True(t, k.IsValid())
	assert.True(t, k.IsValidUnboxed())
	assert.False(t, k.IsFallthrough())
	assert.Equal(t, reflect.TypeOf(add), k.Signature())
	assert.Equal(t, "boxed unboxed func(int, int) int", k.String())
	assert.True(t, k.Equal(k))
	assert.False(t, k.Equal(MustFromUnboxed(add)))

	boxed := FromBoxed(func(op Operator, ks keys.Set, stack *Stack) error { return nil })
	assert.True(t, boxed.IsValid())
	assert.False(t, boxed.IsValidUnboxed())
	assert.Equal(t, "boxed", boxed.String())
	assert.False(t, FromBoxed(nil).IsValid())
	assert.False(t, FromFunctor(nil).IsValid())

	for _, bad := range []any{nil, 3, (func(int) int)(nil), fmt.Sprintf} {
		_, err := FromUnboxed(bad)
		assert.Errorf(t, err, "FromUnboxed(%T) should fail", bad)
	}
	assert.Panics(t, func() { MustFromUnboxed(7) })
}

func TestBoxingFidelity(t *testing.T) {
	op := &fakeOperator{}
	ks := keys.NewSet(keys.CPU)

	k := MustFromUnboxed(add)
	results, err := k.CallUnboxed(op, ks, 3, 4)
	require.NoError(t, err)
	assert.Equal(t, []any{add(3, 4)}, results)

	stack := NewStack("below", 3, 4)
	require.NoError(t, k.CallBoxed(op, ks, stack))
	assert.Equal(t, Stack{"below", 7}, *stack)

	// Numeric conversion of boxed arguments.
	sum, err := Call[int](k, op, ks, int64(3), int8(4))
	require.NoError(t, err)
	assert.Equal(t, 7, sum)

	// Keys are given to the kernel, and errors returned.
	d := MustFromUnboxed(divide)
	quotient, err := Call[float64](d, op, ks, 1, 4)
	require.NoError(t, err)
	assert.Equal(t, 0.25, quotient)
	_, err = Call[float64](d, op, ks, 1, 0)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Set(CPU)")
	stack = NewStack(1.0, 0.0)
	require.Error(t, d.CallBoxed(op, ks, stack))

	// Boxing errors.
	_, err = k.CallUnboxed(op, ks, 3)
	assert.ErrorIs(t, err, ErrBoxing)
	_, err = k.CallUnboxed(op, ks, 3, "four")
	assert.ErrorIs(t, err, ErrBoxing)
	_, err = k.CallUnboxed(op, ks, 3, nil)
	assert.ErrorIs(t, err, ErrBoxing)
	assert.ErrorIs(t, k.CallBoxed(op, ks, NewStack(3)), ErrBoxing)
	_, err = Call[string](k, op, ks, 3, 4)
	assert.ErrorIs(t, err, ErrBoxing)

	// nil is accepted for nillable arguments.
	length := MustFromUnboxed(func(values []int, name *string) int { return len(values) })
	n, err := Call[int](length, op, ks, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestSentinelKernels(t *testing.T) {
	op := &fakeOperator{}
	var missing Kernel
	err := missing.CallBoxed(op, keys.NewSet(keys.CPU), NewStack())
	assert.ErrorIs(t, err, ErrMissingKernel)
	assert.Contains(t, err.Error(), "test::op")

	err = AmbiguousAutogradOther().CallBoxed(op, keys.NewSet(keys.AutogradOther), NewStack())
	assert.ErrorIs(t, err, ErrAmbiguousAutogradOther)
	err = NamedNotSupported().CallBoxed(op, keys.NewSet(keys.Named), NewStack())
	assert.ErrorIs(t, err, ErrNamedNotSupported)
	assert.Error(t, Fallthrough().CallBoxed(nil, keys.NewSet(keys.CPU), NewStack()))
}

func TestFallthroughRedispatch(t *testing.T) {
	op := &fakeOperator{next: MustFromUnboxed(add)}
	ks := keys.NewSet(keys.ADInplaceOrView, keys.CPU)
	stack := NewStack(1, 2)
	require.NoError(t, Fallthrough().CallBoxed(op, ks, stack))
	require.Len(t, op.redispatched, 1)
	assert.Equal(t, []keys.Key{keys.CPU}, op.redispatched[0].Keys())
	assert.Equal(t, Stack{3}, *stack)
}

type countingFunctor struct {
	calls int
}

func (c *countingFunctor) Call(op Operator, ks keys.Set, stack *Stack) error {
	c.calls++
	return op.Redispatch(ks.Intersect(keys.FullAfter(keys.AutogradOther)), stack)
}

func TestFunctor(t *testing.T) {
	counter := &countingFunctor{}
	k := FromFunctor(counter)
	assert.Same(t, counter, k.Functor())

	op := &fakeOperator{next: MustFromUnboxed(add)}
	sum, err := Call[int](k, op, keys.NewSet(keys.AutogradCPU, keys.CPU), 2, 5)
	require.NoError(t, err)
	assert.Equal(t, 7, sum)
	assert.Equal(t, 1, counter.calls)
	assert.Equal(t, []keys.Key{keys.CPU}, op.redispatched[0].Keys())
}

func TestAsUnboxed(t *testing.T) {
	op := &fakeOperator{}
	ks := keys.NewSet(keys.CPU)

	// Unboxed kernel with the same type: returned as is.
	fn, err := AsUnboxed[func(a, b int) int](MustFromUnboxed(add), op, ks)
	require.NoError(t, err)
	assert.Equal(t, 5, fn(2, 3))
	unboxed, ok := Unboxed[func(a, b int) int](MustFromUnboxed(add))
	require.True(t, ok)
	assert.Equal(t, 9, unboxed(4, 5))
	_, ok = Unboxed[func(a, b float64) float64](MustFromUnboxed(add))
	assert.False(t, ok)

	// Unboxed kernel with a different type.
	_, err = AsUnboxed[func(a, b float64) float64](MustFromUnboxed(add), op, ks)
	assert.ErrorIs(t, err, ErrSignatureMismatch)
	_, err = AsUnboxed[int](MustFromUnboxed(add), op, ks)
	assert.Error(t, err)

	// Boxed kernel: a typed function is synthesized.
	var seenKeys []keys.Set
	boxedMul := FromBoxed(func(_ Operator, ks keys.Set, stack *Stack) error {
		seenKeys = append(seenKeys, ks)
		args, err := stack.PopN(2)
		if err != nil {
			return err
		}
		a, b := args[0].(int), args[1].(int)
		if b < 0 {
			return errors.New("negative")
		}
		stack.Push(a * b)
		return nil
	})
	mul, err := AsUnboxed[func(a, b int) (int, error)](boxedMul, op, ks)
	require.NoError(t, err)
	product, err := mul(6, 7)
	require.NoError(t, err)
	assert.Equal(t, 42, product)
	_, err = mul(6, -1)
	assert.Error(t, err)
	assert.Equal(t, ks, seenKeys[0])

	mulWithKeys, err := AsUnboxed[func(ks keys.Set, a, b int) (int, error)](boxedMul, op, ks)
	require.NoError(t, err)
	cudaKeys := keys.NewSet(keys.CUDA)
	_, err = mulWithKeys(cudaKeys, 1, 2)
	require.NoError(t, err)
	assert.Equal(t, cudaKeys, seenKeys[len(seenKeys)-1])

	// Without an error result, errors panic.
	mulNoError, err := AsUnboxed[func(a, b int) int](boxedMul, op, ks)
	require.NoError(t, err)
	assert.Equal(t, 4, mulNoError(2, 2))
	assert.Panics(t, func() { mulNoError(2, -2) })

	// Missing kernel.
	missing, err := AsUnboxed[func(a, b int) (int, error)](Kernel{}, op, ks)
	require.NoError(t, err)
	_, err = missing(1, 2)
	assert.ErrorIs(t, err, ErrMissingKernel)
}

func TestAsUnboxedWithKeys(t *testing.T) {
	op := &fakeOperator{}
	withKeys := MustFromUnboxed(func(ks keys.Set, a, b int) int {
		if ks.Has(keys.CUDA) {
			return a * b
		}
		return a + b
	})
	fn, err := AsUnboxed[func(a, b int) int](withKeys, op, keys.NewSet(keys.CUDA))
	require.NoError(t, err)
	assert.Equal(t, 12, fn(3, 4))
	fn, err = AsUnboxed[func(a, b int) int](withKeys, op, keys.NewSet(keys.CPU))
	require.NoError(t, err)
	assert.Equal(t, 7, fn(3, 4))
	_, err = AsUnboxed[func(a, b int) (int, error)](withKeys, op, keys.NewSet(keys.CPU))
	assert.ErrorIs(t, err, ErrSignatureMismatch)
}
