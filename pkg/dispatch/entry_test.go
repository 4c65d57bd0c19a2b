package dispatch

import (
	"fmt"
	"math/rand/v2"
	"testing"

	"github.com/gomlx/opdispatch/pkg/dispatch/kernel"
	"github.com/gomlx/opdispatch/pkg/dispatch/keys"
	"github.com/gomlx/opdispatch/pkg/dispatch/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func requireCall(t *testing.T, op OperatorHandle, want string, ks ...keys.Key) {
	t.Helper()
	got, err := callFn(op, ks...)
	require.NoErrorf(t, err, "calling with %s", keys.NewSet(ks...))
	require.Equalf(t, want, got, "calling with %s", keys.NewSet(ks...))
}

func requireMissing(t *testing.T, op OperatorHandle, ks ...keys.Key) error {
	t.Helper()
	_, err := callFn(op, ks...)
	require.ErrorIsf(t, err, ErrNotImplemented, "calling with %s", keys.NewSet(ks...))
	require.ErrorIs(t, err, kernel.ErrMissingKernel)
	return err
}

func TestCompositeImplicitAutograd(t *testing.T) {
	d := newTestDispatcher(t)
	op := defineFn(t, d)
	mustImpl(t, d, keys.CPU, returning("cpu"), "cpu")
	mustImpl(t, d, keys.CompositeImplicitAutograd, returning("math"), "math")

	requireCall(t, op, "cpu", keys.CPU)
	requireCall(t, op, "math", keys.CUDA)
	requireCall(t, op, "math", keys.AutogradCUDA, keys.CUDA)
	requireCall(t, op, "math")

	// AutogradCPU has a backend kernel for CPU, so the math kernel is not used for it.
	err := requireMissing(t, op, keys.AutogradCPU, keys.CPU)
	assert.Contains(t, err.Error(), "Could not run 'test::fn' with arguments from the 'AutogradCPU' backend")

	_, provenance := op.Entry().Explain(keys.AutogradCPU)
	assert.Equal(t, ProvenanceMissing, provenance)
	_, provenance = op.Entry().Explain(keys.AutogradCUDA)
	assert.Equal(t, ProvenanceMath, provenance)
	ak, provenance := op.Entry().Explain(keys.CPU)
	assert.Equal(t, ProvenanceKernel, provenance)
	assert.Equal(t, "cpu", ak.Debug)
	_, provenance = op.Entry().Explain(keys.CompositeImplicitAutograd)
	assert.Equal(t, ProvenanceMissing, provenance)

	// A fallthrough fallback for AutogradCPU sends the call to CPU.
	h, err := d.RegisterFallback(keys.AutogradCPU, kernel.Fallthrough(), "autograd fallthrough")
	require.NoError(t, err)
	requireCall(t, op, "cpu", keys.AutogradCPU, keys.CPU)
	_, provenance = op.Entry().Explain(keys.AutogradCPU)
	assert.Equal(t, ProvenanceBackendFallback, provenance)
	h.Release()
	requireMissing(t, op, keys.AutogradCPU, keys.CPU)
}

func TestCompositeImplicitAutogradWithWrappers(t *testing.T) {
	d := newTestDispatcher(t)
	op := defineFn(t, d)
	mustImpl(t, d, keys.CompositeImplicitAutograd, returning("math"), "math")
	requireCall(t, op, "math", keys.AutogradCPU, keys.CPU)

	// Kernels for wrapper functionalities are not backend kernels: autograd keys keep using the
	// math kernel.
	for _, key := range []keys.Key{keys.ADInplaceOrView, keys.Tracer} {
		h := mustImpl(t, d, key, returning(key.String()), key.String())
		for _, autogradKey := range []keys.Key{keys.AutogradCPU, keys.AutogradCUDA} {
			_, provenance := op.Entry().Explain(autogradKey)
			assert.Equalf(t, ProvenanceMath, provenance, "%s with a kernel for %s", autogradKey, key)
		}
		requireCall(t, op, "math", keys.AutogradCPU, keys.CPU)
		requireCall(t, op, "math", keys.AutogradCUDA, keys.CUDA)
		requireCall(t, op, key.String(), key, keys.CPU)
		h.Release()
	}

	// Sparse and quantized kernels of a backend don't count for its dedicated autograd key.
	h := mustImpl(t, d, keys.SparseCPU, returning("sparse"), "sparse")
	requireCall(t, op, "math", keys.AutogradCPU, keys.CPU)
	h.Release()

	h = mustImpl(t, d, keys.CPU, returning("cpu"), "cpu")
	requireMissing(t, op, keys.AutogradCPU, keys.CPU)
	h.Release()
	requireCall(t, op, "math", keys.AutogradCPU, keys.CPU)
}

func TestCatchAll(t *testing.T) {
	d := newTestDispatcher(t)
	op := defineFn(t, d)
	h := mustImpl(t, d, keys.CatchAll, returning("catch all"), "catch all")
	assert.True(t, op.HasKernelForDispatchKey(keys.CompositeImplicitAutograd))
	assert.False(t, op.HasKernelForDispatchKey(keys.CatchAll))
	requireCall(t, op, "catch all", keys.CUDA)
	requireCall(t, op, "catch all")
	h.Release()
	assert.False(t, op.HasKernelForDispatchKey(keys.CompositeImplicitAutograd))
	requireMissing(t, op, keys.CUDA)
}

func TestCompositeExplicitAutograd(t *testing.T) {
	d := newTestDispatcher(t)
	op := defineFn(t, d)
	mustImpl(t, d, keys.CompositeImplicitAutograd, returning("math"), "math")
	requireCall(t, op, "math", keys.AutogradCUDA, keys.CUDA)

	h := mustImpl(t, d, keys.CompositeExplicitAutograd, returning("default"), "default")
	requireCall(t, op, "default", keys.CPU)
	requireCall(t, op, "default", keys.Meta)
	requireCall(t, op, "default")
	_, provenance := op.Entry().Explain(keys.CUDA)
	assert.Equal(t, ProvenanceDefaultBackend, provenance)

	// Autograd keys don't use the CompositeImplicitAutograd kernel anymore, since there is a backend
	// kernel.
	requireMissing(t, op, keys.AutogradCUDA, keys.CUDA)

	hNonFunctional := mustImpl(t, d, keys.CompositeExplicitAutogradNonFunctional, returning("non functional"), "nf")
	requireCall(t, op, "non functional", keys.CPU)
	hNonFunctional.Release()
	requireCall(t, op, "default", keys.CPU)

	h.Release()
	requireCall(t, op, "math", keys.AutogradCUDA, keys.CUDA)
	requireCall(t, op, "math", keys.CPU)
}

func TestDirectBeatsComposite(t *testing.T) {
	d := newTestDispatcher(t)
	op := defineFn(t, d)
	mustImpl(t, d, keys.CompositeExplicitAutograd, returning("default"), "default")
	h := mustImpl(t, d, keys.CUDA, returning("cuda"), "cuda")
	requireCall(t, op, "cuda", keys.CUDA)
	requireCall(t, op, "default", keys.CPU)
	h.Release()
	requireCall(t, op, "default", keys.CUDA)
}

func TestAutogradAlias(t *testing.T) {
	d := newTestDispatcher(t)
	op := defineFn(t, d)
	mustImpl(t, d, keys.CPU, returning("cpu"), "cpu")
	mustImpl(t, d, keys.Autograd, kernel.FromBoxed(func(o kernel.Operator, ks keys.Set, stack *kernel.Stack) error {
		if err := o.Redispatch(ks.Intersect(keys.FullAfter(keys.AutogradOther)), stack); err != nil {
			return err
		}
		result, err := stack.Pop()
		if err != nil {
			return err
		}
		stack.Push("autograd+" + result.(string))
		return nil
	}), "autograd")
	requireCall(t, op, "autograd+cpu", keys.AutogradCPU, keys.CPU)
	requireCall(t, op, "cpu", keys.CPU)
	_, provenance := op.Entry().Explain(keys.AutogradCUDA)
	assert.Equal(t, ProvenanceAutograd, provenance)

	// A direct autograd kernel has precedence.
	h := mustImpl(t, d, keys.AutogradCPU, kernel.Fallthrough(), "autograd cpu fallthrough")
	requireCall(t, op, "cpu", keys.AutogradCPU, keys.CPU)
	h.Release()
	requireCall(t, op, "autograd+cpu", keys.AutogradCPU, keys.CPU)
}

func TestAmbiguousAutogradOther(t *testing.T) {
	for _, backendKey := range []keys.Key{keys.SparseCPU, keys.Vulkan} {
		t.Run(backendKey.String(), func(t *testing.T) {
			d := newTestDispatcher(t)
			op := defineFn(t, d)
			mustImpl(t, d, keys.CompositeImplicitAutograd, returning("math"), "math")
			requireCall(t, op, "math", keys.AutogradOther, backendKey)

			h := mustImpl(t, d, backendKey, returning("backend"), "backend")
			ak, provenance := op.Entry().Explain(keys.AutogradOther)
			assert.Equal(t, ProvenanceAmbiguousAutogradOther, provenance)
			assert.Equal(t, "ambiguous_autogradother", ak.Debug)
			_, err := callFn(op, keys.AutogradOther, backendKey)
			require.ErrorIs(t, err, kernel.ErrAmbiguousAutogradOther)
			requireCall(t, op, "backend", backendKey)

			// A kernel registered to AutogradOther resolves the ambiguity.
			hOther := mustImpl(t, d, keys.AutogradOther, kernel.Fallthrough(), "autograd other")
			requireCall(t, op, "backend", keys.AutogradOther, backendKey)
			hOther.Release()

			h.Release()
			requireCall(t, op, "math", keys.AutogradOther, backendKey)
		})
	}
}

func TestOverrideStack(t *testing.T) {
	d := newTestDispatcher(t)
	op := defineFn(t, d)
	h1 := mustImpl(t, d, keys.CPU, returning("first"), "first")
	h2 := mustImpl(t, d, keys.CPU, returning("second"), "second")
	h3 := mustImpl(t, d, keys.CPU, returning("third"), "third")
	requireCall(t, op, "third", keys.CPU)
	assert.Contains(t, op.DumpState(), "CPU (inactive): first")

	// Releasing an inactive registration doesn't change the table.
	h2.Release()
	requireCall(t, op, "third", keys.CPU)
	h3.Release()
	requireCall(t, op, "first", keys.CPU)
	h1.Release()
	assert.False(t, op.HasKernelForDispatchKey(keys.CPU))
	requireMissing(t, op, keys.CPU)
	assert.Equal(t, 0, op.Entry().arena.numLive())
	assert.Nil(t, op.Entry().KernelForDispatchKey(keys.CPU))

	// Slots are reused, stale handles are detected.
	h4 := mustImpl(t, d, keys.CPU, returning("fourth"), "fourth")
	requireCall(t, op, "fourth", keys.CPU)
	assert.Panics(t, func() { op.Entry().deregisterKernel(KernelHandle{key: keys.CPU, index: 0, generation: 1}) })
	h4.Release()
}

func TestRegisterDeregisterRoundTrip(t *testing.T) {
	d := newTestDispatcher(t)
	op := defineFn(t, d)
	mustImpl(t, d, keys.CPU, returning("cpu"), "cpu")
	mustImpl(t, d, keys.CompositeImplicitAutograd, returning("math"), "math")
	state, table := op.DumpState(), op.DumpComputedTable()
	assert.Contains(t, table, "CPU: cpu [kernel]")
	assert.Contains(t, table, "CUDA: math [math kernel]")
	assert.Contains(t, state, "CompositeImplicitAutograd[alias]: math")

	for _, key := range []keys.Key{keys.CUDA, keys.AutogradOther, keys.Autograd, keys.CompositeExplicitAutograd,
		keys.CompositeExplicitAutogradNonFunctional, keys.SparseCPU, keys.Meta, keys.CPU} {
		h := mustImpl(t, d, key, returning(key.String()), key.String())
		assert.NotEqual(t, table, op.DumpComputedTable(), "registering to %s", key)
		h.Release()
		assert.Equal(t, state, op.DumpState(), "after releasing %s", key)
		assert.Equal(t, table, op.DumpComputedTable(), "after releasing %s", key)
	}
}

func TestFallthroughFastPath(t *testing.T) {
	d := newTestDispatcher(t)
	op := defineFn(t, d)
	mustImpl(t, d, keys.CPU, returning("cpu"), "cpu")
	_, err := d.RegisterFallback(keys.ADInplaceOrView, kernel.Fallthrough(), "view fallthrough")
	require.NoError(t, err)
	assert.True(t, op.Entry().extractor.isFallthrough(keys.ADInplaceOrView))
	requireCall(t, op, "cpu", keys.ADInplaceOrView, keys.CPU)

	key, k, err := op.Lookup(keys.NewSet(keys.ADInplaceOrView, keys.CPU))
	require.NoError(t, err)
	assert.Equal(t, keys.CPU, key)
	assert.False(t, k.IsFallthrough())

	// A direct kernel for the operator replaces the fallthrough.
	h := mustImpl(t, d, keys.ADInplaceOrView, returning("view"), "view")
	assert.False(t, op.Entry().extractor.isFallthrough(keys.ADInplaceOrView))
	requireCall(t, op, "view", keys.ADInplaceOrView, keys.CPU)
	h.Release()
	requireCall(t, op, "cpu", keys.ADInplaceOrView, keys.CPU)

	// Only fallthrough kernels: the Undefined slot is used.
	err = requireMissing(t, op, keys.ADInplaceOrView)
	assert.Contains(t, err.Error(), "There were no tensor arguments to this function")
	mustImpl(t, d, keys.CompositeExplicitAutograd, returning("default"), "default")
	requireCall(t, op, "default", keys.ADInplaceOrView)
}

func TestFallthroughMultipleBackends(t *testing.T) {
	d := newTestDispatcher(t)
	op := defineFn(t, d)
	mustImpl(t, d, keys.CPU, returning("cpu"), "cpu")
	mustImpl(t, d, keys.CUDA, returning("cuda"), "cuda")
	mustImpl(t, d, keys.AutogradCPU, returning("autograd cpu"), "autograd cpu")
	mustImpl(t, d, keys.AutogradCUDA, kernel.Fallthrough(), "autograd cuda fallthrough")

	// A per-backend functionality is only considered for the highest backend of the call.
	mixed := []keys.Key{keys.AutogradCPU, keys.AutogradCUDA, keys.CPU, keys.CUDA}
	requireCall(t, op, "cuda", mixed...)
	key, _, err := op.Lookup(keys.NewSet(mixed...))
	require.NoError(t, err)
	assert.Equal(t, keys.CUDA, key)
	requireCall(t, op, "autograd cpu", keys.AutogradCPU, keys.CPU)

	// The fallthrough kernel redispatches to the same kernel.
	stack := kernel.NewStack(newTensor("x", mixed...))
	require.NoError(t, kernel.Fallthrough().CallBoxed(op, keys.NewSet(mixed...), stack))
	result, err := stack.Pop()
	require.NoError(t, err)
	assert.Equal(t, "cuda", result)

	// Without a kernel for the highest backend, lower backends are not used.
	d2 := newTestDispatcher(t)
	op2 := defineFn(t, d2)
	mustImpl(t, d2, keys.CPU, returning("cpu"), "cpu")
	err = requireMissing(t, op2, keys.CPU, keys.CUDA)
	assert.Contains(t, err.Error(), "'CUDA' backend")
}

func TestReportError(t *testing.T) {
	d := newTestDispatcher(t)
	op := defineFn(t, d)
	mustImpl(t, d, keys.CPU, returning("cpu"), "cpu")
	err := requireMissing(t, op, keys.CUDA)
	assert.Contains(t, err.Error(), "Could not run 'test::fn' with arguments from the 'CUDA' backend")
	assert.Contains(t, err.Error(), "only available for these backends: [CPU]")
	assert.Contains(t, err.Error(), "CPU: cpu [kernel]")

	err = requireMissing(t, op)
	assert.Contains(t, err.Error(), "There were no tensor arguments to this function")
	mustImpl(t, d, keys.CompositeExplicitAutograd, returning("default"), "default")
	requireCall(t, op, "default")
}

func TestExtractor(t *testing.T) {
	d := newTestDispatcher(t)
	multi := schema.MustParse("test::multi(Tensor a, int n, Tensor[] list, Tensor? b) -> str")
	_, err := d.RegisterDef(multi, "multi")
	require.NoError(t, err)
	op := d.MustFindSchema("test::multi")
	e := &op.Entry().extractor
	assert.Equal(t, []int{0, 2, 3}, e.tensorArgs)

	cpu, cuda, meta := newTensor("a", keys.CPU), newTensor("b", keys.CUDA), newTensor("c", keys.Meta)
	assert.Equal(t, keys.NewSet(keys.CPU, keys.CUDA, keys.Meta),
		e.keysOfArgs([]any{cpu, 1, []*tensor{cuda, nil}, meta}))
	var nilTensor *tensor
	assert.Equal(t, keys.NewSet(keys.CPU), e.keysOfArgs([]any{cpu, 1, nil, nilTensor}))
	assert.Equal(t, keys.NewSet(keys.CUDA), e.keysOfArgs([]any{nil, 1, []keys.Carrier{cuda}, nil}))

	// Non-tensor arguments are not scanned, even if they carry keys.
	assert.Equal(t, keys.NewSet(keys.CPU), e.keysOfArgs([]any{cpu, meta, nil, nil}))

	// Without a schema (or with the wrong number of arguments) every argument is scanned.
	assert.Equal(t, keys.NewSet(keys.CPU, keys.Meta), e.keysOfArgs([]any{cpu, meta}))
	undefined := d.FindOrRegisterName(fnName)
	assert.Equal(t, keys.NewSet(keys.CPU, keys.Meta), undefined.Entry().extractor.keysOfArgs([]any{cpu, "x", meta}))

	stack := kernel.NewStack("below", cpu, 1, []*tensor{cuda}, nil)
	assert.Equal(t, keys.NewSet(keys.CPU, keys.CUDA), e.keysOfBoxed(stack))
}

// TestRandomRegistrations checks the incremental table updates against a full recomputation, for
// random sequences of registrations and releases.
func TestRandomRegistrations(t *testing.T) {
	registrationKeys := []keys.Key{
		keys.CPU, keys.CUDA, keys.SparseCPU, keys.Vulkan, keys.AutogradCPU, keys.AutogradOther,
		keys.ADInplaceOrView, keys.Tracer, keys.Meta, keys.Autograd, keys.CompositeImplicitAutograd,
		keys.CompositeExplicitAutograd, keys.CompositeExplicitAutogradNonFunctional, keys.CatchAll,
	}
	fallbackKeys := []keys.Key{keys.CUDA, keys.AutogradCPU, keys.ADInplaceOrView, keys.Tracer, keys.Autograd}

	rng := rand.New(rand.NewPCG(42, 7))
	for round := range 20 {
		d := newTestDispatcher(t)
		op := defineFn(t, d)
		var active []*RegistrationHandle
		fallbacks := make(map[keys.Key]*RegistrationHandle)
		for step := range 60 {
			switch choice := rng.IntN(10); {
			case choice < 5:
				key := registrationKeys[rng.IntN(len(registrationKeys))]
				k := returning(key.String())
				if rng.IntN(4) == 0 {
					k = kernel.Fallthrough()
				}
				active = append(active, mustImpl(t, d, key, k, fmt.Sprintf("round %d step %d", round, step)))
			case choice < 8 && len(active) > 0:
				idx := rng.IntN(len(active))
				active[idx].Release()
				active = append(active[:idx], active[idx+1:]...)
			default:
				key := fallbackKeys[rng.IntN(len(fallbackKeys))]
				if h, found := fallbacks[key]; found {
					h.Release()
					delete(fallbacks, key)
					continue
				}
				k := kernel.Fallthrough()
				if rng.IntN(2) == 0 {
					k = returning("fallback " + key.String())
				}
				h, err := d.RegisterFallback(key, k, "fallback")
				if err != nil {
					// Autograd overlaps AutogradCPU.
					require.ErrorContains(t, err, "already registered")
					continue
				}
				fallbacks[key] = h
			}
			require.NotPanicsf(t, op.CheckInvariants, "round %d step %d", round, step)
		}
		for _, h := range active {
			h.Release()
		}
		for _, h := range fallbacks {
			h.Release()
		}
		require.NotPanics(t, op.CheckInvariants)
		assert.Empty(t, op.DumpComputedTable())
	}
}
