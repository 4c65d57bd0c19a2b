package dispatch

import (
	"github.com/gomlx/opdispatch/pkg/dispatch/kernel"
	"github.com/gomlx/opdispatch/pkg/dispatch/keys"
)

// Provenance tags returned by computeDispatchTableEntryWithDebug, and listed by DumpComputedTable.
const (
	ProvenanceKernel                 = "kernel"
	ProvenanceDefaultBackend         = "default backend kernel"
	ProvenanceAmbiguousAutogradOther = "ambiguous autogradother"
	ProvenanceMath                   = "math kernel"
	ProvenanceAutograd               = "autograd kernel"
	ProvenanceBackendFallback        = "backend fallback"
	ProvenanceMissing                = "missing"
)

var (
	ambiguousAutogradOtherKernel = kernel.Annotated{Kernel: kernel.AmbiguousAutogradOther(), Debug: "ambiguous_autogradother"}
	missingKernel                = kernel.Annotated{Debug: "missing"}
)

func (e *OperatorEntry) computeDispatchTableEntry(key keys.Key) kernel.Annotated {
	ak, _ := e.computeDispatchTableEntryWithDebug(key)
	return ak
}

// computeDispatchTableEntryWithDebug resolves the kernel for a runtime key (or Undefined), in order:
//
//  1. A kernel registered directly to the key.
//  2. CompositeExplicitAutogradNonFunctional, then CompositeExplicitAutograd, if they cover the key.
//  3. CompositeImplicitAutograd, if it covers the key and no backend kernel exists for it. For
//     AutogradOther, the ambiguous kernel if some of its backends has a kernel.
//  4. Autograd, if it covers the key.
//  5. The backend fallback of the key.
//  6. The missing kernel.
//
// Undefined is covered by the composite keys, even though it's not part of their sets.
func (e *OperatorEntry) computeDispatchTableEntryWithDebug(key keys.Key) (kernel.Annotated, string) {
	if direct := e.KernelForDispatchKey(key); direct != nil {
		return *direct, ProvenanceKernel
	}

	if key == keys.Undefined || keys.IsIncludedInAlias(key, keys.CompositeExplicitAutogradNonFunctional) {
		if ak := e.KernelForDispatchKey(keys.CompositeExplicitAutogradNonFunctional); ak != nil {
			return *ak, ProvenanceDefaultBackend
		}
	}
	if key == keys.Undefined || keys.IsIncludedInAlias(key, keys.CompositeExplicitAutograd) {
		if ak := e.KernelForDispatchKey(keys.CompositeExplicitAutograd); ak != nil {
			return *ak, ProvenanceDefaultBackend
		}
	}

	// With a CompositeExplicitAutograd kernel, only keys that are not backends (e.g. autograd keys)
	// get here.
	hasBackendKernel := e.HasKernelForAnyDispatchKey(keys.BackendSetFromAutograd(key)) ||
		e.HasKernelForDispatchKey(keys.CompositeExplicitAutograd)
	if key == keys.Undefined || keys.IsIncludedInAlias(key, keys.CompositeImplicitAutograd) {
		if ak := e.KernelForDispatchKey(keys.CompositeImplicitAutograd); ak != nil {
			if key == keys.AutogradOther && e.HasKernelForAnyDispatchKey(keys.AutogradOtherBackends) {
				return ambiguousAutogradOtherKernel, ProvenanceAmbiguousAutogradOther
			} else if !hasBackendKernel {
				return *ak, ProvenanceMath
			}
		}
	}

	if keys.IsIncludedInAlias(key, keys.Autograd) {
		if ak := e.KernelForDispatchKey(keys.Autograd); ak != nil {
			return *ak, ProvenanceAutograd
		}
	}

	if idx := key.TableIndex(); idx >= 0 && e.dispatcher.fallbacks[idx].Kernel.IsValid() {
		return e.dispatcher.fallbacks[idx], ProvenanceBackendFallback
	}
	return missingKernel, ProvenanceMissing
}

// updateTableEntry recomputes only the table entry of key, and its fallthrough flag.
func (e *OperatorEntry) updateTableEntry(key keys.Key) {
	idx := key.TableIndex()
	if idx < 0 {
		return
	}
	e.table[idx] = e.computeDispatchTableEntry(key)
	e.extractor.setFallthrough(key, e.table[idx].Kernel.IsFallthrough())
}

// updateTable recomputes the entries that depend on registrations (or fallbacks) for key:
//
//   - The runtime keys covered by key (itself, or the expansion of an alias). A
//     CompositeExplicitAutograd registration also disables CompositeImplicitAutograd kernels, so the
//     whole CompositeImplicitAutograd expansion is refreshed.
//   - Undefined, for the composite aliases.
//   - The autograd key paired with a backend key, and any other autograd key whose backend group
//     includes key.
func (e *OperatorEntry) updateTable(key keys.Key) {
	if key == keys.Undefined {
		e.updateTableEntry(keys.Undefined)
		return
	}
	covered := keys.RuntimeSet(key)
	if key == keys.CompositeExplicitAutograd {
		covered = covered.Union(keys.MathSet)
	}
	for k := range covered.All() {
		e.updateTableEntry(k)
	}
	switch key {
	case keys.CompositeImplicitAutograd, keys.CompositeExplicitAutograd, keys.CompositeExplicitAutogradNonFunctional:
		e.updateTableEntry(keys.Undefined)
	}
	if key.IsBackendKey() {
		e.updateTableEntry(keys.AutogradKeyFromBackend(key.Backend()))
	}
	for _, dependent := range keys.AutogradDependents(key) {
		e.updateTableEntry(dependent)
	}
}

// updateTableFull recomputes Undefined and then every runtime key, in table order.
func (e *OperatorEntry) updateTableFull() {
	for idx := range keys.NumRuntimeEntries {
		e.updateTableEntry(keys.KeyForTableIndex(idx))
	}
}

// Explain recomputes the kernel the resolution yields for a runtime key (or Undefined), and returns it
// with its provenance, one of the Provenance* constants. It reads the registrations, so it must not
// be called concurrently with them.
func (e *OperatorEntry) Explain(key keys.Key) (kernel.Annotated, string) {
	if key.TableIndex() < 0 {
		return missingKernel, ProvenanceMissing
	}
	return e.computeDispatchTableEntryWithDebug(key)
}
