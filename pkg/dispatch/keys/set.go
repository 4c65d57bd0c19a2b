// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package keys

import (
	"iter"
	"math/bits"
	"slices"
	"strings"

	"github.com/gomlx/exceptions"
)

// Set is an immutable set of dispatch keys, encoded as a 64 bits mask.
//
// The low NumBackends bits hold backends, the bits above hold functionalities. A per-backend runtime
// key (e.g. AutogradCUDA) is represented by its functionality bit (AutogradFunctionality) plus its
// backend bit (BackendCUDA). So a set with {CPU, AutogradCUDA} also "has" AutogradCPU and CUDA:
// functionality and backend bits combine freely, the same way the tensors of a call carry them.
//
// The zero value is the empty set.
type Set struct {
	repr uint64
}

// Carrier is implemented by values (typically tensors) that carry a Set of dispatch keys.
// It is used to extract the keys of an operator call from its arguments.
type Carrier interface {
	DispatchKeySet() Set
}

const backendMask = uint64(1)<<NumBackends - 1

func backendBit(b Backend) uint64 {
	return uint64(1) << (b - 1)
}

func functionalityBit(k Key) uint64 {
	return uint64(1) << (NumBackends + int(k) - 1)
}

// NewSet returns the set with the given keys.
//
// Undefined is silently ignored (it cannot be represented). It panics for alias keys, use RuntimeSet
// instead, and for invalid keys.
func NewSet(keys ...Key) Set {
	var s Set
	for _, k := range keys {
		s.repr |= keyBits(k)
	}
	return s
}

func keyBits(k Key) uint64 {
	switch k.Category() {
	case CategoryUndefined:
		return 0
	case CategoryRuntime, CategoryPerBackendFunctionality:
		f, b := k.Functionality(), k.Backend()
		r := functionalityBit(f)
		if b != InvalidBackend {
			r |= backendBit(b)
		}
		return r
	case CategoryAlias:
		exceptions.Panicf("keys.NewSet: alias key %s cannot be represented in a Set, use keys.RuntimeSet(%s)", k, k)
	default:
		exceptions.Panicf("keys.NewSet: invalid key %s (%d)", k, uint16(k))
	}
	return 0
}

// BackendsSet returns the set with only the bits of the given backends.
func BackendsSet(backends ...Backend) Set {
	var s Set
	for _, b := range backends {
		if !b.IsValid() {
			exceptions.Panicf("keys.BackendsSet: invalid backend %d", b)
		}
		s.repr |= backendBit(b)
	}
	return s
}

// AllBackends returns the set with all the backend bits and no functionality.
func AllBackends() Set {
	return Set{backendMask}
}

// FullSet returns the set with all keys.
func FullSet() Set {
	return Set{functionalityBit(EndOfFunctionalityKeys) - 1}
}

// FullAfter returns the set of all keys with lower priority than the functionality of k, with all
// backend bits. It is used by kernels to redispatch "below" themselves.
//
// E.g.: FullAfter(AutogradCPU) includes ADInplaceOrView and CPU, but not AutogradCUDA.
func FullAfter(k Key) Set {
	f := k.Functionality()
	if f == Undefined {
		return Set{}
	}
	return Set{functionalityBit(f) - 1}
}

// FromRaw creates a Set from its raw representation, see Set.Raw.
func FromRaw(repr uint64) Set {
	return Set{repr & FullSet().repr}
}

// Raw returns the bitmask representation of the set.
func (s Set) Raw() uint64 {
	return s.repr
}

// IsEmpty returns whether the set has no bits at all.
func (s Set) IsEmpty() bool {
	return s.repr == 0
}

// Union returns s ∪ other.
func (s Set) Union(other Set) Set {
	return Set{s.repr | other.repr}
}

// Intersect returns s ∩ other.
func (s Set) Intersect(other Set) Set {
	return Set{s.repr & other.repr}
}

// Sub removes the functionalities of other from s. Backend bits of s are always preserved, since
// they may still be used by the remaining per-backend functionalities.
func (s Set) Sub(other Set) Set {
	return Set{s.repr & (backendMask | ^other.repr)}
}

// Add returns s with the key k added.
func (s Set) Add(k Key) Set {
	return Set{s.repr | keyBits(k)}
}

// Remove returns s without the functionality of k. Like Sub, backend bits are preserved:
// removing CPU removes Dense for every backend.
func (s Set) Remove(k Key) Set {
	return s.Sub(NewSet(k))
}

// RemoveBackend returns s without the backend bit of b.
func (s Set) RemoveBackend(b Backend) Set {
	if !b.IsValid() {
		return s
	}
	return Set{s.repr &^ backendBit(b)}
}

// Has returns whether k is in the set. For a per-backend runtime key both its functionality and its
// backend bits must be present. Undefined and alias keys are never in a set.
func (s Set) Has(k Key) bool {
	switch k.Category() {
	case CategoryRuntime, CategoryPerBackendFunctionality:
		f, b := k.Functionality(), k.Backend()
		if s.repr&functionalityBit(f) == 0 {
			return false
		}
		return b == InvalidBackend || s.repr&backendBit(b) != 0
	}
	return false
}

// HasAll returns whether every key of other is in s.
func (s Set) HasAll(other Set) bool {
	return s.repr&other.repr == other.repr
}

// HasAny returns whether s and other share at least one key.
func (s Set) HasAny(other Set) bool {
	common := s.Intersect(other)
	for f := range common.functionalities() {
		if !f.IsPerBackendFunctionality() || common.repr&backendMask != 0 {
			return true
		}
	}
	return false
}

// HighestFunctionality returns the functionality key with the highest priority, or Undefined if
// there are no functionality bits.
func (s Set) HighestFunctionality() Key {
	fBits := s.repr >> NumBackends
	if fBits == 0 {
		return Undefined
	}
	return Key(bits.Len64(fBits))
}

// HighestBackend returns the backend with the highest priority, or InvalidBackend.
func (s Set) HighestBackend() Backend {
	return Backend(bits.Len64(s.repr & backendMask))
}

// HighestPriority returns the runtime key with the highest priority in the set.
//
// For a per-backend functionality, the key is built with the highest backend present. It returns false
// if the set has no functionality, or if its highest functionality is per-backend and the set has no
// backend bits: the caller failed to tag its arguments with a backend.
func (s Set) HighestPriority() (Key, bool) {
	f := s.HighestFunctionality()
	if f == Undefined {
		return Undefined, false
	}
	if !f.IsPerBackendFunctionality() {
		return f, true
	}
	b := s.HighestBackend()
	if b == InvalidBackend {
		return Undefined, false
	}
	return PerBackendKey(f, b), true
}

// HighestPriorityOrUndefined is like HighestPriority, but returns Undefined instead of false.
func (s Set) HighestPriorityOrUndefined() Key {
	k, _ := s.HighestPriority()
	return k
}

// functionalities yields the functionality keys in the set, highest first.
func (s Set) functionalities() iter.Seq[Key] {
	return func(yield func(Key) bool) {
		fBits := s.repr >> NumBackends
		for fBits != 0 {
			idx := bits.Len64(fBits)
			fBits &^= uint64(1) << (idx - 1)
			if !yield(Key(idx)) {
				return
			}
		}
	}
}

// All yields the runtime keys of the set in descending order of priority.
//
// A per-backend functionality yields one runtime key per backend present, highest backend first, and
// nothing if there are no backend bits. The returned sequence is lazy and can be iterated many times.
func (s Set) All() iter.Seq[Key] {
	return func(yield func(Key) bool) {
		for f := range s.functionalities() {
			if !f.IsPerBackendFunctionality() {
				if !yield(f) {
					return
				}
				continue
			}
			bBits := s.repr & backendMask
			for bBits != 0 {
				b := Backend(bits.Len64(bBits))
				bBits &^= backendBit(b)
				if !yield(PerBackendKey(f, b)) {
					return
				}
			}
		}
	}
}

// Keys returns the runtime keys of the set in descending order of priority.
func (s Set) Keys() []Key {
	return slices.Collect(s.All())
}

// Len returns the number of runtime keys in the set.
func (s Set) Len() int {
	n := 0
	for range s.All() {
		n++
	}
	return n
}

// String implements fmt.Stringer.
func (s Set) String() string {
	var parts []string
	for k := range s.All() {
		parts = append(parts, k.String())
	}
	if s.repr>>NumBackends == 0 && s.repr != 0 {
		for b := s.HighestBackend(); b != InvalidBackend; b-- {
			if s.repr&backendBit(b) != 0 {
				parts = append(parts, b.String()+"Bit")
			}
		}
	}
	return "Set(" + strings.Join(parts, ", ") + ")"
}

var (
	// AutogradOtherBackends are the backends that don't have a dedicated autograd key: autograd for
	// them is handled by AutogradOther.
	AutogradOtherBackends = NewSet(Vulkan, Metal, SparseCsrCPU, SparseCsrCUDA, CustomRNGKeyID,
		MkldnnCPU, Sparse, Quantized).Union(AllBackends())

	// AutogradSet holds the autograd functionalities, without backend bits.
	AutogradSet = NewSet(AutogradFunctionality, AutogradOther, AutogradNestedTensor)

	// BackendSet holds all backend keys: the ones a CompositeExplicitAutograd kernel serves.
	BackendSet = AutogradOtherBackends.Union(NewSet(Dense))

	// MathSet holds the keys served by a CompositeImplicitAutograd kernel: backends and autograd.
	MathSet = BackendSet.Union(AutogradSet).Union(NewSet(NestedTensor))

	// NonFunctionalBackendSet holds the keys served by a CompositeExplicitAutogradNonFunctional kernel:
	// BackendSet without Sparse and without the backends that rely on functionalization (XLA and Lazy).
	NonFunctionalBackendSet = BackendSet.Remove(Sparse).RemoveBackend(BackendXLA).RemoveBackend(BackendLazy)

	// autogradRuntimeKeys lists every runtime key whose resolution depends on backend registrations,
	// see BackendSetFromAutograd.
	autogradRuntimeKeys = append(
		NewSet(AutogradFunctionality).Union(AllBackends()).Keys(),
		AutogradNestedTensor, AutogradOther)
)

// RuntimeSet returns the runtime keys covered by k. For alias keys this is their expansion, for a
// runtime key it is the singleton set, and for Undefined the empty set.
func RuntimeSet(k Key) Set {
	switch k {
	case Autograd:
		return AutogradSet.Union(AllBackends())
	case CompositeImplicitAutograd:
		return MathSet
	case CompositeExplicitAutograd:
		return BackendSet
	case CompositeExplicitAutogradNonFunctional:
		return NonFunctionalBackendSet
	case Undefined:
		return Set{}
	}
	return NewSet(k)
}

// IsIncludedInAlias returns whether the runtime key k is covered by the alias key.
// Undefined is never included: it cannot be represented in a Set.
func IsIncludedInAlias(k, alias Key) bool {
	return k != Undefined && RuntimeSet(alias).Has(k)
}

// BackendSetFromAutograd returns the keys whose kernels an autograd runtime key wraps.
//
// A registration to any of these keys means a backend kernel exists for the autograd key, which
// takes precedence over a CompositeImplicitAutograd kernel. It returns the empty set for keys that
// are not autograd keys.
func BackendSetFromAutograd(k Key) Set {
	switch k {
	case AutogradOther:
		return AutogradOtherBackends
	case AutogradNestedTensor:
		return NewSet(NestedTensor).Union(AllBackends())
	}
	if k.Functionality() != AutogradFunctionality {
		return Set{}
	}
	b := k.Backend()
	if AutogradKeyFromBackend(b) != k {
		// Backend without a dedicated autograd key.
		return Set{}
	}
	return NewSet(PerBackendKey(Dense, b))
}

// AutogradDependents returns the autograd runtime keys whose resolution reads registrations to k,
// that is, the autograd keys a for which BackendSetFromAutograd(a) has k.
func AutogradDependents(k Key) []Key {
	var dependents []Key
	if !k.IsRuntime() {
		return nil
	}
	for _, a := range autogradRuntimeKeys {
		if BackendSetFromAutograd(a).Has(k) {
			dependents = append(dependents, a)
		}
	}
	return dependents
}
