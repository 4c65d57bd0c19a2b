// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package keys defines the dispatch keys (capability tags) and the Set bitmask used to select a
// kernel for an operator call.
//
// There are three disjoint kinds of keys:
//
//   - Runtime keys own one slot in an operator's dispatch table. They are either plain functionality
//     keys (e.g. BackendSelect, Tracer) or per-backend instances of a "per-backend functionality"
//     (e.g. CPU is Dense on BackendCPU, AutogradCUDA is AutogradFunctionality on BackendCUDA).
//   - Alias keys (Autograd, CompositeImplicitAutograd, CompositeExplicitAutograd and
//     CompositeExplicitAutogradNonFunctional) never own a slot: a kernel registered to an alias is
//     resolved into the runtime keys returned by RuntimeSet.
//   - Undefined, which owns a table slot (used when a call has no dispatch keys at all) but cannot be
//     represented in a Set.
//
// Priority follows the numeric order of the Set bits: the higher the bit index, the higher the priority.
// See Compare.
package keys

import (
	"maps"
	"slices"
	"strings"

	"github.com/gomlx/exceptions"
)

// Backend identifies a device backend. It occupies the low bits of a Set.
type Backend uint8

const (
	InvalidBackend Backend = iota
	BackendCPU
	BackendCUDA
	BackendHIP
	BackendXLA
	BackendMPS
	BackendIPU
	BackendXPU
	BackendHPU
	BackendVE
	BackendLazy
	BackendMeta
	BackendPrivateUse1
	BackendPrivateUse2
	BackendPrivateUse3

	// NumBackends is the number of valid backends, InvalidBackend excluded.
	NumBackends = int(BackendPrivateUse3)
)

// MaxBackends is the hard limit on the number of backends a Set can represent.
const MaxBackends = 16

var backendNames = [...]string{
	InvalidBackend:     "InvalidBackend",
	BackendCPU:         "CPU",
	BackendCUDA:        "CUDA",
	BackendHIP:         "HIP",
	BackendXLA:         "XLA",
	BackendMPS:         "MPS",
	BackendIPU:         "IPU",
	BackendXPU:         "XPU",
	BackendHPU:         "HPU",
	BackendVE:          "VE",
	BackendLazy:        "Lazy",
	BackendMeta:        "Meta",
	BackendPrivateUse1: "PrivateUse1",
	BackendPrivateUse2: "PrivateUse2",
	BackendPrivateUse3: "PrivateUse3",
}

// String implements fmt.Stringer.
func (b Backend) String() string {
	if int(b) < len(backendNames) {
		return backendNames[b]
	}
	return "UnknownBackend"
}

// IsValid returns whether b is one of the known backends (InvalidBackend excluded).
func (b Backend) IsValid() bool {
	return b > InvalidBackend && int(b) <= NumBackends
}

// Key is a dispatch key: a tag identifying a functional concern or a backend.
type Key uint16

// Functionality keys, from lowest to highest priority. Keys marked "per-backend" are building blocks:
// the runtime keys are their per-backend instances defined further below.
const (
	Undefined Key = iota

	Dense // per-backend
	Vulkan
	Metal
	Quantized // per-backend
	CustomRNGKeyID
	MkldnnCPU
	Sparse // per-backend
	SparseCsrCPU
	SparseCsrCUDA
	NestedTensor // per-backend

	BackendSelect
	Python
	Fake
	Functionalize
	Named
	Conjugate
	Negative
	ZeroTensor
	ADInplaceOrView

	AutogradOther
	AutogradFunctionality // per-backend
	AutogradNestedTensor

	Tracer
	AutocastCPU
	AutocastCUDA
	Batched
	VmapMode
	PythonTLSSnapshot
	TestingOnlyGenericWrapper
	TestingOnlyGenericMode

	EndOfFunctionalityKeys
)

// Per-backend runtime keys. Each block starts with an (unregistrable) marker key, followed by
// one key per Backend in Backend order.
const (
	StartOfDenseBackends Key = EndOfFunctionalityKeys + 1 + iota
	CPU
	CUDA
	HIP
	XLA
	MPS
	IPU
	XPU
	HPU
	VE
	Lazy
	Meta
	PrivateUse1
	PrivateUse2
	PrivateUse3

	StartOfQuantizedBackends
	QuantizedCPU
	QuantizedCUDA
	QuantizedHIP
	QuantizedXLA
	QuantizedMPS
	QuantizedIPU
	QuantizedXPU
	QuantizedHPU
	QuantizedVE
	QuantizedLazy
	QuantizedMeta
	QuantizedPrivateUse1
	QuantizedPrivateUse2
	QuantizedPrivateUse3

	StartOfSparseBackends
	SparseCPU
	SparseCUDA
	SparseHIP
	SparseXLA
	SparseMPS
	SparseIPU
	SparseXPU
	SparseHPU
	SparseVE
	SparseLazy
	SparseMeta
	SparsePrivateUse1
	SparsePrivateUse2
	SparsePrivateUse3

	StartOfNestedTensorBackends
	NestedTensorCPU
	NestedTensorCUDA
	NestedTensorHIP
	NestedTensorXLA
	NestedTensorMPS
	NestedTensorIPU
	NestedTensorXPU
	NestedTensorHPU
	NestedTensorVE
	NestedTensorLazy
	NestedTensorMeta
	NestedTensorPrivateUse1
	NestedTensorPrivateUse2
	NestedTensorPrivateUse3

	StartOfAutogradBackends
	AutogradCPU
	AutogradCUDA
	AutogradHIP
	AutogradXLA
	AutogradMPS
	AutogradIPU
	AutogradXPU
	AutogradHPU
	AutogradVE
	AutogradLazy
	AutogradMeta
	AutogradPrivateUse1
	AutogradPrivateUse2
	AutogradPrivateUse3
)

// EndOfRuntimeKeys is one past the last runtime key.
const EndOfRuntimeKeys = AutogradPrivateUse3 + 1

// Alias keys. They always have lower precedence than any runtime key.
const (
	Autograd Key = EndOfRuntimeKeys + iota
	CompositeImplicitAutograd
	CompositeExplicitAutograd
	CompositeExplicitAutogradNonFunctional

	// NumKeys is the total number of keys, sentinels included.
	NumKeys
)

const (
	// CatchAll is used when registering a kernel without a key: it is redirected to CompositeImplicitAutograd.
	CatchAll = Undefined

	// DefaultBackend is an alias to CompositeExplicitAutograd.
	DefaultBackend = CompositeExplicitAutograd

	StartOfAliasKeys = Autograd
	EndOfAliasKeys   = CompositeExplicitAutogradNonFunctional
)

// perBackendFunctionalities lists the building-block keys and the start marker of their runtime block.
var perBackendFunctionalities = [...]struct{ functionality, start Key }{
	{Dense, StartOfDenseBackends},
	{Quantized, StartOfQuantizedBackends},
	{Sparse, StartOfSparseBackends},
	{NestedTensor, StartOfNestedTensorBackends},
	{AutogradFunctionality, StartOfAutogradBackends},
}

const numPerBackendFunctionalities = 5

// NumRuntimeEntries is the size of an operator dispatch table: one slot for Undefined, one per plain
// functionality key and one per (per-backend functionality, backend) pair.
const NumRuntimeEntries = 1 + (int(EndOfFunctionalityKeys) - 1 - numPerBackendFunctionalities) +
	numPerBackendFunctionalities*NumBackends

// Category of a Key.
type Category uint8

const (
	CategoryInvalid Category = iota
	CategoryUndefined
	CategoryRuntime
	CategoryPerBackendFunctionality
	CategoryAlias
)

var categoryNames = [...]string{"Invalid", "Undefined", "Runtime", "PerBackendFunctionality", "Alias"}

// String implements fmt.Stringer.
func (c Category) String() string {
	if int(c) < len(categoryNames) {
		return categoryNames[c]
	}
	return "UnknownCategory"
}

var (
	keyNames   [NumKeys]string
	tableIndex [NumKeys]int16
	tableKeys  [NumRuntimeEntries]Key

	// MapOfNames maps key names (and their lower-case version) to keys.
	MapOfNames = make(map[string]Key)
)

func init() {
	if NumBackends > MaxBackends {
		exceptions.Panicf("keys: %d backends defined, at most %d are supported", NumBackends, MaxBackends)
	}
	if NumBackends+int(EndOfFunctionalityKeys)-1 > 64 {
		exceptions.Panicf("keys: %d backends and %d functionalities don't fit a 64 bits Set",
			NumBackends, EndOfFunctionalityKeys-1)
	}

	for k, name := range functionalityNames {
		keyNames[k] = name
	}
	for _, pb := range perBackendFunctionalities {
		keyNames[pb.start] = "StartOf" + keyNames[pb.functionality] + "Backends"
		prefix := keyNames[pb.functionality]
		switch pb.functionality {
		case Dense:
			prefix = ""
		case AutogradFunctionality:
			prefix = "Autograd"
		}
		for b := BackendCPU; int(b) <= NumBackends; b++ {
			keyNames[pb.start+Key(b)] = prefix + b.String()
		}
	}
	keyNames[Autograd] = "Autograd"
	keyNames[CompositeImplicitAutograd] = "CompositeImplicitAutograd"
	keyNames[CompositeExplicitAutograd] = "CompositeExplicitAutograd"
	keyNames[CompositeExplicitAutogradNonFunctional] = "CompositeExplicitAutogradNonFunctional"

	// Compact table indices.
	next := 0
	for k := Undefined; k < NumKeys; k++ {
		tableIndex[k] = -1
		if c := k.Category(); c != CategoryUndefined && c != CategoryRuntime {
			continue
		}
		tableIndex[k] = int16(next)
		tableKeys[next] = k
		next++
	}
	if next != NumRuntimeEntries {
		exceptions.Panicf("keys: found %d runtime entries, expected %d", next, NumRuntimeEntries)
	}

	for k := Undefined; k < NumKeys; k++ {
		MapOfNames[keyNames[k]] = k
	}
	MapOfNames["CatchAll"] = CatchAll
	MapOfNames["DefaultBackend"] = DefaultBackend
	// Add a mapping to the lower-case version of the names.
	for _, name := range slices.Collect(maps.Keys(MapOfNames)) {
		lower := strings.ToLower(name)
		if _, found := MapOfNames[lower]; !found {
			MapOfNames[lower] = MapOfNames[name]
		}
	}
}

var functionalityNames = map[Key]string{
	Undefined:                 "Undefined",
	Dense:                     "Dense",
	Vulkan:                    "Vulkan",
	Metal:                     "Metal",
	Quantized:                 "Quantized",
	CustomRNGKeyID:            "CustomRNGKeyID",
	MkldnnCPU:                 "MkldnnCPU",
	Sparse:                    "Sparse",
	SparseCsrCPU:              "SparseCsrCPU",
	SparseCsrCUDA:             "SparseCsrCUDA",
	NestedTensor:              "NestedTensor",
	BackendSelect:             "BackendSelect",
	Python:                    "Python",
	Fake:                      "Fake",
	Functionalize:             "Functionalize",
	Named:                     "Named",
	Conjugate:                 "Conjugate",
	Negative:                  "Negative",
	ZeroTensor:                "ZeroTensor",
	ADInplaceOrView:           "ADInplaceOrView",
	AutogradOther:             "AutogradOther",
	AutogradFunctionality:     "AutogradFunctionality",
	AutogradNestedTensor:      "AutogradNestedTensor",
	Tracer:                    "Tracer",
	AutocastCPU:               "AutocastCPU",
	AutocastCUDA:              "AutocastCUDA",
	Batched:                   "Batched",
	VmapMode:                  "VmapMode",
	PythonTLSSnapshot:         "PythonTLSSnapshot",
	TestingOnlyGenericWrapper: "TestingOnlyGenericWrapper",
	TestingOnlyGenericMode:    "TestingOnlyGenericMode",
	EndOfFunctionalityKeys:    "EndOfFunctionalityKeys",
}

// String implements fmt.Stringer.
func (k Key) String() string {
	if k < NumKeys {
		return keyNames[k]
	}
	return "UnknownKey"
}

// ParseKey returns the key with the given name. Names are case-insensitive.
func ParseKey(name string) (Key, bool) {
	if k, found := MapOfNames[name]; found {
		return k, true
	}
	k, found := MapOfNames[strings.ToLower(name)]
	return k, found
}

// Category returns the category of the key.
func (k Key) Category() Category {
	switch {
	case k == Undefined:
		return CategoryUndefined
	case k < EndOfFunctionalityKeys && k.IsPerBackendFunctionality():
		return CategoryPerBackendFunctionality
	case k < EndOfFunctionalityKeys:
		return CategoryRuntime
	case k.IsAlias():
		return CategoryAlias
	}
	if f, _ := k.split(); f != Undefined {
		return CategoryRuntime
	}
	return CategoryInvalid
}

// IsAlias returns whether k is an alias key.
func (k Key) IsAlias() bool {
	return k >= StartOfAliasKeys && k <= EndOfAliasKeys
}

// IsPerBackendFunctionality returns whether k is one of the building-block functionalities
// that are instantiated once per backend (Dense, Quantized, Sparse, NestedTensor, AutogradFunctionality).
func (k Key) IsPerBackendFunctionality() bool {
	switch k {
	case Dense, Quantized, Sparse, NestedTensor, AutogradFunctionality:
		return true
	}
	return false
}

// IsRuntime returns whether k owns a dispatch table slot and can be a member of a Set.
// Undefined is not a runtime key, even though it owns a slot.
func (k Key) IsRuntime() bool {
	return k.Category() == CategoryRuntime
}

// TableIndex returns the index of k in an operator dispatch table, or -1 if k has no slot.
func (k Key) TableIndex() int {
	if k >= NumKeys {
		return -1
	}
	return int(tableIndex[k])
}

// KeyForTableIndex is the inverse of Key.TableIndex.
func KeyForTableIndex(idx int) Key {
	return tableKeys[idx]
}

// split returns the functionality and backend of a per-backend runtime key.
// For any other key it returns (Undefined, InvalidBackend).
func (k Key) split() (Key, Backend) {
	if k <= EndOfFunctionalityKeys || k >= EndOfRuntimeKeys {
		return Undefined, InvalidBackend
	}
	for i := len(perBackendFunctionalities) - 1; i >= 0; i-- {
		pb := perBackendFunctionalities[i]
		if k > pb.start {
			return pb.functionality, Backend(k - pb.start)
		}
		if k == pb.start {
			return Undefined, InvalidBackend
		}
	}
	return Undefined, InvalidBackend
}

// Functionality returns the functionality key of k: k itself for functionality keys,
// the building-block key for per-backend runtime keys (e.g. Dense for CPU), and Undefined otherwise.
func (k Key) Functionality() Key {
	if k < EndOfFunctionalityKeys {
		return k
	}
	f, _ := k.split()
	return f
}

// Backend returns the backend of a per-backend runtime key, or InvalidBackend.
func (k Key) Backend() Backend {
	_, b := k.split()
	return b
}

// PerBackendKey returns the runtime key for the per-backend functionality on the given backend.
// It returns Undefined if functionality is not per-backend or the backend is invalid.
func PerBackendKey(functionality Key, backend Backend) Key {
	if !backend.IsValid() {
		return Undefined
	}
	for _, pb := range perBackendFunctionalities {
		if pb.functionality == functionality {
			return pb.start + Key(backend)
		}
	}
	return Undefined
}

// AutogradKeyFromBackend returns the runtime autograd key paired with the backend.
// Backends without a dedicated autograd key map to AutogradOther.
func AutogradKeyFromBackend(b Backend) Key {
	switch b {
	case BackendCPU, BackendCUDA, BackendXLA, BackendMPS, BackendIPU, BackendXPU, BackendHPU,
		BackendLazy, BackendMeta, BackendPrivateUse1, BackendPrivateUse2, BackendPrivateUse3:
		return PerBackendKey(AutogradFunctionality, b)
	}
	return AutogradOther
}

// IsBackendKey returns whether k is a genuine backend key: a runtime key whose kernels implement
// the computation for some backend (e.g. CPU, SparseCUDA, Vulkan), as opposed to wrapper
// functionalities like Tracer or autograd.
func (k Key) IsBackendKey() bool {
	return k != Undefined && !k.IsAlias() && k != NestedTensor && BackendSet.Has(k)
}

// Compare is the priority comparator of keys: it returns -1, 0 or +1 if a has lower, equal or
// higher priority than b.
//
// Runtime keys are ordered by their functionality bit and then by their backend bit: the higher
// the index, the higher the priority. Alias keys rank below every runtime key, and Undefined
// (and invalid keys) below everything.
func Compare(a, b Key) int {
	ra, rb := priorityRank(a), priorityRank(b)
	switch {
	case ra < rb:
		return -1
	case ra > rb:
		return 1
	}
	return 0
}

func priorityRank(k Key) int {
	switch k.Category() {
	case CategoryRuntime, CategoryPerBackendFunctionality:
		f, b := k.Functionality(), k.Backend()
		return 1<<12 + int(f)<<5 + int(b)
	case CategoryAlias:
		return 1<<8 + int(k-StartOfAliasKeys)
	}
	return 0
}
