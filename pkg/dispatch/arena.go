package dispatch

import (
	"github.com/gomlx/exceptions"
	"github.com/gomlx/opdispatch/pkg/dispatch/kernel"
	"github.com/gomlx/opdispatch/pkg/dispatch/keys"
)

// KernelHandle identifies a kernel registration in an OperatorEntry. It stays valid until the
// registration is released, regardless of other registrations.
type KernelHandle struct {
	key        keys.Key
	index      int32
	generation uint32
}

// Key returns the key the kernel was registered to (after CatchAll is redirected).
func (h KernelHandle) Key() keys.Key {
	return h.key
}

// record of a kernel registration. Removed records are tombstones (live == false) until reused.
type record struct {
	kernel.Annotated
	key        keys.Key
	generation uint32
	live       bool
}

// arena stores registration records addressed by stable indices. Removed slots are reused, and their
// generation is incremented so stale handles are detected.
type arena struct {
	records []record
	free    []int32
}

func (a *arena) add(key keys.Key, ak kernel.Annotated) KernelHandle {
	var idx int32
	if n := len(a.free); n > 0 {
		idx = a.free[n-1]
		a.free = a.free[:n-1]
	} else {
		idx = int32(len(a.records))
		a.records = append(a.records, record{})
	}
	r := &a.records[idx]
	r.Annotated = ak
	r.key = key
	r.generation++
	r.live = true
	return KernelHandle{key: key, index: idx, generation: r.generation}
}

// get returns the live record of the handle. It panics for stale or unknown handles.
func (a *arena) get(h KernelHandle) *record {
	if h.index < 0 || int(h.index) >= len(a.records) {
		exceptions.Panicf("dispatch: unknown kernel registration handle %+v", h)
	}
	r := &a.records[h.index]
	if !r.live || r.generation != h.generation || r.key != h.key {
		exceptions.Panicf("dispatch: kernel registration handle %+v was already deregistered", h)
	}
	return r
}

func (a *arena) remove(h KernelHandle) {
	r := a.get(h)
	r.Annotated = kernel.Annotated{}
	r.live = false
	a.free = append(a.free, h.index)
}

// numLive returns the number of live records.
func (a *arena) numLive() int {
	return len(a.records) - len(a.free)
}
