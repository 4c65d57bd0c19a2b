package refops

import (
	"slices"
	"sync"

	"github.com/gomlx/opdispatch/pkg/dispatch/kernel"
	"github.com/gomlx/opdispatch/pkg/dispatch/keys"
	"github.com/gomlx/opdispatch/pkg/dispatch/schema"
)

// Record of an operator call on a Tape.
type Record struct {
	Op      schema.OperatorName
	Inputs  []any
	Outputs []any
}

// Tape records the calls that go through the autograd kernels, in order. It's safe for concurrent use.
type Tape struct {
	mu      sync.Mutex
	records []Record
}

// NewTape creates an empty tape.
func NewTape() *Tape {
	return &Tape{}
}

func (t *Tape) record(r Record) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.records = append(t.records, r)
}

// Records returns a copy of the recorded calls.
func (t *Tape) Records() []Record {
	t.mu.Lock()
	defer t.mu.Unlock()
	return slices.Clone(t.records)
}

// Ops returns the names of the recorded operators, in order.
func (t *Tape) Ops() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	names := make([]string, len(t.records))
	for ii, r := range t.records {
		names[ii] = r.Op.String()
	}
	return names
}

// Reset clears the tape.
func (t *Tape) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.records = nil
}

// belowAutograd holds the keys with lower priority than every autograd key.
var belowAutograd = keys.FullAfter(keys.AutogradOther)

// autogradKernel is the boxed kernel registered to the Autograd alias: it records the call and
// redispatches below autograd.
type autogradKernel struct {
	tape    *Tape
	numArgs int
}

var _ kernel.Functor = (*autogradKernel)(nil)

// Call implements kernel.Functor.
func (a *autogradKernel) Call(op kernel.Operator, ks keys.Set, stack *kernel.Stack) error {
	inputs := slices.Clone(stack.Last(a.numArgs))
	before := stack.Len() - a.numArgs
	if err := op.Redispatch(ks.Intersect(belowAutograd), stack); err != nil {
		return err
	}
	a.tape.record(Record{
		Op:      op.OperatorName(),
		Inputs:  inputs,
		Outputs: slices.Clone(stack.Last(stack.Len() - before)),
	})
	return nil
}

// inplaceViewKernel is the ADInplaceOrView kernel of in-place operators: it bumps the version of the
// modified tensor after the operator runs.
type inplaceViewKernel struct {
	numArgs int
}

// Call implements kernel.Functor.
func (v *inplaceViewKernel) Call(op kernel.Operator, ks keys.Set, stack *kernel.Stack) error {
	self, _ := stack.Peek(v.numArgs - 1)
	if err := op.Redispatch(ks.Intersect(keys.FullAfter(keys.ADInplaceOrView)), stack); err != nil {
		return err
	}
	if t, ok := self.(*Tensor); ok && t != nil {
		t.Version++
	}
	return nil
}
