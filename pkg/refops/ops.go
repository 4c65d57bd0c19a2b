package refops

import (
	"github.com/gomlx/opdispatch/pkg/dispatch"
	"github.com/gomlx/opdispatch/pkg/dispatch/kernel"
	"github.com/gomlx/opdispatch/pkg/dispatch/keys"
	"github.com/gomlx/opdispatch/pkg/dispatch/schema"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Namespace of the operators.
const Namespace = "ref"

func opName(name string) schema.OperatorName {
	return schema.ParseOperatorName(Namespace + "::" + name)
}

// Function types of the operators, as used with dispatch.Typed. They are aliases, so they are the
// same types as the kernel functions.
type (
	UnaryFunc    = func(self *Tensor) (*Tensor, error)
	UnaryOutFunc = func(self, out *Tensor) (*Tensor, error)
	BinaryFunc   = func(self, other *Tensor) (*Tensor, error)
)

// Ops are the operators registered to a dispatcher by Register.
type Ops struct {
	// Tape records the calls of tensors that require gradients.
	Tape *Tape

	lib *dispatch.Library

	abs, neg, absInplace UnaryFunc
	absOut               UnaryOutFunc
	add, mul, sub        BinaryFunc
}

type opDef struct {
	schema string
	tags   []string
}

var definitions = []opDef{
	{"abs(Tensor self) -> Tensor", []string{"pointwise"}},
	{"abs.out(Tensor self, Tensor out) -> Tensor", []string{"pointwise", "out"}},
	{"abs_(Tensor self) -> Tensor", []string{"pointwise", "inplace"}},
	{"neg(Tensor self) -> Tensor", []string{"pointwise"}},
	{"add(Tensor self, Tensor other) -> Tensor", []string{"pointwise"}},
	{"mul(Tensor self, Tensor other) -> Tensor", []string{"pointwise"}},
	{"sub(Tensor self, Tensor other) -> Tensor", []string{"pointwise", "composite"}},
}

// Register defines and implements the "ref" operators in d:
//
//   - Host kernels (CPU and PrivateUse1) for int32, int64, float32, float64 and float16.
//   - Shape-only Meta kernels.
//   - "ref::sub" as a CompositeImplicitAutograd kernel: add(self, neg(other)).
//   - Autograd kernels recording the calls on Ops.Tape.
//   - An ADInplaceOrView kernel for "ref::abs_" that bumps the tensor version, and a fallthrough
//     backend fallback for ADInplaceOrView (unless d already has one).
//
// Release the returned Ops to undo the registrations.
func Register(d *dispatch.Dispatcher) (*Ops, error) {
	o := &Ops{
		Tape: NewTape(),
		lib:  dispatch.NewLibrary(d, Namespace),
	}
	if err := o.register(); err != nil {
		o.lib.Release()
		return nil, errors.WithMessagef(err, "registering %q operators to %s", Namespace, d)
	}
	return o, nil
}

// Release undoes the registrations.
func (o *Ops) Release() {
	o.lib.Release()
}

// Library used to register the operators.
func (o *Ops) Library() *dispatch.Library {
	return o.lib
}

func (o *Ops) register() error {
	lib := o.lib
	for _, def := range definitions {
		if err := lib.Def(def.schema, def.tags...); err != nil {
			return err
		}
	}

	// Host kernels.
	for _, key := range hostBackends {
		for name, k := range map[string]any{
			"abs":     unaryKernel(absStub),
			"abs.out": unaryOutKernel(absStub),
			"abs_":    unaryInplaceKernel(absStub),
			"neg":     unaryKernel(negStub),
			"add":     binaryKernel(addStub),
			"mul":     binaryKernel(mulStub),
		} {
			if err := lib.ImplUnboxed(name, key, k); err != nil {
				return err
			}
		}
	}

	// Meta kernels.
	for name, k := range map[string]any{
		"abs":     metaUnary,
		"abs.out": metaUnaryOut,
		"abs_":    metaUnaryInplace,
		"neg":     metaUnary,
		"add":     metaBinary("add"),
		"mul":     metaBinary("mul"),
	} {
		if err := lib.ImplUnboxed(name, keys.Meta, k); err != nil {
			return err
		}
	}

	// Composite.
	if err := lib.ImplUnboxed("sub", keys.CompositeImplicitAutograd, o.compositeSub); err != nil {
		return err
	}

	// Autograd and views.
	for _, def := range []struct {
		name    string
		numArgs int
	}{{"abs", 1}, {"abs.out", 2}, {"abs_", 1}, {"neg", 1}, {"add", 2}, {"mul", 2}} {
		k := kernel.FromFunctor(&autogradKernel{tape: o.Tape, numArgs: def.numArgs})
		if err := lib.Impl(def.name, keys.Autograd, k); err != nil {
			return err
		}
	}
	if err := lib.Impl("abs_", keys.ADInplaceOrView, kernel.FromFunctor(&inplaceViewKernel{numArgs: 1})); err != nil {
		return err
	}
	if _, found := lib.Dispatcher().Fallback(keys.ADInplaceOrView); !found {
		if err := lib.Fallback(keys.ADInplaceOrView, kernel.Fallthrough()); err != nil {
			return err
		}
	} else {
		klog.V(1).Infof("refops: %s already has a fallback for %s", lib.Dispatcher(), keys.ADInplaceOrView)
	}

	return o.bind(lib.Dispatcher())
}

// bind creates the typed functions of the operators.
func (o *Ops) bind(d *dispatch.Dispatcher) error {
	var err error
	bindTo := func(name string, target any) {
		if err != nil {
			return
		}
		op, found := d.FindSchema(opName(name))
		if !found {
			err = errors.Wrapf(dispatch.ErrUnknownOperator, "%s::%s", Namespace, name)
			return
		}
		switch fn := target.(type) {
		case *UnaryFunc:
			var typed dispatch.TypedOperatorHandle[UnaryFunc]
			if typed, err = dispatch.Typed[UnaryFunc](op); err == nil {
				*fn = typed.Func()
			}
		case *BinaryFunc:
			// Also UnaryOutFunc, the same type.
			var typed dispatch.TypedOperatorHandle[BinaryFunc]
			if typed, err = dispatch.Typed[BinaryFunc](op); err == nil {
				*fn = typed.Func()
			}
		}
	}
	bindTo("abs", &o.abs)
	bindTo("abs.out", &o.absOut)
	bindTo("abs_", &o.absInplace)
	bindTo("neg", &o.neg)
	bindTo("add", &o.add)
	bindTo("mul", &o.mul)
	bindTo("sub", &o.sub)
	return err
}

// Abs returns |self|.
func (o *Ops) Abs(self *Tensor) (*Tensor, error) { return o.abs(self) }

// AbsOut writes |self| to out, and returns out.
func (o *Ops) AbsOut(self, out *Tensor) (*Tensor, error) { return o.absOut(self, out) }

// AbsInplace overwrites self with |self|, and returns self.
func (o *Ops) AbsInplace(self *Tensor) (*Tensor, error) { return o.absInplace(self) }

// Neg returns -self.
func (o *Ops) Neg(self *Tensor) (*Tensor, error) { return o.neg(self) }

// Add returns self+other.
func (o *Ops) Add(self, other *Tensor) (*Tensor, error) { return o.add(self, other) }

// Mul returns self*other.
func (o *Ops) Mul(self, other *Tensor) (*Tensor, error) { return o.mul(self, other) }

// Sub returns self-other.
func (o *Ops) Sub(self, other *Tensor) (*Tensor, error) { return o.sub(self, other) }

// compositeSub implements sub with other operators, so it works for any backend (and autograd) that
// implements them.
func (o *Ops) compositeSub(self, other *Tensor) (*Tensor, error) {
	negOther, err := o.neg(other)
	if err != nil {
		return nil, err
	}
	return o.add(self, negOther)
}
