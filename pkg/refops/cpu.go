package refops

import (
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/opdispatch/pkg/dispatch/keys"
	"github.com/gomlx/opdispatch/pkg/dispatch/stub"
	"github.com/pkg/errors"
	"github.com/x448/float16"
	"golang.org/x/exp/constraints"
)

// Loops over the flat data of tensors, selected per dtype.
type (
	unaryLoop  func(in, out any)
	binaryLoop func(a, b, out any)
)

// Device functions, selected per device type.
type (
	unaryFn  func(self, out *Tensor) error
	binaryFn func(a, b, out *Tensor) error
)

// signedNumber are the Go types of the non-float16 dtypes.
type signedNumber interface {
	constraints.Signed | constraints.Float
	dtypes.Supported
}

var (
	absLoops = stub.NewDTypeDispatcher[unaryLoop]("abs")
	negLoops = stub.NewDTypeDispatcher[unaryLoop]("neg")
	addLoops = stub.NewDTypeDispatcher[binaryLoop]("add")
	mulLoops = stub.NewDTypeDispatcher[binaryLoop]("mul")

	absStub = stub.New[unaryFn]("abs")
	negStub = stub.New[unaryFn]("neg")
	addStub = stub.New[binaryFn]("add")
	mulStub = stub.New[binaryFn]("mul")
)

func init() {
	registerUnaryLoops(absLoops, absOf[int32], absOf[int64], absOf[float32], absOf[float64])
	registerUnaryLoops(negLoops, negOf[int32], negOf[int64], negOf[float32], negOf[float64])
	registerBinaryLoops(addLoops, addOf[int32], addOf[int64], addOf[float32], addOf[float64])
	registerBinaryLoops(mulLoops, mulOf[int32], mulOf[int64], mulOf[float32], mulOf[float64])

	// The PrivateUse1 device reuses the CPU loops: it stands for an out-of-tree backend.
	for _, device := range []stub.Device{stub.DeviceCPU, stub.DevicePrivateUse1} {
		absStub.Register(device, unaryOnHost(absLoops))
		negStub.Register(device, unaryOnHost(negLoops))
		addStub.Register(device, binaryOnHost(addLoops))
		mulStub.Register(device, binaryOnHost(mulLoops))
	}
}

// hostBackends are the backends with kernels running on the host.
var hostBackends = []keys.Key{keys.CPU, keys.PrivateUse1}

func absOf[T signedNumber](x T) T {
	if x < 0 {
		return -x
	}
	return x
}

func negOf[T signedNumber](x T) T {
	return -x
}

func addOf[T signedNumber](a, b T) T {
	return a + b
}

func mulOf[T signedNumber](a, b T) T {
	return a * b
}

func registerUnaryLoops(d *stub.DTypeDispatcher[unaryLoop],
	fnInt32 func(int32) int32, fnInt64 func(int64) int64, fnFloat32 func(float32) float32, fnFloat64 func(float64) float64) {
	registerUnary(d, fnInt32)
	registerUnary(d, fnInt64)
	registerUnary(d, fnFloat32)
	registerUnary(d, fnFloat64)
	d.Register(dtypes.Float16, func(in, out any) {
		outFlat := out.([]float16.Float16)
		for ii, v := range in.([]float16.Float16) {
			outFlat[ii] = float16.Fromfloat32(fnFloat32(v.Float32()))
		}
	})
}

func registerUnary[T signedNumber](d *stub.DTypeDispatcher[unaryLoop], fn func(T) T) {
	d.Register(dtypes.FromGenericsType[T](), func(in, out any) {
		outFlat := out.([]T)
		for ii, v := range in.([]T) {
			outFlat[ii] = fn(v)
		}
	})
}

func registerBinaryLoops(d *stub.DTypeDispatcher[binaryLoop],
	fnInt32 func(a, b int32) int32, fnInt64 func(a, b int64) int64,
	fnFloat32 func(a, b float32) float32, fnFloat64 func(a, b float64) float64) {
	registerBinary(d, fnInt32)
	registerBinary(d, fnInt64)
	registerBinary(d, fnFloat32)
	registerBinary(d, fnFloat64)
	d.Register(dtypes.Float16, func(a, b, out any) {
		bFlat, outFlat := b.([]float16.Float16), out.([]float16.Float16)
		for ii, v := range a.([]float16.Float16) {
			outFlat[ii] = float16.Fromfloat32(fnFloat32(v.Float32(), bFlat[ii].Float32()))
		}
	})
}

func registerBinary[T signedNumber](d *stub.DTypeDispatcher[binaryLoop], fn func(a, b T) T) {
	d.Register(dtypes.FromGenericsType[T](), func(a, b, out any) {
		bFlat, outFlat := b.([]T), out.([]T)
		for ii, v := range a.([]T) {
			outFlat[ii] = fn(v, bFlat[ii])
		}
	})
}

// ErrDTypeNotSupported is returned by host kernels for dtypes they have no loop for.
var ErrDTypeNotSupported = errors.New("dtype not supported")

func unaryOnHost(loops *stub.DTypeDispatcher[unaryLoop]) unaryFn {
	return func(self, out *Tensor) error {
		if !loops.Supports(self.DType) {
			return errors.Wrapf(ErrDTypeNotSupported, "%s for %s", loops.Name, self.DType)
		}
		loops.Get(self.DType)(self.Data, out.Data)
		return nil
	}
}

func binaryOnHost(loops *stub.DTypeDispatcher[binaryLoop]) binaryFn {
	return func(a, b, out *Tensor) error {
		if !loops.Supports(a.DType) {
			return errors.Wrapf(ErrDTypeNotSupported, "%s for %s", loops.Name, a.DType)
		}
		loops.Get(a.DType)(a.Data, b.Data, out.Data)
		return nil
	}
}

// unaryKernel returns the host kernel of a unary operator: it selects the device function with the
// backend of the call keys.
func unaryKernel(s *stub.DispatchStub[unaryFn]) func(ks keys.Set, self *Tensor) (*Tensor, error) {
	return func(ks keys.Set, self *Tensor) (*Tensor, error) {
		if self == nil || self.IsMeta() {
			return nil, errors.Errorf("%s: host kernel given a tensor without data", s.Name)
		}
		fn, err := s.ForKeys(ks)
		if err != nil {
			return nil, err
		}
		out := newLike(self)
		if err := fn(self, out); err != nil {
			return nil, err
		}
		return out, nil
	}
}

// unaryOutKernel is like unaryKernel, but writes the result to out, e.g. "ref::abs.out".
func unaryOutKernel(s *stub.DispatchStub[unaryFn]) func(ks keys.Set, self, out *Tensor) (*Tensor, error) {
	return func(ks keys.Set, self, out *Tensor) (*Tensor, error) {
		if err := checkCompatible(s.Name+".out", self, out); err != nil {
			return nil, err
		}
		if self.IsMeta() || out.IsMeta() {
			return nil, errors.Errorf("%s.out: host kernel given a tensor without data", s.Name)
		}
		fn, err := s.ForKeys(ks)
		if err != nil {
			return nil, err
		}
		if err := fn(self, out); err != nil {
			return nil, err
		}
		return out, nil
	}
}

// unaryInplaceKernel is like unaryKernel, but overwrites self, e.g. "ref::abs_".
func unaryInplaceKernel(s *stub.DispatchStub[unaryFn]) func(ks keys.Set, self *Tensor) (*Tensor, error) {
	outKernel := unaryOutKernel(s)
	return func(ks keys.Set, self *Tensor) (*Tensor, error) {
		return outKernel(ks, self, self)
	}
}

func binaryKernel(s *stub.DispatchStub[binaryFn]) func(ks keys.Set, a, b *Tensor) (*Tensor, error) {
	return func(ks keys.Set, a, b *Tensor) (*Tensor, error) {
		if err := checkCompatible(s.Name, a, b); err != nil {
			return nil, err
		}
		if a.IsMeta() || b.IsMeta() {
			return nil, errors.Errorf("%s: host kernel given a tensor without data", s.Name)
		}
		fn, err := s.ForKeys(ks)
		if err != nil {
			return nil, err
		}
		out := newLike(a)
		out.Keys = a.Keys.Union(b.Keys)
		if err := fn(a, b, out); err != nil {
			return nil, err
		}
		return out, nil
	}
}
