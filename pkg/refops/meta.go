package refops

import "github.com/pkg/errors"

// Meta kernels only compute the dtype and shape of the results.

func metaUnary(self *Tensor) (*Tensor, error) {
	if self == nil {
		return nil, errors.New("meta kernel given a nil tensor")
	}
	return newLike(self), nil
}

func metaUnaryOut(self, out *Tensor) (*Tensor, error) {
	if err := checkCompatible("out", self, out); err != nil {
		return nil, err
	}
	return out, nil
}

func metaUnaryInplace(self *Tensor) (*Tensor, error) {
	if self == nil {
		return nil, errors.New("meta kernel given a nil tensor")
	}
	return self, nil
}

func metaBinary(opName string) func(a, b *Tensor) (*Tensor, error) {
	return func(a, b *Tensor) (*Tensor, error) {
		if err := checkCompatible(opName, a, b); err != nil {
			return nil, err
		}
		out := newLike(a)
		out.Keys = a.Keys.Union(b.Keys)
		return out, nil
	}
}
