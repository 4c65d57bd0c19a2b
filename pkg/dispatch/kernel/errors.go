package kernel

import "github.com/pkg/errors"

var (
	// ErrMissingKernel is returned when calling a missing (invalid) kernel.
	ErrMissingKernel = errors.New("missing kernel")

	// ErrAmbiguousAutogradOther is returned by the kernel selected for AutogradOther when an operator
	// has a CompositeImplicitAutograd kernel and also kernels for some backend without a dedicated
	// autograd key. The dispatcher can't tell which one should be used.
	ErrAmbiguousAutogradOther = errors.New("ambiguous AutogradOther kernel")

	// ErrNamedNotSupported is returned by kernels that refuse named tensors.
	ErrNamedNotSupported = errors.New("named tensors not supported")

	// ErrSignatureMismatch is returned when a kernel or operator is accessed with a Go function type
	// different from the one it was registered with.
	ErrSignatureMismatch = errors.New("signature mismatch")

	// ErrBoxing is returned when boxed values can't be converted to the arguments of an unboxed
	// function, or when the stack doesn't hold enough values.
	ErrBoxing = errors.New("boxing error")
)
