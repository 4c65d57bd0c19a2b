package dispatch

import (
	"github.com/gomlx/opdispatch/pkg/dispatch/kernel"
	"github.com/pkg/errors"
)

// Registration errors are returned eagerly, when registering. Missing kernels and ambiguity are only
// known at call time.
var (
	// ErrSchemaAlreadyRegistered is returned when defining an operator that already has a schema.
	ErrSchemaAlreadyRegistered = errors.New("schema already registered")

	// ErrSchemaMismatch is returned when a schema disagrees with a schema inferred from a kernel
	// function type, in the number or types of arguments or returns.
	ErrSchemaMismatch = errors.New("schema mismatch")

	// ErrCppSignatureMismatch is returned when two unboxed kernels of the same operator have different
	// Go function types. The name is kept for familiarity: it's about the native call signature.
	ErrCppSignatureMismatch = errors.New("mismatch in kernel signatures")

	// ErrNotImplemented is returned when no kernel can be selected for a call. It wraps
	// kernel.ErrMissingKernel, so either can be checked with errors.Is.
	ErrNotImplemented = errors.Wrap(kernel.ErrMissingKernel, "not implemented")

	// ErrInvalidKey is returned when registering to a key that can't hold kernels, e.g. a per-backend
	// building block like Dense.
	ErrInvalidKey = errors.New("invalid dispatch key for registration")

	// ErrUnknownOperator is returned when an operator looked up by name is not defined.
	ErrUnknownOperator = errors.New("unknown operator")
)
