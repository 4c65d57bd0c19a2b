package kernel

import "github.com/pkg/errors"

// Stack holds the boxed arguments of a call. Kernels pop their arguments and push their results.
//
// Arguments are pushed in order, so the last argument is on the top of the stack.
type Stack []any

// NewStack returns a stack with the given values pushed in order.
func NewStack(values ...any) *Stack {
	s := make(Stack, 0, len(values))
	s = append(s, values...)
	return &s
}

// Push values in order.
func (s *Stack) Push(values ...any) {
	*s = append(*s, values...)
}

// Len returns the number of values in the stack.
func (s *Stack) Len() int {
	return len(*s)
}

// Pop removes the value on the top of the stack.
func (s *Stack) Pop() (any, error) {
	n := len(*s)
	if n == 0 {
		return nil, errors.Wrap(ErrBoxing, "pop from an empty stack")
	}
	v := (*s)[n-1]
	(*s)[n-1] = nil
	*s = (*s)[:n-1]
	return v, nil
}

// PopN removes the n values on the top of the stack and returns them in push order.
func (s *Stack) PopN(n int) ([]any, error) {
	if n > len(*s) {
		return nil, errors.Wrapf(ErrBoxing, "popping %d values from a stack with %d", n, len(*s))
	}
	start := len(*s) - n
	values := make([]any, n)
	copy(values, (*s)[start:])
	clear((*s)[start:])
	*s = (*s)[:start]
	return values, nil
}

// Peek returns the value at depth i from the top of the stack (0 is the top), without removing it.
func (s *Stack) Peek(i int) (any, bool) {
	idx := len(*s) - 1 - i
	if i < 0 || idx < 0 {
		return nil, false
	}
	return (*s)[idx], true
}

// Last returns the n values on the top of the stack, in push order, without removing them.
// The returned slice shares memory with the stack.
func (s *Stack) Last(n int) []any {
	if n > len(*s) {
		n = len(*s)
	}
	return (*s)[len(*s)-n:]
}
