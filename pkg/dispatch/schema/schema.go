// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package schema describes operator signatures: their names, arguments and returns.
//
// A FunctionSchema is either written by hand (usually parsed from its textual form, e.g.
// "ref::add(Tensor self, Tensor other) -> Tensor") or inferred from the Go function type of an
// unboxed kernel, see Infer. The dispatcher uses FindDifferences to cross-check both.
package schema

import (
	"fmt"
	"strings"
)

// OperatorName identifies an operator: a (namespaced) name plus an optional overload name.
type OperatorName struct {
	// Name, usually namespaced, e.g. "ref::add".
	Name string

	// OverloadName distinguishes overloads of the same operator, e.g. "Tensor" or "out". It may be empty.
	OverloadName string
}

// ParseOperatorName parses "ns::name.overload" (the overload is optional).
func ParseOperatorName(s string) OperatorName {
	s = strings.TrimSpace(s)
	// The overload separator is the first "." after the namespace.
	nsEnd := strings.LastIndex(s, "::")
	start := 0
	if nsEnd >= 0 {
		start = nsEnd + 2
	}
	if idx := strings.Index(s[start:], "."); idx >= 0 {
		return OperatorName{Name: s[:start+idx], OverloadName: s[start+idx+1:]}
	}
	return OperatorName{Name: s}
}

// String implements fmt.Stringer.
func (n OperatorName) String() string {
	if n.OverloadName == "" {
		return n.Name
	}
	return n.Name + "." + n.OverloadName
}

// Namespace returns the namespace of the operator name, or "" if it is not namespaced.
func (n OperatorName) Namespace() string {
	if idx := strings.Index(n.Name, "::"); idx >= 0 {
		return n.Name[:idx]
	}
	return ""
}

// Type is the textual type of an argument or return, e.g. "Tensor", "Tensor[]", "int", "Scalar?".
type Type string

const (
	TypeTensor         Type = "Tensor"
	TypeOptionalTensor Type = "Tensor?"
	TypeTensorList     Type = "Tensor[]"
	TypeInt            Type = "int"
	TypeIntList        Type = "int[]"
	TypeFloat          Type = "float"
	TypeFloatList      Type = "float[]"
	TypeBool           Type = "bool"
	TypeBoolList       Type = "bool[]"
	TypeString         Type = "str"
	TypeScalar         Type = "Scalar"
	TypeAny            Type = "Any"
)

// IsTensorLike returns whether arguments of this type contribute dispatch keys:
// tensors, optional tensors and lists of (optional) tensors.
func (t Type) IsTensorLike() bool {
	switch t {
	case TypeTensor, TypeOptionalTensor, TypeTensorList, "Tensor?[]":
		return true
	}
	return false
}

// IsOptional returns whether the type is optional ("T?").
func (t Type) IsOptional() bool {
	return strings.HasSuffix(string(t), "?")
}

// IsList returns whether the type is a list ("T[]").
func (t Type) IsList() bool {
	return strings.HasSuffix(string(t), "[]")
}

// Argument of a schema, also used for its returns.
type Argument struct {
	Name string
	Type Type

	// Default value, in its textual form. Only meaningful if HasDefault is true.
	Default    string
	HasDefault bool

	// KwargOnly arguments come after the "*" marker in the textual form.
	KwargOnly bool
}

// String implements fmt.Stringer.
func (a Argument) String() string {
	var sb strings.Builder
	sb.WriteString(string(a.Type))
	if a.Name != "" {
		sb.WriteString(" ")
		sb.WriteString(a.Name)
	}
	if a.HasDefault {
		sb.WriteString("=")
		sb.WriteString(a.Default)
	}
	return sb.String()
}

// FunctionSchema is the signature of an operator.
type FunctionSchema struct {
	Name      OperatorName
	Arguments []Argument
	Returns   []Argument
}

// New creates a FunctionSchema. The name is parsed with ParseOperatorName.
func New(name string, arguments []Argument, returns []Argument) *FunctionSchema {
	return &FunctionSchema{
		Name:      ParseOperatorName(name),
		Arguments: arguments,
		Returns:   returns,
	}
}

// String returns the canonical textual form of the schema, which Parse accepts.
func (s *FunctionSchema) String() string {
	var sb strings.Builder
	name := s.Name.String()
	if name == "" {
		name = "_"
	}
	sb.WriteString(name)
	sb.WriteString("(")
	kwargMarked := false
	for ii, arg := range s.Arguments {
		if ii > 0 {
			sb.WriteString(", ")
		}
		if arg.KwargOnly && !kwargMarked {
			sb.WriteString("*, ")
			kwargMarked = true
		}
		sb.WriteString(arg.String())
	}
	sb.WriteString(") -> ")
	if len(s.Returns) == 1 && s.Returns[0].Name == "" {
		sb.WriteString(string(s.Returns[0].Type))
		return sb.String()
	}
	sb.WriteString("(")
	for ii, ret := range s.Returns {
		if ii > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString(ret.String())
	}
	sb.WriteString(")")
	return sb.String()
}

// TensorArgumentIndices returns the indices of the arguments that contribute dispatch keys.
func (s *FunctionSchema) TensorArgumentIndices() []int {
	var indices []int
	for ii, arg := range s.Arguments {
		if arg.Type.IsTensorLike() {
			indices = append(indices, ii)
		}
	}
	return indices
}

// Clone returns a deep copy of the schema.
func (s *FunctionSchema) Clone() *FunctionSchema {
	s2 := &FunctionSchema{Name: s.Name}
	s2.Arguments = append([]Argument(nil), s.Arguments...)
	s2.Returns = append([]Argument(nil), s.Returns...)
	return s2
}

// WithName returns a copy of the schema with the given name.
func (s *FunctionSchema) WithName(name OperatorName) *FunctionSchema {
	s2 := s.Clone()
	s2.Name = name
	return s2
}

// FindDifferences compares the structure of two schemas: number and types of arguments and returns.
// Names and defaults are not compared. It returns a human-readable description of the first
// difference found, and false if the schemas are structurally equal.
func FindDifferences(lhs, rhs *FunctionSchema) (string, bool) {
	if len(lhs.Arguments) != len(rhs.Arguments) {
		return fmt.Sprintf("The number of arguments is different. %d vs %d.",
			len(lhs.Arguments), len(rhs.Arguments)), true
	}
	if len(lhs.Returns) != len(rhs.Returns) {
		return fmt.Sprintf("The number of returns is different. %d vs %d.",
			len(lhs.Returns), len(rhs.Returns)), true
	}
	for ii := range lhs.Arguments {
		if lhs.Arguments[ii].Type != rhs.Arguments[ii].Type {
			return fmt.Sprintf("Type mismatch in argument %d: %s vs %s.",
				ii+1, lhs.Arguments[ii].Type, rhs.Arguments[ii].Type), true
		}
	}
	for ii := range lhs.Returns {
		if lhs.Returns[ii].Type != rhs.Returns[ii].Type {
			return fmt.Sprintf("Type mismatch in return %d: %s vs %s.",
				ii+1, lhs.Returns[ii].Type, rhs.Returns[ii].Type), true
		}
	}
	return "", false
}
