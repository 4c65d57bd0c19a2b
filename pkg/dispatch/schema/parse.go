// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package schema

import (
	"strings"

	"github.com/pkg/errors"
)

// Parse parses the textual form of a schema, e.g.:
//
//	ref::add.Tensor(Tensor self, Tensor other, *, Scalar alpha=1) -> Tensor
//	ref::split(Tensor self, int[] sizes) -> Tensor[]
//	ref::minmax(Tensor self) -> (Tensor min, Tensor max)
func Parse(text string) (*FunctionSchema, error) {
	text = strings.TrimSpace(text)
	open := strings.Index(text, "(")
	if open <= 0 {
		return nil, errors.Errorf("schema %q: missing operator name or argument list", text)
	}
	closeIdx := matchingParen(text, open)
	if closeIdx < 0 {
		return nil, errors.Errorf("schema %q: unbalanced parenthesis in argument list", text)
	}
	s := &FunctionSchema{Name: ParseOperatorName(text[:open])}
	if s.Name.Name == "" {
		return nil, errors.Errorf("schema %q: empty operator name", text)
	}

	kwargOnly := false
	for _, part := range splitTopLevel(text[open+1 : closeIdx]) {
		if part == "*" {
			if kwargOnly {
				return nil, errors.Errorf("schema %q: \"*\" marker given twice", text)
			}
			kwargOnly = true
			continue
		}
		arg, err := parseArgument(part)
		if err != nil {
			return nil, errors.WithMessagef(err, "schema %q", text)
		}
		arg.KwargOnly = kwargOnly
		s.Arguments = append(s.Arguments, arg)
	}

	rest := strings.TrimSpace(text[closeIdx+1:])
	if !strings.HasPrefix(rest, "->") {
		return nil, errors.Errorf("schema %q: missing \"->\" and returns", text)
	}
	rest = strings.TrimSpace(strings.TrimPrefix(rest, "->"))
	if rest == "" {
		return nil, errors.Errorf("schema %q: missing returns after \"->\"", text)
	}
	if strings.HasPrefix(rest, "(") {
		if matchingParen(rest, 0) != len(rest)-1 {
			return nil, errors.Errorf("schema %q: malformed returns %q", text, rest)
		}
		for _, part := range splitTopLevel(rest[1 : len(rest)-1]) {
			ret, err := parseArgument(part)
			if err != nil {
				return nil, errors.WithMessagef(err, "schema %q returns", text)
			}
			s.Returns = append(s.Returns, ret)
		}
	} else {
		ret, err := parseArgument(rest)
		if err != nil {
			return nil, errors.WithMessagef(err, "schema %q returns", text)
		}
		s.Returns = []Argument{ret}
	}
	return s, nil
}

// MustParse is like Parse, but panics on error. Meant for schemas defined at initialization.
func MustParse(text string) *FunctionSchema {
	s, err := Parse(text)
	if err != nil {
		panic(err)
	}
	return s
}

func parseArgument(text string) (Argument, error) {
	var arg Argument
	text = strings.TrimSpace(text)
	if text == "" {
		return arg, errors.New("empty argument")
	}
	if idx := strings.Index(text, "="); idx >= 0 {
		arg.Default = strings.TrimSpace(text[idx+1:])
		arg.HasDefault = true
		text = strings.TrimSpace(text[:idx])
	}
	fields := strings.Fields(text)
	switch len(fields) {
	case 1:
		arg.Type = Type(fields[0])
	case 2:
		arg.Type = Type(fields[0])
		arg.Name = fields[1]
	default:
		return arg, errors.Errorf("malformed argument %q", text)
	}
	return arg, nil
}

// matchingParen returns the index of the parenthesis closing the one at position open, or -1.
func matchingParen(text string, open int) int {
	depth := 0
	for ii := open; ii < len(text); ii++ {
		switch text[ii] {
		case '(':
			depth++
		case ')':
			depth--
			if depth == 0 {
				return ii
			}
		}
	}
	return -1
}

// splitTopLevel splits by commas that are not enclosed in brackets or parenthesis.
func splitTopLevel(text string) []string {
	var parts []string
	if strings.TrimSpace(text) == "" {
		return nil
	}
	depth, start := 0, 0
	for ii := 0; ii < len(text); ii++ {
		switch text[ii] {
		case '(', '[':
			depth++
		case ')', ']':
			depth--
		case ',':
			if depth == 0 {
				parts = append(parts, strings.TrimSpace(text[start:ii]))
				start = ii + 1
			}
		}
	}
	return append(parts, strings.TrimSpace(text[start:]))
}
