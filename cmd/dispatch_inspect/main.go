// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// dispatch_inspect registers the "ref" operators to a new dispatcher and reports how each operator
// resolves for a list of dispatch keys. Optionally, it dumps the registrations, checks the dispatch
// table invariants and runs sample calls.
//
// Example:
//
//	dispatch_inspect -keys=CPU,AutogradCPU,Meta,CUDA -ops=ref::sub -state -calls
package main

import (
	"flag"
	"fmt"
	"maps"
	"os"
	"slices"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"
	"github.com/gomlx/exceptions"
	"github.com/gomlx/opdispatch/pkg/dispatch"
	"github.com/gomlx/opdispatch/pkg/dispatch/keys"
	"github.com/gomlx/opdispatch/pkg/refops"
	"github.com/gomlx/opdispatch/pkg/support/xslices"
	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

var (
	flagKeys = xslices.Flag("keys",
		[]keys.Key{keys.Undefined, keys.CPU, keys.CUDA, keys.Meta, keys.AutogradCPU, keys.AutogradCUDA, keys.AutogradOther},
		"Comma-separated list of dispatch keys to resolve for each operator.", parseKey)
	flagOps = flag.String("ops", "", "Comma-separated list of operators to include, e.g. \"ref::add,ref::sub\". "+
		"If empty, all operators are included.")
	flagState  = flag.Bool("state", false, "Dump the registrations of each operator.")
	flagTable  = flag.Bool("table", true, "Display the resolution of each operator for the --keys.")
	flagCheck  = flag.Bool("check", false, "Check the dispatch table invariants of every operator.")
	flagCalls  = flag.Bool("calls", false, "Run sample calls of the \"ref\" operators, and display the autograd tape.")
	flagNoGrad = flag.Bool("no_autograd", false, "Don't include tensors requiring gradients in the sample calls.")
)

func parseKey(name string) (keys.Key, error) {
	key, found := keys.ParseKey(name)
	if !found {
		return keys.Undefined, errors.Wrapf(dispatch.ErrInvalidKey, "unknown dispatch key %q", name)
	}
	return key, nil
}

func main() {
	klog.InitFlags(nil)
	flag.Parse()
	if len(flag.Args()) > 0 {
		klog.Errorf("dispatch_inspect takes no arguments. See 'dispatch_inspect -help'.")
		os.Exit(1)
	}

	d := dispatch.New(dispatch.WithName("dispatch_inspect"), dispatch.WithWarnOnOverride(false))
	ops := must.M1(refops.Register(d))
	defer ops.Release()

	handles := selectOperators(d)
	summary(d, handles)
	if *flagTable {
		resolution(handles, *flagKeys)
	}
	if *flagState {
		for _, op := range handles {
			fmt.Println(titleStyle.Render(op.OperatorName().String()))
			fmt.Println(op.DumpState())
			fmt.Println(op.DumpComputedTable())
		}
	}
	if *flagCheck {
		if !check(handles) {
			os.Exit(1)
		}
	}
	if *flagCalls {
		calls(ops)
	}
}

// selectOperators returns the handles of the operators selected by --ops, in name order.
func selectOperators(d *dispatch.Dispatcher) []dispatch.OperatorHandle {
	var wanted map[string]bool
	if *flagOps != "" {
		wanted = make(map[string]bool)
		for _, name := range strings.Split(*flagOps, ",") {
			wanted[strings.TrimSpace(name)] = true
		}
	}
	var handles []dispatch.OperatorHandle
	for _, name := range d.ListAllOperators() {
		if wanted != nil {
			if !wanted[name.String()] {
				continue
			}
			delete(wanted, name.String())
		}
		op, found := d.FindOp(name)
		if !found {
			continue
		}
		handles = append(handles, op)
	}
	for _, name := range slices.Sorted(maps.Keys(wanted)) {
		klog.Warningf("Operator %q not found in %s", name, d)
	}
	return handles
}

func summary(d *dispatch.Dispatcher, handles []dispatch.OperatorHandle) {
	fmt.Println(titleStyle.Render("Summary"))
	table := newTable(nil, lipgloss.Right, lipgloss.Left)
	table.Row(false, "dispatcher", d.Name())
	table.Row(false, "id", d.ID().String())
	table.Row(false, "# operators", humanize.Comma(int64(len(d.ListAllOperators()))))
	table.Row(false, "# selected", humanize.Comma(int64(len(handles))))
	dangling := xslices.Map(d.FindDanglingImpls(), func(op dispatch.OperatorHandle) string {
		return op.OperatorName().String()
	})
	table.Row(len(dangling) > 0, "# dangling impls", humanize.Comma(int64(len(dangling))))
	var numKernels int
	for _, op := range handles {
		for idx := range keys.NumRuntimeEntries {
			if op.Entry().HasComputedKernelForDispatchKey(keys.KeyForTableIndex(idx)) {
				numKernels++
			}
		}
	}
	table.Row(false, "# table entries", humanize.Comma(int64(numKernels)))
	fmt.Println(table.Table.Render())
}

// resolution displays one row per operator, and for each key the kernel the dispatch table resolves
// to, with its provenance.
func resolution(handles []dispatch.OperatorHandle, ks []keys.Key) {
	fmt.Println(titleStyle.Render("Resolution"))
	headers := append([]string{"Operator"}, xslices.Map(ks, keys.Key.String)...)
	table := newTable(headers, lipgloss.Right, lipgloss.Left)
	for _, op := range handles {
		row := []string{op.OperatorName().String()}
		for _, key := range ks {
			ak, provenance := op.Entry().Explain(key)
			if !ak.Kernel.IsValid() {
				row = append(row, "-")
				continue
			}
			debug := ak.Debug
			if idx := strings.Index(debug, " registered at "); idx > 0 {
				debug = debug[:idx]
			}
			row = append(row, fmt.Sprintf("%s [%s]", debug, provenance))
		}
		table.Row(false, row...)
	}
	fmt.Println(table.Table.Render())
}

// check runs CheckInvariants for every operator, and reports the failures.
func check(handles []dispatch.OperatorHandle) bool {
	fmt.Println(titleStyle.Render("Invariants"))
	results := xslices.MapParallel(handles, func(op dispatch.OperatorHandle) error {
		return exceptions.TryCatch[error](op.CheckInvariants)
	})
	table := newTable([]string{"Operator", "Invariants"}, lipgloss.Right, lipgloss.Left)
	ok := true
	for ii, err := range results {
		if err != nil {
			ok = false
			table.Row(true, handles[ii].OperatorName().String(), firstLine(err.Error()))
			continue
		}
		table.Row(false, handles[ii].OperatorName().String(), "ok")
	}
	fmt.Println(table.Table.Render())
	return ok
}

func firstLine(s string) string {
	if idx := strings.IndexByte(s, '\n'); idx >= 0 {
		return s[:idx]
	}
	return s
}

// calls runs the "ref" operators on sample tensors of different backends.
func calls(ops *refops.Ops) {
	fmt.Println(titleStyle.Render("Calls"))
	x := refops.FromValues([]float32{-1, 2, -3})
	y := refops.FromValues([]float32{4, 5, 6})
	inputs := []struct {
		name string
		x, y *refops.Tensor
	}{
		{"cpu", x, y},
		{"cpu-int64", refops.FromValues([]int64{-7, 8}), refops.FromValues([]int64{1, 1})},
		{"meta", refops.NewMeta(x.DType, 3), refops.NewMeta(y.DType, 3)},
		{"cuda", x.WithKeys(refops.KeysFor(keys.BackendCUDA, false)), y.WithKeys(refops.KeysFor(keys.BackendCUDA, false))},
	}
	if !*flagNoGrad {
		inputs = append(inputs, struct {
			name string
			x, y *refops.Tensor
		}{"cpu-autograd", x.RequiringGrad(), y.RequiringGrad()})
	}

	table := newTable([]string{"Input", "Call", "Result"}, lipgloss.Left)
	for _, in := range inputs {
		for _, c := range []struct {
			name string
			fn   func() (*refops.Tensor, error)
		}{
			{"abs(x)", func() (*refops.Tensor, error) { return ops.Abs(in.x) }},
			{"neg(x)", func() (*refops.Tensor, error) { return ops.Neg(in.x) }},
			{"add(x, y)", func() (*refops.Tensor, error) { return ops.Add(in.x, in.y) }},
			{"mul(x, y)", func() (*refops.Tensor, error) { return ops.Mul(in.x, in.y) }},
			{"sub(x, y)", func() (*refops.Tensor, error) { return ops.Sub(in.x, in.y) }},
		} {
			result, err := c.fn()
			if err != nil {
				klog.V(1).Infof("%s on %s: %+v", c.name, in.name, err)
				table.Row(true, in.name, c.name, firstLine(err.Error()))
				continue
			}
			table.Row(false, in.name, c.name, result.String())
		}
	}
	fmt.Println(table.Table.Render())

	records := ops.Tape.Records()
	if len(records) == 0 {
		return
	}
	fmt.Println(titleStyle.Render("Autograd tape"))
	tape := newTable([]string{"#", "Operator", "Inputs", "Outputs"}, lipgloss.Right, lipgloss.Left)
	for ii, r := range records {
		tape.Row(false, humanize.Comma(int64(ii)), r.Op.String(),
			fmt.Sprintf("%d", len(r.Inputs)), describeValues(r.Outputs))
	}
	fmt.Println(tape.Table.Render())
}

func describeValues(values []any) string {
	return strings.Join(xslices.Map(values, func(v any) string {
		if t, ok := v.(*refops.Tensor); ok {
			return t.String()
		}
		return fmt.Sprintf("%v", v)
	}), ", ")
}
