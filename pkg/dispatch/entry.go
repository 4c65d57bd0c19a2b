// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package dispatch

import (
	"fmt"
	"reflect"
	"slices"
	"strings"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/opdispatch/pkg/dispatch/kernel"
	"github.com/gomlx/opdispatch/pkg/dispatch/keys"
	"github.com/gomlx/opdispatch/pkg/dispatch/schema"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// AnnotatedSchema is the schema of an operator with a description of where it was defined.
type AnnotatedSchema struct {
	Schema *schema.FunctionSchema
	Debug  string
	Tags   []string
}

// signatureWithDebug is the Go function type (without the leading keys.Set) of the first unboxed
// kernel registered to an operator, used to check the other kernels and the typed accessors.
type signatureWithDebug struct {
	signature reflect.Type
	debug     string
	key       keys.Key
}

// OperatorEntry holds the registrations of one operator and the dispatch table computed from them.
//
// Registrations are kept per key as a stack, most recent first: only the first is active, the others
// become active again if the ones before them are deregistered.
//
// The table holds the kernel selected for each runtime key (and Undefined). It's updated
// incrementally after each registration, and read without locks by calls.
type OperatorEntry struct {
	name       schema.OperatorName
	dispatcher *Dispatcher

	schema    *AnnotatedSchema
	signature *signatureWithDebug

	kernels map[keys.Key][]KernelHandle
	arena   arena

	table     [keys.NumRuntimeEntries]kernel.Annotated
	extractor extractor
}

func newOperatorEntry(d *Dispatcher, name schema.OperatorName) *OperatorEntry {
	e := &OperatorEntry{
		name:       name,
		dispatcher: d,
		kernels:    make(map[keys.Key][]KernelHandle),
	}
	// Picks up backend fallbacks registered before the operator.
	e.updateTableFull()
	return e
}

// Name of the operator.
func (e *OperatorEntry) Name() schema.OperatorName {
	return e.name
}

// HasSchema returns whether the operator was defined.
func (e *OperatorEntry) HasSchema() bool {
	return e.schema != nil
}

// Schema returns the schema of the operator, or nil if it was not defined.
func (e *OperatorEntry) Schema() *schema.FunctionSchema {
	if e.schema == nil {
		return nil
	}
	return e.schema.Schema
}

// Tags given when the operator was defined.
func (e *OperatorEntry) Tags() []string {
	if e.schema == nil {
		return nil
	}
	return e.schema.Tags
}

func (e *OperatorEntry) describe() string {
	if e.schema != nil {
		return e.schema.Schema.String()
	}
	return e.name.String()
}

func (e *OperatorEntry) schemaDebug(fallback string) string {
	if e.schema != nil {
		return e.schema.Debug
	}
	return fallback
}

func (e *OperatorEntry) registerSchema(s *schema.FunctionSchema, debug string, tags []string) error {
	if e.schema != nil {
		return errors.Wrapf(ErrSchemaAlreadyRegistered,
			"operator %s: schema %s already registered (%s), tried to register %s (%s)",
			e.name, e.schema.Schema, e.schema.Debug, s, debug)
	}
	if s.Name != e.name {
		exceptions.Panicf("dispatch: schema %s registered to operator %s", s, e.name)
	}
	for key, handles := range e.kernels {
		for _, h := range handles {
			r := e.arena.get(h)
			if r.InferredSchema == nil {
				continue
			}
			if err := checkSchema(e.name, s, debug, r.InferredSchema, r.Debug); err != nil {
				return errors.WithMessagef(err, "kernel registered to %s", key)
			}
		}
	}
	e.extractor.registerSchema(s)
	e.schema = &AnnotatedSchema{Schema: s, Debug: debug, Tags: tags}
	return nil
}

func (e *OperatorEntry) deregisterSchema() {
	if e.schema == nil {
		exceptions.Panicf("dispatch: deregistering the schema of operator %s, but it has none", e.name)
	}
	e.schema = nil
	e.extractor.deregisterSchema()
}

func checkSchema(name schema.OperatorName, s *schema.FunctionSchema, debug string,
	inferred *schema.FunctionSchema, inferredDebug string) error {
	diff, found := schema.FindDifferences(s, inferred)
	if !found {
		return nil
	}
	return errors.Wrapf(ErrSchemaMismatch,
		"inferred operator schema for a kernel function doesn't match the expected function schema.\n"+
			"  operator: %s\n"+
			"  expected schema: %s\n"+
			"    %s\n"+
			"  inferred schema: %s\n"+
			"    %s\n"+
			"  reason: %s",
		name, s, debug, inferred, inferredDebug, diff)
}

// callSignature returns the function type without the leading keys.Set parameter, if any.
func callSignature(fnType reflect.Type) reflect.Type {
	if fnType == nil || fnType.NumIn() == 0 || fnType.In(0) != reflect.TypeFor[keys.Set]() {
		return fnType
	}
	in := make([]reflect.Type, 0, fnType.NumIn()-1)
	for ii := 1; ii < fnType.NumIn(); ii++ {
		in = append(in, fnType.In(ii))
	}
	out := make([]reflect.Type, 0, fnType.NumOut())
	for ii := range fnType.NumOut() {
		out = append(out, fnType.Out(ii))
	}
	return reflect.FuncOf(in, out, false)
}

// registrationKey validates the key of a registration and redirects CatchAll.
func registrationKey(key keys.Key) (keys.Key, error) {
	switch key.Category() {
	case keys.CategoryUndefined:
		return keys.CompositeImplicitAutograd, nil
	case keys.CategoryRuntime, keys.CategoryAlias:
		return key, nil
	}
	return key, errors.Wrapf(ErrInvalidKey, "key %s (%s)", key, key.Category())
}

// registerKernel registers k to key. keys.CatchAll (Undefined) means no key was given: the kernel is
// registered to CompositeImplicitAutograd, and the full table is recomputed.
//
// signature is the Go function type of unboxed kernels, or nil, and inferred the schema inferred from it.
func (e *OperatorEntry) registerKernel(key keys.Key, k kernel.Kernel, signature reflect.Type,
	inferred *schema.FunctionSchema, debug string) (KernelHandle, error) {
	regKey, err := registrationKey(key)
	if err != nil {
		return KernelHandle{}, errors.WithMessagef(err, "registering kernel %q to operator %s", debug, e.name)
	}
	signature = callSignature(signature)
	if signature != nil && e.signature != nil && e.signature.signature != signature {
		return KernelHandle{}, errors.Wrapf(ErrCppSignatureMismatch,
			"\nMismatch in kernel signatures\n"+
				"  operator: %s\n"+
				"    %s\n"+
				"  kernel 1: %s\n"+
				"    dispatch key: %s\n"+
				"    %s\n"+
				"  kernel 2: %s\n"+
				"    dispatch key: %s\n"+
				"    %s\n",
			e.describe(), e.schemaDebug("no debug info"),
			e.signature.signature, e.signature.key, e.signature.debug,
			signature, key, debug)
	}
	if e.schema != nil && inferred != nil {
		if err := checkSchema(e.name, e.schema.Schema, e.schema.Debug, inferred, debug); err != nil {
			return KernelHandle{}, err
		}
	}
	if signature != nil && e.signature == nil {
		e.signature = &signatureWithDebug{signature: signature, debug: debug, key: key}
	}

	stack := e.kernels[regKey]
	if len(stack) > 0 && e.dispatcher.warnOnOverride {
		previous := e.arena.get(stack[0])
		klog.Warningf("Overriding a previously registered kernel for the same operator and the same dispatch key\n"+
			"  operator: %s\n"+
			"    %s\n"+
			"  dispatch key: %s\n"+
			"  previous kernel: %s\n"+
			"       new kernel: %s",
			e.describe(), e.schemaDebug("no debug info"), regKey, previous.Debug, debug)
	}
	h := e.arena.add(regKey, kernel.Annotated{Kernel: k, InferredSchema: inferred, Debug: debug})
	e.kernels[regKey] = slices.Insert(stack, 0, h)
	if klog.V(2).Enabled() {
		klog.Infof("dispatch %s: registered %q to %s for operator %s", e.dispatcher.id, debug, regKey, e.name)
	}
	if key == keys.CatchAll {
		e.updateTableFull()
	} else {
		e.updateTable(regKey)
	}
	return h, nil
}

func (e *OperatorEntry) deregisterKernel(h KernelHandle) {
	stack, found := e.kernels[h.key]
	if !found {
		exceptions.Panicf("dispatch: tried to deregister a kernel for dispatch key %s but there are no kernels "+
			"registered for this dispatch key. The operator is %s", h.key, e.name)
	}
	idx := slices.Index(stack, h)
	if idx < 0 {
		exceptions.Panicf("dispatch: kernel handle %+v not registered for operator %s", h, e.name)
	}
	e.arena.remove(h)
	stack = slices.Delete(stack, idx, idx+1)
	if len(stack) == 0 {
		delete(e.kernels, h.key)
	} else {
		e.kernels[h.key] = stack
	}
	if e.signature != nil && !e.hasUnboxedKernel() {
		e.signature = nil
	}
	e.updateTable(h.key)
}

// hasUnboxedKernel returns whether some live registration has a Go function signature.
func (e *OperatorEntry) hasUnboxedKernel() bool {
	for _, stack := range e.kernels {
		for _, h := range stack {
			if e.arena.get(h).Kernel.Signature() != nil {
				return true
			}
		}
	}
	return false
}

// updateFallback refreshes the entries that depend on the backend fallback of key.
func (e *OperatorEntry) updateFallback(key keys.Key) {
	e.updateTable(key)
}

// KernelForDispatchKey returns the active kernel registered directly to key (which may be an alias),
// or nil.
func (e *OperatorEntry) KernelForDispatchKey(key keys.Key) *kernel.Annotated {
	stack := e.kernels[key]
	if len(stack) == 0 {
		return nil
	}
	return &e.arena.get(stack[0]).Annotated
}

// HasKernelForDispatchKey returns whether a kernel is registered directly to key (which may be an alias).
func (e *OperatorEntry) HasKernelForDispatchKey(key keys.Key) bool {
	_, found := e.kernels[key]
	return found
}

// HasKernelForAnyDispatchKey returns whether a kernel is registered directly to some runtime key in ks.
func (e *OperatorEntry) HasKernelForAnyDispatchKey(ks keys.Set) bool {
	for key := range e.kernels {
		if !key.IsAlias() && ks.Has(key) {
			return true
		}
	}
	return false
}

// HasComputedKernelForDispatchKey returns whether the dispatch table has a valid kernel for the
// runtime key (or Undefined).
func (e *OperatorEntry) HasComputedKernelForDispatchKey(key keys.Key) bool {
	if key.IsAlias() {
		exceptions.Panicf("dispatch: HasComputedKernelForDispatchKey(%s) requires a runtime key", key)
	}
	idx := key.TableIndex()
	return idx >= 0 && e.table[idx].Kernel.IsValid()
}

// Lookup returns the kernel in the dispatch table for the runtime key (or Undefined).
// It's a plain array read: it's safe to call concurrently, as long as there are no registrations.
func (e *OperatorEntry) Lookup(key keys.Key) kernel.Kernel {
	idx := key.TableIndex()
	if idx < 0 {
		return kernel.Kernel{}
	}
	return e.table[idx].Kernel
}

// selectKernel returns the key and the kernel of the dispatch table used for a call with ks: the
// highest key with a kernel that is not fallthrough, or Undefined if there is none.
//
// Per-backend functionalities only contribute the key of the highest backend in ks, so a
// fallthrough skips the whole functionality, as kernel.Fallthrough does when redispatching.
func (e *OperatorEntry) selectKernel(ks keys.Set) (keys.Key, kernel.Annotated) {
	highest := ks.HighestBackend()
	for k := range ks.All() {
		if k.Functionality().IsPerBackendFunctionality() && k.Backend() != highest {
			continue
		}
		if e.extractor.isFallthrough(k) {
			continue
		}
		return k, e.table[k.TableIndex()]
	}
	return keys.Undefined, e.table[keys.Undefined.TableIndex()]
}

// ListAllDispatchKeys returns the keys that have a valid kernel in the dispatch table, e.g.
// "[CPU, Meta, AutogradCPU]".
func (e *OperatorEntry) ListAllDispatchKeys() string {
	var names []string
	for idx := range e.table {
		if e.table[idx].Kernel.IsValid() {
			names = append(names, keys.KeyForTableIndex(idx).String())
		}
	}
	return "[" + strings.Join(names, ", ") + "]"
}

// reportError returns the error for a call whose selected key has no kernel.
func (e *OperatorEntry) reportError(key keys.Key) error {
	if e.dispatcher.checkInvariants {
		e.CheckInvariants()
	}
	if key == keys.Undefined {
		return errors.Wrapf(ErrNotImplemented,
			"There were no tensor arguments to this function (e.g., you passed an empty list of Tensors), "+
				"but no fallback function is registered for schema %s. This usually means that this function "+
				"requires a non-empty list of Tensors, or that you (the operator writer) forgot to register a "+
				"fallback function. Available functions are %s.\n\n%s",
			e.name, e.ListAllDispatchKeys(), e.DumpComputedTable())
	}
	return errors.Wrapf(ErrNotImplemented,
		"Could not run '%s' with arguments from the '%s' backend. This could be because the operator "+
			"doesn't exist for this backend. '%s' is only available for these backends: %s.\n\n%s",
		e.name, key, e.name, e.ListAllDispatchKeys(), e.DumpComputedTable())
}

// reportSignatureError returns the error for a typed access with the wrong function type.
func (e *OperatorEntry) reportSignatureError(callSignature reflect.Type) error {
	return errors.Wrapf(kernel.ErrSignatureMismatch,
		"\nTried to access or call an operator with a wrong signature.\n"+
			"  operator: %s\n"+
			"    %s\n"+
			"  correct signature:  %s\n"+
			"    %s\n"+
			"  accessed/called as: %s\n"+
			"This likely happened in a call to dispatch.Typed[F](). Please make sure that the function "+
			"signature matches the signature in the operator registration call.",
		e.describe(), e.schemaDebug("unknown debug info"), e.signature.signature, e.signature.debug,
		callSignature)
}

// DumpState returns the registrations of the operator, ordered by key. Backend fallbacks are not
// included. Used for diagnostics and golden tests.
func (e *OperatorEntry) DumpState() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "name: %s\n", e.name)
	if e.schema != nil {
		fmt.Fprintf(&sb, "schema: %s\n", e.schema.Schema)
		fmt.Fprintf(&sb, "debug: %s\n", e.schema.Debug)
		if len(e.schema.Tags) > 0 {
			fmt.Fprintf(&sb, "tags: %s\n", strings.Join(e.schema.Tags, ", "))
		}
	} else {
		sb.WriteString("schema: (none)\n")
	}
	for _, key := range e.registeredKeys() {
		alias := ""
		if key.IsAlias() {
			alias = "[alias]"
		}
		for ii, h := range e.kernels[key] {
			r := e.arena.get(h)
			inactive := ""
			if ii > 0 {
				inactive = " (inactive)"
			}
			inferred := "(none)"
			if r.InferredSchema != nil {
				inferred = r.InferredSchema.String()
			}
			fmt.Fprintf(&sb, "%s%s%s: %s :: %s [ %s ]\n", key, alias, inactive, r.Debug, inferred, r.Kernel)
		}
	}
	return sb.String()
}

// registeredKeys returns the keys with registrations, in key order.
func (e *OperatorEntry) registeredKeys() []keys.Key {
	registered := make([]keys.Key, 0, len(e.kernels))
	for key := range e.kernels {
		registered = append(registered, key)
	}
	slices.Sort(registered)
	return registered
}

// DumpComputedTable returns, for Undefined and each runtime key with a valid kernel, the kernel the
// resolution yields and where it comes from, e.g. "CPU: cpu_add [kernel]".
func (e *OperatorEntry) DumpComputedTable() string {
	var sb strings.Builder
	for idx := range keys.NumRuntimeEntries {
		key := keys.KeyForTableIndex(idx)
		ak, provenance := e.computeDispatchTableEntryWithDebug(key)
		if !ak.Kernel.IsValid() {
			continue
		}
		fallthroughMark := ""
		if ak.Kernel.IsFallthrough() {
			fallthroughMark = "fallthrough "
		}
		fmt.Fprintf(&sb, "%s: %s%s [%s]\n", key, fallthroughMark, ak.Debug, provenance)
	}
	return sb.String()
}

// CheckInvariants panics if the registrations or the dispatch table are inconsistent: that is a bug
// in the dispatcher.
func (e *OperatorEntry) CheckInvariants() {
	if e.schema != nil {
		if e.schema.Schema.Name != e.name {
			exceptions.Panicf("dispatch: schema name %s differs from the operator name %s\n%s",
				e.schema.Schema.Name, e.name, e.DumpState())
		}
		e.extractor.checkInvariants(e.schema.Schema)
	}
	if _, found := e.kernels[keys.Undefined]; found {
		exceptions.Panicf("dispatch: kernel registered directly to Undefined\n%s", e.DumpState())
	}
	numRecords := 0
	for key, stack := range e.kernels {
		if len(stack) == 0 {
			exceptions.Panicf("dispatch: empty registration stack for %s\n%s", key, e.DumpState())
		}
		numRecords += len(stack)
	}
	if numRecords != e.arena.numLive() {
		exceptions.Panicf("dispatch: %d live registration records, but %d registrations\n%s",
			e.arena.numLive(), numRecords, e.DumpState())
	}
	for idx := range keys.NumRuntimeEntries {
		key := keys.KeyForTableIndex(idx)
		expected := e.computeDispatchTableEntry(key)
		if !expected.Kernel.Equal(e.table[idx].Kernel) || e.extractor.fallthroughs[idx] != expected.Kernel.IsFallthrough() {
			exceptions.Panicf("dispatch: stale dispatch table entry for %s: %s, expected %s\n"+
				"Canonical state\n~~~~~~~~~~~\n%s\n\nComputed table:\n~~~~~~~~~~~\n%s",
				key, e.table[idx].Kernel, expected.Kernel, e.DumpState(), e.DumpComputedTable())
		}
	}
}
