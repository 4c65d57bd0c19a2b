// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package dispatch selects, for each call of an operator, the kernel to run, based on the dispatch
// keys (see package keys) carried by the call arguments.
//
// Operators are defined (RegisterDef) with a schema, and implemented (RegisterImpl) by kernels
// registered to runtime keys (e.g. keys.CPU, keys.AutogradCUDA) or to alias keys (e.g.
// keys.CompositeImplicitAutograd, which serves every backend). Backend fallbacks (RegisterFallback)
// serve every operator for a key.
//
// Each operator keeps a dispatch table with the kernel selected for each runtime key, updated on
// every registration. A call extracts the keys of its arguments, takes the highest priority key that
// doesn't hold a fallthrough kernel, and calls the kernel in its table slot. Kernels can redispatch to
// the keys below them, see kernel.Operator.
//
// Registrations are serialized by the Dispatcher, while calls only read the dispatch tables without
// locks: calls must not run concurrently with registrations, which usually happen during
// initialization.
package dispatch

import (
	"fmt"
	"os"
	"reflect"
	"slices"
	"strconv"
	"strings"
	"sync"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/opdispatch/pkg/dispatch/kernel"
	"github.com/gomlx/opdispatch/pkg/dispatch/keys"
	"github.com/gomlx/opdispatch/pkg/dispatch/schema"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Dispatcher owns the operators and the backend fallbacks.
//
// Create isolated instances with New, or use the process-wide one returned by Singleton.
type Dispatcher struct {
	id   uuid.UUID
	name string

	warnOnOverride  bool
	checkInvariants bool

	// mu serializes registrations.
	mu sync.Mutex

	// fallbackMu serializes backend fallback registrations. It's always acquired before mu.
	fallbackMu sync.Mutex

	operators map[schema.OperatorName]*OperatorEntry
	fallbacks [keys.NumRuntimeEntries]kernel.Annotated

	// fallbackHandles hold the active fallback registration for each slot, to detect overrides.
	fallbackHandles [keys.NumRuntimeEntries]*RegistrationHandle

	finalized bool
}

// Option configures a Dispatcher created with New.
type Option func(d *Dispatcher)

// WithName sets the name of the dispatcher, used in logs.
func WithName(name string) Option {
	return func(d *Dispatcher) {
		d.name = name
	}
}

// WithWarnOnOverride sets whether registering a kernel to a key that already has one logs a warning.
// The default is true.
func WithWarnOnOverride(warn bool) Option {
	return func(d *Dispatcher) {
		d.warnOnOverride = warn
	}
}

// WithInvariantChecks sets whether the consistency of the operator entries is checked (with
// OperatorEntry.CheckInvariants) after every registration. It's expensive, and meant for tests.
// The default is false.
func WithInvariantChecks(check bool) Option {
	return func(d *Dispatcher) {
		d.checkInvariants = check
	}
}

// New creates a new Dispatcher, isolated from the Singleton one.
func New(options ...Option) *Dispatcher {
	d := &Dispatcher{
		id:             uuid.New(),
		name:           "dispatcher",
		warnOnOverride: true,
		operators:      make(map[schema.OperatorName]*OperatorEntry),
	}
	for _, option := range options {
		option(d)
	}
	klog.V(1).Infof("dispatch: created %q (%s)", d.name, d.id)
	return d
}

// ID returns the unique id of the dispatcher instance.
func (d *Dispatcher) ID() uuid.UUID {
	return d.id
}

// Name of the dispatcher, see WithName.
func (d *Dispatcher) Name() string {
	return d.name
}

// String implements fmt.Stringer.
func (d *Dispatcher) String() string {
	return fmt.Sprintf("Dispatcher(%s, %s)", d.name, d.id)
}

const (
	// OPDISPATCH_CHECK_INVARIANTS is the environment variable that, if set to a true value, enables
	// invariant checks on the Singleton dispatcher. See WithInvariantChecks.
	OPDISPATCH_CHECK_INVARIANTS = "OPDISPATCH_CHECK_INVARIANTS"

	// OPDISPATCH_WARN_OVERRIDE is the environment variable that, if set, configures the warnings of the
	// Singleton dispatcher on overridden kernels. See WithWarnOnOverride.
	OPDISPATCH_WARN_OVERRIDE = "OPDISPATCH_WARN_OVERRIDE"
)

// DefaultOptions are used when creating the Singleton dispatcher, before the options from the
// environment variables. Change them before the first call to Singleton.
var DefaultOptions []Option

var (
	singleton     *Dispatcher
	singletonOnce sync.Once
)

// Singleton returns the process-wide dispatcher, creating it on the first call.
//
// It's configured with DefaultOptions and then with the environment variables
// OPDISPATCH_CHECK_INVARIANTS and OPDISPATCH_WARN_OVERRIDE.
func Singleton() *Dispatcher {
	singletonOnce.Do(func() {
		options := append([]Option{WithName("singleton")}, DefaultOptions...)
		options = append(options, optionsFromEnv()...)
		singleton = New(options...)
	})
	return singleton
}

func optionsFromEnv() []Option {
	var options []Option
	if value, found := os.LookupEnv(OPDISPATCH_CHECK_INVARIANTS); found {
		if check, err := strconv.ParseBool(value); err != nil {
			klog.Warningf("dispatch: ignoring invalid %s=%q: %v", OPDISPATCH_CHECK_INVARIANTS, value, err)
		} else {
			options = append(options, WithInvariantChecks(check))
		}
	}
	if value, found := os.LookupEnv(OPDISPATCH_WARN_OVERRIDE); found {
		if warn, err := strconv.ParseBool(value); err != nil {
			klog.Warningf("dispatch: ignoring invalid %s=%q: %v", OPDISPATCH_WARN_OVERRIDE, value, err)
		} else {
			options = append(options, WithWarnOnOverride(warn))
		}
	}
	return options
}

// Finalize releases the operators and fallbacks of the dispatcher. Registering to it afterward panics.
func (d *Dispatcher) Finalize() {
	d.fallbackMu.Lock()
	defer d.fallbackMu.Unlock()
	d.mu.Lock()
	defer d.mu.Unlock()
	d.operators = nil
	clear(d.fallbacks[:])
	clear(d.fallbackHandles[:])
	d.finalized = true
	klog.V(1).Infof("dispatch: finalized %q (%s)", d.name, d.id)
}

// lockForRegistration acquires d.mu, and panics if the dispatcher was finalized.
func (d *Dispatcher) lockForRegistration() {
	d.mu.Lock()
	if d.finalized {
		d.mu.Unlock()
		exceptions.Panicf("dispatch: registration to finalized %s", d)
	}
}

// findOrRegisterName returns the entry of the operator, creating it if needed. d.mu must be held.
func (d *Dispatcher) findOrRegisterName(name schema.OperatorName) *OperatorEntry {
	e, found := d.operators[name]
	if !found {
		e = newOperatorEntry(d, name)
		d.operators[name] = e
	}
	return e
}

// FindOrRegisterName returns the handle of the operator, creating its (undefined) entry if needed.
func (d *Dispatcher) FindOrRegisterName(name schema.OperatorName) OperatorHandle {
	d.lockForRegistration()
	defer d.mu.Unlock()
	return OperatorHandle{d.findOrRegisterName(name)}
}

// FindOp returns the handle of an operator that has a schema or kernels registered.
func (d *Dispatcher) FindOp(name schema.OperatorName) (OperatorHandle, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	e, found := d.operators[name]
	if !found {
		return OperatorHandle{}, false
	}
	return OperatorHandle{e}, true
}

// FindSchema returns the handle of an operator with a schema.
func (d *Dispatcher) FindSchema(name schema.OperatorName) (OperatorHandle, bool) {
	op, found := d.FindOp(name)
	if !found || !op.entry.HasSchema() {
		return OperatorHandle{}, false
	}
	return op, true
}

// MustFindSchema is like FindSchema, but panics with ErrUnknownOperator if the operator is not defined.
func (d *Dispatcher) MustFindSchema(name string) OperatorHandle {
	op, found := d.FindSchema(schema.ParseOperatorName(name))
	if !found {
		panic(errors.Wrapf(ErrUnknownOperator, "dispatch: operator %q not defined in %s", name, d))
	}
	return op
}

// ListAllOperators returns the names of all known operators, sorted.
func (d *Dispatcher) ListAllOperators() []schema.OperatorName {
	d.mu.Lock()
	defer d.mu.Unlock()
	names := make([]schema.OperatorName, 0, len(d.operators))
	for name := range d.operators {
		names = append(names, name)
	}
	slices.SortFunc(names, func(a, b schema.OperatorName) int {
		return strings.Compare(a.String(), b.String())
	})
	return names
}

// FindDanglingImpls returns the operators that have kernels but no schema: usually a typo in the
// operator name of an implementation, or a missing definition.
func (d *Dispatcher) FindDanglingImpls() []OperatorHandle {
	var dangling []OperatorHandle
	for _, name := range d.ListAllOperators() {
		op, _ := d.FindOp(name)
		if !op.entry.HasSchema() && len(op.entry.kernels) > 0 {
			dangling = append(dangling, op)
		}
	}
	return dangling
}

// RegistrationHandle undoes a registration when released.
type RegistrationHandle struct {
	release func()
	once    sync.Once
}

// Release undoes the registration. Further calls are no-ops.
func (h *RegistrationHandle) Release() {
	if h == nil {
		return
	}
	h.once.Do(h.release)
}

func (d *Dispatcher) afterRegistration(e *OperatorEntry) {
	if d.checkInvariants {
		e.CheckInvariants()
	}
}

// RegisterDef defines an operator with its schema. Tags are free-form annotations.
//
// It returns ErrSchemaAlreadyRegistered if the operator was already defined, and ErrSchemaMismatch if
// the schema differs from the schema inferred from the operator's unboxed kernels.
func (d *Dispatcher) RegisterDef(s *schema.FunctionSchema, debug string, tags ...string) (*RegistrationHandle, error) {
	d.lockForRegistration()
	defer d.mu.Unlock()
	e := d.findOrRegisterName(s.Name)
	if err := e.registerSchema(s, debug, tags); err != nil {
		return nil, err
	}
	d.afterRegistration(e)
	klog.V(1).Infof("dispatch %s: defined %s (%s)", d.id, s, debug)
	return &RegistrationHandle{release: func() {
		d.mu.Lock()
		defer d.mu.Unlock()
		if d.finalized {
			return
		}
		e.deregisterSchema()
		d.afterRegistration(e)
	}}, nil
}

// RegisterImpl registers a kernel implementing the operator for key. Use keys.CatchAll to register
// it to CompositeImplicitAutograd.
//
// If k was created with kernel.FromUnboxed, its Go function type is checked against the other
// unboxed kernels of the operator (ErrCppSignatureMismatch), and the schema inferred from it against
// the schema of the operator (ErrSchemaMismatch).
func (d *Dispatcher) RegisterImpl(name schema.OperatorName, key keys.Key, k kernel.Kernel, debug string) (*RegistrationHandle, error) {
	var inferred *schema.FunctionSchema
	signature := k.Signature()
	if signature != nil {
		var err error
		inferred, err = schema.Infer(signature)
		if err != nil {
			// Types without a schema equivalent are allowed, they are just not cross-checked.
			klog.V(2).Infof("dispatch: no schema inferred for kernel %q of %s: %v", debug, name, err)
			inferred = nil
		}
	}
	d.lockForRegistration()
	defer d.mu.Unlock()
	e := d.findOrRegisterName(name)
	h, err := e.registerKernel(key, k, signature, inferred, debug)
	if err != nil {
		return nil, err
	}
	d.afterRegistration(e)
	return &RegistrationHandle{release: func() {
		d.mu.Lock()
		defer d.mu.Unlock()
		if d.finalized {
			return
		}
		e.deregisterKernel(h)
		d.afterRegistration(e)
	}}, nil
}

// RegisterFallback registers a kernel used for key by every operator that has no other kernel for it.
// Alias keys register the kernel for each runtime key they cover.
func (d *Dispatcher) RegisterFallback(key keys.Key, k kernel.Kernel, debug string) (*RegistrationHandle, error) {
	var runtimeKeys []keys.Key
	switch key.Category() {
	case keys.CategoryUndefined, keys.CategoryRuntime:
		runtimeKeys = []keys.Key{key}
	case keys.CategoryAlias:
		runtimeKeys = keys.RuntimeSet(key).Keys()
	default:
		return nil, errors.Wrapf(ErrInvalidKey, "registering fallback %q to %s (%s)", debug, key, key.Category())
	}

	d.fallbackMu.Lock()
	defer d.fallbackMu.Unlock()
	d.lockForRegistration()
	defer d.mu.Unlock()
	for _, rk := range runtimeKeys {
		if previous := d.fallbackHandles[rk.TableIndex()]; previous != nil {
			return nil, errors.Errorf("dispatch: fallback for %s already registered (%s), tried to register %q",
				rk, d.fallbacks[rk.TableIndex()].Debug, debug)
		}
	}
	h := &RegistrationHandle{}
	for _, rk := range runtimeKeys {
		idx := rk.TableIndex()
		d.fallbacks[idx] = kernel.Annotated{Kernel: k, Debug: debug}
		d.fallbackHandles[idx] = h
		d.updateFallback(rk)
	}
	klog.V(1).Infof("dispatch %s: registered fallback %q to %s", d.id, debug, key)
	h.release = func() {
		d.fallbackMu.Lock()
		defer d.fallbackMu.Unlock()
		d.mu.Lock()
		defer d.mu.Unlock()
		if d.finalized {
			return
		}
		for _, rk := range runtimeKeys {
			idx := rk.TableIndex()
			d.fallbacks[idx] = kernel.Annotated{}
			d.fallbackHandles[idx] = nil
			d.updateFallback(rk)
		}
	}
	return h, nil
}

// updateFallback refreshes the fallback of key in every operator. d.mu must be held.
func (d *Dispatcher) updateFallback(key keys.Key) {
	for _, e := range d.operators {
		e.updateFallback(key)
		d.afterRegistration(e)
	}
}

// Fallback returns the backend fallback registered for the runtime key (or Undefined), if any.
func (d *Dispatcher) Fallback(key keys.Key) (kernel.Annotated, bool) {
	idx := key.TableIndex()
	if idx < 0 || !d.fallbacks[idx].Kernel.IsValid() {
		return kernel.Annotated{}, false
	}
	return d.fallbacks[idx], true
}

// CallBoxed calls the operator with the arguments on the stack, leaving the results on it.
func (d *Dispatcher) CallBoxed(op OperatorHandle, stack *kernel.Stack) error {
	return op.CallBoxed(stack)
}

// Redispatch calls the operator with the kernel selected for ks, instead of the keys of the arguments.
func (d *Dispatcher) Redispatch(op OperatorHandle, ks keys.Set, stack *kernel.Stack) error {
	return op.Redispatch(ks, stack)
}

// signatureOf returns the cached call signature of the operator, or nil.
func (d *Dispatcher) signatureOf(e *OperatorEntry) reflect.Type {
	d.mu.Lock()
	defer d.mu.Unlock()
	if e.signature == nil {
		return nil
	}
	return e.signature.signature
}
