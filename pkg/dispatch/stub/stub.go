// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package stub implements two small second-level dispatchers used inside kernels:
//
//   - DispatchStub selects a function by device type. An operator has one kernel registered for a
//     backend key, which then calls the stub with the device of its arguments.
//   - DTypeDispatcher selects a function by dtype, for kernels implemented with generics.
package stub

import (
	"github.com/gomlx/exceptions"
	"github.com/gomlx/opdispatch/pkg/dispatch/keys"
	"github.com/pkg/errors"
)

// Device type of a DispatchStub.
type Device uint8

const (
	DeviceCPU Device = iota
	DeviceCUDA
	DeviceHIP
	DeviceMPS
	DeviceXPU
	DevicePrivateUse1
	NumDevices
)

var deviceNames = [NumDevices]string{"CPU", "CUDA", "HIP", "MPS", "XPU", "PrivateUse1"}

// String implements fmt.Stringer.
func (d Device) String() string {
	if d < NumDevices {
		return deviceNames[d]
	}
	return "UnknownDevice"
}

// DeviceFromBackend returns the device type of a backend, if it has one.
func DeviceFromBackend(b keys.Backend) (Device, bool) {
	switch b {
	case keys.BackendCPU:
		return DeviceCPU, true
	case keys.BackendCUDA:
		return DeviceCUDA, true
	case keys.BackendHIP:
		return DeviceHIP, true
	case keys.BackendMPS:
		return DeviceMPS, true
	case keys.BackendXPU:
		return DeviceXPU, true
	case keys.BackendPrivateUse1:
		return DevicePrivateUse1, true
	}
	return NumDevices, false
}

// ErrNoKernelForDevice is returned by DispatchStub when no function was registered for a device.
var ErrNoKernelForDevice = errors.New("no kernel registered for device")

// DispatchStub holds one function of type F per device type.
// The zero value (with an empty name) is ready to use, but usually they are created with New.
type DispatchStub[F any] struct {
	Name string
	fns  [NumDevices]F
	set  [NumDevices]bool
}

// New creates a stub for a class of functions.
func New[F any](name string) *DispatchStub[F] {
	return &DispatchStub[F]{Name: name}
}

// Register fn for the device. This overwrites any previous setting for the same device.
func (s *DispatchStub[F]) Register(device Device, fn F) {
	if device >= NumDevices {
		exceptions.Panicf("device %s not supported by stub %s", device, s.Name)
	}
	s.fns[device] = fn
	s.set[device] = true
}

// RegisterIfNotSet registers fn for the device, unless something was already registered.
func (s *DispatchStub[F]) RegisterIfNotSet(device Device, fn F) {
	if device >= NumDevices {
		exceptions.Panicf("device %s not supported by stub %s", device, s.Name)
	}
	if s.set[device] {
		return
	}
	s.fns[device] = fn
	s.set[device] = true
}

// Get returns the function registered for the device.
func (s *DispatchStub[F]) Get(device Device) (F, error) {
	var zero F
	if device >= NumDevices || !s.set[device] {
		return zero, errors.Wrapf(ErrNoKernelForDevice, "stub %s, device %s", s.Name, device)
	}
	return s.fns[device], nil
}

// ForKeys returns the function for the device of the highest backend in ks.
func (s *DispatchStub[F]) ForKeys(ks keys.Set) (F, error) {
	var zero F
	b := ks.HighestBackend()
	device, ok := DeviceFromBackend(b)
	if !ok {
		return zero, errors.Wrapf(ErrNoKernelForDevice, "stub %s, backend %s has no device type", s.Name, b)
	}
	return s.Get(device)
}
