// device.go - Geraete-, Stream- und Capture-Interfaces
//
// Dieses Modul enthaelt:
// - Device: Speicherverwaltung und Stream-Erzeugung
// - Stream: asynchrone, geordnete Ausfuehrung von Operationen
// - Graph: aufgezeichnete Operationsfolge, die erneut gestartet werden kann
// - Registrierung von Geraete-Backends
package ml

import (
	"errors"
	"fmt"
	"slices"
	"sync"
)

// ErrCaptureUnsupported is returned by Stream.BeginCapture on devices that
// cannot record command sequences.
var ErrCaptureUnsupported = errors.New("stream capture not supported")

// Device owns memory and creates streams.
type Device interface {
	Info() DeviceInfo

	// Alloc returns a zeroed tensor accounted against the device.
	Alloc(dtype DType, shape ...int) (*Tensor, error)

	// Free releases a tensor returned by Alloc. Freeing a tensor twice or a
	// tensor of another device is a no-op.
	Free(t *Tensor)

	NewStream() (Stream, error)

	// Close frees all memory associated with this device
	Close() error
}

// Stream executes submitted operations in order, asynchronously to the
// caller. The first failing operation makes the stream skip everything
// after it until the next Synchronize, which returns that error.
type Stream interface {
	// Submit enqueues fn. While capturing, fn is recorded instead.
	Submit(op string, fn func() error)

	// Synchronize blocks until all submitted operations have run.
	Synchronize() error

	BeginCapture() error
	EndCapture() (Graph, error)
	Capturing() bool

	Close() error
}

// Graph is a recorded sequence of stream operations.
type Graph interface {
	// Launch submits the recorded operations to s.
	Launch(s Stream) error

	// Len returns the number of recorded operations.
	Len() int

	Close()
}

// DeviceParams controls how a device backend is opened
type DeviceParams struct {
	// ID is the device ordinal
	ID int

	// NumThreads sets the number of threads to use for kernels
	NumThreads int

	// MemoryLimit caps the bytes the device may hand out, 0 is unlimited
	MemoryLimit uint64

	// DisableCapture makes BeginCapture return ErrCaptureUnsupported
	DisableCapture bool
}

var (
	devicesMu sync.RWMutex
	devices   = make(map[string]func(DeviceParams) (Device, error))
)

// RegisterDevice registers a device backend factory.
func RegisterDevice(name string, f func(DeviceParams) (Device, error)) {
	devicesMu.Lock()
	defer devicesMu.Unlock()

	if _, ok := devices[name]; ok {
		panic("device: backend already registered")
	}

	devices[name] = f
}

// NewDevice opens a device of the named backend.
func NewDevice(name string, params DeviceParams) (Device, error) {
	devicesMu.RLock()
	f, ok := devices[name]
	devicesMu.RUnlock()

	if ok {
		return f(params)
	}

	return nil, fmt.Errorf("unsupported device backend %q", name)
}

// DeviceBackends lists the registered backend names.
func DeviceBackends() []string {
	devicesMu.RLock()
	defer devicesMu.RUnlock()

	names := make([]string, 0, len(devices))
	for name := range devices {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}
