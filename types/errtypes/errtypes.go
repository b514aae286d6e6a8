// Package errtypes - Fehler-Taxonomie fuer Kernel, Fusion und Replay
//
// Dieses Modul enthaelt:
// - UnsupportedConfiguration: Primitive unterstuetzt Shape/DType/Layout nicht
// - FusionExecutionError: ein fusionierter Aufruf ist auf dem Geraet fehlgeschlagen
// - DeviceError: Allokations- oder Launch-Fehler
// - PlanMismatchError: gebundene Shapes/DTypes haben sich ohne Rebuild geaendert
//
// Alle Typen funktionieren mit errors.Is gegen die Sentinel-Werte und mit
// errors.As gegen den konkreten Typ.
package errtypes

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrUnsupportedConfiguration = errors.New("unsupported configuration")
	ErrFusionExecution          = errors.New("fusion execution failed")
	ErrDevice                   = errors.New("device error")
	ErrPlanMismatch             = errors.New("plan mismatch")
)

// UnsupportedConfiguration is returned when a primitive cannot handle the
// given shape, dtype or layout combination. Callers may fall back to an
// unfused path.
type UnsupportedConfiguration struct {
	Primitive string
	Reason    string
}

func (e *UnsupportedConfiguration) Error() string {
	return fmt.Sprintf("%s: %s: %s", ErrUnsupportedConfiguration, e.Primitive, e.Reason)
}

func (e *UnsupportedConfiguration) Is(target error) bool {
	return target == ErrUnsupportedConfiguration
}

// Unsupported is a shorthand constructor.
func Unsupported(primitive, format string, args ...any) error {
	return &UnsupportedConfiguration{Primitive: primitive, Reason: fmt.Sprintf(format, args...)}
}

// FusionExecutionError wraps any failure of a fused operator call. Cause is
// the adapter or device error that triggered it.
type FusionExecutionError struct {
	Op    string
	Cause error
}

func (e *FusionExecutionError) Error() string {
	return fmt.Sprintf("%s: %s: %v", ErrFusionExecution, e.Op, e.Cause)
}

func (e *FusionExecutionError) Unwrap() []error {
	return []error{ErrFusionExecution, e.Cause}
}

// DeviceError reports an allocation or launch failure. It is never retried.
type DeviceError struct {
	Op     string
	Device int
	Err    error
}

func (e *DeviceError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s (device %d): %s", ErrDevice, e.Device, e.Op)
	}
	return fmt.Sprintf("%s (device %d): %s: %v", ErrDevice, e.Device, e.Op, e.Err)
}

func (e *DeviceError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrDevice}
	}
	return []error{ErrDevice, e.Err}
}

// PlanMismatchError is returned by an execution plan when the tensors passed
// in no longer match the shapes or dtypes the plan was built for.
type PlanMismatchError struct {
	Slot     int
	Name     string
	Expected string
	Got      string
}

func (e *PlanMismatchError) Error() string {
	var sb strings.Builder
	sb.WriteString(ErrPlanMismatch.Error())
	fmt.Fprintf(&sb, ": input %d", e.Slot)
	if e.Name != "" {
		fmt.Fprintf(&sb, " (%s)", e.Name)
	}
	fmt.Fprintf(&sb, ": bound %s, got %s; rebuild required", e.Expected, e.Got)
	return sb.String()
}

func (e *PlanMismatchError) Is(target error) bool {
	return target == ErrPlanMismatch
}
