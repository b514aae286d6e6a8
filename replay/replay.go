// Package replay - Ausfuehrungsplaene fuer optimierte Graphen
//
// Dieses Modul enthaelt:
// - Scheduler: baut Plaene gegen ein Geraet und eine Mathe-Bibliothek
// - Plan: fest gebundene Slots, eigener Stream, eigene Adapter und Workspaces
// - Capture: der erste Lauf zeichnet einen Geraete-Graphen auf, jeder
//   weitere Lauf startet ihn mit einem Launch
//
// Zustaende: Unbuilt -> Built -> Executing -> Built. Aendert sich eine
// gebundene Shape oder ein DType, wechselt der Plan nach Invalidated und
// muss mit Rebuild neu gebaut werden.
package replay

import (
	"fmt"

	"github.com/ollama/sfast/ir"
	"github.com/ollama/sfast/kernels"
	"github.com/ollama/sfast/ml"
)

// State is the lifecycle state of a plan.
type State int

const (
	StateUnbuilt State = iota
	StateBuilt
	StateExecuting
	StateInvalidated
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateUnbuilt:
		return "unbuilt"
	case StateBuilt:
		return "built"
	case StateExecuting:
		return "executing"
	case StateInvalidated:
		return "invalidated"
	case StateClosed:
		return "closed"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Stats counts the work a plan has done.
type Stats struct {
	Executions int   `json:"executions"`
	Captures   int   `json:"captures"`
	Replays    int   `json:"replays"`
	Reissues   int   `json:"reissues"`
	Launches   int64 `json:"launches"`

	Nodes     int    `json:"nodes"`
	SlotBytes uint64 `json:"slot_bytes"`
}

// NodeError identifies the node a build or execute failure belongs to.
type NodeError struct {
	Node   int
	Kind   ir.OpKind
	Output ir.ValueID
	Err    error
}

func (e *NodeError) Error() string {
	return fmt.Sprintf("node %d (%v -> %%%d): %v", e.Node, e.Kind, e.Output, e.Err)
}

func (e *NodeError) Unwrap() error {
	return e.Err
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithCapture enables device graph capture. Devices without capture
// support fall back to issuing the node sequence on every call.
func WithCapture(enabled bool) Option {
	return func(s *Scheduler) {
		s.capture = enabled
	}
}

// Scheduler builds execution plans on one device.
type Scheduler struct {
	dev     ml.Device
	lib     kernels.Library
	capture bool
}

// New returns a scheduler for dev using lib for all kernels.
func New(dev ml.Device, lib kernels.Library, opts ...Option) *Scheduler {
	s := &Scheduler{dev: dev, lib: lib, capture: true}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Device returns the device plans are built on.
func (s *Scheduler) Device() ml.Device {
	return s.dev
}

// Build binds g to bindings and prepares a plan. Every node is checked
// against the adapters before any work is issued.
func (s *Scheduler) Build(g *ir.Graph, bindings []ir.Binding) (*Plan, error) {
	p := &Plan{sched: s, source: g}
	if err := p.build(bindings); err != nil {
		return nil, err
	}
	return p, nil
}
