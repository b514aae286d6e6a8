// Package trace - Aufzeichnung eines Modell-Durchlaufs als Trace-Graph
//
// Dieses Modul enthaelt:
// - Tracer: erlaubt genau eine aktive Aufzeichnung
// - Session: expliziter Kontext, an den jede aufgezeichnete Operation geht
// - Capture: Begin/End mit garantierter Freigabe (auch bei Panic)
//
// Operationen werden nicht ausgefuehrt, sondern nur mit inferierten Shapes
// notiert. Der erste Fehler bleibt bestehen und wird von End gemeldet.
package trace

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/ollama/sfast/ir"
	"github.com/ollama/sfast/logutil"
	"github.com/ollama/sfast/ml"
)

// ErrCaptureActive is returned by Begin while another session is open.
var ErrCaptureActive = errors.New("trace: capture already active")

// ErrSessionClosed is returned for sessions that have already ended.
var ErrSessionClosed = errors.New("trace: session closed")

// Tracer hands out capture sessions, one at a time.
type Tracer struct {
	mu sync.Mutex

	captures atomic.Int64
}

// NewTracer returns an idle tracer.
func NewTracer() *Tracer {
	return &Tracer{}
}

// Begin starts a capture session named after the model being traced.
func (t *Tracer) Begin(name string) (*Session, error) {
	if !t.mu.TryLock() {
		return nil, ErrCaptureActive
	}
	t.captures.Add(1)

	s := &Session{
		ID:     uuid.NewString(),
		tracer: t,
		graph:  ir.New(name),
		params: make(map[*ml.Tensor]ir.ValueID),
	}
	slog.Debug("trace: begin capture", "name", name, "session", s.ID)
	return s, nil
}

// End finishes s and returns the recorded graph.
func (t *Tracer) End(s *Session) (*ir.Graph, error) {
	if err := s.release(t); err != nil {
		return nil, err
	}

	g := s.graph
	if s.err != nil {
		return nil, fmt.Errorf("trace %q: %w", g.Name, s.err)
	}
	if len(g.Outputs) == 0 {
		return nil, fmt.Errorf("trace %q: no outputs recorded", g.Name)
	}
	if err := g.Validate(); err != nil {
		return nil, fmt.Errorf("trace %q: %w", g.Name, err)
	}

	slog.Debug("trace: end capture", "name", g.Name, "session", s.ID,
		"inputs", len(g.Inputs), "params", len(g.Params), "nodes", len(g.Nodes))
	logutil.Trace("trace: graph", "graph", g.String())
	return g, nil
}

// Abort drops s without producing a graph. Aborting an ended session is a
// no-op.
func (t *Tracer) Abort(s *Session) {
	if s.release(t) == nil {
		slog.Debug("trace: capture aborted", "name", s.graph.Name, "session", s.ID)
	}
}

// Captures returns the number of sessions begun so far.
func (t *Tracer) Captures() int {
	return int(t.captures.Load())
}

// Capture runs fn inside a session and returns its graph. The tracer is
// released on every path, including a panic in fn.
func Capture(t *Tracer, name string, fn func(*Session) error) (*ir.Graph, error) {
	s, err := t.Begin(name)
	if err != nil {
		return nil, err
	}
	defer t.Abort(s)

	if err := fn(s); err != nil {
		return nil, fmt.Errorf("trace %q: %w", name, err)
	}
	return t.End(s)
}

// =============================================================================
// Session
// =============================================================================

// Session records one model execution. It is not safe for concurrent use.
type Session struct {
	ID string

	tracer *Tracer
	graph  *ir.Graph
	params map[*ml.Tensor]ir.ValueID
	err    error
	closed bool
}

func (s *Session) release(t *Tracer) error {
	if s.tracer != t {
		return errors.New("trace: session belongs to another tracer")
	}
	if s.closed {
		return ErrSessionClosed
	}
	s.closed = true
	t.mu.Unlock()
	return nil
}

// Err returns the first error recorded so far.
func (s *Session) Err() error {
	return s.err
}

// Value is a handle to a recorded tensor.
type Value struct {
	id ir.ValueID
}

// invalid is returned after an error; operations on it are skipped.
var invalid = Value{id: -1}

// ID returns the id of v in the recorded graph.
func (v Value) ID() ir.ValueID { return v.id }

// Valid reports whether v was recorded successfully.
func (v Value) Valid() bool { return v.id >= 0 }

// Shape returns the inferred shape of v.
func (s *Session) Shape(v Value) []int {
	if !v.Valid() || int(v.id) >= len(s.graph.Values) {
		return nil
	}
	return s.graph.Value(v.id).Shape
}

// DType returns the inferred dtype of v.
func (s *Session) DType(v Value) ml.DType {
	if !v.Valid() || int(v.id) >= len(s.graph.Values) {
		return ml.DTypeOther
	}
	return s.graph.Value(v.id).DType
}

func (s *Session) usable() bool {
	if s.closed {
		s.fail(ErrSessionClosed)
	}
	return s.err == nil
}

func (s *Session) fail(err error) {
	if s.err == nil {
		s.err = err
	}
}

// Input declares a graph input. A dimension of -1 is dynamic.
func (s *Session) Input(name string, dtype ml.DType, shape ...int) Value {
	if !s.usable() {
		return invalid
	}
	for _, d := range shape {
		if d < -1 {
			s.fail(fmt.Errorf("input %q: invalid dimension %d", name, d))
			return invalid
		}
	}
	id := s.graph.NewValue(name, dtype, shape...)
	s.graph.Inputs = append(s.graph.Inputs, id)
	return Value{id: id}
}

// Param declares a constant tensor. The same tensor always yields the
// same value.
func (s *Session) Param(name string, t *ml.Tensor) Value {
	if !s.usable() {
		return invalid
	}
	if t == nil {
		s.fail(fmt.Errorf("param %q: nil tensor", name))
		return invalid
	}
	if id, ok := s.params[t]; ok {
		return Value{id: id}
	}
	id := s.graph.NewValue(name, t.DType(), t.Shape()...)
	s.graph.Params[id] = t
	s.params[t] = id
	return Value{id: id}
}

// Output marks values as graph outputs in order.
func (s *Session) Output(vs ...Value) {
	if !s.usable() {
		return
	}
	for _, v := range vs {
		if !s.known(v) {
			return
		}
		s.graph.Outputs = append(s.graph.Outputs, v.id)
	}
}

// Opaque records an operation the rewriter does not look into. It is
// executed through the implementation registered with ir.RegisterOpaque.
func (s *Session) Opaque(name string, out ir.Binding, inputs ...Value) Value {
	if !s.usable() {
		return invalid
	}
	if _, err := ir.LookupOpaque(name); err != nil {
		s.fail(fmt.Errorf("node %d (%v): %w", len(s.graph.Nodes), ir.OpOpaque, err))
		return invalid
	}
	return s.record(ir.OpOpaque, ir.Attrs{Opaque: name, DType: out.DType, Shape: out.Shape}, inputs...)
}

func (s *Session) known(v Value) bool {
	if !v.Valid() || int(v.id) >= len(s.graph.Values) {
		s.fail(fmt.Errorf("node %d: unknown value %d", len(s.graph.Nodes), v.id))
		return false
	}
	return true
}

// record appends a node; the first failure sticks with its node index.
func (s *Session) record(kind ir.OpKind, attrs ir.Attrs, inputs ...Value) Value {
	if !s.usable() {
		return invalid
	}

	ids := make([]ir.ValueID, len(inputs))
	for i, v := range inputs {
		if !s.known(v) {
			return invalid
		}
		ids[i] = v.id
	}

	index := len(s.graph.Nodes)
	id, err := s.graph.AddNode(kind, attrs, ids...)
	if err != nil {
		s.fail(fmt.Errorf("node %d: %w", index, err))
		return invalid
	}
	return Value{id: id}
}
