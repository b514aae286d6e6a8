// stream.go - Geordnete Ausfuehrung und Capture/Replay
//
// Jeder Stream hat eine Worker-Goroutine. Waehrend eines Captures werden
// Operationen nur aufgezeichnet; Graph.Launch reicht sie als eine einzige
// Operation erneut ein.
package cpu

import (
	"errors"
	"fmt"
	"sync"

	"github.com/ollama/sfast/logutil"
	"github.com/ollama/sfast/ml"
	"github.com/ollama/sfast/types/errtypes"
)

type task struct {
	op string
	fn func() error
}

// Stream is an in-order queue served by one goroutine.
type Stream struct {
	dev   *Device
	tasks chan task
	done  chan struct{}
	wg    sync.WaitGroup

	mu        sync.Mutex
	err       error
	recording *Graph
	closed    bool
}

func newStream(d *Device) *Stream {
	s := &Stream{
		dev:   d,
		tasks: make(chan task, 1024),
		done:  make(chan struct{}),
	}
	go s.worker()
	return s
}

func (s *Stream) worker() {
	for t := range s.tasks {
		s.execute(t)
		s.wg.Done()
	}
	close(s.done)
}

func (s *Stream) execute(t task) {
	s.mu.Lock()
	failed := s.err != nil
	s.mu.Unlock()

	// after a failure everything up to the next Synchronize is skipped
	if failed {
		logutil.Trace("cpu: skipping op after failure", "op", t.op)
		return
	}

	if err := call(t); err != nil {
		s.mu.Lock()
		if s.err == nil {
			s.err = s.wrap(t.op, err)
		}
		s.mu.Unlock()
	}
}

func call(t task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in %s: %v", t.op, r)
		}
	}()
	return t.fn()
}

// wrap keeps typed errors and turns everything else into a DeviceError.
func (s *Stream) wrap(op string, err error) error {
	var de *errtypes.DeviceError
	var fe *errtypes.FusionExecutionError
	if errors.As(err, &de) || errors.As(err, &fe) || errors.Is(err, errtypes.ErrUnsupportedConfiguration) {
		return err
	}
	return &errtypes.DeviceError{Op: op, Device: s.dev.params.ID, Err: err}
}

func (s *Stream) Submit(op string, fn func() error) {
	s.mu.Lock()
	if s.closed {
		if s.err == nil {
			s.err = &errtypes.DeviceError{Op: op, Device: s.dev.params.ID, Err: errors.New("stream closed")}
		}
		s.mu.Unlock()
		return
	}
	if s.recording != nil {
		s.recording.ops = append(s.recording.ops, task{op: op, fn: fn})
		s.mu.Unlock()
		return
	}
	s.wg.Add(1)
	s.mu.Unlock()

	s.tasks <- task{op: op, fn: fn}
}

// Synchronize waits for the queue to drain and returns the first error
// since the previous Synchronize.
func (s *Stream) Synchronize() error {
	s.wg.Wait()

	s.mu.Lock()
	defer s.mu.Unlock()
	err := s.err
	s.err = nil
	return err
}

func (s *Stream) BeginCapture() error {
	if s.dev.params.DisableCapture {
		return ml.ErrCaptureUnsupported
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.recording != nil {
		return errors.New("stream capture already active")
	}
	s.recording = &Graph{}
	return nil
}

func (s *Stream) EndCapture() (ml.Graph, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.recording == nil {
		return nil, errors.New("no stream capture active")
	}

	g := s.recording
	s.recording = nil
	logutil.Trace("cpu: captured graph", "ops", len(g.ops))
	return g, nil
}

func (s *Stream) Capturing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.recording != nil
}

func (s *Stream) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.recording = nil
	s.mu.Unlock()

	s.wg.Wait()
	close(s.tasks)
	<-s.done
	return nil
}

// Graph is a recorded op sequence.
type Graph struct {
	ops    []task
	closed bool
}

// Launch enqueues the whole sequence as one stream operation.
func (g *Graph) Launch(st ml.Stream) error {
	if g.closed {
		return errors.New("launch of closed graph")
	}

	ops := g.ops
	st.Submit("graph", func() error {
		for _, t := range ops {
			if err := t.fn(); err != nil {
				return fmt.Errorf("%s: %w", t.op, err)
			}
		}
		return nil
	})
	return nil
}

func (g *Graph) Len() int { return len(g.ops) }

func (g *Graph) Close() {
	g.ops = nil
	g.closed = true
}
