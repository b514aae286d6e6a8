// Package model - Model-Interface und Registrierung
//
// Dieses Paket definiert das Model-Interface fuer tracebare Modelle und
// stellt Funktionen zur Initialisierung bereit.
//
// Hauptkomponenten:
// - Model: Interface fuer alle Modell-Architekturen
// - Register: Registriert Modell-Konstruktoren
// - New: Erstellt neue Model-Instanzen aus Gewichten
// - Trace: Zeichnet einen Vorwaerts-Pass als Graph auf
package model

import (
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"

	"github.com/ollama/sfast/ir"
	"github.com/ollama/sfast/ml"
	"github.com/ollama/sfast/trace"
)

// Fehler-Definitionen
var (
	ErrUnsupportedModel = errors.New("model not supported")
	ErrMissingTensor    = errors.New("missing tensor")
)

// Input declares one model input. A dimension of -1 is dynamic.
type Input struct {
	Name  string
	DType ml.DType
	Shape []int
}

// Binding returns the input with every dynamic dimension set from dims in
// order.
func (in Input) Binding(dims ...int) (ir.Binding, error) {
	shape := slices.Clone(in.Shape)
	for i, d := range shape {
		if d != -1 {
			continue
		}
		if len(dims) == 0 {
			return ir.Binding{}, fmt.Errorf("input %q: no value for dynamic dimension %d", in.Name, i)
		}
		shape[i], dims = dims[0], dims[1:]
	}
	return ir.Binding{DType: in.DType, Shape: shape}, nil
}

// Model definiert das Interface fuer tracebare Modell-Architekturen
type Model interface {
	Name() string
	Inputs() []Input

	// Forward records the model on s. It returns the model outputs.
	Forward(s *trace.Session, inputs []trace.Value) ([]trace.Value, error)
}

// Validator ist ein optionales Interface fuer Post-Load-Validierung
type Validator interface {
	Validate() error
}

// Options steuert den Aufbau eines Modells
type Options struct {
	// Height und Width der Latents
	Height, Width int

	// Channels ist die Breite der Faltungsschichten
	Channels int

	// Quantize speichert Linear-Gewichte als int8
	Quantize bool

	// DynamicQuant quantisiert zusaetzlich die Aktivierungen zur Laufzeit
	DynamicQuant bool
}

// Weights liefert benannte Tensoren
type Weights interface {
	Get(name string) *ml.Tensor
}

// TensorMap ist eine Weights-Implementierung ueber eine Map
type TensorMap map[string]*ml.Tensor

func (m TensorMap) Get(name string) *ml.Tensor { return m[name] }

// Names gibt die Tensornamen sortiert zurueck
func (m TensorMap) Names() []string { return slices.Sorted(maps.Keys(m)) }

// models speichert registrierte Modell-Konstruktoren
var (
	modelsMu sync.RWMutex
	models   = make(map[string]func(Options, Weights) (Model, error))
)

// Register registriert einen Modell-Konstruktor fuer eine Architektur
func Register(name string, f func(Options, Weights) (Model, error)) {
	modelsMu.Lock()
	defer modelsMu.Unlock()

	if _, ok := models[name]; ok {
		panic("model: model already registered")
	}

	models[name] = f
}

// Names listet die registrierten Architekturen
func Names() []string {
	modelsMu.RLock()
	defer modelsMu.RUnlock()
	return slices.Sorted(maps.Keys(models))
}

// New initialisiert eine neue Model-Instanz der Architektur arch
func New(arch string, opts Options, w Weights) (Model, error) {
	modelsMu.RLock()
	f, ok := models[arch]
	modelsMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedModel, arch)
	}

	m, err := f(opts, w)
	if err != nil {
		return nil, err
	}

	if validator, ok := m.(Validator); ok {
		if err := validator.Validate(); err != nil {
			return nil, err
		}
	}

	return m, nil
}

// Trace zeichnet einen Vorwaerts-Pass von m mit t auf
func Trace(t *trace.Tracer, m Model) (*ir.Graph, error) {
	return trace.Capture(t, m.Name(), func(s *trace.Session) error {
		decl := m.Inputs()
		inputs := make([]trace.Value, len(decl))
		for i, in := range decl {
			inputs[i] = s.Input(in.Name, in.DType, in.Shape...)
		}

		outputs, err := m.Forward(s, inputs)
		if err != nil {
			return err
		}
		if len(outputs) == 0 {
			return fmt.Errorf("model %s returned no outputs", m.Name())
		}
		s.Output(outputs...)
		return nil
	})
}

// generators erzeugen Zufallsgewichte fuer Benchmarks und Optimierung
var generators = make(map[string]func(Options, uint64) Weights)

// RegisterRandom registriert einen Zufallsgewichts-Generator fuer arch
func RegisterRandom(arch string, f func(Options, uint64) Weights) {
	modelsMu.Lock()
	defer modelsMu.Unlock()

	if _, ok := generators[arch]; ok {
		panic("model: random weights already registered")
	}

	generators[arch] = f
}

// NewRandom erstellt arch mit Zufallsgewichten aus seed
func NewRandom(arch string, opts Options, seed uint64) (Model, error) {
	modelsMu.RLock()
	f, ok := generators[arch]
	modelsMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: no random weights for %s", ErrUnsupportedModel, arch)
	}

	return New(arch, opts, f(opts, seed))
}
