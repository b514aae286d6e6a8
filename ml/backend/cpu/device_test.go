package cpu

import (
	"errors"
	"slices"
	"sync/atomic"
	"testing"

	"github.com/ollama/sfast/ml"
	"github.com/ollama/sfast/types/errtypes"
)

// ============================================================================
// Speicherverwaltung
// ============================================================================

func TestAllocAccounting(t *testing.T) {
	d := New(ml.DeviceParams{MemoryLimit: 1024})
	defer d.Close()

	a, err := d.Alloc(ml.DTypeF32, 16, 8) // 512 bytes
	if err != nil {
		t.Fatal(err)
	}
	if d.Used() != 512 {
		t.Errorf("Used: erwartet 512, bekommen %d", d.Used())
	}
	if a.Device() != 0 {
		t.Errorf("Device: erwartet 0, bekommen %d", a.Device())
	}

	if _, err := d.Alloc(ml.DTypeF32, 16, 9); !errors.Is(err, errtypes.ErrDevice) {
		t.Errorf("Alloc ueber Limit: erwartet DeviceError, bekommen %v", err)
	}

	d.Free(a)
	d.Free(a)
	if d.Used() != 0 {
		t.Errorf("Used nach Free: erwartet 0, bekommen %d", d.Used())
	}
	if d.Peak() != 512 {
		t.Errorf("Peak: erwartet 512, bekommen %d", d.Peak())
	}
}

func TestRegisteredDevice(t *testing.T) {
	if !slices.Contains(ml.DeviceBackends(), "cpu") {
		t.Fatalf("cpu nicht registriert: %v", ml.DeviceBackends())
	}
	d, err := ml.NewDevice("cpu", ml.DeviceParams{NumThreads: 2})
	if err != nil {
		t.Fatal(err)
	}
	defer d.Close()

	if info := d.Info(); info.Library != "cpu" || info.ThreadCount != 2 || !info.CaptureSupported {
		t.Errorf("Info: unerwartet %+v", info)
	}
}

// ============================================================================
// Streams
// ============================================================================

func TestStreamOrder(t *testing.T) {
	d := New(ml.DeviceParams{})
	defer d.Close()
	s, _ := d.NewStream()

	var got []int
	for i := range 100 {
		s.Submit("append", func() error {
			got = append(got, i)
			return nil
		})
	}
	if err := s.Synchronize(); err != nil {
		t.Fatal(err)
	}
	for i, v := range got {
		if v != i {
			t.Fatalf("Reihenfolge: an Position %d erwartet %d, bekommen %d", i, i, v)
		}
	}
}

func TestStreamStickyError(t *testing.T) {
	d := New(ml.DeviceParams{ID: 3})
	defer d.Close()
	s, _ := d.NewStream()

	var ran atomic.Int32
	s.Submit("ok", func() error { ran.Add(1); return nil })
	s.Submit("launch", func() error { return errors.New("boom") })
	s.Submit("skipped", func() error { ran.Add(1); return nil })

	err := s.Synchronize()
	var de *errtypes.DeviceError
	if !errors.As(err, &de) {
		t.Fatalf("erwartet DeviceError, bekommen %v", err)
	}
	if de.Op != "launch" || de.Device != 3 {
		t.Errorf("DeviceError: erwartet launch/3, bekommen %s/%d", de.Op, de.Device)
	}
	if ran.Load() != 1 {
		t.Errorf("nach Fehler sollten Operationen uebersprungen werden, liefen %d", ran.Load())
	}

	// Fehler wird beim Synchronize zurueckgesetzt
	s.Submit("ok", func() error { ran.Add(1); return nil })
	if err := s.Synchronize(); err != nil {
		t.Errorf("zweites Synchronize: erwartet nil, bekommen %v", err)
	}
}

func TestStreamPanicBecomesError(t *testing.T) {
	d := New(ml.DeviceParams{})
	defer d.Close()
	s, _ := d.NewStream()

	s.Submit("kernel", func() error { panic("index out of range") })
	if err := s.Synchronize(); !errors.Is(err, errtypes.ErrDevice) {
		t.Errorf("erwartet DeviceError, bekommen %v", err)
	}
}

func TestCaptureReplay(t *testing.T) {
	d := New(ml.DeviceParams{})
	defer d.Close()
	s, _ := d.NewStream()

	var calls atomic.Int32
	if err := s.BeginCapture(); err != nil {
		t.Fatal(err)
	}
	if !s.Capturing() {
		t.Error("Capturing: erwartet true")
	}
	for range 3 {
		s.Submit("count", func() error { calls.Add(1); return nil })
	}
	g, err := s.EndCapture()
	if err != nil {
		t.Fatal(err)
	}
	defer g.Close()

	if err := s.Synchronize(); err != nil {
		t.Fatal(err)
	}
	if calls.Load() != 0 {
		t.Fatalf("waehrend Capture darf nichts laufen, liefen %d", calls.Load())
	}
	if g.Len() != 3 {
		t.Errorf("Len: erwartet 3, bekommen %d", g.Len())
	}

	for range 2 {
		if err := g.Launch(s); err != nil {
			t.Fatal(err)
		}
	}
	if err := s.Synchronize(); err != nil {
		t.Fatal(err)
	}
	if calls.Load() != 6 {
		t.Errorf("nach zwei Launches erwartet 6 Aufrufe, bekommen %d", calls.Load())
	}
}

func TestCaptureDisabled(t *testing.T) {
	d := New(ml.DeviceParams{DisableCapture: true})
	defer d.Close()
	s, _ := d.NewStream()

	if err := s.BeginCapture(); !errors.Is(err, ml.ErrCaptureUnsupported) {
		t.Errorf("erwartet ErrCaptureUnsupported, bekommen %v", err)
	}
	if d.Info().CaptureSupported {
		t.Error("CaptureSupported sollte false sein")
	}
}

func TestSubmitAfterClose(t *testing.T) {
	d := New(ml.DeviceParams{})
	s, _ := d.NewStream()
	s.Close()

	s.Submit("late", func() error { return nil })
	if err := s.Synchronize(); !errors.Is(err, errtypes.ErrDevice) {
		t.Errorf("erwartet DeviceError nach Close, bekommen %v", err)
	}
	d.Close()
}
