// Package cpu - Referenz-Geraet fuer Host-Speicher
//
// Dieses Modul enthaelt:
// - Device: Speicherverwaltung mit optionalem Limit
// - Stream: geordnete asynchrone Ausfuehrung mit Capture/Replay
// - Library: Mathe-Bibliothek auf Basis von gonum BLAS
package cpu

import (
	"fmt"
	"log/slog"
	"runtime"
	"sync"

	"github.com/ollama/sfast/format"
	"github.com/ollama/sfast/ml"
	"github.com/ollama/sfast/types/errtypes"
)

func init() {
	ml.RegisterDevice("cpu", func(params ml.DeviceParams) (ml.Device, error) {
		return New(params), nil
	})
}

// Device treats host memory as device memory.
type Device struct {
	params ml.DeviceParams

	mu      sync.Mutex
	used    uint64
	peak    uint64
	live    map[*ml.Tensor]uint64
	streams []*Stream
}

// New opens a CPU device.
func New(params ml.DeviceParams) *Device {
	if params.NumThreads <= 0 {
		params.NumThreads = runtime.NumCPU()
	}

	d := &Device{params: params, live: make(map[*ml.Tensor]uint64)}
	slog.Debug("cpu device opened", "device", d.Info())
	return d
}

func (d *Device) Info() ml.DeviceInfo {
	d.mu.Lock()
	used := d.used
	d.mu.Unlock()

	info := ml.DeviceInfo{
		ID:               d.params.ID,
		Library:          "cpu",
		Name:             fmt.Sprintf("CPU%d", d.params.ID),
		Description:      fmt.Sprintf("%s/%s host memory", runtime.GOOS, runtime.GOARCH),
		TotalMemory:      d.params.MemoryLimit,
		ThreadCount:      d.params.NumThreads,
		Features:         ml.CPUFeatures(),
		CaptureSupported: !d.params.DisableCapture,
	}
	if info.TotalMemory > 0 {
		info.FreeMemory = info.TotalMemory - min(used, info.TotalMemory)
	}
	return info
}

func (d *Device) Alloc(dtype ml.DType, shape ...int) (*ml.Tensor, error) {
	for _, n := range shape {
		if n < 0 {
			return nil, &errtypes.DeviceError{Op: "alloc", Device: d.params.ID, Err: fmt.Errorf("negative dimension in %v", shape)}
		}
	}
	if dtype.Size() == 0 {
		return nil, &errtypes.DeviceError{Op: "alloc", Device: d.params.ID, Err: fmt.Errorf("dtype %v", dtype)}
	}

	n := uint64(dtype.Size())
	for _, dim := range shape {
		n *= uint64(dim)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if limit := d.params.MemoryLimit; limit > 0 && d.used+n > limit {
		return nil, &errtypes.DeviceError{
			Op:     "alloc",
			Device: d.params.ID,
			Err: fmt.Errorf("out of memory: requested %s with %s of %s in use",
				format.HumanBytes2(n), format.HumanBytes2(d.used), format.HumanBytes2(limit)),
		}
	}

	t := ml.NewTensor(dtype, shape...).Place(d.params.ID)
	d.live[t] = n
	d.used += n
	d.peak = max(d.peak, d.used)
	return t, nil
}

func (d *Device) Free(t *ml.Tensor) {
	if t == nil {
		return
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if n, ok := d.live[t]; ok {
		delete(d.live, t)
		d.used -= n
	}
}

// Used returns the bytes currently allocated.
func (d *Device) Used() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.used
}

// Peak returns the highest allocation level seen.
func (d *Device) Peak() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.peak
}

func (d *Device) NewStream() (ml.Stream, error) {
	s := newStream(d)

	d.mu.Lock()
	d.streams = append(d.streams, s)
	d.mu.Unlock()

	return s, nil
}

func (d *Device) Close() error {
	d.mu.Lock()
	streams := d.streams
	d.streams = nil
	live, peak := len(d.live), d.peak
	d.live = make(map[*ml.Tensor]uint64)
	d.used = 0
	d.mu.Unlock()

	for _, s := range streams {
		s.Close()
	}

	slog.Debug("cpu device closed", "id", d.params.ID, "leaked", live, "peak", format.HumanBytes2(peak))
	return nil
}
