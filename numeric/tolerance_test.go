package numeric

import (
	"errors"
	"math"
	"testing"

	"github.com/ollama/sfast/ml"
)

func TestTolerance(t *testing.T) {
	cases := []struct {
		name      string
		tol       Tolerance
		got, want float32
		ok        bool
	}{
		{"exact", F32, 1, 1, true},
		{"rel", F32, 1000.005, 1000, true},
		{"rel fail", F32, 1000.1, 1000, false},
		{"abs near zero", F32, 5e-7, 0, true},
		{"abs fail", F32, 5e-6, 0, false},
		{"half", Half, 1.009, 1, true},
		{"half fail", Half, 1.02, 1, false},
		{"nan", F32, float32(math.NaN()), float32(math.NaN()), true},
		{"nan vs value", F32, float32(math.NaN()), 1, false},
		{"inf", F32, float32(math.Inf(1)), float32(math.Inf(1)), true},
	}

	for _, tt := range cases {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.tol.Within(tt.got, tt.want); got != tt.ok {
				t.Errorf("Within(%v, %v): erwartet %v, bekommen %v", tt.got, tt.want, tt.ok, got)
			}
		})
	}
}

func TestCompareReportsFirstMismatch(t *testing.T) {
	err := Compare([]float32{1, 2.5, 3, 9}, []float32{1, 2, 3, 4}, F32)

	var me *MismatchError
	if !errors.As(err, &me) {
		t.Fatalf("erwartet MismatchError, bekommen %v", err)
	}
	if me.Index != 1 || me.Count != 2 || me.MaxAbs != 5 {
		t.Errorf("MismatchError: unerwartet %+v", me)
	}
}

func TestCompareQuantized(t *testing.T) {
	want := []float32{1, 2, 3, 4}
	if err := CompareQuantized([]float32{1.01, 1.99, 3.01, 4}, want); err != nil {
		t.Errorf("kleiner Fehler: erwartet nil, bekommen %v", err)
	}
	if err := CompareQuantized([]float32{1.5, 2, 3, 4}, want); err == nil {
		t.Error("grosser Fehler sollte abgelehnt werden")
	}
	if rel := RelativeL2([]float32{3, 4}, []float32{0, 0}); rel != 5 {
		t.Errorf("RelativeL2 gegen Null: erwartet 5, bekommen %v", rel)
	}
}

func TestForDType(t *testing.T) {
	if ForDType(ml.DTypeBF16) != Half || ForDType(ml.DTypeF32) != F32 {
		t.Error("ForDType: falsche Zuordnung")
	}
}
