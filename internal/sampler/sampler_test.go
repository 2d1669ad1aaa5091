package sampler

import (
	"testing"

	"github.com/MarwanHany97/NetThrottle/internal/rules"
)

func TestWindowAverage(t *testing.T) {
	var w Window
	if got := w.Average(); got != 0 {
		t.Errorf("empty window average = %v, want 0", got)
	}

	w.Push(100)
	w.Push(200)
	if got := w.Average(); got != 150 {
		t.Errorf("average = %v, want 150", got)
	}
}

func TestWindowEvictsOldest(t *testing.T) {
	var w Window
	for _, v := range []float64{1, 2, 3, 4, 5} {
		w.Push(v)
	}
	if got := w.Average(); got != 3 {
		t.Errorf("full window average = %v, want 3", got)
	}

	w.Push(10) // evicts the 1
	want := (2.0 + 3 + 4 + 5 + 10) / 5
	if got := w.Average(); got != want {
		t.Errorf("after eviction average = %v, want %v", got, want)
	}
	if w.Len() != WindowSize {
		t.Errorf("len = %d, want %d", w.Len(), WindowSize)
	}
}

func TestObserveAndAverage(t *testing.T) {
	s := NewSet()
	s.Observe(42, rules.Download, 1000)
	s.Observe(42, rules.Download, 3000)
	s.Observe(42, rules.Upload, 500)

	if got := s.Average(42, rules.Download); got != 2000 {
		t.Errorf("dl average = %v, want 2000", got)
	}
	if got := s.Average(42, rules.Upload); got != 500 {
		t.Errorf("ul average = %v, want 500", got)
	}
	if got := s.Average(7, rules.Download); got != 0 {
		t.Errorf("unknown pid average = %v, want 0", got)
	}
}

func TestZeroSamplesDecayAverage(t *testing.T) {
	s := NewSet()
	s.Observe(1, rules.Download, 5000)
	for i := 0; i < 4; i++ {
		s.Observe(1, rules.Download, 0)
	}
	if got := s.Average(1, rules.Download); got != 1000 {
		t.Errorf("decayed average = %v, want 1000", got)
	}
}

func TestGlobalStreams(t *testing.T) {
	s := NewSet()
	s.ObserveGlobal(rules.Download, 800)
	s.ObserveGlobal(rules.Upload, 200)

	if got := s.GlobalAverage(rules.Download); got != 800 {
		t.Errorf("global dl = %v, want 800", got)
	}
	if got := s.GlobalAverage(rules.Upload); got != 200 {
		t.Errorf("global ul = %v, want 200", got)
	}
}

func TestRatesSmoothing(t *testing.T) {
	s := NewSet()
	s.Observe(9, rules.Download, 1000)

	rates := s.Rates()
	if len(rates) != 1 {
		t.Fatalf("got %d rates, want 1", len(rates))
	}
	if rates[0].PID != 9 || rates[0].Download != 1000 {
		t.Errorf("first sample should prime the EMA: %+v", rates[0])
	}

	s.Observe(9, rules.Download, 0)
	rates = s.Rates()
	// alpha=0.4: 0.4*0 + 0.6*1000 = 600
	if diff := rates[0].Download - 600; diff > 1e-9 || diff < -1e-9 {
		t.Errorf("smoothed rate = %v, want 600", rates[0].Download)
	}
}

func TestDrop(t *testing.T) {
	s := NewSet()
	s.Observe(3, rules.Download, 100)
	s.Observe(3, rules.Upload, 100)
	s.Drop(3)

	if got := s.Average(3, rules.Download); got != 0 {
		t.Errorf("dropped stream average = %v, want 0", got)
	}
	if len(s.Rates()) != 0 {
		t.Error("dropped PID still reported in Rates")
	}
}
