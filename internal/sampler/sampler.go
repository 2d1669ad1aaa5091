// Package sampler keeps short rolling windows of per-second throughput
// samples, one per governed stream (PID and direction, plus the two global
// directions). The adaptive controller reads the plain window average; the
// UI reads an EMA-smoothed rate so the display does not flicker.
package sampler

import (
	"sync"

	"github.com/MarwanHany97/NetThrottle/internal/rules"
)

// WindowSize is the number of one-second samples averaged per stream.
const WindowSize = 5

// Window is a fixed-size circular buffer of throughput samples in bytes/sec.
type Window struct {
	data  [WindowSize]float64
	head  int
	count int
}

// Push appends a sample, evicting the oldest once the window is full.
func (w *Window) Push(v float64) {
	w.data[w.head] = v
	w.head = (w.head + 1) % WindowSize
	if w.count < WindowSize {
		w.count++
	}
}

// Average returns the mean over the samples currently held, 0 when empty.
func (w *Window) Average() float64 {
	if w.count == 0 {
		return 0
	}
	var sum float64
	for i := 0; i < w.count; i++ {
		sum += w.data[i]
	}
	return sum / float64(w.count)
}

// Len returns the number of samples held.
func (w *Window) Len() int { return w.count }

// ema smooths a stream of samples; alpha close to 1 tracks quickly, close to
// 0 damps heavily.
type ema struct {
	alpha  float64
	value  float64
	primed bool
}

func (e *ema) update(sample float64) float64 {
	if !e.primed {
		e.value = sample
		e.primed = true
	} else {
		e.value = e.alpha*sample + (1-e.alpha)*e.value
	}
	return e.value
}

type streamKey struct {
	pid uint32
	dir rules.Direction
}

type stream struct {
	win    Window
	smooth ema
}

// Set holds the windows for every observed stream. All methods are safe for
// concurrent use; the per-tick writer and the display readers run on
// different goroutines.
type Set struct {
	mu       sync.Mutex
	streams  map[streamKey]*stream
	globalDL stream
	globalUL stream
}

// displayAlpha is the EMA factor for UI-facing rates.
const displayAlpha = 0.4

// NewSet creates an empty sampler set.
func NewSet() *Set {
	return &Set{streams: make(map[streamKey]*stream)}
}

// Observe pushes one throughput sample in bytes/sec for (pid, dir). A zero
// sample is meaningful: it decays the average of a stream that went quiet.
func (s *Set) Observe(pid uint32, dir rules.Direction, bytesPerSec float64) {
	key := streamKey{pid, dir}
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.streams[key]
	if !ok {
		st = &stream{smooth: ema{alpha: displayAlpha}}
		s.streams[key] = st
	}
	st.win.Push(bytesPerSec)
	st.smooth.update(bytesPerSec)
}

// ObserveGlobal pushes one global throughput sample for dir.
func (s *Set) ObserveGlobal(dir rules.Direction, bytesPerSec float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.globalStream(dir)
	st.win.Push(bytesPerSec)
	st.smooth.update(bytesPerSec)
}

func (s *Set) globalStream(dir rules.Direction) *stream {
	if dir == rules.Upload {
		return &s.globalUL
	}
	return &s.globalDL
}

// Average returns the rolling mean for (pid, dir) in bytes/sec.
func (s *Set) Average(pid uint32, dir rules.Direction) float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.streams[streamKey{pid, dir}]; ok {
		return st.win.Average()
	}
	return 0
}

// GlobalAverage returns the rolling mean for the global stream in dir.
func (s *Set) GlobalAverage(dir rules.Direction) float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.globalStream(dir).win.Average()
}

// Rate is the smoothed display throughput of one process.
type Rate struct {
	PID      uint32
	Download float64
	Upload   float64
}

// Rates returns the EMA-smoothed throughput of every tracked PID.
func (s *Set) Rates() []Rate {
	s.mu.Lock()
	defer s.mu.Unlock()
	byPID := make(map[uint32]*Rate)
	for key, st := range s.streams {
		r, ok := byPID[key.pid]
		if !ok {
			r = &Rate{PID: key.pid}
			byPID[key.pid] = r
		}
		if key.dir == rules.Upload {
			r.Upload = st.smooth.value
		} else {
			r.Download = st.smooth.value
		}
	}
	out := make([]Rate, 0, len(byPID))
	for _, r := range byPID {
		out = append(out, *r)
	}
	return out
}

// Drop removes both of pid's streams, e.g. when the process exits.
func (s *Set) Drop(pid uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.streams, streamKey{pid, rules.Download})
	delete(s.streams, streamKey{pid, rules.Upload})
}
