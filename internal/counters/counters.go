// Package counters tracks download and upload byte totals per process and
// process-wide. All methods are safe for concurrent use.
package counters

import (
	"sync"
	"sync/atomic"
)

// pair holds one direction-split byte counter.
type pair struct {
	dl atomic.Uint64
	ul atomic.Uint64
}

// Snapshot is a point-in-time reading of one counter pair.
type Snapshot struct {
	Download uint64
	Upload   uint64
}

// Set aggregates per-PID counters plus a process-wide pair. Per-PID entries
// are created lazily on the first accounted byte and live until Forget.
type Set struct {
	perPID sync.Map // uint32 -> *pair
	global pair
}

// New creates an empty counter set.
func New() *Set {
	return &Set{}
}

// AddDownload adds n inbound bytes for pid.
func (s *Set) AddDownload(pid uint32, n uint64) {
	s.entry(pid).dl.Add(n)
}

// AddUpload adds n outbound bytes for pid.
func (s *Set) AddUpload(pid uint32, n uint64) {
	s.entry(pid).ul.Add(n)
}

// AddGlobalDownload adds n inbound bytes to the process-wide counter.
func (s *Set) AddGlobalDownload(n uint64) {
	s.global.dl.Add(n)
}

// AddGlobalUpload adds n outbound bytes to the process-wide counter.
func (s *Set) AddGlobalUpload(n uint64) {
	s.global.ul.Add(n)
}

func (s *Set) entry(pid uint32) *pair {
	if p, ok := s.perPID.Load(pid); ok {
		return p.(*pair)
	}
	p, _ := s.perPID.LoadOrStore(pid, &pair{})
	return p.(*pair)
}

// SnapshotAndReset atomically swaps every per-PID counter with zero and
// returns the previous values. The download and upload fields of one PID are
// swapped independently, a few nanoseconds apart; readers tolerate that.
// PIDs whose both fields read zero are still reported, so callers can decay
// their rolling averages.
func (s *Set) SnapshotAndReset() map[uint32]Snapshot {
	out := make(map[uint32]Snapshot)
	s.perPID.Range(func(k, v any) bool {
		p := v.(*pair)
		out[k.(uint32)] = Snapshot{
			Download: p.dl.Swap(0),
			Upload:   p.ul.Swap(0),
		}
		return true
	})
	return out
}

// SnapshotGlobalAndReset swaps the process-wide counters with zero and
// returns the previous values.
func (s *Set) SnapshotGlobalAndReset() Snapshot {
	return Snapshot{
		Download: s.global.dl.Swap(0),
		Upload:   s.global.ul.Swap(0),
	}
}

// Forget drops the per-PID entry, if any. Used when a tracked process
// disappears so the map does not grow without bound.
func (s *Set) Forget(pid uint32) {
	s.perPID.Delete(pid)
}

// PIDs returns the PIDs that currently have a counter entry.
func (s *Set) PIDs() []uint32 {
	var pids []uint32
	s.perPID.Range(func(k, _ any) bool {
		pids = append(pids, k.(uint32))
		return true
	})
	return pids
}
