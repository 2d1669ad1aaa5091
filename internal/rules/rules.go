// Package rules holds the authoritative throttling policy: one rule per
// governed PID plus a single process-wide rule, together with the token
// buckets that enforce them.
package rules

import (
	"sync"

	"github.com/MarwanHany97/NetThrottle/internal/bucket"
)

// Direction selects one side of a connection's traffic.
type Direction int

const (
	Download Direction = iota
	Upload
)

func (d Direction) String() string {
	if d == Upload {
		return "upload"
	}
	return "download"
}

// Rule is the throttling policy for one process (or, as the global rule, for
// the whole host). Kbps fields are user-facing targets; the Adjusted fields
// are effective rates in bytes/sec maintained by the adaptive controller and
// consulted in preference to the static target while Adaptive is set.
type Rule struct {
	BlockAll bool `json:"block_all"`

	LimitDownload bool   `json:"limit_download"`
	DownloadKbps  uint32 `json:"download_kbps"`
	LimitUpload   bool   `json:"limit_upload"`
	UploadKbps    uint32 `json:"upload_kbps"`

	Adaptive         bool    `json:"adaptive"`
	AdjustedDownload float64 `json:"adjusted_dl_rate,omitempty"`
	AdjustedUpload   float64 `json:"adjusted_ul_rate,omitempty"`
}

// Active reports whether the rule has any effect. Inactive rules are not
// stored.
func (r Rule) Active() bool {
	return r.BlockAll ||
		(r.LimitDownload && r.DownloadKbps > 0) ||
		(r.LimitUpload && r.UploadKbps > 0)
}

// Limits reports whether the given direction is rate-limited.
func (r Rule) Limits(dir Direction) bool {
	if dir == Download {
		return r.LimitDownload && r.DownloadKbps > 0
	}
	return r.LimitUpload && r.UploadKbps > 0
}

// TargetRate returns the configured target for dir in bytes/sec.
func (r Rule) TargetRate(dir Direction) float64 {
	if dir == Download {
		return float64(r.DownloadKbps) * 1024
	}
	return float64(r.UploadKbps) * 1024
}

// EffectiveRate returns the bucket rate for dir in bytes/sec: the adjusted
// rate when adaptive control is on and has produced one, the static target
// otherwise.
func (r Rule) EffectiveRate(dir Direction) float64 {
	if dir == Download {
		if r.Adaptive && r.AdjustedDownload > 0 {
			return r.AdjustedDownload
		}
	} else {
		if r.Adaptive && r.AdjustedUpload > 0 {
			return r.AdjustedUpload
		}
	}
	return r.TargetRate(dir)
}

// entry pairs a rule with the two buckets enforcing it. Buckets are created
// lazily on the first packet needing them.
type entry struct {
	rule Rule
	dl   *bucket.Bucket
	ul   *bucket.Bucket
}

// Store maps PIDs to rules and owns the global rule. Put/Get are safe
// concurrently with hot-loop lookups; a packet in flight during an update
// may observe either the old or the new rule.
type Store struct {
	mu     sync.RWMutex
	byPID  map[uint32]*entry
	global entry
}

// NewStore creates an empty store with a no-effect global rule.
func NewStore() *Store {
	return &Store{byPID: make(map[uint32]*entry)}
}

// Put installs or replaces the rule for pid. An inactive rule removes the
// entry instead, dropping both of its buckets.
func (s *Store) Put(pid uint32, r Rule) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !r.Active() {
		delete(s.byPID, pid)
		return
	}
	if e, ok := s.byPID[pid]; ok {
		e.rule = r
		return
	}
	s.byPID[pid] = &entry{rule: r}
}

// PutMany applies one rule to several PIDs, cloning it per PID.
func (s *Store) PutMany(pids []uint32, r Rule) {
	for _, pid := range pids {
		s.Put(pid, r)
	}
}

// Get returns the rule for pid, if one is set.
func (s *Store) Get(pid uint32) (Rule, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.byPID[pid]
	if !ok {
		return Rule{}, false
	}
	return e.rule, true
}

// SetGlobal replaces the global rule. The global buckets survive so an
// unchanged limit keeps its accumulated debt.
func (s *Store) SetGlobal(r Rule) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.global.rule = r
}

// Global returns the current global rule.
func (s *Store) Global() Rule {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.global.rule
}

// SetAdjusted stores the controller-computed effective rate in bytes/sec for
// one direction of pid's rule. A no-op if the rule is gone.
func (s *Store) SetAdjusted(pid uint32, dir Direction, rate float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.byPID[pid]
	if !ok {
		return
	}
	if dir == Download {
		e.rule.AdjustedDownload = rate
	} else {
		e.rule.AdjustedUpload = rate
	}
}

// SetGlobalAdjusted stores the controller-computed effective rate for one
// direction of the global rule.
func (s *Store) SetGlobalAdjusted(dir Direction, rate float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if dir == Download {
		s.global.rule.AdjustedDownload = rate
	} else {
		s.global.rule.AdjustedUpload = rate
	}
}

// ProcessBucket returns pid's bucket for dir at the given rate, creating it
// on first use and retuning the existing one to rate otherwise. Returns nil
// if pid has no rule.
func (s *Store) ProcessBucket(pid uint32, dir Direction, rate float64) *bucket.Bucket {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.byPID[pid]
	if !ok {
		return nil
	}
	return e.bucketLocked(dir, rate)
}

// GlobalBucket returns the global bucket for dir at the given rate, creating
// or retuning it like ProcessBucket.
func (s *Store) GlobalBucket(dir Direction, rate float64) *bucket.Bucket {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.global.bucketLocked(dir, rate)
}

func (e *entry) bucketLocked(dir Direction, rate float64) *bucket.Bucket {
	var b **bucket.Bucket
	if dir == Download {
		b = &e.dl
	} else {
		b = &e.ul
	}
	if *b == nil {
		*b = bucket.New(rate)
	} else {
		(*b).SetRate(rate)
	}
	return *b
}

// HasBuckets reports whether pid currently holds any bucket. Test hook for
// the remove-rule-drops-buckets invariant.
func (s *Store) HasBuckets(pid uint32) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.byPID[pid]
	return ok && (e.dl != nil || e.ul != nil)
}

// PIDs returns every PID with a configured rule.
func (s *Store) PIDs() []uint32 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	pids := make([]uint32, 0, len(s.byPID))
	for pid := range s.byPID {
		pids = append(pids, pid)
	}
	return pids
}

// Each calls fn for every (pid, rule) pair. The snapshot is consistent per
// entry, not across entries.
func (s *Store) Each(fn func(pid uint32, r Rule)) {
	s.mu.RLock()
	snapshot := make(map[uint32]Rule, len(s.byPID))
	for pid, e := range s.byPID {
		snapshot[pid] = e.rule
	}
	s.mu.RUnlock()
	for pid, r := range snapshot {
		fn(pid, r)
	}
}
