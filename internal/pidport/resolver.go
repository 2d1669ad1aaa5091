// Package pidport resolves local transport ports to the PID that owns the
// socket. Tables are rebuilt off the hot path and published as immutable
// snapshots, so per-packet lookups are a lock-free map read.
package pidport

import (
	"sync/atomic"
	"time"
)

// Protocol identifiers match the IPv4 header protocol byte.
const (
	ProtoTCP = 6
	ProtoUDP = 17
)

// refreshInterval is how stale the tables may get before the engine's
// opportunistic refresh rebuilds them.
const refreshInterval = 1500 * time.Millisecond

// PortOwner is one (protocol, local port, owning PID) row from the OS socket
// table.
type PortOwner struct {
	Proto uint8
	Port  uint16
	PID   uint32
}

// Source enumerates the OS socket tables. Implementations are per-platform.
type Source interface {
	// Ports returns every IPv4 TCP/UDP socket's local port and owning PID.
	// Rows with unknown owners carry PID 0.
	Ports() ([]PortOwner, error)
	Close() error
}

// tables is one immutable snapshot of both port maps.
type tables struct {
	tcp map[uint16]uint32
	udp map[uint16]uint32
}

var emptyTables = &tables{tcp: map[uint16]uint32{}, udp: map[uint16]uint32{}}

// Resolver caches port→PID mappings for TCP and UDP. Resolve is safe from
// any goroutine; Refresh and MaybeRefresh must be called from one goroutine
// at a time (the engine thread).
type Resolver struct {
	source      Source
	current     atomic.Pointer[tables]
	lastRefresh time.Time
}

// NewResolver wraps a platform source. The tables start empty; the first
// MaybeRefresh fills them.
func NewResolver(src Source) *Resolver {
	r := &Resolver{source: src}
	r.current.Store(emptyTables)
	return r
}

// Resolve returns the PID owning (proto, port), or 0 when unknown.
func (r *Resolver) Resolve(proto uint8, port uint16) uint32 {
	t := r.current.Load()
	switch proto {
	case ProtoTCP:
		return t.tcp[port]
	case ProtoUDP:
		return t.udp[port]
	}
	return 0
}

// MaybeRefresh rebuilds the tables when they are older than the refresh
// interval. Cheap when fresh; called once per packet.
func (r *Resolver) MaybeRefresh() {
	if time.Since(r.lastRefresh) < refreshInterval {
		return
	}
	r.Refresh()
}

// Refresh queries the source and atomically publishes new tables. Readers
// observe either the previous complete snapshot or the new one, never a mix.
// On source failure the previous tables stay in place.
func (r *Resolver) Refresh() error {
	r.lastRefresh = time.Now()

	owners, err := r.source.Ports()
	if err != nil {
		return err
	}

	next := &tables{
		tcp: make(map[uint16]uint32),
		udp: make(map[uint16]uint32),
	}
	for _, o := range owners {
		if o.PID == 0 {
			continue
		}
		// Duplicate ports keep the last owner the OS reported.
		switch o.Proto {
		case ProtoTCP:
			next.tcp[o.Port] = o.PID
		case ProtoUDP:
			next.udp[o.Port] = o.PID
		}
	}

	r.current.Store(next)
	return nil
}

// PIDs returns the distinct owners present in the current snapshot.
func (r *Resolver) PIDs() []uint32 {
	t := r.current.Load()
	seen := make(map[uint32]bool, len(t.tcp)+len(t.udp))
	for _, pid := range t.tcp {
		seen[pid] = true
	}
	for _, pid := range t.udp {
		seen[pid] = true
	}
	pids := make([]uint32, 0, len(seen))
	for pid := range seen {
		pids = append(pids, pid)
	}
	return pids
}

// Close releases the underlying source.
func (r *Resolver) Close() error {
	return r.source.Close()
}
