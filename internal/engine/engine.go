// Package engine runs the interception pipeline: receive a packet from the
// capture hook, attribute it to a process, account its bytes, enforce the
// global and per-process policies, and hand it back to the kernel.
package engine

import (
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MarwanHany97/NetThrottle/internal/capture"
	"github.com/MarwanHany97/NetThrottle/internal/counters"
	"github.com/MarwanHany97/NetThrottle/internal/pidport"
	"github.com/MarwanHany97/NetThrottle/internal/rules"
	"github.com/MarwanHany97/NetThrottle/internal/sampler"
)

// recvBufferSize fits any packet the hook can deliver.
const recvBufferSize = 64 * 1024

// stopJoinTimeout bounds how long Stop waits for the worker to drain. The
// handle is closed first, so an overdue worker cannot block in the kernel
// again; it is abandoned.
const stopJoinTimeout = 3 * time.Second

// Options configures an Engine. The zero value is usable; the hook fields
// exist so tests can substitute synthetic packet sources.
type Options struct {
	Capture capture.Config

	// Tick is the control-loop period. Defaults to one second.
	Tick time.Duration

	// OpenCapture overrides capture.Open.
	OpenCapture func(capture.Config) (capture.Handle, error)
	// NewSource overrides pidport.NewSource.
	NewSource func() (pidport.Source, error)
}

// Engine owns the packet worker, the control ticker, and all shared state.
// Callers hold one Engine per process; Start and Stop are idempotent.
type Engine struct {
	opts  Options
	store *rules.Store
	bytes *counters.Set
	rates *sampler.Set
	ctrl  *controller

	processed atomic.Uint64
	dropped   atomic.Uint64
	totalDL   atomic.Uint64
	totalUL   atomic.Uint64

	mu       sync.Mutex
	running  bool
	handle   capture.Handle
	resolver *pidport.Resolver
	workerWG sync.WaitGroup
	tickStop chan struct{}
}

// New creates a stopped engine. Rules may be configured before Start.
func New(opts Options) *Engine {
	if opts.Tick <= 0 {
		opts.Tick = time.Second
	}
	if opts.OpenCapture == nil {
		opts.OpenCapture = capture.Open
	}
	if opts.NewSource == nil {
		opts.NewSource = pidport.NewSource
	}
	e := &Engine{
		opts:  opts,
		store: rules.NewStore(),
		bytes: counters.New(),
		rates: sampler.NewSet(),
	}
	e.ctrl = newController(e.store, e.rates)
	return e
}

// Start opens the capture hook and the socket-table source, then launches
// the packet worker and the 1 Hz control ticker. Idempotent while running.
func (e *Engine) Start() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.running {
		return nil
	}

	src, err := e.opts.NewSource()
	if err != nil {
		return fmt.Errorf("open socket-table source: %w", err)
	}
	resolver := pidport.NewResolver(src)

	handle, err := e.opts.OpenCapture(e.opts.Capture)
	if err != nil {
		resolver.Close()
		return err
	}

	// Prime the port tables so the first packets resolve.
	if err := resolver.Refresh(); err != nil {
		slog.Warn("netthrottle: initial port-table refresh failed", "err", err)
	}

	e.handle = handle
	e.resolver = resolver
	e.tickStop = make(chan struct{})
	e.running = true

	e.workerWG.Add(1)
	go e.run(handle, resolver)
	go e.tickLoop(e.tickStop)

	slog.Info("netthrottle: engine started", "filter", capture.FilterExpr)
	return nil
}

// Stop closes the capture handle, which unblocks the worker, then waits up
// to stopJoinTimeout for it to exit. Idempotent.
func (e *Engine) Stop() {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return
	}
	e.running = false
	handle := e.handle
	resolver := e.resolver
	tickStop := e.tickStop
	e.handle = nil
	e.resolver = nil
	e.mu.Unlock()

	close(tickStop)
	handle.Close()

	done := make(chan struct{})
	go func() {
		e.workerWG.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(stopJoinTimeout):
		slog.Warn("netthrottle: packet worker did not exit in time, abandoning")
	}

	resolver.Close()
	slog.Info("netthrottle: engine stopped")
}

// IsRunning reports whether the worker is live.
func (e *Engine) IsRunning() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.running
}

// markStopped tears down after an abnormal worker exit: the engine ends up
// in the same stopped state Stop leaves behind, without waiting on anyone.
func (e *Engine) markStopped() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.running {
		return
	}
	e.running = false
	close(e.tickStop)
	e.handle.Close()
	e.resolver.Close()
	e.handle = nil
	e.resolver = nil
}

// run is the packet worker. One fixed buffer for the whole run; it never
// escapes this goroutine.
func (e *Engine) run(h capture.Handle, res *pidport.Resolver) {
	defer e.workerWG.Done()

	buf := make([]byte, recvBufferSize)
	for {
		n, addr, err := h.Recv(buf)
		if err != nil {
			if !errors.Is(err, capture.ErrClosed) {
				slog.Error("netthrottle: capture receive failed, stopping worker", "err", err)
				e.markStopped()
			}
			return
		}
		e.processPacket(h, res, buf[:n], addr)
	}
}

// processPacket runs the per-packet pipeline. Accounting always happens
// before enforcement, and the global verdict always precedes the
// per-process one.
func (e *Engine) processPacket(h capture.Handle, res *pidport.Resolver, pkt []byte, addr capture.Address) {
	e.processed.Add(1)

	// IPv6 is out of policy: forward untouched, no accounting.
	if addr.IPv6 {
		e.reinject(h, pkt, addr)
		return
	}

	res.MaybeRefresh()

	// Truncated or non-TCP/UDP packets pass through unexamined.
	if len(pkt) < 20 || pkt[0]>>4 != 4 {
		e.reinject(h, pkt, addr)
		return
	}
	ihl := int(pkt[0]&0x0f) * 4
	proto := pkt[9]
	if ihl < 20 || ihl+4 > len(pkt) || (proto != pidport.ProtoTCP && proto != pidport.ProtoUDP) {
		e.reinject(h, pkt, addr)
		return
	}

	srcPort := binary.BigEndian.Uint16(pkt[ihl : ihl+2])
	dstPort := binary.BigEndian.Uint16(pkt[ihl+2 : ihl+4])

	dir := rules.Download
	localPort := dstPort
	if addr.Outbound {
		dir = rules.Upload
		localPort = srcPort
	}
	pid := res.Resolve(proto, localPort)

	// Accounting happens even for packets that are about to be dropped.
	length := uint64(len(pkt))
	if dir == rules.Download {
		if pid > 0 {
			e.bytes.AddDownload(pid, length)
		}
		e.bytes.AddGlobalDownload(length)
		e.totalDL.Add(length)
	} else {
		if pid > 0 {
			e.bytes.AddUpload(pid, length)
		}
		e.bytes.AddGlobalUpload(length)
		e.totalUL.Add(length)
	}

	// Global policy first. A packet the global bucket rejects is never
	// charged against a per-process bucket.
	g := e.store.Global()
	if g.BlockAll {
		e.drop(h, addr)
		return
	}
	if g.Limits(dir) {
		b := e.store.GlobalBucket(dir, g.EffectiveRate(dir))
		if !b.TryConsume(uint32(len(pkt))) {
			e.drop(h, addr)
			return
		}
	}

	// Per-process policy.
	if pid > 0 {
		if r, ok := e.store.Get(pid); ok {
			if r.BlockAll {
				e.drop(h, addr)
				return
			}
			if r.Limits(dir) {
				b := e.store.ProcessBucket(pid, dir, r.EffectiveRate(dir))
				if b != nil && !b.TryConsume(uint32(len(pkt))) {
					e.drop(h, addr)
					return
				}
			}
		}
	}

	e.reinject(h, pkt, addr)
}

// drop tells the hook to discard the packet it is holding. The drop is the
// whole signal: TCP reads it as congestion and backs off.
func (e *Engine) drop(h capture.Handle, addr capture.Address) {
	if err := h.Drop(addr); err != nil {
		slog.Debug("netthrottle: drop verdict failed", "err", err)
	}
	e.dropped.Add(1)
}

// reinject hands the packet back to the kernel. A failed send is a natural
// drop; nothing to do beyond noting it at debug level.
func (e *Engine) reinject(h capture.Handle, pkt []byte, addr capture.Address) {
	capture.FixChecksums(pkt)
	if err := h.Send(pkt, addr); err != nil {
		slog.Debug("netthrottle: reinject failed", "err", err)
	}
}

// tickLoop drives sampling and adaptive control at the configured period.
func (e *Engine) tickLoop(stop chan struct{}) {
	t := time.NewTicker(e.opts.Tick)
	defer t.Stop()
	for {
		select {
		case <-stop:
			return
		case <-t.C:
			e.tick()
		}
	}
}

// tick converts the last interval's byte counts into throughput samples,
// then lets the adaptive controller rewrite effective rates.
func (e *Engine) tick() {
	secs := e.opts.Tick.Seconds()

	for pid, snap := range e.bytes.SnapshotAndReset() {
		e.rates.Observe(pid, rules.Download, float64(snap.Download)/secs)
		e.rates.Observe(pid, rules.Upload, float64(snap.Upload)/secs)
	}
	g := e.bytes.SnapshotGlobalAndReset()
	e.rates.ObserveGlobal(rules.Download, float64(g.Download)/secs)
	e.rates.ObserveGlobal(rules.Upload, float64(g.Upload)/secs)

	e.ctrl.tick()
}

// --- control surface ---

// SetRule installs, replaces, or (for an inactive rule) removes pid's rule.
func (e *Engine) SetRule(pid uint32, r rules.Rule) {
	e.store.Put(pid, r)
}

// SetRuleForPIDs applies one rule to several PIDs.
func (e *Engine) SetRuleForPIDs(pids []uint32, r rules.Rule) {
	e.store.PutMany(pids, r)
}

// GetRule returns pid's rule, if set.
func (e *Engine) GetRule(pid uint32) (rules.Rule, bool) {
	return e.store.Get(pid)
}

// SetGlobalRule replaces the host-wide rule.
func (e *Engine) SetGlobalRule(r rules.Rule) {
	e.store.SetGlobal(r)
}

// GetGlobalRule returns the host-wide rule.
func (e *Engine) GetGlobalRule() rules.Rule {
	return e.store.Global()
}

// SnapshotCounters swaps every per-PID byte counter with zero and returns
// the previous values. While the engine is running, its own sampler tick
// shares these counters; external callers wanting display rates should use
// Throughput instead.
func (e *Engine) SnapshotCounters() map[uint32]counters.Snapshot {
	return e.bytes.SnapshotAndReset()
}

// SnapshotGlobalCounters swaps the process-wide counters with zero and
// returns the previous values.
func (e *Engine) SnapshotGlobalCounters() counters.Snapshot {
	return e.bytes.SnapshotGlobalAndReset()
}

// PacketsProcessed returns the monotonic count of packets seen.
func (e *Engine) PacketsProcessed() uint64 {
	return e.processed.Load()
}

// PacketsDropped returns the monotonic count of packets discarded by policy.
func (e *Engine) PacketsDropped() uint64 {
	return e.dropped.Load()
}

// TotalBytes returns the monotonic byte totals per direction, unaffected by
// counter snapshots.
func (e *Engine) TotalBytes() (download, upload uint64) {
	return e.totalDL.Load(), e.totalUL.Load()
}

// Throughput returns EMA-smoothed per-process rates for display.
func (e *Engine) Throughput() []sampler.Rate {
	return e.rates.Rates()
}

// GlobalThroughput returns the rolling-average host rates in bytes/sec.
func (e *Engine) GlobalThroughput() (download, upload float64) {
	return e.rates.GlobalAverage(rules.Download), e.rates.GlobalAverage(rules.Upload)
}
