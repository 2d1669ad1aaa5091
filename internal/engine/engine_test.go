package engine

import (
	"encoding/binary"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MarwanHany97/NetThrottle/internal/capture"
	"github.com/MarwanHany97/NetThrottle/internal/pidport"
	"github.com/MarwanHany97/NetThrottle/internal/rules"
)

// fakePacket is one synthetic delivery from the fake hook.
type fakePacket struct {
	data []byte
	addr capture.Address
}

// fakeHandle is a synthetic capture hook fed from a channel.
type fakeHandle struct {
	in     chan fakePacket
	closed chan struct{}
	once   sync.Once

	recvErr error // returned after the queue drains, instead of blocking

	mu      sync.Mutex
	sent    []fakePacket
	dropped int
}

func newFakeHandle(buffer int) *fakeHandle {
	return &fakeHandle{
		in:     make(chan fakePacket, buffer),
		closed: make(chan struct{}),
	}
}

func (h *fakeHandle) Recv(buf []byte) (int, capture.Address, error) {
	if h.recvErr != nil {
		select {
		case p := <-h.in:
			n := copy(buf, p.data)
			return n, p.addr, nil
		case <-h.closed:
			return 0, capture.Address{}, capture.ErrClosed
		default:
			return 0, capture.Address{}, h.recvErr
		}
	}
	select {
	case p := <-h.in:
		n := copy(buf, p.data)
		return n, p.addr, nil
	case <-h.closed:
		return 0, capture.Address{}, capture.ErrClosed
	}
}

func (h *fakeHandle) Send(buf []byte, addr capture.Address) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sent = append(h.sent, fakePacket{data: append([]byte(nil), buf...), addr: addr})
	return nil
}

func (h *fakeHandle) Drop(addr capture.Address) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.dropped++
	return nil
}

func (h *fakeHandle) Close() error {
	h.once.Do(func() { close(h.closed) })
	return nil
}

func (h *fakeHandle) sentCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.sent)
}

func (h *fakeHandle) dropCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.dropped
}

// fakeSource maps fixed ports to PIDs.
type fakeSource struct {
	rows []pidport.PortOwner
}

func (f *fakeSource) Ports() ([]pidport.PortOwner, error) { return f.rows, nil }
func (f *fakeSource) Close() error                        { return nil }

// tcpPacket builds an IPv4 TCP packet of the given total length.
func tcpPacket(srcPort, dstPort uint16, total int) []byte {
	pkt := make([]byte, total)
	pkt[0] = 0x45
	binary.BigEndian.PutUint16(pkt[2:4], uint16(total))
	pkt[9] = 6
	copy(pkt[12:16], []byte{10, 0, 0, 2})
	copy(pkt[16:20], []byte{10, 0, 0, 1})
	binary.BigEndian.PutUint16(pkt[20:22], srcPort)
	binary.BigEndian.PutUint16(pkt[22:24], dstPort)
	pkt[32] = 5 << 4
	return pkt
}

// newTestEngine wires an engine to a fake hook where port 8080 belongs to
// PID 42. The control ticker runs at the given period.
func newTestEngine(t *testing.T, h *fakeHandle, tick time.Duration) *Engine {
	t.Helper()
	e := New(Options{
		Tick:        tick,
		OpenCapture: func(capture.Config) (capture.Handle, error) { return h, nil },
		NewSource: func() (pidport.Source, error) {
			return &fakeSource{rows: []pidport.PortOwner{
				{Proto: pidport.ProtoTCP, Port: 8080, PID: 42},
				{Proto: pidport.ProtoUDP, Port: 9090, PID: 42},
			}}, nil
		},
	})
	t.Cleanup(e.Stop)
	return e
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("condition not reached in time")
}

func TestPassThrough(t *testing.T) {
	h := newFakeHandle(1100)
	e := newTestEngine(t, h, time.Hour) // ticker effectively off

	require.NoError(t, e.Start())
	for i := 0; i < 1000; i++ {
		h.in <- fakePacket{data: tcpPacket(443, 8080, 1500)}
	}
	waitFor(t, func() bool { return e.PacketsProcessed() == 1000 })

	assert.EqualValues(t, 0, e.PacketsDropped())
	assert.Equal(t, 1000, h.sentCount(), "every packet reinjected")

	snap := e.SnapshotCounters()
	assert.EqualValues(t, 1_500_000, snap[42].Download)
	assert.EqualValues(t, 0, snap[42].Upload)
	g := e.SnapshotGlobalCounters()
	assert.EqualValues(t, 1_500_000, g.Download)

	// Immediate re-snapshot yields zeros.
	for _, s := range e.SnapshotCounters() {
		assert.EqualValues(t, 0, s.Download)
		assert.EqualValues(t, 0, s.Upload)
	}

	// The cumulative totals are monotonic and unaffected by snapshots.
	dl, ul := e.TotalBytes()
	assert.EqualValues(t, 1_500_000, dl)
	assert.EqualValues(t, 0, ul)
}

func TestBlockAllStillAccounts(t *testing.T) {
	h := newFakeHandle(200)
	e := newTestEngine(t, h, time.Hour)
	e.SetRule(42, rules.Rule{BlockAll: true})

	require.NoError(t, e.Start())
	for i := 0; i < 100; i++ {
		h.in <- fakePacket{data: tcpPacket(443, 8080, 1500)}
	}
	waitFor(t, func() bool { return e.PacketsProcessed() == 100 })

	assert.EqualValues(t, 100, e.PacketsDropped())
	assert.Equal(t, 0, h.sentCount())
	assert.Equal(t, 100, h.dropCount(), "every blocked packet gets an explicit drop verdict")

	// Accounting precedes enforcement: the bytes are still counted.
	snap := e.SnapshotCounters()
	assert.EqualValues(t, 150_000, snap[42].Download)
}

func TestGlobalBlockAllWinsWithoutPerProcessCharge(t *testing.T) {
	h := newFakeHandle(10)
	e := newTestEngine(t, h, time.Hour)
	e.SetGlobalRule(rules.Rule{BlockAll: true})
	e.SetRule(42, rules.Rule{LimitDownload: true, DownloadKbps: 10_000})

	require.NoError(t, e.Start())
	h.in <- fakePacket{data: tcpPacket(443, 8080, 1500)}
	waitFor(t, func() bool { return e.PacketsDropped() == 1 })

	// The globally-rejected packet never reached the per-process bucket.
	assert.False(t, e.store.HasBuckets(42))
	assert.EqualValues(t, 1500, e.SnapshotCounters()[42].Download)
}

func TestGlobalRateLimitDrops(t *testing.T) {
	h := newFakeHandle(400)
	e := newTestEngine(t, h, time.Hour)
	// 100 KB/s target: bucket holds 204800 tokens.
	e.SetGlobalRule(rules.Rule{LimitDownload: true, DownloadKbps: 100})

	require.NoError(t, e.Start())
	const total = 300
	for i := 0; i < total; i++ {
		h.in <- fakePacket{data: tcpPacket(443, 8080, 1500)}
	}
	waitFor(t, func() bool { return e.PacketsProcessed() == total })

	// 450 KB offered against a ~205 KB burst: a statistical bound, not an
	// exact count (the bucket refills while the burst drains).
	passed := h.sentCount()
	dropped := int(e.PacketsDropped())
	assert.Equal(t, total, passed+dropped)
	assert.Greater(t, dropped, 0, "burst beyond bucket depth must drop")
	assert.LessOrEqual(t, passed*1500, 250_000, "passed bytes bounded by burst depth plus refill slack")
	assert.GreaterOrEqual(t, passed*1500, 200_000, "full burst depth admitted")
}

func TestPerProcessLimitOnlyHitsOwner(t *testing.T) {
	h := newFakeHandle(400)
	e := newTestEngine(t, h, time.Hour)
	// 10 KB/s for PID 42: 20480-byte burst.
	e.SetRule(42, rules.Rule{LimitDownload: true, DownloadKbps: 10})

	require.NoError(t, e.Start())
	const total = 100
	for i := 0; i < total; i++ {
		h.in <- fakePacket{data: tcpPacket(443, 8080, 1500)} // PID 42
		h.in <- fakePacket{data: tcpPacket(443, 7070, 1500)} // unowned port
	}
	waitFor(t, func() bool { return e.PacketsProcessed() == 2*total })

	dropped := int(e.PacketsDropped())
	assert.Greater(t, dropped, 0)
	// The unowned stream passes untouched, so at least its 100 packets and
	// PID 42's burst allowance made it through.
	assert.GreaterOrEqual(t, h.sentCount(), total+13)
	assert.LessOrEqual(t, (2*total-dropped-total)*1500, 25_000, "pid 42 bytes bounded by its burst")
}

func TestGlobalCapOverridesLooserProcessLimit(t *testing.T) {
	h := newFakeHandle(600)
	e := newTestEngine(t, h, time.Hour)
	// Global 50 KB/s is tighter than PID 42's 200 KB/s.
	e.SetGlobalRule(rules.Rule{LimitDownload: true, DownloadKbps: 50})
	e.SetRule(42, rules.Rule{LimitDownload: true, DownloadKbps: 200})

	require.NoError(t, e.Start())
	const total = 500
	for i := 0; i < total; i++ {
		h.in <- fakePacket{data: tcpPacket(443, 8080, 1500)}
	}
	waitFor(t, func() bool { return e.PacketsProcessed() == total })

	// 750 KB offered; the 50 KB/s global bucket (102400 burst) gates first.
	assert.LessOrEqual(t, h.sentCount()*1500, 130_000)
}

func TestIPv6Bypass(t *testing.T) {
	h := newFakeHandle(10)
	e := newTestEngine(t, h, time.Hour)
	e.SetRule(42, rules.Rule{BlockAll: true})

	require.NoError(t, e.Start())
	v6 := make([]byte, 60)
	v6[0] = 0x60
	h.in <- fakePacket{data: v6, addr: capture.Address{IPv6: true}}
	waitFor(t, func() bool { return e.PacketsProcessed() == 1 })

	assert.EqualValues(t, 0, e.PacketsDropped())
	assert.Equal(t, 1, h.sentCount(), "IPv6 reinjected untouched")
	snap := e.SnapshotCounters()
	assert.EqualValues(t, 0, snap[42].Download, "IPv6 bypasses accounting")
	assert.EqualValues(t, 0, e.SnapshotGlobalCounters().Download)
}

func TestMalformedReinjectedWithoutAccounting(t *testing.T) {
	h := newFakeHandle(10)
	e := newTestEngine(t, h, time.Hour)

	require.NoError(t, e.Start())
	h.in <- fakePacket{data: []byte{0x45, 0x00, 0x00}} // truncated
	h.in <- fakePacket{data: func() []byte {           // ICMP
		p := tcpPacket(1, 2, 64)
		p[9] = 1
		return p
	}()}
	waitFor(t, func() bool { return e.PacketsProcessed() == 2 })

	assert.Equal(t, 2, h.sentCount())
	assert.EqualValues(t, 0, e.PacketsDropped())
	assert.EqualValues(t, 0, e.SnapshotGlobalCounters().Download)
}

func TestUploadDirectionUsesSourcePort(t *testing.T) {
	h := newFakeHandle(10)
	e := newTestEngine(t, h, time.Hour)

	require.NoError(t, e.Start())
	h.in <- fakePacket{data: tcpPacket(8080, 443, 900), addr: capture.Address{Outbound: true}}
	waitFor(t, func() bool { return e.PacketsProcessed() == 1 })

	snap := e.SnapshotCounters()
	assert.EqualValues(t, 900, snap[42].Upload)
	assert.EqualValues(t, 0, snap[42].Download)
	g := e.SnapshotGlobalCounters()
	assert.EqualValues(t, 900, g.Upload)
}

func TestProtocolDisambiguatesPorts(t *testing.T) {
	h := newFakeHandle(10)
	e := newTestEngine(t, h, time.Hour)

	require.NoError(t, e.Start())
	// UDP to 9090 belongs to PID 42; TCP to 9090 belongs to nobody.
	udp := tcpPacket(443, 9090, 600)
	udp[9] = 17
	h.in <- fakePacket{data: udp}
	h.in <- fakePacket{data: tcpPacket(443, 9090, 600)}
	waitFor(t, func() bool { return e.PacketsProcessed() == 2 })

	snap := e.SnapshotCounters()
	assert.EqualValues(t, 600, snap[42].Download, "only the UDP packet is attributed")
}

func TestStartStopIdempotent(t *testing.T) {
	h := newFakeHandle(1)
	e := newTestEngine(t, h, time.Hour)

	require.NoError(t, e.Start())
	require.NoError(t, e.Start(), "second start is a no-op")
	assert.True(t, e.IsRunning())

	e.Stop()
	assert.False(t, e.IsRunning())
	e.Stop() // idempotent
}

func TestStartSurfacesCaptureError(t *testing.T) {
	e := New(Options{
		OpenCapture: func(capture.Config) (capture.Handle, error) {
			return nil, capture.ErrAccessDenied
		},
		NewSource: func() (pidport.Source, error) { return &fakeSource{}, nil },
	})
	err := e.Start()
	require.Error(t, err)
	assert.ErrorIs(t, err, capture.ErrAccessDenied)
	assert.False(t, e.IsRunning())
}

func TestRecvErrorStopsEngine(t *testing.T) {
	h := newFakeHandle(1)
	h.recvErr = errors.New("hook wedged")
	e := newTestEngine(t, h, time.Hour)

	require.NoError(t, e.Start())
	waitFor(t, func() bool { return !e.IsRunning() })
}

func TestProcessedNeverBelowDropped(t *testing.T) {
	h := newFakeHandle(200)
	e := newTestEngine(t, h, time.Hour)
	e.SetGlobalRule(rules.Rule{BlockAll: true})

	require.NoError(t, e.Start())
	for i := 0; i < 100; i++ {
		h.in <- fakePacket{data: tcpPacket(443, 8080, 200)}
	}
	waitFor(t, func() bool { return e.PacketsProcessed() == 100 })
	assert.GreaterOrEqual(t, e.PacketsProcessed(), e.PacketsDropped())
}
