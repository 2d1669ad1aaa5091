// Package capture is the boundary to the kernel packet hook. It hides every
// raw pointer and byte-order detail behind a small Handle API; the engine
// above it only ever sees packet bytes and an Address.
//
// The hook diverts: after Recv returns a packet, the kernel holds the
// original until a verdict. Send releases it toward its destination; Drop
// discards it for real. Nothing is transmitted or delivered in between.
package capture

import "errors"

var (
	// ErrClosed is returned by Recv after Close has been called.
	ErrClosed = errors.New("capture: handle closed")

	// ErrAccessDenied means the packet hook exists but needs elevated
	// privileges (root or CAP_NET_ADMIN).
	ErrAccessDenied = errors.New("capture: access denied, elevated privileges required")

	// ErrNotSupported means the host has no usable diverting packet hook.
	ErrNotSupported = errors.New("capture: packet hook not supported on this host")
)

// FilterExpr describes the traffic every handle selects: IPv4 TCP and UDP
// only. The Linux backend realizes it as iptables NFQUEUE redirect rules,
// which are IPv4-scoped by construction.
const FilterExpr = "ip and (tcp or udp)"

// Address is the metadata the hook delivers alongside each packet.
type Address struct {
	// Outbound is set for host-originated packets.
	Outbound bool
	// IPv6 is set when the link-level protocol is IPv6. Such packets are
	// released untouched by callers.
	IPv6 bool

	// verdictID ties a verdict back to the packet the kernel is holding.
	verdictID uint32
}

// Handle is an open capture session. Recv blocks until a diverted packet
// arrives or the handle is closed; the packet then awaits a verdict. Send
// reinjects it (with any in-place edits) toward its destination; Drop
// discards it. Both are best-effort from the caller's view. Close is
// idempotent and unblocks any pending Recv with ErrClosed.
type Handle interface {
	Recv(buf []byte) (int, Address, error)
	Send(buf []byte, addr Address) error
	Drop(addr Address) error
	Close() error
}

// Config selects where and how to capture.
type Config struct {
	// Interface restricts the redirect rules to one NIC by name. Empty
	// captures on all.
	Interface string
	// QueueNum is the netfilter queue number to bind. Zero is a valid
	// queue and the default.
	QueueNum uint16
	// RecvBuffer is the netlink receive buffer size in bytes; 0 uses the
	// 4 MiB default.
	RecvBuffer int
}
