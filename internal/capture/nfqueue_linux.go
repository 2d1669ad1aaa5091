//go:build linux

package capture

import (
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"

	"github.com/mdlayher/netlink"
	"golang.org/x/sys/unix"
)

// The Linux backend diverts packets through NFQUEUE: iptables rules steer
// IPv4 TCP/UDP into a netfilter queue, the kernel parks each packet until
// userspace issues a verdict, and only an accept verdict lets it continue.
// A drop verdict discards the original packet for real. --queue-bypass keeps
// traffic flowing if this process dies without cleaning up.

// nfnetlink_queue wire constants (linux/netfilter/nfnetlink_queue.h).
const (
	nfnlSubsysQueue = 3

	nfqnlMsgPacket  = 0
	nfqnlMsgVerdict = 1
	nfqnlMsgConfig  = 2

	nfqaPacketHdr  = 1
	nfqaVerdictHdr = 2
	nfqaCfgCmd     = 1
	nfqaCfgParams  = 2
	nfqaPayload    = 10

	nfqnlCfgCmdBind   = 1
	nfqnlCfgCmdUnbind = 2

	nfqnlCopyPacket = 2

	nfDrop   = 0
	nfAccept = 1

	// netfilter hook numbers; LOCAL_OUT and POSTROUTING carry
	// host-originated traffic.
	nfInetLocalOut    = 3
	nfInetPostRouting = 4
)

// queuedPacket is one decoded NFQNL_MSG_PACKET awaiting delivery to Recv.
type queuedPacket struct {
	id      uint32
	hwProto uint16
	hook    uint8
	payload []byte
}

// nfqueueHandle is an open netfilter queue plus the iptables rules steering
// traffic into it.
type nfqueueHandle struct {
	conn    *netlink.Conn
	queue   uint16
	rules   [][]string // installed iptables rule specs, for teardown
	pending []queuedPacket
	closed  atomic.Bool
	once    sync.Once
}

const defaultRecvBuffer = 4 * 1024 * 1024

// Open binds a netfilter queue and installs the iptables redirect rules.
// Errors are classified into ErrAccessDenied / ErrNotSupported where the
// cause is recognizable.
func Open(cfg Config) (Handle, error) {
	conn, err := netlink.Dial(unix.NETLINK_NETFILTER, nil)
	if err != nil {
		return nil, classifyOpenError(err)
	}

	h := &nfqueueHandle{conn: conn, queue: cfg.QueueNum}

	rcvbuf := cfg.RecvBuffer
	if rcvbuf <= 0 {
		rcvbuf = defaultRecvBuffer
	}
	conn.SetReadBuffer(rcvbuf)

	// Bind the queue, then ask for full packet payloads. An ack error here
	// usually means nfnetlink_queue is not available.
	bind := netlink.Attribute{Type: nfqaCfgCmd, Data: configCmd(nfqnlCfgCmdBind)}
	if err := h.configure(bind); err != nil {
		conn.Close()
		return nil, classifyOpenError(err)
	}
	params := netlink.Attribute{Type: nfqaCfgParams, Data: configParams(nfqnlCopyPacket, 0xFFFF)}
	if err := h.configure(params); err != nil {
		conn.Close()
		return nil, fmt.Errorf("capture: set copy mode: %w", err)
	}

	if err := h.installRules(cfg); err != nil {
		h.removeRules()
		h.configure(netlink.Attribute{Type: nfqaCfgCmd, Data: configCmd(nfqnlCfgCmdUnbind)})
		conn.Close()
		return nil, err
	}

	slog.Debug("netthrottle: capture open", "filter", FilterExpr, "queue", h.queue)
	return h, nil
}

// configCmd encodes nfqnl_msg_config_cmd: command, pad, pf (big-endian).
func configCmd(command uint8) []byte {
	b := make([]byte, 4)
	b[0] = command
	binary.BigEndian.PutUint16(b[2:4], unix.AF_INET)
	return b
}

// configParams encodes nfqnl_msg_config_params: copy_range (big-endian),
// copy_mode.
func configParams(mode uint8, copyRange uint32) []byte {
	b := make([]byte, 5)
	binary.BigEndian.PutUint32(b[0:4], copyRange)
	b[4] = mode
	return b
}

// nfgenmsg encodes the nfnetlink header: family, NFNETLINK_V0, and the
// queue number as the big-endian resource id.
func (h *nfqueueHandle) nfgenmsg(family uint8) []byte {
	b := make([]byte, 4)
	b[0] = family
	binary.BigEndian.PutUint16(b[2:4], h.queue)
	return b
}

// configure sends one acknowledged NFQNL_MSG_CONFIG request.
func (h *nfqueueHandle) configure(attrs ...netlink.Attribute) error {
	data, err := netlink.MarshalAttributes(attrs)
	if err != nil {
		return err
	}
	msg := netlink.Message{
		Header: netlink.Header{
			Type:  netlink.HeaderType(nfnlSubsysQueue<<8 | nfqnlMsgConfig),
			Flags: netlink.Request | netlink.Acknowledge,
		},
		Data: append(h.nfgenmsg(unix.AF_UNSPEC), data...),
	}
	_, err = h.conn.Execute(msg)
	return err
}

func classifyOpenError(err error) error {
	var errno syscall.Errno
	if errors.As(err, &errno) {
		switch errno {
		case unix.EPERM, unix.EACCES:
			return ErrAccessDenied
		case unix.EAFNOSUPPORT, unix.EPROTONOSUPPORT, unix.ENOENT, unix.EOPNOTSUPP:
			return ErrNotSupported
		}
	}
	var opErr *netlink.OpError
	if errors.As(err, &opErr) && opErr.Err != nil {
		return classifyOpenError(opErr.Err)
	}
	return fmt.Errorf("capture: open: %w", err)
}

// installRules steers IPv4 TCP/UDP through the queue. INPUT covers inbound
// delivery, OUTPUT host-originated traffic; iptables itself scopes the
// rules to IPv4, matching FilterExpr.
func (h *nfqueueHandle) installRules(cfg Config) error {
	chains := []struct {
		chain  string
		ifFlag string
	}{
		{"INPUT", "-i"},
		{"OUTPUT", "-o"},
	}
	num := strconv.FormatUint(uint64(h.queue), 10)

	for _, c := range chains {
		for _, proto := range []string{"tcp", "udp"} {
			spec := []string{c.chain, "-p", proto}
			if cfg.Interface != "" {
				spec = append(spec, c.ifFlag, cfg.Interface)
			}
			spec = append(spec, "-j", "NFQUEUE", "--queue-num", num, "--queue-bypass")

			out, err := exec.Command("iptables", append([]string{"-I"}, spec...)...).CombinedOutput()
			if err != nil {
				return classifyIptablesError(err, out)
			}
			h.rules = append(h.rules, spec)
		}
	}
	return nil
}

// removeRules deletes whatever installRules managed to add.
func (h *nfqueueHandle) removeRules() {
	for _, spec := range h.rules {
		if out, err := exec.Command("iptables", append([]string{"-D"}, spec...)...).CombinedOutput(); err != nil {
			slog.Warn("netthrottle: failed to remove iptables rule", "rule", strings.Join(spec, " "), "err", err, "output", string(out))
		}
	}
	h.rules = nil
}

func classifyIptablesError(err error, out []byte) error {
	if errors.Is(err, exec.ErrNotFound) {
		return ErrNotSupported
	}
	msg := string(out)
	if strings.Contains(msg, "Permission denied") || strings.Contains(msg, "must be root") {
		return ErrAccessDenied
	}
	return fmt.Errorf("capture: iptables: %w: %s", err, strings.TrimSpace(msg))
}

// Recv blocks for the next queued packet. The kernel holds the original
// until Send or Drop issues its verdict.
func (h *nfqueueHandle) Recv(buf []byte) (int, Address, error) {
	for {
		if h.closed.Load() {
			return 0, Address{}, ErrClosed
		}

		if len(h.pending) > 0 {
			p := h.pending[0]
			h.pending = h.pending[1:]
			n := copy(buf, p.payload)
			addr := Address{
				Outbound:  p.hook == nfInetLocalOut || p.hook == nfInetPostRouting,
				IPv6:      p.hwProto == unix.ETH_P_IPV6,
				verdictID: p.id,
			}
			return n, addr, nil
		}

		msgs, err := h.conn.Receive()
		if err != nil {
			if h.closed.Load() {
				return 0, Address{}, ErrClosed
			}
			var errno syscall.Errno
			if errors.As(err, &errno) && (errno == unix.EINTR || errno == unix.ENOBUFS) {
				// ENOBUFS means the socket buffer overflowed and packets
				// were bypassed; keep reading.
				continue
			}
			return 0, Address{}, fmt.Errorf("capture: recv: %w", err)
		}

		for _, m := range msgs {
			if m.Header.Type != netlink.HeaderType(nfnlSubsysQueue<<8|nfqnlMsgPacket) {
				continue
			}
			if p, ok := parseQueuedPacket(m.Data); ok {
				h.pending = append(h.pending, p)
			}
		}
	}
}

// parseQueuedPacket decodes an NFQNL_MSG_PACKET body: the nfgenmsg header
// followed by netlink attributes carrying metadata and payload.
func parseQueuedPacket(data []byte) (queuedPacket, bool) {
	var p queuedPacket
	if len(data) < 4 {
		return p, false
	}
	attrs, err := netlink.UnmarshalAttributes(data[4:])
	if err != nil {
		return p, false
	}

	var haveHdr, havePayload bool
	for _, a := range attrs {
		switch a.Type {
		case nfqaPacketHdr:
			if len(a.Data) < 7 {
				return p, false
			}
			p.id = binary.BigEndian.Uint32(a.Data[0:4])
			p.hwProto = binary.BigEndian.Uint16(a.Data[4:6])
			p.hook = a.Data[6]
			haveHdr = true
		case nfqaPayload:
			p.payload = a.Data
			havePayload = true
		}
	}
	return p, haveHdr && havePayload
}

// Send accepts the held packet, carrying the (possibly checksum-fixed)
// payload back so the kernel transmits the mangled bytes.
func (h *nfqueueHandle) Send(buf []byte, addr Address) error {
	return h.verdict(addr.verdictID, nfAccept, buf)
}

// Drop discards the held packet. The kernel frees the original; nothing is
// transmitted or delivered.
func (h *nfqueueHandle) Drop(addr Address) error {
	return h.verdict(addr.verdictID, nfDrop, nil)
}

func (h *nfqueueHandle) verdict(id uint32, verdict uint32, payload []byte) error {
	if h.closed.Load() {
		return ErrClosed
	}

	hdr := make([]byte, 8)
	binary.BigEndian.PutUint32(hdr[0:4], verdict)
	binary.BigEndian.PutUint32(hdr[4:8], id)
	attrs := []netlink.Attribute{{Type: nfqaVerdictHdr, Data: hdr}}
	if payload != nil {
		attrs = append(attrs, netlink.Attribute{Type: nfqaPayload, Data: payload})
	}
	data, err := netlink.MarshalAttributes(attrs)
	if err != nil {
		return err
	}

	msg := netlink.Message{
		Header: netlink.Header{
			Type:  netlink.HeaderType(nfnlSubsysQueue<<8 | nfqnlMsgVerdict),
			Flags: netlink.Request,
		},
		Data: append(h.nfgenmsg(unix.AF_UNSPEC), data...),
	}
	if _, err := h.conn.Send(msg); err != nil {
		return fmt.Errorf("capture: verdict: %w", err)
	}
	return nil
}

// Close removes the redirect rules, unbinds the queue, and releases the
// socket. Idempotent; a pending Recv unblocks with ErrClosed. Packets still
// queued without a verdict are released by the kernel on unbind.
//
// The unbind is fire-and-forget: waiting for its ack would race the Recv
// goroutine for messages on the shared socket.
func (h *nfqueueHandle) Close() error {
	var err error
	h.once.Do(func() {
		h.closed.Store(true)
		h.removeRules()
		if data, merr := netlink.MarshalAttributes([]netlink.Attribute{
			{Type: nfqaCfgCmd, Data: configCmd(nfqnlCfgCmdUnbind)},
		}); merr == nil {
			h.conn.Send(netlink.Message{
				Header: netlink.Header{
					Type:  netlink.HeaderType(nfnlSubsysQueue<<8 | nfqnlMsgConfig),
					Flags: netlink.Request,
				},
				Data: append(h.nfgenmsg(unix.AF_UNSPEC), data...),
			})
		}
		err = h.conn.Close()
	})
	return err
}
