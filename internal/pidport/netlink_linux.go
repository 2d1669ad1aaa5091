//go:build linux

package pidport

import (
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"syscall"
	"unsafe"

	"github.com/mdlayher/netlink"
)

const (
	sockDiagByFamily = 20 // SOCK_DIAG_BY_FAMILY
	afINET           = 2  // AF_INET
	allSocketStates  = 0xFFF
)

// inetDiagReqV2 is the wire format for a sock_diag request (56 bytes).
type inetDiagReqV2 struct {
	Family   uint8
	Protocol uint8
	Ext      uint8
	Pad      uint8
	States   uint32
	ID       inetDiagSockID
}

// inetDiagSockID identifies a socket (48 bytes).
type inetDiagSockID struct {
	SPort  [2]byte
	DPort  [2]byte
	Src    [16]byte
	Dst    [16]byte
	If     uint32
	Cookie [2]uint32
}

// inetDiagMsg is the response header (72 bytes).
type inetDiagMsg struct {
	Family  uint8
	State   uint8
	Timer   uint8
	Retrans uint8
	ID      inetDiagSockID
	Expires uint32
	RQueue  uint32
	WQueue  uint32
	UID     uint32
	Inode   uint32
}

// diagSource enumerates sockets over netlink SOCK_DIAG and maps their inodes
// to PIDs via /proc. Falls back to /proc/net text parsing transparently if
// the inet_diag kernel modules go away at runtime.
type diagSource struct {
	conn    *netlink.Conn
	useProc bool
}

// NewSource opens the best available socket-table source. It probes netlink
// INET_DIAG first and degrades to /proc/net parsing when the kernel cannot
// serve diag queries.
func NewSource() (Source, error) {
	s := &diagSource{}

	// NETLINK_SOCK_DIAG = 4
	conn, err := netlink.Dial(4, nil)
	if err != nil {
		slog.Warn("netthrottle: netlink dial failed, using /proc fallback", "err", err)
		s.useProc = true
		return s, nil
	}

	if probeErr := probeDiag(conn); probeErr != nil {
		// inet_diag is often built as a module and not loaded. Loading
		// tcp_diag pulls inet_diag in as a dependency.
		loaded := false
		for _, mod := range []string{"tcp_diag", "udp_diag"} {
			if err := exec.Command("modprobe", mod).Run(); err == nil {
				loaded = true
			}
		}
		if loaded && probeDiag(conn) == nil {
			slog.Info("netthrottle: auto-loaded inet_diag kernel modules")
			s.conn = conn
			return s, nil
		}

		conn.Close()
		slog.Warn("netthrottle: netlink INET_DIAG unavailable, using /proc fallback", "err", probeErr)
		s.useProc = true
		return s, nil
	}

	s.conn = conn
	return s, nil
}

// probeDiag sends a minimal TCP/IPv4 dump to verify the kernel can serve
// INET_DIAG. ENOENT here means the diag modules are missing.
func probeDiag(conn *netlink.Conn) error {
	req := inetDiagReqV2{
		Family:   afINET,
		Protocol: ProtoTCP,
		States:   allSocketStates,
	}
	msg := netlink.Message{
		Header: netlink.Header{
			Type:  sockDiagByFamily,
			Flags: netlink.Request | netlink.Dump,
		},
		Data: (*[unsafe.Sizeof(req)]byte)(unsafe.Pointer(&req))[:],
	}
	_, err := conn.Execute(msg)
	return err
}

// isModuleError reports the ENOENT the kernel returns when sock_diag support
// is not loaded.
func isModuleError(err error) bool {
	var errno syscall.Errno
	if errors.As(err, &errno) {
		return errno == syscall.ENOENT
	}
	var opErr *netlink.OpError
	if errors.As(err, &opErr) {
		return errors.Is(opErr.Err, syscall.ENOENT)
	}
	return false
}

func (s *diagSource) Close() error {
	if s.conn != nil {
		return s.conn.Close()
	}
	return nil
}

func (s *diagSource) Ports() ([]PortOwner, error) {
	ports, err := s.portInodes()
	if err != nil {
		return nil, err
	}

	inodeToPID, err := scanSocketInodes()
	if err != nil {
		return nil, fmt.Errorf("scan /proc fds: %w", err)
	}

	owners := make([]PortOwner, 0, len(ports))
	for _, p := range ports {
		owners = append(owners, PortOwner{
			Proto: p.proto,
			Port:  p.port,
			PID:   inodeToPID[p.inode],
		})
	}
	return owners, nil
}

type portInode struct {
	proto uint8
	port  uint16
	inode uint64
}

func (s *diagSource) portInodes() ([]portInode, error) {
	if s.useProc {
		return procPortInodes()
	}

	var all []portInode
	for _, proto := range []uint8{ProtoTCP, ProtoUDP} {
		rows, err := s.query(proto)
		if err != nil {
			if isModuleError(err) {
				// Module unloaded from under us; switch to /proc for good.
				slog.Warn("netthrottle: netlink query failed at runtime, switching to /proc", "err", err)
				s.useProc = true
				if s.conn != nil {
					s.conn.Close()
					s.conn = nil
				}
				return procPortInodes()
			}
			if proto == ProtoUDP {
				// UDP diag may be missing on some kernels; TCP alone is
				// still useful.
				continue
			}
			return nil, fmt.Errorf("diag query proto=%d: %w", proto, err)
		}
		all = append(all, rows...)
	}
	return all, nil
}

func (s *diagSource) query(proto uint8) ([]portInode, error) {
	req := inetDiagReqV2{
		Family:   afINET,
		Protocol: proto,
		States:   allSocketStates,
	}
	msg := netlink.Message{
		Header: netlink.Header{
			Type:  sockDiagByFamily,
			Flags: netlink.Request | netlink.Dump,
		},
		Data: (*[unsafe.Sizeof(req)]byte)(unsafe.Pointer(&req))[:],
	}

	msgs, err := s.conn.Execute(msg)
	if err != nil {
		return nil, err
	}

	rows := make([]portInode, 0, len(msgs))
	for _, m := range msgs {
		if len(m.Data) < int(unsafe.Sizeof(inetDiagMsg{})) {
			continue
		}
		diag := (*inetDiagMsg)(unsafe.Pointer(&m.Data[0]))
		rows = append(rows, portInode{
			proto: proto,
			port:  uint16(diag.ID.SPort[0])<<8 | uint16(diag.ID.SPort[1]),
			inode: uint64(diag.Inode),
		})
	}
	return rows, nil
}
