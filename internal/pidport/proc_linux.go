//go:build linux

package pidport

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
)

// /proc/net/{tcp,udp} column layout (after the header line):
//
//	sl  local_address rem_address   st tx_queue rx_queue tr tm->when retrnsmt   uid  timeout inode
//	0:  0100007F:0035 00000000:0000 0A 00000000:00000000 00:00000000 00000000  1000        0 12345 ...
//
// The local address is hex IP:hex port; only the port and inode columns
// matter here.

// procPortInodes parses /proc/net/{tcp,udp}. This is the fallback when
// netlink INET_DIAG is unavailable; IPv4 only, matching the capture filter.
func procPortInodes() ([]portInode, error) {
	files := []struct {
		path  string
		proto uint8
	}{
		{"/proc/net/tcp", ProtoTCP},
		{"/proc/net/udp", ProtoUDP},
	}

	var all []portInode
	for _, pf := range files {
		rows, err := parseProcNetFile(pf.path, pf.proto)
		if err != nil {
			// UDP may be absent on some configs; TCP is required.
			if pf.proto == ProtoUDP {
				continue
			}
			return nil, fmt.Errorf("parse %s: %w", pf.path, err)
		}
		all = append(all, rows...)
	}
	return all, nil
}

func parseProcNetFile(path string, proto uint8) ([]portInode, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var rows []portInode
	scanner := bufio.NewScanner(f)

	// Skip header line
	if !scanner.Scan() {
		return nil, scanner.Err()
	}

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		row, err := parseProcNetLine(line, proto)
		if err != nil {
			// Skip unparseable lines rather than failing entirely.
			continue
		}
		rows = append(rows, row)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return rows, nil
}

func parseProcNetLine(line string, proto uint8) (portInode, error) {
	var row portInode

	fields := strings.Fields(line)
	if len(fields) < 10 {
		return row, fmt.Errorf("too few fields: %d", len(fields))
	}

	// fields[1] = local_address (hex_ip:hex_port), fields[9] = inode
	parts := strings.SplitN(fields[1], ":", 2)
	if len(parts) != 2 {
		return row, fmt.Errorf("invalid local address %q", fields[1])
	}
	port, err := strconv.ParseUint(parts[1], 16, 16)
	if err != nil {
		return row, fmt.Errorf("parse port: %w", err)
	}
	inode, err := strconv.ParseUint(fields[9], 10, 64)
	if err != nil {
		return row, fmt.Errorf("parse inode: %w", err)
	}

	row.proto = proto
	row.port = uint16(port)
	row.inode = inode
	return row, nil
}

// scanSocketInodes walks /proc/<pid>/fd building the socket inode → PID map.
// Unreadable processes (exited, or owned by another user) are skipped.
func scanSocketInodes() (map[uint64]uint32, error) {
	proc, err := os.Open("/proc")
	if err != nil {
		return nil, err
	}
	defer proc.Close()

	names, err := proc.Readdirnames(-1)
	if err != nil {
		return nil, err
	}

	inodeToPID := make(map[uint64]uint32)
	for _, name := range names {
		pid, err := strconv.ParseUint(name, 10, 32)
		if err != nil {
			continue
		}

		fdDir := "/proc/" + name + "/fd"
		entries, err := os.ReadDir(fdDir)
		if err != nil {
			continue
		}
		for _, e := range entries {
			link, err := os.Readlink(fdDir + "/" + e.Name())
			if err != nil {
				continue
			}
			// socket:[12345]
			if !strings.HasPrefix(link, "socket:[") || !strings.HasSuffix(link, "]") {
				continue
			}
			inode, err := strconv.ParseUint(link[8:len(link)-1], 10, 64)
			if err != nil {
				continue
			}
			inodeToPID[inode] = uint32(pid)
		}
	}
	return inodeToPID, nil
}
