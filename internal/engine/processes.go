package engine

import (
	"sort"

	"github.com/shirou/gopsutil/v3/process"
)

// ProcessInfo names one process visible to the governor.
type ProcessInfo struct {
	PID  uint32 `json:"pid"`
	Name string `json:"name"`
}

// ListNetworkProcesses returns the union of processes with live TCP/UDP
// ports and processes with configured rules, sorted by PID. Processes that
// die between enumeration and naming are skipped.
func (e *Engine) ListNetworkProcesses() []ProcessInfo {
	seen := make(map[uint32]bool)

	e.mu.Lock()
	resolver := e.resolver
	e.mu.Unlock()
	if resolver != nil {
		for _, pid := range resolver.PIDs() {
			seen[pid] = true
		}
	}
	for _, pid := range e.store.PIDs() {
		seen[pid] = true
	}

	out := make([]ProcessInfo, 0, len(seen))
	for pid := range seen {
		p, err := process.NewProcess(int32(pid))
		if err != nil {
			continue
		}
		name, err := p.Name()
		if err != nil {
			continue
		}
		out = append(out, ProcessInfo{PID: pid, Name: name})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PID < out[j].PID })
	return out
}
