// Package ui is the interactive controller: a bubbletea program showing live
// per-process throughput with keys to block, limit, and unlimit processes.
package ui

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/MarwanHany97/NetThrottle/internal/engine"
	"github.com/MarwanHany97/NetThrottle/internal/rules"
	"github.com/MarwanHany97/NetThrottle/internal/sampler"
)

// Governor is the slice of the engine the UI drives.
type Governor interface {
	Throughput() []sampler.Rate
	ListNetworkProcesses() []engine.ProcessInfo
	GetRule(pid uint32) (rules.Rule, bool)
	SetRule(pid uint32, r rules.Rule)
	PacketsProcessed() uint64
	PacketsDropped() uint64
	GlobalThroughput() (float64, float64)
}

// tickMsg drives the 1 Hz refresh.
type tickMsg time.Time

// promptKind says which rule field the text input is editing.
type promptKind int

const (
	promptNone promptKind = iota
	promptDownload
	promptUpload
)

// row is one rendered process line.
type row struct {
	pid      uint32
	name     string
	download float64
	upload   float64
	rule     rules.Rule
	hasRule  bool
}

var (
	headerStyle   = lipgloss.NewStyle().Bold(true).Reverse(true)
	selectedStyle = lipgloss.NewStyle().Reverse(true)
	ruleStyle     = lipgloss.NewStyle().Bold(true)
	footerStyle   = lipgloss.NewStyle().Faint(true)
)

// Model is the root bubbletea model.
type Model struct {
	gov Governor

	width  int
	height int

	rows     []row
	selected int

	prompt promptKind
	input  textinput.Model

	status string
}

// New creates the UI over a governor.
func New(gov Governor) Model {
	ti := textinput.New()
	ti.Prompt = "KB/s: "
	ti.CharLimit = 8
	return Model{gov: gov, input: ti}
}

func tick() tea.Cmd {
	return tea.Tick(time.Second, func(t time.Time) tea.Msg { return tickMsg(t) })
}

func (m Model) Init() tea.Cmd {
	return tick()
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		return m, nil

	case tickMsg:
		m.refresh()
		return m, tick()

	case tea.KeyMsg:
		return m.handleKey(msg)
	}
	return m, nil
}

// refresh pulls fresh throughput and merges process names and rules.
func (m *Model) refresh() {
	names := make(map[uint32]string)
	for _, p := range m.gov.ListNetworkProcesses() {
		names[p.PID] = p.Name
	}

	rates := m.gov.Throughput()
	byPID := make(map[uint32]sampler.Rate, len(rates))
	for _, r := range rates {
		byPID[r.PID] = r
	}

	// Show every named process, including idle ones that only have rules.
	m.rows = m.rows[:0]
	for pid, name := range names {
		r := row{pid: pid, name: name}
		if rate, ok := byPID[pid]; ok {
			r.download = rate.Download
			r.upload = rate.Upload
		}
		r.rule, r.hasRule = m.gov.GetRule(pid)
		m.rows = append(m.rows, r)
	}
	sort.Slice(m.rows, func(i, j int) bool {
		ti := m.rows[i].download + m.rows[i].upload
		tj := m.rows[j].download + m.rows[j].upload
		if ti != tj {
			return ti > tj
		}
		return m.rows[i].pid < m.rows[j].pid
	})
	if m.selected >= len(m.rows) {
		m.selected = maxInt(0, len(m.rows)-1)
	}
}

func (m Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	if m.prompt != promptNone {
		switch msg.String() {
		case "enter":
			m.applyPrompt()
			m.prompt = promptNone
			m.input.Blur()
			return m, nil
		case "esc":
			m.prompt = promptNone
			m.input.Blur()
			return m, nil
		}
		var cmd tea.Cmd
		m.input, cmd = m.input.Update(msg)
		return m, cmd
	}

	switch msg.String() {
	case "q", "ctrl+c":
		return m, tea.Quit
	case "up", "k":
		if m.selected > 0 {
			m.selected--
		}
	case "down", "j":
		if m.selected < len(m.rows)-1 {
			m.selected++
		}
	case "b":
		m.toggleBlock()
	case "a":
		m.toggleAdaptive()
	case "d":
		m.prompt = promptDownload
		m.input.SetValue("")
		m.input.Focus()
	case "u":
		m.prompt = promptUpload
		m.input.SetValue("")
		m.input.Focus()
	case "c":
		if r, ok := m.selectedRow(); ok {
			m.gov.SetRule(r.pid, rules.Rule{})
			m.status = fmt.Sprintf("cleared rule for %s (%d)", r.name, r.pid)
		}
	}
	return m, nil
}

func (m *Model) selectedRow() (row, bool) {
	if m.selected < 0 || m.selected >= len(m.rows) {
		return row{}, false
	}
	return m.rows[m.selected], true
}

func (m *Model) toggleBlock() {
	r, ok := m.selectedRow()
	if !ok {
		return
	}
	rule := r.rule
	rule.BlockAll = !rule.BlockAll
	m.gov.SetRule(r.pid, rule)
	if rule.BlockAll {
		m.status = fmt.Sprintf("blocking %s (%d)", r.name, r.pid)
	} else {
		m.status = fmt.Sprintf("unblocked %s (%d)", r.name, r.pid)
	}
}

func (m *Model) toggleAdaptive() {
	r, ok := m.selectedRow()
	if !ok {
		return
	}
	rule := r.rule
	rule.Adaptive = !rule.Adaptive
	rule.AdjustedDownload = 0
	rule.AdjustedUpload = 0
	m.gov.SetRule(r.pid, rule)
	m.status = fmt.Sprintf("adaptive %v for %s (%d)", rule.Adaptive, r.name, r.pid)
}

// applyPrompt parses the entered KB/s and writes the rule. 0 clears the
// limit for that direction.
func (m *Model) applyPrompt() {
	r, ok := m.selectedRow()
	if !ok {
		return
	}
	kbps, err := strconv.ParseUint(strings.TrimSpace(m.input.Value()), 10, 32)
	if err != nil {
		m.status = "invalid rate"
		return
	}
	rule := r.rule
	if m.prompt == promptDownload {
		rule.LimitDownload = kbps > 0
		rule.DownloadKbps = uint32(kbps)
		rule.AdjustedDownload = 0
	} else {
		rule.LimitUpload = kbps > 0
		rule.UploadKbps = uint32(kbps)
		rule.AdjustedUpload = 0
	}
	m.gov.SetRule(r.pid, rule)
	m.status = fmt.Sprintf("%s limit %d KB/s for %s (%d)", m.prompt.label(), kbps, r.name, r.pid)
}

func (k promptKind) label() string {
	if k == promptUpload {
		return "upload"
	}
	return "download"
}

func (m Model) View() string {
	var b strings.Builder

	gdl, gul := m.gov.GlobalThroughput()
	title := fmt.Sprintf(" netthrottle  ↓%s ↑%s  pkts %d  drops %d ",
		humanRate(gdl), humanRate(gul),
		m.gov.PacketsProcessed(), m.gov.PacketsDropped())
	b.WriteString(headerStyle.Render(title))
	b.WriteString("\n")

	b.WriteString(fmt.Sprintf("%7s  %-24s %12s %12s  %s\n", "PID", "PROCESS", "DOWN", "UP", "RULE"))

	visible := m.rows
	if m.height > 6 && len(visible) > m.height-6 {
		visible = visible[:m.height-6]
	}
	for i, r := range visible {
		line := fmt.Sprintf("%7d  %-24s %12s %12s  %s",
			r.pid, truncate(r.name, 24), humanRate(r.download), humanRate(r.upload), ruleSummary(r))
		if i == m.selected {
			line = selectedStyle.Render(line)
		}
		b.WriteString(line)
		b.WriteString("\n")
	}

	b.WriteString("\n")
	if m.prompt != promptNone {
		b.WriteString(m.prompt.label() + " " + m.input.View())
	} else if m.status != "" {
		b.WriteString(ruleStyle.Render(m.status))
	}
	b.WriteString("\n")
	b.WriteString(footerStyle.Render("↑/↓ select  b block  d dl-limit  u ul-limit  a adaptive  c clear  q quit"))
	return b.String()
}

func ruleSummary(r row) string {
	if !r.hasRule {
		return ""
	}
	if r.rule.BlockAll {
		return ruleStyle.Render("BLOCKED")
	}
	var parts []string
	if r.rule.LimitDownload && r.rule.DownloadKbps > 0 {
		parts = append(parts, fmt.Sprintf("↓%dKB/s", r.rule.DownloadKbps))
	}
	if r.rule.LimitUpload && r.rule.UploadKbps > 0 {
		parts = append(parts, fmt.Sprintf("↑%dKB/s", r.rule.UploadKbps))
	}
	if r.rule.Adaptive {
		parts = append(parts, "adaptive")
	}
	return ruleStyle.Render(strings.Join(parts, " "))
}

// humanRate renders bytes/sec with a binary unit.
func humanRate(bps float64) string {
	switch {
	case bps >= 1024*1024:
		return fmt.Sprintf("%.1f MB/s", bps/(1024*1024))
	case bps >= 1024:
		return fmt.Sprintf("%.1f KB/s", bps/1024)
	case bps > 0:
		return fmt.Sprintf("%.0f B/s", bps)
	default:
		return "-"
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	if n <= 1 {
		return s[:n]
	}
	return s[:n-1] + "…"
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
