package main

import (
	"errors"
	"fmt"
	"os"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/MarwanHany97/NetThrottle/internal/capture"
	"github.com/MarwanHany97/NetThrottle/internal/engine"
	"github.com/MarwanHany97/NetThrottle/internal/logging"
	"github.com/MarwanHany97/NetThrottle/internal/ui"
)

func main() {
	// Redirect log output to a file so it doesn't interfere with the TUI.
	cfg := logging.FromEnv()
	if logFile, err := os.CreateTemp("", "netthrottle-*.log"); err == nil {
		cfg.Output = logFile
		defer logFile.Close()
	}
	logging.Configure(cfg)

	eng := engine.New(engine.Options{
		Capture: capture.Config{Interface: os.Getenv("NETTHROTTLE_IFACE")},
	})
	if err := eng.Start(); err != nil {
		fmt.Fprintf(os.Stderr, "netthrottle: %v\n", err)
		os.Exit(startExitCode(err))
	}
	defer eng.Stop()

	prog := tea.NewProgram(ui.New(eng), tea.WithAltScreen())
	if _, err := prog.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// startExitCode maps start failures to distinct exit codes so wrappers can
// tell "needs privileges" from "no hook here".
func startExitCode(err error) int {
	switch {
	case errors.Is(err, capture.ErrAccessDenied):
		fmt.Fprintln(os.Stderr, "netthrottle: run with elevated privileges (root or CAP_NET_ADMIN)")
		return 2
	case errors.Is(err, capture.ErrNotSupported):
		fmt.Fprintln(os.Stderr, "netthrottle: no usable packet hook on this host")
		return 3
	default:
		return 1
	}
}
