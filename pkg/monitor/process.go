package monitor

import (
	"context"
	"errors"
	"os/exec"
	"strconv"
	"strings"
	"syscall"

	"github.com/drover-sh/drover/pkg/droverr"
)

// ProcessInfo is one row of the system process table.
type ProcessInfo struct {
	PID  int
	Args string
}

// IsPIDAlive probes a pid with signal 0. EPERM still means a process
// exists there.
func IsPIDAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := syscall.Kill(pid, syscall.Signal(0))
	return err == nil || errors.Is(err, syscall.EPERM)
}

// terminate sends a graceful stop. Already-dead processes are success.
func terminate(pid int) {
	if pid <= 0 {
		return
	}
	_ = syscall.Kill(pid, syscall.SIGTERM)
}

// forceKill is the escalation path for processes that ignored terminate.
func forceKill(pid int) {
	if pid <= 0 {
		return
	}
	_ = syscall.Kill(pid, syscall.SIGKILL)
}

// listSystemProcesses snapshots the process table.
func listSystemProcesses(ctx context.Context) ([]ProcessInfo, error) {
	out, err := exec.CommandContext(ctx, "ps", "-eo", "pid=,args=").Output()
	if err != nil {
		return nil, droverr.Wrap(droverr.CodeFilesystem, err, "list system processes")
	}
	return parseProcessTable(string(out)), nil
}

// parseProcessTable reads `ps -eo pid=,args=` output: one process per
// line, pid right-aligned, args following the first space.
func parseProcessTable(out string) []ProcessInfo {
	var procs []ProcessInfo
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		pidField, args, _ := strings.Cut(line, " ")
		pid, err := strconv.Atoi(pidField)
		if err != nil {
			continue
		}
		procs = append(procs, ProcessInfo{PID: pid, Args: strings.TrimSpace(args)})
	}
	return procs
}

// splitArgs tokenizes a process table args column.
func splitArgs(args string) []string {
	return strings.Fields(args)
}
