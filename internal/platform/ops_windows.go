//go:build windows

package platform

import (
	"context"
	"strings"
	"syscall"
	"time"

	gopsproc "github.com/shirou/gopsutil/v4/process"
)

var (
	kernel32             = syscall.NewLazyDLL("kernel32.dll")
	procOpenProcess      = kernel32.NewProc("OpenProcess")
	procTerminateProcess = kernel32.NewProc("TerminateProcess")
	procCloseHandle      = kernel32.NewProc("CloseHandle")
)

const (
	processTerminate        = 0x0001
	processQueryInformation = 0x0400
)

type windowsOps struct{}

func newOps() Ops { return windowsOps{} }

func (windowsOps) FindByPattern(ctx context.Context, pattern string) ([]ProcessInfo, error) {
	if strings.TrimSpace(pattern) == "" {
		return nil, ErrEmptyPattern
	}
	procs, err := gopsproc.ProcessesWithContext(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]ProcessInfo, 0)
	for _, p := range procs {
		cl, err := p.CmdlineWithContext(ctx)
		if err != nil || !strings.Contains(cl, pattern) {
			continue
		}
		name, _ := p.NameWithContext(ctx)
		info := ProcessInfo{PID: int(p.Pid), Name: name, CommandLine: cl}
		if ms, err := p.CreateTimeWithContext(ctx); err == nil && ms > 0 {
			info.StartedAt = time.UnixMilli(ms)
		}
		out = append(out, info)
	}
	return out, nil
}

func (windowsOps) FindChildren(ctx context.Context, ppid int) ([]ChildProcessInfo, error) {
	procs, err := gopsproc.ProcessesWithContext(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]ChildProcessInfo, 0)
	for _, p := range procs {
		parent, err := p.PpidWithContext(ctx)
		if err != nil || int(parent) != ppid {
			continue
		}
		name, _ := p.NameWithContext(ctx)
		out = append(out, ChildProcessInfo{PID: int(p.Pid), PPID: ppid, Name: name})
	}
	return out, nil
}

func (windowsOps) CommandLine(pid int) (string, bool) {
	if pid <= 0 {
		return "", false
	}
	p, err := gopsproc.NewProcess(int32(pid))
	if err != nil {
		return "", false
	}
	cl, err := p.Cmdline()
	if err != nil || cl == "" {
		return "", false
	}
	return cl, true
}

// Kill terminates a Windows process by PID. There is no graceful signal on
// Windows, so any termination signal maps to TerminateProcess.
func (windowsOps) Kill(pid int, sig syscall.Signal) error {
	if pid <= 0 {
		// Invalid PIDs are common during rapid process termination; treat
		// as already gone.
		return nil
	}
	if sig == 0 {
		return checkProcessExists(pid)
	}
	handle, err := openProcess(processTerminate, false, uint32(pid))
	if err != nil {
		// If we cannot open the process it likely no longer exists, which
		// counts as a successful termination.
		return nil
	}
	defer func() { _ = closeHandle(handle) }()

	ret, _, err := procTerminateProcess.Call(uintptr(handle), uintptr(1))
	if ret == 0 {
		return err
	}
	return nil
}

func (windowsOps) IsAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	return checkProcessExists(pid) == nil
}

// checkProcessExists is the Windows equivalent of kill(pid, 0) on Unix.
func checkProcessExists(pid int) error {
	handle, err := openProcess(processQueryInformation, false, uint32(pid))
	if err != nil {
		return err
	}
	defer func() { _ = closeHandle(handle) }()
	return nil
}

func openProcess(access uint32, inheritHandle bool, processID uint32) (syscall.Handle, error) {
	inherit := 0
	if inheritHandle {
		inherit = 1
	}
	ret, _, err := procOpenProcess.Call(
		uintptr(access),
		uintptr(inherit),
		uintptr(processID),
	)
	if ret == 0 {
		return 0, err
	}
	return syscall.Handle(ret), nil
}

func closeHandle(handle syscall.Handle) error {
	ret, _, err := procCloseHandle.Call(uintptr(handle))
	if ret == 0 {
		return err
	}
	return nil
}
