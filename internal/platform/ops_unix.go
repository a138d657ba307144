//go:build !windows

package platform

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"os"
	"runtime"
	"strconv"
	"strings"
	"syscall"
	"time"

	gopsproc "github.com/shirou/gopsutil/v4/process"
	"github.com/tklauser/go-sysconf"
)

type unixOps struct{}

func newOps() Ops { return unixOps{} }

func (unixOps) FindByPattern(ctx context.Context, pattern string) ([]ProcessInfo, error) {
	if strings.TrimSpace(pattern) == "" {
		return nil, ErrEmptyPattern
	}
	if runtime.GOOS == "linux" {
		return findByPatternProc(ctx, pattern)
	}
	return findByPatternPs(ctx, pattern)
}

func (unixOps) FindChildren(ctx context.Context, ppid int) ([]ChildProcessInfo, error) {
	if runtime.GOOS == "linux" {
		return findChildrenProc(ctx, ppid)
	}
	return findChildrenPs(ctx, ppid)
}

func (unixOps) CommandLine(pid int) (string, bool) {
	if pid <= 0 {
		return "", false
	}
	if runtime.GOOS == "linux" {
		return readCmdline(pid)
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

func (unixOps) Kill(pid int, sig syscall.Signal) error {
	if pid <= 0 {
		return nil
	}
	err := syscall.Kill(pid, sig)
	if err == nil || errors.Is(err, syscall.ESRCH) {
		return nil
	}
	return err
}

func (unixOps) IsAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	// A quickly-exited child can linger as a zombie; treat that as not alive.
	if runtime.GOOS == "linux" && isZombieLinux(pid) {
		return false
	}
	err := syscall.Kill(pid, 0)
	return err == nil || errors.Is(err, syscall.EPERM)
}

// findByPatternProc scans /proc directly so no helper binaries are needed.
func findByPatternProc(ctx context.Context, pattern string) ([]ProcessInfo, error) {
	entries, err := os.ReadDir("/proc")
	if err != nil {
		return nil, err
	}
	out := make([]ProcessInfo, 0)
	for _, e := range entries {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}
		pid, err := strconv.Atoi(e.Name())
		if err != nil || pid <= 0 {
			continue
		}
		cmdline, ok := readCmdline(pid)
		if !ok || !strings.Contains(cmdline, pattern) {
			continue
		}
		info := ProcessInfo{PID: pid, Name: procComm(pid), CommandLine: cmdline}
		if st := procStartUnix(pid); st > 0 {
			info.StartedAt = time.Unix(st, 0)
		}
		out = append(out, info)
	}
	return out, nil
}

func findChildrenProc(ctx context.Context, ppid int) ([]ChildProcessInfo, error) {
	entries, err := os.ReadDir("/proc")
	if err != nil {
		return nil, err
	}
	out := make([]ChildProcessInfo, 0)
	for _, e := range entries {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}
		pid, err := strconv.Atoi(e.Name())
		if err != nil || pid <= 0 {
			continue
		}
		if procPpid(pid) != ppid {
			continue
		}
		out = append(out, ChildProcessInfo{PID: pid, PPID: ppid, Name: procComm(pid)})
	}
	return out, nil
}

// findByPatternPs enumerates via gopsutil on systems without /proc (darwin).
func findByPatternPs(ctx context.Context, pattern string) ([]ProcessInfo, error) {
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

func findChildrenPs(ctx context.Context, ppid int) ([]ChildProcessInfo, error) {
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

// readCmdline joins the NUL-separated argv of /proc/[pid]/cmdline.
func readCmdline(pid int) (string, bool) {
	b, err := os.ReadFile("/proc/" + strconv.Itoa(pid) + "/cmdline")
	if err != nil {
		return "", false
	}
	cl := strings.TrimSpace(strings.ReplaceAll(string(bytes.TrimRight(b, "\x00")), "\x00", " "))
	if cl == "" {
		return "", false
	}
	return cl, true
}

func procComm(pid int) string {
	b, err := os.ReadFile("/proc/" + strconv.Itoa(pid) + "/comm")
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(b))
}

func procPpid(pid int) int {
	rest, ok := procStatRest(pid)
	if !ok {
		return -1
	}
	// rest starts at the state field; ppid is the field after it.
	parts := strings.Fields(rest)
	if len(parts) < 2 {
		return -1
	}
	ppid, err := strconv.Atoi(parts[1])
	if err != nil {
		return -1
	}
	return ppid
}

// procStartUnix returns the process start time as Unix seconds using
// platform-native methods. Returns 0 when unavailable or on error.
func procStartUnix(pid int) int64 {
	if pid <= 0 {
		return 0
	}
	if runtime.GOOS != "linux" {
		p, err := gopsproc.NewProcess(int32(pid))
		if err != nil {
			return 0
		}
		ms, err := p.CreateTime()
		if err != nil || ms <= 0 {
			return 0
		}
		return ms / 1000
	}
	rest, ok := procStatRest(pid)
	if !ok {
		return 0
	}
	// starttime is field 22 of /proc/[pid]/stat, in clock ticks since boot;
	// rest starts at field 3 (state).
	parts := strings.Fields(rest)
	if len(parts) < 20 {
		return 0
	}
	startTicks, err := strconv.ParseInt(parts[19], 10, 64)
	if err != nil || startTicks <= 0 {
		return 0
	}
	btime := bootTimeLinux()
	if btime == 0 {
		return 0
	}
	clk, err := sysconf.Sysconf(sysconf.SC_CLK_TCK)
	if err != nil || clk <= 0 {
		clk = 100
	}
	return btime + (startTicks / clk)
}

// procStatRest returns the portion of /proc/[pid]/stat after the comm field,
// which may itself contain spaces and parentheses.
func procStatRest(pid int) (string, bool) {
	b, err := os.ReadFile("/proc/" + strconv.Itoa(pid) + "/stat")
	if err != nil {
		return "", false
	}
	line := string(b)
	end := strings.LastIndex(line, ") ")
	if end == -1 {
		return "", false
	}
	return strings.TrimSpace(line[end+2:]), true
}

func bootTimeLinux() int64 {
	f, err := os.Open("/proc/stat")
	if err != nil {
		return 0
	}
	defer func() { _ = f.Close() }()
	s := bufio.NewScanner(f)
	for s.Scan() {
		text := s.Text()
		if strings.HasPrefix(text, "btime ") {
			v := strings.TrimSpace(strings.TrimPrefix(text, "btime "))
			if bt, err := strconv.ParseInt(v, 10, 64); err == nil {
				return bt
			}
		}
	}
	return 0
}

func isZombieLinux(pid int) bool {
	b, err := os.ReadFile("/proc/" + strconv.Itoa(pid) + "/status")
	if err != nil {
		return false
	}
	return bytes.Contains(b, []byte("State:\tZ"))
}
