package probe

import (
	"context"
	"fmt"

	"github.com/shirou/gopsutil/v4/disk"
)

// Free-space thresholds for the data directory volume.
const (
	DiskCriticalBytes = 100 * 1024 * 1024 // below this the app cannot operate
	DiskLowBytes      = 500 * 1024 * 1024 // below this we warn
)

// DiskProbe checks free space on the volume holding the data directory.
// Unreadable disk stats fail open: the probe reports healthy with a warning
// rather than guessing at a full disk.
type DiskProbe struct {
	Path string
}

func (p DiskProbe) Name() string { return "disk" }

func (p DiskProbe) Check(ctx context.Context) Result {
	usage, err := disk.UsageWithContext(ctx, p.Path)
	if err != nil {
		return newResult(p.Name(), true, SeverityWarning, "disk stats unavailable: "+err.Error(), nil)
	}
	return p.classify(usage.Free, usage.Total)
}

func (p DiskProbe) classify(free, total uint64) Result {
	data := map[string]any{
		"freeBytes":  free,
		"totalBytes": total,
	}
	switch {
	case free < DiskCriticalBytes:
		return newResult(p.Name(), false, SeverityCritical,
			fmt.Sprintf("critically low disk space: %s free", formatBytes(free)), data)
	case free < DiskLowBytes:
		return newResult(p.Name(), true, SeverityWarning,
			fmt.Sprintf("low disk space: %s free", formatBytes(free)), data)
	default:
		return newResult(p.Name(), true, SeverityInfo,
			fmt.Sprintf("%s free", formatBytes(free)), data)
	}
}

func formatBytes(n uint64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%dB", n)
	}
	div, exp := uint64(unit), 0
	for v := n / unit; v >= unit; v /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f%cB", float64(n)/float64(div), "KMGTPE"[exp])
}
