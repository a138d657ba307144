package probe

import (
	"context"
	"fmt"

	"github.com/haloapp/sentinel/internal/guardian"
	"github.com/haloapp/sentinel/internal/registry"
)

// OrphanCleaner is the guardian capability the process probe triggers.
type OrphanCleaner interface {
	CleanupOrphans(ctx context.Context) guardian.Report
}

// ProcessProbe snapshots the registry's orphan state and, unlike the other
// probes, remediates as a side effect: any orphans found are handed to the
// cleaner, and the result reports the before/after counts.
type ProcessProbe struct {
	Registry *registry.Registry
	Cleaner  OrphanCleaner
}

func (p ProcessProbe) Name() string { return "process" }

func (p ProcessProbe) Check(ctx context.Context) Result {
	current := len(p.Registry.CurrentProcesses())
	before := len(p.Registry.OrphanProcesses())
	if before == 0 {
		return newResult(p.Name(), true, SeverityInfo, "no orphaned processes",
			map[string]any{"orphansBefore": 0, "orphansAfter": 0, "current": current})
	}

	rep := p.Cleaner.CleanupOrphans(ctx)
	after := len(p.Registry.OrphanProcesses())
	data := map[string]any{
		"orphansBefore": before,
		"orphansAfter":  after,
		"cleaned":       rep.Cleaned,
		"failed":        rep.Failed,
		"current":       current,
	}
	if rep.Failed > 0 {
		return newResult(p.Name(), false, SeverityCritical,
			fmt.Sprintf("%d orphaned processes could not be cleaned", rep.Failed), data)
	}
	return newResult(p.Name(), true, SeverityWarning,
		fmt.Sprintf("cleaned %d orphaned processes", rep.Cleaned), data)
}
