// Package recovery maps sustained failure signals to one of four escalating
// remediation strategies and executes them under consent gates, a cooldown
// window and an attempt cap.
package recovery

import "strings"

// StrategyID identifies one rung of the escalation ladder.
type StrategyID string

const (
	StrategyRestartProcess StrategyID = "S1"
	StrategyResetEngine    StrategyID = "S2"
	StrategyRestartApp     StrategyID = "S3"
	StrategyFactoryReset   StrategyID = "S4"
)

// Strategy is one entry in the immutable escalation catalog.
type Strategy struct {
	ID              StrategyID `json:"id"`
	Name            string     `json:"name"`
	Description     string     `json:"description"`
	Trigger         string     `json:"trigger"`
	Actions         []string   `json:"actions"`
	RequiresConsent bool       `json:"requiresConsent"`
}

var catalog = []Strategy{
	{
		ID:          StrategyRestartProcess,
		Name:        "Restart Process",
		Description: "Drop the dead process entry so its owner recreates it on next use.",
		Trigger:     "a single managed process found dead",
		Actions:     []string{"unregister entry", "emit recovery event"},
	},
	{
		ID:          StrategyResetEngine,
		Name:        "Reset Agent Engine",
		Description: "Tear down all agent sessions and sweep orphaned processes.",
		Trigger:     "repeated agent errors",
		Actions:     []string{"tear down sessions", "clean orphans", "clear agent error counters"},
	},
	{
		ID:              StrategyRestartApp,
		Name:            "Restart App",
		Description:     "Exit cleanly and relaunch the app.",
		Trigger:         "sustained errors from any source",
		Actions:         []string{"mark clean exit", "tear down sessions", "clear orphan entries", "relaunch"},
		RequiresConsent: true,
	},
	{
		ID:              StrategyFactoryReset,
		Name:            "Factory Reset",
		Description:     "Relaunch with caches cleared; settings revert to defaults on next boot.",
		Trigger:         "manual only",
		Actions:         []string{"tear down sessions", "clear orphan entries", "clear caches", "mark clean exit", "relaunch"},
		RequiresConsent: true,
	},
}

// Catalog returns a copy of the strategies in escalation order.
func Catalog() []Strategy {
	out := make([]Strategy, len(catalog))
	copy(out, catalog)
	return out
}

// StrategyByID looks a strategy up in the catalog.
func StrategyByID(id StrategyID) (Strategy, bool) {
	for _, s := range catalog {
		if s.ID == id {
			return s, true
		}
	}
	return Strategy{}, false
}

// IsAgentSource reports whether an error source names agent or session scope
// ("agent:conv1", "session:default").
func IsAgentSource(source string) bool {
	scope, _, _ := strings.Cut(source, ":")
	return scope == "agent" || scope == "session"
}

// Select returns the automatic escalation for a consecutive-error count
// from source. Below the thresholds nothing is selected; a single dead
// process is handled by an explicit restart, not by selection.
func (p Policy) Select(source string, count int) (Strategy, bool) {
	switch {
	case count >= p.AppRestartThreshold:
		return mustStrategy(StrategyRestartApp), true
	case count >= p.EngineResetThreshold && IsAgentSource(source):
		return mustStrategy(StrategyResetEngine), true
	}
	return Strategy{}, false
}

func mustStrategy(id StrategyID) Strategy {
	s, _ := StrategyByID(id)
	return s
}
