package main

import (
	"strings"
	"testing"
)

func TestBuildRootSubcommands(t *testing.T) {
	root := buildRoot()
	if root.Use != "sentinel" {
		t.Fatalf("expected root use sentinel, got %s", root.Use)
	}

	want := []string{"serve", "check", "status", "events", "cleanup", "version"}
	for _, name := range want {
		found := false
		for _, c := range root.Commands() {
			if c.Name() == name {
				found = true
				break
			}
		}
		if !found {
			t.Errorf("missing subcommand %s", name)
		}
	}
}

func TestRootHelp(t *testing.T) {
	root := buildRoot()
	var out strings.Builder
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs([]string{"--help"})
	if err := root.Execute(); err != nil {
		t.Fatalf("help: %v", err)
	}
	for _, want := range []string{"sentinel", "serve", "check", "cleanup"} {
		if !strings.Contains(out.String(), want) {
			t.Errorf("help output missing %q", want)
		}
	}
}

func TestCheckCommandHasRemoteFlag(t *testing.T) {
	root := buildRoot()
	check, _, err := root.Find([]string{"check"})
	if err != nil {
		t.Fatalf("find check: %v", err)
	}
	for _, name := range []string{"remote", "api-url", "api-timeout"} {
		if check.Flags().Lookup(name) == nil {
			t.Errorf("check command missing --%s flag", name)
		}
	}
}
