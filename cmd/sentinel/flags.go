package main

import "time"

// Flag structs to decouple cobra from logic for testing.

// GlobalFlags holds persistent flags shared by every command.
type GlobalFlags struct {
	ConfigPath string
}

// ServeFlags holds flags for the serve command.
type ServeFlags struct {
	ConfigPath string
	Daemonize  bool
	LogFile    string
}

// CheckFlags holds flags for the check command.
type CheckFlags struct {
	ConfigPath string
	Remote     bool
	APIUrl     string
	APITimeout time.Duration
}

// StatusFlags holds flags for the status command.
type StatusFlags struct {
	ConfigPath string
	APIUrl     string
	APITimeout time.Duration
}

// EventsFlags holds flags for the events command.
type EventsFlags struct {
	ConfigPath string
	APIUrl     string
	APITimeout time.Duration
}

// CleanupFlags holds flags for the cleanup command.
type CleanupFlags struct {
	ConfigPath string
	APIUrl     string
	APITimeout time.Duration
}
