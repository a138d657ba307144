// Package registry persists which child processes belong to which run of
// the host application. Every launch mints a fresh instance ID while keeping
// the previous run's entries on disk, so survivors of a crash or forced kill
// are recognizable as orphans by their instance ID mismatch.
package registry

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
)

const registryVersion = 1

// Kind classifies a managed child process.
type Kind string

const (
	KindSession    Kind = "session"
	KindTunnel     Kind = "tunnel"
	KindRouter     Kind = "router"
	KindHTTPServer Kind = "http-server"
)

// Kinds lists every managed process kind.
func Kinds() []Kind {
	return []Kind{KindSession, KindTunnel, KindRouter, KindHTTPServer}
}

// ProcessEntry records one managed child process. PID 0 means no OS process
// was recorded for the entry.
type ProcessEntry struct {
	ID            string    `json:"id"`
	Kind          Kind      `json:"type"`
	PID           int       `json:"pid"`
	InstanceID    string    `json:"instanceId"`
	StartedAt     time.Time `json:"startedAt"`
	LastHeartbeat time.Time `json:"lastHeartbeat"`
}

// registryFile is the persisted root document.
type registryFile struct {
	Version            int            `json:"version"`
	InstanceID         string         `json:"instanceId"`
	PreviousInstanceID string         `json:"previousInstanceId"`
	StartedAt          time.Time      `json:"startedAt"`
	LastCleanExit      bool           `json:"lastCleanExit"`
	Processes          []ProcessEntry `json:"processes"`
}

// Stats summarizes registry contents for diagnostics.
type Stats struct {
	TotalProcesses   int `json:"totalProcesses"`
	CurrentProcesses int `json:"currentProcesses"`
	OrphanProcesses  int `json:"orphanProcesses"`
}

// Registry is the durable, single-writer process registry. All mutations
// hold the registry mutex across mutate+persist so the in-memory cache and
// the on-disk document cannot diverge. I/O failures are logged and otherwise
// swallowed; a broken disk must never take the health subsystem down.
type Registry struct {
	path   string
	logger *slog.Logger

	mu   sync.Mutex
	file registryFile
}

// New returns a registry backed by the JSON document at path. Nothing is
// read or written until MarkInstanceStart.
func New(path string, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{path: path, logger: logger}
}

// Path returns the backing file location.
func (r *Registry) Path() string { return r.path }

// MarkInstanceStart begins a new app run: it reads any previous registry,
// mints a fresh instance ID and rewrites the document keeping all prior
// process entries, whose instance IDs now differ from the current one and
// thereby mark them as orphans. It must run before any Register call.
// A missing or unreadable previous file means no previous state.
func (r *Registry) MarkInstanceStart() string {
	r.mu.Lock()
	defer r.mu.Unlock()

	prev, err := readFile(r.path)
	if err != nil {
		r.logger.Warn("registry unreadable, starting fresh", "path", r.path, "error", err)
		prev = registryFile{}
	}

	id := uuid.NewString()
	r.file = registryFile{
		Version:            registryVersion,
		InstanceID:         id,
		PreviousInstanceID: prev.InstanceID,
		StartedAt:          time.Now(),
		LastCleanExit:      false,
		Processes:          prev.Processes,
	}
	if r.file.Processes == nil {
		r.file.Processes = []ProcessEntry{}
	}
	r.persistLocked()
	return id
}

// InstanceID returns the instance ID minted by MarkInstanceStart, or ""
// before it ran.
func (r *Registry) InstanceID() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.file.InstanceID
}

// Register records a child process under the current instance. An existing
// entry with the same id and kind is updated in place.
func (r *Registry) Register(id string, kind Kind, pid int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	for i := range r.file.Processes {
		e := &r.file.Processes[i]
		if e.ID == id && e.Kind == kind {
			e.PID = pid
			e.InstanceID = r.file.InstanceID
			e.StartedAt = now
			e.LastHeartbeat = now
			r.persistLocked()
			return
		}
	}
	r.file.Processes = append(r.file.Processes, ProcessEntry{
		ID:            id,
		Kind:          kind,
		PID:           pid,
		InstanceID:    r.file.InstanceID,
		StartedAt:     now,
		LastHeartbeat: now,
	})
	r.persistLocked()
}

// Unregister removes the entry with the given id and kind, if present.
func (r *Registry) Unregister(id string, kind Kind) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i := range r.file.Processes {
		e := r.file.Processes[i]
		if e.ID == id && e.Kind == kind {
			r.file.Processes = append(r.file.Processes[:i], r.file.Processes[i+1:]...)
			r.persistLocked()
			return
		}
	}
}

// UpdateHeartbeat touches the entry's heartbeat timestamp.
func (r *Registry) UpdateHeartbeat(id string, kind Kind) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i := range r.file.Processes {
		e := &r.file.Processes[i]
		if e.ID == id && e.Kind == kind {
			e.LastHeartbeat = time.Now()
			r.persistLocked()
			return
		}
	}
}

// CurrentProcesses returns a copy of the entries registered by the current
// instance.
func (r *Registry) CurrentProcesses() []ProcessEntry {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]ProcessEntry, 0, len(r.file.Processes))
	for _, e := range r.file.Processes {
		if e.InstanceID == r.file.InstanceID {
			out = append(out, e)
		}
	}
	return out
}

// OrphanProcesses returns a copy of the entries whose instance ID differs
// from the current one, i.e. leftovers of previous runs.
func (r *Registry) OrphanProcesses() []ProcessEntry {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]ProcessEntry, 0)
	for _, e := range r.file.Processes {
		if e.InstanceID != r.file.InstanceID {
			out = append(out, e)
		}
	}
	return out
}

// DropEntry removes the entry matching id, kind and instanceID exactly.
// The guardian uses it to retire orphan entries it has terminated without
// touching a same-named entry the current instance may have re-registered.
func (r *Registry) DropEntry(id string, kind Kind, instanceID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i := range r.file.Processes {
		e := r.file.Processes[i]
		if e.ID == id && e.Kind == kind && e.InstanceID == instanceID {
			r.file.Processes = append(r.file.Processes[:i], r.file.Processes[i+1:]...)
			r.persistLocked()
			return
		}
	}
}

// ClearOrphanEntries drops every entry not owned by the current instance,
// once the guardian has dealt with the underlying processes.
func (r *Registry) ClearOrphanEntries() {
	r.mu.Lock()
	defer r.mu.Unlock()

	kept := r.file.Processes[:0]
	for _, e := range r.file.Processes {
		if e.InstanceID == r.file.InstanceID {
			kept = append(kept, e)
		}
	}
	r.file.Processes = kept
	r.persistLocked()
}

// MarkCleanExit flags the current run as having shut down in an orderly
// fashion. The next launch reads the flag via WasLastExitClean.
func (r *Registry) MarkCleanExit() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.file.LastCleanExit = true
	r.persistLocked()
}

// WasLastExitClean reports whether the previous run exited cleanly. It reads
// the on-disk document directly, so it must be called before any mutating
// call of the current run overwrites the flag, MarkInstanceStart included.
func (r *Registry) WasLastExitClean() bool {
	f, err := readFile(r.path)
	if err != nil {
		return false
	}
	return f.LastCleanExit
}

// Stats summarizes the registry for the diagnostics surface.
func (r *Registry) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()

	s := Stats{TotalProcesses: len(r.file.Processes)}
	for _, e := range r.file.Processes {
		if e.InstanceID == r.file.InstanceID {
			s.CurrentProcesses++
		} else {
			s.OrphanProcesses++
		}
	}
	return s
}

func readFile(path string) (registryFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return registryFile{}, nil
		}
		return registryFile{}, err
	}
	var f registryFile
	if err := json.Unmarshal(data, &f); err != nil {
		return registryFile{}, fmt.Errorf("parse registry: %w", err)
	}
	if f.Version != registryVersion {
		return registryFile{}, fmt.Errorf("unsupported registry version %d", f.Version)
	}
	return f, nil
}

// persistLocked writes the document via a temp file and rename so readers
// never observe a torn write. Callers hold r.mu.
func (r *Registry) persistLocked() {
	data, err := json.MarshalIndent(r.file, "", "  ")
	if err != nil {
		r.logger.Warn("marshal registry", "error", err)
		return
	}
	if dir := filepath.Dir(r.path); dir != "" {
		_ = os.MkdirAll(dir, 0o750)
	}
	tmp := r.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		r.logger.Warn("write registry temp file", "path", tmp, "error", err)
		return
	}
	if err := os.Rename(tmp, r.path); err != nil {
		_ = os.Remove(tmp)
		r.logger.Warn("rename registry file", "path", r.path, "error", err)
	}
}
