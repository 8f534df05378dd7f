// Package command implements the in-process commands behind manage_commands:
// JavaScript sources installed at runtime, stored in bbolt, and executed in
// a sandboxed goja VM with a call_tool binding into the aggregated catalog.
// Installed commands join the registry under the funnel namespace, so they
// ride the same visibility ladder and list-changed plumbing as upstream
// tools.
package command

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/dop251/goja"
	"go.uber.org/zap"

	"github.com/chris-schra/mcp-funnel-sub012/internal/registry"
	"github.com/chris-schra/mcp-funnel-sub012/internal/storage"
)

// Namespace is the reserved upstream id for in-process commands.
const Namespace = "funnel"

// genericSchema is every command's input schema: any object, surfaced to
// the script as the input global.
var genericSchema = json.RawMessage(`{"type":"object","additionalProperties":true}`)

// Store persists installed commands. Satisfied by *storage.BoltDB.
type Store interface {
	SaveCommand(record *storage.CommandRecord) error
	GetCommand(name string) (*storage.CommandRecord, error)
	ListCommands() ([]*storage.CommandRecord, error)
	DeleteCommand(name string) error
}

// Manager owns the installed command set: persistence, registry
// publication, and execution.
type Manager struct {
	logger   *zap.Logger
	store    Store
	registry *registry.Registry
	version  string

	mu     sync.RWMutex
	caller ToolCaller
	cmds   map[string]*storage.CommandRecord
}

// NewManager builds a manager. The registry may be nil for CLI paths that
// only install or list. version is the running funnel version used for the
// min_funnel_version gate.
func NewManager(store Store, reg *registry.Registry, version string, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		logger:   logger.Named("command"),
		store:    store,
		registry: reg,
		version:  version,
		cmds:     make(map[string]*storage.CommandRecord),
	}
}

// SetToolCaller wires the dispatcher command scripts call into. The server
// sets it after construction.
func (m *Manager) SetToolCaller(c ToolCaller) {
	m.mu.Lock()
	m.caller = c
	m.mu.Unlock()
}

// LoadInstalled reads the install store and publishes the compatible
// commands. Records requiring a newer funnel are skipped with a warning,
// not deleted; they come back after an upgrade.
func (m *Manager) LoadInstalled() error {
	records, err := m.store.ListCommands()
	if err != nil {
		return fmt.Errorf("list installed commands: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.cmds = make(map[string]*storage.CommandRecord, len(records))
	for _, rec := range records {
		if err := CheckMinVersion(rec.MinVersion, m.version); err != nil {
			m.logger.Warn("skipping installed command",
				zap.String("command", rec.Name), zap.Error(err))
			continue
		}
		m.cmds[rec.Name] = rec
	}
	if err := m.publishLocked(); err != nil {
		return err
	}
	m.logger.Info("installed commands loaded", zap.Int("count", len(m.cmds)))
	return nil
}

// Install validates the manifest and source, persists the command, and
// publishes it. Installing over an existing name is an update and keeps
// the original install time.
func (m *Manager) Install(source, manifestTOML string) (*storage.CommandRecord, error) {
	manifest, err := ParseManifest(manifestTOML)
	if err != nil {
		return nil, err
	}
	if err := CheckMinVersion(manifest.MinFunnelVersion, m.version); err != nil {
		return nil, err
	}
	if source == "" {
		return nil, fmt.Errorf("command %s: source is required", manifest.Name)
	}
	if _, err := goja.Compile("", source, false); err != nil {
		return nil, fmt.Errorf("command %s: %w", manifest.Name, err)
	}

	record := &storage.CommandRecord{
		Name:         manifest.Name,
		Description:  manifest.Description,
		Source:       source,
		Version:      manifest.Version,
		MinVersion:   manifest.MinFunnelVersion,
		TimeoutMs:    manifest.TimeoutMs,
		MaxToolCalls: manifest.MaxToolCalls,
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if prior, ok := m.cmds[record.Name]; ok {
		record.Installed = prior.Installed
	}
	if err := m.store.SaveCommand(record); err != nil {
		return nil, fmt.Errorf("save command %s: %w", record.Name, err)
	}
	m.cmds[record.Name] = record
	if err := m.publishLocked(); err != nil {
		return nil, err
	}

	m.logger.Info("command installed",
		zap.String("command", record.Name),
		zap.String("version", record.Version))
	return record, nil
}

// Remove uninstalls a command and retracts it from the registry.
func (m *Manager) Remove(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.cmds[name]; !ok {
		return fmt.Errorf("command %q is not installed", name)
	}
	if err := m.store.DeleteCommand(name); err != nil {
		return fmt.Errorf("delete command %s: %w", name, err)
	}
	delete(m.cmds, name)
	if err := m.publishLocked(); err != nil {
		return err
	}
	m.logger.Info("command removed", zap.String("command", name))
	return nil
}

// List returns the loaded commands sorted by name.
func (m *Manager) List() []*storage.CommandRecord {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*storage.CommandRecord, 0, len(m.cmds))
	for _, rec := range m.cmds {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Get returns one loaded command.
func (m *Manager) Get(name string) (*storage.CommandRecord, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.cmds[name]
	return rec, ok
}

// Execute runs an installed command with the manifest's limits.
func (m *Manager) Execute(ctx context.Context, name string, args map[string]interface{}) (*Result, error) {
	m.mu.RLock()
	rec, ok := m.cmds[name]
	caller := m.caller
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("command %q is not installed", name)
	}

	opts := ExecOptions{
		Input:        args,
		Timeout:      time.Duration(rec.TimeoutMs) * time.Millisecond,
		MaxToolCalls: rec.MaxToolCalls,
	}
	return Execute(ctx, caller, rec.Source, opts), nil
}

// Close retracts the command namespace from the registry.
func (m *Manager) Close() {
	if m.registry != nil {
		m.registry.RemoveFromSession(Namespace)
	}
}

// publishLocked replaces the funnel namespace in the registry with the
// current command set. Caller holds mu.
func (m *Manager) publishLocked() error {
	if m.registry == nil {
		return nil
	}
	descs := make([]registry.Descriptor, 0, len(m.cmds))
	for _, rec := range m.cmds {
		descs = append(descs, registry.Descriptor{
			FullName:    registry.FullName(Namespace, rec.Name),
			LocalName:   rec.Name,
			UpstreamID:  Namespace,
			Description: rec.Description,
			InputSchema: genericSchema,
		})
	}
	sort.Slice(descs, func(i, j int) bool { return descs[i].LocalName < descs[j].LocalName })
	if err := m.registry.AddFromSession(Namespace, descs); err != nil {
		return fmt.Errorf("publish commands: %w", err)
	}
	return nil
}
