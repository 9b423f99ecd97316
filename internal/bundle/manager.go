// Package bundle manages the catalog of agent bundles: yaml manifests loaded
// from the bundles directory, validated against a schema, composed with
// behavior overlays, and turned into prepared configurations for the engine.
package bundle

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/michaeljabbour/amplifier-web/internal/engine"
	"github.com/michaeljabbour/amplifier-web/internal/shared"
)

// ModuleRef names one module (tool, hook, provider) with its config.
type ModuleRef struct {
	Module string         `yaml:"module" json:"module"`
	Config map[string]any `yaml:"config,omitempty" json:"config,omitempty"`
}

// AgentSpec describes a named sub-agent within a bundle.
type AgentSpec struct {
	Instruction string         `yaml:"instruction" json:"instruction"`
	Config      map[string]any `yaml:"config,omitempty" json:"config,omitempty"`
}

// Manifest is one bundle file. Behaviors are manifests with Overlay set; they
// cannot start sessions on their own.
type Manifest struct {
	Name        string               `yaml:"name" json:"name"`
	Description string               `yaml:"description,omitempty" json:"description,omitempty"`
	Version     string               `yaml:"version,omitempty" json:"version,omitempty"`
	Overlay     bool                 `yaml:"overlay,omitempty" json:"overlay,omitempty"`
	Instruction string               `yaml:"instruction,omitempty" json:"instruction,omitempty"`
	Config      map[string]any       `yaml:"config,omitempty" json:"config,omitempty"`
	Tools       []ModuleRef          `yaml:"tools,omitempty" json:"tools,omitempty"`
	Hooks       []ModuleRef          `yaml:"hooks,omitempty" json:"hooks,omitempty"`
	Providers   []ModuleRef          `yaml:"providers,omitempty" json:"providers,omitempty"`
	Agents      map[string]AgentSpec `yaml:"agents,omitempty" json:"agents,omitempty"`
}

// Manager holds the loaded catalog.
type Manager struct {
	dir     string
	factory engine.Factory
	logger  *slog.Logger

	mu      sync.RWMutex
	catalog map[string]Manifest
}

func NewManager(dir string, factory engine.Factory, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{dir: dir, factory: factory, logger: logger, catalog: make(map[string]Manifest)}
}

// LoadAll replaces the catalog with the manifests found in the bundle
// directory. Invalid manifests are logged and skipped; a missing directory is
// an empty catalog, not an error.
func (m *Manager) LoadAll() error {
	entries, err := os.ReadDir(m.dir)
	if err != nil {
		if os.IsNotExist(err) {
			m.mu.Lock()
			m.catalog = make(map[string]Manifest)
			m.mu.Unlock()
			return nil
		}
		return fmt.Errorf("read bundle dir: %w", err)
	}

	catalog := make(map[string]Manifest)
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := filepath.Ext(entry.Name())
		if ext != ".yaml" && ext != ".yml" {
			continue
		}
		path := filepath.Join(m.dir, entry.Name())
		manifest, err := loadManifest(path)
		if err != nil {
			m.logger.Warn("bundle manifest rejected", "path", path, "error", err)
			continue
		}
		if _, dup := catalog[manifest.Name]; dup {
			m.logger.Warn("duplicate bundle name", "name", manifest.Name, "path", path)
			continue
		}
		catalog[manifest.Name] = manifest
	}

	m.mu.Lock()
	m.catalog = catalog
	m.mu.Unlock()
	m.logger.Info("bundle catalog loaded", "dir", m.dir, "count", len(catalog))
	return nil
}

func loadManifest(path string) (Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Manifest{}, fmt.Errorf("read manifest: %w", err)
	}
	if err := ValidateManifest(data); err != nil {
		return Manifest{}, err
	}
	var manifest Manifest
	if err := yaml.Unmarshal(data, &manifest); err != nil {
		return Manifest{}, fmt.Errorf("parse manifest: %w", err)
	}
	if strings.TrimSpace(manifest.Name) == "" {
		return Manifest{}, fmt.Errorf("manifest %s has no name", path)
	}
	return manifest, nil
}

// Get returns a manifest by name.
func (m *Manager) Get(name string) (Manifest, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	manifest, ok := m.catalog[name]
	return manifest, ok
}

// List returns the catalog names, bundles before overlays, sorted.
func (m *Manager) List() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.catalog))
	for name := range m.catalog {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Prepared is a bundle composed with its behavior overlays, ready to create
// engine sessions.
type Prepared struct {
	Bundle      string
	Behaviors   []string
	Instruction string
	Config      map[string]any
	Tools       []ModuleRef
	Hooks       []ModuleRef
	Providers   []ModuleRef
	Agents      map[string]AgentSpec

	factory engine.Factory
}

// Prepare composes the named bundle with behavior overlays.
func (m *Manager) Prepare(name string, behaviors []string) (*Prepared, error) {
	base, ok := m.Get(name)
	if !ok {
		return nil, fmt.Errorf("unknown bundle %q", name)
	}
	if base.Overlay {
		return nil, fmt.Errorf("bundle %q is an overlay and cannot start sessions", name)
	}

	p := &Prepared{
		Bundle:      base.Name,
		Behaviors:   behaviors,
		Instruction: base.Instruction,
		Config:      MergeConfigs(nil, base.Config),
		Tools:       append([]ModuleRef(nil), base.Tools...),
		Hooks:       append([]ModuleRef(nil), base.Hooks...),
		Providers:   append([]ModuleRef(nil), base.Providers...),
		Agents:      make(map[string]AgentSpec, len(base.Agents)),
		factory:     m.factory,
	}
	for k, v := range base.Agents {
		p.Agents[k] = v
	}

	for _, behavior := range behaviors {
		overlay, ok := m.Get(behavior)
		if !ok {
			return nil, fmt.Errorf("unknown behavior %q", behavior)
		}
		p.Config = MergeConfigs(p.Config, overlay.Config)
		p.Tools = mergeModules(p.Tools, overlay.Tools)
		p.Hooks = mergeModules(p.Hooks, overlay.Hooks)
		p.Providers = mergeModules(p.Providers, overlay.Providers)
		if overlay.Instruction != "" {
			p.Instruction = p.Instruction + "\n\n" + overlay.Instruction
		}
		for k, v := range overlay.Agents {
			p.Agents[k] = v
		}
	}
	return p, nil
}

// Derive builds a sub-agent variant of a prepared bundle: its own instruction
// and config with a filtered module set, sharing the providers, agents, and
// factory of the parent.
func (p *Prepared) Derive(instruction string, config map[string]any, tools, hooks []ModuleRef) *Prepared {
	return &Prepared{
		Bundle:      p.Bundle,
		Behaviors:   p.Behaviors,
		Instruction: instruction,
		Config:      config,
		Tools:       tools,
		Hooks:       hooks,
		Providers:   p.Providers,
		Agents:      p.Agents,
		factory:     p.factory,
	}
}

// CreateSession builds an engine session from the prepared configuration.
// Caller-set fields on opts win; empty ones fill from the bundle.
func (p *Prepared) CreateSession(ctx context.Context, opts engine.SessionOptions) (engine.Session, error) {
	if opts.SystemInstruction == "" {
		opts.SystemInstruction = p.Instruction
	}
	if opts.Config == nil {
		opts.Config = p.EngineConfig()
	}
	return p.factory.CreateSession(ctx, opts)
}

// EngineConfig renders the prepared bundle as the engine's config document.
func (p *Prepared) EngineConfig() map[string]any {
	return map[string]any{
		"config":    MergeConfigs(nil, p.Config),
		"tools":     modulesToMaps(p.Tools),
		"hooks":     modulesToMaps(p.Hooks),
		"providers": modulesToMaps(p.Providers),
	}
}

// DebugInfo summarizes the prepared bundle for the client, with secret-shaped
// config values masked.
func (p *Prepared) DebugInfo() map[string]any {
	return map[string]any{
		"bundle":    p.Bundle,
		"behaviors": p.Behaviors,
		"config":    maskSecrets(p.Config),
		"tools":     moduleNames(p.Tools),
		"hooks":     moduleNames(p.Hooks),
		"providers": moduleNames(p.Providers),
		"agents":    agentNames(p.Agents),
	}
}

// ToolNames lists the prepared tool modules.
func (p *Prepared) ToolNames() []string { return moduleNames(p.Tools) }

// MergeConfigs deep-merges overlay onto base. Nested maps merge recursively;
// any other overlay value wins. Neither input is mutated.
func MergeConfigs(base, overlay map[string]any) map[string]any {
	out := make(map[string]any, len(base)+len(overlay))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range overlay {
		if overlayMap, ok := v.(map[string]any); ok {
			if baseMap, ok := out[k].(map[string]any); ok {
				out[k] = MergeConfigs(baseMap, overlayMap)
				continue
			}
		}
		out[k] = v
	}
	return out
}

// FilterModules applies inherit/exclude filtering: a nil inherit list keeps
// everything, otherwise only listed modules survive; excludes always remove.
func FilterModules(mods []ModuleRef, inherit, exclude []string) []ModuleRef {
	var inheritSet map[string]struct{}
	if inherit != nil {
		inheritSet = make(map[string]struct{}, len(inherit))
		for _, name := range inherit {
			inheritSet[name] = struct{}{}
		}
	}
	excludeSet := make(map[string]struct{}, len(exclude))
	for _, name := range exclude {
		excludeSet[name] = struct{}{}
	}

	var out []ModuleRef
	for _, mod := range mods {
		if inheritSet != nil {
			if _, keep := inheritSet[mod.Module]; !keep {
				continue
			}
		}
		if _, drop := excludeSet[mod.Module]; drop {
			continue
		}
		out = append(out, mod)
	}
	return out
}

// mergeModules replaces by module name, appending new modules in order.
func mergeModules(base, overlay []ModuleRef) []ModuleRef {
	out := append([]ModuleRef(nil), base...)
	for _, mod := range overlay {
		replaced := false
		for i, existing := range out {
			if existing.Module == mod.Module {
				out[i] = mod
				replaced = true
				break
			}
		}
		if !replaced {
			out = append(out, mod)
		}
	}
	return out
}

func modulesToMaps(mods []ModuleRef) []map[string]any {
	out := make([]map[string]any, 0, len(mods))
	for _, mod := range mods {
		entry := map[string]any{"module": mod.Module}
		if len(mod.Config) > 0 {
			entry["config"] = MergeConfigs(nil, mod.Config)
		}
		out = append(out, entry)
	}
	return out
}

func moduleNames(mods []ModuleRef) []string {
	out := make([]string, 0, len(mods))
	for _, mod := range mods {
		out = append(out, mod.Module)
	}
	return out
}

func agentNames(agents map[string]AgentSpec) []string {
	out := make([]string, 0, len(agents))
	for name := range agents {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func maskSecrets(config map[string]any) map[string]any {
	out := make(map[string]any, len(config))
	for k, v := range config {
		if shared.IsSensitiveKey(k) {
			out[k] = "[REDACTED]"
			continue
		}
		if nested, ok := v.(map[string]any); ok {
			out[k] = maskSecrets(nested)
			continue
		}
		out[k] = v
	}
	return out
}
