package bundle

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"

	"github.com/michaeljabbour/amplifier-web/internal/engine"
)

func writeManifest(t *testing.T, dir, name, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func newTestManager(t *testing.T, dir string) *Manager {
	t.Helper()
	m := NewManager(dir, engine.EchoFactory{}, nil)
	if err := m.LoadAll(); err != nil {
		t.Fatal(err)
	}
	return m
}

const coderManifest = `
name: coder
description: a coding bundle
instruction: "You write code."
config:
  provider: anthropic
  model: haiku
tools:
  - module: bash
  - module: write_file
    config:
      max_bytes: 65536
hooks:
  - module: audit
agents:
  researcher:
    instruction: "You research."
`

func TestLoadAllCatalog(t *testing.T) {
	dir := t.TempDir()
	writeManifest(t, dir, "coder.yaml", coderManifest)
	writeManifest(t, dir, "notes.txt", "not a manifest")

	m := newTestManager(t, dir)
	if got := m.List(); len(got) != 1 || got[0] != "coder" {
		t.Fatalf("catalog = %v", got)
	}
	manifest, ok := m.Get("coder")
	if !ok {
		t.Fatal("coder not found")
	}
	if manifest.Instruction != "You write code." {
		t.Errorf("instruction = %q", manifest.Instruction)
	}
	if len(manifest.Tools) != 2 || manifest.Tools[1].Module != "write_file" {
		t.Errorf("tools = %v", manifest.Tools)
	}
	if _, ok := manifest.Agents["researcher"]; !ok {
		t.Error("agent lost in decode")
	}
}

func TestLoadAllSkipsInvalidManifests(t *testing.T) {
	dir := t.TempDir()
	writeManifest(t, dir, "good.yaml", "name: good\n")
	writeManifest(t, dir, "noname.yaml", "description: nameless\n")
	writeManifest(t, dir, "badtool.yaml", "name: badtool\ntools:\n  - config: {}\n")
	writeManifest(t, dir, "badagent.yaml", "name: badagent\nagents:\n  helper:\n    config: {}\n")

	m := newTestManager(t, dir)
	if got := m.List(); len(got) != 1 || got[0] != "good" {
		t.Fatalf("catalog = %v, want only good", got)
	}
}

func TestLoadAllMissingDir(t *testing.T) {
	m := NewManager(filepath.Join(t.TempDir(), "absent"), engine.EchoFactory{}, nil)
	if err := m.LoadAll(); err != nil {
		t.Fatal(err)
	}
	if len(m.List()) != 0 {
		t.Error("missing dir produced a catalog")
	}
}

func TestPrepareComposesBehaviors(t *testing.T) {
	dir := t.TempDir()
	writeManifest(t, dir, "coder.yaml", coderManifest)
	writeManifest(t, dir, "verbose.yaml", `
name: verbose
overlay: true
instruction: "Be verbose."
config:
  model: opus
tools:
  - module: write_file
    config:
      max_bytes: 1024
  - module: search
`)

	m := newTestManager(t, dir)
	p, err := m.Prepare("coder", []string{"verbose"})
	if err != nil {
		t.Fatal(err)
	}
	if p.Config["model"] != "opus" {
		t.Errorf("overlay config did not win: %v", p.Config["model"])
	}
	if p.Config["provider"] != "anthropic" {
		t.Errorf("base config lost: %v", p.Config["provider"])
	}
	if p.Instruction != "You write code.\n\nBe verbose." {
		t.Errorf("instruction = %q", p.Instruction)
	}

	names := p.ToolNames()
	want := []string{"bash", "write_file", "search"}
	if !reflect.DeepEqual(names, want) {
		t.Errorf("tools = %v, want %v", names, want)
	}
	for _, tool := range p.Tools {
		if tool.Module == "write_file" && tool.Config["max_bytes"] != 1024 {
			t.Errorf("write_file config not replaced: %v", tool.Config)
		}
	}
}

func TestPrepareRejectsOverlayAsBase(t *testing.T) {
	dir := t.TempDir()
	writeManifest(t, dir, "base.yaml", "name: base\n")
	writeManifest(t, dir, "verbose.yaml", "name: verbose\noverlay: true\n")
	m := newTestManager(t, dir)

	if _, err := m.Prepare("verbose", nil); err == nil {
		t.Error("overlay accepted as base bundle")
	}
	if _, err := m.Prepare("missing", nil); err == nil {
		t.Error("unknown bundle accepted")
	}
	if _, err := m.Prepare("base", []string{"ghost"}); err == nil {
		t.Error("unknown behavior accepted")
	}
}

func TestMergeConfigsDeepMerge(t *testing.T) {
	base := map[string]any{
		"provider": "anthropic",
		"limits":   map[string]any{"tokens": 1000, "requests": 5},
	}
	overlay := map[string]any{
		"limits": map[string]any{"tokens": 2000},
		"debug":  true,
	}
	out := MergeConfigs(base, overlay)

	limits := out["limits"].(map[string]any)
	if limits["tokens"] != 2000 || limits["requests"] != 5 {
		t.Errorf("nested merge wrong: %v", limits)
	}
	if out["provider"] != "anthropic" || out["debug"] != true {
		t.Errorf("merge wrong: %v", out)
	}
	// Inputs must not be mutated.
	if base["limits"].(map[string]any)["tokens"] != 1000 {
		t.Error("base mutated")
	}
	if _, ok := base["debug"]; ok {
		t.Error("base gained overlay key")
	}
}

func TestFilterModules(t *testing.T) {
	mods := []ModuleRef{{Module: "bash"}, {Module: "write_file"}, {Module: "search"}}

	tests := []struct {
		name    string
		inherit []string
		exclude []string
		want    []string
	}{
		{"nil inherit keeps all", nil, nil, []string{"bash", "write_file", "search"}},
		{"empty inherit keeps none", []string{}, nil, nil},
		{"inherit subset", []string{"bash", "search"}, nil, []string{"bash", "search"}},
		{"exclude removes", nil, []string{"write_file"}, []string{"bash", "search"}},
		{"exclude beats inherit", []string{"bash"}, []string{"bash"}, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := FilterModules(mods, tt.inherit, tt.exclude)
			var names []string
			for _, mod := range got {
				names = append(names, mod.Module)
			}
			if !reflect.DeepEqual(names, tt.want) {
				t.Errorf("got %v, want %v", names, tt.want)
			}
		})
	}
}

func TestDebugInfoMasksSecrets(t *testing.T) {
	dir := t.TempDir()
	writeManifest(t, dir, "coder.yaml", `
name: coder
config:
  api_key: sk-super-secret
  nested:
    password: hunter2
  model: haiku
`)
	m := newTestManager(t, dir)
	p, err := m.Prepare("coder", nil)
	if err != nil {
		t.Fatal(err)
	}
	info := p.DebugInfo()
	cfg := info["config"].(map[string]any)
	if cfg["api_key"] != "[REDACTED]" {
		t.Errorf("api_key = %v", cfg["api_key"])
	}
	if cfg["nested"].(map[string]any)["password"] != "[REDACTED]" {
		t.Errorf("nested password leaked")
	}
	if cfg["model"] != "haiku" {
		t.Errorf("non-secret masked: %v", cfg["model"])
	}
}

func TestValidateManifestDirect(t *testing.T) {
	if err := ValidateManifest([]byte("name: ok\n")); err != nil {
		t.Errorf("minimal manifest rejected: %v", err)
	}
	if err := ValidateManifest([]byte("name: ''\n")); err == nil {
		t.Error("empty name accepted")
	}
	if err := ValidateManifest([]byte("name: 42\n")); err == nil {
		t.Error("numeric name accepted")
	}
}
