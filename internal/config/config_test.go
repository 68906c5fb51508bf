package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatalf("MkdirAll() error = %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
}

func TestLoad_DefaultWhenMissing(t *testing.T) {
	tmpDir := t.TempDir()

	cfg, err := Load(tmpDir)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	def := DefaultConfig()
	if cfg.MaxFragments != def.MaxFragments {
		t.Fatalf("MaxFragments = %d, want %d", cfg.MaxFragments, def.MaxFragments)
	}
	if cfg.Quiescence() != 3*time.Second {
		t.Fatalf("Quiescence() = %v, want 3s", cfg.Quiescence())
	}
	if !cfg.PrefixRecoveryEnabled() {
		t.Fatal("PrefixRecoveryEnabled() = false, want true by default")
	}
}

func TestLoad_OverridesFromFile(t *testing.T) {
	tmpDir := t.TempDir()
	writeFile(t, filepath.Join(tmpDir, "config.json"), `{"max_fragments": 50, "quiescence_ms": 250, "prefix_recovery": false}`)

	cfg, err := Load(tmpDir)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.MaxFragments != 50 {
		t.Fatalf("MaxFragments = %d, want 50", cfg.MaxFragments)
	}
	if cfg.Quiescence() != 250*time.Millisecond {
		t.Fatalf("Quiescence() = %v, want 250ms", cfg.Quiescence())
	}
	if cfg.PrefixRecoveryEnabled() {
		t.Fatal("PrefixRecoveryEnabled() = true, want false")
	}
	if cfg.MaxFragmentBytes != DefaultConfig().MaxFragmentBytes {
		t.Fatalf("MaxFragmentBytes = %d, want default", cfg.MaxFragmentBytes)
	}
}

func TestLoad_YAML(t *testing.T) {
	tmpDir := t.TempDir()
	writeFile(t, filepath.Join(tmpDir, "config.yaml"), "max_fragments: 64\njournal: sqlite\nboolean_attributes:\n  - grounded\n  - bonded\n")

	cfg, err := Load(tmpDir)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.MaxFragments != 64 {
		t.Errorf("MaxFragments = %d, want 64", cfg.MaxFragments)
	}
	if cfg.Journal != "sqlite" {
		t.Errorf("Journal = %q, want sqlite", cfg.Journal)
	}
	if len(cfg.BooleanAttributes) != 2 || cfg.BooleanAttributes[1] != "bonded" {
		t.Errorf("BooleanAttributes = %v, want [grounded bonded]", cfg.BooleanAttributes)
	}
}

func TestLoad_JSONWinsOverYAML(t *testing.T) {
	tmpDir := t.TempDir()
	writeFile(t, filepath.Join(tmpDir, "config.json"), `{"max_fragments": 10}`)
	writeFile(t, filepath.Join(tmpDir, "config.yaml"), "max_fragments: 20\n")

	cfg, err := Load(tmpDir)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.MaxFragments != 10 {
		t.Errorf("MaxFragments = %d, want 10", cfg.MaxFragments)
	}
}

func TestLoad_InvalidJSON(t *testing.T) {
	tmpDir := t.TempDir()
	writeFile(t, filepath.Join(tmpDir, "config.json"), `{not json}`)

	if _, err := Load(tmpDir); err == nil {
		t.Fatalf("Load() expected error, got nil")
	}
}

func TestLoad_DisabledTools(t *testing.T) {
	tmpDir := t.TempDir()
	writeFile(t, filepath.Join(tmpDir, "config.json"), `{"disabled_tools": ["capture_replay", "frames_ingest"]}`)

	cfg, err := Load(tmpDir)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if len(cfg.DisabledTools) != 2 {
		t.Fatalf("DisabledTools length = %d, want 2", len(cfg.DisabledTools))
	}
	if cfg.DisabledTools[0] != "capture_replay" {
		t.Errorf("DisabledTools[0] = %q, want %q", cfg.DisabledTools[0], "capture_replay")
	}
}

func TestLoadWithRepo_AllowedOriginsMerged(t *testing.T) {
	globalDir := t.TempDir()
	repoRoot := t.TempDir()

	writeFile(t, filepath.Join(globalDir, "config.yaml"), "allowed_origins:\n  - https://app.example.com\n")
	writeFile(t, filepath.Join(repoRoot, ".attrscope", "config.json"), `{"allowed_origins": ["https://app.example.com", " https://tap.example.com "]}`)

	cfg, err := LoadWithRepo(globalDir, repoRoot)
	if err != nil {
		t.Fatalf("LoadWithRepo() error = %v", err)
	}

	want := []string{"https://app.example.com", "https://tap.example.com"}
	if len(cfg.AllowedOrigins) != len(want) {
		t.Fatalf("AllowedOrigins = %v, want %v", cfg.AllowedOrigins, want)
	}
	for i := range want {
		if cfg.AllowedOrigins[i] != want[i] {
			t.Errorf("AllowedOrigins[%d] = %q, want %q", i, cfg.AllowedOrigins[i], want[i])
		}
	}
}

func TestLoadWithRepo_BothPresent(t *testing.T) {
	globalDir := t.TempDir()
	repoRoot := t.TempDir()

	writeFile(t, filepath.Join(globalDir, "config.json"), `{"max_fragments": 80, "disabled_tools": ["capture_replay"]}`)
	writeFile(t, filepath.Join(repoRoot, ".attrscope", "config.json"), `{"max_fragments": 40, "disabled_tools": ["frames_ingest"]}`)

	cfg, err := LoadWithRepo(globalDir, repoRoot)
	if err != nil {
		t.Fatalf("LoadWithRepo() error = %v", err)
	}

	if cfg.MaxFragments != 40 {
		t.Errorf("MaxFragments = %d, want 40 (repo override)", cfg.MaxFragments)
	}
	if len(cfg.DisabledTools) != 2 {
		t.Errorf("DisabledTools length = %d, want 2", len(cfg.DisabledTools))
	}
}

func TestLoadWithRepo_NeitherPresent(t *testing.T) {
	cfg, err := LoadWithRepo(t.TempDir(), t.TempDir())
	if err != nil {
		t.Fatalf("LoadWithRepo() error = %v", err)
	}
	if cfg.MaxFragments != 256 {
		t.Errorf("MaxFragments = %d, want 256", cfg.MaxFragments)
	}
	if cfg.NATSSubject != "attrscope.state" {
		t.Errorf("NATSSubject = %q, want attrscope.state", cfg.NATSSubject)
	}
}

func TestMerge_ScalarOverride(t *testing.T) {
	base := &Config{MaxFragments: 100, MaxFragmentBytes: 2048}
	overlay := &Config{MaxFragments: 10}

	result := Merge(base, overlay)

	if result.MaxFragments != 10 {
		t.Errorf("MaxFragments = %d, want 10 (overlay)", result.MaxFragments)
	}
	if result.MaxFragmentBytes != 2048 {
		t.Errorf("MaxFragmentBytes = %d, want 2048 (base, overlay is zero)", result.MaxFragmentBytes)
	}
}

func TestMerge_PrefixRecoveryTriState(t *testing.T) {
	off := false
	on := true

	tests := []struct {
		name    string
		base    *bool
		overlay *bool
		want    bool
	}{
		{"both unset", nil, nil, true},
		{"base off", &off, nil, false},
		{"overlay on wins", &off, &on, true},
		{"overlay off wins", &on, &off, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Merge(&Config{PrefixRecovery: tt.base}, &Config{PrefixRecovery: tt.overlay})
			if got.PrefixRecoveryEnabled() != tt.want {
				t.Errorf("PrefixRecoveryEnabled() = %v, want %v", got.PrefixRecoveryEnabled(), tt.want)
			}
		})
	}
}

func TestMerge_BooleanOr(t *testing.T) {
	result := Merge(&Config{AllowUnsafePaths: true}, &Config{AllowUnsafePaths: false})

	if !result.AllowUnsafePaths {
		t.Error("AllowUnsafePaths should be true (base OR overlay)")
	}
}

func TestMerge_ArrayMergeDedup(t *testing.T) {
	base := &Config{NumericAttributes: []string{"pole_height", " span_length "}}
	overlay := &Config{NumericAttributes: []string{"span_length", "sag"}}

	result := Merge(base, overlay)

	want := []string{"pole_height", "span_length", "sag"}
	if len(result.NumericAttributes) != len(want) {
		t.Fatalf("NumericAttributes = %v, want %v", result.NumericAttributes, want)
	}
	for i, w := range want {
		if result.NumericAttributes[i] != w {
			t.Errorf("NumericAttributes[%d] = %q, want %q", i, result.NumericAttributes[i], w)
		}
	}
}

func TestFindRepoConfig_InParentDir(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, ".attrscope", "config.yaml")
	writeFile(t, configPath, "quiescence_ms: 100\n")

	subdir := filepath.Join(tmpDir, "subdir", "deeper")
	if err := os.MkdirAll(subdir, 0755); err != nil {
		t.Fatalf("MkdirAll() error = %v", err)
	}

	found := FindRepoConfig(subdir)
	if found != configPath {
		t.Errorf("FindRepoConfig() = %q, want %q", found, configPath)
	}
}

func TestFindRepoConfig_NotFound(t *testing.T) {
	if found := FindRepoConfig(t.TempDir()); found != "" {
		t.Errorf("FindRepoConfig() = %q, want empty string", found)
	}
	if found := FindRepoConfig(""); found != "" {
		t.Errorf("FindRepoConfig(\"\") = %q, want empty string", found)
	}
}
