package config

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config file names, in lookup order. JSON wins when both exist in one directory.
const (
	jsonFileName = "config.json"
	yamlFileName = "config.yaml"
	repoDirName  = ".attrscope"
)

// Config holds application configuration.
type Config struct {
	// MaxFragments is the fragment-count ceiling of one reassembly buffer.
	// Older fragments are evicted once the ceiling is exceeded.
	MaxFragments int `json:"max_fragments" yaml:"max_fragments"`

	// MaxFragmentBytes is the byte ceiling of one reassembly buffer.
	MaxFragmentBytes int `json:"max_fragment_bytes" yaml:"max_fragment_bytes"`

	// PrefixRecovery enables the balanced-object fallback when a whole-buffer parse keeps failing.
	// nil means "use the default" (enabled).
	PrefixRecovery *bool `json:"prefix_recovery,omitempty" yaml:"prefix_recovery,omitempty"`

	// PrefixRecoveryMinFragments is how many fragments must be buffered before the fallback runs.
	PrefixRecoveryMinFragments int `json:"prefix_recovery_min_fragments" yaml:"prefix_recovery_min_fragments"`

	// QuiescenceMS is the debounce window after the last frame before a reconciliation pass.
	QuiescenceMS int `json:"quiescence_ms" yaml:"quiescence_ms"`

	// Journal selects the frame history backend: "memory" or "sqlite" (in-memory SQLite).
	Journal string `json:"journal,omitempty" yaml:"journal,omitempty"`

	// BooleanAttributes extends the built-in list of attribute names that always normalize to boolean.
	BooleanAttributes []string `json:"boolean_attributes,omitempty" yaml:"boolean_attributes,omitempty"`

	// NumericAttributes extends the built-in list of textbox attributes that normalize to number.
	NumericAttributes []string `json:"numeric_attributes,omitempty" yaml:"numeric_attributes,omitempty"`

	// AllowedPaths is an allowlist of directories capture files may be replayed from.
	// Paths outside ~/.attrscope/captures require either being in this list or AllowUnsafePaths=true.
	// Paths should be absolute (relative paths are ignored).
	AllowedPaths []string `json:"allowed_paths,omitempty" yaml:"allowed_paths,omitempty"`

	// AllowUnsafePaths disables directory restrictions for capture replay.
	// Symlink and extension checks still apply.
	AllowUnsafePaths bool `json:"allow_unsafe_paths,omitempty" yaml:"allow_unsafe_paths,omitempty"`

	// MaxCaptureBytes limits the size of a replayed capture file.
	MaxCaptureBytes int64 `json:"max_capture_bytes" yaml:"max_capture_bytes"`

	// NATSURL enables publishing every reconciliation pass to NATS when non-empty.
	NATSURL string `json:"nats_url,omitempty" yaml:"nats_url,omitempty"`

	// NATSSubject is the subject reconciliation passes are published on.
	NATSSubject string `json:"nats_subject,omitempty" yaml:"nats_subject,omitempty"`

	// LogLevel is the zap level name (debug, info, warn, error).
	LogLevel string `json:"log_level,omitempty" yaml:"log_level,omitempty"`

	// AllowedOrigins lists browser origins (scheme://host[:port]) that may open the
	// /feed and /events WebSockets. Same-host origins are always allowed; "*" allows any.
	AllowedOrigins []string `json:"allowed_origins,omitempty" yaml:"allowed_origins,omitempty"`

	// DisabledTools is a list of MCP tool names to exclude from registration.
	DisabledTools []string `json:"disabled_tools,omitempty" yaml:"disabled_tools,omitempty"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		MaxFragments:               256,
		MaxFragmentBytes:           4 << 20,
		PrefixRecoveryMinFragments: 8,
		QuiescenceMS:               3000,
		Journal:                    "memory",
		MaxCaptureBytes:            64 << 20,
		NATSSubject:                "attrscope.state",
		LogLevel:                   "info",
	}
}

// Quiescence returns QuiescenceMS as a duration.
func (c *Config) Quiescence() time.Duration {
	return time.Duration(c.QuiescenceMS) * time.Millisecond
}

// PrefixRecoveryEnabled reports whether the balanced-object fallback is on.
func (c *Config) PrefixRecoveryEnabled() bool {
	if c.PrefixRecovery == nil {
		return true
	}
	return *c.PrefixRecovery
}

// Load loads configuration from baseDir (config.json, else config.yaml).
// Returns default config if neither file exists.
// The baseDir parameter allows tests to use t.TempDir() instead of ~/.attrscope.
func Load(baseDir string) (*Config, error) {
	cfg, err := loadDirRaw(baseDir)
	if err != nil {
		return nil, err
	}
	return Merge(DefaultConfig(), cfg), nil
}

// LoadWithRepo loads configuration from both global (~/.attrscope) and repo (.attrscope) directories.
// Repo config is found by walking upward from startDir to find the nearest .attrscope/config.{json,yaml}.
// Repo config takes precedence for scalar values; arrays are merged (deduplicated).
// Either or both configs may be missing.
func LoadWithRepo(globalDir, startDir string) (*Config, error) {
	global, err := loadDirRaw(globalDir)
	if err != nil {
		return nil, err
	}

	repo := &Config{}
	if repoConfigPath := FindRepoConfig(startDir); repoConfigPath != "" {
		repo, err = loadFileRaw(repoConfigPath)
		if err != nil {
			return nil, err
		}
	}

	// Apply defaults, then global, then repo
	return Merge(Merge(DefaultConfig(), global), repo), nil
}

// FindRepoConfig walks upward from startDir to find the nearest .attrscope config file.
// Returns the path if found, or empty string if not found.
func FindRepoConfig(startDir string) string {
	if startDir == "" {
		return ""
	}
	dir := startDir
	for {
		for _, name := range []string{jsonFileName, yamlFileName} {
			configPath := filepath.Join(dir, repoDirName, name)
			if _, err := os.Stat(configPath); err == nil {
				return configPath
			}
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			return ""
		}
		dir = parent
	}
}

// loadDirRaw loads config.json or config.yaml from dir.
// Returns zero-valued config if neither exists (not defaults).
func loadDirRaw(dir string) (*Config, error) {
	for _, name := range []string{jsonFileName, yamlFileName} {
		path := filepath.Join(dir, name)
		if _, err := os.Stat(path); err == nil {
			return loadFileRaw(path)
		}
	}
	return &Config{}, nil
}

// loadFileRaw loads configuration from a specific file path, decoding by extension.
// Returns zero-valued config if the file doesn't exist.
func loadFileRaw(configPath string) (*Config, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return &Config{}, nil
		}
		return nil, err
	}

	cfg := &Config{}
	switch strings.ToLower(filepath.Ext(configPath)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, cfg)
	default:
		err = json.Unmarshal(data, cfg)
	}
	if err != nil {
		return nil, err
	}

	return cfg, nil
}

// Merge combines base and overlay configs.
// Overlay values take precedence for scalars; arrays are merged and deduplicated.
func Merge(base, overlay *Config) *Config {
	result := &Config{}

	// Scalars: overlay wins if non-zero, else base
	result.MaxFragments = pickInt(overlay.MaxFragments, base.MaxFragments)
	result.MaxFragmentBytes = pickInt(overlay.MaxFragmentBytes, base.MaxFragmentBytes)
	result.PrefixRecoveryMinFragments = pickInt(overlay.PrefixRecoveryMinFragments, base.PrefixRecoveryMinFragments)
	result.QuiescenceMS = pickInt(overlay.QuiescenceMS, base.QuiescenceMS)
	result.Journal = pickString(overlay.Journal, base.Journal)
	result.NATSURL = pickString(overlay.NATSURL, base.NATSURL)
	result.NATSSubject = pickString(overlay.NATSSubject, base.NATSSubject)
	result.LogLevel = pickString(overlay.LogLevel, base.LogLevel)

	result.MaxCaptureBytes = overlay.MaxCaptureBytes
	if result.MaxCaptureBytes == 0 {
		result.MaxCaptureBytes = base.MaxCaptureBytes
	}

	// Tri-state: overlay wins if set
	result.PrefixRecovery = base.PrefixRecovery
	if overlay.PrefixRecovery != nil {
		v := *overlay.PrefixRecovery
		result.PrefixRecovery = &v
	}

	// Booleans: overlay wins if true, else base
	result.AllowUnsafePaths = base.AllowUnsafePaths || overlay.AllowUnsafePaths

	// Arrays: merge and deduplicate
	result.BooleanAttributes = mergeStringSlice(base.BooleanAttributes, overlay.BooleanAttributes)
	result.NumericAttributes = mergeStringSlice(base.NumericAttributes, overlay.NumericAttributes)
	result.AllowedPaths = mergeStringSlice(base.AllowedPaths, overlay.AllowedPaths)
	result.AllowedOrigins = mergeStringSlice(base.AllowedOrigins, overlay.AllowedOrigins)
	result.DisabledTools = mergeStringSlice(base.DisabledTools, overlay.DisabledTools)

	return result
}

func pickInt(overlay, base int) int {
	if overlay != 0 {
		return overlay
	}
	return base
}

func pickString(overlay, base string) string {
	if strings.TrimSpace(overlay) != "" {
		return overlay
	}
	return base
}

// mergeStringSlice combines two slices, trims whitespace, and removes duplicates.
func mergeStringSlice(a, b []string) []string {
	seen := make(map[string]bool)
	result := make([]string, 0, len(a)+len(b))

	for _, s := range a {
		s = strings.TrimSpace(s)
		if s != "" && !seen[s] {
			seen[s] = true
			result = append(result, s)
		}
	}
	for _, s := range b {
		s = strings.TrimSpace(s)
		if s != "" && !seen[s] {
			seen[s] = true
			result = append(result, s)
		}
	}

	if len(result) == 0 {
		return nil
	}
	return result
}
