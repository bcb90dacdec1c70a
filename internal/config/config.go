// Package config loads and validates the optional .pyrun YAML file.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/deixis/pyrun/internal/sentinel"
)

// FileName is the name of the configuration file looked up by Load.
const FileName = ".pyrun"

// Default values for runner configuration.
const (
	DefaultTimeout     = 30 * time.Second
	DefaultGracePeriod = 2 * time.Second
	DefaultMaxOutput   = 64 << 20 // 64 MB
	DefaultJobTimeout  = 5 * time.Minute
	DefaultCacheSize   = 128
)

// DefaultInterpreterArgs keeps the interpreter's output unbuffered so that
// chunks are mirrored as they are produced.
var DefaultInterpreterArgs = []string{"-u"}

// Config holds the parsed .pyrun configuration.
// All fields are optional; zero values represent defaults.
type Config struct {
	Version         int            `yaml:"version"`
	RawInterpreter  string         `yaml:"interpreter"`      // e.g. "venv/bin/python3"
	InterpreterArgs []string       `yaml:"interpreter_args"` // nil means ["-u"]
	RawWorkdir      string         `yaml:"workdir"`          // relative to the config root
	RawTimeout      string         `yaml:"timeout" validate:"omitempty,duration"`
	RawGracePeriod  string         `yaml:"grace_period" validate:"omitempty,duration"`
	RawMaxOutput    int            `yaml:"max_output" validate:"gte=0"` // bytes per stream
	Sentinel        SentinelConfig `yaml:"sentinel"`
	Store           StoreConfig    `yaml:"store"`
	Jobs            JobsConfig     `yaml:"jobs"`

	root string
}

// SentinelConfig overrides the payload markers.
type SentinelConfig struct {
	Begin string `yaml:"begin"`
	End   string `yaml:"end"`
	Match string `yaml:"match" validate:"omitempty,oneof=first last strict"`
}

// StoreConfig controls where run records are kept.
type StoreConfig struct {
	Dir   string `yaml:"dir"`                    // default: a temp directory
	Cache int    `yaml:"cache" validate:"gte=0"` // LRU entries in front of the disk store
}

// JobsConfig holds the per-job settings.
type JobsConfig struct {
	Scrap JobConfig `yaml:"scrap"`
	Eval  JobConfig `yaml:"eval"`
}

// JobConfig controls one job of the catalog.
type JobConfig struct {
	Script     string `yaml:"script"`
	RawTimeout string `yaml:"timeout" validate:"omitempty,duration"`
}

// Timeout returns the configured timeout or the default.
func (c *Config) Timeout() time.Duration {
	return parseDuration(c.RawTimeout, DefaultTimeout)
}

// GracePeriod returns the delay between SIGTERM and SIGKILL.
func (c *Config) GracePeriod() time.Duration {
	return parseDuration(c.RawGracePeriod, DefaultGracePeriod)
}

// MaxOutputBytes returns the configured max output size or the default.
func (c *Config) MaxOutputBytes() int {
	if c.RawMaxOutput > 0 {
		return c.RawMaxOutput
	}
	return DefaultMaxOutput
}

// Interpreter returns the interpreter path, defaulting to the virtualenv
// python of the current platform.
func (c *Config) Interpreter() string {
	if c.RawInterpreter != "" {
		return c.RawInterpreter
	}
	if runtime.GOOS == "windows" {
		return filepath.Join("venv", "Scripts", "python.exe")
	}
	return filepath.Join("venv", "bin", "python3")
}

// Args returns the arguments placed before the script path.
func (c *Config) Args() []string {
	if c.InterpreterArgs == nil {
		return DefaultInterpreterArgs
	}
	return c.InterpreterArgs
}

// Workdir returns the absolute working directory scripts run in.
func (c *Config) Workdir() string {
	if filepath.IsAbs(c.RawWorkdir) {
		return c.RawWorkdir
	}
	return filepath.Join(c.root, c.RawWorkdir)
}

// Extractor returns the sentinel extractor described by the sentinel section.
func (c *Config) Extractor() sentinel.Extractor {
	return sentinel.New(c.Sentinel.Begin, c.Sentinel.End, sentinel.Match(c.Sentinel.Match))
}

// StoreDir returns the record directory, or "" for a temp directory.
func (c *Config) StoreDir() string {
	if c.Store.Dir == "" || filepath.IsAbs(c.Store.Dir) {
		return c.Store.Dir
	}
	return filepath.Join(c.root, c.Store.Dir)
}

// CacheSize returns the number of records kept in memory.
func (c *Config) CacheSize() int {
	if c.Store.Cache > 0 {
		return c.Store.Cache
	}
	return DefaultCacheSize
}

// ScrapScript returns the scrap job's script.
func (c *Config) ScrapScript() string {
	if c.Jobs.Scrap.Script != "" {
		return c.Jobs.Scrap.Script
	}
	return "scrap.py"
}

// EvalScript returns the evaluation job's script.
func (c *Config) EvalScript() string {
	if c.Jobs.Eval.Script != "" {
		return c.Jobs.Eval.Script
	}
	return "evaluation.py"
}

// Timeout returns the job timeout, defaulting to five minutes.
func (j JobConfig) Timeout() time.Duration {
	return parseDuration(j.RawTimeout, DefaultJobTimeout)
}

func parseDuration(raw string, def time.Duration) time.Duration {
	if raw != "" {
		d, err := time.ParseDuration(raw)
		if err == nil && d > 0 {
			return d
		}
	}
	return def
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	_ = v.RegisterValidation("duration", func(fl validator.FieldLevel) bool {
		d, err := time.ParseDuration(fl.Field().String())
		return err == nil && d > 0
	})
	return v
}

// Validate checks field values such as durations and the match policy.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid %s: %w", FileName, err)
	}
	return nil
}

// LoadResult holds the parsed config and the directory it was found in.
type LoadResult struct {
	Config *Config
	Root   string // directory containing .pyrun; falls back to workspace
}

// Load reads the .pyrun file. The root is discovered by walking upward from
// workspace looking for .pyrun. If no file exists, a default Config rooted
// at workspace is returned.
func Load(workspace string) (*LoadResult, error) {
	workspace, err := filepath.Abs(workspace)
	if err != nil {
		return nil, fmt.Errorf("resolving workspace: %w", err)
	}

	root, err := findRoot(workspace)
	if err != nil {
		return &LoadResult{Config: &Config{root: workspace}, Root: workspace}, nil
	}

	data, err := os.ReadFile(filepath.Join(root, FileName))
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", FileName, err)
	}

	cfg := &Config{root: root}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", FileName, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &LoadResult{Config: cfg, Root: root}, nil
}

var errNotFound = errors.New(FileName + " not found")

// findRoot walks upward from dir looking for a directory containing .pyrun.
func findRoot(dir string) (string, error) {
	for {
		if fi, err := os.Stat(filepath.Join(dir, FileName)); err == nil && !fi.IsDir() {
			return dir, nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", errNotFound
		}
		dir = parent
	}
}
