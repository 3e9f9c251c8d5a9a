package stackful

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"fortio.org/safecast"
	"github.com/BurntSushi/toml"
	"github.com/dustin/go-humanize"
	"gopkg.in/yaml.v3"

	"github.com/baxromumarov/stackful/stack"
)

// FileConfig is the on-disk form of the pool options. Byte sizes accept
// human readable values such as "256KiB" or "64 MB".
type FileConfig struct {
	Workers        int    `toml:"workers" yaml:"workers" json:"workers"`
	Discipline     string `toml:"discipline" yaml:"discipline" json:"discipline"`
	StackSize      string `toml:"stack_size" yaml:"stack_size" json:"stack_size"`
	StackAllocator string `toml:"stack_allocator" yaml:"stack_allocator" json:"stack_allocator"`
	MaxStackBytes  string `toml:"max_stack_bytes" yaml:"max_stack_bytes" json:"max_stack_bytes"`
	MaxIdleStacks  uint64 `toml:"max_idle_stacks" yaml:"max_idle_stacks" json:"max_idle_stacks"`
}

// LoadConfig reads a pool configuration from a .toml, .yaml/.yml or .json
// file.
func LoadConfig(path string) (*FileConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg FileConfig
	ext := strings.ToLower(filepath.Ext(path))

	switch ext {
	case ".toml":
		if err := toml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse TOML: %w", err)
		}
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse YAML: %w", err)
		}
	case ".json":
		if err := json.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse JSON: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported config format: %s", ext)
	}

	return &cfg, nil
}

// ParseDiscipline converts "lifo" or "fifo" to a [Discipline].
func ParseDiscipline(s string) (Discipline, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "lifo", "lifo-local", "":
		return LIFOLocal, nil
	case "fifo", "fifo-local":
		return FIFOLocal, nil
	default:
		return LIFOLocal, fmt.Errorf("invalid discipline: %q (expected: lifo|fifo)", s)
	}
}

// Options converts the file configuration to pool options. Unset fields keep
// the pool defaults.
func (fc *FileConfig) Options() ([]Option, error) {
	var opts []Option

	if fc.Workers < 0 {
		return nil, fmt.Errorf("invalid workers: %d", fc.Workers)
	}
	if fc.Workers > 0 {
		opts = append(opts, WithWorkers(fc.Workers))
	}

	if fc.Discipline != "" {
		d, err := ParseDiscipline(fc.Discipline)
		if err != nil {
			return nil, err
		}
		opts = append(opts, WithDiscipline(d))
	}

	if fc.StackAllocator != "" {
		kind, err := stack.ParseKind(fc.StackAllocator)
		if err != nil {
			return nil, err
		}
		opts = append(opts, WithStackAllocator(kind))
	}

	if fc.StackSize != "" {
		n, err := parseBytes("stack_size", fc.StackSize)
		if err != nil {
			return nil, err
		}
		if n == 0 {
			return nil, fmt.Errorf("invalid stack_size: %q", fc.StackSize)
		}
		opts = append(opts, WithStackSize(n))
	}

	if fc.MaxStackBytes != "" {
		n, err := parseBytes("max_stack_bytes", fc.MaxStackBytes)
		if err != nil {
			return nil, err
		}
		opts = append(opts, WithMaxStackBytes(n))
	}

	if fc.MaxIdleStacks > 0 {
		n, err := safecast.Conv[int](fc.MaxIdleStacks)
		if err != nil {
			return nil, fmt.Errorf("invalid max_idle_stacks: %w", err)
		}
		opts = append(opts, WithMaxIdleStacks(n))
	}

	return opts, nil
}

func parseBytes(field, v string) (int64, error) {
	u, err := humanize.ParseBytes(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", field, err)
	}
	n, err := safecast.Conv[int64](u)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", field, err)
	}
	return n, nil
}
