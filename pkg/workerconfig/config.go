package workerconfig

import (
	"bytes"
	"errors"
	"fmt"
	"io/ioutil"
	"path/filepath"
	"strings"

	"github.com/pelletier/go-toml/v2"
	"github.com/tass-io/langworker/pkg/function"
	"gopkg.in/yaml.v3"
)

var (
	ErrUnknownFormat = errors.New("unknown worker config format")
	ErrNoRuntime     = errors.New("worker config without runtime")
)

// Config describes how to launch the worker process of one runtime
type Config struct {
	Runtime    string   `yaml:"runtime" toml:"runtime"`
	Executable string   `yaml:"executable" toml:"executable"`
	Arguments  []string `yaml:"arguments" toml:"arguments"`
	// WorkerDirectory is the working directory of the process, defaults to the root script path
	WorkerDirectory string `yaml:"workerDirectory" toml:"workerDirectory"`
	// Extensions are the script file extensions the runtime runs, ".js"
	Extensions []string `yaml:"extensions" toml:"extensions"`
	// Environment is appended to the host environment, KEY=VALUE
	Environment []string `yaml:"environment" toml:"environment"`
}

type file struct {
	Workers []Config `yaml:"workers" toml:"workers"`
}

// Load reads worker configs from a .yaml/.yml or .toml file
func Load(path string) ([]Config, error) {
	data, err := ioutil.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(filepath.Ext(path), data)
}

// Parse decodes worker configs, ext selects the format
func Parse(ext string, data []byte) ([]Config, error) {
	f := file{}
	switch strings.ToLower(ext) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &f); err != nil {
			return nil, fmt.Errorf("decode yaml worker config: %w", err)
		}
	case ".toml":
		dec := toml.NewDecoder(bytes.NewReader(data))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&f); err != nil {
			return nil, fmt.Errorf("decode toml worker config: %w", err)
		}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownFormat, ext)
	}
	for i, c := range f.Workers {
		if strings.TrimSpace(c.Runtime) == "" {
			return nil, fmt.Errorf("%w at index %d", ErrNoRuntime, i)
		}
	}
	return f.Workers, nil
}

// Find returns the config of the runtime
func Find(runtime string, configs []Config) (Config, bool) {
	for _, c := range configs {
		if function.SameRuntime(c.Runtime, runtime) {
			return c, true
		}
	}
	return Config{}, false
}

// IsSupportedRuntime reports whether a worker is configured for the runtime
func IsSupportedRuntime(runtime string, configs []Config) bool {
	if runtime == "" {
		return false
	}
	_, ok := Find(runtime, configs)
	return ok
}

// RuntimeOf infers the runtime of a function set:
// the single runtime all functions share, or "" when they disagree or have none
func RuntimeOf(functions []function.Metadata) string {
	runtime := ""
	for _, fn := range functions {
		if fn.Runtime == "" {
			continue
		}
		if runtime == "" {
			runtime = fn.Runtime
			continue
		}
		if !function.SameRuntime(runtime, fn.Runtime) {
			return ""
		}
	}
	return runtime
}

// RuntimeOfScript returns the runtime configured for the extension of scriptFile, "" if none is
func RuntimeOfScript(scriptFile string, configs []Config) string {
	ext := filepath.Ext(scriptFile)
	if ext == "" {
		return ""
	}
	for _, c := range configs {
		for _, e := range c.Extensions {
			if strings.EqualFold(e, ext) {
				return c.Runtime
			}
		}
	}
	return ""
}
