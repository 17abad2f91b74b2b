package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"sync"
	"time"

	"github.com/knadh/koanf/parsers/json"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

const (
	// EnvPrefix is the prefix for environment variables.
	EnvPrefix = "GRAPHKEEP_"
	// Delimiter is the key delimiter for nested config.
	Delimiter = "."
	// EnvDelimiter separates nested keys in environment variable names,
	// so GRAPHKEEP_CLUSTER__NODE_ID sets cluster.node_id.
	EnvDelimiter = "__"
)

// SearchPaths are tried in order when no configuration file is given.
var SearchPaths = []string{
	"graphkeep.yaml",
	"graphkeep.yml",
	"graphkeep.json",
	"config/graphkeep.yaml",
	"/etc/graphkeep/graphkeep.yaml",
}

// ErrNoConfigFile is returned by Reload when the last load used no file.
var ErrNoConfigFile = errors.New("config: no configuration file loaded")

// Loader assembles a Config from layered sources. Later layers win:
// defaults, then the file, then GRAPHKEEP_ environment variables, then
// explicit overrides such as command line flags.
//
// A Loader remembers the file and overrides of its last successful Load so
// Reload can rebuild the same layering after the file changes.
type Loader struct {
	mu        sync.RWMutex
	k         *koanf.Koanf
	path      string
	overrides map[string]interface{}
}

// NewLoader creates a Loader holding only the defaults.
func NewLoader() *Loader {
	k := koanf.New(Delimiter)
	_ = k.Load(confmap.Provider(flatten(DefaultConfig()), Delimiter), nil)
	return &Loader{k: k}
}

// Load builds and validates a Config. An empty path searches SearchPaths;
// finding nothing there is not an error.
func (l *Loader) Load(path string, overrides map[string]interface{}) (*Config, error) {
	if path == "" {
		path = discover()
	}

	k := koanf.New(Delimiter)
	if err := k.Load(confmap.Provider(flatten(DefaultConfig()), Delimiter), nil); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}
	if path != "" {
		if err := loadFile(k, path); err != nil {
			return nil, fmt.Errorf("failed to load config file: %w", err)
		}
	}
	if err := k.Load(env.Provider(EnvPrefix, Delimiter, envKey), nil); err != nil {
		return nil, fmt.Errorf("failed to load env vars: %w", err)
	}
	if len(overrides) > 0 {
		if err := k.Load(confmap.Provider(overrides, Delimiter), nil); err != nil {
			return nil, fmt.Errorf("failed to apply overrides: %w", err)
		}
	}

	var cfg Config
	if err := k.UnmarshalWithConf("", &cfg, koanf.UnmarshalConf{Tag: "mapstructure"}); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := ValidateWithDetails(&cfg); err != nil {
		return nil, err
	}

	l.mu.Lock()
	l.k, l.path, l.overrides = k, path, overrides
	l.mu.Unlock()
	return &cfg, nil
}

// Reload repeats the last Load against the current file contents.
func (l *Loader) Reload() (*Config, error) {
	l.mu.RLock()
	path, overrides := l.path, l.overrides
	l.mu.RUnlock()
	if path == "" {
		return nil, ErrNoConfigFile
	}
	return l.Load(path, overrides)
}

// Path returns the file used by the last Load, or "" if none was.
func (l *Loader) Path() string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.path
}

func loadFile(k *koanf.Koanf, path string) error {
	var parser koanf.Parser
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		parser = yaml.Parser()
	case ".json":
		parser = json.Parser()
	default:
		return fmt.Errorf("unsupported config file format: %s", filepath.Ext(path))
	}
	if _, err := os.Stat(path); err != nil {
		return fmt.Errorf("config file %s: %w", path, err)
	}
	return k.Load(file.Provider(path), parser)
}

func discover() string {
	for _, p := range SearchPaths {
		if st, err := os.Stat(p); err == nil && !st.IsDir() {
			return p
		}
	}
	return ""
}

func envKey(s string) string {
	key := strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	return strings.ReplaceAll(key, strings.ToLower(EnvDelimiter), Delimiter)
}

// Get returns a raw value by dotted key.
func (l *Loader) Get(key string) interface{} {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.k.Get(key)
}

// GetString returns a string value by dotted key.
func (l *Loader) GetString(key string) string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.k.String(key)
}

// GetInt returns an int value by dotted key.
func (l *Loader) GetInt(key string) int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.k.Int(key)
}

// Set changes a value in the loaded tree. It does not affect Configs
// already returned.
func (l *Loader) Set(key string, value interface{}) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.k.Set(key, value)
}

// Print renders the loaded tree, one key per line.
func (l *Loader) Print() string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.k.Sprint()
}

// flatten turns a struct into dotted keys following its mapstructure tags,
// so that a file setting one nested key does not drop its siblings.
func flatten(v interface{}) map[string]interface{} {
	out := make(map[string]interface{})
	flattenInto(out, reflect.Indirect(reflect.ValueOf(v)), "")
	return out
}

var durationType = reflect.TypeOf(time.Duration(0))

func flattenInto(out map[string]interface{}, val reflect.Value, prefix string) {
	if val.Kind() != reflect.Struct {
		return
	}
	typ := val.Type()
	for i := 0; i < typ.NumField(); i++ {
		field := typ.Field(i)
		tag := field.Tag.Get("mapstructure")
		if !field.IsExported() || tag == "" || tag == "-" {
			continue
		}
		key := tag
		if prefix != "" {
			key = prefix + Delimiter + tag
		}

		fv := val.Field(i)
		switch {
		case fv.Kind() == reflect.Ptr:
			if !fv.IsNil() {
				flattenInto(out, fv.Elem(), key)
			}
		case fv.Kind() == reflect.Struct:
			flattenInto(out, fv, key)
		case fv.Type() == durationType:
			out[key] = fv.Interface().(time.Duration).String()
		case fv.Kind() == reflect.Map && fv.IsNil():
			// absent
		default:
			out[key] = fv.Interface()
		}
	}
}
