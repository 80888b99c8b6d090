package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Defaults applied to agent listeners that do not configure their own values.
const (
	DefaultAgentPort    = 7878
	DefaultHeartbeat    = 10 * time.Second
	DefaultWriteTimeout = 2 * time.Second
)

// Duration wraps time.Duration to support YAML unmarshalling from strings.
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses duration strings like "5s" or "1m".
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value == nil {
		return fmt.Errorf("duration value node is nil")
	}
	var raw string
	if err := value.Decode(&raw); err != nil {
		return fmt.Errorf("decode duration: %w", err)
	}
	if raw == "" {
		d.Duration = 0
		return nil
	}
	dur, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", raw, err)
	}
	d.Duration = dur
	return nil
}

// MarshalYAML renders the duration as a string.
func (d Duration) MarshalYAML() (interface{}, error) {
	return d.Duration.String(), nil
}

// ModuleReference captures metadata about the configuration source that defined an entry.
type ModuleReference struct {
	File        string `json:"file,omitempty"`
	Name        string `json:"name,omitempty"`
	Description string `json:"description,omitempty"`
}

// ModuleInclude describes a referenced configuration module.
type ModuleInclude struct {
	Path        string
	Name        string
	Description string
}

// UnmarshalYAML allows module includes to be declared either as scalar strings or structured objects.
func (m *ModuleInclude) UnmarshalYAML(value *yaml.Node) error {
	if value == nil {
		return errors.New("module include node is nil")
	}
	switch value.Kind {
	case yaml.ScalarNode:
		var path string
		if err := value.Decode(&path); err != nil {
			return fmt.Errorf("decode module path: %w", err)
		}
		m.Path = strings.TrimSpace(path)
		return nil
	case yaml.MappingNode:
		type rawModule struct {
			Path        string `yaml:"path"`
			Name        string `yaml:"name"`
			Description string `yaml:"description"`
		}
		var raw rawModule
		if err := value.Decode(&raw); err != nil {
			return fmt.Errorf("decode module include: %w", err)
		}
		if raw.Path == "" {
			return errors.New("module include missing path")
		}
		m.Path = raw.Path
		m.Name = raw.Name
		m.Description = raw.Description
		return nil
	default:
		return fmt.Errorf("unsupported module include node kind %d", value.Kind)
	}
}

// AgentConfig describes the TCP listener a downstream agent connects to.
type AgentConfig struct {
	Host         string   `yaml:"host,omitempty"`
	Port         *int     `yaml:"port,omitempty"`
	Heartbeat    Duration `yaml:"heartbeat,omitempty"`
	WriteTimeout Duration `yaml:"write_timeout,omitempty"`
}

// Address renders the listen address. A nil port yields the default port.
func (a AgentConfig) Address() string {
	port := DefaultAgentPort
	if a.Port != nil {
		port = *a.Port
	}
	return net.JoinHostPort(a.Host, strconv.Itoa(port))
}

// InputConfig selects the ingestion driver feeding a device's cache keys.
type InputConfig struct {
	Driver   string    `yaml:"driver"`
	Settings yaml.Node `yaml:"settings,omitempty"`
}

// ComputeConfig selects how an output derives its value from the cache.
type ComputeConfig struct {
	Kind       string                 `yaml:"kind,omitempty"`
	Path       string                 `yaml:"path,omitempty"`
	Values     map[string]interface{} `yaml:"values,omitempty"`
	Default    interface{}            `yaml:"default,omitempty"`
	Expression string                 `yaml:"expression,omitempty"`
	Level      string                 `yaml:"level,omitempty"`
	Message    string                 `yaml:"message,omitempty"`
}

// OutputConfig declares one data item published to the agent.
type OutputConfig struct {
	Key            string        `yaml:"key"`
	Category       string        `yaml:"category,omitempty"`
	Type           string        `yaml:"type,omitempty"`
	SubType        string        `yaml:"sub_type,omitempty"`
	Representation string        `yaml:"representation,omitempty"`
	NativeCode     string        `yaml:"native_code,omitempty"`
	NativeSeverity string        `yaml:"native_severity,omitempty"`
	Qualifier      string        `yaml:"qualifier,omitempty"`
	DependsOn      []string      `yaml:"depends_on,omitempty"`
	Compute        ComputeConfig `yaml:"compute,omitempty"`
}

// DeviceConfig groups the input, outputs and agent listener of one device.
type DeviceConfig struct {
	ID          string          `yaml:"id"`
	Name        string          `yaml:"name,omitempty"`
	Description string          `yaml:"description,omitempty"`
	Disable     bool            `yaml:"disable,omitempty"`
	Agent       AgentConfig     `yaml:"agent,omitempty"`
	Input       InputConfig     `yaml:"input"`
	Outputs     []OutputConfig  `yaml:"outputs"`
	Source      ModuleReference `yaml:"-"`
}

// LokiConfig configures optional Loki integration for logging.
type LokiConfig struct {
	Enabled bool              `yaml:"enabled"`
	URL     string            `yaml:"url"`
	Labels  map[string]string `yaml:"labels"`
}

// LoggingConfig encapsulates runtime logging options.
type LoggingConfig struct {
	Level  string     `yaml:"level"`
	Format string     `yaml:"format,omitempty"`
	Loki   LokiConfig `yaml:"loki"`
}

// TelemetryConfig configures runtime telemetry exporters.
type TelemetryConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Provider string `yaml:"provider,omitempty"`
	Listen   string `yaml:"listen,omitempty"`
}

// Config is the root configuration structure for the adapter.
type Config struct {
	Name        string          `yaml:"name,omitempty"`
	Description string          `yaml:"description,omitempty"`
	HotReload   bool            `yaml:"hot_reload,omitempty"`
	Logging     LoggingConfig   `yaml:"logging"`
	Telemetry   TelemetryConfig `yaml:"telemetry"`
	Agent       AgentConfig     `yaml:"agent"`
	Modules     []ModuleInclude `yaml:"modules"`
	Devices     []DeviceConfig  `yaml:"devices"`
	Source      ModuleReference `yaml:"-"`
}

// Load reads, validates and decodes the configuration file or directory at
// path, following module includes.
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config path must not be empty")
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve config path: %w", err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return nil, fmt.Errorf("stat config path: %w", err)
	}

	visited := make(map[string]struct{})
	var cfg *Config
	if info.IsDir() {
		cfg, err = loadDir(abs, visited)
	} else {
		cfg, err = loadFile(abs, visited)
	}
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", abs, err)
	}
	return cfg, nil
}

// Parse decodes a single configuration document without module includes.
func Parse(raw []byte) (*Config, error) {
	if err := validateSchema(raw); err != nil {
		return nil, err
	}
	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func loadFile(path string, visited map[string]struct{}) (*Config, error) {
	if _, ok := visited[path]; ok {
		return nil, fmt.Errorf("config include cycle detected at %s", path)
	}
	visited[path] = struct{}{}
	defer delete(visited, path)

	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := validateSchema(raw); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config %s: %w", path, err)
	}
	cfg.setSource(ModuleReference{File: path, Name: cfg.Name, Description: cfg.Description})

	baseDir := filepath.Dir(path)
	for _, module := range cfg.Modules {
		if module.Path == "" {
			continue
		}
		modulePath := module.Path
		if !filepath.IsAbs(modulePath) {
			modulePath = filepath.Join(baseDir, modulePath)
		}
		info, err := os.Stat(modulePath)
		if err != nil {
			return nil, fmt.Errorf("load module %s: %w", module.Path, err)
		}
		var child *Config
		if info.IsDir() {
			child, err = loadDir(modulePath, visited)
		} else {
			child, err = loadFile(modulePath, visited)
		}
		if err != nil {
			return nil, fmt.Errorf("load module %s: %w", module.Path, err)
		}
		child.applyModuleMetadata(ModuleReference{Name: module.Name, Description: module.Description})
		mergeConfig(&cfg, child)
	}
	return &cfg, nil
}

func loadDir(path string, visited map[string]struct{}) (*Config, error) {
	if _, ok := visited[path]; ok {
		return nil, fmt.Errorf("config include cycle detected at %s", path)
	}
	visited[path] = struct{}{}
	defer delete(visited, path)

	entries, err := os.ReadDir(path)
	if err != nil {
		return nil, fmt.Errorf("read config dir %s: %w", path, err)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	result := &Config{Source: ModuleReference{File: path}}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(entry.Name()))
		if ext != ".yaml" && ext != ".yml" {
			continue
		}
		child, err := loadFile(filepath.Join(path, entry.Name()), visited)
		if err != nil {
			return nil, err
		}
		mergeConfig(result, child)
	}
	return result, nil
}

// mergeConfig appends the devices of src to dst. Scalar settings of src only
// fill values dst leaves unset.
func mergeConfig(dst, src *Config) {
	if src == nil {
		return
	}
	dst.Devices = append(dst.Devices, src.Devices...)
	if dst.Logging.Level == "" {
		dst.Logging = src.Logging
	}
	if !dst.Telemetry.Enabled && src.Telemetry.Enabled {
		dst.Telemetry = src.Telemetry
	}
	if dst.Agent == (AgentConfig{}) {
		dst.Agent = src.Agent
	}
	dst.HotReload = dst.HotReload || src.HotReload
}

func (c *Config) setSource(meta ModuleReference) {
	c.Source = meta
	for i := range c.Devices {
		c.Devices[i].Source = meta
	}
}

func (c *Config) applyModuleMetadata(meta ModuleReference) {
	for i := range c.Devices {
		c.Devices[i].Source.Name = firstNonEmpty(meta.Name, c.Devices[i].Source.Name)
		c.Devices[i].Source.Description = firstNonEmpty(meta.Description, c.Devices[i].Source.Description)
	}
}

// EnabledDevices returns the devices that are not disabled.
func (c *Config) EnabledDevices() []DeviceConfig {
	if c == nil {
		return nil
	}
	devices := make([]DeviceConfig, 0, len(c.Devices))
	for _, device := range c.Devices {
		if device.Disable {
			continue
		}
		devices = append(devices, device)
	}
	return devices
}

// DeviceAgent merges the device listener settings over the global defaults.
func (c *Config) DeviceAgent(device DeviceConfig) AgentConfig {
	port := DefaultAgentPort
	agent := AgentConfig{
		Port:         &port,
		Heartbeat:    Duration{DefaultHeartbeat},
		WriteTimeout: Duration{DefaultWriteTimeout},
	}
	if c != nil {
		agent = overlayAgent(agent, c.Agent)
	}
	return overlayAgent(agent, device.Agent)
}

func overlayAgent(base, override AgentConfig) AgentConfig {
	if override.Host != "" {
		base.Host = override.Host
	}
	if override.Port != nil {
		base.Port = override.Port
	}
	if override.Heartbeat.Duration > 0 {
		base.Heartbeat = override.Heartbeat
	}
	if override.WriteTimeout.Duration > 0 {
		base.WriteTimeout = override.WriteTimeout
	}
	return base
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
