// Package config loads the cluster configuration file. The file is HCL and
// its values may reference process environment variables through the `env`
// object, e.g. `listen_address = env.LISTEN_ADDR`.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"
	"github.com/zclconf/go-cty/cty"
)

// Defaults applied for attributes absent from the file.
const (
	DefaultListenAddress     = "0.0.0.0:7070"
	DefaultHTTPPort          = 0 // disabled
	DefaultHeartbeatInterval = time.Second
	DefaultLogLevel          = "info"
	DefaultLogFormat         = "json"
)

// Model is the validated, format-agnostic configuration consumed by the
// rest of the application.
type Model struct {
	ListenAddress     string
	SchedulerAddress  string
	HTTPPort          int
	HeartbeatInterval time.Duration
	LogLevel          string
	LogFormat         string
}

// fileSchema mirrors the top-level structure of a cluster config file.
type fileSchema struct {
	Cluster *clusterBlock `hcl:"cluster,block"`
}

type clusterBlock struct {
	ListenAddress     *string `hcl:"listen_address,optional"`
	SchedulerAddress  *string `hcl:"scheduler_address,optional"`
	HTTPPort          *int    `hcl:"http_port,optional"`
	HeartbeatInterval *string `hcl:"heartbeat_interval,optional"`
	LogLevel          *string `hcl:"log_level,optional"`
	LogFormat         *string `hcl:"log_format,optional"`
}

// Load parses and validates the config file at path.
func Load(path string) (*Model, error) {
	parser := hclparse.NewParser()
	file, diags := parser.ParseHCLFile(path)
	if diags.HasErrors() {
		return nil, fmt.Errorf("config: parse %s: %w", path, diags)
	}

	var schema fileSchema
	if diags := gohcl.DecodeBody(file.Body, evalContext(), &schema); diags.HasErrors() {
		return nil, fmt.Errorf("config: decode %s: %w", path, diags)
	}
	if schema.Cluster == nil {
		return nil, fmt.Errorf("config: %s is missing the required cluster block", path)
	}

	model := &Model{
		ListenAddress:     DefaultListenAddress,
		HTTPPort:          DefaultHTTPPort,
		HeartbeatInterval: DefaultHeartbeatInterval,
		LogLevel:          DefaultLogLevel,
		LogFormat:         DefaultLogFormat,
	}
	b := schema.Cluster
	if b.ListenAddress != nil {
		model.ListenAddress = *b.ListenAddress
	}
	if b.SchedulerAddress != nil {
		model.SchedulerAddress = *b.SchedulerAddress
	}
	if b.HTTPPort != nil {
		model.HTTPPort = *b.HTTPPort
	}
	if b.HeartbeatInterval != nil {
		d, err := time.ParseDuration(*b.HeartbeatInterval)
		if err != nil {
			return nil, fmt.Errorf("config: invalid heartbeat_interval: %w", err)
		}
		model.HeartbeatInterval = d
	}
	if b.LogLevel != nil {
		model.LogLevel = strings.ToLower(*b.LogLevel)
	}
	if b.LogFormat != nil {
		model.LogFormat = strings.ToLower(*b.LogFormat)
	}

	if err := model.Validate(); err != nil {
		return nil, err
	}
	return model, nil
}

// Validate checks cross-field constraints on an assembled model.
func (m *Model) Validate() error {
	if m.ListenAddress == "" {
		return fmt.Errorf("config: listen_address cannot be empty")
	}
	if m.SchedulerAddress == "" {
		return fmt.Errorf("config: scheduler_address is required")
	}
	if m.HeartbeatInterval <= 0 {
		return fmt.Errorf("config: heartbeat_interval must be positive")
	}
	switch m.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("config: invalid log_level %q", m.LogLevel)
	}
	switch m.LogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("config: invalid log_format %q", m.LogFormat)
	}
	return nil
}

// evalContext exposes the process environment as the `env` object so config
// files can reference deployment-specific values.
func evalContext() *hcl.EvalContext {
	vars := make(map[string]cty.Value)
	for _, kv := range os.Environ() {
		if k, v, ok := strings.Cut(kv, "="); ok && k != "" {
			vars[k] = cty.StringVal(v)
		}
	}
	return &hcl.EvalContext{
		Variables: map[string]cty.Value{"env": cty.ObjectVal(vars)},
	}
}
