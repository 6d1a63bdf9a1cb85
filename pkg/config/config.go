package config

import (
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/roost-run/roost/pkg/types"
)

// LogConfig controls log output for both roles.
type LogConfig struct {
	Level string `yaml:"level"` // debug, info, warn, error
	JSON  bool   `yaml:"json"`
}

// ControllerConfig configures the central controller.
type ControllerConfig struct {
	// DataDir holds the BoltDB spec store.
	DataDir string `yaml:"data_dir"`
	// ListenAddr serves the admin API plus /metrics and /health.
	ListenAddr string       `yaml:"listen_addr"`
	Nodes      []types.Node `yaml:"nodes"`

	ReconcileInterval    time.Duration `yaml:"reconcile_interval"`
	FullSyncEvery        int           `yaml:"full_sync_every"`
	MaxConcurrentNodes   int           `yaml:"max_concurrent_nodes"`
	MaxConcurrentRepairs int           `yaml:"max_concurrent_repairs"`
	UnhealthyThreshold   int           `yaml:"unhealthy_threshold"`
	AbsentPurgeAfter     time.Duration `yaml:"absent_purge_after"`

	Log LogConfig `yaml:"log"`
}

// AgentConfig configures a node agent.
type AgentConfig struct {
	NodeID     string `yaml:"node_id"`
	ListenAddr string `yaml:"listen_addr"`
	Token      string `yaml:"token"`

	// Runtime selects the container engine adapter: "containerd" or
	// "docker".
	Runtime string `yaml:"runtime"`
	// ContainerdSocket overrides the default containerd socket path.
	ContainerdSocket string `yaml:"containerd_socket"`

	Log LogConfig `yaml:"log"`
}

// LoadController reads and validates a controller config file.
func LoadController(path string) (*ControllerConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	cfg := &ControllerConfig{
		DataDir:              "/var/lib/roost",
		ListenAddr:           ":9090",
		ReconcileInterval:    10 * time.Second,
		FullSyncEvery:        5,
		MaxConcurrentNodes:   4,
		MaxConcurrentRepairs: 3,
		UnhealthyThreshold:   3,
		AbsentPurgeAfter:     10 * time.Minute,
		Log:                  LogConfig{Level: "info", JSON: true},
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if len(cfg.Nodes) == 0 {
		return nil, fmt.Errorf("at least one node is required")
	}
	seen := make(map[string]bool, len(cfg.Nodes))
	for _, node := range cfg.Nodes {
		if node.ID == "" || node.Address == "" {
			return nil, fmt.Errorf("every node needs an id and an address")
		}
		if seen[node.ID] {
			return nil, fmt.Errorf("duplicate node id %q", node.ID)
		}
		seen[node.ID] = true
	}
	return cfg, nil
}

// LoadAgent reads and validates an agent config file.
func LoadAgent(path string) (*AgentConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	cfg := &AgentConfig{
		ListenAddr: ":7946",
		Runtime:    "containerd",
		Log:        LogConfig{Level: "info", JSON: true},
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if cfg.NodeID == "" {
		return nil, fmt.Errorf("node_id is required")
	}
	if cfg.Token == "" {
		return nil, fmt.Errorf("token is required")
	}
	switch cfg.Runtime {
	case "containerd", "docker":
	default:
		return nil, fmt.Errorf("unsupported runtime %q", cfg.Runtime)
	}
	return cfg, nil
}

// LoadInstanceManifest parses a tool instance spec from a YAML file,
// for roost instance deploy -f.
func LoadInstanceManifest(path string) (*types.ToolInstanceSpec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest: %w", err)
	}

	spec := &types.ToolInstanceSpec{
		DesiredState: types.DesiredRunning,
	}
	if err := yaml.Unmarshal(data, spec); err != nil {
		return nil, fmt.Errorf("failed to parse manifest: %w", err)
	}
	if spec.InstanceID == "" {
		spec.InstanceID = uuid.NewString()
	}
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	return spec, nil
}
