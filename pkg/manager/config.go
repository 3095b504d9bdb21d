package manager

import (
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"

	"github.com/nodeshare/cpumgr/pkg/policy"
	"github.com/nodeshare/cpumgr/pkg/subprocess"
)

// Config collects every environment/configuration knob spec.md enumerates.
// Precedence, lowest to highest: code defaults, a YAML file (if loaded),
// then DLB_* environment variables — matching the teacher's own
// CLK_TCK/PAGE_SIZE env-override idiom in pkg/system/proc/proc.go.
type Config struct {
	ShmKey            string `yaml:"shm_key"`
	ShmSizeMultiplier uint32 `yaml:"shm_size_multiplier"`
	SystemSize        int    `yaml:"system_size"`
	LewiColor         int    `yaml:"lewi_color"`
	Policy            string `yaml:"policy"`
	Drom              bool   `yaml:"drom"`
	Mode              string `yaml:"mode"`
	ReturnStolen      bool   `yaml:"return_stolen"`
}

// DefaultConfig returns the code-level defaults, before any YAML file or
// environment override is applied.
func DefaultConfig() Config {
	return Config{
		ShmKey:            "cpumgr",
		ShmSizeMultiplier: 1,
		SystemSize:        0,
		LewiColor:         0,
		Policy:            "none",
		Drom:              false,
		Mode:              "polling",
		ReturnStolen:      false,
	}
}

// LoadConfig reads path (if non-empty) as YAML over the defaults, then
// applies DLB_* environment variable overrides, in that order.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("manager: read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("manager: parse config %s: %w", path, err)
		}
	}

	applyEnvOverrides(&cfg)
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v, ok := os.LookupEnv("DLB_SHM_KEY"); ok {
		cfg.ShmKey = v
	}
	if v, ok := envUint32("DLB_SHM_SIZE_MULTIPLIER"); ok {
		cfg.ShmSizeMultiplier = v
	}
	if v, ok := envInt("DLB_SYSTEM_SIZE"); ok {
		cfg.SystemSize = v
	}
	if v, ok := envInt("DLB_LEWI_COLOR"); ok {
		cfg.LewiColor = v
	}
	if v, ok := os.LookupEnv("DLB_POLICY"); ok {
		cfg.Policy = v
	}
	if v, ok := envBool("DLB_DROM"); ok {
		cfg.Drom = v
	}
	if v, ok := os.LookupEnv("DLB_MODE"); ok {
		cfg.Mode = v
	}
	if v, ok := envBool("DLB_RETURN_STOLEN"); ok {
		cfg.ReturnStolen = v
	}
}

func envInt(key string) (int, bool) {
	v, ok := os.LookupEnv(key)
	if !ok {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return n, true
}

func envUint32(key string) (uint32, bool) {
	n, ok := envInt(key)
	if !ok || n < 0 {
		return 0, false
	}
	return uint32(n), true
}

func envBool(key string) (bool, bool) {
	v, ok := os.LookupEnv(key)
	if !ok {
		return false, false
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, false
	}
	return b, true
}

// PolicyKind parses the configured policy string.
func (c Config) PolicyKind() policy.Kind { return policy.ParseKind(c.Policy) }

// DeliveryMode parses the configured mode string, defaulting to Polling on
// no match.
func (c Config) DeliveryMode() subprocess.Mode {
	if c.Mode == "async" {
		return subprocess.Async
	}
	return subprocess.Polling
}
