// Package config loads phase-daemon's configuration from environment
// variables, following the same explicit-default, no-framework pattern
// used throughout this codebase's configuration surface.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the phase-daemon process.
type Config struct {
	// Overlay networking
	ListenAddrs   []string
	PeerSeeds     []string
	SeedsFilePath string

	// HTTP artifact surface
	HTTPAddr   string
	HTTPPort   int
	PublicAddr string // reachable host:port advertised to peers

	// Artifact layout
	ArtifactBaseDir string
	Channel         string
	Arch            string
	Version         string

	// Trust material
	SigningKeyPath    string
	RollbackCachePath string

	// Node capability and admission policy
	CPUCores      uint32
	MemoryMB      uint64
	Runtime       string
	MaxInFlight   int
	JobTimeoutSec uint64

	LogLevel string
}

// Load reads configuration from environment variables. Every value has
// a safe local-development default; deployments override what they
// need via the environment.
func Load() (*Config, error) {
	cfg := &Config{
		ListenAddrs:   parseList(getEnv("PHASE_LISTEN_ADDRS", "/ip4/0.0.0.0/tcp/4001")),
		PeerSeeds:     parseList(getEnv("PHASE_PEER_SEEDS", "")),
		SeedsFilePath: getEnv("PHASE_PEER_SEEDS_FILE", ""),

		HTTPAddr:   getEnv("PHASE_HTTP_HOST", "0.0.0.0"),
		HTTPPort:   getEnvInt("PHASE_HTTP_PORT", 8080),
		PublicAddr: getEnv("PHASE_PUBLIC_ADDR", ""),

		ArtifactBaseDir: getEnv("PHASE_ARTIFACT_DIR", "./data/artifacts"),
		Channel:         getEnv("PHASE_CHANNEL", "stable"),
		Arch:            getEnv("PHASE_ARCH", "x86_64"),
		Version:         getEnv("PHASE_VERSION", "0.1.0"),

		SigningKeyPath:    getEnv("PHASE_SIGNING_KEY_PATH", "./data/node.key"),
		RollbackCachePath: getEnv("PHASE_ROLLBACK_CACHE_PATH", "./data/rollback.cache"),

		CPUCores:      uint32(getEnvInt("PHASE_CPU_CORES", 2)),
		MemoryMB:      uint64(getEnvInt("PHASE_MEMORY_MB", 1024)),
		Runtime:       getEnv("PHASE_RUNTIME", "wazero"),
		MaxInFlight:   getEnvInt("PHASE_MAX_IN_FLIGHT", 8),
		JobTimeoutSec: uint64(getEnvInt("PHASE_JOB_TIMEOUT_SECONDS", 30)),

		LogLevel: getEnv("PHASE_LOG_LEVEL", "info"),
	}

	if cfg.PublicAddr == "" {
		cfg.PublicAddr = fmt.Sprintf("127.0.0.1:%d", cfg.HTTPPort)
	}

	if cfg.SeedsFilePath != "" {
		seeds, err := LoadSeedsFile(cfg.SeedsFilePath)
		if err != nil {
			return nil, err
		}
		cfg.PeerSeeds = append(cfg.PeerSeeds, seeds...)
	}

	return cfg, nil
}

// seedsFile is the on-disk shape of a peer seed list:
//
//	seeds:
//	  - /ip4/10.0.0.5/tcp/4001/p2p/12D3Koo...
type seedsFile struct {
	Seeds []string `yaml:"seeds"`
}

// LoadSeedsFile reads a YAML seed list and returns its multiaddr
// strings. Entries are not validated here; the dialer reports bad
// multiaddrs when it tries them.
func LoadSeedsFile(path string) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read seeds file %s: %w", path, err)
	}
	var f seedsFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse seeds file %s: %w", path, err)
	}
	return f.Seeds, nil
}

// Validate checks that the loaded configuration is internally
// consistent and usable to start the daemon.
func (c *Config) Validate() error {
	var errs []string

	if len(c.ListenAddrs) == 0 {
		errs = append(errs, "PHASE_LISTEN_ADDRS must name at least one listen address")
	}
	if c.ArtifactBaseDir == "" {
		errs = append(errs, "PHASE_ARTIFACT_DIR must not be empty")
	}
	if c.Channel == "" {
		errs = append(errs, "PHASE_CHANNEL must not be empty")
	}
	if c.Arch == "" {
		errs = append(errs, "PHASE_ARCH must not be empty")
	}
	if c.CPUCores < 1 {
		errs = append(errs, "PHASE_CPU_CORES must be at least 1")
	}
	if c.MemoryMB < 1 {
		errs = append(errs, "PHASE_MEMORY_MB must be at least 1")
	}
	if c.MaxInFlight < 1 {
		errs = append(errs, "PHASE_MAX_IN_FLIGHT must be at least 1")
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func parseList(value string) []string {
	if value == "" {
		return nil
	}
	parts := strings.Split(value, ",")
	result := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			result = append(result, p)
		}
	}
	return result
}
