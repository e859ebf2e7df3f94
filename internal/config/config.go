package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/pelletier/go-toml/v2"

	"github.com/danmuck/buslink/internal/frame"
)

type NodeConfig struct {
	Name          string   `toml:"name"`
	NodeID        uint8    `toml:"node_id"`
	MTU           string   `toml:"mtu"`
	PoolSize      int      `toml:"pool_size"`
	BlockSize     int      `toml:"block_size"`
	QueueCapacity int      `toml:"queue_capacity"`
	TaskPriority  int      `toml:"task_priority"`
	Addr          string   `toml:"addr"`
	CorsOrigins   []string `toml:"cors_origins"`
	LogLevel      string   `toml:"log_level"`
}

func LoadNodeConfig(path string) (NodeConfig, error) {
	var cfg NodeConfig
	if err := loadToml(path, &cfg); err != nil {
		return NodeConfig{}, err
	}
	if cfg.Name == "" {
		cfg.Name = "buslink"
	}
	if cfg.Addr == "" {
		cfg.Addr = ":9200"
	}
	if cfg.PoolSize == 0 {
		cfg.PoolSize = 16 * 1024
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if err := ValidateNodeConfig(cfg); err != nil {
		return NodeConfig{}, err
	}
	return cfg, nil
}

func loadToml(path string, out any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config load failed (%s): %w", path, err)
	}
	if err := toml.Unmarshal(data, out); err != nil {
		return fmt.Errorf("config parse failed (%s): %w", path, err)
	}
	return nil
}

func ValidateNodeConfig(cfg NodeConfig) error {
	if strings.TrimSpace(cfg.Name) == "" {
		return fmt.Errorf("node config missing name")
	}
	if strings.TrimSpace(cfg.Addr) == "" {
		return fmt.Errorf("node config missing addr")
	}
	if cfg.NodeID > 127 {
		return fmt.Errorf("node_id %d out of range (0-127)", cfg.NodeID)
	}
	if _, err := frame.ParseMTUClass(cfg.MTU); err != nil {
		return fmt.Errorf("node config invalid mtu: %w", err)
	}
	if cfg.PoolSize < 0 || cfg.BlockSize < 0 {
		return fmt.Errorf("pool sizes must be non-negative")
	}
	if cfg.BlockSize > 0 && cfg.PoolSize%cfg.BlockSize != 0 {
		return fmt.Errorf("pool_size %d not a multiple of block_size %d", cfg.PoolSize, cfg.BlockSize)
	}
	if cfg.QueueCapacity < 0 {
		return fmt.Errorf("queue_capacity must be non-negative")
	}
	return nil
}
