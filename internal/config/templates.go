package config

import (
	"bytes"
	"fmt"
	"os"
	"strings"

	"github.com/BurntSushi/toml"
)

func defaultNodeConfig() NodeConfig {
	return NodeConfig{
		Name:          "buslink",
		NodeID:        9,
		MTU:           "classic",
		PoolSize:      16384,
		BlockSize:     128,
		QueueCapacity: 10,
		TaskPriority:  4,
		Addr:          ":9200",
		CorsOrigins:   []string{"http://localhost:3000"},
		LogLevel:      "info",
	}
}

func Template(kind string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case "node":
		var buf bytes.Buffer
		if err := toml.NewEncoder(&buf).Encode(defaultNodeConfig()); err != nil {
			return "", fmt.Errorf("render node template: %w", err)
		}
		return buf.String(), nil
	default:
		return "", fmt.Errorf("unknown config kind: %s", kind)
	}
}

func WriteTemplate(path, kind string, overwrite bool) error {
	template, err := Template(kind)
	if err != nil {
		return err
	}
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config already exists: %s", path)
		}
	}
	return os.WriteFile(path, []byte(template), 0o600)
}
