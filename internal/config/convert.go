package config

import (
	"github.com/danmuck/buslink/internal/engine"
	"github.com/danmuck/buslink/internal/frame"
	"github.com/danmuck/buslink/internal/node"
)

// NodeOptions maps a loaded NodeConfig onto node.Config. The caller wires
// the collaborators the file cannot express: the send function, the
// transfer handler and the engine factory.
func NodeOptions(cfg NodeConfig) (node.Config, error) {
	mtu, err := frame.ParseMTUClass(cfg.MTU)
	if err != nil {
		return node.Config{}, err
	}
	return node.Config{
		Name:          cfg.Name,
		NodeID:        engine.NodeID(cfg.NodeID),
		MTU:           mtu,
		PoolSize:      cfg.PoolSize,
		BlockSize:     cfg.BlockSize,
		QueueCapacity: cfg.QueueCapacity,
		TaskPriority:  cfg.TaskPriority,
	}, nil
}
