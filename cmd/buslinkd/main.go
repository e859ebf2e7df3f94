package main

import (
	"flag"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/danmuck/buslink/internal/config"
	"github.com/danmuck/buslink/internal/engine"
	"github.com/danmuck/buslink/internal/engine/singleframe"
	"github.com/danmuck/buslink/internal/frame"
	"github.com/danmuck/buslink/internal/node"
	"github.com/danmuck/buslink/internal/observability"
	"github.com/danmuck/buslink/internal/server"
)

// buslinkd runs one bus node with its link looped back onto its own
// ingestion queue, fronted by the HTTP status and control surface. The
// loopback stands in for a real transport driver; everything above the
// send function behaves exactly as it would on hardware.
func main() {
	configPath := flag.String("config", "cmd/buslinkd/config.toml", "node config path")
	flag.Parse()

	logger := observability.InitLogger("buslinkd")

	cfg, err := config.LoadNodeConfig(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load node config")
	}
	zerolog.SetGlobalLevel(observability.ParseLevel(cfg.LogLevel))
	log.Info().Str("path", *configPath).Msg("loaded node config")

	opts, err := config.NodeOptions(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("invalid node config")
	}

	mtu, _ := frame.ParseMTUClass(cfg.MTU)
	var (
		n   *node.Node
		srv *server.Server
	)
	opts.Engine = func(alloc engine.Allocator) (engine.Engine, error) {
		return singleframe.New(alloc, singleframe.Options{
			LocalID: engine.NodeID(cfg.NodeID),
			MTU:     mtu,
		})
	}
	opts.Send = func(f frame.Frame, extended bool) error {
		n.IngestFrameNoWait(f, 0)
		return nil
	}
	opts.OnTransfer = func(nn *node.Node, t engine.Transfer, payload []byte) {
		srv.Record(nn, t, payload)
	}
	opts.Logger = logger

	n, err = node.New(opts)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to start node")
	}
	defer n.Close()

	srv = server.New(cfg.Name, cfg.Addr, cfg.CorsOrigins, n)
	log.Info().
		Str("name", cfg.Name).
		Uint8("node_id", cfg.NodeID).
		Str("addr", cfg.Addr).
		Msg("node started")
	if err := srv.Serve(); err != nil {
		log.Fatal().Err(err).Msg("status server stopped")
	}
}
