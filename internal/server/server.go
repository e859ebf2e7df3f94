package server

import (
	"sync"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/danmuck/buslink/internal/engine"
	"github.com/danmuck/buslink/internal/node"
	"github.com/danmuck/buslink/internal/observability"
)

const inboxDepth = 32

// Server is the HTTP status and control surface around one bus node. It
// owns the per-destination transfer-ID counters the transmit routes use
// and keeps a bounded inbox of recent transfers for inspection.
type Server struct {
	Name     string    `json:"name"`
	Addr     string    `json:"addr"`
	RunID    string    `json:"run_id"`
	Appeared time.Time `json:"appeared"`

	node     *node.Node
	router   *gin.Engine
	basePath string

	mu    sync.Mutex
	tids  map[tidKey]*uint8
	inbox []Received
}

// Counters are keyed the way the protocol tracks transfer IDs: one
// monotonic sequence per kind, port and destination.
type tidKey struct {
	kind engine.TransferKind
	port engine.PortID
	dest engine.NodeID
}

// Received is one delivered transfer as reported by the inbox route.
type Received struct {
	Port       uint16    `json:"port"`
	Kind       string    `json:"kind"`
	Remote     uint8     `json:"remote"`
	TransferID uint8     `json:"transfer_id"`
	Payload    []byte    `json:"payload"`
	ReceivedAt time.Time `json:"received_at"`
}

func New(name, addr string, corsOrigins []string, n *node.Node) *Server {
	observability.RegisterMetrics()
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(observability.RequestLogger(log.Logger))
	r.Use(observability.RequestMetrics(name))
	r.Use(cors.New(cors.Config{
		AllowOrigins: normalizeOrigins(corsOrigins),
		AllowMethods: []string{"GET", "POST", "DELETE"},
		AllowHeaders: []string{"Origin", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}))
	_ = r.SetTrustedProxies([]string{"127.0.0.1", "::1"})

	return &Server{
		Name:     name,
		Addr:     addr,
		RunID:    uuid.NewString(),
		Appeared: time.Now(),
		node:     n,
		router:   r,
		tids:     make(map[tidKey]*uint8),
	}
}

// Attach mounts the server on an existing router, for tests and for
// embedding under another process's API.
func Attach(name string, router *gin.Engine, basePath string, n *node.Node) *Server {
	return &Server{
		Name:     name,
		RunID:    uuid.NewString(),
		Appeared: time.Now(),
		node:     n,
		router:   router,
		basePath: basePath,
		tids:     make(map[tidKey]*uint8),
	}
}

func (s *Server) HTTPRouter() *gin.Engine {
	return s.router
}

func (s *Server) Serve() error {
	s.RegisterRoutes()
	log.Info().
		Str("name", s.Name).
		Str("addr", s.Addr).
		Str("run_id", s.RunID).
		Msg("status server started")
	return s.router.Run(s.Addr)
}

// Record stores one delivered transfer in the bounded inbox. Wired as the
// node's transfer handler, so it runs with the node lock held; it copies
// the payload and takes only the server's own mutex, never a node lock.
func (s *Server) Record(_ *node.Node, t engine.Transfer, payload []byte) {
	entry := Received{
		Port:       uint16(t.Port),
		Kind:       t.Kind.String(),
		Remote:     uint8(t.Remote),
		TransferID: t.TransferID,
		Payload:    append([]byte(nil), payload...),
		ReceivedAt: t.Timestamp,
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inbox = append(s.inbox, entry)
	if len(s.inbox) > inboxDepth {
		s.inbox = s.inbox[len(s.inbox)-inboxDepth:]
	}
}

func (s *Server) received() []Received {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Received, len(s.inbox))
	copy(out, s.inbox)
	return out
}

// transferID returns the persistent counter for one transmit key. The
// counter itself is incremented under the node lock, which serializes
// concurrent transmits sharing it.
func (s *Server) transferID(kind engine.TransferKind, port engine.PortID, dest engine.NodeID) *uint8 {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := tidKey{kind: kind, port: port, dest: dest}
	tid, ok := s.tids[k]
	if !ok {
		tid = new(uint8)
		s.tids[k] = tid
	}
	return tid
}

func (s *Server) routes() gin.IRoutes {
	if s.basePath == "" {
		return s.router
	}
	return s.router.Group(s.basePath)
}

func normalizeOrigins(origins []string) []string {
	if len(origins) == 0 {
		return []string{"http://localhost:3000"}
	}
	return origins
}
