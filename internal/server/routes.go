package server

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/danmuck/buslink/internal/engine"
	"github.com/danmuck/buslink/internal/node"
)

type transmitRequest struct {
	Kind     string `json:"kind"`
	Port     uint16 `json:"port"`
	Priority uint8  `json:"priority"`
	Dest     uint8  `json:"dest"`
	Payload  []byte `json:"payload"`
}

type subscribeRequest struct {
	Kind        string `json:"kind"`
	Port        uint16 `json:"port"`
	Extent      int    `json:"extent"`
	IDTimeoutMS int    `json:"id_timeout_ms"`
}

func (s *Server) RegisterRoutes() {
	routes := s.routes()

	routes.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "ok",
			"uptime":  time.Since(s.Appeared).String(),
			"service": s.Name,
			"run_id":  s.RunID,
			"version": "0.0.1",
		})
	})

	routes.GET("/ready", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"ready":  true,
			"uptime": time.Since(s.Appeared).String(),
			"node":   s.node.Name(),
		})
	})

	routes.GET("/metrics", gin.WrapH(promhttp.Handler()))

	routes.GET("/stats", func(c *gin.Context) {
		c.JSON(http.StatusOK, s.node.Stats())
	})

	routes.GET("/received", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"transfers": s.received()})
	})

	routes.POST("/transmit", func(c *gin.Context) {
		var req transmitRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		kind, ok := parseKind(req.Kind)
		if !ok {
			c.JSON(http.StatusBadRequest, gin.H{"error": "unknown kind: " + req.Kind})
			return
		}
		if req.Priority > uint8(engine.PriorityOptional) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "priority out of range"})
			return
		}

		port := engine.PortID(req.Port)
		dest := engine.NodeID(req.Dest)
		pri := engine.Priority(req.Priority)

		var err error
		switch kind {
		case engine.KindMessage:
			tid := s.transferID(kind, port, engine.NodeIDUnset)
			err = s.node.TransmitMessage(port, pri, req.Payload, tid)
		case engine.KindRequest:
			tid := s.transferID(kind, port, dest)
			err = s.node.TransmitRequest(dest, port, pri, req.Payload, tid)
		case engine.KindResponse:
			tid := s.transferID(kind, port, dest)
			err = s.node.TransmitResponse(dest, port, pri, req.Payload, tid)
		}
		if err != nil {
			c.JSON(statusFor(err), gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	routes.POST("/flush", func(c *gin.Context) {
		if err := s.node.Flush(); err != nil {
			c.JSON(statusFor(err), gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	routes.POST("/subscriptions", func(c *gin.Context) {
		var req subscribeRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		kind, ok := parseKind(req.Kind)
		if !ok {
			c.JSON(http.StatusBadRequest, gin.H{"error": "unknown kind: " + req.Kind})
			return
		}
		timeout := time.Duration(req.IDTimeoutMS) * time.Millisecond
		if timeout <= 0 {
			timeout = 2 * time.Second
		}
		if err := s.node.Subscribe(kind, engine.PortID(req.Port), req.Extent, timeout); err != nil {
			c.JSON(statusFor(err), gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	routes.DELETE("/subscriptions/:kind/:port", func(c *gin.Context) {
		kind, ok := parseKind(c.Param("kind"))
		if !ok {
			c.JSON(http.StatusBadRequest, gin.H{"error": "unknown kind: " + c.Param("kind")})
			return
		}
		port, err := strconv.ParseUint(c.Param("port"), 10, 16)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "bad port: " + c.Param("port")})
			return
		}
		if err := s.node.Unsubscribe(kind, engine.PortID(port)); err != nil {
			c.JSON(statusFor(err), gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
}

func parseKind(raw string) (engine.TransferKind, bool) {
	switch raw {
	case "message", "":
		return engine.KindMessage, true
	case "request":
		return engine.KindRequest, true
	case "response":
		return engine.KindResponse, true
	default:
		return engine.KindMessage, false
	}
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, node.ErrClosed):
		return http.StatusServiceUnavailable
	case errors.Is(err, engine.ErrDuplicate):
		return http.StatusConflict
	case errors.Is(err, engine.ErrNotSubscribed):
		return http.StatusNotFound
	case errors.Is(err, engine.ErrNoMemory):
		return http.StatusInsufficientStorage
	default:
		return http.StatusInternalServerError
	}
}
