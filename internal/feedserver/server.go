// Package feedserver accepts TCP connections and drives each one through
// the wire protocol's request/reply loop, dispatching parsed commands to a
// feedhandler.Handler.
package feedserver

import (
	"context"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/atlas-desktop/quotefeed/internal/feedhandler"
	"github.com/atlas-desktop/quotefeed/internal/metrics"
	"github.com/atlas-desktop/quotefeed/pkg/utils"
)

// Config configures the listener and per-connection behavior.
type Config struct {
	Port        int
	ReadTimeout time.Duration
}

// Server accepts connections on Config.Port and runs one Connection per
// accepted socket. Concurrent connections read and write independently;
// every store mutation still funnels through StoreManager's single write
// mutex, so the cooperative single-writer model holds regardless of how
// many connection goroutines are in flight.
type Server struct {
	logger  *zap.Logger
	cfg     Config
	handler *feedhandler.Handler
	metrics *metrics.Registry

	mu       sync.Mutex
	listener net.Listener
	conns    map[string]*Connection
}

// New builds a Server. Call Serve to start accepting.
func New(logger *zap.Logger, cfg Config, handler *feedhandler.Handler) *Server {
	return &Server{
		logger:  logger,
		cfg:     cfg,
		handler: handler,
		conns:   make(map[string]*Connection),
	}
}

// SetMetrics attaches a Prometheus registry so connection counts are
// observed alongside command latency.
func (s *Server) SetMetrics(m *metrics.Registry) { s.metrics = m }

// Serve listens on Config.Port and accepts connections until ctx is
// canceled or the listener errors. It blocks until shutdown completes.
func (s *Server) Serve(ctx context.Context) error {
	addr := &net.TCPAddr{Port: s.cfg.Port}
	ln, err := net.ListenTCP("tcp", addr)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	s.logger.Info("feedserver listening", zap.Int("port", s.cfg.Port))

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				s.shutdownConns()
				return nil
			default:
				s.logger.Warn("accept failed", zap.Error(err))
				return err
			}
		}
		if tcp, ok := conn.(*net.TCPConn); ok {
			tcp.SetNoDelay(true)
		}
		s.acceptConn(conn)
	}
}

func (s *Server) acceptConn(raw net.Conn) {
	id := utils.GenerateConnID()
	c := newConnection(id, raw, s.handler, s.logger, s.cfg.ReadTimeout)

	s.mu.Lock()
	s.conns[id] = c
	s.mu.Unlock()

	s.logger.Info("connection accepted", zap.String("conn", id), zap.String("remote", raw.RemoteAddr().String()))
	if s.metrics != nil {
		s.metrics.ConnectionOpened()
	}

	go func() {
		c.Run()
		s.mu.Lock()
		delete(s.conns, id)
		s.mu.Unlock()
		if s.metrics != nil {
			s.metrics.ConnectionClosed()
		}
		s.logger.Info("connection closed", zap.String("conn", id))
	}()
}

func (s *Server) shutdownConns() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.conns {
		c.Close()
	}
}
