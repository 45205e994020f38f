package server

import (
	"bufio"
	"io"
	"log/slog"
	"net"
	"runtime/debug"
	"sync"

	"github.com/cockroachdb/errors"

	"github.com/sanonone/kektorkv/internal/protocol"
	"github.com/sanonone/kektorkv/pkg/engine"
	"github.com/sanonone/kektorkv/pkg/metrics"
	"github.com/sanonone/kektorkv/pkg/persistence"
)

// RESPServer serves the string commands over TCP in the Redis protocol, so
// redis-cli and Redis client libraries can talk to the Engine.
type RESPServer struct {
	Engine *engine.Engine

	addr        string
	taskManager *TaskManager

	mu      sync.Mutex
	ln      net.Listener
	conns   map[net.Conn]struct{}
	closing bool
	wg      sync.WaitGroup
}

// NewRESPServer builds a RESP server for an open Engine.
func NewRESPServer(eng *engine.Engine, addr string) *RESPServer {
	return &RESPServer{
		Engine:      eng,
		addr:        addr,
		taskManager: NewTaskManager(),
		conns:       make(map[net.Conn]struct{}),
	}
}

// ListenAndServe listens on the configured address and serves until Close.
func (s *RESPServer) ListenAndServe() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return errors.Wrapf(err, "RESP listen on %s", s.addr)
	}
	return s.Serve(ln)
}

// Serve accepts connections on ln until Close.
func (s *RESPServer) Serve(ln net.Listener) error {
	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		ln.Close()
		return nil
	}
	s.ln = ln
	s.mu.Unlock()

	slog.Info("RESP server listening", "addr", ln.Addr().String())
	for {
		conn, err := ln.Accept()
		if err != nil {
			s.mu.Lock()
			closing := s.closing
			s.mu.Unlock()
			if closing {
				return nil
			}
			return errors.Wrap(err, "RESP accept")
		}
		if !s.track(conn) {
			conn.Close()
			return nil
		}
		go s.handleConn(conn)
	}
}

// Addr returns the listening address, nil before Serve.
func (s *RESPServer) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

// Close stops accepting, closes every client connection and waits for their
// handlers and background tasks to return.
func (s *RESPServer) Close() error {
	s.mu.Lock()
	s.closing = true
	var err error
	if s.ln != nil {
		err = s.ln.Close()
	}
	for c := range s.conns {
		c.Close()
	}
	s.mu.Unlock()

	s.wg.Wait()
	s.taskManager.Wait()
	return err
}

func (s *RESPServer) track(conn net.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closing {
		return false
	}
	s.conns[conn] = struct{}{}
	s.wg.Add(1)
	metrics.RESPConnectedClients.Inc()
	return true
}

func (s *RESPServer) untrack(conn net.Conn) {
	s.mu.Lock()
	delete(s.conns, conn)
	s.mu.Unlock()
	metrics.RESPConnectedClients.Dec()
	s.wg.Done()
}

func (s *RESPServer) handleConn(conn net.Conn) {
	defer s.untrack(conn)
	defer conn.Close()

	r := bufio.NewReaderSize(conn, 64*1024)
	w := protocol.NewWriter(conn)
	for {
		cmd, err := protocol.ReadCommand(r)
		if err != nil {
			if errors.Is(err, persistence.ErrMalformed) || errors.Is(err, protocol.ErrInlineTooLong) {
				w.WriteError("ERR Protocol error: " + err.Error())
				_ = w.Flush()
			} else if err != io.EOF && !errors.Is(err, net.ErrClosed) {
				slog.Debug("RESP connection read failed", "remote", conn.RemoteAddr().String(), "error", err)
			}
			return
		}

		quit := s.safeDispatch(conn, w, cmd)
		// Replies to pipelined requests go out together.
		if quit || r.Buffered() == 0 {
			if err := w.Flush(); err != nil {
				return
			}
		}
		if quit {
			return
		}
	}
}

// safeDispatch is dispatch with panic recovery. A panicking command gets an
// error reply and its connection is closed; the process keeps serving.
func (s *RESPServer) safeDispatch(conn net.Conn, w *protocol.Writer, cmd *protocol.Command) (quit bool) {
	defer func() {
		if err := recover(); err != nil {
			slog.Error("CRITICAL: panic recovered in RESP handler",
				"error", err,
				"command", cmd.Name,
				"remote", conn.RemoteAddr().String(),
				"stack", string(debug.Stack()),
			)
			w.WriteError("ERR internal error")
			quit = true
		}
	}()
	return s.dispatch(w, cmd)
}
