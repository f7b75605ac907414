package network

import (
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// AcceptFunc decides whether a validated record is taken. A non-nil error
// resets the connection so the sender sees the record as rejected.
type AcceptFunc func(msg WireMessage) error

// ServerOptions configures the inbound listener.
type ServerOptions struct {
	Logger      *zap.Logger
	IdleTimeout time.Duration
	// Accept is consulted for every record before it is queued. Nil accepts all.
	Accept AcceptFunc
}

func (o ServerOptions) withDefaults() ServerOptions {
	out := o
	if out.Logger == nil {
		out.Logger = zap.NewNop()
	}
	if out.IdleTimeout <= 0 {
		out.IdleTimeout = DefaultIdleTimeout
	}
	return out
}

// Server accepts inbound peer connections and emits their records.
type Server struct {
	listener net.Listener
	options  ServerOptions
	logger   *zap.Logger

	accept atomic.Pointer[AcceptFunc]

	inbound chan WireMessage
	errs    chan error

	connsMu sync.Mutex
	conns   map[net.Conn]struct{}

	closed    chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// Listen starts a TCP listener and accept loop.
func Listen(address string, options ServerOptions) (*Server, error) {
	opts := options.withDefaults()

	if address == "" {
		address = ":0"
	}

	listener, err := net.Listen("tcp", address)
	if err != nil {
		return nil, fmt.Errorf("listen on %q: %w", address, err)
	}

	server := &Server{
		listener: listener,
		options:  opts,
		logger:   opts.Logger.Named("network"),
		inbound:  make(chan WireMessage, 64),
		errs:     make(chan error, 16),
		conns:    make(map[net.Conn]struct{}),
		closed:   make(chan struct{}),
	}
	server.SetAccept(opts.Accept)

	server.wg.Add(1)
	go server.acceptLoop()
	return server, nil
}

// Addr returns the listening address.
func (s *Server) Addr() net.Addr {
	return s.listener.Addr()
}

// Inbound returns validated records in per-connection arrival order.
func (s *Server) Inbound() <-chan WireMessage {
	return s.inbound
}

// SetAccept replaces the accept check used for records read from now on.
func (s *Server) SetAccept(accept AcceptFunc) {
	if accept == nil {
		s.accept.Store(nil)
		return
	}
	s.accept.Store(&accept)
}

// Errors returns asynchronous server errors.
func (s *Server) Errors() <-chan error {
	return s.errs
}

// Close stops accepting, drops active connections and closes all server channels.
func (s *Server) Close() error {
	var closeErr error
	s.closeOnce.Do(func() {
		close(s.closed)
		closeErr = s.listener.Close()

		s.connsMu.Lock()
		for conn := range s.conns {
			_ = conn.Close()
		}
		s.connsMu.Unlock()

		s.wg.Wait()
		close(s.inbound)
		close(s.errs)
	})
	return closeErr
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.closed:
				return
			default:
			}

			s.reportError(fmt.Errorf("accept connection: %w", err))
			continue
		}

		if !s.track(conn) {
			_ = conn.Close()
			return
		}
		s.wg.Add(1)
		go s.handleInboundConn(conn)
	}
}

func (s *Server) track(conn net.Conn) bool {
	s.connsMu.Lock()
	defer s.connsMu.Unlock()

	select {
	case <-s.closed:
		return false
	default:
	}
	s.conns[conn] = struct{}{}
	return true
}

func (s *Server) untrack(conn net.Conn) {
	s.connsMu.Lock()
	delete(s.conns, conn)
	s.connsMu.Unlock()
}

func (s *Server) handleInboundConn(conn net.Conn) {
	defer s.wg.Done()
	defer s.untrack(conn)

	remote := conn.RemoteAddr().String()
	reader := NewLineReader(conn)

	for {
		if err := conn.SetReadDeadline(time.Now().Add(s.options.IdleTimeout)); err != nil {
			s.reportError(fmt.Errorf("set read deadline: %w", err))
			_ = conn.Close()
			return
		}

		msg, err := reader.ReadMessage()
		if err != nil {
			if errors.Is(err, io.EOF) {
				// Closing after EOF confirms acceptance to the sender.
				_ = conn.Close()
				return
			}
			if s.isClosed() {
				_ = conn.Close()
				return
			}
			s.logger.Warn("dropping inbound connection",
				zap.String("remote", remote),
				zap.Error(err),
			)
			s.reportError(fmt.Errorf("read record from %s: %w", remote, err))
			abort(conn)
			return
		}

		if err := s.checkAccept(msg); err != nil {
			s.logger.Debug("refusing inbound record",
				zap.String("remote", remote),
				zap.String("message_id", msg.ID),
				zap.Error(err),
			)
			s.reportError(fmt.Errorf("refuse record %s from %s: %w", msg.ID, remote, err))
			abort(conn)
			return
		}

		select {
		case s.inbound <- msg:
		case <-s.closed:
			abort(conn)
			return
		}
	}
}

func (s *Server) checkAccept(msg WireMessage) error {
	accept := s.accept.Load()
	if accept == nil {
		return nil
	}
	return (*accept)(msg)
}

func (s *Server) isClosed() bool {
	select {
	case <-s.closed:
		return true
	default:
		return false
	}
}

func (s *Server) reportError(err error) {
	if err == nil {
		return
	}

	// Accept loop shutdown produces expected net.ErrClosed errors.
	if errors.Is(err, net.ErrClosed) {
		return
	}

	select {
	case s.errs <- err:
	default:
	}
}

// abort closes conn with a reset so the sender sees the record was not accepted.
func abort(conn net.Conn) {
	if tcp, ok := conn.(*net.TCPConn); ok {
		_ = tcp.SetLinger(0)
	}
	_ = conn.Close()
}
