package control

import (
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"

	"localchat/network"
)

const (
	// DefaultQueueSize is the per-client outbound buffer.
	DefaultQueueSize = 64
	// DefaultWriteTimeout bounds one write to a client.
	DefaultWriteTimeout = 2 * time.Second

	staleProbeTimeout = 500 * time.Millisecond
)

var (
	// ErrAddressInUse indicates another live process serves the socket path.
	ErrAddressInUse = errors.New("control: socket address in use")
	// ErrNotSocket indicates a regular file or directory occupies the socket path.
	ErrNotSocket = errors.New("control: path exists and is not a socket")
	// ErrClientClosed indicates the client has disconnected.
	ErrClientClosed = errors.New("control: client closed")
	// ErrClientOverflow indicates the client fell too far behind and was dropped.
	ErrClientOverflow = errors.New("control: client queue overflow")
)

// Responder delivers a reply to one client.
type Responder interface {
	Send(msg any) error
}

// Request is a command received from a client.
type Request struct {
	From    Responder
	Command Command
}

// GatewayOptions configures the control gateway.
type GatewayOptions struct {
	Logger       *zap.Logger
	QueueSize    int
	WriteTimeout time.Duration
}

func (o GatewayOptions) withDefaults() GatewayOptions {
	out := o
	if out.Logger == nil {
		out.Logger = zap.NewNop()
	}
	if out.QueueSize <= 0 {
		out.QueueSize = DefaultQueueSize
	}
	if out.WriteTimeout <= 0 {
		out.WriteTimeout = DefaultWriteTimeout
	}
	return out
}

// Gateway serves front ends over a Unix domain socket.
type Gateway struct {
	socketPath string
	listener   net.Listener
	options    GatewayOptions
	logger     *zap.Logger

	requests chan Request

	mu      sync.Mutex
	clients map[*client]struct{}

	closed    chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// Listen binds socketPath with owner-only permissions. A stale socket left by
// a crashed process is replaced; a live one yields ErrAddressInUse.
func Listen(socketPath string, options GatewayOptions) (*Gateway, error) {
	opts := options.withDefaults()

	if err := clearStaleSocket(socketPath); err != nil {
		return nil, err
	}

	listener, err := net.Listen("unix", socketPath)
	if err != nil {
		return nil, fmt.Errorf("listen unix %s: %w", socketPath, err)
	}
	if err := os.Chmod(socketPath, 0o600); err != nil {
		_ = listener.Close()
		return nil, fmt.Errorf("chmod socket %s: %w", socketPath, err)
	}

	g := &Gateway{
		socketPath: socketPath,
		listener:   listener,
		options:    opts,
		logger:     opts.Logger.Named("control"),
		requests:   make(chan Request, 64),
		clients:    make(map[*client]struct{}),
		closed:     make(chan struct{}),
	}
	g.logger.Info("control socket listening", zap.String("socket", socketPath))

	g.wg.Add(1)
	go g.acceptLoop()
	return g, nil
}

func clearStaleSocket(socketPath string) error {
	info, err := os.Lstat(socketPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("stat socket %s: %w", socketPath, err)
	}
	if info.Mode()&os.ModeSocket == 0 {
		return fmt.Errorf("%w: %s", ErrNotSocket, socketPath)
	}

	conn, err := net.DialTimeout("unix", socketPath, staleProbeTimeout)
	if err == nil {
		_ = conn.Close()
		return fmt.Errorf("%w: %s", ErrAddressInUse, socketPath)
	}

	if err := os.Remove(socketPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove stale socket %s: %w", socketPath, err)
	}
	return nil
}

// Path returns the socket path.
func (g *Gateway) Path() string {
	return g.socketPath
}

// Requests returns commands from every connected client.
func (g *Gateway) Requests() <-chan Request {
	return g.requests
}

// Broadcast queues msg for every connected client.
func (g *Gateway) Broadcast(msg any) {
	line, err := network.EncodeLine(msg)
	if err != nil {
		g.logger.Error("encode broadcast", zap.Error(err))
		return
	}

	g.mu.Lock()
	clients := make([]*client, 0, len(g.clients))
	for c := range g.clients {
		clients = append(clients, c)
	}
	g.mu.Unlock()

	for _, c := range clients {
		if err := c.enqueue(line); err != nil && !errors.Is(err, ErrClientClosed) {
			g.logger.Warn("dropping control client", zap.Error(err))
		}
	}
}

// ClientCount returns the number of connected clients.
func (g *Gateway) ClientCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.clients)
}

// Close stops accepting, flushes and disconnects clients and removes the socket file.
func (g *Gateway) Close() error {
	var closeErr error
	g.closeOnce.Do(func() {
		close(g.closed)
		closeErr = g.listener.Close()

		g.mu.Lock()
		for c := range g.clients {
			c.close()
		}
		g.mu.Unlock()

		g.wg.Wait()
		close(g.requests)

		if err := os.Remove(g.socketPath); err != nil && !errors.Is(err, os.ErrNotExist) && closeErr == nil {
			closeErr = fmt.Errorf("remove socket %s: %w", g.socketPath, err)
		}
	})
	return closeErr
}

func (g *Gateway) acceptLoop() {
	defer g.wg.Done()

	for {
		conn, err := g.listener.Accept()
		if err != nil {
			select {
			case <-g.closed:
				return
			default:
			}
			g.logger.Warn("accept control client", zap.Error(err))
			if errors.Is(err, net.ErrClosed) {
				return
			}
			continue
		}

		c := &client{
			conn:     conn,
			gateway:  g,
			outbound: make(chan []byte, g.options.QueueSize),
			done:     make(chan struct{}),
		}
		if !g.add(c) {
			_ = conn.Close()
			return
		}

		g.wg.Add(2)
		go c.readLoop()
		go c.writeLoop()
	}
}

func (g *Gateway) add(c *client) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	select {
	case <-g.closed:
		return false
	default:
	}
	g.clients[c] = struct{}{}
	return true
}

func (g *Gateway) remove(c *client) {
	g.mu.Lock()
	delete(g.clients, c)
	g.mu.Unlock()
}

// forward hands a request to the dispatcher unless the gateway or client is closing.
func (g *Gateway) forward(c *client, cmd Command) bool {
	select {
	case g.requests <- Request{From: c, Command: cmd}:
		return true
	case <-g.closed:
		return false
	case <-c.done:
		return false
	}
}

type client struct {
	conn    net.Conn
	gateway *Gateway

	outbound chan []byte

	done      chan struct{}
	closeOnce sync.Once
}

// Send queues msg for this client only.
func (c *client) Send(msg any) error {
	line, err := network.EncodeLine(msg)
	if err != nil {
		return err
	}
	return c.enqueue(line)
}

func (c *client) enqueue(line []byte) error {
	select {
	case <-c.done:
		return ErrClientClosed
	default:
	}

	select {
	case c.outbound <- line:
		return nil
	default:
		c.close()
		return ErrClientOverflow
	}
}

func (c *client) close() {
	c.closeOnce.Do(func() {
		close(c.done)
	})
}

func (c *client) readLoop() {
	g := c.gateway
	defer g.wg.Done()
	defer g.remove(c)
	defer c.close()

	if !g.forward(c, Attach{}) {
		return
	}

	reader := network.NewLineReader(c.conn)
	for {
		line, err := reader.Next()
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				g.logger.Debug("control client read ended", zap.Error(err))
			}
			return
		}

		cmd, err := ParseCommand(line)
		if err != nil {
			msgType, _ := DecodeMessageType(line)
			g.logger.Debug("rejecting control line", zap.String("type", msgType), zap.Error(err))
			if sendErr := c.Send(NewError(msgType, err.Error())); sendErr != nil {
				return
			}
			continue
		}

		if !g.forward(c, cmd) {
			return
		}
	}
}

func (c *client) writeLoop() {
	defer c.gateway.wg.Done()
	// Closing the connection also unblocks readLoop.
	defer c.conn.Close()

	for {
		select {
		case line := <-c.outbound:
			if err := c.write(line); err != nil {
				c.close()
				return
			}
		case <-c.done:
			c.flush()
			return
		}
	}
}

// flush writes lines already queued before the connection closes.
func (c *client) flush() {
	for {
		select {
		case line := <-c.outbound:
			if err := c.write(line); err != nil {
				return
			}
		default:
			return
		}
	}
}

func (c *client) write(line []byte) error {
	if err := c.conn.SetWriteDeadline(time.Now().Add(c.gateway.options.WriteTimeout)); err != nil {
		return err
	}
	_, err := c.conn.Write(line)
	return err
}
