package feedserver

import (
	"errors"
	"io"
	"net"
	"time"

	"go.uber.org/zap"

	"github.com/atlas-desktop/quotefeed/internal/feedhandler"
	"github.com/atlas-desktop/quotefeed/internal/wire"
)

// Connection owns one accepted socket and drives it through the read
// command -> dispatch -> write reply cycle until the client disconnects,
// sends quit, or framing is unrecoverable.
type Connection struct {
	id      string
	raw     net.Conn
	reader  *wire.Reader
	writer  *wire.Writer
	handler *feedhandler.Handler
	logger  *zap.Logger
	timeout time.Duration
	state   *feedhandler.ConnState
}

func newConnection(id string, raw net.Conn, handler *feedhandler.Handler, logger *zap.Logger, timeout time.Duration) *Connection {
	return &Connection{
		id:      id,
		raw:     raw,
		reader:  wire.NewReader(raw),
		writer:  wire.NewWriter(raw),
		handler: handler,
		logger:  logger,
		timeout: timeout,
		state:   feedhandler.NewConnState(id),
	}
}

// Run blocks, serving requests on the connection until it closes. Exactly
// one goroutine should call Run for a given Connection.
func (c *Connection) Run() {
	defer c.raw.Close()

	for {
		if c.timeout > 0 {
			c.raw.SetReadDeadline(time.Now().Add(c.timeout))
		}

		cmd, err := c.reader.ReadCommand()
		if err != nil {
			if c.handleReadErr(err) {
				continue
			}
			return
		}

		if execErr := c.handler.Execute(c.state, cmd, c.writer); execErr != nil {
			c.logger.Warn("command execution failed", zap.String("conn", c.id), zap.Error(execErr))
			c.writer.WriteError("internal error")
		}
		if err := c.writer.Flush(); err != nil {
			c.logger.Debug("flush failed, closing connection", zap.String("conn", c.id), zap.Error(err))
			return
		}
	}
}

// handleReadErr reports whether the connection should keep being served.
func (c *Connection) handleReadErr(err error) bool {
	if errors.Is(err, wire.ErrQuit) || errors.Is(err, io.EOF) {
		return false
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		c.logger.Debug("connection read timeout", zap.String("conn", c.id))
		return false
	}

	var framing *wire.FramingError
	if errors.As(err, &framing) {
		c.writer.WriteError(framing.Message)
		c.writer.Flush()
		// Byte alignment with the stream is lost on a fatal framing error;
		// anything non-fatal still lets the connection continue.
		return !framing.Fatal
	}

	c.logger.Debug("connection read error", zap.String("conn", c.id), zap.Error(err))
	return false
}

// Close closes the underlying socket, unblocking Run.
func (c *Connection) Close() error {
	return c.raw.Close()
}
