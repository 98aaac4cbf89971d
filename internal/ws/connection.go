package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"parley/internal/models"
	"parley/internal/registry"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

var (
	ErrConnectionClosed = errors.New("connection closed")
	ErrOutboxFull       = errors.New("outbox full")
)

type State int32

const (
	StateConnecting State = iota
	StateAuthenticated
	StateOpen
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAuthenticated:
		return "authenticated"
	case StateOpen:
		return "open"
	case StateClosed:
		return "closed"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

type wsConnection interface {
	Close() error
	WriteJSON(v any) error
	ReadJSON(v any) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	SetWriteDeadline(t time.Time) error
}

type messageHub interface {
	Join(userID int64, handle registry.Handle) error
	Leave(userID int64, handle registry.Handle)
	SendMessage(senderID int64, req SendRequest) (models.Message, error)
	MarkRead(readerID, messageID int64) (bool, error)
	Ping(userID int64) error
}

type ConnectionConfig struct {
	SendBuffer   int
	PingInterval time.Duration
	WriteTimeout time.Duration
}

// Connection is one authenticated client session. Inbound events are
// handled one at a time in arrival order.
type Connection struct {
	id         string
	ws         wsConnection
	hub        messageHub
	userID     int64
	config     ConnectionConfig
	state      atomic.Int32
	fromClient chan models.ClientEnvelope
	outbox     chan models.ServerEvent
	errorCh    chan error

	// mu orders Send against shutdown: once closed is set nothing more
	// enters the outbox.
	mu        sync.RWMutex
	closed    bool
	closeOnce sync.Once
}

// NewConnection wraps an already authenticated socket of userID.
func NewConnection(
	hub messageHub,
	ws wsConnection,
	userID int64,
	config ConnectionConfig,
) *Connection {
	if config.SendBuffer <= 0 {
		config.SendBuffer = 1
	}
	c := &Connection{
		id:         uuid.NewString(),
		ws:         ws,
		hub:        hub,
		userID:     userID,
		config:     config,
		fromClient: make(chan models.ClientEnvelope),
		outbox:     make(chan models.ServerEvent, config.SendBuffer),
		errorCh:    make(chan error, 2),
	}
	c.state.Store(int32(StateAuthenticated))
	return c
}

func (c *Connection) ID() string { return c.id }

func (c *Connection) State() State {
	return State(c.state.Load())
}

// Send queues event for the client without blocking. It fails when the
// connection is gone or its outbox is full.
func (c *Connection) Send(event models.ServerEvent) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return ErrConnectionClosed
	}
	select {
	case c.outbox <- event:
		return nil
	default:
		return ErrOutboxFull
	}
}

// Handle runs the session until the client goes away, an I/O error occurs
// or ctx is cancelled. The connection is unregistered on every exit path.
func (c *Connection) Handle(ctx context.Context) error {
	if err := c.hub.Join(c.userID, c); err != nil {
		c.shutdown()
		_ = c.ws.Close()
		return err
	}
	c.state.Store(int32(StateOpen))

	ctx, cancel := context.WithCancel(ctx)
	defer func() {
		cancel()
		c.shutdown()
		c.hub.Leave(c.userID, c)
		close(c.errorCh)
	}()

	var wg sync.WaitGroup
	wg.Go(func() {
		c.errorCh <- c.pumpMessages(ctx)
		cancel()
	})

	wg.Go(func() {
		c.errorCh <- c.mainLoop(ctx)
		cancel()
	})

	// Both loops report exactly once; the first report decides the result.
	err := <-c.errorCh
	_ = c.ws.Close()
	wg.Wait()

	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	return nil
}

func (c *Connection) shutdown() {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		c.closed = true
		c.state.Store(int32(StateClosed))
	})
}

func (c *Connection) pumpMessages(ctx context.Context) error {
	for {
		var env models.ClientEnvelope
		if err := c.ws.ReadJSON(&env); err != nil {
			if isDecodeError(err) {
				slog.Debug("ignoring malformed frame", "user_id", c.userID, "error", err)
				continue
			}
			return err
		}
		select {
		case c.fromClient <- env:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (c *Connection) mainLoop(ctx context.Context) error {
	var pings <-chan time.Time
	if c.config.PingInterval > 0 {
		ticker := time.NewTicker(c.config.PingInterval)
		defer ticker.Stop()
		pings = ticker.C
	}

	for {
		select {
		case env := <-c.fromClient:
			c.processClientEvent(env)
		case event := <-c.outbox:
			if err := c.write(event); err != nil {
				return err
			}
		case <-pings:
			if err := c.ws.WriteControl(websocket.PingMessage, nil, c.deadline()); err != nil {
				return err
			}
		case <-ctx.Done():
			return nil
		}
	}
}

func (c *Connection) write(event models.ServerEvent) error {
	if c.config.WriteTimeout > 0 {
		if err := c.ws.SetWriteDeadline(c.deadline()); err != nil {
			return err
		}
	}
	return c.ws.WriteJSON(event)
}

func (c *Connection) deadline() time.Time {
	if c.config.WriteTimeout <= 0 {
		return time.Time{}
	}
	return time.Now().Add(c.config.WriteTimeout)
}

func (c *Connection) processClientEvent(env models.ClientEnvelope) {
	event, err := ParseInbound(env)
	if err != nil {
		slog.Debug("ignoring client event", "user_id", c.userID, "type", env.Type, "error", err)
		return
	}

	switch e := event.(type) {
	case ChatMessage:
		_, err = c.hub.SendMessage(c.userID, e.SendRequest)
	case MessageRead:
		_, err = c.hub.MarkRead(c.userID, e.MessageID)
	case PresencePing:
		err = c.hub.Ping(c.userID)
	}
	if err == nil {
		return
	}

	if models.IsClientError(err) {
		slog.Debug("client event rejected", "user_id", c.userID, "type", env.Type, "error", err)
		return
	}
	slog.Error("failed to process client event", "user_id", c.userID, "type", env.Type, "error", err)
	if sendErr := c.Send(models.ServerEvent{
		Type:  models.EventError,
		Error: fmt.Sprintf("failed to process %s", env.Type),
	}); sendErr != nil {
		slog.Warn("failed to report error to client", "user_id", c.userID, "error", sendErr)
	}
}

func isDecodeError(err error) bool {
	var syntaxErr *json.SyntaxError
	var typeErr *json.UnmarshalTypeError
	return errors.As(err, &syntaxErr) ||
		errors.As(err, &typeErr) ||
		errors.Is(err, io.ErrUnexpectedEOF)
}
