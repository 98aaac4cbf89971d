package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"parley/internal/models"
	"parley/internal/registry"
)

type mockWS struct {
	readCh    chan any
	writeCh   chan any
	closeCh   chan struct{}
	closeOnce sync.Once
	pings     chan struct{}
}

func newMockWS() *mockWS {
	return &mockWS{
		readCh:  make(chan any, 10),
		writeCh: make(chan any, 10),
		closeCh: make(chan struct{}),
		pings:   make(chan struct{}, 10),
	}
}

func (m *mockWS) Close() error {
	m.closeOnce.Do(func() { close(m.closeCh) })
	return nil
}

func (m *mockWS) closed() bool {
	select {
	case <-m.closeCh:
		return true
	default:
		return false
	}
}

func (m *mockWS) WriteJSON(v any) error {
	select {
	case m.writeCh <- v:
		return nil
	case <-m.closeCh:
		return errors.New("connection closed")
	}
}

func (m *mockWS) WriteControl(messageType int, data []byte, deadline time.Time) error {
	select {
	case m.pings <- struct{}{}:
	default:
	}
	return nil
}

func (m *mockWS) SetWriteDeadline(t time.Time) error { return nil }

// ReadJSON returns queued errors as is and copies queued envelopes into v.
func (m *mockWS) ReadJSON(v any) error {
	select {
	case item := <-m.readCh:
		switch msg := item.(type) {
		case error:
			return msg
		case models.ClientEnvelope:
			if ptr, ok := v.(*models.ClientEnvelope); ok {
				*ptr = msg
			}
			return nil
		}
		return fmt.Errorf("unexpected mock item %T", item)
	case <-m.closeCh:
		return errors.New("connection closed")
	}
}

type mockHub struct {
	joinErr error
	sendErr error

	joinCh  chan registry.Handle
	leaveCh chan registry.Handle
	sendCh  chan SendRequest
	readCh  chan int64
	pingCh  chan int64
}

func newMockHub() *mockHub {
	return &mockHub{
		joinCh:  make(chan registry.Handle, 10),
		leaveCh: make(chan registry.Handle, 10),
		sendCh:  make(chan SendRequest, 10),
		readCh:  make(chan int64, 10),
		pingCh:  make(chan int64, 10),
	}
}

func (m *mockHub) Join(userID int64, h registry.Handle) error {
	m.joinCh <- h
	return m.joinErr
}

func (m *mockHub) Leave(userID int64, h registry.Handle) {
	m.leaveCh <- h
}

func (m *mockHub) SendMessage(senderID int64, req SendRequest) (models.Message, error) {
	m.sendCh <- req
	return models.Message{}, m.sendErr
}

func (m *mockHub) MarkRead(readerID, messageID int64) (bool, error) {
	m.readCh <- messageID
	return true, nil
}

func (m *mockHub) Ping(userID int64) error {
	m.pingCh <- userID
	return nil
}

var testConfig = ConnectionConfig{SendBuffer: 4, WriteTimeout: time.Second}

func TestConnection_Lifecycle(t *testing.T) {
	hub := newMockHub()
	ws := newMockWS()

	conn := NewConnection(hub, ws, 1, testConfig)
	if conn.State() != StateAuthenticated {
		t.Fatalf("expected new connection to be authenticated, got %s", conn.State())
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error)
	go func() {
		done <- conn.Handle(ctx)
	}()

	select {
	case h := <-hub.joinCh:
		if h.ID() != conn.ID() {
			t.Errorf("Join called with handle %s, want %s", h.ID(), conn.ID())
		}
	case <-time.After(time.Second):
		t.Fatal("Join not called")
	}

	// 1. Client -> Hub
	ws.readCh <- models.ClientEnvelope{Type: models.EventChatMessage, Recipient: "bob", Content: "hello"}

	select {
	case req := <-hub.sendCh:
		if req.Content != "hello" || req.Recipient != "bob" {
			t.Errorf("Hub received wrong request: %+v", req)
		}
	case <-time.After(time.Second):
		t.Fatal("Hub did not receive the message")
	}

	if conn.State() != StateOpen {
		t.Errorf("expected open connection, got %s", conn.State())
	}

	// 2. Server -> Client
	event := models.ServerEvent{Type: models.EventMessageRead, MessageID: 5}
	if err := conn.Send(event); err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	select {
	case received := <-ws.writeCh:
		got, ok := received.(models.ServerEvent)
		if !ok {
			t.Fatalf("WS received wrong type: %T", received)
		}
		if got.MessageID != 5 {
			t.Errorf("WS received wrong event: %+v", got)
		}
	case <-time.After(time.Second):
		t.Fatal("WS did not receive server event")
	}

	// 3. Stop
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Handle returned error: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Handle did not return after cancel")
	}

	select {
	case h := <-hub.leaveCh:
		if h.ID() != conn.ID() {
			t.Errorf("Leave called with handle %s, want %s", h.ID(), conn.ID())
		}
	default:
		t.Error("Leave not called")
	}

	if !ws.closed() {
		t.Error("WS Close not called")
	}
	if conn.State() != StateClosed {
		t.Errorf("expected closed connection, got %s", conn.State())
	}
	if err := conn.Send(event); !errors.Is(err, ErrConnectionClosed) {
		t.Errorf("Send after close = %v, want ErrConnectionClosed", err)
	}
}

func TestConnection_WSError(t *testing.T) {
	hub := newMockHub()
	ws := newMockWS()

	conn := NewConnection(hub, ws, 2, testConfig)
	ws.readCh <- errors.New("read error")

	done := make(chan error)
	go func() {
		done <- conn.Handle(context.Background())
	}()

	select {
	case err := <-done:
		if err == nil {
			t.Error("Expected error from Handle, got nil")
		}
	case <-time.After(time.Second):
		t.Fatal("Handle did not return on error")
	}

	if len(hub.leaveCh) != 1 {
		t.Error("Leave must run when the transport fails")
	}
	if !ws.closed() {
		t.Error("WS Close not called")
	}
}

func TestConnection_JoinFailure(t *testing.T) {
	hub := newMockHub()
	hub.joinErr = errors.New("store unavailable")
	ws := newMockWS()

	conn := NewConnection(hub, ws, 3, testConfig)
	if err := conn.Handle(context.Background()); err == nil {
		t.Fatal("expected Handle to fail when Join fails")
	}

	if len(hub.leaveCh) != 0 {
		t.Error("Leave must not run for a connection that never joined")
	}
	if conn.State() != StateClosed {
		t.Errorf("expected closed connection, got %s", conn.State())
	}
	if !ws.closed() {
		t.Error("WS Close not called")
	}
}

func TestConnection_IgnoresBadInput(t *testing.T) {
	hub := newMockHub()
	ws := newMockWS()
	conn := NewConnection(hub, ws, 4, testConfig)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error)
	go func() {
		done <- conn.Handle(ctx)
	}()

	ws.readCh <- &json.SyntaxError{Offset: 1}
	ws.readCh <- models.ClientEnvelope{Type: "typing.start"}
	ws.readCh <- models.ClientEnvelope{Type: models.EventMessageRead}
	ws.readCh <- models.ClientEnvelope{Type: models.EventPresencePing}

	select {
	case <-hub.pingCh:
	case <-time.After(time.Second):
		t.Fatal("connection stopped processing after bad input")
	}
	if len(hub.readCh) != 0 {
		t.Error("malformed read receipt must not reach the hub")
	}

	cancel()
	if err := <-done; err != nil {
		t.Errorf("Handle returned error: %v", err)
	}
}

func TestConnection_ReportsServerErrors(t *testing.T) {
	tests := []struct {
		name      string
		sendErr   error
		wantEvent bool
	}{
		{"persistence failure", errors.New("disk full"), true},
		{"rejected request", fmt.Errorf("%w: not a participant", models.ErrForbidden), false},
		{"unknown recipient", fmt.Errorf("user: %w", models.ErrNotFound), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			hub := newMockHub()
			hub.sendErr = tt.sendErr
			ws := newMockWS()
			conn := NewConnection(hub, ws, 5, testConfig)

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()
			done := make(chan error)
			go func() {
				done <- conn.Handle(ctx)
			}()

			ws.readCh <- models.ClientEnvelope{Type: models.EventChatMessage, ChatID: 1, Content: "x"}
			<-hub.sendCh
			// The ping is handled after the message, so any error event is
			// already queued by the time it reaches the hub.
			ws.readCh <- models.ClientEnvelope{Type: models.EventPresencePing}
			<-hub.pingCh

			var got *models.ServerEvent
			select {
			case v := <-ws.writeCh:
				ev := v.(models.ServerEvent)
				got = &ev
			case <-time.After(100 * time.Millisecond):
			}

			if tt.wantEvent {
				if got == nil || got.Type != models.EventError {
					t.Errorf("expected error event, got %+v", got)
				}
			} else if got != nil {
				t.Errorf("expected no event, got %+v", got)
			}

			cancel()
			<-done
		})
	}
}

func TestConnection_SendBackpressure(t *testing.T) {
	conn := NewConnection(newMockHub(), newMockWS(), 6, ConnectionConfig{SendBuffer: 1})

	if err := conn.Send(models.ServerEvent{Type: models.EventPresenceChanged}); err != nil {
		t.Fatalf("first Send failed: %v", err)
	}
	if err := conn.Send(models.ServerEvent{Type: models.EventPresenceChanged}); !errors.Is(err, ErrOutboxFull) {
		t.Errorf("second Send = %v, want ErrOutboxFull", err)
	}
}

func TestConnection_SendAfterShutdown(t *testing.T) {
	conn := NewConnection(newMockHub(), newMockWS(), 8, ConnectionConfig{SendBuffer: 1024})

	var accepted sync.WaitGroup
	var mu sync.Mutex
	sent := 0
	stop := make(chan struct{})
	for range 8 {
		accepted.Go(func() {
			for {
				select {
				case <-stop:
					return
				default:
				}
				err := conn.Send(models.ServerEvent{Type: models.EventPresenceChanged})
				if err == nil {
					mu.Lock()
					sent++
					mu.Unlock()
					continue
				}
				if errors.Is(err, ErrOutboxFull) {
					continue
				}
				if !errors.Is(err, ErrConnectionClosed) {
					t.Errorf("Send = %v, want ErrConnectionClosed", err)
				}
				return
			}
		})
	}

	time.Sleep(time.Millisecond)
	conn.shutdown()
	queued := len(conn.outbox)
	close(stop)
	accepted.Wait()

	if got := len(conn.outbox); got != queued {
		t.Errorf("outbox grew after shutdown: %d -> %d", queued, got)
	}
	if sent != queued {
		t.Errorf("Send reported %d successes, outbox holds %d", sent, queued)
	}
	if conn.State() != StateClosed {
		t.Errorf("State = %v, want closed", conn.State())
	}
	if err := conn.Send(models.ServerEvent{Type: models.EventPresenceChanged}); !errors.Is(err, ErrConnectionClosed) {
		t.Errorf("Send after shutdown = %v, want ErrConnectionClosed", err)
	}
}

func TestConnection_Pings(t *testing.T) {
	ws := newMockWS()
	conn := NewConnection(newMockHub(), ws, 7, ConnectionConfig{
		SendBuffer:   1,
		PingInterval: 10 * time.Millisecond,
		WriteTimeout: time.Second,
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error)
	go func() {
		done <- conn.Handle(ctx)
	}()

	select {
	case <-ws.pings:
	case <-time.After(time.Second):
		t.Error("no keep-alive ping sent")
	}
	cancel()
	<-done
}
