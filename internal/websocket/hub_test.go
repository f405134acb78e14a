package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"isxlicense/pkg/contracts/domain"
	"isxlicense/pkg/contracts/events"
)

// mockConnection records written text frames and blocks reads until closed.
type mockConnection struct {
	written chan []byte
	closed  chan struct{}
	once    sync.Once
}

func newMockConnection() *mockConnection {
	return &mockConnection{written: make(chan []byte, 64), closed: make(chan struct{})}
}

func (m *mockConnection) WriteMessage(messageType int, data []byte) error {
	select {
	case <-m.closed:
		return errors.New("connection closed")
	default:
	}
	if messageType == websocket.TextMessage {
		m.written <- data
	}
	return nil
}

func (m *mockConnection) ReadMessage() (int, []byte, error) {
	<-m.closed
	return 0, nil, &websocket.CloseError{Code: websocket.CloseGoingAway}
}

func (m *mockConnection) Close() error {
	m.once.Do(func() { close(m.closed) })
	return nil
}

func (m *mockConnection) SetReadDeadline(time.Time) error  { return nil }
func (m *mockConnection) SetWriteDeadline(time.Time) error { return nil }
func (m *mockConnection) SetReadLimit(int64)               {}
func (m *mockConnection) SetPongHandler(func(string) error) {}
func (m *mockConnection) RemoteAddr() string               { return "127.0.0.1:50000" }

func (m *mockConnection) next(t *testing.T) events.WebSocketMessage {
	t.Helper()
	select {
	case data := <-m.written:
		var msg events.WebSocketMessage
		require.NoError(t, json.Unmarshal(data, &msg))
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("no message written")
		return events.WebSocketMessage{}
	}
}

func startHub(t *testing.T) (*Hub, context.CancelFunc) {
	t.Helper()
	metrics, err := NewMetrics(nil)
	require.NoError(t, err)
	hub := NewHub(slog.New(slog.NewTextHandler(io.Discard, nil)), metrics)
	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)
	t.Cleanup(cancel)
	return hub, cancel
}

func TestHubReplaysLastStatusOnConnect(t *testing.T) {
	hub, _ := startHub(t)

	hub.PublishStatus(domain.LicenseStatus{State: domain.StateValidOffline, Reason: "none"})

	conn := newMockConnection()
	hub.Serve(conn, "trace-1")

	assert.Equal(t, events.MessageTypeConnect, conn.next(t).Type)
	msg := conn.next(t)
	assert.Equal(t, events.MessageTypeLicenseStatus, msg.Type)
	data, ok := msg.Data.(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "valid_offline", data["state"])
}

func TestHubBroadcastsToEveryClient(t *testing.T) {
	hub, _ := startHub(t)

	a, b := newMockConnection(), newMockConnection()
	hub.Serve(a, "")
	hub.Serve(b, "")
	a.next(t)
	b.next(t)
	require.Eventually(t, func() bool { return hub.ClientCount() == 2 }, time.Second, 10*time.Millisecond)

	hub.PublishStatus(domain.LicenseStatus{State: domain.StateUnlicensed, Reason: "revoked"})
	for _, conn := range []*mockConnection{a, b} {
		msg := conn.next(t)
		assert.Equal(t, events.MessageTypeLicenseStatus, msg.Type)
		assert.Equal(t, "revoked", msg.Data.(map[string]interface{})["reason"])
	}

	a.Close()
	assert.Eventually(t, func() bool { return hub.ClientCount() == 1 }, time.Second, 10*time.Millisecond)
}

func TestHubStopClosesClients(t *testing.T) {
	hub, cancel := startHub(t)

	conn := newMockConnection()
	hub.Serve(conn, "")
	conn.next(t)

	cancel()
	select {
	case <-conn.closed:
	case <-time.After(2 * time.Second):
		t.Fatal("connection not closed after hub stop")
	}

	// publishing and serving after stop must not block
	hub.PublishStatus(domain.LicenseStatus{State: domain.StateUnlicensed})
	late := newMockConnection()
	hub.Serve(late, "")
	<-late.closed
}
