package server

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/skypro1111/vad-orchestrator/internal/metrics"
	"github.com/skypro1111/vad-orchestrator/internal/protocol"
)

const (
	writeTimeout = 10 * time.Second
	maxFrameSize = 1 << 20 // one second of 16 kHz PCM16 is 32 KiB
)

func newUpgrader() websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     func(r *http.Request) bool { return true },
	}
}

// wsConn serializes writes to one WebSocket connection and serves as the
// event sink of every flow started on it
type wsConn struct {
	conn     *websocket.Conn
	endpoint string
	metrics  *metrics.Metrics

	writeMu   sync.Mutex
	closeOnce sync.Once
	discard   atomic.Bool // set once the peer is gone
	noReply   atomic.Bool
}

func newWSConn(conn *websocket.Conn, endpoint string, m *metrics.Metrics) *wsConn {
	conn.SetReadLimit(maxFrameSize)
	return &wsConn{conn: conn, endpoint: endpoint, metrics: m}
}

// Emit writes ev as JSON. Events for a closed connection, or one that asked
// for no replies, are dropped.
func (c *wsConn) Emit(_ context.Context, ev protocol.Event) error {
	if c.noReply.Load() || c.discard.Load() {
		return nil
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if err := c.conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return err
	}
	return c.conn.WriteJSON(ev)
}

// send emits a transport-originated event and counts it
func (c *wsConn) send(ev protocol.Event) error {
	if c.noReply.Load() {
		return nil
	}
	if err := c.Emit(context.Background(), ev); err != nil {
		return err
	}
	c.metrics.RecordEvent(ev.Type)
	return nil
}

func (c *wsConn) close() {
	c.closeOnce.Do(func() {
		c.discard.Store(true)

		c.writeMu.Lock()
		defer c.writeMu.Unlock()

		deadline := time.Now().Add(time.Second)
		c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
		c.conn.Close()
	})
}
