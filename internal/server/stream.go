package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/skypro1111/vad-orchestrator/internal/errorsx"
	"github.com/skypro1111/vad-orchestrator/internal/flow"
	"github.com/skypro1111/vad-orchestrator/internal/metrics"
	"github.com/skypro1111/vad-orchestrator/internal/protocol"
)

const endpointStream = "/ws/stream"

// StreamHandler serves /ws/stream. A connection may run several flows in
// turn; binary frames go to the most recently started one.
type StreamHandler struct {
	orch     *flow.Orchestrator
	logger   *slog.Logger
	metrics  *metrics.Metrics
	upgrader websocket.Upgrader
}

// NewStreamHandler creates the orchestrator WebSocket handler
func NewStreamHandler(orch *flow.Orchestrator, logger *slog.Logger, m *metrics.Metrics) *StreamHandler {
	return &StreamHandler{
		orch:     orch,
		logger:   logger,
		metrics:  m,
		upgrader: newUpgrader(),
	}
}

// streamConn is the state of one /ws/stream connection
type streamConn struct {
	*wsConn
	handler *StreamHandler
	logger  *slog.Logger

	current string
	flows   map[string]struct{}
	flushes sync.WaitGroup
}

func (h *StreamHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("WebSocket upgrade failed",
			slog.String("remote", r.RemoteAddr),
			slog.String("error", err.Error()),
		)
		return
	}

	h.metrics.ConnectionOpened(endpointStream)
	defer h.metrics.ConnectionClosed(endpointStream)

	c := &streamConn{
		wsConn:  newWSConn(conn, endpointStream, h.metrics),
		handler: h,
		logger:  h.logger.With(slog.String("remote", r.RemoteAddr)),
		flows:   make(map[string]struct{}),
	}

	c.logger.Debug("Stream connection opened")
	c.readLoop(r.Context())
	c.shutdown()
}

func (c *streamConn) readLoop(ctx context.Context) {
	for {
		msgType, data, err := c.conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Debug("Stream connection read ended", slog.String("error", err.Error()))
			}
			return
		}

		switch msgType {
		case websocket.TextMessage:
			c.handleControl(ctx, data)
		case websocket.BinaryMessage:
			c.handleAudio(ctx, data)
		}
	}
}

func (c *streamConn) handleControl(ctx context.Context, data []byte) {
	ctrl, err := protocol.ParseControl(data)
	if err != nil {
		c.logger.Warn("Invalid control frame", slog.String("error", err.Error()))
		c.send(protocol.Error(c.current, string(errorsx.ReasonBadRequest), err.Error()))
		return
	}

	switch ctrl.Type {
	case protocol.ControlStart:
		c.handleStart(ctx, ctrl)

	case protocol.ControlFlush:
		flowID := ctrl.FlowID
		if flowID == "" {
			flowID = c.current
		}
		// Only flows started on this connection can be flushed from it
		if _, ok := c.flows[flowID]; flowID != "" && !ok {
			c.logger.Warn("Flush of foreign flow rejected", slog.String("flow_id", flowID))
			c.send(protocol.Error(flowID, string(errorsx.ReasonUnknownFlow), flow.ErrUnknownFlow.Error()))
			return
		}
		c.flush(flowID, flow.FlushExplicit)

	default:
		c.logger.Debug("Ignoring control frame", slog.String("type", ctrl.Type))
		if c.current != "" {
			c.handler.orch.Touch(c.current)
		}
	}
}

func (c *streamConn) handleStart(ctx context.Context, ctrl *protocol.Control) {
	flowID := ctrl.FlowID
	if flowID == "" {
		flowID = uuid.NewString()
	}

	_, err := c.handler.orch.Start(ctx, flowID, c.wsConn, flow.StartParams{
		DeviceID:   ctrl.DeviceID,
		SampleRate: ctrl.SampleRate,
	})
	if err != nil {
		c.logger.Warn("Failed to start flow",
			slog.String("flow_id", flowID),
			slog.String("error", err.Error()),
		)
		c.send(protocol.Error(flowID, string(errorsx.Reason(err)), err.Error()))
		return
	}

	c.current = flowID
	c.flows[flowID] = struct{}{}

	if ctrl.Ack {
		c.send(protocol.Ack(protocol.StageOrchestrator, flowID))
	}
}

func (c *streamConn) handleAudio(ctx context.Context, data []byte) {
	if c.current == "" {
		c.logger.Warn("Audio before start ignored", slog.Int("bytes", len(data)))
		return
	}

	err := c.handler.orch.FeedFrame(ctx, c.current, data)
	switch {
	case err == nil:
	case errorsx.HasReason(err, errorsx.ReasonUnknownFlow):
		// Logged by the orchestrator; the client keeps streaming
	default:
		c.logger.Debug("Frame rejected",
			slog.String("flow_id", c.current),
			slog.String("error", err.Error()),
		)
	}
}

// flush drains a flow without blocking the read loop
func (c *streamConn) flush(flowID string, reason flow.FlushReason) {
	if flowID == "" {
		return
	}

	c.flushes.Add(1)
	go func() {
		defer c.flushes.Done()
		if err := c.handler.orch.Flush(context.Background(), flowID, reason); err != nil && !errors.Is(err, flow.ErrUnknownFlow) {
			c.logger.Debug("Flush finished with error",
				slog.String("flow_id", flowID),
				slog.String("error", err.Error()),
			)
		}
	}()
}

// shutdown flushes and closes every flow started on the connection
func (c *streamConn) shutdown() {
	// The peer is gone; results of the remaining flushes are discarded
	c.discard.Store(true)

	for flowID := range c.flows {
		c.flush(flowID, flow.FlushDisconnect)
	}
	c.flushes.Wait()

	for flowID := range c.flows {
		c.handler.orch.Close(flowID)
	}

	c.wsConn.close()

	c.logger.Debug("Stream connection closed", slog.Int("flows", len(c.flows)))
}
