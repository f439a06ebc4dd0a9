package server

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/skypro1111/vad-orchestrator/internal/errorsx"
	"github.com/skypro1111/vad-orchestrator/internal/flow"
	"github.com/skypro1111/vad-orchestrator/internal/metrics"
	"github.com/skypro1111/vad-orchestrator/internal/protocol"
)

const (
	endpointChain   = "/ws/vad"
	defaultDeviceID = "unknown"
)

// ChainHandler serves /ws/vad. Each connection is one flow, started on
// connect, whose utterance is pushed to the Compress HTTP stage on flush.
type ChainHandler struct {
	orch     *flow.Orchestrator
	pusher   flow.Pusher
	defaults flow.ChainSettings
	logger   *slog.Logger
	metrics  *metrics.Metrics
	upgrader websocket.Upgrader
}

// NewChainHandler creates the chain front-end handler. defaults seed the
// push settings of every connection.
func NewChainHandler(orch *flow.Orchestrator, pusher flow.Pusher, defaults flow.ChainSettings, logger *slog.Logger, m *metrics.Metrics) *ChainHandler {
	return &ChainHandler{
		orch:     orch,
		pusher:   pusher,
		defaults: defaults,
		logger:   logger,
		metrics:  m,
		upgrader: newUpgrader(),
	}
}

func (h *ChainHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()

	flowID := query.Get("flowId")
	if flowID == "" {
		flowID = uuid.NewString()
	}
	deviceID := query.Get("deviceId")
	if deviceID == "" {
		deviceID = defaultDeviceID
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("WebSocket upgrade failed",
			slog.String("remote", r.RemoteAddr),
			slog.String("error", err.Error()),
		)
		return
	}

	h.metrics.ConnectionOpened(endpointChain)
	defer h.metrics.ConnectionClosed(endpointChain)

	ws := newWSConn(conn, endpointChain, h.metrics)
	ws.noReply.Store(parseBool(query.Get("no_reply")))
	defer ws.close()

	logger := h.logger.With(
		slog.String("flow_id", flowID),
		slog.String("remote", r.RemoteAddr),
	)

	settings := h.defaults
	settings.DeviceID = deviceID
	finisher := flow.NewChainFinisher(h.pusher, settings, h.metrics, h.logger)

	ctx := r.Context()
	if _, err := h.orch.Start(ctx, flowID, ws, flow.StartParams{
		DeviceID:    deviceID,
		Finisher:    finisher,
		SkipDenoise: true,
	}); err != nil {
		logger.Warn("Failed to start chain flow", slog.String("error", err.Error()))
		ws.send(protocol.Error(flowID, string(errorsx.Reason(err)), err.Error()))
		return
	}

	ws.send(protocol.Ack(protocol.StageVAD, flowID))

	c := &chainConn{
		wsConn:   ws,
		handler:  h,
		flowID:   flowID,
		finisher: finisher,
		logger:   logger,
	}
	c.readLoop(ctx)
	c.shutdown()
}

// chainConn is the state of one /ws/vad connection
type chainConn struct {
	*wsConn
	handler  *ChainHandler
	flowID   string
	finisher *flow.ChainFinisher
	logger   *slog.Logger
	flushes  sync.WaitGroup
}

func (c *chainConn) readLoop(ctx context.Context) {
	for {
		msgType, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}

		switch msgType {
		case websocket.TextMessage:
			c.handleControl(data)
		case websocket.BinaryMessage:
			err := c.handler.orch.FeedFrame(ctx, c.flowID, data)
			if err != nil && !errorsx.HasReason(err, errorsx.ReasonUnknownFlow) {
				c.logger.Debug("Frame rejected", slog.String("error", err.Error()))
			}
		}
	}
}

func (c *chainConn) handleControl(data []byte) {
	// Any control traffic counts as activity
	c.handler.orch.Touch(c.flowID)

	ctrl, err := protocol.ParseControl(data)
	if err != nil {
		c.logger.Debug("Ignoring invalid control frame", slog.String("error", err.Error()))
		return
	}

	switch ctrl.Type {
	case protocol.ControlStart:
		c.handleStart(ctrl)
	case protocol.ControlFlush:
		c.flush(flow.FlushExplicit)
	}
}

// handleStart applies overrides carried by a start frame
func (c *chainConn) handleStart(ctrl *protocol.Control) {
	if ctrl.NoReply != nil {
		c.noReply.Store(*ctrl.NoReply)
	}

	if err := protocol.ValidateChain(ctrl.Chain); err != nil {
		c.logger.Warn("Invalid chain override", slog.String("error", err.Error()))
		c.send(protocol.Error(c.flowID, string(errorsx.ReasonBadParams), err.Error()))
		return
	}

	c.finisher.Configure(func(s *flow.ChainSettings) {
		if ctrl.DeviceID != "" {
			s.DeviceID = ctrl.DeviceID
		}
		if ctrl.Chain == nil {
			return
		}
		if ctrl.Chain.URL != "" {
			s.URL = ctrl.Chain.URL
		}
		p := ctrl.Chain.Params
		if p.Codec != "" {
			s.Params.Codec = p.Codec
		}
		if p.Bitrate != "" {
			s.Params.Bitrate = p.Bitrate
		}
		if p.TargetSR > 0 {
			s.Params.TargetSR = p.TargetSR
		}
		if p.Save != nil {
			s.Params.Save = *p.Save
		}
	})

	c.send(protocol.Ack(protocol.StageVAD, c.flowID))
}

func (c *chainConn) flush(reason flow.FlushReason) {
	c.flushes.Add(1)
	go func() {
		defer c.flushes.Done()
		c.handler.orch.Flush(context.Background(), c.flowID, reason)
	}()
}

// shutdown flushes the flow, since weak clients may just disconnect
func (c *chainConn) shutdown() {
	c.discard.Store(true)

	c.flush(flow.FlushDisconnect)
	c.flushes.Wait()
	c.handler.orch.Close(c.flowID)

	c.logger.Debug("Chain connection closed")
}

func parseBool(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes", "on":
		return true
	}
	return false
}
