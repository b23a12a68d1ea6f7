package server

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/shivangiamit/hackathon/internal/metrics"
	"github.com/shivangiamit/hackathon/internal/models"
	"github.com/shivangiamit/hackathon/internal/reasoning/engine"
)

// WebSocket message types
const (
	MessageTypeStage     = "stage"
	MessageTypeResult    = "result"
	MessageTypeError     = "error"
	MessageTypeHeartbeat = "heartbeat"
)

const (
	wsWriteTimeout     = 10 * time.Second
	wsQueryReadTimeout = 30 * time.Second
	wsHeartbeat        = 30 * time.Second
)

// WSMessage is a server to client message on /ws/queries.
type WSMessage struct {
	Type      string              `json:"type"`
	RunID     string              `json:"run_id,omitempty"`
	Stage     *engine.StageEvent  `json:"stage,omitempty"`
	Result    *models.QueryResult `json:"result,omitempty"`
	Error     string              `json:"error,omitempty"`
	Timestamp time.Time           `json:"timestamp"`
}

// newUpgrader builds an upgrader that only accepts the allowed origins.
// Requests without an Origin header come from non-browser clients and are
// accepted.
func newUpgrader(origins []string) websocket.Upgrader {
	if len(origins) == 0 {
		origins = defaultOrigins
	}
	anyOrigin := allowsAnyOrigin(origins)
	allowed := make(map[string]bool, len(origins))
	for _, o := range origins {
		allowed[strings.ToLower(strings.TrimSpace(o))] = true
	}
	return websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" || anyOrigin {
				return true
			}
			return allowed[strings.ToLower(origin)]
		},
	}
}

// wsConnection represents one client streaming one query
type wsConnection struct {
	conn      *websocket.Conn
	server    *Server
	mu        sync.Mutex
	ctx       context.Context
	cancel    context.CancelFunc
	sessionID string
	log       *zap.Logger
}

// handleWebSocket streams the stage events of one query, then its result.
// The client sends a single QueryRequest as its first message.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// The upgrader has already replied with an HTTP error.
		s.log.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	metrics.WebSocketConnections.Inc()
	defer metrics.WebSocketConnections.Dec()

	ctx, cancel := context.WithCancel(s.ctx)
	wsc := &wsConnection{
		conn:      conn,
		server:    s,
		ctx:       ctx,
		cancel:    cancel,
		sessionID: uuid.NewString(),
	}
	wsc.log = s.log.With(zap.String("session_id", wsc.sessionID))
	wsc.log.Debug("websocket connection established")
	wsc.handle()
}

// handle manages the connection lifecycle
func (wsc *wsConnection) handle() {
	defer func() {
		wsc.cancel()
		_ = wsc.conn.Close()
		wsc.log.Debug("websocket connection closed")
	}()

	wsc.conn.SetReadLimit(maxBodyBytes)
	_ = wsc.conn.SetReadDeadline(time.Now().Add(wsQueryReadTimeout))

	var req QueryRequest
	if err := wsc.conn.ReadJSON(&req); err != nil {
		if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
			wsc.sendError("expected a query message")
		}
		return
	}
	metrics.WebSocketMessagesTotal.WithLabelValues("inbound").Inc()
	_ = wsc.conn.SetReadDeadline(time.Time{})

	// Anything after the query is ignored; a read error means the client
	// went away and the run is cancelled.
	readerDone := make(chan struct{})
	go func() {
		defer close(readerDone)
		for {
			if _, _, err := wsc.conn.NextReader(); err != nil {
				wsc.cancel()
				return
			}
		}
	}()
	defer func() {
		_ = wsc.conn.Close()
		<-readerDone
	}()

	engineReq, err := wsc.server.buildEngineRequest(wsc.ctx, req)
	if err != nil {
		wsc.sendError(err.Error())
		wsc.close(websocket.ClosePolicyViolation, "invalid query")
		return
	}
	wsc.run(engineReq)
}

// run executes the query and forwards its events.
func (wsc *wsConnection) run(req engine.QueryRequest) {
	req.RunID = uuid.NewString()
	eng := wsc.server.deps.Engine
	sub := eng.Subscribe(req.RunID)
	defer eng.Unsubscribe(req.RunID, sub)

	type outcome struct {
		result models.QueryResult
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		res, err := eng.ProcessQuery(wsc.ctx, req)
		done <- outcome{result: res, err: err}
	}()

	ticker := time.NewTicker(wsHeartbeat)
	defer ticker.Stop()

	// The engine closes the subscription before ProcessQuery returns.
	for events := sub.Ch; events != nil; {
		select {
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			_ = wsc.send(&WSMessage{Type: MessageTypeStage, RunID: req.RunID, Stage: &ev})
		case <-ticker.C:
			_ = wsc.send(&WSMessage{Type: MessageTypeHeartbeat, RunID: req.RunID})
		}
	}

	out := <-done
	msg := &WSMessage{Type: MessageTypeResult, RunID: req.RunID, Result: &out.result}
	if out.err != nil {
		msg.Error = out.err.Error()
	}
	if err := wsc.send(msg); err != nil {
		wsc.log.Debug("result not delivered", zap.Error(err))
		return
	}
	wsc.close(websocket.CloseNormalClosure, "done")
}

// send sends a message to the client
func (wsc *wsConnection) send(msg *WSMessage) error {
	wsc.mu.Lock()
	defer wsc.mu.Unlock()

	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now().UTC()
	}
	_ = wsc.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	if err := wsc.conn.WriteJSON(msg); err != nil {
		return err
	}
	metrics.WebSocketMessagesTotal.WithLabelValues("outbound").Inc()
	return nil
}

// sendError sends an error message to the client
func (wsc *wsConnection) sendError(errMsg string) {
	_ = wsc.send(&WSMessage{Type: MessageTypeError, Error: errMsg})
}

func (wsc *wsConnection) close(code int, reason string) {
	wsc.mu.Lock()
	defer wsc.mu.Unlock()
	err := wsc.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, reason), time.Now().Add(wsWriteTimeout))
	if err != nil && !errors.Is(err, websocket.ErrCloseSent) {
		wsc.log.Debug("close frame not sent", zap.Error(err))
	}
}
