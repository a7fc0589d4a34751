package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"duocall-backend/internal/domain"
	callsvc "duocall-backend/internal/service/call"
	"duocall-backend/internal/signaling"
	"duocall-backend/pkg/constants"
	pkgcontext "duocall-backend/pkg/context"
	apperrors "duocall-backend/pkg/errors"
	"duocall-backend/pkg/logger"
	"duocall-backend/pkg/metrics"
)

// CallService is the slice of the call service the transport dispatches into
type CallService interface {
	Initiate(ctx context.Context, actingUser uuid.UUID, senderConn string, conversationID uuid.UUID, kind domain.CallType) (*domain.Call, bool, error)
	Accept(ctx context.Context, actingUser uuid.UUID, senderConn string, callID uuid.UUID) (*domain.Call, bool, error)
	Reject(ctx context.Context, actingUser uuid.UUID, senderConn string, callID uuid.UUID) (bool, error)
	End(ctx context.Context, actingUser uuid.UUID, senderConn string, callID uuid.UUID) (bool, error)
	Forward(ctx context.Context, actingUser uuid.UUID, senderConn string, in *callsvc.ForwardInput) (bool, error)
}

// PresenceMirror mirrors connect/disconnect into shared storage, best-effort
type PresenceMirror interface {
	SetUserOnline(ctx context.Context, userID uuid.UUID) error
	SetUserOffline(ctx context.Context, userID uuid.UUID) error
}

// CallHub manages signaling WebSocket connections. One connection carries one
// authenticated user across all of their calls; connection ids are assigned at
// upgrade time.
type CallHub struct {
	// Registered clients by connection id
	conns map[string]*CallClient

	// Authoritative user -> live connections bookkeeping
	registry *signaling.Registry

	// Optional Redis presence mirror for sibling services
	presence PresenceMirror

	// Dispatch target, set via SetCallService before serving
	service CallService

	metrics *metrics.Metrics

	// Mutex for thread-safe operations
	mu sync.RWMutex

	// Channels
	register   chan *CallClient
	unregister chan *CallClient

	// Concurrency limit: maxConnections is the maximum number of concurrent WebSocket connections
	maxConnections int
	// Semaphore for limiting concurrent connections
	semaphore chan struct{}
}

// CallClient represents one signaling WebSocket connection
type CallClient struct {
	hub    *CallHub
	conn   *websocket.Conn
	send   chan []byte
	connID string
	userID uuid.UUID
	ctx    context.Context
	cancel context.CancelFunc

	// Guards send against the unregister path closing the queue; emits come
	// from service and timer goroutines, not just the pumps
	sendMu sync.RWMutex
	closed bool
}

// Client-initiated message types; the rtc.* tags are shared with the
// outbound event tags since relay messages keep their kind end to end
const (
	ClientTypeInitiate = "call.initiate"
	ClientTypeAccept   = "call.accept"
	ClientTypeReject   = "call.reject"
	ClientTypeEnd      = "call.end"
)

// EventCallInitiated acknowledges a successful initiate to the caller's own
// connection, carrying the created call record (and so the call id)
const EventCallInitiated = "call.initiated"

// ClientMessage is one inbound frame from a connection
type ClientMessage struct {
	Type               string    `json:"type"`
	ConversationID     uuid.UUID `json:"conversation_id,omitempty"`
	CallID             uuid.UUID `json:"call_id,omitempty"`
	CallType           string    `json:"call_type,omitempty"`
	SDP                string    `json:"sdp,omitempty"`
	Candidate          string    `json:"candidate,omitempty"`
	CandidateMid       *string   `json:"candidate_mid,omitempty"`
	CandidateLineIndex *int      `json:"candidate_line_index,omitempty"`

	// Optional routing hint naming the peer connection to deliver to
	TargetConnectionID string `json:"target_connection_id,omitempty"`
}

// ServerMessage is one outbound frame to a connection
type ServerMessage struct {
	Type      string    `json:"type"`
	Payload   any       `json:"payload,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// GetAllowedOrigins returns allowed WebSocket origins from environment or defaults
func GetAllowedOrigins() map[string]bool {
	allowedOrigins := map[string]bool{
		"http://localhost:3000": true,
		"http://localhost:8080": true,
		"http://127.0.0.1:3000": true,
		"http://127.0.0.1:8080": true,
	}

	// Add production origins from environment if set
	if origins := os.Getenv("CORS_ALLOWED_ORIGINS"); origins != "" {
		// Parse comma-separated origins
		for _, origin := range strings.Split(origins, ",") {
			allowedOrigins[strings.TrimSpace(origin)] = true
		}
	}

	return allowedOrigins
}

var callUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			// Reject empty origins - require explicit origin for security
			return false
		}

		allowedOrigins := GetAllowedOrigins()
		for allowed := range allowedOrigins {
			if origin == allowed {
				return true
			}
		}
		return false
	},
}

// NewCallHub creates a new call hub. presence and m may be nil.
func NewCallHub(registry *signaling.Registry, presence PresenceMirror, m *metrics.Metrics) *CallHub {
	// Default max connections: 1000 (configurable via environment if needed)
	maxConns := 1000
	if val := os.Getenv("WS_MAX_CONNECTIONS"); val != "" {
		if n, err := strconv.Atoi(val); err == nil && n > 0 {
			maxConns = n
		}
	}

	hub := &CallHub{
		conns:          make(map[string]*CallClient),
		registry:       registry,
		presence:       presence,
		metrics:        m,
		register:       make(chan *CallClient),
		unregister:     make(chan *CallClient),
		maxConnections: maxConns,
		semaphore:      make(chan struct{}, maxConns),
	}

	go hub.run()

	return hub
}

// SetCallService binds the dispatch target. Must be called before ServeWS.
func (h *CallHub) SetCallService(service CallService) {
	h.service = service
}

// run handles hub registration bookkeeping
func (h *CallHub) run() {
	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			h.conns[client.connID] = client
			h.mu.Unlock()

			h.registry.Subscribe(client.userID, client.connID)
			if h.metrics != nil {
				h.metrics.IncrementWebSocketConnections()
			}
			if h.presence != nil {
				go h.mirrorOnline(client.userID)
			}

		case client := <-h.unregister:
			h.mu.Lock()
			_, exists := h.conns[client.connID]
			if exists {
				delete(h.conns, client.connID)
				client.detach()
				client.cancel()
			}
			h.mu.Unlock()

			if exists {
				h.registry.Unsubscribe(client.userID, client.connID)
				if h.metrics != nil {
					h.metrics.DecrementWebSocketConnections()
				}
				// A user with another live connection stays online
				if h.presence != nil && !h.registry.IsOnline(client.userID) {
					go h.mirrorOffline(client.userID)
				}
			}
		}
	}
}

func (h *CallHub) mirrorOnline(userID uuid.UUID) {
	ctx, cancel := pkgcontext.WithShortTimeout(context.Background())
	defer cancel()
	if err := h.presence.SetUserOnline(ctx, userID); err != nil {
		logger.Warn("Failed to mirror user online",
			zap.String("user_id", userID.String()),
			zap.Error(err))
	}
}

func (h *CallHub) mirrorOffline(userID uuid.UUID) {
	ctx, cancel := pkgcontext.WithShortTimeout(context.Background())
	defer cancel()
	if err := h.presence.SetUserOffline(ctx, userID); err != nil {
		logger.Warn("Failed to mirror user offline",
			zap.String("user_id", userID.String()),
			zap.Error(err))
	}
}

// EmitToConnection delivers one event to a specific connection. Reports
// whether the event was handed to a live connection's send queue.
func (h *CallHub) EmitToConnection(connID string, event string, payload any) bool {
	h.mu.RLock()
	client, ok := h.conns[connID]
	h.mu.RUnlock()
	if !ok {
		return false
	}
	return client.enqueue(event, payload)
}

// EmitToUser delivers one event to the user's first reachable connection
func (h *CallHub) EmitToUser(userID uuid.UUID, event string, payload any) bool {
	for _, connID := range h.registry.ActiveConnections(userID, "") {
		if h.EmitToConnection(connID, event, payload) {
			return true
		}
	}
	return false
}

// ServeWS handles WebSocket requests for call signaling
func (h *CallHub) ServeWS(c *gin.Context) {
	// Acquire semaphore to limit concurrent connections
	select {
	case h.semaphore <- struct{}{}:
	default:
		logger.Warn("WebSocket connection rejected: max connections reached",
			zap.Int("max_connections", h.maxConnections))
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Server at capacity, please try again later"})
		return
	}
	// The slot is handed to the connection once pumps start; until then any
	// early return must release it here
	acquired := true
	defer func() {
		if acquired {
			<-h.semaphore
		}
	}()

	// Get user ID from context (set by auth middleware)
	userIDVal, exists := c.Get("user_id")
	if !exists {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	userID, ok := userIDVal.(uuid.UUID)
	if !ok {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "invalid user_id"})
		return
	}

	// Upgrade to WebSocket
	conn, err := callUpgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logger.Warn("WebSocket upgrade failed",
			zap.String("user_id", userID.String()),
			zap.Error(err))
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	client := &CallClient{
		hub:    h,
		conn:   conn,
		send:   make(chan []byte, 256),
		connID: uuid.NewString(),
		userID: userID,
		ctx:    ctx,
		cancel: cancel,
	}

	acquired = false
	client.hub.register <- client

	// Start goroutines for read/write
	go client.writePump()
	go client.readPump()
}

// readPump reads messages from the WebSocket and dispatches them
func (c *CallClient) readPump() {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
		<-c.hub.semaphore
	}()

	c.conn.SetReadDeadline(time.Now().Add(constants.WebSocketPingInterval))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(constants.WebSocketPingInterval))
		return nil
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				logger.Debug("WebSocket connection closed",
					zap.String("connection_id", c.connID),
					zap.String("user_id", c.userID.String()),
					zap.Error(err))
			}
			break
		}

		var msg ClientMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			logger.Warn("Invalid message format from WebSocket",
				zap.String("connection_id", c.connID),
				zap.String("user_id", c.userID.String()),
				zap.Error(err))
			c.sendError(apperrors.InvalidInputError("malformed message"))
			continue
		}

		c.dispatch(&msg)
	}
}

// dispatch routes one inbound message into the call service
func (c *CallClient) dispatch(msg *ClientMessage) {
	if c.hub.metrics != nil {
		c.hub.metrics.RecordWebSocketMessage("inbound", msg.Type)
	}

	ctx, cancel := pkgcontext.WithMediumTimeout(c.ctx)
	defer cancel()

	switch msg.Type {
	case ClientTypeInitiate:
		call, _, err := c.hub.service.Initiate(ctx, c.userID, c.connID, msg.ConversationID, domain.CallType(msg.CallType))
		if err != nil {
			c.sendError(err)
			return
		}
		// Ack with the created record so the caller learns the call id
		c.enqueue(EventCallInitiated, call)

	case ClientTypeAccept:
		if _, _, err := c.hub.service.Accept(ctx, c.userID, c.connID, msg.CallID); err != nil {
			c.sendError(err)
		}

	case ClientTypeReject:
		if _, err := c.hub.service.Reject(ctx, c.userID, c.connID, msg.CallID); err != nil {
			c.sendError(err)
		}

	case ClientTypeEnd:
		if _, err := c.hub.service.End(ctx, c.userID, c.connID, msg.CallID); err != nil {
			c.sendError(err)
		}

	case domain.EventRTCOffer, domain.EventRTCAnswer, domain.EventRTCCandidate:
		c.forward(ctx, msg)

	default:
		c.sendError(apperrors.InvalidInputError("unknown message type"))
	}
}

func (c *CallClient) forward(ctx context.Context, msg *ClientMessage) {
	var kind callsvc.SignalKind
	switch msg.Type {
	case domain.EventRTCOffer:
		kind = callsvc.SignalOffer
	case domain.EventRTCAnswer:
		kind = callsvc.SignalAnswer
	case domain.EventRTCCandidate:
		kind = callsvc.SignalCandidate
	}

	delivered, err := c.hub.service.Forward(ctx, c.userID, c.connID, &callsvc.ForwardInput{
		Kind:               kind,
		CallID:             msg.CallID,
		SDP:                msg.SDP,
		Candidate:          msg.Candidate,
		CandidateMid:       msg.CandidateMid,
		CandidateLineIndex: msg.CandidateLineIndex,
		HintConnectionID:   msg.TargetConnectionID,
	})
	if err != nil {
		c.sendError(err)
		return
	}
	if !delivered {
		c.enqueue(domain.EventError, &domain.ErrorPayload{Message: "Recipient not available"})
	}
}

// sendError maps a failure to an error event on this connection
func (c *CallClient) sendError(err error) {
	appErr := apperrors.GetAppError(err)
	if c.hub.metrics != nil {
		c.hub.metrics.RecordWebSocketError(string(appErr.Code))
	}
	c.enqueue(domain.EventError, &domain.ErrorPayload{Message: appErr.Message})
}

// enqueue marshals one outbound frame onto this connection's send queue.
// A full queue drops the frame; the ping deadline will reap dead peers.
func (c *CallClient) enqueue(event string, payload any) bool {
	data, err := json.Marshal(&ServerMessage{
		Type:      event,
		Payload:   payload,
		Timestamp: time.Now().UTC(),
	})
	if err != nil {
		logger.Warn("Failed to marshal outbound event",
			zap.String("event", event),
			zap.Error(err))
		return false
	}

	c.sendMu.RLock()
	defer c.sendMu.RUnlock()
	if c.closed {
		return false
	}

	select {
	case c.send <- data:
		if c.hub.metrics != nil {
			c.hub.metrics.RecordWebSocketMessage("outbound", event)
		}
		return true
	default:
		logger.Warn("Dropping event for slow consumer",
			zap.String("connection_id", c.connID),
			zap.String("event", event))
		if c.hub.metrics != nil {
			c.hub.metrics.RecordWebSocketError("slow_consumer")
		}
		return false
	}
}

// detach marks the client closed and closes its send queue. enqueue holds
// sendMu while sending, so no frame can land after the close.
func (c *CallClient) detach() {
	c.sendMu.Lock()
	c.closed = true
	close(c.send)
	c.sendMu.Unlock()
}

// writePump writes messages to the WebSocket
func (c *CallClient) writePump() {
	ticker := time.NewTicker(constants.WebSocketPingInterval * 9 / 10)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(constants.WebSocketWriteTimeout))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			w.Write(message)

			if err := w.Close(); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(constants.WebSocketWriteTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
