package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"eventsync-backend/internal/domain"
	"eventsync-backend/internal/service/call"
	"eventsync-backend/internal/service/presence"
	"eventsync-backend/pkg/constants"
	"eventsync-backend/pkg/errors"
	"eventsync-backend/pkg/logger"
	"eventsync-backend/pkg/metrics"
)

// Client-to-server operations
const (
	OpCallInitiate      = "call.initiate"
	OpCallInvite        = "call.invite"
	OpCallJoin          = "call.join"
	OpCallLeave         = "call.leave"
	OpCallEnd           = "call.end"
	OpCallSignal        = "call.signal"
	OpCallMediaToggle   = "call.media.toggle"
	OpInvitationRespond = "call.invite.respond"
)

// Frame types in addition to the event types pushed by the presence notifier
const (
	frameConnected = "connected"
	frameAck       = "ack"
	frameError     = "error"
)

// envelope is one client-to-server frame
type envelope struct {
	Op        string          `json:"op"`
	RequestID string          `json:"request_id,omitempty"`
	Data      json.RawMessage `json:"data"`
}

// frame is one server-to-client message
type frame struct {
	Type      string      `json:"type"`
	RequestID string      `json:"request_id,omitempty"`
	CallID    uuid.UUID   `json:"call_id,omitempty"`
	Data      interface{} `json:"data,omitempty"`
	Error     *errorBody  `json:"error,omitempty"`
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type initiateRequest struct {
	Kind     domain.CallKind `json:"kind"`
	PeerID   string          `json:"peer_id"`
	Invitees []uuid.UUID     `json:"invitees"`
}

type inviteRequest struct {
	CallID    uuid.UUID `json:"call_id"`
	InviteeID uuid.UUID `json:"invitee_id"`
}

type joinRequest struct {
	CallID uuid.UUID `json:"call_id"`
	PeerID string    `json:"peer_id"`
}

type callRequest struct {
	CallID uuid.UUID `json:"call_id"`
}

type signalRequest struct {
	CallID      uuid.UUID         `json:"call_id"`
	ToSessionID uuid.UUID         `json:"to_session_id"`
	Kind        domain.SignalKind `json:"kind"`
	Payload     json.RawMessage   `json:"payload"`
}

type mediaToggleRequest struct {
	CallID  uuid.UUID         `json:"call_id"`
	Field   domain.MediaField `json:"field"`
	Enabled bool              `json:"enabled"`
}

type invitationRespondRequest struct {
	InvitationID uuid.UUID `json:"invitation_id"`
	Accept       bool      `json:"accept"`
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
		for _, allowed := range allowedOrigins() {
			if origin == allowed {
				return true
			}
		}
		return false
	},
}

func allowedOrigins() []string {
	raw := os.Getenv("ALLOWED_ORIGINS")
	if raw == "" {
		return []string{"http://localhost:3000"}
	}
	origins := strings.Split(raw, ",")
	for i := range origins {
		origins[i] = strings.TrimSpace(origins[i])
	}
	return origins
}

// CallHub owns the WebSocket side of the call service: one Client per
// connection, each a live session attached to the presence notifier.
type CallHub struct {
	coordinator *call.Coordinator
	notifier    *presence.Notifier

	// Concurrency limit: maxConnections is the maximum number of concurrent WebSocket connections
	maxConnections int
	// Semaphore for limiting concurrent connections
	semaphore chan struct{}
}

// NewCallHub creates the hub. Max connections come from WS_MAX_CONNECTIONS.
func NewCallHub(coordinator *call.Coordinator, notifier *presence.Notifier) *CallHub {
	maxConns := 1000
	if val := os.Getenv("WS_MAX_CONNECTIONS"); val != "" {
		if n, err := strconv.Atoi(val); err == nil && n > 0 {
			maxConns = n
		}
	}

	return &CallHub{
		coordinator:    coordinator,
		notifier:       notifier,
		maxConnections: maxConns,
		semaphore:      make(chan struct{}, maxConns),
	}
}

// Client is one connected session
type Client struct {
	hub       *CallHub
	conn      *websocket.Conn
	send      chan []byte
	done      chan struct{}
	userID    uuid.UUID
	role      string
	sessionID uuid.UUID
}

// Deliver implements presence.Sink. Never blocks: a session whose send
// buffer is full loses the event.
func (c *Client) Deliver(event presence.Event) error {
	payload, err := json.Marshal(frame{
		Type:   event.Type,
		CallID: event.CallID,
		Data:   event.Data,
	})
	if err != nil {
		return err
	}

	select {
	case c.send <- payload:
		return nil
	default:
		return presence.ErrSinkFull
	}
}

// ServeWS upgrades the request to a WebSocket session. The auth middleware
// must have run first.
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
	released := false
	release := func() {
		if !released {
			released = true
			<-h.semaphore
		}
	}

	userIDVal, exists := c.Get("user_id")
	if !exists {
		release()
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	userID, ok := userIDVal.(uuid.UUID)
	if !ok {
		release()
		c.JSON(http.StatusInternalServerError, gin.H{"error": "invalid user_id"})
		return
	}
	role := c.GetString("role")

	conn, err := callUpgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		release()
		logger.Warn("WebSocket upgrade failed",
			zap.String("user_id", userID.String()),
			zap.Error(err))
		return
	}

	client := &Client{
		hub:       h,
		conn:      conn,
		send:      make(chan []byte, constants.SessionSendBuffer),
		done:      make(chan struct{}),
		userID:    userID,
		role:      role,
		sessionID: uuid.New(),
	}

	h.notifier.Attach(client.sessionID, client.userID, client)
	metrics.WebSocketConnections.Inc()

	logger.Info("WebSocket session connected",
		zap.String("user_id", userID.String()),
		zap.String("session_id", client.sessionID.String()))

	client.sendFrame(frame{
		Type: frameConnected,
		Data: gin.H{"session_id": client.sessionID, "user_id": client.userID},
	})

	go client.writePump()
	go func() {
		defer release()
		client.readPump()
	}()
}

// readPump reads and dispatches client frames until the connection dies.
// On exit the session is detached and implicitly leaves its calls.
func (c *Client) readPump() {
	defer func() {
		c.hub.notifier.Detach(c.sessionID, c.userID)
		c.hub.coordinator.SessionDied(context.Background(), c.userID, c.sessionID)
		// send stays open; late broadcasts that raced Detach land in the
		// buffer and are garbage collected with the client
		close(c.done)
		c.conn.Close()
		metrics.WebSocketConnections.Dec()
		metrics.WebSocketDisconnectionTotal.WithLabelValues("read_closed").Inc()

		logger.Info("WebSocket session disconnected",
			zap.String("user_id", c.userID.String()),
			zap.String("session_id", c.sessionID.String()))
	}()

	c.conn.SetReadLimit(int64(constants.MaxSignalPayloadBytes + 4096))
	c.conn.SetReadDeadline(time.Now().Add(constants.WebSocketPingInterval * 2))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(constants.WebSocketPingInterval * 2))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				logger.Debug("WebSocket connection closed",
					zap.String("user_id", c.userID.String()),
					zap.String("session_id", c.sessionID.String()),
					zap.Error(err))
			}
			break
		}

		metrics.WebSocketMessagesTotal.WithLabelValues("inbound").Inc()

		var env envelope
		if err := json.Unmarshal(message, &env); err != nil {
			c.sendError("", errors.InvalidInputError("malformed frame"))
			continue
		}
		c.dispatch(env)
	}
}

// dispatch routes one client operation to the coordinator and answers with
// an ack or error frame carrying the same request_id
func (c *Client) dispatch(env envelope) {
	ctx, cancel := context.WithTimeout(context.Background(), constants.DefaultTimeout)
	defer cancel()

	switch env.Op {
	case OpCallInitiate:
		var req initiateRequest
		if !c.bind(env, &req) {
			return
		}
		result, err := c.hub.coordinator.Initiate(ctx, c.userID, c.sessionID, req.Kind, req.PeerID, req.Invitees)
		c.answer(env.RequestID, result, err)

	case OpCallInvite:
		var req inviteRequest
		if !c.bind(env, &req) {
			return
		}
		inv, err := c.hub.coordinator.Invite(ctx, req.CallID, c.userID, req.InviteeID)
		c.answer(env.RequestID, inv, err)

	case OpCallJoin:
		var req joinRequest
		if !c.bind(env, &req) {
			return
		}
		result, err := c.hub.coordinator.Join(ctx, req.CallID, c.userID, c.sessionID, req.PeerID)
		c.answer(env.RequestID, result, err)

	case OpCallLeave:
		var req callRequest
		if !c.bind(env, &req) {
			return
		}
		err := c.hub.coordinator.Leave(ctx, req.CallID, c.userID, c.sessionID)
		c.answer(env.RequestID, gin.H{"left": true}, err)

	case OpCallEnd:
		var req callRequest
		if !c.bind(env, &req) {
			return
		}
		err := c.hub.coordinator.End(ctx, req.CallID, c.userID, c.role)
		c.answer(env.RequestID, gin.H{"ended": true}, err)

	case OpCallSignal:
		var req signalRequest
		if !c.bind(env, &req) {
			return
		}
		err := c.hub.coordinator.Signal(req.CallID, c.sessionID, req.ToSessionID, req.Kind, req.Payload)
		c.answer(env.RequestID, gin.H{"relayed": true}, err)

	case OpCallMediaToggle:
		var req mediaToggleRequest
		if !c.bind(env, &req) {
			return
		}
		media, err := c.hub.coordinator.ToggleMedia(req.CallID, c.userID, c.sessionID, req.Field, req.Enabled)
		c.answer(env.RequestID, gin.H{"media": media}, err)

	case OpInvitationRespond:
		var req invitationRespondRequest
		if !c.bind(env, &req) {
			return
		}
		inv, err := c.hub.coordinator.RespondInvitation(req.InvitationID, c.userID, req.Accept)
		c.answer(env.RequestID, inv, err)

	default:
		c.sendError(env.RequestID, errors.InvalidInputError("unknown operation: "+env.Op))
	}
}

func (c *Client) bind(env envelope, target interface{}) bool {
	if err := json.Unmarshal(env.Data, target); err != nil {
		c.sendError(env.RequestID, errors.InvalidInputError("malformed operation data"))
		return false
	}
	return true
}

func (c *Client) answer(requestID string, data interface{}, err error) {
	if err != nil {
		c.sendError(requestID, err)
		return
	}
	c.sendFrame(frame{Type: frameAck, RequestID: requestID, Data: data})
}

func (c *Client) sendError(requestID string, err error) {
	appErr := errors.GetAppError(err)
	c.sendFrame(frame{
		Type:      frameError,
		RequestID: requestID,
		Error:     &errorBody{Code: string(appErr.Code), Message: appErr.Message},
	})
}

func (c *Client) sendFrame(f frame) {
	payload, err := json.Marshal(f)
	if err != nil {
		logger.Error("Failed to marshal outbound frame",
			zap.String("type", f.Type),
			zap.Error(err))
		return
	}
	select {
	case c.send <- payload:
	default:
		metrics.PresenceEventDroppedTotal.WithLabelValues("buffer_full").Inc()
	}
}

// writePump writes queued frames and pings to the connection
func (c *Client) writePump() {
	ticker := time.NewTicker(constants.WebSocketPingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case <-c.done:
			c.conn.SetWriteDeadline(time.Now().Add(constants.WebSocketWriteTimeout))
			c.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return

		case message := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(constants.WebSocketWriteTimeout))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
			metrics.WebSocketMessagesTotal.WithLabelValues("outbound").Inc()

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(constants.WebSocketWriteTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
