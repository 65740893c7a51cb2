package ws

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/helicon-ai/docchat/internal/auth"
	"github.com/helicon-ai/docchat/internal/model/protocol"
	chatservice "github.com/helicon-ai/docchat/internal/service/chat"
	"github.com/helicon-ai/docchat/internal/service/ratelimit"
	"github.com/helicon-ai/docchat/internal/service/registry"
	"github.com/helicon-ai/docchat/internal/service/stream"
)

// Close codes sent when a connection attempt is refused.
const (
	CloseCodeUnauthorized = 4001
	CloseCodeForbidden    = 4003
)

const (
	readWait     = 60 * time.Second
	pingInterval = 54 * time.Second
	writeWait    = 10 * time.Second
)

// Lifecycle statuses broadcast to a conversation.
const (
	StatusJoined = "joined"
	StatusLeft   = "left"
)

// Handler is the realtime session manager. It authenticates and
// authorizes new connections, registers them, and runs one receive loop
// per connection.
type Handler struct {
	verifier auth.Verifier
	store    chatservice.Store
	limiter  ratelimit.Limiter
	registry *registry.Registry
	driver   *stream.Driver
	upgrader websocket.Upgrader
}

// New creates a websocket session manager. driver may be nil when answer
// generation is not configured.
func New(verifier auth.Verifier, store chatservice.Store, limiter ratelimit.Limiter, reg *registry.Registry, driver *stream.Driver) *Handler {
	return &Handler{
		verifier: verifier,
		store:    store,
		limiter:  limiter,
		registry: reg,
		driver:   driver,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
	}
}

// RegisterRoutes mounts the realtime chat endpoint.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/chat/ws/{conversationID}", h.handleWebSocket)
}

func (h *Handler) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conversationID, err := strconv.ParseInt(chi.URLParam(r, "conversationID"), 10, 64)
	if err != nil {
		http.Error(w, "invalid conversation id", http.StatusBadRequest)
		return
	}

	// The credential rides on a query parameter because not every
	// websocket client can set headers.
	token := r.URL.Query().Get("token")

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[websocket] upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	if token == "" {
		h.refuse(conn, CloseCodeUnauthorized, "missing credential")
		return
	}

	identity, err := h.verifier.Verify(r.Context(), token)
	if err != nil {
		h.refuse(conn, CloseCodeUnauthorized, "invalid credential")
		return
	}

	if !identity.Admin {
		allowed, err := h.store.CheckAccess(r.Context(), conversationID, identity.UserID)
		if err != nil {
			log.Printf("[websocket] access check failed conversation=%d user=%d: %v",
				conversationID, identity.UserID, err)
			h.refuse(conn, CloseCodeForbidden, "conversation access denied")
			return
		}
		if !allowed {
			h.refuse(conn, CloseCodeForbidden, "conversation access denied")
			return
		}
	}

	h.serve(r.Context(), conn, conversationID, identity)
}

// refuse closes a connection attempt that never reached the active state.
func (h *Handler) refuse(conn *websocket.Conn, code int, reason string) {
	deadline := time.Now().Add(writeWait)
	if err := conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline); err != nil {
		log.Printf("[websocket] write close frame failed: %v", err)
	}
}

// serve runs the receive loop for one authorized connection. Cleanup is
// deferred so it runs exactly once on every exit path.
func (h *Handler) serve(parent context.Context, wsConn *websocket.Conn, conversationID int64, identity *auth.Identity) {
	conn := registry.NewConnection(conversationID, identity.UserID, identity.Username, wsConn)
	if old := h.registry.Register(conn); old != nil {
		log.Printf("[websocket] displaced previous connection conversation=%d user=%d",
			conversationID, identity.UserID)
	}

	log.Printf("[websocket] connected conversation=%d user=%d", conversationID, identity.UserID)

	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	defer func() {
		h.registry.Unregister(conn)
		h.registry.Broadcast(conversationID, protocol.StatusUpdate(identity.UserID, StatusLeft), identity.UserID)
		log.Printf("[websocket] disconnected conversation=%d user=%d sent=%d received=%d",
			conversationID, identity.UserID, conn.Sent(), conn.Received())
	}()

	wsConn.SetReadDeadline(time.Now().Add(readWait))
	wsConn.SetPongHandler(func(string) error {
		wsConn.SetReadDeadline(time.Now().Add(readWait))
		return nil
	})
	go h.pingLoop(ctx, wsConn)

	sess := &session{
		handler:        h,
		conn:           conn,
		conversationID: conversationID,
		identity:       identity,
	}

	sess.send(protocol.ConnectionEstablished(conversationID, identity.UserID))
	h.registry.Broadcast(conversationID, protocol.StatusUpdate(identity.UserID, StatusJoined), identity.UserID)

	for {
		_, raw, err := wsConn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Printf("[websocket] read error conversation=%d user=%d: %v",
					conversationID, identity.UserID, err)
			}
			return
		}

		wsConn.SetReadDeadline(time.Now().Add(readWait))
		conn.NoteReceived()
		h.registry.NoteReceived()

		sess.handleFrame(ctx, raw)
	}
}

// pingLoop keeps the transport alive and lets the read deadline detect
// silently dead peers. WriteControl is safe to call concurrently with
// the session's WriteJSON calls.
func (h *Handler) pingLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}

// session is the per-connection state handed to frame handlers.
type session struct {
	handler        *Handler
	conn           *registry.Connection
	conversationID int64
	identity       *auth.Identity
}

// Send implements stream.Sender.
func (s *session) Send(env protocol.Envelope) error {
	if err := s.conn.Send(env); err != nil {
		return err
	}
	s.handler.registry.NoteSent()
	return nil
}

func (s *session) send(env protocol.Envelope) {
	if err := s.Send(env); err != nil {
		log.Printf("[websocket] write %s failed conversation=%d user=%d: %v",
			env.Type, s.conversationID, s.identity.UserID, err)
	}
}

// handleFrame decodes and dispatches one inbound frame. A failure in one
// frame never terminates the connection; the receive loop continues.
func (s *session) handleFrame(ctx context.Context, raw []byte) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("[websocket] panic handling frame conversation=%d user=%d: %v",
				s.conversationID, s.identity.UserID, r)
			s.send(protocol.Error(protocol.CodeProcessingError, "internal error handling message", ""))
		}
	}()

	in, err := protocol.Decode(raw)
	if err != nil {
		s.send(protocol.Error(protocol.CodeMalformedFrame, "malformed frame", err.Error()))
		return
	}

	switch in.Type {
	case protocol.TypeChatMessage:
		s.handleChatMessage(ctx, in.Data)
	case protocol.TypePing:
		s.send(protocol.Pong(time.Now()))
	case protocol.TypeTyping:
		s.handleTyping(in.Data)
	default:
		s.send(protocol.Error(protocol.CodeUnsupportedType, "unsupported message type: "+in.Type, ""))
	}
}

func (s *session) handleChatMessage(ctx context.Context, raw json.RawMessage) {
	payload, err := protocol.DecodeChatMessage(raw)
	if err != nil {
		s.send(protocol.Error(protocol.CodeMalformedFrame, "malformed chat message payload", err.Error()))
		return
	}

	allowed, err := s.handler.limiter.Allow(ctx, s.identity.UserID)
	if err != nil {
		// Admission is advisory; a limiter backend failure must not block chat.
		log.Printf("[websocket] rate limiter failed user=%d: %v", s.identity.UserID, err)
		allowed = true
	}
	if !allowed {
		remaining, _ := s.handler.limiter.Remaining(ctx, s.identity.UserID)
		resetTime, err := s.handler.limiter.ResetTime(ctx, s.identity.UserID)
		if err != nil {
			resetTime = time.Now()
		}
		s.send(protocol.RateLimitWarning(remaining, resetTime))
		return
	}

	if s.handler.driver == nil {
		s.send(protocol.Error(protocol.CodeGenerationError, "answer generation unavailable", ""))
		return
	}

	s.handler.driver.Respond(ctx, s, stream.Request{
		ConversationID: s.conversationID,
		UserID:         s.identity.UserID,
		Question:       payload.Content,
		DocumentIDs:    payload.DocumentIDs,
	}, payload.Streaming())
}

func (s *session) handleTyping(raw json.RawMessage) {
	payload, err := protocol.DecodeTyping(raw)
	if err != nil {
		s.send(protocol.Error(protocol.CodeMalformedFrame, "malformed typing payload", err.Error()))
		return
	}

	s.handler.registry.Broadcast(s.conversationID,
		protocol.TypingBroadcast(s.identity.UserID, payload.IsTyping), s.identity.UserID)
}
