package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/cuongbtq/jobstream/internal/domain"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/oklog/ulid/v2"
)

// IdentityVerifier turns a bearer credential into an identity
type IdentityVerifier interface {
	Verify(ctx context.Context, token string) (domain.Identity, error)
}

// ProfileStore resolves the profile of an identity. A nil profile means none.
type ProfileStore interface {
	GetByIdentity(ctx context.Context, identityID string) (*domain.Profile, error)
}

// MembershipChecker answers whether a profile belongs to a conversation
type MembershipChecker interface {
	IsMember(ctx context.Context, profileID, conversationID string) (bool, error)
}

// Config bounds per-connection resources
type Config struct {
	SendBuffer       int
	MaxMessageLength int
	MaxFrameBytes    int64
	PingInterval     time.Duration
	PongWait         time.Duration
	WriteWait        time.Duration
	AllowedOrigins   []string
}

func (c Config) withDefaults() Config {
	if c.SendBuffer <= 0 {
		c.SendBuffer = 32
	}
	if c.MaxMessageLength <= 0 {
		c.MaxMessageLength = 4000
	}
	if c.MaxFrameBytes <= 0 {
		c.MaxFrameBytes = 64 << 10
	}
	if c.PongWait <= 0 {
		c.PongWait = 60 * time.Second
	}
	if c.PingInterval <= 0 || c.PingInterval >= c.PongWait {
		c.PingInterval = c.PongWait * 9 / 10
	}
	if c.WriteWait <= 0 {
		c.WriteWait = 10 * time.Second
	}
	return c
}

type eventHandler func(ctx context.Context, s *Session, data json.RawMessage) error

// Gateway authenticates socket connections and routes their events
type Gateway struct {
	verifier IdentityVerifier
	profiles ProfileStore
	members  MembershipChecker
	hub      *Hub
	cfg      Config
	logger   *slog.Logger
	upgrader websocket.Upgrader
	now      func() time.Time
	handlers map[string]eventHandler

	mu       sync.Mutex
	sessions map[*Session]struct{}
	closed   bool
}

// NewGateway creates a gateway with its own room table
func NewGateway(verifier IdentityVerifier, profiles ProfileStore, members MembershipChecker, cfg Config, logger *slog.Logger) *Gateway {
	cfg = cfg.withDefaults()
	g := &Gateway{
		verifier: verifier,
		profiles: profiles,
		members:  members,
		hub:      NewHub(logger),
		cfg:      cfg,
		logger:   logger,
		now:      time.Now,
		sessions: make(map[*Session]struct{}),
	}
	g.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     g.checkOrigin,
	}
	g.handlers = map[string]eventHandler{
		EventJoinConversation:  g.joinConversation,
		EventSendMessage:       g.sendMessage,
		EventLeaveConversation: g.leaveConversation,
	}
	return g
}

// Hub exposes the room table
func (g *Gateway) Hub() *Hub {
	return g.hub
}

// Sessions returns the number of open sessions
func (g *Gateway) Sessions() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.sessions)
}

func (g *Gateway) checkOrigin(r *http.Request) bool {
	if len(g.cfg.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range g.cfg.AllowedOrigins {
		if allowed == "*" || strings.EqualFold(allowed, origin) {
			return true
		}
	}
	return false
}

// ServeWS handles GET /ws. The handshake is authenticated before the
// connection is upgraded; a rejected handshake never becomes a socket.
func (g *Gateway) ServeWS(c *gin.Context) {
	s := newSession(ulid.Make().String(), g.cfg.SendBuffer)

	identity, profile, status, err := g.handshake(c)
	if err != nil {
		s.close(closeNormal)
		g.logger.Info("Websocket handshake rejected",
			slog.String("remote", c.ClientIP()),
			slog.Int("status", status),
			slog.Any("error", err),
		)
		message := "unauthorized"
		if status == http.StatusServiceUnavailable {
			message = "service unavailable"
		}
		c.JSON(status, gin.H{"error": message})
		return
	}

	if err := s.authenticate(identity, *profile); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": internalErrorMessage})
		return
	}

	conn, err := g.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// the upgrader has already replied
		s.close(closeNormal)
		g.logger.Warn("Websocket upgrade failed", slog.Any("error", err))
		return
	}
	s.conn = conn

	if !g.register(s) {
		s.close(closeShutdown)
		g.writeLoop(s)
		return
	}

	g.logger.Info("Websocket connected",
		slog.String("session_id", s.ID),
		slog.String("profile_id", s.Profile.ID),
	)

	ctx, cancel := context.WithCancel(context.WithoutCancel(c.Request.Context()))
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		g.writeLoop(s)
	}()

	g.readLoop(ctx, s)

	cancel()
	s.close(closeNormal)
	g.hub.LeaveAll(s)
	<-writerDone
	g.unregister(s)

	g.logger.Info("Websocket disconnected",
		slog.String("session_id", s.ID),
		slog.String("profile_id", s.Profile.ID),
	)
}

func (g *Gateway) handshake(c *gin.Context) (domain.Identity, *domain.Profile, int, error) {
	ctx := c.Request.Context()

	token := c.Query("token")
	if token == "" {
		if auth := c.GetHeader("Authorization"); strings.HasPrefix(auth, "Bearer ") {
			token = strings.TrimSpace(strings.TrimPrefix(auth, "Bearer "))
		}
	}
	claimedProfile := c.Query("profileId")
	if claimedProfile == "" {
		claimedProfile = c.GetHeader("X-Profile-Id")
	}

	identity, err := g.verifier.Verify(ctx, token)
	if err != nil {
		if errors.Is(err, domain.ErrUpstream) {
			return identity, nil, http.StatusServiceUnavailable, err
		}
		return identity, nil, http.StatusUnauthorized, err
	}

	profile, err := g.profiles.GetByIdentity(ctx, identity.ID)
	if err != nil {
		return identity, nil, http.StatusServiceUnavailable, err
	}
	if profile == nil {
		return identity, nil, http.StatusUnauthorized, fmt.Errorf("%w: identity has no profile", domain.ErrAuthentication)
	}
	if claimedProfile != "" && claimedProfile != profile.ID {
		return identity, nil, http.StatusUnauthorized, fmt.Errorf("%w: profile does not belong to identity", domain.ErrAuthentication)
	}

	return identity, profile, http.StatusOK, nil
}

func (g *Gateway) register(s *Session) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return false
	}
	g.sessions[s] = struct{}{}
	return true
}

func (g *Gateway) unregister(s *Session) {
	g.mu.Lock()
	delete(g.sessions, s)
	g.mu.Unlock()
}

// readLoop handles inbound frames one at a time, in receipt order
func (g *Gateway) readLoop(ctx context.Context, s *Session) {
	conn := s.conn
	conn.SetReadLimit(g.cfg.MaxFrameBytes)
	_ = conn.SetReadDeadline(time.Now().Add(g.cfg.PongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(g.cfg.PongWait))
	})

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				g.logger.Debug("Websocket read ended",
					slog.String("session_id", s.ID),
					slog.Any("error", err),
				)
			}
			return
		}
		g.handle(ctx, s, raw)
	}
}

// writeLoop is the only writer of a session's connection
func (g *Gateway) writeLoop(s *Session) {
	conn := s.conn
	ticker := time.NewTicker(g.cfg.PingInterval)
	defer func() {
		ticker.Stop()
		conn.Close()
	}()

	for {
		select {
		case frame := <-s.send:
			_ = conn.SetWriteDeadline(time.Now().Add(g.cfg.WriteWait))
			if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				s.close(closeNormal)
				return
			}

		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(g.cfg.WriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				s.close(closeNormal)
				return
			}

		case <-s.done:
			msg := websocket.FormatCloseMessage(s.reason.code, s.reason.text)
			_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(g.cfg.WriteWait))
			return
		}
	}
}

// handle decodes one frame and dispatches it. Failures are reported to this
// session only; the connection stays open.
func (g *Gateway) handle(ctx context.Context, s *Session, raw []byte) {
	defer func() {
		if r := recover(); r != nil {
			g.logger.Error("Websocket handler panicked",
				slog.String("session_id", s.ID),
				slog.Any("panic", r),
			)
			g.sendError(s, internalErrorMessage)
		}
	}()

	if s.State() != StateAuthenticated {
		return
	}

	var frame Frame
	if err := json.Unmarshal(raw, &frame); err != nil || frame.Event == "" {
		g.sendError(s, "invalid frame")
		return
	}

	handler, ok := g.handlers[frame.Event]
	if !ok {
		g.sendError(s, fmt.Sprintf("unknown event %q", frame.Event))
		return
	}

	if err := handler(ctx, s, frame.Data); err != nil {
		g.reportError(s, frame.Event, err)
	}
}

func (g *Gateway) reportError(s *Session, event string, err error) {
	var validation *domain.ValidationError
	switch {
	case errors.As(err, &validation):
		g.sendError(s, validation.Error())
	case errors.Is(err, domain.ErrAuthorization):
		g.sendError(s, "not a member of this conversation")
	default:
		g.logger.Error("Websocket event failed",
			slog.String("session_id", s.ID),
			slog.String("event", event),
			slog.Any("error", err),
		)
		g.sendError(s, internalErrorMessage)
	}
}

func (g *Gateway) joinConversation(ctx context.Context, s *Session, data json.RawMessage) error {
	var p conversationPayload
	if err := decodePayload(data, &p); err != nil {
		return err
	}
	if err := g.authorize(ctx, s, p.ConversationID); err != nil {
		return err
	}

	g.hub.Join(p.ConversationID, s)
	g.logger.Debug("Joined conversation",
		slog.String("session_id", s.ID),
		slog.String("conversation_id", p.ConversationID),
	)
	return g.reply(s, EventJoinedConversation, conversationPayload{ConversationID: p.ConversationID})
}

// sendMessage re-checks membership for every message so that a revoked
// membership takes effect without reconnecting
func (g *Gateway) sendMessage(ctx context.Context, s *Session, data json.RawMessage) error {
	var p sendMessagePayload
	if err := decodePayload(data, &p); err != nil {
		return err
	}
	if strings.TrimSpace(p.Text) == "" {
		return domain.NewValidationError("text", "is required")
	}
	if utf8.RuneCountInString(p.Text) > g.cfg.MaxMessageLength {
		return domain.NewValidationError("text", fmt.Sprintf("must be at most %d characters", g.cfg.MaxMessageLength))
	}
	if err := g.authorize(ctx, s, p.ConversationID); err != nil {
		return err
	}

	frame, err := encodeFrame(EventNewMessage, NewMessage{
		ConversationID: p.ConversationID,
		Text:           p.Text,
		Sender: Sender{
			ID:          s.Profile.ID,
			DisplayName: s.Profile.DisplayName,
			Type:        s.Profile.Type,
		},
		Timestamp: g.now().UTC(),
	})
	if err != nil {
		return err
	}

	delivered := g.hub.Broadcast(p.ConversationID, frame)
	g.logger.Debug("Message broadcast",
		slog.String("session_id", s.ID),
		slog.String("conversation_id", p.ConversationID),
		slog.Int("delivered", delivered),
	)
	return nil
}

func (g *Gateway) leaveConversation(_ context.Context, s *Session, data json.RawMessage) error {
	var p conversationPayload
	if err := decodePayload(data, &p); err != nil {
		return err
	}

	g.hub.Leave(p.ConversationID, s)
	return g.reply(s, EventLeftConversation, conversationPayload{ConversationID: p.ConversationID})
}

func (g *Gateway) authorize(ctx context.Context, s *Session, conversationID string) error {
	ok, err := g.members.IsMember(ctx, s.Profile.ID, conversationID)
	if err != nil {
		return fmt.Errorf("failed to check membership: %w", err)
	}
	if !ok {
		return fmt.Errorf("%w: profile %s in conversation %s", domain.ErrAuthorization, s.Profile.ID, conversationID)
	}
	return nil
}

func (g *Gateway) reply(s *Session, event string, data any) error {
	frame, err := encodeFrame(event, data)
	if err != nil {
		return err
	}
	if !s.enqueue(frame) {
		g.hub.LeaveAll(s)
		s.close(closeSlowConsumer)
	}
	return nil
}

func (g *Gateway) sendError(s *Session, message string) {
	if err := g.reply(s, EventError, errorPayload{Message: message}); err != nil {
		g.logger.Error("Failed to encode error frame", slog.Any("error", err))
	}
}

// Close disconnects every session and refuses new ones
func (g *Gateway) Close() {
	g.mu.Lock()
	g.closed = true
	sessions := make([]*Session, 0, len(g.sessions))
	for s := range g.sessions {
		sessions = append(sessions, s)
	}
	g.mu.Unlock()

	for _, s := range sessions {
		g.hub.LeaveAll(s)
		s.close(closeShutdown)
	}
}

func decodePayload(data json.RawMessage, dst any) error {
	if len(data) == 0 {
		return domain.NewValidationError("data", "is required")
	}
	if err := json.Unmarshal(data, dst); err != nil {
		return domain.NewValidationError("data", "is malformed")
	}

	var conversationID string
	switch p := dst.(type) {
	case *conversationPayload:
		conversationID = p.ConversationID
	case *sendMessagePayload:
		conversationID = p.ConversationID
	}
	if strings.TrimSpace(conversationID) == "" {
		return domain.NewValidationError("conversationId", "is required")
	}
	return nil
}
