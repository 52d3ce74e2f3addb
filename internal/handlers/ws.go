package handlers

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"posologicos-backend/internal/gateway"
	"posologicos-backend/internal/metrics"
	"posologicos-backend/internal/models"
	"posologicos-backend/internal/realtime"
	"posologicos-backend/internal/services"
	"posologicos-backend/internal/session"
	"posologicos-backend/internal/store"
	"posologicos-backend/internal/utils"
)

const (
	outboxSize = 64
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

// SessionDeps is everything a participant connection needs to run a session.
type SessionDeps struct {
	Rooms        *services.RoomService
	Messages     store.MessageStore
	Channel      session.Channel
	Presence     realtime.Presence
	Gateway      gateway.Gateway
	Registry     *SessionRegistry
	HistoryLimit int
	// Heartbeat is how often the server refreshes presence and expiry clocks.
	Heartbeat time.Duration
}

// wsSession couples one websocket connection to one session controller.
// Frames are queued on out and written by a single pump goroutine.
type wsSession struct {
	id     string
	conn   *websocket.Conn
	ctrl   *session.Controller
	ctx    context.Context
	cancel context.CancelFunc
	logger zerolog.Logger

	mu     sync.Mutex
	out    chan []byte
	closed bool
}

// WebSocketHandler serves /ws/sala/:pin. The PIN in the path is submitted as
// soon as the connection opens; the client then identifies and chats.
func WebSocketHandler(deps SessionDeps) fiber.Handler {
	return websocket.New(func(c *websocket.Conn) {
		ctx, cancel := context.WithCancel(context.Background())
		s := &wsSession{
			id:     uuid.New().String(),
			conn:   c,
			ctx:    ctx,
			cancel: cancel,
			out:    make(chan []byte, outboxSize),
		}
		s.logger = log.With().Str("module", "ws").Str("conn", s.id).Logger()

		s.ctrl = session.NewController(session.Config{
			Directory:    deps.Rooms,
			Messages:     deps.Messages,
			Channel:      deps.Channel,
			Presence:     deps.Presence,
			Gateway:      deps.Gateway,
			HistoryLimit: deps.HistoryLimit,
			Now:          deps.Rooms.Now,
			Listener: func(u session.Update) {
				if deps.Registry != nil && u.Kind == session.UpdateState {
					deps.Registry.Enter(s.id, activeRoom(u.View))
				}
				s.push(updateFrame(u))
			},
		})
		s.logger = s.logger.With().Str("session", s.ctrl.SessionKey()).Logger()

		if deps.Registry != nil {
			deps.Registry.Register(s.id, s.shutdown)
			defer deps.Registry.Unregister(s.id)
		}

		done := make(chan struct{})
		go func() {
			defer close(done)
			s.writePump()
		}()
		go s.heartbeatLoop(deps.Heartbeat)

		_ = c.SetReadDeadline(time.Now().Add(pongWait))
		c.SetPongHandler(func(string) error {
			return c.SetReadDeadline(time.Now().Add(pongWait))
		})

		if pin := c.Params("pin"); pin != "" {
			s.reply(s.ctrl.SubmitPin(ctx, pin))
		} else {
			s.push(models.WSMessage{Event: "state", State: viewPtr(s.ctrl.View()), Timestamp: nowMillis()})
		}

		for {
			msgType, msg, err := c.ReadMessage()
			if err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
					s.logger.Warn().Err(err).Msg("websocket read failed")
				}
				break
			}
			_ = c.SetReadDeadline(time.Now().Add(pongWait))
			HandleMessage(s, msgType, msg)
		}

		// Leaving the room also drops presence: the dead socket is the liveness signal.
		s.ctrl.Close()
		s.shutdown()
		<-done
	})
}

// WSUpgradeMiddleware upgrades the connection to WebSocket
func WSUpgradeMiddleware(c *fiber.Ctx) error {
	if websocket.IsWebSocketUpgrade(c) {
		c.Locals("allowed", true)
		return c.Next()
	}
	return fiber.ErrUpgradeRequired
}

// push queues a frame. A client that cannot keep up is disconnected rather
// than allowed to stall the controller.
func (s *wsSession) push(frame models.WSMessage) {
	data, err := utils.EncodeFrame(frame)
	if err != nil {
		utils.LogError(err, "EncodeFrame")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.out <- data:
	default:
		s.logger.Warn().Msg("outbox full, closing connection")
		s.shutdownLocked()
	}
}

// reply sends an error frame when err is non-nil.
func (s *wsSession) reply(err error) {
	if err == nil {
		return
	}
	kind := sessionErrorKind(err)
	metrics.SessionErrors.WithLabelValues(kind).Inc()
	if kind == "unexpected" {
		s.logger.Error().Err(err).Msg("session operation failed")
	}
	s.push(models.WSMessage{Event: "error", Error: err.Error(), Kind: kind, Timestamp: nowMillis()})
}

func sessionErrorKind(err error) string {
	switch {
	case errors.Is(err, session.ErrNotActive):
		return "not_active"
	case errors.Is(err, session.ErrClosed):
		return "closed"
	}
	return services.ErrorKind(err)
}

func (s *wsSession) shutdown() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.shutdownLocked()
}

func (s *wsSession) shutdownLocked() {
	if s.closed {
		return
	}
	s.closed = true
	close(s.out)
	s.cancel()
}

func (s *wsSession) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = s.conn.Close()
	}()

	for {
		select {
		case data, ok := <-s.out:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = s.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				s.shutdown()
				return
			}
		case <-ticker.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				s.shutdown()
				return
			}
		}
	}
}

func (s *wsSession) heartbeatLoop(interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			if err := s.ctrl.Heartbeat(s.ctx); err != nil && s.ctx.Err() == nil {
				s.logger.Debug().Err(err).Msg("heartbeat failed")
			}
		}
	}
}

func updateFrame(u session.Update) models.WSMessage {
	frame := models.WSMessage{Event: string(u.Kind), Timestamp: nowMillis()}
	switch u.Kind {
	case session.UpdateState:
		frame.State = viewPtr(u.View)
	case session.UpdateHistory:
		frame.State = viewPtr(u.View)
		frame.History = u.Messages
		if frame.History == nil {
			frame.History = []models.RoomMessage{}
		}
	case session.UpdateMessage:
		frame.Message = u.Message
	case session.UpdatePresence:
		count := u.Count
		frame.Count = &count
	}
	return frame
}

func activeRoom(v models.SessionView) string {
	if v.Phase != string(session.PhaseActive) || v.Room == nil {
		return ""
	}
	return v.Room.ID
}

func viewPtr(v models.SessionView) *models.SessionView {
	return &v
}

func nowMillis() int64 {
	return time.Now().UnixMilli()
}
