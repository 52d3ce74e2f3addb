package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"posologicos-backend/internal/gateway"
	"posologicos-backend/internal/models"
	"posologicos-backend/internal/realtime"
	"posologicos-backend/internal/services"
	"posologicos-backend/internal/store"
)

// FallbackReply is recorded as a system_error row when the agent cannot answer.
const FallbackReply = "Desculpe, ocorreu um erro ao processar sua mensagem. Tente novamente."

const DefaultHistoryLimit = 20

var (
	ErrClosed    = errors.New("session closed")
	ErrNotActive = errors.New("session has not joined a room")
)

// Directory resolves PINs and reads a participant's partition.
type Directory interface {
	Resolve(ctx context.Context, pin string) (models.Room, error)
	History(ctx context.Context, roomID, email string) ([]models.RoomMessage, error)
}

// Channel is the delivery side of the message log.
type Channel interface {
	Subscribe(roomID, email string, onMessage func(models.RoomMessage), onResync func()) *realtime.Subscription
}

type UpdateKind string

const (
	UpdateState    UpdateKind = "state"
	UpdateHistory  UpdateKind = "history"
	UpdateMessage  UpdateKind = "message"
	UpdatePresence UpdateKind = "presence"
)

// Update is pushed to the listener whenever the rendered session changes.
type Update struct {
	Kind     UpdateKind
	View     models.SessionView
	Message  *models.RoomMessage
	Messages []models.RoomMessage
	Count    int
}

type Config struct {
	Directory Directory
	Messages  store.MessageStore
	Channel   Channel
	Presence  realtime.Presence
	Gateway   gateway.Gateway

	HistoryLimit int
	Now          func() time.Time

	// Listener receives updates while the session lock is held, in order.
	// It must not block or call back into the controller.
	Listener func(Update)
}

// Controller drives one participant session. Transitions go through Reduce;
// the controller performs the I/O around them.
type Controller struct {
	cfg        Config
	sessionKey string
	logger     zerolog.Logger

	mu       sync.Mutex
	state    State
	timeline *Timeline
	presence int
	gen      uint64 // bumped whenever room-scoped subscriptions are replaced

	// set once the session has entered its room
	msgSub   *realtime.Subscription
	countSub *realtime.Subscription
}

func NewController(cfg Config) *Controller {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = DefaultHistoryLimit
	}
	if cfg.Listener == nil {
		cfg.Listener = func(Update) {}
	}
	key := uuid.NewString()
	return &Controller{
		cfg:        cfg,
		sessionKey: key,
		logger:     log.With().Str("module", "session").Str("session", key).Logger(),
		state:      State{Phase: PhaseEnteringPin},
		timeline:   NewTimeline(),
	}
}

func (c *Controller) SessionKey() string {
	return c.sessionKey
}

// SubmitPin resolves pin and moves the session to EnteringIdentity,
// RoomNotFound or RoomExpired. Entering a new PIN leaves the current room.
func (c *Controller) SubmitPin(ctx context.Context, pin string) error {
	pin = strings.TrimSpace(pin)
	if err := services.ValidatePin(pin); err != nil {
		return err
	}

	c.mu.Lock()
	next, err := Reduce(c.state, PinSubmitted{Pin: pin})
	if err != nil {
		err = closedOr(c.state, err)
		c.mu.Unlock()
		return err
	}
	release := c.detachLocked()
	c.setLocked(next)
	gen := c.gen
	c.mu.Unlock()
	release()

	room, resolveErr := c.cfg.Directory.Resolve(ctx, pin)

	var ev Event
	switch {
	case resolveErr == nil:
		ev = RoomResolved{Room: room, Now: c.cfg.Now()}
	case errors.Is(resolveErr, services.ErrRoomExpired):
		ev = RoomWasExpired{}
	default:
		ev = RoomMissing{}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.gen != gen {
		return closedOr(c.state, nil)
	}
	next, err = Reduce(c.state, ev)
	if err != nil {
		return closedOr(c.state, err)
	}
	if resolveErr != nil && !errors.Is(resolveErr, services.ErrRoomNotFound) {
		next.LastError = services.ErrorKind(resolveErr)
		c.logger.Error().Err(resolveErr).Str("pin", pin).Msg("room resolution failed")
	}
	c.setLocked(next)
	c.logger.Debug().Str("pin", pin).Str("phase", string(next.Phase)).Msg("pin resolved")

	if resolveErr != nil && !errors.Is(resolveErr, services.ErrRoomNotFound) {
		return fmt.Errorf("resolving room: %w", resolveErr)
	}
	return nil
}

// SubmitIdentity enters the room. The delivery subscription is registered
// before history is read so no row falls between the two; the timeline
// dedupes rows seen by both. Hydration and presence join run concurrently.
func (c *Controller) SubmitIdentity(ctx context.Context, name, email string) error {
	name, email, err := services.NormalizeIdentity(name, email)
	if err != nil {
		return err
	}

	c.mu.Lock()
	next, err := Reduce(c.state, IdentitySubmitted{Name: name, Email: email})
	if err != nil {
		err = closedOr(c.state, err)
		c.mu.Unlock()
		return err
	}
	c.gen++
	gen := c.gen
	c.timeline.Reset()
	c.setLocked(next)
	room := *next.Room
	c.mu.Unlock()

	countSub := c.cfg.Presence.OnChange(room.ID, func(count int) { c.onPresence(gen, count) })
	msgSub := c.cfg.Channel.Subscribe(room.ID, email,
		func(m models.RoomMessage) { c.onMessage(gen, m) },
		func() { go c.resync(context.Background(), gen) },
	)

	var (
		history []models.RoomMessage
		joined  bool
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		h, err := c.cfg.Directory.History(gctx, room.ID, email)
		if err != nil {
			return fmt.Errorf("hydrating history: %w", err)
		}
		history = h
		return nil
	})
	g.Go(func() error {
		if err := c.cfg.Presence.Join(gctx, room.ID, c.sessionKey, name); err != nil {
			return fmt.Errorf("joining presence: %w", err)
		}
		joined = true
		return nil
	})
	waitErr := g.Wait()

	c.mu.Lock()
	if c.gen != gen || c.state.Phase != PhaseActive {
		superseded := closedOr(c.state, nil)
		c.mu.Unlock()
		msgSub.Unsubscribe()
		countSub.Unsubscribe()
		if joined {
			_ = c.cfg.Presence.Drop(context.Background(), room.ID, c.sessionKey)
		}
		return superseded
	}
	c.msgSub = msgSub
	c.countSub = countSub

	c.timeline.Merge(history...)
	c.cfg.Listener(Update{Kind: UpdateHistory, View: c.viewLocked(), Messages: c.timeline.Messages()})
	if waitErr != nil {
		c.state.LastError = services.ErrorKind(waitErr)
		c.cfg.Listener(Update{Kind: UpdateState, View: c.viewLocked()})
		c.logger.Warn().Err(waitErr).Str("room_id", room.ID).Msg("entering room was incomplete")
	}
	c.mu.Unlock()

	if count, err := c.cfg.Presence.Count(ctx, room.ID); err == nil {
		c.onPresence(gen, count)
	}

	c.logger.Info().Str("room_id", room.ID).Str("email", email).Msg("participant entered room")
	return waitErr
}

// Send records text, invokes the agent and records its reply. Gateway
// failures are recorded as a single system_error row and never returned.
func (c *Controller) Send(ctx context.Context, text string) error {
	text = strings.TrimSpace(text)

	c.mu.Lock()
	if c.state.Phase == PhaseClosed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.state.Phase != PhaseActive {
		c.mu.Unlock()
		return ErrNotActive
	}
	ticked, _ := Reduce(c.state, ClockTick{Now: c.cfg.Now()})
	if ticked.Phase != PhaseActive {
		release := c.detachLocked()
		c.setLocked(ticked)
		c.mu.Unlock()
		release()
		return services.ErrRoomExpired
	}
	next, err := Reduce(ticked, SendStarted{Text: text})
	if err != nil {
		if ticked != c.state {
			c.setLocked(ticked)
		}
		c.mu.Unlock()
		return err
	}
	c.setLocked(next)
	room := *next.Room
	name, email, gen := next.Name, next.Email, c.gen
	c.mu.Unlock()

	// The reply must be recorded even if the participant disconnects mid-send.
	ctx = context.WithoutCancel(ctx)

	userRow, err := c.cfg.Messages.Append(ctx, models.NewMessage{
		RoomID: room.ID, SenderName: name, SenderEmail: email, Role: models.RoleUser, Content: text,
	})
	if err != nil {
		sErr := &services.StoreError{Op: "append", Text: text, Err: err}
		c.finish(gen, SendFailed{Text: text, Kind: services.ErrorKind(sErr), Keep: true})
		c.logger.Error().Err(err).Str("room_id", room.ID).Msg("user message not recorded")
		return sErr
	}
	c.onMessage(gen, userRow)

	if room.AgentExpired(c.cfg.Now()) {
		c.finish(gen, SendFinished{})
		return nil
	}

	req := gateway.Request{
		AgentID: *room.AgentID,
		Input:   fmt.Sprintf("[%s]: %s", name, text),
		History: c.historyFor(gen, userRow.ID),
	}
	role, content := models.RoleAssistant, ""
	resp, gErr := c.cfg.Gateway.Invoke(ctx, req)
	if gErr != nil {
		role, content = models.RoleSystemError, FallbackReply
		c.logger.Warn().Err(gErr).Str("room_id", room.ID).Str("error_kind", services.ErrorKind(gErr)).Msg("agent invocation failed, recording fallback")
	} else {
		content = resp.Output
	}

	reply := models.NewMessage{RoomID: room.ID, SenderName: name, SenderEmail: email, Role: role, Content: content}
	replyRow, err := c.cfg.Messages.Append(ctx, reply)
	if err != nil {
		replyRow, err = c.cfg.Messages.Append(ctx, reply)
	}
	if err != nil {
		sErr := &services.StoreError{Op: "append_reply", Err: err}
		c.finish(gen, SendFailed{Kind: services.ErrorKind(sErr)})
		c.logger.Error().Err(err).Str("room_id", room.ID).Msg("agent reply not recorded")
		return sErr
	}
	c.onMessage(gen, replyRow)
	c.finish(gen, SendFinished{})
	return nil
}

// Retry resubmits the text of a send whose user row was not recorded.
func (c *Controller) Retry(ctx context.Context) error {
	c.mu.Lock()
	pending := c.state.Pending
	retry := c.state.RetryAvailable
	c.mu.Unlock()

	if !retry || pending == "" {
		return services.ErrNothingToRetry
	}
	return c.Send(ctx, pending)
}

// Heartbeat keeps the presence entry alive and re-evaluates expiry.
func (c *Controller) Heartbeat(ctx context.Context) error {
	c.mu.Lock()
	if c.state.Phase == PhaseClosed {
		c.mu.Unlock()
		return ErrClosed
	}
	next, _ := Reduce(c.state, ClockTick{Now: c.cfg.Now()})
	var release func()
	if c.state.Phase == PhaseActive && next.Phase != PhaseActive {
		release = c.detachLocked()
	}
	if next != c.state {
		c.setLocked(next)
	}
	entered := c.msgSub != nil && next.Phase == PhaseActive
	var roomID, name string
	if next.Room != nil {
		roomID, name = next.Room.ID, next.Name
	}
	c.mu.Unlock()

	if release != nil {
		release()
	}
	if !entered {
		return nil
	}

	err := c.cfg.Presence.Heartbeat(ctx, roomID, c.sessionKey)
	if errors.Is(err, realtime.ErrNotJoined) {
		return c.cfg.Presence.Join(ctx, roomID, c.sessionKey, name)
	}
	return err
}

// Resync refetches the partition and merges rows missed by delivery.
func (c *Controller) Resync(ctx context.Context) error {
	c.mu.Lock()
	gen := c.gen
	c.mu.Unlock()
	return c.resync(ctx, gen)
}

func (c *Controller) resync(ctx context.Context, gen uint64) error {
	c.mu.Lock()
	if c.gen != gen || c.state.Phase != PhaseActive {
		c.mu.Unlock()
		return nil
	}
	roomID, email := c.state.Room.ID, c.state.Email
	c.mu.Unlock()

	history, err := c.cfg.Directory.History(ctx, roomID, email)
	if err != nil {
		c.logger.Warn().Err(err).Str("room_id", roomID).Msg("resync failed")
		return fmt.Errorf("resync: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.gen != gen || c.state.Phase != PhaseActive {
		return nil
	}
	if added := c.timeline.Merge(history...); len(added) > 0 {
		c.cfg.Listener(Update{Kind: UpdateHistory, View: c.viewLocked(), Messages: c.timeline.Messages()})
	}
	return nil
}

// Close leaves the room and releases every subscription. Safe to call more
// than once.
func (c *Controller) Close() {
	c.mu.Lock()
	if c.state.Phase == PhaseClosed {
		c.mu.Unlock()
		return
	}
	release := c.detachLocked()
	next, _ := Reduce(c.state, Closed{})
	c.setLocked(next)
	c.mu.Unlock()

	release()
}

func (c *Controller) View() models.SessionView {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.viewLocked()
}

func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Controller) Messages() []models.RoomMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.timeline.Messages()
}

func (c *Controller) onMessage(gen uint64, m models.RoomMessage) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.gen != gen || c.state.Phase != PhaseActive {
		return
	}
	if m.RoomID != c.state.Room.ID || m.SenderEmail != c.state.Email {
		return
	}
	for _, added := range c.timeline.Merge(m) {
		row := added
		c.cfg.Listener(Update{Kind: UpdateMessage, View: c.viewLocked(), Message: &row})
	}
}

func (c *Controller) onPresence(gen uint64, count int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.gen != gen || c.state.Phase != PhaseActive || c.presence == count {
		return
	}
	c.presence = count
	c.cfg.Listener(Update{Kind: UpdatePresence, View: c.viewLocked(), Count: count})
}

// finish applies the terminal event of a send if the session still belongs
// to the same room.
func (c *Controller) finish(gen uint64, ev Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.gen != gen {
		return
	}
	next, err := Reduce(c.state, ev)
	if err != nil {
		return
	}
	c.setLocked(next)
}

// historyFor builds the agent history from user and assistant rows,
// excluding the row being answered.
func (c *Controller) historyFor(gen uint64, excludeID string) []gateway.Turn {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.gen != gen {
		return nil
	}

	turns := make([]gateway.Turn, 0, c.timeline.Len())
	for _, m := range c.timeline.Messages() {
		if m.ID == excludeID {
			continue
		}
		switch m.Role {
		case models.RoleUser:
			turns = append(turns, gateway.Turn{Role: string(models.RoleUser), Content: fmt.Sprintf("[%s]: %s", m.SenderName, m.Content)})
		case models.RoleAssistant:
			turns = append(turns, gateway.Turn{Role: string(models.RoleAssistant), Content: m.Content})
		}
	}
	if len(turns) > c.cfg.HistoryLimit {
		turns = turns[len(turns)-c.cfg.HistoryLimit:]
	}
	return turns
}

// detachLocked invalidates room-scoped callbacks and returns a function that
// releases the subscriptions. It must run after c.mu is released, since a
// callback may be waiting on the lock.
func (c *Controller) detachLocked() func() {
	c.gen++
	msgSub, countSub := c.msgSub, c.countSub
	var roomID string
	if c.state.Room != nil {
		roomID = c.state.Room.ID
	}
	c.msgSub, c.countSub = nil, nil
	c.presence = 0
	c.timeline.Reset()

	return func() {
		if msgSub != nil {
			msgSub.Unsubscribe()
		}
		if countSub != nil {
			countSub.Unsubscribe()
		}
		if msgSub != nil {
			if err := c.cfg.Presence.Drop(context.Background(), roomID, c.sessionKey); err != nil {
				c.logger.Warn().Err(err).Str("room_id", roomID).Msg("presence drop failed")
			}
		}
	}
}

func (c *Controller) setLocked(s State) {
	c.state = s
	c.cfg.Listener(Update{Kind: UpdateState, View: c.viewLocked()})
}

func closedOr(s State, err error) error {
	if s.Phase == PhaseClosed {
		return ErrClosed
	}
	return err
}

func (c *Controller) viewLocked() models.SessionView {
	s := c.state
	v := models.SessionView{
		Phase:          string(s.Phase),
		Pin:            s.Pin,
		Name:           s.Name,
		Email:          s.Email,
		AgentExpired:   s.AgentExpired,
		AgentMissing:   s.AgentMissing,
		Sending:        s.Sending,
		Pending:        s.Pending,
		RetryAvailable: s.RetryAvailable,
		Presence:       c.presence,
		LastError:      s.LastError,
	}
	if s.Room != nil {
		summary := s.Room.Summary(c.cfg.Now())
		v.Room = &summary
	}
	return v
}
