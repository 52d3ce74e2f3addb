package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"posologicos-backend/internal/gateway"
	"posologicos-backend/internal/models"
	"posologicos-backend/internal/realtime"
	"posologicos-backend/internal/services"
	"posologicos-backend/internal/store"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

type fakeGateway struct {
	mu      sync.Mutex
	reqs    []gateway.Request
	reply   string
	err     error
	entered chan struct{}
	release chan struct{}
}

func (f *fakeGateway) Invoke(ctx context.Context, req gateway.Request) (gateway.Response, error) {
	f.mu.Lock()
	f.reqs = append(f.reqs, req)
	entered, release, reply, err := f.entered, f.release, f.reply, f.err
	f.mu.Unlock()

	if entered != nil {
		entered <- struct{}{}
	}
	if release != nil {
		<-release
	}
	if err != nil {
		return gateway.Response{}, err
	}
	return gateway.Response{Output: reply}, nil
}

func (f *fakeGateway) requests() []gateway.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]gateway.Request(nil), f.reqs...)
}

// flakyStore fails the first n appends and runs onAppend before each one.
type flakyStore struct {
	store.MessageStore
	mu       sync.Mutex
	failures int
	onAppend func(models.NewMessage)
}

func (s *flakyStore) Append(ctx context.Context, msg models.NewMessage) (models.RoomMessage, error) {
	s.mu.Lock()
	hook := s.onAppend
	fail := s.failures > 0
	if fail {
		s.failures--
	}
	s.mu.Unlock()

	if hook != nil {
		hook(msg)
	}
	if fail {
		return models.RoomMessage{}, errors.New("connection reset")
	}
	return s.MessageStore.Append(ctx, msg)
}

type updates struct {
	mu  sync.Mutex
	all []Update
}

func (u *updates) record(up Update) {
	u.mu.Lock()
	u.all = append(u.all, up)
	u.mu.Unlock()
}

func (u *updates) messages() []models.RoomMessage {
	u.mu.Lock()
	defer u.mu.Unlock()
	var out []models.RoomMessage
	for _, up := range u.all {
		if up.Kind == UpdateMessage {
			out = append(out, *up.Message)
		}
	}
	return out
}

func (u *updates) lastPresence() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	for i := len(u.all) - 1; i >= 0; i-- {
		if u.all[i].Kind == UpdatePresence {
			return u.all[i].Count
		}
	}
	return -1
}

type harness struct {
	clock    *testClock
	repo     *store.MemoryStore
	hub      *realtime.Hub
	messages *realtime.PublishingStore
	presence *realtime.MemoryPresence
	rooms    *services.RoomService
	gw       *fakeGateway
}

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newHarness(t *testing.T) *harness {
	t.Helper()
	clock := &testClock{now: t0}
	repo := store.NewMemoryStoreWithClock(clock.Now)
	hub := realtime.NewHub()
	return &harness{
		clock:    clock,
		repo:     repo,
		hub:      hub,
		messages: realtime.NewPublishingStore(repo, hub),
		presence: realtime.NewMemoryPresence(30*time.Second, clock.Now),
		rooms:    services.NewRoomService(repo, services.WithClock(clock.Now)),
		gw:       &fakeGateway{reply: "Tome 500mg a cada 8 horas."},
	}
}

func (h *harness) seedRoom(t *testing.T, pin string, agentExpires *time.Time) models.Room {
	t.Helper()
	agent := "a1"
	room, err := h.repo.CreateRoom(context.Background(), models.Room{
		Pin: pin, Name: "Sala " + pin, AgentID: &agent, OwnerID: "owner", IsActive: true, AgentExpiresAt: agentExpires,
	})
	if err != nil {
		t.Fatalf("CreateRoom() error = %v", err)
	}
	return room
}

func (h *harness) controller(t *testing.T, rec *updates, messages store.MessageStore) *Controller {
	t.Helper()
	if messages == nil {
		messages = h.messages
	}
	cfg := Config{
		Directory: h.rooms,
		Messages:  messages,
		Channel:   h.hub,
		Presence:  h.presence,
		Gateway:   h.gw,
		Now:       h.clock.Now,
	}
	if rec != nil {
		cfg.Listener = rec.record
	}
	c := NewController(cfg)
	t.Cleanup(c.Close)
	return c
}

func (h *harness) enter(t *testing.T, c *Controller, pin, name, email string) {
	t.Helper()
	ctx := context.Background()
	if err := c.SubmitPin(ctx, pin); err != nil {
		t.Fatalf("SubmitPin() error = %v", err)
	}
	if err := c.SubmitIdentity(ctx, name, email); err != nil {
		t.Fatalf("SubmitIdentity() error = %v", err)
	}
	if p := c.State().Phase; p != PhaseActive {
		t.Fatalf("phase = %s, want active", p)
	}
}

func TestScenarioTwoParticipantsStayPartitioned(t *testing.T) {
	h := newHarness(t)
	far := time.Date(2099, 1, 1, 0, 0, 0, 0, time.UTC)
	room := h.seedRoom(t, "482913", &far)

	var anaUpdates, betoUpdates updates
	ana := h.controller(t, &anaUpdates, nil)
	beto := h.controller(t, &betoUpdates, nil)
	h.enter(t, ana, "482913", "Ana", "a@x.com")
	h.enter(t, beto, "482913", "Beto", "b@y.com")

	if err := ana.Send(context.Background(), "qual a dose?"); err != nil {
		t.Fatalf("Send() error = %v", err)
	}

	reqs := h.gw.requests()
	if len(reqs) != 1 || reqs[0].Input != "[Ana]: qual a dose?" || reqs[0].AgentID != "a1" {
		t.Fatalf("gateway requests = %+v", reqs)
	}

	got := ana.Messages()
	if len(got) != 2 {
		t.Fatalf("ana has %d messages, want 2", len(got))
	}
	if got[0].Role != models.RoleUser || got[0].Content != "qual a dose?" || got[0].SenderEmail != "a@x.com" {
		t.Fatalf("user row = %+v", got[0])
	}
	if got[1].Role != models.RoleAssistant || got[1].SenderEmail != "a@x.com" || got[1].RoomID != room.ID {
		t.Fatalf("assistant row = %+v", got[1])
	}
	if len(anaUpdates.messages()) != 2 {
		t.Fatalf("ana received %d message updates, want 2", len(anaUpdates.messages()))
	}

	if err := beto.Send(context.Background(), "posso tomar com leite?"); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	for _, m := range betoUpdates.messages() {
		if m.SenderEmail != "b@y.com" {
			t.Fatalf("beto received %+v", m)
		}
	}
	for _, m := range anaUpdates.messages() {
		if m.SenderEmail != "a@x.com" {
			t.Fatalf("ana received %+v", m)
		}
	}
	if len(ana.Messages()) != 2 || len(beto.Messages()) != 2 {
		t.Fatalf("timelines = %d / %d, want 2 / 2", len(ana.Messages()), len(beto.Messages()))
	}

	if n := ana.View().Presence; n != 2 {
		t.Fatalf("ana sees presence %d, want 2", n)
	}
	if ana.View().Sending {
		t.Fatal("Sending still set after send")
	}
}

func TestSubmitPinOutcomes(t *testing.T) {
	h := newHarness(t)
	h.seedRoom(t, "482913", nil)
	past := t0.Add(-time.Hour)
	agent := "a1"
	if _, err := h.repo.CreateRoom(context.Background(), models.Room{
		Pin: "222222", Name: "Old", AgentID: &agent, OwnerID: "o", IsActive: true, RoomExpiresAt: &past,
	}); err != nil {
		t.Fatalf("CreateRoom() error = %v", err)
	}

	tests := []struct {
		pin     string
		want    Phase
		wantErr error
	}{
		{"482913", PhaseEnteringIdentity, nil},
		{"999999", PhaseRoomNotFound, nil},
		{"222222", PhaseRoomExpired, nil},
		{"12", PhaseEnteringPin, services.ErrInvalidPin},
	}
	for _, tt := range tests {
		t.Run(tt.pin, func(t *testing.T) {
			c := h.controller(t, nil, nil)
			err := c.SubmitPin(context.Background(), tt.pin)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("SubmitPin() error = %v, want %v", err, tt.wantErr)
			}
			if p := c.State().Phase; p != tt.want {
				t.Fatalf("phase = %s, want %s", p, tt.want)
			}
		})
	}
}

func TestSubmitIdentityValidation(t *testing.T) {
	h := newHarness(t)
	h.seedRoom(t, "482913", nil)
	c := h.controller(t, nil, nil)

	if err := c.SubmitIdentity(context.Background(), "Ana", "a@x.com"); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("SubmitIdentity() before pin error = %v", err)
	}
	if err := c.SubmitPin(context.Background(), "482913"); err != nil {
		t.Fatalf("SubmitPin() error = %v", err)
	}
	if err := c.SubmitIdentity(context.Background(), "", "a@x.com"); !errors.Is(err, services.ErrInvalidIdentity) {
		t.Fatalf("SubmitIdentity(no name) error = %v", err)
	}
	if err := c.SubmitIdentity(context.Background(), "Ana", "not-an-email"); !errors.Is(err, services.ErrInvalidIdentity) {
		t.Fatalf("SubmitIdentity(bad email) error = %v", err)
	}
	if err := c.SubmitIdentity(context.Background(), " Ana ", " A@X.com "); err != nil {
		t.Fatalf("SubmitIdentity() error = %v", err)
	}
	if s := c.State(); s.Name != "Ana" || s.Email != "a@x.com" {
		t.Fatalf("identity = %q %q", s.Name, s.Email)
	}
}

func TestHistoryHydratedOnEntry(t *testing.T) {
	h := newHarness(t)
	room := h.seedRoom(t, "482913", nil)
	ctx := context.Background()
	for _, m := range []models.NewMessage{
		{RoomID: room.ID, SenderName: "Ana", SenderEmail: "a@x.com", Role: models.RoleUser, Content: "oi"},
		{RoomID: room.ID, SenderName: "Ana", SenderEmail: "a@x.com", Role: models.RoleAssistant, Content: "olá"},
		{RoomID: room.ID, SenderName: "Beto", SenderEmail: "b@y.com", Role: models.RoleUser, Content: "e aí"},
	} {
		if _, err := h.repo.Append(ctx, m); err != nil {
			t.Fatalf("Append() error = %v", err)
		}
	}

	c := h.controller(t, nil, nil)
	h.enter(t, c, "482913", "Ana", "A@x.com")

	got := c.Messages()
	if len(got) != 2 || got[0].Content != "oi" || got[1].Content != "olá" {
		t.Fatalf("hydrated history = %+v", got)
	}
}

func TestAgentExpiredBlocksSubmission(t *testing.T) {
	h := newHarness(t)
	past := t0.Add(-time.Minute)
	room := h.seedRoom(t, "482913", &past)
	if _, err := h.repo.Append(context.Background(), models.NewMessage{
		RoomID: room.ID, SenderName: "Ana", SenderEmail: "a@x.com", Role: models.RoleUser, Content: "antes",
	}); err != nil {
		t.Fatalf("Append() error = %v", err)
	}

	c := h.controller(t, nil, nil)
	h.enter(t, c, "482913", "Ana", "a@x.com")

	if !c.View().AgentExpired {
		t.Fatal("view does not flag the expired agent")
	}
	if err := c.Send(context.Background(), "qual a dose?"); !errors.Is(err, services.ErrAgentExpired) {
		t.Fatalf("Send() error = %v, want ErrAgentExpired", err)
	}
	if n := len(h.gw.requests()); n != 0 {
		t.Fatalf("gateway called %d times", n)
	}
	rows, _ := h.repo.ListForParticipant(context.Background(), room.ID, "a@x.com")
	if len(rows) != 1 {
		t.Fatalf("store has %d rows, want only the earlier one", len(rows))
	}
	if got := c.Messages(); len(got) != 1 || got[0].Content != "antes" {
		t.Fatalf("history not readable: %+v", got)
	}
}

func TestAgentExpiringDuringSendSkipsInvocation(t *testing.T) {
	h := newHarness(t)
	expires := t0.Add(time.Minute)
	h.seedRoom(t, "482913", &expires)

	fs := &flakyStore{MessageStore: h.messages}
	fs.onAppend = func(models.NewMessage) { h.clock.Set(expires) }

	c := h.controller(t, nil, fs)
	h.enter(t, c, "482913", "Ana", "a@x.com")

	if err := c.Send(context.Background(), "qual a dose?"); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if n := len(h.gw.requests()); n != 0 {
		t.Fatalf("gateway called %d times after the agent expired", n)
	}
	got := c.Messages()
	if len(got) != 1 || got[0].Role != models.RoleUser {
		t.Fatalf("messages = %+v, want the user row only", got)
	}
	if s := c.State(); s.Sending {
		t.Fatal("Sending still set")
	}
}

func TestGatewayFailureRecordsOneFallback(t *testing.T) {
	for name, gwErr := range map[string]error{
		"timeout": gateway.ErrTimeout,
		"status":  &gateway.StatusError{Code: 500},
		"empty":   gateway.ErrEmptyOutput,
	} {
		t.Run(name, func(t *testing.T) {
			h := newHarness(t)
			room := h.seedRoom(t, "482913", nil)
			h.gw.err = gwErr

			c := h.controller(t, nil, nil)
			h.enter(t, c, "482913", "Ana", "a@x.com")

			if err := c.Send(context.Background(), "qual a dose?"); err != nil {
				t.Fatalf("Send() error = %v, gateway errors must not escape", err)
			}
			rows, _ := h.repo.ListForParticipant(context.Background(), room.ID, "a@x.com")
			if len(rows) != 2 {
				t.Fatalf("store has %d rows, want 2", len(rows))
			}
			if rows[1].Role != models.RoleSystemError || rows[1].Content != FallbackReply {
				t.Fatalf("fallback row = %+v", rows[1])
			}
			if !rows[1].Role.FromAssistant() {
				t.Fatal("fallback row is not rendered on the assistant side")
			}
			if s := c.State(); s.Sending || !s.CanSend() {
				t.Fatalf("send affordance not re-enabled: %+v", s)
			}
		})
	}
}

func TestStoreErrorKeepsTextForRetry(t *testing.T) {
	h := newHarness(t)
	room := h.seedRoom(t, "482913", nil)
	fs := &flakyStore{MessageStore: h.messages, failures: 1}

	c := h.controller(t, nil, fs)
	h.enter(t, c, "482913", "Ana", "a@x.com")

	err := c.Send(context.Background(), "qual a dose?")
	var sErr *services.StoreError
	if !errors.As(err, &sErr) || sErr.Text != "qual a dose?" {
		t.Fatalf("Send() error = %v, want StoreError carrying the text", err)
	}
	v := c.View()
	if v.Pending != "qual a dose?" || !v.RetryAvailable || v.Sending || v.LastError != "store_error" {
		t.Fatalf("view = %+v", v)
	}
	if n := len(h.gw.requests()); n != 0 {
		t.Fatalf("gateway called %d times for an unrecorded message", n)
	}

	if err := c.Retry(context.Background()); err != nil {
		t.Fatalf("Retry() error = %v", err)
	}
	v = c.View()
	if v.Pending != "" || v.RetryAvailable {
		t.Fatalf("view after retry = %+v", v)
	}
	rows, _ := h.repo.ListForParticipant(context.Background(), room.ID, "a@x.com")
	if len(rows) != 2 || rows[0].Content != "qual a dose?" || rows[1].Role != models.RoleAssistant {
		t.Fatalf("rows = %+v", rows)
	}
	if err := c.Retry(context.Background()); !errors.Is(err, services.ErrNothingToRetry) {
		t.Fatalf("Retry() with nothing pending error = %v", err)
	}
}

func TestSingleInFlightSend(t *testing.T) {
	h := newHarness(t)
	h.seedRoom(t, "482913", nil)
	h.gw.entered = make(chan struct{}, 1)
	h.gw.release = make(chan struct{})

	c := h.controller(t, nil, nil)
	h.enter(t, c, "482913", "Ana", "a@x.com")

	done := make(chan error, 1)
	go func() { done <- c.Send(context.Background(), "primeira") }()
	<-h.gw.entered

	if !c.View().Sending {
		t.Fatal("Sending not set while the gateway is running")
	}
	if err := c.Send(context.Background(), "segunda"); !errors.Is(err, services.ErrBusy) {
		t.Fatalf("second Send() error = %v, want ErrBusy", err)
	}
	if err := c.SubmitPin(context.Background(), "482913"); !errors.Is(err, services.ErrBusy) {
		t.Fatalf("SubmitPin() during send error = %v, want ErrBusy", err)
	}

	close(h.gw.release)
	if err := <-done; err != nil {
		t.Fatalf("first Send() error = %v", err)
	}
	if len(c.Messages()) != 2 {
		t.Fatalf("messages = %d, want 2", len(c.Messages()))
	}
}

func TestGatewayHistoryExcludesErrorsAndIsBounded(t *testing.T) {
	h := newHarness(t)
	room := h.seedRoom(t, "482913", nil)
	ctx := context.Background()
	for i := 0; i < 15; i++ {
		h.clock.Set(t0.Add(time.Duration(i) * time.Second))
		for _, role := range []models.Role{models.RoleUser, models.RoleAssistant, models.RoleSystemError} {
			if _, err := h.repo.Append(ctx, models.NewMessage{RoomID: room.ID, SenderName: "Ana", SenderEmail: "a@x.com", Role: role, Content: string(role)}); err != nil {
				t.Fatalf("Append() error = %v", err)
			}
		}
	}
	h.clock.Set(t0.Add(time.Minute))

	c := h.controller(t, nil, nil)
	h.enter(t, c, "482913", "Ana", "a@x.com")
	if err := c.Send(ctx, "nova"); err != nil {
		t.Fatalf("Send() error = %v", err)
	}

	reqs := h.gw.requests()
	if len(reqs) != 1 {
		t.Fatalf("gateway requests = %d", len(reqs))
	}
	hist := reqs[0].History
	if len(hist) != DefaultHistoryLimit {
		t.Fatalf("history length = %d, want %d", len(hist), DefaultHistoryLimit)
	}
	for _, turn := range hist {
		if turn.Role != "user" && turn.Role != "assistant" {
			t.Fatalf("history carries role %q", turn.Role)
		}
		if turn.Content == "[Ana]: nova" {
			t.Fatal("history includes the message being answered")
		}
	}
	if hist[len(hist)-1].Role != "assistant" || hist[len(hist)-2].Content != "[Ana]: user" {
		t.Fatalf("history tail = %+v", hist[len(hist)-2:])
	}
}

func TestCloseIsIdempotentAndReleasesEverything(t *testing.T) {
	h := newHarness(t)
	room := h.seedRoom(t, "482913", nil)

	var rec updates
	c := h.controller(t, &rec, nil)
	h.enter(t, c, "482913", "Ana", "a@x.com")

	if n, _ := h.presence.Count(context.Background(), room.ID); n != 1 {
		t.Fatalf("presence = %d, want 1", n)
	}

	c.Close()
	c.Close()

	if n := h.hub.SubscriberCount(room.ID, "a@x.com"); n != 0 {
		t.Fatalf("subscriptions left = %d", n)
	}
	if n, _ := h.presence.Count(context.Background(), room.ID); n != 0 {
		t.Fatalf("presence after close = %d", n)
	}
	if p := c.State().Phase; p != PhaseClosed {
		t.Fatalf("phase = %s", p)
	}

	before := len(rec.messages())
	if _, err := h.messages.Append(context.Background(), models.NewMessage{RoomID: room.ID, SenderEmail: "a@x.com", Role: models.RoleUser, Content: "late"}); err != nil {
		t.Fatalf("Append() error = %v", err)
	}
	if len(rec.messages()) != before {
		t.Fatal("update delivered after close")
	}
	if err := c.Send(context.Background(), "x"); !errors.Is(err, ErrClosed) {
		t.Fatalf("Send() after close error = %v", err)
	}
	if err := c.SubmitPin(context.Background(), "482913"); !errors.Is(err, ErrClosed) {
		t.Fatalf("SubmitPin() after close error = %v", err)
	}
}

func TestPinReentryLeavesPreviousRoom(t *testing.T) {
	h := newHarness(t)
	first := h.seedRoom(t, "482913", nil)
	h.seedRoom(t, "555555", nil)

	var rec updates
	c := h.controller(t, &rec, nil)
	h.enter(t, c, "482913", "Ana", "a@x.com")

	if err := c.SubmitPin(context.Background(), "555555"); err != nil {
		t.Fatalf("SubmitPin() error = %v", err)
	}
	if p := c.State().Phase; p != PhaseEnteringIdentity {
		t.Fatalf("phase = %s", p)
	}
	if n := h.hub.SubscriberCount(first.ID, "a@x.com"); n != 0 {
		t.Fatalf("old room subscriptions = %d", n)
	}
	if n, _ := h.presence.Count(context.Background(), first.ID); n != 0 {
		t.Fatalf("old room presence = %d", n)
	}
	if len(c.Messages()) != 0 {
		t.Fatal("timeline not cleared on room switch")
	}

	before := len(rec.messages())
	if _, err := h.messages.Append(context.Background(), models.NewMessage{RoomID: first.ID, SenderEmail: "a@x.com", Role: models.RoleUser, Content: "bleed"}); err != nil {
		t.Fatalf("Append() error = %v", err)
	}
	if len(rec.messages()) != before {
		t.Fatal("old room message bled into the new session")
	}
}

func TestResyncRecoversMissedRows(t *testing.T) {
	h := newHarness(t)
	room := h.seedRoom(t, "482913", nil)

	c := h.controller(t, nil, nil)
	h.enter(t, c, "482913", "Ana", "a@x.com")

	// written by another instance while the relay was down: no local publish
	if _, err := h.repo.Append(context.Background(), models.NewMessage{RoomID: room.ID, SenderName: "Ana", SenderEmail: "a@x.com", Role: models.RoleUser, Content: "perdida"}); err != nil {
		t.Fatalf("Append() error = %v", err)
	}
	if len(c.Messages()) != 0 {
		t.Fatal("row arrived without delivery")
	}

	h.hub.Resync()

	deadline := time.After(time.Second)
	for len(c.Messages()) == 0 {
		select {
		case <-deadline:
			t.Fatal("resync never merged the missed row")
		case <-time.After(5 * time.Millisecond):
		}
	}

	if err := c.Resync(context.Background()); err != nil {
		t.Fatalf("Resync() error = %v", err)
	}
	if n := len(c.Messages()); n != 1 {
		t.Fatalf("messages after second resync = %d, want 1 (deduplicated)", n)
	}
}

func TestHeartbeatRejoinsAfterEvictionAndTracksExpiry(t *testing.T) {
	h := newHarness(t)
	expires := t0.Add(time.Hour)
	room := h.seedRoom(t, "482913", &expires)

	var rec updates
	c := h.controller(t, &rec, nil)
	h.enter(t, c, "482913", "Ana", "a@x.com")

	h.clock.Set(t0.Add(40 * time.Second))
	if err := h.presence.Sweep(context.Background(), h.clock.Now()); err != nil {
		t.Fatalf("Sweep() error = %v", err)
	}
	if n, _ := h.presence.Count(context.Background(), room.ID); n != 0 {
		t.Fatalf("presence after sweep = %d", n)
	}

	if err := c.Heartbeat(context.Background()); err != nil {
		t.Fatalf("Heartbeat() error = %v", err)
	}
	if n, _ := h.presence.Count(context.Background(), room.ID); n != 1 {
		t.Fatalf("presence after heartbeat = %d, want 1", n)
	}
	if rec.lastPresence() != 1 {
		t.Fatalf("last presence update = %d", rec.lastPresence())
	}

	h.clock.Set(expires)
	if err := c.Heartbeat(context.Background()); err != nil {
		t.Fatalf("Heartbeat() error = %v", err)
	}
	if !c.View().AgentExpired {
		t.Fatal("agent expiry not picked up by heartbeat")
	}
	if err := c.Send(context.Background(), "x"); !errors.Is(err, services.ErrAgentExpired) {
		t.Fatalf("Send() error = %v", err)
	}
}

// lateWriteDirectory appends a row for the same participant right after the
// history read, the way a second tab sending at that moment would.
type lateWriteDirectory struct {
	Directory
	write func()
}

func (d *lateWriteDirectory) History(ctx context.Context, roomID, email string) ([]models.RoomMessage, error) {
	rows, err := d.Directory.History(ctx, roomID, email)
	if err == nil && d.write != nil {
		d.write()
	}
	return rows, err
}

func TestRowWrittenDuringHydrationIsDelivered(t *testing.T) {
	h := newHarness(t)
	room := h.seedRoom(t, "482913", nil)

	var rec updates
	dir := &lateWriteDirectory{Directory: h.rooms}
	dir.write = func() {
		if _, err := h.messages.Append(context.Background(), models.NewMessage{
			RoomID: room.ID, SenderName: "Ana", SenderEmail: "a@x.com", Role: models.RoleUser, Content: "da outra aba",
		}); err != nil {
			t.Errorf("Append() error = %v", err)
		}
	}
	c := NewController(Config{
		Directory: dir,
		Messages:  h.messages,
		Channel:   h.hub,
		Presence:  h.presence,
		Gateway:   h.gw,
		Now:       h.clock.Now,
		Listener:  rec.record,
	})
	t.Cleanup(c.Close)
	h.enter(t, c, "482913", "Ana", "a@x.com")

	got := c.Messages()
	if len(got) != 1 || got[0].Content != "da outra aba" {
		t.Fatalf("timeline = %+v, want the row written during hydration", got)
	}
	if stored, _ := h.repo.ListForParticipant(context.Background(), room.ID, "a@x.com"); len(stored) != 1 {
		t.Fatalf("stored rows = %d, want 1", len(stored))
	}

	// a later resync finds nothing new
	if err := c.Resync(context.Background()); err != nil {
		t.Fatalf("Resync() error = %v", err)
	}
	if n := len(c.Messages()); n != 1 {
		t.Fatalf("messages after resync = %d, want 1", n)
	}
}

func TestPresenceIsKeyedBySession(t *testing.T) {
	h := newHarness(t)
	room := h.seedRoom(t, "482913", nil)

	first := h.controller(t, nil, nil)
	second := h.controller(t, nil, nil)
	if first.SessionKey() == "" || first.SessionKey() == second.SessionKey() {
		t.Fatalf("session keys %q / %q", first.SessionKey(), second.SessionKey())
	}
	h.enter(t, first, "482913", "Ana", "a@x.com")

	ctx := context.Background()
	if err := h.presence.Heartbeat(ctx, room.ID, first.SessionKey()); err != nil {
		t.Fatalf("Heartbeat(entered session) error = %v", err)
	}
	if err := h.presence.Heartbeat(ctx, room.ID, second.SessionKey()); !errors.Is(err, realtime.ErrNotJoined) {
		t.Fatalf("Heartbeat(idle session) error = %v, want ErrNotJoined", err)
	}
}
