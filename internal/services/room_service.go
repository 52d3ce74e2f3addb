package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog/log"

	"posologicos-backend/internal/models"
	"posologicos-backend/internal/store"
)

const (
	maxRoomNameLength        = 120
	maxRoomDescriptionLength = 1000
	defaultPinRetries        = 5
)

// Repository is the storage the room service needs.
type Repository interface {
	store.RoomStore
	store.MessageStore
}

// RoomService is the room directory: participants resolve PINs through it
// and owners manage their rooms.
type RoomService struct {
	repo       Repository
	now        func() time.Time
	newPin     func() (string, error)
	pinRetries int
}

type RoomServiceOption func(*RoomService)

func WithClock(now func() time.Time) RoomServiceOption {
	return func(s *RoomService) { s.now = now }
}

func WithPinGenerator(gen func() (string, error)) RoomServiceOption {
	return func(s *RoomService) { s.newPin = gen }
}

func WithPinRetries(n int) RoomServiceOption {
	return func(s *RoomService) {
		if n > 0 {
			s.pinRetries = n
		}
	}
}

func NewRoomService(repo Repository, opts ...RoomServiceOption) *RoomService {
	s := &RoomService{
		repo:       repo,
		now:        time.Now,
		newPin:     GeneratePin,
		pinRetries: defaultPinRetries,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *RoomService) Now() time.Time {
	return s.now()
}

// Resolve finds the active room behind pin. An expired room resolves to
// ErrRoomExpired regardless of its agent window or active flag.
func (s *RoomService) Resolve(ctx context.Context, pin string) (models.Room, error) {
	pin = strings.TrimSpace(pin)
	if err := ValidatePin(pin); err != nil {
		return models.Room{}, err
	}

	room, err := s.repo.FindActiveByPin(ctx, pin)
	if errors.Is(err, store.ErrNotFound) {
		return models.Room{}, ErrRoomNotFound
	}
	if err != nil {
		return models.Room{}, fmt.Errorf("resolving pin: %w", err)
	}
	if room.RoomExpired(s.now()) {
		return models.Room{}, ErrRoomExpired
	}
	return room, nil
}

// History returns the participant's partition of a room, oldest first.
func (s *RoomService) History(ctx context.Context, roomID, email string) ([]models.RoomMessage, error) {
	msgs, err := s.repo.ListForParticipant(ctx, roomID, email)
	if err != nil {
		return nil, fmt.Errorf("listing history: %w", err)
	}
	return msgs, nil
}

func (s *RoomService) CreateRoom(ctx context.Context, ownerID string, req models.CreateRoomRequest) (models.Room, error) {
	now := s.now()
	room := models.Room{
		Name:           strings.TrimSpace(req.Name),
		Description:    strings.TrimSpace(req.Description),
		AgentID:        normalizeAgent(req.AgentID),
		OwnerID:        ownerID,
		IsActive:       true,
		RoomExpiresAt:  req.RoomExpiresAt,
		AgentExpiresAt: req.AgentExpiresAt,
	}

	vErr := validateRoom(room)
	if req.RoomExpiresAt != nil && req.RoomExpiresAt.Before(now) {
		vErr.add("room_expires_at", "must be in the future")
	}
	if req.AgentExpiresAt != nil && req.AgentExpiresAt.Before(now) {
		vErr.add("agent_expires_at", "must be in the future")
	}
	if vErr.HasErrors() {
		return models.Room{}, vErr
	}

	created, err := s.withFreshPin(func(pin string) (models.Room, error) {
		room.Pin = pin
		return s.repo.CreateRoom(ctx, room)
	})
	if err != nil {
		return models.Room{}, err
	}

	log.Info().Str("module", "rooms").Str("room_id", created.ID).Str("owner_id", ownerID).Msg("room created")
	return created, nil
}

func (s *RoomService) UpdateRoom(ctx context.Context, ownerID, roomID string, req models.UpdateRoomRequest) (models.Room, error) {
	room, err := s.ownedRoom(ctx, ownerID, roomID)
	if err != nil {
		return models.Room{}, err
	}

	wasActive := room.IsActive
	if req.Name != nil {
		room.Name = strings.TrimSpace(*req.Name)
	}
	if req.Description != nil {
		room.Description = strings.TrimSpace(*req.Description)
	}
	if req.ClearAgent {
		room.AgentID = nil
	} else if req.AgentID != nil {
		room.AgentID = normalizeAgent(req.AgentID)
	}
	if req.IsActive != nil {
		room.IsActive = *req.IsActive
	}
	if req.ClearRoomExpiry {
		room.RoomExpiresAt = nil
	} else if req.RoomExpiresAt != nil {
		room.RoomExpiresAt = req.RoomExpiresAt
	}
	if req.ClearAgentExpiry {
		room.AgentExpiresAt = nil
	} else if req.AgentExpiresAt != nil {
		room.AgentExpiresAt = req.AgentExpiresAt
	}

	if vErr := validateRoom(room); vErr.HasErrors() {
		return models.Room{}, vErr
	}

	updated, err := s.repo.UpdateRoom(ctx, room)
	if errors.Is(err, store.ErrPinTaken) && room.IsActive && !wasActive {
		// The PIN was reused while this room was inactive.
		updated, err = s.withFreshPin(func(pin string) (models.Room, error) {
			room.Pin = pin
			return s.repo.UpdateRoom(ctx, room)
		})
	}
	if errors.Is(err, store.ErrNotFound) {
		return models.Room{}, ErrRoomNotFound
	}
	if err != nil {
		return models.Room{}, err
	}
	return updated, nil
}

func (s *RoomService) DeleteRoom(ctx context.Context, ownerID, roomID string) error {
	if _, err := s.ownedRoom(ctx, ownerID, roomID); err != nil {
		return err
	}
	if err := s.repo.DeleteRoom(ctx, roomID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return ErrRoomNotFound
		}
		return fmt.Errorf("deleting room: %w", err)
	}
	log.Info().Str("module", "rooms").Str("room_id", roomID).Str("owner_id", ownerID).Msg("room deleted")
	return nil
}

// ListRooms returns the owner's rooms, newest first, with derived status.
func (s *RoomService) ListRooms(ctx context.Context, ownerID string) ([]models.RoomResponse, error) {
	rooms, err := s.repo.ListRoomsByOwner(ctx, ownerID)
	if err != nil {
		return nil, fmt.Errorf("listing rooms: %w", err)
	}
	now := s.now()
	out := make([]models.RoomResponse, 0, len(rooms))
	for _, r := range rooms {
		out = append(out, models.RoomResponse{Room: r, Status: r.Status(now)})
	}
	return out, nil
}

// ParticipantHistory lets the owner read any partition of their room.
func (s *RoomService) ParticipantHistory(ctx context.Context, ownerID, roomID, email string) ([]models.RoomMessage, error) {
	if _, err := s.ownedRoom(ctx, ownerID, roomID); err != nil {
		return nil, err
	}
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" {
		return nil, ErrInvalidIdentity
	}
	return s.History(ctx, roomID, email)
}

func (s *RoomService) ownedRoom(ctx context.Context, ownerID, roomID string) (models.Room, error) {
	room, err := s.repo.GetRoom(ctx, roomID)
	if errors.Is(err, store.ErrNotFound) {
		return models.Room{}, ErrRoomNotFound
	}
	if err != nil {
		return models.Room{}, fmt.Errorf("loading room: %w", err)
	}
	if room.OwnerID != ownerID {
		return models.Room{}, ErrForbidden
	}
	return room, nil
}

// withFreshPin retries write with new PINs while the store reports a clash.
func (s *RoomService) withFreshPin(write func(pin string) (models.Room, error)) (models.Room, error) {
	for attempt := 0; attempt < s.pinRetries; attempt++ {
		pin, err := s.newPin()
		if err != nil {
			return models.Room{}, fmt.Errorf("generating pin: %w", err)
		}
		room, err := write(pin)
		if errors.Is(err, store.ErrPinTaken) {
			log.Debug().Str("module", "rooms").Int("attempt", attempt+1).Msg("pin collision, retrying")
			continue
		}
		return room, err
	}
	return models.Room{}, ErrPinExhausted
}

func validateRoom(room models.Room) *ValidationError {
	vErr := &ValidationError{}
	if room.Name == "" {
		vErr.add("name", "is required")
	} else if utf8.RuneCountInString(room.Name) > maxRoomNameLength {
		vErr.add("name", fmt.Sprintf("must be at most %d characters", maxRoomNameLength))
	}
	if utf8.RuneCountInString(room.Description) > maxRoomDescriptionLength {
		vErr.add("description", fmt.Sprintf("must be at most %d characters", maxRoomDescriptionLength))
	}
	return vErr
}

func normalizeAgent(id *string) *string {
	if id == nil {
		return nil
	}
	v := strings.TrimSpace(*id)
	if v == "" {
		return nil
	}
	return &v
}
