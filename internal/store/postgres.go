package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"posologicos-backend/internal/models"
)

const (
	pgUniqueViolation     = "23505"
	pgForeignKeyViolation = "23503"

	activePinIndex = "virtual_rooms_active_pin_idx"
)

const roomColumns = `id, pin, name, description, agent_id, owner_id, is_active,
	room_expires_at, agent_expires_at, created_at, updated_at`

// PostgresStore handles PostgreSQL operations for rooms and room messages.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Close closes the database connection pool.
func (s *PostgresStore) Close() {
	s.pool.Close()
}

// Ping checks the database connection.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *PostgresStore) CreateRoom(ctx context.Context, room models.Room) (models.Room, error) {
	if room.ID == "" {
		room.ID = newRoomID()
	}
	row := s.pool.QueryRow(ctx, `
		INSERT INTO virtual_rooms (id, pin, name, description, agent_id, owner_id, is_active, room_expires_at, agent_expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING `+roomColumns,
		room.ID, room.Pin, room.Name, room.Description, room.AgentID, room.OwnerID,
		room.IsActive, room.RoomExpiresAt, room.AgentExpiresAt,
	)
	created, err := scanRoom(row)
	if err != nil {
		return models.Room{}, mapPgError(err)
	}
	return created, nil
}

func (s *PostgresStore) GetRoom(ctx context.Context, id string) (models.Room, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+roomColumns+` FROM virtual_rooms WHERE id = $1`, id)
	room, err := scanRoom(row)
	if err != nil {
		return models.Room{}, mapPgError(err)
	}
	return room, nil
}

func (s *PostgresStore) FindActiveByPin(ctx context.Context, pin string) (models.Room, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+roomColumns+`
		FROM virtual_rooms
		WHERE pin = $1 AND is_active = true
		LIMIT 1`, pin)
	room, err := scanRoom(row)
	if err != nil {
		return models.Room{}, mapPgError(err)
	}
	return room, nil
}

func (s *PostgresStore) UpdateRoom(ctx context.Context, room models.Room) (models.Room, error) {
	row := s.pool.QueryRow(ctx, `
		UPDATE virtual_rooms
		SET pin = $2, name = $3, description = $4, agent_id = $5, is_active = $6,
			room_expires_at = $7, agent_expires_at = $8, updated_at = NOW()
		WHERE id = $1
		RETURNING `+roomColumns,
		room.ID, room.Pin, room.Name, room.Description, room.AgentID, room.IsActive,
		room.RoomExpiresAt, room.AgentExpiresAt,
	)
	updated, err := scanRoom(row)
	if err != nil {
		return models.Room{}, mapPgError(err)
	}
	return updated, nil
}

// DeleteRoom removes the room; room_messages rows go with it via ON DELETE CASCADE.
func (s *PostgresStore) DeleteRoom(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM virtual_rooms WHERE id = $1`, id)
	if err != nil {
		return mapPgError(err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) ListRoomsByOwner(ctx context.Context, ownerID string) ([]models.Room, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+roomColumns+`
		FROM virtual_rooms
		WHERE owner_id = $1
		ORDER BY created_at DESC`, ownerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	rooms := make([]models.Room, 0)
	for rows.Next() {
		room, err := scanRoom(rows)
		if err != nil {
			return nil, err
		}
		rooms = append(rooms, room)
	}
	return rooms, rows.Err()
}

func (s *PostgresStore) Append(ctx context.Context, msg models.NewMessage) (models.RoomMessage, error) {
	stored := models.RoomMessage{
		ID:          newMessageID(),
		RoomID:      msg.RoomID,
		SenderName:  msg.SenderName,
		SenderEmail: msg.SenderEmail,
		Role:        msg.Role,
		Content:     msg.Content,
	}
	query := `INSERT INTO room_messages (id, room_id, sender_name, sender_email, role, content)
		VALUES ($1, $2, $3, $4, $5, $6) RETURNING created_at`
	err := s.pool.QueryRow(ctx, query,
		stored.ID, stored.RoomID, stored.SenderName, stored.SenderEmail, string(stored.Role), stored.Content,
	).Scan(&stored.CreatedAt)
	if err != nil {
		return models.RoomMessage{}, mapPgError(err)
	}
	return stored, nil
}

func (s *PostgresStore) ListForParticipant(ctx context.Context, roomID, email string) ([]models.RoomMessage, error) {
	query := `SELECT id, room_id, sender_name, sender_email, role, content, created_at
		FROM room_messages
		WHERE room_id = $1 AND sender_email = $2
		ORDER BY created_at ASC, id ASC`
	rows, err := s.pool.Query(ctx, query, roomID, email)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	messages := make([]models.RoomMessage, 0)
	for rows.Next() {
		var m models.RoomMessage
		var role string
		if err := rows.Scan(&m.ID, &m.RoomID, &m.SenderName, &m.SenderEmail, &role, &m.Content, &m.CreatedAt); err != nil {
			return nil, err
		}
		m.Role = models.Role(role)
		messages = append(messages, m)
	}
	return messages, rows.Err()
}

func scanRoom(row pgx.Row) (models.Room, error) {
	var r models.Room
	err := row.Scan(
		&r.ID,
		&r.Pin,
		&r.Name,
		&r.Description,
		&r.AgentID,
		&r.OwnerID,
		&r.IsActive,
		&r.RoomExpiresAt,
		&r.AgentExpiresAt,
		&r.CreatedAt,
		&r.UpdatedAt,
	)
	return r, err
}

func mapPgError(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case pgErr.Code == pgUniqueViolation && pgErr.ConstraintName == activePinIndex:
			return ErrPinTaken
		case pgErr.Code == pgForeignKeyViolation:
			return ErrRoomMissing
		}
	}
	return fmt.Errorf("postgres: %w", err)
}
