package store

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"posologicos-backend/internal/models"
)

//go:embed sqlite_schema.sql
var sqliteSchema string

// Fixed-width UTC layout so lexical order in TEXT columns matches time order.
const sqliteTimeLayout = "2006-01-02T15:04:05.000000000Z"

// SQLiteStore is the single-node backend (modernc.org/sqlite, no cgo).
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

// OpenSQLite opens the database at dsn and applies the schema.
func OpenSQLite(ctx context.Context, dsn string) (*SQLiteStore, error) {
	return OpenSQLiteWithClock(ctx, dsn, nil)
}

func OpenSQLiteWithClock(ctx context.Context, dsn string, now func() time.Time) (*SQLiteStore, error) {
	if now == nil {
		now = time.Now
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("error opening sqlite database: %w", err)
	}
	// One connection keeps PRAGMAs and in-memory databases consistent.
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys = ON"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("error enabling foreign keys: %w", err)
	}
	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("error initializing sqlite schema: %w", err)
	}
	return &SQLiteStore{db: db, now: now}, nil
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLiteStore) Close() {
	_ = s.db.Close()
}

func (s *SQLiteStore) CreateRoom(ctx context.Context, room models.Room) (models.Room, error) {
	if room.ID == "" {
		room.ID = newRoomID()
	}
	now := s.now().UTC()
	room.CreatedAt = now
	room.UpdatedAt = now

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO virtual_rooms (id, pin, name, description, agent_id, owner_id, is_active,
			room_expires_at, agent_expires_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		room.ID, room.Pin, room.Name, room.Description, nullString(room.AgentID), room.OwnerID,
		room.IsActive, nullTime(room.RoomExpiresAt), nullTime(room.AgentExpiresAt),
		formatTime(now), formatTime(now),
	)
	if err != nil {
		return models.Room{}, mapSQLiteError(err)
	}
	return room, nil
}

func (s *SQLiteStore) GetRoom(ctx context.Context, id string) (models.Room, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+roomColumns+` FROM virtual_rooms WHERE id = ?`, id)
	return scanSQLiteRoom(row)
}

func (s *SQLiteStore) FindActiveByPin(ctx context.Context, pin string) (models.Room, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+roomColumns+`
		FROM virtual_rooms WHERE pin = ? AND is_active = 1 LIMIT 1`, pin)
	return scanSQLiteRoom(row)
}

func (s *SQLiteStore) UpdateRoom(ctx context.Context, room models.Room) (models.Room, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE virtual_rooms
		SET pin = ?, name = ?, description = ?, agent_id = ?, is_active = ?,
			room_expires_at = ?, agent_expires_at = ?, updated_at = ?
		WHERE id = ?`,
		room.Pin, room.Name, room.Description, nullString(room.AgentID), room.IsActive,
		nullTime(room.RoomExpiresAt), nullTime(room.AgentExpiresAt), formatTime(s.now().UTC()),
		room.ID,
	)
	if err != nil {
		return models.Room{}, mapSQLiteError(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return models.Room{}, ErrNotFound
	}
	return s.GetRoom(ctx, room.ID)
}

func (s *SQLiteStore) DeleteRoom(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM virtual_rooms WHERE id = ?`, id)
	if err != nil {
		return mapSQLiteError(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLiteStore) ListRoomsByOwner(ctx context.Context, ownerID string) ([]models.Room, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+roomColumns+`
		FROM virtual_rooms WHERE owner_id = ? ORDER BY created_at DESC`, ownerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	rooms := make([]models.Room, 0)
	for rows.Next() {
		room, err := scanSQLiteRoom(rows)
		if err != nil {
			return nil, err
		}
		rooms = append(rooms, room)
	}
	return rooms, rows.Err()
}

func (s *SQLiteStore) Append(ctx context.Context, msg models.NewMessage) (models.RoomMessage, error) {
	stored := models.RoomMessage{
		ID:          newMessageID(),
		RoomID:      msg.RoomID,
		SenderName:  msg.SenderName,
		SenderEmail: msg.SenderEmail,
		Role:        msg.Role,
		Content:     msg.Content,
		CreatedAt:   s.now().UTC(),
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO room_messages (id, room_id, sender_name, sender_email, role, content, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		stored.ID, stored.RoomID, stored.SenderName, stored.SenderEmail, string(stored.Role),
		stored.Content, formatTime(stored.CreatedAt),
	)
	if err != nil {
		return models.RoomMessage{}, mapSQLiteError(err)
	}
	return stored, nil
}

func (s *SQLiteStore) ListForParticipant(ctx context.Context, roomID, email string) ([]models.RoomMessage, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, room_id, sender_name, sender_email, role, content, created_at
		FROM room_messages
		WHERE room_id = ? AND sender_email = ?
		ORDER BY created_at ASC, id ASC`, roomID, email)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	messages := make([]models.RoomMessage, 0)
	for rows.Next() {
		var (
			m         models.RoomMessage
			role      string
			createdAt string
		)
		if err := rows.Scan(&m.ID, &m.RoomID, &m.SenderName, &m.SenderEmail, &role, &m.Content, &createdAt); err != nil {
			return nil, err
		}
		m.Role = models.Role(role)
		if m.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, err
		}
		messages = append(messages, m)
	}
	return messages, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSQLiteRoom(row rowScanner) (models.Room, error) {
	var (
		r                         models.Room
		agentID                   sql.NullString
		roomExpires, agentExpires sql.NullString
		createdAt, updatedAt      string
	)
	err := row.Scan(&r.ID, &r.Pin, &r.Name, &r.Description, &agentID, &r.OwnerID, &r.IsActive,
		&roomExpires, &agentExpires, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Room{}, ErrNotFound
	}
	if err != nil {
		return models.Room{}, err
	}
	if agentID.Valid {
		r.AgentID = &agentID.String
	}
	if r.RoomExpiresAt, err = parseNullTime(roomExpires); err != nil {
		return models.Room{}, err
	}
	if r.AgentExpiresAt, err = parseNullTime(agentExpires); err != nil {
		return models.Room{}, err
	}
	if r.CreatedAt, err = parseTime(createdAt); err != nil {
		return models.Room{}, err
	}
	if r.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return models.Room{}, err
	}
	return r, nil
}

func mapSQLiteError(err error) error {
	msg := err.Error()
	switch {
	case strings.Contains(msg, "UNIQUE constraint failed") && strings.Contains(msg, "virtual_rooms.pin"):
		return ErrPinTaken
	case strings.Contains(msg, "FOREIGN KEY constraint failed"):
		return ErrRoomMissing
	}
	return fmt.Errorf("sqlite: %w", err)
}

func formatTime(t time.Time) string {
	return t.UTC().Format(sqliteTimeLayout)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(sqliteTimeLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("sqlite: bad timestamp %q: %w", s, err)
	}
	return t, nil
}

func nullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func parseNullTime(s sql.NullString) (*time.Time, error) {
	if !s.Valid {
		return nil, nil
	}
	t, err := parseTime(s.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func nullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}
