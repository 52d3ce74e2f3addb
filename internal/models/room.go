package models

import "time"

// Room is a PIN-addressable virtual room bound to at most one agent.
type Room struct {
	ID             string     `json:"id"`
	Pin            string     `json:"pin"`
	Name           string     `json:"name"`
	Description    string     `json:"description"`
	AgentID        *string    `json:"agent_id,omitempty"`
	OwnerID        string     `json:"owner_id"`
	IsActive       bool       `json:"is_active"`
	RoomExpiresAt  *time.Time `json:"room_expires_at,omitempty"`
	AgentExpiresAt *time.Time `json:"agent_expires_at,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// Room status labels derived at read time.
const (
	RoomStatusActive       = "active"
	RoomStatusAgentExpired = "agent_expired"
	RoomStatusExpired      = "expired"
	RoomStatusInactive     = "inactive"
)

// RoomExpired reports whether the room lifetime has ended at now.
func (r Room) RoomExpired(now time.Time) bool {
	return r.RoomExpiresAt != nil && !now.Before(*r.RoomExpiresAt)
}

// AgentExpired reports whether the agent window has ended at now.
func (r Room) AgentExpired(now time.Time) bool {
	return r.AgentExpiresAt != nil && !now.Before(*r.AgentExpiresAt)
}

func (r Room) HasAgent() bool {
	return r.AgentID != nil && *r.AgentID != ""
}

// Status collapses the two expiry clocks and the active flag into one label.
// Inactive wins over everything, then room expiry, then agent expiry.
func (r Room) Status(now time.Time) string {
	switch {
	case !r.IsActive:
		return RoomStatusInactive
	case r.RoomExpired(now):
		return RoomStatusExpired
	case r.AgentExpired(now):
		return RoomStatusAgentExpired
	default:
		return RoomStatusActive
	}
}

// RoomSummary is the participant-facing view of a room. It never carries the owner.
type RoomSummary struct {
	ID             string     `json:"id"`
	Name           string     `json:"name"`
	Description    string     `json:"description"`
	HasAgent       bool       `json:"has_agent"`
	AgentExpiresAt *time.Time `json:"agent_expires_at,omitempty"`
	RoomExpiresAt  *time.Time `json:"room_expires_at,omitempty"`
	Status         string     `json:"status"`
}

func (r Room) Summary(now time.Time) RoomSummary {
	return RoomSummary{
		ID:             r.ID,
		Name:           r.Name,
		Description:    r.Description,
		HasAgent:       r.HasAgent(),
		AgentExpiresAt: r.AgentExpiresAt,
		RoomExpiresAt:  r.RoomExpiresAt,
		Status:         r.Status(now),
	}
}

type CreateRoomRequest struct {
	Name           string     `json:"name"`
	Description    string     `json:"description"`
	AgentID        *string    `json:"agent_id"`
	RoomExpiresAt  *time.Time `json:"room_expires_at"`
	AgentExpiresAt *time.Time `json:"agent_expires_at"`
}

// UpdateRoomRequest is a patch: nil fields are left untouched. The Clear*
// flags remove an optional value.
type UpdateRoomRequest struct {
	Name             *string    `json:"name"`
	Description      *string    `json:"description"`
	AgentID          *string    `json:"agent_id"`
	ClearAgent       bool       `json:"clear_agent"`
	IsActive         *bool      `json:"is_active"`
	RoomExpiresAt    *time.Time `json:"room_expires_at"`
	ClearRoomExpiry  bool       `json:"clear_room_expiry"`
	AgentExpiresAt   *time.Time `json:"agent_expires_at"`
	ClearAgentExpiry bool       `json:"clear_agent_expiry"`
}

type RoomResponse struct {
	Room
	Status string `json:"status"`
}
