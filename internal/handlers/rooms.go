package handlers

import (
	"net/http"
	"strings"

	"github.com/gofiber/fiber/v2"

	"posologicos-backend/internal/models"
	"posologicos-backend/internal/services"
)

// ResolveRoomHandler looks up the active room behind a PIN for the join screen.
func ResolveRoomHandler(rooms *services.RoomService) fiber.Handler {
	return func(c *fiber.Ctx) error {
		room, err := rooms.Resolve(c.UserContext(), c.Params("pin"))
		if err != nil {
			return writeError(c, err)
		}
		return c.JSON(room.Summary(rooms.Now()))
	}
}

// RoomHistoryHandler returns one participant's partition, oldest first. It is
// the refetch path a client uses after reconnecting.
func RoomHistoryHandler(rooms *services.RoomService) fiber.Handler {
	return func(c *fiber.Ctx) error {
		room, err := rooms.Resolve(c.UserContext(), c.Params("pin"))
		if err != nil {
			return writeError(c, err)
		}
		email := strings.ToLower(strings.TrimSpace(c.Query("email")))
		if email == "" {
			return writeError(c, services.ErrInvalidIdentity)
		}
		msgs, err := rooms.History(c.UserContext(), room.ID, email)
		if err != nil {
			return writeError(c, err)
		}
		return c.JSON(models.HistoryResponse{RoomID: room.ID, Email: email, Messages: msgs})
	}
}

func CreateRoomHandler(rooms *services.RoomService) fiber.Handler {
	return func(c *fiber.Ctx) error {
		var req models.CreateRoomRequest
		if err := c.BodyParser(&req); err != nil {
			return c.Status(http.StatusBadRequest).JSON(fiber.Map{"error": "invalid request"})
		}
		room, err := rooms.CreateRoom(c.UserContext(), ownerID(c), req)
		if err != nil {
			return writeError(c, err)
		}
		return c.Status(http.StatusCreated).JSON(models.RoomResponse{Room: room, Status: room.Status(rooms.Now())})
	}
}

func ListRoomsHandler(rooms *services.RoomService) fiber.Handler {
	return func(c *fiber.Ctx) error {
		list, err := rooms.ListRooms(c.UserContext(), ownerID(c))
		if err != nil {
			return writeError(c, err)
		}
		return c.JSON(list)
	}
}

func UpdateRoomHandler(rooms *services.RoomService) fiber.Handler {
	return func(c *fiber.Ctx) error {
		var req models.UpdateRoomRequest
		if err := c.BodyParser(&req); err != nil {
			return c.Status(http.StatusBadRequest).JSON(fiber.Map{"error": "invalid request"})
		}
		room, err := rooms.UpdateRoom(c.UserContext(), ownerID(c), c.Params("id"), req)
		if err != nil {
			return writeError(c, err)
		}
		return c.JSON(models.RoomResponse{Room: room, Status: room.Status(rooms.Now())})
	}
}

func DeleteRoomHandler(rooms *services.RoomService) fiber.Handler {
	return func(c *fiber.Ctx) error {
		if err := rooms.DeleteRoom(c.UserContext(), ownerID(c), c.Params("id")); err != nil {
			return writeError(c, err)
		}
		return c.SendStatus(http.StatusNoContent)
	}
}

// OwnerHistoryHandler lets the owner read any participant's partition.
func OwnerHistoryHandler(rooms *services.RoomService) fiber.Handler {
	return func(c *fiber.Ctx) error {
		roomID := c.Params("id")
		msgs, err := rooms.ParticipantHistory(c.UserContext(), ownerID(c), roomID, c.Query("email"))
		if err != nil {
			return writeError(c, err)
		}
		return c.JSON(models.HistoryResponse{
			RoomID:   roomID,
			Email:    strings.ToLower(strings.TrimSpace(c.Query("email"))),
			Messages: msgs,
		})
	}
}
