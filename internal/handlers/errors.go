package handlers

import (
	"errors"
	"net/http"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog/log"

	"posologicos-backend/internal/services"
)

// errorStatus maps a service error to its HTTP status code.
func errorStatus(err error) int {
	switch services.ErrorKind(err) {
	case "room_expired":
		return http.StatusGone
	case "room_not_found":
		return http.StatusNotFound
	case "invalid_pin", "invalid_identity", "validation", "empty_message":
		return http.StatusBadRequest
	case "forbidden":
		return http.StatusForbidden
	case "pin_exhausted", "busy":
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func writeError(c *fiber.Ctx, err error) error {
	status := errorStatus(err)
	body := fiber.Map{"error": err.Error(), "kind": services.ErrorKind(err)}

	var verr *services.ValidationError
	if errors.As(err, &verr) {
		body["fields"] = verr.Fields
	}
	if status == http.StatusInternalServerError {
		log.Error().Err(err).Str("module", "http").Str("path", c.Path()).Msg("request failed")
		body["error"] = "internal error"
	}
	return c.Status(status).JSON(body)
}
