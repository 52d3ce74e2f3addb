package handlers

import (
	"context"
	"errors"

	"github.com/gofiber/websocket/v2"

	"posologicos-backend/internal/models"
	"posologicos-backend/internal/utils"
)

var errBadFrame = errors.New("malformed frame")

// HandleMessage dispatches one client frame to the session controller.
// Sends run in their own goroutine so pings and state frames keep flowing
// while the agent answers; the controller rejects overlapping sends.
func HandleMessage(s *wsSession, msgType int, msg []byte) {
	if msgType != websocket.TextMessage {
		return
	}

	var wsMsg models.WSMessage
	if err := utils.SafeJSONParse(msg, &wsMsg); err != nil {
		utils.LogError(err, "JSON Parse")
		s.push(models.WSMessage{Event: "error", Error: errBadFrame.Error(), Kind: "bad_frame", Timestamp: nowMillis()})
		return
	}

	switch wsMsg.Event {
	case "pin":
		s.reply(s.ctrl.SubmitPin(s.ctx, wsMsg.Pin))
	case "identify":
		s.reply(s.ctrl.SubmitIdentity(s.ctx, wsMsg.Name, wsMsg.Email))
	case "send":
		text := wsMsg.Text
		go func() {
			// The exchange is recorded even if the socket drops mid-send.
			s.reply(s.ctrl.Send(context.WithoutCancel(s.ctx), text))
		}()
	case "retry":
		go func() {
			s.reply(s.ctrl.Retry(context.WithoutCancel(s.ctx)))
		}()
	case "resync":
		s.reply(s.ctrl.Resync(s.ctx))
	case "ping":
		if err := s.ctrl.Heartbeat(s.ctx); err != nil {
			s.logger.Debug().Err(err).Msg("heartbeat failed")
		}
		s.push(models.WSMessage{Event: "pong", Timestamp: nowMillis()})
	default:
		s.logger.Debug().Str("event", wsMsg.Event).Msg("unknown event")
		s.push(models.WSMessage{Event: "error", Error: "unknown event: " + wsMsg.Event, Kind: "bad_frame", Timestamp: nowMillis()})
	}
}
