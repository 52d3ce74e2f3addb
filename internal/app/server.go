package app

import (
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/fiber/v2/middleware/requestid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"posologicos-backend/internal/handlers"
	"posologicos-backend/internal/services"
)

// Server bundles what the HTTP layer needs.
type Server struct {
	Rooms       *services.RoomService
	Session     handlers.SessionDeps
	Health      map[string]handlers.Pinger
	JWTSecret   string
	CORSOrigins []string
}

// NewServer builds the fiber app with every route mounted.
func NewServer(s Server) *fiber.App {
	app := fiber.New(fiber.Config{
		AppName:               "salas-virtuais",
		DisableStartupMessage: true,
	})

	// Middleware
	app.Use(recover.New())
	app.Use(requestid.New())
	app.Use(handlers.RequestLogger(log.With().Str("module", "http").Logger()))
	app.Use(handlers.Metrics)
	app.Use(cors.New(cors.Config{
		AllowOrigins: strings.Join(s.CORSOrigins, ","),
		AllowHeaders: "Origin, Content-Type, Accept, Authorization",
	}))

	app.Get("/health", handlers.HealthHandler(s.Health, s.Session.Registry))
	app.Get("/metrics", adaptor.HTTPHandler(promhttp.Handler()))

	api := app.Group("/api")

	// Public participant routes
	salas := api.Group("/salas")
	salas.Get("/:pin", handlers.ResolveRoomHandler(s.Rooms))
	salas.Get("/:pin/messages", handlers.RoomHistoryHandler(s.Rooms))

	// Owner routes
	owner := api.Group("/rooms", handlers.AuthMiddleware(s.JWTSecret))
	owner.Post("/", handlers.CreateRoomHandler(s.Rooms))
	owner.Get("/", handlers.ListRoomsHandler(s.Rooms))
	owner.Patch("/:id", handlers.UpdateRoomHandler(s.Rooms))
	owner.Delete("/:id", handlers.DeleteRoomHandler(s.Rooms))
	owner.Get("/:id/messages", handlers.OwnerHistoryHandler(s.Rooms))

	// WebSocket Route
	app.Use("/ws", handlers.WSUpgradeMiddleware)
	app.Get("/ws/sala/:pin", handlers.WebSocketHandler(s.Session))

	return app
}
