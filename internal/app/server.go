package app

import (
	"errors"
	"log"

	"github.com/goccy/go-json"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"

	"paysync/internal/admin"
	"paysync/internal/auth"
	"paysync/internal/engine"
	"paysync/internal/instrument"
	"paysync/internal/webhook"
)

// NewServer builds the Fiber app with every route mounted. /webhook is
// public; everything under /api needs a bearer token, and the operator
// endpoints need the admin role.
func (ac *Context) NewServer() *fiber.App {
	app := fiber.New(fiber.Config{
		ErrorHandler: ErrorHandler,
		JSONEncoder:  json.Marshal,
		JSONDecoder:  json.Unmarshal,
	})
	app.Use(recover.New(recover.Config{
		EnableStackTrace: true,
	}))
	app.Use(logger.New(logger.Config{
		Format: "${time} ${status} ${method} ${path} ${latency}\n",
	}))
	app.Use(instrument.Middleware(ac.Config.Instrumentation, ac.Spans))

	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok"})
	})

	authMW := auth.Middleware(ac.Config.Auth.JWTSecret)
	adminMW := auth.RequireAdmin()

	webhook.RegisterWebhookRoutes(app, ac.WebhookHandler, authMW, adminMW)
	admin.RegisterAdminRoutes(app, ac.AdminHandler, authMW, adminMW)
	instrument.RegisterSpanRoutes(app, ac.SpanHandler, authMW, adminMW)
	engine.RegisterSyncRoutes(app, ac.SyncHandler, authMW, auth.RequireRole(auth.RoleReader))

	return app
}

// ErrorHandler renders *engine.AppError values and hides everything else
// behind a 500.
func ErrorHandler(c *fiber.Ctx, err error) error {
	var appErr *engine.AppError
	if errors.As(err, &appErr) {
		return c.Status(appErr.Status).JSON(engine.ErrorResponse{Error: appErr})
	}

	var fiberErr *fiber.Error
	if errors.As(err, &fiberErr) {
		return c.Status(fiberErr.Code).JSON(engine.ErrorResponse{
			Error: &engine.AppError{Code: "HTTP_ERROR", Message: fiberErr.Message},
		})
	}

	log.Printf("ERROR: %v", err)
	return c.Status(fiber.StatusInternalServerError).JSON(engine.ErrorResponse{
		Error: &engine.AppError{
			Code:    "INTERNAL_ERROR",
			Message: "Internal server error",
		},
	})
}
