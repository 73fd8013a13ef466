package engine

import "github.com/gofiber/fiber/v2"

// RegisterSyncRoutes mounts the pull API and the record browser.
func RegisterSyncRoutes(app *fiber.App, h *Handler, middleware ...fiber.Handler) {
	api := app.Group("/api", middleware...)

	api.Post("/sync/:kind/:id", h.Fetch)
	api.Post("/sync/:kind", h.Push)
	api.Post("/sync-all/:kind", h.SyncAll)

	api.Get("/records/:kind", h.List)
	api.Get("/records/:kind/:id", h.GetByID)
	api.Delete("/records/:kind/:id", h.Delete)
}
