package webhook

import (
	"errors"
	"strings"

	"github.com/gofiber/fiber/v2"

	"paysync/internal/engine"
)

// Handler exposes the ingestion endpoint and trigger administration.
type Handler struct {
	processor             *Processor
	respondInvalidWith400 bool
}

func NewHandler(p *Processor, respondInvalidWith400 bool) *Handler {
	return &Handler{processor: p, respondInvalidWith400: respondInvalidWith400}
}

// RegisterWebhookRoutes mounts POST /webhook without middleware; the
// delivery authenticates itself. Trigger administration goes under /api
// behind the given middleware.
func RegisterWebhookRoutes(app *fiber.App, h *Handler, middleware ...fiber.Handler) {
	app.Post("/webhook", h.Receive)

	api := app.Group("/api/triggers", middleware...)
	api.Get("/:id", h.GetTrigger)
	api.Post("/:id/process", h.Reprocess)
}

// Receive handles one delivery. Valid deliveries answer 200; invalid ones
// answer 200 too unless configured otherwise so the sender stops retrying.
func (h *Handler) Receive(c *fiber.Ctx) error {
	headers := make(map[string]string)
	for k, v := range c.GetReqHeaders() {
		if len(v) > 0 {
			headers[k] = v[0]
		}
	}
	body := append([]byte(nil), c.Body()...)

	t, err := h.processor.Receive(c.UserContext(), remoteIP(c), headers, body)
	if t == nil {
		return err
	}
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": engine.NewAppError("PROCESSING_FAILED", fiber.StatusInternalServerError, err.Error()),
			"data":  triggerSummary(t),
		})
	}

	status := fiber.StatusOK
	if !t.Valid && h.respondInvalidWith400 {
		status = fiber.StatusBadRequest
	}
	return c.Status(status).JSON(fiber.Map{"data": triggerSummary(t)})
}

func (h *Handler) GetTrigger(c *fiber.Ctx) error {
	t, err := h.processor.Triggers().Get(c.UserContext(), c.Params("id"))
	if errors.Is(err, ErrTriggerNotFound) {
		return respondError(c, engine.NotFoundError("webhook trigger", c.Params("id")))
	}
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"data": t})
}

// Reprocess runs a stored valid trigger again.
func (h *Handler) Reprocess(c *fiber.Ctx) error {
	ctx := c.UserContext()
	t, err := h.processor.Triggers().Get(ctx, c.Params("id"))
	if errors.Is(err, ErrTriggerNotFound) {
		return respondError(c, engine.NotFoundError("webhook trigger", c.Params("id")))
	}
	if err != nil {
		return err
	}
	if !t.Valid {
		return respondError(c, engine.NewAppError("TRIGGER_INVALID", fiber.StatusConflict, "Only valid triggers can be processed"))
	}

	rec, err := h.processor.Process(ctx, t)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": engine.NewAppError("PROCESSING_FAILED", fiber.StatusInternalServerError, err.Error()),
			"data":  triggerSummary(t),
		})
	}
	return c.JSON(fiber.Map{"data": fiber.Map{"trigger": triggerSummary(t), "event": rec}})
}

func triggerSummary(t *Trigger) fiber.Map {
	return fiber.Map{
		"id":        t.ID,
		"valid":     t.Valid,
		"processed": t.Processed,
		"event_id":  t.EventID,
	}
}

// remoteIP prefers the first X-Forwarded-For hop.
func remoteIP(c *fiber.Ctx) string {
	if fwd := c.Get(fiber.HeaderXForwardedFor); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}
	return c.IP()
}

func respondError(c *fiber.Ctx, appErr *engine.AppError) error {
	return c.Status(appErr.Status).JSON(engine.ErrorResponse{Error: appErr})
}
