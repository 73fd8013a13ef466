package instrument

import (
	"math/rand"

	"github.com/gofiber/fiber/v2"

	"paysync/internal/config"
)

// Middleware sets up tracing for each request. It generates (or propagates)
// a trace ID, opens a root HTTP span and injects the instrumenter into the
// request context for the sync engine.
func Middleware(cfg config.InstrumentationConfig, buffer *EventBuffer) fiber.Handler {
	return func(c *fiber.Ctx) error {
		if !cfg.Enabled || buffer == nil {
			return c.Next()
		}

		if cfg.SamplingRate < 1.0 && rand.Float64() > cfg.SamplingRate {
			return c.Next()
		}

		traceID := c.Get("X-Trace-ID")
		if traceID == "" {
			traceID = newUUID()
		}

		instrumenter := NewInstrumenter(buffer)
		ctx := WithTraceID(c.UserContext(), traceID)
		ctx = WithInstrumenter(ctx, instrumenter)

		ctx, span := instrumenter.StartSpan(ctx, "http", "handler", "request")
		span.SetMetadata("method", c.Method())
		span.SetMetadata("path", c.Path())
		c.SetUserContext(ctx)
		c.Set("X-Trace-ID", traceID)

		err := c.Next()

		// Auth runs downstream, so the user is only known afterwards.
		if userID := getUserID(c.UserContext()); userID != nil {
			span.SetMetadata("user_id", *userID)
		}

		statusCode := c.Response().StatusCode()
		span.SetMetadata("status_code", statusCode)
		if err != nil || statusCode >= 400 {
			span.SetStatus("error")
		} else {
			span.SetStatus("ok")
		}
		span.End()

		return err
	}
}
