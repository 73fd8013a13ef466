package engine

import (
	"errors"
	"fmt"
	"strconv"

	"github.com/gofiber/fiber/v2"

	"paysync/internal/metadata"
	"paysync/internal/remote"
	"paysync/internal/store"
)

// Handler exposes the pull API and read access to mirrored records.
type Handler struct {
	syncer *Syncer
	env    Env
}

func NewHandler(s *Syncer, env Env) *Handler {
	return &Handler{syncer: s, env: env}
}

// Fetch handles POST /api/sync/:kind/:id
func (h *Handler) Fetch(c *fiber.Ctx) error {
	k, err := h.resolveKind(c)
	if err != nil {
		return handleSyncError(c, err)
	}
	env, err := h.requestEnv(c)
	if err != nil {
		return handleSyncError(c, err)
	}

	rec, err := h.syncer.FetchAndSync(c.UserContext(), env, k.Name, c.Params("id"))
	if err != nil {
		return handleSyncError(c, err)
	}
	return c.JSON(fiber.Map{"data": rec})
}

// Push handles POST /api/sync/:kind with a remote payload as the body.
func (h *Handler) Push(c *fiber.Ctx) error {
	k, err := h.resolveKind(c)
	if err != nil {
		return handleSyncError(c, err)
	}
	env, err := h.requestEnv(c)
	if err != nil {
		return handleSyncError(c, err)
	}

	p, err := remote.Decode(c.Body())
	if err != nil {
		return respondError(c, NewAppError("INVALID_PAYLOAD", 400, "Invalid JSON body"))
	}

	rec, err := h.syncer.SyncFromRemoteData(c.UserContext(), env, k.Name, p)
	if err != nil {
		return handleSyncError(c, err)
	}
	return c.JSON(fiber.Map{"data": rec})
}

// SyncAll handles POST /api/sync-all/:kind
func (h *Handler) SyncAll(c *fiber.Ctx) error {
	k, err := h.resolveKind(c)
	if err != nil {
		return handleSyncError(c, err)
	}
	env, err := h.requestEnv(c)
	if err != nil {
		return handleSyncError(c, err)
	}

	n, err := h.syncer.SyncAll(c.UserContext(), env, k.Name, nil)
	if err != nil {
		return handleSyncError(c, err)
	}
	return c.JSON(fiber.Map{"data": fiber.Map{"kind": k.Name, "synced": n}})
}

// List handles GET /api/records/:kind
func (h *Handler) List(c *fiber.Ctx) error {
	k, err := h.resolveKind(c)
	if err != nil {
		return handleSyncError(c, err)
	}
	plan, err := ParseQueryParams(c, k)
	if err != nil {
		return handleSyncError(c, err)
	}

	rows, total, err := h.syncer.List(c.UserContext(), plan)
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{
		"data": rows,
		"meta": fiber.Map{
			"page":     plan.Page,
			"per_page": plan.PerPage,
			"total":    total,
		},
	})
}

// GetByID handles GET /api/records/:kind/:id
func (h *Handler) GetByID(c *fiber.Ctx) error {
	k, err := h.resolveKind(c)
	if err != nil {
		return handleSyncError(c, err)
	}
	rec, err := h.syncer.Get(c.UserContext(), k.Name, c.Params("id"))
	if err != nil {
		return handleSyncError(c, err)
	}
	return c.JSON(fiber.Map{"data": rec})
}

// Delete handles DELETE /api/records/:kind/:id. Only the local copy is
// removed; the next sync brings it back if it still exists upstream.
func (h *Handler) Delete(c *fiber.Ctx) error {
	k, err := h.resolveKind(c)
	if err != nil {
		return handleSyncError(c, err)
	}
	id := c.Params("id")
	deleted, err := h.syncer.DeleteLocal(c.UserContext(), k.Name, id)
	if err != nil {
		return err
	}
	if !deleted {
		return respondError(c, NotFoundError(k.Name, id))
	}
	return c.JSON(fiber.Map{"data": fiber.Map{"id": id, "deleted": true}})
}

// resolveKind returns an *AppError for unregistered kinds; callers render
// it with handleSyncError.
func (h *Handler) resolveKind(c *fiber.Ctx) (*metadata.Kind, error) {
	name := c.Params("kind")
	k := h.syncer.Registry().Get(name)
	if k == nil {
		return nil, UnknownKindError(name)
	}
	return k, nil
}

// requestEnv applies the livemode and account query overrides.
func (h *Handler) requestEnv(c *fiber.Ctx) (Env, error) {
	env := h.env
	if v := c.Query("livemode"); v != "" {
		live, err := strconv.ParseBool(v)
		if err != nil {
			return env, NewAppError("INVALID_PAYLOAD", 400, "livemode must be true or false")
		}
		env = env.WithLiveMode(live)
	}
	if v := c.Query("account"); v != "" {
		env = env.WithAccount(v)
	}
	return env, nil
}

func respondError(c *fiber.Ctx, appErr *AppError) error {
	return c.Status(appErr.Status).JSON(ErrorResponse{Error: appErr})
}

// handleSyncError maps engine and remote failures to responses. Anything
// unrecognized goes to the app's error handler as a 500.
func handleSyncError(c *fiber.Ctx, err error) error {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return respondError(c, appErr)
	}

	var reqErr *RequiredFieldError
	if errors.As(err, &reqErr) {
		return respondError(c, ValidationError([]ErrorDetail{{
			Field:   reqErr.Field,
			Rule:    "required",
			Message: reqErr.Error(),
		}}))
	}

	var remoteErr *remote.Error
	if errors.As(err, &remoteErr) {
		if remote.IsGone(err) {
			return respondError(c, NewAppError("REMOTE_NOT_FOUND", 404, remoteErr.Message))
		}
		return respondError(c, NewAppError("REMOTE_ERROR", 502, fmt.Sprintf("remote %s: %s", remoteErr.Kind, remoteErr.Message)))
	}

	if errors.Is(err, store.ErrUniqueViolation) {
		return respondError(c, NewAppError("CONFLICT", 409, "A record with this id already exists"))
	}
	return err
}
