// Package admin serves the operator endpoints: schema inspection,
// migrations, and the remote-side actions that change platform state.
package admin

import (
	"errors"

	"github.com/gofiber/fiber/v2"

	"paysync/internal/engine"
	"paysync/internal/metadata"
	"paysync/internal/remote"
	"paysync/internal/store"
)

type Handler struct {
	syncer   *engine.Syncer
	migrator *store.Migrator
	env      engine.Env
}

func NewHandler(s *engine.Syncer, mig *store.Migrator, env engine.Env) *Handler {
	return &Handler{syncer: s, migrator: mig, env: env}
}

// RegisterAdminRoutes mounts the operator API under /api/_admin.
func RegisterAdminRoutes(app *fiber.App, h *Handler, middleware ...fiber.Handler) {
	adm := app.Group("/api/_admin", middleware...)

	adm.Get("/kinds", h.ListKinds)
	adm.Get("/kinds/:name", h.GetKind)
	adm.Post("/migrate", h.Migrate)

	adm.Post("/customers", h.GetOrCreateCustomer)
	adm.Delete("/customers/:id", h.PurgeCustomer)

	adm.Patch("/remote/:kind/:id", h.UpdateRemote)
	adm.Delete("/remote/:kind/:id", h.DeleteRemote)
}

type fieldView struct {
	Name      string `json:"name"`
	Source    string `json:"source,omitempty"`
	Type      string `json:"type"`
	Required  bool   `json:"required"`
	Nullable  bool   `json:"nullable"`
	LocalOnly bool   `json:"local_only,omitempty"`
	Managed   bool   `json:"managed,omitempty"`
}

type referenceView struct {
	Name     string `json:"name"`
	Column   string `json:"column"`
	Target   string `json:"target"`
	Required bool   `json:"required"`
	OnDelete string `json:"on_delete,omitempty"`
}

type childView struct {
	Field string `json:"field"`
	Kind  string `json:"kind"`
	Prune bool   `json:"prune"`
}

type manyToManyView struct {
	Field     string `json:"field"`
	Target    string `json:"target"`
	JoinTable string `json:"join_table"`
}

type kindView struct {
	Name       string           `json:"name"`
	Table      string           `json:"table"`
	Object     string           `json:"object"`
	Endpoint   string           `json:"endpoint,omitempty"`
	Fields     []fieldView      `json:"fields,omitempty"`
	References []referenceView  `json:"references,omitempty"`
	Children   []childView      `json:"children,omitempty"`
	ManyToMany []manyToManyView `json:"many_to_many,omitempty"`
}

func summarize(k *metadata.Kind) kindView {
	return kindView{Name: k.Name, Table: k.Table, Object: k.ObjectName(), Endpoint: k.Endpoint}
}

// ListKinds returns every registered kind without its fields.
func (h *Handler) ListKinds(c *fiber.Ctx) error {
	kinds := h.syncer.Registry().All()
	out := make([]kindView, len(kinds))
	for i, k := range kinds {
		out[i] = summarize(k)
	}
	return c.JSON(fiber.Map{"data": out})
}

// GetKind returns the sync description of one kind.
func (h *Handler) GetKind(c *fiber.Ctx) error {
	reg := h.syncer.Registry()
	k := reg.Get(c.Params("name"))
	if k == nil {
		return respondError(c, engine.UnknownKindError(c.Params("name")))
	}
	d, err := reg.Describe(k.Name)
	if err != nil {
		return err
	}

	view := summarize(k)
	for _, f := range d.Plain {
		view.Fields = append(view.Fields, fieldView{
			Name: f.Name, Source: f.Source, Type: f.Type,
			Required: f.Required, Nullable: f.Nullable, LocalOnly: f.LocalOnly,
		})
	}
	for _, r := range d.References {
		view.References = append(view.References, referenceView{
			Name: r.Name, Column: r.ColumnName(), Target: r.Target, Required: r.Required, OnDelete: r.OnDelete,
		})
	}
	for _, cl := range d.OneToMany {
		view.Children = append(view.Children, childView{Field: cl.Field, Kind: cl.Kind, Prune: cl.Prune})
	}
	for _, m := range d.ManyToMany {
		view.ManyToMany = append(view.ManyToMany, manyToManyView{Field: m.Field, Target: m.Target, JoinTable: m.JoinTable})
	}
	return c.JSON(fiber.Map{"data": view})
}

// Migrate brings every kind table up to date with the registry.
func (h *Handler) Migrate(c *fiber.Ctx) error {
	if err := h.migrator.Migrate(c.UserContext(), h.syncer.Registry()); err != nil {
		return err
	}
	return c.JSON(fiber.Map{"data": fiber.Map{"migrated": len(h.syncer.Registry().All())}})
}

type customerRequest struct {
	SubscriberID string         `json:"subscriber_id"`
	LiveMode     *bool          `json:"livemode"`
	Params       map[string]any `json:"params"`
}

// GetOrCreateCustomer returns the live customer of a subscriber, creating
// it remotely when there is none.
func (h *Handler) GetOrCreateCustomer(c *fiber.Ctx) error {
	var req customerRequest
	if err := c.BodyParser(&req); err != nil {
		return respondError(c, engine.NewAppError("INVALID_PAYLOAD", 400, "Invalid JSON body"))
	}
	if req.SubscriberID == "" {
		return respondError(c, engine.ValidationError([]engine.ErrorDetail{
			{Field: "subscriber_id", Rule: "required", Message: "subscriber_id is required"},
		}))
	}

	env := h.env
	if req.LiveMode != nil {
		env = env.WithLiveMode(*req.LiveMode)
	}
	rec, created, err := h.syncer.GetOrCreateCustomer(c.UserContext(), env, req.SubscriberID, req.Params)
	if err != nil {
		return remoteError(c, err)
	}
	status := fiber.StatusOK
	if created {
		status = fiber.StatusCreated
	}
	return c.Status(status).JSON(fiber.Map{"data": rec, "created": created})
}

// PurgeCustomer deletes the customer remotely and detaches it locally.
func (h *Handler) PurgeCustomer(c *fiber.Ctx) error {
	if err := h.syncer.PurgeCustomer(c.UserContext(), h.env, c.Params("id")); err != nil {
		return remoteError(c, err)
	}
	return c.JSON(fiber.Map{"message": "Customer purged"})
}

// UpdateRemote sends the writable subset of the body to the remote and
// syncs the result.
func (h *Handler) UpdateRemote(c *fiber.Ctx) error {
	var fields map[string]any
	if err := c.BodyParser(&fields); err != nil {
		return respondError(c, engine.NewAppError("INVALID_PAYLOAD", 400, "Invalid JSON body"))
	}
	rec, err := h.syncer.UpdateRemote(c.UserContext(), h.env, c.Params("kind"), c.Params("id"), fields)
	if err != nil {
		return remoteError(c, err)
	}
	return c.JSON(fiber.Map{"data": rec})
}

// DeleteRemote deletes the object remotely and locally.
func (h *Handler) DeleteRemote(c *fiber.Ctx) error {
	if err := h.syncer.DeleteRemote(c.UserContext(), h.env, c.Params("kind"), c.Params("id")); err != nil {
		return remoteError(c, err)
	}
	return c.JSON(fiber.Map{"message": "Deleted"})
}

func remoteError(c *fiber.Ctx, err error) error {
	var appErr *engine.AppError
	if errors.As(err, &appErr) {
		return respondError(c, appErr)
	}
	var re *remote.Error
	if errors.As(err, &re) {
		if remote.IsGone(err) {
			return respondError(c, engine.NewAppError("REMOTE_NOT_FOUND", 404, re.Error()))
		}
		return respondError(c, engine.NewAppError("REMOTE_ERROR", 502, re.Error()))
	}
	return err
}

func respondError(c *fiber.Ctx, appErr *engine.AppError) error {
	return c.Status(appErr.Status).JSON(engine.ErrorResponse{Error: appErr})
}
