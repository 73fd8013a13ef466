// Package app wires configuration, storage, the sync engine and the HTTP
// surface into one running process.
package app

import (
	"context"
	"fmt"
	"log"
	"time"

	"paysync/internal/admin"
	"paysync/internal/catalog"
	"paysync/internal/config"
	"paysync/internal/engine"
	"paysync/internal/instrument"
	"paysync/internal/metadata"
	"paysync/internal/remote"
	"paysync/internal/store"
	"paysync/internal/webhook"
)

// Context holds every long-lived component and the handlers built on them.
type Context struct {
	Config *config.Config

	Store    *store.Store
	Registry *metadata.Registry
	Migrator *store.Migrator
	Client   remote.Client
	Env      engine.Env

	Syncer    *engine.Syncer
	Events    *webhook.Registry
	Processor *webhook.Processor
	Spans     *instrument.EventBuffer

	SyncHandler    *engine.Handler
	WebhookHandler *webhook.Handler
	AdminHandler   *admin.Handler
	SpanHandler    *instrument.SpanHandler
}

type Option func(*Context)

// WithClient replaces the HTTP client built from the remote config.
func WithClient(c remote.Client) Option {
	return func(ac *Context) { ac.Client = c }
}

// Open connects to the database, bootstraps system tables and builds all
// components. Kind tables are not migrated; call Migrate for that.
func Open(ctx context.Context, cfg *config.Config, opts ...Option) (*Context, error) {
	s, err := store.New(ctx, cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}
	if err := s.Bootstrap(ctx); err != nil {
		s.Close()
		return nil, fmt.Errorf("bootstrap system tables: %w", err)
	}

	ac := &Context{
		Config:   cfg,
		Store:    s,
		Registry: catalog.New(catalog.Options{SubscriberKey: cfg.Subscriber.MetadataKey}),
	}
	for _, opt := range opts {
		opt(ac)
	}
	if ac.Client == nil {
		ac.Client = remote.NewHTTPClient(cfg.Remote, ac.Registry)
	}
	ac.Env = engine.Env{Client: ac.Client}.WithLiveMode(cfg.Remote.DefaultLiveMode)

	if err := ac.build(); err != nil {
		ac.Close()
		return nil, err
	}
	return ac, nil
}

func (ac *Context) build() error {
	cfg := ac.Config
	ac.Migrator = store.NewMigrator(ac.Store)
	ac.Syncer = engine.NewSyncer(ac.Store, ac.Registry, engine.Options{
		SubscriberKey:  cfg.Subscriber.MetadataKey,
		IdempotencyTTL: time.Duration(cfg.Idempotency.TTLHours) * time.Hour,
	})

	ac.Events = webhook.NewRegistry()
	if err := webhook.RegisterDefaults(ac.Events, ac.Syncer); err != nil {
		return fmt.Errorf("register event handlers: %w", err)
	}
	ac.Processor = webhook.NewProcessor(ac.Syncer, webhook.NewTriggerStore(ac.Store), ac.Events, ac.Env,
		webhook.OptionsFromConfig(cfg))

	if cfg.Instrumentation.Enabled {
		ac.Spans = instrument.NewEventBuffer(ac.Store.DB, ac.Store.Dialect,
			cfg.Instrumentation.BufferSize, cfg.Instrumentation.FlushIntervalMs)
	}

	ac.SyncHandler = engine.NewHandler(ac.Syncer, ac.Env)
	ac.WebhookHandler = webhook.NewHandler(ac.Processor, cfg.Webhook.RespondInvalidWith400)
	ac.AdminHandler = admin.NewHandler(ac.Syncer, ac.Migrator, ac.Env)
	ac.SpanHandler = instrument.NewSpanHandler(ac.Store.DB, ac.Store.Dialect)
	return nil
}

// Migrate creates or extends the table of every registered kind.
func (ac *Context) Migrate(ctx context.Context) error {
	if err := ac.Migrator.Migrate(ctx, ac.Registry); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	log.Printf("Migrated %d kinds", len(ac.Registry.All()))
	return nil
}

// Background returns a context for work started outside a request. Its
// spans are recorded when instrumentation is on.
func (ac *Context) Background() context.Context {
	if ac.Spans == nil {
		return instrument.Background(nil)
	}
	return instrument.Background(instrument.NewInstrumenter(ac.Spans))
}

// Close flushes spans and closes the database.
func (ac *Context) Close() {
	if ac.Spans != nil {
		ac.Spans.Stop()
		ac.Spans = nil
	}
	ac.Store.Close()
}
