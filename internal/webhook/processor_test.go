package webhook

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"paysync/internal/catalog"
	"paysync/internal/config"
	"paysync/internal/engine"
	"paysync/internal/metadata"
	"paysync/internal/remote"
	"paysync/internal/remote/remotetest"
	"paysync/internal/store"
	"paysync/internal/store/storetest"
)

type fixture struct {
	proc     *Processor
	syncer   *engine.Syncer
	fake     *remotetest.Fake
	handlers *Registry
	store    *store.Store
}

func newFixture(t *testing.T, opts Options) *fixture {
	t.Helper()
	if opts.Validation == "" {
		opts.Validation = config.ValidationNone
	}
	reg := catalog.New(catalog.Options{})
	st := storetest.Open(t, reg)
	fake := remotetest.New()
	sy := engine.NewSyncer(st, reg, engine.Options{})
	handlers := NewRegistry()
	require.NoError(t, RegisterDefaults(handlers, sy))
	return &fixture{
		proc:     NewProcessor(sy, NewTriggerStore(st), handlers, engine.Env{Client: fake}, opts),
		syncer:   sy,
		fake:     fake,
		handlers: handlers,
		store:    st,
	}
}

func eventBody(t *testing.T, id, typ string, obj map[string]any) []byte {
	t.Helper()
	b, err := json.Marshal(map[string]any{
		"id":               id,
		"object":           "event",
		"type":             typ,
		"livemode":         false,
		"created":          1700000000,
		"pending_webhooks": 1,
		"data":             map[string]any{"object": obj},
	})
	require.NoError(t, err)
	return b
}

func (f *fixture) count(t *testing.T, table string) int {
	return storetest.Count(t, f.store, table, "")
}

type recordingReporter struct {
	mu   sync.Mutex
	errs []error
}

func (r *recordingReporter) Report(_ context.Context, _ *Trigger, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errs = append(r.errs, err)
}

func TestValidDeliveryCreatesEventAndSyncsObject(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	f.fake.Put("product", metadata.Payload{"id": "prod_1", "object": "product", "name": "Remote name"})

	body := eventBody(t, "evt_1", "product.created", map[string]any{"id": "prod_1", "object": "product", "name": "Stale"})
	tr, err := f.proc.Receive(ctx, "10.0.0.1", map[string]string{"Content-Type": "application/json"}, body)
	require.NoError(t, err)
	assert.True(t, tr.Valid)
	assert.True(t, tr.Processed)
	assert.Equal(t, "evt_1", tr.EventID)

	ev, err := f.syncer.Get(ctx, "event", "evt_1")
	require.NoError(t, err)
	assert.Equal(t, "product.created", ev["type"])

	prod, err := f.syncer.Get(ctx, "product", "prod_1")
	require.NoError(t, err)
	assert.Equal(t, "Remote name", prod["name"])

	stored, err := f.proc.Triggers().Get(ctx, tr.ID)
	require.NoError(t, err)
	assert.True(t, stored.Processed)
	assert.Equal(t, "10.0.0.1", stored.RemoteIP)
	assert.Equal(t, "application/json", stored.Header("content-type"))
	require.NotNil(t, stored.LiveMode)
	assert.False(t, *stored.LiveMode)
}

func TestEveryDeliveryIsAudited(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()

	for _, body := range []string{
		"not json",
		`{"object":"event","livemode":false}`,
		`{"id":"evt_1","object":"event"}`,
	} {
		tr, err := f.proc.Receive(ctx, "", nil, []byte(body))
		require.NoError(t, err)
		assert.False(t, tr.Valid, body)
		assert.False(t, tr.Processed, body)
	}
	assert.Equal(t, 3, f.count(t, "_webhook_triggers"))
	assert.Equal(t, 0, f.count(t, "events"))
}

func TestTestEventIDIsNeverValid(t *testing.T) {
	f := newFixture(t, Options{})

	body := eventBody(t, "evt_00000000000000", "product.created", map[string]any{"id": "prod_1", "object": "product"})
	tr, err := f.proc.Receive(context.Background(), "", nil, body)
	require.NoError(t, err)
	assert.False(t, tr.Valid)
	assert.Equal(t, 0, f.count(t, "events"))
	assert.Equal(t, 0, f.fake.TotalCalls("retrieve"))
}

func TestDuplicateEventRunsHandlersOnce(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	f.fake.Put("product", metadata.Payload{"id": "prod_1", "object": "product", "name": "Widget"})

	calls := 0
	require.NoError(t, f.handlers.Register("product", func(context.Context, *Event) error {
		calls++
		return nil
	}))

	body := eventBody(t, "evt_1", "product.updated", map[string]any{"id": "prod_1", "object": "product"})
	first, err := f.proc.Receive(ctx, "", nil, body)
	require.NoError(t, err)
	second, err := f.proc.Receive(ctx, "", nil, body)
	require.NoError(t, err)

	assert.Equal(t, 1, calls)
	assert.Equal(t, 1, f.count(t, "events"))
	assert.Equal(t, 1, f.fake.Calls("retrieve", "product", "prod_1"))
	assert.NotEqual(t, first.ID, second.ID)
	assert.True(t, second.Processed)

	triggers, err := f.proc.Triggers().ForEvent(ctx, "evt_1")
	require.NoError(t, err)
	assert.Len(t, triggers, 2)
}

func TestEventStoredByAnotherWorkerSkipsHandlers(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	f.fake.Put("product", metadata.Payload{"id": "prod_1", "object": "product", "name": "Widget"})

	calls := 0
	require.NoError(t, f.handlers.Register("product", func(context.Context, *Event) error {
		calls++
		return nil
	}))

	body := eventBody(t, "evt_1", "product.updated", map[string]any{"id": "prod_1", "object": "product"})

	// Another worker commits the same event after this one has looked it
	// up but before it writes.
	committed := false
	f.syncer.Registry().Get("event").Hooks.PreCommit = func(metadata.Record, metadata.Payload) error {
		if committed {
			return nil
		}
		committed = true
		other, err := remote.Decode(body)
		if err != nil {
			return err
		}
		_, err = f.syncer.SyncFromRemoteData(context.Background(), engine.Env{Client: f.fake}, "event", other)
		return err
	}

	trigger, err := f.proc.Receive(ctx, "", nil, body)
	require.NoError(t, err)

	assert.True(t, committed)
	assert.True(t, trigger.Processed)
	assert.Empty(t, trigger.Exception)
	assert.Zero(t, calls)
	assert.Equal(t, 1, f.count(t, "events"))
	assert.Zero(t, f.fake.Calls("retrieve", "product", "prod_1"))
}

func TestHandlerFailureRollsBackEvent(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	reporter := &recordingReporter{}
	f.proc.SetReporter(reporter)

	failing := true
	require.NoError(t, f.handlers.Register("customer.created", func(context.Context, *Event) error {
		if failing {
			return errors.New("downstream unavailable")
		}
		return nil
	}))
	f.fake.Put("customer", metadata.Payload{"id": "cus_1", "object": "customer"})

	body := eventBody(t, "evt_1", "customer.created", map[string]any{"id": "cus_1", "object": "customer"})
	tr, err := f.proc.Receive(ctx, "", nil, body)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "downstream unavailable")
	assert.Equal(t, 0, f.count(t, "events"))
	require.Len(t, reporter.errs, 1)

	stored, err := f.proc.Triggers().Get(ctx, tr.ID)
	require.NoError(t, err)
	assert.True(t, stored.Valid)
	assert.False(t, stored.Processed)
	assert.Contains(t, stored.Exception, "downstream unavailable")
	assert.NotEmpty(t, stored.Traceback)
	assert.Equal(t, "evt_1", stored.EventID)

	failing = false
	rec, err := f.proc.Process(ctx, stored)
	require.NoError(t, err)
	assert.Equal(t, "evt_1", rec.ID())
	assert.Equal(t, 1, f.count(t, "events"))

	stored, err = f.proc.Triggers().Get(ctx, tr.ID)
	require.NoError(t, err)
	assert.True(t, stored.Processed)
	assert.Empty(t, stored.Exception)
}

func TestHandlerPanicIsRecorded(t *testing.T) {
	f := newFixture(t, Options{})
	require.NoError(t, f.handlers.Register("balance", func(context.Context, *Event) error {
		panic("boom")
	}))

	body := eventBody(t, "evt_1", "balance.available", map[string]any{"object": "balance"})
	tr, err := f.proc.Receive(context.Background(), "", nil, body)
	require.Error(t, err)

	var pe *PanicError
	require.ErrorAs(t, err, &pe)
	assert.Contains(t, tr.Exception, "panic: boom")
	assert.Contains(t, tr.Traceback, "goroutine")
	assert.Equal(t, 0, f.count(t, "events"))
}

func TestDeferredTriggersAreProcessedLater(t *testing.T) {
	f := newFixture(t, Options{Deferred: true})
	ctx := context.Background()
	f.fake.Put("product", metadata.Payload{"id": "prod_1", "object": "product", "name": "Widget"})

	body := eventBody(t, "evt_1", "product.created", map[string]any{"id": "prod_1", "object": "product"})
	tr, err := f.proc.Receive(ctx, "", nil, body)
	require.NoError(t, err)
	assert.True(t, tr.Valid)
	assert.False(t, tr.Processed)
	assert.Equal(t, 0, f.count(t, "events"))

	n, err := f.proc.ProcessPending(ctx, 50)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 1, f.count(t, "events"))
	assert.Equal(t, 1, f.count(t, "products"))

	n, err = f.proc.ProcessPending(ctx, 50)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestSignatureValidation(t *testing.T) {
	f := newFixture(t, Options{Validation: config.ValidationVerifySignature, Secret: "whsec_test", Tolerance: 5 * time.Minute})
	now := time.Unix(1700000000, 0)
	f.proc.now = func() time.Time { return now }
	ctx := context.Background()

	body := eventBody(t, "evt_1", "balance.available", map[string]any{"object": "balance"})

	tr, err := f.proc.Receive(ctx, "", map[string]string{SignatureHeader: SignatureHeaderFor(body, "whsec_test", now)}, body)
	require.NoError(t, err)
	assert.True(t, tr.Valid)

	tr, err = f.proc.Receive(ctx, "", map[string]string{SignatureHeader: SignatureHeaderFor(body, "whsec_other", now)}, body)
	require.NoError(t, err)
	assert.False(t, tr.Valid)

	stale := SignatureHeaderFor(body, "whsec_test", now.Add(-10*time.Minute))
	tr, err = f.proc.Receive(ctx, "", map[string]string{SignatureHeader: stale}, body)
	require.NoError(t, err)
	assert.False(t, tr.Valid)

	tr, err = f.proc.Receive(ctx, "", nil, body)
	require.NoError(t, err)
	assert.False(t, tr.Valid)
}

func TestSignatureModeWithoutSecretRejectsEverything(t *testing.T) {
	f := newFixture(t, Options{Validation: config.ValidationVerifySignature})
	body := eventBody(t, "evt_1", "balance.available", map[string]any{"object": "balance"})

	tr, err := f.proc.Receive(context.Background(), "", map[string]string{SignatureHeader: SignatureHeaderFor(body, "", time.Now())}, body)
	require.NoError(t, err)
	assert.False(t, tr.Valid)
	assert.False(t, tr.Processed)
	assert.Equal(t, 0, f.count(t, "events"))
}

func TestDebugSecretHeaderOnlyInDebug(t *testing.T) {
	now := time.Now()
	body := eventBody(t, "evt_1", "balance.available", map[string]any{"object": "balance"})
	headers := map[string]string{
		DebugSecretHeader: "local_secret",
		SignatureHeader:   SignatureHeaderFor(body, "local_secret", now),
	}

	f := newFixture(t, Options{Validation: config.ValidationVerifySignature, Secret: "whsec_test", Debug: true})
	tr, err := f.proc.Receive(context.Background(), "", headers, body)
	require.NoError(t, err)
	assert.True(t, tr.Valid)

	f = newFixture(t, Options{Validation: config.ValidationVerifySignature, Secret: "whsec_test"})
	tr, err = f.proc.Receive(context.Background(), "", headers, body)
	require.NoError(t, err)
	assert.False(t, tr.Valid)
}

func TestRetrieveEventValidation(t *testing.T) {
	f := newFixture(t, Options{Validation: config.ValidationRetrieveEvent})
	ctx := context.Background()
	obj := map[string]any{"object": "balance", "amount": 100}
	f.fake.Put("event", metadata.Payload{"id": "evt_1", "object": "event", "data": map[string]any{"object": obj}})

	tr, err := f.proc.Receive(ctx, "", nil, eventBody(t, "evt_1", "balance.available", obj))
	require.NoError(t, err)
	assert.True(t, tr.Valid)
	assert.Equal(t, 1, f.fake.Calls("retrieve", "event", "evt_1"))

	forged := map[string]any{"object": "balance", "amount": 999}
	tr, err = f.proc.Receive(ctx, "", nil, eventBody(t, "evt_1", "balance.available", forged))
	require.NoError(t, err)
	assert.False(t, tr.Valid)

	tr, err = f.proc.Receive(ctx, "", nil, eventBody(t, "evt_unknown", "balance.available", obj))
	require.NoError(t, err)
	assert.False(t, tr.Valid)
}

func TestDeletedEventRemovesLocalRow(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	_, err := f.syncer.SyncFromRemoteData(ctx, engine.Env{}, "product", metadata.Payload{"id": "prod_1", "object": "product", "name": "Widget"})
	require.NoError(t, err)

	body := eventBody(t, "evt_1", "product.deleted", map[string]any{"id": "prod_1", "object": "product", "deleted": true})
	_, err = f.proc.Receive(ctx, "", nil, body)
	require.NoError(t, err)
	assert.Equal(t, 0, f.count(t, "products"))
	assert.Equal(t, 0, f.fake.TotalCalls("retrieve"))
}

func TestCustomerDeletedMarksPurged(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	_, err := f.syncer.SyncFromRemoteData(ctx, engine.Env{}, "customer", metadata.Payload{
		"id": "cus_1", "object": "customer", "metadata": map[string]any{"djstripe_subscriber": "user_1"},
	})
	require.NoError(t, err)

	body := eventBody(t, "evt_1", "customer.deleted", map[string]any{"id": "cus_1", "object": "customer"})
	_, err = f.proc.Receive(ctx, "", nil, body)
	require.NoError(t, err)

	rec, err := f.syncer.Get(ctx, "customer", "cus_1")
	require.NoError(t, err)
	assert.NotNil(t, rec["date_purged"])
	assert.Nil(t, rec["subscriber_id"])
}

func TestGoneObjectIsDroppedLocally(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	_, err := f.syncer.SyncFromRemoteData(ctx, engine.Env{}, "product", metadata.Payload{"id": "prod_1", "object": "product", "name": "Widget"})
	require.NoError(t, err)

	body := eventBody(t, "evt_1", "product.updated", map[string]any{"id": "prod_1", "object": "product"})
	_, err = f.proc.Receive(ctx, "", nil, body)
	require.NoError(t, err)
	assert.Equal(t, 0, f.count(t, "products"))
	assert.Equal(t, 1, f.count(t, "events"))
}

func TestDiscountEventResyncsCustomer(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	f.fake.Put("customer", metadata.Payload{"id": "cus_1", "object": "customer", "email": "a@b.com"})

	body := eventBody(t, "evt_1", "customer.discount.created", map[string]any{"object": "discount", "customer": "cus_1"})
	_, err := f.proc.Receive(ctx, "", nil, body)
	require.NoError(t, err)
	assert.Equal(t, 1, f.fake.Calls("retrieve", "customer", "cus_1"))

	rec, err := f.syncer.Get(ctx, "customer", "cus_1")
	require.NoError(t, err)
	assert.Equal(t, "a@b.com", rec["email"])
}

func TestEventForUnknownObjectOnlyStoresEvent(t *testing.T) {
	f := newFixture(t, Options{})

	body := eventBody(t, "evt_1", "balance.available", map[string]any{"object": "balance"})
	tr, err := f.proc.Receive(context.Background(), "", nil, body)
	require.NoError(t, err)
	assert.True(t, tr.Processed)
	assert.Equal(t, 1, f.count(t, "events"))
	assert.Equal(t, 0, f.fake.TotalCalls("retrieve"))
}

func TestInvalidTriggerIsNotProcessed(t *testing.T) {
	f := newFixture(t, Options{})
	_, err := f.proc.Process(context.Background(), &Trigger{ID: "t1"})
	assert.ErrorIs(t, err, ErrInvalidTrigger)
}

func eventPayload(t *testing.T, id, typ string, obj map[string]any) metadata.Payload {
	t.Helper()
	p, err := remote.Decode(eventBody(t, id, typ, obj))
	require.NoError(t, err)
	return p
}

func TestProcessRemoteListedEvents(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	env := engine.Env{Client: f.fake}
	f.fake.Put("product", metadata.Payload{"id": "prod_1", "object": "product", "name": "Widget"})
	f.fake.Put("event", eventPayload(t, "evt_1", "product.updated", map[string]any{"id": "prod_1", "object": "product"}))
	f.fake.Put("event", eventPayload(t, "evt_2", "product.updated", map[string]any{"id": "prod_1", "object": "product"}))

	require.NoError(t, f.handlers.Register("product", func(_ context.Context, ev *Event) error {
		assert.Nil(t, ev.Trigger)
		if ev.ID == "evt_2" {
			return errors.New("boom")
		}
		return nil
	}))

	var results []RemoteResult
	collect := func(r RemoteResult) { results = append(results, r) }

	processed, total, err := f.proc.ProcessRemote(ctx, env, EventFilter{Type: "product.*"}, collect)
	require.NoError(t, err)
	assert.Equal(t, 1, processed)
	assert.Equal(t, 2, total)
	assert.Equal(t, "product.*", f.fake.LastListParams["type"])
	require.Len(t, results, 2)
	assert.Equal(t, "evt_1", results[0].EventID)
	assert.NoError(t, results[0].Err)
	assert.Equal(t, "evt_2", results[1].EventID)
	assert.ErrorContains(t, results[1].Err, "boom")
	assert.Equal(t, 1, f.count(t, "events"))
	assert.Zero(t, f.count(t, "_webhook_triggers"))

	results = nil
	processed, total, err = f.proc.ProcessRemote(ctx, env, EventFilter{Failed: true}, collect)
	require.NoError(t, err)
	assert.Equal(t, 1, processed)
	assert.Equal(t, 2, total)
	assert.Equal(t, false, f.fake.LastListParams["delivery_success"])
	require.Len(t, results, 2)
	assert.True(t, results[0].Duplicate)
	assert.Error(t, results[1].Err)
}

func TestProcessRemoteByID(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	env := engine.Env{Client: f.fake}
	f.fake.Put("event", eventPayload(t, "evt_1", "balance.available", map[string]any{"object": "balance"}))

	var failed []string
	processed, total, err := f.proc.ProcessRemote(ctx, env, EventFilter{IDs: []string{"evt_1", "evt_missing"}}, func(r RemoteResult) {
		if r.Err != nil {
			failed = append(failed, r.EventID)
		}
	})
	require.NoError(t, err)
	assert.Equal(t, 1, processed)
	assert.Equal(t, 2, total)
	assert.Equal(t, []string{"evt_missing"}, failed)
	assert.Equal(t, 1, f.fake.Calls("retrieve", "event", "evt_1"))
	assert.Zero(t, f.fake.Calls("list", "event", ""))

	_, err = f.syncer.Get(ctx, "event", "evt_1")
	require.NoError(t, err)

	_, _, err = f.proc.ProcessRemote(ctx, env, EventFilter{IDs: []string{"evt_1"}, Type: "balance.*"}, nil)
	assert.Error(t, err)
	_, _, err = f.proc.ProcessRemote(ctx, env, EventFilter{Type: "balance.*", Failed: true}, nil)
	assert.Error(t, err)
}
