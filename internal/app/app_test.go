package app

import (
	"bytes"
	"context"
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"paysync/internal/auth"
	"paysync/internal/config"
	"paysync/internal/metadata"
	"paysync/internal/remote/remotetest"
	"paysync/internal/store/storetest"
)

const testSecret = "test-jwt-secret"

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	return &config.Config{
		Database:    config.DatabaseConfig{Driver: "sqlite", Path: t.TempDir(), Name: "app"},
		Webhook:     config.WebhookConfig{Validation: config.ValidationNone, ProcessMode: config.ProcessInline},
		Subscriber:  config.SubscriberConfig{MetadataKey: "djstripe_subscriber"},
		Auth:        config.AuthConfig{JWTSecret: testSecret},
		Idempotency: config.IdempotencyConfig{TTLHours: 24},
	}
}

func openTestContext(t *testing.T, cfg *config.Config) (*Context, *remotetest.Fake) {
	t.Helper()
	fake := remotetest.New()
	ac, err := Open(context.Background(), cfg, WithClient(fake))
	require.NoError(t, err)
	t.Cleanup(ac.Close)
	require.NoError(t, ac.Migrate(context.Background()))
	return ac, fake
}

func token(t *testing.T, roles ...string) string {
	t.Helper()
	tok, err := auth.IssueToken("ops@example.com", roles, testSecret, time.Hour)
	require.NoError(t, err)
	return tok
}

func call(t *testing.T, app *fiber.App, method, path, tok string, body any) (int, map[string]any) {
	t.Helper()
	var r io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		r = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, r)
	req.Header.Set("Content-Type", "application/json")
	if tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}
	resp, err := app.Test(req, -1)
	require.NoError(t, err)
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	var out map[string]any
	if len(raw) > 0 {
		require.NoError(t, json.Unmarshal(raw, &out), string(raw))
	}
	return resp.StatusCode, out
}

func errorCode(body map[string]any) string {
	e, _ := body["error"].(map[string]any)
	code, _ := e["code"].(string)
	return code
}

func TestHealth(t *testing.T) {
	ac, _ := openTestContext(t, testConfig(t))
	status, body := call(t, ac.NewServer(), "GET", "/health", "", nil)
	assert.Equal(t, 200, status)
	assert.Equal(t, "ok", body["status"])
}

func TestAPIRequiresToken(t *testing.T) {
	ac, _ := openTestContext(t, testConfig(t))
	app := ac.NewServer()

	status, body := call(t, app, "GET", "/api/records/product", "", nil)
	assert.Equal(t, 401, status)
	assert.Equal(t, "UNAUTHORIZED", errorCode(body))

	status, _ = call(t, app, "GET", "/api/records/product", "not-a-token", nil)
	assert.Equal(t, 401, status)

	status, _ = call(t, app, "GET", "/api/records/product", token(t), nil)
	assert.Equal(t, 403, status)

	status, _ = call(t, app, "GET", "/api/records/product", token(t, auth.RoleReader), nil)
	assert.Equal(t, 200, status)
}

func TestOperatorRoutesNeedAdmin(t *testing.T) {
	ac, _ := openTestContext(t, testConfig(t))
	app := ac.NewServer()

	status, body := call(t, app, "GET", "/api/_admin/kinds", token(t, auth.RoleReader), nil)
	assert.Equal(t, 403, status)
	assert.Equal(t, "FORBIDDEN", errorCode(body))

	status, body = call(t, app, "GET", "/api/_admin/kinds", token(t, auth.RoleAdmin), nil)
	require.Equal(t, 200, status)
	assert.Len(t, body["data"], len(ac.Registry.All()))

	status, body = call(t, app, "GET", "/api/_admin/kinds/charge", token(t, auth.RoleAdmin), nil)
	require.Equal(t, 200, status)
	kind := body["data"].(map[string]any)
	assert.Equal(t, "charges", kind["table"])
	assert.NotEmpty(t, kind["references"])

	status, body = call(t, app, "GET", "/api/_admin/kinds/widget", token(t, auth.RoleAdmin), nil)
	assert.Equal(t, 404, status)
	assert.Equal(t, "UNKNOWN_KIND", errorCode(body))

	status, _ = call(t, app, "POST", "/api/_admin/migrate", token(t, auth.RoleAdmin), nil)
	assert.Equal(t, 200, status)
}

func TestWebhookIsPublic(t *testing.T) {
	ac, fake := openTestContext(t, testConfig(t))
	app := ac.NewServer()
	fake.Put("product", metadata.Payload{"id": "prod_1", "object": "product", "name": "Widget"})

	event := map[string]any{
		"id": "evt_1", "object": "event", "type": "product.created", "livemode": false,
		"data": map[string]any{"object": map[string]any{"id": "prod_1", "object": "product"}},
	}
	status, body := call(t, app, "POST", "/webhook", "", event)
	require.Equal(t, 200, status)
	id := body["data"].(map[string]any)["id"].(string)

	status, _ = call(t, app, "GET", "/api/triggers/"+id, "", nil)
	assert.Equal(t, 401, status)

	status, body = call(t, app, "GET", "/api/triggers/"+id, token(t, auth.RoleAdmin), nil)
	require.Equal(t, 200, status)
	assert.Equal(t, true, body["data"].(map[string]any)["processed"])

	status, body = call(t, app, "GET", "/api/records/product/prod_1", token(t, auth.RoleReader), nil)
	require.Equal(t, 200, status)
	assert.Equal(t, "Widget", body["data"].(map[string]any)["name"])
}

func TestCustomerActions(t *testing.T) {
	ac, fake := openTestContext(t, testConfig(t))
	app := ac.NewServer()
	admin := token(t, auth.RoleAdmin)

	status, body := call(t, app, "POST", "/api/_admin/customers", admin, map[string]any{
		"subscriber_id": "user_1",
		"params":        map[string]any{"email": "a@b.com"},
	})
	require.Equal(t, 201, status)
	cus := body["data"].(map[string]any)
	assert.Equal(t, "user_1", cus["subscriber_id"])

	status, body = call(t, app, "POST", "/api/_admin/customers", admin, map[string]any{"subscriber_id": "user_1"})
	require.Equal(t, 200, status)
	assert.Equal(t, false, body["created"])
	assert.Equal(t, 1, fake.Calls("create", "customer", ""))

	status, body = call(t, app, "POST", "/api/_admin/customers", admin, map[string]any{})
	assert.Equal(t, 422, status)
	assert.Equal(t, "VALIDATION_FAILED", errorCode(body))

	id := cus["id"].(string)
	status, _ = call(t, app, "PATCH", "/api/_admin/remote/customer/"+id, admin, map[string]any{"email": "new@b.com"})
	require.Equal(t, 200, status)

	status, _ = call(t, app, "DELETE", "/api/_admin/customers/"+id, admin, nil)
	require.Equal(t, 200, status)
	rec, err := ac.Syncer.Get(context.Background(), "customer", id)
	require.NoError(t, err)
	assert.Nil(t, rec["subscriber_id"])
}

func TestUnhandledErrorsAreHidden(t *testing.T) {
	app := fiber.New(fiber.Config{ErrorHandler: ErrorHandler})
	app.Get("/boom", func(c *fiber.Ctx) error { return assert.AnError })

	status, body := call(t, app, "GET", "/boom", "", nil)
	assert.Equal(t, 500, status)
	assert.Equal(t, "INTERNAL_ERROR", errorCode(body))

	status, body = call(t, app, "GET", "/missing", "", nil)
	assert.Equal(t, 404, status)
	assert.Equal(t, "HTTP_ERROR", errorCode(body))
}

func TestSchedulerProcessesDeferredTriggers(t *testing.T) {
	cfg := testConfig(t)
	cfg.Webhook.ProcessMode = config.ProcessDeferred
	ac, _ := openTestContext(t, cfg)

	body := []byte(`{"id":"evt_1","object":"event","type":"balance.available","livemode":false,"data":{"object":{"object":"balance"}}}`)
	tr, err := ac.Processor.Receive(context.Background(), "", nil, body)
	require.NoError(t, err)
	require.False(t, tr.Processed)

	NewScheduler(ac).processTriggers()

	stored, err := ac.Processor.Triggers().Get(context.Background(), tr.ID)
	require.NoError(t, err)
	assert.True(t, stored.Processed)
}

func TestSchedulerPurgesExpiredIdempotencyKeys(t *testing.T) {
	ac, _ := openTestContext(t, testConfig(t))
	ctx := context.Background()

	_, err := ac.Syncer.IdempotencyKey(ctx, "customer:create:old", false)
	require.NoError(t, err)
	kept, err := ac.Syncer.IdempotencyKey(ctx, "customer:create:new", false)
	require.NoError(t, err)
	_, err = ac.Store.DB.Exec("UPDATE _idempotency_keys SET created_at = '2000-01-01T00:00:00.000Z' WHERE action = 'customer:create:old'")
	require.NoError(t, err)

	NewScheduler(ac).purgeIdempotencyKeys()

	assert.Equal(t, 1, storetest.Count(t, ac.Store, "_idempotency_keys", ""))
	assert.Equal(t, 1, storetest.Count(t, ac.Store, "_idempotency_keys", "id = ?", kept))
}
