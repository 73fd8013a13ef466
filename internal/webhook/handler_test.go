package webhook

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http/httptest"
	"testing"

	"github.com/goccy/go-json"
	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"paysync/internal/metadata"
)

func newTestApp(t *testing.T, f *fixture, respond400 bool) *fiber.App {
	t.Helper()
	app := fiber.New(fiber.Config{
		JSONEncoder: json.Marshal,
		JSONDecoder: json.Unmarshal,
	})
	RegisterWebhookRoutes(app, NewHandler(f.proc, respond400))
	return app
}

func post(t *testing.T, app *fiber.App, path string, body []byte, headers map[string]string) (int, map[string]any) {
	t.Helper()
	req := httptest.NewRequest("POST", path, bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
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

func TestWebhookEndpointAcceptsValidDelivery(t *testing.T) {
	f := newFixture(t, Options{})
	app := newTestApp(t, f, false)
	f.fake.Put("product", metadata.Payload{"id": "prod_1", "object": "product", "name": "Widget"})

	body := eventBody(t, "evt_1", "product.created", map[string]any{"id": "prod_1", "object": "product"})
	status, out := post(t, app, "/webhook", body, map[string]string{"X-Forwarded-For": "203.0.113.9, 10.0.0.1"})
	require.Equal(t, 200, status)
	data := out["data"].(map[string]any)
	assert.Equal(t, true, data["valid"])
	assert.Equal(t, true, data["processed"])
	assert.Equal(t, "evt_1", data["event_id"])

	tr, err := f.proc.Triggers().Get(context.Background(), data["id"].(string))
	require.NoError(t, err)
	assert.Equal(t, "203.0.113.9", tr.RemoteIP)
	assert.Equal(t, string(body), tr.Body)
}

func TestWebhookEndpointInvalidDelivery(t *testing.T) {
	f := newFixture(t, Options{})

	status, out := post(t, newTestApp(t, f, false), "/webhook", []byte(`{"id":"evt_1"}`), nil)
	assert.Equal(t, 200, status)
	assert.Equal(t, false, out["data"].(map[string]any)["valid"])

	status, _ = post(t, newTestApp(t, f, true), "/webhook", []byte(`{"id":"evt_1"}`), nil)
	assert.Equal(t, 400, status)
	assert.Equal(t, 2, f.count(t, "_webhook_triggers"))
}

func TestWebhookEndpointReportsProcessingFailure(t *testing.T) {
	f := newFixture(t, Options{})
	app := newTestApp(t, f, false)
	failing := true
	require.NoError(t, f.handlers.Register("balance", func(context.Context, *Event) error {
		if failing {
			return errors.New("ledger offline")
		}
		return nil
	}))

	body := eventBody(t, "evt_1", "balance.available", map[string]any{"object": "balance"})
	status, out := post(t, app, "/webhook", body, nil)
	assert.Equal(t, 500, status)
	assert.Equal(t, "PROCESSING_FAILED", out["error"].(map[string]any)["code"])
	id := out["data"].(map[string]any)["id"].(string)

	failing = false
	status, out = post(t, app, "/api/triggers/"+id+"/process", nil, nil)
	require.Equal(t, 200, status)
	assert.Equal(t, "evt_1", out["data"].(map[string]any)["event"].(map[string]any)["id"])
	assert.Equal(t, 1, f.count(t, "events"))
}

func TestReprocessRejectsUnknownAndInvalidTriggers(t *testing.T) {
	f := newFixture(t, Options{})
	app := newTestApp(t, f, false)

	status, out := post(t, app, "/api/triggers/nope/process", nil, nil)
	assert.Equal(t, 404, status)
	assert.Equal(t, "NOT_FOUND", out["error"].(map[string]any)["code"])

	_, out = post(t, app, "/webhook", []byte("garbage"), nil)
	id := out["data"].(map[string]any)["id"].(string)
	status, out = post(t, app, "/api/triggers/"+id+"/process", nil, nil)
	assert.Equal(t, 409, status)
	assert.Equal(t, "TRIGGER_INVALID", out["error"].(map[string]any)["code"])
}
