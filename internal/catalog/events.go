package catalog

import "paysync/internal/metadata"

// Event is the canonical record of one remote notification.
func Event() *metadata.Kind {
	return &metadata.Kind{
		Name:     "event",
		Table:    "events",
		Endpoint: "events",
		Fields: []metadata.Field{
			{Name: "type", Type: metadata.TypeString, Required: true},
			{Name: "data", Type: metadata.TypeJSON, Required: true},
			nullStr("api_version"),
			nullStr("request_id"),
			nullStr("idempotency_key"),
			{Name: "pending_webhooks", Type: metadata.TypeInt},
			created(),
		},
		Hooks: metadata.Hooks{
			Normalize: normalizeRequest,
			Owner:     func(p metadata.Payload) string { return p.String("account") },
		},
	}
}

// normalizeRequest splits "request", which older API versions send as a
// bare id and newer ones as {"id", "idempotency_key"}.
func normalizeRequest(p metadata.Payload) metadata.Payload {
	raw, ok := p["request"]
	if !ok {
		return p
	}
	switch v := raw.(type) {
	case string:
		p["request_id"] = v
	case nil:
		p["request_id"] = nil
	default:
		if req, ok := p.Map("request"); ok {
			p["request_id"] = req["id"]
			p["idempotency_key"] = req["idempotency_key"]
		}
	}
	return p
}
