// Package webhook receives remote event deliveries, validates them and
// turns each valid one into exactly one canonical event record.
package webhook

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"paysync/internal/store"
)

var ErrTriggerNotFound = errors.New("webhook trigger not found")

// Trigger is the audit record of one inbound delivery. It is stored for
// every delivery, valid or not.
type Trigger struct {
	ID        string            `json:"id"`
	RemoteIP  string            `json:"remote_ip"`
	Headers   map[string]string `json:"headers"`
	Body      string            `json:"body"`
	Valid     bool              `json:"valid"`
	Processed bool              `json:"processed"`
	Exception string            `json:"exception"`
	Traceback string            `json:"traceback"`
	EventID   string            `json:"event_id,omitempty"`
	AccountID string            `json:"account_id,omitempty"`
	LiveMode  *bool             `json:"livemode"`
	CreatedAt time.Time         `json:"created_at"`
	UpdatedAt time.Time         `json:"updated_at"`
}

// Header returns the header value regardless of the case it arrived in.
func (t *Trigger) Header(name string) string {
	if v, ok := t.Headers[name]; ok {
		return v
	}
	for k, v := range t.Headers {
		if strings.EqualFold(k, name) {
			return v
		}
	}
	return ""
}

const triggerColumns = "id, remote_ip, headers, body, valid, processed, exception, traceback, event_id, account_id, livemode, created_at, updated_at"

// TriggerStore persists triggers in _webhook_triggers.
type TriggerStore struct {
	store *store.Store
	now   func() time.Time
}

func NewTriggerStore(s *store.Store) *TriggerStore {
	return &TriggerStore{store: s, now: time.Now}
}

// Create stores a new delivery as received.
func (ts *TriggerStore) Create(ctx context.Context, remoteIP string, headers map[string]string, body []byte) (*Trigger, error) {
	if headers == nil {
		headers = map[string]string{}
	}
	headersJSON, err := json.Marshal(headers)
	if err != nil {
		return nil, fmt.Errorf("encode headers: %w", err)
	}
	now := ts.now().UTC()
	t := &Trigger{
		ID:        uuid.NewString(),
		RemoteIP:  remoteIP,
		Headers:   headers,
		Body:      string(body),
		CreatedAt: now,
		UpdatedAt: now,
	}

	d := ts.store.Dialect
	stamp, err := d.BindValue(now)
	if err != nil {
		return nil, err
	}
	pb := d.NewParamBuilder()
	q := fmt.Sprintf("INSERT INTO _webhook_triggers (id, remote_ip, headers, body, created_at, updated_at) VALUES (%s, %s, %s, %s, %s, %s)",
		pb.Add(t.ID), pb.Add(remoteIP), pb.Add(string(headersJSON)), pb.Add(t.Body), pb.Add(stamp), pb.Add(stamp))
	if _, err := store.Exec(ctx, ts.store.DB, q, pb.Params()...); err != nil {
		return nil, fmt.Errorf("store webhook trigger: %w", err)
	}
	return t, nil
}

// Save writes the mutable state of t back.
func (ts *TriggerStore) Save(ctx context.Context, t *Trigger) error {
	d := ts.store.Dialect
	t.UpdatedAt = ts.now().UTC()
	stamp, err := d.BindValue(t.UpdatedAt)
	if err != nil {
		return err
	}
	pb := d.NewParamBuilder()
	q := fmt.Sprintf(`UPDATE _webhook_triggers
		SET valid = %s, processed = %s, exception = %s, traceback = %s, event_id = %s, account_id = %s, livemode = %s, updated_at = %s
		WHERE id = %s`,
		pb.Add(t.Valid), pb.Add(t.Processed), pb.Add(t.Exception), pb.Add(t.Traceback),
		pb.Add(nullable(t.EventID)), pb.Add(nullable(t.AccountID)), pb.Add(boolOrNil(t.LiveMode)), pb.Add(stamp),
		pb.Add(t.ID))
	n, err := store.Exec(ctx, ts.store.DB, q, pb.Params()...)
	if err != nil {
		return fmt.Errorf("update webhook trigger %s: %w", t.ID, err)
	}
	if n == 0 {
		return ErrTriggerNotFound
	}
	return nil
}

// Get loads one trigger.
func (ts *TriggerStore) Get(ctx context.Context, id string) (*Trigger, error) {
	row, err := store.QueryRow(ctx, ts.store.DB,
		"SELECT "+triggerColumns+" FROM _webhook_triggers WHERE id = "+ts.store.Dialect.Placeholder(1), id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrTriggerNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get webhook trigger %s: %w", id, err)
	}
	return decodeTrigger(row), nil
}

// Pending returns valid, unprocessed triggers, oldest first.
func (ts *TriggerStore) Pending(ctx context.Context, limit int) ([]*Trigger, error) {
	d := ts.store.Dialect
	q := fmt.Sprintf("SELECT %s FROM _webhook_triggers WHERE valid = %s AND processed = %s ORDER BY created_at ASC LIMIT %s",
		triggerColumns, d.Placeholder(1), d.Placeholder(2), d.Placeholder(3))
	rows, err := store.QueryRows(ctx, ts.store.DB, q, true, false, limit)
	if err != nil {
		return nil, fmt.Errorf("list pending webhook triggers: %w", err)
	}
	out := make([]*Trigger, len(rows))
	for i, row := range rows {
		out[i] = decodeTrigger(row)
	}
	return out, nil
}

// ForEvent returns the triggers that carried the given event id.
func (ts *TriggerStore) ForEvent(ctx context.Context, eventID string) ([]*Trigger, error) {
	rows, err := store.QueryRows(ctx, ts.store.DB,
		"SELECT "+triggerColumns+" FROM _webhook_triggers WHERE event_id = "+ts.store.Dialect.Placeholder(1)+" ORDER BY created_at ASC", eventID)
	if err != nil {
		return nil, fmt.Errorf("list triggers for %s: %w", eventID, err)
	}
	out := make([]*Trigger, len(rows))
	for i, row := range rows {
		out[i] = decodeTrigger(row)
	}
	return out, nil
}

func decodeTrigger(row map[string]any) *Trigger {
	t := &Trigger{
		ID:        str(row["id"]),
		RemoteIP:  str(row["remote_ip"]),
		Body:      str(row["body"]),
		Valid:     asBool(row["valid"]),
		Processed: asBool(row["processed"]),
		Exception: str(row["exception"]),
		Traceback: str(row["traceback"]),
		EventID:   str(row["event_id"]),
		AccountID: str(row["account_id"]),
		Headers:   map[string]string{},
	}
	if row["livemode"] != nil {
		live := asBool(row["livemode"])
		t.LiveMode = &live
	}
	if h := str(row["headers"]); h != "" {
		if err := json.Unmarshal([]byte(h), &t.Headers); err != nil {
			t.Headers = map[string]string{}
		}
	}
	if ts, ok := store.ParseTime(row["created_at"]); ok {
		t.CreatedAt = ts.UTC()
	}
	if ts, ok := store.ParseTime(row["updated_at"]); ok {
		t.UpdatedAt = ts.UTC()
	}
	return t
}

func str(v any) string {
	s, _ := v.(string)
	return s
}

func asBool(v any) bool {
	switch b := v.(type) {
	case bool:
		return b
	case int64:
		return b != 0
	case int:
		return b != 0
	default:
		return false
	}
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func boolOrNil(b *bool) any {
	if b == nil {
		return nil
	}
	return *b
}
