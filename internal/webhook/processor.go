package webhook

import (
	"context"
	"errors"
	"fmt"
	"log"
	"runtime/debug"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"golang.org/x/sync/singleflight"

	"paysync/internal/config"
	"paysync/internal/engine"
	"paysync/internal/instrument"
	"paysync/internal/metadata"
	"paysync/internal/remote"
)

// TestEventSuffix marks the placeholder ids the dashboard's "send test
// webhook" button uses. Such deliveries are never valid.
const TestEventSuffix = "_00000000000000"

const eventKind = "event"

var ErrInvalidTrigger = errors.New("webhook trigger is not valid")

// Options control how deliveries are validated and when they are processed.
type Options struct {
	Validation string
	Secret     string
	Tolerance  time.Duration
	// Debug lets a request carry its own secret in DebugSecretHeader.
	Debug    bool
	Deferred bool
}

// OptionsFromConfig maps the server configuration onto Options.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		Validation: cfg.Webhook.Validation,
		Secret:     cfg.Webhook.Secret,
		Tolerance:  time.Duration(cfg.Webhook.ToleranceSeconds) * time.Second,
		Debug:      cfg.Server.Debug,
		Deferred:   cfg.Webhook.ProcessMode == config.ProcessDeferred,
	}
}

// Reporter is told about every processing failure.
type Reporter interface {
	Report(ctx context.Context, t *Trigger, err error)
}

// LogReporter writes failures to the standard logger.
type LogReporter struct{}

func (LogReporter) Report(_ context.Context, t *Trigger, err error) {
	log.Printf("ERROR: webhook trigger %s (event %s) failed: %v", t.ID, t.EventID, err)
}

// Processor validates deliveries and turns valid ones into event records.
type Processor struct {
	syncer   *engine.Syncer
	triggers *TriggerStore
	handlers *Registry
	env      engine.Env
	opts     Options
	reporter Reporter
	now      func() time.Time
	inflight singleflight.Group
}

func NewProcessor(s *engine.Syncer, triggers *TriggerStore, handlers *Registry, env engine.Env, opts Options) *Processor {
	return &Processor{
		syncer:   s,
		triggers: triggers,
		handlers: handlers,
		env:      env,
		opts:     opts,
		reporter: LogReporter{},
		now:      time.Now,
	}
}

// SetReporter replaces the failure reporter.
func (p *Processor) SetReporter(r Reporter) {
	p.reporter = r
}

func (p *Processor) Triggers() *TriggerStore { return p.triggers }

// Receive stores a delivery, validates it and, unless processing is
// deferred, processes it. The trigger is returned even when err is set.
func (p *Processor) Receive(ctx context.Context, remoteIP string, headers map[string]string, body []byte) (*Trigger, error) {
	ctx, span := instrument.GetInstrumenter(ctx).StartSpan(ctx, "webhook", "processor", "receive")
	defer span.End()

	t, err := p.triggers.Create(ctx, remoteIP, headers, body)
	if err != nil {
		span.SetStatus("error")
		return nil, err
	}
	valid, err := p.Validate(ctx, t)
	if err != nil {
		span.SetStatus("error")
		return t, err
	}
	span.SetMetadata("valid", valid)
	if !valid || p.opts.Deferred {
		return t, nil
	}
	if _, err := p.Process(ctx, t); err != nil {
		span.SetStatus("error")
		return t, err
	}
	return t, nil
}

// Validate decides whether t is a genuine delivery and stores the verdict.
func (p *Processor) Validate(ctx context.Context, t *Trigger) (bool, error) {
	body, reason, err := p.check(ctx, t)
	if err != nil {
		t.Exception = err.Error()
		if serr := p.triggers.Save(ctx, t); serr != nil {
			log.Printf("ERROR: saving webhook trigger %s: %v", t.ID, serr)
		}
		return false, err
	}
	if body != nil {
		live, _ := body["livemode"].(bool)
		t.LiveMode = &live
		t.AccountID = body.String("account")
	}
	t.Valid = reason == ""
	if !t.Valid {
		log.Printf("WARN: webhook trigger %s rejected: %s", t.ID, reason)
	}
	if err := p.triggers.Save(ctx, t); err != nil {
		return t.Valid, err
	}
	return t.Valid, nil
}

// check returns the decoded body and a non-empty reason when the delivery
// is not valid. err is reserved for failures to decide.
func (p *Processor) check(ctx context.Context, t *Trigger) (metadata.Payload, string, error) {
	body, err := remote.Decode([]byte(t.Body))
	if err != nil {
		return nil, "body is not a JSON object", nil
	}
	id := body.ID()
	if id == "" {
		return body, "event has no id", nil
	}
	live, ok := body["livemode"].(bool)
	if !ok {
		return body, "event has no livemode", nil
	}
	if strings.HasSuffix(id, TestEventSuffix) {
		return body, "test event id", nil
	}

	switch p.opts.Validation {
	case config.ValidationNone:
		return body, "", nil
	case config.ValidationRetrieveEvent:
		env := p.eventEnv(live, body.String("account"))
		fetched, err := p.remoteEvent(ctx, env, id)
		if remote.IsGone(err) {
			return body, "event unknown to the remote", nil
		}
		if err != nil {
			return body, "", err
		}
		same, err := sameJSON(body["data"], fetched["data"])
		if err != nil {
			return body, "", err
		}
		if !same {
			return body, "event data does not match the remote copy", nil
		}
		return body, "", nil
	default:
		secret := p.opts.Secret
		if p.opts.Debug {
			if s := t.Header(DebugSecretHeader); s != "" {
				secret = s
			}
		}
		if err := VerifySignature([]byte(t.Body), t.Header(SignatureHeader), secret, p.opts.Tolerance, p.now()); err != nil {
			return body, err.Error(), nil
		}
		return body, "", nil
	}
}

func (p *Processor) remoteEvent(ctx context.Context, env engine.Env, id string) (metadata.Payload, error) {
	if env.Client == nil {
		return nil, fmt.Errorf("retrieve event %s: no remote client configured", id)
	}
	return env.Client.Retrieve(ctx, eventKind, id, requestOptions(env)...)
}

func requestOptions(env engine.Env) []remote.RequestOption {
	var opts []remote.RequestOption
	if env.Account != "" {
		opts = append(opts, remote.WithAccount(env.Account))
	}
	if env.LiveMode != nil {
		opts = append(opts, remote.WithLiveMode(*env.LiveMode))
	}
	return opts
}

// sameJSON compares two decoded JSON values by their canonical encoding.
func sameJSON(a, b any) (bool, error) {
	ja, err := json.Marshal(a)
	if err != nil {
		return false, err
	}
	jb, err := json.Marshal(b)
	if err != nil {
		return false, err
	}
	return string(ja) == string(jb), nil
}

func (p *Processor) eventEnv(live bool, account string) engine.Env {
	env := p.env.WithLiveMode(live)
	if account != "" {
		env = env.WithAccount(account)
	}
	return env
}

type outcome struct {
	record    metadata.Record
	duplicate bool
}

// Process turns a valid trigger into its event record and runs the
// handlers. An event id already stored, by this process or by another
// one writing to the same database, is returned without running the
// handlers again. A handler error removes the event, is recorded on the
// trigger and reported, and is returned.
func (p *Processor) Process(ctx context.Context, t *Trigger) (metadata.Record, error) {
	if !t.Valid {
		return nil, ErrInvalidTrigger
	}
	ctx, span := instrument.GetInstrumenter(ctx).StartSpan(ctx, "webhook", "processor", "process")
	defer span.End()

	body, err := remote.Decode([]byte(t.Body))
	if err != nil {
		span.SetStatus("error")
		return nil, p.fail(ctx, t, fmt.Errorf("decode trigger body: %w", err))
	}
	eventID := body.ID()
	t.EventID = eventID
	span.SetRecord(eventKind, eventID)

	v, err, _ := p.inflight.Do(eventID, func() (any, error) {
		return p.processEvent(ctx, t, body)
	})
	if err != nil {
		span.SetStatus("error")
		return nil, p.fail(ctx, t, err)
	}
	out := v.(outcome)
	span.SetMetadata("duplicate", out.duplicate)

	t.Processed = true
	t.Exception = ""
	t.Traceback = ""
	if err := p.triggers.Save(ctx, t); err != nil {
		return out.record, err
	}
	if !out.duplicate {
		instrument.GetInstrumenter(ctx).EmitBusinessEvent(ctx, "webhook.processed", eventKind, eventID,
			map[string]any{"type": body.String("type"), "trigger_id": t.ID})
	}
	return out.record, nil
}

func (p *Processor) processEvent(ctx context.Context, t *Trigger, body metadata.Payload) (any, error) {
	eventID := body.ID()
	existing, err := p.syncer.Get(ctx, eventKind, eventID)
	if err == nil {
		return outcome{record: existing, duplicate: true}, nil
	}
	if !engine.IsNotFound(err) {
		return nil, err
	}

	live, _ := body["livemode"].(bool)
	env := p.eventEnv(live, body.String("account"))
	rec, created, err := p.syncer.InsertFromRemoteData(ctx, env, eventKind, body)
	if err != nil {
		return nil, err
	}
	if !created {
		// Another worker stored the event after the lookup above.
		log.Printf("WARN: event %s was stored concurrently, skipping handlers", eventID)
		return outcome{record: rec, duplicate: true}, nil
	}

	ev := &Event{
		ID:      eventID,
		Type:    body.String("type"),
		Payload: body,
		Record:  rec,
		Env:     env,
		Trigger: t,
	}
	if err := p.handlers.Dispatch(ctx, ev); err != nil {
		if _, derr := p.syncer.DeleteLocal(ctx, eventKind, eventID); derr != nil {
			log.Printf("ERROR: removing event %s after handler failure: %v", eventID, derr)
		}
		return nil, err
	}
	return outcome{record: rec}, nil
}

// fail records err on the trigger, reports it and hands it back.
func (p *Processor) fail(ctx context.Context, t *Trigger, err error) error {
	t.Exception = err.Error()
	var pe *PanicError
	if errors.As(err, &pe) {
		t.Traceback = pe.Stack
	} else {
		t.Traceback = string(debug.Stack())
	}
	if serr := p.triggers.Save(ctx, t); serr != nil {
		log.Printf("ERROR: saving webhook trigger %s: %v", t.ID, serr)
	}
	p.reporter.Report(ctx, t, err)
	instrument.GetInstrumenter(ctx).EmitBusinessEvent(ctx, "webhook.failed", eventKind, t.EventID,
		map[string]any{"trigger_id": t.ID, "error": err.Error()})
	return err
}

// ProcessPending processes up to limit valid, unprocessed triggers, oldest
// first, and returns how many succeeded.
func (p *Processor) ProcessPending(ctx context.Context, limit int) (int, error) {
	pending, err := p.triggers.Pending(ctx, limit)
	if err != nil {
		return 0, err
	}
	done := 0
	for _, t := range pending {
		if _, err := p.Process(ctx, t); err != nil {
			continue
		}
		done++
	}
	return done, nil
}

// EventFilter selects the remote events ProcessRemote works through. IDs
// are retrieved one by one; otherwise the event list is read, narrowed by
// Type (which may use "*" as a wildcard) or to events whose webhook
// deliveries failed.
type EventFilter struct {
	IDs    []string
	Type   string
	Failed bool
}

// RemoteResult is the outcome for one event seen by ProcessRemote.
type RemoteResult struct {
	EventID   string
	Duplicate bool
	Err       error
}

// ProcessRemote fetches events from the remote and runs each one through
// the same path as a delivery, without a trigger. A failing event does not
// stop the run; each outcome is passed to each. err is set only when the
// events could not be read at all.
func (p *Processor) ProcessRemote(ctx context.Context, env engine.Env, f EventFilter, each func(RemoteResult)) (processed, total int, err error) {
	if env.Client == nil {
		return 0, 0, errors.New("process remote events: no remote client configured")
	}
	if len(f.IDs) > 0 && (f.Type != "" || f.Failed) {
		return 0, 0, errors.New("process remote events: ids cannot be combined with a type or failed filter")
	}
	if f.Type != "" && f.Failed {
		return 0, 0, errors.New("process remote events: type and failed filters are mutually exclusive")
	}

	handle := func(body metadata.Payload) {
		total++
		res := RemoteResult{EventID: body.ID()}
		_, res.Duplicate, res.Err = p.ProcessPayload(ctx, body)
		if res.Err == nil {
			processed++
		}
		if each != nil {
			each(res)
		}
	}

	if len(f.IDs) > 0 {
		for _, id := range f.IDs {
			body, err := p.remoteEvent(ctx, env, id)
			if err != nil {
				total++
				if each != nil {
					each(RemoteResult{EventID: id, Err: err})
				}
				continue
			}
			handle(body)
		}
		return processed, total, nil
	}

	params := remote.Params{}
	if f.Type != "" {
		params["type"] = f.Type
	}
	if f.Failed {
		params["delivery_success"] = false
	}
	it := env.Client.List(ctx, eventKind, params, requestOptions(env)...)
	for it.Next() {
		handle(it.Current())
	}
	if err := it.Err(); err != nil {
		return processed, total, fmt.Errorf("list events: %w", err)
	}
	return processed, total, nil
}

// ProcessPayload stores an event fetched from the remote and runs the
// handlers, as Process does for a trigger. An event already stored is
// returned with duplicate set and the handlers are not run again.
func (p *Processor) ProcessPayload(ctx context.Context, body metadata.Payload) (rec metadata.Record, duplicate bool, err error) {
	ctx, span := instrument.GetInstrumenter(ctx).StartSpan(ctx, "webhook", "processor", "process_payload")
	defer span.End()

	eventID := body.ID()
	if eventID == "" {
		span.SetStatus("error")
		return nil, false, errors.New("event has no id")
	}
	if _, ok := body["livemode"].(bool); !ok {
		span.SetStatus("error")
		return nil, false, fmt.Errorf("event %s has no livemode", eventID)
	}
	span.SetRecord(eventKind, eventID)

	v, err, _ := p.inflight.Do(eventID, func() (any, error) {
		return p.processEvent(ctx, nil, body)
	})
	if err != nil {
		span.SetStatus("error")
		log.Printf("ERROR: processing event %s: %v", eventID, err)
		instrument.GetInstrumenter(ctx).EmitBusinessEvent(ctx, "webhook.failed", eventKind, eventID,
			map[string]any{"error": err.Error()})
		return nil, false, err
	}
	out := v.(outcome)
	span.SetMetadata("duplicate", out.duplicate)
	if !out.duplicate {
		instrument.GetInstrumenter(ctx).EmitBusinessEvent(ctx, "webhook.processed", eventKind, eventID,
			map[string]any{"type": body.String("type")})
	}
	return out.record, out.duplicate, nil
}
