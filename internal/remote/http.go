package remote

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"paysync/internal/config"
	"paysync/internal/metadata"
)

// Endpoints maps a kind name to its collection path.
type Endpoints interface {
	Get(name string) *metadata.Kind
}

// HTTPClient implements Client against the platform's form-encoded REST API.
type HTTPClient struct {
	cfg       config.RemoteConfig
	endpoints Endpoints
	http      *http.Client
}

func NewHTTPClient(cfg config.RemoteConfig, endpoints Endpoints) *HTTPClient {
	timeout := time.Duration(cfg.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 80 * time.Second
	}
	return &HTTPClient{
		cfg:       cfg,
		endpoints: endpoints,
		http:      &http.Client{Timeout: timeout},
	}
}

func (c *HTTPClient) path(kind string) (string, error) {
	k := c.endpoints.Get(kind)
	if k == nil || k.Endpoint == "" {
		return "", fmt.Errorf("kind %s has no remote endpoint", kind)
	}
	return "/v1/" + k.Endpoint, nil
}

func (c *HTTPClient) Retrieve(ctx context.Context, kind, id string, opts ...RequestOption) (metadata.Payload, error) {
	p, err := c.path(kind)
	if err != nil {
		return nil, err
	}
	return c.do(ctx, http.MethodGet, p+"/"+url.PathEscape(id), nil, Apply(opts))
}

func (c *HTTPClient) Create(ctx context.Context, kind string, params Params, opts ...RequestOption) (metadata.Payload, error) {
	p, err := c.path(kind)
	if err != nil {
		return nil, err
	}
	return c.do(ctx, http.MethodPost, p, params, Apply(opts))
}

func (c *HTTPClient) Modify(ctx context.Context, kind, id string, params Params, opts ...RequestOption) (metadata.Payload, error) {
	p, err := c.path(kind)
	if err != nil {
		return nil, err
	}
	return c.do(ctx, http.MethodPost, p+"/"+url.PathEscape(id), params, Apply(opts))
}

func (c *HTTPClient) Delete(ctx context.Context, kind, id string, opts ...RequestOption) (metadata.Payload, error) {
	p, err := c.path(kind)
	if err != nil {
		return nil, err
	}
	return c.do(ctx, http.MethodDelete, p+"/"+url.PathEscape(id), nil, Apply(opts))
}

func (c *HTTPClient) List(ctx context.Context, kind string, params Params, opts ...RequestOption) *Iter {
	o := Apply(opts)
	return NewIter(ctx, func(ctx context.Context, startingAfter string) (Page, error) {
		p, err := c.path(kind)
		if err != nil {
			return Page{}, err
		}
		q := Params{}
		for k, v := range params {
			q[k] = v
		}
		if _, ok := q["limit"]; !ok {
			q["limit"] = 100
		}
		if startingAfter != "" {
			q["starting_after"] = startingAfter
		}
		body, err := c.do(ctx, http.MethodGet, p, q, o)
		if err != nil {
			return Page{}, err
		}
		more, _ := body["has_more"].(bool)
		return Page{Data: body.List("data"), HasMore: more}, nil
	})
}

func (c *HTTPClient) do(ctx context.Context, method, path string, params Params, o RequestOptions) (metadata.Payload, error) {
	form := encodeForm(params)
	for _, e := range o.Expand {
		form.Add("expand[]", e)
	}

	target := strings.TrimRight(c.cfg.BaseURL, "/") + path
	var body io.Reader
	if method == http.MethodPost {
		body = strings.NewReader(form.Encode())
	} else if len(form) > 0 {
		target += "?" + form.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	live := c.cfg.DefaultLiveMode
	if o.LiveMode != nil {
		live = *o.LiveMode
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.SecretKey(live))
	if c.cfg.APIVersion != "" {
		req.Header.Set("Stripe-Version", c.cfg.APIVersion)
	}
	if o.Account != "" {
		req.Header.Set("Stripe-Account", o.Account)
	}
	if o.IdempotencyKey != "" {
		req.Header.Set("Idempotency-Key", o.IdempotencyKey)
	}
	if method == http.MethodPost {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &Error{Kind: ErrKindTransient, Message: err.Error()}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return nil, &Error{Kind: ErrKindTransient, Status: resp.StatusCode, Message: err.Error()}
	}

	payload, err := Decode(raw)
	if err != nil {
		if resp.StatusCode >= 300 {
			return nil, &Error{Kind: Classify(resp.StatusCode, "", ""), Status: resp.StatusCode, Message: string(raw)}
		}
		return nil, fmt.Errorf("decode response: %w", err)
	}

	if resp.StatusCode >= 300 {
		e, _ := payload.Map("error")
		re := &Error{
			Status:  resp.StatusCode,
			Type:    e.String("type"),
			Code:    e.String("code"),
			Param:   e.String("param"),
			Message: e.String("message"),
		}
		re.Kind = Classify(re.Status, re.Code, re.Message)
		return nil, re
	}
	return payload, nil
}

// Decode parses a JSON object keeping numbers as json.Number so integer
// amounts and timestamps survive without float rounding.
func Decode(raw []byte) (metadata.Payload, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var p metadata.Payload
	if err := dec.Decode(&p); err != nil {
		return nil, err
	}
	if p == nil {
		return nil, fmt.Errorf("expected a JSON object")
	}
	return p, nil
}

func encodeForm(params Params) url.Values {
	form := url.Values{}
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		addFormValue(form, k, params[k])
	}
	return form
}

func addFormValue(form url.Values, key string, v any) {
	switch val := v.(type) {
	case nil:
		form.Add(key, "")
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			addFormValue(form, key+"["+k+"]", val[k])
		}
	case Params:
		addFormValue(form, key, map[string]any(val))
	case metadata.Payload:
		addFormValue(form, key, map[string]any(val))
	case []any:
		for i, item := range val {
			addFormValue(form, key+"["+strconv.Itoa(i)+"]", item)
		}
	case []string:
		for i, item := range val {
			form.Add(key+"["+strconv.Itoa(i)+"]", item)
		}
	case bool:
		form.Add(key, strconv.FormatBool(val))
	default:
		form.Add(key, fmt.Sprintf("%v", val))
	}
}
