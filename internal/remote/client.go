// Package remote talks to the payment platform's REST API.
package remote

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"paysync/internal/metadata"
)

// Params are request parameters; nested maps and slices are form-encoded
// with bracket notation.
type Params map[string]any

// Client is the capability the sync engine needs from the remote platform.
type Client interface {
	Retrieve(ctx context.Context, kind, id string, opts ...RequestOption) (metadata.Payload, error)
	List(ctx context.Context, kind string, params Params, opts ...RequestOption) *Iter
	Create(ctx context.Context, kind string, params Params, opts ...RequestOption) (metadata.Payload, error)
	Modify(ctx context.Context, kind, id string, params Params, opts ...RequestOption) (metadata.Payload, error)
	Delete(ctx context.Context, kind, id string, opts ...RequestOption) (metadata.Payload, error)
}

// RequestOptions scope a single call.
type RequestOptions struct {
	Account        string
	IdempotencyKey string
	Expand         []string
	LiveMode       *bool
}

type RequestOption func(*RequestOptions)

// WithAccount scopes the call to a connected account.
func WithAccount(id string) RequestOption {
	return func(o *RequestOptions) { o.Account = id }
}

// WithIdempotencyKey dedupes retried create calls on the remote side.
func WithIdempotencyKey(key string) RequestOption {
	return func(o *RequestOptions) { o.IdempotencyKey = key }
}

// WithExpand asks the remote to embed the given references.
func WithExpand(paths ...string) RequestOption {
	return func(o *RequestOptions) { o.Expand = append(o.Expand, paths...) }
}

// WithLiveMode selects the live or test API key.
func WithLiveMode(live bool) RequestOption {
	return func(o *RequestOptions) { o.LiveMode = &live }
}

// Apply folds opts into a RequestOptions value.
func Apply(opts []RequestOption) RequestOptions {
	var o RequestOptions
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// ErrorKind classifies remote failures so callers can decide between
// degrading and propagating.
type ErrorKind int

const (
	ErrKindUnknown ErrorKind = iota
	ErrKindNotFound
	ErrKindModeMismatch
	ErrKindPermission
	ErrKindTransient
	ErrKindInvalid
)

func (k ErrorKind) String() string {
	switch k {
	case ErrKindNotFound:
		return "not_found"
	case ErrKindModeMismatch:
		return "mode_mismatch"
	case ErrKindPermission:
		return "permission"
	case ErrKindTransient:
		return "transient"
	case ErrKindInvalid:
		return "invalid"
	default:
		return "unknown"
	}
}

// Error is a failed remote call.
type Error struct {
	Kind    ErrorKind
	Status  int
	Type    string
	Code    string
	Param   string
	Message string
}

func (e *Error) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("remote %s (%d %s): %s", e.Kind, e.Status, e.Code, e.Message)
	}
	return fmt.Sprintf("remote %s (%d): %s", e.Kind, e.Status, e.Message)
}

// Classify derives the error kind from the HTTP status and platform error
// body. Objects that were hard-deleted answer 404 "No such ..."; objects
// that only exist in the other mode answer with "a similar object exists in".
func Classify(status int, code, message string) ErrorKind {
	switch {
	case strings.Contains(message, "a similar object exists in"):
		return ErrKindModeMismatch
	case status == 404 || code == "resource_missing" || strings.HasPrefix(message, "No such "):
		return ErrKindNotFound
	case status == 401 || status == 403:
		return ErrKindPermission
	case status == 429 || status >= 500:
		return ErrKindTransient
	case status == 400 || status == 402 || status == 409:
		return ErrKindInvalid
	default:
		return ErrKindUnknown
	}
}

// IsGone reports whether err means the object can no longer be served in
// this mode. Every other error kind should propagate.
func IsGone(err error) bool {
	var re *Error
	if !errors.As(err, &re) {
		return false
	}
	return re.Kind == ErrKindNotFound || re.Kind == ErrKindModeMismatch
}

// NotFound builds the error a missing object produces.
func NotFound(kind, id string) *Error {
	return &Error{Kind: ErrKindNotFound, Status: 404, Code: "resource_missing",
		Message: fmt.Sprintf("No such %s: '%s'", kind, id)}
}
