// Package errs provides structured error types and helpers shared across the collector.
package errs

import (
	"errors"
	"strconv"
	"strings"
)

// Kind identifies an error category used to pick a recovery policy.
type Kind string

const (
	// KindTransport indicates a transient websocket/TCP failure; retried with backoff.
	KindTransport Kind = "transport"
	// KindParse indicates a malformed frame or payload; the frame is dropped.
	KindParse Kind = "parse"
	// KindStoreTransient indicates a recoverable store failure; the batch is retained and retried.
	KindStoreTransient Kind = "store_transient"
	// KindStorePermanent indicates a constraint or schema failure; the batch is dropped.
	KindStorePermanent Kind = "store_permanent"
	// KindRateLimited indicates the upstream rejected the request for exceeding rate limits.
	KindRateLimited Kind = "rate_limited"
	// KindREST indicates an upstream REST failure; the attempt is dropped and retried later.
	KindREST Kind = "rest"
	// KindConfig indicates invalid or missing configuration; fatal at startup.
	KindConfig Kind = "config"
	// KindUnavailable indicates a dependency is temporarily unavailable.
	KindUnavailable Kind = "unavailable"
)

// E captures structured error information produced across the collector.
type E struct {
	Component string
	Kind      Kind
	HTTP      int
	Message   string

	cause error
}

// Option configures an error envelope.
type Option func(*E)

// New constructs an error envelope for the component and error kind.
func New(component string, kind Kind, opts ...Option) *E {
	e := &E{
		Component: strings.TrimSpace(component),
		Kind:      kind,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// WithMessage attaches a human-readable message to the error.
func WithMessage(message string) Option {
	trimmed := strings.TrimSpace(message)
	return func(e *E) {
		e.Message = trimmed
	}
}

// WithHTTP records the associated HTTP status code.
func WithHTTP(status int) Option {
	return func(e *E) {
		e.HTTP = status
	}
}

// WithCause sets the underlying cause error.
func WithCause(err error) Option {
	return func(e *E) {
		e.cause = err
	}
}

func (e *E) Error() string {
	if e == nil {
		return "<nil>"
	}
	var parts []string

	component := strings.TrimSpace(e.Component)
	if component == "" {
		component = "unknown"
	}
	parts = append(parts, "component="+component)

	kind := strings.TrimSpace(string(e.Kind))
	if kind == "" {
		kind = "unknown"
	}
	parts = append(parts, "kind="+kind)

	if e.HTTP > 0 {
		parts = append(parts, "http="+strconv.Itoa(e.HTTP))
	}
	if e.Message != "" {
		parts = append(parts, "message="+strconv.Quote(e.Message))
	}
	if e.cause != nil {
		parts = append(parts, "cause="+strconv.Quote(e.cause.Error()))
	}

	return strings.Join(parts, " ")
}

func (e *E) Unwrap() error { return e.cause }

// KindOf reports the Kind carried by err, or an empty Kind when err is not an *E.
func KindOf(err error) Kind {
	var e *E
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// IsTransient reports whether err describes a failure that should be retried in place.
func IsTransient(err error) bool {
	switch KindOf(err) {
	case KindTransport, KindStoreTransient, KindUnavailable, KindRateLimited:
		return true
	default:
		return false
	}
}
