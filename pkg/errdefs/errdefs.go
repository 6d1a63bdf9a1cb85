package errdefs

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// Kind is the coarse classification every error crossing a component
// boundary carries. The runtime adapters classify raw engine errors
// once; the agent maps kinds to HTTP statuses; the reconciler decides
// retry-vs-alert from the kind alone, never from error strings.
type Kind int

const (
	// KindTransient covers timeouts, engine busy, network blips.
	// The caller layer retries these with backoff.
	KindTransient Kind = iota
	// KindPermanent covers bad images and invalid specs. Surfaced
	// immediately, never retried automatically.
	KindPermanent
	// KindConflict is a stale version on a desired-state write.
	KindConflict
	// KindNotFound means the instance is absent after exhausting both
	// the registry and a live runtime lookup.
	KindNotFound
)

func (k Kind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindPermanent:
		return "permanent"
	case KindConflict:
		return "conflict"
	case KindNotFound:
		return "not_found"
	default:
		return "unknown"
	}
}

type classified struct {
	kind Kind
	err  error
}

func (c *classified) Error() string { return c.err.Error() }
func (c *classified) Unwrap() error { return c.err }

// New wraps err with a classification. A nil err returns nil.
func New(kind Kind, err error) error {
	if err == nil {
		return nil
	}
	return &classified{kind: kind, err: err}
}

// Transient marks err as retryable.
func Transient(err error) error { return New(KindTransient, err) }

// Permanent marks err as non-retryable.
func Permanent(err error) error { return New(KindPermanent, err) }

// Conflict marks err as a stale-version rejection.
func Conflict(err error) error { return New(KindConflict, err) }

// NotFound marks err as a true absence.
func NotFound(err error) error { return New(KindNotFound, err) }

// Transientf is shorthand for Transient(fmt.Errorf(...)).
func Transientf(format string, args ...any) error {
	return Transient(fmt.Errorf(format, args...))
}

// Permanentf is shorthand for Permanent(fmt.Errorf(...)).
func Permanentf(format string, args ...any) error {
	return Permanent(fmt.Errorf(format, args...))
}

// Conflictf is shorthand for Conflict(fmt.Errorf(...)).
func Conflictf(format string, args ...any) error {
	return Conflict(fmt.Errorf(format, args...))
}

// NotFoundf is shorthand for NotFound(fmt.Errorf(...)).
func NotFoundf(format string, args ...any) error {
	return NotFound(fmt.Errorf(format, args...))
}

// KindOf returns the classification of err. Unclassified errors and
// context deadline/cancellation default to transient, so an honest
// mistake in classification errs toward retrying rather than alerting.
func KindOf(err error) Kind {
	var c *classified
	if errors.As(err, &c) {
		return c.kind
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return KindTransient
	}
	return KindTransient
}

// IsTransient reports whether err should be retried by the caller.
func IsTransient(err error) bool { return err != nil && KindOf(err) == KindTransient }

// IsPermanent reports whether err must not be retried.
func IsPermanent(err error) bool { return err != nil && KindOf(err) == KindPermanent }

// IsConflict reports whether err is a stale-version rejection.
func IsConflict(err error) bool { return err != nil && KindOf(err) == KindConflict }

// IsNotFound reports whether err is a true absence.
func IsNotFound(err error) bool { return err != nil && KindOf(err) == KindNotFound }

// HTTPStatus maps a classification to the agent API status code.
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict:
		return http.StatusConflict
	case KindPermanent:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusServiceUnavailable
	}
}

// FromHTTPStatus reconstructs a classified error from an agent API
// response, so the reconciler acts on the same taxonomy the node used.
func FromHTTPStatus(status int, err error) error {
	if err == nil {
		return nil
	}
	switch status {
	case http.StatusNotFound:
		return NotFound(err)
	case http.StatusConflict:
		return Conflict(err)
	case http.StatusUnprocessableEntity:
		return Permanent(err)
	default:
		return Transient(err)
	}
}
