package clients

import (
	"context"
	"errors"
	"fmt"
	"net"
)

const (
	ZoneActive  ZoneStatus = "active"
	ZonePending ZoneStatus = "pending"
)

// ZoneStatus is the DNS/CDN provider's view of the zone serving a hostname.
type ZoneStatus string

// EdgePlatform registers hostnames with the hosting platform so it will
// accept and route traffic for them. Register must be idempotent from the
// caller's perspective: repeating a call with the same idempotency key either
// returns the same ref or an AlreadyExists error carrying the existing ref.
type EdgePlatform interface {
	Register(ctx context.Context, hostname, idempotencyKey string) (string, error)
	Unregister(ctx context.Context, ref string) error
}

// DNSProvider manages the proxied DNS record pointing a custom hostname at
// the platform's canonical ingress host. Same idempotency contract as
// EdgePlatform.
type DNSProvider interface {
	CreateProxiedRecord(ctx context.Context, hostname, targetHost, idempotencyKey string) (string, error)
	DeleteRecord(ctx context.Context, ref string) error
	ZoneStatus(ctx context.Context, hostname string) (ZoneStatus, error)
}

const (
	// KindRetryable covers timeouts, 5xx responses and rate limits. The
	// orchestrator keeps the record in its current state and retries with
	// backoff.
	KindRetryable ErrorKind = "retryable"
	// KindFatal covers rejected hostnames, quota and auth failures. The
	// orchestrator fails the record immediately.
	KindFatal ErrorKind = "fatal"
)

type ErrorKind string

// ExternalError classifies a vendor API failure so the orchestrator can
// decide between retrying and giving up.
type ExternalError struct {
	Op   string
	Kind ErrorKind
	Err  error
}

func (e *ExternalError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *ExternalError) Unwrap() error {
	return e.Err
}

func Retryable(op string, err error) error {
	return &ExternalError{Op: op, Kind: KindRetryable, Err: err}
}

func Fatal(op string, err error) error {
	return &ExternalError{Op: op, Kind: KindFatal, Err: err}
}

// IsRetryable reports whether the orchestrator should retry the call.
// Unclassified errors (plain network failures, cancelled contexts) count as
// retryable so that a transient blip never permanently fails a record.
func IsRetryable(err error) bool {
	var ee *ExternalError
	if errors.As(err, &ee) {
		return ee.Kind == KindRetryable
	}
	return true
}

func IsFatal(err error) bool {
	var ee *ExternalError
	if errors.As(err, &ee) {
		return ee.Kind == KindFatal
	}
	return false
}

// AlreadyExistsError signals that the external resource was created by an
// earlier attempt. The orchestrator adopts Ref as if the call had succeeded.
type AlreadyExistsError struct {
	Ref string
}

func (e *AlreadyExistsError) Error() string {
	return fmt.Sprintf("resource already exists with ref %q", e.Ref)
}

// AdoptableRef extracts the existing ref from an already-exists failure.
func AdoptableRef(err error) (string, bool) {
	var ae *AlreadyExistsError
	if errors.As(err, &ae) {
		return ae.Ref, true
	}
	return "", false
}

// isTimeout reports whether err is a network timeout or an expired context.
func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
