package redisstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"

	"github.com/redis/go-redis/v9"
)

// CorruptDataError reports a stored field whose present value has the wrong
// shape. Absent fields are never corrupt; they default to zero.
type CorruptDataError struct {
	Key   string
	Field string
	Cause error
}

func (e *CorruptDataError) Error() string {
	return fmt.Sprintf("corrupt data at %s field %s: %v", e.Key, e.Field, e.Cause)
}

func (e *CorruptDataError) Unwrap() error { return e.Cause }

// WrongTypeError reports a key whose underlying collection has an unexpected
// storage type. It is never auto-corrected; operators must clean it up.
type WrongTypeError struct {
	Key  string
	Type string
}

func (e *WrongTypeError) Error() string {
	return fmt.Sprintf("key %s has unexpected type %s", e.Key, e.Type)
}

// ValidationError is raised when a validated read exhausted its retry budget.
// It wraps the last root cause observed.
type ValidationError struct {
	Key      string
	Attempts int
	Cause    error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation of %s failed after %d attempts: %v", e.Key, e.Attempts, e.Cause)
}

func (e *ValidationError) Unwrap() error { return e.Cause }

// MissingFieldError reports a required field absent from a record.
type MissingFieldError struct {
	Key   string
	Field string
}

func (e *MissingFieldError) Error() string {
	return fmt.Sprintf("record %s is missing required field %s", e.Key, e.Field)
}

// IsCancellation reports whether err stems from the caller's context ending,
// by cancel or by deadline. Such errors always propagate immediately and are
// never retried: no attempt can succeed under a dead context.
func IsCancellation(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

// IsTransient reports whether err looks like a transient infrastructure
// failure (connection loss, timeout, protocol hiccup) worth retrying.
func IsTransient(err error) bool {
	if err == nil || IsCancellation(err) {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	if errors.Is(err, io.EOF) || errors.Is(err, redis.ErrClosed) {
		return true
	}
	msg := err.Error()
	if strings.Contains(msg, "connection refused") || strings.Contains(msg, "connection reset") {
		return true
	}
	return false
}

// isWrongType detects the server-side WRONGTYPE reply.
func isWrongType(err error) bool {
	return err != nil && strings.HasPrefix(err.Error(), "WRONGTYPE")
}
