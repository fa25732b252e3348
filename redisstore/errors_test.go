package redisstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"testing"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
)

func TestIsCancellation(t *testing.T) {
	assert.True(t, IsCancellation(context.Canceled))
	assert.True(t, IsCancellation(fmt.Errorf("wrapped: %w", context.Canceled)))
	assert.True(t, IsCancellation(context.DeadlineExceeded))
	assert.True(t, IsCancellation(fmt.Errorf("flush: %w", context.DeadlineExceeded)))
	assert.False(t, IsCancellation(errors.New("other")))
	assert.False(t, IsCancellation(nil))
}

func TestIsTransient(t *testing.T) {
	assert.True(t, IsTransient(io.EOF))
	assert.True(t, IsTransient(redis.ErrClosed))
	assert.True(t, IsTransient(&net.OpError{Op: "dial", Err: errors.New("timeout")}))
	assert.True(t, IsTransient(errors.New("dial tcp: connection refused")))
	assert.True(t, IsTransient(errors.New("read tcp: connection reset by peer")))

	// Cancellation is a caller decision, never a retry candidate.
	assert.False(t, IsTransient(context.Canceled))
	assert.False(t, IsTransient(context.DeadlineExceeded))
	assert.False(t, IsTransient(nil))
	assert.False(t, IsTransient(errors.New("WRONGTYPE Operation against a key holding the wrong kind of value")))
}

func TestErrorUnwrapping(t *testing.T) {
	cause := errors.New("boom")
	corrupt := &CorruptDataError{Key: "meta:service:kalshi", Field: "total_message_count", Cause: cause}
	assert.ErrorIs(t, corrupt, cause)

	validation := &ValidationError{Key: "md:kalshi:X", Attempts: 3, Cause: corrupt}
	var inner *CorruptDataError
	assert.ErrorAs(t, validation, &inner)
	assert.ErrorIs(t, validation, cause)
}

func TestIsWrongType(t *testing.T) {
	assert.True(t, isWrongType(errors.New("WRONGTYPE Operation against a key holding the wrong kind of value")))
	assert.False(t, isWrongType(errors.New("ERR something else")))
	assert.False(t, isWrongType(nil))
}
