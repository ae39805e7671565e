package tracing

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestContextRoundTrip(t *testing.T) {
	ctx := context.Background()

	ctx = WithTraceID(ctx, "trace-1")
	ctx = WithQueryID(ctx, "query-1")
	ctx = WithSessionKey(ctx, "tg:1234:main")

	assert.Equal(t, "trace-1", GetTraceID(ctx))
	assert.Equal(t, "query-1", GetQueryID(ctx))
	assert.Equal(t, "tg:1234:main", GetSessionKey(ctx))
}

func TestEmptyContext(t *testing.T) {
	ctx := context.Background()

	assert.Empty(t, GetTraceID(ctx))
	assert.Empty(t, GetQueryID(ctx))
	assert.Empty(t, GetSessionKey(ctx))
}

func TestNewRequestContext(t *testing.T) {
	ctx := NewRequestContext(context.Background())

	assert.NotEmpty(t, GetTraceID(ctx))
}

func TestNewTraceIDUnique(t *testing.T) {
	assert.NotEqual(t, NewTraceID(), NewTraceID())
}
