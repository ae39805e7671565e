package provider

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStartQuery_Validation(t *testing.T) {
	p := NewAnthropicProvider("test-key", zerolog.Nop())

	_, err := p.StartQuery(context.Background(), QueryInput{Model: "opus"})
	assert.Error(t, err)

	_, err = p.StartQuery(context.Background(), QueryInput{Prompt: "hello"})
	assert.Error(t, err)
}

func TestResumeSession(t *testing.T) {
	p := NewAnthropicProvider("test-key", zerolog.Nop())

	res, err := p.ResumeSession(context.Background(), ResumeInput{ProviderSessionID: "sess-123"})
	require.NoError(t, err)
	assert.True(t, res.Resumed)
	assert.Equal(t, "sess-123", res.ProviderSessionID)

	res, err = p.ResumeSession(context.Background(), ResumeInput{})
	require.NoError(t, err)
	assert.False(t, res.Resumed)
	assert.NotEmpty(t, res.ProviderSessionID)
}

func TestRateLimitDetails(t *testing.T) {
	_, limited := rateLimitDetails(errors.New("plain error"))
	assert.False(t, limited)

	_, limited = rateLimitDetails(&anthropic.Error{StatusCode: http.StatusInternalServerError})
	assert.False(t, limited)

	reset, limited := rateLimitDetails(&anthropic.Error{StatusCode: http.StatusTooManyRequests})
	assert.True(t, limited)
	assert.True(t, reset.IsZero())

	resp := &http.Response{Header: http.Header{}}
	resp.Header.Set("Anthropic-Ratelimit-Tokens-Reset", "2026-03-01T12:00:00Z")
	reset, limited = rateLimitDetails(&anthropic.Error{
		StatusCode: http.StatusTooManyRequests,
		Response:   resp,
	})
	assert.True(t, limited)
	assert.Equal(t, time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC), reset)
}

func TestIsRateLimited(t *testing.T) {
	assert.True(t, IsRateLimited(ErrRateLimited))
	assert.False(t, IsRateLimited(errors.New("other")))
	assert.False(t, IsRateLimited(nil))
}

func TestHeaderInt(t *testing.T) {
	assert.Equal(t, 0, headerInt(nil, "X-Limit"))

	resp := &http.Response{Header: http.Header{}}
	assert.Equal(t, 0, headerInt(resp, "X-Limit"))

	resp.Header.Set("X-Limit", "40000")
	assert.Equal(t, 40000, headerInt(resp, "X-Limit"))

	resp.Header.Set("X-Limit", "not-a-number")
	assert.Equal(t, 0, headerInt(resp, "X-Limit"))
}
