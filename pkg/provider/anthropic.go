package provider

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const defaultMaxTokens = 4096

// AnthropicProvider implements Provider on the Anthropic API
type AnthropicProvider struct {
	client anthropic.Client
	logger zerolog.Logger

	mu          sync.Mutex
	utilization map[string]float64
}

// NewAnthropicProvider creates a provider backed by the Anthropic API
func NewAnthropicProvider(apiKey string, logger zerolog.Logger) *AnthropicProvider {
	return &AnthropicProvider{
		client:      anthropic.NewClient(option.WithAPIKey(apiKey)),
		logger:      logger.With().Str("component", "provider").Logger(),
		utilization: make(map[string]float64),
	}
}

// StartQuery begins a streaming query. Events arrive on the returned
// handle; the stream always terminates with a done event.
func (p *AnthropicProvider) StartQuery(ctx context.Context, input QueryInput) (*Handle, error) {
	if input.Prompt == "" {
		return nil, errors.New("empty prompt")
	}
	if input.Model == "" {
		return nil, errors.New("empty model")
	}

	maxTokens := input.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}

	messages := make([]anthropic.MessageParam, 0, len(input.History)+1)
	for _, turn := range input.History {
		switch turn.Role {
		case "assistant":
			messages = append(messages, anthropic.MessageParam{
				Role: anthropic.MessageParamRoleAssistant,
				Content: []anthropic.ContentBlockParamUnion{
					anthropic.NewTextBlock(turn.Content),
				},
			})
		default:
			messages = append(messages, anthropic.NewUserMessage(
				anthropic.NewTextBlock(turn.Content),
			))
		}
	}
	messages = append(messages, anthropic.NewUserMessage(anthropic.NewTextBlock(input.Prompt)))

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(input.Model),
		Messages:  messages,
		MaxTokens: int64(maxTokens),
	}
	if input.SystemPrompt != "" {
		params.System = []anthropic.TextBlockParam{{Text: input.SystemPrompt}}
	}

	queryCtx, cancel := context.WithCancel(ctx)
	events := make(chan Event, 64)
	handle := &Handle{
		ID:     uuid.NewString(),
		Events: events,
		cancel: cancel,
	}

	go p.stream(queryCtx, input, params, events)

	return handle, nil
}

// stream consumes the SSE stream and translates it to boundary events.
// The consumer is expected to drain until the done event.
func (p *AnthropicProvider) stream(ctx context.Context, input QueryInput, params anthropic.MessageNewParams, events chan<- Event) {
	defer close(events)

	logger := p.logger.With().Str("session_key", input.SessionKey).Logger()

	stream := p.client.Messages.NewStreaming(ctx, params)
	message := anthropic.Message{}
	started := false

	for stream.Next() {
		event := stream.Current()
		if err := message.Accumulate(event); err != nil {
			logger.Warn().Err(err).Msg("Stream accumulation failed")
		}

		switch ev := event.AsAny().(type) {
		case anthropic.MessageStartEvent:
			started = true
			events <- Event{Kind: EventSessionStarted, SessionID: ev.Message.ID}
		case anthropic.ContentBlockStartEvent:
			if ev.ContentBlock.Type == "tool_use" {
				events <- Event{Kind: EventToolInvoked, Tool: ev.ContentBlock.Name}
			}
		case anthropic.ContentBlockDeltaEvent:
			if ev.Delta.Type == "text_delta" && ev.Delta.Text != "" {
				events <- Event{Kind: EventTextDelta, Text: ev.Delta.Text}
			}
		}
	}

	if err := stream.Err(); err != nil {
		if ctx.Err() != nil {
			logger.Debug().Msg("Query aborted")
			events <- Event{Kind: EventDone, Result: &Result{Aborted: true}}
			return
		}

		if resetTime, limited := rateLimitDetails(err); limited {
			logger.Warn().Time("reset_time", resetTime).Msg("Provider rate limited")
			events <- Event{Kind: EventRateLimited, ResetTime: resetTime}
			events <- Event{Kind: EventDone, Result: &Result{
				Err: fmt.Errorf("%w: %v", ErrRateLimited, err),
			}}
			return
		}

		logger.Error().Err(err).Msg("Query stream failed")
		events <- Event{Kind: EventDone, Result: &Result{Err: err}}
		return
	}

	if !started {
		events <- Event{Kind: EventDone, Result: &Result{Err: errors.New("stream ended before message start")}}
		return
	}

	text := ""
	for _, block := range message.Content {
		if b, ok := block.AsAny().(anthropic.TextBlock); ok {
			text += b.Text
		}
	}

	events <- Event{Kind: EventDone, Result: &Result{
		Text: text,
		Usage: Usage{
			InputTokens:  int(message.Usage.InputTokens),
			OutputTokens: int(message.Usage.OutputTokens),
		},
	}}
}

// AbortQuery cancels an in-flight query
func (p *AnthropicProvider) AbortQuery(handle *Handle) {
	if handle != nil && handle.cancel != nil {
		handle.cancel()
	}
}

// ResumeSession re-establishes a provider session. The API itself is
// stateless, so a known session id is taken at face value and a fresh
// one is minted otherwise.
func (p *AnthropicProvider) ResumeSession(_ context.Context, input ResumeInput) (ResumeResult, error) {
	if input.ProviderSessionID != "" {
		return ResumeResult{ProviderSessionID: input.ProviderSessionID, Resumed: true}, nil
	}
	return ResumeResult{ProviderSessionID: uuid.NewString(), Resumed: false}, nil
}

// Utilization probes a model tier's quota via a token-count request and
// reads the rate-limit headers of the raw response. Falls back to the
// last observed value when headers are absent.
func (p *AnthropicProvider) Utilization(ctx context.Context, model string) (float64, error) {
	var raw *http.Response
	_, err := p.client.Messages.CountTokens(ctx, anthropic.MessageCountTokensParams{
		Model: anthropic.Model(model),
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock("ping")),
		},
	}, option.WithResponseInto(&raw))
	if err != nil {
		if _, limited := rateLimitDetails(err); limited {
			return 1, nil
		}
		return 0, fmt.Errorf("usage probe: %w", err)
	}

	limit := headerInt(raw, "Anthropic-Ratelimit-Tokens-Limit")
	remaining := headerInt(raw, "Anthropic-Ratelimit-Tokens-Remaining")

	p.mu.Lock()
	defer p.mu.Unlock()

	if limit <= 0 {
		// Header missing; reuse the last known value for this tier
		return p.utilization[model], nil
	}

	util := 1 - float64(remaining)/float64(limit)
	if util < 0 {
		util = 0
	}
	p.utilization[model] = util
	return util, nil
}

func headerInt(resp *http.Response, key string) int {
	if resp == nil {
		return 0
	}
	n, err := strconv.Atoi(resp.Header.Get(key))
	if err != nil {
		return 0
	}
	return n
}

// rateLimitDetails reports whether err is an HTTP 429 and extracts the
// provider-advertised quota reset time when present.
func rateLimitDetails(err error) (time.Time, bool) {
	var apierr *anthropic.Error
	if !errors.As(err, &apierr) || apierr.StatusCode != http.StatusTooManyRequests {
		return time.Time{}, false
	}

	if apierr.Response != nil {
		if reset := apierr.Response.Header.Get("Anthropic-Ratelimit-Tokens-Reset"); reset != "" {
			if t, perr := time.Parse(time.RFC3339, reset); perr == nil {
				return t, true
			}
		}
	}
	return time.Time{}, true
}
