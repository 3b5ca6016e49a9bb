package openai

import (
	"context"
	stderrors "errors"
	"io"
	"net/http"
	"time"

	"github.com/radianlabs/clinical-insights/backend/internal/domain/entities"
	"github.com/radianlabs/clinical-insights/backend/internal/domain/providers"
	"github.com/radianlabs/clinical-insights/backend/pkg/config"
	"github.com/radianlabs/clinical-insights/backend/pkg/errors"
	"github.com/radianlabs/clinical-insights/backend/pkg/retry"
	openai "github.com/sashabaranov/go-openai"
	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Client implements the embedding and generation providers over the OpenAI
// API. All non-streaming calls pass through a token bucket rate limiter and a
// circuit breaker; streaming calls take the limiter only, since a tripped
// breaker would otherwise cut off mid-answer delivery.
type Client struct {
	api            *openai.Client
	model          string
	embeddingModel string
	dimensions     int
	limiter        *tokenBucket
	breaker        *gobreaker.CircuitBreaker
}

var _ providers.EmbeddingProvider = (*Client)(nil)
var _ providers.GenerationProvider = (*Client)(nil)

// NewClient creates a new OpenAI client.
func NewClient(cfg *config.OpenAIConfig, dimensions int) (*Client, error) {
	if cfg == nil || cfg.APIKey == "" {
		return nil, errors.NewValidationError("openai api key is required")
	}

	model := cfg.Model
	if model == "" {
		model = "gpt-4o-mini"
	}
	embeddingModel := cfg.EmbeddingModel
	if embeddingModel == "" {
		embeddingModel = string(openai.LargeEmbedding3)
	}

	apiCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		apiCfg.BaseURL = cfg.BaseURL
	}
	apiCfg.HTTPClient = &http.Client{Timeout: cfg.Timeout}

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "openai",
		MaxRequests: 3,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	})

	return &Client{
		api:            openai.NewClientWithConfig(apiCfg),
		model:          model,
		embeddingModel: embeddingModel,
		dimensions:     dimensions,
		limiter:        newTokenBucket(cfg.RateLimitRPM, cfg.RateLimitBurst),
		breaker:        breaker,
	}, nil
}

// Dimensions reports the embedding vector width.
func (c *Client) Dimensions() int {
	return c.dimensions
}

// Embed converts a single text into its embedding vector.
func (c *Client) Embed(ctx context.Context, text string) ([]float32, error) {
	vectors, err := c.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vectors[0], nil
}

// EmbedBatch converts multiple texts into embedding vectors, preserving order.
func (c *Client) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, errors.NewValidationError("no texts to embed")
	}

	if err := c.waitForLimiter(ctx, "embedding"); err != nil {
		return nil, err
	}

	var resp openai.EmbeddingResponse
	err := retry.Do(ctx, retry.SingleAttempt(), func() error {
		result, execErr := c.breaker.Execute(func() (interface{}, error) {
			start := time.Now()
			r, callErr := c.api.CreateEmbeddings(ctx, openai.EmbeddingRequestStrings{
				Input:      texts,
				Model:      openai.EmbeddingModel(c.embeddingModel),
				Dimensions: c.dimensions,
			})
			recordOpenAIMetric(ctx, c.embeddingModel, "embedding", time.Since(start), callErr)
			return r, callErr
		})
		if execErr != nil {
			return execErr
		}
		resp = result.(openai.EmbeddingResponse)
		return nil
	})
	if err != nil {
		return nil, translateError("embedding request failed", err)
	}

	if len(resp.Data) != len(texts) {
		return nil, errors.NewProviderError("embedding response count mismatch", nil)
	}

	vectors := make([][]float32, len(resp.Data))
	for _, d := range resp.Data {
		if d.Index < 0 || d.Index >= len(vectors) {
			return nil, errors.NewProviderError("embedding response index out of range", nil)
		}
		vectors[d.Index] = d.Embedding
	}
	for _, v := range vectors {
		if len(v) != c.dimensions {
			return nil, errors.NewDimensionMismatchError(len(v), c.dimensions)
		}
	}
	return vectors, nil
}

// Complete runs a single completion and returns the full response text.
func (c *Client) Complete(ctx context.Context, req providers.GenerationRequest) (string, error) {
	if err := c.waitForLimiter(ctx, "completion"); err != nil {
		return "", err
	}

	chatReq := c.buildChatRequest(req, false)

	var resp openai.ChatCompletionResponse
	err := retry.Do(ctx, retry.SingleAttempt(), func() error {
		result, execErr := c.breaker.Execute(func() (interface{}, error) {
			start := time.Now()
			r, callErr := c.api.CreateChatCompletion(ctx, chatReq)
			recordOpenAIMetric(ctx, c.model, "completion", time.Since(start), callErr)
			return r, callErr
		})
		if execErr != nil {
			return execErr
		}
		resp = result.(openai.ChatCompletionResponse)
		return nil
	})
	if err != nil {
		return "", translateError("completion request failed", err)
	}

	if len(resp.Choices) == 0 {
		return "", errors.NewProviderError("completion response has no choices", nil)
	}
	return resp.Choices[0].Message.Content, nil
}

// CompleteStream runs a completion and delivers content incrementally. The
// returned channel always ends with a terminal event and is then closed.
func (c *Client) CompleteStream(ctx context.Context, req providers.GenerationRequest) (<-chan entities.StreamEvent, error) {
	if err := c.waitForLimiter(ctx, "stream"); err != nil {
		return nil, err
	}

	start := time.Now()
	stream, err := c.api.CreateChatCompletionStream(ctx, c.buildChatRequest(req, true))
	if err != nil {
		recordOpenAIMetric(ctx, c.model, "stream", time.Since(start), err)
		return nil, translateError("stream request failed", err)
	}

	events := make(chan entities.StreamEvent)
	go func() {
		defer close(events)
		defer stream.Close()

		for {
			resp, recvErr := stream.Recv()
			if stderrors.Is(recvErr, io.EOF) {
				recordOpenAIMetric(ctx, c.model, "stream", time.Since(start), nil)
				c.emit(ctx, events, entities.StreamEvent{Kind: entities.StreamEventDone})
				return
			}
			if recvErr != nil {
				recordOpenAIMetric(ctx, c.model, "stream", time.Since(start), recvErr)
				translated := translateError("stream interrupted", recvErr)
				c.emit(ctx, events, entities.StreamEvent{
					Kind:    entities.StreamEventError,
					Message: translated.Error(),
				})
				return
			}
			if len(resp.Choices) == 0 {
				continue
			}
			delta := resp.Choices[0].Delta.Content
			if delta == "" {
				continue
			}
			if !c.emit(ctx, events, entities.StreamEvent{Kind: entities.StreamEventChunk, Content: delta}) {
				return
			}
		}
	}()
	return events, nil
}

// emit delivers an event unless the consumer has gone away.
func (c *Client) emit(ctx context.Context, events chan<- entities.StreamEvent, ev entities.StreamEvent) bool {
	select {
	case events <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

func (c *Client) buildChatRequest(req providers.GenerationRequest, streaming bool) openai.ChatCompletionRequest {
	messages := make([]openai.ChatCompletionMessage, 0, len(req.History)+2)
	messages = append(messages, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleSystem,
		Content: req.SystemPrompt,
	})
	for _, turn := range req.History {
		role := openai.ChatMessageRoleUser
		if turn.Role == entities.RoleAssistant {
			role = openai.ChatMessageRoleAssistant
		}
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    role,
			Content: turn.Content,
		})
	}
	if req.UserMessage != "" {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleUser,
			Content: req.UserMessage,
		})
	}

	chatReq := openai.ChatCompletionRequest{
		Model:       c.model,
		Messages:    messages,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
		Stream:      streaming,
	}
	if req.JSONMode {
		chatReq.ResponseFormat = &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		}
	}
	return chatReq
}

func (c *Client) waitForLimiter(ctx context.Context, operation string) error {
	if c.limiter == nil {
		return nil
	}
	waitStart := time.Now()
	if err := c.limiter.Wait(ctx); err != nil {
		recordOpenAIMetric(ctx, c.model, operation, 0, err)
		return translateError("rate limiter wait aborted", err)
	}
	recordOpenAIRateLimitWait(ctx, c.model, time.Since(waitStart))
	return nil
}

// translateError maps transport failures onto the application error taxonomy.
func translateError(message string, err error) error {
	if err == nil {
		return nil
	}

	var appErr *errors.AppError
	if stderrors.As(err, &appErr) {
		return appErr
	}

	if stderrors.Is(err, context.DeadlineExceeded) {
		return errors.NewTimeoutError("provider call", err)
	}
	if stderrors.Is(err, gobreaker.ErrOpenState) || stderrors.Is(err, gobreaker.ErrTooManyRequests) {
		return errors.NewProviderError("provider circuit open", err)
	}

	var apiErr *openai.APIError
	if stderrors.As(err, &apiErr) {
		switch apiErr.HTTPStatusCode {
		case http.StatusNotFound:
			return errors.NewInvalidModelError("model not recognized by provider", err)
		case http.StatusBadRequest:
			if code, ok := apiErr.Code.(string); ok && code == "model_not_found" {
				return errors.NewInvalidModelError("model not recognized by provider", err)
			}
		}
	}

	return errors.NewProviderError(message, err)
}

func newTokenBucket(rpm int, burst int) *tokenBucket {
	if rpm == 0 {
		rpm = 60
	}
	if rpm < 0 {
		return nil
	}
	if burst <= 0 {
		burst = 5
	}
	return newTokenBucketWithRate(rpm, burst)
}

type tokenBucket struct {
	tokens chan struct{}
}

func newTokenBucketWithRate(rpm int, burst int) *tokenBucket {
	bucket := &tokenBucket{
		tokens: make(chan struct{}, burst),
	}

	for i := 0; i < burst; i++ {
		bucket.tokens <- struct{}{}
	}

	interval := time.Minute / time.Duration(rpm)
	if interval <= 0 {
		interval = time.Millisecond
	}

	ticker := time.NewTicker(interval)
	go func() {
		for range ticker.C {
			select {
			case bucket.tokens <- struct{}{}:
			default:
			}
		}
	}()

	return bucket
}

func (b *tokenBucket) Wait(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-b.tokens:
		return nil
	}
}

type openAIMetrics struct {
	requestCount    metric.Int64Counter
	requestDuration metric.Float64Histogram
	requestErrors   metric.Int64Counter
	rateLimitWait   metric.Float64Histogram
}

var openaiMetricsInit = false
var openaiMetrics openAIMetrics

func ensureOpenAIMetrics() {
	if openaiMetricsInit {
		return
	}
	meter := otel.Meter("github.com/radianlabs/clinical-insights/backend/openai")

	requestCount, err := meter.Int64Counter(
		"ai.openai.request.count",
		metric.WithDescription("Number of OpenAI requests"),
	)
	if err != nil {
		return
	}
	requestDuration, err := meter.Float64Histogram(
		"ai.openai.request.duration",
		metric.WithDescription("OpenAI request duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return
	}
	requestErrors, err := meter.Int64Counter(
		"ai.openai.request.errors",
		metric.WithDescription("Number of OpenAI request errors"),
	)
	if err != nil {
		return
	}
	rateLimitWait, err := meter.Float64Histogram(
		"ai.openai.rate_limit.wait",
		metric.WithDescription("Time spent waiting for OpenAI rate limiter in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return
	}

	openaiMetrics = openAIMetrics{
		requestCount:    requestCount,
		requestDuration: requestDuration,
		requestErrors:   requestErrors,
		rateLimitWait:   rateLimitWait,
	}
	openaiMetricsInit = true
}

func recordOpenAIMetric(ctx context.Context, model, operation string, duration time.Duration, err error) {
	ensureOpenAIMetrics()
	if !openaiMetricsInit {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("ai.provider", "openai"),
		attribute.String("ai.model", model),
		attribute.String("ai.operation", operation),
	}

	openaiMetrics.requestCount.Add(ctx, 1, metric.WithAttributes(attrs...))
	openaiMetrics.requestDuration.Record(ctx, float64(duration.Milliseconds()), metric.WithAttributes(attrs...))
	if err != nil {
		openaiMetrics.requestErrors.Add(ctx, 1, metric.WithAttributes(attrs...))
	}
}

func recordOpenAIRateLimitWait(ctx context.Context, model string, wait time.Duration) {
	ensureOpenAIMetrics()
	if !openaiMetricsInit {
		return
	}
	attrs := []attribute.KeyValue{
		attribute.String("ai.provider", "openai"),
		attribute.String("ai.model", model),
	}
	openaiMetrics.rateLimitWait.Record(ctx, float64(wait.Milliseconds()), metric.WithAttributes(attrs...))
}
