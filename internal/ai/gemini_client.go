package ai

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"pdfchat-platform/internal/logger"

	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"

	genai "github.com/google/generative-ai-go/genai"
)

// GeminiClient wraps one genai client for both generation and embeddings.
// Every upstream call passes the rate limiter and the circuit breaker.
type GeminiClient struct {
	breaker        *gobreaker.CircuitBreaker
	rateLimiter    *rate.Limiter
	tokenCounter   *TokenCounter
	client         *genai.Client
	model          string
	embeddingModel string
	tier           string
}

type GeminiOptions struct {
	APIKey         string
	Tier           string
	Model          string
	EmbeddingModel string
}

type TokenCounter struct {
	mu              sync.Mutex
	minuteTokens    int
	dailyTokens     int
	lastMinuteReset time.Time
	lastDayReset    time.Time
}

type RateLimits struct {
	RPM int // Requests per minute
	TPM int // Tokens per minute
	RPD int // Requests per day
}

func NewGeminiClient(ctx context.Context, opts GeminiOptions) (*GeminiClient, error) {
	client, err := genai.NewClient(ctx, option.WithAPIKey(opts.APIKey))
	if err != nil {
		return nil, err
	}

	limits := getRateLimits(opts.Tier)

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "GeminiAPI",
		MaxRequests: 5,
		Interval:    10 * time.Second,
		Timeout:     60 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.Requests >= 3 && failureRatio >= 0.6
		},
		IsSuccessful: func(err error) bool {
			// A caller hanging up is not an upstream failure.
			return err == nil || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			if to == gobreaker.StateOpen {
				logger.Error("Circuit breaker opened, Gemini degraded", "breaker", name, "from", from.String())
				return
			}
			logger.Warn("Circuit breaker state change", "breaker", name, "from", from.String(), "to", to.String())
		},
	})

	// RPM limit with some buffer
	burst := limits.RPM / 10
	if burst < 1 {
		burst = 1
	}
	rateLimiter := rate.NewLimiter(rate.Limit(float64(limits.RPM)*0.9/60.0), burst)

	model := opts.Model
	if model == "" {
		model = "gemini-2.0-flash"
	}
	embeddingModel := opts.EmbeddingModel
	if embeddingModel == "" {
		embeddingModel = "text-embedding-004"
	}

	return &GeminiClient{
		breaker:        breaker,
		rateLimiter:    rateLimiter,
		tokenCounter:   &TokenCounter{},
		client:         client,
		model:          model,
		embeddingModel: embeddingModel,
		tier:           opts.Tier,
	}, nil
}

func getRateLimits(tier string) RateLimits {
	switch tier {
	case "tier1":
		return RateLimits{RPM: 1000, TPM: 1000000, RPD: 10000}
	case "tier2":
		return RateLimits{RPM: 2000, TPM: 4000000, RPD: 50000}
	default:
		return RateLimits{RPM: 10, TPM: 250000, RPD: 250}
	}
}

// StreamAnswer starts a streaming generation. The first response is read
// before returning so that request errors surface here rather than on the
// first Next.
func (gc *GeminiClient) StreamAnswer(ctx context.Context, req GenerationRequest) (TokenStream, error) {
	tracer := otel.Tracer("gemini-client")
	ctx, span := tracer.Start(ctx, "gemini.stream_answer")

	span.SetAttributes(
		attribute.String("gemini.model", gc.model),
		attribute.Int("gemini.history_turns", len(req.History)),
		attribute.Int("gemini.prompt_chars", len(req.Prompt)),
	)

	if err := gc.rateLimiter.Wait(ctx); err != nil {
		span.SetAttributes(attribute.Bool("gemini.rate_limited", true))
		span.End()
		return nil, err
	}

	result, err := gc.breaker.Execute(func() (interface{}, error) {
		model := gc.client.GenerativeModel(gc.model)
		model.SetTemperature(0.2)
		model.SetMaxOutputTokens(2048)
		if req.System != "" {
			model.SystemInstruction = &genai.Content{Parts: []genai.Part{genai.Text(req.System)}}
		}

		cs := model.StartChat()
		cs.History = historyContents(req.History)

		iter := cs.SendMessageStream(ctx, genai.Text(req.Prompt))
		first, err := iter.Next()
		if err != nil && !errors.Is(err, iterator.Done) {
			return nil, err
		}
		return &geminiStream{
			iter:    iter,
			pending: first,
			done:    errors.Is(err, iterator.Done),
			span:    span,
			counter: gc.tokenCounter,
		}, nil
	})
	if err != nil {
		err = breakerError(err)
		if errors.Is(err, ErrUnavailable) {
			span.SetAttributes(attribute.Bool("gemini.circuit_breaker_open", true))
			span.End()
			return nil, err
		}
		span.SetAttributes(attribute.Bool("gemini.error", true), attribute.String("gemini.error_message", err.Error()))
		span.End()
		return nil, err
	}
	return result.(*geminiStream), nil
}

// breakerError maps a rejection by the open or half-open breaker to
// ErrUnavailable. Upstream errors pass through.
func breakerError(err error) error {
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return err
}

func historyContents(turns []Turn) []*genai.Content {
	history := make([]*genai.Content, 0, len(turns)*2)
	for _, t := range turns {
		if t.Question != "" {
			history = append(history, &genai.Content{Role: "user", Parts: []genai.Part{genai.Text(t.Question)}})
		}
		if t.Answer != "" {
			history = append(history, &genai.Content{Role: "model", Parts: []genai.Part{genai.Text(t.Answer)}})
		}
	}
	return history
}

type geminiStream struct {
	iter    *genai.GenerateContentResponseIterator
	pending *genai.GenerateContentResponse
	done    bool
	span    trace.Span
	counter *TokenCounter
	tokens  int
	closed  bool
}

func (s *geminiStream) Next() (string, error) {
	for {
		if s.pending != nil {
			resp := s.pending
			s.pending = nil
			if resp.UsageMetadata != nil {
				s.tokens = int(resp.UsageMetadata.TotalTokenCount)
			}
			if text := responseText(resp); text != "" {
				return text, nil
			}
			continue
		}
		if s.done {
			return "", io.EOF
		}

		resp, err := s.iter.Next()
		if errors.Is(err, iterator.Done) {
			s.done = true
			return "", io.EOF
		}
		if err != nil {
			s.span.SetAttributes(attribute.Bool("gemini.error", true), attribute.String("gemini.error_message", err.Error()))
			return "", err
		}
		s.pending = resp
	}
}

func (s *geminiStream) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	s.counter.RecordUsage(s.tokens)
	s.span.SetAttributes(attribute.Int("gemini.actual_tokens", s.tokens))
	s.span.End()
	return nil
}

func responseText(resp *genai.GenerateContentResponse) string {
	var sb strings.Builder
	for _, candidate := range resp.Candidates {
		if candidate.Content == nil {
			continue
		}
		for _, part := range candidate.Content.Parts {
			if text, ok := part.(genai.Text); ok {
				sb.WriteString(string(text))
			}
		}
		// Only the first candidate is streamed.
		break
	}
	return sb.String()
}

// RecordUsage adds consumed tokens to the rolling minute and day windows.
func (tc *TokenCounter) RecordUsage(tokens int) {
	tc.mu.Lock()
	defer tc.mu.Unlock()

	now := time.Now()
	if now.Sub(tc.lastMinuteReset) >= time.Minute {
		tc.minuteTokens = 0
		tc.lastMinuteReset = now
	}
	if now.Sub(tc.lastDayReset) >= 24*time.Hour {
		tc.dailyTokens = 0
		tc.lastDayReset = now
	}
	tc.minuteTokens += tokens
	tc.dailyTokens += tokens
}

func (tc *TokenCounter) Usage() (minute, day int) {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	return tc.minuteTokens, tc.dailyTokens
}

// Close the client
func (gc *GeminiClient) Close() error {
	if gc.client != nil {
		return gc.client.Close()
	}
	return nil
}

func (gc *GeminiClient) String() string {
	return fmt.Sprintf("gemini(%s, tier=%s)", gc.model, gc.tier)
}
