package modelgw

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/xeipuuv/gojsonschema"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/highlog/orchestrator/internal/circuitbreaker"
	"github.com/highlog/orchestrator/internal/config"
	"github.com/highlog/orchestrator/internal/metrics"
	"github.com/highlog/orchestrator/internal/tracing"
)

// Media is an inline binary part attached to a generation request
// (page images for OCR, audio for transcription).
type Media struct {
	MIME string
	Data []byte
}

// request is what reaches the provider client. Schema nil means free text.
type request struct {
	Prompt string
	Media  []Media
	Schema *Schema
}

// generativeClient is the provider seam. The production implementation is
// genai-backed; tests substitute a scripted fake.
type generativeClient interface {
	generate(ctx context.Context, req request) (string, error)
	embed(ctx context.Context, text string) ([]float32, error)
}

// Gateway wraps the generative and embedding models with structured-output
// validation, bounded retries, a global concurrency cap, and a provider
// circuit breaker. It is shared and safe for concurrent use.
type Gateway struct {
	client  generativeClient
	cfg     config.ModelConfig
	logger  *zap.Logger
	sem     *semaphore.Weighted
	limiter *rate.Limiter
	cb      *circuitbreaker.Breaker
}

// New creates a Gateway over the Gemini API.
func New(ctx context.Context, cfg config.ModelConfig, logger *zap.Logger) (*Gateway, error) {
	client, err := newGenaiClient(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create genai client: %w", err)
	}
	return newGateway(client, cfg, logger), nil
}

func newGateway(client generativeClient, cfg config.ModelConfig, logger *zap.Logger) *Gateway {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 8
	}
	if cfg.RatePerSecond <= 0 {
		cfg.RatePerSecond = 10
	}
	cb := circuitbreaker.New("model-provider", circuitbreaker.ModelSettings(), logger)
	circuitbreaker.GlobalMetricsCollector.Register("model-provider", "model-gateway", cb)
	return &Gateway{
		client:  client,
		cfg:     cfg,
		logger:  logger,
		sem:     semaphore.NewWeighted(cfg.MaxConcurrent),
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSecond), int(cfg.MaxConcurrent)),
		cb:      cb,
	}
}

// Dimension returns the embedding dimension. Constant for the process life.
func (g *Gateway) Dimension() int {
	return g.cfg.EmbeddingDim
}

// Embed computes the embedding vector for text.
func (g *Gateway) Embed(ctx context.Context, text string) ([]float32, error) {
	start := time.Now()
	ctx, span := tracing.StartSpan(ctx, "modelgw.Embed")
	defer span.End()

	var vec []float32
	err := g.withTransportRetry(ctx, func(callCtx context.Context) error {
		var err error
		vec, err = g.client.embed(callCtx, text)
		return err
	})
	if err != nil {
		metrics.RecordModelCall("embed", "error", time.Since(start).Seconds())
		return nil, err
	}
	if len(vec) != g.cfg.EmbeddingDim {
		metrics.RecordModelCall("embed", "error", time.Since(start).Seconds())
		return nil, fmt.Errorf("embedding dimension mismatch: got %d, want %d", len(vec), g.cfg.EmbeddingDim)
	}
	metrics.RecordModelCall("embed", "success", time.Since(start).Seconds())
	return vec, nil
}

// Generate issues a structured request and decodes the validated JSON
// response into out.
func (g *Gateway) Generate(ctx context.Context, prompt string, schema Schema, out interface{}) error {
	return g.GenerateMedia(ctx, prompt, nil, schema, out)
}

// GenerateMedia is Generate with inline binary parts (page images, audio).
// Invalid structured output is retried with a deterministic reformat prompt
// up to the configured retry budget, then surfaces as *SchemaError. Nothing
// is decoded into out unless validation passed.
func (g *Gateway) GenerateMedia(ctx context.Context, prompt string, media []Media, schema Schema, out interface{}) error {
	start := time.Now()
	ctx, span := tracing.StartSpan(ctx, "modelgw.Generate")
	defer span.End()

	attempts := g.cfg.MaxRetries + 1
	current := prompt
	var lastPayload string
	var lastReasons []string

	for i := 0; i < attempts; i++ {
		var text string
		err := g.withTransportRetry(ctx, func(callCtx context.Context) error {
			var err error
			text, err = g.client.generate(callCtx, request{Prompt: current, Media: media, Schema: &schema})
			return err
		})
		if err != nil {
			metrics.RecordModelCall("generate", "error", time.Since(start).Seconds())
			return err
		}

		result, err := schema.validator.Validate(gojsonschema.NewStringLoader(text))
		if err != nil {
			// not JSON at all
			lastPayload, lastReasons = text, []string{err.Error()}
		} else if result.Valid() {
			if err := json.Unmarshal([]byte(text), out); err != nil {
				return fmt.Errorf("decode %s response: %w", schema.Name, err)
			}
			metrics.RecordModelCall("generate", "success", time.Since(start).Seconds())
			return nil
		} else {
			lastPayload = text
			lastReasons = lastReasons[:0]
			for _, re := range result.Errors() {
				lastReasons = append(lastReasons, re.String())
			}
		}

		metrics.ModelSchemaRetries.Inc()
		current = reformatPrompt(prompt, schema.Name, lastReasons)
	}

	g.logger.Error("Structured output failed schema validation",
		zap.String("schema", schema.Name),
		zap.Strings("reasons", lastReasons),
		zap.String("payload", lastPayload),
	)
	metrics.RecordModelCall("generate", "schema_error", time.Since(start).Seconds())
	return &SchemaError{Schema: schema.Name, Payload: lastPayload, Reasons: lastReasons}
}

// Transcribe converts candidate answer audio to text.
func (g *Gateway) Transcribe(ctx context.Context, audio []byte, mime string) (string, error) {
	start := time.Now()
	ctx, span := tracing.StartSpan(ctx, "modelgw.Transcribe")
	defer span.End()

	prompt := "다음 오디오는 모의 면접에서 학생이 말한 답변입니다. " +
		"들리는 그대로 한국어로 전사하세요. 요약하거나 바꾸어 쓰지 말고, 말한 내용만 출력하세요."

	var text string
	err := g.withTransportRetry(ctx, func(callCtx context.Context) error {
		var err error
		text, err = g.client.generate(callCtx, request{
			Prompt: prompt,
			Media:  []Media{{MIME: mime, Data: audio}},
		})
		return err
	})
	if err != nil {
		metrics.RecordModelCall("transcribe", "error", time.Since(start).Seconds())
		return "", err
	}
	metrics.RecordModelCall("transcribe", "success", time.Since(start).Seconds())
	return text, nil
}

// withTransportRetry runs one provider call under the concurrency cap, rate
// limiter, circuit breaker, per-call timeout, and exponential backoff with
// full jitter for transient failures.
func (g *Gateway) withTransportRetry(ctx context.Context, fn func(context.Context) error) error {
	if err := g.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	defer g.sem.Release(1)

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = g.cfg.BackoffBase
	bo.MaxInterval = g.cfg.BackoffMax
	bo.RandomizationFactor = 1.0 // full jitter
	bo.MaxElapsedTime = 0

	op := func() error {
		if err := g.limiter.Wait(ctx); err != nil {
			return backoff.Permanent(err)
		}
		callCtx := ctx
		var cancel context.CancelFunc
		if g.cfg.CallTimeout > 0 {
			callCtx, cancel = context.WithTimeout(ctx, g.cfg.CallTimeout)
			defer cancel()
		}
		err := g.cb.Do(callCtx, func() error { return fn(callCtx) })
		if err == nil {
			return nil
		}
		if errors.Is(err, circuitbreaker.ErrOpen) || ctx.Err() != nil {
			return backoff.Permanent(err)
		}
		return err
	}

	retries := uint64(g.cfg.MaxRetries)
	return backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(bo, retries), ctx))
}

// reformatPrompt appends a deterministic correction instruction. Same inputs
// produce the same prompt, keeping retry behavior reproducible.
func reformatPrompt(original, schemaName string, reasons []string) string {
	msg := original + "\n\n이전 응답이 요구된 JSON 형식(" + schemaName + ")을 따르지 않았습니다."
	for _, r := range reasons {
		msg += "\n- " + r
	}
	msg += "\n설명 없이, 요구된 필드를 모두 포함한 JSON 객체만 다시 출력하세요."
	return msg
}
