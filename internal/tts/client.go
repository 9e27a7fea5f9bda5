package tts

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/highlog/orchestrator/internal/circuitbreaker"
	"github.com/highlog/orchestrator/internal/config"
	"github.com/highlog/orchestrator/internal/tracing"
)

// Synthesizer converts question text to speech audio.
type Synthesizer interface {
	Synthesize(ctx context.Context, text string) ([]byte, error)
}

// Client calls the external TTS service over HTTP.
type Client struct {
	http    *circuitbreaker.HTTPWrapper
	baseURL string
	voice   string
	logger  *zap.Logger
}

func NewClient(cfg config.TTSConfig, logger *zap.Logger) *Client {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	hc := &http.Client{Timeout: timeout}
	return &Client{
		http:    circuitbreaker.NewHTTPWrapper(hc, "tts-service", "tts", logger),
		baseURL: cfg.BaseURL,
		voice:   cfg.Voice,
		logger:  logger,
	}
}

type synthesizeRequest struct {
	Text  string `json:"text"`
	Voice string `json:"voice"`
}

// Synthesize returns MP3 audio for the given Korean text.
func (c *Client) Synthesize(ctx context.Context, text string) ([]byte, error) {
	ctx, span := tracing.StartHTTPSpan(ctx, "POST", c.baseURL+"/synthesize")
	defer span.End()

	payload, _ := json.Marshal(synthesizeRequest{Text: text, Voice: c.voice})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/synthesize", bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	tracing.InjectTraceparent(ctx, req)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("tts request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, fmt.Errorf("tts status %d: %s", resp.StatusCode, string(body))
	}

	audio, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read tts audio: %w", err)
	}
	if len(audio) == 0 {
		return nil, fmt.Errorf("tts returned empty audio")
	}
	return audio, nil
}
