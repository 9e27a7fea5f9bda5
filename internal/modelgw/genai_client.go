package modelgw

import (
	"context"
	"fmt"

	"google.golang.org/genai"

	"github.com/highlog/orchestrator/internal/config"
)

// genaiClient is the Gemini-backed provider implementation.
type genaiClient struct {
	client          *genai.Client
	generativeModel string
	embeddingModel  string
}

func newGenaiClient(ctx context.Context, cfg config.ModelConfig) (*genaiClient, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, err
	}
	return &genaiClient{
		client:          client,
		generativeModel: cfg.GenerativeModel,
		embeddingModel:  cfg.EmbeddingModel,
	}, nil
}

func (c *genaiClient) generate(ctx context.Context, req request) (string, error) {
	parts := []*genai.Part{genai.NewPartFromText(req.Prompt)}
	for _, m := range req.Media {
		parts = append(parts, genai.NewPartFromBytes(m.Data, m.MIME))
	}
	contents := []*genai.Content{genai.NewContentFromParts(parts, genai.RoleUser)}

	var gcfg *genai.GenerateContentConfig
	if req.Schema != nil {
		gcfg = &genai.GenerateContentConfig{
			ResponseMIMEType: "application/json",
			ResponseSchema:   req.Schema.Provider,
		}
	}

	resp, err := c.client.Models.GenerateContent(ctx, c.generativeModel, contents, gcfg)
	if err != nil {
		return "", err
	}
	text := resp.Text()
	if text == "" {
		return "", fmt.Errorf("empty response from %s", c.generativeModel)
	}
	return text, nil
}

func (c *genaiClient) embed(ctx context.Context, text string) ([]float32, error) {
	contents := []*genai.Content{genai.NewContentFromText(text, genai.RoleUser)}
	resp, err := c.client.Models.EmbedContent(ctx, c.embeddingModel, contents, nil)
	if err != nil {
		return nil, err
	}
	if len(resp.Embeddings) == 0 {
		return nil, fmt.Errorf("no embedding returned from %s", c.embeddingModel)
	}
	return resp.Embeddings[0].Values, nil
}
