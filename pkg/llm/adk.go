package llm

import (
	"context"
	"fmt"
	"strings"

	"google.golang.org/adk/model"
	"google.golang.org/adk/model/gemini"
	"google.golang.org/genai"
)

// ModelGenerator adapts an adk model.LLM to Generator.
type ModelGenerator struct {
	Model model.LLM
}

// NewGeminiModel builds a ModelGenerator backed by the adk Gemini model.
func NewGeminiModel(ctx context.Context, name, apiKey string) (*ModelGenerator, error) {
	m, err := gemini.NewModel(ctx, name, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Gemini model (%s): %w", name, err)
	}
	return &ModelGenerator{Model: m}, nil
}

func (g *ModelGenerator) Generate(ctx context.Context, msgs []Message, opts Options) (string, error) {
	contents, config := toGenAI(msgs, opts)
	req := &model.LLMRequest{
		Model:    g.Model.Name(),
		Contents: contents,
		Config:   config,
	}

	var sb strings.Builder
	for resp, err := range g.Model.GenerateContent(ctx, req, false) {
		if err != nil {
			return "", fmt.Errorf("%s generate failed: %w", g.Model.Name(), err)
		}
		if resp == nil || resp.Content == nil {
			continue
		}
		sb.WriteString(partsText(resp.Content.Parts))
	}
	if strings.TrimSpace(sb.String()) == "" {
		return "", fmt.Errorf("%s: %w", g.Model.Name(), ErrEmptyResponse)
	}
	return sb.String(), nil
}
