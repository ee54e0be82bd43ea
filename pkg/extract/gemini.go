// Package extract adapts LLM providers to the relay's extraction
// collaborator interface: turning free-text call transcripts into structured
// triage fields.
package extract

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"google.golang.org/genai"

	"github.com/triageline/relay/pkg/call/session"
)

const extractionPrompt = `You are a triage assistant for an emergency call center.
Given a call transcript, extract structured fields that changed or became known.
Return a JSON array of {field, value} pairs. Use these field names where applicable:
priority (low|medium|high|critical), stress_level (0-10), caller_name, location,
primary_issue, people_involved. Only include fields the transcript supports.
Re-running on the same transcript must produce the same fields.`

type GeminiConfig struct {
	APIKey string
	Model  string
}

// Gemini extracts structured call fields with a Gemini model constrained to a
// JSON response schema. Safe to invoke repeatedly with overlapping partial
// transcripts.
type Gemini struct {
	client *genai.Client
	model  string
	logger *slog.Logger
}

func NewGemini(ctx context.Context, cfg GeminiConfig, logger *slog.Logger) (*Gemini, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, fmt.Errorf("gemini api key is required")
	}
	if cfg.Model == "" {
		cfg.Model = "gemini-2.0-flash"
	}
	if logger == nil {
		logger = slog.Default()
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("create genai client: %w", err)
	}
	return &Gemini{client: client, model: cfg.Model, logger: logger}, nil
}

func (g *Gemini) Extract(ctx context.Context, callID, transcript string) ([]session.UpdatedField, error) {
	if strings.TrimSpace(transcript) == "" {
		return nil, nil
	}

	config := &genai.GenerateContentConfig{
		ResponseMIMEType: "application/json",
		ResponseSchema: &genai.Schema{
			Type: genai.TypeArray,
			Items: &genai.Schema{
				Type: genai.TypeObject,
				Properties: map[string]*genai.Schema{
					"field": {Type: genai.TypeString},
					"value": {Type: genai.TypeString},
				},
				Required: []string{"field", "value"},
			},
		},
	}

	prompt := fmt.Sprintf("%s\n\nCall %s transcript:\n%s", extractionPrompt, callID, transcript)
	resp, err := g.client.Models.GenerateContent(ctx, g.model, genai.Text(prompt), config)
	if err != nil {
		return nil, fmt.Errorf("generate extraction: %w", err)
	}

	var fields []session.UpdatedField
	if err := json.Unmarshal([]byte(resp.Text()), &fields); err != nil {
		return nil, fmt.Errorf("decode extraction response: %w", err)
	}
	g.logger.Debug("extraction response", "call_id", callID, "fields", len(fields))
	return fields, nil
}
