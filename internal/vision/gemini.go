package vision

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"

	"page-translator/internal/config"
	"page-translator/internal/detection"
	"page-translator/internal/retry"
	"page-translator/internal/types"
)

// GeminiDetector spots text with a Google Gemini multimodal model.
type GeminiDetector struct {
	client *genai.Client
	model  *genai.GenerativeModel
	resize bool
	policy retry.Policy
}

// NewGeminiDetector creates a Gemini client for cfg.GeminiModel.
func NewGeminiDetector(ctx context.Context, cfg *config.Config) (*GeminiDetector, error) {
	if cfg.GeminiAPIKey == "" {
		return nil, types.NewAppErrorWithDetails(types.ErrConfig, "Gemini API key is not configured", config.EnvGeminiAPIKey, nil)
	}

	client, err := genai.NewClient(ctx, option.WithAPIKey(cfg.GeminiAPIKey))
	if err != nil {
		return nil, types.NewAppError(types.ErrConfig, "failed to create new gemini client", err)
	}

	model := client.GenerativeModel(cfg.GeminiModel)
	model.SetTemperature(0)
	if cfg.SystemPrompt != "" {
		model.SystemInstruction = &genai.Content{Parts: []genai.Part{genai.Text(cfg.SystemPrompt)}}
	}

	return &GeminiDetector{
		client: client,
		model:  model,
		resize: cfg.ResizeBeforeUpload,
		policy: policyFor(cfg),
	}, nil
}

// Detect implements Detector.
func (d *GeminiDetector) Detect(ctx context.Context, req DetectRequest) (detection.Response, error) {
	data, mime, err := Payload(req, d.resize)
	if err != nil {
		return detection.Response{}, err
	}
	format := strings.TrimPrefix(mime, "image/")

	text, err := retry.Do(ctx, d.policy, "detect", func(ctx context.Context) (string, error) {
		resp, err := d.model.GenerateContent(ctx, genai.ImageData(format, data), genai.Text(req.Prompt))
		if err != nil {
			return "", retry.Classify(err)
		}
		return firstText(resp)
	})
	if err != nil {
		return detection.Response{}, wrapDetectErr(err)
	}
	return detection.RawText(text), nil
}

// Close releases the underlying client.
func (d *GeminiDetector) Close() error {
	return d.client.Close()
}

func firstText(resp *genai.GenerateContentResponse) (string, error) {
	if resp == nil || len(resp.Candidates) == 0 {
		return "", fmt.Errorf("no candidates returned from Gemini")
	}
	candidate := resp.Candidates[0]
	if candidate.Content == nil || len(candidate.Content.Parts) == 0 {
		return "", fmt.Errorf("empty content returned from Gemini")
	}

	var sb strings.Builder
	for _, part := range candidate.Content.Parts {
		if txt, ok := part.(genai.Text); ok {
			sb.WriteString(string(txt))
		}
	}
	if sb.Len() == 0 {
		return "", fmt.Errorf("unexpected response format from Gemini")
	}
	return sb.String(), nil
}
