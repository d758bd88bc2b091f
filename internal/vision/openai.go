package vision

import (
	"context"

	"github.com/cloudwego/eino-ext/components/model/openai"
	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"

	"page-translator/internal/config"
	"page-translator/internal/detection"
	"page-translator/internal/geometry"
	"page-translator/internal/logger"
	"page-translator/internal/retry"
	"page-translator/internal/types"
)

// ChatModel is the part of an eino chat model the detector needs.
type ChatModel interface {
	Generate(ctx context.Context, input []*schema.Message, opts ...model.Option) (*schema.Message, error)
}

// OpenAIDetector sends the page to an OpenAI-compatible vision-language
// model (ModelScope by default) as an image_url data URL.
type OpenAIDetector struct {
	model  ChatModel
	name   string
	resize bool
	policy retry.Policy
}

// NewOpenAIDetector creates the eino chat model for cfg.VisionModel.
func NewOpenAIDetector(ctx context.Context, cfg *config.Config) (*OpenAIDetector, error) {
	if cfg.APIKey == "" {
		return nil, types.NewAppError(types.ErrConfig, "API key is not configured", nil)
	}

	chatModelConfig := &openai.ChatModelConfig{
		Model:  cfg.VisionModel,
		APIKey: cfg.APIKey,
	}
	if cfg.BaseURL != "" {
		chatModelConfig.BaseURL = cfg.BaseURL
	}

	chatModel, err := openai.NewChatModel(ctx, chatModelConfig)
	if err != nil {
		return nil, types.NewAppError(types.ErrConfig, "failed to create vision chat model", err)
	}
	return NewOpenAIDetectorWithModel(chatModel, cfg.VisionModel, cfg.ResizeBeforeUpload, policyFor(cfg)), nil
}

// NewOpenAIDetectorWithModel wraps an existing chat model.
func NewOpenAIDetectorWithModel(m ChatModel, name string, resize bool, policy retry.Policy) *OpenAIDetector {
	return &OpenAIDetector{model: m, name: name, resize: resize, policy: policy}
}

// Detect implements Detector.
func (d *OpenAIDetector) Detect(ctx context.Context, req DetectRequest) (detection.Response, error) {
	data, mime, err := Payload(req, d.resize)
	if err != nil {
		return detection.Response{}, err
	}

	messages := []*schema.Message{
		schema.SystemMessage(req.SystemPrompt),
		{
			Role: schema.User,
			MultiContent: []schema.ChatMessagePart{
				{
					Type:     schema.ChatMessagePartTypeImageURL,
					ImageURL: imageURL(DataURL(data, mime), req.Bounds),
				},
				{
					Type: schema.ChatMessagePartTypeText,
					Text: req.Prompt,
				},
			},
		},
	}

	logger.Debug("sending page to vision model",
		logger.String("model", d.name),
		logger.String("page", req.ImagePath),
		logger.Int("bytes", len(data)))

	msg, err := retry.Do(ctx, d.policy, "detect", func(ctx context.Context) (*schema.Message, error) {
		out, err := d.model.Generate(ctx, messages)
		if err != nil {
			return nil, retry.Classify(err)
		}
		return out, nil
	})
	if err != nil {
		return detection.Response{}, wrapDetectErr(err)
	}
	if msg == nil {
		return detection.RawText(""), nil
	}
	return detection.RawText(msg.Content), nil
}

// imageURL attaches min_pixels/max_pixels to the image part, the way Qwen-VL
// endpoints expect them.
func imageURL(url string, bounds geometry.Bounds) *schema.ChatMessageImageURL {
	part := &schema.ChatMessageImageURL{URL: url}
	if bounds != (geometry.Bounds{}) {
		part.Extra = map[string]any{
			"min_pixels": bounds.MinPixels,
			"max_pixels": bounds.MaxPixels,
		}
	}
	return part
}
