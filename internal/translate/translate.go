// Package translate turns detected source-language lines into the target
// language through a remote language model.
package translate

import (
	"context"
	"fmt"
	"strings"

	"github.com/cloudwego/eino-ext/components/model/openai"
	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"

	"page-translator/internal/config"
	"page-translator/internal/logger"
	"page-translator/internal/retry"
	"page-translator/internal/types"
)

// Translator translates one line of text.
type Translator interface {
	Translate(ctx context.Context, text string) (string, error)
}

// ChatModel is the part of an eino chat model the translator needs.
type ChatModel interface {
	Generate(ctx context.Context, input []*schema.Message, opts ...model.Option) (*schema.Message, error)
}

// New builds the translator for cfg, wrapped in the configured cache.
func New(ctx context.Context, cfg *config.Config) (Translator, error) {
	var (
		base Translator
		err  error
	)
	if cfg.Provider == config.ProviderGemini {
		base, err = NewGeminiTranslator(ctx, cfg)
	} else {
		base, err = NewLLMTranslator(ctx, cfg)
	}
	if err != nil {
		return nil, err
	}

	cache, err := NewCache(cfg)
	if err != nil {
		return nil, err
	}
	if cache == nil {
		return base, nil
	}
	return NewCachedTranslator(base, cache), nil
}

// LLMTranslator asks an OpenAI-compatible chat model for a translation.
// The instruction goes in the system message, the line in the user message.
type LLMTranslator struct {
	model  ChatModel
	prompt string
	policy retry.Policy
}

// NewLLMTranslator creates the eino chat model for cfg.TranslationModel.
func NewLLMTranslator(ctx context.Context, cfg *config.Config) (*LLMTranslator, error) {
	if cfg.APIKey == "" {
		return nil, types.NewAppError(types.ErrConfig, "API key is not configured", nil)
	}

	chatModelConfig := &openai.ChatModelConfig{
		Model:  cfg.TranslationModel,
		APIKey: cfg.APIKey,
	}
	if cfg.BaseURL != "" {
		chatModelConfig.BaseURL = cfg.BaseURL
	}

	chatModel, err := openai.NewChatModel(ctx, chatModelConfig)
	if err != nil {
		return nil, types.NewAppError(types.ErrConfig, "failed to create translation chat model", err)
	}
	return NewLLMTranslatorWithModel(chatModel, cfg.TranslationPrompt, retry.PolicyFor(cfg)), nil
}

// NewLLMTranslatorWithModel wraps an existing chat model.
func NewLLMTranslatorWithModel(m ChatModel, prompt string, policy retry.Policy) *LLMTranslator {
	if prompt == "" {
		prompt = config.DefaultTranslationPrompt
	}
	return &LLMTranslator{model: m, prompt: prompt, policy: policy}
}

// Translate implements Translator.
func (t *LLMTranslator) Translate(ctx context.Context, text string) (string, error) {
	if strings.TrimSpace(text) == "" {
		return text, nil
	}

	messages := []*schema.Message{
		schema.SystemMessage(t.prompt),
		schema.UserMessage(text),
	}

	msg, err := retry.Do(ctx, t.policy, "translate", func(ctx context.Context) (*schema.Message, error) {
		out, err := t.model.Generate(ctx, messages)
		if err != nil {
			return nil, retry.Classify(err)
		}
		return out, nil
	})
	if err != nil {
		return "", wrapTranslateErr(err)
	}
	if msg == nil {
		return "", types.NewAppError(types.ErrTranslation, "empty translation response", nil)
	}
	return strings.TrimSpace(msg.Content), nil
}

// GeminiTranslator translates with a Google Gemini text model.
type GeminiTranslator struct {
	client *genai.Client
	model  *genai.GenerativeModel
	policy retry.Policy
}

// NewGeminiTranslator creates a Gemini client for cfg.GeminiModel.
func NewGeminiTranslator(ctx context.Context, cfg *config.Config) (*GeminiTranslator, error) {
	if cfg.GeminiAPIKey == "" {
		return nil, types.NewAppErrorWithDetails(types.ErrConfig, "Gemini API key is not configured", config.EnvGeminiAPIKey, nil)
	}
	client, err := genai.NewClient(ctx, option.WithAPIKey(cfg.GeminiAPIKey))
	if err != nil {
		return nil, types.NewAppError(types.ErrConfig, "failed to create new gemini client", err)
	}

	model := client.GenerativeModel(cfg.GeminiModel)
	model.SetTemperature(0)
	model.SystemInstruction = &genai.Content{Parts: []genai.Part{genai.Text(cfg.TranslationPrompt)}}

	return &GeminiTranslator{client: client, model: model, policy: retry.PolicyFor(cfg)}, nil
}

// Translate implements Translator.
func (t *GeminiTranslator) Translate(ctx context.Context, text string) (string, error) {
	if strings.TrimSpace(text) == "" {
		return text, nil
	}
	out, err := retry.Do(ctx, t.policy, "translate", func(ctx context.Context) (string, error) {
		resp, err := t.model.GenerateContent(ctx, genai.Text(text))
		if err != nil {
			return "", retry.Classify(err)
		}
		if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
			return "", fmt.Errorf("no candidates returned from Gemini")
		}
		var sb strings.Builder
		for _, part := range resp.Candidates[0].Content.Parts {
			if txt, ok := part.(genai.Text); ok {
				sb.WriteString(string(txt))
			}
		}
		return sb.String(), nil
	})
	if err != nil {
		return "", wrapTranslateErr(err)
	}
	return strings.TrimSpace(out), nil
}

// Close releases the underlying client.
func (t *GeminiTranslator) Close() error {
	return t.client.Close()
}

func wrapTranslateErr(err error) error {
	if types.IsCode(err, types.ErrCancelled) {
		return err
	}
	logger.Debug("translation call failed", logger.Err(err))
	return types.NewAppError(types.ErrTranslation, "translation failed", err)
}
