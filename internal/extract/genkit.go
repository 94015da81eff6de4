package extract

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"

	"github.com/firebase/genkit/go/ai"
	"github.com/firebase/genkit/go/genkit"
	"github.com/firebase/genkit/go/plugins/anthropic"
	"github.com/firebase/genkit/go/plugins/compat_oai"
	"github.com/firebase/genkit/go/plugins/googlegenai"
)

const defaultSystemPrompt = `You are a trading signal parser. Extract structured data from the message.

Guidelines:
- symbol: the traded instrument, uppercase (e.g. "XAUUSD", "EURUSD", "BTCUSD").
- action: one of BUY, SELL, HOLD, NONE. Use NONE when the message carries no actionable signal.
- entry: the entry price as a string, or "MARKET" when the message says to enter at market price.
- take_profit: every take-profit target mentioned, in the order given.
- stop_loss: the stop-loss level, or "NA" when none is given.
- timeframe: the chart timeframe if mentioned (e.g. "M15", "H1", "D1").
- notes: any remaining context worth keeping, briefly.

Respond with a single JSON object and nothing else.`

// Config holds the extractor's model settings.
type Config struct {
	// Provider is the LLM provider: "google", "anthropic", "openai", "openai_compatible".
	// Empty defaults to "openai".
	Provider string

	// Model is the model name for the configured provider.
	Model string

	// APIKey is the API key for the LLM provider.
	APIKey string

	// SystemPrompt overrides the built-in extraction prompt (PROMPT.md).
	SystemPrompt string

	// SchemaJSON overrides the default signal schema.
	SchemaJSON string

	// OpenAICompatible config.
	OpenAICompatibleProvider string
	OpenAICompatibleBaseURL  string
}

// GenkitExtractor calls the configured LLM through Genkit and validates the
// response against the signal schema.
type GenkitExtractor struct {
	g         *genkit.Genkit
	validator *Validator
	cfg       Config
	llmOn     bool

	promptMu sync.RWMutex // protects cfg.SystemPrompt for hot-reload
}

// NewGenkitExtractor initializes Genkit with the configured LLM provider.
// Supports: google (Gemini), anthropic (Claude), openai (GPT), openai_compatible.
func NewGenkitExtractor(ctx context.Context, cfg Config) (*GenkitExtractor, error) {
	provider := strings.ToLower(strings.TrimSpace(cfg.Provider))
	if provider == "" {
		provider = "openai"
	}

	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" {
		apiKey = envAPIKeyForProvider(provider)
	}

	var g *genkit.Genkit
	llmOn := false

	switch provider {
	case "anthropic":
		if apiKey != "" {
			anthropicPlugin := &anthropic.Anthropic{
				APIKey:  apiKey,
				BaseURL: os.Getenv("ANTHROPIC_BASE_URL"),
			}
			g = genkit.Init(ctx, genkit.WithPlugins(anthropicPlugin))
			llmOn = true
			slog.Info("extractor initialized", "provider", "anthropic", "model", cfg.Model)
		} else {
			g = genkit.Init(ctx)
			slog.Warn("Anthropic API key missing; extraction disabled")
		}

	case "openai":
		if apiKey != "" {
			openaiPlugin := &compat_oai.OpenAICompatible{
				Provider: "openai",
				APIKey:   apiKey,
				BaseURL:  os.Getenv("OPENAI_BASE_URL"),
			}
			g = genkit.Init(ctx, genkit.WithPlugins(openaiPlugin))
			llmOn = true
			slog.Info("extractor initialized", "provider", "openai", "model", cfg.Model)
		} else {
			g = genkit.Init(ctx)
			slog.Warn("OpenAI API key missing; extraction disabled")
		}

	case "openai_compatible":
		if apiKey != "" {
			openaiCompatPlugin := &compat_oai.OpenAICompatible{
				Provider: cfg.OpenAICompatibleProvider,
				APIKey:   apiKey,
				BaseURL:  cfg.OpenAICompatibleBaseURL,
			}
			g = genkit.Init(ctx, genkit.WithPlugins(openaiCompatPlugin))
			llmOn = true
			slog.Info("extractor initialized", "provider", "openai_compatible", "model", cfg.Model)
		} else {
			g = genkit.Init(ctx)
			slog.Warn("OpenAI compatible API key missing; extraction disabled")
		}

	case "google":
		if apiKey != "" {
			_ = os.Setenv("GEMINI_API_KEY", apiKey)
			g = genkit.Init(ctx,
				genkit.WithPlugins(&googlegenai.GoogleAI{}),
				genkit.WithDefaultModel("googleai/"+cfg.Model),
			)
			llmOn = true
			slog.Info("extractor initialized", "provider", "google", "model", "googleai/"+cfg.Model)
		} else {
			g = genkit.Init(ctx)
			slog.Warn("Google API key missing; extraction disabled")
		}

	default:
		g = genkit.Init(ctx)
		slog.Warn("unknown LLM provider; extraction disabled", "provider", provider)
	}

	validator, err := NewValidator([]byte(strings.TrimSpace(cfg.SchemaJSON)), 2)
	if err != nil {
		return nil, err
	}

	return &GenkitExtractor{
		g:         g,
		validator: validator,
		cfg:       cfg,
		llmOn:     llmOn,
	}, nil
}

func envAPIKeyForProvider(provider string) string {
	switch provider {
	case "anthropic":
		return os.Getenv("ANTHROPIC_API_KEY")
	case "openai", "openai_compatible":
		return os.Getenv("OPENAI_API_KEY")
	case "openrouter":
		return os.Getenv("OPENROUTER_API_KEY")
	case "google":
		if k := os.Getenv("GEMINI_API_KEY"); k != "" {
			return k
		}
		return os.Getenv("GOOGLE_API_KEY")
	default:
		return ""
	}
}

func modelNameForProvider(provider, model string) string {
	model = strings.TrimSpace(model)
	switch provider {
	case "anthropic":
		return "anthropic/" + model
	case "openai":
		return "openai/" + model
	case "openai_compatible", "openrouter":
		return model
	default:
		return "googleai/" + model
	}
}

// UpdateSystemPrompt replaces the extraction prompt. Thread-safe for hot-reload.
func (e *GenkitExtractor) UpdateSystemPrompt(prompt string) {
	e.promptMu.Lock()
	defer e.promptMu.Unlock()
	e.cfg.SystemPrompt = prompt
}

func (e *GenkitExtractor) systemPrompt() string {
	e.promptMu.RLock()
	prompt := strings.TrimSpace(e.cfg.SystemPrompt)
	e.promptMu.RUnlock()
	if prompt == "" {
		prompt = defaultSystemPrompt
	}
	// Escape % characters to prevent fmt.Sprintf corruption in ai.WithSystem().
	return strings.ReplaceAll(prompt, "%", "%%")
}

// Extract sends the raw message to the model and validates the response.
// Invalid responses are retried with error feedback up to the validator's
// retry budget before the extraction is reported failed.
func (e *GenkitExtractor) Extract(ctx context.Context, rawText string) (*Result, error) {
	trimmed := strings.TrimSpace(rawText)
	if trimmed == "" {
		return nil, &ExtractionError{Message: "empty message"}
	}
	if !e.llmOn {
		return nil, &ExtractionError{Message: "no LLM provider configured"}
	}

	systemPrompt := e.systemPrompt()
	modelName := modelNameForProvider(strings.ToLower(strings.TrimSpace(e.cfg.Provider)), e.cfg.Model)

	prompt := trimmed
	var lastErr error
	for attempt := 0; attempt <= e.validator.MaxRetries(); attempt++ {
		resp, err := genkit.Generate(ctx, e.g,
			ai.WithModelName(modelName),
			ai.WithSystem(systemPrompt),
			ai.WithPrompt(prompt),
		)
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return nil, &ExtractionError{Message: err.Error(), Timeout: true}
			}
			return nil, &ExtractionError{Message: fmt.Sprintf("generate: %s", err)}
		}

		result, valErr := e.validator.Validate(resp.Text())
		if valErr == nil {
			return result, nil
		}
		lastErr = valErr

		// Feed the validation error back for another attempt.
		prompt = fmt.Sprintf(
			"Your response did not match the required JSON schema. Error: %s\n\nOriginal message:\n%s\n\nRespond with a single valid JSON object matching the schema.",
			valErr, trimmed,
		)
	}

	return nil, lastErr
}
