package cognitive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"llmos/internal/config"
	"llmos/internal/logging"
)

// OpenAIBackend implements Backend over an OpenAI-compatible chat
// completions endpoint. One non-streaming request per query; cost is
// derived from the returned usage counts. Tool calls are not offered on
// this path, so queries come back as plain text.
type OpenAIBackend struct {
	apiKey     string
	baseURL    string
	model      string
	maxTokens  int
	maxRetries int
	httpClient *http.Client

	mu          sync.Mutex
	lastRequest time.Time
}

type openAIMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type openAIRequest struct {
	Model       string          `json:"model"`
	Messages    []openAIMessage `json:"messages"`
	MaxTokens   int             `json:"max_tokens,omitempty"`
	Temperature float64         `json:"temperature"`
}

type openAIChoice struct {
	Message openAIMessage `json:"message"`
}

type openAIUsage struct {
	PromptTokens     int64 `json:"prompt_tokens"`
	CompletionTokens int64 `json:"completion_tokens"`
}

type openAIError struct {
	Message string `json:"message"`
}

type openAIResponse struct {
	Choices []openAIChoice `json:"choices"`
	Usage   openAIUsage    `json:"usage"`
	Error   *openAIError   `json:"error,omitempty"`
}

// NewOpenAIBackend builds the backend from the SDK config.
func NewOpenAIBackend(cfg *config.Config) (*OpenAIBackend, error) {
	if cfg.SDK.APIKey == "" {
		return nil, fmt.Errorf("openai API key not configured (set OPENAI_API_KEY)")
	}
	baseURL := cfg.SDK.BaseURL
	if baseURL == "" {
		baseURL = "https://api.openai.com/v1"
	}
	maxRetries := cfg.SDK.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 3
	}
	return &OpenAIBackend{
		apiKey:     cfg.SDK.APIKey,
		baseURL:    strings.TrimRight(baseURL, "/"),
		model:      cfg.SDK.Model,
		maxTokens:  cfg.SDK.MaxTokens,
		maxRetries: maxRetries,
		httpClient: &http.Client{Timeout: cfg.GetSDKTimeout()},
	}, nil
}

func (b *OpenAIBackend) Name() string { return "openai" }

// Query issues one chat completion and streams it back as a single text
// message followed by the result.
func (b *OpenAIBackend) Query(ctx context.Context, prompt string, opts QueryOptions) (*Stream, error) {
	if prompt == "" {
		return nil, fmt.Errorf("%w: empty prompt", ErrBackend)
	}
	if len(opts.Tools) > 0 {
		logging.AdapterDebug("[openai] tool definitions ignored, completions are text-only")
	}
	ctx, cancel := context.WithCancel(ctx)
	s := newStream(cancel)
	go func() {
		defer s.finish()
		text, cost, err := b.complete(ctx, opts.SystemPrompt, prompt, opts.MaxTokens)
		if err != nil {
			s.fail(fmt.Errorf("%w: %v", ErrBackend, err))
			return
		}
		if err := s.emit(ctx, Message{Kind: KindText, Text: text}); err != nil {
			return
		}
		_ = s.emit(ctx, Message{Kind: KindResult, TotalCostUSD: cost})
	}()
	return s, nil
}

func (b *OpenAIBackend) complete(ctx context.Context, systemPrompt, userPrompt string, maxTokens int) (string, float64, error) {
	// Auto-apply timeout if context has no deadline
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, b.httpClient.Timeout)
		defer cancel()
	}

	startTime := time.Now()
	logging.AdapterDebug("[openai] complete: model=%s system_len=%d user_len=%d",
		b.model, len(systemPrompt), len(userPrompt))

	// Rate limiting
	b.mu.Lock()
	elapsed := time.Since(b.lastRequest)
	if elapsed < 100*time.Millisecond {
		time.Sleep(100*time.Millisecond - elapsed)
	}
	b.lastRequest = time.Now()
	b.mu.Unlock()

	messages := make([]openAIMessage, 0, 2)
	if systemPrompt != "" {
		messages = append(messages, openAIMessage{Role: "system", Content: systemPrompt})
	}
	messages = append(messages, openAIMessage{Role: "user", Content: userPrompt})

	if maxTokens <= 0 {
		maxTokens = b.maxTokens
	}
	if maxTokens <= 0 {
		maxTokens = 4096
	}
	reqBody := openAIRequest{
		Model:       b.model,
		Messages:    messages,
		MaxTokens:   maxTokens,
		Temperature: 0.1,
	}

	jsonData, err := json.Marshal(reqBody)
	if err != nil {
		return "", 0, fmt.Errorf("failed to marshal request: %w", err)
	}

	var lastErr error
	for i := 0; i <= b.maxRetries; i++ {
		if i > 0 {
			select {
			case <-time.After(time.Duration(1<<uint(i-1)) * time.Second):
			case <-ctx.Done():
				return "", 0, ctx.Err()
			}
		}

		req, err := http.NewRequestWithContext(ctx, "POST", b.baseURL+"/chat/completions", bytes.NewReader(jsonData))
		if err != nil {
			return "", 0, fmt.Errorf("failed to create request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Authorization", "Bearer "+b.apiKey)

		resp, err := b.httpClient.Do(req)
		if err != nil {
			lastErr = fmt.Errorf("request failed: %w", err)
			continue
		}

		body, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			lastErr = fmt.Errorf("failed to read response: %w", err)
			continue
		}

		if resp.StatusCode == http.StatusTooManyRequests {
			lastErr = fmt.Errorf("rate limit exceeded (429)")
			continue
		}
		if resp.StatusCode != http.StatusOK {
			return "", 0, fmt.Errorf("API request failed with status %d: %s", resp.StatusCode, string(body))
		}

		var parsed openAIResponse
		if err := json.Unmarshal(body, &parsed); err != nil {
			return "", 0, fmt.Errorf("failed to parse response: %w", err)
		}
		if parsed.Error != nil {
			return "", 0, fmt.Errorf("API error: %s", parsed.Error.Message)
		}
		if len(parsed.Choices) == 0 {
			return "", 0, fmt.Errorf("no completion returned")
		}

		text := strings.TrimSpace(parsed.Choices[0].Message.Content)
		cost := priceCall(b.model, parsed.Usage.PromptTokens, parsed.Usage.CompletionTokens)
		logging.Adapter("[openai] complete: done in %v response_len=%d cost=$%.4f",
			time.Since(startTime), len(text), cost)
		return text, cost, nil
	}

	logging.AdapterError("[openai] complete: max retries exceeded after %v: %v", time.Since(startTime), lastErr)
	return "", 0, fmt.Errorf("max retries exceeded: %w", lastErr)
}
