package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/opencode-ai/proctor/internal/logging"
	"github.com/opencode-ai/proctor/internal/models"
)

const (
	defaultInvokeTimeout   = 60 * time.Second
	defaultMaxOutputTokens = 1024

	anthropicVersion = "2023-06-01"
)

// Options configures an HTTPInvoker.
type Options struct {
	// Name is the provider this invoker talks to.
	Name models.Provider

	// BaseURL is the API base, e.g. https://api.anthropic.com/v1.
	BaseURL string

	// Model is the model identifier sent with each invocation.
	Model string

	// APIKey is the credential.
	APIKey string

	// MaxOutputTokens bounds generations when the request leaves it unset.
	MaxOutputTokens int

	// Timeout bounds one HTTP round trip. Zero means 60s.
	Timeout time.Duration
}

// HTTPInvoker invokes a provider's HTTP API. Anthropic's messages API
// and the OpenAI-compatible chat completions API are both spoken; which
// one depends on the provider name.
type HTTPInvoker struct {
	name            models.Provider
	baseURL         string
	model           string
	apiKey          string
	maxOutputTokens int

	Client *http.Client
	logger zerolog.Logger
}

// NewHTTPInvoker constructs an invoker with defaults applied.
func NewHTTPInvoker(opts Options) *HTTPInvoker {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultInvokeTimeout
	}
	maxOut := opts.MaxOutputTokens
	if maxOut <= 0 {
		maxOut = defaultMaxOutputTokens
	}
	return &HTTPInvoker{
		name:            opts.Name,
		baseURL:         strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/"),
		model:           opts.Model,
		apiKey:          opts.APIKey,
		maxOutputTokens: maxOut,
		Client:          &http.Client{Timeout: timeout},
		logger:          logging.Component("provider").With().Str("provider", string(opts.Name)).Logger(),
	}
}

// Name identifies the provider this invoker talks to.
func (c *HTTPInvoker) Name() models.Provider {
	return c.name
}

// Invoke sends the request to the provider and returns the completion.
func (c *HTTPInvoker) Invoke(ctx context.Context, req *Request) (*Response, error) {
	baseURL, err := c.base()
	if err != nil {
		return nil, err
	}
	if req == nil {
		return nil, errors.New("request is required")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = c.maxOutputTokens
	}

	start := time.Now()
	var resp *Response
	if c.name == models.ProviderAnthropic {
		resp, err = c.invokeMessages(ctx, baseURL, req, maxTokens)
	} else {
		resp, err = c.invokeChatCompletions(ctx, baseURL, req, maxTokens)
	}
	if err != nil {
		return nil, err
	}

	c.logger.Debug().
		Str("model", resp.Model).
		Int64("input_tokens", resp.Usage.InputTokens).
		Int64("output_tokens", resp.Usage.OutputTokens).
		Dur("elapsed", time.Since(start)).
		Msg("invocation completed")
	return resp, nil
}

type anthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type anthropicRequest struct {
	Model     string             `json:"model"`
	MaxTokens int                `json:"max_tokens"`
	System    string             `json:"system,omitempty"`
	Messages  []anthropicMessage `json:"messages"`
}

type anthropicResponse struct {
	Model   string `json:"model"`
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	Usage struct {
		InputTokens  int64 `json:"input_tokens"`
		OutputTokens int64 `json:"output_tokens"`
	} `json:"usage"`
}

func (c *HTTPInvoker) invokeMessages(ctx context.Context, baseURL string, req *Request, maxTokens int) (*Response, error) {
	payload := anthropicRequest{
		Model:     c.model,
		MaxTokens: maxTokens,
		System:    req.System,
		Messages:  []anthropicMessage{{Role: "user", Content: req.Prompt}},
	}

	headers := map[string]string{
		"x-api-key":         c.apiKey,
		"anthropic-version": anthropicVersion,
	}
	body, err := c.post(ctx, baseURL+"/messages", headers, payload)
	if err != nil {
		return nil, err
	}

	var decoded anthropicResponse
	if err := json.Unmarshal(body, &decoded); err != nil {
		return nil, fmt.Errorf("decode messages response: %w", err)
	}

	var text strings.Builder
	for _, block := range decoded.Content {
		if block.Type == "" || block.Type == "text" {
			text.WriteString(block.Text)
		}
	}

	return &Response{
		Text:  text.String(),
		Model: decoded.Model,
		Usage: Usage{
			InputTokens:  decoded.Usage.InputTokens,
			OutputTokens: decoded.Usage.OutputTokens,
		},
	}, nil
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatCompletionsRequest struct {
	Model     string        `json:"model"`
	MaxTokens int           `json:"max_tokens,omitempty"`
	Messages  []chatMessage `json:"messages"`
}

type chatCompletionsResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int64 `json:"prompt_tokens"`
		CompletionTokens int64 `json:"completion_tokens"`
	} `json:"usage"`
}

func (c *HTTPInvoker) invokeChatCompletions(ctx context.Context, baseURL string, req *Request, maxTokens int) (*Response, error) {
	var msgs []chatMessage
	if req.System != "" {
		msgs = append(msgs, chatMessage{Role: "system", Content: req.System})
	}
	msgs = append(msgs, chatMessage{Role: "user", Content: req.Prompt})

	payload := chatCompletionsRequest{
		Model:     c.model,
		MaxTokens: maxTokens,
		Messages:  msgs,
	}

	headers := map[string]string{
		"Authorization": "Bearer " + c.apiKey,
	}
	body, err := c.post(ctx, baseURL+"/chat/completions", headers, payload)
	if err != nil {
		return nil, err
	}

	var decoded chatCompletionsResponse
	if err := json.Unmarshal(body, &decoded); err != nil {
		return nil, fmt.Errorf("decode chat completions response: %w", err)
	}
	if len(decoded.Choices) == 0 {
		return nil, errors.New("chat completions response has no choices")
	}

	return &Response{
		Text:  decoded.Choices[0].Message.Content,
		Model: decoded.Model,
		Usage: Usage{
			InputTokens:  decoded.Usage.PromptTokens,
			OutputTokens: decoded.Usage.CompletionTokens,
		},
	}, nil
}

func (c *HTTPInvoker) base() (string, error) {
	if c == nil {
		return "", errors.New("invoker is nil")
	}
	baseURL := strings.TrimRight(strings.TrimSpace(c.baseURL), "/")
	if baseURL == "" {
		return "", fmt.Errorf("provider %s has no base URL", c.name)
	}
	return baseURL, nil
}

func (c *HTTPInvoker) httpClient() *http.Client {
	if c.Client == nil {
		c.Client = &http.Client{Timeout: defaultInvokeTimeout}
	}
	if c.Client.Timeout <= 0 {
		c.Client.Timeout = defaultInvokeTimeout
	}
	return c.Client
}

func (c *HTTPInvoker) post(ctx context.Context, url string, headers map[string]string, payload any) ([]byte, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for key, value := range headers {
		req.Header.Set(key, value)
	}

	resp, err := c.httpClient().Do(req)
	if err != nil {
		return nil, fmt.Errorf("call %s: %w", c.name, err)
	}
	defer resp.Body.Close()

	return readResponseBody(c.name, resp)
}

func readResponseBody(provider models.Provider, resp *http.Response) ([]byte, error) {
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read %s response: %w", provider, err)
	}

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		snippet := strings.TrimSpace(string(body))
		if snippet == "" {
			snippet = resp.Status
		}
		if len(snippet) > 512 {
			snippet = snippet[:512]
		}
		return nil, fmt.Errorf("%s request failed (%s): %s", provider, resp.Status, snippet)
	}

	return body, nil
}
