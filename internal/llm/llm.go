// Package llm wraps the chat-completion providers used by prompt-based
// steerable systems behind a single Complete call.
package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"

	"github.com/sashabaranov/go-openai"
	"golang.org/x/time/rate"
	"google.golang.org/genai"
)

// #region types
// Client sends one prompt and returns the model's text reply.
type Client interface {
	Complete(ctx context.Context, prompt string) (string, error)
}

const (
	ProviderOpenAI     = "openai"
	ProviderOpenRouter = "openrouter"
	ProviderGoogle     = "google"
)

const (
	OpenRouterBaseURL = "https://openrouter.ai/api/v1"
	OpenRouterModel   = "meta-llama/llama-3.2-3b-instruct"
	OpenAIModel       = "gpt-4o-mini"
	GoogleModel       = "gemini-2.0-flash"
)

// Options selects and tunes a provider. Decoded from steerable_system_config.
type Options struct {
	Provider    string  `yaml:"provider" json:"provider"`
	Model       string  `yaml:"model" json:"model"`
	Temperature float32 `yaml:"temperature" json:"temperature"`
	// APIKey takes precedence over APIKeyEnv and the provider's default variable.
	APIKey    string `yaml:"api_key" json:"-"`
	APIKeyEnv string `yaml:"api_key_env" json:"api_key_env,omitempty"`
	BaseURL   string `yaml:"base_url" json:"base_url,omitempty"`
	// JSONMode asks the provider for a JSON object response.
	JSONMode bool `yaml:"json_mode" json:"json_mode"`
	// RequestsPerSecond caps call rate across all workers. Zero disables.
	RequestsPerSecond float64 `yaml:"requests_per_second" json:"requests_per_second,omitempty"`
	Burst             int     `yaml:"burst" json:"burst,omitempty"`
}
// #endregion types

// #region constructor
// New builds a client for opts.Provider.
func New(ctx context.Context, opts Options) (Client, error) {
	var (
		c   Client
		err error
	)
	switch opts.Provider {
	case ProviderOpenRouter, "":
		if opts.BaseURL == "" {
			opts.BaseURL = OpenRouterBaseURL
		}
		if opts.Model == "" {
			opts.Model = OpenRouterModel
		}
		c, err = newOpenAI(opts, "OPENROUTER_API_KEY")
	case ProviderOpenAI:
		if opts.Model == "" {
			opts.Model = OpenAIModel
		}
		c, err = newOpenAI(opts, "OPENAI_API_KEY")
	case ProviderGoogle:
		if opts.Model == "" {
			opts.Model = GoogleModel
		}
		c, err = newGoogle(ctx, opts)
	default:
		return nil, fmt.Errorf("unknown llm provider %q", opts.Provider)
	}
	if err != nil {
		return nil, err
	}
	if opts.RequestsPerSecond > 0 {
		c = RateLimited(c, opts.RequestsPerSecond, opts.Burst)
	}
	return c, nil
}

func apiKey(opts Options, defaultEnv string) string {
	if opts.APIKey != "" {
		return opts.APIKey
	}
	env := opts.APIKeyEnv
	if env == "" {
		env = defaultEnv
	}
	return strings.TrimSpace(os.Getenv(env))
}
// #endregion constructor

// #region openai
// OpenAIClient talks to any OpenAI-compatible chat endpoint.
type OpenAIClient struct {
	client *openai.Client
	opts   Options
}

func newOpenAI(opts Options, defaultEnv string) (*OpenAIClient, error) {
	key := apiKey(opts, defaultEnv)
	if key == "" && opts.BaseURL == "" {
		return nil, fmt.Errorf("%s: no API key (set %s or api_key)", opts.Provider, defaultEnv)
	}
	cfg := openai.DefaultConfig(key)
	if opts.BaseURL != "" {
		cfg.BaseURL = strings.TrimRight(opts.BaseURL, "/")
	}
	return &OpenAIClient{client: openai.NewClientWithConfig(cfg), opts: opts}, nil
}

// Complete sends prompt as a single user message.
func (o *OpenAIClient) Complete(ctx context.Context, prompt string) (string, error) {
	req := openai.ChatCompletionRequest{
		Model: o.opts.Model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleUser, Content: prompt},
		},
		Temperature: o.opts.Temperature,
	}
	if o.opts.JSONMode {
		req.ResponseFormat = &openai.ChatCompletionResponseFormat{Type: openai.ChatCompletionResponseFormatTypeJSONObject}
	}

	resp, err := o.client.CreateChatCompletion(ctx, req)
	if err != nil {
		return "", fmt.Errorf("chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", errors.New("chat completion returned no choices")
	}
	return resp.Choices[0].Message.Content, nil
}
// #endregion openai

// #region google
// GoogleClient calls the Gemini API through genai.
type GoogleClient struct {
	client *genai.Client
	opts   Options
}

func newGoogle(ctx context.Context, opts Options) (*GoogleClient, error) {
	key := apiKey(opts, "GOOGLE_API_KEY")
	if key == "" {
		return nil, errors.New("google: no API key (set GOOGLE_API_KEY or api_key)")
	}
	cc := &genai.ClientConfig{APIKey: key, Backend: genai.BackendGeminiAPI}
	if opts.BaseURL != "" {
		cc.HTTPOptions = genai.HTTPOptions{BaseURL: opts.BaseURL}
	}
	client, err := genai.NewClient(ctx, cc)
	if err != nil {
		return nil, fmt.Errorf("failed to create GenAI client: %w", err)
	}
	return &GoogleClient{client: client, opts: opts}, nil
}

// Complete runs one GenerateContent call and returns the concatenated text.
func (g *GoogleClient) Complete(ctx context.Context, prompt string) (string, error) {
	cfg := &genai.GenerateContentConfig{Temperature: genai.Ptr(g.opts.Temperature)}
	if g.opts.JSONMode {
		cfg.ResponseMIMEType = "application/json"
	}
	resp, err := g.client.Models.GenerateContent(ctx, g.opts.Model, genai.Text(prompt), cfg)
	if err != nil {
		return "", fmt.Errorf("GenAI generate failed: %w", err)
	}
	text := resp.Text()
	if text == "" {
		return "", errors.New("GenAI returned no text")
	}
	return text, nil
}
// #endregion google

// #region rate-limit
type rateLimited struct {
	next    Client
	limiter *rate.Limiter
}

// RateLimited wraps c so calls wait for a token from a shared limiter.
func RateLimited(c Client, rps float64, burst int) Client {
	if burst < 1 {
		burst = 1
	}
	return &rateLimited{next: c, limiter: rate.NewLimiter(rate.Limit(rps), burst)}
}

func (r *rateLimited) Complete(ctx context.Context, prompt string) (string, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		return "", err
	}
	return r.next.Complete(ctx, prompt)
}
// #endregion rate-limit

// #region errors
// Permanent reports whether err is a provider rejection that retrying will
// not fix (bad request, auth, unknown model).
func Permanent(err error) bool {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return permanentStatus(apiErr.HTTPStatusCode)
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return permanentStatus(reqErr.HTTPStatusCode)
	}
	var gErr genai.APIError
	if errors.As(err, &gErr) {
		return permanentStatus(gErr.Code)
	}
	return false
}

func permanentStatus(code int) bool {
	switch code {
	case http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound:
		return true
	}
	return false
}
// #endregion errors
