package completion

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"CourseChat/internal/backend"
	"CourseChat/internal/session"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const (
	ProviderOpenRouter = "openrouter"
	ProviderOpenAI     = "openai"
	ProviderAnthropic  = "anthropic"
	ProviderOllama     = "ollama"
)

const anthropicVersion = "2023-06-01"

// post sends a JSON request and returns the raw response body. Non-2xx
// statuses become an *Error carrying the provider's error message.
func (c *Client) post(ctx context.Context, span trace.Span, url string, headers map[string]string, payload any, apiMessage func([]byte) string) ([]byte, error) {
	provider := c.opts.Provider

	jsonData, err := json.Marshal(payload)
	if err != nil {
		return nil, &Error{Provider: provider, Kind: KindMalformed, Err: fmt.Errorf("failed to marshal request: %w", err)}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewBuffer(jsonData))
	if err != nil {
		return nil, &Error{Provider: provider, Kind: KindTransport, Err: fmt.Errorf("failed to create request: %w", err)}
	}
	req.Header.Set("content-type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, transportError(provider, fmt.Errorf("failed to send request: %w", err))
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, transportError(provider, fmt.Errorf("failed to read response: %w", err))
	}

	c.duration.Record(ctx, float64(time.Since(start).Milliseconds()),
		metricAttrs(provider, resp.StatusCode)...)
	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))

	if resp.StatusCode != http.StatusOK {
		msg := apiMessage(body)
		if msg == "" {
			msg = strings.TrimSpace(string(body))
		}
		return nil, &Error{
			Provider: provider,
			Kind:     KindForStatus(resp.StatusCode),
			Status:   resp.StatusCode,
			Err:      fmt.Errorf("API error: %s - %s", resp.Status, msg),
		}
	}
	return body, nil
}

func metricAttrs(provider string, status int) []metric.RecordOption {
	return []metric.RecordOption{metric.WithAttributes(
		attribute.String("llm.provider", provider),
		attribute.Int("http.status_code", status),
	)}
}

func (c *Client) startSpan(ctx context.Context, turns int) (context.Context, trace.Span) {
	return c.tracer.Start(ctx, "completion."+c.opts.Provider, trace.WithAttributes(
		attribute.String("llm.provider", c.opts.Provider),
		attribute.String("llm.model", c.opts.Model),
		attribute.Int("llm.turns", turns),
	))
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// chatMessages lays out the system instruction followed by the turns in order.
func chatMessages(system string, turns []session.Turn) []backend.OpenAIMessage {
	msgs := make([]backend.OpenAIMessage, 0, len(turns)+1)
	if system != "" {
		msgs = append(msgs, backend.OpenAIMessage{Role: string(session.RoleSystem), Content: system})
	}
	for _, t := range turns {
		msgs = append(msgs, backend.OpenAIMessage{Role: string(t.Role), Content: t.Content})
	}
	return msgs
}

// callOpenAI calls an OpenAI-compatible chat completions endpoint (OpenAI, OpenRouter)
func (c *Client) callOpenAI(ctx context.Context, system string, turns []session.Turn) (reply string, err error) {
	ctx, span := c.startSpan(ctx, len(turns))
	defer func() { endSpan(span, err) }()

	reqBody := backend.OpenAIRequest{
		Model:       c.opts.Model,
		Messages:    chatMessages(system, turns),
		Temperature: c.opts.Temperature,
		MaxTokens:   c.opts.MaxTokens,
	}

	headers := map[string]string{"Authorization": "Bearer " + c.opts.APIKey}
	if c.opts.Provider == ProviderOpenRouter {
		if c.opts.Referer != "" {
			headers["HTTP-Referer"] = c.opts.Referer
		}
		if c.opts.Title != "" {
			headers["X-Title"] = c.opts.Title
		}
	}

	body, err := c.post(ctx, span, strings.TrimRight(c.opts.BaseURL, "/")+"/chat/completions", headers, reqBody,
		func(b []byte) string {
			var e backend.OpenAIError
			if json.Unmarshal(b, &e) == nil {
				return e.Error.Message
			}
			return ""
		})
	if err != nil {
		return "", err
	}

	var apiResp backend.OpenAIResponse
	if err := json.Unmarshal(body, &apiResp); err != nil {
		return "", &Error{Provider: c.opts.Provider, Kind: KindMalformed, Err: fmt.Errorf("failed to unmarshal response: %w", err)}
	}

	c.recordMetrics(ctx, apiResp.Usage)

	if len(apiResp.Choices) > 0 {
		return apiResp.Choices[0].Message.Content, nil
	}
	return "", &Error{Provider: c.opts.Provider, Kind: KindMalformed, Err: fmt.Errorf("empty response from %s", c.opts.Provider)}
}

// callAnthropic calls the Anthropic messages API. System turns inside the
// conversation are folded into the system field, which is the only place
// the API accepts them.
func (c *Client) callAnthropic(ctx context.Context, system string, turns []session.Turn) (reply string, err error) {
	ctx, span := c.startSpan(ctx, len(turns))
	defer func() { endSpan(span, err) }()

	systemParts := []string{}
	if system != "" {
		systemParts = append(systemParts, system)
	}
	reqMessages := make([]backend.AnthropicMessage, 0, len(turns))
	for _, t := range turns {
		if t.Role == session.RoleSystem {
			systemParts = append(systemParts, t.Content)
			continue
		}
		reqMessages = append(reqMessages, backend.AnthropicMessage{
			Role:    string(t.Role),
			Content: t.Content,
		})
	}

	reqBody := backend.AnthropicRequest{
		Model:       c.opts.Model,
		MaxTokens:   c.opts.MaxTokens,
		System:      strings.Join(systemParts, "\n\n"),
		Messages:    reqMessages,
		Temperature: c.opts.Temperature,
	}

	headers := map[string]string{
		"x-api-key":         c.opts.APIKey,
		"anthropic-version": anthropicVersion,
	}

	body, err := c.post(ctx, span, strings.TrimRight(c.opts.BaseURL, "/")+"/messages", headers, reqBody,
		func(b []byte) string {
			var e backend.AnthropicError
			if json.Unmarshal(b, &e) == nil {
				return e.Error.Message
			}
			return ""
		})
	if err != nil {
		return "", err
	}

	var apiResp backend.AnthropicResponse
	if err := json.Unmarshal(body, &apiResp); err != nil {
		return "", &Error{Provider: c.opts.Provider, Kind: KindMalformed, Err: fmt.Errorf("failed to unmarshal response: %w", err)}
	}

	c.recordMetrics(ctx, apiResp.Usage)

	for _, content := range apiResp.Content {
		if content.Type == "text" {
			return content.Text, nil
		}
	}
	return "", &Error{Provider: c.opts.Provider, Kind: KindMalformed, Err: fmt.Errorf("empty response from Anthropic")}
}

// callOllama calls a local Ollama server
func (c *Client) callOllama(ctx context.Context, system string, turns []session.Turn) (reply string, err error) {
	ctx, span := c.startSpan(ctx, len(turns))
	defer func() { endSpan(span, err) }()

	reqBody := backend.OllamaRequest{
		Model:    c.opts.Model,
		Messages: chatMessages(system, turns),
		Stream:   false,
		Options:  &backend.OllamaOptions{Temperature: c.opts.Temperature},
	}

	body, err := c.post(ctx, span, strings.TrimRight(c.opts.BaseURL, "/")+"/api/chat", nil, reqBody,
		func(b []byte) string {
			var e backend.OllamaResponse
			if json.Unmarshal(b, &e) == nil {
				return e.Error
			}
			return ""
		})
	if err != nil {
		return "", err
	}

	var apiResp backend.OllamaResponse
	if err := json.Unmarshal(body, &apiResp); err != nil {
		return "", &Error{Provider: c.opts.Provider, Kind: KindMalformed, Err: fmt.Errorf("failed to unmarshal response: %w", err)}
	}

	c.recordMetrics(ctx, map[string]interface{}{
		"prompt_tokens":     float64(apiResp.PromptEvalCount),
		"completion_tokens": float64(apiResp.EvalCount),
	})

	if apiResp.Message.Content == "" {
		return "", &Error{Provider: c.opts.Provider, Kind: KindMalformed, Err: fmt.Errorf("empty response from Ollama")}
	}
	return apiResp.Message.Content, nil
}

// ListOllamaModels fetches the list of available Ollama models
func (c *Client) ListOllamaModels(ctx context.Context) ([]backend.OllamaModel, error) {
	if c.opts.Provider != ProviderOllama {
		return nil, fmt.Errorf("model listing is only supported for ollama, not %s", c.opts.Provider)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimRight(c.opts.BaseURL, "/")+"/api/tags", nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to send request (is Ollama running?): %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("API error: %s - %s", resp.Status, string(body))
	}

	var tagsResp backend.OllamaTagsResponse
	if err := json.Unmarshal(body, &tagsResp); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}

	return tagsResp.Models, nil
}
