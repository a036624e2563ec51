package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"
)

const (
	maxRequestSize = 2 * 1024 * 1024 // 2MB total JSON payload
	maxMessageSize = 512 * 1024      // 512KB per message content
)

// buildProviderRequest maps an internal request to the provider wire shape:
// the configured system instruction is prepended as a synthetic system
// message, and unless the policy is disabled, model, temperature and
// max_tokens are pinned to the policy values. The azure flavor drops the
// model field since the URL's deployment already selects it.
func (c *client) buildProviderRequest(req *ChatRequest, stream bool) providerChatRequest {
	msgs := make([]ChatMessage, 0, len(req.Messages)+1)
	if c.cfg.SystemPrompt != "" {
		msgs = append(msgs, ChatMessage{Role: RoleSystem, Content: c.cfg.SystemPrompt})
	}
	msgs = append(msgs, req.Messages...)

	pReq := providerChatRequest{
		Model:       req.Model,
		Messages:    msgs,
		Temperature: req.Temperature,
		TopP:        req.TopP,
		MaxTokens:   req.MaxTokens,
		Stop:        req.Stop,
		Stream:      stream,
	}

	if !c.cfg.Policy.Disabled {
		pReq.Model = c.cfg.Policy.Model
		pReq.Temperature = c.cfg.Policy.Temperature
		pReq.MaxTokens = c.cfg.Policy.MaxTokens
	}

	if c.cfg.Flavor == FlavorAzure {
		pReq.Model = ""
	}

	return pReq
}

func (c *client) Completion(parentCtx context.Context, req *ChatRequest) (*ChatResponse, error) {
	start := time.Now()

	if req == nil {
		return nil, fmt.Errorf("upstream: request is nil")
	}

	// Validate request
	if err := req.Validate(); err != nil {
		return nil, fmt.Errorf("upstream: invalid request: %w", err)
	}

	// Per-message size guard
	for i, m := range req.Messages {
		if len(m.Content) > maxMessageSize {
			return nil, fmt.Errorf(
				"upstream: message[%d] content too large (%d bytes, max %d)",
				i, len(m.Content), maxMessageSize,
			)
		}
	}

	c.logger.Debug("request starting",
		zap.String("model", req.Model),
		zap.String("flavor", string(c.cfg.Flavor)),
		zap.Int("message_count", len(req.Messages)),
	)

	// Per-request timeout (0 = only use parentCtx)
	var ctx context.Context
	var cancel context.CancelFunc
	if c.cfg.UpstreamTimeout > 0 {
		ctx, cancel = context.WithTimeout(parentCtx, c.cfg.UpstreamTimeout)
	} else {
		ctx, cancel = context.WithCancel(parentCtx)
	}
	defer cancel()

	// Build provider request
	pReq := c.buildProviderRequest(req, false)

	bodyBytes, err := json.Marshal(pReq)
	if err != nil {
		return nil, fmt.Errorf("upstream: marshal request: %w", err)
	}

	// Sanity check total request size
	if len(bodyBytes) > maxRequestSize {
		return nil, fmt.Errorf(
			"upstream: request too large (%d bytes, max %d)",
			len(bodyBytes), maxRequestSize,
		)
	}

	// doOnce builds a fresh *http.Request for each attempt
	doOnce := func(ctx context.Context, body []byte) (*http.Response, error) {
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.endpoint(), bytes.NewReader(body))
		if err != nil {
			return nil, fmt.Errorf("upstream: build HTTP request: %w", err)
		}
		c.cfg.applyHeaders(httpReq.Header)
		return c.httpClient.Do(httpReq)
	}

	resp, err := c.doWithRetry(ctx, bodyBytes, doOnce)
	if err != nil {
		c.logger.Error("request failed",
			zap.Error(err),
			zap.Duration("duration", time.Since(start)),
		)
		return nil, err
	}
	defer resp.Body.Close()

	// Handle non-200 responses
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		uerr := upstreamError(resp.StatusCode, body)
		c.logger.Error("upstream error",
			zap.Int("status", resp.StatusCode),
			zap.Error(uerr),
		)
		return nil, uerr
	}

	// Decode success response
	var pResp providerChatResponse
	if err := json.NewDecoder(resp.Body).Decode(&pResp); err != nil {
		return nil, fmt.Errorf("upstream: decode response: %w", err)
	}

	// Validate response has choices
	if len(pResp.Choices) == 0 {
		c.logger.Error("provider returned no choices",
			zap.String("model", req.Model),
		)
		return nil, fmt.Errorf("upstream: provider returned no choices")
	}

	// Map provider -> internal response
	out := &ChatResponse{
		ID:      pResp.ID,
		Model:   pResp.Model,
		Choices: make([]ChatChoice, 0, len(pResp.Choices)),
	}

	for _, ch := range pResp.Choices {
		out.Choices = append(out.Choices, ChatChoice{
			Index:        ch.Index,
			Message:      ch.Message,
			FinishReason: ch.FinishReason,
		})
	}

	// Always include usage (even if zero)
	out.Usage = &Usage{}
	if pResp.Usage != nil {
		out.Usage.PromptTokens = pResp.Usage.PromptTokens
		out.Usage.CompletionTokens = pResp.Usage.CompletionTokens
		out.Usage.TotalTokens = pResp.Usage.TotalTokens
	}

	c.logger.Info("request completed",
		zap.String("model", out.Model),
		zap.Int("prompt_tokens", out.Usage.PromptTokens),
		zap.Int("completion_tokens", out.Usage.CompletionTokens),
		zap.Duration("duration", time.Since(start)),
	)

	return out, nil
}
