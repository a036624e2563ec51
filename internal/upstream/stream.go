package upstream

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"go.uber.org/zap"
)

// StreamCompletion sends the request with streaming enabled and returns a
// channel of text fragments extracted from the provider's SSE response.
//
// A data event whose first choice carries a non-null finish_reason ends the
// stream cleanly; nothing after it is consumed. A data event that fails to
// parse as JSON ends the stream with that error. The streaming path never
// retries: one failed attempt propagates immediately.
func (c *client) StreamCompletion(parentCtx context.Context, req *ChatRequest) (<-chan StreamResult, error) {
	if req == nil {
		return nil, fmt.Errorf("upstream: request is nil")
	}

	// Validate request
	if err := req.Validate(); err != nil {
		return nil, fmt.Errorf("upstream: invalid request: %w", err)
	}

	// Per-message size guard (same as non-streaming)
	for i, m := range req.Messages {
		if len(m.Content) > maxMessageSize {
			return nil, fmt.Errorf(
				"upstream: message[%d] content too large (%d bytes, max %d)",
				i, len(m.Content), maxMessageSize,
			)
		}
	}

	c.logger.Debug("stream request starting",
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

	results := make(chan StreamResult, 16)

	go func() {
		defer close(results)
		defer cancel()

		// ---------- Build provider request ----------

		pReq := c.buildProviderRequest(req, true)

		bodyBytes, err := json.Marshal(pReq)
		if err != nil {
			results <- StreamResult{Err: fmt.Errorf("upstream: marshal stream request: %w", err)}
			return
		}

		// Total request size guard
		if len(bodyBytes) > maxRequestSize {
			results <- StreamResult{Err: fmt.Errorf(
				"upstream: request too large (%d bytes, max %d)",
				len(bodyBytes), maxRequestSize,
			)}
			return
		}

		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.endpoint(), bytes.NewReader(bodyBytes))
		if err != nil {
			results <- StreamResult{Err: fmt.Errorf("upstream: build HTTP stream request: %w", err)}
			return
		}
		c.cfg.applyHeaders(httpReq.Header)

		// ---------- Single attempt, no retries on the streaming path ----------

		resp, err := c.httpClient.Do(httpReq)
		if err != nil {
			c.logger.Error("stream connect failed",
				zap.String("model", req.Model),
				zap.Error(err),
			)
			results <- StreamResult{Err: fmt.Errorf("upstream: stream request: %w", err)}
			return
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			body, _ := io.ReadAll(resp.Body)
			uerr := upstreamError(resp.StatusCode, body)
			c.logger.Error("stream upstream error",
				zap.String("model", req.Model),
				zap.Int("status", resp.StatusCode),
				zap.Error(uerr),
			)
			results <- StreamResult{Err: uerr}
			return
		}

		// ---------- Read SSE stream ----------

		reader := bufio.NewReader(resp.Body)
		fragmentCount := 0

		for {
			// Respect context cancellation (timeout / caller cancel)
			select {
			case <-ctx.Done():
				c.logger.Info("stream cancelled",
					zap.String("model", req.Model),
					zap.Error(ctx.Err()),
				)
				return
			default:
			}

			line, err := reader.ReadBytes('\n')
			if err != nil {
				if err == io.EOF {
					// Normal end of stream without explicit [DONE]
					c.logger.Info("stream completed (EOF)",
						zap.String("model", req.Model),
						zap.Int("fragments", fragmentCount),
					)
					return
				}
				results <- StreamResult{Err: fmt.Errorf("upstream: read stream line: %w", err)}
				return
			}

			line = bytes.TrimSpace(line)
			if len(line) == 0 {
				continue
			}

			const prefix = "data: "
			if !bytes.HasPrefix(line, []byte(prefix)) {
				// Ignore non-data SSE lines (comments, retry directives)
				continue
			}

			payload := bytes.TrimSpace(line[len(prefix):])

			// End-of-stream sentinel from provider
			if bytes.Equal(payload, []byte("[DONE]")) {
				c.logger.Info("stream received [DONE]",
					zap.String("model", req.Model),
					zap.Int("fragments", fragmentCount),
				)
				return
			}

			var chunk providerStreamChunk
			if err := json.Unmarshal(payload, &chunk); err != nil {
				results <- StreamResult{Err: fmt.Errorf("upstream: unmarshal stream chunk: %w", err)}
				return
			}

			if len(chunk.Choices) == 0 {
				continue
			}

			// A non-null finish_reason is the normal terminal marker:
			// end the stream here, events after it are never consumed.
			if chunk.Choices[0].FinishReason != nil {
				c.logger.Info("stream finished",
					zap.String("model", req.Model),
					zap.String("finish_reason", *chunk.Choices[0].FinishReason),
					zap.Int("fragments", fragmentCount),
				)
				return
			}

			content := chunk.Choices[0].Delta.Content
			if content == "" {
				continue
			}

			fragmentCount++
			select {
			case <-ctx.Done():
				c.logger.Info("stream cancelled while sending fragment",
					zap.String("model", req.Model),
					zap.Int("fragments", fragmentCount),
					zap.Error(ctx.Err()),
				)
				return
			case results <- StreamResult{Fragment: []byte(content)}:
			}
		}
	}()

	return results, nil
}
