package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"deltagate/internal/cache"
	"deltagate/internal/metrics"
	"deltagate/internal/upstream"
	"deltagate/pkg/logging/logging"

	"go.uber.org/zap"
)

// ChatHandler holds dependencies for the /v1/chat/completions endpoint.
type ChatHandler struct {
	Cache     cache.ExactCache
	CacheTTL  time.Duration
	VersionID string
	LLM       upstream.Client
}

func NewChatHandler(c cache.ExactCache, ttl time.Duration, versionID string, llm upstream.Client) *ChatHandler {
	return &ChatHandler{
		Cache:     c,
		CacheTTL:  ttl,
		VersionID: versionID,
		LLM:       llm,
	}
}

// ChatCompletion handles POST /v1/chat/completions. Streaming requests are
// relayed as a raw byte stream of text deltas; non-streaming requests go
// through the Tier 1 exact cache.
func (h *ChatHandler) ChatCompletion(w http.ResponseWriter, r *http.Request) {
	logger := logging.L(r.Context())

	var req upstream.ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		logger.Warn("invalid request", zap.Error(err))
		http.Error(w, "invalid JSON", http.StatusBadRequest)
		return
	}

	if err := req.Validate(); err != nil {
		logger.Warn("request validation failed", zap.Error(err))
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		_ = json.NewEncoder(w).Encode(map[string]map[string]string{
			"error": {
				"message": err.Error(),
				"type":    "invalid_request_error",
			},
		})
		return
	}

	if req.Stream {
		h.streamCompletion(w, r, &req)
		return
	}

	h.completion(w, r, &req)
}

// streamCompletion relays upstream text deltas to the client as they
// arrive. Responses are never cached: the byte stream is consumed once.
func (h *ChatHandler) streamCompletion(w http.ResponseWriter, r *http.Request, req *upstream.ChatRequest) {
	ctx := r.Context()
	logger := logging.L(ctx)
	start := time.Now()

	stream, err := h.LLM.StreamCompletion(ctx, req)
	if err != nil {
		logger.Warn("stream request rejected", zap.Error(err))
		writeUpstreamError(w, err)
		return
	}

	// The adapter delivers pre-stream failures (upstream rejections,
	// connect errors) as the first channel result, not the synchronous
	// return. Hold the status line until that first result so a
	// rejection keeps its structured envelope instead of an empty 200.
	first, open := <-stream
	if open && first.Err != nil {
		metrics.ObserveUpstream("stream", first.Err, time.Since(start))
		logger.Warn("stream request rejected", zap.Error(first.Err))
		writeUpstreamError(w, first.Err)
		return
	}

	flusher, canFlush := w.(http.Flusher)

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	fragments := 0
	var streamErr error

	relay := func(fragment []byte) bool {
		if _, err := w.Write(fragment); err != nil {
			// Client went away; cancel propagates via the request context.
			logger.Info("client disconnected mid-stream", zap.Error(err))
			streamErr = err
			return false
		}
		if canFlush {
			flusher.Flush()
		}
		fragments++
		metrics.StreamFragmentsTotal.Inc()
		return true
	}

	if open && relay(first.Fragment) {
		for res := range stream {
			if res.Err != nil {
				streamErr = res.Err
				break
			}
			if !relay(res.Fragment) {
				break
			}
		}
	}

	metrics.ObserveUpstream("stream", streamErr, time.Since(start))

	if streamErr != nil {
		// Headers are already out; the truncated body is the only signal
		// the client gets. Log the loss.
		logger.Error("stream terminated abnormally",
			zap.Int("fragments", fragments),
			zap.Error(streamErr),
		)
		return
	}

	logger.Info("stream relayed",
		zap.String("model_id", req.Model),
		zap.Int("fragments", fragments),
		zap.Duration("total_latency_ms", time.Since(start)),
	)
}

// completion serves a non-streaming request through the exact cache.
func (h *ChatHandler) completion(w http.ResponseWriter, r *http.Request, req *upstream.ChatRequest) {
	ctx := r.Context()
	logger := logging.L(ctx)
	start := time.Now()

	modelID := req.Model
	if modelID == "" {
		modelID = "unknown-model"
	}

	userID := r.Header.Get("X-User-ID")
	if userID == "" {
		userID = "anon"
	}

	versionID := h.VersionID
	if versionID == "" {
		versionID = "v1"
	}

	key, err := cache.BuildExactCacheKeyFromChatRequest(*req, userID, versionID)
	if err != nil {
		logger.Warn("key_builder_error", zap.Error(err))
		h.respondUncached(w, r, req, logger, userID, modelID, versionID, start)
		return
	}

	cacheKey := key.String()

	// ---- Tier 1 exact cache lookup ----
	cacheLookupStart := time.Now()
	cachedBytes, hit, cacheErr := h.Cache.Get(ctx, cacheKey)
	cacheLookupLatency := time.Since(cacheLookupStart)

	if cacheErr != nil {
		// Cache is best-effort; log and treat as miss.
		logger.Warn("exact_cache_get_error", zap.Error(cacheErr))
	}

	if hit {
		var cachedResp upstream.ChatResponse
		if err := json.Unmarshal(cachedBytes, &cachedResp); err != nil {
			logger.Warn("exact_cache_unmarshal_error", zap.Error(err))
		} else {
			logger.Info("cache_decision",
				zap.String("cache_tier", "exact"),
				zap.String("hash_key", key.Hash),
				zap.String("user_id", userID),
				zap.String("model_id", modelID),
				zap.String("version_id", versionID),
				zap.Bool("cache_hit", true),
				zap.Duration("cache_lookup_latency_ms", cacheLookupLatency),
				zap.Duration("total_latency_ms", time.Since(start)),
			)

			h.writeJSON(w, cachedResp)
			return
		}
	}

	// ---- Cache miss: call upstream ----
	llmStart := time.Now()
	resp, err := h.LLM.Completion(ctx, req)
	llmLatency := time.Since(llmStart)
	metrics.ObserveUpstream("completion", err, llmLatency)

	if err != nil {
		logger.Error("upstream_completion_error", zap.Error(err))
		writeUpstreamError(w, err)
		return
	}

	respBytes, err := json.Marshal(resp)
	if err != nil {
		logger.Warn("marshal_response_error", zap.Error(err))
	} else {
		if err := h.Cache.Set(ctx, cacheKey, respBytes, h.CacheTTL); err != nil {
			logger.Warn("exact_cache_set_error", zap.Error(err))
		}
	}

	logger.Info("cache_decision",
		zap.String("cache_tier", "exact"),
		zap.String("hash_key", key.Hash),
		zap.String("user_id", userID),
		zap.String("model_id", modelID),
		zap.String("version_id", versionID),
		zap.Bool("cache_hit", false),
		zap.Duration("cache_lookup_latency_ms", cacheLookupLatency),
		zap.Duration("llm_latency_ms", llmLatency),
		zap.Duration("total_latency_ms", time.Since(start)),
	)

	h.writeJSON(w, resp)
}

// respondUncached is a fallback when key building fails: skip the cache
// entirely but still serve the request.
func (h *ChatHandler) respondUncached(
	w http.ResponseWriter,
	r *http.Request,
	req *upstream.ChatRequest,
	logger *zap.Logger,
	userID, modelID, versionID string,
	start time.Time,
) {
	resp, err := h.LLM.Completion(r.Context(), req)
	if err != nil {
		logger.Error("upstream_completion_error", zap.Error(err))
		writeUpstreamError(w, err)
		return
	}

	logger.Info("cache_decision_nohash",
		zap.String("cache_tier", "exact"),
		zap.String("user_id", userID),
		zap.String("model_id", modelID),
		zap.String("version_id", versionID),
		zap.Bool("cache_hit", false),
		zap.Duration("total_latency_ms", time.Since(start)),
	)

	h.writeJSON(w, resp)
}

// writeJSON is a small helper to send JSON responses consistently.
func (h *ChatHandler) writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

// writeUpstreamError maps an upstream failure to the response. Explicit
// provider rejections keep their structured envelope; everything else
// becomes a generic 502.
func writeUpstreamError(w http.ResponseWriter, err error) {
	w.Header().Set("Content-Type", "application/json")

	var apiErr *upstream.APIError
	if errors.As(err, &apiErr) {
		w.WriteHeader(http.StatusBadGateway)
		_ = json.NewEncoder(w).Encode(map[string]*upstream.APIError{"error": apiErr})
		return
	}

	if errors.Is(err, context.DeadlineExceeded) {
		w.WriteHeader(http.StatusGatewayTimeout)
		_, _ = w.Write([]byte(`{"error":{"message":"upstream timeout","type":"timeout_error"}}`))
		return
	}

	w.WriteHeader(http.StatusBadGateway)
	resp := map[string]map[string]string{
		"error": {
			"message": err.Error(),
			"type":    "upstream_error",
		},
	}
	_ = json.NewEncoder(w).Encode(resp)
}
