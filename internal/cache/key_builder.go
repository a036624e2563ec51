package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strings"

	"deltagate/internal/upstream"
)

// BuildExactCacheKeyFromChatRequest builds an ExactCacheKey from:
//   - the ChatRequest,
//   - userID (cache scoping),
//   - versionID (gateway version for invalidation).
//
// It normalizes the request into a stable string, hashes it with SHA-256,
// and fills the ExactCacheKey struct. Only non-streaming completions are
// cached, so the Stream flag is zeroed before normalization.
func BuildExactCacheKeyFromChatRequest(
	req upstream.ChatRequest,
	userID string,
	versionID string,
) (ExactCacheKey, error) {
	modelID := strings.TrimSpace(req.Model)

	req.Stream = false
	body, err := json.Marshal(req)
	if err != nil {
		return ExactCacheKey{}, err
	}

	normalized := "model:" + modelID + "|body:" + string(body)

	sum := sha256.Sum256([]byte(normalized))
	hash := hex.EncodeToString(sum[:])

	return ExactCacheKey{
		UserID:    strings.TrimSpace(userID),
		ModelID:   modelID,
		VersionID: strings.TrimSpace(versionID),
		Hash:      hash,
	}, nil
}
