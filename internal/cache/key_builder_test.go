package cache

import (
	"testing"

	"deltagate/internal/upstream"
)

func TestBuildExactCacheKeyIgnoresStreamFlag(t *testing.T) {
	base := upstream.ChatRequest{
		Model: "gpt-4",
		Messages: []upstream.ChatMessage{
			{Role: upstream.RoleUser, Content: "hi"},
		},
	}

	withStream := base
	withStream.Stream = true

	k1, err := BuildExactCacheKeyFromChatRequest(base, "u", "v1")
	if err != nil {
		t.Fatalf("build key: %v", err)
	}
	k2, err := BuildExactCacheKeyFromChatRequest(withStream, "u", "v1")
	if err != nil {
		t.Fatalf("build key: %v", err)
	}

	if k1.Hash != k2.Hash {
		t.Fatalf("stream flag must not affect the hash: %s vs %s", k1.Hash, k2.Hash)
	}
}

func TestBuildExactCacheKeyScoping(t *testing.T) {
	req := upstream.ChatRequest{
		Model:    "gpt-4",
		Messages: []upstream.ChatMessage{{Role: upstream.RoleUser, Content: "hi"}},
	}

	k1, _ := BuildExactCacheKeyFromChatRequest(req, "alice", "v1")
	k2, _ := BuildExactCacheKeyFromChatRequest(req, "bob", "v1")

	if k1.String() == k2.String() {
		t.Fatalf("keys must be scoped per user")
	}

	req2 := req
	req2.Messages = []upstream.ChatMessage{{Role: upstream.RoleUser, Content: "bye"}}
	k3, _ := BuildExactCacheKeyFromChatRequest(req2, "alice", "v1")
	if k1.Hash == k3.Hash {
		t.Fatalf("different requests must hash differently")
	}
}
