package precall

import (
	"crypto/sha256"
	"encoding/hex"

	"github.com/goccy/go-json"

	"github.com/modelmux/modelmux/pkg/types"
)

// Fingerprint hashes the verbatim messages up to and including the last
// cache-control boundary. Requests sharing the fingerprint hit the same
// provider-side prompt cache, so the router steers them to the deployment
// that warmed it. Returns "" when no message carries a cache-control
// marker, meaning there is no cacheable prefix to steer on.
func Fingerprint(messages []types.ChatMessage) string {
	boundary := -1
	for i, msg := range messages {
		if len(msg.CacheControl) > 0 {
			boundary = i
		}
	}
	if boundary < 0 {
		return ""
	}

	h := sha256.New()
	for _, msg := range messages[:boundary+1] {
		h.Write([]byte(msg.Role))
		h.Write([]byte{0})
		h.Write(msg.Content)
		h.Write([]byte{0})
		if len(msg.ToolCalls) > 0 {
			if raw, err := json.Marshal(msg.ToolCalls); err == nil {
				h.Write(raw)
			}
		}
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

// RequestFingerprint extracts the fingerprint from a normalized request.
// Only chat-like kinds carry cacheable message prefixes.
func RequestFingerprint(req *types.Request) string {
	if req == nil || !req.Kind.ChatLike() || req.Chat == nil {
		return ""
	}
	return Fingerprint(req.Chat.Messages)
}
