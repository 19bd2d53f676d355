// Package sync keeps the gateway tool catalog aligned with upstream MCP
// servers: tool name sanitization, change detection against normalized
// content hashes, and the atomic catalog apply.
package sync

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"

	"golang.org/x/text/unicode/norm"

	"mcpgate/internal/domain"
)

// SanitizeToolName maps a raw upstream tool name onto the gateway alphabet:
// NFKC fold (full-width and compatibility forms become their ASCII
// equivalents), then uppercase, every run of underscores or characters
// outside [A-Z0-9] collapsed to a single underscore, no underscore at either
// edge. The result never contains "__", so the SERVER__TOOL separator stays
// unambiguous, and sanitization is idempotent.
func SanitizeToolName(raw string) (string, error) {
	var sb strings.Builder
	gap := false
	for _, r := range strings.ToUpper(norm.NFKC.String(raw)) {
		if (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			if gap && sb.Len() > 0 {
				sb.WriteByte('_')
			}
			gap = false
			sb.WriteRune(r)
			continue
		}
		gap = true
	}
	name := sb.String()
	if name == "" {
		return "", domain.NewError(domain.KindSanitization, "tool name %q sanitizes to empty", raw)
	}
	return name, nil
}

// GatewayToolName builds SERVER__SANITIZED for an upstream tool
func GatewayToolName(serverName, rawToolName string) (string, error) {
	sanitized, err := SanitizeToolName(rawToolName)
	if err != nil {
		return "", err
	}
	return serverName + "__" + sanitized, nil
}

// HashNormalizedString hashes s under the string normalization rule:
// lowercase, drop everything outside [a-z0-9], sha256 hex. Case and
// punctuation edits therefore do not count as content changes.
func HashNormalizedString(s string) string {
	var sb strings.Builder
	for _, r := range strings.ToLower(s) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			sb.WriteRune(r)
		}
	}
	sum := sha256.Sum256([]byte(sb.String()))
	return hex.EncodeToString(sum[:])
}

// HashNormalizedObject hashes obj serialized as compact JSON with object
// keys sorted lexicographically. encoding/json already writes map keys in
// sorted order with no insignificant whitespace, which is exactly the
// canonical form the hash is defined over.
func HashNormalizedObject(obj any) (string, error) {
	canonical, err := json.Marshal(obj)
	if err != nil {
		return "", fmt.Errorf("failed to serialize object for hashing: %w", err)
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}
