// Package truncate bounds tool responses to a configured character
// limit before they are handed to the downstream client. The appended
// notice reports the full size in characters and, when the tokenizer is
// available, in tokens, so the client knows what it is missing.
package truncate

import (
	"fmt"
	"strings"
	"sync"

	tiktoken "github.com/pkoukk/tiktoken-go"
	"go.uber.org/zap"
)

// DefaultEncoding approximates the token counts of current chat models
// closely enough for a truncation notice.
const DefaultEncoding = "cl100k_base"

// Truncator truncates responses above a character limit. Limit 0
// disables truncation entirely.
type Truncator struct {
	limit  int
	logger *zap.Logger

	// The BPE tables load lazily on first use; loading can touch the
	// network, so a failure downgrades the notice to chars-only rather
	// than failing the call.
	once   sync.Once
	enc    *tiktoken.Tiktoken
	encErr error
}

// New creates a truncator with the given character limit.
func New(limit int, logger *zap.Logger) *Truncator {
	if limit < 0 {
		limit = 0
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Truncator{limit: limit, logger: logger.Named("truncate")}
}

// Limit returns the configured character limit.
func (t *Truncator) Limit() int {
	return t.limit
}

// ShouldTruncate reports whether content exceeds the limit.
func (t *Truncator) ShouldTruncate(content string) bool {
	return t.limit > 0 && len(content) > t.limit
}

// Truncate cuts content down to the limit and appends the notice.
// Content within the limit is returned unchanged.
func (t *Truncator) Truncate(content string) string {
	if !t.ShouldTruncate(content) {
		return content
	}

	tokenPart := ""
	if n, ok := t.countTokens(content); ok {
		tokenPart = fmt.Sprintf(", tokens: ~%d", n)
	}
	notice := fmt.Sprintf("\n\n... [truncated by mcp-funnel]\n\nResponse truncated (limit: %d chars, actual: %d chars%s)",
		t.limit, len(content), tokenPart)

	available := t.limit - len(notice)
	if available < 0 {
		available = 0
	}
	truncated := content[:available]

	// Prefer ending on a closed JSON object or array when one sits in
	// the back half of the kept prefix.
	if available > 0 {
		if lastBrace := strings.LastIndex(truncated, "}"); lastBrace > available/2 {
			truncated = truncated[:lastBrace+1]
		} else if lastBracket := strings.LastIndex(truncated, "]"); lastBracket > available/2 {
			truncated = truncated[:lastBracket+1]
		}
	}

	return truncated + notice
}

func (t *Truncator) countTokens(content string) (int, bool) {
	t.once.Do(func() {
		t.enc, t.encErr = tiktoken.GetEncoding(DefaultEncoding)
		if t.encErr != nil {
			t.logger.Debug("Token counting unavailable, notices report chars only",
				zap.Error(t.encErr))
		}
	})
	if t.encErr != nil {
		return 0, false
	}
	return len(t.enc.Encode(content, nil, nil)), true
}
