package maestro

import (
	"strings"

	"golang.org/x/text/unicode/norm"
)

// maxInputRunes caps inbound message length before intent analysis.
// Longer messages are truncated rather than rejected.
const maxInputRunes = 16_000

// NormalizeInput prepares an inbound user message for classification:
// Unicode NFKC normalization (folds homoglyph and width tricks), control
// character stripping, whitespace trimming, and a length cap.
func NormalizeInput(message string) string {
	cleaned := norm.NFKC.String(message)
	cleaned = strings.Map(func(r rune) rune {
		if r < 0x20 && r != '\n' && r != '\t' {
			return -1
		}
		return r
	}, cleaned)
	cleaned = strings.TrimSpace(cleaned)
	if len([]rune(cleaned)) > maxInputRunes {
		cleaned = truncateRunes(cleaned, maxInputRunes)
	}
	return cleaned
}
