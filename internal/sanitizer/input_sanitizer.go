package sanitizer

import (
	"unicode"

	"golang.org/x/text/unicode/norm"
)

// SanitizeUserInput strips invisible/steganographic Unicode from user text
// and NFC-normalizes it (spec §4.6 step 2). This runs before any LLM sees
// the text, so it operates on raw runes rather than anything structured.
func SanitizeUserInput(s string) string {
	out := make([]rune, 0, len(s))
	for _, r := range s {
		if isInvisibleOrControl(r) {
			continue
		}
		out = append(out, r)
	}
	return norm.NFC.String(string(out))
}

func isInvisibleOrControl(r rune) bool {
	switch {
	case r >= 0xE0000 && r <= 0xE007F:
		// Unicode Tag block (used to smuggle hidden instructions).
		return true
	case r >= 0xFE00 && r <= 0xFE0F:
		// Variation Selectors.
		return true
	case r >= 0xE0100 && r <= 0xE01EF:
		// Variation Selectors Supplement.
		return true
	case r == 0x200B || r == 0x200C || r == 0x200D || r == 0xFEFF:
		// Zero-width space/non-joiner/joiner, BOM-as-ZWNBSP.
		return true
	case r == 0x200E || r == 0x200F || (r >= 0x202A && r <= 0x202E) || (r >= 0x2066 && r <= 0x2069):
		// Bidi control/override characters.
		return true
	case unicode.Is(unicode.Cf, r):
		// Other format characters not already covered above.
		return true
	case unicode.Is(unicode.Cc, r) && r != '\n' && r != '\t' && r != '\r':
		// Control characters, preserving newline/tab/carriage-return.
		return true
	default:
		return false
	}
}
