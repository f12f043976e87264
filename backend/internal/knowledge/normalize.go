package knowledge

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// ============================================================================
// Text Normalization
// ============================================================================

// NormalizeName folds case, diacritics, possessives and punctuation so that
// "Brahms'", "brahms" and "BRÄHMS" compare equal.
func NormalizeName(name string) string {
	folded := []rune(foldDiacritics(strings.ToLower(strings.TrimSpace(name))))

	var b strings.Builder
	b.Grow(len(folded))
	lastSpace := true
	for i := 0; i < len(folded); i++ {
		r := folded[i]
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			b.WriteRune(r)
			lastSpace = false
		case r == '\'' || r == '’':
			// possessive "'s" and a bare trailing "'" both vanish
			if i+1 < len(folded) && folded[i+1] == 's' && (i+2 == len(folded) || !unicode.IsLetter(folded[i+2])) {
				i++
			}
		default:
			if !lastSpace {
				b.WriteByte(' ')
				lastSpace = true
			}
		}
	}
	return strings.TrimSpace(b.String())
}

// NameTokens splits a normalized name into its words
func NameTokens(name string) []string {
	return strings.Fields(NormalizeName(name))
}

// NormalizeText normalizes a proposition statement for equality checks
func NormalizeText(content string) string {
	content = strings.ToLower(strings.TrimSpace(content))
	content = strings.Join(strings.Fields(content), " ")
	// Remove trailing punctuation for better matching
	return strings.TrimRight(content, ".,!?;:")
}

// ChunkID derives a stable grounding id for a text chunk that has no
// message ids of its own.
func ChunkID(text string) string {
	sum := sha256.Sum256([]byte(text))
	return "chunk:" + hex.EncodeToString(sum[:8])
}

func foldDiacritics(s string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	out, _, err := transform.String(t, s)
	if err != nil {
		return s
	}
	return out
}
