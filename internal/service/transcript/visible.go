package transcript

import (
	"strings"
	"unicode"

	"live-transcription-client/internal/models"
)

// VisibleResult is a final result as a caption view shows it.
type VisibleResult struct {
	models.TranscriptResult
	// Continuation is set when the text extends the previous visible result.
	Continuation bool `json:"continuation"`
}

// Visible derives the display history from raw results. A result whose
// normalized text equals the one received just before it is a retransmission
// and is hidden. A result that starts with the previous visible text is kept
// and flagged as a continuation when the prefix ends on a word boundary. The
// input is not modified.
func Visible(results []models.TranscriptResult) []VisibleResult {
	out := make([]VisibleResult, 0, len(results))
	var prevRaw, prevShown string

	for i, r := range results {
		norm := Normalize(r.Text)
		if i > 0 && norm == prevRaw {
			continue
		}
		prevRaw = norm

		cont := prevShown != "" && len(norm) > len(prevShown) &&
			strings.HasPrefix(norm, prevShown) && norm[len(prevShown)] == ' '

		out = append(out, VisibleResult{TranscriptResult: r, Continuation: cont})
		prevShown = norm
	}
	return out
}

// Normalize lowercases text and collapses runs of whitespace and punctuation
// into single spaces. Apostrophes are dropped so contractions stay one word.
func Normalize(text string) string {
	var b strings.Builder
	b.Grow(len(text))
	space := false
	for _, r := range strings.ToLower(text) {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			if space && b.Len() > 0 {
				b.WriteByte(' ')
			}
			space = false
			b.WriteRune(r)
		case r == '\'' || r == '’':
		default:
			space = true
		}
	}
	return b.String()
}
