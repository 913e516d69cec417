package verses

import (
	"fmt"
	"strings"

	"github.com/mikequentel/wird/internal/model"
)

const ellipsis = "…"

// FormatStatus renders the post body: verse text, then the reference on its
// own line.
func FormatStatus(v model.Verse) string {
	return fmt.Sprintf("%s\n[Surah %s, Verse %d]", strings.TrimSpace(v.Text), v.ChapterNameTranslit, v.Number)
}

// Fit shortens status to at most limit runes. The verse text is trimmed and
// ends in an ellipsis; the reference line is kept whole. limit <= 0 means no
// limit.
func Fit(status string, limit int) string {
	if limit <= 0 || runeLen(status) <= limit {
		return status
	}

	body, tail := status, ""
	if i := strings.LastIndex(status, "\n"); i >= 0 {
		body, tail = status[:i], status[i:]
	}

	avail := limit - runeLen(tail) - runeLen(ellipsis)
	if avail < 1 {
		// Reference alone does not fit.
		return truncateRunes(status, limit)
	}
	return truncateRunes(body, avail) + ellipsis + tail
}

func runeLen(s string) int { return len([]rune(s)) }

func truncateRunes(s string, n int) string {
	r := []rune(s)
	if n >= len(r) {
		return s
	}
	if n <= 0 {
		return ""
	}
	return string(r[:n])
}
