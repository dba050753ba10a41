package tts

import (
	"regexp"
	"strings"
)

var (
	tildeRun      = regexp.MustCompile(`~+`)
	parenthetical = regexp.MustCompile(`\(.*?\)`)
	emphasis      = regexp.MustCompile(`(\*[^*]+\*)|(_[^_]+_)`)
	unspeakable   = regexp.MustCompile(`[^\x00-\x7F\x{4E00}-\x{9FFF}\p{P}]+`)
)

// Normalize prepares reply text for speech. Asides in parentheses and
// *emphasized* or _emphasized_ spans are dropped, runs of tildes become an
// exclamation mark, and characters outside ASCII, CJK ideographs and
// punctuation (emoji, mostly) are removed.
func Normalize(text string) string {
	text = strings.TrimSpace(text)
	text = tildeRun.ReplaceAllString(text, "!")
	text = parenthetical.ReplaceAllString(text, "")
	text = emphasis.ReplaceAllString(text, "")
	text = unspeakable.ReplaceAllString(text, "")
	return strings.TrimSpace(text)
}
