package agent

import (
	"regexp"
	"strings"
)

// sentenceBuffer accumulates streamed tokens and splits at sentence boundaries.
type sentenceBuffer struct {
	buf strings.Builder
}

// Add appends a token and returns any complete sentences ready for TTS,
// or "" if no boundary has been seen yet.
func (s *sentenceBuffer) Add(token string) string {
	s.buf.WriteString(token)
	complete, remainder := splitAtSentence(s.buf.String())
	if complete == "" {
		return ""
	}
	s.buf.Reset()
	s.buf.WriteString(remainder)
	return complete
}

// Flush returns any remaining text in the buffer.
func (s *sentenceBuffer) Flush() string {
	text := strings.TrimSpace(s.buf.String())
	s.buf.Reset()
	return text
}

var sentenceEnders = map[byte]bool{'.': true, '!': true, '?': true}

// splitAtSentence splits text after its last sentence ender that is
// followed by whitespace.
func splitAtSentence(text string) (string, string) {
	lastIdx := -1
	for i := range len(text) - 1 {
		if sentenceEnders[text[i]] && isWordBoundary(text[i+1]) {
			lastIdx = i + 1
		}
	}
	if lastIdx < 0 {
		return "", text
	}
	return strings.TrimSpace(text[:lastIdx]), text[lastIdx:]
}

func isWordBoundary(ch byte) bool {
	return ch == ' ' || ch == '\n' || ch == '\t'
}

// codeFilter drops fenced code blocks from a token stream. Fences may be
// split across tokens.
type codeFilter struct {
	inCode bool
	ticks  int
}

func (c *codeFilter) Filter(token string) string {
	var b strings.Builder
	for _, r := range token {
		if r == '`' {
			c.ticks++
			if c.ticks == 3 {
				c.inCode = !c.inCode
				c.ticks = 0
			}
			continue
		}
		if c.ticks > 0 && !c.inCode {
			b.WriteString(strings.Repeat("`", c.ticks))
		}
		c.ticks = 0
		if !c.inCode {
			b.WriteRune(r)
		}
	}
	return b.String()
}

var (
	markdownLink = regexp.MustCompile(`\[([^\]]*)\]\([^)]*\)`)
	markdownMark = strings.NewReplacer("**", "", "*", "", "`", "", "#", "", "> ", "")
)

// stripMarkdown removes formatting that TTS engines would read aloud.
func stripMarkdown(s string) string {
	s = markdownLink.ReplaceAllString(s, "$1")
	return strings.TrimSpace(markdownMark.Replace(s))
}
