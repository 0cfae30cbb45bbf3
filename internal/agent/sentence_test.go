package agent

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSentenceBuffer(t *testing.T) {
	var sb sentenceBuffer

	assert.Empty(t, sb.Add("Hi there"))
	assert.Equal(t, "Hi there.", sb.Add(". How"))
	assert.Empty(t, sb.Add(" are you"))
	assert.Equal(t, "How are you? Fine!", sb.Add("? Fine! Thanks"))
	assert.Equal(t, "Thanks", sb.Flush())
	assert.Empty(t, sb.Flush())
}

func TestSentenceBufferKeepsDecimals(t *testing.T) {
	var sb sentenceBuffer

	assert.Empty(t, sb.Add("It costs 3.50 dollars"))
	assert.Equal(t, "It costs 3.50 dollars", sb.Flush())
}

func TestCodeFilter(t *testing.T) {
	var cf codeFilter
	var out string
	for _, tok := range []string{"Run this: `", "``go\nfmt.Println()\n`", "``", " then `x` done"} {
		out += cf.Filter(tok)
	}
	assert.Equal(t, "Run this:  then `x` done", out)
}

func TestStripMarkdown(t *testing.T) {
	tests := map[string]string{
		"**Bold** and *italic*":         "Bold and italic",
		"# Heading":                     "Heading",
		"See [the docs](http://x.io).":  "See the docs.",
		"> quoted":                      "quoted",
		"plain text":                    "plain text",
		"   ":                           "",
	}
	for in, want := range tests {
		assert.Equal(t, want, stripMarkdown(in), in)
	}
}

func TestIsNoiseTranscript(t *testing.T) {
	tests := []struct {
		text  string
		noise bool
	}{
		{"*crunching*", true},
		{"[inaudible]", true},
		{"(static)", true},
		{"Um.", true},
		{"you", true},
		{"you there?", false},
		{"what time is it", false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.noise, isNoiseTranscript(tt.text), tt.text)
	}
}
