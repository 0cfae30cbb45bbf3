package agent

import "strings"

// noisePatterns are common STT hallucinations on background noise.
var noisePatterns = map[string]bool{
	"crunching": true, "static": true, "silence": true, "noise": true,
	"inaudible": true, "unintelligible": true, "background noise": true,
	"music": true, "typing": true, "breathing": true, "sigh": true,
	"cough": true, "sneeze": true, "laughter": true, "applause": true,
	"you": true, "the": true, "a": true, "um": true, "uh": true,
	"hmm": true, "ah": true, "oh": true, "mhm": true,
}

var noiseWrappers = [][2]string{{"*", "*"}, {"[", "]"}, {"(", ")"}}

// isNoiseTranscript reports whether a transcript is likely background noise
// rather than speech: a bracketed annotation such as [inaudible] or *static*,
// or a lone filler word.
func isNoiseTranscript(text string) bool {
	for _, w := range noiseWrappers {
		if strings.HasPrefix(text, w[0]) && strings.HasSuffix(text, w[1]) {
			return true
		}
	}
	lower := strings.ToLower(strings.TrimRight(text, ".!?,"))
	return noisePatterns[lower]
}
