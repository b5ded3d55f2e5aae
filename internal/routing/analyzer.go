// Package routing decides which path an embedding or generation request
// takes: cache, local compute, or the remote provider.
package routing

import (
	"strings"
	"unicode"
)

// TextAnalysis summarizes the characteristics that drive routing.
type TextAnalysis struct {
	Length int
	// Complexity is in [0,1]: 0 for trivial short text, 1 for dense
	// technical or highly varied text.
	Complexity float64
	Domain     string
	Language   string
}

var domainMarkers = map[string][]string{
	"code": {
		"func ", "def ", "class ", "import ", "return ", "package ",
		"();", "){", "=>", "#include", "SELECT ", "console.log",
	},
	"legal": {
		"pursuant to", "herein", "whereas", "notwithstanding",
		"indemnif", "hereinafter", "thereof",
	},
	"finance": {
		"ebitda", "balance sheet", "fiscal", "amortization",
		"basis points", "quarter-over-quarter",
	},
}

// Analyze computes routing features for a text.
func Analyze(text string) TextAnalysis {
	a := TextAnalysis{
		Length:   len(text),
		Language: detectLanguage(text),
		Domain:   detectDomain(text),
	}
	a.Complexity = complexity(text)
	return a
}

// complexity combines lexical variety, word length, and symbol density.
func complexity(text string) float64 {
	words := strings.Fields(text)
	if len(words) == 0 {
		return 0
	}

	unique := make(map[string]struct{}, len(words))
	var totalLen int
	for _, w := range words {
		unique[strings.ToLower(w)] = struct{}{}
		totalLen += len(w)
	}
	variety := float64(len(unique)) / float64(len(words))
	avgWordLen := float64(totalLen) / float64(len(words))

	var symbols int
	for _, r := range text {
		if !unicode.IsLetter(r) && !unicode.IsDigit(r) && !unicode.IsSpace(r) {
			symbols++
		}
	}
	symbolDensity := float64(symbols) / float64(len(text))

	// Weighted blend, clamped to [0,1]. Word length saturates around 12.
	score := 0.4*variety + 0.4*minf(avgWordLen/12.0, 1.0) + 0.2*minf(symbolDensity*4, 1.0)
	if score > 1 {
		score = 1
	}
	return score
}

func detectDomain(text string) string {
	lower := strings.ToLower(text)
	bestDomain := ""
	bestHits := 0
	for domain, markers := range domainMarkers {
		hits := 0
		for _, m := range markers {
			probe := lower
			if hasUpper(m) {
				probe = text
			}
			if strings.Contains(probe, strings.ToLower(m)) || strings.Contains(probe, m) {
				hits++
			}
		}
		if hits > bestHits {
			bestHits = hits
			bestDomain = domain
		}
	}
	if bestHits < 2 {
		return ""
	}
	return bestDomain
}

func detectLanguage(text string) string {
	if text == "" {
		return "unknown"
	}
	var ascii, total int
	for _, r := range text {
		total++
		if r < 128 {
			ascii++
		}
	}
	if float64(ascii)/float64(total) > 0.9 {
		return "en"
	}
	return "other"
}

func hasUpper(s string) bool {
	for _, r := range s {
		if unicode.IsUpper(r) {
			return true
		}
	}
	return false
}

func minf(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}
