package routing

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAnalyzeComplexityOrdering(t *testing.T) {
	simple := Analyze("hello world hello world hello world")
	dense := Analyze("heterogeneous polymorphic instantiation; quasi-deterministic amortization { cardinality >= threshold }")
	assert.Less(t, simple.Complexity, dense.Complexity)
	assert.GreaterOrEqual(t, simple.Complexity, 0.0)
	assert.LessOrEqual(t, dense.Complexity, 1.0)
}

func TestAnalyzeEmptyText(t *testing.T) {
	a := Analyze("")
	assert.Zero(t, a.Length)
	assert.Zero(t, a.Complexity)
	assert.Empty(t, a.Domain)
}

func TestAnalyzeDetectsCodeDomain(t *testing.T) {
	snippet := `func main() { return fmt.Println("x") }
import "os"
package main`
	a := Analyze(snippet)
	assert.Equal(t, "code", a.Domain)
}

func TestAnalyzeDetectsLegalDomain(t *testing.T) {
	text := "Pursuant to section 4, and notwithstanding any provision herein, the parties agree."
	a := Analyze(text)
	assert.Equal(t, "legal", a.Domain)
}

func TestAnalyzeNoDomainBelowTwoMarkers(t *testing.T) {
	a := Analyze("the fiscal year was uneventful")
	assert.Empty(t, a.Domain, "a single marker is not enough evidence")
}

func TestAnalyzeLanguage(t *testing.T) {
	assert.Equal(t, "en", Analyze("plain ascii text").Language)
	assert.Equal(t, "other", Analyze(strings.Repeat("日本語のテキスト", 4)).Language)
	assert.Equal(t, "unknown", Analyze("").Language)
}
