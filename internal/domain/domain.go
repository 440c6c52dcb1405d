// Package domain infers a run's domain (software/content/mixed) and a
// discovery node's complexity (simple/complex) from keyword density
// counting: single keywords are matched on regex word boundaries, while the
// multi-word and format phrases of Complexity are counted as plain
// case-insensitive substrings.
package domain

import (
	"regexp"
	"strings"
)

var softwareKeywords = []string{
	"git", "code", "test", "deploy", "api", "function", "class", "module",
	"build", "compile", "commit", "branch", "merge",
}

var contentKeywords = []string{
	"write", "draft", "publish", "research", "report", "article",
	"document", "review", "edit", "commentary", "presentation",
}

var complexKeywords = []string{"build", "implement", "system", "architecture", "infrastructure"}
var choiceKeywords = []string{"or", "vs", "versus", "choice", "decide"}
var integrationKeywords = []string{"integrate", "api", "third-party", "external"}
var uncertaintyPhrases = []string{"not sure", "maybe", "could be", "options"}

var simpleKeywords = []string{"report", "presentation", "document", "slides"}
var formatPhrases = []string{"powerpoint", "slide deck", "format", "template"}
var straightforwardKeywords = []string{"single", "straightforward", "obvious"}

func wordBoundaryCount(text, keyword string) int {
	// keyword may contain a hyphen (e.g. "third-party"); treat it literally
	// inside the word-boundary class since \b already respects it.
	pattern := `(?i)\b` + regexp.QuoteMeta(keyword) + `\b`
	re := regexp.MustCompile(pattern)
	return len(re.FindAllStringIndex(text, -1))
}

func phraseCount(text, phrase string) int {
	return strings.Count(strings.ToLower(text), strings.ToLower(phrase))
}

func sumKeywords(text string, keywords []string) int {
	total := 0
	for _, k := range keywords {
		total += wordBoundaryCount(text, k)
	}
	return total
}

// Infer classifies text (typically the content of tasks/OUTCOMES.md) into
// "software", "content", or "mixed" by keyword density. If one bucket's
// count exceeds twice the other's, that bucket wins; if both are positive
// but neither dominates, the result is "mixed"; the default is "software".
func Infer(text string) string {
	sw := sumKeywords(text, softwareKeywords)
	ct := sumKeywords(text, contentKeywords)

	switch {
	case sw > 2*ct:
		return "software"
	case ct > 2*sw:
		return "content"
	case sw > 0 && ct > 0:
		return "mixed"
	default:
		return "software"
	}
}

// Complexity classifies a discovery node's complexity as "simple" or
// "complex" from a free-text description (outcome description plus
// constraints). Ties or no signal default to "complex".
func Complexity(text string) string {
	complexScore := sumKeywords(text, complexKeywords) +
		sumKeywords(text, choiceKeywords) +
		sumKeywords(text, integrationKeywords)
	for _, p := range uncertaintyPhrases {
		complexScore += phraseCount(text, p)
	}

	simpleScore := sumKeywords(text, simpleKeywords) + sumKeywords(text, straightforwardKeywords)
	for _, p := range formatPhrases {
		simpleScore += phraseCount(text, p)
	}

	if simpleScore > complexScore {
		return "simple"
	}
	return "complex"
}
