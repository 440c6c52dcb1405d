package domain

import "testing"

func TestInferSoftwareDominant(t *testing.T) {
	text := "Ran git commit, wrote a function, merged the branch after tests passed in the build."
	if got := Infer(text); got != "software" {
		t.Errorf("got %q, want software", got)
	}
}

func TestInferContentDominant(t *testing.T) {
	text := "Draft an article, then publish a report and a follow-up commentary document."
	if got := Infer(text); got != "content" {
		t.Errorf("got %q, want content", got)
	}
}

func TestInferMixedWhenNeitherDominates(t *testing.T) {
	text := "Write and review the API document, then commit the code for the module."
	if got := Infer(text); got != "mixed" {
		t.Errorf("got %q, want mixed", got)
	}
}

func TestInferDefaultsToSoftware(t *testing.T) {
	if got := Infer("no signal here at all"); got != "software" {
		t.Errorf("got %q, want software default", got)
	}
}

func TestComplexityComplexKeywords(t *testing.T) {
	text := "We need to build the integration architecture, not sure if we should use option A or B."
	if got := Complexity(text); got != "complex" {
		t.Errorf("got %q, want complex", got)
	}
}

func TestComplexitySimpleKeywords(t *testing.T) {
	text := "Produce a straightforward single-slide presentation using the standard template format."
	if got := Complexity(text); got != "simple" {
		t.Errorf("got %q, want simple", got)
	}
}

func TestComplexityDefaultsToComplexOnTie(t *testing.T) {
	if got := Complexity("nothing particularly notable in this description"); got != "complex" {
		t.Errorf("got %q, want complex default", got)
	}
}
