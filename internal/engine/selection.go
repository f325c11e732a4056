package engine

import (
	"regexp"
	"strings"

	"familyhub/internal/config"
)

var (
	reasoningPatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)\b(why|explain|analy[sz]e|compare|evaluate|reason(ing)?|prove|derive|calculate)\b`),
		regexp.MustCompile(`(?i)\bstep[- ]by[- ]step\b`),
		regexp.MustCompile(`(?i)\b(pros and cons|trade-?offs?|implications?|strategy|plan out)\b`),
		regexp.MustCompile(`(?i)\bwhat (would|will) happen if\b`),
	}

	simplePatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)^\s*(hi|hello|hey|thanks|thank you|ok(ay)?|yes|no|sure|bye|good (morning|afternoon|evening|night))\b`),
		regexp.MustCompile(`(?i)^\s*what('s| is) the (time|date|weather)\b`),
		regexp.MustCompile(`(?i)^\s*(remind me|set a timer|add .+ to (the )?list)\b`),
	}

	sentenceTerminators = regexp.MustCompile(`[.!?]+`)
)

const (
	reasoningMinWords = 20
	fastMaxWords      = 5
)

// Classification is the model tier a prompt needs
type Classification string

const (
	ClassReasoning Classification = "reasoning"
	ClassFast      Classification = "fast"
	ClassDefault   Classification = "default"
)

// Classify sorts a prompt into a model tier. Reasoning patterns, or a long
// prompt with several sentences, need the reasoning tier; greetings, short
// commands and very short prompts take the fast tier.
func Classify(prompt string) Classification {
	words := len(strings.Fields(prompt))
	terminators := len(sentenceTerminators.FindAllString(prompt, -1))

	for _, p := range reasoningPatterns {
		if p.MatchString(prompt) {
			return ClassReasoning
		}
	}
	if words > reasoningMinWords && terminators > 1 {
		return ClassReasoning
	}

	for _, p := range simplePatterns {
		if p.MatchString(prompt) {
			return ClassFast
		}
	}
	if words <= fastMaxWords {
		return ClassFast
	}
	return ClassDefault
}

// SelectModel maps a prompt onto a catalog model. A tier whose model is
// unset or unavailable resolves to the default model.
func SelectModel(prompt string, catalog *config.ModelCatalog) string {
	var model string
	switch Classify(prompt) {
	case ClassReasoning:
		model = catalog.Reasoning
	case ClassFast:
		model = catalog.Fast
	default:
		model = catalog.Default
	}
	if model == "" || !catalog.IsAvailable(model) {
		return catalog.Default
	}
	return model
}
