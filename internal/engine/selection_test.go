package engine

import (
	"testing"

	"familyhub/internal/config"
	"github.com/stretchr/testify/assert"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name   string
		prompt string
		want   Classification
	}{
		{"reasoning keyword", "Explain how vaccines work", ClassReasoning},
		{"step by step", "walk me through it step-by-step", ClassReasoning},
		{"long multi sentence", "We are planning a family trip in the summer with three kids and two grandparents. " +
			"We need somewhere with a beach and short flights. Any ideas for us?", ClassReasoning},
		{"greeting", "hello there, how are you doing on this fine day my friend", ClassFast},
		{"short", "milk and eggs", ClassFast},
		{"long single sentence", "please put together a shopping list for a birthday dinner with pasta and cake", ClassDefault},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.prompt))
		})
	}
}

func TestSelectModel(t *testing.T) {
	catalog := &config.ModelCatalog{
		Available: []string{"base", "quick"},
		Default:   "base",
		Fast:      "quick",
		Reasoning: "deep", // not available
	}

	assert.Equal(t, "quick", SelectModel("hi", catalog))
	assert.Equal(t, "base", SelectModel("explain the tides", catalog), "unavailable reasoning model falls back")
	assert.Equal(t, "base", SelectModel("please put together a shopping list for a birthday dinner", catalog))
}
