package agents

import (
	"context"
	"sort"
	"strings"
	"unicode"

	"familyhub/internal/models"
)

const (
	maxNotes       = 3
	minTermLength  = 3
	maxSearchTerms = 8
)

var stopWords = map[string]bool{
	"the": true, "and": true, "for": true, "are": true, "was": true, "were": true,
	"what": true, "when": true, "where": true, "which": true, "who": true, "why": true,
	"how": true, "with": true, "this": true, "that": true, "from": true, "have": true,
	"has": true, "you": true, "your": true, "can": true, "does": true, "did": true,
	"about": true, "please": true, "tell": true, "into": true, "there": true, "their": true,
	"will": true, "would": true, "should": true, "could": true, "is": true, "my": true,
}

// searchTerms returns the distinct significant words of text in order of appearance
func searchTerms(text string) []string {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	seen := make(map[string]bool, len(fields))
	var terms []string
	for _, f := range fields {
		if len([]rune(f)) < minTermLength || stopWords[f] || seen[f] {
			continue
		}
		seen[f] = true
		terms = append(terms, f)
		if len(terms) == maxSearchTerms {
			break
		}
	}
	return terms
}

// knowledgeSearcher is the part of the memory layer note lookup needs
type knowledgeSearcher interface {
	SearchKnowledge(ctx context.Context, userID, query string, limit int) ([]models.KnowledgeHit, error)
}

// findNotes searches once per significant term and keeps each item's best
// score. The first search error ends the lookup with what was found so far.
func findNotes(ctx context.Context, mem knowledgeSearcher, userID, text string, limit int) ([]models.KnowledgeHit, error) {
	best := make(map[string]models.KnowledgeHit)
	var order []string
	for _, term := range searchTerms(text) {
		hits, err := mem.SearchKnowledge(ctx, userID, term, 0)
		if err != nil {
			return merged(best, order, limit), err
		}
		for _, hit := range hits {
			prev, ok := best[hit.Item.ID]
			if !ok {
				order = append(order, hit.Item.ID)
			}
			if !ok || hit.Score > prev.Score {
				best[hit.Item.ID] = hit
			}
		}
	}
	return merged(best, order, limit), nil
}

func merged(best map[string]models.KnowledgeHit, order []string, limit int) []models.KnowledgeHit {
	hits := make([]models.KnowledgeHit, 0, len(order))
	for _, id := range order {
		hits = append(hits, best[id])
	}
	sort.SliceStable(hits, func(i, j int) bool { return hits[i].Score > hits[j].Score })
	if limit > 0 && len(hits) > limit {
		hits = hits[:limit]
	}
	return hits
}
