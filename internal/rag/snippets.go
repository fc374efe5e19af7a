package rag

import (
	"context"
	"regexp"

	"github.com/iosstud/wax/internal/search"
)

// answerIntentPatterns detects query intents (location/date/ownership)
// that, per spec.md §4.6 point 6, may warrant upgrading a snippet to a
// full-content snippet when the preview appears to already contain the
// answer.
var answerIntentPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\bwhere\b`),
	regexp.MustCompile(`(?i)\bwhen\b`),
	regexp.MustCompile(`(?i)\bwho(se)?\s+(owns|is)\b`),
}

func matchesAnswerIntent(query string) bool {
	for _, p := range answerIntentPatterns {
		if p.MatchString(query) {
			return true
		}
	}
	return false
}

// buildSnippets consumes the remaining token budget with preview-based
// snippets, excluding frames already covered by the expansion or a
// surrogate (spec.md §4.6 point 6).
func (b *Builder) buildSnippets(ctx context.Context, query string, results []search.Result, used map[uint64]bool, cfg Config, budget *int) []Item {
	var items []Item
	count := 0
	answerIntent := matchesAnswerIntent(query)

	for _, r := range results {
		if count >= cfg.MaxSnippets || *budget <= 0 {
			break
		}
		if used[r.FrameID] {
			continue
		}

		text := r.PreviewText
		if text == "" {
			continue
		}
		if answerIntent {
			if full, ok := b.fullContentIfAnswerLikely(ctx, r, cfg); ok {
				text = full
			}
		}

		maxTokens := cfg.SnippetMaxTokens
		if *budget < maxTokens {
			maxTokens = *budget
		}
		text = b.truncateToTokens(text, maxTokens)
		tokens := b.counter.Count(text)
		if tokens == 0 {
			continue
		}

		items = append(items, Item{Kind: "snippet", FrameID: r.FrameID, Score: r.Score, Text: text, Tokens: tokens})
		used[r.FrameID] = true
		*budget -= tokens
		count++
	}
	return items
}

// fullContentIfAnswerLikely loads the frame's full content when the
// preview looks like it satisfies a location/date/ownership query intent,
// per spec.md §4.6 point 6's "upgrade a snippet to a full-content
// snippet". Heuristic: the preview mentions a digit (date/address number)
// or a capitalized proper noun beyond the first word.
func (b *Builder) fullContentIfAnswerLikely(ctx context.Context, r search.Result, cfg Config) (string, bool) {
	if !containsDigitOrProperNoun(r.PreviewText) {
		return "", false
	}
	content, err := b.loader.FrameContent(ctx, r.FrameID)
	if err != nil {
		return "", false
	}
	return string(content), true
}

var digitPattern = regexp.MustCompile(`\d`)
var properNounPattern = regexp.MustCompile(`\s[A-Z][a-z]+`)

func containsDigitOrProperNoun(text string) bool {
	return digitPattern.MatchString(text) || properNounPattern.MatchString(text)
}
