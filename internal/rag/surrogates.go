package rag

import (
	"context"
	"regexp"
	"strings"

	"github.com/iosstud/wax/internal/search"
)

const msPerDay = 24 * 60 * 60 * 1000

// tierPolicyThresholds implements spec.md §4.6 point 5's tier table:
// disabled always picks full; age_only buckets by frame age; importance
// buckets by access score.
func (b *Builder) selectTier(frameID uint64, cfg Config, nowMs int64) Tier {
	switch cfg.TierPolicy {
	case TierPolicyDisabled:
		return TierFull
	case TierPolicyAgeOnly:
		meta, ok := b.frameMeta(frameID)
		if !ok {
			return TierMicro
		}
		ageMs := nowMs - meta
		switch {
		case ageMs < 7*msPerDay:
			return TierFull
		case ageMs < 30*msPerDay:
			return TierGist
		default:
			return TierMicro
		}
	case TierPolicyImportance:
		if b.scorer == nil {
			return TierMicro
		}
		score := b.scorer.AccessScore(frameID)
		switch {
		case score > 0.6:
			return TierFull
		case score > 0.3:
			return TierGist
		default:
			return TierMicro
		}
	default:
		return TierMicro
	}
}

func (b *Builder) frameMeta(frameID uint64) (int64, bool) {
	meta, ok := b.engine.FrameMeta(frameID)
	if !ok {
		return 0, false
	}
	return meta.TimestampMs, true
}

var quotedPhrasePattern = regexp.MustCompile(`"([^"]+)"`)
var capitalizedWordPattern = regexp.MustCompile(`\b[A-Z][a-zA-Z]{2,}\b`)

// queryAwareUpgrade implements spec.md §4.6 point 5's query-aware upgrade:
// a quoted phrase or capitalized entity in the query that also appears in
// the surrogate's content bumps its tier up by one. The exact lexical
// detection is left to the implementer per spec.md §9's open question;
// quoted-phrase and capitalized-word matching is the deterministic rule
// chosen here.
func queryAwareUpgrade(query, content string, tier Tier) Tier {
	candidates := quotedPhrasePattern.FindAllStringSubmatch(query, -1)
	for _, m := range candidates {
		if strings.Contains(content, m[1]) {
			return bumpTier(tier)
		}
	}
	for _, w := range capitalizedWordPattern.FindAllString(query, -1) {
		if strings.Contains(content, w) {
			return bumpTier(tier)
		}
	}
	return tier
}

func bumpTier(t Tier) Tier {
	if t < TierFull {
		return t + 1
	}
	return t
}

// buildSurrogates picks up to cfg.MaxSurrogates follow-up results (after
// the expansion), selecting each one's content tier by cfg.TierPolicy and
// the query-aware upgrade rule, per spec.md §4.6 point 5.
func (b *Builder) buildSurrogates(ctx context.Context, query string, results []search.Result, used map[uint64]bool, cfg Config, budget *int) []Item {
	var items []Item
	count := 0
	nowMs := cfg.DeterministicNowMs

	for _, r := range results {
		if count >= cfg.MaxSurrogates || *budget <= 0 {
			break
		}
		if used[r.FrameID] {
			continue
		}

		content, err := b.loader.FrameContent(ctx, r.FrameID)
		if err != nil {
			continue
		}
		text := string(content)

		tier := b.selectTier(r.FrameID, cfg, nowMs)
		if cfg.EnableQueryAwareTierSelection {
			tier = queryAwareUpgrade(query, text, tier)
		}
		text = tierContent(text, tier)

		maxTokens := cfg.SurrogateMaxTokens
		if *budget < maxTokens {
			maxTokens = *budget
		}
		text = b.truncateToTokens(text, maxTokens)
		tokens := b.counter.Count(text)
		if tokens == 0 {
			continue
		}

		items = append(items, Item{Kind: "surrogate", FrameID: r.FrameID, Score: r.Score, Text: text, Tokens: tokens})
		used[r.FrameID] = true
		*budget -= tokens
		count++
	}
	return items
}

// tierContent reduces text to the requested tier's depth: full content
// unchanged, gist as the first third, micro as the first sentence.
func tierContent(text string, tier Tier) string {
	switch tier {
	case TierFull:
		return text
	case TierGist:
		third := len(text) / 3
		if third == 0 {
			return text
		}
		return text[:third]
	default: // TierMicro
		if idx := strings.IndexAny(text, ".\n"); idx > 0 {
			return text[:idx+1]
		}
		if len(text) > 120 {
			return text[:120]
		}
		return text
	}
}
