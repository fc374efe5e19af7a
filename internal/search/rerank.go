package search

import (
	"context"
	"regexp"
	"strings"
)

// RerankConfig configures the answer-focused rerank pass over the fused
// result's top window, per spec.md §4.5 point 4. The zero value disables
// reranking (AnswerRerankWindow == 0). It holds only construction-time
// knobs; the query terms and entities a rerank pass scores against are
// always derived from the Request passed to Search, since one Engine is
// expected to serve many searches over its lifetime (internal/orchestrator
// keeps a single long-lived Engine across repeated Recall calls).
type RerankConfig struct {
	Enabled            bool
	AnswerRerankWindow int
}

// Additive bonus/penalty weights from spec.md §4.5 point 4.
const (
	bonusTermRecall       = 0.80
	bonusTermPrecision    = 0.40
	bonusEntityCoverage   = 0.90
	bonusVectorMultiplier = 1.25
	bonusYearMatch        = 1.35
	bonusDateLiteralMatch = 1.15
	penaltyDistractor     = 0.70
)

var distractorTerms = []string{
	"tentative", "draft", "placeholder", "weekly report", "checklist", "signoff",
}

var highlightMarkers = strings.NewReplacer("[", "", "]", "")

var yearPattern = regexp.MustCompile(`\b(19|20)\d{2}\b`)
var dateLiteralPattern = regexp.MustCompile(`\b\d{4}-\d{2}-\d{2}\b`)
var quotedPhrasePattern = regexp.MustCompile(`"([^"]+)"`)
var capitalizedWordPattern = regexp.MustCompile(`\b[A-Z][a-zA-Z]{2,}\b`)

// queryEntities extracts the same quoted-phrase/capitalized-word entity
// candidates rag/surrogates.go's queryAwareUpgrade uses, so the rerank
// pass's entity-coverage bonus recognizes the same surface forms the
// surrogate tier upgrade does.
func queryEntities(query string) []string {
	var entities []string
	for _, m := range quotedPhrasePattern.FindAllStringSubmatch(query, -1) {
		entities = append(entities, m[1])
	}
	entities = append(entities, capitalizedWordPattern.FindAllString(query, -1)...)
	return entities
}

// rerank applies RerankConfig's additive bonuses to the top
// AnswerRerankWindow entries of fused, then re-sorts only that window
// (entries beyond the window keep their RRF order and position). Query
// terms and entities always come from req, not from the Engine's
// construction-time RerankConfig, so a single Engine reused across
// searches with different queries reranks against the right query each
// time.
func (e *Engine) rerank(ctx context.Context, req Request, fused []fusedFrame) []fusedFrame {
	cfg := e.rerankCfg
	if !cfg.Enabled || cfg.AnswerRerankWindow <= 0 || len(fused) == 0 {
		return fused
	}

	window := cfg.AnswerRerankWindow
	if window > len(fused) {
		window = len(fused)
	}

	queryTerms := strings.Fields(strings.ToLower(req.Query))
	entities := queryEntities(req.Query)

	for i := 0; i < window; i++ {
		f := &fused[i]
		preview := e.previewFor(ctx, f.frameID)
		deHighlighted := highlightMarkers.Replace(preview)
		f.score += rerankBonus(deHighlighted, queryTerms, entities, f.sources[LaneVector])
	}

	head := fused[:window]
	sortFused(head)
	return append(head, fused[window:]...)
}

func rerankBonus(preview string, queryTerms, queryEntities []string, vectorInfluenced bool) float64 {
	if preview == "" {
		return 0
	}
	lower := strings.ToLower(preview)

	var bonus float64

	if len(queryTerms) > 0 {
		matched := 0
		for _, t := range queryTerms {
			if t != "" && strings.Contains(lower, t) {
				matched++
			}
		}
		recall := float64(matched) / float64(len(queryTerms))
		bonus += recall * bonusTermRecall

		words := strings.Fields(lower)
		if len(words) > 0 {
			precision := float64(matched) / float64(len(words))
			if precision > 1 {
				precision = 1
			}
			bonus += precision * bonusTermPrecision
		}
	}

	if len(queryEntities) > 0 {
		covered := 0
		for _, ent := range queryEntities {
			if ent != "" && strings.Contains(preview, ent) {
				covered++
			}
		}
		coverage := float64(covered) / float64(len(queryEntities))
		entityBonus := coverage * bonusEntityCoverage
		if vectorInfluenced {
			entityBonus *= bonusVectorMultiplier
		}
		bonus += entityBonus
	}

	for _, term := range queryTerms {
		if len(term) == 4 && yearPattern.MatchString(term) && strings.Contains(lower, term) {
			bonus += bonusYearMatch
			break
		}
	}
	if dateLiteralPattern.MatchString(preview) {
		bonus += bonusDateLiteralMatch
	}

	for _, d := range distractorTerms {
		if strings.Contains(lower, d) {
			bonus -= penaltyDistractor
		}
	}

	return bonus
}

func sortFused(fs []fusedFrame) {
	for i := 1; i < len(fs); i++ {
		j := i
		for j > 0 && less(fs[j], fs[j-1]) {
			fs[j], fs[j-1] = fs[j-1], fs[j]
			j--
		}
	}
}

func less(a, b fusedFrame) bool {
	if a.score != b.score {
		return a.score > b.score
	}
	if a.bestRank != b.bestRank {
		return a.bestRank < b.bestRank
	}
	return a.frameID < b.frameID
}
