// Package rag assembles a token-budgeted context window from unified
// search results: a full-content expansion of the top hit, tiered
// surrogates for dense_cached mode, and preview snippets filling the
// remaining budget (spec.md §4.6). Grounded on the teacher's config-clamp
// discipline absent from LeeNgari-RDBMS; the clamp-on-construct shape and
// the options pattern come from other_examples's blib-picoclaw
// pkg/rag.NewService ("centralizes runtime defaults so every entry point
// gets identical behavior and reproducible scoring").
package rag

import (
	"context"
	"fmt"
	"strings"

	"github.com/iosstud/wax/internal/container"
	"github.com/iosstud/wax/internal/search"
)

// Mode selects which tiers BuildContext assembles, per spec.md §4.6.
type Mode int

const (
	// ModeFast assembles expansion + snippets only.
	ModeFast Mode = iota
	// ModeDenseCached additionally assembles surrogates.
	ModeDenseCached
)

// TierPolicy selects how a surrogate's content tier is chosen.
type TierPolicy int

const (
	TierPolicyDisabled TierPolicy = iota
	TierPolicyAgeOnly
	TierPolicyImportance
)

// Tier is a surrogate's content depth.
type Tier int

const (
	TierMicro Tier = iota
	TierGist
	TierFull
)

// Config enumerates every knob spec.md §4.6 requires.
type Config struct {
	Mode Mode

	MaxContextTokens int
	ExpansionMaxTokens int
	ExpansionMaxBytes  int
	SnippetMaxTokens   int
	MaxSnippets        int
	SurrogateMaxTokens int
	MaxSurrogates      int

	SearchTopK int
	SearchMode search.Mode
	// Alpha is the hybrid text/vector blend factor forwarded to
	// search.Request, clamped to [0,1] by search.NormalizeRequest. The zero
	// value would zero out the text lane entirely in ModeHybrid, so Clamp
	// defaults it to 0.5 (equal blend) when the caller leaves it unset.
	Alpha float64
	RRFK  float64

	EnableAnswerFocusedRanking bool
	AnswerRerankWindow         int
	AnswerDistractorPenalty    float64

	TierPolicy                    TierPolicy
	EnableQueryAwareTierSelection bool

	// DeterministicNowMs overrides the clock used for surrogate age
	// calculations, for reproducible tests (spec.md §4.6).
	DeterministicNowMs int64

	PreviewMaxBytes int

	// FrameFilter, if set, is passed through to the underlying unified
	// search request (spec.md §4.7's orchestrator recall accepts an
	// optional frame_filter; the builder simply forwards it to the search
	// stage rather than re-implementing filtering here).
	FrameFilter func(container.FrameMeta) bool
}

// Clamp normalizes cfg per spec.md §4.6 point 1: negative values floor at
// 0, ExpansionMaxTokens never exceeds MaxContextTokens, RRFK is never
// negative.
func (c Config) Clamp() Config {
	clampNonNegInt := func(v int) int {
		if v < 0 {
			return 0
		}
		return v
	}
	c.MaxContextTokens = clampNonNegInt(c.MaxContextTokens)
	c.ExpansionMaxTokens = clampNonNegInt(c.ExpansionMaxTokens)
	c.ExpansionMaxBytes = clampNonNegInt(c.ExpansionMaxBytes)
	c.SnippetMaxTokens = clampNonNegInt(c.SnippetMaxTokens)
	c.MaxSnippets = clampNonNegInt(c.MaxSnippets)
	c.SurrogateMaxTokens = clampNonNegInt(c.SurrogateMaxTokens)
	c.MaxSurrogates = clampNonNegInt(c.MaxSurrogates)
	c.SearchTopK = clampNonNegInt(c.SearchTopK)
	c.AnswerRerankWindow = clampNonNegInt(c.AnswerRerankWindow)
	c.PreviewMaxBytes = clampNonNegInt(c.PreviewMaxBytes)

	if c.ExpansionMaxTokens > c.MaxContextTokens {
		c.ExpansionMaxTokens = c.MaxContextTokens
	}
	if c.RRFK < 0 {
		c.RRFK = 0
	}
	if c.SearchMode == search.ModeHybrid && c.Alpha <= 0 {
		c.Alpha = 0.5
	}
	if c.Alpha > 1 {
		c.Alpha = 1
	}
	if c.AnswerDistractorPenalty < 0 {
		c.AnswerDistractorPenalty = 0
	}
	return c
}

// TokenCounter abstracts the real BPE tokenizer (out of scope per spec.md
// §1) so a deterministic whitespace-based counter can stand in for tests
// without depending on any tokenizer internals.
type TokenCounter interface {
	Count(text string) int
}

// WhitespaceTokenCounter counts tokens as whitespace-delimited fields. It
// is deterministic and dependency-free, suited to tests and to any caller
// that has not wired in a real tokenizer.
type WhitespaceTokenCounter struct{}

func (WhitespaceTokenCounter) Count(text string) int {
	return len(strings.Fields(text))
}

// Item is one assembled context entry, per spec.md §4.6 point 7.
type Item struct {
	Kind    string // "expansion" | "surrogate" | "snippet"
	FrameID uint64
	Score   float64
	Text    string
	Tokens  int
}

// Context is BuildContext's deterministic output.
type Context struct {
	Items       []Item
	TotalTokens int
}

// FrameLoader loads a frame's full content and creation timestamp, the
// pieces of session.Session BuildContext needs beyond what search.Store
// already exposes.
type FrameLoader interface {
	FrameContent(ctx context.Context, id uint64) ([]byte, error)
}

// AccessScorer reports a frame's access-importance score in [0,1], used by
// TierPolicyImportance. Callers with no access-stats tracking may pass nil;
// BuildContext then treats every frame as score 0 (always micro tier).
type AccessScorer interface {
	AccessScore(frameID uint64) float64
}

// Builder assembles Context windows over a search.Engine and a frame
// loader.
type Builder struct {
	engine  *search.Engine
	loader  FrameLoader
	counter TokenCounter
	scorer  AccessScorer
}

// Option configures a Builder beyond its required dependencies.
type Option func(*Builder)

// WithTokenCounter overrides the default WhitespaceTokenCounter.
func WithTokenCounter(c TokenCounter) Option {
	return func(b *Builder) { b.counter = c }
}

// WithAccessScorer wires an access-stats scorer for TierPolicyImportance.
func WithAccessScorer(s AccessScorer) Option {
	return func(b *Builder) { b.scorer = s }
}

// NewBuilder constructs a Builder. counter defaults to
// WhitespaceTokenCounter when no WithTokenCounter option is given.
func NewBuilder(engine *search.Engine, loader FrameLoader, opts ...Option) *Builder {
	b := &Builder{engine: engine, loader: loader, counter: WhitespaceTokenCounter{}}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// BuildContext runs spec.md §4.6's full pipeline: clamp config, search,
// rerank (delegated to the search engine), expand the top hit, select
// surrogates (dense_cached only), fill remaining budget with snippets, and
// assemble in expansion -> surrogates -> snippets order.
func (b *Builder) BuildContext(ctx context.Context, query string, embedding []float32, cfg Config) (*Context, error) {
	cfg = cfg.Clamp()

	req := search.Request{
		Query:        query,
		HasQuery:     query != "",
		Embedding:    embedding,
		HasEmbedding: len(embedding) > 0,
		Mode:         cfg.SearchMode,
		Alpha:        cfg.Alpha,
		TopK:         cfg.SearchTopK,
		RRFK:         cfg.RRFK,
		RRFKSet:      true,
		FrameFilter:  cfg.FrameFilter,
	}

	resp, err := b.engine.Search(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("rag: build context: search: %w", err)
	}
	if len(resp.Results) == 0 {
		return &Context{}, nil
	}

	used := make(map[uint64]bool)
	var items []Item
	budget := cfg.MaxContextTokens

	if expansion, ok := b.buildExpansion(ctx, resp.Results[0], cfg, budget); ok {
		items = append(items, expansion)
		used[expansion.FrameID] = true
		budget -= expansion.Tokens
	}

	if cfg.Mode == ModeDenseCached {
		surrogates := b.buildSurrogates(ctx, query, resp.Results, used, cfg, &budget)
		items = append(items, surrogates...)
	}

	snippets := b.buildSnippets(ctx, query, resp.Results, used, cfg, &budget)
	items = append(items, snippets...)

	total := 0
	for _, it := range items {
		total += it.Tokens
	}
	return &Context{Items: items, TotalTokens: total}, nil
}

// buildExpansion loads the top result's full content and truncates it to
// whichever of ExpansionMaxTokens/ExpansionMaxBytes binds first (spec.md
// §4.6 point 4).
func (b *Builder) buildExpansion(ctx context.Context, r search.Result, cfg Config, budget int) (Item, bool) {
	content, err := b.loader.FrameContent(ctx, r.FrameID)
	if err != nil {
		return Item{}, false
	}
	text := string(content)
	if cfg.ExpansionMaxBytes > 0 && len(text) > cfg.ExpansionMaxBytes {
		text = text[:cfg.ExpansionMaxBytes]
	}
	text = b.truncateToTokens(text, min(cfg.ExpansionMaxTokens, budget))
	tokens := b.counter.Count(text)
	if tokens == 0 {
		return Item{}, false
	}
	return Item{Kind: "expansion", FrameID: r.FrameID, Score: r.Score, Text: text, Tokens: tokens}, true
}

func (b *Builder) truncateToTokens(text string, maxTokens int) string {
	if maxTokens <= 0 {
		return ""
	}
	fields := strings.Fields(text)
	if len(fields) <= maxTokens {
		return text
	}
	return strings.Join(fields[:maxTokens], " ")
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}
