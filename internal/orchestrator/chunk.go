package orchestrator

import "strings"

// ChunkStrategyKind selects how Remember splits a document's text into
// chunk frames, per spec.md §4.7's "chunking_strategy ∈ {token_count{target,
// overlap}, char_count{...}, paragraph}".
type ChunkStrategyKind int

const (
	ChunkTokenCount ChunkStrategyKind = iota
	ChunkCharCount
	ChunkParagraph
)

// ChunkStrategy configures Remember's chunker. Target/Overlap are in
// whitespace-delimited tokens for ChunkTokenCount and bytes for
// ChunkCharCount; both are ignored for ChunkParagraph.
type ChunkStrategy struct {
	Kind    ChunkStrategyKind
	Target  int
	Overlap int
}

// DefaultChunkStrategy chunks by token count, a 256-token target with a
// 32-token overlap — the same order of magnitude as the teacher's
// pagination defaults elsewhere in the pack, chosen so a typical chunk
// fits comfortably under a single embedding call's context.
func DefaultChunkStrategy() ChunkStrategy {
	return ChunkStrategy{Kind: ChunkTokenCount, Target: 256, Overlap: 32}
}

func (s ChunkStrategy) resolved() ChunkStrategy {
	if s.Target <= 0 {
		s.Target = 256
	}
	if s.Overlap < 0 || s.Overlap >= s.Target {
		s.Overlap = 0
	}
	return s
}

// Chunk splits text per strategy, always returning at least one chunk for
// non-empty text.
func Chunk(text string, strategy ChunkStrategy) []string {
	strategy = strategy.resolved()
	switch strategy.Kind {
	case ChunkCharCount:
		return chunkByCharCount(text, strategy.Target, strategy.Overlap)
	case ChunkParagraph:
		return chunkByParagraph(text)
	default:
		return chunkByTokenCount(text, strategy.Target, strategy.Overlap)
	}
}

func chunkByTokenCount(text string, target, overlap int) []string {
	fields := strings.Fields(text)
	if len(fields) == 0 {
		return nil
	}
	step := target - overlap
	if step <= 0 {
		step = target
	}
	var chunks []string
	for start := 0; start < len(fields); start += step {
		end := start + target
		if end > len(fields) {
			end = len(fields)
		}
		chunks = append(chunks, strings.Join(fields[start:end], " "))
		if end == len(fields) {
			break
		}
	}
	return chunks
}

func chunkByCharCount(text string, target, overlap int) []string {
	if len(text) == 0 {
		return nil
	}
	step := target - overlap
	if step <= 0 {
		step = target
	}
	var chunks []string
	for start := 0; start < len(text); start += step {
		end := start + target
		if end > len(text) {
			end = len(text)
		}
		chunks = append(chunks, text[start:end])
		if end == len(text) {
			break
		}
	}
	return chunks
}

func chunkByParagraph(text string) []string {
	raw := strings.Split(text, "\n\n")
	var chunks []string
	for _, p := range raw {
		p = strings.TrimSpace(p)
		if p != "" {
			chunks = append(chunks, p)
		}
	}
	if len(chunks) == 0 && strings.TrimSpace(text) != "" {
		chunks = []string{strings.TrimSpace(text)}
	}
	return chunks
}
