package embedproviders

import (
	"context"
	"encoding/binary"

	"github.com/iosstud/wax/internal/checksum"
)

// TestProvider is a deterministic in-process EmbeddingProvider: the same
// text always produces the same vector, with no model weights and no I/O,
// so integration tests exercise the full ingest/recall path without a real
// transformer. Grounded on internal/vectorindex's seeded-PRNG determinism
// discipline (index.go's splitmix64 levelGen), here reseeded per input
// string from its SHA-256 digest instead of an insertion counter.
type TestProvider struct {
	dimensions int
	identity   Identity
	mode       ExecutionMode
	normalize  bool
}

// NewTestProvider builds a TestProvider producing dimensions-length
// vectors. mode must be set explicitly; there is no default (see
// ExecutionMode).
func NewTestProvider(dimensions int, mode ExecutionMode) *TestProvider {
	return &TestProvider{
		dimensions: dimensions,
		identity: Identity{
			Provider:   "wax-test",
			Model:      "deterministic-hash-v1",
			Dimensions: dimensions,
			Normalized: true,
		},
		mode:      mode,
		normalize: true,
	}
}

func (p *TestProvider) Dimensions() int            { return p.dimensions }
func (p *TestProvider) Normalize() bool            { return p.normalize }
func (p *TestProvider) Identity() Identity         { return p.identity }
func (p *TestProvider) ExecutionMode() ExecutionMode { return p.mode }

// Embed deterministically derives a vector from text's SHA-256 digest via a
// splitmix64-style stream, then L2-normalizes it.
func (p *TestProvider) Embed(ctx context.Context, text string) ([]float32, error) {
	if err := p.mode.Validate(); err != nil {
		return nil, err
	}
	digest := checksum.Sum256([]byte(text))
	seed := binary.LittleEndian.Uint64(digest[:8])
	v := make([]float32, p.dimensions)
	state := seed
	for i := range v {
		state += 0x9E3779B97F4A7C15
		z := state
		z = (z ^ (z >> 30)) * 0xBF58476D1CE4E5B9
		z = (z ^ (z >> 27)) * 0x94D049BB133111EB
		z = z ^ (z >> 31)
		// Map the top 24 bits to a signed unit range.
		v[i] = float32(int32(z>>40)) / float32(1<<23)
	}
	if p.normalize {
		v = NormalizeL2(v)
	}
	return v, nil
}

// EmbedBatch embeds each entry independently; TestProvider has no
// batching optimization to offer, so this exists only to satisfy
// BatchEmbeddingProvider for tests that exercise the batching path.
func (p *TestProvider) EmbedBatch(ctx context.Context, batch []string) ([][]float32, error) {
	out := make([][]float32, len(batch))
	for i, text := range batch {
		v, err := p.Embed(ctx, text)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

var (
	_ EmbeddingProvider      = (*TestProvider)(nil)
	_ BatchEmbeddingProvider = (*TestProvider)(nil)
)
