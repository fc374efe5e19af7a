// Package embedproviders defines the embedding-capability surface
// (spec.md §6: "Embedding model execution (on-device transformer). Exposed
// as an EmbeddingProvider capability: text -> fixed-dimension float
// vector") as a small set of interfaces, the way the teacher's
// internal/plan.Node defines the execution-plan surface: a minimal method
// set plus one or more concrete implementations living alongside it. The
// real on-device transformer is out of scope (spec.md §1); this package
// ships only the contract and a deterministic in-process test provider.
package embedproviders

import (
	"context"
	"fmt"
	"math"
)

// ExecutionMode states whether a provider ever leaves the device. There is
// deliberately no default: the zero value is ExecutionModeUnset, and every
// concrete provider must set one explicitly, per spec.md §9's design note.
// A caller that forgets to set it fails fast instead of silently behaving
// as though it were on-device.
type ExecutionMode int

const (
	// ExecutionModeUnset is the zero value; Validate rejects it.
	ExecutionModeUnset ExecutionMode = iota
	// ExecutionModeOnDeviceOnly never leaves the host process/device.
	ExecutionModeOnDeviceOnly
	// ExecutionModeMayUseNetwork may call out to a remote embedding service.
	ExecutionModeMayUseNetwork
)

func (m ExecutionMode) String() string {
	switch m {
	case ExecutionModeOnDeviceOnly:
		return "on_device_only"
	case ExecutionModeMayUseNetwork:
		return "may_use_network"
	default:
		return "unset"
	}
}

// Validate reports an error for the zero value or any unrecognized mode.
func (m ExecutionMode) Validate() error {
	switch m {
	case ExecutionModeOnDeviceOnly, ExecutionModeMayUseNetwork:
		return nil
	default:
		return fmt.Errorf("embedproviders: execution mode must be set explicitly, got %q", m)
	}
}

// Identity names the model backing a provider, for recording alongside
// vectors so a later session can detect a model/dimension mismatch.
type Identity struct {
	Provider   string
	Model      string
	Dimensions int
	Normalized bool
}

// EmbeddingProvider turns text into a fixed-dimension vector, per
// spec.md §6: "dimensions, normalize, identity, execution_mode, embed(text)".
type EmbeddingProvider interface {
	// Dimensions is the fixed length of every vector this provider returns.
	Dimensions() int
	// Normalize reports whether Embed already returns L2-normalized vectors.
	Normalize() bool
	// Identity describes the model backing this provider.
	Identity() Identity
	// ExecutionMode reports whether this provider ever leaves the device.
	ExecutionMode() ExecutionMode
	// Embed converts text to a Dimensions()-length vector.
	Embed(ctx context.Context, text string) ([]float32, error)
}

// BatchEmbeddingProvider is an optional refinement an EmbeddingProvider may
// also implement: spec.md §6, "must return exactly one vector per input".
type BatchEmbeddingProvider interface {
	EmbeddingProvider
	// EmbedBatch embeds every entry in batch, returning one vector per
	// input in the same order.
	EmbedBatch(ctx context.Context, batch []string) ([][]float32, error)
}

// NormalizeL2 scales v to unit length in place and returns it. Zero vectors
// are returned unchanged, matching spec.md §8's property ("for all
// normalize_l2(v) with non-zero v, |‖normalize_l2(v)‖ - 1| < 1e-5").
func NormalizeL2(v []float32) []float32 {
	var sumSq float64
	for _, x := range v {
		sumSq += float64(x) * float64(x)
	}
	if sumSq == 0 {
		return v
	}
	norm := float32(math.Sqrt(sumSq))
	for i := range v {
		v[i] /= norm
	}
	return v
}
