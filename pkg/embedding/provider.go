// Package embedding converts text into fixed-dimension unit vectors. A
// provider implements one backend (TEI, OpenAI, Bedrock); the Service wraps
// whichever provider is configured with a bounded inflight queue, a circuit
// breaker and a query cache, and pins the model identity for the deployment.
package embedding

import (
	"context"
	"fmt"
	"math"
)

// Provider is the embedding backend contract. Implementations must be safe
// for concurrent use. Returned vectors are expected to be L2-normalised; the
// Service verifies and normalises once at the boundary regardless.
type Provider interface {
	// Embed produces one vector for one text
	Embed(ctx context.Context, text string) ([]float32, error)

	// EmbedBatch produces one vector per input, in order
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)

	// ModelID identifies the model family and version, e.g.
	// "sentence-transformers/all-MiniLM-L6-v2"
	ModelID() string

	// ModelRevision is the content-addressed model revision when the backend
	// exposes one, empty otherwise
	ModelRevision() string

	// Dimensions is the vector length this provider produces
	Dimensions() int
}

// normTolerance is the allowed deviation of a unit vector's L2 norm
const normTolerance = 1e-5

// normalize scales v to unit length in place and returns it. Vectors already
// within tolerance are returned untouched so provider-normalised output stays
// bit-identical.
func normalize(v []float32) ([]float32, error) {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	norm := math.Sqrt(sum)
	if norm == 0 {
		return nil, fmt.Errorf("embedding has zero norm")
	}
	if math.Abs(norm-1) <= normTolerance {
		return v, nil
	}
	for i := range v {
		v[i] = float32(float64(v[i]) / norm)
	}
	return v, nil
}
