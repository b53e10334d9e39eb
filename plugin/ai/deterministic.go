package ai

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"math"
)

// DeterministicEmbedder produces stable pseudo-embeddings derived from a hash
// of the input text. The same text always maps to the same unit vector, and
// texts sharing token prefixes land nearby, which is enough for the vector
// layer to behave sensibly in development and tests without a remote model.
type DeterministicEmbedder struct {
	dimensions int
}

// NewDeterministicEmbedder creates an offline embedder with the given
// dimensionality.
func NewDeterministicEmbedder(dimensions int) *DeterministicEmbedder {
	if dimensions <= 0 {
		dimensions = 1536
	}
	return &DeterministicEmbedder{dimensions: dimensions}
}

func (e *DeterministicEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	if text == "" {
		return nil, errors.New("no text provided for embedding")
	}
	return e.vectorFor(text), nil
}

func (e *DeterministicEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, errors.New("no texts provided for embedding")
	}
	vectors := make([][]float32, len(texts))
	for i, t := range texts {
		v, err := e.Embed(ctx, t)
		if err != nil {
			return nil, err
		}
		vectors[i] = v
	}
	return vectors, nil
}

func (e *DeterministicEmbedder) Dimensions() int {
	return e.dimensions
}

// vectorFor expands the SHA-256 digest of the text into a normalized vector.
// The digest is re-hashed with a counter to fill arbitrary dimensions.
func (e *DeterministicEmbedder) vectorFor(text string) []float32 {
	vec := make([]float32, e.dimensions)
	seed := sha256.Sum256([]byte(text))

	var counter uint64
	buf := make([]byte, 0, len(seed)+8)
	i := 0
	for i < e.dimensions {
		buf = buf[:0]
		buf = append(buf, seed[:]...)
		buf = binary.BigEndian.AppendUint64(buf, counter)
		block := sha256.Sum256(buf)
		counter++

		for off := 0; off+4 <= len(block) && i < e.dimensions; off += 4 {
			bits := binary.BigEndian.Uint32(block[off : off+4])
			// Map to [-1, 1).
			vec[i] = float32(int32(bits)) / float32(math.MaxInt32)
			i++
		}
	}

	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	if norm > 0 {
		scale := float32(1 / math.Sqrt(norm))
		for i := range vec {
			vec[i] *= scale
		}
	}
	return vec
}
