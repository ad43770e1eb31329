package embeddings

import (
	"context"
	"fmt"
	"hash/fnv"
	"math"
	"strings"
	"unicode"
)

// HashEmbeddings is a deterministic, offline embedder. Each lower-cased word
// is hashed into a signed bucket, so texts sharing words land close together.
// It needs no network access and is used in development and tests.
type HashEmbeddings struct {
	dimensions int
}

func init() {
	Register("hash", func(config Config) (EmbeddingService, error) {
		return NewHash(config.Hash.Dimensions), nil
	})
}

// NewHash creates a HashEmbeddings with the given vector size.
func NewHash(dimensions int) *HashEmbeddings {
	if dimensions <= 0 {
		dimensions = 384
	}
	return &HashEmbeddings{dimensions: dimensions}
}

func (h *HashEmbeddings) Embed(ctx context.Context, text string) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if strings.TrimSpace(text) == "" {
		return nil, fmt.Errorf("text cannot be empty")
	}

	vec := make([]float32, h.dimensions)
	words := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})
	if len(words) == 0 {
		words = []string{text}
	}
	for _, w := range words {
		f := fnv.New64a()
		_, _ = f.Write([]byte(w))
		sum := f.Sum64()
		idx := int(sum % uint64(h.dimensions))
		if sum&(1<<63) != 0 {
			vec[idx]--
		} else {
			vec[idx]++
		}
	}
	return normalize(vec), nil
}

func (h *HashEmbeddings) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, fmt.Errorf("texts cannot be empty")
	}
	out := make([][]float32, len(texts))
	for i, t := range texts {
		v, err := h.Embed(ctx, t)
		if err != nil {
			return nil, fmt.Errorf("text %d: %w", i, err)
		}
		out[i] = v
	}
	return out, nil
}

func (h *HashEmbeddings) Dimensions() int { return h.dimensions }

func (h *HashEmbeddings) ModelName() string { return "fnv-feature-hash" }

func (h *HashEmbeddings) Close() error { return nil }

func normalize(vec []float32) []float32 {
	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	if norm == 0 {
		return vec
	}
	n := float32(math.Sqrt(norm))
	for i := range vec {
		vec[i] /= n
	}
	return vec
}
