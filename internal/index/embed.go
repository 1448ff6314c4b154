package index

import (
	"hash/fnv"
	"math"
	"strings"
	"unicode"
)

// EmbeddingDim is the dimensionality of record embeddings. It matches the
// vector column width of the postgres embedding table.
const EmbeddingDim = 256

// Embedder turns text into a fixed-size vector for similarity scoring.
type Embedder interface {
	Embed(text string) []float32
}

// HashEmbedder is a deterministic feature-hashing embedder: each token and
// token bigram hashes to a bucket, and the bucket vector is L2-normalized.
// It needs no model, embeds identical text identically across restarts, and
// is good enough to rank lexically-related records near each other.
type HashEmbedder struct{}

var _ Embedder = (*HashEmbedder)(nil)

func (HashEmbedder) Embed(text string) []float32 {
	vec := make([]float32, EmbeddingDim)
	tokens := tokenize(text)
	for i, tok := range tokens {
		vec[bucket(tok)]++
		if i > 0 {
			vec[bucket(tokens[i-1]+" "+tok)]++
		}
	}
	return normalize(vec)
}

func bucket(token string) int {
	h := fnv.New32a()
	h.Write([]byte(token))
	return int(h.Sum32() % EmbeddingDim)
}

func normalize(vec []float32) []float32 {
	var sum float64
	for _, v := range vec {
		sum += float64(v) * float64(v)
	}
	if sum == 0 {
		return vec
	}
	norm := float32(math.Sqrt(sum))
	for i := range vec {
		vec[i] /= norm
	}
	return vec
}

// cosine returns the cosine similarity of two normalized vectors.
func cosine(a, b []float32) float64 {
	if len(a) != len(b) {
		return 0
	}
	var dot float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
	}
	return dot
}

// tokenize lowercases and splits on non-alphanumeric runes.
func tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})
}
