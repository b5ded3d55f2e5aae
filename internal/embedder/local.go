// Package embedder provides the in-process embedding path: cheap
// deterministic models used for short, low-complexity text and as ensemble
// members. The same texts always produce the same vectors, which keeps the
// content-addressed cache stable across processes.
package embedder

import (
	"context"
	"hash/fnv"
	"math"

	"github.com/developer-mesh/llm-gateway/pkg/models"
)

// Embedder produces a fixed-dimension vector for a text.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, models.TokenUsage, error)
	ModelID() string
	Dimensions() int
	QualityScore() float64
}

// Local is a feature-hashing embedder: character trigrams are hashed into
// a fixed number of buckets and the result is L2-normalized. Fast and
// deterministic; quality is bounded, which the router accounts for.
type Local struct {
	modelID string
	dims    int
	quality float64
	// seed varies the hash so distinct local models disagree.
	seed uint64
}

// NewLocal creates a local embedder.
func NewLocal(modelID string, dims int, quality float64, seed uint64) *Local {
	if dims <= 0 {
		dims = 384
	}
	return &Local{modelID: modelID, dims: dims, quality: quality, seed: seed}
}

// Embed produces the trigram feature-hash vector for text.
func (l *Local) Embed(ctx context.Context, text string) ([]float32, models.TokenUsage, error) {
	if text == "" {
		return nil, models.TokenUsage{}, models.NewError(models.KindClientError, "text cannot be empty")
	}
	if err := ctx.Err(); err != nil {
		return nil, models.TokenUsage{}, err
	}

	vec := make([]float32, l.dims)
	runes := []rune(text)
	if len(runes) < 3 {
		runes = append(runes, ' ', ' ')
	}
	for i := 0; i+3 <= len(runes); i++ {
		h := fnv.New64a()
		var buf [8]byte
		putUint64(buf[:], l.seed)
		_, _ = h.Write(buf[:])
		_, _ = h.Write([]byte(string(runes[i : i+3])))
		sum := h.Sum64()
		bucket := int(sum % uint64(l.dims))
		// The next bit decides sign so buckets stay zero-centered.
		if (sum>>63)&1 == 1 {
			vec[bucket]++
		} else {
			vec[bucket]--
		}
	}
	normalize(vec)

	tokens := len(text) / 4
	if tokens == 0 {
		tokens = 1
	}
	return vec, models.TokenUsage{Input: tokens, Total: tokens}, nil
}

// ModelID returns the catalog id of this embedder.
func (l *Local) ModelID() string { return l.modelID }

// Dimensions returns the output vector dimension.
func (l *Local) Dimensions() int { return l.dims }

// QualityScore returns the static quality estimate for this model.
func (l *Local) QualityScore() float64 { return l.quality }

// Ensemble averages the vectors of several same-dimension local embedders.
type Ensemble struct {
	modelID string
	members []Embedder
}

// NewEnsemble creates an ensemble over members. All members must share a
// dimension.
func NewEnsemble(modelID string, members ...Embedder) *Ensemble {
	return &Ensemble{modelID: modelID, members: members}
}

// Embed averages member vectors and renormalizes.
func (e *Ensemble) Embed(ctx context.Context, text string) ([]float32, models.TokenUsage, error) {
	if len(e.members) == 0 {
		return nil, models.TokenUsage{}, models.NewError(models.KindClientError, "ensemble has no members")
	}
	var acc []float32
	var usage models.TokenUsage
	for _, m := range e.members {
		vec, u, err := m.Embed(ctx, text)
		if err != nil {
			return nil, models.TokenUsage{}, err
		}
		if acc == nil {
			acc = make([]float32, len(vec))
		}
		for i, v := range vec {
			acc[i] += v
		}
		usage.Input += u.Input
	}
	for i := range acc {
		acc[i] /= float32(len(e.members))
	}
	normalize(acc)
	usage.Total = usage.Input
	return acc, usage, nil
}

// ModelID returns the ensemble's synthetic model id.
func (e *Ensemble) ModelID() string { return e.modelID }

// Dimensions returns the member dimension.
func (e *Ensemble) Dimensions() int {
	if len(e.members) == 0 {
		return 0
	}
	return e.members[0].Dimensions()
}

// QualityScore returns the mean member quality plus a small ensemble bonus.
func (e *Ensemble) QualityScore() float64 {
	if len(e.members) == 0 {
		return 0
	}
	var sum float64
	for _, m := range e.members {
		sum += m.QualityScore()
	}
	q := sum/float64(len(e.members)) + 0.05
	if q > 1 {
		q = 1
	}
	return q
}

func normalize(vec []float32) {
	var sum float64
	for _, v := range vec {
		sum += float64(v) * float64(v)
	}
	if sum == 0 {
		return
	}
	mag := math.Sqrt(sum)
	for i := range vec {
		vec[i] = float32(float64(vec[i]) / mag)
	}
}

func putUint64(b []byte, v uint64) {
	for i := 0; i < 8; i++ {
		b[i] = byte(v >> (8 * i))
	}
}
