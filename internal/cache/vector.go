package cache

import (
	"fmt"
	"strconv"
	"strings"
)

// EncodeVector renders a float32 slice in pgvector text format: "[x,y,z]".
func EncodeVector(vec []float32) string {
	var b strings.Builder
	b.WriteByte('[')
	for i, v := range vec {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(strconv.FormatFloat(float64(v), 'g', -1, 32))
	}
	b.WriteByte(']')
	return b.String()
}

// DecodeVector parses pgvector text format back into a float32 slice.
func DecodeVector(s string) ([]float32, error) {
	s = strings.TrimSpace(s)
	if len(s) < 2 || s[0] != '[' || s[len(s)-1] != ']' {
		return nil, fmt.Errorf("malformed vector literal %q", truncate(s, 32))
	}
	inner := s[1 : len(s)-1]
	if inner == "" {
		return []float32{}, nil
	}
	parts := strings.Split(inner, ",")
	vec := make([]float32, len(parts))
	for i, p := range parts {
		f, err := strconv.ParseFloat(strings.TrimSpace(p), 32)
		if err != nil {
			return nil, fmt.Errorf("malformed vector element %d: %w", i, err)
		}
		vec[i] = float32(f)
	}
	return vec, nil
}

// CompressVector mean-pools a vector down to dim buckets. Used for the
// coarse first search stage; returns nil when the input is already at or
// below the target dimension.
func CompressVector(vec []float32, dim int) []float32 {
	if dim <= 0 || len(vec) <= dim {
		return nil
	}
	out := make([]float32, dim)
	counts := make([]int, dim)
	for i, v := range vec {
		bucket := i * dim / len(vec)
		out[bucket] += v
		counts[bucket]++
	}
	for i := range out {
		if counts[i] > 0 {
			out[i] /= float32(counts[i])
		}
	}
	return out
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
