package track

import "math"

// DefaultGallerySize bounds the per-track appearance gallery when the
// configuration does not say otherwise.
const DefaultGallerySize = 50

// Gallery is a rolling store of recent appearance feature vectors for one
// track. Features are L2-normalised on insertion so cosine distance reduces
// to 1 − dot product.
type Gallery struct {
	feats    [][]float32
	next     int
	capacity int
}

// NewGallery returns a gallery bounded to the given capacity.
func NewGallery(capacity int) *Gallery {
	if capacity <= 0 {
		capacity = DefaultGallerySize
	}
	return &Gallery{capacity: capacity}
}

// Add inserts a feature vector, evicting the oldest entry once the gallery
// is full. Empty or zero-norm vectors are ignored.
func (g *Gallery) Add(feature []float32) {
	f := normalize(feature)
	if f == nil {
		return
	}
	if len(g.feats) < g.capacity {
		g.feats = append(g.feats, f)
		return
	}
	g.feats[g.next] = f
	g.next = (g.next + 1) % g.capacity
}

// Len returns the number of stored features.
func (g *Gallery) Len() int {
	return len(g.feats)
}

// MinCosineDistance returns the minimum cosine distance between the given
// feature and the gallery, clamped to [0, 1]. Callers must check Len first;
// an empty gallery returns 1.
func (g *Gallery) MinCosineDistance(feature []float32) float64 {
	f := normalize(feature)
	if f == nil || len(g.feats) == 0 {
		return 1
	}
	best := 1.0
	for _, stored := range g.feats {
		d := 1 - dot(stored, f)
		if d < best {
			best = d
		}
	}
	if best < 0 {
		best = 0
	}
	if best > 1 {
		best = 1
	}
	return best
}

func dot(a, b []float32) float64 {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	var sum float64
	for i := 0; i < n; i++ {
		sum += float64(a[i]) * float64(b[i])
	}
	return sum
}

func normalize(f []float32) []float32 {
	if len(f) == 0 {
		return nil
	}
	var norm float64
	for _, v := range f {
		norm += float64(v) * float64(v)
	}
	norm = math.Sqrt(norm)
	if norm == 0 || math.IsNaN(norm) || math.IsInf(norm, 0) {
		return nil
	}
	out := make([]float32, len(f))
	for i, v := range f {
		out[i] = float32(float64(v) / norm)
	}
	return out
}
