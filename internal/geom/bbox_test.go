package geom

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestXYAHRoundTrip(t *testing.T) {
	b := FromXYXY(10, 20, 50, 100)
	cx, cy, a, h := b.XYAH()
	assert.InDelta(t, 30.0, cx, 1e-9)
	assert.InDelta(t, 60.0, cy, 1e-9)
	assert.InDelta(t, 0.5, a, 1e-9)
	assert.InDelta(t, 80.0, h, 1e-9)

	back := FromXYAH(cx, cy, a, h)
	assert.InDelta(t, b.X, back.X, 1e-9)
	assert.InDelta(t, b.Y, back.Y, 1e-9)
	assert.InDelta(t, b.W, back.W, 1e-9)
	assert.InDelta(t, b.H, back.H, 1e-9)
}

func TestIoU(t *testing.T) {
	t.Run("identical boxes", func(t *testing.T) {
		b := FromXYXY(0, 0, 10, 10)
		assert.InDelta(t, 1.0, IoU(b, b), 1e-9)
	})

	t.Run("disjoint boxes", func(t *testing.T) {
		a := FromXYXY(0, 0, 10, 10)
		b := FromXYXY(20, 20, 30, 30)
		assert.Zero(t, IoU(a, b))
	})

	t.Run("half overlap", func(t *testing.T) {
		a := FromXYXY(0, 0, 10, 10)
		b := FromXYXY(5, 0, 15, 10)
		// intersection 50, union 150
		assert.InDelta(t, 1.0/3.0, IoU(a, b), 1e-9)
	})

	t.Run("zero-area box", func(t *testing.T) {
		a := FromXYXY(0, 0, 10, 10)
		b := FromXYXY(5, 5, 5, 5)
		assert.Zero(t, IoU(a, b))
	})
}

func TestValid(t *testing.T) {
	assert.True(t, FromXYXY(0, 0, 10, 10).Valid())
	assert.False(t, FromXYXY(10, 10, 0, 0).Valid())
	assert.False(t, BBox{X: math.NaN(), W: 5, H: 5}.Valid())
	assert.False(t, BBox{X: 0, Y: 0, W: math.Inf(1), H: 5}.Valid())
	assert.False(t, BBox{}.Valid())
}

func TestContainsPoint(t *testing.T) {
	b := FromXYXY(10, 10, 20, 20)
	assert.True(t, b.ContainsPoint(15, 15, 0))
	assert.False(t, b.ContainsPoint(25, 15, 0))
	assert.True(t, b.ContainsPoint(25, 15, 5))
}
