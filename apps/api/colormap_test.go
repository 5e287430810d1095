package main

import (
	"image/color"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestColormapEndpointsAndClamping(t *testing.T) {
	low := color.RGBA{0xff, 0xf7, 0xec, 0xff}
	high := color.RGBA{0x7f, 0x00, 0x00, 0xff}

	assert.Equal(t, low, orRd.at(0))
	assert.Equal(t, high, orRd.at(1))
	assert.Equal(t, low, orRd.at(-0.5))
	assert.Equal(t, high, orRd.at(3))
	assert.Equal(t, low, orRd.at(math.NaN()))
	assert.Equal(t, color.RGBA{0xfc, 0x8d, 0x59, 0xff}, orRd.at(0.5))
}

func TestColormapDarkensTowardsTop(t *testing.T) {
	// OrRd darkens towards the top; green falls steadily.
	prev := orRd.at(0)
	for i := 1; i <= 20; i++ {
		c := orRd.at(float64(i) / 20)
		assert.LessOrEqual(t, c.G, prev.G, "step %d", i)
		prev = c
	}
}

func TestValueRange(t *testing.T) {
	r := rangeOf(nil)
	assert.False(t, r.ok)
	assert.Equal(t, 0.0, r.normalize(5))

	r = rangeOf([]float64{4, math.NaN(), 10, 6})
	assert.True(t, r.ok)
	assert.Equal(t, 4.0, r.Min)
	assert.Equal(t, 10.0, r.Max)
	assert.InDelta(t, 0.5, r.normalize(7), 1e-12)

	r = rangeOf([]float64{3, 3})
	assert.Equal(t, 0.0, r.normalize(3), "a single distinct value maps to the low end")
}
