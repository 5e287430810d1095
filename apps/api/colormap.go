package main

import (
	"image/color"
	"math"

	"github.com/lucasb-eyer/go-colorful"
)

// ColorBrewer OrRd, nine classes, the stops matplotlib interpolates for "OrRd".
var orRdStops = []string{
	"#fff7ec", "#fee8c8", "#fdd49e", "#fdbb84", "#fc8d59",
	"#ef6548", "#d7301f", "#b30000", "#7f0000",
}

var (
	colorMissingFill = color.RGBA{0xff, 0xff, 0xff, 0xff}
	colorMissingEdge = color.RGBA{0xd3, 0xd3, 0xd3, 0xff} // lightgray
	colorOutline     = color.RGBA{0xa9, 0xa9, 0xa9, 0xff} // darkgray
	colorMarker      = color.RGBA{0xff, 0x00, 0x00, 0xff}
	colorText        = color.RGBA{0x26, 0x26, 0x26, 0xff}
	colorFrame       = color.RGBA{0x00, 0x00, 0x00, 0xff}
)

type colormap struct {
	stops []colorful.Color
}

func newColormap(hexStops []string) colormap {
	stops := make([]colorful.Color, 0, len(hexStops))
	for _, hex := range hexStops {
		c, err := colorful.Hex(hex)
		if err != nil {
			panic("invalid colormap stop " + hex)
		}
		stops = append(stops, c)
	}
	return colormap{stops: stops}
}

// at maps t in [0,1] onto the colormap, clamping outside values.
func (m colormap) at(t float64) color.RGBA {
	if math.IsNaN(t) || t < 0 {
		t = 0
	}
	if t > 1 {
		t = 1
	}
	pos := t * float64(len(m.stops)-1)
	i := int(math.Floor(pos))
	if i >= len(m.stops)-1 {
		return toRGBA(m.stops[len(m.stops)-1])
	}
	return toRGBA(m.stops[i].BlendRgb(m.stops[i+1], pos-float64(i)))
}

func toRGBA(c colorful.Color) color.RGBA {
	r, g, b := c.Clamped().RGB255()
	return color.RGBA{r, g, b, 0xff}
}

// valueRange is a linear normalization over the recorded values.
type valueRange struct {
	Min, Max float64
	ok       bool
}

func rangeOf(values []float64) valueRange {
	r := valueRange{Min: math.Inf(1), Max: math.Inf(-1)}
	for _, v := range values {
		if math.IsNaN(v) {
			continue
		}
		r.Min = math.Min(r.Min, v)
		r.Max = math.Max(r.Max, v)
		r.ok = true
	}
	return r
}

// normalize maps v to [0,1]. A degenerate range maps to the low end.
func (r valueRange) normalize(v float64) float64 {
	if !r.ok || r.Max <= r.Min {
		return 0
	}
	return (v - r.Min) / (r.Max - r.Min)
}
