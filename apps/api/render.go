package main

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/png"
	"math"
	"sync"

	"github.com/paulmach/orb"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/font/gofont/goregular"
	"golang.org/x/image/font/opentype"
	"golang.org/x/image/math/fixed"
	"golang.org/x/image/vector"
)

const (
	defaultMapWidth   = 640
	defaultMapHeight  = 480
	plotPadding       = 12
	boundsMargin      = 0.04
	colorbarReserve   = 84
	colorbarWidth     = 14
	markerRadiusPx    = 4.0
	missingEdgeWidth  = 1.0
	outlineWidth      = 2.0
	scaleBarFraction  = 0.2
	scaleBarThickness = 3
	labelFontSize     = 11
	tickCount         = 5
)

var orRd = newColormap(orRdStops)

// mapRenderer draws the choropleth PNG for a view. Geometry arrives already
// projected to metres on the view's subset.
type mapRenderer struct {
	width  int
	height int
	groups []RegionGroup
	proj   orb.Projection
}

func newMapRenderer(width, height int, groups []RegionGroup, proj orb.Projection) *mapRenderer {
	if width <= 0 {
		width = defaultMapWidth
	}
	if height <= 0 {
		height = defaultMapHeight
	}
	return &mapRenderer{width: width, height: height, groups: groups, proj: proj}
}

// plotTransform maps metric coordinates to pixels with equal aspect, y up.
type plotTransform struct {
	minX, minY float64
	scale      float64
	originX    float64
	originY    float64
}

func (t plotTransform) apply(p orb.Point) (float32, float32) {
	x := t.originX + (p[0]-t.minX)*t.scale
	y := t.originY - (p[1]-t.minY)*t.scale
	return float32(x), float32(y)
}

func fitTransform(b orb.Bound, plot image.Rectangle) plotTransform {
	w := b.Max[0] - b.Min[0]
	h := b.Max[1] - b.Min[1]
	if w <= 0 && h <= 0 {
		w, h = 1000, 1000
		b = orb.Bound{
			Min: orb.Point{b.Min[0] - 500, b.Min[1] - 500},
			Max: orb.Point{b.Max[0] + 500, b.Max[1] + 500},
		}
	}
	mx := math.Max(w, h) * boundsMargin
	b.Min = orb.Point{b.Min[0] - mx, b.Min[1] - mx}
	b.Max = orb.Point{b.Max[0] + mx, b.Max[1] + mx}
	w = b.Max[0] - b.Min[0]
	h = b.Max[1] - b.Min[1]

	pw := float64(plot.Dx())
	ph := float64(plot.Dy())
	scale := math.Min(pw/w, ph/h)

	usedW := w * scale
	usedH := h * scale
	return plotTransform{
		minX:    b.Min[0],
		minY:    b.Min[1],
		scale:   scale,
		originX: float64(plot.Min.X) + (pw-usedW)/2,
		originY: float64(plot.Max.Y) - (ph-usedH)/2,
	}
}

// Render draws view and returns PNG bytes.
func (r *mapRenderer) Render(view mapView) ([]byte, error) {
	img := image.NewRGBA(image.Rect(0, 0, r.width, r.height))
	draw.Draw(img, img.Bounds(), image.NewUniform(color.White), image.Point{}, draw.Src)

	entries := view.subset.entries
	values := make([]float64, 0, len(entries))
	for _, e := range entries {
		if e.Value != nil {
			values = append(values, *e.Value)
		}
	}
	vr := rangeOf(values)

	plot := image.Rect(plotPadding, plotPadding, r.width-plotPadding, r.height-plotPadding)
	if vr.ok {
		plot.Max.X -= colorbarReserve
	}

	var marker *orb.Point
	if view.Marker != nil {
		p := r.proj(orb.Point{view.Marker.Lon, view.Marker.Lat})
		marker = &p
	}

	bound, ok := viewBound(entries, marker)
	if !ok {
		return encodePNG(img)
	}
	tr := fitTransform(bound, plot)

	faces, err := newRenderFaces()
	if err != nil {
		return nil, err
	}
	defer faces.Close()

	z := vector.NewRasterizer(r.width, r.height)
	for _, e := range entries {
		fill := colorMissingFill
		if e.Value != nil {
			fill = orRd.at(vr.normalize(*e.Value))
		}
		fillMultiPolygon(img, z, e.Projected, tr, fill)
	}
	for _, e := range entries {
		if e.Value == nil {
			strokeSegments(img, z, ringSegments(e.Projected), tr, missingEdgeWidth, colorMissingEdge)
		}
	}

	drawScaleBar(img, plot, tr, faces.label)

	if marker != nil {
		x, y := tr.apply(*marker)
		fillCircle(img, z, x, y, markerRadiusPx, colorMarker)
	}

	for _, g := range r.groups {
		if !g.Outline {
			continue
		}
		members := outlineMembers(entries, g)
		if len(members) == 0 {
			continue
		}
		strokeSegments(img, z, dissolvedBoundary(members), tr, outlineWidth, colorOutline)
	}

	if vr.ok {
		drawColorbar(img, image.Rect(plot.Max.X+16, plot.Min.Y, plot.Max.X+16+colorbarWidth, plot.Max.Y), vr, faces.label)
	}

	return encodePNG(img)
}

func viewBound(entries []tableEntry, marker *orb.Point) (orb.Bound, bool) {
	var b orb.Bound
	ok := false
	for _, e := range entries {
		if len(e.Projected) == 0 {
			continue
		}
		eb := e.Projected.Bound()
		if !ok {
			b = eb
			ok = true
			continue
		}
		b = b.Union(eb)
	}
	if marker != nil {
		if !ok {
			b = orb.Bound{Min: *marker, Max: *marker}
			ok = true
		} else {
			b = b.Extend(*marker)
		}
	}
	return b, ok
}

func outlineMembers(entries []tableEntry, g RegionGroup) []orb.MultiPolygon {
	codes := make(map[string]struct{}, len(g.StateCodes))
	for _, c := range g.StateCodes {
		codes[c] = struct{}{}
	}
	var out []orb.MultiPolygon
	for _, e := range entries {
		if _, ok := codes[e.StateCode]; ok {
			out = append(out, e.Projected)
		}
	}
	return out
}

func ringSegments(mp orb.MultiPolygon) []orb.LineString {
	var out []orb.LineString
	for _, poly := range mp {
		for _, ring := range poly {
			if len(ring) > 1 {
				out = append(out, orb.LineString(ring))
			}
		}
	}
	return out
}

// resetRasterizer clears z for the next shape. Reset keeps the coverage buffer
// when the size is unchanged.
func resetRasterizer(z *vector.Rasterizer, b image.Rectangle) {
	z.Reset(b.Dx(), b.Dy())
	z.DrawOp = draw.Over
}

func fillMultiPolygon(img *image.RGBA, z *vector.Rasterizer, mp orb.MultiPolygon, tr plotTransform, c color.Color) {
	b := img.Bounds()
	resetRasterizer(z, b)
	drawn := false
	for _, poly := range mp {
		for _, ring := range poly {
			if len(ring) < 3 {
				continue
			}
			x, y := tr.apply(ring[0])
			z.MoveTo(x, y)
			for _, p := range ring[1:] {
				x, y = tr.apply(p)
				z.LineTo(x, y)
			}
			z.ClosePath()
			drawn = true
		}
	}
	if drawn {
		z.Draw(img, b, image.NewUniform(c), image.Point{})
	}
}

// strokeSegments draws each polyline as a chain of square-capped quads so
// joins between consecutive segments stay closed.
func strokeSegments(img *image.RGBA, z *vector.Rasterizer, lines []orb.LineString, tr plotTransform, width float64, c color.Color) {
	b := img.Bounds()
	resetRasterizer(z, b)
	half := float32(width / 2)
	drawn := false
	for _, line := range lines {
		for i := 0; i+1 < len(line); i++ {
			x0, y0 := tr.apply(line[i])
			x1, y1 := tr.apply(line[i+1])
			if addSegmentQuad(z, x0, y0, x1, y1, half) {
				drawn = true
			}
		}
	}
	if drawn {
		z.Draw(img, b, image.NewUniform(c), image.Point{})
	}
}

func addSegmentQuad(z *vector.Rasterizer, x0, y0, x1, y1, half float32) bool {
	dx := x1 - x0
	dy := y1 - y0
	length := float32(math.Hypot(float64(dx), float64(dy)))
	if length == 0 {
		return false
	}
	ux := dx / length * half
	uy := dy / length * half
	// Extend both ends by half the width (square cap), then offset along the normal.
	ax, ay := x0-ux, y0-uy
	bx, by := x1+ux, y1+uy
	nx, ny := -uy, ux
	z.MoveTo(ax+nx, ay+ny)
	z.LineTo(bx+nx, by+ny)
	z.LineTo(bx-nx, by-ny)
	z.LineTo(ax-nx, ay-ny)
	z.ClosePath()
	return true
}

func fillCircle(img *image.RGBA, z *vector.Rasterizer, cx, cy, radius float32, c color.Color) {
	b := img.Bounds()
	resetRasterizer(z, b)
	const steps = 24
	for i := 0; i <= steps; i++ {
		a := 2 * math.Pi * float64(i) / steps
		x := cx + radius*float32(math.Cos(a))
		y := cy + radius*float32(math.Sin(a))
		if i == 0 {
			z.MoveTo(x, y)
			continue
		}
		z.LineTo(x, y)
	}
	z.ClosePath()
	z.Draw(img, b, image.NewUniform(c), image.Point{})
}

func fillRect(img *image.RGBA, rect image.Rectangle, c color.Color) {
	draw.Draw(img, rect.Intersect(img.Bounds()), image.NewUniform(c), image.Point{}, draw.Over)
}

func strokeRect(img *image.RGBA, rect image.Rectangle, c color.Color) {
	fillRect(img, image.Rect(rect.Min.X, rect.Min.Y, rect.Max.X, rect.Min.Y+1), c)
	fillRect(img, image.Rect(rect.Min.X, rect.Max.Y-1, rect.Max.X, rect.Max.Y), c)
	fillRect(img, image.Rect(rect.Min.X, rect.Min.Y, rect.Min.X+1, rect.Max.Y), c)
	fillRect(img, image.Rect(rect.Max.X-1, rect.Min.Y, rect.Max.X, rect.Max.Y), c)
}

// niceScaleLength picks 1, 2 or 5 × 10ⁿ metres not longer than maxMetres.
func niceScaleLength(maxMetres float64) float64 {
	if maxMetres <= 0 || math.IsNaN(maxMetres) || math.IsInf(maxMetres, 0) {
		return 0
	}
	exp := math.Floor(math.Log10(maxMetres))
	base := math.Pow(10, exp)
	for _, m := range []float64{5, 2, 1} {
		if m*base <= maxMetres {
			return m * base
		}
	}
	return base
}

func formatScaleLength(metres float64) string {
	if metres >= 1000 {
		return fmt.Sprintf("%g km", metres/1000)
	}
	if metres >= 1 {
		return fmt.Sprintf("%g m", metres)
	}
	return fmt.Sprintf("%g cm", metres*100)
}

func drawScaleBar(img *image.RGBA, plot image.Rectangle, tr plotTransform, face font.Face) {
	plotMetres := float64(plot.Dx()) / tr.scale
	length := niceScaleLength(plotMetres * scaleBarFraction)
	if length == 0 {
		return
	}
	barPx := int(math.Round(length * tr.scale))
	if barPx < 4 {
		return
	}
	label := formatScaleLength(length)
	labelW := font.MeasureString(face, label).Ceil()
	ascent := face.Metrics().Ascent.Ceil()

	boxW := max(barPx, labelW) + 12
	boxH := scaleBarThickness + ascent + 14
	box := image.Rect(plot.Max.X-boxW-4, plot.Min.Y+4, plot.Max.X-4, plot.Min.Y+4+boxH)
	fillRect(img, box, color.NRGBA{0xff, 0xff, 0xff, 0xcc})

	barX := box.Min.X + (boxW-barPx)/2
	barY := box.Min.Y + 5
	fillRect(img, image.Rect(barX, barY, barX+barPx, barY+scaleBarThickness), colorFrame)

	textX := box.Min.X + (boxW-labelW)/2
	drawText(img, label, textX, barY+scaleBarThickness+3+ascent, colorFrame, face)
}

// colorbarTicks returns about count round values covering [min, max].
func colorbarTicks(vr valueRange, count int) []float64 {
	if !vr.ok {
		return nil
	}
	if vr.Max <= vr.Min {
		return []float64{vr.Min}
	}
	step := niceStep((vr.Max - vr.Min) / float64(count-1))
	start := math.Ceil(vr.Min/step) * step
	if start+step == start {
		// step is below float64 resolution at this magnitude
		return []float64{vr.Min, vr.Max}
	}
	var ticks []float64
	for i := 0; i <= count*3; i++ {
		v := start + float64(i)*step
		if v > vr.Max+step*1e-9 {
			break
		}
		ticks = append(ticks, roundTo(v, step))
	}
	return ticks
}

func niceStep(raw float64) float64 {
	exp := math.Floor(math.Log10(raw))
	base := math.Pow(10, exp)
	frac := raw / base
	switch {
	case frac <= 1:
		return base
	case frac <= 2:
		return 2 * base
	case frac <= 5:
		return 5 * base
	default:
		return 10 * base
	}
}

func roundTo(v, step float64) float64 {
	decimals := math.Max(0, -math.Floor(math.Log10(step)))
	p := math.Pow(10, decimals)
	if math.IsInf(p, 0) {
		return v
	}
	return math.Round(v*p) / p
}

func drawColorbar(img *image.RGBA, bar image.Rectangle, vr valueRange, face font.Face) {
	h := bar.Dy()
	if h <= 1 {
		return
	}
	for y := bar.Min.Y; y < bar.Max.Y; y++ {
		t := 1 - float64(y-bar.Min.Y)/float64(h-1)
		fillRect(img, image.Rect(bar.Min.X, y, bar.Max.X, y+1), orRd.at(t))
	}
	strokeRect(img, bar, colorFrame)

	ascent := face.Metrics().Ascent.Ceil()
	for _, tick := range colorbarTicks(vr, tickCount) {
		t := vr.normalize(tick)
		y := bar.Max.Y - 1 - int(math.Round(t*float64(h-1)))
		fillRect(img, image.Rect(bar.Max.X, y, bar.Max.X+4, y+1), colorFrame)
		drawText(img, fmt.Sprintf("%g", tick), bar.Max.X+6, y+ascent/2, colorText, face)
	}
}

func drawText(img *image.RGBA, text string, x, y int, c color.Color, face font.Face) {
	d := &font.Drawer{
		Dst:  img,
		Src:  image.NewUniform(c),
		Face: face,
		Dot:  fixed.P(x, y),
	}
	d.DrawString(text)
}

var (
	goRegularOnce sync.Once
	goRegularFont *opentype.Font
	goRegularErr  error
)

// renderFaces holds per-render font faces; opentype faces are not safe for
// concurrent use, so each render gets its own.
type renderFaces struct {
	label font.Face
	owned bool
}

func newRenderFaces() (*renderFaces, error) {
	goRegularOnce.Do(func() {
		goRegularFont, goRegularErr = opentype.Parse(goregular.TTF)
	})
	if goRegularErr != nil {
		return &renderFaces{label: basicfont.Face7x13}, nil
	}
	face, err := opentype.NewFace(goRegularFont, &opentype.FaceOptions{
		Size:    labelFontSize,
		DPI:     72,
		Hinting: font.HintingFull,
	})
	if err != nil {
		return nil, fmt.Errorf("load label font: %w", err)
	}
	return &renderFaces{label: face, owned: true}, nil
}

func (f *renderFaces) Close() {
	if f.owned {
		_ = f.label.Close()
	}
}

func encodePNG(img image.Image) ([]byte, error) {
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("encode png: %w", err)
	}
	return buf.Bytes(), nil
}

// pngDataURI wraps PNG bytes the way an <img src> expects them.
func pngDataURI(data []byte) string {
	return "data:image/png;base64," + base64.StdEncoding.EncodeToString(data)
}
