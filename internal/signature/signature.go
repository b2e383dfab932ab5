// Package signature captures freehand strokes and flattens them into an
// opaque raster suitable for PDF embedding.
package signature

import (
	"bytes"
	"image"
	"image/color"
	"image/draw"
	"image/png"
	"math"
	"sync"

	"github.com/expensio/expensio/internal/errors"
)

// Point is one sampled pointer position, in pad coordinates.
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Pad accumulates pointer strokes on a transparent layer. Clear erases the
// strokes only; no stroke data persists between sessions.
type Pad struct {
	mu          sync.Mutex
	width       int
	height      int
	strokeWidth float64
	strokes     [][]Point
}

// NewPad creates a drawing surface of the given pixel dimensions.
func NewPad(width, height int, strokeWidth float64) *Pad {
	if strokeWidth <= 0 {
		strokeWidth = 2.5
	}
	return &Pad{
		width:       width,
		height:      height,
		strokeWidth: strokeWidth,
	}
}

// AddStroke appends one connected stroke (pointer-down through pointer-up).
// Strokes with no points are ignored.
func (p *Pad) AddStroke(points []Point) {
	if len(points) == 0 {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	stroke := make([]Point, len(points))
	copy(stroke, points)
	p.strokes = append(p.strokes, stroke)
}

// Clear erases the stroke layer only; dimensions and stroke width stay.
func (p *Pad) Clear() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.strokes = nil
}

// Empty reports whether any stroke has been drawn.
func (p *Pad) Empty() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.strokes) == 0
}

// Flatten composites the stroke layer onto an opaque white background of the
// pad's dimensions and encodes the result as PNG. Downstream embedding
// targets do not handle transparency reliably, so the export is always
// opaque.
func (p *Pad) Flatten() ([]byte, error) {
	p.mu.Lock()
	strokes := p.strokes
	p.mu.Unlock()

	canvas := image.NewRGBA(image.Rect(0, 0, p.width, p.height))
	draw.Draw(canvas, canvas.Bounds(), image.NewUniform(color.White), image.Point{}, draw.Src)

	ink := color.RGBA{R: 16, G: 16, B: 48, A: 255}
	for _, stroke := range strokes {
		if len(stroke) == 1 {
			stamp(canvas, stroke[0], p.strokeWidth, ink)
			continue
		}
		for i := 1; i < len(stroke); i++ {
			drawSegment(canvas, stroke[i-1], stroke[i], p.strokeWidth, ink)
		}
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, canvas); err != nil {
		return nil, errors.Wrap(err, errors.ErrRasterFailed.Code, "failed to encode signature")
	}
	return buf.Bytes(), nil
}

// drawSegment draws a thick line by stamping a filled disc along the segment
// at sub-pixel steps.
func drawSegment(canvas *image.RGBA, a, b Point, width float64, ink color.RGBA) {
	dx := b.X - a.X
	dy := b.Y - a.Y
	length := math.Hypot(dx, dy)
	steps := int(length*2) + 1
	for i := 0; i <= steps; i++ {
		t := float64(i) / float64(steps)
		stamp(canvas, Point{X: a.X + dx*t, Y: a.Y + dy*t}, width, ink)
	}
}

func stamp(canvas *image.RGBA, center Point, width float64, ink color.RGBA) {
	r := width / 2
	minX := int(math.Floor(center.X - r))
	maxX := int(math.Ceil(center.X + r))
	minY := int(math.Floor(center.Y - r))
	maxY := int(math.Ceil(center.Y + r))
	for y := minY; y <= maxY; y++ {
		for x := minX; x <= maxX; x++ {
			if math.Hypot(float64(x)-center.X, float64(y)-center.Y) <= r {
				canvas.SetRGBA(x, y, ink)
			}
		}
	}
}
