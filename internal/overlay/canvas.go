package overlay

import (
	"image"
	"image/color"
	"image/draw"
	"math"

	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
	"golang.org/x/image/vector"

	"github.com/e7canasta/orion-pose-sensor/internal/types"
)

const (
	// StrokeWidth is the line width of every marker and segment, in pixels.
	StrokeWidth = 3.0

	// circleSegments is the polygon resolution used to approximate circles.
	circleSegments = 48
)

// Accent is the single stroke colour of the overlay.
var Accent = color.RGBA{R: 255, A: 255}

// Canvas is a raster drawing surface pre-transformed with a horizontal
// mirror: a point (x, y) in pose coordinates lands at (width - x, y).
//
// Canvas is not safe for concurrent use; the frame loop owns it.
type Canvas struct {
	img    *image.RGBA
	raster *vector.Rasterizer
	stroke image.Image

	resizes uint64
}

// NewCanvas creates a canvas of the given size.
func NewCanvas(width, height int) *Canvas {
	c := &Canvas{stroke: image.NewUniform(Accent)}
	c.Resize(width, height)
	return c
}

// Resize reallocates the backing image if the dimensions changed.
//
// Returns false (and does nothing) when they are unchanged.
func (c *Canvas) Resize(width, height int) bool {
	if width < 0 {
		width = 0
	}
	if height < 0 {
		height = 0
	}

	if c.img != nil && c.img.Rect.Dx() == width && c.img.Rect.Dy() == height {
		return false
	}

	c.img = image.NewRGBA(image.Rect(0, 0, width, height))
	c.raster = vector.NewRasterizer(width, height)
	c.resizes++
	return true
}

// Width returns the canvas width in pixels.
func (c *Canvas) Width() int { return c.img.Rect.Dx() }

// Height returns the canvas height in pixels.
func (c *Canvas) Height() int { return c.img.Rect.Dy() }

// Resizes counts reallocations since creation (including the first).
func (c *Canvas) Resizes() uint64 { return c.resizes }

// Image returns the composed surface. The image is reused across frames;
// callers that keep it must copy it.
func (c *Canvas) Image() *image.RGBA { return c.img }

// DrawMirroredFrame paints an RGB24 frame onto the canvas, flipped
// horizontally. Pixels outside the overlap of frame and canvas are left
// untouched.
func (c *Canvas) DrawMirroredFrame(frame *types.Frame) {
	if frame == nil || !frame.Valid() {
		return
	}

	w := min(frame.Width, c.Width())
	h := min(frame.Height, c.Height())
	canvasW := c.Width()

	for y := 0; y < h; y++ {
		srcRow := frame.Data[y*frame.Width*3:]
		dstRow := c.img.Pix[y*c.img.Stride:]
		for x := 0; x < w; x++ {
			s := srcRow[x*3 : x*3+3]
			d := dstRow[(canvasW-1-x)*4:]
			d[0], d[1], d[2], d[3] = s[0], s[1], s[2], 0xff
		}
	}
}

// StrokeCircle outlines a circle of radius r centred at (x, y).
func (c *Canvas) StrokeCircle(x, y, r float64) {
	cx := c.mirrorX(x)
	half := StrokeWidth / 2
	outer := r + half
	inner := math.Max(r-half, 0)

	c.raster.Reset(c.Width(), c.Height())

	// Outer ring counter-clockwise, inner ring clockwise: the inner disc
	// cancels out and only the annulus is filled.
	c.polygon(circlePoints(cx, y, outer, false))
	if inner > 0 {
		c.polygon(circlePoints(cx, y, inner, true))
	}

	c.raster.Draw(c.img, c.img.Bounds(), c.stroke, image.Point{})
}

// StrokeLine draws a straight segment from (x1, y1) to (x2, y2).
func (c *Canvas) StrokeLine(x1, y1, x2, y2 float64) {
	ax, bx := c.mirrorX(x1), c.mirrorX(x2)
	half := StrokeWidth / 2

	dx, dy := bx-ax, y2-y1
	length := math.Hypot(dx, dy)

	c.raster.Reset(c.Width(), c.Height())

	if length == 0 {
		// Degenerate segment: square dot
		c.polygon([]point{
			{ax - half, y1 - half}, {ax + half, y1 - half},
			{ax + half, y1 + half}, {ax - half, y1 + half},
		})
	} else {
		nx, ny := -dy/length*half, dx/length*half
		c.polygon([]point{
			{ax + nx, y1 + ny}, {bx + nx, y2 + ny},
			{bx - nx, y2 - ny}, {ax - nx, y1 - ny},
		})
	}

	c.raster.Draw(c.img, c.img.Bounds(), c.stroke, image.Point{})
}

// Caption writes text at the top-left corner, unmirrored, on a dark band.
func (c *Canvas) Caption(text string) {
	if text == "" {
		return
	}

	face := basicfont.Face7x13
	drawer := &font.Drawer{
		Dst:  c.img,
		Src:  image.NewUniform(color.White),
		Face: face,
	}

	metrics := face.Metrics()
	lineHeight := (metrics.Ascent + metrics.Descent).Ceil()
	textWidth := drawer.MeasureString(text).Ceil()

	band := image.Rect(0, 0, textWidth+8, lineHeight+8).Intersect(c.img.Bounds())
	draw.Draw(c.img, band, image.NewUniform(color.RGBA{A: 0xc0}), image.Point{}, draw.Over)

	drawer.Dot = fixed.Point26_6{
		X: fixed.I(4),
		Y: fixed.I(4) + metrics.Ascent,
	}
	drawer.DrawString(text)
}

func (c *Canvas) mirrorX(x float64) float64 {
	return float64(c.Width()) - x
}

type point struct{ x, y float64 }

// polygon adds a closed path to the rasterizer, clipped to the canvas.
// Paths with a non-finite vertex are ignored.
func (c *Canvas) polygon(pts []point) {
	for _, p := range pts {
		if !finite(p.x) || !finite(p.y) {
			return
		}
	}

	pts = clipPolygon(pts, float64(c.Width()), float64(c.Height()))
	if len(pts) < 3 {
		return
	}

	c.raster.MoveTo(float32(pts[0].x), float32(pts[0].y))
	for _, p := range pts[1:] {
		c.raster.LineTo(float32(p.x), float32(p.y))
	}
	c.raster.ClosePath()
}

// clipPolygon clips a closed polygon to the rectangle [0,w]x[0,h]
// (Sutherland-Hodgman). Convex input is clipped exactly and keeps its
// orientation.
func clipPolygon(pts []point, w, h float64) []point {
	pts = clipEdge(pts, func(p point) bool { return p.x >= 0 }, func(a, b point) point { return crossX(a, b, 0) })
	pts = clipEdge(pts, func(p point) bool { return p.x <= w }, func(a, b point) point { return crossX(a, b, w) })
	pts = clipEdge(pts, func(p point) bool { return p.y >= 0 }, func(a, b point) point { return crossY(a, b, 0) })
	pts = clipEdge(pts, func(p point) bool { return p.y <= h }, func(a, b point) point { return crossY(a, b, h) })
	return pts
}

func clipEdge(pts []point, inside func(point) bool, cross func(a, b point) point) []point {
	if len(pts) == 0 {
		return nil
	}

	out := make([]point, 0, len(pts)+2)
	prev := pts[len(pts)-1]
	prevIn := inside(prev)
	for _, cur := range pts {
		curIn := inside(cur)
		switch {
		case curIn && prevIn:
			out = append(out, cur)
		case curIn:
			out = append(out, cross(prev, cur), cur)
		case prevIn:
			out = append(out, cross(prev, cur))
		}
		prev, prevIn = cur, curIn
	}
	return out
}

// crossX returns where segment ab crosses the vertical line x.
func crossX(a, b point, x float64) point {
	t := (x - a.x) / (b.x - a.x)
	return point{x, a.y + t*(b.y-a.y)}
}

// crossY returns where segment ab crosses the horizontal line y.
func crossY(a, b point, y float64) point {
	t := (y - a.y) / (b.y - a.y)
	return point{a.x + t*(b.x-a.x), y}
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

func circlePoints(cx, cy, r float64, clockwise bool) []point {
	pts := make([]point, circleSegments)
	for i := range pts {
		theta := 2 * math.Pi * float64(i) / circleSegments
		if clockwise {
			theta = -theta
		}
		pts[i] = point{cx + r*math.Cos(theta), cy + r*math.Sin(theta)}
	}
	return pts
}
