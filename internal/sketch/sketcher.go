// Package sketch composes the cartoon artifact from a detection list.
// Sprites come from the drawing dataset directory when one exists for a
// label; anything else degrades to an outlined box. Rendering never fails:
// an empty detection list produces a valid blank canvas.
package sketch

import (
	"image"
	"image/color"
	"image/draw"
	_ "image/jpeg"
	"image/png"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/sketchbooth/sketchbooth/internal/detect"
)

type Sketcher struct {
	datasetDir string
	logger     *slog.Logger
}

func New(datasetDir string, logger *slog.Logger) *Sketcher {
	return &Sketcher{datasetDir: datasetDir, logger: logger}
}

// Render draws every detection onto a white canvas of the given size.
func (s *Sketcher) Render(dets []detect.Detection, width, height int) image.Image {
	if width <= 0 {
		width = 640
	}
	if height <= 0 {
		height = 480
	}
	canvas := image.NewRGBA(image.Rect(0, 0, width, height))
	draw.Draw(canvas, canvas.Bounds(), image.White, image.Point{}, draw.Src)

	for _, d := range dets {
		box := boxToRect(d.Box, width, height)
		if box.Empty() {
			continue
		}
		if sprite := s.loadSprite(d.Label); sprite != nil {
			drawScaled(canvas, box, sprite)
			continue
		}
		outline(canvas, box, color.Black)
	}
	return canvas
}

func (s *Sketcher) loadSprite(label string) image.Image {
	if s.datasetDir == "" || label == "" {
		return nil
	}
	name := strings.ReplaceAll(strings.ToLower(label), " ", "_") + ".png"
	f, err := os.Open(filepath.Join(s.datasetDir, name))
	if err != nil {
		return nil
	}
	defer f.Close()
	img, _, err := image.Decode(f)
	if err != nil {
		s.logger.Debug("unreadable sprite", "label", label, "err", err)
		return nil
	}
	return img
}

func boxToRect(box [4]float64, width, height int) image.Rectangle {
	clamp := func(v float64) float64 {
		if v < 0 {
			return 0
		}
		if v > 1 {
			return 1
		}
		return v
	}
	r := image.Rect(
		int(clamp(box[1])*float64(width)),
		int(clamp(box[0])*float64(height)),
		int(clamp(box[3])*float64(width)),
		int(clamp(box[2])*float64(height)),
	)
	return r.Canon()
}

// drawScaled maps the sprite onto dst with nearest-neighbor sampling.
func drawScaled(dst *image.RGBA, dstRect image.Rectangle, src image.Image) {
	sb := src.Bounds()
	if sb.Empty() {
		return
	}
	for y := dstRect.Min.Y; y < dstRect.Max.Y; y++ {
		for x := dstRect.Min.X; x < dstRect.Max.X; x++ {
			sx := sb.Min.X + (x-dstRect.Min.X)*sb.Dx()/dstRect.Dx()
			sy := sb.Min.Y + (y-dstRect.Min.Y)*sb.Dy()/dstRect.Dy()
			c := src.At(sx, sy)
			if _, _, _, a := c.RGBA(); a == 0 {
				continue
			}
			dst.Set(x, y, c)
		}
	}
}

func outline(dst *image.RGBA, r image.Rectangle, c color.Color) {
	for x := r.Min.X; x < r.Max.X; x++ {
		dst.Set(x, r.Min.Y, c)
		dst.Set(x, r.Max.Y-1, c)
	}
	for y := r.Min.Y; y < r.Max.Y; y++ {
		dst.Set(r.Min.X, y, c)
		dst.Set(r.Max.X-1, y, c)
	}
}

// SavePNG writes the artifact for callers outside the pipeline (tests,
// batch tools).
func SavePNG(path string, img image.Image) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return png.Encode(f, img)
}
