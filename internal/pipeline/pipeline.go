// Package pipeline runs one capture cycle: acquire an image, detect
// objects, render the cartoon, emit the result. Stage faults never escape
// raw; every run resolves to a structured Outcome consumed by the
// supervisor.
package pipeline

import (
	"context"
	"fmt"
	"image"
	_ "image/jpeg"
	"image/png"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/sketchbooth/sketchbooth/internal/detect"
	"github.com/sketchbooth/sketchbooth/internal/history"
)

// Camera acquires a still image into the destination path.
type Camera interface {
	Capture(ctx context.Context, dest string) error
}

// Detector is the object-recognition collaborator.
type Detector interface {
	Detect(ctx context.Context, imagePath string) ([]detect.Detection, error)
}

// Sketcher is the cartoon-rendering collaborator. It never fails; an empty
// detection list yields a placeholder canvas.
type Sketcher interface {
	Render(dets []detect.Detection, width, height int) image.Image
}

// Printer emits the persisted artifact. Faults here are non-fatal.
type Printer interface {
	Print(ctx context.Context, path string) error
}

// Request identifies one accepted run and its file slots.
type Request struct {
	RunID int64
	Set   history.ImageSet
	// SourcePath, when set, is ingested instead of the camera (watch
	// folder and web file triggers).
	SourcePath string
}

// Outcome is the structured result reported back to the supervisor.
type Outcome struct {
	RunID      int64
	Stage      Stage // failed stage; empty on success
	Err        error
	Labels     []string
	ImagePath  string
	SketchPath string
	Printed    bool
	Completed  bool
}

func (o Outcome) ErrorString() string {
	if o.Err == nil {
		return ""
	}
	return o.Err.Error()
}

// Pipeline wires the four collaborators. Camera and Printer may be nil on
// degraded deployments.
type Pipeline struct {
	camera    Camera
	detector  Detector
	sketcher  Sketcher
	printer   Printer
	fitWidth  int
	fitHeight int
	logger    *slog.Logger
}

func New(camera Camera, detector Detector, sketcher Sketcher, printer Printer, fitWidth, fitHeight int, logger *slog.Logger) *Pipeline {
	return &Pipeline{
		camera:    camera,
		detector:  detector,
		sketcher:  sketcher,
		printer:   printer,
		fitWidth:  fitWidth,
		fitHeight: fitHeight,
		logger:    logger,
	}
}

// Run executes the stages strictly in order with no re-entry. The sketch
// and label sidecar are persisted before printing: a printer fault after
// persistence still counts as a completed run.
func (p *Pipeline) Run(ctx context.Context, req Request) Outcome {
	out := Outcome{RunID: req.RunID}

	imagePath, err := p.acquire(ctx, req)
	if err != nil {
		out.Stage, out.Err = StageAcquire, err
		return out
	}
	out.ImagePath = imagePath

	dets, err := p.detector.Detect(ctx, imagePath)
	if err != nil {
		out.Stage, out.Err = StageDetect, fmt.Errorf("%w: %v", ErrInference, err)
		return out
	}
	out.Labels = labelsOf(dets)

	width, height := p.canvasSize(imagePath)
	sketch := p.sketcher.Render(dets, width, height)

	if err := writePNG(req.Set.SketchPath(), sketch); err != nil {
		out.Stage, out.Err = StageRender, err
		return out
	}
	if err := writeLabels(req.Set.LabelsPath(), out.Labels); err != nil {
		out.Stage, out.Err = StageRender, err
		return out
	}
	out.SketchPath = req.Set.SketchPath()
	out.Completed = true

	if p.printer != nil {
		if err := p.printer.Print(ctx, out.SketchPath); err != nil {
			p.logger.Warn("printer fault, artifact already persisted", "run_id", req.RunID, "err", err)
			out.Stage, out.Err = StageEmit, fmt.Errorf("%w: %v", ErrOutput, err)
			return out
		}
		out.Printed = true
	}
	return out
}

func (p *Pipeline) acquire(ctx context.Context, req Request) (string, error) {
	dest := req.Set.ImagePath()
	if req.SourcePath != "" {
		if err := copyFile(req.SourcePath, dest); err != nil {
			return "", fmt.Errorf("%w: ingest %s: %v", ErrSourceUnavailable, req.SourcePath, err)
		}
		return dest, nil
	}
	if p.camera == nil {
		return "", ErrSourceUnavailable
	}
	if err := p.camera.Capture(ctx, dest); err != nil {
		return "", fmt.Errorf("%w: %v", ErrSourceUnavailable, err)
	}
	return dest, nil
}

// canvasSize reads the source dimensions, falling back to the configured
// fit rectangle when the image cannot be decoded.
func (p *Pipeline) canvasSize(imagePath string) (int, int) {
	f, err := os.Open(imagePath)
	if err != nil {
		return p.fitWidth, p.fitHeight
	}
	defer f.Close()
	cfg, _, err := image.DecodeConfig(f)
	if err != nil || cfg.Width <= 0 || cfg.Height <= 0 {
		return p.fitWidth, p.fitHeight
	}
	width, height := cfg.Width, cfg.Height
	if p.fitWidth > 0 && width > p.fitWidth {
		height = height * p.fitWidth / width
		width = p.fitWidth
	}
	if p.fitHeight > 0 && height > p.fitHeight {
		width = width * p.fitHeight / height
		height = p.fitHeight
	}
	return width, height
}

func labelsOf(dets []detect.Detection) []string {
	labels := make([]string, 0, len(dets))
	for _, d := range dets {
		labels = append(labels, d.Label)
	}
	return labels
}

// writePNG persists atomically: temp file in the target dir, then rename.
func writePNG(path string, img image.Image) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".sketch-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if err := png.Encode(tmp, img); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

func writeLabels(path string, labels []string) error {
	return os.WriteFile(path, []byte(strings.Join(labels, ",")), 0o644)
}

func copyFile(src, dest string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	tmp, err := os.CreateTemp(filepath.Dir(dest), ".ingest-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err := io.Copy(tmp, in); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), dest)
}
