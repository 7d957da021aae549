package main

import (
	"context"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

const (
	// Renders wider than maxWidthToHeight times their height (or taller
	// than maxHeightToWidth times their width) get padded out, so a lone
	// comma does not come back as a sliver of an image.
	maxWidthToHeight = 3.0
	maxHeightToWidth = 1.0
)

// renderBox is the working geometry between measurement and rasterization:
// canvas size in device pixels at the target DPI, translation in page
// points.
type renderBox struct {
	widthPx  float64
	heightPx float64
	transX   float64
	transY   float64
}

type renderPipeline struct {
	preambles *preambleStore
	settings  *userSettings
	compiler  texCompiler
	raster    rasterizer
	buildDir  string
}

type renderResult struct {
	png []byte
	pdf []byte
}

func newRenderPipeline(preambles *preambleStore, settings *userSettings, compiler texCompiler, raster rasterizer, buildDir string) *renderPipeline {
	return &renderPipeline{
		preambles: preambles,
		settings:  settings,
		compiler:  compiler,
		raster:    raster,
		buildDir:  buildDir,
	}
}

func (r *renderPipeline) sessionPath(pattern, sessionID string) string {
	return filepath.Join(r.buildDir, fmt.Sprintf(pattern, sessionID))
}

// Render compiles expression with the user's preamble and returns the
// cropped raster (plus a cropped document when asked). All failures come
// back as *renderError or plain errors; plain errors are operational.
func (r *renderPipeline) Render(ctx context.Context, expression string, userID int64, sessionID string, wantDocument bool) (*renderResult, error) {
	texPath := r.sessionPath("expression_file_%s.tex", sessionID)
	logPath := r.sessionPath("expression_file_%s.log", sessionID)
	pdfPath := r.sessionPath("expression_file_%s.pdf", sessionID)
	pngPath := r.sessionPath("expression_%s.png", sessionID)
	croppedPath := r.sessionPath("expression_file_cropped_%s.pdf", sessionID)

	// Session artifacts go away no matter how far we got.
	defer r.cleanupSession(sessionID)

	preamble, err := r.preambles.Get(userID)
	if err != nil {
		return nil, fmt.Errorf("load preamble: %w", err)
	}
	source := preamble + "\n\\begin{document}\n" + expression + "\n\\end{document}"
	if err := os.MkdirAll(r.buildDir, 0o755); err != nil {
		return nil, fmt.Errorf("create build dir: %w", err)
	}
	if err := os.WriteFile(texPath, []byte(source), 0o644); err != nil {
		return nil, fmt.Errorf("write source: %w", err)
	}

	dpi, err := r.settings.DPI(userID)
	if err != nil {
		return nil, fmt.Errorf("load dpi: %w", err)
	}

	if err := r.compiler.Compile(ctx, texPath, r.buildDir); err != nil {
		return nil, r.classifyCompileError(err, logPath)
	}

	rawBounds, err := r.raster.MeasureBoundingBox(ctx, pdfPath)
	if err != nil {
		return nil, &renderError{kind: renderErrTool, cause: err}
	}
	box, err := parseBoundingBox(rawBounds)
	if err != nil {
		return nil, &renderError{kind: renderErrTool, cause: err}
	}
	bounds, ok := computeRenderBox(box, dpi)
	if !ok {
		return nil, &renderError{kind: renderErrEmpty}
	}
	bounds = correctAspectRatio(bounds, dpi)

	if err := r.raster.RenderPNG(ctx, pdfPath, pngPath, dpi, bounds.geometry()); err != nil {
		return nil, &renderError{kind: renderErrTool, cause: err}
	}
	png, err := os.ReadFile(pngPath)
	if err != nil {
		return nil, &renderError{kind: renderErrTool, cause: err}
	}
	result := &renderResult{png: png}

	if wantDocument {
		// The document keeps the measured box; aspect padding is only for
		// the image.
		if err := r.raster.CropPDF(ctx, pdfPath, croppedPath, box); err != nil {
			return nil, &renderError{kind: renderErrTool, cause: err}
		}
		pdf, err := os.ReadFile(croppedPath)
		if err != nil {
			return nil, &renderError{kind: renderErrTool, cause: err}
		}
		result.pdf = pdf
	}

	logger.Debug("rendered expression", "user", userID, "session", sessionID, "dpi", dpi)
	return result, nil
}

func (r *renderPipeline) classifyCompileError(err error, logPath string) error {
	if err == errCompileTimeout {
		return &renderError{kind: renderErrTimeout, cause: err}
	}
	if _, ok := err.(*toolExitError); ok {
		logData, readErr := os.ReadFile(logPath)
		if readErr != nil {
			return &renderError{kind: renderErrTool, cause: err}
		}
		if msg := compileLogMessage(logData); msg != "" {
			return &renderError{kind: renderErrCompile, msg: msg, cause: err}
		}
		return &renderError{kind: renderErrTool, cause: err}
	}
	return err
}

// cleanupSession removes every artifact carrying the session id. Failures
// are logged only; they never replace the render's own error.
func (r *renderPipeline) cleanupSession(sessionID string) {
	if sessionID == "" {
		return
	}
	matches, err := filepath.Glob(filepath.Join(r.buildDir, "*_"+sessionID+".*"))
	if err != nil {
		logger.Warn("session cleanup glob failed", "session", sessionID, "error", err)
		return
	}
	for _, path := range matches {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			logger.Warn("session cleanup failed", "path", path, "error", err)
		}
	}
}

// compileLogMessage pulls the first compiler error out of the log: the
// marker line plus the line after it, which usually names the offending
// input.
func compileLogMessage(logData []byte) string {
	lines := strings.Split(string(logData), "\n")
	for i, line := range lines {
		if strings.HasPrefix(line, "! ") {
			if i+1 < len(lines) {
				return line + "\n" + lines[i+1]
			}
			return line
		}
	}
	return ""
}

// parseBoundingBox extracts "llx lly urx ury" from the rasterizer's bbox
// report.
func parseBoundingBox(raw string) (pageBox, error) {
	for _, line := range strings.Split(raw, "\n") {
		rest, ok := strings.CutPrefix(line, "%%BoundingBox:")
		if !ok {
			continue
		}
		fields := strings.Fields(rest)
		if len(fields) != 4 {
			return pageBox{}, fmt.Errorf("bounding box line %q: want 4 values", line)
		}
		var vals [4]int
		for i, f := range fields {
			n, err := strconv.Atoi(f)
			if err != nil {
				return pageBox{}, fmt.Errorf("bounding box value %q: %w", f, err)
			}
			vals[i] = n
		}
		return pageBox{llx: vals[0], lly: vals[1], urx: vals[2], ury: vals[3]}, nil
	}
	return pageBox{}, fmt.Errorf("no bounding box in rasterizer output")
}

// computeRenderBox scales the measured box to device pixels and derives
// the translation that moves content to the origin. ok is false when the
// box has no area, which means the expression drew nothing.
func computeRenderBox(box pageBox, dpi int) (renderBox, bool) {
	scale := float64(dpi) / 72
	width := float64(box.urx-box.llx) * scale
	height := float64(box.ury-box.lly) * scale
	if width == 0 || height == 0 {
		return renderBox{}, false
	}
	return renderBox{
		widthPx:  width,
		heightPx: height,
		transX:   float64(-box.llx),
		transY:   float64(-box.lly),
	}, true
}

// correctAspectRatio pads degenerate boxes out to the allowed ratio and
// shifts the translation so the original content stays centered. Padding
// is computed in pixels, the translation adjustment converts back to
// points.
func correctAspectRatio(b renderBox, dpi int) renderBox {
	scale := float64(dpi) / 72
	if b.widthPx > maxWidthToHeight*b.heightPx {
		newHeight := b.widthPx / maxWidthToHeight
		b.transY += (newHeight - b.heightPx) / 2 / scale
		b.heightPx = newHeight
	} else if b.heightPx > maxHeightToWidth*b.widthPx {
		newWidth := b.heightPx / maxHeightToWidth
		b.transX += (newWidth - b.widthPx) / 2 / scale
		b.widthPx = newWidth
	}
	return b
}

func (b renderBox) geometry() deviceGeometry {
	return deviceGeometry{
		widthPx:  int(math.Round(b.widthPx)),
		heightPx: int(math.Round(b.heightPx)),
		transX:   int(math.Round(b.transX)),
		transY:   int(math.Round(b.transY)),
	}
}
