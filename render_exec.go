package main

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"time"
)

// errCompileTimeout marks a compiler run that hit its wall-clock limit and
// was killed.
var errCompileTimeout = errors.New("compile timed out")

// texCompiler and rasterizer are the two external tools the pipeline
// drives. They are interfaces so tests can swap in fakes and hosts can
// point at containerized binaries.
type texCompiler interface {
	Compile(ctx context.Context, srcPath, outDir string) error
}

type rasterizer interface {
	MeasureBoundingBox(ctx context.Context, pdfPath string) (string, error)
	RenderPNG(ctx context.Context, pdfPath, pngPath string, dpi int, geom deviceGeometry) error
	CropPDF(ctx context.Context, srcPath, dstPath string, box pageBox) error
}

// deviceGeometry is the raster canvas in device pixels plus the page-space
// translation (points) that moves the content's lower-left corner to the
// canvas origin.
type deviceGeometry struct {
	widthPx  int
	heightPx int
	transX   int
	transY   int
}

// pageBox is a bounding box in page points: llx, lly, urx, ury.
type pageBox struct {
	llx, lly, urx, ury int
}

type execTexCompiler struct {
	bin     string
	timeout time.Duration
}

func newExecTexCompiler(bin string, timeout time.Duration) *execTexCompiler {
	if bin == "" {
		bin = "pdflatex"
	}
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &execTexCompiler{bin: bin, timeout: timeout}
}

// Compile runs the compiler non-interactively. CommandContext kills the
// process when the deadline passes, so a hung compiler cannot hold its
// slot past the timeout.
func (c *execTexCompiler) Compile(ctx context.Context, srcPath, outDir string) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	cmd := exec.CommandContext(ctx, c.bin,
		"-interaction=nonstopmode",
		"-output-directory", outDir,
		srcPath,
	)
	output, err := cmd.CombinedOutput()
	if ctx.Err() == context.DeadlineExceeded {
		return errCompileTimeout
	}
	if err != nil {
		return &toolExitError{tool: c.bin, output: output, err: err}
	}
	return nil
}

type execRasterizer struct {
	bin string
}

func newExecRasterizer(bin string) *execRasterizer {
	if bin == "" {
		bin = "gs"
	}
	return &execRasterizer{bin: bin}
}

func (r *execRasterizer) run(ctx context.Context, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, r.bin, args...)
	output, err := cmd.CombinedOutput()
	if err != nil {
		return output, &toolExitError{tool: r.bin, output: output, err: err}
	}
	return output, nil
}

// MeasureBoundingBox runs the rasterizer in bbox mode and returns its raw
// text output for the pipeline to parse.
func (r *execRasterizer) MeasureBoundingBox(ctx context.Context, pdfPath string) (string, error) {
	output, err := r.run(ctx, "-q", "-dBATCH", "-dNOPAUSE", "-sDEVICE=bbox", pdfPath)
	if err != nil {
		return "", err
	}
	return string(output), nil
}

func (r *execRasterizer) RenderPNG(ctx context.Context, pdfPath, pngPath string, dpi int, geom deviceGeometry) error {
	_, err := r.run(ctx,
		"-o", pngPath,
		fmt.Sprintf("-r%d", dpi),
		"-sDEVICE=pngalpha",
		fmt.Sprintf("-g%dx%d", geom.widthPx, geom.heightPx),
		"-dLastPage=1",
		"-c", fmt.Sprintf("<</Install {%d %d translate}>> setpagedevice", geom.transX, geom.transY),
		"-f", pdfPath,
	)
	return err
}

func (r *execRasterizer) CropPDF(ctx context.Context, srcPath, dstPath string, box pageBox) error {
	_, err := r.run(ctx,
		"-o", dstPath,
		"-sDEVICE=pdfwrite",
		"-c", fmt.Sprintf("[/CropBox [%d %d %d %d]", box.llx, box.lly, box.urx, box.ury),
		"-c", " /PAGES pdfmark",
		"-f", srcPath,
	)
	return err
}
