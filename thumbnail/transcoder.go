package thumbnail

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/disintegration/imaging"

	"github.com/mordilloSan/filepi/fileserver/iteminfo"
)

const (
	// Width of every generated thumbnail; height keeps the aspect ratio.
	Width = 320
	// FrameOffset is where the video frame is taken from.
	FrameOffset = "00:00:01"

	jpegQuality = 85
)

// Transcoder writes a thumbnail of src to dst. dst always ends in .jpg.
type Transcoder interface {
	Generate(ctx context.Context, src, dst string) error
}

// GenerationError carries the transcoder's own diagnostic output.
type GenerationError struct {
	Source     string
	Diagnostic string
	Err        error
}

func (e *GenerationError) Error() string {
	if e.Diagnostic == "" {
		return fmt.Sprintf("thumbnail generation failed for %s: %v", e.Source, e.Err)
	}
	return fmt.Sprintf("thumbnail generation failed for %s: %v: %s", e.Source, e.Err, e.Diagnostic)
}

func (e *GenerationError) Unwrap() error {
	return e.Err
}

// FFmpeg extracts a single frame with an external ffmpeg binary.
type FFmpeg struct {
	Binary string // defaults to "ffmpeg" on PATH
}

// Args returns the ffmpeg command line for src and dst.
func (f FFmpeg) Args(src, dst string) []string {
	return []string{
		"-i", src,
		"-ss", FrameOffset,
		"-vframes", "1",
		"-vf", fmt.Sprintf("scale=%d:-1", Width),
		"-y", dst,
	}
}

func (f FFmpeg) Generate(ctx context.Context, src, dst string) error {
	binary := f.Binary
	if binary == "" {
		binary = "ffmpeg"
	}
	var stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, binary, f.Args(src, dst)...)
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return &GenerationError{Source: src, Diagnostic: lastLines(stderr.String(), 20), Err: err}
	}
	return nil
}

// lastLines trims ffmpeg's banner; the error is at the end.
func lastLines(s string, n int) string {
	lines := strings.Split(strings.TrimRight(s, "\n"), "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.TrimSpace(strings.Join(lines, "\n"))
}

// ImageResizer scales still images in-process.
type ImageResizer struct{}

func (ImageResizer) Generate(ctx context.Context, src, dst string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	img, err := imaging.Open(src, imaging.AutoOrientation(true))
	if err != nil {
		return &GenerationError{Source: src, Diagnostic: "decode image", Err: err}
	}
	if img.Bounds().Dx() > Width {
		img = imaging.Resize(img, Width, 0, imaging.Lanczos)
	}
	if err := imaging.Save(img, dst, imaging.JPEGQuality(jpegQuality)); err != nil {
		return &GenerationError{Source: src, Diagnostic: "encode jpeg", Err: err}
	}
	return nil
}

// decodable lists the formats imaging can open.
var decodable = map[string]bool{
	".jpg": true, ".jpeg": true, ".png": true, ".gif": true,
	".bmp": true, ".tif": true, ".tiff": true,
}

// Dispatcher sends decodable images to Image and everything else to Video.
type Dispatcher struct {
	Video Transcoder
	Image Transcoder
}

func (d Dispatcher) Generate(ctx context.Context, src, dst string) error {
	if d.Image != nil && iteminfo.IsImage(iteminfo.MimeType(src)) && decodable[strings.ToLower(filepath.Ext(src))] {
		return d.Image.Generate(ctx, src, dst)
	}
	return d.Video.Generate(ctx, src, dst)
}
