// ============================================================================
// Image Preparation - normalize capture formats to JPEG before analysis
// ============================================================================
//
// Package: internal/imageprep
// File: imageprep.go
// Purpose: Vision providers accept JPEG/PNG only; barn cameras also emit TIFF,
//          BMP and WebP. Everything is re-encoded as JPEG before submission.
//
// Rules:
//   - JPEG input passes through byte-for-byte
//   - transparent pixels are flattened onto white
//   - other formats are decoded and re-encoded at the given quality
//
// ConvertDir is the batch form: every TIFF in a folder becomes a .jpg copy in
// an output folder, originals untouched, per-file errors counted not fatal.
//
// ============================================================================

package imageprep

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/jpeg"
	_ "image/png"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

// DefaultQuality is the JPEG quality used when none is given.
const DefaultQuality = 95

var (
	// ErrEmptyImage rejects a zero-length payload.
	ErrEmptyImage = errors.New("imageprep: empty image")
	// ErrUnsupportedFormat is returned when no registered decoder recognizes the payload.
	ErrUnsupportedFormat = errors.New("imageprep: unsupported image format")
)

// Normalize returns data as JPEG and the name of the source format.
//
// Parameters:
//   - data: encoded image (jpeg, png, tiff, bmp, webp)
//   - quality: JPEG quality 1-100; out of range uses DefaultQuality
//
// Returns:
//   - JPEG bytes (data itself when it already is JPEG)
//   - source format name as reported by the decoder
func Normalize(data []byte, quality int) ([]byte, string, error) {
	if len(data) == 0 {
		return nil, "", ErrEmptyImage
	}
	if quality < 1 || quality > 100 {
		quality = DefaultQuality
	}

	img, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		if errors.Is(err, image.ErrFormat) {
			return nil, "", ErrUnsupportedFormat
		}
		return nil, "", fmt.Errorf("decode image: %w", err)
	}
	if format == "jpeg" {
		return data, format, nil
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, flatten(img), &jpeg.Options{Quality: quality}); err != nil {
		return nil, format, fmt.Errorf("encode jpeg: %w", err)
	}
	slog.Debug("Image normalized", "from", format, "in_bytes", len(data), "out_bytes", buf.Len())
	return buf.Bytes(), format, nil
}

// NormalizeFile reads path and normalizes it.
func NormalizeFile(path string, quality int) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	out, _, err := Normalize(data, quality)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return out, nil
}

// flatten composites img over an opaque white canvas.
func flatten(img image.Image) image.Image {
	b := img.Bounds()
	dst := image.NewRGBA(b)
	draw.Draw(dst, b, &image.Uniform{C: color.White}, image.Point{}, draw.Src)
	draw.Draw(dst, b, img, b.Min, draw.Over)
	return dst
}

// ConvertReport summarizes a ConvertDir run.
type ConvertReport struct {
	OutputDir string   `json:"output_dir"`
	Converted []string `json:"converted"`
	Failed    []string `json:"failed"`
}

// tiffExts are the extensions ConvertDir picks up.
var tiffExts = map[string]bool{".tif": true, ".tiff": true}

// ConvertDir writes a JPEG copy of every TIFF in inDir to outDir.
// An empty outDir means inDir/jpeg_copies.
func ConvertDir(inDir, outDir string, quality int) (ConvertReport, error) {
	if outDir == "" {
		outDir = filepath.Join(inDir, "jpeg_copies")
	}
	report := ConvertReport{OutputDir: outDir, Converted: []string{}, Failed: []string{}}

	entries, err := os.ReadDir(inDir)
	if err != nil {
		return report, fmt.Errorf("read input folder: %w", err)
	}
	var inputs []string
	for _, e := range entries {
		if !e.IsDir() && tiffExts[strings.ToLower(filepath.Ext(e.Name()))] {
			inputs = append(inputs, e.Name())
		}
	}
	sort.Strings(inputs)
	if len(inputs) == 0 {
		slog.Info("No TIFF files found", "dir", inDir)
		return report, nil
	}

	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return report, fmt.Errorf("create output folder: %w", err)
	}

	slog.Info("Converting TIFF files", "count", len(inputs), "quality", quality, "output", outDir)
	for i, name := range inputs {
		out, err := NormalizeFile(filepath.Join(inDir, name), quality)
		if err == nil {
			target := filepath.Join(outDir, strings.TrimSuffix(name, filepath.Ext(name))+".jpg")
			err = os.WriteFile(target, out, 0o644)
		}
		if err != nil {
			report.Failed = append(report.Failed, name)
			slog.Warn("Conversion failed", "file", name, "index", i+1, "total", len(inputs), "error", err)
			continue
		}
		report.Converted = append(report.Converted, name)
		slog.Debug("Converted", "file", name, "index", i+1, "total", len(inputs))
	}

	slog.Info("Conversion complete", "converted", len(report.Converted), "failed", len(report.Failed))
	return report, nil
}
