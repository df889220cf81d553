package providers

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"image"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/disintegration/imaging"
)

// maxImageBytes is the safety limit for reading image files (10MB).
const maxImageBytes = 10 * 1024 * 1024

// maxImageDimension is the largest edge submitted to a provider; bigger
// images are downscaled and re-encoded as JPEG to keep payloads small.
const maxImageDimension = 1024

// jpegQuality for re-encoded images.
const jpegQuality = 85

// LoadImage reads a local image file and returns provider-ready content.
// Oversized images are resized to fit maxImageDimension and re-encoded.
func LoadImage(path string) (*ImageContent, error) {
	mime := inferImageMime(path)
	if mime == "" {
		return nil, fmt.Errorf("vision: unsupported image type: %s", path)
	}

	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("vision: stat image: %w", err)
	}
	if info.Size() > maxImageBytes {
		return nil, fmt.Errorf("vision: image too large (%d bytes, max %d)", info.Size(), maxImageBytes)
	}

	img, err := imaging.Open(path, imaging.AutoOrientation(true))
	if err != nil {
		return nil, fmt.Errorf("vision: decode image: %w", err)
	}

	bounds := img.Bounds()
	if bounds.Dx() <= maxImageDimension && bounds.Dy() <= maxImageDimension {
		// Small enough: pass original bytes through untouched.
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("vision: read image: %w", err)
		}
		return &ImageContent{MimeType: mime, Data: base64.StdEncoding.EncodeToString(data)}, nil
	}

	resized := imaging.Fit(img, maxImageDimension, maxImageDimension, imaging.Lanczos)
	data, err := encodeJPEG(resized)
	if err != nil {
		return nil, err
	}

	slog.Debug("vision: resized image",
		"path", path,
		"from", fmt.Sprintf("%dx%d", bounds.Dx(), bounds.Dy()),
		"to", fmt.Sprintf("%dx%d", resized.Bounds().Dx(), resized.Bounds().Dy()),
	)
	return &ImageContent{MimeType: "image/jpeg", Data: base64.StdEncoding.EncodeToString(data)}, nil
}

// DataURI renders image content as a data URI for providers that take URLs.
func (ic ImageContent) DataURI() string {
	return "data:" + ic.MimeType + ";base64," + ic.Data
}

func encodeJPEG(img image.Image) ([]byte, error) {
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, imaging.JPEG, imaging.JPEGQuality(jpegQuality)); err != nil {
		return nil, fmt.Errorf("vision: encode jpeg: %w", err)
	}
	return buf.Bytes(), nil
}

func inferImageMime(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".png":
		return "image/png"
	case ".gif":
		return "image/gif"
	case ".webp":
		return "image/webp"
	default:
		return ""
	}
}
