// Package imaging normalizes uploaded receipt documents into PNG for the
// recognition pipeline. Phone uploads arrive as HEIC, scans as PDF, and
// everything else as ordinary raster images.
package imaging

import (
	"bytes"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	"image/png"
	"strings"

	"github.com/gen2brain/go-fitz"
	"github.com/gen2brain/heic"

	"github.com/expensio/expensio/internal/errors"
)

// MIMEPNG is the content type every normalized document carries.
const MIMEPNG = "image/png"

// Normalize converts the given document to PNG. PDFs render their first page,
// HEIC decodes through the pure Go decoder, other raster formats go through
// the standard decoders. PNG input passes through untouched.
func Normalize(data []byte, contentType string) ([]byte, string, error) {
	mime := strings.ToLower(strings.TrimSpace(contentType))
	if mime == "" {
		mime = "image/jpeg"
	}

	switch {
	case mime == "application/pdf":
		out, err := renderPDF(data)
		if err != nil {
			return nil, "", err
		}
		return out, MIMEPNG, nil
	case mime == MIMEPNG && !isHEIC(data, mime):
		return data, MIMEPNG, nil
	default:
		out, err := decodeToPNG(data, mime)
		if err != nil {
			return nil, "", err
		}
		return out, MIMEPNG, nil
	}
}

// renderPDF rasterizes the first page. Receipts are single-page in practice.
func renderPDF(data []byte) ([]byte, error) {
	doc, err := fitz.NewFromMemory(data)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrBadRequest.Code, "failed to open PDF")
	}
	defer doc.Close()

	img, err := doc.Image(0)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrBadRequest.Code, "failed to render PDF page")
	}
	return encodePNG(img)
}

func decodeToPNG(data []byte, mime string) ([]byte, error) {
	var img image.Image
	var err error
	if isHEIC(data, mime) {
		img, err = heic.Decode(bytes.NewReader(data))
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrBadRequest.Code, "failed to decode HEIC image")
		}
	} else {
		img, _, err = image.Decode(bytes.NewReader(data))
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrBadRequest.Code, "unsupported image format")
		}
	}
	return encodePNG(img)
}

func encodePNG(img image.Image) ([]byte, error) {
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, errors.Wrap(err, errors.ErrInternal.Code, "failed to encode PNG")
	}
	return buf.Bytes(), nil
}

// isHEIC sniffs the ISO BMFF ftyp box brands that HEIC containers declare.
// The declared content type is checked too since some clients send the bytes
// with a generic type.
func isHEIC(data []byte, mime string) bool {
	if strings.Contains(mime, "heic") || strings.Contains(mime, "heif") {
		return true
	}
	if len(data) < 12 || string(data[4:8]) != "ftyp" {
		return false
	}
	switch string(data[8:12]) {
	case "heic", "heif", "mif1", "msf1":
		return true
	}
	return false
}
