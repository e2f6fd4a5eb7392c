package ingest

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/ledongthuc/pdf"

	"github.com/benjaminshoemaker/vibe-code-agent-workflow/internal/storage"
)

// maxExtractBytes caps extracted text per asset.
const maxExtractBytes = 64 * 1024

// ExtractText pulls plain text out of an indexed asset file under root.
// PDFs go through the PDF text extractor; text-like content types are read
// directly. Anything else returns empty text with no error.
func ExtractText(root string, asset storage.Asset) (string, error) {
	path := filepath.Join(root, filepath.Clean("/"+asset.Path))

	switch {
	case asset.ContentType == "application/pdf":
		return extractPDF(path)
	case isTextLike(asset.ContentType):
		return extractPlain(path)
	default:
		return "", nil
	}
}

func isTextLike(contentType string) bool {
	if strings.HasPrefix(contentType, "text/") {
		return true
	}
	switch contentType {
	case "application/json", "application/x-yaml", "application/yaml", "application/xml":
		return true
	}
	return false
}

func extractPlain(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("opening %s: %w", path, err)
	}
	defer f.Close()

	data, err := io.ReadAll(io.LimitReader(f, maxExtractBytes))
	if err != nil {
		return "", fmt.Errorf("reading %s: %w", path, err)
	}
	return string(data), nil
}

func extractPDF(path string) (string, error) {
	f, r, err := pdf.Open(path)
	if err != nil {
		return "", fmt.Errorf("opening pdf %s: %w", path, err)
	}
	defer f.Close()

	reader, err := r.GetPlainText()
	if err != nil {
		return "", fmt.Errorf("extracting pdf text: %w", err)
	}

	var buf bytes.Buffer
	if _, err := io.Copy(&buf, io.LimitReader(reader, maxExtractBytes)); err != nil {
		return "", fmt.Errorf("reading pdf text: %w", err)
	}
	return buf.String(), nil
}
