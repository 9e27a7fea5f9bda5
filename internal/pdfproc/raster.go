package pdfproc

import (
	"bytes"
	"fmt"
	"image/png"

	"github.com/gen2brain/go-fitz"
)

// Page is one rasterized PDF page.
type Page struct {
	Number int // 1-based
	PNG    []byte
}

// Rasterize renders every page of a PDF to PNG at the given DPI, in page
// order.
func Rasterize(pdf []byte, dpi int) ([]Page, error) {
	if dpi <= 0 {
		dpi = 144
	}

	doc, err := fitz.NewFromMemory(pdf)
	if err != nil {
		return nil, fmt.Errorf("open pdf: %w", err)
	}
	defer doc.Close()

	n := doc.NumPage()
	if n == 0 {
		return nil, fmt.Errorf("pdf has no pages")
	}

	pages := make([]Page, 0, n)
	for i := 0; i < n; i++ {
		img, err := doc.ImageDPI(i, float64(dpi))
		if err != nil {
			return nil, fmt.Errorf("render page %d: %w", i+1, err)
		}
		var buf bytes.Buffer
		if err := png.Encode(&buf, img); err != nil {
			return nil, fmt.Errorf("encode page %d: %w", i+1, err)
		}
		pages = append(pages, Page{Number: i + 1, PNG: buf.Bytes()})
	}
	return pages, nil
}
