package ocr

import (
	"bytes"
	"fmt"
	"io"

	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
)

// checkPDFContent validates fetched bytes as a readable PDF and returns the
// page count.
func checkPDFContent(content []byte) (int, error) {
	cfg := model.NewDefaultConfiguration()
	cfg.ValidationMode = model.ValidationRelaxed

	reader := bytes.NewReader(content)
	if err := api.Validate(reader, cfg); err != nil {
		return 0, fmt.Errorf("not a readable PDF: %w", err)
	}
	if _, err := reader.Seek(0, io.SeekStart); err != nil {
		return 0, err
	}

	pages, err := api.PageCount(reader, cfg)
	if err != nil {
		return 0, fmt.Errorf("failed to count pages: %w", err)
	}
	return pages, nil
}

// pageRange lists pages 1..n for a sync annotation request.
func pageRange(n int) []int32 {
	if n <= 0 {
		return nil
	}
	pages := make([]int32, n)
	for i := range pages {
		pages[i] = int32(i + 1)
	}
	return pages
}
