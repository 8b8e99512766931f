package services

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestOutputKeys(t *testing.T) {
	config := ProcessorConfig{
		InputPrefix:    "input/",
		TextPrefix:     "text/",
		MetadataPrefix: "metadata/",
		ErrorPrefix:    "errors/",
		HandoffPrefix:  "handoff/",
	}

	tests := []struct {
		name string
		fn   func(string) string
		key  string
		want string
	}{
		{"text key", config.TextKey, "input/x.pdf", "text/x.txt"},
		{"metadata key", config.MetadataKey, "input/x.pdf", "metadata/x.json"},
		{"error key", config.ErrorKey, "input/x.pdf", "errors/x_error.json"},
		{"marker key", config.MarkerKey, "input/x.pdf", "handoff/x.json"},
		{"nested path preserved", config.TextKey, "input/2024/review.pdf", "text/2024/review.txt"},
		{"uppercase extension", config.TextKey, "input/REPORT.PDF", "text/REPORT.txt"},
		{"no extension", config.TextKey, "input/readme", "text/readme.txt"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.fn(tt.key))
		})
	}
}

func TestOutputKeysDefaultPrefixes(t *testing.T) {
	config := ProcessorConfig{
		InputPrefix:    "input-articles/",
		TextPrefix:     "extracted-texts/",
		MetadataPrefix: "extraction-metadata/",
		ErrorPrefix:    "processing-errors/",
	}

	assert.Equal(t, "extracted-texts/alpha.txt", config.TextKey("input-articles/alpha.pdf"))
	assert.Equal(t, "extraction-metadata/alpha.json", config.MetadataKey("input-articles/alpha.pdf"))
	assert.Equal(t, "processing-errors/alpha_error.json", config.ErrorKey("input-articles/alpha.pdf"))
}
