package services

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestShouldProcess(t *testing.T) {
	config := ProcessorConfig{InputPrefix: "input-articles/"}

	tests := []struct {
		name string
		key  string
		want bool
	}{
		{"pdf under input prefix", "input-articles/paper.pdf", true},
		{"uppercase extension", "input-articles/Paper.PDF", true},
		{"nested directory", "input-articles/2024/q3/review.pdf", true},
		{"outside input prefix", "extracted-texts/paper.pdf", false},
		{"output written back to the bucket", "extraction-metadata/paper.json", false},
		{"not a pdf", "input-articles/paper.txt", false},
		{"hidden file", "input-articles/.paper.pdf", false},
		{"temporary file", "input-articles/_upload.pdf", false},
		{"hidden file in subdirectory", "input-articles/2024/.partial.pdf", false},
		{"bare prefix", "input-articles/", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, reason := config.ShouldProcess(tt.key)
			assert.Equal(t, tt.want, got)
			if !tt.want {
				assert.NotEmpty(t, reason)
			}
		})
	}
}
