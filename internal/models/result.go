package models

import (
	"strings"
	"time"
	"unicode/utf8"
)

// Extraction method identifiers.
const (
	MethodSync  = "sync"
	MethodAsync = "async"
)

// Processing statuses. A document record moves from processing to exactly
// one of the terminal statuses.
const (
	StatusProcessing = "processing"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
	StatusTimeout    = "timeout"
)

// ExtractionResult is the immutable outcome of one successful text
// detection run.
type ExtractionResult struct {
	Text           string
	Confidence     ConfidenceStats
	Method         string
	PageCount      int
	CharacterCount int
	WordCount      int
	Timestamp      time.Time
}

// NewExtractionResult derives the character and word counts from the text,
// so they can never disagree with it.
func NewExtractionResult(text string, confidence ConfidenceStats, method string, pageCount int) ExtractionResult {
	return ExtractionResult{
		Text:           text,
		Confidence:     confidence,
		Method:         method,
		PageCount:      pageCount,
		CharacterCount: utf8.RuneCountInString(text),
		WordCount:      len(strings.Fields(text)),
		Timestamp:      time.Now().UTC(),
	}
}

// ProcessingResult is the terminal record of one document's extraction
// attempt. It carries either both output keys or an error message, never
// both.
type ProcessingResult struct {
	Status         string    `json:"status"`
	OriginalKey    string    `json:"original_file"`
	TextKey        string    `json:"extracted_text_file,omitempty"`
	MetadataKey    string    `json:"metadata_file,omitempty"`
	ErrorMessage   string    `json:"error_message,omitempty"`
	ProcessingTime float64   `json:"processing_time"`
	Timestamp      time.Time `json:"timestamp"`
}

// Succeeded reports whether the document reached a completed status.
func (r ProcessingResult) Succeeded() bool {
	return r.Status == StatusCompleted
}

// ValidationResult describes one pre-extraction check of a document.
// Transient; never persisted.
type ValidationResult struct {
	Valid    bool
	Size     int64
	Format   string
	Error    string
	Warnings []string
}

// ExtractionMetadata is the JSON document written next to the extracted
// text. The text body itself is not duplicated here; it lives in the text
// object.
type ExtractionMetadata struct {
	OriginalFile      string          `json:"original_file"`
	TextFile          string          `json:"text_file"`
	Confidence        ConfidenceStats `json:"confidence"`
	ExtractionMethod  string          `json:"extraction_method"`
	PageCount         int             `json:"page_count"`
	CharacterCount    int             `json:"character_count"`
	WordCount         int             `json:"word_count"`
	IsHighQuality     bool            `json:"is_high_quality"`
	ProcessingSeconds float64         `json:"processing_seconds"`
	Timestamp         time.Time       `json:"timestamp"`
}

// ErrorDocument is the JSON document persisted for a terminal failure.
type ErrorDocument struct {
	OriginalFile        string    `json:"original_file"`
	Status              string    `json:"status"`
	ErrorMessage        string    `json:"error_message"`
	ProcessingTimestamp time.Time `json:"processing_timestamp"`
	ErrorTimestamp      time.Time `json:"error_timestamp"`
}

// ProcessedDocument is one row of the processed-documents listing.
type ProcessedDocument struct {
	Name      string    `json:"name"`
	TextKey   string    `json:"text_key"`
	SizeBytes int64     `json:"size_bytes"`
	Updated   time.Time `json:"updated"`
}
