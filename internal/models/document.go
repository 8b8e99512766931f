package models

import "time"

// DocumentRecord is the per-document row kept in Firestore. It tracks the
// processing status of one uploaded object and, once completed, where its
// outputs live.
type DocumentRecord struct {
	Bucket            string    `firestore:"bucket,omitempty"`
	ObjectKey         string    `firestore:"objectKey,omitempty"`
	Generation        string    `firestore:"generation,omitempty"`
	Status            string    `firestore:"status,omitempty"`
	Method            string    `firestore:"method,omitempty"`
	PageCount         int       `firestore:"pageCount,omitempty"`
	AverageConfidence float64   `firestore:"averageConfidence,omitempty"`
	TextKey           string    `firestore:"textKey,omitempty"`
	MetadataKey       string    `firestore:"metadataKey,omitempty"`
	ErrorDetails      string    `firestore:"errorDetails,omitempty"`
	CreatedAt         time.Time `firestore:"createdAt,omitempty"`
	UpdatedAt         time.Time `firestore:"updatedAt,omitempty"`
}
