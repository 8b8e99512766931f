package models

import "time"

// These structs define the JSON payloads crossing the function boundaries:
// incoming file notifications, the batch response, and the argument handed
// to the downstream workflow.

// Notification names one uploaded object. Generation is the GCS object
// generation string when the notification came from an object-finalized
// event; batch callers may leave it empty.
type Notification struct {
	Bucket     string `json:"bucket"`
	Name       string `json:"name"`
	Generation string `json:"generation,omitempty"`
}

// BatchRequest is the input of the HTTP batch function.
type BatchRequest struct {
	Notifications []Notification `json:"notifications"`
}

// BatchSummary aggregates per-file outcomes of one invocation.
type BatchSummary struct {
	TotalProcessed        int     `json:"total_processed"`
	Successful            int     `json:"successful"`
	Failed                int     `json:"failed"`
	ProcessingTimeSeconds float64 `json:"processing_time_seconds"`
}

// BatchResponse is the output of the HTTP batch function and the
// invocation record logged by the event function.
type BatchResponse struct {
	Message   string             `json:"message"`
	Summary   BatchSummary       `json:"summary"`
	Results   []ProcessingResult `json:"results"`
	Timestamp time.Time          `json:"timestamp"`
}

// HandoffPayload is the workflow execution argument produced after a
// successful extraction.
type HandoffPayload struct {
	OriginalKey string `json:"originalKey"`
	TextKey     string `json:"textKey"`
	MetadataKey string `json:"metadataKey"`
	PageCount   int    `json:"pageCount"`
}
