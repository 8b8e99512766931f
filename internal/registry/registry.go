package registry

import (
	"context"
	"fmt"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/articleflow/articleflow/internal/models"
)

// Registry records document processing state in a Firestore collection, one
// record per extraction attempt.
type Registry struct {
	client     *firestore.Client
	collection string
}

// New returns a Registry backed by the named collection.
func New(client *firestore.Client, collection string) (*Registry, error) {
	if client == nil {
		return nil, fmt.Errorf("firestore client must be provided")
	}
	if collection == "" {
		return nil, fmt.Errorf("collection name must be provided")
	}
	return &Registry{client: client, collection: collection}, nil
}

// FindCompleted looks up a completed record for the exact object generation.
// It returns nil when no such record exists.
func (r *Registry) FindCompleted(ctx context.Context, bucket, key, generation string) (*models.DocumentRecord, error) {
	docs, err := r.client.Collection(r.collection).
		Where("bucket", "==", bucket).
		Where("objectKey", "==", key).
		Where("generation", "==", generation).
		Where("status", "==", models.StatusCompleted).
		Limit(1).
		Documents(ctx).
		GetAll()
	if err != nil {
		return nil, fmt.Errorf("failed to query for duplicates: %w", err)
	}
	if len(docs) == 0 {
		return nil, nil
	}

	var record models.DocumentRecord
	if err := docs[0].DataTo(&record); err != nil {
		return nil, fmt.Errorf("failed to decode document record: %w", err)
	}
	return &record, nil
}

// Create inserts the initial processing record and returns its ID.
func (r *Registry) Create(ctx context.Context, bucket, key, generation string) (string, error) {
	record := models.DocumentRecord{
		Bucket:     bucket,
		ObjectKey:  key,
		Generation: generation,
		Status:     models.StatusProcessing,
		CreatedAt:  time.Now(),
	}
	docRef, _, err := r.client.Collection(r.collection).Add(ctx, record)
	if err != nil {
		return "", fmt.Errorf("failed to create document record: %w", err)
	}
	return docRef.ID, nil
}

// MarkCompleted finalizes the record for a successful extraction.
func (r *Registry) MarkCompleted(ctx context.Context, id string, result *models.ExtractionResult, textKey, metadataKey string) error {
	updates := []firestore.Update{
		{Path: "status", Value: models.StatusCompleted},
		{Path: "method", Value: result.Method},
		{Path: "pageCount", Value: result.PageCount},
		{Path: "averageConfidence", Value: result.Confidence.Average},
		{Path: "textKey", Value: textKey},
		{Path: "metadataKey", Value: metadataKey},
		{Path: "updatedAt", Value: time.Now()},
	}
	if _, err := r.client.Collection(r.collection).Doc(id).Update(ctx, updates); err != nil {
		return fmt.Errorf("failed to update record %s to %s: %w", id, models.StatusCompleted, err)
	}
	return nil
}

// MarkFailed finalizes the record for a terminal failure. Status is one of
// failed or timeout.
func (r *Registry) MarkFailed(ctx context.Context, id, status, detail string) error {
	updates := []firestore.Update{
		{Path: "status", Value: status},
		{Path: "errorDetails", Value: detail},
		{Path: "updatedAt", Value: time.Now()},
	}
	if _, err := r.client.Collection(r.collection).Doc(id).Update(ctx, updates); err != nil {
		return fmt.Errorf("failed to update record %s to %s: %w", id, status, err)
	}
	return nil
}
