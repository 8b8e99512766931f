package gcp

import (
	"context"
	"fmt"

	"cloud.google.com/go/firestore"
	vision "cloud.google.com/go/vision/v2/apiv1"
	executions "cloud.google.com/go/workflows/executions/apiv1"
)

// NewFirestoreClient creates and returns a new Firestore client for the given project ID.
// It centralizes client creation for all services.
func NewFirestoreClient(ctx context.Context, projectID string) (*firestore.Client, error) {
	if projectID == "" {
		return nil, fmt.Errorf("projectID must be provided to create a firestore client")
	}

	client, err := firestore.NewClient(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("failed to create Firestore client: %w", err)
	}

	return client, nil
}

// NewImageAnnotator creates the Vision client used for document text detection.
func NewImageAnnotator(ctx context.Context) (*vision.ImageAnnotatorClient, error) {
	client, err := vision.NewImageAnnotatorClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create Vision client: %w", err)
	}
	return client, nil
}

// NewExecutionsClient creates the Workflows Executions client used to hand
// completed documents off to the downstream workflow.
func NewExecutionsClient(ctx context.Context) (*executions.Client, error) {
	client, err := executions.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create Workflows Executions client: %w", err)
	}
	return client, nil
}
